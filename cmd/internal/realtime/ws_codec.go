package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// errBadFrame marks a frame that arrived intact but is not an envelope. The
// connection survives it.
var errBadFrame = errors.New("malformed frame")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// closeFor maps a fatal read error to the close frame sent back. expected is
// false for failures other than the peer or server going away.
func closeFor(err error) (code websocket.StatusCode, reason string, expected bool) {
	switch {
	case websocket.CloseStatus(err) != -1:
		return websocket.StatusNormalClosure, "peer closed", true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusNormalClosure, "context done", true
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return websocket.StatusAbnormalClosure, "conn closed", true
	}
	return websocket.StatusAbnormalClosure, "read failed", false
}
