package realtime

import (
	"io"
	"log/slog"
	"testing"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drain returns every envelope currently queued on c without blocking.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []v1.Envelope, typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func decodeMessage(t *testing.T, env v1.Envelope) v1.Message {
	t.Helper()
	var m v1.Message
	require.NoError(t, env.Decode(&m))
	return m
}

func decodePresence(t *testing.T, env v1.Envelope) []string {
	t.Helper()
	var p v1.PresenceUpdatePayload
	require.NoError(t, env.Decode(&p))
	return p.UserIDs
}
