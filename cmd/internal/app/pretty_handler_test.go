package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/gookit/color"
	"github.com/stretchr/testify/require"
)

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}, false))
	log.With("session_id", "S1").WithGroup("peer").Debug("ws.accept",
		"user_id", "U1",
		slog.Group("conn", "remote", "10.0.0.1:5555"),
	)
	log.Info("http.request",
		"method", "post",
		"status", 429,
		"status_class", "4xx",
		"duration_ms", int64(3),
		"note", "two words",
		"empty", "",
		"err", errors.New("boom"),
	)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	require.Contains(t, lines[0], "DEBUG ws.accept session_id=S1 peer.user_id=U1 peer.conn.remote=10.0.0.1:5555")
	require.Contains(t, lines[0], " src=pretty_handler_test.go:")

	for _, want := range []string{
		"INFO  http.request",
		"method=POST",
		"status=429",
		"class=4xx",
		"duration=3ms",
		`note="two words"`,
		`empty=""`,
		"err=boom",
	} {
		require.Contains(t, lines[1], want)
	}
}

func TestPrettyHandler_Level(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("hidden")
	log.Warn("shown")
	log.Error("failed")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "WARN  shown")
	require.Contains(t, out, "ERROR failed")
}

func TestPrettyHandler_Color(t *testing.T) {
	t.Parallel()

	var plain, painted bytes.Buffer
	slog.New(newPrettyHandler(&plain, nil, false)).Info("delivery", "status", 200, "result", "delivered")
	slog.New(newPrettyHandler(&painted, nil, true)).Info("delivery", "status", 200, "result", "delivered")

	require.NotContains(t, plain.String(), "\x1b[")

	// Only the time column differs once codes are stripped.
	strip := func(s string) string { return s[strings.IndexByte(s, ' '):] }
	require.Equal(t, strip(plain.String()), strip(color.ClearCode(painted.String())))
}

func TestPrettyHandler_Colors(t *testing.T) {
	t.Parallel()

	require.Equal(t, color.FgRed, methodColor("DELETE"))
	require.Equal(t, color.FgGreen, classColor(statusClass(101)))
	require.Equal(t, color.FgRed, classColor("5xx"))
	require.Equal(t, color.FgYellow, durationColor(250))
	require.Equal(t, color.FgYellow, resultColor("offline"))
	require.Equal(t, color.FgDefault, resultColor("whatever"))
}
