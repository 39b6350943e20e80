package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
)

// prettyHandler writes one line per record for terminals:
//
//	15:04:05.000 INFO  http.request method=GET status=200 duration=3ms src=middleware.go:52
//
// Attributes from groups are flattened with dotted keys.
type prettyHandler struct {
	out    *lockedWriter
	level  slog.Leveler
	source bool
	color  bool

	prefix string // attrs from WithAttrs, already rendered
	group  string
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, colorOn bool) slog.Handler {
	h := &prettyHandler{out: &lockedWriter{w: w}, level: slog.LevelInfo, color: colorOn}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(h.paint(color.OpFuzzy, ts.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(h.levelLabel(r.Level))
	b.WriteByte(' ')
	b.WriteString(h.paint(color.OpBold, r.Message))
	b.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, h.group, a)
		return true
	})
	if h.source && r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if f.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.paint(color.OpFuzzy, filepath.Base(f.File)+":"+strconv.Itoa(f.Line)))
		}
	}
	b.WriteByte('\n')

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	_, err := io.WriteString(h.out.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		h.writeAttr(&b, h.group, a)
	}
	cp.prefix = b.String()
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name = strings.TrimSpace(name); name == "" {
		return h
	}
	cp := *h
	cp.group = joinKey(h.group, name)
	return &cp
}

func (h *prettyHandler) writeAttr(b *strings.Builder, group string, a slog.Attr) {
	v := a.Value.Resolve()
	key := strings.TrimSpace(a.Key)

	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			h.writeAttr(b, joinKey(group, key), ga)
		}
		return
	}
	if key == "" {
		return
	}

	full := joinKey(group, key)
	label, text := h.render(full, v)
	b.WriteByte(' ')
	b.WriteString(label)
	b.WriteByte('=')
	b.WriteString(text)
}

// render formats well-known request and delivery fields; everything else is
// printed plain and quoted when it would break the key=value layout.
func (h *prettyHandler) render(key string, v slog.Value) (string, string) {
	switch key {
	case "method":
		m := strings.ToUpper(v.String())
		return key, h.paint(methodColor(m), m)
	case "path", "conversation":
		return key, h.paint(color.FgCyan, v.String())
	case "status":
		if n, ok := intValue(v); ok {
			return key, h.paint(classColor(statusClass(int(n))), strconv.FormatInt(n, 10))
		}
	case "status_class":
		return "class", h.paint(classColor(v.String()), v.String())
	case "duration_ms":
		if n, ok := intValue(v); ok {
			return "duration", h.paint(durationColor(n), strconv.FormatInt(n, 10)+"ms")
		}
	case "result":
		r := strings.ToLower(v.String())
		return key, h.paint(resultColor(r), r)
	}
	return key, quoteIfNeeded(plainValue(v))
}

func (h *prettyHandler) levelLabel(l slog.Level) string {
	var (
		c    color.Color
		text string
	)
	switch {
	case l >= slog.LevelError:
		c, text = color.FgRed, "ERROR"
	case l >= slog.LevelWarn:
		c, text = color.FgYellow, "WARN "
	case l >= slog.LevelInfo:
		c, text = color.FgBlue, "INFO "
	default:
		c, text = color.FgMagenta, "DEBUG"
	}
	return h.paint(c, text)
}

func (h *prettyHandler) paint(c color.Color, s string) string {
	if !h.color {
		return s
	}
	return c.Render(s)
}

func methodColor(m string) color.Color {
	switch m {
	case "GET":
		return color.FgGreen
	case "POST":
		return color.FgYellow
	case "DELETE":
		return color.FgRed
	}
	return color.FgWhite
}

func classColor(class string) color.Color {
	switch class {
	case "2xx", "1xx":
		return color.FgGreen
	case "3xx":
		return color.FgCyan
	case "4xx":
		return color.FgYellow
	case "5xx":
		return color.FgRed
	}
	return color.FgDefault
}

func durationColor(ms int64) color.Color {
	switch {
	case ms >= 1000:
		return color.FgRed
	case ms >= 250:
		return color.FgYellow
	}
	return color.FgGreen
}

func resultColor(result string) color.Color {
	switch result {
	case "success", "delivered":
		return color.FgGreen
	case "client_error", "dropped", "offline":
		return color.FgYellow
	case "server_error", "error":
		return color.FgRed
	}
	return color.FgDefault
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	if key == "" {
		return group
	}
	return group + "." + key
}

func intValue(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	}
	return 0, false
}

func plainValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	}
	return v.String()
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
