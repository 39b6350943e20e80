package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		status int
		level  slog.Level
		result string
		class  string
	}{
		{101, slog.LevelInfo, "success", "1xx"},
		{201, slog.LevelInfo, "success", "2xx"},
		{304, slog.LevelInfo, "redirect", "3xx"},
		{429, slog.LevelWarn, "client_error", "4xx"},
		{502, slog.LevelError, "server_error", "5xx"},
		{42, slog.LevelInfo, "success", "unknown"},
	} {
		level, result := requestLogMeta(tc.status)
		require.Equal(t, tc.level, level, "status %d", tc.status)
		require.Equal(t, tc.result, result, "status %d", tc.status)
		require.Equal(t, tc.class, statusClass(tc.status), "status %d", tc.status)
	}
}

func TestWithRequestLogging(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/groups/missing", nil))

	require.NoError(t, uuid.Validate(seen))
	require.Equal(t, seen, rr.Header().Get(headerRequestID))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "WARN", line["level"])
	require.Equal(t, "http.request", line["msg"])
	require.Equal(t, seen, line["request_id"])
	require.EqualValues(t, 404, line["status"])
	require.EqualValues(t, 4, line["bytes"])
	require.Equal(t, false, line["upgraded"])

	t.Run("keeps inbound uuid", func(t *testing.T) {
		in := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set(headerRequestID, in)
		h.ServeHTTP(httptest.NewRecorder(), req)
		require.Equal(t, in, seen)
	})

	t.Run("replaces malformed id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set(headerRequestID, "not-a-uuid\n")
		h.ServeHTTP(httptest.NewRecorder(), req)
		require.NotEqual(t, "not-a-uuid\n", seen)
		require.NoError(t, uuid.Validate(seen))
	})
}

func TestStatusRecorder(t *testing.T) {
	t.Parallel()

	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	require.Equal(t, http.StatusOK, rec.statusCode())

	rec.WriteHeader(http.StatusAccepted)
	rec.WriteHeader(http.StatusTeapot)
	require.Equal(t, http.StatusAccepted, rec.statusCode())

	var w http.ResponseWriter = rec
	_, hijacks := w.(http.Hijacker)
	_, flushes := w.(http.Flusher)
	require.True(t, hijacks)
	require.True(t, flushes)
	require.NoError(t, http.NewResponseController(w).Flush())

	// httptest.ResponseRecorder cannot be hijacked.
	_, _, err := rec.Hijack()
	require.Error(t, err)
	require.False(t, rec.hijacked)
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	require.Equal(t, "no-referrer", rr.Header().Get("Referrer-Policy"))
}
