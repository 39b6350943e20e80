package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamingSummarizer_ForwardsChunks(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	received := make(chan summaryRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in summaryRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received <- in
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = fmt.Fprintln(w, `{"text":"Alice proposed "}`)
		_, _ = fmt.Fprintln(w, ``)
		_, _ = fmt.Fprintln(w, `{"text":""}`)
		_, _ = fmt.Fprintln(w, `{"text":"a release date."}`)
	}))
	t.Cleanup(srv.Close)

	s := NewStreamingSummarizer(srv.URL, time.Second)
	lines := []SummaryLine{{Text: "ship friday?", Time: "10:00", SenderName: "Alice"}}

	var chunks []string
	err := s.Summarize(context.Background(), lines, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	req.NoError(err)
	req.Equal([]string{"Alice proposed ", "a release date."}, chunks)
	got := <-received
	req.Equal(lines, got.Lines)
	req.NotEmpty(got.Instructions)
}

func TestStreamingSummarizer_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unconfigured", func(t *testing.T) {
		err := NewStreamingSummarizer("  ", 0).Summarize(context.Background(), nil, func(string) error { return nil })
		require.ErrorIs(t, err, ErrSummarizerUnavailable)
	})

	t.Run("bad status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		}))
		t.Cleanup(srv.Close)

		err := NewStreamingSummarizer(srv.URL, time.Second).Summarize(context.Background(), nil, func(string) error { return nil })
		require.ErrorContains(t, err, "429")
		require.ErrorContains(t, err, "quota exceeded")
	})

	t.Run("error chunk", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprintln(w, `{"text":"partial"}`)
			_, _ = fmt.Fprintln(w, `{"error":"model overloaded"}`)
		}))
		t.Cleanup(srv.Close)

		var chunks []string
		err := NewStreamingSummarizer(srv.URL, time.Second).Summarize(context.Background(), nil, func(c string) error {
			chunks = append(chunks, c)
			return nil
		})
		require.ErrorContains(t, err, "model overloaded")
		require.Equal(t, []string{"partial"}, chunks)
	})

	t.Run("emit aborts", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprintln(w, `{"text":"one"}`)
			_, _ = fmt.Fprintln(w, `{"text":"two"}`)
		}))
		t.Cleanup(srv.Close)

		stop := errors.New("client gone")
		calls := 0
		err := NewStreamingSummarizer(srv.URL, time.Second).Summarize(context.Background(), nil, func(string) error {
			calls++
			return stop
		})
		require.ErrorIs(t, err, stop)
		require.Equal(t, 1, calls)
	})
}

func TestWriteSSE(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, writeSSE(&buf, "one"))
	require.NoError(t, writeSSE(&buf, "two\nthree"))
	require.Equal(t, "data: one\n\ndata: two\ndata: three\n\n", buf.String())
}
