package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrSummarizerUnavailable is returned when no summarization backend is configured.
var ErrSummarizerUnavailable = errors.New("chat: summarizer unavailable")

// SummaryLine is one chat line handed to the summarizer.
type SummaryLine struct {
	Text       string `json:"text" validate:"max=4000"`
	Time       string `json:"time"`
	SenderName string `json:"senderName" validate:"max=200"`
}

// Summarizer turns a conversation excerpt into a streamed summary. emit is called
// once per chunk, in order; an emit error aborts the stream.
type Summarizer interface {
	Summarize(ctx context.Context, lines []SummaryLine, emit func(chunk string) error) error
}

const summaryInstructions = `Summarize this group chat briefly. Attribute key actions, decisions and concerns to the right people, condense long exchanges, mention humor, tension or disagreement when present and skip trivial greetings. Reply with the summary only.`

// StreamingSummarizer posts the excerpt to an HTTP endpoint that answers with
// newline-delimited JSON chunks ({"text": "..."}), forwarding each chunk as it arrives.
type StreamingSummarizer struct {
	url    string
	client *http.Client
}

// NewStreamingSummarizer returns a summarizer for url. A blank url yields a
// summarizer that always fails with ErrSummarizerUnavailable.
func NewStreamingSummarizer(url string, timeout time.Duration) *StreamingSummarizer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &StreamingSummarizer{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

type summaryRequest struct {
	Instructions string        `json:"instructions"`
	Lines        []SummaryLine `json:"lines"`
}

type summaryChunk struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Summarize implements Summarizer.
func (s *StreamingSummarizer) Summarize(ctx context.Context, lines []SummaryLine, emit func(string) error) error {
	if s == nil || s.url == "" {
		return ErrSummarizerUnavailable
	}

	body, err := json.Marshal(summaryRequest{Instructions: summaryInstructions, Lines: lines})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat: summarizer request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chat: summarizer status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk summaryChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("chat: summarizer chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("chat: summarizer: %s", chunk.Error)
		}
		if chunk.Text == "" {
			continue
		}
		if err := emit(chunk.Text); err != nil {
			return err
		}
	}
	return sc.Err()
}

// writeSSE writes one server-sent event carrying chunk. Multi-line chunks are
// split over several data fields so the client reassembles them verbatim.
func writeSSE(w io.Writer, chunk string) error {
	var b strings.Builder
	for _, line := range strings.Split(chunk, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
