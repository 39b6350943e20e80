package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"huddle/cmd/internal/auth"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

// headerIdentity trusts X-User-ID; the real middleware is covered in package auth.
func headerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-User-ID")
		if id == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), id)))
	})
}

type fakeSummarizer struct {
	chunks []string
	err    error

	mu    sync.Mutex
	lines []SummaryLine
}

func (f *fakeSummarizer) Summarize(_ context.Context, lines []SummaryLine, emit func(string) error) error {
	f.mu.Lock()
	f.lines = lines
	f.mu.Unlock()
	for _, c := range f.chunks {
		if err := emit(c); err != nil {
			return err
		}
	}
	return f.err
}

type apiFixture struct {
	srv *httptest.Server
	d   *recordingDeliverer
}

func newAPIFixture(t *testing.T, opts ...HandlerOption) *apiFixture {
	t.Helper()
	svc, _, d := newTestService(t)
	mux := http.NewServeMux()
	NewHandler(discardLogger(), svc, opts...).Register(mux, headerIdentity)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, d: d}
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decodeBody[errorBody](t, resp).Error.Code
}

func TestHandler_RequiresIdentity(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/groups", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_DirectMessages(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/messages/send/U2", "U1", SendInput{Text: "hi"})
	req.Equal(http.StatusCreated, resp.StatusCode)
	sent := decodeBody[v1.Message](t, resp)
	req.Equal("U1", sent.SenderID)
	req.Equal("U2", sent.ReceiverID)
	req.Equal("hi", sent.Text)

	resp = f.do(t, http.MethodGet, "/api/messages/U1", "U2", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	hist := decodeBody[[]v1.Message](t, resp)
	req.Len(hist, 1)
	req.Equal(sent.ID, hist[0].ID)

	resp = f.do(t, http.MethodGet, "/api/messages/users", "U2", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	users := decodeBody[[]User](t, resp)
	req.Len(users, 1)
	req.Equal("U1", users[0].ID)

	resp = f.do(t, http.MethodGet, "/api/messages/U9", "U2", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Empty(decodeBody[[]v1.Message](t, resp))

	req.Len(f.d.delivered(), 1)
}

func TestHandler_SendRejections(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	cases := []struct {
		name string
		path string
		body any
		code string
	}{
		{"empty", "/api/messages/send/U2", SendInput{}, "invalid_input"},
		{"self", "/api/messages/send/U1", SendInput{Text: "me"}, "invalid_input"},
		{"too long", "/api/messages/send/U2", SendInput{Text: strings.Repeat("x", 4001)}, "invalid_input"},
		{"unknown field", "/api/messages/send/U2", map[string]string{"txt": "hi"}, "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, tc.path, "U1", tc.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.Equal(t, tc.code, errorCode(t, resp))
		})
	}
}

func TestHandler_Groups(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/groups", "U1", createGroupRequest{Name: "Team", Members: []string{"U2"}})
	req.Equal(http.StatusCreated, resp.StatusCode)
	g := decodeBody[Group](t, resp)
	req.ElementsMatch([]string{"U1", "U2"}, g.Members)

	resp = f.do(t, http.MethodPost, "/api/groups/"+g.ID+"/messages", "U2", SendInput{Text: "hello team"})
	req.Equal(http.StatusCreated, resp.StatusCode)
	msg := decodeBody[v1.Message](t, resp)
	req.Equal(v1.KindGroup, msg.Kind)
	req.Equal(g.ID, msg.GroupID)

	resp = f.do(t, http.MethodPost, "/api/groups/"+g.ID+"/messages", "U3", SendInput{Text: "hi?"})
	req.Equal(http.StatusForbidden, resp.StatusCode)
	req.Equal("forbidden", errorCode(t, resp))

	resp = f.do(t, http.MethodPost, "/api/groups/"+g.ID+"/members", "U1", addMemberRequest{UserID: "U3"})
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Contains(decodeBody[Group](t, resp).Members, "U3")

	resp = f.do(t, http.MethodPost, "/api/groups/"+g.ID+"/addMembers", "U1", addMembersRequest{UserIDs: []string{"U4", "U5"}})
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Len(decodeBody[Group](t, resp).Members, 5)

	resp = f.do(t, http.MethodPost, "/api/groups/"+g.ID+"/addMembers", "U1", addMembersRequest{})
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/groups/"+g.ID+"/members/U4", "U1", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NotContains(decodeBody[Group](t, resp).Members, "U4")

	resp = f.do(t, http.MethodGet, "/api/groups", "U3", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	views := decodeBody[[]GroupView](t, resp)
	req.Len(views, 1)
	req.Len(views[0].Messages, 1)

	resp = f.do(t, http.MethodGet, "/api/groups/"+g.ID, "U9", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("Team", decodeBody[GroupView](t, resp).Name)

	resp = f.do(t, http.MethodDelete, "/api/groups/"+g.ID, "U1", nil)
	req.Equal(http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/groups/"+g.ID, "U1", nil)
	req.Equal(http.StatusNotFound, resp.StatusCode)
	req.Equal("not_found", errorCode(t, resp))

	resp = f.do(t, http.MethodPost, "/api/groups", "U1", createGroupRequest{})
	req.Equal(http.StatusBadRequest, resp.StatusCode)
}

func summaryPath(t *testing.T, lines any) string {
	t.Helper()
	b, err := json.Marshal(lines)
	require.NoError(t, err)
	return "/api/groups/generate?messages=" + url.QueryEscape(string(b))
}

func TestHandler_SummaryStreamsEvents(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	m := NewMetrics(nil)
	sum := &fakeSummarizer{chunks: []string{"Alice wants to ship.", "Bob\nagrees."}}
	f := newAPIFixture(t, WithSummarizer(sum), WithHandlerMetrics(m))

	lines := []SummaryLine{
		{Text: "ship friday?", Time: "10:00", SenderName: "Alice"},
		{Text: "sure", Time: "10:01", SenderName: "Bob"},
	}
	resp := f.do(t, http.MethodGet, summaryPath(t, lines), "U1", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/event-stream", resp.Header.Get("Content-Type"))

	var data []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			data = append(data, v)
		}
	}
	req.NoError(sc.Err())
	req.Equal([]string{"Alice wants to ship.", "Bob", "agrees."}, data)
	sum.mu.Lock()
	defer sum.mu.Unlock()
	req.Equal(lines, sum.lines)
}

func TestHandler_SummaryFailures(t *testing.T) {
	t.Parallel()

	lines := []SummaryLine{{Text: "hi", SenderName: "Alice"}}

	t.Run("missing parameter", func(t *testing.T) {
		f := newAPIFixture(t, WithSummarizer(&fakeSummarizer{}))
		resp := f.do(t, http.MethodGet, "/api/groups/generate", "U1", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed parameter", func(t *testing.T) {
		f := newAPIFixture(t, WithSummarizer(&fakeSummarizer{}))
		resp := f.do(t, http.MethodGet, "/api/groups/generate?messages=%7Bnope", "U1", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "invalid_input", errorCode(t, resp))
	})

	t.Run("not configured", func(t *testing.T) {
		f := newAPIFixture(t)
		resp := f.do(t, http.MethodGet, summaryPath(t, lines), "U1", nil)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("backend fails before streaming", func(t *testing.T) {
		f := newAPIFixture(t, WithSummarizer(&fakeSummarizer{err: errors.New("upstream down")}))
		resp := f.do(t, http.MethodGet, summaryPath(t, lines), "U1", nil)
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		require.Equal(t, "summary_failed", errorCode(t, resp))
	})

	t.Run("backend fails mid-stream", func(t *testing.T) {
		f := newAPIFixture(t, WithSummarizer(&fakeSummarizer{chunks: []string{"partial"}, err: errors.New("reset")}))
		resp := f.do(t, http.MethodGet, summaryPath(t, lines), "U1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body bytes.Buffer
		_, err := body.ReadFrom(resp.Body)
		require.NoError(t, err)
		require.Contains(t, body.String(), "data: partial\n\n")
		require.Contains(t, body.String(), "event: error\n")
	})
}
