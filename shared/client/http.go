package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"
)

// APIError is a non-2xx answer of the HTTP API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// HTTPClient implements Snapshotter and Sender against the huddle HTTP API.
type HTTPClient struct {
	base   string
	token  string
	userID string
	hc     *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithToken authenticates requests with a bearer token.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) { c.token = token }
}

// WithDevUser sends X-User-ID; only servers running with insecure auth accept it.
func WithDevUser(userID string) HTTPOption {
	return func(c *HTTPClient) { c.userID = userID }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// NewHTTPClient returns a client for the API rooted at baseURL (e.g. http://host:8080).
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Snapshot implements Snapshotter.
func (c *HTTPClient) Snapshot(ctx context.Context, sel Selection) ([]v1.Message, error) {
	switch sel.Kind {
	case v1.KindDirect:
		var msgs []v1.Message
		if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(sel.ID), nil, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	case v1.KindGroup:
		var view struct {
			Messages []v1.Message `json:"messages"`
		}
		if err := c.do(ctx, http.MethodGet, "/api/groups/"+url.PathEscape(sel.ID), nil, &view); err != nil {
			return nil, err
		}
		return view.Messages, nil
	default:
		return nil, ErrNoSelection
	}
}

type sendRequest struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// Send implements Sender.
func (c *HTTPClient) Send(ctx context.Context, sel Selection, text, imageDataURL string) (v1.Message, error) {
	var path string
	switch sel.Kind {
	case v1.KindDirect:
		path = "/api/messages/send/" + url.PathEscape(sel.ID)
	case v1.KindGroup:
		path = "/api/groups/" + url.PathEscape(sel.ID) + "/messages"
	default:
		return v1.Message{}, ErrNoSelection
	}

	var msg v1.Message
	if err := c.do(ctx, http.MethodPost, path, sendRequest{Text: text, Image: imageDataURL}, &msg); err != nil {
		return v1.Message{}, err
	}
	return msg, nil
}

// CreateGroup creates a group with the caller and members.
func (c *HTTPClient) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	var g struct {
		ID string `json:"id"`
	}
	body := map[string]any{"name": name, "members": members}
	if err := c.do(ctx, http.MethodPost, "/api/groups", body, &g); err != nil {
		return "", err
	}
	return g.ID, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
