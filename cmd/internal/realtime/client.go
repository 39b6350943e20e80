package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"
)

const fallbackSendQueue = 64

// Client is one websocket session of a user. A user may hold several over
// time; the registry tracks which one is current.
//
// Send is drained only by the session's writer and is never closed. Fan-out
// goes through Enqueue, which gives up instead of blocking on a slow reader.
type Client struct {
	SessionID   string
	UserID      string
	ConnectedAt time.Time
	Send        chan v1.Envelope

	stop     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// NewClient returns a session for userID. An empty userID is an anonymous
// session that can join rooms but never enters the registry.
func NewClient(userID, sessionID string, queue int) *Client {
	if queue <= 0 {
		queue = fallbackSendQueue
	}
	return &Client{
		SessionID:   sessionID,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		Send:        make(chan v1.Envelope, queue),
		stop:        make(chan struct{}),
	}
}

// Anonymous reports whether the session carries no authenticated identity.
func (c *Client) Anonymous() bool {
	return c == nil || c.UserID == ""
}

// Done is closed once the session stops. A nil client is always done.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.stop
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Close stops the session. Safe to call more than once.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stop) })
}

// Enqueue queues env for the writer. It reports false, and drops env, when the
// session has stopped or its queue is full.
func (c *Client) Enqueue(env v1.Envelope) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.Send <- env:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped counts envelopes discarded because the queue was full.
func (c *Client) Dropped() uint64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}
