package realtime

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// ErrAnonymous is returned when registering a connection without an identity.
var ErrAnonymous = errors.New("realtime: anonymous connection cannot be registered")

// Registry is the authoritative in-memory map from identity to its single current
// live connection.
//
// Concurrency guarantees:
// - Every mutation holds the write lock; Lookup and snapshots hold the read lock.
// - No method performs I/O.
// - Change listeners run after the lock is released, in the mutating goroutine.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	// When true, a connection superseded by a newer registration of the same
	// identity is closed instead of being left open and unreachable.
	evictSuperseded bool

	mu        sync.RWMutex
	conns     map[string]*Client
	listeners []func()
}

// RegistryOption configures Registry behavior.
type RegistryOption func(*Registry)

// WithEvictSuperseded closes connections replaced by a newer registration.
func WithEvictSuperseded(evict bool) RegistryOption {
	return func(r *Registry) { r.evictSuperseded = evict }
}

// WithRegistryMetrics attaches metrics collectors.
func WithRegistryMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:   log,
		conns: make(map[string]*Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// OnChange adds a listener invoked after every effective Register/Deregister.
func (r *Registry) OnChange(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Register maps userID to c, unconditionally replacing any previous mapping.
func (r *Registry) Register(userID string, c *Client) error {
	if userID == "" || c == nil {
		return ErrAnonymous
	}

	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = c
	n := len(r.conns)
	listeners := r.listeners
	r.mu.Unlock()

	r.metrics.setRegistered(n)
	r.log.Info("registry.register", "user_id", userID, "session_id", c.SessionID)

	if prev != nil && prev != c {
		r.log.Info("registry.superseded",
			"user_id", userID,
			"old_session_id", prev.SessionID,
			"new_session_id", c.SessionID,
			"evict", r.evictSuperseded,
		)
		if r.evictSuperseded {
			prev.Close()
		}
	}

	notify(listeners)
	return nil
}

// Lookup returns the connection currently registered for userID.
func (r *Registry) Lookup(userID string) (*Client, bool) {
	r.mu.RLock()
	c, ok := r.conns[userID]
	r.mu.RUnlock()
	return c, ok
}

// Deregister removes the mapping for userID only if c is the registered connection.
// A stale disconnect therefore never evicts a newer connection of the same identity.
func (r *Registry) Deregister(userID string, c *Client) bool {
	if userID == "" || c == nil {
		return false
	}

	r.mu.Lock()
	cur, ok := r.conns[userID]
	if !ok || cur != c {
		r.mu.Unlock()
		r.log.Debug("registry.deregister.stale", "user_id", userID, "session_id", c.SessionID)
		return false
	}
	delete(r.conns, userID)
	n := len(r.conns)
	listeners := r.listeners
	r.mu.Unlock()

	r.metrics.setRegistered(n)
	r.log.Info("registry.deregister", "user_id", userID, "session_id", c.SessionID)

	notify(listeners)
	return true
}

// OnlineIdentities returns a sorted snapshot of registered identities.
func (r *Registry) OnlineIdentities() []string {
	r.mu.RLock()
	out := lo.Keys(r.conns)
	r.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// snapshot returns identities and their connections as one consistent view.
func (r *Registry) snapshot() ([]string, []*Client) {
	r.mu.RLock()
	ids := lo.Keys(r.conns)
	conns := lo.Values(r.conns)
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids, conns
}

func notify(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}
