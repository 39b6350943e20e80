package app

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"huddle/cmd/internal/auth"
	"huddle/cmd/internal/realtime"
)

// callerThrottle caps mutating API calls (sends, group edits) per authenticated
// caller over a sliding window. Idle callers are pruned lazily.
type callerThrottle struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	callers   map[string]*throttledCaller
	lastPrune time.Time
}

type throttledCaller struct {
	limiter  *realtime.RateLimiter
	lastSeen time.Time
}

// newCallerThrottle returns nil (disabled) for non-positive arguments.
func newCallerThrottle(limit int, window time.Duration) *callerThrottle {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &callerThrottle{
		limit:   limit,
		window:  window,
		now:     time.Now,
		callers: make(map[string]*throttledCaller),
	}
}

func (t *callerThrottle) allow(userID string) bool {
	now := t.now()

	t.mu.Lock()
	if now.Sub(t.lastPrune) > t.window {
		for id, c := range t.callers {
			if now.Sub(c.lastSeen) > t.window {
				delete(t.callers, id)
			}
		}
		t.lastPrune = now
	}
	c, ok := t.callers[userID]
	if !ok {
		c = &throttledCaller{limiter: realtime.NewRateLimiter(t.limit, t.window)}
		t.callers[userID] = c
	}
	c.lastSeen = now
	t.mu.Unlock()

	return c.limiter.Allow(now)
}

func (t *callerThrottle) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.callers)
}

// wrap rejects the caller's POST/DELETE requests beyond the limit with 429.
// It must run behind auth, which stores the caller id. All handlers wrapped by
// one throttle share the caller's budget. A nil throttle wraps nothing.
func (t *callerThrottle) wrap(next http.Handler, log *slog.Logger) http.Handler {
	if t == nil {
		return next
	}
	retryAfter := strconv.FormatInt(int64(math.Ceil(t.window.Seconds())), 10)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}
		userID, ok := auth.UserID(r.Context())
		if !ok || t.allow(userID) {
			next.ServeHTTP(w, r)
			return
		}

		log.Info("api.throttled", "user_id", userID, "method", r.Method, "path", r.URL.Path)
		w.Header().Set("Retry-After", retryAfter)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "rate_limited", "message": "too many requests"},
		})
	})
}
