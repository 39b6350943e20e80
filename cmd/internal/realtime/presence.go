package realtime

import (
	"log/slog"
	"sync"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"
)

// Presence republishes the online identity set to every registered connection
// whenever the Registry changes.
//
// The fan-out is global and unscoped: every connected client learns every other
// connected identity regardless of contacts or shared groups.
//
// Publications are serialized; the snapshot is taken inside the critical section,
// so the most recent publication always reflects the most recent registry state.
type Presence struct {
	log      *slog.Logger
	registry *Registry
	metrics  *Metrics

	mu        sync.Mutex
	published uint64
}

// NewPresence constructs a publisher and subscribes it to registry changes.
func NewPresence(log *slog.Logger, registry *Registry, metrics *Metrics) *Presence {
	if log == nil {
		log = slog.Default()
	}
	p := &Presence{
		log:      log,
		registry: registry,
		metrics:  metrics,
	}
	registry.OnChange(func() { p.Publish() })
	return p
}

// Publish enqueues presence_update to all registered connections and returns
// how many accepted it.
func (p *Presence) Publish() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	online, conns := p.registry.snapshot()

	now := time.Now().UTC()
	env, err := v1.NewEnvelope(v1.TypePresenceUpdate, NewEnvelopeID(now), now, v1.PresenceUpdatePayload{
		UserIDs: online,
	})
	if err != nil {
		p.log.Error("presence.encode.fail", "err", err)
		return 0
	}

	sent := 0
	for _, c := range conns {
		if c.Enqueue(env) {
			sent++
			continue
		}
		p.log.Debug("presence.drop", "user_id", c.UserID, "session_id", c.SessionID)
	}

	p.published++
	p.metrics.presencePublished()
	p.log.Debug("presence.publish", "online", len(online), "sent", sent)
	return sent
}

// Published returns the number of publications performed so far.
func (p *Presence) Published() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}
