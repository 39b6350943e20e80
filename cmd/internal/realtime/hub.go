package realtime

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

// Hub is the room multiplexer: it maps group ids to the connections currently
// subscribed to them. Rooms are created lazily on first join and dropped as soon
// as they become empty.
//
// Concurrency guarantees:
// - Join/Leave/LeaveAll/Evict hold the write lock. Join refuses closed clients.
// - Broadcast holds the read lock for the whole fan-out, so it never delivers to a
//   connection that is mid-removal.
// - Broadcast never blocks (drops under backpressure).
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu        sync.RWMutex
	rooms     map[string]*Room
	bySession map[string]map[string]struct{} // session id -> room ids
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:       log,
		metrics:   metrics,
		rooms:     make(map[string]*Room),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Join subscribes c to roomID. It is idempotent and reports whether c was added.
// A closed client is never added, so a join racing LeaveAll cannot outlive it.
func (h *Hub) Join(roomID string, c *Client) bool {
	if roomID == "" || c == nil || c.SessionID == "" {
		return false
	}

	h.mu.Lock()
	if c.Closed() {
		h.mu.Unlock()
		return false
	}
	room, ok := h.rooms[roomID]
	if !ok {
		room = newRoom(roomID)
		h.rooms[roomID] = room
	}
	added := room.add(c)
	if added {
		joined := h.bySession[c.SessionID]
		if joined == nil {
			joined = make(map[string]struct{})
			h.bySession[c.SessionID] = joined
		}
		joined[roomID] = struct{}{}
	}
	n := len(h.rooms)
	h.mu.Unlock()

	h.metrics.setRooms(n)
	if added {
		h.log.Info("room.member.join", "room_id", roomID, "session_id", c.SessionID, "user_id", c.UserID)
	}
	return added
}

// Leave unsubscribes c from roomID. It is idempotent and reports whether c was removed.
func (h *Hub) Leave(roomID string, c *Client) bool {
	if roomID == "" || c == nil {
		return false
	}

	h.mu.Lock()
	removed := h.leaveLocked(roomID, c)
	n := len(h.rooms)
	h.mu.Unlock()

	h.metrics.setRooms(n)
	if removed {
		h.log.Info("room.member.leave", "room_id", roomID, "session_id", c.SessionID, "user_id", c.UserID)
	}
	return removed
}

// LeaveAll removes c from every room it joined and returns the room ids, sorted.
func (h *Hub) LeaveAll(c *Client) []string {
	if c == nil {
		return nil
	}

	h.mu.Lock()
	roomIDs := lo.Keys(h.bySession[c.SessionID])
	for _, id := range roomIDs {
		h.leaveLocked(id, c)
	}
	n := len(h.rooms)
	h.mu.Unlock()

	h.metrics.setRooms(n)
	slices.Sort(roomIDs)
	if len(roomIDs) > 0 {
		h.log.Info("room.member.leave_all", "session_id", c.SessionID, "rooms", len(roomIDs))
	}
	return roomIDs
}

func (h *Hub) leaveLocked(roomID string, c *Client) bool {
	room, ok := h.rooms[roomID]
	if !ok || !room.remove(c) {
		return false
	}
	if room.empty() {
		delete(h.rooms, roomID)
	}
	if joined := h.bySession[c.SessionID]; joined != nil {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(h.bySession, c.SessionID)
		}
	}
	return true
}

// Evict removes userID's sessions from roomID, or every session when userID is
// empty, and tells each removed session with a leave_group envelope. It returns
// how many sessions were removed.
func (h *Hub) Evict(roomID, userID string) int {
	if roomID == "" {
		return 0
	}

	h.mu.Lock()
	var evicted []*Client
	if room, ok := h.rooms[roomID]; ok {
		for _, c := range room.members {
			if userID == "" || c.UserID == userID {
				evicted = append(evicted, c)
			}
		}
		for _, c := range evicted {
			h.leaveLocked(roomID, c)
		}
	}
	n := len(h.rooms)
	h.mu.Unlock()

	if len(evicted) == 0 {
		return 0
	}
	h.metrics.setRooms(n)

	now := time.Now().UTC()
	env, err := v1.NewEnvelope(v1.TypeLeaveGroup, NewEnvelopeID(now), now, v1.GroupPayload{GroupID: roomID})
	if err != nil {
		h.log.Error("room.evict.envelope.fail", "room_id", roomID, "err", err)
	} else {
		for _, c := range evicted {
			_ = c.Enqueue(env)
		}
	}
	h.log.Info("room.evict", "room_id", roomID, "user_id", userID, "sessions", len(evicted))
	return len(evicted)
}

// Broadcast sends env to every subscriber of roomID except exclude and returns
// the number of connections that accepted it. A room without subscribers is a no-op.
func (h *Hub) Broadcast(roomID string, env v1.Envelope, exclude *Client) int {
	delivered, _, _ := h.fanout(roomID, env, exclude)
	return delivered
}

// fanout is Broadcast with drop accounting; found is false when the room does not exist.
func (h *Hub) fanout(roomID string, env v1.Envelope, exclude *Client) (delivered, dropped int, found bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return 0, 0, false
	}
	delivered, dropped = room.broadcast(env, exclude)
	if dropped > 0 {
		h.log.Debug("room.broadcast.drop", "room_id", roomID, "dropped", dropped)
	}
	return delivered, dropped, true
}

// Subscribers returns the sorted session ids subscribed to roomID.
func (h *Hub) Subscribers(roomID string) []string {
	h.mu.RLock()
	room, ok := h.rooms[roomID]
	var out []string
	if ok {
		out = lo.Keys(room.members)
	}
	h.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Rooms returns the number of non-empty rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
