package realtime

import (
	v1 "huddle/shared/contracts/realtime/v1"
)

// Room is the subscriber set of one group id.
//
// A Room has no lock of its own: it is only reached through Hub, which guards
// membership changes with its write lock and fan-out with its read lock. That keeps
// join, leave, garbage collection of empty rooms and broadcast linearizable.
type Room struct {
	ID string

	members map[string]*Client // session id -> client
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		members: make(map[string]*Client),
	}
}

func (r *Room) add(c *Client) bool {
	if _, ok := r.members[c.SessionID]; ok {
		return false
	}
	r.members[c.SessionID] = c
	return true
}

func (r *Room) remove(c *Client) bool {
	cur, ok := r.members[c.SessionID]
	if !ok || cur != c {
		return false
	}
	delete(r.members, c.SessionID)
	return true
}

func (r *Room) empty() bool { return len(r.members) == 0 }

// broadcast fans env out to every member except exclude.
// Non-blocking: members whose queue is full or who are shutting down are skipped.
// It returns (delivered, dropped).
func (r *Room) broadcast(env v1.Envelope, exclude *Client) (int, int) {
	delivered, dropped := 0, 0
	for _, m := range r.members {
		if m == nil || m == exclude {
			continue
		}
		if m.Enqueue(env) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
