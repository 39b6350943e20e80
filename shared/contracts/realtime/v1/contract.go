package v1

import (
	"strings"
	"time"
)

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Message is an already durably written chat message as it crosses the realtime core.
// It is immutable from the point of view of delivery.
type Message struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id,omitempty"`
	GroupID        string    `json:"group_id,omitempty"`
	Text           string    `json:"text,omitempty"`
	ImageURL       string    `json:"image_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// DirectConversationID returns the canonical conversation id for a pair of users.
// The result does not depend on argument order.
func DirectConversationID(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// Counterpart returns the other participant of a direct message, seen from self.
func (m Message) Counterpart(self string) string {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// ---- Payloads ----

// HelloPayload is sent by the client to request a session acknowledgement.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id and the authenticated identity.
// UserID is empty for anonymous sessions.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// GroupPayload is used by join_group and leave_group in both directions.
type GroupPayload struct {
	GroupID string `json:"group_id"`
}

// PresenceUpdatePayload carries the full set of currently online identities.
type PresenceUpdatePayload struct {
	UserIDs []string `json:"user_ids"`
}

// ErrorPayload is a generic error response payload. Refusals of join_group
// and leave_group name the group they answer.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	GroupID string `json:"group_id,omitempty"`
}
