// Package chat owns the durable side of Huddle: users, groups and messages,
// the HTTP API that writes and reads them, and the collaborators used while
// sending (blob upload, summarization).
package chat

import (
	"context"
	"errors"
	"slices"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"
)

// Public, stable errors for callers.
var (
	ErrNotFound     = errors.New("chat: not found")
	ErrInvalidInput = errors.New("chat: invalid input")
	ErrForbidden    = errors.New("chat: forbidden")
)

// User is a chat participant. Identity comes from auth; the name is display-only.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Group is a named set of members sharing one conversation.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether userID belongs to g.
func (g Group) HasMember(userID string) bool {
	return slices.Contains(g.Members, userID)
}

// Store persists users, groups and messages.
//
// Requirements:
//   - Histories are ordered by (created_at, id) ascending.
//   - Message ids are minted by the caller and unique.
//   - Missing groups yield ErrNotFound.
type Store interface {
	UpsertUser(ctx context.Context, u User) error
	FindUsersWithActiveDirectHistory(ctx context.Context, userID string) ([]User, error)

	CreateMessage(ctx context.Context, m v1.Message) (v1.Message, error)
	DirectHistory(ctx context.Context, a, b string) ([]v1.Message, error)
	GroupHistory(ctx context.Context, groupID string) ([]v1.Message, error)

	CreateGroup(ctx context.Context, g Group) (Group, error)
	FindGroupByID(ctx context.Context, groupID string) (Group, error)
	GroupsForMember(ctx context.Context, userID string) ([]Group, error)
	AddMembers(ctx context.Context, groupID string, userIDs []string) (Group, error)
	RemoveMember(ctx context.Context, groupID, userID string) (Group, error)
	DeleteGroup(ctx context.Context, groupID string) (Group, error)

	Close() error
}

func validateMessage(m v1.Message) error {
	if m.ID == "" || m.SenderID == "" || m.ConversationID == "" {
		return ErrInvalidInput
	}
	switch m.Kind {
	case v1.KindDirect:
		if m.ReceiverID == "" {
			return ErrInvalidInput
		}
	case v1.KindGroup:
		if m.GroupID == "" {
			return ErrInvalidInput
		}
	default:
		return ErrInvalidInput
	}
	if m.Text == "" && m.ImageURL == "" {
		return ErrInvalidInput
	}
	return nil
}
