package chat

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

const memMaxMessagesPerConversation = 10_000

// MemoryStore is a dev-only fallback when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]User
	groups   map[string]Group
	messages map[string][]v1.Message // conversation id -> ordered history
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		groups:   make(map[string]Group),
		messages: make(map[string][]v1.Message),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// UpsertUser inserts u or refreshes its name.
func (s *MemoryStore) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
		if u.Name == "" {
			u.Name = prev.Name
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	s.users[u.ID] = u
	return nil
}

// FindUsersWithActiveDirectHistory returns every user sharing at least one direct
// message with userID, ordered by id.
func (s *MemoryStore) FindUsersWithActiveDirectHistory(ctx context.Context, userID string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, msgs := range s.messages {
		if len(msgs) == 0 || msgs[0].Kind != v1.KindDirect {
			continue
		}
		first := msgs[0]
		if first.SenderID != userID && first.ReceiverID != userID {
			continue
		}
		seen[first.Counterpart(userID)] = struct{}{}
	}

	out := lo.Map(lo.Keys(seen), func(id string, _ int) User {
		if u, ok := s.users[id]; ok {
			return u
		}
		return User{ID: id, Name: id}
	})
	slices.SortFunc(out, func(a, b User) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// CreateMessage appends m to its conversation.
func (s *MemoryStore) CreateMessage(ctx context.Context, m v1.Message) (v1.Message, error) {
	if err := validateMessage(m); err != nil {
		return v1.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return v1.Message{}, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Kind == v1.KindGroup {
		if _, ok := s.groups[m.GroupID]; !ok {
			return v1.Message{}, ErrNotFound
		}
	}

	conv := append(s.messages[m.ConversationID], m)
	// Bound memory to avoid unbounded growth in dev.
	if len(conv) > memMaxMessagesPerConversation {
		conv = conv[len(conv)-memMaxMessagesPerConversation:]
	}
	s.messages[m.ConversationID] = conv
	return m, nil
}

// DirectHistory returns the direct conversation between a and b.
func (s *MemoryStore) DirectHistory(ctx context.Context, a, b string) ([]v1.Message, error) {
	if a == "" || b == "" {
		return nil, ErrInvalidInput
	}
	return s.history(ctx, v1.DirectConversationID(a, b))
}

// GroupHistory returns the messages of groupID.
func (s *MemoryStore) GroupHistory(ctx context.Context, groupID string) ([]v1.Message, error) {
	if groupID == "" {
		return nil, ErrInvalidInput
	}
	return s.history(ctx, groupID)
}

func (s *MemoryStore) history(ctx context.Context, conversationID string) ([]v1.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := slices.Clone(s.messages[conversationID])
	s.mu.Unlock()

	slices.SortStableFunc(out, compareMessages)
	return out, nil
}

// CreateGroup stores g with deduplicated members.
func (s *MemoryStore) CreateGroup(ctx context.Context, g Group) (Group, error) {
	if g.ID == "" || g.Name == "" {
		return Group{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	g.Members = lo.Uniq(lo.Compact(g.Members))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.ID]; ok {
		return Group{}, ErrInvalidInput
	}
	s.groups[g.ID] = g
	return cloneGroup(g), nil
}

// FindGroupByID returns the group or ErrNotFound.
func (s *MemoryStore) FindGroupByID(ctx context.Context, groupID string) (Group, error) {
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	return cloneGroup(g), nil
}

// GroupsForMember returns the groups containing userID, oldest first.
func (s *MemoryStore) GroupsForMember(ctx context.Context, userID string) ([]Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := lo.FilterMap(lo.Values(s.groups), func(g Group, _ int) (Group, bool) {
		return cloneGroup(g), g.HasMember(userID)
	})
	s.mu.Unlock()

	slices.SortFunc(out, compareGroups)
	return out, nil
}

// AddMembers adds the ids not yet present, keeping existing order.
func (s *MemoryStore) AddMembers(ctx context.Context, groupID string, userIDs []string) (Group, error) {
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	g.Members = lo.Uniq(append(slices.Clone(g.Members), lo.Compact(userIDs)...))
	s.groups[groupID] = g
	return cloneGroup(g), nil
}

// RemoveMember removes userID from the group. Removing a non-member is a no-op.
func (s *MemoryStore) RemoveMember(ctx context.Context, groupID, userID string) (Group, error) {
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	g.Members = lo.Without(g.Members, userID)
	s.groups[groupID] = g
	return cloneGroup(g), nil
}

// DeleteGroup removes the group and its history, returning the removed group.
func (s *MemoryStore) DeleteGroup(ctx context.Context, groupID string) (Group, error) {
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	delete(s.groups, groupID)
	delete(s.messages, groupID)
	return g, nil
}

func cloneGroup(g Group) Group {
	g.Members = slices.Clone(g.Members)
	return g
}

func compareMessages(a, b v1.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func compareGroups(a, b Group) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
