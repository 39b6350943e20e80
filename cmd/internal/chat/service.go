package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"huddle/cmd/internal/ids"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

// Deliverer pushes a durably written message to live connections.
// realtime.Pipeline implements it.
type Deliverer interface {
	Deliver(msg v1.Message) (int, error)
}

// SendInput is the body of a send request. At least one of Text or Image is set.
// Image is a base64 data URL and is uploaded to the BlobStore before the write.
type SendInput struct {
	Text  string `json:"text" validate:"max=4000"`
	Image string `json:"image"`
}

// GroupView is a group together with its message history.
type GroupView struct {
	Group
	Messages []v1.Message `json:"messages"`
}

// RoomEvictor takes users out of a group's live room. realtime.Hub
// implements it.
type RoomEvictor interface {
	Evict(groupID, userID string) int
}

// Service implements the chat use cases on top of a Store.
//
// Sends to the same conversation are serialized around the durable write and the
// delivery call, so live pushes leave in durable-write completion order.
type Service struct {
	log     *slog.Logger
	store   Store
	deliver Deliverer
	rooms   RoomEvictor
	blobs   BlobStore
	metrics *Metrics
	now     func() time.Time

	convLocks *keyedMutex
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithBlobStore enables image attachments.
func WithBlobStore(b BlobStore) ServiceOption {
	return func(s *Service) { s.blobs = b }
}

// WithRoomEvictor makes membership removals and group deletion take the
// affected sessions out of the group's room.
func WithRoomEvictor(r RoomEvictor) ServiceOption {
	return func(s *Service) { s.rooms = r }
}

// WithServiceMetrics attaches metrics collectors.
func WithServiceMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService constructs a Service. deliver may be nil, in which case messages
// are only persisted.
func NewService(log *slog.Logger, store Store, deliver Deliverer, opts ...ServiceOption) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:       log,
		store:     store,
		deliver:   deliver,
		now:       time.Now,
		convLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Touch records userID as a known user.
func (s *Service) Touch(ctx context.Context, userID string) error {
	return s.store.UpsertUser(ctx, User{ID: userID})
}

// Contacts lists users sharing a direct conversation with userID.
func (s *Service) Contacts(ctx context.Context, userID string) ([]User, error) {
	return s.store.FindUsersWithActiveDirectHistory(ctx, userID)
}

// DirectHistory returns the conversation between self and peer.
func (s *Service) DirectHistory(ctx context.Context, self, peer string) ([]v1.Message, error) {
	msgs, err := s.store.DirectHistory(ctx, self, peer)
	if err != nil {
		return nil, err
	}
	return nonNil(msgs), nil
}

// SendDirect writes a direct message from senderID to receiverID and pushes it
// to the receiver's live connection.
func (s *Service) SendDirect(ctx context.Context, senderID, receiverID string, in SendInput) (v1.Message, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" || receiverID == senderID {
		return v1.Message{}, fmt.Errorf("%w: invalid receiver", ErrInvalidInput)
	}

	msg := v1.Message{
		Kind:           v1.KindDirect,
		ConversationID: v1.DirectConversationID(senderID, receiverID),
		SenderID:       senderID,
		ReceiverID:     receiverID,
	}
	if err := s.store.UpsertUser(ctx, User{ID: receiverID}); err != nil {
		return v1.Message{}, err
	}
	return s.send(ctx, msg, in)
}

// SendGroup writes a group message. The sender must be a member of groupID.
func (s *Service) SendGroup(ctx context.Context, senderID, groupID string, in SendInput) (v1.Message, error) {
	g, err := s.store.FindGroupByID(ctx, groupID)
	if err != nil {
		return v1.Message{}, err
	}
	if !g.HasMember(senderID) {
		return v1.Message{}, ErrForbidden
	}

	return s.send(ctx, v1.Message{
		Kind:           v1.KindGroup,
		ConversationID: g.ID,
		SenderID:       senderID,
		GroupID:        g.ID,
	}, in)
}

func (s *Service) send(ctx context.Context, msg v1.Message, in SendInput) (v1.Message, error) {
	msg.Text = strings.TrimSpace(in.Text)
	if msg.Text == "" && strings.TrimSpace(in.Image) == "" {
		return v1.Message{}, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}

	// Upload happens outside the conversation lock; it is the slow part.
	if img := strings.TrimSpace(in.Image); img != "" {
		url, err := s.upload(ctx, img)
		if err != nil {
			return v1.Message{}, err
		}
		msg.ImageURL = url
	}

	if err := s.store.UpsertUser(ctx, User{ID: msg.SenderID}); err != nil {
		return v1.Message{}, err
	}

	unlock := s.convLocks.Lock(msg.ConversationID)
	defer unlock()

	now := s.now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Message{}, fmt.Errorf("chat: mint message id: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = now

	stored, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		return v1.Message{}, err
	}
	s.metrics.stored(stored.Kind)

	if s.deliver != nil {
		n, err := s.deliver.Deliver(stored)
		if err != nil {
			// The message is durable; the client still gets it from the response
			// and from history.
			s.log.Error("chat.deliver.fail", "message_id", stored.ID, "err", err)
		} else {
			s.log.Debug("chat.deliver", "message_id", stored.ID, "kind", stored.Kind, "pushed", n)
		}
	}
	return stored, nil
}

func (s *Service) upload(ctx context.Context, dataURL string) (string, error) {
	if s.blobs == nil {
		return "", fmt.Errorf("%w: image uploads disabled", ErrInvalidInput)
	}
	data, err := DecodeDataURL(dataURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	url, err := s.blobs.Put(ctx, data)
	if err != nil {
		if errors.Is(err, ErrUnsupportedMedia) || errors.Is(err, ErrBlobTooLarge) {
			return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return "", err
	}
	return url, nil
}

// Groups lists the groups userID belongs to, each with its history.
func (s *Service) Groups(ctx context.Context, userID string) ([]GroupView, error) {
	groups, err := s.store.GroupsForMember(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		msgs, err := s.store.GroupHistory(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, GroupView{Group: g, Messages: nonNil(msgs)})
	}
	return out, nil
}

// Group returns one group with its history.
func (s *Service) Group(ctx context.Context, groupID string) (GroupView, error) {
	g, err := s.store.FindGroupByID(ctx, groupID)
	if err != nil {
		return GroupView{}, err
	}
	msgs, err := s.store.GroupHistory(ctx, g.ID)
	if err != nil {
		return GroupView{}, err
	}
	return GroupView{Group: g, Messages: nonNil(msgs)}, nil
}

// CreateGroup creates a group; the creator is always a member.
func (s *Service) CreateGroup(ctx context.Context, creatorID, name string, members []string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("%w: empty group name", ErrInvalidInput)
	}

	now := s.now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Group{}, fmt.Errorf("chat: mint group id: %w", err)
	}

	members = lo.Uniq(lo.Compact(lo.Map(append(slices.Clone(members), creatorID), func(m string, _ int) string {
		return strings.TrimSpace(m)
	})))

	g, err := s.store.CreateGroup(ctx, Group{ID: id, Name: name, Members: members, CreatedAt: now})
	if err != nil {
		return Group{}, err
	}
	s.log.Info("chat.group.create", "group_id", g.ID, "creator_id", creatorID, "members", len(g.Members))
	return g, nil
}

// AddMembers adds userIDs to the group; ids already present are ignored.
func (s *Service) AddMembers(ctx context.Context, groupID string, userIDs []string) (Group, error) {
	userIDs = lo.Compact(lo.Map(userIDs, func(m string, _ int) string { return strings.TrimSpace(m) }))
	if len(userIDs) == 0 {
		return Group{}, fmt.Errorf("%w: no user ids", ErrInvalidInput)
	}
	return s.store.AddMembers(ctx, groupID, userIDs)
}

// RemoveMember removes userID from the group and from its live room.
func (s *Service) RemoveMember(ctx context.Context, groupID, userID string) (Group, error) {
	g, err := s.store.RemoveMember(ctx, groupID, userID)
	if err != nil {
		return Group{}, err
	}
	if s.rooms != nil {
		s.rooms.Evict(groupID, userID)
	}
	return g, nil
}

// DeleteGroup deletes the group and returns it as it was.
func (s *Service) DeleteGroup(ctx context.Context, groupID string) (Group, error) {
	g, err := s.store.DeleteGroup(ctx, groupID)
	if err != nil {
		return Group{}, err
	}
	if s.rooms != nil {
		s.rooms.Evict(groupID, "")
	}
	s.log.Info("chat.group.delete", "group_id", groupID)
	return g, nil
}

// IsGroupMember implements realtime.MembershipChecker.
func (s *Service) IsGroupMember(ctx context.Context, userID, groupID string) (bool, error) {
	g, err := s.store.FindGroupByID(ctx, groupID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return g.HasMember(userID), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
