package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

// Key layout. NUL separates variable-length ids so one id can never be a prefix
// of another key family.
//
//	user:{id}                               -> User (JSON)
//	group:{id}                              -> Group (JSON)
//	member:{user}\x00{group}                -> empty, membership index
//	peer:{user}\x00{counterpart}            -> empty, direct-history index
//	msg:{conversation}\x00{unixnano:019}:{id} -> v1.Message (JSON)
const (
	keyUser   = "user:"
	keyGroup  = "group:"
	keyMember = "member:"
	keyPeer   = "peer:"
	keyMsg    = "msg:"
	keySep    = "\x00"
)

// BadgerStore is an embedded, single-process Store backed by BadgerDB.
// Messages are keyed by zero-padded creation time then id, so a prefix scan
// yields history in order.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a Badger database at dir.
// An empty dir opens an in-memory database.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("chat: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already opened database. The store owns db from now on.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error { return s.db.Close() }

// UpsertUser inserts u or refreshes its name.
func (s *BadgerStore) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var prev User
		err := getJSON(txn, keyUser+u.ID, &prev)
		switch {
		case err == nil:
			u.CreatedAt = prev.CreatedAt
			if u.Name == "" {
				u.Name = prev.Name
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now().UTC()
		}
		if u.Name == "" {
			u.Name = u.ID
		}
		return setJSON(txn, keyUser+u.ID, u)
	})
}

// FindUsersWithActiveDirectHistory walks the peer index of userID.
func (s *BadgerStore) FindUsersWithActiveDirectHistory(ctx context.Context, userID string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []User
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(keyPeer + userID + keySep)
		peers, err := scanKeys(txn, prefix)
		if err != nil {
			return err
		}
		for _, peer := range peers {
			var u User
			err := getJSON(txn, keyUser+peer, &u)
			if errors.Is(err, ErrNotFound) {
				u = User{ID: peer, Name: peer}
			} else if err != nil {
				return err
			}
			out = append(out, u)
		}
		return nil
	})
	return out, err
}

// CreateMessage stores m and, for direct messages, indexes both participants.
func (s *BadgerStore) CreateMessage(ctx context.Context, m v1.Message) (v1.Message, error) {
	if err := validateMessage(m); err != nil {
		return v1.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return v1.Message{}, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		switch m.Kind {
		case v1.KindGroup:
			if _, err := txn.Get([]byte(keyGroup + m.GroupID)); err != nil {
				return notFound(err)
			}
		case v1.KindDirect:
			if err := txn.Set([]byte(keyPeer+m.SenderID+keySep+m.ReceiverID), nil); err != nil {
				return err
			}
			if err := txn.Set([]byte(keyPeer+m.ReceiverID+keySep+m.SenderID), nil); err != nil {
				return err
			}
		}
		return setJSON(txn, messageKey(m), m)
	})
	if err != nil {
		return v1.Message{}, err
	}
	return m, nil
}

// DirectHistory returns the direct conversation between a and b.
func (s *BadgerStore) DirectHistory(ctx context.Context, a, b string) ([]v1.Message, error) {
	if a == "" || b == "" {
		return nil, ErrInvalidInput
	}
	return s.history(ctx, v1.DirectConversationID(a, b))
}

// GroupHistory returns the messages of groupID.
func (s *BadgerStore) GroupHistory(ctx context.Context, groupID string) ([]v1.Message, error) {
	if groupID == "" {
		return nil, ErrInvalidInput
	}
	return s.history(ctx, groupID)
}

func (s *BadgerStore) history(ctx context.Context, conversationID string) ([]v1.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []v1.Message
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyMsg + conversationID + keySep)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m v1.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// CreateGroup stores g and indexes its members.
func (s *BadgerStore) CreateGroup(ctx context.Context, g Group) (Group, error) {
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

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(keyGroup + g.ID)); err == nil {
			return ErrInvalidInput
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		for _, uid := range g.Members {
			if err := txn.Set(memberKey(uid, g.ID), nil); err != nil {
				return err
			}
		}
		return setJSON(txn, keyGroup+g.ID, g)
	})
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

// FindGroupByID returns the group or ErrNotFound.
func (s *BadgerStore) FindGroupByID(ctx context.Context, groupID string) (Group, error) {
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}
	var g Group
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyGroup+groupID, &g)
	})
	return g, err
}

// GroupsForMember walks the membership index of userID.
func (s *BadgerStore) GroupsForMember(ctx context.Context, userID string) ([]Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Group
	err := s.db.View(func(txn *badger.Txn) error {
		ids, err := scanKeys(txn, []byte(keyMember+userID+keySep))
		if err != nil {
			return err
		}
		for _, id := range ids {
			var g Group
			if err := getJSON(txn, keyGroup+id, &g); err != nil {
				return err
			}
			out = append(out, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, compareGroups)
	return out, nil
}

// AddMembers appends the ids not yet present.
func (s *BadgerStore) AddMembers(ctx context.Context, groupID string, userIDs []string) (Group, error) {
	return s.mutateGroup(ctx, groupID, func(txn *badger.Txn, g *Group) error {
		for _, uid := range lo.Compact(userIDs) {
			if g.HasMember(uid) {
				continue
			}
			g.Members = append(g.Members, uid)
			if err := txn.Set(memberKey(uid, groupID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveMember removes userID from the group. Removing a non-member is a no-op.
func (s *BadgerStore) RemoveMember(ctx context.Context, groupID, userID string) (Group, error) {
	return s.mutateGroup(ctx, groupID, func(txn *badger.Txn, g *Group) error {
		g.Members = lo.Without(g.Members, userID)
		return txn.Delete(memberKey(userID, groupID))
	})
}

// DeleteGroup removes the group, its membership index and its history.
func (s *BadgerStore) DeleteGroup(ctx context.Context, groupID string) (Group, error) {
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}

	var g Group
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, keyGroup+groupID, &g); err != nil {
			return err
		}
		for _, uid := range g.Members {
			if err := txn.Delete(memberKey(uid, groupID)); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(keyGroup + groupID))
	})
	if err != nil {
		return Group{}, err
	}

	// History can exceed one transaction; drop it in a separate pass.
	if err := s.db.DropPrefix([]byte(keyMsg + groupID + keySep)); err != nil {
		return Group{}, fmt.Errorf("chat: drop group history: %w", err)
	}
	return g, nil
}

func (s *BadgerStore) mutateGroup(ctx context.Context, groupID string, fn func(*badger.Txn, *Group) error) (Group, error) {
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}

	var g Group
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, keyGroup+groupID, &g); err != nil {
			return err
		}
		if err := fn(txn, &g); err != nil {
			return err
		}
		return setJSON(txn, keyGroup+groupID, g)
	})
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

func messageKey(m v1.Message) []byte {
	return fmt.Appendf(nil, "%s%s%s%019d:%s", keyMsg, m.ConversationID, keySep, m.CreatedAt.UnixNano(), m.ID)
}

func memberKey(userID, groupID string) []byte {
	return []byte(keyMember + userID + keySep + groupID)
}

// scanKeys returns the key suffixes under prefix.
func scanKeys(txn *badger.Txn, prefix []byte) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefix):]))
	}
	return out, nil
}

func getJSON(txn *badger.Txn, key string, dst any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return notFound(err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), b)
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}
