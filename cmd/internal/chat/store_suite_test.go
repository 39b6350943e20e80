package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against one implementation.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("direct history is per pair and ordered", func(t *testing.T) {
		req := require.New(t)
		st := open(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		for i, m := range []struct{ from, to string }{
			{"alice", "bob"}, {"bob", "alice"}, {"alice", "carol"}, {"alice", "bob"},
		} {
			_, err := st.CreateMessage(ctx, directMsg(fmt.Sprintf("m%d", i), m.from, m.to, base.Add(time.Duration(i)*time.Second)))
			req.NoError(err)
		}

		hist, err := st.DirectHistory(ctx, "bob", "alice")
		req.NoError(err)
		req.Equal([]string{"m0", "m1", "m3"}, messageIDs(hist))
		req.Equal(v1.DirectConversationID("alice", "bob"), hist[0].ConversationID)
		req.True(base.Add(3*time.Second).Equal(hist[2].CreatedAt))

		hist, err = st.DirectHistory(ctx, "alice", "carol")
		req.NoError(err)
		req.Equal([]string{"m2"}, messageIDs(hist))
	})

	t.Run("contacts come from direct history", func(t *testing.T) {
		req := require.New(t)
		st := open(t)
		ctx := context.Background()

		req.NoError(st.UpsertUser(ctx, User{ID: "bob", Name: "Bob"}))
		_, err := st.CreateMessage(ctx, directMsg("m1", "alice", "bob", time.Now()))
		req.NoError(err)
		_, err = st.CreateMessage(ctx, directMsg("m2", "carol", "alice", time.Now()))
		req.NoError(err)
		_, err = st.CreateMessage(ctx, directMsg("m3", "bob", "dave", time.Now()))
		req.NoError(err)

		users, err := st.FindUsersWithActiveDirectHistory(ctx, "alice")
		req.NoError(err)
		req.Len(users, 2)
		req.Equal("bob", users[0].ID)
		req.Equal("Bob", users[0].Name)
		req.Equal("carol", users[1].ID)
	})

	t.Run("upsert keeps existing name when blank", func(t *testing.T) {
		req := require.New(t)
		st := open(t)
		ctx := context.Background()

		req.NoError(st.UpsertUser(ctx, User{ID: "bob", Name: "Bob"}))
		req.NoError(st.UpsertUser(ctx, User{ID: "bob"}))
		_, err := st.CreateMessage(ctx, directMsg("m1", "alice", "bob", time.Now()))
		req.NoError(err)

		users, err := st.FindUsersWithActiveDirectHistory(ctx, "alice")
		req.NoError(err)
		req.Len(users, 1)
		req.Equal("Bob", users[0].Name)
		req.ErrorIs(st.UpsertUser(ctx, User{}), ErrInvalidInput)
	})

	t.Run("group lifecycle", func(t *testing.T) {
		req := require.New(t)
		st := open(t)
		ctx := context.Background()

		g, err := st.CreateGroup(ctx, Group{ID: "g1", Name: "Team", Members: []string{"alice", "bob", "alice"}})
		req.NoError(err)
		req.Equal([]string{"alice", "bob"}, g.Members)

		_, err = st.CreateGroup(ctx, Group{ID: "g2", Name: "Other", Members: []string{"carol"}})
		req.NoError(err)

		g, err = st.AddMembers(ctx, "g1", []string{"bob", "carol"})
		req.NoError(err)
		req.Equal([]string{"alice", "bob", "carol"}, g.Members)

		groups, err := st.GroupsForMember(ctx, "carol")
		req.NoError(err)
		req.Len(groups, 2)

		g, err = st.RemoveMember(ctx, "g1", "bob")
		req.NoError(err)
		req.Equal([]string{"alice", "carol"}, g.Members)

		g, err = st.RemoveMember(ctx, "g1", "nobody")
		req.NoError(err)
		req.Equal([]string{"alice", "carol"}, g.Members)

		groups, err = st.GroupsForMember(ctx, "bob")
		req.NoError(err)
		req.Empty(groups)

		got, err := st.FindGroupByID(ctx, "g1")
		req.NoError(err)
		req.Equal("Team", got.Name)
		req.True(got.HasMember("alice"))

		_, err = st.CreateMessage(ctx, groupMsg("gm1", "alice", "g1", time.Now()))
		req.NoError(err)
		hist, err := st.GroupHistory(ctx, "g1")
		req.NoError(err)
		req.Equal([]string{"gm1"}, messageIDs(hist))

		deleted, err := st.DeleteGroup(ctx, "g1")
		req.NoError(err)
		req.Equal("g1", deleted.ID)

		_, err = st.FindGroupByID(ctx, "g1")
		req.ErrorIs(err, ErrNotFound)
		hist, err = st.GroupHistory(ctx, "g1")
		req.NoError(err)
		req.Empty(hist)
		groups, err = st.GroupsForMember(ctx, "alice")
		req.NoError(err)
		req.Empty(groups)
	})

	t.Run("missing groups", func(t *testing.T) {
		req := require.New(t)
		st := open(t)
		ctx := context.Background()

		_, err := st.FindGroupByID(ctx, "nope")
		req.ErrorIs(err, ErrNotFound)
		_, err = st.AddMembers(ctx, "nope", []string{"a"})
		req.ErrorIs(err, ErrNotFound)
		_, err = st.RemoveMember(ctx, "nope", "a")
		req.ErrorIs(err, ErrNotFound)
		_, err = st.DeleteGroup(ctx, "nope")
		req.ErrorIs(err, ErrNotFound)
		_, err = st.CreateMessage(ctx, groupMsg("gm1", "alice", "nope", time.Now()))
		req.ErrorIs(err, ErrNotFound)
	})

	t.Run("rejects malformed messages", func(t *testing.T) {
		req := require.New(t)
		st := open(t)
		ctx := context.Background()

		bad := directMsg("m1", "alice", "bob", time.Now())
		bad.Text = ""
		_, err := st.CreateMessage(ctx, bad)
		req.ErrorIs(err, ErrInvalidInput)

		bad = directMsg("", "alice", "bob", time.Now())
		_, err = st.CreateMessage(ctx, bad)
		req.ErrorIs(err, ErrInvalidInput)

		bad = directMsg("m1", "alice", "bob", time.Now())
		bad.Kind = "broadcast"
		_, err = st.CreateMessage(ctx, bad)
		req.ErrorIs(err, ErrInvalidInput)
	})
}

func directMsg(id, from, to string, at time.Time) v1.Message {
	return v1.Message{
		ID:             id,
		Kind:           v1.KindDirect,
		ConversationID: v1.DirectConversationID(from, to),
		SenderID:       from,
		ReceiverID:     to,
		Text:           "text " + id,
		CreatedAt:      at.UTC(),
	}
}

func groupMsg(id, from, groupID string, at time.Time) v1.Message {
	return v1.Message{
		ID:             id,
		Kind:           v1.KindGroup,
		ConversationID: groupID,
		SenderID:       from,
		GroupID:        groupID,
		Text:           "text " + id,
		CreatedAt:      at.UTC(),
	}
}

func messageIDs(msgs []v1.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
