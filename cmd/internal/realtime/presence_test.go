package realtime

import (
	"testing"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

func TestPresence_ReconnectPublishesTwiceAndListsIdentityOnce(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	reg := NewRegistry(discardLogger())
	p := NewPresence(discardLogger(), reg, nil)

	first := NewClient("u1", "s1", 8)
	second := NewClient("u1", "s2", 8)

	req.NoError(reg.Register("u1", first))
	req.NoError(reg.Register("u1", second))

	req.Equal([]string{"u1"}, reg.OnlineIdentities())
	req.GreaterOrEqual(p.Published(), uint64(2))

	// Only the currently registered connection receives the second snapshot.
	updates := ofType(drain(second), v1.TypePresenceUpdate)
	req.Len(updates, 1)
	req.Equal([]string{"u1"}, decodePresence(t, updates[0]))
}

func TestPresence_GlobalFanOutOnConnectAndDisconnect(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	reg := NewRegistry(discardLogger())
	m := NewMetrics(nil)
	NewPresence(discardLogger(), reg, m)

	alice := NewClient("alice", "s-a", 8)
	bob := NewClient("bob", "s-b", 8)

	req.NoError(reg.Register("alice", alice))
	req.NoError(reg.Register("bob", bob))

	aliceUpdates := ofType(drain(alice), v1.TypePresenceUpdate)
	req.Len(aliceUpdates, 2)
	req.Equal([]string{"alice"}, decodePresence(t, aliceUpdates[0]))
	req.Equal([]string{"alice", "bob"}, decodePresence(t, aliceUpdates[1]))

	bobUpdates := ofType(drain(bob), v1.TypePresenceUpdate)
	req.Len(bobUpdates, 1)
	req.Equal([]string{"alice", "bob"}, decodePresence(t, bobUpdates[0]))

	req.True(reg.Deregister("bob", bob))

	aliceUpdates = ofType(drain(alice), v1.TypePresenceUpdate)
	req.Len(aliceUpdates, 1)
	req.Equal([]string{"alice"}, decodePresence(t, aliceUpdates[0]))
	req.Empty(drain(bob))

	req.Equal(3.0, counterValue(t, m.PresencePublishes))
}

func TestPresence_PublishWithNobodyOnline(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(discardLogger())
	p := NewPresence(discardLogger(), reg, nil)
	require.Zero(t, p.Publish())
	require.Equal(t, uint64(1), p.Published())
}
