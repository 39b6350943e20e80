package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

type snapResult struct {
	msgs []v1.Message
	err  error
}

// gatedSnapshots blocks each Snapshot until the test releases it. It ignores
// context cancellation so stale results really do come back late.
type gatedSnapshots struct {
	mu    sync.Mutex
	gates map[Selection]chan snapResult
}

func newGatedSnapshots() *gatedSnapshots {
	return &gatedSnapshots{gates: make(map[Selection]chan snapResult)}
}

func (g *gatedSnapshots) gate(sel Selection) chan snapResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[sel]
	if !ok {
		ch = make(chan snapResult, 1)
		g.gates[sel] = ch
	}
	return ch
}

func (g *gatedSnapshots) release(sel Selection, msgs ...v1.Message) {
	g.gate(sel) <- snapResult{msgs: msgs}
}

func (g *gatedSnapshots) fail(sel Selection, err error) {
	g.gate(sel) <- snapResult{err: err}
}

func (g *gatedSnapshots) Snapshot(_ context.Context, sel Selection) ([]v1.Message, error) {
	r := <-g.gate(sel)
	return r.msgs, r.err
}

type fakeSub struct {
	sel    Selection
	fn     func(v1.Message)
	closed bool
}

// fakeFeed keeps every listener, including closed ones, so tests can simulate
// events that were already in flight when a subscription was dropped.
type fakeFeed struct {
	mu   sync.Mutex
	subs []*fakeSub
	err  error
}

func (f *fakeFeed) Subscribe(_ context.Context, sel Selection, fn func(v1.Message)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSub{sel: sel, fn: fn}
	f.subs = append(f.subs, s)
	return subscriptionFunc(func() error {
		f.mu.Lock()
		s.closed = true
		f.mu.Unlock()
		return nil
	}), nil
}

// emit delivers msg to open listeners.
func (f *fakeFeed) emit(msg v1.Message) {
	for _, s := range f.snapshot(false) {
		s.fn(msg)
	}
}

// emitClosed delivers msg to closed listeners only.
func (f *fakeFeed) emitClosed(msg v1.Message) {
	for _, s := range f.snapshot(true) {
		s.fn(msg)
	}
}

func (f *fakeFeed) snapshot(closed bool) []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSub
	for _, s := range f.subs {
		if s.closed == closed {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeFeed) open() []Selection {
	var out []Selection
	for _, s := range f.snapshot(false) {
		out = append(out, s.sel)
	}
	return out
}

type fakeSender struct {
	mu   sync.Mutex
	next int
	gate chan struct{}
}

func (s *fakeSender) Send(_ context.Context, sel Selection, text, _ string) (v1.Message, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.next++
	n := s.next
	s.mu.Unlock()

	msg := v1.Message{ID: "sent-" + string(rune('0'+n)), Kind: sel.Kind, SenderID: "me", Text: text}
	if sel.Kind == v1.KindDirect {
		msg.ReceiverID = sel.ID
	} else {
		msg.GroupID = sel.ID
	}
	return msg, nil
}

func dm(id, from, to string) v1.Message {
	return v1.Message{ID: id, Kind: v1.KindDirect, SenderID: from, ReceiverID: to, ConversationID: v1.DirectConversationID(from, to)}
}

func gm(id, from, group string) v1.Message {
	return v1.Message{ID: id, Kind: v1.KindGroup, SenderID: from, GroupID: group, ConversationID: group}
}

func ids(msgs []v1.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func waitReady(t *testing.T, m *Machine) State {
	t.Helper()
	require.Eventually(t, func() bool { return m.State().Phase == PhaseReady }, time.Second, 2*time.Millisecond)
	return m.State()
}

func TestMachine_SelectLoadsSnapshot(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	snaps, feed := newGatedSnapshots(), &fakeFeed{}
	m := NewMachine(snaps, feed)
	req.Equal(PhaseIdle, m.State().Phase)

	sel := Direct("U2")
	req.NoError(m.Select(context.Background(), sel))

	st := m.State()
	req.Equal(PhaseLoading, st.Phase)
	req.True(st.Loading)
	req.Empty(st.Messages)
	req.Equal([]Selection{sel}, feed.open())

	snaps.release(sel, dm("m1", "me", "U2"), dm("m2", "U2", "me"))
	st = waitReady(t, m)
	req.False(st.Loading)
	req.NoError(st.Err)
	req.Equal([]string{"m1", "m2"}, ids(st.Messages))
}

func TestMachine_SelectionSwitchDiscardsStaleSnapshot(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	snaps, feed := newGatedSnapshots(), &fakeFeed{}
	m := NewMachine(snaps, feed)
	ctx := context.Background()

	a, b := Direct("A"), Group("B")
	req.NoError(m.Select(ctx, a))
	req.NoError(m.Select(ctx, b))
	req.Equal([]Selection{b}, feed.open())

	snaps.release(b, gm("b1", "X", "B"))
	st := waitReady(t, m)
	req.Equal([]string{"b1"}, ids(st.Messages))

	// A's fetch resolves after the switch.
	snaps.release(a, dm("a1", "A", "me"), dm("a2", "me", "A"))
	req.Never(func() bool {
		return len(m.State().Messages) != 1
	}, 50*time.Millisecond, 5*time.Millisecond)

	final := m.State()
	req.Equal(b, final.Selection)
	req.Equal([]string{"b1"}, ids(final.Messages))
}

func TestMachine_SupersededSubscriptionHasNoEffect(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	snaps, feed := newGatedSnapshots(), &fakeFeed{}
	m := NewMachine(snaps, feed)
	ctx := context.Background()

	req.NoError(m.Select(ctx, Group("G1")))
	snaps.release(Group("G1"))
	waitReady(t, m)

	req.NoError(m.Select(ctx, Group("G2")))
	snaps.release(Group("G2"))
	waitReady(t, m)

	// An event for the new group arriving through the old listener is still
	// dropped: the listener carries the old generation.
	feed.emitClosed(gm("late", "X", "G2"))
	req.Empty(m.State().Messages)

	feed.emit(gm("g2-1", "X", "G2"))
	req.Equal([]string{"g2-1"}, ids(m.State().Messages))
}

func TestMachine_LiveEventsFilteredBySelection(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	snaps, feed := newGatedSnapshots(), &fakeFeed{}
	m := NewMachine(snaps, feed)

	req.NoError(m.Select(context.Background(), Direct("U2")))
	snaps.release(Direct("U2"))
	waitReady(t, m)

	feed.emit(dm("in", "U2", "me"))
	feed.emit(dm("out", "me", "U2"))
	feed.emit(dm("other", "U3", "me"))
	feed.emit(gm("group", "U2", "G"))

	req.Equal([]string{"in", "out"}, ids(m.State().Messages))
}

func TestMachine_DeduplicatesByID(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	snaps, feed := newGatedSnapshots(), &fakeFeed{}
	m := NewMachine(snaps, feed)
	sel := Group("G")

	req.NoError(m.Select(context.Background(), sel))

	// Live events race ahead of the snapshot; one of them is also in it.
	feed.emit(gm("m2", "X", "G"))
	feed.emit(gm("m3", "X", "G"))
	feed.emit(gm("m3", "X", "G"))
	req.Equal([]string{"m2", "m3"}, ids(m.State().Messages))

	snaps.release(sel, gm("m1", "X", "G"), gm("m2", "X", "G"))
	st := waitReady(t, m)
	req.Equal([]string{"m1", "m2", "m3"}, ids(st.Messages))

	feed.emit(gm("m1", "X", "G"))
	feed.emit(gm("m4", "X", "G"))
	feed.emit(gm("m4", "X", "G"))
	req.Equal([]string{"m1", "m2", "m3", "m4"}, ids(m.State().Messages))
}

func TestMachine_SendAppendsOnceDespiteEcho(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	snaps, feed := newGatedSnapshots(), &fakeFeed{}
	m := NewMachine(snaps, feed, WithSender(&fakeSender{}))
	ctx := context.Background()

	_, err := m.Send(ctx, "nobody listening", "")
	req.ErrorIs(err, ErrNoSelection)

	req.NoError(m.Select(ctx, Direct("U2")))
	snaps.release(Direct("U2"))
	waitReady(t, m)

	sent, err := m.Send(ctx, "hi", "")
	req.NoError(err)
	feed.emit(sent)

	req.Equal([]string{sent.ID}, ids(m.State().Messages))
}

func TestMachine_SendResponseAfterSwitchIsDropped(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	snaps, feed := newGatedSnapshots(), &fakeFeed{}
	sender := &fakeSender{gate: make(chan struct{})}
	m := NewMachine(snaps, feed, WithSender(sender))
	ctx := context.Background()

	req.NoError(m.Select(ctx, Direct("U2")))
	snaps.release(Direct("U2"))
	waitReady(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := m.Send(ctx, "slow", "")
		done <- err
	}()

	// Send has captured the selection once it blocks on the gate.
	require.Eventually(t, func() bool {
		select {
		case sender.gate <- struct{}{}:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond, "send never reached the sender")

	// The gate was released, but the switch below may still win the race with
	// the response; both orders must leave G empty.
	req.NoError(m.Select(ctx, Group("G")))
	req.NoError(<-done)

	snaps.release(Group("G"))
	st := waitReady(t, m)
	req.Equal(Group("G"), st.Selection)
	req.Empty(st.Messages)
}

func TestMachine_SelectNoneReturnsToIdle(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	snaps, feed := newGatedSnapshots(), &fakeFeed{}
	m := NewMachine(snaps, feed)

	req.NoError(m.Select(context.Background(), Group("G")))
	snaps.release(Group("G"), gm("m1", "X", "G"))
	waitReady(t, m)

	req.NoError(m.Close())
	st := m.State()
	req.Equal(PhaseIdle, st.Phase)
	req.True(st.Selection.IsNone())
	req.Empty(st.Messages)
	req.Empty(feed.open())

	feed.emitClosed(gm("m2", "X", "G"))
	req.Empty(m.State().Messages)
}

func TestMachine_SnapshotErrorKeepsLiveEvents(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	snaps, feed := newGatedSnapshots(), &fakeFeed{}
	m := NewMachine(snaps, feed)
	sel := Group("G")

	req.NoError(m.Select(context.Background(), sel))
	feed.emit(gm("live", "X", "G"))

	boom := errors.New("history unavailable")
	snaps.fail(sel, boom)
	st := waitReady(t, m)
	req.ErrorIs(st.Err, boom)
	req.False(st.Loading)
	req.Equal([]string{"live"}, ids(st.Messages))
}

func TestMachine_SubscribeErrorIsReported(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	boom := errors.New("join refused")
	m := NewMachine(newGatedSnapshots(), &fakeFeed{err: boom})

	err := m.Select(context.Background(), Group("G"))
	req.ErrorIs(err, boom)

	st := m.State()
	req.Equal(PhaseReady, st.Phase)
	req.ErrorIs(st.Err, boom)
}

func TestMachine_ObserveReceivesCopies(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	snaps, feed := newGatedSnapshots(), &fakeFeed{}
	m := NewMachine(snaps, feed)

	var mu sync.Mutex
	var seen []State
	cancel := m.Observe(func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}

	req.NoError(m.Select(context.Background(), Group("G")))
	snaps.release(Group("G"), gm("m1", "X", "G"))
	require.Eventually(t, func() bool { return count() == 2 }, time.Second, 2*time.Millisecond)
	feed.emit(gm("m2", "X", "G"))

	cancel()
	feed.emit(gm("m3", "X", "G"))

	mu.Lock()
	defer mu.Unlock()
	req.Len(seen, 3)
	req.Equal(PhaseLoading, seen[0].Phase)
	req.Equal([]string{"m1"}, ids(seen[1].Messages))
	req.Equal([]string{"m1", "m2"}, ids(seen[2].Messages))

	// Mutating a received copy does not leak into the machine.
	seen[2].Messages[0].Text = "changed"
	req.Empty(m.State().Messages[0].Text)
}
