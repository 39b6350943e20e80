// Package client keeps a chat client's view of the open conversation consistent
// while a history snapshot and the live push stream race with conversation switches.
//
// Machine is transport-agnostic: snapshots, live events and sends come from the
// Snapshotter, Feed and Sender collaborators. HTTPClient and WSFeed implement them
// against a huddle server.
package client

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	v1 "huddle/shared/contracts/realtime/v1"
)

// ErrNoSelection is returned by Send when no conversation is open.
var ErrNoSelection = errors.New("client: no conversation selected")

// Selection identifies the open conversation. The zero value means none.
type Selection struct {
	Kind string // v1.KindDirect or v1.KindGroup
	ID   string // counterpart user id or group id
}

// None returns the empty selection.
func None() Selection { return Selection{} }

// Direct selects the direct conversation with userID.
func Direct(userID string) Selection { return Selection{Kind: v1.KindDirect, ID: userID} }

// Group selects groupID.
func Group(groupID string) Selection { return Selection{Kind: v1.KindGroup, ID: groupID} }

// IsNone reports whether s selects nothing.
func (s Selection) IsNone() bool { return s.Kind == "" || s.ID == "" }

// Matches reports whether m belongs to the conversation selected by s.
func (s Selection) Matches(m v1.Message) bool {
	switch s.Kind {
	case v1.KindDirect:
		return m.Kind == v1.KindDirect && (m.SenderID == s.ID || m.ReceiverID == s.ID)
	case v1.KindGroup:
		return m.Kind == v1.KindGroup && m.GroupID == s.ID
	default:
		return false
	}
}

// Phase is the machine's coarse state.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
)

// State is an immutable copy of the machine state.
type State struct {
	Selection  Selection
	Phase      Phase
	Loading    bool
	Messages   []v1.Message
	Generation uint64
	// Err is the error of the last snapshot fetch or subscription for the
	// current selection.
	Err error
}

// Snapshotter fetches the ordered history of a conversation.
type Snapshotter interface {
	Snapshot(ctx context.Context, sel Selection) ([]v1.Message, error)
}

// Subscription is a live event subscription. Close is the only way to stop it
// and is safe to call more than once.
type Subscription interface {
	Close() error
}

// Feed delivers live messages for a selection to fn until the returned
// subscription is closed. For groups, Subscribe joins the room.
type Feed interface {
	Subscribe(ctx context.Context, sel Selection, fn func(v1.Message)) (Subscription, error)
}

// Sender writes a message to a conversation and returns it as persisted.
type Sender interface {
	Send(ctx context.Context, sel Selection, text, imageDataURL string) (v1.Message, error)
}

// Machine is the client reconciliation state machine.
//
// Every asynchronous completion (snapshot, live event, send response) carries the
// generation that was current when it was issued and is dropped if the selection
// changed since. Messages are deduplicated by id.
type Machine struct {
	log    *slog.Logger
	snap   Snapshotter
	feed   Feed
	sender Sender

	// selectMu serializes Select so subscriptions are released before new ones
	// are taken.
	selectMu sync.Mutex

	mu          sync.Mutex
	state       State
	seen        map[string]struct{}
	sub         Subscription
	cancelFetch context.CancelFunc
	observers   map[uint64]func(State)
	nextObs     uint64

	// notifyMu keeps observer callbacks ordered.
	notifyMu sync.Mutex
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// WithSender enables Send.
func WithSender(s Sender) Option {
	return func(m *Machine) { m.sender = s }
}

// NewMachine returns an idle machine.
func NewMachine(snap Snapshotter, feed Feed, opts ...Option) *Machine {
	m := &Machine{
		log:       slog.Default(),
		snap:      snap,
		feed:      feed,
		seen:      make(map[string]struct{}),
		observers: make(map[uint64]func(State)),
		state:     State{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

// Observe registers fn to receive a state copy after every change and returns a
// function that removes it. fn must not call back into the Machine.
func (m *Machine) Observe(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Select opens sel, or closes the current conversation when sel is None.
//
// The previous subscription is closed and the previous snapshot fetch is
// canceled before Select subscribes to sel; results that still arrive for the
// old selection are discarded. The snapshot is fetched in the background.
func (m *Machine) Select(ctx context.Context, sel Selection) error {
	m.selectMu.Lock()
	defer m.selectMu.Unlock()

	m.mu.Lock()
	prevSub, prevCancel := m.sub, m.cancelFetch
	m.sub, m.cancelFetch = nil, nil
	m.state.Generation++
	gen := m.state.Generation
	m.state.Selection = sel
	m.state.Messages = nil
	m.state.Err = nil
	clear(m.seen)
	if sel.IsNone() {
		m.state.Selection = None()
		m.state.Phase = PhaseIdle
		m.state.Loading = false
	} else {
		m.state.Phase = PhaseLoading
		m.state.Loading = true
	}
	m.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prevSub != nil {
		if err := prevSub.Close(); err != nil {
			m.log.Debug("client.unsubscribe.fail", "err", err)
		}
	}
	m.notify()

	if sel.IsNone() {
		return nil
	}

	sub, err := m.feed.Subscribe(ctx, sel, func(msg v1.Message) { m.onLive(gen, msg) })
	if err != nil {
		m.mu.Lock()
		if m.state.Generation == gen {
			m.state.Phase = PhaseReady
			m.state.Loading = false
			m.state.Err = err
		}
		m.mu.Unlock()
		m.notify()
		return err
	}

	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.sub, m.cancelFetch = sub, cancel
	m.mu.Unlock()

	go m.fetch(fetchCtx, gen, sel)
	return nil
}

// Close releases the current subscription and returns to idle.
func (m *Machine) Close() error {
	return m.Select(context.Background(), None())
}

// Send writes a message to the open conversation and appends the persisted
// message if the selection has not changed meanwhile.
func (m *Machine) Send(ctx context.Context, text, imageDataURL string) (v1.Message, error) {
	if m.sender == nil {
		return v1.Message{}, errors.New("client: sending disabled")
	}

	m.mu.Lock()
	sel, gen := m.state.Selection, m.state.Generation
	m.mu.Unlock()
	if sel.IsNone() {
		return v1.Message{}, ErrNoSelection
	}

	msg, err := m.sender.Send(ctx, sel, text, imageDataURL)
	if err != nil {
		return v1.Message{}, err
	}

	m.mu.Lock()
	changed := m.state.Generation == gen && m.appendLocked(msg)
	m.mu.Unlock()
	if changed {
		m.notify()
	}
	return msg, nil
}

func (m *Machine) fetch(ctx context.Context, gen uint64, sel Selection) {
	msgs, err := m.snap.Snapshot(ctx, sel)

	m.mu.Lock()
	if m.state.Generation != gen {
		m.mu.Unlock()
		m.log.Debug("client.snapshot.stale", "kind", sel.Kind, "id", sel.ID, "generation", gen)
		return
	}

	if err != nil {
		m.state.Err = err
	} else {
		// Live events that raced ahead of the snapshot stay after it.
		live := m.state.Messages
		clear(m.seen)
		m.state.Messages = make([]v1.Message, 0, len(msgs)+len(live))
		for _, msg := range msgs {
			m.appendLocked(msg)
		}
		for _, msg := range live {
			m.appendLocked(msg)
		}
	}
	m.state.Phase = PhaseReady
	m.state.Loading = false
	m.mu.Unlock()

	if err != nil {
		m.log.Info("client.snapshot.fail", "kind", sel.Kind, "id", sel.ID, "err", err)
	}
	m.notify()
}

func (m *Machine) onLive(gen uint64, msg v1.Message) {
	m.mu.Lock()
	changed := m.state.Generation == gen && m.state.Selection.Matches(msg) && m.appendLocked(msg)
	m.mu.Unlock()
	if changed {
		m.notify()
	}
}

// appendLocked appends msg unless its id was already seen.
func (m *Machine) appendLocked(msg v1.Message) bool {
	if _, dup := m.seen[msg.ID]; dup {
		return false
	}
	m.seen[msg.ID] = struct{}{}
	m.state.Messages = append(m.state.Messages, msg)
	return true
}

func (m *Machine) copyLocked() State {
	st := m.state
	st.Messages = slices.Clone(m.state.Messages)
	return st
}

func (m *Machine) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	st := m.copyLocked()
	fns := make([]func(State), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
