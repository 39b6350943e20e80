package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	feedMaxReadBytes   = 1 << 20
	feedWriteTimeout   = 5 * time.Second
	feedPingInterval   = 25 * time.Second
	feedRequestTimeout = 10 * time.Second
)

// ErrFeedClosed is returned by operations on a closed feed.
var ErrFeedClosed = errors.New("client: feed closed")

// ServerError is an error envelope sent by the server.
type ServerError struct {
	Code    string
	Message string
	// GroupID is set on join_failed and leave_failed.
	GroupID string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// DialOptions configures DialFeed.
type DialOptions struct {
	// Origin is sent as the Origin header; the server enforces an allow-list.
	Origin string
	// Token is sent as a bearer token.
	Token string
	// Header carries extra handshake headers.
	Header http.Header
	Logger *slog.Logger
}

// WSFeed is a live channel to a huddle server. It implements Feed and hands out
// one subscription handle per listener. Group rooms are joined on the first
// subscription and left when the last one is closed.
type WSFeed struct {
	conn *websocket.Conn
	log  *slog.Logger

	sessionID string
	userID    string

	mu        sync.Mutex
	subs      map[string]*feedSub
	presence  map[string]func([]string)
	rooms     map[string]int
	pending   map[controlKey][]chan error
	closed    bool
	closeErr  error
	ctrlMu    sync.Mutex
	cancelRun context.CancelFunc
	done      chan struct{}
}

// DialFeed connects to wsURL, completes the hello handshake and starts the
// read and keepalive loops.
func DialFeed(ctx context.Context, wsURL string, opts DialOptions) (*WSFeed, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	h := http.Header{}
	for k, vs := range opts.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if opts.Origin != "" {
		h.Set("Origin", opts.Origin)
	}
	if opts.Token != "" {
		h.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: status %d: %w", wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("client: dial %s: %w", wsURL, err)
	}
	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return nil, fmt.Errorf("client: server selected subprotocol %q", conn.Subprotocol())
	}
	conn.SetReadLimit(feedMaxReadBytes)

	f := &WSFeed{
		conn:     conn,
		log:      log,
		subs:     make(map[string]*feedSub),
		presence: make(map[string]func([]string)),
		rooms:    make(map[string]int),
		pending:  make(map[controlKey][]chan error),
		done:     make(chan struct{}),
	}

	if err := f.hello(ctx); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f.cancelRun = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return f.readLoop(gctx) })
	g.Go(func() error { return f.keepalive(gctx) })
	go func() {
		err := g.Wait()
		f.shutdown(err)
	}()

	return f, nil
}

// SessionID returns the server-assigned session id.
func (f *WSFeed) SessionID() string { return f.sessionID }

// UserID returns the identity the server authenticated, empty if anonymous.
func (f *WSFeed) UserID() string { return f.userID }

// Done is closed when the feed stops.
func (f *WSFeed) Done() <-chan struct{} { return f.done }

// Err returns the reason the feed stopped, nil while it is running.
func (f *WSFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeErr
}

// Close closes the connection and waits for the loops to stop.
func (f *WSFeed) Close() error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		<-f.done
		return nil
	}

	err := f.conn.Close(websocket.StatusNormalClosure, "bye")
	f.cancelRun()
	<-f.done
	if err != nil {
		f.log.Debug("client.close", "session_id", f.sessionID, "err", err)
	}
	return nil
}

// Subscribe implements Feed. For group selections it waits until the server
// confirms the room join.
func (f *WSFeed) Subscribe(ctx context.Context, sel Selection, fn func(v1.Message)) (Subscription, error) {
	if sel.IsNone() {
		return nil, errors.New("client: subscribe needs a selection")
	}
	if fn == nil {
		return nil, errors.New("client: nil listener")
	}

	if sel.Kind == v1.KindGroup {
		if err := f.acquireRoom(ctx, sel.ID); err != nil {
			return nil, err
		}
	}

	s := &feedSub{feed: f, key: uuid.NewString(), sel: sel, fn: fn}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		if sel.Kind == v1.KindGroup {
			f.releaseRoom(sel.ID)
		}
		return nil, ErrFeedClosed
	}
	f.subs[s.key] = s
	f.mu.Unlock()
	return s, nil
}

// OnPresence registers fn for presence updates.
func (f *WSFeed) OnPresence(fn func(userIDs []string)) Subscription {
	key := uuid.NewString()
	f.mu.Lock()
	f.presence[key] = fn
	f.mu.Unlock()
	return subscriptionFunc(func() error {
		f.mu.Lock()
		delete(f.presence, key)
		f.mu.Unlock()
		return nil
	})
}

// Join subscribes the connection to groupID's room without a listener.
func (f *WSFeed) Join(ctx context.Context, groupID string) error {
	return f.control(ctx, v1.TypeJoinGroup, groupID)
}

// Leave unsubscribes the connection from groupID's room.
func (f *WSFeed) Leave(ctx context.Context, groupID string) error {
	return f.control(ctx, v1.TypeLeaveGroup, groupID)
}

type feedSub struct {
	feed *WSFeed
	key  string
	sel  Selection
	fn   func(v1.Message)
	once sync.Once
}

func (s *feedSub) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s.key)
		s.feed.mu.Unlock()
		if s.sel.Kind == v1.KindGroup {
			s.feed.releaseRoom(s.sel.ID)
		}
	})
	return nil
}

type subscriptionFunc func() error

func (fn subscriptionFunc) Close() error { return fn() }

func (f *WSFeed) acquireRoom(ctx context.Context, groupID string) error {
	f.ctrlMu.Lock()
	defer f.ctrlMu.Unlock()

	f.mu.Lock()
	n := f.rooms[groupID]
	f.mu.Unlock()
	if n == 0 {
		if err := f.control(ctx, v1.TypeJoinGroup, groupID); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.rooms[groupID]++
	f.mu.Unlock()
	return nil
}

func (f *WSFeed) releaseRoom(groupID string) {
	f.ctrlMu.Lock()
	defer f.ctrlMu.Unlock()

	f.mu.Lock()
	f.rooms[groupID]--
	last := f.rooms[groupID] <= 0
	if last {
		delete(f.rooms, groupID)
	}
	closed := f.closed
	f.mu.Unlock()

	if !last || closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), feedRequestTimeout)
	defer cancel()
	if err := f.control(ctx, v1.TypeLeaveGroup, groupID); err != nil {
		f.log.Debug("client.leave.fail", "group_id", groupID, "err", err)
	}
}

// controlKey identifies the reply a join or leave waits for: the echo of the
// same type, or a refusal naming the same group.
type controlKey struct {
	typ     string
	groupID string
}

// control sends a join/leave request and waits for its echo or refusal. The
// server may drop a reply under backpressure, so replies are matched by group
// rather than by order, and a caller that gives up withdraws its entry.
func (f *WSFeed) control(ctx context.Context, typ, groupID string) error {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return errors.New("client: empty group id")
	}
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(typ, uuid.NewString(), now, v1.GroupPayload{GroupID: groupID})
	if err != nil {
		return err
	}

	key := controlKey{typ: typ, groupID: groupID}
	reply := make(chan error, 1)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFeedClosed
	}
	f.pending[key] = append(f.pending[key], reply)
	f.mu.Unlock()

	if err := f.write(ctx, env); err != nil {
		f.withdraw(key, reply)
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-f.done:
		return ErrFeedClosed
	case <-ctx.Done():
		f.withdraw(key, reply)
		return ctx.Err()
	}
}

func (f *WSFeed) withdraw(key controlKey, reply chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	left := slices.DeleteFunc(f.pending[key], func(c chan error) bool { return c == reply })
	if len(left) == 0 {
		delete(f.pending, key)
		return
	}
	f.pending[key] = left
}

// waiting reports how many control requests await a reply.
func (f *WSFeed) waiting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.pending {
		n += len(q)
	}
	return n
}

func (f *WSFeed) hello(ctx context.Context) error {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(v1.TypeHello, uuid.NewString(), now, v1.HelloPayload{})
	if err != nil {
		return err
	}
	if err := f.write(ctx, env); err != nil {
		return fmt.Errorf("client: hello: %w", err)
	}

	for {
		env, err := f.read(ctx)
		if err != nil {
			return fmt.Errorf("client: await hello_ack: %w", err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var ack v1.HelloAckPayload
			if err := env.Decode(&ack); err != nil {
				return err
			}
			f.sessionID, f.userID = ack.SessionID, ack.UserID
			return nil
		case v1.TypeError:
			return decodeServerError(env)
		default:
			// presence may arrive before the ack
			f.dispatch(env)
		}
	}
}

func (f *WSFeed) readLoop(ctx context.Context) error {
	for {
		env, err := f.read(ctx)
		if err != nil {
			return err
		}
		f.dispatch(env)
	}
}

func (f *WSFeed) keepalive(ctx context.Context) error {
	t := time.NewTicker(feedPingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := f.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("client: ping: %w", err)
			}
		}
	}
}

func (f *WSFeed) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeDirectMessage, v1.TypeGroupMessage:
		var msg v1.Message
		if err := env.Decode(&msg); err != nil {
			f.log.Info("client.decode.fail", "type", env.Type, "err", err)
			return
		}
		f.mu.Lock()
		var fns []func(v1.Message)
		for _, s := range f.subs {
			if s.sel.Matches(msg) {
				fns = append(fns, s.fn)
			}
		}
		f.mu.Unlock()
		for _, fn := range fns {
			fn(msg)
		}

	case v1.TypePresenceUpdate:
		var p v1.PresenceUpdatePayload
		if err := env.Decode(&p); err != nil {
			f.log.Info("client.decode.fail", "type", env.Type, "err", err)
			return
		}
		f.mu.Lock()
		fns := make([]func([]string), 0, len(f.presence))
		for _, fn := range f.presence {
			fns = append(fns, fn)
		}
		f.mu.Unlock()
		for _, fn := range fns {
			fn(p.UserIDs)
		}

	case v1.TypeJoinGroup, v1.TypeLeaveGroup:
		var p v1.GroupPayload
		if err := env.Decode(&p); err != nil {
			f.log.Info("client.decode.fail", "type", env.Type, "err", err)
			return
		}
		f.resolve(controlKey{typ: env.Type, groupID: p.GroupID}, nil)

	case v1.TypeError:
		err := decodeServerError(env)
		var se *ServerError
		if errors.As(err, &se) && se.GroupID != "" {
			switch se.Code {
			case "join_failed":
				f.resolve(controlKey{typ: v1.TypeJoinGroup, groupID: se.GroupID}, err)
				return
			case "leave_failed":
				f.resolve(controlKey{typ: v1.TypeLeaveGroup, groupID: se.GroupID}, err)
				return
			}
		}
		f.log.Info("client.server_error", "err", err)
	}
}

// resolve hands err to the oldest request waiting on key. Replies nobody
// waits for are ignored.
func (f *WSFeed) resolve(key controlKey, err error) {
	f.mu.Lock()
	q := f.pending[key]
	if len(q) == 0 {
		f.mu.Unlock()
		return
	}
	reply := q[0]
	if len(q) == 1 {
		delete(f.pending, key)
	} else {
		f.pending[key] = q[1:]
	}
	f.mu.Unlock()
	reply <- err
}

func (f *WSFeed) shutdown(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
		err = nil
	}
	f.closeErr = err
	if f.closeErr == nil {
		f.closeErr = ErrFeedClosed
	}
	f.pending = nil
	f.mu.Unlock()

	f.cancelRun()
	close(f.done)
	f.log.Debug("client.feed.stop", "session_id", f.sessionID, "err", err)
}

func (f *WSFeed) read(ctx context.Context) (v1.Envelope, error) {
	_, data, err := f.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("client: decode envelope: %w", err)
	}
	return env, nil
}

func (f *WSFeed) write(ctx context.Context, env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return f.conn.Write(ctx, websocket.MessageText, b)
}

func decodeServerError(env v1.Envelope) error {
	var p v1.ErrorPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	return &ServerError{Code: p.Code, Message: strings.TrimSpace(p.Message), GroupID: p.GroupID}
}
