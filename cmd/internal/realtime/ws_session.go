package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// wsSession runs one accepted connection: a writer draining client.Send, a
// heartbeat, and the read loop on the calling goroutine.
type wsSession struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client
	log    *slog.Logger
	limit  *RateLimiter

	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newWSSession(g *WSGateway, conn *websocket.Conn, c *Client) *wsSession {
	return &wsSession{
		g:      g,
		conn:   conn,
		client: c,
		log:    g.log.With("session_id", c.SessionID, "user_id", c.UserID),
		limit:  NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow),
	}
}

func (s *wsSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeat(ctx)
	}()

	s.log.Info("ws.connect", "anonymous", s.client.Anonymous())

	// The writer is already running, so the presence snapshot triggered by
	// registration reaches this connection as well.
	if !s.client.Anonymous() {
		if err := s.g.registry.Register(s.client.UserID, s.client); err != nil {
			s.log.Error("ws.register.fail", "err", err)
		}
	}

	s.readLoop(ctx)
	s.stop(websocket.StatusNormalClosure, "bye")

	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	s.log.Info("ws.disconnect",
		"duration", time.Since(s.client.ConnectedAt).Round(time.Millisecond),
		"dropped", s.client.Dropped())
}

// stop closes the client first, so a join still in flight on the read loop is
// refused by the hub, then detaches it from rooms and the registry.
// client.Send stays open.
func (s *wsSession) stop(code websocket.StatusCode, reason string) {
	s.stopOnce.Do(func() {
		s.client.Close()
		s.g.hub.LeaveAll(s.client)
		if !s.client.Anonymous() {
			s.g.registry.Deregister(s.client.UserID, s.client)
		}
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

func (s *wsSession) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			// Closed by the registry when a newer session replaced this one.
			s.stop(websocket.StatusPolicyViolation, "session superseded")
			return
		case env := <-s.client.Send:
			if err := writeEnvelope(ctx, s.conn, env, s.g.cfg.WriteTimeout); err != nil {
				s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.stop(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *wsSession) heartbeat(ctx context.Context) {
	t := time.NewTicker(s.g.cfg.HeartbeatEvery)
	defer t.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.g.cfg.HeartbeatTimeout)
		err := s.conn.Ping(pingCtx)
		cancel()
		if err == nil {
			misses = 0
			continue
		}
		misses++
		s.log.Info("ws.ping.fail", "failures", misses, "err", err)
		if misses >= wsMaxPingFailures {
			s.stop(websocket.StatusGoingAway, "heartbeat failed")
			return
		}
	}
}

func (s *wsSession) readLoop(ctx context.Context) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, s.conn)
		cancel()

		if err != nil {
			if errors.Is(err, errBadFrame) {
				s.sendError("bad_json", "invalid JSON")
				continue
			}
			code, reason, expected := closeFor(err)
			if !expected {
				s.log.Info("ws.read.fail", "err", err)
			}
			s.stop(code, reason)
			return
		}

		if !s.limit.Allow(time.Now().UTC()) {
			s.sendError("rate_limited", "too many events")
			s.stop(websocket.StatusPolicyViolation, "rate limited")
			return
		}
		if err := env.Validate(); err != nil {
			s.sendError("bad_envelope", err.Error())
			continue
		}
		if !s.dispatch(ctx, env) {
			return
		}
	}
}

// dispatch handles one control event and reports whether to keep reading.
func (s *wsSession) dispatch(ctx context.Context, env v1.Envelope) bool {
	switch env.Type {
	case v1.TypeHello:
		if err := s.hello(); err != nil {
			s.sendError("hello_failed", err.Error())
			s.stop(websocket.StatusPolicyViolation, "hello failed")
			return false
		}
	case v1.TypeJoinGroup:
		groupID, err := groupIDOf(env)
		if err == nil {
			err = s.join(ctx, groupID)
		}
		if err != nil {
			s.refuse("join_failed", groupID, err)
		}
	case v1.TypeLeaveGroup:
		groupID, err := groupIDOf(env)
		if err == nil {
			err = s.leave(groupID)
		}
		if err != nil {
			s.refuse("leave_failed", groupID, err)
		}
	default:
		s.sendError("unsupported", "unsupported type: "+env.Type)
	}
	return true
}

func (s *wsSession) hello() error {
	return s.reply(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID: s.client.SessionID,
		UserID:    s.client.UserID,
	})
}

func (s *wsSession) join(ctx context.Context, groupID string) error {
	if err := s.mayJoin(ctx, groupID); err != nil {
		return err
	}

	added := s.g.hub.Join(groupID, s.client)
	if err := s.reply(v1.TypeJoinGroup, v1.GroupPayload{GroupID: groupID}); err != nil {
		if added {
			s.g.hub.Leave(groupID, s.client)
		}
		return err
	}
	return nil
}

func (s *wsSession) mayJoin(ctx context.Context, groupID string) error {
	if !s.g.cfg.RequireMembership {
		return nil
	}
	if s.client.Anonymous() {
		return errors.New("not a member of group_id")
	}
	if s.g.members == nil {
		return errors.New("membership check unavailable")
	}
	ok, err := s.g.members.IsGroupMember(ctx, s.client.UserID, groupID)
	if err != nil {
		s.log.Error("ws.join.membership.fail", "group_id", groupID, "err", err)
		return errors.New("membership check failed")
	}
	if !ok {
		return errors.New("not a member of group_id")
	}
	return nil
}

func (s *wsSession) leave(groupID string) error {
	s.g.hub.Leave(groupID, s.client)
	return s.reply(v1.TypeLeaveGroup, v1.GroupPayload{GroupID: groupID})
}

// reply queues a server envelope of type typ for this connection only.
func (s *wsSession) reply(typ string, payload any) error {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(now), now, payload)
	if err != nil {
		return err
	}
	if !s.client.Enqueue(env) {
		return errors.New("backpressure: " + typ)
	}
	return nil
}

func (s *wsSession) sendError(code, msg string) {
	_ = s.reply(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// refuse answers a join or leave with an error naming the group, so the client
// can match it to its request.
func (s *wsSession) refuse(code, groupID string, err error) {
	_ = s.reply(v1.TypeError, v1.ErrorPayload{Code: code, Message: err.Error(), GroupID: groupID})
}

// groupIDOf returns the trimmed group_id of a join or leave. The id is
// returned with a validation error too, so the refusal can name it.
func groupIDOf(env v1.Envelope) (string, error) {
	var p v1.GroupPayload
	if err := env.Decode(&p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.GroupID)
	switch {
	case id == "":
		return "", errors.New("missing group_id")
	case len(id) > maxGroupIDLen:
		return id, errors.New("group_id too long")
	}
	return id, nil
}
