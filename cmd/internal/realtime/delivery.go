package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"
)

// ErrUnknownKind is returned for messages whose kind is neither direct nor group.
var ErrUnknownKind = errors.New("realtime: unknown conversation kind")

// Pipeline resolves the recipients of a durably written message and pushes it to
// exactly those live connections.
//
// Delivery is at-most-once per live connection and fire-and-forget: a missing
// recipient, an empty room or a full send queue is not an error. Callers that need
// per-conversation ordering must invoke Deliver in durable-write completion order;
// Pipeline itself never reorders or batches.
type Pipeline struct {
	log      *slog.Logger
	registry *Registry
	hub      *Hub
	metrics  *Metrics

	// When false, the sender's registered connection is excluded from group fan-out
	// because the sender already applied the message from its send response.
	groupEcho bool
}

// PipelineOption configures Pipeline behavior.
type PipelineOption func(*Pipeline)

// WithGroupEcho controls whether group messages are also pushed to the sender.
func WithGroupEcho(echo bool) PipelineOption {
	return func(p *Pipeline) { p.groupEcho = echo }
}

// WithPipelineMetrics attaches metrics collectors.
func WithPipelineMetrics(m *Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline constructs a Pipeline over a registry and a room hub.
func NewPipeline(log *slog.Logger, registry *Registry, hub *Hub, opts ...PipelineOption) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		log:      log,
		registry: registry,
		hub:      hub,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Deliver pushes msg to its recipients and returns the number of connections
// that accepted it. The only error is a malformed message.
func (p *Pipeline) Deliver(msg v1.Message) (int, error) {
	switch msg.Kind {
	case v1.KindDirect:
		if msg.ReceiverID == "" {
			return 0, fmt.Errorf("realtime: direct message %s: missing receiver", msg.ID)
		}
		if p.DeliverDirect(msg) {
			return 1, nil
		}
		return 0, nil
	case v1.KindGroup:
		if msg.GroupID == "" {
			return 0, fmt.Errorf("realtime: group message %s: missing group", msg.ID)
		}
		var exclude *Client
		if !p.groupEcho {
			exclude, _ = p.registry.Lookup(msg.SenderID)
		}
		return p.DeliverGroup(msg, exclude), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
}

// DeliverDirect pushes direct_message to the receiver's registered connection.
// It reports whether the push was accepted; an offline receiver learns about the
// message on its next history fetch.
func (p *Pipeline) DeliverDirect(msg v1.Message) bool {
	c, ok := p.registry.Lookup(msg.ReceiverID)
	if !ok {
		p.metrics.delivery(v1.KindDirect, resultOffline, 1)
		p.log.Debug("delivery.direct.offline", "message_id", msg.ID, "receiver_id", msg.ReceiverID)
		return false
	}

	env, err := messageEnvelope(v1.TypeDirectMessage, msg)
	if err != nil {
		p.log.Error("delivery.encode.fail", "message_id", msg.ID, "err", err)
		return false
	}

	if !c.Enqueue(env) {
		p.metrics.delivery(v1.KindDirect, resultDropped, 1)
		p.log.Info("delivery.direct.drop", "message_id", msg.ID, "receiver_id", msg.ReceiverID, "session_id", c.SessionID)
		return false
	}

	p.metrics.delivery(v1.KindDirect, resultDelivered, 1)
	return true
}

// DeliverGroup broadcasts group_message to the group's room, skipping exclude.
func (p *Pipeline) DeliverGroup(msg v1.Message, exclude *Client) int {
	env, err := messageEnvelope(v1.TypeGroupMessage, msg)
	if err != nil {
		p.log.Error("delivery.encode.fail", "message_id", msg.ID, "err", err)
		return 0
	}

	delivered, dropped, found := p.hub.fanout(msg.GroupID, env, exclude)
	if !found {
		p.metrics.delivery(v1.KindGroup, resultNoRoom, 1)
		p.log.Debug("delivery.group.no_room", "message_id", msg.ID, "group_id", msg.GroupID)
		return 0
	}

	p.metrics.delivery(v1.KindGroup, resultDelivered, delivered)
	p.metrics.delivery(v1.KindGroup, resultDropped, dropped)
	p.log.Debug("delivery.group", "message_id", msg.ID, "group_id", msg.GroupID, "delivered", delivered, "dropped", dropped)
	return delivered
}

func messageEnvelope(typ string, msg v1.Message) (v1.Envelope, error) {
	now := time.Now().UTC()
	return v1.NewEnvelope(typ, NewEnvelopeID(now), now, msg)
}
