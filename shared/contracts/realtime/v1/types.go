// Package v1 defines the huddle live channel protocol: envelope framing,
// event types and payloads, and the message record pushed to clients. Server
// and shared/client both build on it.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by server and clients.
const Subprotocol = "huddle.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server). Optional.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeJoinGroup subscribes the connection to a group room (client -> server) and is echoed back.
	TypeJoinGroup = "join_group"
	// TypeLeaveGroup unsubscribes the connection from a group room (client -> server) and is echoed back.
	TypeLeaveGroup = "leave_group"

	// TypePresenceUpdate carries the full online identity set (server -> every registered connection).
	TypePresenceUpdate = "presence_update"

	// TypeDirectMessage pushes a direct message to the resolved counterpart (server -> one connection).
	TypeDirectMessage = "direct_message"
	// TypeGroupMessage pushes a group message to room subscribers (server -> room).
	TypeGroupMessage = "group_message"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeJoinGroup,
		TypeLeaveGroup,
		TypePresenceUpdate,
		TypeDirectMessage,
		TypeGroupMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload and wraps it into an Envelope.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}
