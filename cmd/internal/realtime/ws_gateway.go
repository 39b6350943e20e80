package realtime

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// WSGateway accepts the live channel at /ws.
//
// Connections only carry control events (hello, join_group, leave_group).
// Messages arrive through the HTTP API and reach sockets via the Pipeline,
// which looks sessions up in the Registry (direct) or the Hub (group rooms).
type WSGateway struct {
	log      *slog.Logger
	cfg      GatewayConfig
	origins  originPolicy
	registry *Registry
	hub      *Hub
	metrics  *Metrics

	auth    Authenticator
	members MembershipChecker
}

// GatewayOption configures optional gateway dependencies.
type GatewayOption func(*WSGateway)

// WithAuthenticator sets the handshake authenticator. Without one every
// connection is anonymous.
func WithAuthenticator(a Authenticator) GatewayOption {
	return func(g *WSGateway) { g.auth = a }
}

// WithMembership sets the checker consulted on join_group when
// RequireMembership is on.
func WithMembership(m MembershipChecker) GatewayOption {
	return func(g *WSGateway) { g.members = m }
}

// WithGatewayMetrics attaches the connection and fan-out metrics.
func WithGatewayMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway builds a gateway over registry and hub; nil ones are replaced
// by private instances.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, registry *Registry, hub *Hub, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if hub == nil {
		hub = NewHub(log, nil)
	}

	cfg = cfg.withDefaults()
	g := &WSGateway{
		log:      log,
		cfg:      cfg,
		origins:  newOriginPolicy(cfg.AllowedOrigins, cfg.OriginRequired),
		registry: registry,
		hub:      hub,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// ServeHTTP checks origin and identity, upgrades, and runs the session until
// either side closes it.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Accept runs its own same-host origin check; feed it the allow-list
	// hosts so both layers agree.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.hostPatterns(),
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	g.metrics.connOpened()
	defer g.metrics.connClosed()

	s := newWSSession(g, conn, NewClient(userID, sessionID, g.cfg.SendQueueSize))
	s.run(r.Context())
}

func (g *WSGateway) authenticate(r *http.Request) (string, error) {
	var userID string
	if g.auth != nil {
		id, err := g.auth.AuthenticateRequest(r)
		if err != nil {
			return "", err
		}
		userID = strings.TrimSpace(id)
	}
	if userID == "" && g.cfg.RequireAuth {
		return "", errors.New("missing credentials")
	}
	return userID, nil
}
