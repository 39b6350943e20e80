// Package main provides a CI-friendly smoke test for a running Huddle server.
//
// It validates:
//   - handshake + subprotocol selection, hello/ack identity
//   - presence snapshot after both users connect
//   - direct send over HTTP -> live direct_message to the receiver
//   - group create, join echo, live group_message into a selected conversation
//   - history contains what was pushed live
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"huddle/shared/client"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/gookit/color"
)

type smokeUser struct {
	id    string
	feed  *client.WSFeed
	api   *client.HTTPClient
	token string
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("a", "smoke-a", "First user id (dev identity)")
		userB   = flag.String("b", "smoke-b", "Second user id (dev identity)")
		tokenA  = flag.String("token-a", "", "Bearer token for the first user; dev identity when empty")
		tokenB  = flag.String("token-b", "", "Bearer token for the second user; dev identity when empty")
		text    = flag.String("text", "hello huddle 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := feedURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, *baseURL, wsURL, *origin, *userA, *tokenA, *timeout)
	defer func() { _ = a.feed.Close() }()

	b := mustConnect(root, *baseURL, wsURL, *origin, *userB, *tokenB, *timeout)
	defer func() { _ = b.feed.Close() }()

	if *verbose {
		fmt.Printf("connected: %s=%s %s=%s origin=%q\n", a.id, a.feed.SessionID(), b.id, b.feed.SessionID(), *origin)
	}

	mustSeePresence(b, []string{a.id, b.id}, *timeout)

	direct := mustDirect(root, a, b, *text, *timeout)
	group, groupID := mustGroup(root, a, b, *text, *timeout)

	color.Green.Printf("OK: %s -> %s direct=%s group=%s group_msg=%s\n", a.id, b.id, direct, groupID, group)
}

func feedURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, baseURL, wsURL, origin, userID, token string, stepTimeout time.Duration) *smokeUser {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u := &smokeUser{id: userID, token: token}
	if token != "" {
		u.api = client.NewHTTPClient(baseURL, client.WithToken(token))
	} else {
		u.api = client.NewHTTPClient(baseURL, client.WithDevUser(userID))
		wsURL += "?userId=" + url.QueryEscape(userID)
	}

	feed, err := client.DialFeed(ctx, wsURL, client.DialOptions{Origin: origin, Token: token})
	if err != nil {
		fatalf("connect %s: %v", userID, err)
	}
	if feed.UserID() != userID {
		fatalf("hello_ack identity mismatch: got=%q want=%q", feed.UserID(), userID)
	}
	if strings.TrimSpace(feed.SessionID()) == "" {
		fatalf("hello_ack missing session_id (%s)", userID)
	}
	u.feed = feed
	return u
}

func mustSeePresence(u *smokeUser, want []string, stepTimeout time.Duration) {
	seen := make(chan []string, 8)
	sub := u.feed.OnPresence(func(ids []string) {
		select {
		case seen <- ids:
		default:
		}
	})
	defer func() { _ = sub.Close() }()

	deadline := time.After(stepTimeout)
	var last []string
	for {
		select {
		case ids := <-seen:
			last = ids
			if containsAll(ids, want) {
				return
			}
		case <-deadline:
			fatalf("presence: want %v online, last snapshot %v", want, last)
		}
	}
}

// mustDirect sends a->b over HTTP and expects it live on b's feed and in b's history.
func mustDirect(parent context.Context, a, b *smokeUser, text string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	live := make(chan v1.Message, 4)
	sub, err := b.feed.Subscribe(ctx, client.Direct(a.id), func(m v1.Message) { live <- m })
	if err != nil {
		fatalf("direct subscribe: %v", err)
	}
	defer func() { _ = sub.Close() }()

	sent, err := a.api.Send(ctx, client.Direct(b.id), text, "")
	if err != nil {
		fatalf("direct send: %v", err)
	}

	got := mustReceive(live, sent.ID, stepTimeout)
	if got.Text != text || got.SenderID != a.id || got.ReceiverID != b.id {
		fatalf("direct_message mismatch: %+v", got)
	}

	history, err := b.api.Snapshot(ctx, client.Direct(a.id))
	if err != nil {
		fatalf("direct history: %v", err)
	}
	if !slices.ContainsFunc(history, func(m v1.Message) bool { return m.ID == sent.ID }) {
		fatalf("direct history missing %s", sent.ID)
	}
	return sent.ID
}

// mustGroup creates a group, selects it in a client machine for b and expects
// a's message to land in that conversation once.
func mustGroup(parent context.Context, a, b *smokeUser, text string, stepTimeout time.Duration) (msgID, groupID string) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	groupID, err := a.api.CreateGroup(ctx, fmt.Sprintf("smoke-%d", time.Now().UnixNano()), []string{b.id})
	if err != nil {
		fatalf("create group: %v", err)
	}

	m := client.NewMachine(b.api, b.feed)
	defer func() { _ = m.Close() }()

	changed := make(chan client.State, 16)
	stop := m.Observe(func(st client.State) {
		select {
		case changed <- st:
		default:
		}
	})
	defer stop()

	if err := m.Select(ctx, client.Group(groupID)); err != nil {
		fatalf("select group: %v", err)
	}
	waitState(changed, stepTimeout, "group ready", func(st client.State) bool {
		return st.Phase == client.PhaseReady
	})

	sent, err := a.api.Send(ctx, client.Group(groupID), text, "")
	if err != nil {
		fatalf("group send: %v", err)
	}

	final := waitState(changed, stepTimeout, "group message", func(st client.State) bool {
		return slices.ContainsFunc(st.Messages, func(msg v1.Message) bool { return msg.ID == sent.ID })
	})
	if n := countID(final.Messages, sent.ID); n != 1 {
		fatalf("group message %s appears %d times", sent.ID, n)
	}
	return sent.ID, groupID
}

func mustReceive(ch <-chan v1.Message, id string, wait time.Duration) v1.Message {
	deadline := time.After(wait)
	for {
		select {
		case m := <-ch:
			if m.ID == id {
				return m
			}
		case <-deadline:
			fatalf("timeout waiting for live message %s", id)
		}
	}
}

func waitState(ch <-chan client.State, wait time.Duration, what string, ok func(client.State) bool) client.State {
	deadline := time.After(wait)
	for {
		select {
		case st := <-ch:
			if st.Err != nil {
				fatalf("%s: %v", what, st.Err)
			}
			if ok(st) {
				return st
			}
		case <-deadline:
			fatalf("timeout waiting for %s", what)
		}
	}
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

func countID(msgs []v1.Message, id string) int {
	n := 0
	for _, m := range msgs {
		if m.ID == id {
			n++
		}
	}
	return n
}

func fatalf(format string, args ...any) {
	color.Error.Printf("FAIL: "+format+"\n", args...)
	os.Exit(1)
}
