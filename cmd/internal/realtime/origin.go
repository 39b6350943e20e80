package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// originPolicy decides which browser origins may open the live channel.
// An entry matches on the full origin, on its host alone (any scheme or port),
// or everything when it is "*".
type originPolicy struct {
	required bool
	any      bool
	exact    map[string]struct{}
	hosts    map[string]struct{}
}

func newOriginPolicy(allowed []string, required bool) originPolicy {
	p := originPolicy{
		required: required,
		exact:    make(map[string]struct{}),
		hosts:    make(map[string]struct{}),
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
		case a == "*":
			p.any = true
		default:
			p.exact[a] = struct{}{}
			if h := originHost(a); h != "" {
				p.hosts[h] = struct{}{}
			}
		}
	}
	return p
}

func (p originPolicy) check(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if p.any {
		return nil
	}
	if _, ok := p.exact[origin]; ok {
		return nil
	}
	if _, ok := p.hosts[originHost(origin)]; ok {
		return nil
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// hostPatterns lists the allowed hosts in the form websocket.AcceptOptions
// expects.
func (p originPolicy) hostPatterns() []string {
	out := make([]string, 0, len(p.hosts))
	for h := range p.hosts {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// originHost lowercases the host of "scheme://host[:port]" or "host[:port]".
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(s)
}
