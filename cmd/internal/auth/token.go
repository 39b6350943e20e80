package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretBytes is the minimum HMAC secret length accepted by NewVerifier.
const MinSecretBytes = 32

const (
	defaultIssuer = "huddle"
	defaultTTL    = 24 * time.Hour

	headerUserID = "X-User-ID"
)

// Claims is the JWT payload. The user id travels in the registered subject.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Config configures a Verifier.
type Config struct {
	Secret   string
	Issuer   string
	TTL      time.Duration
	Insecure bool

	// Now is used for issuing and validating tokens; defaults to time.Now.
	Now func() time.Time
}

// Verifier issues and verifies identity tokens.
type Verifier struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	insecure bool
	now      func() time.Time
	parser   *jwt.Parser
}

// NewVerifier validates cfg and returns a Verifier.
// A blank secret is only accepted in insecure mode; then token verification
// always fails and only dev identities are honored.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	switch {
	case secret == "" && !cfg.Insecure:
		return nil, ErrSecretMissing
	case secret != "" && len(secret) < MinSecretBytes:
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrSecretTooShort, len(secret), MinSecretBytes)
	}

	v := &Verifier{
		secret:   []byte(secret),
		issuer:   cfg.Issuer,
		ttl:      cfg.TTL,
		insecure: cfg.Insecure,
		now:      cfg.Now,
	}
	if v.issuer == "" {
		v.issuer = defaultIssuer
	}
	if v.ttl <= 0 {
		v.ttl = defaultTTL
	}
	if v.now == nil {
		v.now = time.Now
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	return v, nil
}

// Insecure reports whether dev identities are honored.
func (v *Verifier) Insecure() bool { return v.insecure }

// Issue signs a token for userID.
func (v *Verifier) Issue(userID, name string) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrSecretMissing
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrUnauthenticated
	}

	now := v.now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses raw and returns its claims.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	tok, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !tok.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthenticateRequest resolves the caller of r.
//
// It returns ("", nil) when r carries no credentials and ErrInvalidToken when a
// token is present but does not verify.
func (v *Verifier) AuthenticateRequest(r *http.Request) (string, error) {
	if raw := tokenFromRequest(r); raw != "" {
		claims, err := v.Verify(raw)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}

	if v.insecure {
		if id := strings.TrimSpace(r.URL.Query().Get("userId")); id != "" {
			return id, nil
		}
		if id := strings.TrimSpace(r.Header.Get(headerUserID)); id != "" {
			return id, nil
		}
	}
	return "", nil
}

func tokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// IsInvalid reports whether err means the caller presented bad credentials.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidToken)
}
