package app

import (
	"errors"
	"fmt"

	"huddle/cmd/internal/auth"
)

// NewVerifier enforces the token policy at startup and builds the verifier.
//
// Fail-fast: a missing or short HUDDLE_JWT_SECRET is fatal unless
// HUDDLE_AUTH_INSECURE=true, which also enables dev identities (?userId=, X-User-ID).
func NewVerifier(cfg Config, log Logger) (*auth.Verifier, error) {
	v, err := auth.NewVerifier(auth.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		TTL:      cfg.JWTTTL,
		Insecure: cfg.AuthInsecure,
	})
	switch {
	case errors.Is(err, auth.ErrSecretMissing):
		return nil, errors.New("security policy: HUDDLE_JWT_SECRET is missing (set HUDDLE_AUTH_INSECURE=true for local development)")
	case errors.Is(err, auth.ErrSecretTooShort):
		return nil, fmt.Errorf("security policy: HUDDLE_JWT_SECRET is too short (min %d bytes)", auth.MinSecretBytes)
	case err != nil:
		return nil, err
	}

	if cfg.AuthInsecure {
		log.Warn("security.auth.insecure", "hint", "dev identities are accepted; never enable in production")
	}
	return v, nil
}
