package auth

import "errors"

// Public, stable errors for callers.
var (
	ErrSecretMissing   = errors.New("auth: token secret missing")
	ErrSecretTooShort  = errors.New("auth: token secret too short")
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrUnauthenticated = errors.New("auth: unauthenticated")
)
