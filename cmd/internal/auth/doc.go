// Package auth verifies the identity carried by HTTP and websocket requests.
//
// Identities are HS256 JWTs whose subject is the user id. Tokens are read from
// the Authorization header ("Bearer <jwt>") or, for browser websocket handshakes
// that cannot set headers, from the "token" query parameter.
//
// Insecure mode (development only) additionally trusts a plain user id from the
// "userId" query parameter or the X-User-ID header.
package auth
