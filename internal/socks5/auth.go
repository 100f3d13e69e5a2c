// Package socks5 implements the local-side SOCKS5 tunnel endpoint: the
// handshake decoder, connection pair state, and bidirectional pipe that
// sit between a SOCKS5 client and an encrypted remote relay.
package socks5

import "io"

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodNoAcceptable = 0xFF
)

// Authenticator handles SOCKS5 authentication. The engine only ships
// NoAuthAuthenticator: per the method-selection rules in RFC 1928 §3, the
// offered method list from the client is read but never consulted —
// no-auth is unilaterally selected, matching the reference behavior this
// engine is modeled on.
type Authenticator interface {
	// Authenticate performs authentication and returns the username, if any.
	Authenticate(reader io.Reader, writer io.Writer) (string, error)

	// GetMethod returns the authentication method code.
	GetMethod() byte
}

// NoAuthAuthenticator allows connections without authentication.
type NoAuthAuthenticator struct{}

// Authenticate always succeeds for no-auth.
func (a *NoAuthAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	return "", nil
}

// GetMethod returns the no-auth method.
func (a *NoAuthAuthenticator) GetMethod() byte {
	return AuthMethodNoAuth
}
