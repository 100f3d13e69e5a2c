package cipherstream

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
)

// Conn wraps a net.Conn, applying the stream cipher transform to everything
// written and read. The encrypt and decrypt directions are independent
// per-direction cipher States (C1); each direction generates its own random
// IV lazily, on the first Write or Read, and transmits/consumes it once in
// the clear before any ciphertext — the same per-direction IV-prefix
// convention as shadowsocks-libev.
type Conn struct {
	net.Conn

	method   Method
	password string

	writeMu sync.Mutex
	enc     *State
	wroteIV bool

	readMu sync.Mutex
	dec    *State
	readIV bool
}

// NewConn wraps conn so that everything written to it is encrypted and
// everything read from it is decrypted, using method and password. Cipher
// state initialization is deferred until the first Write/Read so that
// MethodNone connections pay no setup cost.
func NewConn(conn net.Conn, method Method, password string) *Conn {
	return &Conn{Conn: conn, method: method, password: password}
}

// Write encrypts p and writes the ciphertext (preceded, on the first call,
// by this direction's freshly generated IV) to the underlying connection.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.wroteIV {
		iv := make([]byte, IVSize(c.method))
		if len(iv) > 0 {
			if _, err := rand.Read(iv); err != nil {
				return 0, fmt.Errorf("cipherstream: generate iv: %w", err)
			}
		}
		state, err := NewState(c.method, c.password, iv)
		if err != nil {
			return 0, err
		}
		c.enc = state
		if len(iv) > 0 {
			if _, err := c.Conn.Write(iv); err != nil {
				return 0, err
			}
		}
		c.wroteIV = true
	}

	buf := make([]byte, len(p))
	copy(buf, p)
	c.enc.Apply(buf)

	n, err := c.Conn.Write(buf)
	if err != nil {
		// The underlying net.Conn.Write already retries internally until
		// the full slice is written or a fatal error occurs, so a short
		// write here is always accompanied by a non-nil err: there is no
		// residual tail to re-encrypt on a later call.
		return n, err
	}
	return len(p), nil
}

// Read reads from the underlying connection (consuming this direction's IV
// first, on the first call) and decrypts into p.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if !c.readIV {
		ivLen := IVSize(c.method)
		if ivLen > 0 {
			iv := make([]byte, ivLen)
			if _, err := io.ReadFull(c.Conn, iv); err != nil {
				return 0, fmt.Errorf("cipherstream: read iv: %w", err)
			}
			state, err := NewState(c.method, c.password, iv)
			if err != nil {
				return 0, err
			}
			c.dec = state
		} else {
			state, err := NewState(c.method, c.password, nil)
			if err != nil {
				return 0, err
			}
			c.dec = state
		}
		c.readIV = true
	}

	n, err := c.Conn.Read(p)
	if n > 0 {
		c.dec.Apply(p[:n])
	}
	return n, err
}

// CloseWrite half-closes the underlying connection's write side, if it
// supports that, so callers can shut down one relay direction without
// tearing down the other. The cipher stream has no trailing frame to emit
// on close, so this is a plain passthrough.
func (c *Conn) CloseWrite() error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return fmt.Errorf("cipherstream: underlying conn does not support CloseWrite")
}
