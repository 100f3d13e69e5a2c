package socks5

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/postalsys/socks5tun/internal/cipherstream"
	"github.com/postalsys/socks5tun/internal/metrics"
)

// Dialer dials the far side of a tunneled connection. The engine's only
// production implementation, RemoteDialer, picks one of a configured set of
// relay hosts (C6's remote-selector) and wraps the dialed connection in the
// stream cipher (C1) before handing it back — callers never see a raw,
// unencrypted remote socket.
type Dialer interface {
	Dial(ctx context.Context, network string) (net.Conn, error)
}

// RemoteDialer implements Dialer against a configured pool of relay hosts,
// selecting one pseudo-randomly per call the way the reference acceptor
// picks a remote at connect time, and enforcing a connect deadline the way
// the reference's one-shot connect-timeout watcher (C5) does.
type RemoteDialer struct {
	Hosts          []string
	Port           int
	ConnectTimeout time.Duration

	Method   cipherstream.Method
	Password string

	m *metrics.Metrics
}

// NewRemoteDialer builds a RemoteDialer from the engine's remote and cipher
// configuration.
func NewRemoteDialer(hosts []string, port int, connectTimeout time.Duration, method cipherstream.Method, password string, m *metrics.Metrics) *RemoteDialer {
	return &RemoteDialer{
		Hosts:          hosts,
		Port:           port,
		ConnectTimeout: connectTimeout,
		Method:         method,
		Password:       password,
		m:              m,
	}
}

// Dial connects to one of the configured remote hosts, chosen uniformly at
// random, and returns a net.Conn that transparently encrypts writes and
// decrypts reads.
func (d *RemoteDialer) Dial(ctx context.Context, network string) (net.Conn, error) {
	if len(d.Hosts) == 0 {
		return nil, fmt.Errorf("socks5: no remote hosts configured")
	}

	host := d.Hosts[rand.IntN(len(d.Hosts))]
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", d.Port))

	dialCtx, cancel := context.WithTimeout(ctx, d.ConnectTimeout)
	defer cancel()

	dialer := &net.Dialer{Control: setSocketOptions}

	start := time.Now()
	conn, err := dialer.DialContext(dialCtx, network, addr)
	if err != nil {
		if d.m != nil {
			d.m.RecordConnectFailure(connectFailureReason(err))
		}
		return nil, fmt.Errorf("socks5: dial remote %s: %w", addr, err)
	}
	if d.m != nil {
		d.m.RecordConnect(time.Since(start).Seconds())
	}

	return cipherstream.NewConn(conn, d.Method, d.Password), nil
}

// connectFailureReason buckets a dial error into a small, stable label set
// for metrics, rather than exposing unbounded error-string cardinality.
func connectFailureReason(err error) string {
	switch {
	case err == context.DeadlineExceeded:
		return "timeout"
	default:
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return "timeout"
		}
		return "dial_error"
	}
}
