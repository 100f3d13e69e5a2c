package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/socks5tun/internal/metrics"
)

// SOCKS5 protocol constants per RFC 1928.
const (
	SOCKS5Version = 0x05
)

// Command types. BIND and UDP ASSOCIATE are recognized only so the handler
// can reply ReplyCmdNotSupported instead of silently hanging; only CONNECT
// is implemented.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// Reply codes.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// ErrUnsupportedCommand is returned by Handle when the client requests
// anything other than CONNECT.
var ErrUnsupportedCommand = errors.New("socks5: unsupported command")

// ErrUnsupportedAddrType is returned when the request's ATYP is not IPv4,
// domain, or IPv6.
var ErrUnsupportedAddrType = errors.New("socks5: unsupported address type")

// halfCloser is implemented by connections that support half-close (TCP).
// This allows signaling that one direction is done while keeping the other
// open, so the far side sees EOF without losing in-flight reply bytes.
type halfCloser interface {
	CloseWrite() error
}

// Request is a decoded SOCKS5 request (component C3, stage 1).
type Request struct {
	Version  byte
	Command  byte
	AddrType byte
	DestAddr string
	DestPort uint16
	DestIP   net.IP
	// RawHeader is the address-header encoding this engine forwards to the
	// remote relay in place of SOCKS5 framing: ATYP byte, address bytes
	// (4, 1+len, or 16), and the 2-byte big-endian port, per §4.3.
	RawHeader []byte
}

// Handler decodes one client connection's SOCKS5 handshake (C3) and, for
// CONNECT requests, dials the remote relay and drives the bidirectional
// pipe (C4) until either side closes.
type Handler struct {
	dialer        Dialer
	authenticator Authenticator
	logger        *slog.Logger
	metrics       *metrics.Metrics
	bufferSize    int
}

// NewHandler creates a SOCKS5 handler that dials outbound connections
// through dialer. Method selection always uses NoAuthAuthenticator: the
// engine has no other Authenticator implementation to offer. bufferSize
// sets the per-direction relay copy buffer size; 0 uses io.Copy's default.
func NewHandler(dialer Dialer, logger *slog.Logger, m *metrics.Metrics, bufferSize int) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{dialer: dialer, authenticator: &NoAuthAuthenticator{}, logger: logger, metrics: m, bufferSize: bufferSize}
}

// Handle processes one accepted client connection end to end: method
// selection, request decoding, remote dial, and relay. It always closes
// conn (directly or via the Pair it hands off to relay) before returning.
func (h *Handler) Handle(conn net.Conn) error {
	pair := NewPair(conn, h.logger, h.metrics)

	if err := h.authenticate(conn); err != nil {
		pair.Teardown("handshake_error")
		if h.metrics != nil {
			h.metrics.RecordHandshakeError(StageMethodSelect.String())
		}
		return fmt.Errorf("method select: %w", err)
	}
	pair.Advance(StageRequest)

	req, err := h.readRequest(conn)
	if err != nil {
		pair.Teardown("handshake_error")
		if h.metrics != nil {
			h.metrics.RecordHandshakeError(StageRequest.String())
		}
		return fmt.Errorf("read request: %w", err)
	}

	if req.Command != CmdConnect {
		// Reference behavior: a truncated 4-byte reply (VER, REP, RSV, ATYP)
		// rather than a full 10-byte address-bearing reply, then teardown.
		conn.Write([]byte{SOCKS5Version, ReplyCmdNotSupported, 0x00, AddrTypeIPv4})
		pair.Teardown("unsupported_command")
		return fmt.Errorf("%w: %d", ErrUnsupportedCommand, req.Command)
	}

	return h.handleConnect(conn, req, pair)
}

// authenticate reads the method-selection greeting and unilaterally
// replies no-auth, without validating the offered method list — matching
// the reference local proxy, which never supports anything else.
func (h *Handler) authenticate(conn net.Conn) error {
	// +----+----------+----------+
	// |VER | NMETHODS | METHODS  |
	// +----+----------+----------+
	// | 1  |    1     | 1 to 255 |
	// +----+----------+----------+
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}
	if header[0] != SOCKS5Version {
		return fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}

	// +----+--------+
	// |VER | METHOD |
	// +----+--------+
	_, err := conn.Write([]byte{SOCKS5Version, h.authenticator.GetMethod()})
	return err
}

// readRequest reads the SOCKS5 request and builds both the decoded Request
// and the address-header bytes this engine sends to the remote relay in
// place of SOCKS5 framing (§4.3).
func (h *Handler) readRequest(conn net.Conn) (*Request, error) {
	// +----+-----+-------+------+----------+----------+
	// |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	// +----+-----+-------+------+----------+----------+
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	if header[0] != SOCKS5Version {
		return nil, fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	req := &Request{
		Version:  header[0],
		Command:  header[1],
		AddrType: header[3],
	}

	var addrBytes []byte
	switch req.AddrType {
	case AddrTypeIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, err
		}
		req.DestIP = net.IP(addr)
		req.DestAddr = req.DestIP.String()
		addrBytes = addr

	case AddrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, err
		}
		domain := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, err
		}
		req.DestAddr = string(domain)
		addrBytes = append(lenBuf, domain...)

	case AddrTypeIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, err
		}
		req.DestIP = net.IP(addr)
		req.DestAddr = req.DestIP.String()
		addrBytes = addr

	default:
		// No reply on the wire here: an ATYP we don't understand means we
		// can't trust DST.PORT's offset either, so there's nothing
		// well-formed left to reply with. The caller tears down the pair.
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAddrType, req.AddrType)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, err
	}
	req.DestPort = binary.BigEndian.Uint16(portBuf)

	header2 := make([]byte, 1+len(addrBytes)+2)
	header2[0] = req.AddrType
	copy(header2[1:], addrBytes)
	binary.BigEndian.PutUint16(header2[1+len(addrBytes):], req.DestPort)
	req.RawHeader = header2

	return req, nil
}

// noDeadlineMonitor lets a Dialer opt a connection out of the read-deadline
// polling handleConnect uses to detect a client hanging up mid-dial.
type noDeadlineMonitor interface {
	NoDeadlineMonitor() bool
}

// handleConnect dials the remote relay, sends the encrypted address header
// as the first payload on that connection (no SOCKS5 framing on the wire
// to the relay), replies to the client only once the remote connect
// succeeds, and then relays bytes until either side closes.
func (h *Handler) handleConnect(conn net.Conn, req *Request, pair *Pair) error {
	// Create a context that cancels if the client hangs up while we're
	// still dialing, so we don't hold a half-finished dial open forever
	// against a client that already left.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	useMonitor := true
	if ndm, ok := conn.(noDeadlineMonitor); ok && ndm.NoDeadlineMonitor() {
		useMonitor = false
	}

	dialDone := make(chan struct{})
	monitorExited := make(chan struct{})

	if useMonitor {
		go func() {
			defer close(monitorExited)
			buf := make([]byte, 1)
			for {
				select {
				case <-dialDone:
					return
				default:
				}
				conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
				_, err := conn.Read(buf)
				select {
				case <-dialDone:
					return
				default:
				}
				if err != nil {
					if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
						continue
					}
					cancel()
					return
				}
				// Unexpected data mid-dial is a protocol violation.
				cancel()
				return
			}
		}()
	} else {
		close(monitorExited)
	}

	remote, err := h.dialer.Dial(ctx, "tcp")
	close(dialDone)

	if useMonitor {
		conn.SetReadDeadline(time.Now().Add(-time.Second))
	}
	<-monitorExited
	conn.SetReadDeadline(time.Time{})

	if err != nil {
		if ctx.Err() == context.Canceled {
			pair.Teardown("client_disconnected")
			return fmt.Errorf("client disconnected during dial: %w", err)
		}
		h.sendReplyForError(conn, err)
		pair.Teardown("connect_failed")
		return fmt.Errorf("dial remote: %w", err)
	}
	pair.SetRemote(remote)

	if _, err := remote.Write(req.RawHeader); err != nil {
		pair.Teardown("remote_write_error")
		return fmt.Errorf("send address header: %w", err)
	}

	// The reply-after-connect ordering means the client never receives a
	// success reply for a tunnel whose remote leg is already broken.
	if err := h.sendReply(conn, ReplySucceeded, nil, 0); err != nil {
		pair.Teardown("client_write_error")
		return fmt.Errorf("send reply: %w", err)
	}
	pair.Advance(StageStreaming)

	conn.SetDeadline(time.Time{})
	remote.SetDeadline(time.Time{})

	err = h.relay(conn, remote)
	pair.Teardown("relay_complete")
	return err
}

// sendReply sends a SOCKS5 reply. bindIP/bindPort are reported as the
// reference implementation does: the relay's local address is never
// meaningfully addressable by the client, so replies use the unspecified
// address (0.0.0.0:0) rather than leaking the local dial's ephemeral port.
func (h *Handler) sendReply(conn net.Conn, reply byte, bindIP net.IP, bindPort uint16) error {
	var addrType byte = AddrTypeIPv4
	addrBytes := make([]byte, 4)
	if ipv4 := bindIP.To4(); ipv4 != nil {
		addrBytes = ipv4
	} else if bindIP != nil {
		addrType = AddrTypeIPv6
		addrBytes = bindIP
	}

	buf := make([]byte, 4+len(addrBytes)+2)
	buf[0] = SOCKS5Version
	buf[1] = reply
	buf[2] = 0x00
	buf[3] = addrType
	copy(buf[4:], addrBytes)
	binary.BigEndian.PutUint16(buf[4+len(addrBytes):], bindPort)

	_, err := conn.Write(buf)
	return err
}

// sendReplyForError maps a dial error to a SOCKS5 reply code and sends it.
func (h *Handler) sendReplyForError(conn net.Conn, err error) {
	h.sendReply(conn, mapErrorToReply(err), nil, 0)
}

// mapErrorToReply converts a dial error into the closest SOCKS5 reply code.
func mapErrorToReply(err error) byte {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReplyTTLExpired
		}
		if netErr.Op == "dial" {
			return ReplyHostUnreachable
		}
	}
	return ReplyServerFailure
}

// relay copies data bidirectionally between the client and remote
// connections (C4), half-closing each side's write direction as its
// source reaches EOF, and records bytes transferred per direction.
func (h *Handler) relay(client, remote net.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		n, err := io.CopyBuffer(remote, client, h.newRelayBuffer())
		if h.metrics != nil {
			h.metrics.RecordBytes("client_to_remote", n)
		}
		if hc, ok := remote.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		n, err := io.CopyBuffer(client, remote, h.newRelayBuffer())
		if h.metrics != nil {
			h.metrics.RecordBytes("remote_to_client", n)
		}
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh
	if err1 != nil {
		return err1
	}
	return err2
}

// newRelayBuffer allocates one direction's copy buffer sized per
// h.bufferSize, or nil to let io.CopyBuffer fall back to its own default.
func (h *Handler) newRelayBuffer() []byte {
	if h.bufferSize <= 0 {
		return nil
	}
	return make([]byte, h.bufferSize)
}
