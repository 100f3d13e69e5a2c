package socks5

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// fakeDialer hands back one side of a net.Pipe for every Dial call, or a
// preset error, so tests can act as the "remote" without any real network.
type fakeDialer struct {
	conn net.Conn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, network string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func newTestHandler(dialer Dialer) *Handler {
	return NewHandler(dialer, nil, nil, 0)
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

// TestHandle_ConnectIPv4 exercises scenario (a): an IPv4 CONNECT request.
func TestHandle_ConnectIPv4(t *testing.T) {
	client, server := net.Pipe()
	remoteLocal, remoteTest := net.Pipe()

	h := newTestHandler(&fakeDialer{conn: remoteLocal})

	done := make(chan error, 1)
	go func() { done <- h.Handle(server) }()

	// Method selection: offer a method no-auth wouldn't even need to match.
	if _, err := client.Write([]byte{SOCKS5Version, 1, 0x02}); err != nil {
		t.Fatal(err)
	}
	sel := readN(t, client, 2)
	if sel[0] != SOCKS5Version || sel[1] != AuthMethodNoAuth {
		t.Fatalf("method selection = % x, want no-auth unconditionally", sel)
	}

	// CONNECT request to 93.184.216.34:80.
	req := []byte{SOCKS5Version, CmdConnect, 0x00, AddrTypeIPv4, 93, 184, 216, 34, 0, 80}
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}

	// The engine must send the encrypted (here: cleartext fake-dialer)
	// address header to the remote leg before anything else.
	wantHeader := []byte{AddrTypeIPv4, 93, 184, 216, 34, 0, 80}
	gotHeader := readN(t, remoteTest, len(wantHeader))
	if !bytes.Equal(gotHeader, wantHeader) {
		t.Fatalf("address header = % x, want % x", gotHeader, wantHeader)
	}

	reply := readN(t, client, 10)
	if reply[0] != SOCKS5Version || reply[1] != ReplySucceeded {
		t.Fatalf("reply = % x, want succeeded", reply)
	}

	// Streaming stage: bytes flow both ways untouched by SOCKS5 framing.
	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	if _, err := client.Write(payload); err != nil {
		t.Fatal(err)
	}
	if got := readN(t, remoteTest, len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("relayed client->remote = %q, want %q", got, payload)
	}

	resp := []byte("HTTP/1.0 200 OK\r\n\r\n")
	if _, err := remoteTest.Write(resp); err != nil {
		t.Fatal(err)
	}
	if got := readN(t, client, len(resp)); !bytes.Equal(got, resp) {
		t.Fatalf("relayed remote->client = %q, want %q", got, resp)
	}

	remoteTest.Close()
	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after both sides closed")
	}
}

// TestHandle_ConnectDomain exercises scenario (b): a domain-name CONNECT.
func TestHandle_ConnectDomain(t *testing.T) {
	client, server := net.Pipe()
	remoteLocal, remoteTest := net.Pipe()

	h := newTestHandler(&fakeDialer{conn: remoteLocal})
	done := make(chan error, 1)
	go func() { done <- h.Handle(server) }()

	client.Write([]byte{SOCKS5Version, 1, AuthMethodNoAuth})
	readN(t, client, 2)

	domain := "example.com"
	req := []byte{SOCKS5Version, CmdConnect, 0x00, AddrTypeDomain, byte(len(domain))}
	req = append(req, domain...)
	req = append(req, 0x01, 0xBB) // port 443
	client.Write(req)

	wantHeader := append([]byte{AddrTypeDomain, byte(len(domain))}, domain...)
	wantHeader = append(wantHeader, 0x01, 0xBB)
	gotHeader := readN(t, remoteTest, len(wantHeader))
	if !bytes.Equal(gotHeader, wantHeader) {
		t.Fatalf("address header = % x, want % x", gotHeader, wantHeader)
	}

	reply := readN(t, client, 10)
	if reply[1] != ReplySucceeded {
		t.Fatalf("reply code = %d, want succeeded", reply[1])
	}

	client.Close()
	remoteTest.Close()
	<-done
}

// TestHandle_UnsupportedCommand exercises scenario (c): BIND is rejected
// with the reference's truncated 4-byte reply, then torn down.
func TestHandle_UnsupportedCommand(t *testing.T) {
	client, server := net.Pipe()
	h := newTestHandler(&fakeDialer{})

	done := make(chan error, 1)
	go func() { done <- h.Handle(server) }()

	client.Write([]byte{SOCKS5Version, 1, AuthMethodNoAuth})
	readN(t, client, 2)

	client.Write([]byte{SOCKS5Version, CmdBind, 0x00, AddrTypeIPv4, 1, 2, 3, 4, 0, 1})

	reply := readN(t, client, 4)
	want := []byte{SOCKS5Version, ReplyCmdNotSupported, 0x00, AddrTypeIPv4}
	if !bytes.Equal(reply, want) {
		t.Fatalf("reply = % x, want % x", reply, want)
	}

	err := <-done
	if !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("Handle error = %v, want ErrUnsupportedCommand", err)
	}
}

// TestHandle_UnsupportedAddrType exercises scenario (d): an ATYP the
// engine doesn't understand tears the pair down without a reply, since the
// rest of the request can't be reliably parsed either.
func TestHandle_UnsupportedAddrType(t *testing.T) {
	client, server := net.Pipe()
	h := newTestHandler(&fakeDialer{})

	done := make(chan error, 1)
	go func() { done <- h.Handle(server) }()

	client.Write([]byte{SOCKS5Version, 1, AuthMethodNoAuth})
	readN(t, client, 2)

	client.Write([]byte{SOCKS5Version, CmdConnect, 0x00, 0x7F, 1, 2, 3, 4, 0, 1})

	err := <-done
	if !errors.Is(err, ErrUnsupportedAddrType) {
		t.Fatalf("Handle error = %v, want ErrUnsupportedAddrType", err)
	}
}

// TestHandle_RemoteEOFDuringStream exercises scenario (e): once streaming,
// the remote closing must end the relay and return control to the caller
// without hanging.
func TestHandle_RemoteEOFDuringStream(t *testing.T) {
	client, server := net.Pipe()
	remoteLocal, remoteTest := net.Pipe()

	h := newTestHandler(&fakeDialer{conn: remoteLocal})
	done := make(chan error, 1)
	go func() { done <- h.Handle(server) }()

	client.Write([]byte{SOCKS5Version, 1, AuthMethodNoAuth})
	readN(t, client, 2)
	client.Write([]byte{SOCKS5Version, CmdConnect, 0x00, AddrTypeIPv4, 1, 2, 3, 4, 0, 80})
	readN(t, remoteTest, 7) // address header
	readN(t, client, 10)    // success reply

	// Remote hanging up ends its read-copy with EOF; the client side closing
	// too (as a real disconnected client eventually would) lets the other
	// copy direction unblock and the relay complete.
	remoteTest.Close()
	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after remote EOF")
	}
}

// TestHandle_ConnectFailure exercises scenario (f): a dial failure maps to
// an error reply and tears the pair down without ever reaching streaming.
func TestHandle_ConnectFailure(t *testing.T) {
	client, server := net.Pipe()
	h := newTestHandler(&fakeDialer{err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}})

	done := make(chan error, 1)
	go func() { done <- h.Handle(server) }()

	client.Write([]byte{SOCKS5Version, 1, AuthMethodNoAuth})
	readN(t, client, 2)
	client.Write([]byte{SOCKS5Version, CmdConnect, 0x00, AddrTypeIPv4, 1, 2, 3, 4, 0, 80})

	reply := readN(t, client, 10)
	if reply[1] != ReplyHostUnreachable {
		t.Fatalf("reply code = %d, want ReplyHostUnreachable", reply[1])
	}

	if err := <-done; err == nil {
		t.Fatal("expected Handle to return an error on dial failure")
	}
}

func TestReadRequest_IPv6(t *testing.T) {
	client, server := net.Pipe()
	h := newTestHandler(&fakeDialer{})

	reqCh := make(chan *Request, 1)
	errCh := make(chan error, 1)
	go func() {
		req, err := h.readRequest(server)
		reqCh <- req
		errCh <- err
	}()

	ip := net.ParseIP("2001:db8::1").To16()
	msg := append([]byte{SOCKS5Version, CmdConnect, 0x00, AddrTypeIPv6}, ip...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], 8443)
	msg = append(msg, portBuf[:]...)
	client.Write(msg)

	req := <-reqCh
	if err := <-errCh; err != nil {
		t.Fatalf("readRequest error = %v", err)
	}
	if req.DestPort != 8443 || !req.DestIP.Equal(ip) {
		t.Fatalf("got %+v", req)
	}
}
