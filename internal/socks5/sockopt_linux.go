//go:build linux

package socks5

import (
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOptions tunes a raw socket fd for low-latency relay traffic.
// Used as net.Dialer.Control/net.ListenConfig.Control on both the dialed
// remote leg and the accepted client leg. Tuning is best-effort: a kernel
// or container that rejects one of these options shouldn't stop the dial
// or listen from succeeding, so failures are logged, never returned.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3); e != nil {
			sysErr = e
			return
		}
	})
	if err != nil {
		slog.Default().Debug("socket control unavailable", "network", network, "address", address, "error", err)
		return nil
	}
	if sysErr != nil {
		slog.Default().Debug("socket option unsupported", "network", network, "address", address, "error", sysErr)
	}
	return nil
}
