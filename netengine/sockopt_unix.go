//go:build unix

package netengine

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl applies the socket options the ListenOptions flags ask for
// before bind.
func listenControl(ipv6Only, reusePort bool) func(network, address string, c syscall.RawConn) error {
	if !ipv6Only && !reusePort {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var optErr error
		err := c.Control(func(fd uintptr) {
			if reusePort {
				optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}
			if optErr == nil && ipv6Only && network == "tcp6" {
				optErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
			}
		})
		if err != nil {
			return err
		}
		return optErr
	}
}
