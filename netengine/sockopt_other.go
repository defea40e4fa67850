//go:build !unix

package netengine

import "syscall"

// Socket option flags are best-effort outside unix platforms.
func listenControl(ipv6Only, reusePort bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
