//go:build !linux && !darwin

package wsx

import (
	"net"
	"syscall"
)

// reusePort is a no-op where SO_REUSEPORT is unavailable.
func reusePort(network, address string, c syscall.RawConn) error {
	return nil
}

// shutdownListener is a no-op where raw socket shutdown is unavailable.
func shutdownListener(listener net.Listener) {}
