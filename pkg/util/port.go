package util

import (
	"fmt"
	"net"
)

// MustGetFreePort returns a TCP port that was free at the time of the call.
// Used by tests that start real listeners.
func MustGetFreePort() int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err == nil {
		var l *net.TCPListener
		if l, err = net.ListenTCP("tcp", addr); err == nil {
			port := l.Addr().(*net.TCPAddr).Port
			_ = l.Close()
			return port
		}
	}
	panic(fmt.Errorf("failed to get a free port: %w", err))
}
