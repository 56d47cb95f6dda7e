package network

import (
	"fmt"
	"net"
	"time"
)

// IsPortFree reports whether a TCP port can be bound on all interfaces.
// The reservation table is authoritative; this catches ports claimed by
// processes outside the deployer.
func IsPortFree(port int) bool {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// WaitReachable polls a TCP address until it accepts a connection or
// the deadline passes. Used by the post-deploy smoke check.
func WaitReachable(host string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s not reachable within %s: %w", addr, timeout, err)
		}
		time.Sleep(250 * time.Millisecond)
	}
}
