package port

import (
	"fmt"
	"net"
)

// Prober reports whether a host port can be bound. Scanner is the real
// implementation; tests substitute a map of busy ports.
type Prober interface {
	IsPortAvailable(port int, protocol string) bool
}

// Scanner probes ports by asking the operating system to bind them.
//
// A successful bind is the only reliable answer to "is this port free":
// parsing /proc/net/* or running lsof misses ports held by other network
// namespaces and may need elevated permissions. Scanner holds no state.
type Scanner struct{}

// NewScanner returns a Scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// IsPortAvailable binds the port briefly and reports whether it worked.
//
// The bind address is ":port" rather than "127.0.0.1:port" because Docker
// publishes on 0.0.0.0. A port bound only on loopback by another process
// would otherwise look free and make the container start fail.
//
// Unknown protocols report false.
func (s *Scanner) IsPortAvailable(port int, protocol string) bool {
	addr := fmt.Sprintf(":%d", port)

	switch protocol {
	case "tcp":
		// net.Listen fails with "address already in use" when another
		// process holds the port.
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		_ = l.Close()
		return true

	case "udp":
		// UDP is connectionless, so the equivalent probe is ListenPacket.
		c, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true

	default:
		return false
	}
}

// FindAvailablePort returns the lowest free port in [startPort, endPort].
func (s *Scanner) FindAvailablePort(startPort, endPort int, protocol string) (int, error) {
	return findAvailable(s, startPort, endPort, protocol, nil)
}

// findAvailable scans [startPort, endPort] in order and returns the first
// port that taken does not claim and p reports free. taken covers ports
// recorded on stopped deployments, which a bind probe cannot see.
func findAvailable(p Prober, startPort, endPort int, protocol string, taken func(int) bool) (int, error) {
	for port := startPort; port <= endPort; port++ {
		if taken != nil && taken(port) {
			continue
		}
		if p.IsPortAvailable(port, protocol) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available %s port found in range %d-%d", protocol, startPort, endPort)
}
