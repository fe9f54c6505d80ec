// Package probe implements single-shot reachability tests. Every failure mode collapses to
// false; retry policy belongs to the caller.
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol is one liveness test the scanner can run against a host.
type Protocol string

const (
	ICMP       Protocol = "icmp"
	SMB        Protocol = "smb"
	RDP        Protocol = "rdp"
	RemoteMgmt Protocol = "winrm"
)

// AllProtocols in the order the scanner runs them.
var AllProtocols = []Protocol{ICMP, SMB, RDP, RemoteMgmt}

// DefaultPort returns the TCP port for the protocol, or 0 for ICMP.
func (p Protocol) DefaultPort() int {
	switch p {
	case SMB:
		return 445
	case RDP:
		return 3389
	case RemoteMgmt:
		return 5985
	default:
		return 0
	}
}

// ParseProtocols converts config names into protocols, rejecting unknown names and duplicates.
func ParseProtocols(names []string) ([]Protocol, error) {
	seen := make(map[Protocol]bool, len(names))
	out := make([]Protocol, 0, len(names))
	for _, name := range names {
		p := Protocol(strings.ToLower(strings.TrimSpace(name)))
		switch p {
		case ICMP, SMB, RDP, RemoteMgmt:
		default:
			return nil, fmt.Errorf("unknown protocol %q", name)
		}
		if seen[p] {
			return nil, fmt.Errorf("duplicate protocol %q", name)
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// Prober runs reachability tests. Implementations must be safe for concurrent use.
type Prober interface {
	TCP(ctx context.Context, address string, port int, timeout time.Duration) bool
	ICMP(ctx context.Context, address string, timeout time.Duration) bool
}

// NetProber is the real network prober. It holds no state.
type NetProber struct{}

func (NetProber) TCP(ctx context.Context, address string, port int, timeout time.Duration) bool {
	return Probe(ctx, address, port, timeout)
}

func (NetProber) ICMP(ctx context.Context, address string, timeout time.Duration) bool {
	return PingOnce(ctx, address, timeout)
}

// Probe reports whether a TCP connection to address:port completes within timeout.
func Probe(ctx context.Context, address string, port int, timeout time.Duration) bool {
	if timeout <= 0 || port <= 0 || port > 65535 {
		return false
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
