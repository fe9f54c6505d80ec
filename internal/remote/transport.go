package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/nmslite/fleetinv/internal/config"
)

// Output is the captured result of one remote command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Transport runs commands on one host. Commands are written in the transport's Dialect.
type Transport interface {
	Run(ctx context.Context, command string, stdin []byte) (Output, error)
	Dialect() Dialect
	Close() error
}

// Dialer opens a Transport to address using creds. It must honour ctx for the dial itself.
type Dialer interface {
	Dial(ctx context.Context, address string, creds config.Credentials) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string, creds config.Credentials) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, address string, creds config.Credentials) (Transport, error) {
	return f(ctx, address, creds)
}

// NewDialer returns the dialer for the named transport ("winrm" or "ssh").
func NewDialer(transport string, port int, timeout time.Duration) (Dialer, error) {
	switch transport {
	case "winrm", "":
		return WinRMDialer{Port: port, Timeout: timeout}, nil
	case "ssh":
		return SSHDialer{Port: port, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", transport)
	}
}
