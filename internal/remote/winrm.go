package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/nmslite/fleetinv/internal/config"
)

// WinRMClient wraps the WinRM client for executing PowerShell scripts
type WinRMClient struct {
	client *winrm.Client
	target string
}

// NewWinRMClient creates a WinRM client based on the provided credentials
// - If domain is empty, uses Basic Auth
// - If domain is provided, uses NTLM Auth
// - If use_https is true, uses the HTTPS endpoint
func NewWinRMClient(target string, port int, creds config.Credentials, timeout time.Duration) (*WinRMClient, error) {
	endpoint := winrm.NewEndpoint(
		target,
		port,
		creds.UseHTTPS,
		creds.Insecure,
		nil, // CA certificate
		nil, // client certificate
		nil, // client key
		timeout,
	)

	var client *winrm.Client
	var err error

	if creds.Domain != "" {
		params := *winrm.DefaultParameters
		params.TransportDecorator = func() winrm.Transporter {
			return &winrm.ClientNTLM{}
		}
		client, err = winrm.NewClientWithParameters(
			endpoint,
			fmt.Sprintf("%s\\%s", creds.Domain, creds.Username),
			creds.Password,
			&params,
		)
	} else {
		client, err = winrm.NewClient(endpoint, creds.Username, creds.Password)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create WinRM client: %w", err)
	}

	return &WinRMClient{
		client: client,
		target: target,
	}, nil
}

// Run executes a PowerShell script. The script is sent as an encoded command so no quoting
// is needed; stdin, when given, is streamed to the process.
func (c *WinRMClient) Run(ctx context.Context, script string, stdin []byte) (Output, error) {
	stdout, stderr, exitCode, err := c.client.RunWithContextWithString(ctx, winrm.Powershell(script), string(stdin))
	if err != nil {
		return Output{}, fmt.Errorf("WinRM execution failed: %w", err)
	}
	return Output{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// RunPowerShell executes a script and returns trimmed stdout, failing on a non-zero exit.
func (c *WinRMClient) RunPowerShell(ctx context.Context, script string) (string, error) {
	out, err := c.Run(ctx, script, nil)
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("PowerShell command failed (exit code %d): %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return strings.TrimSpace(out.Stdout), nil
}

func (c *WinRMClient) Dialect() Dialect {
	return PowerShell{}
}

// Target returns the target hostname/IP
func (c *WinRMClient) Target() string {
	return c.target
}

// Close is a no-op: WinRM shells are opened and torn down per command.
func (c *WinRMClient) Close() error {
	return nil
}

// WinRMDialer builds WinRM transports.
type WinRMDialer struct {
	Port    int
	Timeout time.Duration
}

func (d WinRMDialer) Dial(ctx context.Context, address string, creds config.Credentials) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewWinRMClient(address, d.Port, creds, d.Timeout)
}
