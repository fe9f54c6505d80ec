package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/nmslite/fleetinv/internal/config"
)

// SSHClient runs POSIX shell commands over one SSH connection.
type SSHClient struct {
	client *ssh.Client
	target string
}

// SSHDialer builds SSH transports. Password and key auth are both offered when configured.
type SSHDialer struct {
	Port    int
	Timeout time.Duration
	// KnownHostsFile overrides ~/.ssh/known_hosts. Ignored when credentials are insecure.
	KnownHostsFile string
}

func (d SSHDialer) Dial(ctx context.Context, address string, creds config.Credentials) (Transport, error) {
	cfg, err := d.clientConfig(creds)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(address, strconv.Itoa(d.Port))
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SSH dial failed: %w", err)
	}

	if d.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &SSHClient{client: ssh.NewClient(c, chans, reqs), target: address}, nil
}

func (d SSHDialer) clientConfig(creds config.Credentials) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if creds.Password != "" {
		authMethods = append(authMethods, ssh.Password(creds.Password))
	}

	if creds.PrivateKeyFile != "" {
		pem, err := os.ReadFile(creds.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		key, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(key))
	}

	if len(authMethods) == 0 {
		return nil, errors.New("no authentication method provided (password or private_key_file required)")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !creds.Insecure {
		path := d.KnownHostsFile
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.Timeout,
	}, nil
}

// Run executes command in a new SSH session. Cancelling ctx kills the remote process.
func (c *SSHClient) Run(ctx context.Context, command string, stdin []byte) (Output, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return Output{}, fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if len(stdin) > 0 {
		session.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return Output{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err = <-done:
	}

	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("SSH execution failed: %w", err)
	}
	return out, nil
}

func (c *SSHClient) Dialect() Dialect {
	return POSIX{}
}

func (c *SSHClient) Close() error {
	return c.client.Close()
}
