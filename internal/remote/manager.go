package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nmslite/fleetinv/internal/config"
	"github.com/nmslite/fleetinv/internal/faults"
)

// DefaultBackoff is the fixed sleep between connection attempts.
const DefaultBackoff = 5 * time.Second

// ConnectError reports that every connection attempt failed. Last is the final failure.
type ConnectError struct {
	Attempts int
	Last     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *ConnectError) Unwrap() error {
	return e.Last
}

// Options configures a Manager. A zero Backoff means no sleep between attempts;
// use DefaultBackoff for the standard policy.
type Options struct {
	Dialer  Dialer
	Backoff time.Duration
	// ExecGrace is added to the local wait in RunWithTimeout so the remote wrapper can
	// report its own kill first.
	ExecGrace time.Duration
	Logger    *slog.Logger
}

// Manager opens sessions with a fixed-backoff retry policy.
type Manager struct {
	dialer    Dialer
	backoff   time.Duration
	execGrace time.Duration
	logger    *slog.Logger
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:    opts.Dialer,
		backoff:   opts.Backoff,
		execGrace: opts.ExecGrace,
		logger:    logger.With("component", "remote"),
	}
}

// NewManagerFromConfig builds the manager for the configured transport.
func NewManagerFromConfig(cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	dialer, err := NewDialer(cfg.Execution.Transport, cfg.Execution.RemotePort(), cfg.Execution.ConnectionTimeout())
	if err != nil {
		return nil, faults.New(faults.KindConfig, "", "remote", err)
	}
	return NewManager(Options{
		Dialer:    dialer,
		Backoff:   cfg.Execution.RetryBackoff(),
		ExecGrace: DefaultBackoff,
		Logger:    logger,
	}), nil
}

// Connect dials address and proves the channel with a trivial command, retrying up to
// maxRetries times. It makes exactly maxRetries+1 attempts when every attempt fails and
// returns a faults.KindConnection error wrapping *ConnectError.
func (m *Manager) Connect(ctx context.Context, address string, creds config.Credentials, maxRetries int) (*Session, error) {
	maxRetries = max(maxRetries, 0)
	logger := m.logger.With("host", address)

	var lastErr error
	attempts := 0
	for attempts < maxRetries+1 {
		attempts++

		t, err := m.attempt(ctx, address, creds)
		if err == nil {
			s := NewSession(address, t, m.logger)
			s.attempts = attempts
			s.execGrace = m.execGrace
			logger.DebugContext(ctx, "Session established", "attempts", attempts)
			return s, nil
		}

		lastErr = err
		logger.WarnContext(ctx, "Connection attempt failed",
			"attempt", attempts, "max_attempts", maxRetries+1, "error", err)

		if attempts <= maxRetries {
			if err := sleepCtx(ctx, m.backoff); err != nil {
				lastErr = err
				break
			}
		}
	}

	return nil, faults.New(faults.KindConnection, address, "connect", &ConnectError{Attempts: attempts, Last: lastErr})
}

func (m *Manager) attempt(ctx context.Context, address string, creds config.Credentials) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := m.dialer.Dial(ctx, address, creds)
	if err != nil {
		return nil, err
	}
	out, err := t.Run(ctx, t.Dialect().Probe(), nil)
	if err == nil && out.ExitCode != 0 {
		err = fmt.Errorf("probe command exited with code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	if err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
