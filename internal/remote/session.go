// Package remote manages authenticated sessions to inventory targets: connecting with retries,
// pushing the payload, running it under a deadline, pulling its artifact and cleaning up.
package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nmslite/fleetinv/internal/faults"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateConnecting State = iota
	StateEstablished
	StateInUse
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateInUse:
		return "in_use"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateConnecting:  {StateEstablished, StateFailed},
	StateFailed:      {StateConnecting, StateClosed},
	StateEstablished: {StateInUse, StateClosing},
	StateInUse:       {StateClosing},
	StateClosing:     {StateClosed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ControlDir and SubnetFile locate the control file inside the pushed payload.
const (
	ControlDir = "config"
	SubnetFile = "subnet.txt"
)

// chunkSize bounds the raw bytes sent per write command.
const chunkSize = 256 * 1024

// cleanupTimeout bounds the detached removal and stop commands.
const cleanupTimeout = 30 * time.Second

// ExecResult is the outcome of RunWithTimeout.
type ExecResult struct {
	Success      bool
	ResultPath   string
	ErrorMessage string
	TimedOut     bool
	Kind         faults.Kind
}

// PullResult is the outcome of PullFile.
type PullResult struct {
	Success      bool
	LocalPath    string
	ErrorMessage string
}

// Session is one authenticated channel to a host. It is owned by a single pipeline and
// must be closed on every path; Close is idempotent.
type Session struct {
	host      string
	transport Transport
	dialect   Dialect
	logger    *slog.Logger
	execGrace time.Duration
	attempts  int

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

// NewSession wraps an established transport. Manager.Connect is the usual constructor.
func NewSession(host string, t Transport, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		host:      host,
		transport: t,
		dialect:   t.Dialect(),
		logger:    logger.With("host", host),
		state:     StateEstablished,
	}
}

func (s *Session) Host() string { return s.host }

// Attempts is the number of connection attempts it took to establish the session.
func (s *Session) Attempts() int { return s.attempts }

func (s *Session) Dialect() Dialect { return s.dialect }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, to) {
		return fmt.Errorf("invalid session transition %s -> %s", s.state, to)
	}
	s.state = to
	return nil
}

// use marks the session in use; it fails once the session is closing or closed.
func (s *Session) use() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInUse:
		return nil
	case StateEstablished:
		s.state = StateInUse
		return nil
	default:
		return fmt.Errorf("session is %s", s.state)
	}
}

func (s *Session) run(ctx context.Context, command string, stdin []byte) (Output, error) {
	out, err := s.transport.Run(ctx, command, stdin)
	if err != nil {
		return out, err
	}
	if out.ExitCode != 0 {
		return out, fmt.Errorf("exit code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return out, nil
}

// PushDirectory copies localPath recursively into remotePath and writes the control file
// holding subnet. Expected files missing afterwards are logged, not fatal.
func (s *Session) PushDirectory(ctx context.Context, localPath, remotePath, subnet string) error {
	if err := s.use(); err != nil {
		return faults.New(faults.KindTransfer, s.host, "push", err)
	}

	fail := func(err error) error {
		return faults.New(faults.KindTransfer, s.host, "push", err)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return fail(fmt.Errorf("local payload: %w", err))
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("local payload %s is not a directory", localPath))
	}

	controlDir := s.dialect.Join(remotePath, ControlDir)
	for _, dir := range []string{remotePath, controlDir} {
		if _, err := s.run(ctx, s.dialect.EnsureDir(dir), nil); err != nil {
			return fail(fmt.Errorf("create %s: %w", dir, err))
		}
	}

	var expected []string
	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := s.dialect.Join(remotePath, filepath.ToSlash(rel))
		if d.IsDir() {
			if _, err := s.run(ctx, s.dialect.EnsureDir(target), nil); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err := s.writeFile(ctx, target, data); err != nil {
			return err
		}
		expected = append(expected, target)
		return nil
	})
	if err != nil {
		return fail(err)
	}

	subnetPath := s.dialect.Join(controlDir, SubnetFile)
	if err := s.writeFile(ctx, subnetPath, []byte(subnet)); err != nil {
		return fail(err)
	}
	expected = append(expected, subnetPath)

	out, err := s.run(ctx, s.dialect.Missing(expected), nil)
	if err != nil {
		s.logger.WarnContext(ctx, "Could not verify pushed files", "error", err)
		return nil
	}
	for _, line := range strings.Split(out.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			s.logger.WarnContext(ctx, "Expected file missing after push", "path", line)
		}
	}
	s.logger.DebugContext(ctx, "Payload pushed", "files", len(expected), "remote_path", remotePath)
	return nil
}

func (s *Session) writeFile(ctx context.Context, target string, data []byte) error {
	for off := 0; off == 0 || off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		stdin := []byte(base64.StdEncoding.EncodeToString(data[off:end]))
		if _, err := s.run(ctx, s.dialect.WriteFile(target, off > 0), stdin); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
	}
	return nil
}

// RunWithTimeout launches dir/entryPoint remotely and waits at most timeout. On expiry the
// remote process is stopped and the result carries the timeout message. Remote failures are
// reported in the result, never as a returned error.
func (s *Session) RunWithTimeout(ctx context.Context, dir, entryPoint, argument string, timeout time.Duration) ExecResult {
	if err := s.use(); err != nil {
		return ExecResult{ErrorMessage: err.Error(), Kind: faults.KindRemoteExecution}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout+s.execGrace)
	defer cancel()

	out, err := s.transport.Run(runCtx, s.dialect.Exec(dir, entryPoint, argument, timeout), nil)
	switch {
	case err != nil && runCtx.Err() != nil:
		s.stop(ctx, dir, entryPoint)
		if ctx.Err() != nil {
			return ExecResult{ErrorMessage: ctx.Err().Error(), Kind: faults.KindRemoteExecution}
		}
		return timedOut(timeout)
	case err != nil:
		return ExecResult{ErrorMessage: err.Error(), Kind: faults.KindRemoteExecution}
	case out.ExitCode == ExitTimedOut:
		return timedOut(timeout)
	case out.ExitCode != 0:
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("entry point exited with code %d", out.ExitCode)
		}
		return ExecResult{ErrorMessage: msg, Kind: faults.KindRemoteExecution}
	}

	resultPath := lastLine(out.Stdout)
	if resultPath == "" {
		return ExecResult{ErrorMessage: "entry point did not report a result path", Kind: faults.KindRemoteExecution}
	}
	return ExecResult{Success: true, ResultPath: resultPath}
}

func (s *Session) stop(ctx context.Context, dir, entryPoint string) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := s.run(stopCtx, s.dialect.Stop(dir, entryPoint), nil); err != nil {
		s.logger.WarnContext(ctx, "Failed to stop remote process", "entry_point", entryPoint, "error", err)
		return
	}
	s.logger.InfoContext(ctx, "Remote process stopped", "entry_point", entryPoint)
}

func timedOut(timeout time.Duration) ExecResult {
	return ExecResult{ErrorMessage: TimeoutMessage(timeout), TimedOut: true, Kind: faults.KindTimeout}
}

// TimeoutMessage renders the user-facing timeout text.
func TimeoutMessage(timeout time.Duration) string {
	if timeout >= time.Minute && timeout%time.Minute == 0 {
		return fmt.Sprintf("Operation timed out after %d minutes", int(timeout/time.Minute))
	}
	return fmt.Sprintf("Operation timed out after %s", timeout)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// PullFile copies remotePath into localDir under its basename and verifies the local copy.
func (s *Session) PullFile(ctx context.Context, remotePath, localDir string) PullResult {
	if err := s.use(); err != nil {
		return PullResult{ErrorMessage: err.Error()}
	}
	if remotePath == "" {
		return PullResult{ErrorMessage: "no remote file to retrieve"}
	}

	out, err := s.run(ctx, s.dialect.ReadFile(remotePath), nil)
	if err != nil {
		return PullResult{ErrorMessage: err.Error()}
	}
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(out.Stdout), ""))
	if err != nil {
		return PullResult{ErrorMessage: fmt.Sprintf("decode %s: %v", remotePath, err)}
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return PullResult{ErrorMessage: err.Error()}
	}
	localPath := filepath.Join(localDir, s.dialect.Base(remotePath))
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return PullResult{ErrorMessage: err.Error()}
	}
	if _, err := os.Stat(localPath); err != nil {
		return PullResult{ErrorMessage: fmt.Sprintf("file not found locally after copy: %s", localPath)}
	}
	return PullResult{Success: true, LocalPath: localPath}
}

// Cleanup removes the pushed payload and the remote result file. Empty paths are skipped,
// failures are logged and swallowed. It runs even if ctx is already cancelled.
func (s *Session) Cleanup(ctx context.Context, remoteModulePath, remoteFilePath string) {
	var paths []string
	for _, p := range []string{remoteFilePath, remoteModulePath} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return
	}

	if st := s.State(); st == StateClosing || st == StateClosed {
		s.logger.WarnContext(ctx, "Cleanup skipped", "error", faults.Errorf(faults.KindCleanup, s.host, "cleanup", "session is %s", st))
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := s.run(cleanupCtx, s.dialect.Remove(paths), nil); err != nil {
		s.logger.WarnContext(ctx, "Remote cleanup failed", "error", faults.New(faults.KindCleanup, s.host, "cleanup", err))
		return
	}
	s.logger.DebugContext(ctx, "Remote files removed", "paths", paths)
}

// Close tears down the transport once. Later calls are no-ops returning nil.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if stErr := s.setState(StateClosing); stErr != nil {
			s.logger.Debug("Closing session", "error", stErr)
		}
		err = s.transport.Close()
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	})
	return err
}
