package inventory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nmslite/fleetinv/internal/config"
	"github.com/nmslite/fleetinv/internal/logging"
	"github.com/nmslite/fleetinv/internal/remote"
	"github.com/nmslite/fleetinv/internal/remote/remotetest"
)

type fixture struct {
	host   *remotetest.Host
	dialer *remotetest.Dialer
	opts   Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	payload := t.TempDir()
	if err := os.WriteFile(filepath.Join(payload, "invagent"), []byte("agent"), 0o755); err != nil {
		t.Fatal(err)
	}
	h := remotetest.NewHost()
	return &fixture{
		host:   h,
		dialer: &remotetest.Dialer{Host: h},
		opts: Options{
			Credentials:      config.Credentials{Username: "inventory", Password: "pw"},
			MaxRetries:       2,
			LocalPayloadPath: payload,
			RemoteTempPath:   "/tmp/fleetinv",
			EntryPoint:       "invagent",
			Subnet:           "10.0.0",
			ExecutionTimeout: time.Minute,
			OutputDir:        filepath.Join(t.TempDir(), "results"),
			Validate:         true,
		},
	}
}

func (f *fixture) run(t *testing.T) HostOutcome {
	t.Helper()
	m := remote.NewManager(remote.Options{Dialer: f.dialer, Logger: logging.Discard()})
	return New(m, f.opts, logging.Discard()).Run(context.Background(), "10.0.0.2")
}

func TestRun_Success(t *testing.T) {
	f := newFixture(t)
	out := f.run(t)

	if out.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s), want Success", out.Status, out.ErrorMessage)
	}
	if out.ResultFile != filepath.Join(f.opts.OutputDir, "00-11-22-33-44-55.json") {
		t.Errorf("ResultFile = %q", out.ResultFile)
	}
	if _, err := os.Stat(out.ResultFile); err != nil {
		t.Errorf("result file not on disk: %v", err)
	}
	if out.Attempts != 1 || out.FinishedAt.Before(out.StartedAt) {
		t.Errorf("Attempts=%d StartedAt=%v FinishedAt=%v", out.Attempts, out.StartedAt, out.FinishedAt)
	}
	if got := f.host.Count("rm"); got != 1 {
		t.Errorf("cleanup calls = %d, want 1", got)
	}
	if got := f.host.Closed(); got != 1 {
		t.Errorf("session closed %d times, want 1", got)
	}
	if paths := f.host.Paths(); len(paths) != 0 {
		t.Errorf("remote leftovers = %v", paths)
	}
}

func TestRun_CleanupKeepsSiblings(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{name: "success", setup: func(f *fixture) {}},
		{name: "entry point fails", setup: func(f *fixture) { f.opts.EntryPoint = "missing" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.opts.RemoteTempPath = "/tmp"
			f.host.PutFile("/tmp/other-app/state.db", []byte("keep"))
			tt.setup(f)

			var execDir string
			f.host.Exec = func(ctx context.Context, h *remotetest.Host, dir, entry, arg string) (remote.Output, error) {
				execDir = dir
				if _, ok := h.File(dir + "/" + entry); !ok {
					return remote.Output{ExitCode: 1, Stderr: "entry point not found: " + entry}, nil
				}
				h.PutFile(dir+"/out.json", []byte(`{}`))
				return remote.Output{Stdout: dir + "/out.json\n"}, nil
			}
			f.opts.Validate = false
			f.run(t)

			if !strings.HasPrefix(execDir, "/tmp/"+WorkDirPrefix) || execDir == "/tmp/"+WorkDirPrefix {
				t.Errorf("payload ran in %q, want a per-run directory under /tmp", execDir)
			}
			if data, ok := f.host.File("/tmp/other-app/state.db"); !ok || string(data) != "keep" {
				t.Errorf("sibling file removed by cleanup")
			}
			if paths := f.host.Paths(); len(paths) != 1 || paths[0] != "/tmp/other-app/state.db" {
				t.Errorf("remote paths after cleanup = %v", paths)
			}
		})
	}
}

func TestRun_WorkDirPerRun(t *testing.T) {
	f := newFixture(t)
	var dirs []string
	f.host.Exec = func(ctx context.Context, h *remotetest.Host, dir, entry, arg string) (remote.Output, error) {
		dirs = append(dirs, dir)
		return remote.Output{ExitCode: 1, Stderr: "stop here"}, nil
	}
	m := remote.NewManager(remote.Options{Dialer: f.dialer, Logger: logging.Discard()})
	p := New(m, f.opts, logging.Discard())
	p.Run(context.Background(), "10.0.0.2")
	p.Run(context.Background(), "10.0.0.3")

	if len(dirs) != 2 || dirs[0] == dirs[1] {
		t.Errorf("work dirs = %v, want two distinct directories", dirs)
	}
}

func TestRun_FailurePaths(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(f *fixture)
		wantMsg     string
		wantKind    string
		wantCleanup int
		wantClosed  int
		wantStop    int
	}{
		{
			name:        "connection exhausted",
			setup:       func(f *fixture) { f.dialer.Failures = -1 },
			wantMsg:     "Failed to connect to 10.0.0.2",
			wantKind:    "connection",
			wantCleanup: 0,
			wantClosed:  0,
		},
		{
			name:        "push fails",
			setup:       func(f *fixture) { f.host.FailOn("write", errors.New("disk full")) },
			wantMsg:     "Failed to copy module to 10.0.0.2",
			wantKind:    "transfer",
			wantCleanup: 1,
			wantClosed:  1,
		},
		{
			name:        "entry point fails",
			setup:       func(f *fixture) { f.opts.EntryPoint = "missing" },
			wantMsg:     "Remote execution failed on 10.0.0.2: entry point not found",
			wantKind:    "remote_execution",
			wantCleanup: 1,
			wantClosed:  1,
		},
		{
			name: "execution times out",
			setup: func(f *fixture) {
				f.opts.ExecutionTimeout = 50 * time.Millisecond
				f.host.Exec = func(ctx context.Context, h *remotetest.Host, dir, entry, arg string) (remote.Output, error) {
					<-ctx.Done()
					return remote.Output{}, ctx.Err()
				}
			},
			wantMsg:     "Operation timed out after",
			wantKind:    "timeout",
			wantCleanup: 1,
			wantClosed:  1,
			wantStop:    1,
		},
		{
			name: "result file missing",
			setup: func(f *fixture) {
				f.host.Exec = func(ctx context.Context, h *remotetest.Host, dir, entry, arg string) (remote.Output, error) {
					return remote.Output{Stdout: dir + "/output/nothing.json\n"}, nil
				}
			},
			wantMsg:     "Failed to retrieve result file from 10.0.0.2",
			wantKind:    "transfer",
			wantCleanup: 1,
			wantClosed:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			out := f.run(t)

			if out.Status != StatusFailed {
				t.Fatalf("Status = %s, want Failed", out.Status)
			}
			if !strings.Contains(out.ErrorMessage, tt.wantMsg) {
				t.Errorf("ErrorMessage = %q, want it to contain %q", out.ErrorMessage, tt.wantMsg)
			}
			if out.ErrorKind != tt.wantKind {
				t.Errorf("ErrorKind = %q, want %q", out.ErrorKind, tt.wantKind)
			}
			if got := f.host.Count("rm"); got != tt.wantCleanup {
				t.Errorf("cleanup calls = %d, want %d", got, tt.wantCleanup)
			}
			if got := f.host.Closed(); got != tt.wantClosed {
				t.Errorf("session closed %d times, want %d", got, tt.wantClosed)
			}
			if got := f.host.Count("stop"); got != tt.wantStop {
				t.Errorf("stop calls = %d, want %d", got, tt.wantStop)
			}
			if tt.wantCleanup > 0 {
				if paths := f.host.Paths(); len(paths) != 0 {
					t.Errorf("remote leftovers = %v", paths)
				}
			}
		})
	}
}

func TestRun_ConnectAttempts(t *testing.T) {
	f := newFixture(t)
	f.dialer.Failures = -1
	f.opts.MaxRetries = 3
	out := f.run(t)

	if f.dialer.Calls() != 4 || out.Attempts != 4 {
		t.Errorf("dials=%d Attempts=%d, want 4", f.dialer.Calls(), out.Attempts)
	}

	f = newFixture(t)
	f.dialer.Failures = 1
	out = f.run(t)
	if out.Status != StatusSuccess || out.Attempts != 2 {
		t.Errorf("Status=%s Attempts=%d, want Success after 2", out.Status, out.Attempts)
	}
}

func TestRun_ValidationWarning(t *testing.T) {
	f := newFixture(t)
	f.host.Artifact = []byte(`{"system":{"hostname":"x"}}`)
	out := f.run(t)

	if out.Status != StatusWarning {
		t.Fatalf("Status = %s, want Warning", out.Status)
	}
	if out.ResultFile == "" || out.ErrorKind != "validation" {
		t.Errorf("outcome = %+v", out)
	}
	if !strings.Contains(out.ErrorMessage, `"metadata"`) {
		t.Errorf("ErrorMessage = %q", out.ErrorMessage)
	}

	f = newFixture(t)
	f.opts.Validate = false
	f.host.Artifact = []byte(`garbage`)
	if out := f.run(t); out.Status != StatusSuccess {
		t.Errorf("Status = %s with validation disabled, want Success", out.Status)
	}
}

func TestResultsDir(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	if got := ResultsDir("out", false, now); got != "out" {
		t.Errorf("ResultsDir(untimestamped) = %q", got)
	}
	if got := ResultsDir("out", true, now); got != filepath.Join("out", "20240305_140709") {
		t.Errorf("ResultsDir(timestamped) = %q", got)
	}
}
