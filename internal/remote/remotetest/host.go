// Package remotetest provides an in-memory remote host for exercising sessions and pipelines.
package remotetest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nmslite/fleetinv/internal/config"
	"github.com/nmslite/fleetinv/internal/remote"
)

const sep = "\x1f"

// Dialect encodes commands as sep-joined verbs that Host interprets.
type Dialect struct{}

func (Dialect) Probe() string { return "probe" }
func (Dialect) EnsureDir(d string) string { return "mkdir" + sep + d }
func (Dialect) WriteFile(f string, appending bool) string {
	mode := "create"
	if appending {
		mode = "append"
	}
	return "write" + sep + f + sep + mode
}
func (Dialect) Missing(paths []string) string { return "missing" + sep + strings.Join(paths, sep) }
func (Dialect) Exec(dir, entry, arg string, timeout time.Duration) string {
	return strings.Join([]string{"exec", dir, entry, arg, timeout.String()}, sep)
}
func (Dialect) Stop(dir, entry string) string { return "stop" + sep + dir + sep + entry }
func (Dialect) ReadFile(f string) string { return "read" + sep + f }
func (Dialect) Remove(paths []string) string { return "rm" + sep + strings.Join(paths, sep) }
func (Dialect) Join(elem ...string) string { return path.Join(elem...) }
func (Dialect) Base(p string) string { return path.Base(p) }

// ExecFunc replaces the default entry point behaviour.
type ExecFunc func(ctx context.Context, h *Host, dir, entry, arg string) (remote.Output, error)

// Host is a fake remote machine with a flat in-memory filesystem.
type Host struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	verbs    []string
	closed   int
	failVerb map[string]error

	// Artifact is what the default entry point writes to <dir>/output/<ArtifactName>.
	Artifact     []byte
	ArtifactName string
	Exec         ExecFunc
}

func NewHost() *Host {
	return &Host{
		files:        make(map[string][]byte),
		dirs:         make(map[string]bool),
		failVerb:     make(map[string]error),
		Artifact:     []byte(`{"system":{"hostname":"fake"},"metadata":{"schema_version":"1"}}`),
		ArtifactName: "00-11-22-33-44-55.json",
	}
}

// FailOn makes every command with verb fail with err as a transport error.
func (h *Host) FailOn(verb string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failVerb[verb] = err
}

// Count reports how many commands with verb have run.
func (h *Host) Count(verb string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, v := range h.verbs {
		if v == verb {
			n++
		}
	}
	return n
}

// Closed reports how many times the transport was closed.
func (h *Host) Closed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// File returns a file's content and whether it exists.
func (h *Host) File(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.files[p]
	return b, ok
}

// PutFile creates a file directly.
func (h *Host) PutFile(p string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[p] = data
}

// Paths lists every file and directory, sorted.
func (h *Host) Paths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for p := range h.files {
		out = append(out, p)
	}
	for d := range h.dirs {
		out = append(out, d+"/")
	}
	sort.Strings(out)
	return out
}

func (h *Host) Dialect() remote.Dialect { return Dialect{} }

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *Host) Run(ctx context.Context, command string, stdin []byte) (remote.Output, error) {
	parts := strings.Split(command, sep)
	verb, args := parts[0], parts[1:]

	h.mu.Lock()
	h.verbs = append(h.verbs, verb)
	failErr := h.failVerb[verb]
	h.mu.Unlock()

	if failErr != nil {
		return remote.Output{}, failErr
	}
	if err := ctx.Err(); err != nil {
		return remote.Output{}, err
	}

	switch verb {
	case "probe":
		return remote.Output{Stdout: "fakehost\n"}, nil
	case "exec":
		if h.Exec != nil {
			return h.Exec(ctx, h, args[0], args[1], args[2])
		}
		return h.defaultExec(args[0], args[1])
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch verb {
	case "mkdir":
		h.dirs[args[0]] = true
	case "write":
		data, err := base64.StdEncoding.DecodeString(string(stdin))
		if err != nil {
			return remote.Output{ExitCode: 1, Stderr: err.Error()}, nil
		}
		if !h.dirs[path.Dir(args[0])] {
			return remote.Output{ExitCode: 1, Stderr: "no such directory: " + path.Dir(args[0])}, nil
		}
		if args[1] == "append" {
			h.files[args[0]] = append(h.files[args[0]], data...)
		} else {
			h.files[args[0]] = data
		}
	case "missing":
		var b strings.Builder
		for _, p := range args {
			if _, ok := h.files[p]; !ok && !h.dirs[p] {
				fmt.Fprintln(&b, p)
			}
		}
		return remote.Output{Stdout: b.String()}, nil
	case "read":
		data, ok := h.files[args[0]]
		if !ok {
			return remote.Output{ExitCode: 2, Stderr: "file not found: " + args[0]}, nil
		}
		return remote.Output{Stdout: base64.StdEncoding.EncodeToString(data)}, nil
	case "rm":
		for _, p := range args {
			for f := range h.files {
				if f == p || strings.HasPrefix(f, p+"/") {
					delete(h.files, f)
				}
			}
			for d := range h.dirs {
				if d == p || strings.HasPrefix(d, p+"/") {
					delete(h.dirs, d)
				}
			}
		}
	case "stop":
	default:
		return remote.Output{ExitCode: 127, Stderr: "unknown command " + verb}, nil
	}
	return remote.Output{}, nil
}

func (h *Host) defaultExec(dir, entry string) (remote.Output, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.files[path.Join(dir, entry)]; !ok {
		return remote.Output{ExitCode: 1, Stderr: "entry point not found: " + entry}, nil
	}
	outDir := path.Join(dir, "output")
	h.dirs[outDir] = true
	artifact := path.Join(outDir, h.ArtifactName)
	h.files[artifact] = h.Artifact
	return remote.Output{Stdout: "collecting\n" + artifact + "\n"}, nil
}

// Dialer hands out one Host, failing the first Failures dials.
type Dialer struct {
	Host     *Host
	Failures int
	Err      error

	mu    sync.Mutex
	calls int
}

func (d *Dialer) Dial(ctx context.Context, address string, creds config.Credentials) (remote.Transport, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Failures < 0 || n <= d.Failures {
		err := d.Err
		if err == nil {
			err = errors.New("connection refused")
		}
		return nil, err
	}
	return d.Host, nil
}

// Calls reports how many dials happened.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
