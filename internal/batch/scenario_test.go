package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nmslite/fleetinv/internal/classify"
	"github.com/nmslite/fleetinv/internal/config"
	"github.com/nmslite/fleetinv/internal/inventory"
	"github.com/nmslite/fleetinv/internal/logging"
	"github.com/nmslite/fleetinv/internal/probe"
	"github.com/nmslite/fleetinv/internal/remote"
	"github.com/nmslite/fleetinv/internal/remote/remotetest"
	"github.com/nmslite/fleetinv/internal/scanner"
)

type winrmOnly string

func (w winrmOnly) TCP(_ context.Context, addr string, port int, _ time.Duration) bool {
	return addr == string(w) && port == probe.RemoteMgmt.DefaultPort()
}

func (w winrmOnly) ICMP(context.Context, string, time.Duration) bool { return false }

type physical struct{}

func (physical) Classify(context.Context, string, config.Credentials, time.Duration) (classify.Result, error) {
	return classify.Result{Manufacturer: "Dell Inc.", Model: "PowerEdge R650"}, nil
}

func runScenario(t *testing.T, h *remotetest.Host) (*Summary, *remotetest.Host) {
	t.Helper()
	ctx := context.Background()

	online, err := scanner.New(scanner.Options{
		Prefix: "10.0.0", Start: 1, End: 3,
		Timeout: time.Second, MaxConcurrency: 3,
		Protocols: probe.AllProtocols, DetectHostType: true,
	}, winrmOnly("10.0.0.2"), physical{}, scanner.NewMemorySink(), logging.Discard()).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	targets := scanner.PhysicalTargets(online, false)

	payload := t.TempDir()
	if err := os.WriteFile(filepath.Join(payload, "invagent"), []byte("agent"), 0o755); err != nil {
		t.Fatal(err)
	}
	manager := remote.NewManager(remote.Options{Dialer: &remotetest.Dialer{Host: h}, Logger: logging.Discard()})
	pipeline := inventory.New(manager, inventory.Options{
		Credentials:      config.Credentials{Username: "inventory", Password: "pw"},
		LocalPayloadPath: payload,
		RemoteTempPath:   "/tmp/fleetinv",
		EntryPoint:       "invagent",
		Subnet:           "10.0.0",
		ExecutionTimeout: time.Minute,
		OutputDir:        t.TempDir(),
		Validate:         true,
	}, logging.Discard())

	return New(pipeline, logging.Discard()).Run(ctx, targets), h
}

func TestScenario_SinglePhysicalHostSucceeds(t *testing.T) {
	s, h := runScenario(t, remotetest.NewHost())

	if s.Success != 1 || s.Failed != 0 || s.Skipped != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if len(s.Details) != 1 || s.Details[0].Address != "10.0.0.2" || s.Details[0].Status != inventory.StatusSuccess {
		t.Errorf("details = %+v", s.Details)
	}
	if h.Closed() != 1 || len(h.Paths()) != 0 {
		t.Errorf("closed=%d leftovers=%v", h.Closed(), h.Paths())
	}
}

func TestScenario_PushFailure(t *testing.T) {
	h := remotetest.NewHost()
	h.FailOn("write", errors.New("access denied"))
	s, _ := runScenario(t, h)

	if s.Failed != 1 || s.Success != 0 {
		t.Fatalf("summary = %+v", s)
	}
	o := s.Details[0]
	if o.Status != inventory.StatusFailed || !strings.Contains(o.ErrorMessage, "Failed to copy module") {
		t.Errorf("outcome = %+v", o)
	}
	if h.Count("rm") != 1 || h.Closed() != 1 {
		t.Errorf("cleanup=%d closed=%d, want 1 and 1", h.Count("rm"), h.Closed())
	}
}

func TestScenario_ArtifactMissingMetadataCountsAsSuccess(t *testing.T) {
	h := remotetest.NewHost()
	h.Artifact = []byte(`{"system":{"hostname":"srv"}}`)
	s, _ := runScenario(t, h)

	if s.Success != 1 || s.Failed != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if s.Details[0].Status != inventory.StatusWarning {
		t.Errorf("status = %s, want Warning", s.Details[0].Status)
	}
}
