package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/nmslite/fleetinv/internal/inventory"
	"github.com/nmslite/fleetinv/internal/logging"
	"github.com/nmslite/fleetinv/internal/progress"
	"github.com/nmslite/fleetinv/internal/scanner"
)

type fakeHistory struct {
	runID    uuid.UUID
	records  []scanner.Record
	outcomes []inventory.HostOutcome
	err      error
}

func (f *fakeHistory) ScanRecords(_ context.Context, runID uuid.UUID) ([]scanner.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	if runID != f.runID {
		return []scanner.Record{}, nil
	}
	return f.records, nil
}

func (f *fakeHistory) Outcomes(_ context.Context, runID uuid.UUID) ([]inventory.HostOutcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	if runID != f.runID {
		return []inventory.HostOutcome{}, nil
	}
	return f.outcomes, nil
}

func newTestTracker() *progress.Tracker {
	tr := progress.NewTracker("run-1")
	tr.ScanStarted(10)
	tr.ScanProgress(10, 3)
	tr.BatchStarted(3)
	tr.Observe(inventory.HostOutcome{Address: "10.0.0.1", Status: inventory.StatusSuccess})
	tr.Observe(inventory.HostOutcome{Address: "10.0.0.2", Status: inventory.StatusFailed, ErrorMessage: "boom"})
	tr.Observe(inventory.HostOutcome{Address: "10.0.0.3", Status: inventory.StatusWarning})
	return tr
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h := NewRouter(progress.NewTracker("x"), nil, logging.Discard())
	rec := do(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestProgress(t *testing.T) {
	h := NewRouter(newTestTracker(), nil, logging.Discard())
	rec := do(t, h, "/api/v1/progress")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap progress.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.RunID != "run-1" || snap.Scan.Online != 3 || snap.Batch.Total != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Batch.Success != 1 || snap.Batch.Failed != 1 || snap.Batch.Warning != 1 {
		t.Errorf("batch = %+v", snap.Batch)
	}
}

func TestOutcomes(t *testing.T) {
	h := NewRouter(newTestTracker(), nil, logging.Discard())

	tests := []struct {
		path string
		want []string
	}{
		{"/api/v1/outcomes", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}},
		{"/api/v1/outcomes?status=Failed", []string{"10.0.0.2"}},
		{"/api/v1/outcomes?status=Skipped", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, h, tt.path)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var got []inventory.HostOutcome
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d outcomes, want %d", len(got), len(tt.want))
			}
			for i, o := range got {
				if o.Address != tt.want[i] {
					t.Errorf("outcome %d = %s, want %s", i, o.Address, tt.want[i])
				}
			}
		})
	}
}

func TestOutcomeByAddress(t *testing.T) {
	h := NewRouter(newTestTracker(), nil, logging.Discard())

	rec := do(t, h, "/api/v1/outcomes/10.0.0.2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var o inventory.HostOutcome
	if err := json.NewDecoder(rec.Body).Decode(&o); err != nil {
		t.Fatal(err)
	}
	if o.ErrorMessage != "boom" {
		t.Errorf("outcome = %+v", o)
	}

	if rec := do(t, h, "/api/v1/outcomes/10.9.9.9"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown address status = %d", rec.Code)
	}
}

func TestHistoryRoutes(t *testing.T) {
	runID := uuid.New()
	hist := &fakeHistory{
		runID:    runID,
		records:  []scanner.Record{{Address: "10.0.0.1", IsOnline: true}},
		outcomes: []inventory.HostOutcome{{Address: "10.0.0.1", Status: inventory.StatusSuccess}},
	}
	h := NewRouter(progress.NewTracker("x"), hist, logging.Discard())

	tests := []struct {
		name string
		path string
		code int
	}{
		{"scan", "/api/v1/runs/" + runID.String() + "/scan", http.StatusOK},
		{"outcomes", "/api/v1/runs/" + runID.String() + "/outcomes", http.StatusOK},
		{"bad id", "/api/v1/runs/not-a-uuid/outcomes", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, tt.path); rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
		})
	}

	hist.err = errors.New("db down")
	if rec := do(t, h, "/api/v1/runs/"+runID.String()+"/scan"); rec.Code != http.StatusInternalServerError {
		t.Errorf("store failure status = %d", rec.Code)
	}
}

func TestHistoryRoutesAbsentWithoutStore(t *testing.T) {
	h := NewRouter(progress.NewTracker("x"), nil, logging.Discard())
	if rec := do(t, h, "/api/v1/runs/"+uuid.NewString()+"/scan"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServerLifecycle(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", NewRouter(progress.NewTracker("x"), nil, logging.Discard()), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v after shutdown", err)
	}
}
