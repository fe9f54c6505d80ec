// Package progress holds live run counters for the status API.
package progress

import (
	"sync"
	"time"

	"github.com/nmslite/fleetinv/internal/inventory"
)

// Phase is the stage the run is in.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseScanning Phase = "scanning"
	PhaseBatch    Phase = "collecting"
	PhaseDone     Phase = "done"
)

// Snapshot is a consistent copy of the counters.
type Snapshot struct {
	RunID     string     `json:"run_id"`
	Phase     Phase      `json:"phase"`
	StartedAt time.Time  `json:"started_at"`
	Scan      ScanStats  `json:"scan"`
	Batch     BatchStats `json:"batch"`
}

type ScanStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Online    int `json:"online"`
}

type BatchStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Warning int `json:"warning"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Tracker is safe for concurrent use. A nil *Tracker ignores every call.
type Tracker struct {
	mu       sync.RWMutex
	snap     Snapshot
	outcomes []inventory.HostOutcome
}

func NewTracker(runID string) *Tracker {
	return &Tracker{snap: Snapshot{RunID: runID, Phase: PhaseIdle, StartedAt: time.Now().UTC()}}
}

func (t *Tracker) ScanStarted(total int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Phase = PhaseScanning
	t.snap.Scan = ScanStats{Total: total}
}

func (t *Tracker) ScanProgress(completed, online int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Scan.Completed = completed
	t.snap.Scan.Online = online
}

func (t *Tracker) BatchStarted(total int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Phase = PhaseBatch
	t.snap.Batch = BatchStats{Total: total}
	t.outcomes = nil
}

// Observe records one finished host outcome.
func (t *Tracker) Observe(o inventory.HostOutcome) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o.Status {
	case inventory.StatusSuccess:
		t.snap.Batch.Success++
	case inventory.StatusWarning:
		t.snap.Batch.Warning++
	case inventory.StatusFailed:
		t.snap.Batch.Failed++
	case inventory.StatusSkipped:
		t.snap.Batch.Skipped++
	}
	t.outcomes = append(t.outcomes, o)
}

func (t *Tracker) Finish() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Phase = PhaseDone
}

func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{Phase: PhaseIdle}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// Outcomes returns a copy of the outcomes observed so far, in completion order.
func (t *Tracker) Outcomes() []inventory.HostOutcome {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]inventory.HostOutcome, len(t.outcomes))
	copy(out, t.outcomes)
	return out
}
