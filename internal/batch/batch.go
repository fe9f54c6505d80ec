// Package batch runs the inventory pipeline over a host list one host at a time and
// reconciles the outcomes into a summary.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nmslite/fleetinv/internal/inventory"
	"github.com/nmslite/fleetinv/internal/logging"
	"github.com/nmslite/fleetinv/internal/progress"
)

// ResultsFile is the summary file name inside the output directory.
const ResultsFile = "collection_results.json"

// Runner processes one host. *inventory.Pipeline is the production implementation.
type Runner interface {
	Run(ctx context.Context, address string) inventory.HostOutcome
}

// OutcomeSink receives each outcome as soon as it is final.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, o inventory.HostOutcome) error
}

// Summary counts outcomes. Warning outcomes are counted as Success.
type Summary struct {
	Success int                     `json:"Success"`
	Failed  int                     `json:"Failed"`
	Skipped int                     `json:"Skipped"`
	Details []inventory.HostOutcome `json:"Details"`
}

func (s *Summary) Total() int {
	return s.Success + s.Failed + s.Skipped
}

func (s *Summary) add(o inventory.HostOutcome) {
	switch o.Status {
	case inventory.StatusSuccess, inventory.StatusWarning:
		s.Success++
	case inventory.StatusSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
	s.Details = append(s.Details, o)
}

// Orchestrator runs hosts sequentially: one pipeline, including session close, finishes
// before the next begins.
type Orchestrator struct {
	runner  Runner
	sinks   []OutcomeSink
	tracker *progress.Tracker
	logger  *slog.Logger
	now     func() time.Time
}

func New(runner Runner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runner: runner,
		logger: logger.With("component", "batch"),
		now:    time.Now,
	}
}

// WithSink adds a sink that sees every outcome.
func (o *Orchestrator) WithSink(s OutcomeSink) *Orchestrator {
	o.sinks = append(o.sinks, s)
	return o
}

func (o *Orchestrator) WithProgress(t *progress.Tracker) *Orchestrator {
	o.tracker = t
	return o
}

// Run processes hosts in order and never aborts on a host failure. Empty and duplicate
// addresses are skipped; once ctx is cancelled every remaining host is skipped.
func (o *Orchestrator) Run(ctx context.Context, hosts []string) *Summary {
	summary := &Summary{Details: make([]inventory.HostOutcome, 0, len(hosts))}
	o.tracker.BatchStarted(len(hosts))
	o.logger.InfoContext(ctx, "Starting batch", "hosts", len(hosts))

	seen := make(map[string]bool, len(hosts))
	for i, raw := range hosts {
		address := strings.TrimSpace(raw)

		var outcome inventory.HostOutcome
		switch {
		case address == "":
			outcome = o.skipped(address, "empty address")
		case seen[address]:
			outcome = o.skipped(address, "duplicate address")
		case ctx.Err() != nil:
			outcome = o.skipped(address, "batch cancelled: "+ctx.Err().Error())
		default:
			seen[address] = true
			o.logger.InfoContext(ctx, "Processing host", "host", address, "index", i+1, "total", len(hosts))
			outcome = o.runner.Run(ctx, address)
		}

		summary.add(outcome)
		o.tracker.Observe(outcome)
		for _, s := range o.sinks {
			if err := s.RecordOutcome(ctx, outcome); err != nil {
				o.logger.WarnContext(ctx, "Failed to record outcome", "host", address, "error", err)
			}
		}
	}

	o.tracker.Finish()
	o.logger.InfoContext(ctx, "Batch complete",
		"total", summary.Total(), "success", summary.Success, "failed", summary.Failed, "skipped", summary.Skipped)
	return summary
}

func (o *Orchestrator) skipped(address, reason string) inventory.HostOutcome {
	now := o.now().UTC()
	o.logger.Warn("Skipping host", "host", address, "reason", reason)
	return inventory.HostOutcome{
		Address:      address,
		Status:       inventory.StatusSkipped,
		ErrorMessage: reason,
		StartedAt:    now,
		FinishedAt:   now,
	}
}

// WriteSummary serialises the summary once into dir/collection_results.json.
func WriteSummary(dir string, s *Summary) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode summary: %w", err)
	}
	path := filepath.Join(dir, ResultsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write summary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errors.Join(fmt.Errorf("failed to write summary: %w", err), os.Remove(tmp))
	}
	return path, nil
}

// LogSummary reports the final counts at Success level when nothing failed.
func LogSummary(ctx context.Context, logger *slog.Logger, s *Summary) {
	args := []any{"total", s.Total(), "success", s.Success, "failed", s.Failed, "skipped", s.Skipped}
	if s.Failed == 0 {
		logging.Success(ctx, logger, "Collection finished", args...)
		return
	}
	logger.WarnContext(ctx, "Collection finished with failures", args...)
}
