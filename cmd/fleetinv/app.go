package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nmslite/fleetinv/internal/api"
	"github.com/nmslite/fleetinv/internal/batch"
	"github.com/nmslite/fleetinv/internal/classify"
	"github.com/nmslite/fleetinv/internal/config"
	"github.com/nmslite/fleetinv/internal/inventory"
	"github.com/nmslite/fleetinv/internal/logging"
	"github.com/nmslite/fleetinv/internal/payload"
	"github.com/nmslite/fleetinv/internal/probe"
	"github.com/nmslite/fleetinv/internal/progress"
	"github.com/nmslite/fleetinv/internal/remote"
	"github.com/nmslite/fleetinv/internal/scanner"
	"github.com/nmslite/fleetinv/internal/store"
)

const shutdownTimeout = 10 * time.Second

// app holds the per-invocation wiring shared by the subcommands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
	store      *store.Store
	tracker    *progress.Tracker
	server     *api.Server
	resultsDir string
}

// newApp loads the configuration and starts the optional store and status API.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise logging: %w", err)
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		logCloser:  closer,
		resultsDir: inventory.ResultsDir(cfg.Output.OutputDirectory, cfg.Output.CreateTimestampedFolder, time.Now()),
	}

	runID := uuid.New()
	if cfg.Store.Driver != "" {
		st, err := store.Open(ctx, cfg.Store, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open run history store: %w", err)
		}
		a.store = st
		runID = st.RunID()
	}
	a.tracker = progress.NewTracker(runID.String())

	if cfg.Status.ListenAddr != "" {
		var history api.History
		if a.store != nil {
			history = a.store
		}
		srv, err := api.Listen(cfg.Status.ListenAddr, api.NewRouter(a.tracker, history, logger), logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to start status API: %w", err)
		}
		a.server = srv
		go func() {
			if err := srv.Serve(); err != nil {
				logger.Error("Status API failed", "error", err)
			}
		}()
	}

	logger.Info("Starting fleetinv",
		"run_id", runID,
		"config", configPath,
		"transport", cfg.Execution.Transport,
		"results_dir", a.resultsDir,
	)
	return a, nil
}

// Close stops the status API and releases the store and log file.
func (a *app) Close() error {
	var errs []error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, a.server.Shutdown(ctx))
		cancel()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

func (a *app) scanResultsPath() string {
	return filepath.Join(a.cfg.Output.OutputDirectory, a.cfg.Output.ScanResultsFile)
}

// scan runs one sweep, recording every host to the CSV file and, when enabled, the store.
func (a *app) scan(ctx context.Context) ([]scanner.Record, error) {
	opts, err := scanner.OptionsFromConfig(a.cfg)
	if err != nil {
		return nil, err
	}

	csvSink, err := scanner.NewCSVSink(a.scanResultsPath())
	if err != nil {
		return nil, fmt.Errorf("failed to create scan results file: %w", err)
	}
	defer csvSink.Close()

	sinks := scanner.MultiSink{csvSink}
	if a.store != nil {
		sinks = append(sinks, a.store)
	}

	var classifier scanner.Classifier
	if opts.DetectHostType {
		classifier = classify.New(a.cfg.Execution.WinRMPort)
	}

	s := scanner.New(opts, probe.NetProber{}, classifier, sinks, a.logger).WithProgress(a.tracker)
	records, err := s.Run(ctx)
	if err != nil {
		return records, err
	}

	a.logger.Info("Scan results written", "file", a.scanResultsPath(), "online", len(records))
	return records, nil
}

// collect runs the batch over hosts and writes the summary file.
func (a *app) collect(ctx context.Context, hosts []string) (*batch.Summary, error) {
	if len(hosts) == 0 {
		a.logger.Warn("No hosts to collect from")
		a.tracker.Finish()
		return &batch.Summary{Details: []inventory.HostOutcome{}}, nil
	}

	if _, err := payload.Inspect(a.cfg.Module.LocalPayloadPath, a.cfg.Module.EntryPoint, a.logger); err != nil {
		return nil, err
	}

	manager, err := remote.NewManagerFromConfig(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}

	pipeline := inventory.New(manager, inventory.OptionsFromConfig(a.cfg, a.resultsDir), a.logger)
	orch := batch.New(pipeline, a.logger).WithProgress(a.tracker)
	if a.store != nil {
		orch = orch.WithSink(a.store)
	}

	summary := orch.Run(ctx, hosts)

	path, err := batch.WriteSummary(a.resultsDir, summary)
	if err != nil {
		return summary, err
	}
	batch.LogSummary(ctx, a.logger, summary)
	a.logger.Info("Collection results written", "file", path)
	return summary, nil
}
