// Package inventory runs the per-host collection pipeline: connect, push the payload,
// execute it under a deadline, pull its artifact and clean up.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nmslite/fleetinv/internal/config"
	"github.com/nmslite/fleetinv/internal/faults"
	"github.com/nmslite/fleetinv/internal/logging"
	"github.com/nmslite/fleetinv/internal/remote"
)

// Connector opens sessions. *remote.Manager is the production implementation.
type Connector interface {
	Connect(ctx context.Context, address string, creds config.Credentials, maxRetries int) (*remote.Session, error)
}

// Options are the per-run constants of the pipeline.
type Options struct {
	Credentials      config.Credentials
	MaxRetries       int
	LocalPayloadPath string
	RemoteTempPath   string
	EntryPoint       string
	// Argument is passed to the entry point; empty means the agent reads the control file.
	Argument         string
	Subnet           string
	ExecutionTimeout time.Duration
	OutputDir        string
	Validate         bool
}

// OptionsFromConfig derives pipeline options; outputDir is the resolved results directory.
func OptionsFromConfig(cfg *config.Config, outputDir string) Options {
	return Options{
		Credentials:      cfg.Credentials,
		MaxRetries:       cfg.Execution.RetryCount,
		LocalPayloadPath: cfg.Module.LocalPayloadPath,
		RemoteTempPath:   cfg.Module.RemoteTempPath,
		EntryPoint:       cfg.Module.EntryPoint,
		Subnet:           cfg.Subnet.BaseSubnet,
		ExecutionTimeout: cfg.Execution.ExecutionTimeout(),
		OutputDir:        outputDir,
		Validate:         cfg.Output.ValidateJSONFiles,
	}
}

// WorkDirPrefix starts the name of the directory each host's payload is pushed into,
// under Options.RemoteTempPath. Only that directory is ever removed.
const WorkDirPrefix = "fleetinv-"

// Pipeline processes one host at a time. It is safe to reuse across hosts.
type Pipeline struct {
	connector Connector
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
	workDir   func() string
}

func New(connector Connector, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		connector: connector,
		opts:      opts,
		logger:    logger.With("component", "pipeline"),
		now:       time.Now,
		workDir:   func() string { return WorkDirPrefix + uuid.NewString() },
	}
}

// Run takes address through every stage and returns its final outcome. It never panics on
// expected failures; when a session was opened, cleanup and close run on every path.
func (p *Pipeline) Run(ctx context.Context, address string) (out HostOutcome) {
	logger := p.logger.With("host", address)
	out = HostOutcome{Address: address, Status: StatusProcessing, StartedAt: p.now().UTC()}
	defer func() { out.FinishedAt = p.now().UTC() }()

	logger.InfoContext(ctx, "Processing host")

	session, err := p.connector.Connect(ctx, address, p.opts.Credentials, p.opts.MaxRetries)
	if err != nil {
		var ce *remote.ConnectError
		if errors.As(err, &ce) {
			out.Attempts = ce.Attempts
		}
		return p.fail(ctx, logger, out, faults.KindOf(err), fmt.Sprintf("Failed to connect to %s: %s", address, faults.Message(err)))
	}
	out.Attempts = session.Attempts()
	logger.InfoContext(ctx, "Connected", "attempts", out.Attempts)

	remoteDir := session.Dialect().Join(p.opts.RemoteTempPath, p.workDir())
	var remoteFile string
	defer func() {
		if err := session.Close(); err != nil {
			logger.WarnContext(ctx, "Failed to close session", "error", err)
		}
	}()
	defer func() {
		session.Cleanup(ctx, remoteDir, remoteFile)
	}()

	if err := session.PushDirectory(ctx, p.opts.LocalPayloadPath, remoteDir, p.opts.Subnet); err != nil {
		return p.fail(ctx, logger, out, faults.KindTransfer, fmt.Sprintf("Failed to copy module to %s: %s", address, faults.Message(err)))
	}
	logger.DebugContext(ctx, "Payload pushed", "remote_path", remoteDir)

	res := session.RunWithTimeout(ctx, remoteDir, p.opts.EntryPoint, p.opts.Argument, p.opts.ExecutionTimeout)
	remoteFile = res.ResultPath
	if !res.Success {
		return p.fail(ctx, logger, out, res.Kind, fmt.Sprintf("Remote execution failed on %s: %s", address, res.ErrorMessage))
	}
	logger.DebugContext(ctx, "Remote execution finished", "result_path", remoteFile)

	pull := session.PullFile(ctx, remoteFile, p.opts.OutputDir)
	if !pull.Success {
		return p.fail(ctx, logger, out, faults.KindTransfer, fmt.Sprintf("Failed to retrieve result file from %s: %s", address, pull.ErrorMessage))
	}
	out.ResultFile = pull.LocalPath

	if p.opts.Validate {
		if err := ValidateArtifact(pull.LocalPath); err != nil {
			out.Status = StatusWarning
			out.ErrorKind = faults.KindValidation.String()
			out.ErrorMessage = validationMessage(err)
			logger.WarnContext(ctx, "Result file failed validation", "file", pull.LocalPath, "error", faults.Message(err))
			return out
		}
	}

	out.Status = StatusSuccess
	logging.Success(ctx, logger, "Inventory collected", "file", pull.LocalPath)
	return out
}

func (p *Pipeline) fail(ctx context.Context, logger *slog.Logger, out HostOutcome, kind faults.Kind, msg string) HostOutcome {
	out.Status = StatusFailed
	out.ErrorKind = kind.String()
	out.ErrorMessage = msg
	logger.ErrorContext(ctx, msg, "kind", kind.String())
	return out
}
