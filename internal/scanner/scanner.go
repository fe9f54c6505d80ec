// Package scanner sweeps a subnet with bounded concurrency, probing each address over the
// enabled protocols and classifying reachable Windows hosts.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmslite/fleetinv/internal/classify"
	"github.com/nmslite/fleetinv/internal/config"
	"github.com/nmslite/fleetinv/internal/discovery"
	"github.com/nmslite/fleetinv/internal/faults"
	"github.com/nmslite/fleetinv/internal/probe"
	"github.com/nmslite/fleetinv/internal/progress"
)

// Options configure one sweep.
type Options struct {
	Prefix           string
	Start            int
	End              int
	Timeout          time.Duration
	MaxConcurrency   int
	Protocols        []probe.Protocol
	RemoteMgmtPort   int
	DetectHostType   bool
	ClassifyTimeout  time.Duration
	ProgressInterval int
	Credentials      config.Credentials
}

// OptionsFromConfig maps the run configuration onto scan options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	protocols, err := probe.ParseProtocols(cfg.Execution.Protocols)
	if err != nil {
		return Options{}, faults.New(faults.KindConfig, "", "scan", err)
	}
	// The classifier speaks WinRM only, so ssh fleets get the port check without it.
	return Options{
		Prefix:           cfg.Subnet.BaseSubnet,
		Start:            cfg.Subnet.StartIP,
		End:              cfg.Subnet.EndIP,
		Timeout:          cfg.Execution.ConnectionTimeout(),
		MaxConcurrency:   cfg.Execution.MaxConcurrentJobs,
		Protocols:        protocols,
		RemoteMgmtPort:   cfg.Execution.RemotePort(),
		DetectHostType:   cfg.Execution.DetectHostType && cfg.Execution.Transport != "ssh",
		ClassifyTimeout:  cfg.Execution.ClassifyTimeout(),
		ProgressInterval: cfg.Execution.ProgressInterval,
		Credentials:      cfg.Credentials,
	}, nil
}

// Addresses returns {prefix}.{start..end} in ascending order. Bad input is a config error.
func Addresses(prefix string, start, end int) ([]string, error) {
	if err := config.ValidatePrefix(prefix); err != nil {
		return nil, faults.New(faults.KindConfig, "", "scan", err)
	}
	ips, err := discovery.SubnetRange(prefix, start, end)
	if err != nil {
		return nil, faults.New(faults.KindConfig, "", "scan", err)
	}
	return ips, nil
}

// Classifier is satisfied by *classify.Classifier.
type Classifier interface {
	Classify(ctx context.Context, address string, creds config.Credentials, timeout time.Duration) (classify.Result, error)
}

// Scanner runs sweeps. It holds no per-sweep state and may be reused.
type Scanner struct {
	opts       Options
	prober     probe.Prober
	classifier Classifier
	sink       RecordSink
	tracker    *progress.Tracker
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a scanner. classifier may be nil when host-type detection is not wanted;
// sink may be nil to keep results in memory only.
func New(opts Options, prober probe.Prober, classifier Classifier, sink RecordSink, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 10
	}
	if opts.RemoteMgmtPort == 0 {
		opts.RemoteMgmtPort = probe.RemoteMgmt.DefaultPort()
	}
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = opts.Timeout
	}
	return &Scanner{
		opts:       opts,
		prober:     prober,
		classifier: classifier,
		sink:       sink,
		logger:     logger.With("component", "scanner"),
		now:        time.Now,
	}
}

// WithProgress publishes counters to t.
func (s *Scanner) WithProgress(t *progress.Tracker) *Scanner {
	s.tracker = t
	return s
}

// Run probes every address and returns the online records sorted by address. It fails only
// on invalid options or when ctx is cancelled, in which case the records finished so far
// are returned with the error.
func (s *Scanner) Run(ctx context.Context) ([]Record, error) {
	addrs, err := Addresses(s.opts.Prefix, s.opts.Start, s.opts.End)
	if err != nil {
		return nil, err
	}

	total := len(addrs)
	started := s.now()
	s.logger.InfoContext(ctx, "Starting subnet scan",
		"subnet", s.opts.Prefix, "start", s.opts.Start, "end", s.opts.End,
		"workers", s.opts.MaxConcurrency, "protocols", s.opts.Protocols)
	s.tracker.ScanStarted(total)

	records := make([]Record, total)
	var completed, online atomic.Int64

	var g errgroup.Group
	g.SetLimit(max(s.opts.MaxConcurrency, 1))
	for i, addr := range addrs {
		if ctx.Err() != nil {
			break
		}
		i, addr := i, addr
		g.Go(func() error {
			rec := s.probeHost(ctx, addr)
			records[i] = rec

			if rec.IsOnline {
				online.Add(1)
			}
			if s.sink != nil {
				if err := s.sink.Append(ctx, rec); err != nil {
					s.logger.ErrorContext(ctx, "Failed to record scan result", "host", addr, "error", err)
				}
			}

			n := completed.Add(1)
			s.tracker.ScanProgress(int(n), int(online.Load()))
			if n%int64(s.opts.ProgressInterval) == 0 {
				s.logger.InfoContext(ctx, "Scan progress", "completed", n, "total", total, "online", online.Load())
			}
			return nil
		})
	}
	_ = g.Wait()

	var result []Record
	for _, r := range records {
		if r.Address != "" && r.IsOnline {
			result = append(result, r)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return lessAddr(result[i].Address, result[j].Address) })

	s.tracker.ScanProgress(int(completed.Load()), len(result))
	s.logger.InfoContext(ctx, "Scan complete",
		"completed", completed.Load(), "total", total, "online", len(result),
		"duration", s.now().Sub(started).Round(time.Millisecond))

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("scan interrupted: %w", err)
	}
	return result, nil
}

func (s *Scanner) probeHost(ctx context.Context, addr string) Record {
	rec := Record{Address: addr}
	for _, p := range s.opts.Protocols {
		switch p {
		case probe.ICMP:
			rec.ICMP = s.prober.ICMP(ctx, addr, s.opts.Timeout)
		case probe.SMB:
			rec.SMB = s.prober.TCP(ctx, addr, p.DefaultPort(), s.opts.Timeout)
		case probe.RDP:
			rec.RDP = s.prober.TCP(ctx, addr, p.DefaultPort(), s.opts.Timeout)
		case probe.RemoteMgmt:
			rec.RemoteMgmt = s.prober.TCP(ctx, addr, s.opts.RemoteMgmtPort, s.opts.Timeout)
		}
	}
	rec.IsOnline = rec.ICMP || rec.SMB || rec.RDP || rec.RemoteMgmt

	if rec.IsOnline && rec.RemoteMgmt && s.opts.DetectHostType && s.classifier != nil {
		res, err := s.classifier.Classify(ctx, addr, s.opts.Credentials, s.opts.ClassifyTimeout)
		if err != nil {
			rec.Classification = classify.Unknown
			s.logger.WarnContext(ctx, "Host type detection failed, treating as not virtual",
				"host", addr, "error", err)
		} else {
			rec.Classification = res.Classification()
			s.logger.DebugContext(ctx, "Host classified", "host", addr,
				"manufacturer", res.Manufacturer, "model", res.Model, "classification", rec.Classification)
		}
	}
	rec.IsVirtual = rec.Classification == classify.Virtual
	rec.Timestamp = s.now().UTC()

	if rec.IsOnline {
		s.logger.DebugContext(ctx, "Host online", "host", addr,
			"icmp", rec.ICMP, "smb", rec.SMB, "rdp", rec.RDP, "winrm", rec.RemoteMgmt)
	}
	return rec
}
