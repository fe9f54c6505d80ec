// Package store persists scan records and host outcomes per run, in SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/nmslite/fleetinv/internal/batch"
	"github.com/nmslite/fleetinv/internal/classify"
	"github.com/nmslite/fleetinv/internal/config"
	"github.com/nmslite/fleetinv/internal/inventory"
	"github.com/nmslite/fleetinv/internal/scanner"
)

const timeFormat = time.RFC3339Nano

// gooseMu serialises migrations; goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

var (
	_ scanner.RecordSink = (*Store)(nil)
	_ batch.OutcomeSink  = (*Store)(nil)
)

// Store is the run history. One Store writes under one run ID.
type Store struct {
	db      *sql.DB
	dialect string
	runID   uuid.UUID
	seq     atomic.Int64
	logger  *slog.Logger
}

// Open connects, migrates and starts a new run. cfg.Driver is "sqlite" or "postgres".
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var driverName, dialect string
	switch cfg.Driver {
	case "sqlite":
		driverName, dialect = "sqlite", "sqlite3"
	case "postgres":
		driverName, dialect = "pgx", "postgres"
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if cfg.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}
	if err := migrate(db, dialect); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, dialect: dialect, runID: uuid.New(), logger: logger.With("component", "store")}
	s.logger.Debug("Run history store ready", "driver", cfg.Driver, "run_id", s.runID)
	return s, nil
}

func migrate(db *sql.DB, dialect string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(EmbeddedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	return nil
}

func (s *Store) RunID() uuid.UUID { return s.runID }

func (s *Store) Close() error { return s.db.Close() }

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append stores one scan record; a second record for the same address in this run fails.
func (s *Store) Append(ctx context.Context, r scanner.Record) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO scan_records (run_id, ip_address, is_online, icmp_response, smb_response,
			rdp_response, winrm_response, is_virtual, classification, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.runID.String(), r.Address, r.IsOnline, r.ICMP, r.SMB, r.RDP, r.RemoteMgmt, r.IsVirtual,
		r.Classification.String(), r.Timestamp.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to store scan record for %s: %w", r.Address, err)
	}
	return nil
}

// RecordOutcome stores one host outcome in completion order.
func (s *Store) RecordOutcome(ctx context.Context, o inventory.HostOutcome) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO host_outcomes (run_id, seq, ip_address, status, error_message, error_kind,
			result_file, attempts, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.runID.String(), s.seq.Add(1), o.Address, string(o.Status), o.ErrorMessage, o.ErrorKind,
		o.ResultFile, o.Attempts, o.StartedAt.UTC().Format(timeFormat), o.FinishedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to store outcome for %s: %w", o.Address, err)
	}
	return nil
}

// ScanRecords lists runID's records ordered by address text.
func (s *Store) ScanRecords(ctx context.Context, runID uuid.UUID) ([]scanner.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT ip_address, is_online, icmp_response, smb_response, rdp_response, winrm_response,
			is_virtual, classification, scanned_at
		FROM scan_records WHERE run_id = ? ORDER BY ip_address`), runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query scan records: %w", err)
	}
	defer rows.Close()

	var out []scanner.Record
	for rows.Next() {
		var r scanner.Record
		var class, scanned string
		if err := rows.Scan(&r.Address, &r.IsOnline, &r.ICMP, &r.SMB, &r.RDP, &r.RemoteMgmt,
			&r.IsVirtual, &class, &scanned); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		if r.Classification, err = classify.ParseClassification(class); err != nil {
			return nil, err
		}
		if r.Timestamp, err = time.Parse(timeFormat, scanned); err != nil {
			return nil, fmt.Errorf("bad scanned_at for %s: %w", r.Address, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Outcomes lists runID's outcomes in completion order.
func (s *Store) Outcomes(ctx context.Context, runID uuid.UUID) ([]inventory.HostOutcome, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT ip_address, status, error_message, error_kind, result_file, attempts, started_at, finished_at
		FROM host_outcomes WHERE run_id = ? ORDER BY seq`), runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []inventory.HostOutcome
	for rows.Next() {
		var o inventory.HostOutcome
		var status, started, finished string
		if err := rows.Scan(&o.Address, &status, &o.ErrorMessage, &o.ErrorKind, &o.ResultFile,
			&o.Attempts, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		o.Status = inventory.Status(status)
		if o.StartedAt, err = time.Parse(timeFormat, started); err != nil {
			return nil, fmt.Errorf("bad started_at for %s: %w", o.Address, err)
		}
		if o.FinishedAt, err = time.Parse(timeFormat, finished); err != nil {
			return nil, fmt.Errorf("bad finished_at for %s: %w", o.Address, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
