package scanner

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/nmslite/fleetinv/internal/classify"
)

// ErrDuplicateRecord is returned when an address is appended twice.
var ErrDuplicateRecord = errors.New("duplicate scan record")

// Header is the scan results file header.
var Header = []string{
	"IPAddress", "IsOnline", "ICMPResponse", "SMBResponse", "RDPResponse", "WinRMResponse",
	"IsVirtual", "Timestamp", "Classification",
}

// RecordSink receives records as they are produced. Implementations must be safe for
// concurrent use and reject a second record for the same address.
type RecordSink interface {
	Append(ctx context.Context, rec Record) error
}

// MemorySink keeps every record in append order.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	seen    map[string]bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]bool)}
}

func (m *MemorySink) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[rec.Address] {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.Address)
	}
	m.seen[rec.Address] = true
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy in append order.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

// CSVSink streams online records to a CSV file, flushing each row as it is written.
// Offline records are accepted (and deduplicated) but not written.
type CSVSink struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	seen map[string]bool
}

// NewCSVSink creates (truncating) path and writes the header.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scan results directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan results file: %w", err)
	}
	s := &CSVSink{file: f, w: csv.NewWriter(f), seen: make(map[string]bool)}
	if err := s.writeRow(Header); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *CSVSink) writeRow(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("failed to write scan record: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("failed to flush scan record: %w", err)
	}
	return nil
}

func (s *CSVSink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[rec.Address] {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.Address)
	}
	s.seen[rec.Address] = true
	if !rec.IsOnline {
		return nil
	}
	return s.writeRow(toRow(rec))
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return errors.Join(s.w.Error(), s.file.Close())
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func toRow(r Record) []string {
	return []string{
		r.Address,
		formatBool(r.IsOnline),
		formatBool(r.ICMP),
		formatBool(r.SMB),
		formatBool(r.RDP),
		formatBool(r.RemoteMgmt),
		formatBool(r.IsVirtual),
		r.Timestamp.Format(time.RFC3339),
		r.Classification.String(),
	}
}

// MultiSink fans each record out to every sink, joining their errors.
type MultiSink []RecordSink

func (m MultiSink) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadCSV reads a scan results file back. Files without the Classification column are
// accepted; their records are Virtual or NotChecked according to IsVirtual.
func LoadCSV(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scan results: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses scan records from r.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read scan results header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range Header[:8] {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("scan results missing column %q", required)
		}
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read scan results: %w", err)
		}
		rec, err := fromRow(row, col)
		if err != nil {
			return nil, fmt.Errorf("scan results line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func fromRow(row []string, col map[string]int) (Record, error) {
	field := func(name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}
	var firstErr error
	boolean := func(name string) bool {
		v, err := strconv.ParseBool(field(name))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("column %s: %w", name, err)
		}
		return v
	}

	rec := Record{
		Address:    field("IPAddress"),
		IsOnline:   boolean("IsOnline"),
		ICMP:       boolean("ICMPResponse"),
		SMB:        boolean("SMBResponse"),
		RDP:        boolean("RDPResponse"),
		RemoteMgmt: boolean("WinRMResponse"),
		IsVirtual:  boolean("IsVirtual"),
	}
	if firstErr != nil {
		return Record{}, firstErr
	}
	if rec.Address == "" {
		return Record{}, errors.New("empty IPAddress")
	}

	ts, err := time.Parse(time.RFC3339, field("Timestamp"))
	if err != nil {
		return Record{}, fmt.Errorf("column Timestamp: %w", err)
	}
	rec.Timestamp = ts

	if c := field("Classification"); c != "" {
		if rec.Classification, err = classify.ParseClassification(c); err != nil {
			return Record{}, err
		}
	} else if rec.IsVirtual {
		rec.Classification = classify.Virtual
	}
	return rec, nil
}
