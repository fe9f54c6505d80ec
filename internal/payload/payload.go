// Package payload inspects the local probe payload directory before a batch pushes it.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nmslite/fleetinv/internal/faults"
)

// ManifestFile is the optional descriptor at the payload root.
const ManifestFile = "manifest.json"

// Manifest represents manifest.json structure
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	EntryPoint  string `json:"entry_point"`
}

// Payload summarises a payload directory.
type Payload struct {
	Dir        string
	EntryPoint string
	Files      int
	Bytes      int64
	HasEntry   bool
	Manifest   *Manifest
}

// Inspect walks dir and reports what a push would copy. A missing or unreadable directory is a
// config error; a missing entry point or a bad manifest is only logged, since each host
// reports the missing entry point on its own.
func Inspect(dir, entryPoint string, logger *slog.Logger) (*Payload, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, faults.New(faults.KindConfig, "", "inspect payload", fmt.Errorf("failed to read payload directory: %w", err))
	}
	if !info.IsDir() {
		return nil, faults.Errorf(faults.KindConfig, "", "inspect payload", "payload path %s is not a directory", dir)
	}

	p := &Payload{Dir: dir, EntryPoint: entryPoint}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		p.Files++
		p.Bytes += fi.Size()
		return nil
	})
	if err != nil {
		return nil, faults.New(faults.KindConfig, "", "inspect payload", fmt.Errorf("failed to walk payload directory: %w", err))
	}

	if _, err := os.Stat(filepath.Join(dir, entryPoint)); err == nil {
		p.HasEntry = true
	} else {
		logger.Warn("Entry point not found in payload", "payload", dir, "entry_point", entryPoint)
	}

	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		logger.Warn("Failed to read manifest", "payload", dir, "error", err)
	default:
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Warn("Failed to parse manifest", "payload", dir, "error", err)
			break
		}
		p.Manifest = &m
		if m.EntryPoint != "" && m.EntryPoint != entryPoint {
			logger.Warn("Manifest entry point differs from configuration",
				"manifest", m.EntryPoint, "configured", entryPoint)
		}
	}

	args := []any{"payload", dir, "files", p.Files, "bytes", p.Bytes, "entry_point", entryPoint}
	if p.Manifest != nil {
		args = append(args, "name", p.Manifest.Name, "version", p.Manifest.Version)
	}
	logger.Info("Loaded payload", args...)
	return p, nil
}
