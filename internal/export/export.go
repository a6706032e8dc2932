// Package export writes point-in-time fleet snapshots to JSON files.
//
// Each export is one document: engine counters, the full per-account state,
// and the fleet-wide exposure table. Writes use atomic file replacement
// (write to .tmp, then rename) so a crash mid-export never leaves a
// half-written file behind.
package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mt5-monitor/internal/monitor"
)

// Document is the on-disk export shape.
type Document struct {
	Timestamp time.Time                         `json:"timestamp"`
	Stats     monitor.Stats                     `json:"stats"`
	Accounts  map[string]monitor.FullSnapshot   `json:"accounts"`
	Exposure  map[string]monitor.SymbolExposure `json:"exposure"`
	Summary   monitor.FleetSummary              `json:"summary"`
}

// Sink writes snapshot documents into a directory. All operations are
// mutex-protected to keep concurrent exports from clobbering each other.
type Sink struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// Open creates a sink backed by the given directory.
func Open(dir string, logger *slog.Logger) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &Sink{dir: dir, logger: logger.With("component", "export")}, nil
}

// Write captures the engine's current state into the named file inside the
// sink directory and returns the full path. An empty name derives one from
// the timestamp.
func (s *Sink) Write(name string, engine *monitor.Engine) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if name == "" {
		name = "monitor_" + now.Format("20060102_150405") + ".json"
	}

	doc := Document{
		Timestamp: now,
		Stats:     engine.Stats(),
		Accounts:  engine.SnapshotAll(),
		Exposure:  engine.ExposureBySymbol(),
		Summary:   engine.FleetSummary(),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalize export: %w", err)
	}

	s.logger.Info("snapshot exported", "path", path, "accounts", len(doc.Accounts))
	return path, nil
}

// Read loads an export document back from disk.
func (s *Sink) Read(name string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal export: %w", err)
	}
	return &doc, nil
}
