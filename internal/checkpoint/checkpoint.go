// Package checkpoint persists the position of the last committed batch so an
// interrupted ingestion can resume without re-embedding.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/dgallion1/bookgest/internal/doctree"
	"github.com/dgallion1/bookgest/internal/home"
)

// Checkpoint is the position of the last record in the most recently flushed
// batch.
type Checkpoint struct {
	Page         int `json:"page"`
	Segment      int `json:"segment"`
	ChapterIndex int `json:"chapter_index"`
	RecordCount  int `json:"record_count"`
}

// Position returns the (page, segment) position of the checkpoint.
func (c Checkpoint) Position() doctree.Position {
	return doctree.Position{Page: c.Page, Segment: c.Segment}
}

// Manager owns one checkpoint file. It assumes a single writer.
type Manager struct {
	path string
	log  *slog.Logger
}

// New creates a Manager for the checkpoint at path.
func New(path string, log *slog.Logger) *Manager {
	return &Manager{path: path, log: log.With("component", "checkpoint")}
}

// Path returns the checkpoint file path.
func (m *Manager) Path() string { return m.path }

// Load returns the persisted checkpoint. A missing or unreadable file reports
// false; corruption is logged, never returned.
func (m *Manager) Load() (Checkpoint, bool) {
	var cp Checkpoint
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cp, false
	}
	if err != nil {
		m.log.Warn("failed to read checkpoint", "path", m.path, "error", err)
		return cp, false
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		m.log.Warn("ignoring corrupt checkpoint", "path", m.path, "error", err)
		return Checkpoint{}, false
	}
	if cp.Page < 0 || cp.Segment < 0 || cp.RecordCount < 0 {
		m.log.Warn("ignoring invalid checkpoint", "path", m.path, "page", cp.Page, "segment", cp.Segment)
		return Checkpoint{}, false
	}
	return cp, true
}

// Save overwrites the checkpoint.
func (m *Manager) Save(cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := home.WriteFileAtomic(m.path, data, 0o644); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint. A missing file is not an error.
func (m *Manager) Clear() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
