package checkpoint

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgallion1/bookgest/internal/doctree"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "embeddings_checkpoint.json"), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSaveLoad(t *testing.T) {
	m := newManager(t)
	want := Checkpoint{Page: 12, Segment: 3, ChapterIndex: 4, RecordCount: 1024}
	if err := m.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := m.Load()
	if !ok {
		t.Fatal("expected checkpoint to load")
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if got.Position() != (doctree.Position{Page: 12, Segment: 3}) {
		t.Errorf("unexpected position %+v", got.Position())
	}
}

func TestSave_Schema(t *testing.T) {
	m := newManager(t)
	if err := m.Save(Checkpoint{Page: 1, Segment: 2, ChapterIndex: 0, RecordCount: 7}); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(m.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := `{"page":1,"segment":2,"chapter_index":0,"record_count":7}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestSave_Overwrites(t *testing.T) {
	m := newManager(t)
	m.Save(Checkpoint{Page: 1})
	m.Save(Checkpoint{Page: 2, RecordCount: 5})
	got, _ := m.Load()
	if got.Page != 2 || got.RecordCount != 5 {
		t.Errorf("expected latest checkpoint, got %+v", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(m.Path()))
	if len(entries) != 1 {
		t.Errorf("expected only the checkpoint file, got %d entries", len(entries))
	}
}

func TestLoad_Missing(t *testing.T) {
	m := newManager(t)
	if _, ok := m.Load(); ok {
		t.Error("expected no checkpoint")
	}
}

func TestLoad_Corrupt(t *testing.T) {
	tests := map[string]string{
		"garbage":  "{not json",
		"wrong":    `{"page":"three"}`,
		"negative": `{"page":-1,"segment":0,"chapter_index":0,"record_count":0}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			m := newManager(t)
			if err := os.WriteFile(m.Path(), []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			cp, ok := m.Load()
			if ok {
				t.Errorf("expected corrupt checkpoint to be ignored, got %+v", cp)
			}
			if cp != (Checkpoint{}) {
				t.Errorf("expected zero checkpoint, got %+v", cp)
			}
		})
	}
}

func TestClear(t *testing.T) {
	m := newManager(t)
	m.Save(Checkpoint{Page: 3})
	if err := m.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := os.Stat(m.Path()); !os.IsNotExist(err) {
		t.Errorf("expected file removed, got %v", err)
	}
	if err := m.Clear(); err != nil {
		t.Errorf("expected clearing a missing checkpoint to succeed, got %v", err)
	}
}
