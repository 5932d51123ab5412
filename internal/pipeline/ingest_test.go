package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dgallion1/bookgest/internal/checkpoint"
	"github.com/dgallion1/bookgest/internal/chunker"
	"github.com/dgallion1/bookgest/internal/home"
	"github.com/dgallion1/bookgest/internal/index"
	"github.com/dgallion1/bookgest/internal/inference"
	"github.com/dgallion1/bookgest/internal/progress"
	"github.com/dgallion1/bookgest/internal/vectorstore"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// With a 20 character limit every heading and paragraph becomes its own
// chunk: (0,0) (0,1) (1,0) (1,1) (2,0) (2,1) (2,2).
const book = `# Intro

Alpha paragraph.

## Setup

Beta paragraph.

# Usage

Gamma paragraph.

Delta paragraph.
`

type fakeEmbedder struct {
	mu     sync.Mutex
	calls  []string
	empty  map[string]bool
	failAt int // 1-based call number that fails; 0 never fails
	onFail func()
	block  chan struct{}
}

func (f *fakeEmbedder) Embed(ctx context.Context, input string) ([][]float32, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, input)
	n := len(f.calls)
	f.mu.Unlock()

	if f.failAt > 0 && n == f.failAt {
		if f.onFail != nil {
			f.onFail()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New("backend unavailable")
	}
	if f.empty[input] {
		return [][]float32{}, nil
	}
	return [][]float32{{float32(len(input)), 1}}, nil
}

func (f *fakeEmbedder) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// echoGen summarizes a segment as itself.
type echoGen struct{}

func (echoGen) Generate(_ context.Context, prompt string, _ inference.GenerateOptions) (string, error) {
	seg := prompt[strings.LastIndex(prompt, "Segment:\n")+len("Segment:\n"):]
	out, _ := json.Marshal(map[string]any{"summary": seg, "topics": []string{strings.Fields(seg)[0]}})
	return string(out), nil
}

func (echoGen) ChatModel() string { return "test-model" }

func newTestIngestor(t *testing.T, emb Embedder, batch int) *Ingestor {
	t.Helper()
	data := t.TempDir()
	if err := os.WriteFile(filepath.Join(data, "book.md"), []byte(book), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := home.New(data, t.TempDir())
	return NewIngestor(dir, emb, echoGen{}, Settings{
		Chunk:      chunker.Config{CharLimit: 20, Overlap: 5},
		BatchSize:  batch,
		Collection: "embeddings",
	}, testLog)
}

func storedRecords(t *testing.T, in *Ingestor) []vectorstore.Record {
	t.Helper()
	s, err := vectorstore.Open(in.Home().CollectionPath("book.md"), "embeddings", testLog)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	recs, err := s.Records(context.Background(), -1, 0)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	return recs
}

func TestRun_Fresh(t *testing.T) {
	emb := &fakeEmbedder{}
	in := newTestIngestor(t, emb, 3)

	var events []string
	res, err := in.Run(context.Background(), Request{Filename: "book.md"}, func(ev progress.Event) {
		events = append(events, progress.Label(ev))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantEvents := []string{"1/3", "2/3", "3/3", "done"}
	if strings.Join(events, ",") != strings.Join(wantEvents, ",") {
		t.Errorf("expected events %v, got %v", wantEvents, events)
	}
	if res.RecordsAdded != 7 || res.TotalRecords != 7 || res.Chapters != 3 || res.Resumed {
		t.Errorf("unexpected result %+v", res)
	}

	recs := storedRecords(t, in)
	if len(recs) != 7 {
		t.Fatalf("expected 7 records, got %d", len(recs))
	}
	for i, r := range recs {
		if r.ID != int64(i) {
			t.Errorf("expected id %d, got %d", i, r.ID)
		}
	}
	if recs[3].Document != "Beta paragraph." || recs[3].Metadata != (vectorstore.Metadata{Level: 2, Title: "Setup", Page: 1}) {
		t.Errorf("unexpected record 3: %+v", recs[3])
	}

	if _, err := os.Stat(in.Home().CheckpointPath("book.md")); !os.IsNotExist(err) {
		t.Error("expected checkpoint to be cleared after completion")
	}
	f, err := index.ReadFile(in.Home().IndexJSONPath("book.md"))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(f.Entries) != 2 || f.Entries[0].Children[0].Title != "Setup" {
		t.Fatalf("unexpected index shape: %+v", f.Entries)
	}
	if got := f.Entries[1].SummaryLines; len(got) != 3 || got[1] != "Gamma paragraph." {
		t.Errorf("unexpected Usage summaries %q", got)
	}
	text, err := os.ReadFile(in.Home().IndexTextPath("book.md"))
	if err != nil || !strings.HasPrefix(string(text), "Document: book.md\nIndex:\n1 Intro") {
		t.Errorf("unexpected text index %q (%v)", text, err)
	}
}

func TestRun_FreshReplacesCollection(t *testing.T) {
	in := newTestIngestor(t, &fakeEmbedder{}, 1024)
	ctx := context.Background()

	if _, err := in.Home().EnsureOutput("book.md"); err != nil {
		t.Fatal(err)
	}
	s, err := vectorstore.Open(in.Home().CollectionPath("book.md"), "embeddings", testLog)
	if err != nil {
		t.Fatal(err)
	}
	s.Add(ctx, []vectorstore.Record{{ID: 500, Vector: []float32{1}, Document: "stale"}})
	s.Close()

	for range 2 {
		if _, err := in.Run(ctx, Request{Filename: "book.md"}, nil); err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	recs := storedRecords(t, in)
	if len(recs) != 7 {
		t.Fatalf("expected only the latest run's 7 records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.Document == "stale" {
			t.Error("expected stale record to be removed")
		}
	}
}

func TestRun_ResumeSkipsCommittedChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &fakeEmbedder{failAt: 6, onFail: cancel}
	in := newTestIngestor(t, first, 2)
	if _, err := in.Run(ctx, Request{Filename: "book.md"}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	cp, ok := checkpoint.New(in.Home().CheckpointPath("book.md"), testLog).Load()
	if !ok {
		t.Fatal("expected checkpoint after interrupted run")
	}
	want := checkpoint.Checkpoint{Page: 1, Segment: 1, ChapterIndex: 1, RecordCount: 4}
	if cp != want {
		t.Fatalf("expected checkpoint %+v, got %+v", want, cp)
	}
	if n := len(storedRecords(t, in)); n != 4 {
		t.Fatalf("expected 4 committed records, got %d", n)
	}

	second := &fakeEmbedder{}
	in.embedder = second
	res, err := in.Run(context.Background(), Request{Filename: "book.md", Resume: true}, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !res.Resumed || res.RecordsAdded != 3 || res.TotalRecords != 7 {
		t.Errorf("unexpected resume result %+v", res)
	}
	wantCalls := []string{"Usage", "Gamma paragraph.", "Delta paragraph."}
	if got := second.Calls(); strings.Join(got, "|") != strings.Join(wantCalls, "|") {
		t.Errorf("expected only chunks after the checkpoint to be embedded, got %q", got)
	}

	recs := storedRecords(t, in)
	if len(recs) != 7 {
		t.Fatalf("expected 7 records, got %d", len(recs))
	}
	for i, r := range recs {
		if r.ID != int64(i) {
			t.Errorf("expected contiguous id %d, got %d", i, r.ID)
		}
	}

	f, err := index.ReadFile(in.Home().IndexJSONPath("book.md"))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Entries[0].SummaryLines; len(got) != 2 || got[1] != "Alpha paragraph." {
		t.Errorf("expected summaries from the first run to survive resume, got %q", got)
	}
}

func TestRun_ResumeTrimsRecordsPastCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := newTestIngestor(t, &fakeEmbedder{failAt: 6, onFail: cancel}, 2)
	if _, err := in.Run(ctx, Request{Filename: "book.md"}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if n := len(storedRecords(t, in)); n != 4 {
		t.Fatalf("expected 4 committed records, got %d", n)
	}

	// The second batch reached the collection but its checkpoint did not.
	cpm := checkpoint.New(in.Home().CheckpointPath("book.md"), testLog)
	if err := cpm.Save(checkpoint.Checkpoint{Page: 0, Segment: 1, ChapterIndex: 0, RecordCount: 2}); err != nil {
		t.Fatal(err)
	}

	second := &fakeEmbedder{}
	in.embedder = second
	res, err := in.Run(context.Background(), Request{Filename: "book.md", Resume: true}, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.RecordsAdded != 5 || res.TotalRecords != 7 || res.ChunksResumed != 2 {
		t.Errorf("unexpected resume result %+v", res)
	}
	if got := second.Calls(); len(got) != 5 || got[0] != "Setup" {
		t.Errorf("expected every chunk after (0,1) embedded once, got %q", got)
	}

	recs := storedRecords(t, in)
	if len(recs) != 7 {
		t.Fatalf("expected 7 records, got %d", len(recs))
	}
	for i, r := range recs {
		if r.ID != int64(i) {
			t.Errorf("expected contiguous id %d, got %d", i, r.ID)
		}
	}
	if recs[2].Document != "Setup" {
		t.Errorf("expected record 2 rewritten from the resumed run, got %q", recs[2].Document)
	}
}

func TestRun_IndexAndCheckpointWriteFailuresAreNotFatal(t *testing.T) {
	in := newTestIngestor(t, &fakeEmbedder{}, 2)
	if _, err := in.Home().EnsureOutput("book.md"); err != nil {
		t.Fatal(err)
	}
	// A non-empty directory at each path makes both the rename and the
	// removal of those files fail.
	for _, p := range []string{in.Home().IndexJSONPath("book.md"), in.Home().CheckpointPath("book.md")} {
		if err := os.MkdirAll(filepath.Join(p, "blocker"), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	var events []string
	res, err := in.Run(context.Background(), Request{Filename: "book.md"}, func(ev progress.Event) {
		events = append(events, progress.Label(ev))
	})
	if err != nil {
		t.Fatalf("expected write failures to be logged only, got %v", err)
	}
	if res.RecordsAdded != 7 || res.TotalRecords != 7 {
		t.Errorf("expected all 7 records committed, got %+v", res)
	}
	if len(storedRecords(t, in)) != 7 {
		t.Error("expected 7 stored records")
	}
	if len(events) == 0 || events[len(events)-1] != "done" {
		t.Errorf("expected the run to finish with done, got %v", events)
	}
	text, err := os.ReadFile(in.Home().IndexTextPath("book.md"))
	if err != nil || !strings.Contains(string(text), "Gamma paragraph.") {
		t.Errorf("expected the text index to still be written, got %q (%v)", text, err)
	}
	for _, p := range []string{in.Home().IndexJSONPath("book.md"), in.Home().CheckpointPath("book.md")} {
		if fi, err := os.Stat(p); err != nil || !fi.IsDir() {
			t.Errorf("expected %s to be left untouched", p)
		}
	}
}

func TestRun_ResumeWithoutCheckpointStartsFresh(t *testing.T) {
	emb := &fakeEmbedder{}
	in := newTestIngestor(t, emb, 1024)
	res, err := in.Run(context.Background(), Request{Filename: "book.md", Resume: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Resumed || res.RecordsAdded != 7 || len(emb.Calls()) != 7 {
		t.Errorf("expected a full fresh run, got %+v", res)
	}
}

func TestRun_EmptyEmbeddingSkipped(t *testing.T) {
	emb := &fakeEmbedder{empty: map[string]bool{"Beta paragraph.": true}, failAt: 2}
	in := newTestIngestor(t, emb, 1024)
	res, err := in.Run(context.Background(), Request{Filename: "book.md"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ChunksSkipped != 2 || res.RecordsAdded != 5 {
		t.Errorf("expected 2 skipped and 5 added, got %+v", res)
	}
	recs := storedRecords(t, in)
	for _, r := range recs {
		if r.Document == "Beta paragraph." || r.Document == "Alpha paragraph." {
			t.Errorf("expected %q to be skipped", r.Document)
		}
	}
	if recs[len(recs)-1].ID != 4 {
		t.Errorf("expected ids without gaps, last id %d", recs[len(recs)-1].ID)
	}
}

func TestRun_NoOutline(t *testing.T) {
	in := newTestIngestor(t, &fakeEmbedder{}, 1024)
	path := filepath.Join(in.Home().DataPath(), "flat.md")
	os.WriteFile(path, []byte("Just text.\n\nNo headings here.\n"), 0o644)

	_, err := in.Run(context.Background(), Request{Filename: "flat.md"}, nil)
	if !errors.Is(err, ErrNoOutline) {
		t.Errorf("expected ErrNoOutline, got %v", err)
	}
	if in.Home().OutputExists("flat.md") {
		t.Error("expected no output folder for a failed open")
	}
}

func TestRun_MissingDocument(t *testing.T) {
	in := newTestIngestor(t, &fakeEmbedder{}, 1024)
	if _, err := in.Run(context.Background(), Request{Filename: "missing.md"}, nil); err == nil {
		t.Error("expected error for missing document")
	}
}

func TestChapters(t *testing.T) {
	in := newTestIngestor(t, &fakeEmbedder{}, 1024)
	ranges, err := in.Chapters("book.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranges) != 3 {
		t.Fatalf("expected 3 chapters, got %d", len(ranges))
	}
	want := []string{"1 Intro 0-1", "1.1 Setup 1-1", "2 Usage 2-2"}
	for i, r := range ranges {
		got := fmt.Sprintf("%s %s %d-%d", r.Number, r.Title, r.PageStart, r.PageEnd)
		if got != want[i] {
			t.Errorf("range %d: expected %q, got %q", i, want[i], got)
		}
	}
}

func TestRemoveArtifacts(t *testing.T) {
	in := newTestIngestor(t, &fakeEmbedder{}, 1024)
	if err := in.RemoveArtifacts("book.md"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist before ingestion, got %v", err)
	}
	if _, err := in.Run(context.Background(), Request{Filename: "book.md"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := in.RemoveArtifacts("book.md"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if in.Home().OutputExists("book.md") {
		t.Error("expected output folder removed")
	}
}
