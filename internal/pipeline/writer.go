package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgallion1/bookgest/internal/checkpoint"
	"github.com/dgallion1/bookgest/internal/doctree"
	"github.com/dgallion1/bookgest/internal/index"
	"github.com/dgallion1/bookgest/internal/vectorstore"
)

type pending struct {
	record vectorstore.Record
	pos    doctree.Position
	chap   int
}

// BatchWriter buffers embedded chunks and commits them in batches. A commit
// writes the collection first, then both index files, then the checkpoint,
// so a checkpoint never references records that were not stored.
type BatchWriter struct {
	store     *vectorstore.Store
	index     *index.Builder
	cp        *checkpoint.Manager
	indexJSON string
	indexText string
	size      int
	tracer    trace.Tracer
	log       *slog.Logger

	buf       []pending
	committed int
	nextID    int64
}

// NewBatchWriter creates a writer whose record ids and checkpoint counts
// continue from committed.
func NewBatchWriter(store *vectorstore.Store, idx *index.Builder, cp *checkpoint.Manager, indexJSON, indexText string, size, committed int, tracer trace.Tracer, log *slog.Logger) *BatchWriter {
	if size <= 0 {
		size = 1024
	}
	return &BatchWriter{
		store:     store,
		index:     idx,
		cp:        cp,
		indexJSON: indexJSON,
		indexText: indexText,
		size:      size,
		tracer:    tracer,
		log:       log,
		buf:       make([]pending, 0, min(size, 4096)),
		committed: committed,
		nextID:    int64(committed),
	}
}

// Add buffers one embedded chunk and flushes when the batch is full.
func (w *BatchWriter) Add(ctx context.Context, c doctree.Chunk, vector []float32) error {
	w.buf = append(w.buf, pending{
		record: vectorstore.Record{
			ID:       w.nextID,
			Vector:   vector,
			Metadata: vectorstore.Metadata{Level: c.Level, Title: c.Title, Page: c.Page},
			Document: c.Text,
		},
		pos:  c.Position(),
		chap: c.ChapterIndex,
	})
	w.nextID++
	if len(w.buf) >= w.size {
		return w.Flush(ctx)
	}
	return nil
}

// Flush commits the buffer. Only the collection write can fail the flush;
// index and checkpoint write failures are logged.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	ctx, span := w.tracer.Start(ctx, "pipeline.flush", trace.WithAttributes(attribute.Int("records", len(w.buf))))
	defer span.End()

	records := make([]vectorstore.Record, len(w.buf))
	for i, p := range w.buf {
		records[i] = p.record
	}
	if err := w.store.Add(ctx, records); err != nil {
		span.RecordError(err)
		return fmt.Errorf("flush batch: %w", err)
	}
	w.committed += len(records)

	w.WriteIndex()

	last := w.buf[len(w.buf)-1]
	cp := checkpoint.Checkpoint{
		Page:         last.pos.Page,
		Segment:      last.pos.Segment,
		ChapterIndex: last.chap,
		RecordCount:  w.committed,
	}
	if err := w.cp.Save(cp); err != nil {
		w.log.Warn("checkpoint save failed", "error", err)
	}
	w.log.Debug("batch flushed", "records", len(records), "committed", w.committed, "page", cp.Page, "segment", cp.Segment)
	w.buf = w.buf[:0]
	return nil
}

// WriteIndex persists both index formats, logging failures.
func (w *BatchWriter) WriteIndex() {
	if err := w.index.WriteJSON(w.indexJSON); err != nil {
		w.log.Warn("index json write failed", "error", err)
	}
	if err := w.index.WriteText(w.indexText); err != nil {
		w.log.Warn("index text write failed", "error", err)
	}
}

// Buffered returns the number of records awaiting a flush.
func (w *BatchWriter) Buffered() int { return len(w.buf) }

// Committed returns the number of records stored in the collection,
// including those from a resumed run.
func (w *BatchWriter) Committed() int { return w.committed }
