package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgallion1/bookgest/internal/checkpoint"
	"github.com/dgallion1/bookgest/internal/chunker"
	"github.com/dgallion1/bookgest/internal/doctree"
	"github.com/dgallion1/bookgest/internal/document"
	"github.com/dgallion1/bookgest/internal/home"
	"github.com/dgallion1/bookgest/internal/index"
	"github.com/dgallion1/bookgest/internal/progress"
	"github.com/dgallion1/bookgest/internal/toc"
	"github.com/dgallion1/bookgest/internal/vectorstore"
)

// ErrNoOutline means the document has no usable table of contents to chunk
// against.
var ErrNoOutline = errors.New("document has no usable table of contents")

// Embedder turns text into embedding vectors. An empty result is not an error.
type Embedder interface {
	Embed(ctx context.Context, input string) ([][]float32, error)
}

// Settings tune an Ingestor.
type Settings struct {
	Chunk      chunker.Config
	Index      index.Options
	BatchSize  int
	Collection string
	Document   document.Options
}

// Request identifies a document to ingest.
type Request struct {
	Filename string `json:"filename"`
	Resume   bool   `json:"resume"`
}

// Result summarizes a completed run.
type Result struct {
	Document       string   `json:"document"`
	Pages          int      `json:"pages"`
	PagesProcessed int      `json:"pages_processed"`
	Chapters       int      `json:"chapters"`
	Resumed        bool     `json:"resumed"`
	ChunksResumed  int      `json:"chunks_resumed"`
	ChunksSkipped  int      `json:"chunks_skipped"`
	RecordsAdded   int      `json:"records_added"`
	TotalRecords   int      `json:"total_records"`
	PageErrors     []string `json:"page_errors,omitempty"`
}

// Ingestor runs the chunk, summarize, embed and commit loop for one document
// at a time. Runs against the same document must not overlap; Orchestrator
// enforces that.
type Ingestor struct {
	dir      *home.Dir
	embedder Embedder
	gen      index.Generator
	settings Settings
	tracer   trace.Tracer
	log      *slog.Logger
}

// NewIngestor creates an Ingestor. gen may be nil to disable summarization.
func NewIngestor(dir *home.Dir, embedder Embedder, gen index.Generator, settings Settings, log *slog.Logger) *Ingestor {
	if settings.Collection == "" {
		settings.Collection = "embeddings"
	}
	return &Ingestor{
		dir:      dir,
		embedder: embedder,
		gen:      gen,
		settings: settings,
		tracer:   otel.Tracer("github.com/dgallion1/bookgest/internal/pipeline"),
		log:      log.With("component", "ingestor"),
	}
}

// Home returns the directory layout the ingestor reads and writes.
func (in *Ingestor) Home() *home.Dir { return in.dir }

// Chapters opens the named source document and resolves its chapter ranges.
func (in *Ingestor) Chapters(filename string) ([]doctree.ChapterRange, error) {
	doc, ranges, err := in.open(filename)
	if err != nil {
		return nil, err
	}
	doc.Close()
	return ranges, nil
}

func (in *Ingestor) open(filename string) (document.Document, []doctree.ChapterRange, error) {
	path := in.dir.SourcePath(filename)
	doc, err := document.Open(path, in.settings.Document)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", home.SanitizeFilename(filename), err)
	}
	outline, err := doc.Outline()
	if err != nil {
		doc.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrNoOutline, err)
	}
	ranges := toc.Resolve(outline, doc.PageCount())
	if len(ranges) == 0 {
		doc.Close()
		return nil, nil, ErrNoOutline
	}
	return doc, ranges, nil
}

// Run ingests one document. Recoverable failures (summarization, empty or
// failed embeddings, index and checkpoint writes) are logged and the run
// continues; Run returns an error only when the document cannot be opened,
// has no outline, the collection cannot be written, or ctx is done.
func (in *Ingestor) Run(ctx context.Context, req Request, emit progress.Func) (res Result, err error) {
	name := home.SanitizeFilename(req.Filename)
	log := in.log.With("document", name)
	res.Document = name

	ctx, span := in.tracer.Start(ctx, "pipeline.ingest",
		trace.WithAttributes(attribute.String("document", name), attribute.Bool("resume", req.Resume)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	doc, ranges, err := in.open(name)
	if err != nil {
		return res, err
	}
	defer doc.Close()
	res.Pages = doc.PageCount()
	res.Chapters = len(ranges)

	if _, err := in.dir.EnsureOutput(name); err != nil {
		return res, err
	}
	cpm := checkpoint.New(in.dir.CheckpointPath(name), log)
	builder := index.NewBuilder(name, ranges, in.gen, in.settings.Index, log)

	store, err := vectorstore.Open(in.dir.CollectionPath(name), in.settings.Collection, log)
	if err != nil {
		return res, err
	}
	defer store.Close()

	var cp checkpoint.Checkpoint
	if req.Resume {
		cp, res.Resumed = cpm.Load()
		if !res.Resumed {
			log.Info("no checkpoint found, starting a fresh run")
		}
	}
	if res.Resumed {
		if _, err := builder.LoadJSON(in.dir.IndexJSONPath(name)); err != nil {
			log.Warn("index reload failed, continuing with an empty index", "error", err)
		}
		// Records past the checkpoint come from a batch whose checkpoint was
		// never saved; they are re-embedded below.
		if _, err := store.DeleteFrom(ctx, int64(cp.RecordCount)); err != nil {
			return res, err
		}
		log.Info("resuming", "page", cp.Page, "segment", cp.Segment, "records", cp.RecordCount)
	} else {
		if err := cpm.Clear(); err != nil {
			log.Warn("checkpoint clear failed", "error", err)
		}
		if err := store.Reset(ctx); err != nil {
			return res, err
		}
	}
	span.SetAttributes(attribute.Int("pages", res.Pages), attribute.Int("chapters", res.Chapters), attribute.Bool("resumed", res.Resumed))

	writer := NewBatchWriter(store, builder, cpm,
		in.dir.IndexJSONPath(name), in.dir.IndexTextPath(name),
		in.settings.BatchSize, cp.RecordCount, in.tracer, log)

	from := 0
	if res.Resumed {
		from = cp.Page
	}
	resumeAt := cp.Position()

	for page, perr := range chunker.PagesFrom(ctx, doc, ranges, in.settings.Chunk, from) {
		if perr != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			log.Warn("page extraction failed", "page", page.Index, "error", perr)
			res.PageErrors = append(res.PageErrors, perr.Error())
			emit.Emit(progress.Progress{Page: page.Index + 1, Total: page.Total})
			continue
		}
		for _, c := range page.Chunks {
			if res.Resumed && !c.Position().After(resumeAt) {
				res.ChunksResumed++
				continue
			}
			if err := in.process(ctx, c, builder, writer, &res, log); err != nil {
				return res, err
			}
		}
		res.PagesProcessed++
		emit.Emit(progress.Progress{Page: page.Index + 1, Total: page.Total})
	}

	if err := writer.Flush(ctx); err != nil {
		return res, err
	}
	writer.WriteIndex()
	if err := cpm.Clear(); err != nil {
		log.Warn("checkpoint clear failed", "error", err)
	}
	res.TotalRecords = writer.Committed()
	log.Info("ingestion complete",
		"pages", res.PagesProcessed, "records_added", res.RecordsAdded,
		"total_records", res.TotalRecords, "skipped", res.ChunksSkipped)
	emit.Emit(progress.Done{})
	return res, nil
}

// process summarizes and embeds one chunk and hands it to the writer.
func (in *Ingestor) process(ctx context.Context, c doctree.Chunk, builder *index.Builder, writer *BatchWriter, res *Result, log *slog.Logger) error {
	summary, topics := builder.Summarize(ctx, c.Text)
	builder.AddSegment(c.ChapterIndex, summary, topics)

	vectors, err := in.embedder.Embed(ctx, c.Text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("embedding failed, skipping chunk", "page", c.Page, "segment", c.Seq, "error", err)
		res.ChunksSkipped++
		return nil
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		log.Warn("empty embedding, skipping chunk", "page", c.Page, "segment", c.Seq)
		res.ChunksSkipped++
		return nil
	}
	if err := writer.Add(ctx, c, vectors[0]); err != nil {
		return err
	}
	res.RecordsAdded++
	return nil
}

// RemoveArtifacts deletes the output folder of a document.
func (in *Ingestor) RemoveArtifacts(filename string) error {
	if !in.dir.OutputExists(filename) {
		return os.ErrNotExist
	}
	return in.dir.RemoveOutput(filename)
}
