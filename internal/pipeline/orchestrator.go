package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgallion1/bookgest/internal/home"
	"github.com/dgallion1/bookgest/internal/progress"
)

var (
	// ErrQueueFull is returned by Submit when the job queue has no room.
	ErrQueueFull = errors.New("job queue is full")

	// ErrDocumentBusy is returned when the document already has an active job.
	ErrDocumentBusy = errors.New("document is already being ingested")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("orchestrator stopped")
)

// Options configures an Orchestrator.
type Options struct {
	Workers   int
	QueueSize int
	JobTTL    time.Duration
}

// Orchestrator runs ingestion jobs on a fixed worker pool and allows at most
// one active job per document output folder.
type Orchestrator struct {
	jobs     *JobStore
	queue    chan *Job
	ingestor *Ingestor
	log      *slog.Logger
	opts     Options

	mu      sync.Mutex
	busy    map[string]string // document -> job id
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates the pipeline. Call Start to launch workers.
func NewOrchestrator(ingestor *Ingestor, opts Options, log *slog.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = time.Hour
	}
	return &Orchestrator{
		jobs:     NewJobStore(opts.JobTTL),
		queue:    make(chan *Job, opts.QueueSize),
		ingestor: ingestor,
		log:      log.With("component", "orchestrator"),
		opts:     opts,
		busy:     make(map[string]string),
	}
}

// Start launches worker goroutines.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for range o.opts.Workers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-o.queue:
					if !ok {
						return
					}
					o.process(workerCtx, job)
				}
			}
		}()
	}

	// Start job store cleanup.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				o.jobs.Cleanup()
			}
		}
	}()
}

// Stop cancels running jobs and waits for workers to exit. Queued jobs that
// never started are marked cancelled.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.queue)
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	for job := range o.queue {
		job.SetStatus(StatusCancelled, "shutdown")
		o.release(job)
	}
}

// Submit queues an ingestion and returns its job.
func (o *Orchestrator) Submit(req Request) (*Job, error) {
	job, err := o.acquire(req)
	if err != nil {
		return nil, err
	}
	o.jobs.Put(job)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		o.releaseLocked(job)
		job.SetStatus(StatusFailed, "stopped")
		return nil, ErrStopped
	}
	select {
	case o.queue <- job:
		o.log.Info("job queued", "job_id", job.ID, "document", job.Document)
		return job, nil
	default:
		o.releaseLocked(job)
		job.SetStatus(StatusFailed, "queue_full")
		return nil, fmt.Errorf("%w (%d)", ErrQueueFull, o.opts.QueueSize)
	}
}

// RunSync runs an ingestion on the calling goroutine, forwarding progress
// events to emit. The job is tracked like a queued one.
func (o *Orchestrator) RunSync(ctx context.Context, req Request, emit progress.Func) (*Job, Result, error) {
	job, err := o.acquire(req)
	if err != nil {
		return nil, Result{}, err
	}
	o.jobs.Put(job)
	res, err := o.run(ctx, job, emit)
	return job, res, err
}

func (o *Orchestrator) process(ctx context.Context, job *Job) {
	o.run(ctx, job, nil)
}

func (o *Orchestrator) run(ctx context.Context, job *Job, emit progress.Func) (Result, error) {
	defer o.release(job)
	log := o.log.With("job_id", job.ID, "document", job.Document)

	job.SetStatus(StatusRunning, "ingesting")
	res, err := o.ingestor.Run(ctx, job.Request, func(ev progress.Event) {
		job.Observe(ev)
		emit.Emit(ev)
	})
	job.SetResult(res)
	for _, e := range res.PageErrors {
		job.AddError(e)
	}
	switch {
	case err == nil:
		job.SetStatus(StatusCompleted, "done")
		log.Info("job completed", "records_added", res.RecordsAdded)
	case errors.Is(err, context.Canceled):
		job.AddError(err.Error())
		job.SetStatus(StatusCancelled, "cancelled")
		log.Warn("job cancelled")
	default:
		job.AddError(err.Error())
		job.SetStatus(StatusFailed, "failed")
		log.Error("job failed", "error", err)
	}
	return res, err
}

func documentKey(filename string) string {
	return home.StripExtension(home.SanitizeFilename(filename))
}

func (o *Orchestrator) acquire(req Request) (*Job, error) {
	key := documentKey(req.Filename)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, ErrStopped
	}
	if id, ok := o.busy[key]; ok {
		return nil, fmt.Errorf("%w: job %s", ErrDocumentBusy, id)
	}
	job := NewJob(home.SanitizeFilename(req.Filename), req)
	o.busy[key] = job.ID
	return job, nil
}

func (o *Orchestrator) release(job *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.releaseLocked(job)
}

func (o *Orchestrator) releaseLocked(job *Job) {
	key := documentKey(job.Document)
	if o.busy[key] == job.ID {
		delete(o.busy, key)
	}
}

// Busy reports whether a document has an active or queued job.
func (o *Orchestrator) Busy(filename string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.busy[documentKey(filename)]
	return ok
}

// RemoveArtifacts deletes a document's output folder unless a job holds it.
func (o *Orchestrator) RemoveArtifacts(filename string) error {
	key := documentKey(filename)
	o.mu.Lock()
	if id, ok := o.busy[key]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: job %s", ErrDocumentBusy, id)
	}
	o.busy[key] = "delete"
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.busy, key)
		o.mu.Unlock()
	}()
	return o.ingestor.RemoveArtifacts(filename)
}

// GetJob returns a job by ID.
func (o *Orchestrator) GetJob(id string) *Job {
	return o.jobs.Get(id)
}

// QueueDepth returns current queue depth.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// Ingestor returns the underlying ingestor for synchronous reads.
func (o *Orchestrator) Ingestor() *Ingestor {
	return o.ingestor
}
