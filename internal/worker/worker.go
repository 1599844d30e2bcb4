// Package worker drains the job queue with a pool of polling loops, runs
// each job through its executor under a deadline and reports the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobgate/internal/queue"
)

// JobQueue is the part of the queue the worker loop drives.
type JobQueue interface {
	DequeueAny(ctx context.Context, jobTypes []string, timeout time.Duration) (*queue.Job, error)
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id, errMsg string, shouldRetry bool) (queue.Status, error)
}

// SlotReleaser returns a requester's concurrency slot.
type SlotReleaser interface {
	ReleaseConcurrent(ctx context.Context, userID string) error
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Queue       JobQueue
	Executors   *Registry
	Slots       SlotReleaser // optional
	Notifier    Notifier     // optional
	Metrics     *Metrics     // optional
	Maintenance *Maintenance // optional
	BatchWindow *BatchWindow // optional
	Clock       func() time.Time

	WorkerID    string
	Concurrency int
	JobTypes    []string // defaults to the registered executors
	JobTimeout  time.Duration
	PollTimeout time.Duration
	IdleSleep   time.Duration
	Backoff     Backoff
}

// Worker represents the background job worker
type Worker struct {
	logger      *slog.Logger
	queue       JobQueue
	executors   *Registry
	slots       SlotReleaser
	notifier    Notifier
	metrics     *Metrics
	maintenance *Maintenance
	window      *BatchWindow
	clock       func() time.Time

	workerID    string
	concurrency int
	jobTypes    []string
	jobTimeout  time.Duration
	pollTimeout time.Duration
	idleSleep   time.Duration
	backoff     Backoff
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, errors.New("worker: queue is required")
	}
	if cfg.Executors == nil {
		return nil, errors.New("worker: executor registry is required")
	}

	w := &Worker{
		logger:      cfg.Logger,
		queue:       cfg.Queue,
		executors:   cfg.Executors,
		slots:       cfg.Slots,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		maintenance: cfg.Maintenance,
		window:      cfg.BatchWindow,
		clock:       cfg.Clock,
		workerID:    cfg.WorkerID,
		concurrency: cfg.Concurrency,
		jobTypes:    cfg.JobTypes,
		jobTimeout:  cfg.JobTimeout,
		pollTimeout: cfg.PollTimeout,
		idleSleep:   cfg.IdleSleep,
		backoff:     cfg.Backoff,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.clock == nil {
		w.clock = time.Now
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if len(w.jobTypes) == 0 {
		w.jobTypes = w.executors.Types()
	}
	if len(w.jobTypes) == 0 {
		return nil, errors.New("worker: no job types to consume")
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 5 * time.Minute
	}
	if w.workerID == "" {
		w.workerID = "worker"
	}
	for _, t := range w.jobTypes {
		if _, err := w.executors.Lookup(t); err != nil {
			w.logger.Warn("Consuming job type without executor, its jobs will fail",
				slog.String("job_type", t),
			)
		}
	}
	return w, nil
}

// Run starts the worker pool and the maintenance loop and blocks until ctx
// is canceled and every loop has finished its current job.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Any("job_types", w.jobTypes),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Bool("batch_window", w.window != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	w.spawnWorkerPool(gctx, g)
	if w.maintenance != nil {
		g.Go(func() error {
			w.maintenance.Run(gctx)
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	if err != nil {
		return fmt.Errorf("worker pool failed: %w", err)
	}
	return nil
}
