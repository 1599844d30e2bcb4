package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobgate/internal/queue"
)

// processJob runs one dequeued job and reports its outcome. Shutdown does
// not cancel a job in flight; only the job deadline does. The returned error
// is a store failure while reporting.
func (w *Worker) processJob(ctx context.Context, job *queue.Job, log *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	log = log.With(slog.String("job_id", job.ID), slog.String("job_type", job.Type))
	log.Info("Processing job", slog.Int("retry_count", job.RetryCount))

	w.metrics.started(ctx, job.Type)
	start := time.Now()
	result, execErr := w.executeJob(ctx, job)
	elapsed := time.Since(start)

	status, err := w.reportOutcome(ctx, job, result, execErr, log)
	outcome := string(status)
	if outcome == "" {
		outcome = "unreported"
	}
	w.metrics.finished(ctx, job.Type, outcome, elapsed, errors.Is(execErr, ErrJobTimeout))
	return err
}

// executeJob invokes the executor for the job type under the job deadline.
// Panics are converted to errors.
func (w *Worker) executeJob(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	exec, err := w.executors.Lookup(job.Type)
	if err != nil {
		return nil, err
	}
	if len(job.Data) > 0 && !json.Valid(job.Data) {
		return nil, fmt.Errorf("%w: job %s", ErrInvalidPayload, job.ID)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		res, err := exec.Execute(jobCtx, job)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrJobTimeout, w.jobTimeout, o.err)
		}
		return o.result, o.err
	case <-jobCtx.Done():
		// the executor goroutine may keep running; its result is dropped
		return nil, fmt.Errorf("%w after %s", ErrJobTimeout, w.jobTimeout)
	}
}

// reportOutcome writes the result to the queue and, for terminal outcomes,
// releases the concurrency slot and publishes the event.
func (w *Worker) reportOutcome(ctx context.Context, job *queue.Job, result json.RawMessage, execErr error, log *slog.Logger) (queue.Status, error) {
	retryCount := job.RetryCount

	var status queue.Status
	if execErr == nil {
		if err := w.queue.MarkCompleted(ctx, job.ID, result); err != nil {
			return "", w.reportError(ctx, "mark_completed", job, err, log)
		}
		status = queue.StatusCompleted
		log.Info("Job completed successfully")
	} else {
		retry := shouldRetry(execErr)
		log.Warn("Job execution failed",
			slog.Bool("retry", retry),
			slog.Any("error", execErr),
		)
		s, err := w.queue.MarkFailed(ctx, job.ID, execErr.Error(), retry)
		if err != nil {
			return "", w.reportError(ctx, "mark_failed", job, err, log)
		}
		status = s
		if retry && retryCount < job.MaxRetries {
			retryCount++
		}
	}

	if status.Terminal() {
		w.finalize(ctx, job, status, retryCount, result, execErr, log)
	}
	return status, nil
}

// reportError drops outcomes the queue refuses and surfaces store failures.
// An unreported job stays in processing until the stale sweep recovers it.
func (w *Worker) reportError(ctx context.Context, op string, job *queue.Job, err error, log *slog.Logger) error {
	if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrJobNotFound) {
		log.Warn("Outcome discarded", slog.String("operation", op), slog.Any("error", err))
		return nil
	}
	w.metrics.storeError(ctx, op)
	log.Error("Failed to report job outcome", slog.String("operation", op), slog.Any("error", err))
	return fmt.Errorf("failed to report outcome of job %s: %w", job.ID, err)
}

func (w *Worker) finalize(ctx context.Context, job *queue.Job, status queue.Status, retryCount int, result json.RawMessage, execErr error, log *slog.Logger) {
	if w.slots != nil && job.UserID != "" {
		if err := w.slots.ReleaseConcurrent(ctx, job.UserID); err != nil {
			log.Error("Failed to release concurrency slot",
				slog.String("user_id", job.UserID),
				slog.Any("error", err),
			)
		}
	}

	if w.notifier == nil {
		return
	}
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}
	final := *job
	final.RetryCount = retryCount
	if err := w.notifier.Notify(ctx, newEvent(&final, status, result, errMsg, w.clock().UTC())); err != nil {
		log.Warn("Failed to publish outcome event", slog.Any("error", err))
	}
}
