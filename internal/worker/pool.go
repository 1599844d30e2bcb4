package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// spawnWorkerPool starts one polling loop per unit of concurrency
func (w *Worker) spawnWorkerPool(ctx context.Context, g *errgroup.Group) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		name := fmt.Sprintf("%s-%d", w.workerID, i)
		g.Go(func() error {
			w.workerLoop(ctx, name)
			return nil
		})
	}
}

// workerLoop polls until ctx is canceled. Store errors never end the loop;
// they are followed by a jittered backoff sleep.
func (w *Worker) workerLoop(ctx context.Context, name string) {
	log := w.logger.With(slog.String("worker_name", name))
	log.Info("Worker goroutine started")

	failures := 0
	for ctx.Err() == nil {
		var (
			processed bool
			err       error
		)
		if w.window.Contains(w.clock()) {
			var n int
			n, err = w.drain(ctx, log)
			processed = n > 0
			if err == nil && !processed {
				processed, err = w.pollOnce(ctx, log)
			}
		} else {
			processed, err = w.pollOnce(ctx, log)
		}

		if ctx.Err() != nil {
			break
		}
		if err != nil {
			failures++
			delay := w.backoff.Duration(failures)
			log.Error("Queue operation failed, backing off",
				slog.Int("attempt", failures),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			sleepContext(ctx, delay)
			continue
		}

		failures = 0
		if !processed {
			sleepContext(ctx, w.idleSleep)
		}
	}

	log.Info("Worker goroutine stopping - context canceled")
}

// pollOnce waits up to the poll timeout for a single job and processes it.
func (w *Worker) pollOnce(ctx context.Context, log *slog.Logger) (bool, error) {
	job, err := w.queue.DequeueAny(ctx, w.jobTypes, w.pollTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		w.metrics.storeError(ctx, "dequeue")
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.processJob(ctx, job, log)
}

// drain processes jobs back to back without blocking until the queues are
// empty, the batch window closes or ctx is canceled.
func (w *Worker) drain(ctx context.Context, log *slog.Logger) (int, error) {
	processed := 0
	for ctx.Err() == nil && w.window.Contains(w.clock()) {
		job, err := w.queue.DequeueAny(ctx, w.jobTypes, 0)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.metrics.storeError(ctx, "dequeue")
			return processed, err
		}
		if job == nil {
			break
		}
		if err := w.processJob(ctx, job, log); err != nil {
			return processed + 1, err
		}
		processed++
	}

	if processed > 0 {
		log.Info("Batch window drain finished", slog.Int("processed", processed))
	}
	return processed, nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
