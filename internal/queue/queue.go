// Package queue implements a FIFO-per-type job queue on Redis with a status
// index and per-job records. Every operation is a sequence of independent
// commands; the atomic pop is the only ownership guarantee.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultJobTTL is the lifetime of a job record after its last write.
	DefaultJobTTL = 24 * time.Hour
	// DefaultMaxRetries is used when Enqueue is given a negative budget.
	DefaultMaxRetries = 3
)

// Archiver receives terminal jobs before cleanup deletes them.
type Archiver interface {
	ArchiveJobs(ctx context.Context, jobs []*Job) error
}

// SlotReleaser gives back the admission slot of a job that leaves the queue
// without a worker finalizing it.
type SlotReleaser interface {
	ReleaseConcurrent(ctx context.Context, userID string) error
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithJobTTL sets the record lifetime.
func WithJobTTL(ttl time.Duration) Option {
	return func(q *Queue) { q.ttl = ttl }
}

// WithArchiver archives terminal jobs during cleanup.
func WithArchiver(a Archiver) Option {
	return func(q *Queue) { q.archiver = a }
}

// WithSlotReleaser releases concurrency slots of jobs failed by the stale
// sweep or dropped by ClearQueue.
func WithSlotReleaser(r SlotReleaser) Option {
	return func(q *Queue) { q.slots = r }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(gen func() string) Option {
	return func(q *Queue) { q.newID = gen }
}

// Queue is the Redis job queue.
type Queue struct {
	client   redis.Cmdable
	clock    func() time.Time
	logger   *slog.Logger
	ttl      time.Duration
	archiver Archiver
	slots    SlotReleaser
	newID    func() string
}

// New creates a Queue on top of client. The caller owns the client.
func New(client redis.Cmdable, opts ...Option) *Queue {
	q := &Queue{
		client: client,
		clock:  time.Now,
		logger: slog.Default(),
		ttl:    DefaultJobTTL,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) now() time.Time {
	return q.clock().UTC()
}

// releaseSlots gives back one slot per job. Failures are logged; the slot
// counter expires on its own.
func (q *Queue) releaseSlots(ctx context.Context, jobs []*Job) {
	if q.slots == nil {
		return
	}
	for _, job := range jobs {
		if job.UserID == "" {
			continue
		}
		if err := q.slots.ReleaseConcurrent(ctx, job.UserID); err != nil {
			q.logger.Warn("Failed to release concurrency slot",
				slog.String("job_id", job.ID),
				slog.String("user_id", job.UserID),
				slog.Any("error", err),
			)
		}
	}
}

// Enqueue writes a pending job and appends its id to the type's FIFO.
func (q *Queue) Enqueue(ctx context.Context, jobType string, owner Owner, data json.RawMessage, maxRetries int) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("%w: job type is required", ErrInvalidJob)
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	} else if !json.Valid(data) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidJob)
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	job := &Job{
		ID:         q.newID(),
		Status:     StatusPending,
		Type:       jobType,
		GroupID:    owner.GroupID,
		UserID:     owner.UserID,
		Data:       data,
		CreatedAt:  q.now(),
		MaxRetries: maxRetries,
	}
	record, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	// The record and status entry are written before the id becomes poppable.
	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobKey(job.ID), record, q.ttl)
	pipe.SAdd(ctx, statusKey(StatusPending), job.ID)
	pipe.RPush(ctx, queueKey(jobType), job.ID)
	q.bumpStats(ctx, pipe, fieldTotalEnqueued)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
		slog.String("group_id", owner.GroupID),
	)
	return job.ID, nil
}

// Dequeue pops the next job of jobType. See DequeueAny.
func (q *Queue) Dequeue(ctx context.Context, jobType string, timeout time.Duration) (*Job, error) {
	return q.DequeueAny(ctx, []string{jobType}, timeout)
}

// DequeueAny pops the head of the first non-empty FIFO among jobTypes,
// blocking up to timeout when timeout > 0, and marks the job processing.
// It returns nil, nil when nothing was popped or when the popped id had no
// usable record.
func (q *Queue) DequeueAny(ctx context.Context, jobTypes []string, timeout time.Duration) (*Job, error) {
	if len(jobTypes) == 0 {
		return nil, fmt.Errorf("%w: no job types", ErrInvalidJob)
	}

	id, err := q.pop(ctx, jobTypes, timeout)
	if err != nil || id == "" {
		return nil, err
	}
	return q.claim(ctx, id)
}

func (q *Queue) pop(ctx context.Context, jobTypes []string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		keys := make([]string, len(jobTypes))
		for i, t := range jobTypes {
			keys[i] = queueKey(t)
		}
		res, err := q.client.BLPop(ctx, timeout, keys...).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to pop job: %w", err)
		}
		return res[1], nil
	}

	for _, t := range jobTypes {
		id, err := q.client.LPop(ctx, queueKey(t)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to pop job: %w", err)
		}
		return id, nil
	}
	return "", nil
}

func (q *Queue) claim(ctx context.Context, id string) (*Job, error) {
	job, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, errCorruptRecord) {
		q.logger.Warn("Skipping popped job without a usable record",
			slog.String("job_id", id),
			slog.Any("error", err),
		)
		pipe := q.client.Pipeline()
		pipe.SRem(ctx, statusKey(StatusPending), id)
		pipe.SRem(ctx, statusKey(StatusRetry), id)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Warn("Failed to drop orphaned job id", slog.String("job_id", id), slog.Any("error", err))
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !job.Status.Claimable() {
		q.logger.Warn("Skipping popped job in non-claimable state",
			slog.String("job_id", id),
			slog.String("status", string(job.Status)),
		)
		return nil, nil
	}

	prev := job.Status
	now := q.now()
	job.Status = StatusProcessing
	job.StartedAt = &now

	record, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.SRem(ctx, statusKey(prev), id)
	pipe.Set(ctx, jobKey(id), record, q.ttl)
	pipe.SAdd(ctx, statusKey(StatusProcessing), id)
	q.bumpStats(ctx, pipe, fieldTotalStarted)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to mark job processing: %w", err)
	}

	q.logger.Debug("Job dequeued",
		slog.String("job_id", id),
		slog.String("job_type", job.Type),
		slog.Int("retry_count", job.RetryCount),
	)
	return job, nil
}

// MarkCompleted records a successful result.
func (q *Queue) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, id, job.Status)
	}

	prev := job.Status
	now := q.now()
	job.Status = StatusCompleted
	job.CompletedAt = &now
	if len(result) > 0 {
		if !json.Valid(result) {
			result, _ = json.Marshal(string(result))
		}
		job.Result = result
	}

	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobKey(id), record, q.ttl)
	q.leaveStatus(ctx, pipe, prev, id)
	pipe.SAdd(ctx, statusKey(StatusCompleted), id)
	pipe.HIncrByFloat(ctx, statsKey, fieldTotalProcessingTime, job.ProcessingTime().Seconds())
	q.bumpStats(ctx, pipe, fieldCompletedCount)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	q.logger.Info("Job completed",
		slog.String("job_id", id),
		slog.Duration("processing_time", job.ProcessingTime()),
	)
	return nil
}

// MarkFailed records a failure. With shouldRetry the retry budget is spent
// first; a job whose retry_count is still below max_retries goes back to the
// FIFO tail as retry, otherwise it is failed for good and removed from the
// FIFO. A job already in retry is not pushed a second time. The returned
// status is the one the job ended in.
func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string, shouldRetry bool) (Status, error) {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status.Terminal() {
		return job.Status, fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, id, job.Status)
	}

	prev := job.Status
	job.ErrorMessage = errMsg
	if shouldRetry && job.RetryCount < job.MaxRetries {
		job.RetryCount++
	} else {
		shouldRetry = false
	}

	retry := shouldRetry && job.RetryCount < job.MaxRetries
	if retry {
		job.Status = StatusRetry
	} else {
		now := q.now()
		job.Status = StatusFailed
		job.CompletedAt = &now
	}

	record, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobKey(id), record, q.ttl)
	q.leaveStatus(ctx, pipe, prev, id)
	pipe.SAdd(ctx, statusKey(job.Status), id)
	switch {
	case retry && prev != StatusRetry:
		pipe.RPush(ctx, queueKey(job.Type), id)
	case !retry && prev.Claimable():
		// still waiting in the FIFO from an earlier enqueue or retry
		pipe.LRem(ctx, queueKey(job.Type), 0, id)
	}
	q.bumpStats(ctx, pipe, fieldFailedCount)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to mark job failed: %w", err)
	}

	if retry {
		q.logger.Warn("Job will retry",
			slog.String("job_id", id),
			slog.Int("attempt", job.RetryCount),
			slog.Int("max_retries", job.MaxRetries),
			slog.String("error", errMsg),
		)
	} else {
		q.logger.Error("Job failed permanently",
			slog.String("job_id", id),
			slog.Int("retry_count", job.RetryCount),
			slog.String("error", errMsg),
		)
	}
	return job.Status, nil
}

// leaveStatus removes id from its previous set and from processing.
func (q *Queue) leaveStatus(ctx context.Context, pipe redis.Pipeliner, prev Status, id string) {
	pipe.SRem(ctx, statusKey(prev), id)
	if prev != StatusProcessing {
		pipe.SRem(ctx, statusKey(StatusProcessing), id)
	}
}

func (q *Queue) bumpStats(ctx context.Context, pipe redis.Pipeliner, field string) {
	pipe.HIncrBy(ctx, statsKey, field, 1)
	pipe.HSet(ctx, statsKey, fieldLastUpdated, q.now().Format(time.RFC3339Nano))
}

var errCorruptRecord = errors.New("corrupt job record")

// GetJob loads a job record.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return decodeJob(id, raw)
}

func decodeJob(id string, raw []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errCorruptRecord, id, err)
	}
	return &job, nil
}

// loadJobs fetches records for ids in one MGET. Missing or unreadable
// records are reported in the second return value.
func (q *Queue) loadJobs(ctx context.Context, ids []string) ([]*Job, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	vals, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	var missing []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		job, err := decodeJob(ids[i], []byte(s))
		if err != nil {
			missing = append(missing, ids[i])
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, missing, nil
}
