package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// GetJobsByStatus returns up to limit jobs in status, oldest first. A limit
// of zero or less returns all of them.
func (q *Queue) GetJobsByStatus(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}

	ids, err := q.client.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}
	jobs, _, err := q.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}

	sortByCreated(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// QueueLength returns the number of ids waiting in the type's FIFO.
func (q *Queue) QueueLength(ctx context.Context, jobType string) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey(jobType)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return n, nil
}

// ClearQueue drops every waiting id of jobType along with its record and
// status entry, releasing the slots the dropped jobs held. Jobs already
// processing are untouched.
func (q *Queue) ClearQueue(ctx context.Context, jobType string) (int64, error) {
	ids, err := q.client.LRange(ctx, queueKey(jobType), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue: %w", err)
	}
	dropped, _, err := q.loadJobs(ctx, ids)
	if err != nil {
		return 0, err
	}

	pipe := q.client.Pipeline()
	pipe.Del(ctx, queueKey(jobType))
	if len(ids) > 0 {
		members := toMembers(ids)
		pipe.SRem(ctx, statusKey(StatusPending), members...)
		pipe.SRem(ctx, statusKey(StatusRetry), members...)
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = jobKey(id)
		}
		pipe.Del(ctx, keys...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	q.releaseSlots(ctx, dropped)

	q.logger.Info("Cleared queue", slog.String("job_type", jobType), slog.Int("count", len(ids)))
	return int64(len(ids)), nil
}

// Statistics counts the status sets and derives error rate, average
// processing time and the age of the oldest pending job.
func (q *Queue) Statistics(ctx context.Context) (Statistics, error) {
	pipe := q.client.Pipeline()
	counts := make(map[Status]*redis.IntCmd, len(Statuses))
	for _, s := range Statuses {
		counts[s] = pipe.SCard(ctx, statusKey(s))
	}
	hash := pipe.HGetAll(ctx, statsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Statistics{}, fmt.Errorf("failed to read statistics: %w", err)
	}

	st := Statistics{
		PendingJobs:    counts[StatusPending].Val(),
		ProcessingJobs: counts[StatusProcessing].Val(),
		CompletedJobs:  counts[StatusCompleted].Val(),
		FailedJobs:     counts[StatusFailed].Val(),
		RetryJobs:      counts[StatusRetry].Val(),
		Counters:       parseCounters(hash.Val()),
	}
	st.TotalJobs = st.PendingJobs + st.ProcessingJobs + st.CompletedJobs + st.FailedJobs + st.RetryJobs
	if st.TotalJobs > 0 {
		st.ErrorRate = float64(st.FailedJobs+st.RetryJobs) / float64(st.TotalJobs)
	}
	if st.Counters.CompletedCount > 0 {
		st.AverageProcessingTime = st.Counters.TotalProcessingTime / float64(st.Counters.CompletedCount)
	}

	if st.PendingJobs > 0 {
		ids, err := q.client.SMembers(ctx, statusKey(StatusPending)).Result()
		if err != nil {
			return Statistics{}, fmt.Errorf("failed to list pending jobs: %w", err)
		}
		jobs, _, err := q.loadJobs(ctx, ids)
		if err != nil {
			return Statistics{}, err
		}
		if len(jobs) > 0 {
			sortByCreated(jobs)
			age := int64(q.now().Sub(jobs[0].CreatedAt).Seconds())
			if age < 0 {
				age = 0
			}
			st.OldestPendingAge = &age
		}
	}
	return st, nil
}

// CleanupOldJobs removes completed and failed jobs that finished before
// now-olderThan. With an archiver configured the batch is archived first and
// nothing is deleted if archiving fails. Ids whose records already expired
// are dropped from the status sets.
func (q *Queue) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)
	removed := 0

	for _, status := range []Status{StatusCompleted, StatusFailed} {
		ids, err := q.client.SMembers(ctx, statusKey(status)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to list %s jobs: %w", status, err)
		}
		jobs, missing, err := q.loadJobs(ctx, ids)
		if err != nil {
			return removed, err
		}

		var expired []*Job
		for _, job := range jobs {
			if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
				expired = append(expired, job)
			}
		}

		if len(expired) > 0 && q.archiver != nil {
			if err := q.archiver.ArchiveJobs(ctx, expired); err != nil {
				return removed, fmt.Errorf("failed to archive %s jobs: %w", status, err)
			}
		}

		if len(expired) == 0 && len(missing) == 0 {
			continue
		}

		pipe := q.client.Pipeline()
		for _, job := range expired {
			pipe.Del(ctx, jobKey(job.ID))
			pipe.SRem(ctx, statusKey(status), job.ID)
		}
		if len(missing) > 0 {
			pipe.SRem(ctx, statusKey(status), toMembers(missing)...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("failed to delete %s jobs: %w", status, err)
		}
		removed += len(expired)

		if len(missing) > 0 {
			q.logger.Debug("Dropped expired job ids",
				slog.String("status", string(status)),
				slog.Int("count", len(missing)),
			)
		}
	}

	q.logger.Info("Cleaned up old jobs", slog.Int("count", removed), slog.Duration("older_than", olderThan))
	return removed, nil
}

// RequeueStale sends jobs stuck in processing for longer than staleAfter
// through the retry path. It recovers jobs whose worker died mid-execution;
// a job that fails for good here gives back its concurrency slot.
func (q *Queue) RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	ids, err := q.client.SMembers(ctx, statusKey(StatusProcessing)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list processing jobs: %w", err)
	}
	jobs, missing, err := q.loadJobs(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(missing) > 0 {
		if err := q.client.SRem(ctx, statusKey(StatusProcessing), toMembers(missing)...).Err(); err != nil {
			return 0, fmt.Errorf("failed to drop expired processing ids: %w", err)
		}
	}

	cutoff := q.now().Add(-staleAfter)
	requeued := 0
	var failed []*Job
	defer func() { q.releaseSlots(ctx, failed) }()
	for _, job := range jobs {
		if job.Status != StatusProcessing || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
			continue
		}
		msg := "job exceeded " + staleAfter.String() + " in processing without reporting an outcome"
		status, err := q.MarkFailed(ctx, job.ID, msg, true)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return requeued, err
		}
		if status == StatusFailed {
			failed = append(failed, job)
		}
		requeued++
	}

	if requeued > 0 {
		q.logger.Warn("Recovered stale processing jobs", slog.Int("count", requeued))
	}
	return requeued, nil
}

func parseCounters(h map[string]string) Counters {
	atoi := func(k string) int64 {
		n, _ := strconv.ParseInt(h[k], 10, 64)
		return n
	}
	c := Counters{
		TotalEnqueued:  atoi(fieldTotalEnqueued),
		TotalStarted:   atoi(fieldTotalStarted),
		CompletedCount: atoi(fieldCompletedCount),
		FailedCount:    atoi(fieldFailedCount),
	}
	c.TotalProcessingTime, _ = strconv.ParseFloat(h[fieldTotalProcessingTime], 64)
	c.LastUpdated, _ = time.Parse(time.RFC3339Nano, h[fieldLastUpdated])
	return c
}

func sortByCreated(jobs []*Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

func toMembers(ids []string) []interface{} {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return members
}
