package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiver struct {
	archived []string
	err      error
}

func (f *fakeArchiver) ArchiveJobs(_ context.Context, jobs []*Job) error {
	if f.err != nil {
		return f.err
	}
	for _, j := range jobs {
		f.archived = append(f.archived, j.ID)
	}
	return nil
}

type fakeReleaser struct {
	released []string
	err      error
}

func (f *fakeReleaser) ReleaseConcurrent(_ context.Context, userID string) error {
	f.released = append(f.released, userID)
	return f.err
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	env := newTestQueue(t)
	q := env.queue

	pending, err := q.Enqueue(ctx, "sentiment", owner, nil, 3)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "summary", owner, nil, 3)
		require.NoError(t, err)
	}

	completed, err := q.Dequeue(ctx, "summary", 0)
	require.NoError(t, err)
	env.clock.Advance(2 * time.Second)
	require.NoError(t, q.MarkCompleted(ctx, completed.ID, nil))

	failed, err := q.Dequeue(ctx, "summary", 0)
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, failed.ID, "bad payload", false)
	require.NoError(t, err)

	retried, err := q.Dequeue(ctx, "summary", 0)
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, retried.ID, "flaky", true)
	require.NoError(t, err)

	env.clock.Advance(60 * time.Second)

	st, err := q.Statistics(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(4), st.TotalJobs)
	assert.Equal(t, int64(1), st.PendingJobs)
	assert.Equal(t, int64(0), st.ProcessingJobs)
	assert.Equal(t, int64(1), st.CompletedJobs)
	assert.Equal(t, int64(1), st.FailedJobs)
	assert.Equal(t, int64(1), st.RetryJobs)
	assert.InDelta(t, 0.5, st.ErrorRate, 1e-9)
	assert.InDelta(t, 2.0, st.AverageProcessingTime, 1e-9)
	require.NotNil(t, st.OldestPendingAge)
	assert.Equal(t, int64(62), *st.OldestPendingAge)

	assert.Equal(t, int64(4), st.Counters.TotalEnqueued)
	assert.Equal(t, int64(3), st.Counters.TotalStarted)
	assert.Equal(t, int64(1), st.Counters.CompletedCount)
	assert.Equal(t, int64(2), st.Counters.FailedCount)

	again, err := q.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, st, again)

	job, err := q.GetJob(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
}

func TestStatistics_Empty(t *testing.T) {
	env := newTestQueue(t)

	st, err := env.queue.Statistics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.TotalJobs)
	assert.Zero(t, st.ErrorRate)
	assert.Zero(t, st.AverageProcessingTime)
	assert.Nil(t, st.OldestPendingAge)
}

func TestGetJobsByStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestQueue(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := env.queue.Enqueue(ctx, "summary", owner, nil, 3)
		require.NoError(t, err)
		ids = append(ids, id)
		env.clock.Advance(time.Second)
	}

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{name: "limited", limit: 2, want: ids[:2]},
		{name: "unlimited", limit: 0, want: ids},
		{name: "limit above count", limit: 10, want: ids},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := env.queue.GetJobsByStatus(ctx, StatusPending, tt.limit)
			require.NoError(t, err)
			got := make([]string, len(jobs))
			for i, j := range jobs {
				got[i] = j.ID
			}
			assert.Equal(t, tt.want, got)
		})
	}

	jobs, err := env.queue.GetJobsByStatus(ctx, StatusCompleted, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = env.queue.GetJobsByStatus(ctx, Status("bogus"), 10)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestQueueLengthAndClear(t *testing.T) {
	ctx := context.Background()
	env := newTestQueue(t)
	q := env.queue

	var summaries []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, "summary", owner, nil, 3)
		require.NoError(t, err)
		summaries = append(summaries, id)
	}
	other, err := q.Enqueue(ctx, "sentiment", owner, nil, 3)
	require.NoError(t, err)

	running, err := q.Dequeue(ctx, "summary", 0)
	require.NoError(t, err)
	require.Equal(t, summaries[0], running.ID)

	n, err := q.QueueLength(ctx, "summary")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	cleared, err := q.ClearQueue(ctx, "summary")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cleared)

	n, err = q.QueueLength(ctx, "summary")
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, id := range summaries[1:] {
		_, err := q.GetJob(ctx, id)
		assert.ErrorIs(t, err, ErrJobNotFound)
	}
	assert.Equal(t, []string{other}, env.members(t, StatusPending))
	assert.Equal(t, StatusProcessing, env.statusOf(t, running.ID))

	cleared, err = q.ClearQueue(ctx, "summary")
	require.NoError(t, err)
	assert.Zero(t, cleared)
}

func TestCleanupOldJobs(t *testing.T) {
	ctx := context.Background()
	archiver := &fakeArchiver{}
	env := newTestQueue(t, WithArchiver(archiver))
	q := env.queue

	finish := func(fail bool) string {
		t.Helper()
		id, err := q.Enqueue(ctx, "summary", owner, nil, 3)
		require.NoError(t, err)
		_, err = q.Dequeue(ctx, "summary", 0)
		require.NoError(t, err)
		if fail {
			_, err = q.MarkFailed(ctx, id, "bad payload", false)
		} else {
			err = q.MarkCompleted(ctx, id, nil)
		}
		require.NoError(t, err)
		return id
	}

	oldCompleted := finish(false)
	oldFailed := finish(true)
	env.clock.Advance(8 * 24 * time.Hour)
	recent := finish(false)
	_, err := env.mr.SetAdd(statusKey(StatusCompleted), "expired-record")
	require.NoError(t, err)

	removed, err := q.CleanupOldJobs(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.ElementsMatch(t, []string{oldCompleted, oldFailed}, archiver.archived)

	for _, id := range []string{oldCompleted, oldFailed} {
		_, err := q.GetJob(ctx, id)
		assert.ErrorIs(t, err, ErrJobNotFound)
	}
	assert.Equal(t, []string{recent}, env.members(t, StatusCompleted))
	assert.Empty(t, env.members(t, StatusFailed))

	removed, err = q.CleanupOldJobs(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCleanupOldJobs_ArchiveFailure(t *testing.T) {
	ctx := context.Background()
	archiver := &fakeArchiver{err: errors.New("database is down")}
	env := newTestQueue(t, WithArchiver(archiver))
	q := env.queue

	id, err := q.Enqueue(ctx, "summary", owner, nil, 3)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "summary", 0)
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(ctx, id, nil))
	env.clock.Advance(8 * 24 * time.Hour)

	removed, err := q.CleanupOldJobs(ctx, 7*24*time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is down")
	assert.Zero(t, removed)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, StatusCompleted, env.statusOf(t, id))
}

func TestRequeueStale(t *testing.T) {
	ctx := context.Background()
	env := newTestQueue(t)
	q := env.queue

	var stale []string
	for i := 0; i < 2; i++ {
		id, err := q.Enqueue(ctx, "summary", owner, nil, 3)
		require.NoError(t, err)
		_, err = q.Dequeue(ctx, "summary", 0)
		require.NoError(t, err)
		stale = append(stale, id)
	}

	env.clock.Advance(10 * time.Minute)
	fresh, err := q.Enqueue(ctx, "summary", owner, nil, 3)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "summary", 0)
	require.NoError(t, err)
	_, err = env.mr.SetAdd(statusKey(StatusProcessing), "expired-record")
	require.NoError(t, err)

	n, err := q.RequeueStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range stale {
		job, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusRetry, job.Status)
		assert.Equal(t, 1, job.RetryCount)
		assert.Contains(t, job.ErrorMessage, "processing")
	}
	assert.Equal(t, []string{fresh}, env.members(t, StatusProcessing))
	assert.ElementsMatch(t, stale, env.fifo(t, "summary"))
}

func TestClearQueue_ReleasesSlots(t *testing.T) {
	ctx := context.Background()
	slots := &fakeReleaser{}
	env := newTestQueue(t, WithSlotReleaser(slots))
	q := env.queue

	_, err := q.Enqueue(ctx, "summary", Owner{UserID: "1", GroupID: "9"}, nil, 3)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "summary", Owner{UserID: "2", GroupID: "9"}, nil, 3)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "summary", Owner{UserID: "3", GroupID: "9"}, nil, 3)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "summary", 0)
	require.NoError(t, err)

	cleared, err := q.ClearQueue(ctx, "summary")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cleared)
	assert.ElementsMatch(t, []string{"2", "3"}, slots.released)
}

func TestRequeueStale_ReleasesSlotOnFinalFailure(t *testing.T) {
	ctx := context.Background()
	slots := &fakeReleaser{err: errors.New("connection refused")}
	env := newTestQueue(t, WithSlotReleaser(slots))
	q := env.queue

	exhausted, err := q.Enqueue(ctx, "summary", Owner{UserID: "1", GroupID: "9"}, nil, 0)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "summary", 0)
	require.NoError(t, err)
	retried, err := q.Enqueue(ctx, "summary", Owner{UserID: "2", GroupID: "9"}, nil, 3)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "summary", 0)
	require.NoError(t, err)

	env.clock.Advance(10 * time.Minute)

	n, err := q.RequeueStale(ctx, 5*time.Minute)
	require.NoError(t, err, "release failures are logged, not returned")
	assert.Equal(t, 2, n)

	assert.Equal(t, StatusFailed, env.statusOf(t, exhausted))
	assert.Equal(t, StatusRetry, env.statusOf(t, retried))
	assert.Equal(t, []string{"1"}, slots.released)
}
