package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobgate/internal/api/dto"
	"github.com/cuongbtq/jobgate/internal/archive"
	"github.com/cuongbtq/jobgate/internal/queue"
	"github.com/cuongbtq/jobgate/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeArchive struct {
	jobs       map[string]*queue.Job
	page       []*queue.Job
	lastFilter archive.Filter
}

func (a *fakeArchive) GetJob(_ context.Context, id string) (*queue.Job, error) {
	if job, ok := a.jobs[id]; ok {
		return job, nil
	}
	return nil, archive.ErrNotFound
}

func (a *fakeArchive) ListJobs(_ context.Context, f archive.Filter) ([]*queue.Job, error) {
	a.lastFilter = f
	return a.page, nil
}

type failingEnqueue struct {
	*queue.Queue
	err error
}

func (f failingEnqueue) Enqueue(context.Context, string, queue.Owner, json.RawMessage, int) (string, error) {
	return "", f.err
}

type testEnv struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	now    time.Time
	queue  *queue.Queue
	engine *gin.Engine
}

func (e *testEnv) clock() time.Time { return e.now }

func newTestEnv(t *testing.T, mutate func(*testEnv, *Dependencies)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	env := &testEnv{mr: mr, rdb: rdb, now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.queue = queue.New(rdb, queue.WithClock(env.clock), queue.WithLogger(logger))

	deps := &Dependencies{
		Logger:            logger,
		Queue:             env.queue,
		Admission:         ratelimit.NewController(rdb, ratelimit.WithClock(env.clock), ratelimit.WithLogger(logger)),
		JobTypes:          []string{"summary", "sentiment"},
		DefaultMaxRetries: 3,
		Retention:         24 * time.Hour,
	}
	if mutate != nil {
		mutate(env, deps)
	}

	h := NewJobHandler(deps)
	r := gin.New()
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/:job_id", h.GetJob)
	r.GET("/archive/jobs", h.ListArchivedJobs)
	r.GET("/queues/:job_type", h.QueueLength)
	r.GET("/stats", h.Stats)
	r.GET("/limits/users/:user_id", h.UserLimits)
	r.GET("/limits/groups/:group_id", h.GroupLimits)
	r.POST("/groups/:group_id/messages", h.GroupMessage)
	r.POST("/maintenance/cleanup", h.Cleanup)
	env.engine = r
	return env
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func createBody(user, group, tier string) map[string]any {
	return map[string]any{
		"job_type": "summary",
		"user_id":  user,
		"group_id": group,
		"tier":     tier,
		"data":     map[string]any{"hours": 24},
	}
}

func TestCreateJob(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/jobs", createBody("u1", "g1", "free"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[dto.CreateJobResponse](t, w)
	_, err := uuid.Parse(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, resp.Status)
	assert.Equal(t, "1", w.Header().Get(ratelimit.HeaderLimit))
	assert.Equal(t, "0", w.Header().Get(ratelimit.HeaderRemaining))

	job, err := env.queue.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "g1", job.GroupID)
	assert.Equal(t, 3, job.MaxRetries)
	assert.JSONEq(t, `{"hours":24}`, string(job.Data))

	slots, err := env.mr.Get(ratelimit.Key(ratelimit.ScopeUser, "u1", ratelimit.LimitConcurrentJobs))
	require.NoError(t, err)
	assert.Equal(t, "1", slots)
}

func TestCreateJob_ExplicitMaxRetries(t *testing.T) {
	env := newTestEnv(t, nil)
	body := createBody("u1", "g1", "pro")
	body["max_retries"] = 0

	w := env.do(http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	job, err := env.queue.GetJob(context.Background(), decode[dto.CreateJobResponse](t, w).JobID)
	require.NoError(t, err)
	assert.Equal(t, 0, job.MaxRetries)
}

func TestCreateJob_Denied(t *testing.T) {
	env := newTestEnv(t, nil)

	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/jobs", createBody("u1", "g1", "free")).Code)

	// Free groups get one request per day.
	w := env.do(http.MethodPost, "/jobs", createBody("u2", "g1", "free"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	body := decode[map[string]string](t, w)
	assert.Equal(t, string(ratelimit.DimensionGroup), body["limit"])
	assert.NotEmpty(t, body["reason"])
	assert.Equal(t, "0", w.Header().Get(ratelimit.HeaderRemaining))
	assert.NotEmpty(t, w.Header().Get(ratelimit.HeaderRetryAfter))

	n, err := env.queue.QueueLength(context.Background(), "summary")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCreateJob_BadRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing group", body: map[string]any{"job_type": "summary", "user_id": "u1"}},
		{name: "unsupported type", body: map[string]any{"job_type": "translate", "user_id": "u1", "group_id": "g1"}},
		{name: "negative retries", body: map[string]any{"job_type": "summary", "user_id": "u1", "group_id": "g1", "max_retries": -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	assert.False(t, env.mr.Exists(ratelimit.Key(ratelimit.ScopeUser, "u1", ratelimit.LimitConcurrentJobs)))
}

func TestCreateJob_EnqueueFailureReleasesSlot(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv, deps *Dependencies) {
		deps.Queue = failingEnqueue{Queue: env.queue, err: errors.New("connection reset")}
	})

	w := env.do(http.MethodPost, "/jobs", createBody("u1", "g1", "free"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	slots, err := env.mr.Get(ratelimit.Key(ratelimit.ScopeUser, "u1", ratelimit.LimitConcurrentJobs))
	require.NoError(t, err)
	assert.Equal(t, "0", slots)
}

func TestCreateJob_AdmissionUnavailable(t *testing.T) {
	down := miniredis.RunT(t)
	downClient := redis.NewClient(&redis.Options{Addr: down.Addr(), MaxRetries: -1})
	t.Cleanup(func() { downClient.Close() })
	down.Close()

	env := newTestEnv(t, func(_ *testEnv, deps *Dependencies) {
		deps.Admission = ratelimit.NewController(downClient, ratelimit.WithFailOpen(false),
			ratelimit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	})

	w := env.do(http.MethodPost, "/jobs", createBody("u1", "g1", "free"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	n, err := env.queue.QueueLength(context.Background(), "summary")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetJob(t *testing.T) {
	archivedID := uuid.NewString()
	env := newTestEnv(t, func(_ *testEnv, deps *Dependencies) {
		deps.Archive = &fakeArchive{jobs: map[string]*queue.Job{
			archivedID: {ID: archivedID, Type: "summary", Status: queue.StatusCompleted, Result: json.RawMessage(`{"ok":true}`)},
		}}
	})

	id, err := env.queue.Enqueue(context.Background(), "summary", queue.Owner{UserID: "u1", GroupID: "g1"}, nil, 3)
	require.NoError(t, err)

	tests := []struct {
		name       string
		id         string
		wantCode   int
		wantStatus queue.Status
	}{
		{name: "queued", id: id, wantCode: http.StatusOK, wantStatus: queue.StatusPending},
		{name: "archived", id: archivedID, wantCode: http.StatusOK, wantStatus: queue.StatusCompleted},
		{name: "unknown", id: uuid.NewString(), wantCode: http.StatusNotFound},
		{name: "not a uuid", id: "job-1", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodGet, "/jobs/"+tt.id, nil)
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				job := decode[dto.JobDTO](t, w)
				assert.Equal(t, tt.id, job.JobID)
				assert.Equal(t, tt.wantStatus, job.Status)
			}
		})
	}
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for range 3 {
		_, err := env.queue.Enqueue(ctx, "summary", queue.Owner{UserID: "u1", GroupID: "g1"}, nil, 3)
		require.NoError(t, err)
	}

	w := env.do(http.MethodGet, "/jobs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dto.ListJobsResponse](t, w).Jobs, 2)

	w = env.do(http.MethodGet, "/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[dto.ListJobsResponse](t, w).Jobs)

	w = env.do(http.MethodGet, "/jobs?status=cancelled", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListArchivedJobs(t *testing.T) {
	completed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	page := make([]*queue.Job, 3)
	for i := range page {
		at := completed.Add(-time.Duration(i) * time.Minute)
		page[i] = &queue.Job{ID: uuid.NewString(), Type: "summary", Status: queue.StatusCompleted, CreatedAt: at, CompletedAt: &at}
	}
	arch := &fakeArchive{page: page}
	env := newTestEnv(t, func(_ *testEnv, deps *Dependencies) { deps.Archive = arch })

	w := env.do(http.MethodGet, "/archive/jobs?page_size=2&user_id=u1&status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[dto.ListJobsResponse](t, w)
	assert.Len(t, resp.Jobs, 2)
	assert.Equal(t, archive.Filter{UserID: "u1", Status: "completed", PageSize: 2}, arch.lastFilter)
	require.NotEmpty(t, resp.NextCursor)

	cursor, err := DecodeJobCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, page[1].ID, cursor.JobID)
	assert.True(t, page[1].CompletedAt.Equal(cursor.CompletedAt))

	w = env.do(http.MethodGet, "/archive/jobs?cursor="+resp.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, arch.lastFilter.Cursor)
	assert.Equal(t, page[1].ID, arch.lastFilter.Cursor.JobID)
	assert.Equal(t, defaultPageSize, arch.lastFilter.PageSize)

	w = env.do(http.MethodGet, "/archive/jobs?cursor=bm9waXBl", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListArchivedJobs_Disabled(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/archive/jobs", nil).Code)
}

func TestQueueLengthAndStats(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.queue.Enqueue(context.Background(), "summary", queue.Owner{UserID: "u1", GroupID: "g1"}, nil, 3)
	require.NoError(t, err)

	w := env.do(http.MethodGet, "/queues/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dto.QueueLengthResponse{JobType: "summary", Length: 1}, decode[dto.QueueLengthResponse](t, w))

	w = env.do(http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[queue.Statistics](t, w)
	assert.Equal(t, int64(1), stats.PendingJobs)
	assert.Equal(t, int64(1), stats.Counters.TotalEnqueued)
}

func TestLimits(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/limits/users/u1?tier=pro", nil)
	require.Equal(t, http.StatusOK, w.Code)
	user := decode[dto.LimitsResponse](t, w)
	assert.Equal(t, ratelimit.TierPro, user.Tier)
	assert.Equal(t, 50, user.Limits[ratelimit.LimitRequestsPerDay].Limit)
	assert.Equal(t, 5, user.Limits[ratelimit.LimitConcurrentJobs].Remaining)

	w = env.do(http.MethodGet, "/limits/groups/g1?tier=unknown", nil)
	require.Equal(t, http.StatusOK, w.Code)
	group := decode[dto.LimitsResponse](t, w)
	assert.Equal(t, ratelimit.TierFree, group.Tier)
	assert.Equal(t, 1000, group.Limits[ratelimit.LimitMessagesPerHour].Limit)
}

func TestGroupMessage(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv, deps *Dependencies) {
		tiers := ratelimit.DefaultTiers()
		tiers.Override(ratelimit.TierFree, ratelimit.TierLimits{MessagesPerGroupHour: 2})
		deps.Admission = ratelimit.NewController(env.rdb,
			ratelimit.WithClock(env.clock),
			ratelimit.WithTiers(tiers),
			ratelimit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)
	})

	for want := 1; want >= 0; want-- {
		w := env.do(http.MethodPost, "/groups/g1/messages", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res := decode[dto.GroupMessageResponse](t, w)
		assert.Equal(t, "g1", res.GroupID)
		assert.Equal(t, ratelimit.TierFree, res.Tier)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2, res.Quota.Limit)
		assert.Equal(t, want, res.Quota.Remaining)
	}

	w := env.do(http.MethodPost, "/groups/g1/messages", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, string(ratelimit.DimensionGroupMessages), body["limit"])
	assert.Equal(t, "1801", w.Header().Get(ratelimit.HeaderRetryAfter))

	// other groups have their own bucket
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/groups/g2/messages", nil).Code)
}

func TestGroupMessage_Unavailable(t *testing.T) {
	down := miniredis.RunT(t)
	downClient := redis.NewClient(&redis.Options{Addr: down.Addr(), MaxRetries: -1})
	t.Cleanup(func() { downClient.Close() })
	down.Close()

	env := newTestEnv(t, func(_ *testEnv, deps *Dependencies) {
		deps.Admission = ratelimit.NewController(downClient, ratelimit.WithFailOpen(false),
			ratelimit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	})

	w := env.do(http.MethodPost, "/groups/g1/messages?tier=pro", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.queue.Enqueue(ctx, "summary", queue.Owner{UserID: "u1", GroupID: "g1"}, nil, 3)
	require.NoError(t, err)
	job, err := env.queue.Dequeue(ctx, "summary", time.Second)
	require.NoError(t, err)
	require.NoError(t, env.queue.MarkCompleted(ctx, job.ID, json.RawMessage(`{}`)))

	env.now = env.now.Add(2 * time.Hour)

	w := env.do(http.MethodPost, "/maintenance/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dto.CleanupResponse{OlderThan: "24h0m0s", Removed: 0}, decode[dto.CleanupResponse](t, w))

	w = env.do(http.MethodPost, "/maintenance/cleanup", dto.CleanupRequest{OlderThan: "1h"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[dto.CleanupResponse](t, w).Removed)

	for _, olderThan := range []string{"soon", "-1h"} {
		w = env.do(http.MethodPost, "/maintenance/cleanup", dto.CleanupRequest{OlderThan: olderThan})
		assert.Equal(t, http.StatusBadRequest, w.Code, olderThan)
	}
}

func TestJobCursor(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 123, time.UTC)
	encoded := EncodeJobCursor(&archive.Cursor{CompletedAt: at, JobID: "a|b"})

	cursor, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	assert.True(t, at.Equal(cursor.CompletedAt))
	assert.Equal(t, "a|b", cursor.JobID)

	cursor, err = DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	for _, bad := range []string{"not base64!", "bm9waXBl", "eHw="} {
		_, err := DecodeJobCursor(bad)
		assert.Error(t, err, bad)
	}
}
