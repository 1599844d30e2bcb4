package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobgate/internal/archive"
	"github.com/cuongbtq/jobgate/internal/queue"
	"github.com/cuongbtq/jobgate/internal/ratelimit"
)

// JobQueue is the part of the queue the API serves.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, owner queue.Owner, data json.RawMessage, maxRetries int) (string, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	GetJobsByStatus(ctx context.Context, status queue.Status, limit int) ([]*queue.Job, error)
	QueueLength(ctx context.Context, jobType string) (int64, error)
	Statistics(ctx context.Context) (queue.Statistics, error)
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error)
}

// Admission decides whether a job request may be enqueued.
type Admission interface {
	CheckRequest(ctx context.Context, userID, groupID string, tier ratelimit.Tier) (ratelimit.Decision, error)
	CheckGroupMessages(ctx context.Context, groupID string, tier ratelimit.Tier) (ratelimit.Decision, error)
	ReleaseConcurrent(ctx context.Context, userID string) error
	UserLimits(ctx context.Context, userID string, tier ratelimit.Tier) (map[string]ratelimit.Quota, error)
	GroupLimits(ctx context.Context, groupID string, tier ratelimit.Tier) (map[string]ratelimit.Quota, error)
}

// Archive serves terminal jobs after they left the queue.
type Archive interface {
	GetJob(ctx context.Context, jobID string) (*queue.Job, error)
	ListJobs(ctx context.Context, filter archive.Filter) ([]*queue.Job, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Queue     JobQueue
	Admission Admission
	Archive   Archive // optional

	// JobTypes restricts accepted job types; empty accepts any.
	JobTypes          []string
	DefaultMaxRetries int
	Retention         time.Duration

	// Health reports store reachability for /health; optional.
	Health func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger            *slog.Logger
	queue             JobQueue
	admission         Admission
	archive           Archive
	jobTypes          map[string]struct{}
	defaultMaxRetries int
	retention         time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	h := &JobHandler{
		logger:            deps.Logger,
		queue:             deps.Queue,
		admission:         deps.Admission,
		archive:           deps.Archive,
		defaultMaxRetries: deps.DefaultMaxRetries,
		retention:         deps.Retention,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if len(deps.JobTypes) > 0 {
		h.jobTypes = make(map[string]struct{}, len(deps.JobTypes))
		for _, t := range deps.JobTypes {
			h.jobTypes[t] = struct{}{}
		}
	}
	return h
}

func (h *JobHandler) acceptsType(jobType string) bool {
	if h.jobTypes == nil {
		return true
	}
	_, ok := h.jobTypes[jobType]
	return ok
}
