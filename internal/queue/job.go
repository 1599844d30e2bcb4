package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetry}

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Claimable reports whether a popped id in this state may be handed to a worker.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusRetry
}

// Owner identifies who a job is billed to.
type Owner struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
}

// Job is the record stored under job:{id}.
type Job struct {
	ID           string          `json:"job_id"`
	Status       Status          `json:"status"`
	Type         string          `json:"job_type"`
	GroupID      string          `json:"group_id"`
	UserID       string          `json:"user_id"`
	Data         json.RawMessage `json:"data"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Owner returns the job's owner ids.
func (j *Job) Owner() Owner {
	return Owner{UserID: j.UserID, GroupID: j.GroupID}
}

// ProcessingTime is the time between start and completion, zero when either
// is unset.
func (j *Job) ProcessingTime() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	d := j.CompletedAt.Sub(*j.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Statistics is a point-in-time view of the queue.
type Statistics struct {
	TotalJobs             int64    `json:"total_jobs"`
	PendingJobs           int64    `json:"pending_jobs"`
	ProcessingJobs        int64    `json:"processing_jobs"`
	CompletedJobs         int64    `json:"completed_jobs"`
	FailedJobs            int64    `json:"failed_jobs"`
	RetryJobs             int64    `json:"retry_jobs"`
	AverageProcessingTime float64  `json:"average_processing_time"`
	ErrorRate             float64  `json:"error_rate"`
	OldestPendingAge      *int64   `json:"oldest_pending_job_age_seconds"`
	Counters              Counters `json:"counters"`
}

// Counters mirrors the queue:stats hash.
type Counters struct {
	TotalEnqueued       int64     `json:"total_enqueued"`
	TotalStarted        int64     `json:"total_started"`
	CompletedCount      int64     `json:"completed_count"`
	FailedCount         int64     `json:"failed_count"`
	TotalProcessingTime float64   `json:"total_processing_time"`
	LastUpdated         time.Time `json:"last_updated"`
}
