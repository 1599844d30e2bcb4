package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobgate/internal/queue"
	"github.com/cuongbtq/jobgate/internal/ratelimit"
)

type CreateJobRequest struct {
	JobType    string          `json:"job_type" binding:"required"`
	UserID     string          `json:"user_id" binding:"required"`
	GroupID    string          `json:"group_id" binding:"required"`
	Tier       string          `json:"tier"`
	Data       json.RawMessage `json:"data"`
	MaxRetries *int            `json:"max_retries" binding:"omitempty,min=0,max=20"`
}

type CreateJobResponse struct {
	JobID   string       `json:"job_id"`
	JobType string       `json:"job_type"`
	Status  queue.Status `json:"status"`
}

type ListJobsRequest struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

type ListArchivedJobsRequest struct {
	UserID   string `form:"user_id"`
	GroupID  string `form:"group_id"`
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	Status       queue.Status    `json:"status"`
	UserID       string          `json:"user_id"`
	GroupID      string          `json:"group_id"`
	Data         json.RawMessage `json:"data"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	CreatedAt    string          `json:"created_at"`
	StartedAt    string          `json:"started_at,omitempty"`
	CompletedAt  string          `json:"completed_at,omitempty"`
}

// NewJobDTO converts a queue record into its response shape.
func NewJobDTO(job *queue.Job) JobDTO {
	return JobDTO{
		JobID:        job.ID,
		JobType:      job.Type,
		Status:       job.Status,
		UserID:       job.UserID,
		GroupID:      job.GroupID,
		Data:         job.Data,
		Result:       job.Result,
		ErrorMessage: job.ErrorMessage,
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		StartedAt:    formatTime(job.StartedAt),
		CompletedAt:  formatTime(job.CompletedAt),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

type QueueLengthResponse struct {
	JobType string `json:"job_type"`
	Length  int64  `json:"length"`
}

type LimitsResponse struct {
	Subject string                     `json:"subject"`
	Tier    ratelimit.Tier             `json:"tier"`
	Limits  map[string]ratelimit.Quota `json:"limits"`
}

type GroupMessageResponse struct {
	GroupID string          `json:"group_id"`
	Tier    ratelimit.Tier  `json:"tier"`
	Allowed bool            `json:"allowed"`
	Quota   ratelimit.Quota `json:"quota"`
}

type CleanupRequest struct {
	OlderThan string `json:"older_than"`
}

type CleanupResponse struct {
	OlderThan string `json:"older_than"`
	Removed   int    `json:"removed"`
}
