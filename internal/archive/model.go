package archive

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobgate/internal/queue"
)

// Record is a row of archived_jobs.
type Record struct {
	JobID        string     `db:"job_id"`
	JobType      string     `db:"job_type"`
	Status       string     `db:"status"`
	UserID       string     `db:"user_id"`
	GroupID      string     `db:"group_id"`
	Data         []byte     `db:"data"`
	Result       []byte     `db:"result"`
	ErrorMessage string     `db:"error_message"`
	RetryCount   int        `db:"retry_count"`
	MaxRetries   int        `db:"max_retries"`
	CreatedAt    time.Time  `db:"created_at"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	ArchivedAt   time.Time  `db:"archived_at"`
}

// Job converts the row back to the queue representation.
func (r *Record) Job() *queue.Job {
	job := &queue.Job{
		ID:           r.JobID,
		Status:       queue.Status(r.Status),
		Type:         r.JobType,
		GroupID:      r.GroupID,
		UserID:       r.UserID,
		Data:         json.RawMessage(r.Data),
		CreatedAt:    r.CreatedAt.UTC(),
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		ErrorMessage: r.ErrorMessage,
	}
	if len(r.Result) > 0 {
		job.Result = json.RawMessage(r.Result)
	}
	return job
}

// Cursor is the keyset position for archive listing.
type Cursor struct {
	CompletedAt time.Time
	JobID       string
}

// Filter selects archived jobs. Results are ordered newest completion first.
type Filter struct {
	UserID   string
	GroupID  string
	JobType  string
	Status   string
	PageSize int
	Cursor   *Cursor
}
