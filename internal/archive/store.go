// Package archive keeps terminal jobs in PostgreSQL after they are removed
// from the queue store.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/jobgate/internal/queue"
)

// ErrNotFound is returned when a job is not in the archive.
var ErrNotFound = errors.New("archived job not found")

const schema = `
	CREATE TABLE IF NOT EXISTS archived_jobs (
		job_id        TEXT PRIMARY KEY,
		job_type      TEXT        NOT NULL,
		status        TEXT        NOT NULL,
		user_id       TEXT        NOT NULL,
		group_id      TEXT        NOT NULL,
		data          JSONB       NOT NULL,
		result        JSONB,
		error_message TEXT,
		retry_count   INTEGER     NOT NULL,
		max_retries   INTEGER     NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ,
		archived_at   TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS archived_jobs_completed_idx ON archived_jobs (completed_at DESC, job_id DESC);
	CREATE INDEX IF NOT EXISTS archived_jobs_user_idx ON archived_jobs (user_id);
`

const selectColumns = `
	job_id, job_type, status, user_id, group_id, data, result,
	COALESCE(error_message, '') AS error_message, retry_count, max_retries,
	created_at, started_at, completed_at, archived_at
`

// Store is the PostgreSQL archive. It implements queue.Archiver.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	clock  func() time.Time
}

// NewStore creates a Store on db.
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger, clock: time.Now}
}

// EnsureSchema creates the archive table and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create archive schema: %w", err)
	}
	return nil
}

// ArchiveJobs upserts jobs in one transaction.
func (s *Store) ArchiveJobs(ctx context.Context, jobs []*queue.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	query := `
		INSERT INTO archived_jobs (
			job_id, job_type, status, user_id, group_id,
			data, result, error_message, retry_count, max_retries,
			created_at, started_at, completed_at, archived_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14
		)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			completed_at = EXCLUDED.completed_at,
			archived_at = EXCLUDED.archived_at
	`

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.clock().UTC()
	for _, job := range jobs {
		// lib/pq sends []byte as bytea, so JSONB columns get strings
		data := string(job.Data)
		if data == "" {
			data = "{}"
		}
		_, err := tx.ExecContext(ctx, query,
			job.ID,
			job.Type,
			string(job.Status),
			job.UserID,
			job.GroupID,
			data,
			nullableJSON(job.Result),
			nullableString(job.ErrorMessage),
			job.RetryCount,
			job.MaxRetries,
			job.CreatedAt,
			job.StartedAt,
			job.CompletedAt,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to archive job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}

	s.logger.Info("Archived jobs", slog.Int("count", len(jobs)))
	return nil
}

// GetJob loads an archived job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	var rec Record
	query := `SELECT ` + selectColumns + ` FROM archived_jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &rec, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived job: %w", err)
	}
	return rec.Job(), nil
}

// ListJobs returns up to PageSize+1 jobs so the caller can tell whether a
// further page exists.
func (s *Store) ListJobs(ctx context.Context, filter Filter) ([]*queue.Job, error) {
	query := `SELECT ` + selectColumns + ` FROM archived_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	add := func(column, value string) {
		if value == "" {
			return
		}
		query += fmt.Sprintf(" AND %s = $%d", column, argIdx)
		args = append(args, value)
		argIdx++
	}
	add("user_id", filter.UserID)
	add("group_id", filter.GroupID)
	add("job_type", filter.JobType)
	add("status", filter.Status)

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (completed_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CompletedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY completed_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var records []Record
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list archived jobs: %w", err)
	}

	jobs := make([]*queue.Job, len(records))
	for i := range records {
		jobs[i] = records[i].Job()
	}
	return jobs, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
