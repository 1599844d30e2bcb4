package archive

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobgate/internal/queue"
)

var archivedAt = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(sqlx.NewDb(db, "sqlmock"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.clock = func() time.Time { return archivedAt }
	return s, mock
}

func terminalJob(id string, status queue.Status) *queue.Job {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	completed := created.Add(3 * time.Second)
	job := &queue.Job{
		ID:          id,
		Status:      status,
		Type:        "summary",
		UserID:      "1",
		GroupID:     "9",
		Data:        json.RawMessage(`{"hours":24}`),
		CreatedAt:   created,
		StartedAt:   &started,
		CompletedAt: &completed,
		MaxRetries:  3,
	}
	if status == queue.StatusCompleted {
		job.Result = json.RawMessage(`{"summary":"ok"}`)
	} else {
		job.RetryCount = 3
		job.ErrorMessage = "timeout"
	}
	return job
}

func TestEnsureSchema(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS archived_jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveJobs(t *testing.T) {
	s, mock := newTestStore(t)
	completed := terminalJob("j1", queue.StatusCompleted)
	failed := terminalJob("j2", queue.StatusFailed)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO archived_jobs").
		WithArgs("j1", "summary", "completed", "1", "9", `{"hours":24}`, `{"summary":"ok"}`, nil, 0, 3,
			completed.CreatedAt, *completed.StartedAt, *completed.CompletedAt, archivedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO archived_jobs").
		WithArgs("j2", "summary", "failed", "1", "9", `{"hours":24}`, nil, "timeout", 3, 3,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), archivedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.ArchiveJobs(context.Background(), []*queue.Job{completed, failed}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveJobs_RollsBackOnError(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO archived_jobs").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.ArchiveJobs(context.Background(), []*queue.Job{terminalJob("j1", queue.StatusCompleted)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to archive job j1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveJobs_Empty(t *testing.T) {
	s, mock := newTestStore(t)

	require.NoError(t, s.ArchiveJobs(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

var recordColumns = []string{
	"job_id", "job_type", "status", "user_id", "group_id", "data", "result",
	"error_message", "retry_count", "max_retries", "created_at", "started_at", "completed_at", "archived_at",
}

func TestGetJob(t *testing.T) {
	s, mock := newTestStore(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := created.Add(3 * time.Second)

	mock.ExpectQuery("SELECT .* FROM archived_jobs WHERE job_id = \\$1").
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(
			"j1", "summary", "failed", "1", "9", []byte(`{}`), nil,
			"timeout", 3, 3, created, nil, completed, archivedAt,
		))

	job, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.Equal(t, "timeout", job.ErrorMessage)
	assert.Nil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, completed.Equal(*job.CompletedAt))
	assert.Nil(t, job.Result)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob_NotFound(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT .* FROM archived_jobs").WithArgs("missing").WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobs(t *testing.T) {
	cursorTime := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		filter  Filter
		pattern string
		args    []driver.Value
	}{
		{
			name:    "no filters",
			filter:  Filter{PageSize: 20},
			pattern: `WHERE 1=1 ORDER BY completed_at DESC, job_id DESC LIMIT \$1`,
			args:    []driver.Value{21},
		},
		{
			name:    "user and status",
			filter:  Filter{UserID: "1", Status: "failed", PageSize: 10},
			pattern: `AND user_id = \$1 AND status = \$2 ORDER BY .* LIMIT \$3`,
			args:    []driver.Value{"1", "failed", 11},
		},
		{
			name:    "cursor",
			filter:  Filter{JobType: "summary", PageSize: 5, Cursor: &Cursor{CompletedAt: cursorTime, JobID: "j9"}},
			pattern: `AND job_type = \$1 AND \(completed_at, job_id\) < \(\$2, \$3\) ORDER BY .* LIMIT \$4`,
			args:    []driver.Value{"summary", cursorTime, "j9", 6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStore(t)
			created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

			mock.ExpectQuery(tt.pattern).
				WithArgs(tt.args...).
				WillReturnRows(sqlmock.NewRows(recordColumns).
					AddRow("j2", "summary", "completed", "1", "9", []byte(`{}`), []byte(`{"ok":true}`), "", 0, 3, created, created, created, archivedAt).
					AddRow("j1", "summary", "completed", "1", "9", []byte(`{}`), nil, "", 0, 3, created, created, created, archivedAt))

			jobs, err := s.ListJobs(context.Background(), tt.filter)
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			assert.Equal(t, "j2", jobs[0].ID)
			assert.JSONEq(t, `{"ok":true}`, string(jobs[0].Result))
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
