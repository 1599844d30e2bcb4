package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/jobgate/internal/archive"
	"github.com/cuongbtq/jobgate/internal/queue"
)

func DecodeJobCursor(cursorStr string) (*archive.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	completedAt, jobID, ok := strings.Cut(string(decoded), "|")
	if !ok || jobID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var nanos int64
	if _, err := fmt.Sscanf(completedAt, "%d", &nanos); err != nil {
		return nil, fmt.Errorf("invalid completedAt in cursor: %w", err)
	}

	return &archive.Cursor{
		CompletedAt: time.Unix(0, nanos).UTC(),
		JobID:       jobID,
	}, nil
}

func EncodeJobCursor(cursor *archive.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CompletedAt.UnixNano(), cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}

// cursorAfter positions the next page after job.
func cursorAfter(job *queue.Job) *archive.Cursor {
	at := job.CreatedAt
	if job.CompletedAt != nil {
		at = *job.CompletedAt
	}
	return &archive.Cursor{CompletedAt: at, JobID: job.ID}
}
