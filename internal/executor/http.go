// Package executor adapts remote job executors to the worker.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cuongbtq/jobgate/internal/queue"
	"github.com/cuongbtq/jobgate/internal/worker"
)

// maxResponseBytes bounds the result body read from an executor.
const maxResponseBytes = 4 << 20

// Request is the body posted to an executor endpoint.
type Request struct {
	JobID      string          `json:"job_id"`
	JobType    string          `json:"job_type"`
	UserID     string          `json:"user_id"`
	GroupID    string          `json:"group_id"`
	Data       json.RawMessage `json:"data"`
	RetryCount int             `json:"retry_count"`
}

// HTTPExecutor posts jobs to an endpoint and returns its response body.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTP creates an executor for endpoint. A zero timeout leaves deadlines
// to the job context.
func NewHTTP(endpoint string, timeout time.Duration, logger *slog.Logger) (*HTTPExecutor, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid executor endpoint %q", endpoint)
	}
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

// Execute implements worker.Executor. Client errors other than 408 and 429
// are permanent; everything else is retryable.
func (e *HTTPExecutor) Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	body, err := json.Marshal(Request{
		JobID:      job.ID,
		JobType:    job.Type,
		UserID:     job.UserID,
		GroupID:    job.GroupID,
		Data:       job.Data,
		RetryCount: job.RetryCount,
	})
	if err != nil {
		return nil, worker.Permanent(fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, worker.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-ID", job.ID)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read executor response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.logger.Debug("Executor responded",
			slog.String("job_id", job.ID),
			slog.Int("status", resp.StatusCode),
			slog.Int("bytes", len(payload)),
		)
		return payload, nil
	}

	statusErr := &StatusError{Code: resp.StatusCode, Body: truncate(string(payload), 256)}
	if permanentStatus(resp.StatusCode) {
		return nil, worker.Permanent(statusErr)
	}
	return nil, statusErr
}

// StatusError is a non-2xx executor response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("executor returned %d", e.Code)
	}
	return fmt.Sprintf("executor returned %d: %s", e.Code, e.Body)
}

func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Register adds an HTTPExecutor for every job type in endpoints.
func Register(reg *worker.Registry, endpoints map[string]string, timeout time.Duration, logger *slog.Logger) error {
	var errs []error
	for jobType, endpoint := range endpoints {
		e, err := NewHTTP(endpoint, timeout, logger)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", jobType, err))
			continue
		}
		reg.Register(jobType, e)
		logger.Info("Registered HTTP executor",
			slog.String("job_type", jobType),
			slog.String("endpoint", endpoint),
		)
	}
	return errors.Join(errs...)
}
