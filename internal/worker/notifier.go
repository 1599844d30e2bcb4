package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobgate/internal/queue"
)

// Routing keys of outcome events.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Event is published when a job reaches a terminal status.
type Event struct {
	Type       string          `json:"event"`
	JobID      string          `json:"job_id"`
	JobType    string          `json:"job_type"`
	UserID     string          `json:"user_id"`
	GroupID    string          `json:"group_id"`
	Status     queue.Status    `json:"status"`
	RetryCount int             `json:"retry_count"`
	Error      string          `json:"error_message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Notifier delivers outcome events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Publisher is the subset of the RabbitMQ client used for events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// RabbitNotifier publishes events as JSON with the event type as routing key.
type RabbitNotifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewRabbitNotifier creates a notifier on top of publisher.
func NewRabbitNotifier(publisher Publisher, logger *slog.Logger) *RabbitNotifier {
	return &RabbitNotifier{publisher: publisher, logger: logger}
}

// Notify publishes e.
func (n *RabbitNotifier) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := n.publisher.Publish(ctx, e.Type, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}

	n.logger.Debug("Outcome event published",
		slog.String("event", e.Type),
		slog.String("job_id", e.JobID),
	)
	return nil
}

func newEvent(job *queue.Job, status queue.Status, result json.RawMessage, errMsg string, at time.Time) Event {
	e := Event{
		Type:       EventJobCompleted,
		JobID:      job.ID,
		JobType:    job.Type,
		UserID:     job.UserID,
		GroupID:    job.GroupID,
		Status:     status,
		RetryCount: job.RetryCount,
		Result:     result,
		OccurredAt: at,
	}
	if status == queue.StatusFailed {
		e.Type = EventJobFailed
		e.Error = errMsg
		e.Result = nil
	}
	return e
}
