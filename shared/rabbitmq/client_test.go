package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigURL(t *testing.T) {
	cfg := &Config{Host: "mq", Port: 5672, User: "guest", Password: "guest", VHost: "/jobs"}
	assert.Equal(t, "amqp://guest:guest@mq:5672/jobs", cfg.URL())
}

func TestPublish_NotConnected(t *testing.T) {
	c := &Client{
		config: &Config{ExchangeName: "job_events", PublishRetries: 2, PublishRetryDelay: time.Millisecond},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	err := c.Publish(context.Background(), "job.completed", []byte(`{}`), "application/json")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close())
}

func TestPublish_ContextCanceledDuringBackoff(t *testing.T) {
	c := &Client{
		config: &Config{PublishRetries: 5, PublishRetryDelay: time.Second},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Publish(ctx, "job.failed", nil, "application/json")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
