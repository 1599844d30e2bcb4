package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobgate/internal/api/handler"
	"github.com/cuongbtq/jobgate/internal/queue"
	"github.com/cuongbtq/jobgate/internal/ratelimit"
	"github.com/cuongbtq/jobgate/shared/postgresql"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newDeps(t *testing.T) *handler.Dependencies {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &handler.Dependencies{
		Logger:    logger,
		Queue:     queue.New(rdb, queue.WithLogger(logger)),
		Admission: ratelimit.NewController(rdb, ratelimit.WithLogger(logger)),
		Health:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
}

func serve(r http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	deps := newDeps(t)
	r := SetupRouter(deps, Options{})

	w := serve(r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	deps.Health = func(context.Context) error { return errors.New("redis down") }
	r = SetupRouter(deps, Options{})

	w = serve(r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis down")
}

func TestHealth_WithDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	pg := postgresql.NewFromDB(sqlx.NewDb(db, "sqlmock"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { pg.Close() })

	deps := newDeps(t)
	redisPing := deps.Health
	deps.Health = HealthChecks(redisPing, pg.HealthCheck)
	r := SetupRouter(deps, Options{})

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	w := serve(r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	w = serve(r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "database health check failed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRoutes(t *testing.T) {
	r := SetupRouter(newDeps(t), Options{})

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/v1/stats", http.StatusOK},
		{http.MethodGet, "/api/v1/queues/summary", http.StatusOK},
		{http.MethodGet, "/api/v1/jobs?status=pending", http.StatusOK},
		{http.MethodGet, "/api/v1/jobs/not-a-uuid", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/limits/users/u1", http.StatusOK},
		{http.MethodGet, "/api/v1/limits/groups/g1", http.StatusOK},
		{http.MethodGet, "/api/v1/archive/jobs", http.StatusNotFound},
		{http.MethodPost, "/api/v1/jobs", http.StatusBadRequest},
		{http.MethodPost, "/api/v1/groups/g1/messages", http.StatusOK},
		{http.MethodDelete, "/api/v1/jobs/x", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, serve(r, tt.method, tt.path).Code)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	r := SetupRouter(newDeps(t), Options{})

	w := serve(r, http.MethodOptions, "/api/v1/jobs")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-RateLimit-Remaining")
}

func TestThrottleMiddleware(t *testing.T) {
	r := SetupRouter(newDeps(t), Options{ClientRPS: 0.5, ClientBurst: 2})

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/api/v1/stats").Code)
	}

	w := serve(r, http.MethodGet, "/api/v1/stats")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Health sits outside the throttled group.
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/health").Code)
}

func TestClientLimiter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewClientLimiter(1, 1)
	l.now = func() time.Time { return now }

	ok, _ := l.Reserve("10.0.0.1")
	assert.True(t, ok)

	ok, wait := l.Reserve("10.0.0.1")
	assert.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	ok, _ = l.Reserve("10.0.0.2")
	assert.True(t, ok, "clients are limited independently")

	now = now.Add(time.Second)
	ok, _ = l.Reserve("10.0.0.1")
	assert.True(t, ok)

	now = now.Add(limiterIdleTTL + time.Minute)
	l.Reserve("10.0.0.3")
	assert.Len(t, l.clients, 1)
}
