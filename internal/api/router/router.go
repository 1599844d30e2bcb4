package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/jobgate/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// Options tunes router middleware.
type Options struct {
	ClientRPS   float64 // zero disables the per-client throttle
	ClientBurst int
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", healthHandler(deps.Health))

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	if opts.ClientRPS > 0 {
		v1.Use(ThrottleMiddleware(NewClientLimiter(opts.ClientRPS, opts.ClientBurst), logger))
	}
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Admit and enqueue a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs?status=&limit= - List queued jobs by status
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		// GET /api/v1/archive/jobs - Page through archived jobs
		v1.GET("/archive/jobs", jobHandler.ListArchivedJobs)

		v1.GET("/queues/:job_type", jobHandler.QueueLength)
		v1.GET("/stats", jobHandler.Stats)

		limits := v1.Group("/limits")
		{
			limits.GET("/users/:user_id", jobHandler.UserLimits)
			limits.GET("/groups/:group_id", jobHandler.GroupLimits)
		}

		// POST /api/v1/groups/:group_id/messages - Count a group message against its hourly quota
		v1.POST("/groups/:group_id/messages", jobHandler.GroupMessage)

		v1.POST("/maintenance/cleanup", jobHandler.Cleanup)
	}

	return r
}

// HealthChecks runs checks in order and returns the first failure.
func HealthChecks(checks ...func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func healthHandler(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "job-api-service",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "job-api-service",
		})
	}
}
