package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/jobgate/internal/api/dto"
	"github.com/cuongbtq/jobgate/internal/archive"
	"github.com/cuongbtq/jobgate/internal/queue"
	"github.com/cuongbtq/jobgate/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultPageSize  = 20
	maxPageSize      = 100
)

// CreateJob handles POST /api/v1/jobs
// Admits the request against the owner's quotas, then enqueues the job
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !h.acceptsType(req.JobType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unsupported job_type",
		})
		return
	}

	ctx := c.Request.Context()
	tier := ratelimit.ParseTier(req.Tier)

	decision, err := h.admission.CheckRequest(ctx, req.UserID, req.GroupID, tier)
	for k, v := range decision.Headers() {
		c.Header(k, v)
	}
	if err != nil {
		h.logger.Error("Admission check failed",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Rate limit service unavailable",
		})
		return
	}
	if !decision.Allowed {
		h.logger.Info("Job request denied",
			slog.String("user_id", req.UserID),
			slog.String("group_id", req.GroupID),
			slog.String("limit", string(decision.DeniedBy)),
		)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":  "Rate limit exceeded",
			"limit":  decision.DeniedBy,
			"reason": decision.Reason,
		})
		return
	}

	maxRetries := h.defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	owner := queue.Owner{UserID: req.UserID, GroupID: req.GroupID}
	jobID, err := h.queue.Enqueue(ctx, req.JobType, owner, req.Data, maxRetries)
	if err != nil {
		// The admitted slot is only released by the worker once a job exists.
		if relErr := h.admission.ReleaseConcurrent(ctx, req.UserID); relErr != nil {
			h.logger.Warn("Failed to release concurrency slot",
				slog.String("user_id", req.UserID),
				slog.String("error", relErr.Error()),
			)
		}
		if errors.Is(err, queue.ErrInvalidJob) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:   jobID,
		JobType: req.JobType,
		Status:  queue.StatusPending,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Looks the job up in the queue, then in the archive
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	ctx := c.Request.Context()
	job, err := h.queue.GetJob(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) && h.archive != nil {
		job, err = h.archive.GetJob(ctx, jobID)
	}
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) || errors.Is(err, archive.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists queued jobs in one status, oldest first
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	status := queue.StatusPending
	if req.Status != "" {
		s, err := queue.ParseStatus(req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		status = s
	}

	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}

	jobs, err := h.queue.GetJobsByStatus(c.Request.Context(), status, req.Limit)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{Jobs: toDTOs(jobs)})
}

// ListArchivedJobs handles GET /api/v1/archive/jobs
// Pages through archived jobs, most recently completed first
func (h *JobHandler) ListArchivedJobs(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Archive is not enabled",
		})
		return
	}

	var req dto.ListArchivedJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := archive.Filter{
		UserID:   req.UserID,
		GroupID:  req.GroupID,
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.archive.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list archived jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	var nextCursor string
	if len(jobs) > req.PageSize {
		jobs = jobs[:req.PageSize]
		nextCursor = EncodeJobCursor(cursorAfter(jobs[len(jobs)-1]))
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       toDTOs(jobs),
		NextCursor: nextCursor,
	})
}

func toDTOs(jobs []*queue.Job) []dto.JobDTO {
	out := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		out[i] = dto.NewJobDTO(job)
	}
	return out
}
