package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/jobgate/internal/api/dto"
	"github.com/cuongbtq/jobgate/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// QueueLength handles GET /api/v1/queues/:job_type
func (h *JobHandler) QueueLength(c *gin.Context) {
	jobType := c.Param("job_type")

	n, err := h.queue.QueueLength(c.Request.Context(), jobType)
	if err != nil {
		h.logger.Error("Failed to read queue length", slog.String("job_type", jobType), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read queue length",
		})
		return
	}

	c.JSON(http.StatusOK, dto.QueueLengthResponse{JobType: jobType, Length: n})
}

// Stats handles GET /api/v1/stats
func (h *JobHandler) Stats(c *gin.Context) {
	stats, err := h.queue.Statistics(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read queue statistics", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read statistics",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// UserLimits handles GET /api/v1/limits/users/:user_id?tier=
func (h *JobHandler) UserLimits(c *gin.Context) {
	userID := c.Param("user_id")
	tier := ratelimit.ParseTier(c.Query("tier"))

	limits, err := h.admission.UserLimits(c.Request.Context(), userID, tier)
	if err != nil {
		h.logger.Error("Failed to read user limits", slog.String("user_id", userID), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Rate limit service unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, dto.LimitsResponse{Subject: userID, Tier: tier, Limits: limits})
}

// GroupLimits handles GET /api/v1/limits/groups/:group_id?tier=
func (h *JobHandler) GroupLimits(c *gin.Context) {
	groupID := c.Param("group_id")
	tier := ratelimit.ParseTier(c.Query("tier"))

	limits, err := h.admission.GroupLimits(c.Request.Context(), groupID, tier)
	if err != nil {
		h.logger.Error("Failed to read group limits", slog.String("group_id", groupID), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Rate limit service unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, dto.LimitsResponse{Subject: groupID, Tier: tier, Limits: limits})
}

// GroupMessage handles POST /api/v1/groups/:group_id/messages?tier=
// Consumes one token from the group's hourly message bucket
func (h *JobHandler) GroupMessage(c *gin.Context) {
	groupID := c.Param("group_id")
	tier := ratelimit.ParseTier(c.Query("tier"))

	decision, err := h.admission.CheckGroupMessages(c.Request.Context(), groupID, tier)
	for k, v := range decision.Headers() {
		c.Header(k, v)
	}
	if err != nil {
		h.logger.Error("Message admission check failed", slog.String("group_id", groupID), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Rate limit service unavailable",
		})
		return
	}
	if !decision.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":  "Rate limit exceeded",
			"limit":  decision.DeniedBy,
			"reason": decision.Reason,
		})
		return
	}

	c.JSON(http.StatusOK, dto.GroupMessageResponse{
		GroupID: groupID,
		Tier:    tier,
		Allowed: true,
		Quota:   decision.Quotas[ratelimit.DimensionGroupMessages],
	})
}

// Cleanup handles POST /api/v1/maintenance/cleanup
// Removes terminal jobs older than older_than, or the configured retention
func (h *JobHandler) Cleanup(c *gin.Context) {
	var req dto.CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	olderThan := h.retention
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "older_than must be a duration such as 24h",
			})
			return
		}
		olderThan = d
	}
	if olderThan <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "older_than must be greater than 0",
		})
		return
	}

	removed, err := h.queue.CleanupOldJobs(c.Request.Context(), olderThan)
	if err != nil {
		h.logger.Error("Cleanup failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Cleanup failed",
		})
		return
	}

	h.logger.Info("Cleanup finished",
		slog.Duration("older_than", olderThan),
		slog.Int("removed", removed),
	)
	c.JSON(http.StatusOK, dto.CleanupResponse{OlderThan: olderThan.String(), Removed: removed})
}
