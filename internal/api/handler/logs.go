package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/octoroute/internal/models"
	"github.com/user/octoroute/internal/storage"
)

// LogsHandler exposes the request audit log for operators.
type LogsHandler struct {
	repo   *storage.RequestLogRepository
	logger *zap.Logger
}

// NewLogsHandler creates the handler.
func NewLogsHandler(repo *storage.RequestLogRepository, logger *zap.Logger) *LogsHandler {
	return &LogsHandler{repo: repo, logger: logger}
}

// List handles GET /admin/logs with limit/offset pagination and an optional
// tier filter.
func (h *LogsHandler) List(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	if limit < 1 || limit > 500 {
		invalidRequest(c, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		invalidRequest(c, http.StatusBadRequest, "offset must not be negative")
		return
	}
	tier := c.Query("tier")
	if tier != "" {
		if _, err := models.ParseTier(tier); err != nil {
			invalidRequest(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	entries, total, err := h.repo.List(c.Request.Context(), limit, offset, tier)
	if err != nil {
		h.logger.Error("failed to list request logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.NewServerError("failed to list request logs"))
		return
	}

	items := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		items = append(items, gin.H{
			"id":            e.ID,
			"request_id":    e.RequestID,
			"tier":          e.Tier,
			"strategy":      e.Strategy,
			"endpoint_name": e.EndpointName,
			"task_type":     e.TaskType,
			"importance":    e.Importance,
			"input_tokens":  e.InputTokens,
			"output_tokens": e.OutputTokens,
			"latency_ms":    e.LatencyMs,
			"status_code":   e.StatusCode,
			"success":       e.Success,
			"stream":        e.Stream,
			"created_at":    e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "logs": items})
}

// Stats handles GET /admin/logs/stats with per-tier aggregates.
func (h *LogsHandler) Stats(c *gin.Context) {
	stats, err := h.repo.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to aggregate request logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.NewServerError("failed to aggregate request logs"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"by_tier": stats})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}
