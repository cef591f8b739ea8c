package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/user/octoroute/internal/service"
	"github.com/user/octoroute/internal/version"
)

// HealthHandler serves the service health report.
type HealthHandler struct {
	tracker *service.HealthTracker
}

// NewHealthHandler creates the handler.
func NewHealthHandler(tracker *service.HealthTracker) *HealthHandler {
	return &HealthHandler{tracker: tracker}
}

// Health handles GET /health. The overall status reflects endpoint health;
// health_tracking_status reports whether the background prober is still
// running or gave up after repeated crashes.
func (h *HealthHandler) Health(c *gin.Context) {
	snapshot := h.tracker.Snapshot()

	healthy := 0
	unhealthy := 0
	endpoints := make(map[string]string, len(snapshot))
	for name, ok := range snapshot {
		if ok {
			healthy++
			endpoints[name] = "healthy"
		} else {
			unhealthy++
			endpoints[name] = "unhealthy"
		}
	}

	status := "healthy"
	if unhealthy > 0 {
		status = "degraded"
	}
	if healthy == 0 && unhealthy > 0 {
		status = "unhealthy"
	}

	trackingStatus := "active"
	if h.tracker.Degraded() {
		trackingStatus = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":                 status,
		"version":                version.Short(),
		"healthy":                healthy,
		"unhealthy":              unhealthy,
		"endpoints":              endpoints,
		"health_tracking_status": trackingStatus,
	})
}
