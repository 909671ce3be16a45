package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/haivu-dev/courier/internal/monitoring"
	"github.com/haivu-dev/courier/pkg/response"
)

// HealthHandler serves the readiness and liveness endpoints.
type HealthHandler struct {
	health *monitoring.HealthManager
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(health *monitoring.HealthManager) *HealthHandler {
	return &HealthHandler{health: health}
}

// Check runs every dependency probe and reports 503 when any is not up.
func (h *HealthHandler) Check(c *gin.Context) {
	report := h.health.Evaluate(requestContext(c))
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Live is a trivial liveness probe: the process is serving requests.
func (h *HealthHandler) Live(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"status": "ok"})
}
