package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xpod/fabric/internal/repository"
)

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	startTime  time.Time
	selfNodeID string
}

// NewHealthHandler creates a health handler
func NewHealthHandler(selfNodeID string) *HealthHandler {
	return &HealthHandler{startTime: time.Now(), selfNodeID: selfNodeID}
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK

	database := "connected"
	if err := repository.Ping(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		database = "unavailable"
	}

	c.JSON(code, gin.H{
		"status":   status,
		"node_id":  h.selfNodeID,
		"database": database,
		"uptime":   time.Since(h.startTime).String(),
	})
}
