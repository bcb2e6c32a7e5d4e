package gatewayhttp

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health handles GET /health and GET /api/health, building the
// status-string semantics of spec.md §6's health row directly (rather
// than delegating to the generic HealthChecker, since "degraded"
// depends on registry counts the checker doesn't see on its own).
func (s *Server) Health(c *gin.Context) {
	stats := s.reg.GetStats()

	status := "healthy"
	switch {
	case stats.Online == 0:
		status = "unhealthy"
	case stats.Ready == 0:
		status = "degraded"
	}

	httpStatus := http.StatusOK
	if status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":          status,
		"version":         "1.0.0",
		"uptime_seconds":  time.Since(s.startedAt).Seconds(),
		"components":      s.health.GetHealth(),
	})
}

// Status handles GET /api/status.
func (s *Server) Status(c *gin.Context) {
	c.JSON(http.StatusOK, s.buildStatus())
}
