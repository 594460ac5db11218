package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-cache-engine/pkg/version"
)

// Health runs the component checks; only an unhealthy engine answers 503
func (h *Handlers) Health(c *gin.Context) {
	report := h.engine.Health.Check(c.Request.Context())

	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":     report.Status,
		"message":    report.Message,
		"timestamp":  report.Timestamp.UTC().Format(time.RFC3339),
		"version":    version.GetVersion(),
		"uptime":     report.Uptime,
		"online":     h.engine.Connectivity.IsOnline(),
		"components": report.Components,
	})
}

// Version describes the engine build and the cache generation it serves
func (h *Handlers) Version(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.BuildInfo())
}
