package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-cache-engine/pkg/utils"
)

type warmingTaskBody struct {
	Resource   string            `json:"resource" binding:"required"`
	Priority   float64           `json:"priority"`
	Confidence float64           `json:"confidence"`
	Reason     string            `json:"reason"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// AddWarmingTask submits a resource for preloading
func (h *Handlers) AddWarmingTask(c *gin.Context) {
	var body warmingTaskBody
	if !bindJSON(c, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "manual"
	}

	id, err := h.engine.Warmer.AddWarmingTask(body.Resource, body.Priority, body.Reason, body.Confidence, body.Meta)
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendCreated(c, gin.H{"id": id, "resource": body.Resource})
}

// GetWarmerStatus returns the task queue snapshot
func (h *Handlers) GetWarmerStatus(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Warmer.GetQueueStatus())
}

// GetWarmerMetrics returns warming outcomes
func (h *Handlers) GetWarmerMetrics(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Warmer.GetMetrics())
}

// RunWarmingCycle pulls fresh candidates into the queue now
func (h *Handlers) RunWarmingCycle(c *gin.Context) {
	added, err := h.engine.Warmer.RunCycle(c.Request.Context())
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"added": added})
}
