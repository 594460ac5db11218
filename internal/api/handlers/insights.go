package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/behavior"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/popularity"
	"github.com/frostdev-ops/pma-cache-engine/pkg/utils"
)

type accessBody struct {
	ResourceID string `json:"resource_id" binding:"required"`
	URL        string `json:"url"`
	LoadTimeMS int64  `json:"load_time_ms"`
	Success    *bool  `json:"success"`
	CacheHit   bool   `json:"cache_hit"`
}

type behaviorBody struct {
	Action   behavior.Action   `json:"action" binding:"required"`
	Resource string            `json:"resource"`
	Context  map[string]string `json:"context,omitempty"`
}

type prioritizeBody struct {
	ResourceID string `json:"resource_id" binding:"required"`
	URL        string `json:"url"`
}

// RecordAccess records a resource access observed outside the fetch router
func (h *Handlers) RecordAccess(c *gin.Context) {
	var body accessBody
	if !bindJSON(c, &body) {
		return
	}

	success := body.Success == nil || *body.Success
	err := h.engine.Popularity.RecordAccess(popularity.AccessEvent{
		ResourceID: body.ResourceID,
		URL:        body.URL,
		UserID:     userID(c),
		SessionID:  sessionID(c),
		LoadTime:   time.Duration(body.LoadTimeMS) * time.Millisecond,
		Success:    success,
		CacheHit:   body.CacheHit,
	})
	if err != nil {
		utils.SendAppError(c, badRequest(err))
		return
	}
	utils.SendCreated(c, gin.H{"resource_id": body.ResourceID})
}

// GetResourcePopularity returns the metrics of ?resource_id=
func (h *Handlers) GetResourcePopularity(c *gin.Context) {
	id := c.Query("resource_id")
	if id == "" {
		utils.SendError(c, http.StatusBadRequest, "resource_id is required")
		return
	}
	m, ok := h.engine.Popularity.GetMetrics(id)
	if !ok {
		utils.SendError(c, http.StatusNotFound, "No accesses recorded for resource")
		return
	}
	utils.SendSuccess(c, m)
}

// GetPopularContent ranks resources by popularity score
func (h *Handlers) GetPopularContent(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Popularity.GetPopularContent(parseLimit(c, defaultLimit)))
}

// GetTrendingContent ranks trending resources by growth
func (h *Handlers) GetTrendingContent(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Popularity.GetTrendingContent(parseLimit(c, defaultLimit)))
}

// GetPopularityRecommendations returns warming candidates derived from access patterns
func (h *Handlers) GetPopularityRecommendations(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Popularity.GetCacheWarmingRecommendations())
}

// RecordBehavior appends a user action
func (h *Handlers) RecordBehavior(c *gin.Context) {
	var body behaviorBody
	if !bindJSON(c, &body) {
		return
	}

	meta := body.Context
	if sid := sessionID(c); sid != "" {
		if meta == nil {
			meta = make(map[string]string, 1)
		}
		meta["session_id"] = sid
	}

	if err := h.engine.Behavior.RecordBehavior(userID(c), body.Action, body.Resource, meta); err != nil {
		utils.SendAppError(c, badRequest(err))
		return
	}
	utils.SendCreated(c, gin.H{"action": body.Action, "resource": body.Resource})
}

// GetBehaviorMetrics summarizes recorded behavior; without a user it covers everyone
func (h *Handlers) GetBehaviorMetrics(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Behavior.GetBehaviorMetrics(userID(c)))
}

// GetBehaviorRecommendations returns predicted resources for the user
func (h *Handlers) GetBehaviorRecommendations(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Behavior.GetCacheWarmingRecommendations(userID(c)))
}

// PrioritizeResource scores one resource for the current user
func (h *Handlers) PrioritizeResource(c *gin.Context) {
	var body prioritizeBody
	if !bindJSON(c, &body) {
		return
	}
	url := body.URL
	if url == "" {
		url = body.ResourceID
	}

	rp, err := h.engine.Prioritizer.PrioritizeResource(c.Request.Context(), body.ResourceID, url, userID(c))
	if err != nil {
		utils.SendAppError(c, badRequest(err))
		return
	}
	utils.SendSuccess(c, rp)
}

// GetPriorities lists tracked resources by priority; ?level=high or ?level=critical narrows it
func (h *Handlers) GetPriorities(c *gin.Context) {
	switch c.Query("level") {
	case "critical":
		utils.SendSuccess(c, h.engine.Prioritizer.GetCriticalResources())
	case "high":
		utils.SendSuccess(c, h.engine.Prioritizer.GetHighPriorityResources())
	case "":
		utils.SendSuccess(c, h.engine.Prioritizer.GetPrioritizedResources(parseLimit(c, defaultLimit)))
	default:
		utils.SendError(c, http.StatusBadRequest, "level must be high or critical")
	}
}
