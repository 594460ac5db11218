package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/invalidation"
	"github.com/frostdev-ops/pma-cache-engine/pkg/utils"
)

// ruleBody takes durations as Go duration strings ("30m", "24h")
type ruleBody struct {
	ID                 string   `json:"id"`
	Pattern            string   `json:"pattern" binding:"required"`
	MaxAge             string   `json:"max_age,omitempty"`
	TimeToLive         string   `json:"time_to_live,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	InvalidateOnEvents []string `json:"invalidate_on_events,omitempty"`
	VersionKey         string   `json:"version_key,omitempty"`
	Priority           int      `json:"priority"`
}

func (b ruleBody) rule() (invalidation.Rule, error) {
	rule := invalidation.Rule{
		ID:                 b.ID,
		Pattern:            b.Pattern,
		Tags:               b.Tags,
		InvalidateOnEvents: b.InvalidateOnEvents,
		VersionKey:         b.VersionKey,
		Priority:           b.Priority,
	}
	var err error
	if b.MaxAge != "" {
		if rule.MaxAge, err = time.ParseDuration(b.MaxAge); err != nil {
			return rule, err
		}
	}
	if b.TimeToLive != "" {
		if rule.TimeToLive, err = time.ParseDuration(b.TimeToLive); err != nil {
			return rule, err
		}
	}
	return rule, nil
}

// GetInvalidationRules lists rules in evaluation order
func (h *Handlers) GetInvalidationRules(c *gin.Context) {
	rules := h.engine.Invalidation.Rules()
	utils.SendSuccessWithMeta(c, rules, gin.H{"count": len(rules)})
}

// AddInvalidationRule registers a rule
func (h *Handlers) AddInvalidationRule(c *gin.Context) {
	var body ruleBody
	if !bindJSON(c, &body) {
		return
	}
	rule, err := body.rule()
	if err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid duration: "+err.Error())
		return
	}

	added, err := h.engine.Invalidation.AddRule(rule)
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendCreated(c, added)
}

// InvalidateByPattern deletes cached entries whose URL matches the pattern
func (h *Handlers) InvalidateByPattern(c *gin.Context) {
	var body struct {
		Pattern string `json:"pattern" binding:"required"`
	}
	if !bindJSON(c, &body) {
		return
	}
	h.sendInvalidation(c, h.engine.Invalidation.InvalidateByPattern(c.Request.Context(), body.Pattern))
}

// InvalidateByEvent applies every rule triggered by the event type
func (h *Handlers) InvalidateByEvent(c *gin.Context) {
	var body struct {
		Type string                 `json:"type" binding:"required"`
		Data map[string]interface{} `json:"data,omitempty"`
	}
	if !bindJSON(c, &body) {
		return
	}
	h.sendInvalidation(c, h.engine.Invalidation.InvalidateByEvent(c.Request.Context(), body.Type, body.Data))
}

// InvalidateByTag applies every rule carrying the tag
func (h *Handlers) InvalidateByTag(c *gin.Context) {
	h.sendInvalidation(c, h.engine.Invalidation.InvalidateByTag(c.Request.Context(), c.Param("tag")))
}

// SweepCaches evicts expired entries across all caches
func (h *Handlers) SweepCaches(c *gin.Context) {
	h.sendInvalidation(c, h.engine.Invalidation.Sweep(c.Request.Context()))
}

// partial failures still answer 200; the result carries the per-key errors
func (h *Handlers) sendInvalidation(c *gin.Context, result invalidation.Result) {
	if !result.Success {
		h.log.WithField("trigger", result.Trigger).WithField("errors", len(result.Errors)).Warn("Invalidation finished with errors")
	}
	utils.SendSuccess(c, result)
}

// GetInvalidationHistory returns the most recent invalidation results
func (h *Handlers) GetInvalidationHistory(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Invalidation.History(parseLimit(c, defaultLimit)))
}

// CleanupOrphanedCaches deletes caches left behind by older versions
func (h *Handlers) CleanupOrphanedCaches(c *gin.Context) {
	removed, err := h.engine.Invalidation.CleanupOrphanedCaches(c.Request.Context())
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"removed": removed})
}

// GetVersion returns the stored value of a version key
func (h *Handlers) GetVersion(c *gin.Context) {
	key := c.Param("key")
	utils.SendSuccess(c, gin.H{"key": key, "version": h.engine.Invalidation.Version(key)})
}

// SetVersion stores a version key; entries of rules bound to it expire on change
func (h *Handlers) SetVersion(c *gin.Context) {
	var body struct {
		Version string `json:"version" binding:"required"`
	}
	if !bindJSON(c, &body) {
		return
	}

	key := c.Param("key")
	if err := h.engine.Invalidation.SetVersion(c.Request.Context(), key, body.Version); err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"key": key, "version": body.Version})
}

// GetCacheStats reports entry counts and sizes per cache
func (h *Handlers) GetCacheStats(c *gin.Context) {
	stats, err := h.engine.CacheStats(c.Request.Context())
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendSuccess(c, stats)
}
