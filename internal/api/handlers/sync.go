package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/cachesync"
	"github.com/frostdev-ops/pma-cache-engine/pkg/utils"
)

type syncOperationBody struct {
	Type       cachesync.OpType   `json:"type" binding:"required"`
	Resource   string             `json:"resource" binding:"required"`
	ResourceID string             `json:"resource_id" binding:"required"`
	Data       json.RawMessage    `json:"data,omitempty"`
	Priority   cachesync.Priority `json:"priority"`
}

type resolveBody struct {
	Resolution cachesync.Resolution `json:"resolution" binding:"required"`
	Value      json.RawMessage      `json:"value,omitempty"`
}

// GetSyncOperations lists sync operations, optionally filtered by ?status=
func (h *Handlers) GetSyncOperations(c *gin.Context) {
	ops := h.engine.Sync.Operations()

	if status := c.Query("status"); status != "" {
		filtered := ops[:0]
		for _, op := range ops {
			if string(op.Status) == status {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}

	utils.SendSuccessWithMeta(c, ops, gin.H{"count": len(ops)})
}

// AddSyncOperation records a local change to push to the server
func (h *Handlers) AddSyncOperation(c *gin.Context) {
	var body syncOperationBody
	if !bindJSON(c, &body) {
		return
	}
	if body.Priority == "" {
		body.Priority = cachesync.PriorityMedium
	}

	id, err := h.engine.Sync.AddOperation(c.Request.Context(), body.Type, body.Resource, body.ResourceID, body.Data, body.Priority)
	if err != nil {
		utils.SendAppError(c, err)
		return
	}

	op, _ := h.engine.Sync.Operation(id)
	utils.SendCreated(c, op)
}

// GetSyncOperation returns one operation
func (h *Handlers) GetSyncOperation(c *gin.Context) {
	op, ok := h.engine.Sync.Operation(c.Param("id"))
	if !ok {
		utils.SendError(c, http.StatusNotFound, "Sync operation not found")
		return
	}
	utils.SendSuccess(c, op)
}

// GetConflicts lists conflicts; ?all=true includes resolved and ignored ones
func (h *Handlers) GetConflicts(c *gin.Context) {
	conflicts := h.engine.Sync.Conflicts(c.Query("all") != "true")
	utils.SendSuccessWithMeta(c, conflicts, gin.H{"count": len(conflicts)})
}

// ResolveConflict applies the chosen resolution exactly once
func (h *Handlers) ResolveConflict(c *gin.Context) {
	var body resolveBody
	if !bindJSON(c, &body) {
		return
	}

	id := c.Param("id")
	if err := h.engine.Sync.ResolveConflict(c.Request.Context(), id, body.Resolution, body.Value); err != nil {
		utils.SendAppError(c, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"conflict_id": id,
		"resolution":  body.Resolution,
	}).Info("Conflict resolved")
	utils.SendSuccess(c, gin.H{"id": id, "resolution": body.Resolution})
}

// IgnoreConflict gives up on the blocked operation
func (h *Handlers) IgnoreConflict(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Sync.IgnoreConflict(c.Request.Context(), id); err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"id": id, "ignored": true})
}

// ProcessSync runs one sync round; ?force=true clears backoff and drains until empty
func (h *Handlers) ProcessSync(c *gin.Context) {
	var (
		result cachesync.Result
		err    error
	)
	if c.Query("force") == "true" {
		result, err = h.engine.Sync.ForceSync(c.Request.Context())
	} else {
		result, err = h.engine.Sync.ProcessSyncQueue(c.Request.Context())
	}

	if errors.Is(err, cachesync.ErrSyncInProgress) {
		utils.SendError(c, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendSuccess(c, result)
}

// GetSyncMetrics returns sync metrics
func (h *Handlers) GetSyncMetrics(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Sync.GetMetrics())
}
