package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/queue"
	"github.com/frostdev-ops/pma-cache-engine/pkg/utils"
)

type queueRequestBody struct {
	URL        string            `json:"url" binding:"required"`
	Method     string            `json:"method" binding:"required"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Priority   queue.Priority    `json:"priority"`
	Headers    map[string]string `json:"headers,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
}

// GetQueueRequests lists queued requests, optionally filtered by ?status=
func (h *Handlers) GetQueueRequests(c *gin.Context) {
	requests := h.engine.Queue.Requests()

	if status := c.Query("status"); status != "" {
		filtered := requests[:0]
		for _, r := range requests {
			if string(r.Status) == status {
				filtered = append(filtered, r)
			}
		}
		requests = filtered
	}

	utils.SendSuccessWithMeta(c, requests, gin.H{"count": len(requests)})
}

// AddQueueRequest buffers a mutating request until the server is reachable
func (h *Handlers) AddQueueRequest(c *gin.Context) {
	var body queueRequestBody
	if !bindJSON(c, &body) {
		return
	}
	if body.Priority == "" {
		body.Priority = queue.PriorityMedium
	}

	id, err := h.engine.Queue.AddRequest(c.Request.Context(), body.URL, body.Method, body.Body, body.Priority, &queue.Meta{
		Headers:    body.Headers,
		Tags:       body.Tags,
		MaxRetries: body.MaxRetries,
	})
	if err != nil {
		utils.SendAppError(c, err)
		return
	}

	req, _ := h.engine.Queue.Get(id)
	utils.SendCreated(c, req)
}

// GetQueueRequest returns one queued request
func (h *Handlers) GetQueueRequest(c *gin.Context) {
	req, ok := h.engine.Queue.Get(c.Param("id"))
	if !ok {
		utils.SendError(c, http.StatusNotFound, "Queued request not found")
		return
	}
	utils.SendSuccess(c, req)
}

// DeleteQueueRequest drops a request that is not being processed
func (h *Handlers) DeleteQueueRequest(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Queue.Remove(c.Request.Context(), id); err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"id": id, "removed": true})
}

// GetQueueStats returns queue statistics
func (h *Handlers) GetQueueStats(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Queue.GetQueueStatistics())
}

// ProcessQueue drains the queue now
func (h *Handlers) ProcessQueue(c *gin.Context) {
	result, err := h.engine.Queue.ProcessQueue(c.Request.Context())
	if errors.Is(err, queue.ErrAlreadyProcessing) {
		utils.SendError(c, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendSuccess(c, result)
}

// RetryFailedRequests moves failed requests back to pending
func (h *Handlers) RetryFailedRequests(c *gin.Context) {
	n := h.engine.Queue.RetryFailedRequests(c.Request.Context())
	utils.SendSuccess(c, gin.H{"retried": n})
}

// ClearCompletedRequests removes completed requests
func (h *Handlers) ClearCompletedRequests(c *gin.Context) {
	n := h.engine.Queue.ClearCompletedRequests()
	utils.SendSuccess(c, gin.H{"cleared": n})
}
