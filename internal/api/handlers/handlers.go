package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/engine"
	"github.com/frostdev-ops/pma-cache-engine/internal/websocket"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
	"github.com/frostdev-ops/pma-cache-engine/pkg/utils"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// Handlers contains all HTTP handlers
type Handlers struct {
	engine *engine.Engine
	wsHub  *websocket.Hub
	log    *logrus.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(eng *engine.Engine, wsHub *websocket.Hub, logger *logrus.Logger) *Handlers {
	return &Handlers{
		engine: eng,
		wsHub:  wsHub,
		log:    logger,
	}
}

// parseLimit reads ?limit=, falling back to def and clamping to maxLimit
func parseLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// userID identifies the tab's user; the query parameter wins over the header
func userID(c *gin.Context) string {
	if id := c.Query("user_id"); id != "" {
		return id
	}
	return c.GetHeader("X-User-ID")
}

func sessionID(c *gin.Context) string {
	return c.GetHeader("X-Session-ID")
}

// bindJSON rejects malformed bodies with 400 and reports whether the handler may continue
func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// badRequest marks plain validation errors from the managers as client errors
func badRequest(err error) error {
	if apperrors.GetStatusCode(err) != http.StatusInternalServerError {
		return err
	}
	return apperrors.NewEnhanced(http.StatusBadRequest, err.Error(), apperrors.CategoryValidation, apperrors.SeverityLow)
}
