package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/api/middleware"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/fetchrouter"
	"github.com/frostdev-ops/pma-cache-engine/pkg/utils"
)

// Fetch routes a tab's request through the cache strategies and relays the response as-is.
// The X-Cache-* headers tell the tab where the body came from.
func (h *Handlers) Fetch(c *gin.Context) {
	var req fetchrouter.Request
	if !bindJSON(c, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = userID(c)
	}
	if req.SessionID == "" {
		req.SessionID = sessionID(c)
	}

	res, err := h.engine.Router.Handle(c.Request.Context(), req)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"method": req.Method,
			"url":    req.URL,
		}).Debug("Fetch failed")
		utils.SendAppError(c, err)
		return
	}

	for k, v := range res.Headers {
		c.Header(k, v)
	}
	c.Header(middleware.CacheSourceHeader, string(res.Source))
	c.Header("X-Cache-Type", string(res.CacheType))
	c.Header("X-Cache-Stale", strconv.FormatBool(res.Stale))

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.Data(status, contentType, res.Body)
}
