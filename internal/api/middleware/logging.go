package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/pkg/logger"
)

// LoggingMiddleware logs every request; successful ones are folded into batch summaries
func LoggingMiddleware(log *logger.BatchLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := logrus.Fields{
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
			"request_id": getRequestID(c),
		}
		if len(c.Errors) > 0 {
			fields["error_message"] = c.Errors.String()
		}
		if category, ok := c.Get("error_category"); ok {
			fields["error_category"] = category
		}

		log.LogRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start), fields)
	}
}
