package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/pkg/errors"
	"github.com/frostdev-ops/pma-cache-engine/pkg/utils"
)

// ErrorHandlingMiddleware recovers panics into a 500 EnhancedError response
func ErrorHandlingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		errorContext := &errors.ErrorContext{
			RequestID:  getRequestID(c),
			Operation:  fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path),
			Component:  "api_middleware",
			Timestamp:  time.Now(),
			StackTrace: string(debug.Stack()),
			Metadata: map[string]interface{}{
				"query":      c.Request.URL.RawQuery,
				"ip":         c.ClientIP(),
				"user_agent": c.GetHeader("User-Agent"),
			},
		}

		var enhancedErr *errors.EnhancedError
		switch err := recovered.(type) {
		case *errors.EnhancedError:
			enhancedErr = err.WithContext(errorContext)
		case error:
			enhancedErr = errors.Wrap(err, "Panic recovered", errors.CategoryInternal).WithContext(errorContext)
			enhancedErr.Severity = errors.SeverityCritical
		default:
			enhancedErr = errors.NewEnhanced(
				http.StatusInternalServerError,
				"Panic recovered",
				errors.CategoryInternal,
				errors.SeverityCritical,
			).WithContext(errorContext)
			enhancedErr.Details = fmt.Sprintf("%+v", recovered)
		}

		logger.WithFields(logrus.Fields{
			"error_id":    enhancedErr.ErrorID,
			"category":    enhancedErr.Category,
			"severity":    enhancedErr.Severity,
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"request_id":  errorContext.RequestID,
			"stack_trace": errorContext.StackTrace,
		}).Error("Panic recovered in API middleware")

		sendErrorResponse(c, enhancedErr)
		c.Abort()
	})
}

// ErrorResponseMiddleware renders the last error attached with c.Error when the handler wrote nothing
func ErrorResponseMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		entry := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"request_id": getRequestID(c),
			"category":   errors.CategoryOf(err),
		}).WithError(err)
		if errors.GetStatusCode(err) >= http.StatusInternalServerError {
			entry.Error("Request failed")
		} else {
			entry.Debug("Request rejected")
		}

		utils.SendAppError(c, err)
	}
}

// sendErrorResponse sends a standardized error response
func sendErrorResponse(c *gin.Context, err *errors.EnhancedError) {
	code := err.Code
	if code < http.StatusBadRequest {
		code = http.StatusInternalServerError
	}
	response := gin.H{
		"success":   false,
		"error":     getPublicErrorMessage(err),
		"code":      code,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"error_id":  err.ErrorID,
		"request": utils.RequestInfo{
			Method: c.Request.Method,
			Path:   c.Request.URL.Path,
			Query:  c.Request.URL.RawQuery,
		},
	}
	if err.Context != nil && err.Context.RequestID != "" {
		response["request_id"] = err.Context.RequestID
	}
	if err.Retryable {
		response["retryable"] = true
	}

	if gin.Mode() == gin.DebugMode {
		response["category"] = err.Category
		response["severity"] = err.Severity
		if err.Details != "" {
			response["details"] = err.Details
		}
		if err.Context != nil && err.Context.StackTrace != "" {
			lines := strings.Split(err.Context.StackTrace, "\n")
			if len(lines) > 10 {
				lines = lines[:10]
			}
			response["stack_trace"] = lines
		}
	}

	c.JSON(code, response)
}

// getPublicErrorMessage hides internals unless the error is meant for users
func getPublicErrorMessage(err *errors.EnhancedError) string {
	if err.UserFacing {
		return err.Message
	}

	switch err.Category {
	case errors.CategoryPersistence:
		return "A storage error occurred. Please try again later."
	case errors.CategoryNetwork:
		return "A network error occurred. Please check your connection and try again."
	case errors.CategoryTimeout:
		return "The request timed out. Please try again."
	case errors.CategoryUnavailable:
		return "The service is temporarily unavailable. Please try again later."
	default:
		return "An internal error occurred. Please try again later."
	}
}

func getRequestID(c *gin.Context) string {
	if requestID := c.GetString("request_id"); requestID != "" {
		return requestID
	}
	return c.GetHeader("X-Request-ID")
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
