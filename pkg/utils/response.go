package utils

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
)

// Response represents a standard API response
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
	Meta      interface{} `json:"meta,omitempty"`
}

// ErrorResponse represents an error response with request context
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     string      `json:"error"`
	Code      int         `json:"code"`
	Category  string      `json:"category,omitempty"`
	Timestamp string      `json:"timestamp"`
	Request   RequestInfo `json:"request"`
	Details   interface{} `json:"details,omitempty"`
}

// RequestInfo provides context about the failed request
type RequestInfo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Query  string `json:"query,omitempty"`
}

// OfflineBody is the payload served when an API request cannot reach the remote and has no cached copy
type OfflineBody struct {
	Error     string `json:"error"`
	Offline   bool   `json:"offline"`
	Message   string `json:"message"`
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
}

// SendSuccess sends a successful response
func SendSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SendCreated sends a 201 with the created resource
func SendCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SendSuccessWithMeta sends a successful response with metadata
func SendSuccessWithMeta(c *gin.Context, data interface{}, meta interface{}) {
	c.JSON(http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Meta:      meta,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SendError sends an error response with request context
func SendError(c *gin.Context, statusCode int, message string) {
	sendError(c, statusCode, message, "")
}

// SendAppError maps an application error to its status code and category
func SendAppError(c *gin.Context, err error) {
	category := apperrors.CategoryOf(err)
	if category != apperrors.CategoryInternal {
		c.Set("error_category", string(category))
	} else {
		category = ""
	}
	sendError(c, apperrors.GetStatusCode(err), err.Error(), string(category))
}

func sendError(c *gin.Context, statusCode int, message, category string) {
	errorResponse := ErrorResponse{
		Success:   false,
		Error:     message,
		Code:      statusCode,
		Category:  category,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Request: RequestInfo{
			Method: c.Request.Method,
			Path:   c.Request.URL.Path,
			Query:  c.Request.URL.RawQuery,
		},
	}

	if statusCode == http.StatusNotFound {
		if suggestions := notFoundSuggestions(c.Request.URL.Path); len(suggestions) > 0 {
			errorResponse.Details = map[string]interface{}{
				"suggestions": suggestions,
			}
		}
	}

	c.JSON(statusCode, errorResponse)
}

func notFoundSuggestions(path string) []string {
	groups := map[string]string{
		"invalidation": "/api/v1/invalidation/rules",
		"rule":         "/api/v1/invalidation/rules",
		"queue":        "/api/v1/queue/stats",
		"request":      "/api/v1/queue/requests",
		"sync":         "/api/v1/sync/metrics",
		"conflict":     "/api/v1/sync/conflicts",
		"popular":      "/api/v1/popularity/popular",
		"trend":        "/api/v1/popularity/trending",
		"behavior":     "/api/v1/behavior/metrics",
		"priorit":      "/api/v1/priorities",
		"warm":         "/api/v1/warmer/status",
		"health":       "/health",
	}

	pathLower := strings.ToLower(path)
	seen := make(map[string]bool)
	var suggestions []string
	for fragment, endpoint := range groups {
		if strings.Contains(pathLower, fragment) && !seen[endpoint] {
			seen[endpoint] = true
			suggestions = append(suggestions, endpoint)
		}
	}
	return suggestions
}
