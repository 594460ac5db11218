package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// AppError represents an application error with HTTP status code
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("code=%d, message=%s", e.Code, e.Message)
}

// Common errors
var (
	ErrNotFound       = &AppError{Code: http.StatusNotFound, Message: "Resource not found"}
	ErrBadRequest     = &AppError{Code: http.StatusBadRequest, Message: "Bad request"}
	ErrConflict       = &AppError{Code: http.StatusConflict, Message: "Conflict"}
	ErrUnavailable    = &AppError{Code: http.StatusServiceUnavailable, Message: "Service unavailable"}
	ErrInternalServer = &AppError{Code: http.StatusInternalServerError, Message: "Internal server error"}
)

// New creates a new AppError
func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// WithDetails adds details to an error
func WithDetails(err *AppError, details string) *AppError {
	return &AppError{
		Code:    err.Code,
		Message: err.Message,
		Details: details,
	}
}

// GetStatusCode returns the HTTP status code from an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	var enhanced *EnhancedError
	if errors.As(err, &enhanced) && enhanced.Code > 0 {
		return enhanced.Code
	}
	return http.StatusInternalServerError
}

// ErrorCategory classifies failures for retry and reporting decisions
type ErrorCategory string

const (
	CategoryNetwork     ErrorCategory = "network"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryClient      ErrorCategory = "client"
	CategoryServer      ErrorCategory = "server"
	CategoryUnavailable ErrorCategory = "unavailable"
	CategoryRateLimit   ErrorCategory = "rate_limit"
	CategoryConflict    ErrorCategory = "conflict"
	CategoryValidation  ErrorCategory = "validation"
	CategoryPersistence ErrorCategory = "persistence"
	CategoryQuota       ErrorCategory = "quota"
	CategoryInternal    ErrorCategory = "internal"
)

// ErrorSeverity indicates how loudly an error should be surfaced
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// ErrorContext carries where an error happened
type ErrorContext struct {
	Component  string                 `json:"component,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// EnhancedError is an error with category, severity and retry information
type EnhancedError struct {
	ErrorID    string        `json:"error_id"`
	Code       int           `json:"code"`
	Message    string        `json:"message"`
	Details    string        `json:"details,omitempty"`
	Category   ErrorCategory `json:"category"`
	Severity   ErrorSeverity `json:"severity"`
	Retryable  bool          `json:"retryable"`
	UserFacing bool          `json:"user_facing"`
	Context    *ErrorContext `json:"context,omitempty"`
	cause      error
}

func (e *EnhancedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap exposes the wrapped cause
func (e *EnhancedError) Unwrap() error {
	return e.cause
}

// NewEnhanced creates an EnhancedError; network, timeout, server, unavailable and
// rate-limit categories are retryable by default.
func NewEnhanced(code int, message string, category ErrorCategory, severity ErrorSeverity) *EnhancedError {
	return &EnhancedError{
		ErrorID:   uuid.New().String(),
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Retryable: retryableByDefault(category),
		Context: &ErrorContext{
			Timestamp: time.Now(),
			Metadata:  make(map[string]interface{}),
		},
	}
}

// Wrap wraps err into an EnhancedError of the given category
func Wrap(err error, message string, category ErrorCategory) *EnhancedError {
	enhanced := NewEnhanced(http.StatusInternalServerError, message, category, SeverityMedium)
	enhanced.cause = err
	return enhanced
}

// WithContext attaches context, keeping any metadata already present
func (e *EnhancedError) WithContext(ctx *ErrorContext) *EnhancedError {
	if ctx == nil {
		return e
	}
	if ctx.Metadata == nil {
		ctx.Metadata = make(map[string]interface{})
	}
	if e.Context != nil {
		for k, v := range e.Context.Metadata {
			if _, exists := ctx.Metadata[k]; !exists {
				ctx.Metadata[k] = v
			}
		}
	}
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now()
	}
	e.Context = ctx
	return e
}

// IsRetryable reports whether err is an EnhancedError marked retryable
func IsRetryable(err error) bool {
	var enhanced *EnhancedError
	if errors.As(err, &enhanced) {
		return enhanced.Retryable
	}
	return false
}

// CategoryOf returns the category of err, or internal when unknown
func CategoryOf(err error) ErrorCategory {
	var enhanced *EnhancedError
	if errors.As(err, &enhanced) {
		return enhanced.Category
	}
	return CategoryInternal
}

// FromHTTPStatus classifies a non-2xx response from the remote API
func FromHTTPStatus(status int, message string) *EnhancedError {
	switch {
	case status == http.StatusRequestTimeout:
		return NewEnhanced(status, message, CategoryTimeout, SeverityMedium)
	case status == http.StatusTooManyRequests:
		return NewEnhanced(status, message, CategoryRateLimit, SeverityMedium)
	case status == http.StatusConflict:
		return NewEnhanced(status, message, CategoryConflict, SeverityMedium)
	case status == http.StatusServiceUnavailable:
		return NewEnhanced(status, message, CategoryUnavailable, SeverityHigh)
	case status >= 500:
		return NewEnhanced(status, message, CategoryServer, SeverityHigh)
	default:
		return NewEnhanced(status, message, CategoryClient, SeverityLow)
	}
}

func retryableByDefault(category ErrorCategory) bool {
	switch category {
	case CategoryNetwork, CategoryTimeout, CategoryServer, CategoryUnavailable, CategoryRateLimit:
		return true
	default:
		return false
	}
}
