package queue

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/remote"
)

// ExecutionResult describes a replayed request
type ExecutionResult struct {
	StatusCode int           `json:"status_code"`
	Body       []byte        `json:"-"`
	Duration   time.Duration `json:"duration"`
}

// Executor replays a queued request against the server
type Executor interface {
	Execute(ctx context.Context, req QueuedRequest) (*ExecutionResult, error)
}

// Doer is the subset of the remote client used for replays
type Doer interface {
	Do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*remote.Response, error)
}

// HTTPExecutor replays requests through the remote API client
type HTTPExecutor struct {
	client Doer
	logger *logrus.Logger
}

func NewHTTPExecutor(client Doer, logger *logrus.Logger) *HTTPExecutor {
	return &HTTPExecutor{client: client, logger: logger}
}

func (h *HTTPExecutor) Execute(ctx context.Context, req QueuedRequest) (*ExecutionResult, error) {
	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	headers["X-Offline-Request-Id"] = req.ID

	resp, err := h.client.Do(ctx, req.Method, req.URL, req.Body, headers)
	if resp == nil {
		return nil, err
	}

	result := &ExecutionResult{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Duration:   resp.Duration,
	}
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": req.ID,
			"status":     resp.StatusCode,
		}).Debug("Replayed request rejected")
	}
	return result, err
}
