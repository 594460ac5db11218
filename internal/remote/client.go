package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
	"github.com/frostdev-ops/pma-cache-engine/pkg/version"
)

const maxBodyBytes = 10 << 20

// Response is a fully read remote response
type Response struct {
	StatusCode int           `json:"status_code"`
	Header     http.Header   `json:"-"`
	Body       []byte        `json:"-"`
	Duration   time.Duration `json:"duration"`
}

// ContentType returns the response media type without parameters
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// Client talks to the finance resource API
type Client struct {
	baseURL    string
	healthPath string
	userAgent  string
	httpClient *http.Client
	breaker    *apperrors.CircuitBreaker
	logger     *logrus.Logger
}

// NewClient creates a new resource API client guarded by a circuit breaker
func NewClient(cfg config.RemoteConfig, logger *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/api/health"
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent("")
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		healthPath: healthPath,
		userAgent:  userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: apperrors.NewCircuitBreaker(apperrors.CircuitBreakerConfig{
			Name:         "remote-api",
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
			Logger:       logger,
		}),
		logger: logger,
	}
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// Do performs a request. Non-2xx responses are returned together with an
// EnhancedError classifying the status so callers can decide on retries.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*Response, error) {
	var resp *Response
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.do(ctx, method, path, body, headers)
		return err
	})
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), bodyReader)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to create request", apperrors.CategoryValidation)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read response body", apperrors.CategoryNetwork)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		Duration:   time.Since(start),
	}

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": resp.Duration,
	}).Debug("Remote request completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, apperrors.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode))
	}
	return resp, nil
}

func classifyTransportError(err error) error {
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &urlErr) && urlErr.Timeout()) {
		return apperrors.Wrap(err, "remote request timed out", apperrors.CategoryTimeout)
	}
	if errors.Is(err, context.Canceled) {
		wrapped := apperrors.Wrap(err, "remote request canceled", apperrors.CategoryNetwork)
		wrapped.Retryable = false
		return wrapped
	}
	return apperrors.Wrap(err, "remote request failed", apperrors.CategoryNetwork)
}

// Fetch performs a GET, used for warming and cache fills
func (c *Client) Fetch(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, nil)
}

// FetchSync loads the server copy of a resource; found is false on 404
func (c *Client) FetchSync(ctx context.Context, resource, id string) (json.RawMessage, bool, error) {
	resp, err := c.Do(ctx, http.MethodGet, syncPath(resource, id), nil, nil)
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 || bytes.Equal(bytes.TrimSpace(resp.Body), []byte("null")) {
		return nil, false, nil
	}
	return json.RawMessage(resp.Body), true, nil
}

// WriteSync pushes a local mutation: create posts to the collection,
// update puts to the sync endpoint, delete removes the item.
func (c *Client) WriteSync(ctx context.Context, opType, resource, id string, payload json.RawMessage) error {
	var err error
	switch opType {
	case "create":
		_, err = c.Do(ctx, http.MethodPost, "/api/"+url.PathEscape(resource), payload, nil)
	case "update":
		_, err = c.Do(ctx, http.MethodPut, syncPath(resource, id), payload, nil)
	case "delete":
		_, err = c.Do(ctx, http.MethodDelete, "/api/"+url.PathEscape(resource)+"/"+url.PathEscape(id), nil, nil)
	default:
		err = apperrors.NewEnhanced(http.StatusBadRequest, "unknown operation type "+opType, apperrors.CategoryValidation, apperrors.SeverityLow)
	}
	return err
}

// Health probes the health endpoint and returns the round-trip time
func (c *Client) Health(ctx context.Context) (time.Duration, error) {
	resp, err := c.do(ctx, http.MethodGet, c.healthPath, nil, nil)
	if err != nil {
		return 0, err
	}
	return resp.Duration, nil
}

// BreakerState reports the circuit breaker state
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func syncPath(resource, id string) string {
	return "/api/sync/" + url.PathEscape(resource) + "/" + url.PathEscape(id)
}
