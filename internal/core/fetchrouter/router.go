package fetchrouter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/behavior"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/cache"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/invalidation"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/metrics"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/popularity"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/queue"
	"github.com/frostdev-ops/pma-cache-engine/internal/remote"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
)

// Source tells the caller where a response came from
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceQueued  Source = "queued"
	SourceOffline Source = "offline"
)

// Request is one fetch issued by a browser tab
type Request struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Priority  queue.Priority    `json:"priority,omitempty"`
}

// Response is what the tab receives
type Response struct {
	StatusCode  int               `json:"status"`
	Body        []byte            `json:"body"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers,omitempty"`
	Source      Source            `json:"source"`
	CacheType   cache.CacheType   `json:"cache_type"`
	Stale       bool              `json:"stale,omitempty"`
}

// Doer performs remote requests
type Doer interface {
	Do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*remote.Response, error)
}

// Enqueuer accepts mutations for later replay
type Enqueuer interface {
	AddRequest(ctx context.Context, url, method string, body json.RawMessage, priority queue.Priority, meta *queue.Meta) (string, error)
}

// Staleness decides whether a cached entry may still be served
type Staleness interface {
	ShouldInvalidate(url string, cacheType cache.CacheType, meta invalidation.EntryMetadata) bool
}

type OnlineChecker interface {
	IsOnline() bool
}

type AccessRecorder interface {
	RecordAccess(ev popularity.AccessEvent) error
}

type BehaviorRecorder interface {
	RecordBehavior(userID string, action behavior.Action, resource string, meta map[string]string) error
}

// Router applies the per-cache-type fetch strategies: network-first for API and runtime
// requests, cache-first for critical and static assets, and queueing for mutations made offline
type Router struct {
	cfg        config.CacheConfig
	namer      cache.Namer
	doer       Doer
	rc         cache.ResourceCache
	queue      Enqueuer
	online     OnlineChecker
	staleness  Staleness
	popularity AccessRecorder
	behavior   BehaviorRecorder
	recorder   metrics.Recorder
	clock      clock.Clock
	logger     *logrus.Logger
}

// Options collects the router's optional collaborators
type Options struct {
	Queue      Enqueuer
	Online     OnlineChecker
	Staleness  Staleness
	Popularity AccessRecorder
	Behavior   BehaviorRecorder
	Recorder   metrics.Recorder
	Clock      clock.Clock
}

func New(cfg config.CacheConfig, doer Doer, rc cache.ResourceCache, opts Options, logger *logrus.Logger) *Router {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	return &Router{
		cfg:        cfg,
		namer:      cache.Namer{Prefix: cfg.Prefix, Version: cfg.Version},
		doer:       doer,
		rc:         rc,
		queue:      opts.Queue,
		online:     opts.Online,
		staleness:  opts.Staleness,
		popularity: opts.Popularity,
		behavior:   opts.Behavior,
		recorder:   opts.Recorder,
		clock:      opts.Clock,
		logger:     logger,
	}
}

// Handle serves one request
func (r *Router) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.URL == "" {
		return nil, apperrors.NewEnhanced(http.StatusBadRequest, "url is required", apperrors.CategoryValidation, apperrors.SeverityLow)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)

	start := r.clock.Now()
	var (
		resp *Response
		err  error
	)
	if isMutation(req.Method) {
		resp, err = r.mutate(ctx, req)
	} else {
		cacheType := cache.ClassifyURL(req.URL, r.cfg.CriticalURLs)
		switch cacheType {
		case cache.CacheTypeCritical, cache.CacheTypeStatic:
			resp, err = r.cacheFirst(ctx, req, cacheType)
		default:
			resp, err = r.networkFirst(ctx, req, cacheType)
		}
	}
	if err != nil {
		return nil, err
	}

	r.observe(req, resp, r.clock.Since(start))
	return resp, nil
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (r *Router) isOnline() bool {
	return r.online == nil || r.online.IsOnline()
}

// networkFirst falls back to the cache when the network is unreachable, then to an offline payload
func (r *Router) networkFirst(ctx context.Context, req Request, cacheType cache.CacheType) (*Response, error) {
	if r.isOnline() {
		resp, err := r.fetch(ctx, req, cacheType)
		if err == nil {
			return resp, nil
		}
		if !apperrors.IsRetryable(err) {
			return nil, err
		}
		r.logger.WithError(err).WithField("url", req.URL).Debug("Network request failed, falling back to cache")
	}

	if entry := r.lookup(ctx, req.URL, cacheType); entry != nil {
		resp := fromEntry(entry, cacheType)
		resp.Stale = r.isStale(entry)
		return resp, nil
	}
	return offlineResponse(req.URL, cacheType), nil
}

// cacheFirst serves fresh cached copies and refreshes stale ones when the network allows
func (r *Router) cacheFirst(ctx context.Context, req Request, cacheType cache.CacheType) (*Response, error) {
	entry := r.lookup(ctx, req.URL, cacheType)
	if entry != nil && !r.isStale(entry) {
		return fromEntry(entry, cacheType), nil
	}

	if r.isOnline() {
		resp, err := r.fetch(ctx, req, cacheType)
		if err == nil {
			return resp, nil
		}
		if entry == nil && !apperrors.IsRetryable(err) {
			return nil, err
		}
	}
	if entry != nil {
		resp := fromEntry(entry, cacheType)
		resp.Stale = true
		return resp, nil
	}
	return offlineResponse(req.URL, cacheType), nil
}

// fetch performs the network request. Non-2xx responses pass through untouched unless
// the failure is transient, in which case the error is returned for a fallback.
func (r *Router) fetch(ctx context.Context, req Request, cacheType cache.CacheType) (*Response, error) {
	if r.doer == nil {
		return nil, apperrors.NewEnhanced(http.StatusServiceUnavailable, "no remote configured", apperrors.CategoryUnavailable, apperrors.SeverityMedium)
	}
	res, err := r.doer.Do(ctx, req.Method, req.URL, req.Body, req.Headers)
	if err != nil {
		if res != nil && !apperrors.IsRetryable(err) {
			return fromRemote(res, cacheType, SourceNetwork), nil
		}
		return nil, err
	}

	resp := fromRemote(res, cacheType, SourceNetwork)
	if req.Method == http.MethodGet && res.StatusCode == http.StatusOK {
		r.store(ctx, req.URL, cacheType, res)
	}
	return resp, nil
}

// mutate sends writes straight through when possible; transient failures and offline
// writes are queued for replay and acknowledged with 202
func (r *Router) mutate(ctx context.Context, req Request) (*Response, error) {
	if r.isOnline() && r.doer != nil {
		res, err := r.doer.Do(ctx, req.Method, req.URL, req.Body, req.Headers)
		if err == nil {
			return fromRemote(res, cache.CacheTypeRuntime, SourceNetwork), nil
		}
		if !apperrors.IsRetryable(err) {
			if res != nil {
				return fromRemote(res, cache.CacheTypeRuntime, SourceNetwork), nil
			}
			return nil, err
		}
		r.logger.WithError(err).WithField("url", req.URL).Info("Write failed, queueing for replay")
	}

	if r.queue == nil {
		return offlineResponse(req.URL, cache.CacheTypeRuntime), nil
	}
	priority := req.Priority
	if priority == "" {
		priority = queue.PriorityMedium
	}
	id, err := r.queue.AddRequest(ctx, req.URL, req.Method, req.Body, priority, &queue.Meta{Headers: req.Headers})
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]interface{}{
		"queued":  true,
		"id":      id,
		"message": "Request queued and will be sent when the connection is restored",
	})
	return &Response{
		StatusCode:  http.StatusAccepted,
		Body:        body,
		ContentType: "application/json",
		Source:      SourceQueued,
		CacheType:   cache.CacheTypeRuntime,
	}, nil
}

func (r *Router) lookup(ctx context.Context, url string, cacheType cache.CacheType) *cache.Entry {
	if r.rc == nil {
		return nil
	}
	entry, err := r.rc.Get(ctx, r.namer.Name(cacheType), url)
	r.recorder.RecordCacheLookup(string(cacheType), err == nil)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.WithError(err).WithField("url", url).Warn("Cache lookup failed")
		}
		return nil
	}
	return entry
}

func (r *Router) isStale(entry *cache.Entry) bool {
	if r.staleness == nil {
		return false
	}
	return r.staleness.ShouldInvalidate(entry.URL, entry.CacheType, invalidation.EntryMetadata{
		Timestamp: entry.CapturedAt,
		Version:   entry.Version,
		Tags:      entry.Tags,
	})
}

func (r *Router) store(ctx context.Context, url string, cacheType cache.CacheType, res *remote.Response) {
	if r.rc == nil {
		return
	}
	headers := map[string]string{}
	if etag := res.Header.Get("ETag"); etag != "" {
		headers["ETag"] = etag
	}
	entry := &cache.Entry{
		URL:         url,
		Body:        res.Body,
		ContentType: res.ContentType(),
		Status:      res.StatusCode,
		Headers:     headers,
		CacheType:   cacheType,
		CapturedAt:  r.clock.Now(),
		Version:     r.namer.Version,
		Size:        int64(len(res.Body)),
	}
	if err := r.rc.Put(ctx, r.namer.Name(cacheType), entry); err != nil {
		r.logger.WithError(err).WithField("url", url).Warn("Failed to cache response")
	}
}

func fromEntry(entry *cache.Entry, cacheType cache.CacheType) *Response {
	headers := make(map[string]string, len(entry.Headers)+1)
	for k, v := range entry.Headers {
		headers[k] = v
	}
	headers["X-Cache-Captured-At"] = entry.CapturedAt.UTC().Format(time.RFC3339)
	return &Response{
		StatusCode:  entry.Status,
		Body:        entry.Body,
		ContentType: entry.ContentType,
		Headers:     headers,
		Source:      SourceCache,
		CacheType:   cacheType,
	}
}

func fromRemote(res *remote.Response, cacheType cache.CacheType, source Source) *Response {
	headers := make(map[string]string, len(res.Header))
	for k := range res.Header {
		headers[k] = res.Header.Get(k)
	}
	return &Response{
		StatusCode:  res.StatusCode,
		Body:        res.Body,
		ContentType: res.ContentType(),
		Headers:     headers,
		Source:      source,
		CacheType:   cacheType,
	}
}

// offlineResponse is the synthetic reply for a request that neither network nor cache can serve
func offlineResponse(url string, cacheType cache.CacheType) *Response {
	body, _ := json.Marshal(map[string]interface{}{
		"offline": true,
		"error":   "offline",
		"message": "This content is not available offline",
		"url":     url,
	})
	return &Response{
		StatusCode:  http.StatusServiceUnavailable,
		Body:        body,
		ContentType: "application/json",
		Source:      SourceOffline,
		CacheType:   cacheType,
	}
}

// observe feeds every served request into the popularity and behavior models
func (r *Router) observe(req Request, resp *Response, elapsed time.Duration) {
	if req.Method != http.MethodGet {
		return
	}
	resource := resourceID(req.URL)
	if r.popularity != nil {
		err := r.popularity.RecordAccess(popularity.AccessEvent{
			ResourceID: resource,
			URL:        req.URL,
			UserID:     req.UserID,
			SessionID:  req.SessionID,
			LoadTime:   elapsed,
			Success:    resp.StatusCode < http.StatusBadRequest,
			CacheHit:   resp.Source == SourceCache,
		})
		if err != nil {
			r.logger.WithError(err).Debug("Failed to record access")
		}
	}
	if r.behavior != nil && req.UserID != "" {
		meta := map[string]string{"source": string(resp.Source)}
		if req.SessionID != "" {
			meta["session_id"] = req.SessionID
		}
		if err := r.behavior.RecordBehavior(req.UserID, behavior.ActionView, resource, meta); err != nil {
			r.logger.WithError(err).Debug("Failed to record behavior")
		}
	}
}

// resourceID strips the query so paginated views count as one resource
func resourceID(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		return url[:i]
	}
	return url
}
