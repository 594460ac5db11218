package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/metrics"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
)

// Priority orders requests: critical drains first
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	return p.rank() > 0
}

// Status of a queued request
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const snapshotKey = "requests"

// ErrAlreadyProcessing is returned when a drain is already running
var ErrAlreadyProcessing = errors.New("queue processing already in progress")

// QueuedRequest is a mutating request buffered until the server is reachable
type QueuedRequest struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      Priority          `json:"priority"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	Status        Status            `json:"status"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Sequence      uint64            `json:"sequence"`
}

// Exhausted reports whether no retries remain
func (r *QueuedRequest) Exhausted() bool {
	return r.RetryCount >= r.MaxRetries
}

// Meta carries optional request attributes
type Meta struct {
	Headers    map[string]string `json:"headers,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
}

// Statistics is a point-in-time view of the queue
type Statistics struct {
	Total          int              `json:"total"`
	Pending        int              `json:"pending"`
	Processing     int              `json:"processing"`
	Completed      int              `json:"completed"`
	Failed         int              `json:"failed"`
	ByPriority     map[Priority]int `json:"by_priority"`
	OldestPending  *time.Time       `json:"oldest_pending,omitempty"`
	TotalProcessed int64            `json:"total_processed"`
	TotalSucceeded int64            `json:"total_succeeded"`
	TotalFailed    int64            `json:"total_failed"`
	TotalRetries   int64            `json:"total_retries"`
	LastProcessed  *time.Time       `json:"last_processed,omitempty"`
	Draining       bool             `json:"draining"`
}

// OnlineChecker gates processing on connectivity
type OnlineChecker interface {
	IsOnline() bool
}

// Queue buffers mutating requests made while offline and replays them in priority order
type Queue struct {
	cfg       config.QueueConfig
	executor  Executor
	online    OnlineChecker
	policy    *apperrors.RetryPolicy
	persister *storage.Persister
	bus       events.Publisher
	recorder  metrics.Recorder
	clock     clock.Clock
	logger    *logrus.Logger

	mu       sync.Mutex
	requests map[string]*QueuedRequest
	sequence uint64
	draining atomic.Bool

	processed, succeeded, failed, retries int64
	lastProcessed                         *time.Time
}

// New creates an offline request queue; online may be nil to always allow processing
func New(cfg config.QueueConfig, executor Executor, online OnlineChecker, clk clock.Clock, persister *storage.Persister, bus events.Publisher, recorder metrics.Recorder, logger *logrus.Logger) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	if bus == nil {
		bus = events.Discard{}
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if persister != nil {
		persister = persister.Namespace("offline-queue")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}

	return &Queue{
		cfg:      cfg,
		executor: executor,
		online:   online,
		policy: &apperrors.RetryPolicy{
			MaxAttempts:   cfg.MaxRetries,
			InitialDelay:  cfg.InitialDelay,
			MaxDelay:      cfg.MaxDelay,
			BackoffFactor: cfg.BackoffFactor,
			Jitter:        cfg.Jitter,
		},
		persister: persister,
		bus:       bus,
		recorder:  recorder,
		clock:     clk,
		logger:    logger,
		requests:  make(map[string]*QueuedRequest),
	}
}

// AddRequest validates and enqueues a request, persisting the queue before returning
func (q *Queue) AddRequest(ctx context.Context, url, method string, body json.RawMessage, priority Priority, meta *Meta) (string, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if err := validateRequest(url, method, priority); err != nil {
		return "", err
	}
	if meta == nil {
		meta = &Meta{}
	}
	maxRetries := meta.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.MaxRetries
	}

	q.mu.Lock()
	if q.cfg.MaxQueueSize > 0 && q.activeCountLocked() >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return "", apperrors.NewEnhanced(http.StatusInsufficientStorage, "offline queue is full", apperrors.CategoryQuota, apperrors.SeverityMedium)
	}

	q.sequence++
	now := q.clock.Now()
	req := &QueuedRequest{
		ID:         uuid.New().String(),
		URL:        url,
		Method:     method,
		Body:       body,
		Headers:    meta.Headers,
		Priority:   priority,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: maxRetries,
		Status:     StatusPending,
		Tags:       meta.Tags,
		Sequence:   q.sequence,
	}
	q.requests[req.ID] = req
	added := *req
	q.mu.Unlock()

	q.persist(ctx)
	q.bus.Publish(events.RequestQueued, "offline-queue", added)
	q.logger.WithFields(logrus.Fields{
		"request_id": added.ID,
		"method":     added.Method,
		"url":        added.URL,
		"priority":   added.Priority,
	}).Info("Request queued")

	return added.ID, nil
}

func validateRequest(url, method string, priority Priority) error {
	var problems []string
	if strings.TrimSpace(url) == "" {
		problems = append(problems, "url is required")
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	case "":
		problems = append(problems, "method is required")
	default:
		problems = append(problems, fmt.Sprintf("method %s is not a mutating method", method))
	}
	if !priority.Valid() {
		problems = append(problems, fmt.Sprintf("unknown priority %q", priority))
	}
	if len(problems) == 0 {
		return nil
	}
	return apperrors.NewEnhanced(http.StatusBadRequest, "invalid request: "+strings.Join(problems, "; "), apperrors.CategoryValidation, apperrors.SeverityLow)
}

// Get returns a copy of a request
func (q *Queue) Get(id string) (QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[id]
	if !ok {
		return QueuedRequest{}, false
	}
	return *req, true
}

// Remove drops a request that is not currently being sent
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	req, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return apperrors.NewEnhanced(http.StatusNotFound, "request not found", apperrors.CategoryValidation, apperrors.SeverityLow)
	}
	if req.Status == StatusProcessing {
		q.mu.Unlock()
		return apperrors.NewEnhanced(http.StatusConflict, "request is being processed", apperrors.CategoryConflict, apperrors.SeverityLow)
	}
	delete(q.requests, id)
	q.mu.Unlock()

	q.persist(ctx)
	return nil
}

// Pending returns pending requests in dequeue order
func (q *Queue) Pending() []QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []QueuedRequest
	for _, req := range q.orderedLocked() {
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	return out
}

// Requests returns every request in dequeue order
func (q *Queue) Requests() []QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := q.orderedLocked()
	out := make([]QueuedRequest, len(ordered))
	for i, req := range ordered {
		out[i] = *req
	}
	return out
}

// RetryFailedRequests moves terminal failures back to pending with a fresh retry budget
func (q *Queue) RetryFailedRequests(ctx context.Context) int {
	q.mu.Lock()
	count := 0
	now := q.clock.Now()
	for _, req := range q.requests {
		if req.Status != StatusFailed {
			continue
		}
		req.Status = StatusPending
		req.RetryCount = 0
		req.NextAttemptAt = nil
		req.UpdatedAt = now
		count++
	}
	q.mu.Unlock()

	if count > 0 {
		q.persist(ctx)
		q.logger.WithField("count", count).Info("Failed requests reset for retry")
	}
	return count
}

// ClearCompletedRequests drops completed requests from memory
func (q *Queue) ClearCompletedRequests() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for id, req := range q.requests {
		if req.Status == StatusCompleted {
			delete(q.requests, id)
			count++
		}
	}
	return count
}

// GetQueueStatistics returns counts by status and priority plus lifetime totals
func (q *Queue) GetQueueStatistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Statistics{
		Total:          len(q.requests),
		ByPriority:     make(map[Priority]int),
		TotalProcessed: q.processed,
		TotalSucceeded: q.succeeded,
		TotalFailed:    q.failed,
		TotalRetries:   q.retries,
		LastProcessed:  q.lastProcessed,
		Draining:       q.draining.Load(),
	}
	for _, req := range q.requests {
		switch req.Status {
		case StatusPending:
			stats.Pending++
			if stats.OldestPending == nil || req.CreatedAt.Before(*stats.OldestPending) {
				created := req.CreatedAt
				stats.OldestPending = &created
			}
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
		if req.Status != StatusCompleted {
			stats.ByPriority[req.Priority]++
		}
	}
	return stats
}

// orderedLocked sorts by priority then insertion sequence; callers hold q.mu
func (q *Queue) orderedLocked() []*QueuedRequest {
	out := make([]*QueuedRequest, 0, len(q.requests))
	for _, req := range q.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Priority.rank(), out[j].Priority.rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

func (q *Queue) activeCountLocked() int {
	n := 0
	for _, req := range q.requests {
		if req.Status == StatusPending || req.Status == StatusProcessing {
			n++
		}
	}
	return n
}

// persist saves the non-completed subset; failures are logged and in-memory state stays authoritative
func (q *Queue) persist(ctx context.Context) {
	q.mu.Lock()
	snapshot := make([]QueuedRequest, 0, len(q.requests))
	depth := map[Status]int{}
	for _, req := range q.orderedLocked() {
		depth[req.Status]++
		if req.Status != StatusCompleted {
			snapshot = append(snapshot, *req)
		}
	}
	q.mu.Unlock()

	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		q.recorder.SetQueueDepth(string(s), depth[s])
	}

	if q.persister == nil {
		return
	}
	err := q.persister.Save(ctx, snapshotKey, snapshot)
	q.recorder.RecordPersistence("offline-queue", err)
	if err != nil {
		q.logger.WithError(err).Warn("Failed to persist offline queue")
	}
}

// Save persists the queue snapshot
func (q *Queue) Save(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}
	q.persist(ctx)
	return nil
}

// Load restores the last snapshot, purging expired or exhausted requests
func (q *Queue) Load(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}
	var snapshot []QueuedRequest
	found, err := q.persister.Load(ctx, snapshotKey, &snapshot)
	if err != nil || !found {
		return err
	}

	now := q.clock.Now()
	purged := 0

	q.mu.Lock()
	for i := range snapshot {
		req := snapshot[i]
		if q.cfg.RetentionPeriod > 0 && now.Sub(req.CreatedAt) > q.cfg.RetentionPeriod {
			purged++
			continue
		}
		if req.Exhausted() {
			purged++
			continue
		}
		// interrupted sends are replayed
		if req.Status == StatusProcessing {
			req.Status = StatusPending
		}
		q.requests[req.ID] = &req
		if req.Sequence > q.sequence {
			q.sequence = req.Sequence
		}
	}
	restored := len(q.requests)
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"restored": restored,
		"purged":   purged,
	}).Info("Offline queue restored")

	if purged > 0 {
		q.persist(ctx)
	}
	return nil
}
