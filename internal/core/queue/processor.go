package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
)

// ProcessResult summarizes one drain of the queue
type ProcessResult struct {
	Batches     int           `json:"batches"`
	Processed   int           `json:"processed"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Retrying    int           `json:"retrying"`
	Interrupted int           `json:"interrupted"`
	Duration    time.Duration `json:"duration"`
}

type outcome string

const (
	outcomeCompleted   outcome = "completed"
	outcomeFailed      outcome = "failed"
	outcomeRetrying    outcome = "retrying"
	outcomeInterrupted outcome = "interrupted"
)

// ProcessQueue drains due requests in priority order, one batch at a time
func (q *Queue) ProcessQueue(ctx context.Context) (ProcessResult, error) {
	if q.executor == nil {
		return ProcessResult{}, fmt.Errorf("no executor configured")
	}
	if q.online != nil && !q.online.IsOnline() {
		return ProcessResult{}, apperrors.NewEnhanced(http.StatusServiceUnavailable, "offline: queue processing deferred", apperrors.CategoryUnavailable, apperrors.SeverityLow)
	}
	if !q.draining.CompareAndSwap(false, true) {
		return ProcessResult{}, ErrAlreadyProcessing
	}
	defer q.draining.Store(false)

	start := q.clock.Now()
	var result ProcessResult

	for ctx.Err() == nil {
		batch := q.nextBatch()
		if len(batch) == 0 {
			break
		}
		result.Batches++
		q.persist(ctx)
		q.runBatch(ctx, batch, &result)
		q.persist(ctx)
	}

	result.Duration = q.clock.Since(start)
	if result.Batches > 0 {
		now := q.clock.Now()
		q.mu.Lock()
		q.lastProcessed = &now
		q.mu.Unlock()

		q.bus.Publish(events.QueueProcessed, "offline-queue", result)
		q.logger.WithFields(logrus.Fields{
			"batches":   result.Batches,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"retrying":  result.Retrying,
			"duration":  result.Duration,
		}).Info("Offline queue processed")
	}
	return result, ctx.Err()
}

// nextBatch marks up to BatchSize due requests as processing, in dequeue order
func (q *Queue) nextBatch() []QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var batch []QueuedRequest
	for _, req := range q.orderedLocked() {
		if len(batch) >= q.cfg.BatchSize {
			break
		}
		if req.Status != StatusPending {
			continue
		}
		if req.NextAttemptAt != nil && req.NextAttemptAt.After(now) {
			continue
		}
		req.Status = StatusProcessing
		req.UpdatedAt = now
		batch = append(batch, *req)
	}
	return batch
}

// runBatch replays a batch strictly in dequeue order. Requests still waiting when the
// batch deadline passes go back to pending without spending a retry; the head of the
// batch always runs so every batch makes progress.
func (q *Queue) runBatch(ctx context.Context, batch []QueuedRequest, result *ProcessResult) {
	batchCtx := ctx
	if q.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, q.cfg.BatchTimeout)
		defer cancel()
	}

	for i, req := range batch {
		if i > 0 && batchCtx.Err() != nil {
			result.Interrupted += q.release(batch[i:])
			return
		}
		switch q.send(ctx, batchCtx, req) {
		case outcomeCompleted:
			result.Processed++
			result.Succeeded++
		case outcomeFailed:
			result.Processed++
			result.Failed++
		case outcomeRetrying:
			result.Processed++
			result.Retrying++
		case outcomeInterrupted:
			result.Interrupted++
		}
	}
}

// release returns requests claimed by nextBatch to pending
func (q *Queue) release(batch []QueuedRequest) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	released := 0
	for _, claimed := range batch {
		if req, ok := q.requests[claimed.ID]; ok && req.Status == StatusProcessing {
			req.Status = StatusPending
			released++
		}
	}
	return released
}

// send replays one request; a panic in the executor counts as a retryable failure
func (q *Queue) send(parent, ctx context.Context, req QueuedRequest) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("request_id", req.ID).Errorf("Request replay panicked: %v", r)
			o = q.settle(parent, req.ID, apperrors.NewEnhanced(http.StatusInternalServerError, fmt.Sprintf("panic: %v", r), apperrors.CategoryInternal, apperrors.SeverityHigh))
		}
	}()

	reqCtx := ctx
	if q.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, q.cfg.RequestTimeout)
		defer cancel()
	}

	_, err := q.executor.Execute(reqCtx, req)
	return q.settle(parent, req.ID, err)
}

// settle applies a replay outcome to the stored request
func (q *Queue) settle(parent context.Context, id string, err error) outcome {
	q.mu.Lock()
	req, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return outcomeInterrupted
	}

	now := q.clock.Now()
	req.UpdatedAt = now
	var o outcome
	var eventType events.Type

	switch {
	case err == nil:
		req.Status = StatusCompleted
		req.LastError = ""
		req.NextAttemptAt = nil
		q.processed++
		q.succeeded++
		o, eventType = outcomeCompleted, events.RequestCompleted
	case parent.Err() != nil:
		req.Status = StatusPending
		o = outcomeInterrupted
	default:
		req.RetryCount++
		req.LastError = err.Error()
		q.processed++
		if isTerminal(err) || req.Exhausted() {
			req.Status = StatusFailed
			req.NextAttemptAt = nil
			q.failed++
			o, eventType = outcomeFailed, events.RequestFailed
		} else {
			req.Status = StatusPending
			next := now.Add(q.policy.GetDelay(req.RetryCount))
			req.NextAttemptAt = &next
			q.retries++
			o, eventType = outcomeRetrying, events.RequestRetrying
		}
	}
	settled := *req
	q.mu.Unlock()

	q.recorder.RecordQueueRequest(string(o))
	if eventType != "" {
		q.bus.Publish(eventType, "offline-queue", settled)
	}
	if err != nil && o != outcomeInterrupted {
		q.logger.WithError(err).WithFields(logrus.Fields{
			"request_id":  settled.ID,
			"url":         settled.URL,
			"retry_count": settled.RetryCount,
			"max_retries": settled.MaxRetries,
			"outcome":     o,
		}).Warn("Queued request failed")
	}
	return o
}

// isTerminal reports whether err rules out a retry, such as a 4xx other than 408 or 429
func isTerminal(err error) bool {
	var enhanced *apperrors.EnhancedError
	if errors.As(err, &enhanced) {
		return !enhanced.Retryable
	}
	return false
}
