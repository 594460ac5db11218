package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/remote"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
)

type fakeExecutor struct {
	mu     sync.Mutex
	order  []string
	errors map[string]error
}

func (f *fakeExecutor) Execute(ctx context.Context, req QueuedRequest) (*ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, req.URL)
	if err := f.errors[req.URL]; err != nil {
		return nil, err
	}
	return &ExecutionResult{StatusCode: http.StatusOK}, nil
}

type onlineFlag bool

func (o onlineFlag) IsOnline() bool { return bool(o) }

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxQueueSize:    100,
		BatchSize:       1,
		BatchTimeout:    time.Second,
		RequestTimeout:  time.Second,
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        time.Minute,
		BackoffFactor:   2,
		RetentionPeriod: 24 * time.Hour,
	}
}

func newTestQueue(cfg config.QueueConfig, exec Executor, persister *storage.Persister) (*Queue, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	return New(cfg, exec, nil, mock, persister, nil, nil, logrus.New()), mock
}

func TestProcessesInPriorityOrder(t *testing.T) {
	exec := &fakeExecutor{}
	q, _ := newTestQueue(testConfig(), exec, nil)
	ctx := context.Background()

	for _, c := range []struct {
		url      string
		priority Priority
	}{
		{"/api/low", PriorityLow},
		{"/api/critical", PriorityCritical},
		{"/api/high", PriorityHigh},
		{"/api/high-2", PriorityHigh},
	} {
		_, err := q.AddRequest(ctx, c.url, "POST", json.RawMessage(`{}`), c.priority, nil)
		require.NoError(t, err)
	}

	result, err := q.ProcessQueue(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"/api/critical", "/api/high", "/api/high-2", "/api/low"}, exec.order)
	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, 4, result.Batches)

	stats := q.GetQueueStatistics()
	assert.Equal(t, 4, stats.Completed)
	assert.Equal(t, 4, q.ClearCompletedRequests())
	assert.Equal(t, 0, q.GetQueueStatistics().Total)
}

func TestBatchReplaysInPriorityOrder(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 10

	for run := 0; run < 20; run++ {
		exec := &fakeExecutor{}
		q, _ := newTestQueue(cfg, exec, nil)
		ctx := context.Background()

		for _, c := range []struct {
			url      string
			priority Priority
		}{
			{"/api/low", PriorityLow},
			{"/api/medium", PriorityMedium},
			{"/api/critical", PriorityCritical},
			{"/api/high", PriorityHigh},
			{"/api/high-2", PriorityHigh},
		} {
			_, err := q.AddRequest(ctx, c.url, "POST", json.RawMessage(`{}`), c.priority, nil)
			require.NoError(t, err)
		}

		result, err := q.ProcessQueue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, result.Batches)
		require.Equal(t, []string{"/api/critical", "/api/high", "/api/high-2", "/api/medium", "/api/low"}, exec.order)
	}
}

// slowExecutor holds one URL until its context ends and completes everything else
type slowExecutor struct {
	mu    sync.Mutex
	slow  string
	calls []string
}

func (e *slowExecutor) Execute(ctx context.Context, req QueuedRequest) (*ExecutionResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req.URL)
	e.mu.Unlock()
	if req.URL == e.slow {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &ExecutionResult{StatusCode: http.StatusOK}, nil
}

func TestBatchDeadlineReleasesWaitingRequests(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 10
	cfg.BatchTimeout = 50 * time.Millisecond
	cfg.RequestTimeout = 0

	exec := &slowExecutor{slow: "/api/first"}
	q, _ := newTestQueue(cfg, exec, nil)
	ctx := context.Background()

	first, err := q.AddRequest(ctx, "/api/first", "POST", nil, PriorityCritical, nil)
	require.NoError(t, err)
	second, err := q.AddRequest(ctx, "/api/second", "POST", nil, PriorityLow, nil)
	require.NoError(t, err)

	result, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Batches)
	assert.Equal(t, 1, result.Retrying)
	assert.Equal(t, 1, result.Interrupted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{"/api/first", "/api/second"}, exec.calls)

	req, ok := q.Get(first)
	require.True(t, ok)
	assert.Equal(t, 1, req.RetryCount)

	req, ok = q.Get(second)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, req.Status)
	assert.Zero(t, req.RetryCount)
}

func TestAddRequestValidation(t *testing.T) {
	q, _ := newTestQueue(testConfig(), &fakeExecutor{}, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		url      string
		method   string
		priority Priority
	}{
		{"missing url", "", "POST", PriorityLow},
		{"missing method", "/api/goals", "", PriorityLow},
		{"read-only method", "/api/goals", "GET", PriorityLow},
		{"unknown priority", "/api/goals", "POST", Priority("urgent")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.AddRequest(ctx, tt.url, tt.method, nil, tt.priority, nil)
			require.Error(t, err)
			assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(err))
		})
	}

	id, err := q.AddRequest(ctx, "/api/goals", "put", nil, PriorityMedium, &Meta{Tags: []string{"goals"}})
	require.NoError(t, err)
	req, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, "PUT", req.Method)
	assert.Equal(t, 3, req.MaxRetries)
}

func TestRetryUntilTerminal(t *testing.T) {
	exec := &fakeExecutor{errors: map[string]error{
		"/api/goals": apperrors.FromHTTPStatus(http.StatusServiceUnavailable, "unavailable"),
	}}
	q, mock := newTestQueue(testConfig(), exec, nil)
	ctx := context.Background()

	id, err := q.AddRequest(ctx, "/api/goals", "POST", nil, PriorityHigh, nil)
	require.NoError(t, err)

	result, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retrying)

	req, _ := q.Get(id)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, 1, req.RetryCount)
	require.NotNil(t, req.NextAttemptAt)
	assert.Equal(t, mock.Now().Add(time.Second), *req.NextAttemptAt)

	// not due yet
	result, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Batches)

	mock.Add(time.Second)
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	req, _ = q.Get(id)
	assert.Equal(t, 2, req.RetryCount)
	assert.Equal(t, mock.Now().Add(2*time.Second), *req.NextAttemptAt)

	mock.Add(2 * time.Second)
	result, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	req, _ = q.Get(id)
	assert.Equal(t, StatusFailed, req.Status)
	assert.Equal(t, req.MaxRetries, req.RetryCount)
	assert.Len(t, exec.order, 3)

	assert.Equal(t, 1, q.RetryFailedRequests(ctx))
	req, _ = q.Get(id)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, 0, req.RetryCount)
}

func TestClientErrorsAreTerminal(t *testing.T) {
	exec := &fakeExecutor{errors: map[string]error{
		"/api/bad":      apperrors.FromHTTPStatus(http.StatusUnprocessableEntity, "bad"),
		"/api/throttle": apperrors.FromHTTPStatus(http.StatusTooManyRequests, "slow down"),
		"/api/timeout":  apperrors.FromHTTPStatus(http.StatusRequestTimeout, "timeout"),
	}}
	q, _ := newTestQueue(testConfig(), exec, nil)
	ctx := context.Background()

	ids := map[string]string{}
	for _, url := range []string{"/api/bad", "/api/throttle", "/api/timeout"} {
		id, err := q.AddRequest(ctx, url, "POST", nil, PriorityMedium, nil)
		require.NoError(t, err)
		ids[url] = id
	}

	_, err := q.ProcessQueue(ctx)
	require.NoError(t, err)

	bad, _ := q.Get(ids["/api/bad"])
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Equal(t, 1, bad.RetryCount)

	for _, url := range []string{"/api/throttle", "/api/timeout"} {
		req, _ := q.Get(ids[url])
		assert.Equal(t, StatusPending, req.Status, url)
	}
}

func TestUnknownErrorsAreRetried(t *testing.T) {
	exec := &fakeExecutor{errors: map[string]error{"/api/goals": errors.New("boom")}}
	q, _ := newTestQueue(testConfig(), exec, nil)
	ctx := context.Background()

	id, err := q.AddRequest(ctx, "/api/goals", "POST", nil, PriorityMedium, nil)
	require.NoError(t, err)
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)

	req, _ := q.Get(id)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "boom", req.LastError)
}

func TestProcessingRequiresConnectivity(t *testing.T) {
	exec := &fakeExecutor{}
	q := New(testConfig(), exec, onlineFlag(false), clock.NewMock(), nil, nil, nil, logrus.New())

	_, err := q.AddRequest(context.Background(), "/api/goals", "POST", nil, PriorityMedium, nil)
	require.NoError(t, err)

	_, err = q.ProcessQueue(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryUnavailable, apperrors.CategoryOf(err))
	assert.Empty(t, exec.order)
}

func TestQueueIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	q, _ := newTestQueue(cfg, &fakeExecutor{}, nil)
	ctx := context.Background()

	_, err := q.AddRequest(ctx, "/api/a", "POST", nil, PriorityLow, nil)
	require.NoError(t, err)
	_, err = q.AddRequest(ctx, "/api/b", "POST", nil, PriorityLow, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryQuota, apperrors.CategoryOf(err))
}

func TestPersistenceRoundTrip(t *testing.T) {
	persister := storage.NewPersister(storage.NewMemoryStore(0), nil, nil, 0, logrus.New())
	exec := &fakeExecutor{}
	q, mock := newTestQueue(testConfig(), exec, persister)
	ctx := context.Background()

	okID, err := q.AddRequest(ctx, "/api/ok", "POST", json.RawMessage(`{"a":1}`), PriorityLow, nil)
	require.NoError(t, err)
	critID, err := q.AddRequest(ctx, "/api/critical", "DELETE", nil, PriorityCritical, nil)
	require.NoError(t, err)

	restored := New(testConfig(), exec, nil, mock, persister, nil, nil, logrus.New())
	require.NoError(t, restored.Load(ctx))

	pending := restored.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, critID, pending[0].ID)
	assert.Equal(t, okID, pending[1].ID)
	assert.JSONEq(t, `{"a":1}`, string(pending[1].Body))

	id, err := restored.AddRequest(ctx, "/api/later", "POST", nil, PriorityLow, nil)
	require.NoError(t, err)
	later, _ := restored.Get(id)
	assert.Equal(t, uint64(3), later.Sequence)
}

func TestLoadPurgesExpiredAndExhausted(t *testing.T) {
	persister := storage.NewPersister(storage.NewMemoryStore(0), nil, nil, 0, logrus.New())
	q, mock := newTestQueue(testConfig(), &fakeExecutor{}, persister)
	ctx := context.Background()
	now := mock.Now()

	snapshot := []QueuedRequest{
		{ID: "old", URL: "/api/old", Method: "POST", Priority: PriorityLow, Status: StatusPending, CreatedAt: now.Add(-25 * time.Hour), MaxRetries: 3, Sequence: 1},
		{ID: "spent", URL: "/api/spent", Method: "POST", Priority: PriorityLow, Status: StatusFailed, CreatedAt: now, RetryCount: 3, MaxRetries: 3, Sequence: 2},
		{ID: "inflight", URL: "/api/inflight", Method: "POST", Priority: PriorityHigh, Status: StatusProcessing, CreatedAt: now, MaxRetries: 3, Sequence: 3},
	}
	require.NoError(t, persister.Namespace("offline-queue").Save(ctx, snapshotKey, snapshot))

	require.NoError(t, q.Load(ctx))

	requests := q.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "inflight", requests[0].ID)
	assert.Equal(t, StatusPending, requests[0].Status)
}

func TestHTTPExecutorReplaysThroughRemote(t *testing.T) {
	var got *http.Request
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		got, body = r, string(buf)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := remote.NewClient(config.RemoteConfig{
		BaseURL:             server.URL,
		Timeout:             time.Second,
		BreakerMaxFailures:  3,
		BreakerResetTimeout: time.Minute,
	}, logrus.New())
	exec := NewHTTPExecutor(client, logrus.New())

	res, err := exec.Execute(context.Background(), QueuedRequest{
		ID:      "req-1",
		URL:     "/api/transactions",
		Method:  http.MethodPost,
		Body:    json.RawMessage(`{"amount":12}`),
		Headers: map[string]string{"X-Tab": "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	require.NotNil(t, got)
	assert.Equal(t, "/api/transactions", got.URL.Path)
	assert.Equal(t, "req-1", got.Header.Get("X-Offline-Request-Id"))
	assert.Equal(t, "3", got.Header.Get("X-Tab"))
	assert.Equal(t, `{"amount":12}`, body)
}
