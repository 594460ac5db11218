package fetchrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/behavior"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/cache"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/invalidation"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/popularity"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/queue"
	"github.com/frostdev-ops/pma-cache-engine/internal/remote"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
)

type reply struct {
	status int
	body   string
	err    error
}

type fakeDoer struct {
	mu      sync.Mutex
	replies map[string]reply
	calls   []string
}

func (f *fakeDoer) Do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*remote.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method+" "+path)

	r, ok := f.replies[method+" "+path]
	if !ok {
		r = reply{status: http.StatusNotFound, body: `{"error":"not found"}`}
	}
	if r.err != nil {
		return nil, r.err
	}
	resp := &remote.Response{
		StatusCode: r.status,
		Header:     http.Header{"Content-Type": {"application/json; charset=utf-8"}},
		Body:       []byte(r.body),
	}
	if r.status >= 300 {
		return resp, apperrors.FromHTTPStatus(r.status, "remote error")
	}
	return resp, nil
}

func (f *fakeDoer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type online struct {
	mu sync.Mutex
	up bool
}

func (o *online) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.up
}

func (o *online) set(up bool) {
	o.mu.Lock()
	o.up = up
	o.mu.Unlock()
}

type queued struct {
	url      string
	method   string
	body     string
	priority queue.Priority
}

type fakeQueue struct {
	requests []queued
}

func (f *fakeQueue) AddRequest(ctx context.Context, url, method string, body json.RawMessage, priority queue.Priority, meta *queue.Meta) (string, error) {
	f.requests = append(f.requests, queued{url: url, method: method, body: string(body), priority: priority})
	return "req-1", nil
}

type staleAll bool

func (s staleAll) ShouldInvalidate(string, cache.CacheType, invalidation.EntryMetadata) bool {
	return bool(s)
}

type accessLog struct {
	events []popularity.AccessEvent
}

func (a *accessLog) RecordAccess(ev popularity.AccessEvent) error {
	a.events = append(a.events, ev)
	return nil
}

type behaviorLog struct {
	resources []string
}

func (b *behaviorLog) RecordBehavior(userID string, action behavior.Action, resource string, meta map[string]string) error {
	b.resources = append(b.resources, userID+":"+string(action)+":"+resource)
	return nil
}

type fixture struct {
	router *Router
	doer   *fakeDoer
	rc     *cache.MemoryCache
	online *online
	queue  *fakeQueue
	access *accessLog
	views  *behaviorLog
	clock  *clock.Mock
}

func newFixture(staleness Staleness) *fixture {
	f := &fixture{
		doer:   &fakeDoer{replies: map[string]reply{}},
		rc:     cache.NewMemoryCache(),
		online: &online{up: true},
		queue:  &fakeQueue{},
		access: &accessLog{},
		views:  &behaviorLog{},
		clock:  clock.NewMock(),
	}
	f.clock.Set(time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC))
	cfg := config.CacheConfig{Prefix: "pma", Version: "1", CriticalURLs: []string{"/", "/offline.html"}}
	f.router = New(cfg, f.doer, f.rc, Options{
		Queue:      f.queue,
		Online:     f.online,
		Staleness:  staleness,
		Popularity: f.access,
		Behavior:   f.views,
		Clock:      f.clock,
	}, logrus.New())
	return f
}

func TestAPIRequestsAreNetworkFirstWithCacheFallback(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.doer.replies["GET /api/goals"] = reply{status: http.StatusOK, body: `[{"id":1}]`}

	resp, err := f.router.Handle(ctx, Request{URL: "/api/goals"})
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, "application/json", resp.ContentType)

	entry, err := f.rc.Get(ctx, "pma-api-v1", "/api/goals")
	require.NoError(t, err)
	assert.Equal(t, cache.CacheTypeAPI, entry.CacheType)
	assert.Equal(t, "1", entry.Version)

	f.online.set(false)
	resp, err = f.router.Handle(ctx, Request{URL: "/api/goals"})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, `[{"id":1}]`, string(resp.Body))
	assert.Equal(t, 1, f.doer.callCount())
}

func TestTransientFailureFallsBackToCache(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	require.NoError(t, f.rc.Put(ctx, "pma-api-v1", &cache.Entry{
		URL: "/api/accounts", Body: []byte(`[]`), Status: http.StatusOK, CacheType: cache.CacheTypeAPI, CapturedAt: f.clock.Now(),
	}))
	f.doer.replies["GET /api/accounts"] = reply{err: apperrors.NewEnhanced(0, "connection refused", apperrors.CategoryNetwork, apperrors.SeverityMedium)}

	resp, err := f.router.Handle(ctx, Request{URL: "/api/accounts"})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOfflineAPIMissReturnsSynthetic503(t *testing.T) {
	f := newFixture(nil)
	f.online.set(false)

	resp, err := f.router.Handle(context.Background(), Request{URL: "/api/transactions?page=2"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, SourceOffline, resp.Source)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, true, body["offline"])
	assert.Zero(t, f.doer.callCount())
}

func TestClientErrorsPassThroughUncached(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	resp, err := f.router.Handle(ctx, Request{URL: "/api/missing"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, SourceNetwork, resp.Source)

	keys, err := f.rc.Keys(ctx, "pma-api-v1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStaticAssetsAreCacheFirst(t *testing.T) {
	f := newFixture(staleAll(false))
	ctx := context.Background()
	require.NoError(t, f.rc.Put(ctx, "pma-static-v1", &cache.Entry{
		URL: "/static/app.js", Body: []byte("console.log(1)"), Status: http.StatusOK,
		ContentType: "text/javascript", CacheType: cache.CacheTypeStatic, CapturedAt: f.clock.Now(),
	}))

	resp, err := f.router.Handle(ctx, Request{URL: "/static/app.js"})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Zero(t, f.doer.callCount())
}

func TestStaleStaticAssetIsRefreshed(t *testing.T) {
	f := newFixture(staleAll(true))
	ctx := context.Background()
	require.NoError(t, f.rc.Put(ctx, "pma-static-v1", &cache.Entry{
		URL: "/static/app.js", Body: []byte("old"), Status: http.StatusOK, CacheType: cache.CacheTypeStatic, CapturedAt: f.clock.Now(),
	}))
	f.doer.replies["GET /static/app.js"] = reply{status: http.StatusOK, body: "new"}

	resp, err := f.router.Handle(ctx, Request{URL: "/static/app.js"})
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, "new", string(resp.Body))

	// offline, the stale copy still beats a 503
	f.online.set(false)
	resp, err = f.router.Handle(ctx, Request{URL: "/static/app.js"})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.True(t, resp.Stale)
}

func TestCriticalURLsUseCriticalCache(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.doer.replies["GET /"] = reply{status: http.StatusOK, body: "<html></html>"}

	_, err := f.router.Handle(ctx, Request{URL: "/"})
	require.NoError(t, err)
	_, err = f.rc.Get(ctx, "pma-critical-v1", "/")
	assert.NoError(t, err)
}

func TestOfflineMutationsAreQueued(t *testing.T) {
	f := newFixture(nil)
	f.online.set(false)

	resp, err := f.router.Handle(context.Background(), Request{
		Method:   "post",
		URL:      "/api/transactions",
		Body:     json.RawMessage(`{"amount":12}`),
		Priority: queue.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, SourceQueued, resp.Source)

	require.Len(t, f.queue.requests, 1)
	assert.Equal(t, queued{url: "/api/transactions", method: "POST", body: `{"amount":12}`, priority: queue.PriorityHigh}, f.queue.requests[0])
	assert.Zero(t, f.doer.callCount())
}

func TestFailedOnlineMutations(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.doer.replies["PUT /api/goals/1"] = reply{status: http.StatusServiceUnavailable, body: `{}`}
	f.doer.replies["PUT /api/goals/2"] = reply{status: http.StatusUnprocessableEntity, body: `{"error":"invalid"}`}

	resp, err := f.router.Handle(ctx, Request{Method: "PUT", URL: "/api/goals/1", Body: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, SourceQueued, resp.Source)
	require.Len(t, f.queue.requests, 1)
	assert.Equal(t, queue.PriorityMedium, f.queue.requests[0].priority)

	resp, err = f.router.Handle(ctx, Request{Method: "PUT", URL: "/api/goals/2", Body: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Len(t, f.queue.requests, 1)
}

func TestServedRequestsFeedObservers(t *testing.T) {
	f := newFixture(nil)
	f.doer.replies["GET /api/goals?page=1"] = reply{status: http.StatusOK, body: `[]`}

	_, err := f.router.Handle(context.Background(), Request{URL: "/api/goals?page=1", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	require.Len(t, f.access.events, 1)
	ev := f.access.events[0]
	assert.Equal(t, "/api/goals", ev.ResourceID)
	assert.Equal(t, "u1", ev.UserID)
	assert.True(t, ev.Success)
	assert.False(t, ev.CacheHit)
	assert.Equal(t, []string{"u1:view:/api/goals"}, f.views.resources)
}

func TestRequestWithoutURLIsRejected(t *testing.T) {
	f := newFixture(nil)
	_, err := f.router.Handle(context.Background(), Request{})
	assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(err))
}
