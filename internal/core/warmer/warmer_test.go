package warmer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/cache"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	"github.com/frostdev-ops/pma-cache-engine/internal/remote"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type fakeFetcher struct {
	mu          sync.Mutex
	gate        chan struct{}
	failures    map[string]int
	calls       map[string]int
	inFlight    int
	maxInFlight int
	body        []byte
	contentType string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		failures: map[string]int{},
		calls:    map[string]int{},
		body:     []byte(`{"ok":true}`),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, path string) (*remote.Response, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.calls[path]++
	attempt := f.calls[path]
	gate := f.gate
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if attempt <= f.failures[path] {
		return nil, errors.New("connection reset")
	}

	header := http.Header{}
	if f.contentType != "" {
		header.Set("Content-Type", f.contentType)
	}
	return &remote.Response{StatusCode: http.StatusOK, Header: header, Body: f.body}, nil
}

func (f *fakeFetcher) max() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func testConfig() config.WarmerConfig {
	return config.WarmerConfig{
		MaxQueueSize:        10,
		MaxConcurrentTasks:  2,
		MinConfidence:       0.3,
		RetryDelay:          5 * time.Second,
		MaxRetries:          1,
		TaskTimeout:         5 * time.Second,
		CycleCandidates:     10,
		FilterCapacity:      100,
		FilterFalsePositive: 0.001,
		BandwidthMbps:       8,
	}
}

func cacheConfig() config.CacheConfig {
	return config.CacheConfig{Prefix: "pma", Version: "1"}
}

func newTestWarmer(t *testing.T, cfg config.WarmerConfig, fetcher Fetcher, clk clock.Clock) (*Warmer, *cache.MemoryCache, *events.Bus) {
	t.Helper()
	rc := cache.NewMemoryCache()
	bus := events.NewBus(logrus.New())
	w, err := New(cfg, cacheConfig(), fetcher, rc, nil, bus, nil, clk, logrus.New())
	require.NoError(t, err)
	return w, rc, bus
}

func TestAdmissionRules(t *testing.T) {
	cfg := testConfig()
	cfg.Blacklist = []string{"/api/auth", `/\.map$/`}
	w, _, _ := newTestWarmer(t, cfg, newFakeFetcher(), clock.NewMock())

	_, err := w.AddWarmingTask("/api/goals", 0.8, "popular", 0.9, nil)
	require.NoError(t, err)

	tests := []struct {
		name       string
		resource   string
		confidence float64
	}{
		{"empty resource", "", 0.9},
		{"low confidence", "/api/budget", 0.1},
		{"blacklisted literal", "/api/auth/token", 0.9},
		{"blacklisted regex", "/static/app.js.map", 0.9},
		{"duplicate active", "/api/goals", 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.AddWarmingTask(tt.resource, 0.5, "test", tt.confidence, nil)
			assert.Error(t, err)
		})
	}

	assert.Equal(t, 5, w.GetMetrics().Rejected)
	assert.Equal(t, 1, w.GetQueueStatus().Pending)
}

func TestWhitelistRestrictsAdmission(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{"/api/"}
	w, _, _ := newTestWarmer(t, cfg, newFakeFetcher(), clock.NewMock())

	_, err := w.AddWarmingTask("/api/goals", 0.5, "", 0.9, nil)
	assert.NoError(t, err)
	_, err = w.AddWarmingTask("/about", 0.5, "", 0.9, nil)
	assert.Error(t, err)
}

func TestQueueIsBoundedAndScored(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	w, _, bus := newTestWarmer(t, cfg, newFakeFetcher(), mock)

	var skipped []Task
	bus.Subscribe(events.TaskSkipped, func(e events.Event) {
		skipped = append(skipped, e.Data.(Task))
	})

	for _, c := range []struct {
		resource   string
		priority   float64
		confidence float64
	}{
		{"/api/a", 0.9, 0.9},
		{"/api/b", 0.2, 0.5},
		{"/api/c", 0.6, 0.8},
	} {
		_, err := w.AddWarmingTask(c.resource, c.priority, "", c.confidence, nil)
		require.NoError(t, err)
		mock.Add(time.Second)
	}

	status := w.GetQueueStatus()
	require.Len(t, status.Active, 2)
	assert.Equal(t, "/api/c", status.Active[0].Resource)
	assert.Equal(t, "/api/b", status.Active[1].Resource)

	require.Len(t, skipped, 1)
	assert.Equal(t, "/api/a", skipped[0].Resource)
	assert.Equal(t, 1, w.GetMetrics().Skipped)
}

func TestEvictionOnEqualAgeDropsLowestScore(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	w, _, bus := newTestWarmer(t, cfg, newFakeFetcher(), clock.NewMock())

	var skipped []Task
	bus.Subscribe(events.TaskSkipped, func(e events.Event) {
		skipped = append(skipped, e.Data.(Task))
	})

	// the mock clock never moves, so every task has the same age
	for _, c := range []struct {
		resource string
		priority float64
	}{
		{"/api/top", 0.9},
		{"/api/mid", 0.6},
		{"/api/low", 0.4},
	} {
		_, err := w.AddWarmingTask(c.resource, c.priority, "", 0.9, nil)
		require.NoError(t, err)
	}

	status := w.GetQueueStatus()
	require.Len(t, status.Active, 2)
	assert.Equal(t, "/api/top", status.Active[0].Resource)
	assert.Equal(t, "/api/mid", status.Active[1].Resource)
	require.Len(t, skipped, 1)
	assert.Equal(t, "/api/low", skipped[0].Resource)
}

func TestConcurrencyCapIsNeverExceeded(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	w, _, _ := newTestWarmer(t, testConfig(), fetcher, clock.New())

	w.Start(context.Background())
	defer w.Stop()

	for _, r := range []string{"/api/a", "/api/b", "/api/c", "/api/d", "/api/e"} {
		_, err := w.AddWarmingTask(r, 0.5, "", 0.9, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return w.GetQueueStatus().Loading == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, w.GetQueueStatus().Pending)

	close(fetcher.gate)
	require.Eventually(t, func() bool { return w.GetMetrics().Completed == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, fetcher.max(), 2)
}

func TestFetchStoresSniffedEntry(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.body = pngMagic
	w, rc, _ := newTestWarmer(t, testConfig(), fetcher, clock.New())

	w.Start(context.Background())
	defer w.Stop()

	_, err := w.AddWarmingTask("/api/avatar", 0.7, "behavior", 0.9, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.GetMetrics().Completed == 1 }, time.Second, 5*time.Millisecond)

	entry, err := rc.Get(context.Background(), "pma-api-v1", "/api/avatar")
	require.NoError(t, err)
	assert.Equal(t, "image/png", entry.ContentType)
	assert.Equal(t, cache.CacheTypeAPI, entry.CacheType)
	assert.Contains(t, entry.Tags, "warmed")

	m := w.GetMetrics()
	assert.Equal(t, int64(len(pngMagic)), m.TotalBytes)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.Greater(t, m.EstimatedTransferTime, time.Duration(0))
}

func TestHintStrategiesPublishEvents(t *testing.T) {
	fetcher := newFakeFetcher()
	w, _, bus := newTestWarmer(t, testConfig(), fetcher, clock.New())

	hints := make(chan Hint, 4)
	bus.Subscribe(events.ResourceHint, func(e events.Event) {
		hints <- e.Data.(Hint)
	})

	w.Start(context.Background())
	defer w.Stop()

	_, err := w.AddWarmingTask("/img/banner.png", 0.5, "", 0.5, nil)
	require.NoError(t, err)
	_, err = w.AddWarmingTask("https://cdn.example.com/lib/chart.js", 0.5, "", 0.9, nil)
	require.NoError(t, err)

	got := map[string]Hint{}
	for i := 0; i < 2; i++ {
		select {
		case h := <-hints:
			got[h.Rel] = h
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for resource hints")
		}
	}

	assert.Equal(t, "/img/banner.png", got["prefetch"].Href)
	assert.Equal(t, "https://cdn.example.com", got["preconnect"].Href)
	require.Eventually(t, func() bool { return w.GetMetrics().HintsIssued == 2 }, time.Second, 5*time.Millisecond)

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Empty(t, fetcher.calls)
}

func TestFailedTaskRetriesAsFreshTask(t *testing.T) {
	mock := clock.NewMock()
	fetcher := newFakeFetcher()
	fetcher.failures["/api/goals"] = 1
	w, _, _ := newTestWarmer(t, testConfig(), fetcher, mock)

	w.Start(context.Background())
	defer w.Stop()

	firstID, err := w.AddWarmingTask("/api/goals", 0.5, "", 0.9, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.GetMetrics().Failed == 1 }, time.Second, 5*time.Millisecond)

	mock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return w.GetMetrics().Completed == 1 }, time.Second, 5*time.Millisecond)

	var retried *Task
	for _, task := range w.GetQueueStatus().Recent {
		if task.Status == StatusCompleted {
			task := task
			retried = &task
		}
	}
	require.NotNil(t, retried)
	assert.NotEqual(t, firstID, retried.ID)
	assert.Equal(t, firstID, retried.RetryOf)
	assert.Equal(t, 2, retried.Attempt)
	assert.Equal(t, 1, w.GetMetrics().Retried)
}

func TestRetriesStopAtMaxRetries(t *testing.T) {
	mock := clock.NewMock()
	fetcher := newFakeFetcher()
	fetcher.failures["/api/goals"] = 10
	w, _, _ := newTestWarmer(t, testConfig(), fetcher, mock)

	w.Start(context.Background())
	defer w.Stop()

	_, err := w.AddWarmingTask("/api/goals", 0.5, "", 0.9, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.GetMetrics().Failed == 1 }, time.Second, 5*time.Millisecond)

	mock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return w.GetMetrics().Failed == 2 }, time.Second, 5*time.Millisecond)

	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	m := w.GetMetrics()
	assert.Equal(t, 2, m.Failed)
	assert.Equal(t, 1, m.Retried)
}

func TestStopSkipsOutstandingTasks(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	cfg := testConfig()
	cfg.MaxConcurrentTasks = 1
	w, _, _ := newTestWarmer(t, cfg, fetcher, clock.New())

	w.Start(context.Background())
	_, err := w.AddWarmingTask("/api/a", 0.5, "", 0.9, nil)
	require.NoError(t, err)
	_, err = w.AddWarmingTask("/api/b", 0.5, "", 0.9, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.GetQueueStatus().Loading == 1 }, time.Second, 5*time.Millisecond)

	w.Stop()

	m := w.GetMetrics()
	assert.Equal(t, 2, m.Skipped)
	assert.Equal(t, 0, m.Failed)
	assert.Equal(t, 0, m.Completed)

	status := w.GetQueueStatus()
	assert.False(t, status.Running)
	assert.Empty(t, status.Active)
}

func TestSaveAndLoadRestoresQueueAndRetries(t *testing.T) {
	mock := clock.NewMock()
	fetcher := newFakeFetcher()
	fetcher.failures["/api/flaky"] = 1
	persister := storage.NewPersister(storage.NewMemoryStore(0), nil, nil, 0, nil)
	ctx := context.Background()

	first, err := New(testConfig(), cacheConfig(), fetcher, cache.NewMemoryCache(), persister, nil, nil, mock, logrus.New())
	require.NoError(t, err)
	first.Start(ctx)
	_, err = first.AddWarmingTask("/api/flaky", 0.5, "", 0.9, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.GetMetrics().Failed == 1 }, time.Second, 5*time.Millisecond)
	first.Stop()

	// tasks admitted after Stop are saved alongside the interrupted retry
	_, err = first.AddWarmingTask("/api/high", 0.9, "", 0.9, nil)
	require.NoError(t, err)
	_, err = first.AddWarmingTask("/api/low", 0.3, "", 0.9, nil)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx))

	second, err := New(testConfig(), cacheConfig(), fetcher, cache.NewMemoryCache(), persister, nil, nil, mock, logrus.New())
	require.NoError(t, err)
	require.NoError(t, second.Load(ctx))

	status := second.GetQueueStatus()
	require.Len(t, status.Active, 2)
	assert.Equal(t, "/api/high", status.Active[0].Resource)
	assert.Equal(t, "/api/low", status.Active[1].Resource)
	m := second.GetMetrics()
	assert.Equal(t, 3, m.TotalTasks)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 1, m.Retried)

	second.Start(ctx)
	defer second.Stop()
	mock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return second.GetMetrics().Completed == 3 }, time.Second, 5*time.Millisecond)

	var retried *Task
	for _, task := range second.GetQueueStatus().Recent {
		if task.Resource == "/api/flaky" {
			task := task
			retried = &task
		}
	}
	require.NotNil(t, retried)
	assert.Equal(t, 2, retried.Attempt)
	assert.Equal(t, StatusCompleted, retried.Status)
}

func TestWarmedResourceIsRejectedUntilNextCycle(t *testing.T) {
	w, _, _ := newTestWarmer(t, testConfig(), newFakeFetcher(), clock.New())
	w.Start(context.Background())
	defer w.Stop()

	_, err := w.AddWarmingTask("/api/goals", 0.5, "", 0.9, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.GetMetrics().Completed == 1 }, time.Second, 5*time.Millisecond)

	_, err = w.AddWarmingTask("/api/goals", 0.5, "", 0.9, nil)
	assert.Error(t, err)

	w.SetCandidateSource(func(ctx context.Context, limit int) []Candidate {
		return []Candidate{
			{Resource: "/api/goals", Priority: 0.8, Confidence: 0.9, Reason: "behavior"},
			{Resource: "/api/budget", Priority: 0.4, Confidence: 0.1, Reason: "popularity"},
		}
	})
	added, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, w.GetMetrics().Cycles)
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		resource   string
		confidence float64
		expected   Strategy
	}{
		{"/api/goals", 0.5, StrategyFetch},
		{"/static/app.js", 0.5, StrategyFetch},
		{"/dashboard", 0.5, StrategyFetch},
		{"/img/logo.png", 0.5, StrategyPrefetch},
		{"/fonts/inter.woff2", 0.5, StrategyPrefetch},
		{"https://cdn.example.com/x.js", 0.9, StrategyPreconnect},
		{"//cdn.example.com/x.js", 0.4, StrategyDNSPrefetch},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, SelectStrategy(tt.resource, tt.confidence), tt.resource)
	}
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "application/json", DetectContentType("/api/goals", "application/json", []byte(`{}`)))
	assert.Equal(t, "image/png", DetectContentType("/api/avatar", "", pngMagic))
	assert.Equal(t, "image/png", DetectContentType("/api/avatar", "application/octet-stream", pngMagic))
	assert.Equal(t, "application/octet-stream", DetectContentType("/api/blob", "", []byte("plain")))
}
