package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/cache"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/cachesync"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/device"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/fetchrouter"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/invalidation"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/queue"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
	"github.com/frostdev-ops/pma-cache-engine/pkg/logger"
)

type remoteAPI struct {
	mu       sync.Mutex
	requests []string
}

func (r *remoteAPI) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...)
}

func (r *remoteAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		io.Copy(io.Discard, req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, req.Method+" "+req.URL.Path)
		r.mu.Unlock()

		switch {
		case req.URL.Path == "/api/health":
			w.WriteHeader(http.StatusOK)
		case req.Method == http.MethodGet && strings.HasPrefix(req.URL.Path, "/api/sync/"):
			http.NotFound(w, req)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok":true}`))
		}
	})
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Defaults()
	cfg.Database.Path = ""
	cfg.Remote.BaseURL = baseURL
	cfg.Remote.Timeout = 2 * time.Second
	cfg.Connectivity.ProbeInterval = 0
	cfg.Connectivity.InitiallyOnline = false
	cfg.Scheduler.Enabled = false
	cfg.Warmer.BackgroundWarming = false
	cfg.Queue.InitialDelay = 10 * time.Millisecond
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg, logger.NewDiscard(), Options{Device: device.Static{}})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	return e
}

func stopEngine(t *testing.T, e *Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, e.Stop(ctx))
}

func TestOfflineMutationReplaysAndInvalidatesWhenOnline(t *testing.T) {
	api := &remoteAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	e := startEngine(t, testConfig(srv.URL))
	defer stopEngine(t, e)
	ctx := context.Background()

	apiCache := e.namer.Name(cache.CacheTypeAPI)
	require.NoError(t, e.Cache.Put(ctx, apiCache, &cache.Entry{
		URL:        "/api/transactions",
		Body:       []byte(`[]`),
		Status:     http.StatusOK,
		CacheType:  cache.CacheTypeAPI,
		CapturedAt: time.Now(),
		Version:    e.Config.Cache.Version,
	}))

	resp, err := e.Router.Handle(ctx, fetchrouter.Request{
		Method: http.MethodPost,
		URL:    "/api/transactions",
		Body:   json.RawMessage(`{"amount":12.5}`),
	})
	require.NoError(t, err)
	assert.Equal(t, fetchrouter.SourceQueued, resp.Source)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, e.Queue.Pending(), 1)

	e.Connectivity.SetOnline(true)

	require.Eventually(t, func() bool {
		return e.Queue.GetQueueStatistics().Completed == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, api.seen(), "POST /api/transactions")

	// transaction-created triggers the financial rule
	require.Eventually(t, func() bool {
		_, err := e.Cache.Get(ctx, apiCache, "/api/transactions")
		return err == storage.ErrNotFound
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCompletedSyncOperationInvalidatesResource(t *testing.T) {
	api := &remoteAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	e := startEngine(t, cfg)
	defer stopEngine(t, e)
	ctx := context.Background()

	_, err := e.Invalidation.AddRule(invalidation.Rule{
		ID:                 "notes",
		Pattern:            "/api/notes",
		InvalidateOnEvents: []string{"note-*"},
		Priority:           20,
	})
	require.NoError(t, err)

	apiCache := e.namer.Name(cache.CacheTypeAPI)
	require.NoError(t, e.Cache.Put(ctx, apiCache, &cache.Entry{
		URL:        "/api/notes",
		Body:       []byte(`[]`),
		Status:     http.StatusOK,
		CacheType:  cache.CacheTypeAPI,
		CapturedAt: time.Now(),
	}))

	_, err = e.Sync.AddOperation(ctx, cachesync.OpCreate, "notes", "n-1", json.RawMessage(`{"text":"hi"}`), cachesync.PriorityHigh)
	require.NoError(t, err)

	res, err := e.Sync.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Contains(t, api.seen(), "POST /api/notes")

	require.Eventually(t, func() bool {
		_, err := e.Cache.Get(ctx, apiCache, "/api/notes")
		return err == storage.ErrNotFound
	}, 3*time.Second, 20*time.Millisecond)
}

func TestQueueSurvivesRestart(t *testing.T) {
	api := &remoteAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Database.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Database.Driver = "sqlite"

	first := startEngine(t, cfg)
	id, err := first.Queue.AddRequest(context.Background(), "/api/goals", http.MethodPost, json.RawMessage(`{"name":"car"}`), queue.PriorityHigh, nil)
	require.NoError(t, err)
	stopEngine(t, first)

	second := startEngine(t, cfg)
	defer stopEngine(t, second)

	pending := second.Queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Empty(t, api.seen(), "nothing is sent while offline")
}

func TestHealthReportCoversComponents(t *testing.T) {
	api := &remoteAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	e := startEngine(t, testConfig(srv.URL))
	defer stopEngine(t, e)

	report := e.Health.Check(context.Background())
	for _, name := range []string{"remote", "storage", "queue", "sync"} {
		require.Contains(t, report.Components, name)
	}
	assert.Equal(t, "healthy", report.Components["remote"].Status)
	assert.Equal(t, "healthy", report.Components["storage"].Status)
}

func TestRedisBackendServesResourceCache(t *testing.T) {
	srv := httptest.NewServer((&remoteAPI{}).handler())
	defer srv.Close()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := testConfig(srv.URL)
	cfg.Redis.Enabled = true
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = port

	e := startEngine(t, cfg)
	defer stopEngine(t, e)
	require.IsType(t, &cache.RedisCache{}, e.Cache)

	ctx := context.Background()
	apiCache := e.namer.Name(cache.CacheTypeAPI)
	require.NoError(t, e.Cache.Put(ctx, apiCache, &cache.Entry{
		URL:        "/api/goals",
		Body:       []byte(`[]`),
		CacheType:  cache.CacheTypeAPI,
		CapturedAt: time.Now(),
	}))

	stats, err := e.CacheStats(ctx)
	require.NoError(t, err)
	var names []string
	for _, s := range stats {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, apiCache)

	report := e.Health.Check(ctx)
	require.Contains(t, report.Components, "redis")
	assert.Equal(t, "healthy", report.Components["redis"].Status)
}

func TestStartTwiceFails(t *testing.T) {
	srv := httptest.NewServer((&remoteAPI{}).handler())
	defer srv.Close()

	e := startEngine(t, testConfig(srv.URL))
	defer stopEngine(t, e)
	assert.Error(t, e.Start(context.Background()))
}

func TestFailedStartStopsBackgroundLoops(t *testing.T) {
	srv := httptest.NewServer((&remoteAPI{}).handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Scheduler.Enabled = true
	cfg.Connectivity.ProbeInterval = time.Hour
	e, err := New(cfg, logger.NewDiscard(), Options{Device: device.Static{}})
	require.NoError(t, err)
	defer stopEngine(t, e)

	// a scheduler that is already running refuses to start again
	require.NoError(t, e.Scheduler.Start())
	require.Error(t, e.Start(context.Background()))

	assert.False(t, e.Warmer.GetQueueStatus().Running)
	assert.False(t, e.Connectivity.Status().Polling)
}

func TestWarmerQueueSurvivesRestart(t *testing.T) {
	srv := httptest.NewServer((&remoteAPI{}).handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Database.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Database.Driver = "sqlite"

	first, err := New(cfg, logger.NewDiscard(), Options{Device: device.Static{}})
	require.NoError(t, err)
	_, err = first.Warmer.AddWarmingTask("/api/goals", 0.8, "popular", 0.9, nil)
	require.NoError(t, err)
	stopEngine(t, first)

	second, err := New(cfg, logger.NewDiscard(), Options{Device: device.Static{}})
	require.NoError(t, err)
	defer stopEngine(t, second)
	second.Load(context.Background())

	status := second.Warmer.GetQueueStatus()
	require.Len(t, status.Active, 1)
	assert.Equal(t, "/api/goals", status.Active[0].Resource)
	assert.Equal(t, 1, second.Warmer.GetMetrics().TotalTasks)
}

func TestBuildInfoReportsCacheGenerationAndSchema(t *testing.T) {
	api := &remoteAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Database.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Database.Driver = "sqlite"
	e := startEngine(t, cfg)
	defer stopEngine(t, e)

	info := e.BuildInfo()
	assert.Equal(t, cfg.Cache.Prefix, info.CachePrefix)
	assert.Equal(t, cfg.Cache.Version, info.CacheVersion)
	assert.Equal(t, uint(3), info.SchemaVersion)
	assert.False(t, info.SchemaDirty)
}

func TestMutationEventNames(t *testing.T) {
	tests := []struct {
		resource string
		op       string
		want     string
	}{
		{"transactions", "create", "transaction-created"},
		{"goals", "update", "goal-updated"},
		{"Goals", "delete", "goal-deleted"},
		{"financial", "update", "financial-updated"},
		{"", "update", ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, mutationEvent(tt.resource, tt.op))
		})
	}
}

func TestResourceFromURL(t *testing.T) {
	assert.Equal(t, "transactions", resourceFromURL("/api/transactions/42"))
	assert.Equal(t, "goals", resourceFromURL("/api/goals?page=2"))
	assert.Equal(t, "", resourceFromURL("/static/app.js"))
	assert.Equal(t, "", resourceFromURL("/api"))
	assert.Equal(t, "create", opForMethod("post"))
	assert.Equal(t, "delete", opForMethod(http.MethodDelete))
	assert.Equal(t, "update", opForMethod(http.MethodPatch))
}

func TestWarmingCandidatesEmptyWithoutSignals(t *testing.T) {
	srv := httptest.NewServer((&remoteAPI{}).handler())
	defer srv.Close()

	e := startEngine(t, testConfig(srv.URL))
	defer stopEngine(t, e)
	assert.Empty(t, e.warmingCandidates(context.Background(), 10))
}
