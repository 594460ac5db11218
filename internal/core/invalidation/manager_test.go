package invalidation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/cache"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
)

func cacheConfig() config.CacheConfig {
	return config.CacheConfig{
		Prefix:      "pma",
		Version:     "3",
		CriticalTTL: 24 * time.Hour,
		StaticTTL:   7 * 24 * time.Hour,
		APITTL:      10 * time.Minute,
		RuntimeTTL:  time.Hour,
	}
}

func newTestManager(t *testing.T, defaults bool, rc cache.ResourceCache, bus events.Publisher) (*Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	m, err := New(config.InvalidationConfig{DefaultRules: defaults, HistorySize: 10}, cacheConfig(), rc, mock, nil, bus, nil, logrus.New())
	require.NoError(t, err)
	return m, mock
}

func put(t *testing.T, rc cache.ResourceCache, cacheType cache.CacheType, url string, capturedAt time.Time, tags ...string) {
	t.Helper()
	name := cache.Namer{Prefix: "pma", Version: "3"}.Name(cacheType)
	require.NoError(t, rc.Put(context.Background(), name, &cache.Entry{
		URL:        url,
		Body:       []byte("{}"),
		CacheType:  cacheType,
		CapturedAt: capturedAt,
		Version:    "3",
		Tags:       tags,
	}))
}

func TestFinancialRuleExpiresAfterMaxAge(t *testing.T) {
	m, mock := newTestManager(t, false, nil, nil)
	_, err := m.AddRule(Rule{Pattern: `/^\/api\/financial/`, MaxAge: 2 * time.Minute})
	require.NoError(t, err)

	meta := EntryMetadata{Timestamp: mock.Now()}

	mock.Add(90 * time.Second)
	assert.False(t, m.ShouldInvalidate("/api/financial/summary", cache.CacheTypeAPI, meta))

	mock.Add(40 * time.Second)
	assert.True(t, m.ShouldInvalidate("/api/financial/summary", cache.CacheTypeAPI, meta))
}

func TestHigherPriorityRuleWins(t *testing.T) {
	m, mock := newTestManager(t, false, nil, nil)
	_, err := m.AddRule(Rule{ID: "loose", Pattern: "/api/", MaxAge: time.Hour, Priority: 1})
	require.NoError(t, err)
	_, err = m.AddRule(Rule{ID: "strict", Pattern: "/api/goals", MaxAge: time.Minute, Priority: 10})
	require.NoError(t, err)

	assert.Equal(t, "strict", m.Rules()[0].ID)

	meta := EntryMetadata{Timestamp: mock.Now()}
	mock.Add(5 * time.Minute)
	assert.True(t, m.ShouldInvalidate("/api/goals/1", cache.CacheTypeAPI, meta))
	assert.False(t, m.ShouldInvalidate("/api/accounts", cache.CacheTypeAPI, meta))
}

func TestEqualPrioritiesKeepRegistrationOrder(t *testing.T) {
	m, _ := newTestManager(t, false, nil, nil)
	for _, id := range []string{"first", "second", "third"} {
		_, err := m.AddRule(Rule{ID: id, Pattern: "/api/", Priority: 5})
		require.NoError(t, err)
	}
	var ids []string
	for _, r := range m.Rules() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"first", "second", "third"}, ids)
}

func TestUnmatchedURLUsesCacheTypeTTL(t *testing.T) {
	m, mock := newTestManager(t, false, nil, nil)
	meta := EntryMetadata{Timestamp: mock.Now()}

	mock.Add(11 * time.Minute)
	assert.True(t, m.ShouldInvalidate("/api/anything", cache.CacheTypeAPI, meta))
	assert.False(t, m.ShouldInvalidate("/dashboard", cache.CacheTypeRuntime, meta))
}

func TestVersionChangeInvalidatesStaticAssets(t *testing.T) {
	m, mock := newTestManager(t, true, nil, nil)
	meta := EntryMetadata{Timestamp: mock.Now(), Version: "3"}

	assert.False(t, m.ShouldInvalidate("/static/app.js", cache.CacheTypeStatic, meta))
	require.NoError(t, m.SetVersion(context.Background(), "app-version", "4"))
	assert.True(t, m.ShouldInvalidate("/static/app.js", cache.CacheTypeStatic, meta))
}

func TestDefaultAPIRuleOnlyMatchesAPIPaths(t *testing.T) {
	m, mock := newTestManager(t, true, nil, nil)
	meta := EntryMetadata{Timestamp: mock.Now(), Version: "3"}

	mock.Add(6 * time.Minute)
	assert.True(t, m.ShouldInvalidate("/api/accounts", cache.CacheTypeAPI, meta))
	assert.False(t, m.ShouldInvalidate("/static/rapids.png", cache.CacheTypeStatic, meta))
	assert.False(t, m.ShouldInvalidate("/therapist", cache.CacheTypeRuntime, meta))
}

func TestCompilePatternSyntax(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"/api/", "/api/goals", true},
		{"/api/", "/static/rapids.png", false},
		{"/api/", "https://app.example.com/api/goals", true},
		{"/api/", "https://api.example.com/home", false},
		{"rapids", "/static/rapids.png", true},
		{`/^\/api\//`, "/api/goals", true},
		{`/^\/api\//`, "/therapist", false},
		{"re:api", "/therapist", true},
		{`/\.map$/`, "/static/app.js.map", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.url, func(t *testing.T) {
			mt, err := Compile(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mt.Match(tt.url))
		})
	}
}

func TestAddRuleValidation(t *testing.T) {
	m, _ := newTestManager(t, false, nil, nil)
	tests := []struct {
		name string
		rule Rule
	}{
		{"empty pattern", Rule{Pattern: " "}},
		{"bad regex", Rule{Pattern: "/([a-z/"}},
		{"negative max age", Rule{Pattern: "/api/", MaxAge: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.AddRule(tt.rule)
			assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(err))
		})
	}
	assert.Empty(t, m.Rules())
}

func TestInvalidateByPattern(t *testing.T) {
	rc := cache.NewMemoryCache()
	bus := events.NewBus(logrus.New())
	var published []Result
	bus.Subscribe(events.InvalidationComplete, func(e events.Event) {
		published = append(published, e.Data.(Result))
	})
	m, mock := newTestManager(t, false, rc, bus)

	put(t, rc, cache.CacheTypeAPI, "/api/transactions?page=1", mock.Now())
	put(t, rc, cache.CacheTypeAPI, "/api/goals", mock.Now())
	put(t, rc, cache.CacheTypeCritical, "/api/transactions/recent", mock.Now())
	// caches outside the managed prefix are left alone
	require.NoError(t, rc.Put(context.Background(), "other-api-v1", &cache.Entry{URL: "/api/transactions"}))

	result := m.InvalidateByPattern(context.Background(), `/^\/api\/transactions/`)
	assert.True(t, result.Success)
	assert.ElementsMatch(t, []string{"/api/transactions?page=1", "/api/transactions/recent"}, result.InvalidatedKeys)
	require.Len(t, published, 1)
	assert.Equal(t, "pattern", published[0].Trigger)

	keys, err := rc.Keys(context.Background(), "other-api-v1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	bad := m.InvalidateByPattern(context.Background(), "/([/")
	assert.False(t, bad.Success)
	assert.NotEmpty(t, bad.Errors)
}

func TestInvalidateByLiteralPathLeavesLookalikes(t *testing.T) {
	rc := cache.NewMemoryCache()
	m, mock := newTestManager(t, false, rc, nil)

	put(t, rc, cache.CacheTypeAPI, "/api/goals", mock.Now())
	put(t, rc, cache.CacheTypeStatic, "/static/rapids.png", mock.Now())
	put(t, rc, cache.CacheTypeRuntime, "/therapist", mock.Now())

	result := m.InvalidateByPattern(context.Background(), "/api/")
	assert.True(t, result.Success)
	assert.Equal(t, []string{"/api/goals"}, result.InvalidatedKeys)

	static, err := rc.Keys(context.Background(), cache.Namer{Prefix: "pma", Version: "3"}.Name(cache.CacheTypeStatic))
	require.NoError(t, err)
	assert.Equal(t, []string{"/static/rapids.png"}, static)
}

type failingCache struct {
	*cache.MemoryCache
	listErr   error
	deleteErr map[string]error
}

func (f *failingCache) CacheNames(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.MemoryCache.CacheNames(ctx)
}

func (f *failingCache) Delete(ctx context.Context, name, url string) (bool, error) {
	if err := f.deleteErr[url]; err != nil {
		return false, err
	}
	return f.MemoryCache.Delete(ctx, name, url)
}

func TestPartialDeleteFailuresAreCollected(t *testing.T) {
	rc := &failingCache{
		MemoryCache: cache.NewMemoryCache(),
		deleteErr:   map[string]error{"/api/b": errors.New("locked")},
	}
	m, mock := newTestManager(t, false, rc, nil)
	put(t, rc, cache.CacheTypeAPI, "/api/a", mock.Now())
	put(t, rc, cache.CacheTypeAPI, "/api/b", mock.Now())

	result := m.InvalidateByPattern(context.Background(), "/api/")
	assert.True(t, result.Success)
	assert.Equal(t, []string{"/api/a"}, result.InvalidatedKeys)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "locked")

	rc.listErr = errors.New("storage offline")
	result = m.InvalidateByPattern(context.Background(), "/api/")
	assert.False(t, result.Success)
}

func TestInvalidateByEventMergesRules(t *testing.T) {
	rc := cache.NewMemoryCache()
	m, mock := newTestManager(t, true, rc, nil)
	_, err := m.AddRule(Rule{Pattern: "/api/accounts", InvalidateOnEvents: []string{"transaction-created"}})
	require.NoError(t, err)

	put(t, rc, cache.CacheTypeAPI, "/api/transactions", mock.Now())
	put(t, rc, cache.CacheTypeAPI, "/api/accounts", mock.Now())
	put(t, rc, cache.CacheTypeAPI, "/api/settings", mock.Now())

	result := m.InvalidateByEvent(context.Background(), "transaction-created", map[string]string{"id": "t1"})
	assert.True(t, result.Success)
	assert.ElementsMatch(t, []string{"/api/transactions", "/api/accounts"}, result.InvalidatedKeys)
	assert.Equal(t, "event:transaction-created", result.Trigger)

	none := m.InvalidateByEvent(context.Background(), "unrelated", nil)
	assert.Empty(t, none.InvalidatedKeys)
}

func TestInvalidateByTag(t *testing.T) {
	rc := cache.NewMemoryCache()
	m, mock := newTestManager(t, true, rc, nil)

	put(t, rc, cache.CacheTypeAPI, "/api/goals", mock.Now())
	put(t, rc, cache.CacheTypeRuntime, "/reports/monthly", mock.Now(), "financial")
	put(t, rc, cache.CacheTypeRuntime, "/help", mock.Now())

	result := m.InvalidateByTag(context.Background(), "financial")
	assert.ElementsMatch(t, []string{"/api/goals", "/reports/monthly"}, result.InvalidatedKeys)
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	rc := cache.NewMemoryCache()
	m, mock := newTestManager(t, true, rc, nil)

	put(t, rc, cache.CacheTypeAPI, "/api/goals", mock.Now())
	put(t, rc, cache.CacheTypeAPI, "/api/settings", mock.Now())
	mock.Add(3 * time.Minute)
	put(t, rc, cache.CacheTypeAPI, "/api/transactions", mock.Now())

	result := m.Sweep(context.Background())
	assert.Equal(t, []string{"/api/goals"}, result.InvalidatedKeys)
	assert.Len(t, m.History(0), 1)
}

func TestCleanupOrphanedCaches(t *testing.T) {
	rc := cache.NewMemoryCache()
	m, mock := newTestManager(t, false, rc, nil)
	ctx := context.Background()

	put(t, rc, cache.CacheTypeAPI, "/api/goals", mock.Now())
	require.NoError(t, rc.Put(ctx, "pma-api-v2", &cache.Entry{URL: "/api/goals"}))
	require.NoError(t, rc.Put(ctx, "pma-static-v1", &cache.Entry{URL: "/app.js"}))
	require.NoError(t, rc.Put(ctx, "thirdparty-v1", &cache.Entry{URL: "/x"}))

	removed, err := m.CleanupOrphanedCaches(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pma-api-v2", "pma-static-v1"}, removed)

	names, err := rc.CacheNames(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pma-api-v3", "thirdparty-v1"}, names)
}

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: budgets
    pattern: "/^\\/api\\/budgets/"
    max_age: 90s
    priority: 80
    tags: [financial]
    invalidate_on_events: ["budget-*"]
`), 0o644))

	m, mock := newTestManager(t, false, nil, nil)
	n, err := m.LoadRulesFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rules := m.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, 90*time.Second, rules[0].MaxAge)
	assert.True(t, rules[0].TriggeredBy("budget-updated"))

	meta := EntryMetadata{Timestamp: mock.Now()}
	mock.Add(2 * time.Minute)
	assert.True(t, m.ShouldInvalidate("/api/budgets/7", cache.CacheTypeAPI, meta))
}

func TestVersionsPersist(t *testing.T) {
	persister := storage.NewPersister(storage.NewMemoryStore(0), nil, nil, 0, logrus.New())
	cfg := config.InvalidationConfig{HistorySize: 10}
	ctx := context.Background()

	m, err := New(cfg, cacheConfig(), nil, nil, persister, nil, nil, logrus.New())
	require.NoError(t, err)
	require.NoError(t, m.SetVersion(ctx, "schema", "7"))
	require.NoError(t, m.SetVersion(ctx, "app-version", "99"))

	restored, err := New(cfg, cacheConfig(), nil, nil, persister, nil, nil, logrus.New())
	require.NoError(t, err)
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, "7", restored.Version("schema"))
	assert.Equal(t, "3", restored.Version("app-version"))
}
