package prioritizer

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/behavior"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/connectivity"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/device"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/popularity"
)

type fakePopularity map[string]popularity.Metrics

func (f fakePopularity) GetMetrics(id string) (popularity.Metrics, bool) {
	m, ok := f[id]
	return m, ok
}

func (f fakePopularity) GetPopularContent(limit int) []popularity.Metrics {
	var out []popularity.Metrics
	for _, m := range f {
		out = append(out, m)
	}
	return out
}

type fakeBehavior behavior.Metrics

func (f fakeBehavior) GetBehaviorMetrics(string) behavior.Metrics { return behavior.Metrics(f) }

type fakeNetwork connectivity.NetworkInfo

func (f fakeNetwork) NetworkInfo() connectivity.NetworkInfo { return connectivity.NetworkInfo(f) }

func testConfig() config.PrioritizerConfig {
	return config.PrioritizerConfig{
		Weights: config.PriorityWeights{
			Popularity:         0.2,
			Recency:            0.15,
			Frequency:          0.15,
			UserRelevance:      0.15,
			NetworkEfficiency:  0.1,
			DeviceOptimization: 0.05,
			BusinessValue:      0.1,
			CacheHitRate:       0.1,
		},
		BoostWeights: config.BoostWeights{
			Contextual:  0.3,
			Temporal:    0.2,
			UserSegment: 0.2,
			Network:     0.15,
			Device:      0.15,
		},
		BoostCap:   0.3,
		BoostShare: 0.3,
		Thresholds: config.PriorityThresholds{Critical: 0.8, High: 0.6, Medium: 0.4, Low: 0.2},
		Risk:       config.RiskThresholds{Medium: 0.3, High: 0.6},
		BusinessValue: map[string]float64{
			"/api/":             0.5,
			"/api/transactions": 1.0,
		},
		MaxTracked:      100,
		SlowNetworkRisk: 0.5,
	}
}

func newMock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC))
	return mock
}

func TestHotResourceIsCritical(t *testing.T) {
	mock := newMock()
	cfg := testConfig()
	cfg.PeakHours = []int{9}

	pop := fakePopularity{"/api/transactions": {
		ResourceID:      "/api/transactions",
		AccessCount:     100,
		UniqueUsers:     10,
		PopularityScore: 1,
		CacheHitRate:    1,
		LastAccess:      mock.Now(),
	}}
	beh := fakeBehavior{
		TotalActions: 150,
		TopResources: []behavior.ResourceCount{{Resource: "/api/transactions", Count: 40}},
		Predictions:  []behavior.Prediction{{Resource: "/api/transactions", Confidence: 1, Source: "sequence"}},
	}
	p := New(cfg, pop, beh, fakeNetwork{EffectiveType: "4g"}, device.Static{Cores: 8}, mock, logrus.New())

	rp, err := p.PrioritizeResource(context.Background(), "/api/transactions", "", "u1")
	require.NoError(t, err)

	assert.Equal(t, "api", rp.ResourceType)
	assert.InDelta(t, 0.994, rp.BasePriority, 1e-9)
	assert.Equal(t, 1.0, rp.FinalPriority)
	assert.Equal(t, LevelCritical, rp.Level)
	assert.Equal(t, ActionPreload, rp.RecommendedAction)
	assert.Equal(t, RiskLow, rp.RiskLevel)
	assert.Contains(t, rp.Reasons, "peak usage hour")
	assert.Contains(t, rp.Reasons, "high business value")

	assert.Len(t, p.GetCriticalResources(), 1)
	assert.Len(t, p.GetHighPriorityResources(), 1)
}

func TestUnknownResourceIsSkipped(t *testing.T) {
	p := New(testConfig(), nil, nil, nil, nil, newMock(), logrus.New())

	rp, err := p.PrioritizeResource(context.Background(), "/img/banner.png", "", "")
	require.NoError(t, err)

	assert.InDelta(t, 0.125, rp.BasePriority, 1e-9)
	assert.InDelta(t, 0.17, rp.FinalPriority, 1e-9)
	assert.Equal(t, LevelMinimal, rp.Level)
	assert.Equal(t, ActionSkip, rp.RecommendedAction)
	assert.Equal(t, RiskMedium, rp.RiskLevel)
	assert.Empty(t, p.GetHighPriorityResources())
}

func TestSlowNetworkRaisesRisk(t *testing.T) {
	p := New(testConfig(), nil, nil, fakeNetwork{EffectiveType: "2g"}, nil, newMock(), logrus.New())

	rp, err := p.PrioritizeResource(context.Background(), "/img/banner.png", "", "")
	require.NoError(t, err)

	assert.InDelta(t, 0.9, rp.EstimatedCost, 1e-9)
	assert.Equal(t, 0.0, rp.Boosts.Network)
	assert.Equal(t, RiskHigh, rp.RiskLevel)
	assert.Contains(t, rp.Reasons, "slow network")
}

func TestRecommendedActionLadder(t *testing.T) {
	tests := []struct {
		level    Level
		resType  string
		url      string
		expected Action
	}{
		{LevelCritical, "image", "/a.png", ActionPreload},
		{LevelHigh, "image", "/a.png", ActionPrefetch},
		{LevelHigh, "script", "/app.js", ActionPreload},
		{LevelMedium, "other", "https://cdn.example.com/lib.wasm", ActionPreconnect},
		{LevelMedium, "api", "/api/goals", ActionPrefetch},
		{LevelLow, "api", "/api/goals", ActionMonitor},
		{LevelMinimal, "api", "/api/goals", ActionSkip},
	}

	for _, tt := range tests {
		t.Run(string(tt.level)+"/"+tt.resType, func(t *testing.T) {
			assert.Equal(t, tt.expected, recommendedAction(tt.level, tt.resType, tt.url))
		})
	}
}

func TestResourceType(t *testing.T) {
	tests := map[string]string{
		"/api/goals?page=2":     "api",
		"/static/app.js":        "script",
		"/static/site.css":      "style",
		"/icons/logo.svg":       "image",
		"/fonts/inter.woff2":    "font",
		"/dashboard":            "document",
		"/manifest.webmanifest": "other",
	}
	for url, expected := range tests {
		assert.Equal(t, expected, ResourceType(url), url)
	}
}

func TestBusinessValueUsesLongestPrefix(t *testing.T) {
	p := New(testConfig(), nil, nil, nil, nil, newMock(), logrus.New())

	assert.Equal(t, 1.0, p.businessValue("/api/transactions/5"))
	assert.Equal(t, 0.5, p.businessValue("/api/reports"))
	assert.Equal(t, defaultBusinessValue, p.businessValue("/about"))
}

func TestRefreshPicksUpPopularContent(t *testing.T) {
	mock := newMock()
	pop := fakePopularity{"/api/goals": {ResourceID: "/api/goals", URL: "/api/goals", PopularityScore: 0.9, LastAccess: mock.Now()}}
	p := New(testConfig(), pop, nil, nil, nil, mock, logrus.New())

	require.NoError(t, p.Refresh(context.Background()))

	list := p.GetPrioritizedResources(10)
	require.Len(t, list, 1)
	assert.Equal(t, "/api/goals", list[0].ResourceID)
	assert.Greater(t, list[0].Factors.Popularity, 0.0)
}

func TestTrackingIsBounded(t *testing.T) {
	mock := newMock()
	cfg := testConfig()
	cfg.MaxTracked = 2
	p := New(cfg, nil, nil, nil, nil, mock, logrus.New())
	ctx := context.Background()

	for _, id := range []string{"/a", "/b", "/c"} {
		_, err := p.PrioritizeResource(ctx, id, "", "")
		require.NoError(t, err)
		mock.Add(time.Second)
	}

	ids := map[string]bool{}
	for _, rp := range p.GetPrioritizedResources(0) {
		ids[rp.ResourceID] = true
	}
	assert.Equal(t, map[string]bool{"/b": true, "/c": true}, ids)

	_, err := p.PrioritizeResource(ctx, "", "", "")
	assert.Error(t, err)
}
