package popularity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
)

func testConfig() config.PopularityConfig {
	return config.PopularityConfig{
		AnalysisWindow: 24 * time.Hour,
		FrequencyCap:   100,
		UserCap:        10,
		Weights: config.PopularityWeights{
			Recency:   0.3,
			Frequency: 0.3,
			Diversity: 0.2,
			CacheHit:  0.2,
		},
		TrendWindows:        4,
		RisingThreshold:     0.2,
		FallingThreshold:    0.2,
		VolatilityThreshold: 1.0,
		TrendingConfidence:  0.5,
		MinAccesses:         3,
		WarmingThreshold:    0.3,
		RecommendationLimit: 10,
	}
}

func newTestDetector(t *testing.T) (*Detector, *clock.Mock, *events.Bus) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC))
	bus := events.NewBus(logrus.New())
	return NewDetector(testConfig(), mock, nil, bus, nil, logrus.New()), mock, bus
}

func TestPopularityScore(t *testing.T) {
	d, _, _ := newTestDetector(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, d.RecordAccess(AccessEvent{
			ResourceID: "/api/goals",
			UserID:     fmt.Sprintf("user-%d", i%5),
			Success:    true,
			CacheHit:   true,
			LoadTime:   20 * time.Millisecond,
		}))
	}

	m, ok := d.GetMetrics("/api/goals")
	require.True(t, ok)
	assert.Equal(t, 10, m.AccessCount)
	assert.Equal(t, 5, m.UniqueUsers)
	assert.Equal(t, 1.0, m.CacheHitRate)
	assert.Equal(t, 20*time.Millisecond, m.AverageLoadTime)
	// 0.3 recency + 0.3*0.1 frequency + 0.2*0.5 diversity + 0.2 cache band
	assert.InDelta(t, 0.63, m.PopularityScore, 1e-9)
}

func TestRecencyDecaysAcrossWindow(t *testing.T) {
	d, mock, _ := newTestDetector(t)
	require.NoError(t, d.RecordAccess(AccessEvent{ResourceID: "/api/transactions"}))

	fresh, _ := d.GetMetrics("/api/transactions")
	mock.Add(12 * time.Hour)
	older, _ := d.GetMetrics("/api/transactions")

	assert.InDelta(t, 0.15, fresh.PopularityScore-older.PopularityScore, 1e-9)
}

func TestRisingTrendIsTrending(t *testing.T) {
	d, mock, bus := newTestDetector(t)
	var detected []events.Event
	bus.Subscribe(events.TrendingDetected, func(e events.Event) { detected = append(detected, e) })

	start := mock.Now().Add(-24 * time.Hour)
	for bucket, count := range []int{4, 5, 6, 7} {
		at := start.Add(time.Duration(bucket)*6*time.Hour + time.Hour)
		for i := 0; i < count; i++ {
			require.NoError(t, d.RecordAccess(AccessEvent{ResourceID: "/api/goals", Timestamp: at}))
		}
	}

	m, ok := d.GetMetrics("/api/goals")
	require.True(t, ok)
	assert.Equal(t, TrendRising, m.Trend)
	assert.Greater(t, m.TrendConfidence, 0.9)
	assert.True(t, m.Trending)
	assert.Len(t, detected, 1)

	trending := d.GetTrendingContent(5)
	require.Len(t, trending, 1)
	assert.Equal(t, "/api/goals", trending[0].ResourceID)
}

func TestTrendClassification(t *testing.T) {
	d, _, _ := newTestDetector(t)

	tests := []struct {
		name   string
		counts []float64
		trend  Trend
	}{
		{"flat", []float64{5, 5, 5, 5}, TrendStable},
		{"falling", []float64{8, 6, 4, 3}, TrendFalling},
		{"rising", []float64{4, 5, 6, 7}, TrendRising},
		{"spiky", []float64{1, 10, 1, 10}, TrendVolatile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, trend := d.classify(tt.counts)
			assert.Equal(t, tt.trend, trend)
		})
	}
}

func TestLogPrunedToTwiceWindow(t *testing.T) {
	d, mock, _ := newTestDetector(t)
	require.NoError(t, d.RecordAccess(AccessEvent{ResourceID: "/app.js"}))

	mock.Add(49 * time.Hour)
	require.NoError(t, d.RecordAccess(AccessEvent{ResourceID: "/app.js"}))

	d.mu.Lock()
	assert.Len(t, d.logs["/app.js"], 1)
	d.mu.Unlock()
}

func TestIdleResourcesPrunedWithoutNewAccess(t *testing.T) {
	d, mock, _ := newTestDetector(t)
	require.NoError(t, d.RecordAccess(AccessEvent{ResourceID: "/api/old"}))
	require.NoError(t, d.RecordAccess(AccessEvent{ResourceID: "/api/goals"}))

	mock.Add(30 * time.Hour)
	require.NoError(t, d.RecordAccess(AccessEvent{ResourceID: "/api/goals"}))

	mock.Add(19 * time.Hour)
	d.GetPopularContent(10)
	assert.Equal(t, 1, d.Resources())

	_, ok := d.GetMetrics("/api/old")
	assert.False(t, ok)
}

func TestBucketCountsWithTinyWindow(t *testing.T) {
	start := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	log := []AccessEvent{{Timestamp: start}, {Timestamp: start.Add(2 * time.Nanosecond)}}

	var counts []float64
	require.NotPanics(t, func() { counts = bucketCounts(log, start, 3*time.Nanosecond, 4) })
	require.Len(t, counts, 4)
	assert.Equal(t, 2.0, counts[0]+counts[1]+counts[2]+counts[3])
}

func TestPopularContentAndRecommendations(t *testing.T) {
	d, _, _ := newTestDetector(t)

	for i := 0; i < 8; i++ {
		require.NoError(t, d.RecordAccess(AccessEvent{ResourceID: "/api/goals", UserID: fmt.Sprintf("u%d", i), CacheHit: true}))
	}
	require.NoError(t, d.RecordAccess(AccessEvent{ResourceID: "/api/export"}))

	popular := d.GetPopularContent(1)
	require.Len(t, popular, 1)
	assert.Equal(t, "/api/goals", popular[0].ResourceID)

	recs := d.GetCacheWarmingRecommendations()
	require.Len(t, recs, 1)
	assert.Equal(t, "/api/goals", recs[0].ResourceID)
	assert.Contains(t, recs[0].Reason, "popular")

	assert.Error(t, d.RecordAccess(AccessEvent{}))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	mock := clock.NewMock()
	persister := storage.NewPersister(storage.NewMemoryStore(0), nil, nil, 0, logrus.New())

	d := NewDetector(testConfig(), mock, persister, nil, nil, logrus.New())
	require.NoError(t, d.RecordAccess(AccessEvent{ResourceID: "/api/goals", UserID: "u1"}))
	require.NoError(t, d.RecordAccess(AccessEvent{ResourceID: "/api/transactions", UserID: "u2"}))
	require.NoError(t, d.Save(context.Background()))

	restored := NewDetector(testConfig(), mock, persister, nil, nil, logrus.New())
	require.NoError(t, restored.Load(context.Background()))
	assert.Equal(t, 2, restored.Resources())

	m, ok := restored.GetMetrics("/api/goals")
	require.True(t, ok)
	assert.Equal(t, 1, m.AccessCount)
}
