package popularity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/metrics"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
)

const snapshotKey = "access-log"

// Trend classifies how access volume moves across the analysis window
type Trend string

const (
	TrendRising   Trend = "rising"
	TrendFalling  Trend = "falling"
	TrendStable   Trend = "stable"
	TrendVolatile Trend = "volatile"
)

// AccessEvent is one observed request for a resource
type AccessEvent struct {
	ResourceID string        `json:"resource_id"`
	URL        string        `json:"url"`
	UserID     string        `json:"user_id,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
	LoadTime   time.Duration `json:"load_time"`
	Success    bool          `json:"success"`
	CacheHit   bool          `json:"cache_hit"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Metrics are derived from the access log on demand; nothing here is stored
type Metrics struct {
	ResourceID      string        `json:"resource_id"`
	URL             string        `json:"url"`
	AccessCount     int           `json:"access_count"`
	UniqueUsers     int           `json:"unique_users"`
	PopularityScore float64       `json:"popularity_score"`
	GrowthRate      float64       `json:"growth_rate"`
	Trend           Trend         `json:"trend"`
	TrendConfidence float64       `json:"trend_confidence"`
	Trending        bool          `json:"trending"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
	SuccessRate     float64       `json:"success_rate"`
	AverageLoadTime time.Duration `json:"average_load_time"`
	LastAccess      time.Time     `json:"last_access"`
}

// Recommendation is a resource worth warming because of its popularity
type Recommendation struct {
	ResourceID string  `json:"resource_id"`
	URL        string  `json:"url"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Detector tracks per-resource access logs and scores popularity and trends
type Detector struct {
	cfg       config.PopularityConfig
	clock     clock.Clock
	persister *storage.Persister
	bus       events.Publisher
	recorder  metrics.Recorder
	logger    *logrus.Logger

	mu       sync.Mutex
	logs     map[string][]AccessEvent
	trending map[string]bool
}

// NewDetector creates a popularity detector; persister may be nil for an in-memory detector
func NewDetector(cfg config.PopularityConfig, clk clock.Clock, persister *storage.Persister, bus events.Publisher, recorder metrics.Recorder, logger *logrus.Logger) *Detector {
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
		persister = persister.Namespace("popularity")
	}
	return &Detector{
		cfg:       cfg,
		clock:     clk,
		persister: persister,
		bus:       bus,
		recorder:  recorder,
		logger:    logger,
		logs:      make(map[string][]AccessEvent),
		trending:  make(map[string]bool),
	}
}

// RecordAccess appends an access and prunes the resource's log to twice the analysis window
func (d *Detector) RecordAccess(ev AccessEvent) error {
	if ev.ResourceID == "" {
		return fmt.Errorf("resource id is required")
	}
	if ev.URL == "" {
		ev.URL = ev.ResourceID
	}
	now := d.clock.Now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	d.mu.Lock()
	log := append(d.logs[ev.ResourceID], ev)
	log = prune(log, now.Add(-2*d.cfg.AnalysisWindow))
	d.logs[ev.ResourceID] = log

	m := d.compute(ev.ResourceID, log, now)
	becameTrending := m.Trending && !d.trending[ev.ResourceID]
	d.trending[ev.ResourceID] = m.Trending
	d.mu.Unlock()

	if becameTrending {
		d.logger.WithFields(logrus.Fields{
			"resource":    ev.ResourceID,
			"growth_rate": m.GrowthRate,
			"confidence":  m.TrendConfidence,
		}).Info("Resource started trending")
		d.bus.Publish(events.TrendingDetected, "popularity", m)
	}
	return nil
}

// GetMetrics returns the derived metrics for one resource
func (d *Detector) GetMetrics(resourceID string) (Metrics, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	d.pruneLocked(resourceID, now)
	log, ok := d.logs[resourceID]
	if !ok {
		return Metrics{}, false
	}
	return d.compute(resourceID, log, now), true
}

// GetPopularContent returns resources with accesses in the window, highest score first
func (d *Detector) GetPopularContent(limit int) []Metrics {
	all := d.snapshot()
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].PopularityScore == all[j].PopularityScore {
			return all[i].ResourceID < all[j].ResourceID
		}
		return all[i].PopularityScore > all[j].PopularityScore
	})
	return truncate(all, limit)
}

// GetTrendingContent returns trending resources, fastest growing first
func (d *Detector) GetTrendingContent(limit int) []Metrics {
	var trending []Metrics
	for _, m := range d.snapshot() {
		if m.Trending {
			trending = append(trending, m)
		}
	}
	sort.SliceStable(trending, func(i, j int) bool {
		if trending[i].GrowthRate == trending[j].GrowthRate {
			return trending[i].ResourceID < trending[j].ResourceID
		}
		return trending[i].GrowthRate > trending[j].GrowthRate
	})
	return truncate(trending, limit)
}

// GetCacheWarmingRecommendations returns popular or trending resources worth preloading
func (d *Detector) GetCacheWarmingRecommendations() []Recommendation {
	var recs []Recommendation
	for _, m := range d.snapshot() {
		switch {
		case m.Trending:
			recs = append(recs, Recommendation{
				ResourceID: m.ResourceID,
				URL:        m.URL,
				Score:      math.Max(m.PopularityScore, d.cfg.WarmingThreshold),
				Confidence: m.TrendConfidence,
				Reason:     fmt.Sprintf("trending (%.0f%% growth per period)", m.GrowthRate*100),
			})
		case m.AccessCount >= d.cfg.MinAccesses && m.PopularityScore >= d.cfg.WarmingThreshold:
			recs = append(recs, Recommendation{
				ResourceID: m.ResourceID,
				URL:        m.URL,
				Score:      m.PopularityScore,
				Confidence: m.PopularityScore,
				Reason:     fmt.Sprintf("popular (%d accesses by %d users)", m.AccessCount, m.UniqueUsers),
			})
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Score*recs[i].Confidence > recs[j].Score*recs[j].Confidence
	})
	return truncate(recs, d.cfg.RecommendationLimit)
}

// Resources returns the number of tracked resources
func (d *Detector) Resources() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.logs)
}

func (d *Detector) snapshot() []Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	out := make([]Metrics, 0, len(d.logs))
	for id := range d.logs {
		d.pruneLocked(id, now)
	}
	for id, log := range d.logs {
		m := d.compute(id, log, now)
		if m.AccessCount == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// pruneLocked drops events older than twice the window and forgets idle resources; callers hold d.mu
func (d *Detector) pruneLocked(id string, now time.Time) {
	log := prune(d.logs[id], now.Add(-2*d.cfg.AnalysisWindow))
	if len(log) == 0 {
		delete(d.logs, id)
		delete(d.trending, id)
		return
	}
	d.logs[id] = log
}

// compute derives metrics for one resource; callers hold d.mu
func (d *Detector) compute(id string, log []AccessEvent, now time.Time) Metrics {
	m := Metrics{ResourceID: id, Trend: TrendStable}
	if len(log) == 0 {
		return m
	}
	window := d.cfg.AnalysisWindow
	start := now.Add(-window)

	users := make(map[string]struct{})
	var hits, successes int
	var loadTotal time.Duration
	for _, ev := range log {
		if ev.Timestamp.After(m.LastAccess) {
			m.LastAccess = ev.Timestamp
			m.URL = ev.URL
		}
		if ev.Timestamp.Before(start) {
			continue
		}
		m.AccessCount++
		if user := ev.UserID; user != "" {
			users[user] = struct{}{}
		} else if ev.SessionID != "" {
			users["session:"+ev.SessionID] = struct{}{}
		}
		if ev.CacheHit {
			hits++
		}
		if ev.Success {
			successes++
		}
		loadTotal += ev.LoadTime
	}
	m.UniqueUsers = len(users)
	if m.AccessCount == 0 {
		return m
	}

	m.CacheHitRate = float64(hits) / float64(m.AccessCount)
	m.SuccessRate = float64(successes) / float64(m.AccessCount)
	m.AverageLoadTime = loadTotal / time.Duration(m.AccessCount)

	recency := 0.0
	if window > 0 {
		recency = clamp(1 - float64(now.Sub(m.LastAccess))/float64(window))
	}
	w := d.cfg.Weights
	m.PopularityScore = clamp(
		w.Recency*recency +
			w.Frequency*ratio(m.AccessCount, d.cfg.FrequencyCap) +
			w.Diversity*ratio(m.UniqueUsers, d.cfg.UserCap) +
			w.CacheHit*hitRateBand(m.CacheHitRate),
	)

	counts := bucketCounts(log, start, window, d.cfg.TrendWindows)
	m.GrowthRate, m.Trend = d.classify(counts)
	m.TrendConfidence = confidence(counts)
	m.Trending = m.Trend == TrendRising && m.TrendConfidence >= d.cfg.TrendingConfidence

	return m
}

// classify returns the mean period-over-period change and the resulting trend
func (d *Detector) classify(counts []float64) (float64, Trend) {
	if len(counts) < 2 {
		return 0, TrendStable
	}

	changes := make([]float64, 0, len(counts)-1)
	for i := 1; i < len(counts); i++ {
		prev, cur := counts[i-1], counts[i]
		switch {
		case prev == 0 && cur == 0:
			changes = append(changes, 0)
		case prev == 0:
			changes = append(changes, 1)
		default:
			changes = append(changes, (cur-prev)/prev)
		}
	}

	mean := 0.0
	for _, c := range changes {
		mean += c
	}
	mean /= float64(len(changes))

	spread := 0.0
	for _, c := range changes {
		spread += (c - mean) * (c - mean)
	}
	spread = math.Sqrt(spread / float64(len(changes)))

	switch {
	case spread > d.cfg.VolatilityThreshold:
		return mean, TrendVolatile
	case mean > d.cfg.RisingThreshold:
		return mean, TrendRising
	case mean < -d.cfg.FallingThreshold:
		return mean, TrendFalling
	default:
		return mean, TrendStable
	}
}

// bucketCounts splits the window into n equal sub-windows, oldest first
func bucketCounts(log []AccessEvent, start time.Time, window time.Duration, n int) []float64 {
	if n <= 0 || window <= 0 {
		return nil
	}
	counts := make([]float64, n)
	size := window / time.Duration(n)
	if size <= 0 {
		size = 1
	}
	for _, ev := range log {
		if ev.Timestamp.Before(start) {
			continue
		}
		idx := int(ev.Timestamp.Sub(start) / size)
		if idx >= n {
			idx = n - 1
		}
		counts[idx]++
	}
	return counts
}

// confidence is 1 minus the variance of the sub-window counts normalized by the squared mean
func confidence(counts []float64) float64 {
	if len(counts) == 0 {
		return 0
	}
	mean := 0.0
	for _, c := range counts {
		mean += c
	}
	mean /= float64(len(counts))
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, c := range counts {
		variance += (c - mean) * (c - mean)
	}
	variance /= float64(len(counts))
	return 1 - clamp(variance/(mean*mean))
}

func hitRateBand(rate float64) float64 {
	switch {
	case rate >= 0.8:
		return 1
	case rate >= 0.5:
		return 0.6
	case rate >= 0.2:
		return 0.3
	default:
		return 0
	}
}

func prune(log []AccessEvent, cutoff time.Time) []AccessEvent {
	kept := log[:0:0]
	for _, ev := range log {
		if !ev.Timestamp.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	return kept
}

func ratio(n, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return clamp(float64(n) / float64(limit))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// Save persists the access log
func (d *Detector) Save(ctx context.Context) error {
	if d.persister == nil {
		return nil
	}
	d.mu.Lock()
	snapshot := make(map[string][]AccessEvent, len(d.logs))
	for id, log := range d.logs {
		snapshot[id] = append([]AccessEvent(nil), log...)
	}
	d.mu.Unlock()

	err := d.persister.Save(ctx, snapshotKey, snapshot)
	d.recorder.RecordPersistence("popularity", err)
	return err
}

// Load restores the access log, dropping events older than twice the analysis window
func (d *Detector) Load(ctx context.Context) error {
	if d.persister == nil {
		return nil
	}
	var snapshot map[string][]AccessEvent
	found, err := d.persister.Load(ctx, snapshotKey, &snapshot)
	if err != nil || !found {
		return err
	}

	cutoff := d.clock.Now().Add(-2 * d.cfg.AnalysisWindow)
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, log := range snapshot {
		if log = prune(log, cutoff); len(log) > 0 {
			d.logs[id] = log
		}
	}
	d.logger.WithField("resources", len(d.logs)).Debug("Popularity access log restored")
	return nil
}
