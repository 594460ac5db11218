package prioritizer

import (
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/behavior"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/connectivity"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/device"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/popularity"
)

// Level buckets a final priority
type Level string

const (
	LevelCritical Level = "critical"
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
	LevelMinimal  Level = "minimal"
)

// Action is what the warmer should do with a resource
type Action string

const (
	ActionPreload    Action = "preload"
	ActionPrefetch   Action = "prefetch"
	ActionPreconnect Action = "preconnect"
	ActionMonitor    Action = "monitor"
	ActionSkip       Action = "skip"
)

// Risk grades the cost of warming a resource that turns out to be unused
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Factors are the eight base signals, each in [0,1]
type Factors struct {
	Popularity         float64 `json:"popularity"`
	Recency            float64 `json:"recency"`
	Frequency          float64 `json:"frequency"`
	UserRelevance      float64 `json:"user_relevance"`
	NetworkEfficiency  float64 `json:"network_efficiency"`
	DeviceOptimization float64 `json:"device_optimization"`
	BusinessValue      float64 `json:"business_value"`
	CacheHitRate       float64 `json:"cache_hit_rate"`
}

// Boosts are contextual adjustments, each in [0,BoostCap]
type Boosts struct {
	Contextual  float64 `json:"contextual"`
	Temporal    float64 `json:"temporal"`
	UserSegment float64 `json:"user_segment"`
	Network     float64 `json:"network"`
	Device      float64 `json:"device"`
}

// ResourcePriority is derived per resource and never edited by hand
type ResourcePriority struct {
	ResourceID        string    `json:"resource_id"`
	URL               string    `json:"url"`
	UserID            string    `json:"user_id,omitempty"`
	ResourceType      string    `json:"resource_type"`
	Factors           Factors   `json:"factors"`
	Boosts            Boosts    `json:"boosts"`
	BasePriority      float64   `json:"base_priority"`
	FinalPriority     float64   `json:"final_priority"`
	Level             Level     `json:"level"`
	RecommendedAction Action    `json:"recommended_action"`
	RiskLevel         Risk      `json:"risk_level"`
	EstimatedCost     float64   `json:"estimated_cost"`
	Reasons           []string  `json:"reasons"`
	ComputedAt        time.Time `json:"computed_at"`
}

// PopularitySource supplies access-derived metrics
type PopularitySource interface {
	GetMetrics(resourceID string) (popularity.Metrics, bool)
	GetPopularContent(limit int) []popularity.Metrics
}

// BehaviorSource supplies per-user behavior summaries
type BehaviorSource interface {
	GetBehaviorMetrics(userID string) behavior.Metrics
}

// NetworkSource supplies the current network characteristics
type NetworkSource interface {
	NetworkInfo() connectivity.NetworkInfo
}

// relative transfer cost per resource type
var typeCost = map[string]float64{
	"api":      0.2,
	"document": 0.3,
	"style":    0.3,
	"font":     0.4,
	"script":   0.5,
	"image":    0.6,
	"other":    0.4,
}

const (
	defaultBusinessValue = 0.3
	powerUserActions     = 100
	broadAudienceUsers   = 5
)

// Prioritizer combines popularity, behavior, network and device signals into one score per resource
type Prioritizer struct {
	cfg        config.PrioritizerConfig
	popularity PopularitySource
	behavior   BehaviorSource
	network    NetworkSource
	device     device.Source
	clock      clock.Clock
	logger     *logrus.Logger

	mu      sync.RWMutex
	tracked map[string]ResourcePriority
}

// New creates a prioritizer; any source may be nil, in which case its factors are neutral
func New(cfg config.PrioritizerConfig, pop PopularitySource, beh BehaviorSource, net NetworkSource, dev device.Source, clk clock.Clock, logger *logrus.Logger) *Prioritizer {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = 500
	}
	return &Prioritizer{
		cfg:        cfg,
		popularity: pop,
		behavior:   beh,
		network:    net,
		device:     dev,
		clock:      clk,
		logger:     logger,
		tracked:    make(map[string]ResourcePriority),
	}
}

// signals are gathered once per scoring pass
type signals struct {
	now      time.Time
	behavior behavior.Metrics
	hasUser  bool
	network  connectivity.NetworkInfo
	device   device.Info
	hasDev   bool
}

func (p *Prioritizer) gather(ctx context.Context, userID string) signals {
	s := signals{now: p.clock.Now(), network: connectivity.NetworkInfo{EffectiveType: "unknown"}}
	if p.behavior != nil {
		s.behavior = p.behavior.GetBehaviorMetrics(userID)
		s.hasUser = true
	}
	if p.network != nil {
		s.network = p.network.NetworkInfo()
	}
	if p.device != nil {
		s.device = p.device.Info(ctx)
		s.hasDev = true
	}
	return s
}

// PrioritizeResource scores one resource and tracks it for later listing
func (p *Prioritizer) PrioritizeResource(ctx context.Context, id, url, userID string) (ResourcePriority, error) {
	if id == "" {
		return ResourcePriority{}, fmt.Errorf("resource id is required")
	}
	if url == "" {
		url = id
	}

	rp := p.score(id, url, userID, p.gather(ctx, userID))
	p.track(rp)
	return rp, nil
}

func (p *Prioritizer) score(id, url, userID string, s signals) ResourcePriority {
	rp := ResourcePriority{
		ResourceID:   id,
		URL:          url,
		UserID:       userID,
		ResourceType: ResourceType(url),
		ComputedAt:   s.now,
	}

	var pm popularity.Metrics
	var popular bool
	if p.popularity != nil {
		pm, popular = p.popularity.GetMetrics(id)
	}

	cost := typeCost[rp.ResourceType]
	slow := s.network.Slow()
	if slow {
		cost = clamp(cost * (1 + p.cfg.SlowNetworkRisk))
	}
	rp.EstimatedCost = cost

	f := &rp.Factors
	f.BusinessValue = p.businessValue(url)
	f.NetworkEfficiency = clamp(1 - cost*networkPenalty(s.network))
	f.DeviceOptimization = 0.5
	if s.hasDev {
		f.DeviceOptimization = s.device.Headroom()
	}
	if popular {
		f.Popularity = pm.PopularityScore
		f.CacheHitRate = pm.CacheHitRate
		f.Frequency = clamp(math.Log1p(float64(pm.AccessCount)) / math.Log1p(100))
		if !pm.LastAccess.IsZero() {
			f.Recency = 1 / (1 + s.now.Sub(pm.LastAccess).Hours())
		}
	}
	prediction := 0.0
	if s.hasUser {
		f.UserRelevance, prediction = relevance(s.behavior, id, url)
	}

	w := p.cfg.Weights
	rp.BasePriority = clamp(
		w.Popularity*f.Popularity +
			w.Recency*f.Recency +
			w.Frequency*f.Frequency +
			w.UserRelevance*f.UserRelevance +
			w.NetworkEfficiency*f.NetworkEfficiency +
			w.DeviceOptimization*f.DeviceOptimization +
			w.BusinessValue*f.BusinessValue +
			w.CacheHitRate*f.CacheHitRate,
	)

	capBoost := p.cfg.BoostCap
	b := &rp.Boosts
	b.Contextual = capped(prediction*capBoost, capBoost)
	if p.isPeakHour(s.now) {
		b.Temporal = capBoost
	}
	if s.hasUser && s.behavior.TotalActions >= powerUserActions && f.UserRelevance > 0 {
		b.UserSegment = capBoost
	} else if popular && pm.UniqueUsers >= broadAudienceUsers {
		b.UserSegment = capBoost / 2
	}
	switch {
	case slow:
	case s.network.EffectiveType == "4g":
		b.Network = capBoost
	default:
		b.Network = capBoost / 2
	}
	switch headroom := f.DeviceOptimization; {
	case headroom > 0.7:
		b.Device = capBoost
	case headroom > 0.4:
		b.Device = capBoost / 2
	}

	bw := p.cfg.BoostWeights
	combined := bw.Contextual*b.Contextual +
		bw.Temporal*b.Temporal +
		bw.UserSegment*b.UserSegment +
		bw.Network*b.Network +
		bw.Device*b.Device
	normalized := 0.0
	if capBoost > 0 {
		normalized = clamp(combined / capBoost)
	}
	rp.FinalPriority = clamp(rp.BasePriority + p.cfg.BoostShare*normalized)

	rp.Level = p.level(rp.FinalPriority)
	rp.RecommendedAction = recommendedAction(rp.Level, rp.ResourceType, url)
	rp.RiskLevel = p.risk((1 - rp.FinalPriority) * cost)
	rp.Reasons = reasons(rp, pm, popular, prediction, slow)
	return rp
}

func (p *Prioritizer) level(priority float64) Level {
	t := p.cfg.Thresholds
	switch {
	case priority >= t.Critical:
		return LevelCritical
	case priority >= t.High:
		return LevelHigh
	case priority >= t.Medium:
		return LevelMedium
	case priority >= t.Low:
		return LevelLow
	default:
		return LevelMinimal
	}
}

func (p *Prioritizer) risk(exposure float64) Risk {
	switch {
	case exposure >= p.cfg.Risk.High:
		return RiskHigh
	case exposure >= p.cfg.Risk.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

func recommendedAction(level Level, resourceType, url string) Action {
	switch level {
	case LevelCritical:
		return ActionPreload
	case LevelHigh:
		switch resourceType {
		case "script", "style", "font", "document", "api":
			return ActionPreload
		}
		return ActionPrefetch
	case LevelMedium:
		if isCrossOrigin(url) {
			return ActionPreconnect
		}
		return ActionPrefetch
	case LevelLow:
		return ActionMonitor
	default:
		return ActionSkip
	}
}

// businessValue uses the longest configured prefix matching the URL path
func (p *Prioritizer) businessValue(url string) float64 {
	value, best := defaultBusinessValue, -1
	for prefix, v := range p.cfg.BusinessValue {
		if strings.HasPrefix(url, prefix) && len(prefix) > best {
			value, best = v, len(prefix)
		}
	}
	return clamp(value)
}

func (p *Prioritizer) isPeakHour(now time.Time) bool {
	for _, h := range p.cfg.PeakHours {
		if now.Hour() == h {
			return true
		}
	}
	return false
}

// relevance returns how central the resource is to the user and the best prediction confidence for it
func relevance(m behavior.Metrics, id, url string) (float64, float64) {
	prediction := 0.0
	for _, pr := range m.Predictions {
		if (pr.Resource == id || pr.Resource == url) && pr.Confidence > prediction {
			prediction = pr.Confidence
		}
	}

	share := 0.0
	if len(m.TopResources) > 0 {
		top := m.TopResources[0].Count
		for _, rc := range m.TopResources {
			if rc.Resource == id || rc.Resource == url {
				share = float64(rc.Count) / float64(top)
				break
			}
		}
	}
	return math.Max(prediction, share), prediction
}

func networkPenalty(info connectivity.NetworkInfo) float64 {
	if info.SaveData {
		return 1
	}
	switch info.EffectiveType {
	case "4g":
		return 0.3
	case "3g":
		return 0.6
	case "2g", "slow-2g":
		return 1
	default:
		return 0.5
	}
}

func reasons(rp ResourcePriority, pm popularity.Metrics, popular bool, prediction float64, slow bool) []string {
	var out []string
	if popular && pm.PopularityScore >= 0.5 {
		out = append(out, fmt.Sprintf("popular (score %.2f)", pm.PopularityScore))
	}
	if popular && pm.Trending {
		out = append(out, "trending")
	}
	if prediction > 0 {
		out = append(out, fmt.Sprintf("predicted next for user (%.0f%%)", prediction*100))
	}
	if rp.Factors.BusinessValue >= 0.8 {
		out = append(out, "high business value")
	}
	if rp.Boosts.Temporal > 0 {
		out = append(out, "peak usage hour")
	}
	if slow {
		out = append(out, "slow network")
	}
	if rp.Factors.DeviceOptimization < 0.3 {
		out = append(out, "constrained device")
	}
	return out
}

// ResourceType infers the resource category from its URL
func ResourceType(url string) string {
	p := url
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if strings.Contains(p, "/api/") {
		return "api"
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".mjs":
		return "script"
	case ".css":
		return "style"
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico", ".avif":
		return "image"
	case ".woff", ".woff2", ".ttf", ".otf":
		return "font"
	case ".html", ".htm", "":
		return "document"
	default:
		return "other"
	}
}

func isCrossOrigin(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "//")
}

func (p *Prioritizer) track(rp ResourcePriority) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tracked[rp.ResourceID] = rp
	for len(p.tracked) > p.cfg.MaxTracked {
		var oldestID string
		var oldest time.Time
		for id, t := range p.tracked {
			if oldestID == "" || t.ComputedAt.Before(oldest) {
				oldestID, oldest = id, t.ComputedAt
			}
		}
		delete(p.tracked, oldestID)
	}
}

// GetPrioritizedResources returns tracked resources, highest final priority first
func (p *Prioritizer) GetPrioritizedResources(limit int) []ResourcePriority {
	p.mu.RLock()
	out := make([]ResourcePriority, 0, len(p.tracked))
	for _, rp := range p.tracked {
		out = append(out, rp)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FinalPriority == out[j].FinalPriority {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].FinalPriority > out[j].FinalPriority
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetHighPriorityResources returns resources at high or critical level
func (p *Prioritizer) GetHighPriorityResources() []ResourcePriority {
	return p.filter(func(rp ResourcePriority) bool {
		return rp.Level == LevelCritical || rp.Level == LevelHigh
	})
}

// GetCriticalResources returns resources at critical level
func (p *Prioritizer) GetCriticalResources() []ResourcePriority {
	return p.filter(func(rp ResourcePriority) bool { return rp.Level == LevelCritical })
}

func (p *Prioritizer) filter(keep func(ResourcePriority) bool) []ResourcePriority {
	var out []ResourcePriority
	for _, rp := range p.GetPrioritizedResources(0) {
		if keep(rp) {
			out = append(out, rp)
		}
	}
	return out
}

// Refresh rescores every tracked resource plus the currently popular ones
func (p *Prioritizer) Refresh(ctx context.Context) error {
	start := p.clock.Now()

	p.mu.RLock()
	targets := make(map[string]ResourcePriority, len(p.tracked))
	for id, rp := range p.tracked {
		targets[id] = rp
	}
	p.mu.RUnlock()

	if p.popularity != nil {
		for _, m := range p.popularity.GetPopularContent(p.cfg.MaxTracked) {
			if _, ok := targets[m.ResourceID]; !ok {
				targets[m.ResourceID] = ResourcePriority{ResourceID: m.ResourceID, URL: m.URL}
			}
		}
	}

	byUser := make(map[string]signals)
	for id, rp := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, ok := byUser[rp.UserID]
		if !ok {
			s = p.gather(ctx, rp.UserID)
			byUser[rp.UserID] = s
		}
		p.track(p.score(id, rp.URL, rp.UserID, s))
	}

	p.logger.WithFields(logrus.Fields{
		"resources": len(targets),
		"duration":  p.clock.Since(start),
	}).Debug("Resource priorities refreshed")
	return nil
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func capped(v, limit float64) float64 {
	return math.Max(0, math.Min(limit, v))
}
