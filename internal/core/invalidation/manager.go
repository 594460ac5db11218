package invalidation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/cache"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/metrics"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
)

const versionsKey = "versions"

// EntryMetadata is what the manager knows about a cached response
type EntryMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

// Result describes one invalidation pass. Success is false only when the scan itself failed;
// individual delete failures are listed in Errors.
type Result struct {
	Trigger         string        `json:"trigger"`
	Pattern         string        `json:"pattern,omitempty"`
	Success         bool          `json:"success"`
	InvalidatedKeys []string      `json:"invalidated_keys"`
	Errors          []string      `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration"`
	Timestamp       time.Time     `json:"timestamp"`
}

func (r *Result) merge(o Result) {
	r.Success = r.Success && o.Success
	r.InvalidatedKeys = append(r.InvalidatedKeys, o.InvalidatedKeys...)
	r.Errors = append(r.Errors, o.Errors...)
}

type compiledRule struct {
	Rule
	matcher Matcher
	seq     int
}

// Manager evaluates invalidation rules and evicts stale entries from the resource cache
type Manager struct {
	cfg       config.InvalidationConfig
	cacheCfg  config.CacheConfig
	namer     cache.Namer
	rc        cache.ResourceCache
	persister *storage.Persister
	bus       events.Publisher
	recorder  metrics.Recorder
	clock     clock.Clock
	logger    *logrus.Logger

	mu       sync.RWMutex
	rules    []compiledRule
	versions map[string]string
	history  []Result
	seq      int
}

// New creates an invalidation manager, registering the default rules when enabled
func New(cfg config.InvalidationConfig, cacheCfg config.CacheConfig, rc cache.ResourceCache, clk clock.Clock, persister *storage.Persister, bus events.Publisher, recorder metrics.Recorder, logger *logrus.Logger) (*Manager, error) {
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
		persister = persister.Namespace("invalidation")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.AppVersionKey == "" {
		cfg.AppVersionKey = "app-version"
	}

	m := &Manager{
		cfg:       cfg,
		cacheCfg:  cacheCfg,
		namer:     cache.Namer{Prefix: cacheCfg.Prefix, Version: cacheCfg.Version},
		rc:        rc,
		persister: persister,
		bus:       bus,
		recorder:  recorder,
		clock:     clk,
		logger:    logger,
		versions:  map[string]string{cfg.AppVersionKey: cacheCfg.Version},
	}

	if cfg.DefaultRules {
		for _, r := range DefaultRules(cfg.AppVersionKey) {
			if _, err := m.AddRule(r); err != nil {
				return nil, fmt.Errorf("failed to add default rule %s: %w", r.ID, err)
			}
		}
	}
	if cfg.RulesFile != "" {
		if _, err := m.LoadRulesFile(cfg.RulesFile); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddRule validates and registers a rule. Higher priority rules are evaluated first;
// equal priorities keep registration order.
func (m *Manager) AddRule(rule Rule) (Rule, error) {
	matcher, err := Compile(rule.Pattern)
	if err != nil {
		return Rule{}, apperrors.NewEnhanced(http.StatusBadRequest, err.Error(), apperrors.CategoryValidation, apperrors.SeverityLow)
	}
	if err := rule.validate(); err != nil {
		return Rule{}, apperrors.NewEnhanced(http.StatusBadRequest, err.Error(), apperrors.CategoryValidation, apperrors.SeverityLow)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.Tags = append([]string(nil), rule.Tags...)
	rule.InvalidateOnEvents = append([]string(nil), rule.InvalidateOnEvents...)

	m.mu.Lock()
	for _, existing := range m.rules {
		if existing.ID == rule.ID {
			m.mu.Unlock()
			return Rule{}, apperrors.NewEnhanced(http.StatusConflict, "rule "+rule.ID+" already exists", apperrors.CategoryConflict, apperrors.SeverityLow)
		}
	}
	m.seq++
	m.rules = append(m.rules, compiledRule{Rule: rule, matcher: matcher, seq: m.seq})
	sort.SliceStable(m.rules, func(i, j int) bool {
		if m.rules[i].Priority != m.rules[j].Priority {
			return m.rules[i].Priority > m.rules[j].Priority
		}
		return m.rules[i].seq < m.rules[j].seq
	})
	m.mu.Unlock()

	m.bus.Publish(events.RuleAdded, "invalidation", rule)
	m.logger.WithFields(logrus.Fields{
		"rule_id":  rule.ID,
		"pattern":  rule.Pattern,
		"priority": rule.Priority,
	}).Debug("Invalidation rule added")
	return rule, nil
}

// LoadRulesFile registers every rule in a YAML file
func (m *Manager) LoadRulesFile(filename string) (int, error) {
	rules, err := readRules(filename)
	if err != nil {
		return 0, err
	}
	for _, r := range rules {
		if _, err := m.AddRule(r); err != nil {
			return 0, fmt.Errorf("failed to add rule from %s: %w", filename, err)
		}
	}
	m.logger.WithFields(logrus.Fields{
		"file":  filename,
		"rules": len(rules),
	}).Info("Invalidation rules loaded")
	return len(rules), nil
}

// Rules returns the registered rules in evaluation order
func (m *Manager) Rules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.Rule
	}
	return out
}

// ShouldInvalidate applies the first matching rule, or the cache type's TTL when none match
func (m *Manager) ShouldInvalidate(url string, cacheType cache.CacheType, meta EntryMetadata) bool {
	age := m.clock.Since(meta.Timestamp)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules {
		if !r.matcher.Match(url) {
			continue
		}
		if r.MaxAge > 0 && age > r.MaxAge {
			return true
		}
		if r.TimeToLive > 0 && age > r.TimeToLive {
			return true
		}
		if r.VersionKey != "" {
			if current, ok := m.versions[r.VersionKey]; ok && meta.Version != current {
				return true
			}
		}
		return false
	}

	ttl := m.cacheCfg.TTLFor(string(cacheType))
	return ttl > 0 && age > ttl
}

// SetVersion records the current version for a key; entries stamped otherwise become stale
func (m *Manager) SetVersion(ctx context.Context, key, version string) error {
	if key == "" {
		return apperrors.NewEnhanced(http.StatusBadRequest, "version key is required", apperrors.CategoryValidation, apperrors.SeverityLow)
	}
	m.mu.Lock()
	previous := m.versions[key]
	m.versions[key] = version
	m.mu.Unlock()

	if previous == version {
		return nil
	}
	m.persistVersions(ctx)
	m.bus.Publish(events.VersionChanged, "invalidation", map[string]string{
		"key":      key,
		"previous": previous,
		"version":  version,
	})
	return nil
}

// Version returns the current version recorded for key
func (m *Manager) Version(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[key]
}

// InvalidateByPattern deletes every managed entry whose URL matches pattern
func (m *Manager) InvalidateByPattern(ctx context.Context, pattern string) Result {
	return m.run(ctx, "pattern", pattern, nil)
}

// InvalidateByEvent runs a pattern pass for every rule listening to eventType and merges the results
func (m *Manager) InvalidateByEvent(ctx context.Context, eventType string, data interface{}) Result {
	start := m.clock.Now()
	result := Result{Trigger: "event:" + eventType, Success: true, InvalidatedKeys: []string{}}

	m.mu.RLock()
	var patterns []string
	for _, r := range m.rules {
		if r.TriggeredBy(eventType) {
			patterns = append(patterns, r.Pattern)
		}
	}
	m.mu.RUnlock()

	for _, p := range patterns {
		result.merge(m.scan(ctx, p, nil))
	}
	result.InvalidatedKeys = dedupe(result.InvalidatedKeys)
	result.Duration = m.clock.Since(start)
	result.Timestamp = m.clock.Now()

	m.logger.WithFields(logrus.Fields{
		"event":       eventType,
		"rules":       len(patterns),
		"invalidated": len(result.InvalidatedKeys),
		"data":        data,
	}).Debug("Event invalidation complete")
	m.finish(result)
	return result
}

// InvalidateByTag deletes entries carrying tag and entries matched by rules carrying tag
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) Result {
	m.mu.RLock()
	var matchers []Matcher
	for _, r := range m.rules {
		if r.HasTag(tag) {
			matchers = append(matchers, r.matcher)
		}
	}
	m.mu.RUnlock()

	return m.run(ctx, "tag:"+tag, "", func(url string, entry *cache.Entry) bool {
		for _, mt := range matchers {
			if mt.Match(url) {
				return true
			}
		}
		if entry == nil {
			return false
		}
		for _, t := range entry.Tags {
			if t == tag {
				return true
			}
		}
		return false
	})
}

// Sweep evicts every current entry for which ShouldInvalidate holds
func (m *Manager) Sweep(ctx context.Context) Result {
	return m.run(ctx, "sweep", "", func(url string, entry *cache.Entry) bool {
		if entry == nil {
			return false
		}
		return m.ShouldInvalidate(url, entry.CacheType, EntryMetadata{
			Timestamp: entry.CapturedAt,
			Version:   entry.Version,
			Tags:      entry.Tags,
		})
	})
}

// run is a full scan with history, metrics and an event
func (m *Manager) run(ctx context.Context, trigger, pattern string, match func(string, *cache.Entry) bool) Result {
	start := m.clock.Now()
	result := m.scan(ctx, pattern, match)
	result.Trigger = trigger
	result.Pattern = pattern
	result.Duration = m.clock.Since(start)
	result.Timestamp = m.clock.Now()
	m.finish(result)
	return result
}

// scan walks the managed caches. Without a match func the pattern selects by URL;
// otherwise match decides per entry and the entry is loaded for it.
func (m *Manager) scan(ctx context.Context, pattern string, match func(string, *cache.Entry) bool) Result {
	result := Result{Pattern: pattern, Success: true, InvalidatedKeys: []string{}}
	if m.rc == nil {
		return result
	}

	var matcher Matcher
	if match == nil {
		var err error
		if matcher, err = Compile(pattern); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, err.Error())
			return result
		}
	}

	names, err := m.rc.CacheNames(ctx)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("failed to list caches: %v", err))
		return result
	}

	for _, name := range names {
		if _, _, ok := m.namer.Parse(name); !ok {
			continue
		}
		keys, err := m.rc.Keys(ctx, name)
		if err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("failed to list %s: %v", name, err))
			continue
		}
		for _, url := range keys {
			if ctx.Err() != nil {
				result.Success = false
				result.Errors = append(result.Errors, ctx.Err().Error())
				return result
			}
			if match == nil {
				if !matcher.Match(url) {
					continue
				}
			} else {
				entry, err := m.rc.Get(ctx, name, url)
				if err != nil && !errors.Is(err, storage.ErrNotFound) {
					result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", name, url, err))
					continue
				}
				if !match(url, entry) {
					continue
				}
			}
			if _, err := m.rc.Delete(ctx, name, url); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", name, url, err))
				continue
			}
			result.InvalidatedKeys = append(result.InvalidatedKeys, url)
		}
	}
	return result
}

func (m *Manager) finish(result Result) {
	m.mu.Lock()
	m.history = append(m.history, result)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.mu.Unlock()

	m.recorder.RecordInvalidation(result.Trigger, len(result.InvalidatedKeys))
	m.bus.Publish(events.InvalidationComplete, "invalidation", result)

	entry := m.logger.WithFields(logrus.Fields{
		"trigger":     result.Trigger,
		"invalidated": len(result.InvalidatedKeys),
		"errors":      len(result.Errors),
		"duration":    result.Duration,
	})
	if !result.Success {
		entry.Warn("Cache invalidation scan failed")
		return
	}
	entry.Debug("Cache invalidation complete")
}

// CleanupOrphanedCaches drops managed caches left behind by an older version
func (m *Manager) CleanupOrphanedCaches(ctx context.Context) ([]string, error) {
	if m.rc == nil {
		return nil, nil
	}
	names, err := m.rc.CacheNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	var removed []string
	for _, name := range names {
		if !m.namer.IsStale(name) {
			continue
		}
		if _, err := m.rc.DeleteCache(ctx, name); err != nil {
			m.logger.WithError(err).WithField("cache", name).Warn("Failed to delete orphaned cache")
			continue
		}
		removed = append(removed, name)
	}
	if len(removed) > 0 {
		m.logger.WithField("caches", removed).Info("Orphaned caches removed")
	}
	return removed, nil
}

// History returns the most recent results, newest last
func (m *Manager) History(limit int) []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}
	return append([]Result(nil), m.history[start:]...)
}

func (m *Manager) persistVersions(ctx context.Context) {
	if err := m.Save(ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to persist cache versions")
	}
}

// Save persists recorded versions
func (m *Manager) Save(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	m.mu.RLock()
	versions := make(map[string]string, len(m.versions))
	for k, v := range m.versions {
		versions[k] = v
	}
	m.mu.RUnlock()

	err := m.persister.Save(ctx, versionsKey, versions)
	m.recorder.RecordPersistence("invalidation", err)
	return err
}

// Load restores recorded versions. The application version always comes from config.
func (m *Manager) Load(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	var versions map[string]string
	if _, err := m.persister.Load(ctx, versionsKey, &versions); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range versions {
		if k == m.cfg.AppVersionKey {
			continue
		}
		m.versions[k] = v
	}
	return nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
