package behavior

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/metrics"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
)

const snapshotKey = "records"

// Action is the kind of user interaction recorded
type Action string

const (
	ActionView     Action = "view"
	ActionClick    Action = "click"
	ActionSearch   Action = "search"
	ActionNavigate Action = "navigate"
	ActionIdle     Action = "idle"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	switch a {
	case ActionView, ActionClick, ActionSearch, ActionNavigate, ActionIdle:
		return true
	}
	return false
}

// Suggested priorities per candidate source, multiplied by confidence when ranking
const (
	prioritySequence  = 0.9
	priorityPattern   = 0.8
	priorityTemporal  = 0.7
	priorityFrequency = 0.6
)

// Record is one immutable behavior log entry
type Record struct {
	UserID    string            `json:"user_id"`
	SessionID string            `json:"session_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Action    Action            `json:"action"`
	Resource  string            `json:"resource"`
	Context   map[string]string `json:"context,omitempty"`
}

// Pattern is a recurring resource sequence grouped by its prefix
type Pattern struct {
	Sequence    []string  `json:"sequence"`
	Occurrences int       `json:"occurrences"`
	Matches     int       `json:"matches"`
	Confidence  float64   `json:"confidence"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Prefix returns every resource but the last
func (p Pattern) Prefix() []string {
	return p.Sequence[:len(p.Sequence)-1]
}

// Next returns the resource that completes the pattern
func (p Pattern) Next() string {
	return p.Sequence[len(p.Sequence)-1]
}

// Prediction is a resource the user is expected to request next
type Prediction struct {
	Resource   string  `json:"resource"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Reason     string  `json:"reason"`
}

// Recommendation is a ranked warming candidate
type Recommendation struct {
	Resource          string  `json:"resource"`
	Confidence        float64 `json:"confidence"`
	SuggestedPriority float64 `json:"suggested_priority"`
	Score             float64 `json:"score"`
	Source            string  `json:"source"`
	Reason            string  `json:"reason"`
}

// ResourceCount pairs a resource with its frequency
type ResourceCount struct {
	Resource string `json:"resource"`
	Count    int    `json:"count"`
}

// Metrics is a point-in-time summary of recorded behavior
type Metrics struct {
	UserID          string          `json:"user_id,omitempty"`
	TotalActions    int             `json:"total_actions"`
	UniqueResources int             `json:"unique_resources"`
	Sessions        int             `json:"sessions"`
	ActionCounts    map[Action]int  `json:"action_counts"`
	TopResources    []ResourceCount `json:"top_resources"`
	Patterns        []Pattern       `json:"patterns"`
	Predictions     []Prediction    `json:"predictions"`
	LastActivity    time.Time       `json:"last_activity"`
}

// Analyzer records user action sequences and predicts upcoming resources
type Analyzer struct {
	cfg       config.BehaviorConfig
	clock     clock.Clock
	persister *storage.Persister
	recorder  metrics.Recorder
	logger    *logrus.Logger

	mu        sync.Mutex
	ring      []Record
	start     int
	count     int
	frequency map[string]int
}

// NewAnalyzer creates a behavior analyzer with a ring buffer of cfg.MaxRecords entries
func NewAnalyzer(cfg config.BehaviorConfig, clk clock.Clock, persister *storage.Persister, recorder metrics.Recorder, logger *logrus.Logger) *Analyzer {
	if clk == nil {
		clk = clock.New()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 5000
	}
	if cfg.MinPatternLength < 2 {
		cfg.MinPatternLength = 2
	}
	if cfg.MaxPatternLength < cfg.MinPatternLength {
		cfg.MaxPatternLength = cfg.MinPatternLength
	}
	if persister != nil {
		persister = persister.Namespace("behavior")
	}
	return &Analyzer{
		cfg:       cfg,
		clock:     clk,
		persister: persister,
		recorder:  recorder,
		logger:    logger,
		ring:      make([]Record, cfg.MaxRecords),
		frequency: make(map[string]int),
	}
}

// RecordBehavior appends an action; the oldest record is dropped once the buffer is full
func (a *Analyzer) RecordBehavior(userID string, action Action, resource string, meta map[string]string) error {
	if !action.Valid() {
		return fmt.Errorf("unknown action %q", action)
	}
	if resource == "" && action != ActionIdle {
		return fmt.Errorf("resource is required for %s", action)
	}

	rec := Record{
		UserID:    userID,
		SessionID: meta["session_id"],
		Timestamp: a.clock.Now(),
		Action:    action,
		Resource:  resource,
	}
	if len(meta) > 0 {
		rec.Context = make(map[string]string, len(meta))
		for k, v := range meta {
			rec.Context[k] = v
		}
	}

	a.mu.Lock()
	a.push(rec)
	a.mu.Unlock()
	return nil
}

// push appends to the ring; callers hold a.mu
func (a *Analyzer) push(rec Record) {
	size := len(a.ring)
	if a.count == size {
		dropped := a.ring[a.start]
		if dropped.Resource != "" {
			if a.frequency[dropped.Resource]--; a.frequency[dropped.Resource] <= 0 {
				delete(a.frequency, dropped.Resource)
			}
		}
		a.ring[a.start] = rec
		a.start = (a.start + 1) % size
	} else {
		a.ring[(a.start+a.count)%size] = rec
		a.count++
	}
	if rec.Resource != "" {
		a.frequency[rec.Resource]++
	}
}

// records returns the buffer oldest first, optionally filtered by user; callers hold a.mu
func (a *Analyzer) records(userID string) []Record {
	out := make([]Record, 0, a.count)
	for i := 0; i < a.count; i++ {
		rec := a.ring[(a.start+i)%len(a.ring)]
		if userID == "" || rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of buffered records
func (a *Analyzer) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// GetBehaviorMetrics summarizes behavior for one user, or everyone when userID is empty
func (a *Analyzer) GetBehaviorMetrics(userID string) Metrics {
	a.mu.Lock()
	recs := a.records(userID)
	a.mu.Unlock()

	m := Metrics{
		UserID:       userID,
		TotalActions: len(recs),
		ActionCounts: make(map[Action]int),
	}

	sessions := make(map[string]struct{})
	freq := make(map[string]int)
	for _, rec := range recs {
		m.ActionCounts[rec.Action]++
		if rec.SessionID != "" {
			sessions[rec.SessionID] = struct{}{}
		}
		if rec.Resource != "" {
			freq[rec.Resource]++
		}
		if rec.Timestamp.After(m.LastActivity) {
			m.LastActivity = rec.Timestamp
		}
	}
	m.Sessions = len(sessions)
	m.UniqueResources = len(freq)
	m.TopResources = topResources(freq, a.cfg.FrequencyTop)

	sequences := sequencesByUser(recs)
	m.Patterns = a.detectPatterns(sequences)
	m.Predictions = a.predict(recs, sequences, m.Patterns)
	return m
}

// GetCacheWarmingRecommendations merges frequency, prediction and pattern candidates,
// ranked by confidence times suggested priority
func (a *Analyzer) GetCacheWarmingRecommendations(userID string) []Recommendation {
	a.mu.Lock()
	recs := a.records(userID)
	a.mu.Unlock()

	if len(recs) == 0 {
		return nil
	}

	sequences := sequencesByUser(recs)
	patterns := a.detectPatterns(sequences)
	best := make(map[string]Recommendation)
	offer := func(r Recommendation) {
		r.Score = r.Confidence * r.SuggestedPriority
		if cur, ok := best[r.Resource]; !ok || r.Score > cur.Score {
			best[r.Resource] = r
		}
	}

	total := 0
	freq := make(map[string]int)
	for _, rec := range recs {
		if rec.Resource != "" {
			freq[rec.Resource]++
			total++
		}
	}
	for _, rc := range topResources(freq, a.cfg.FrequencyTop) {
		offer(Recommendation{
			Resource:          rc.Resource,
			Confidence:        float64(rc.Count) / float64(total),
			SuggestedPriority: priorityFrequency,
			Source:            "frequency",
			Reason:            fmt.Sprintf("requested %d times recently", rc.Count),
		})
	}

	for _, p := range a.predict(recs, sequences, patterns) {
		priority := priorityTemporal
		if p.Source == "sequence" {
			priority = prioritySequence
		}
		offer(Recommendation{
			Resource:          p.Resource,
			Confidence:        p.Confidence,
			SuggestedPriority: priority,
			Source:            p.Source,
			Reason:            p.Reason,
		})
	}

	for _, p := range patterns {
		offer(Recommendation{
			Resource:          p.Next(),
			Confidence:        p.Confidence * support(p.Occurrences, a.cfg.MinPatternOccurrences),
			SuggestedPriority: priorityPattern,
			Source:            "pattern",
			Reason:            fmt.Sprintf("completes pattern %s (seen %d times)", strings.Join(p.Sequence, " → "), p.Occurrences),
		})
	}

	out := make([]Recommendation, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Score > out[j].Score
	})
	if limit := a.cfg.RecommendationLimit; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type userSequence struct {
	userID    string
	resources []string
	times     []time.Time
}

// sequencesByUser splits records into per-user resource sequences, skipping idle entries
func sequencesByUser(recs []Record) []userSequence {
	index := make(map[string]int)
	var out []userSequence
	for _, rec := range recs {
		if rec.Resource == "" || rec.Action == ActionIdle {
			continue
		}
		i, ok := index[rec.UserID]
		if !ok {
			i = len(out)
			index[rec.UserID] = i
			out = append(out, userSequence{userID: rec.UserID})
		}
		out[i].resources = append(out[i].resources, rec.Resource)
		out[i].times = append(out[i].times, rec.Timestamp)
	}
	return out
}

// detectPatterns slides windows of every configured length over each sequence and groups them by prefix.
// The first window observed for a prefix is canonical; confidence is the share of windows equal to it.
func (a *Analyzer) detectPatterns(sequences []userSequence) []Pattern {
	type group struct {
		pattern Pattern
		key     string
	}
	groups := make(map[string]*group)
	var order []string

	for length := a.cfg.MinPatternLength; length <= a.cfg.MaxPatternLength; length++ {
		for _, seq := range sequences {
			for i := 0; i+length <= len(seq.resources); i++ {
				window := seq.resources[i : i+length]
				prefixKey := fmt.Sprintf("%d|%s", length, strings.Join(window[:length-1], "\x00"))
				fullKey := strings.Join(window, "\x00")
				seen := seq.times[i+length-1]

				g, ok := groups[prefixKey]
				if !ok {
					g = &group{
						key: fullKey,
						pattern: Pattern{
							Sequence:  append([]string(nil), window...),
							FirstSeen: seq.times[i],
						},
					}
					groups[prefixKey] = g
					order = append(order, prefixKey)
				}
				g.pattern.Occurrences++
				if fullKey == g.key {
					g.pattern.Matches++
				}
				if seen.After(g.pattern.LastSeen) {
					g.pattern.LastSeen = seen
				}
			}
		}
	}

	minOccurrences := a.cfg.MinPatternOccurrences
	if minOccurrences <= 0 {
		minOccurrences = 2
	}
	var patterns []Pattern
	for _, key := range order {
		p := groups[key].pattern
		if p.Occurrences < minOccurrences {
			continue
		}
		p.Confidence = float64(p.Matches) / float64(p.Occurrences)
		patterns = append(patterns, p)
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Confidence*float64(patterns[i].Occurrences) >
			patterns[j].Confidence*float64(patterns[j].Occurrences)
	})
	return patterns
}

// predict combines sequence continuation with time-slot co-occurrence
func (a *Analyzer) predict(recs []Record, sequences []userSequence, patterns []Pattern) []Prediction {
	best := make(map[string]Prediction)
	keep := func(p Prediction) {
		if cur, ok := best[p.Resource]; !ok || p.Confidence > cur.Confidence {
			best[p.Resource] = p
		}
	}

	if recent := latestSequence(recs, sequences); len(recent) > 0 {
		for _, p := range patterns {
			prefix := p.Prefix()
			if len(recent) < len(prefix) {
				continue
			}
			sim := similarity(recent[len(recent)-len(prefix):], prefix)
			if sim < a.cfg.SimilarityThreshold {
				continue
			}
			keep(Prediction{
				Resource:   p.Next(),
				Confidence: sim * p.Confidence * support(p.Occurrences, a.cfg.MinPatternOccurrences),
				Source:     "sequence",
				Reason:     fmt.Sprintf("usually follows %s", strings.Join(prefix, " → ")),
			})
		}
	}

	for _, p := range temporalPredictions(recs, a.clock.Now()) {
		keep(p)
	}

	out := make([]Prediction, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence == out[j].Confidence {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// latestSequence returns the sequence of the user behind the newest non-idle record
func latestSequence(recs []Record, sequences []userSequence) []string {
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Resource == "" || recs[i].Action == ActionIdle {
			continue
		}
		for _, seq := range sequences {
			if seq.userID == recs[i].UserID {
				return seq.resources
			}
		}
		return nil
	}
	return nil
}

const minSlotObservations = 3

// temporalPredictions ranks resources seen in the current hour-of-week slot
func temporalPredictions(recs []Record, now time.Time) []Prediction {
	slot := slotOf(now)
	counts := make(map[string]int)
	total := 0
	for _, rec := range recs {
		if rec.Resource == "" || rec.Action == ActionIdle || slotOf(rec.Timestamp) != slot {
			continue
		}
		counts[rec.Resource]++
		total++
	}
	if total < minSlotObservations {
		return nil
	}

	out := make([]Prediction, 0, len(counts))
	for resource, n := range counts {
		out = append(out, Prediction{
			Resource:   resource,
			Confidence: float64(n) / float64(total),
			Source:     "temporal",
			Reason:     fmt.Sprintf("often used on %s around %02d:00", now.Weekday(), now.Hour()),
		})
	}
	return out
}

func slotOf(t time.Time) int {
	return int(t.Weekday())*24 + t.Hour()
}

// similarity is the fraction of positionally equal resources
func similarity(a, b []string) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	equal := 0
	for i := range a {
		if a[i] == b[i] {
			equal++
		}
	}
	return float64(equal) / float64(len(a))
}

// support scales confidence down for patterns seen fewer times than required
func support(occurrences, required int) float64 {
	if required <= 0 || occurrences >= required {
		return 1
	}
	return float64(occurrences) / float64(required)
}

func topResources(freq map[string]int, limit int) []ResourceCount {
	out := make([]ResourceCount, 0, len(freq))
	for resource, n := range freq {
		out = append(out, ResourceCount{Resource: resource, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Count > out[j].Count
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Frequency returns the rolling request count for a resource
func (a *Analyzer) Frequency(resource string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frequency[resource]
}

// Save persists the ring buffer
func (a *Analyzer) Save(ctx context.Context) error {
	if a.persister == nil {
		return nil
	}
	a.mu.Lock()
	recs := a.records("")
	a.mu.Unlock()

	err := a.persister.Save(ctx, snapshotKey, recs)
	a.recorder.RecordPersistence("behavior", err)
	return err
}

// Load restores the ring buffer; only the newest MaxRecords survive
func (a *Analyzer) Load(ctx context.Context) error {
	if a.persister == nil {
		return nil
	}
	var recs []Record
	found, err := a.persister.Load(ctx, snapshotKey, &recs)
	if err != nil || !found {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range recs {
		a.push(rec)
	}
	a.logger.WithField("records", a.count).Debug("Behavior log restored")
	return nil
}
