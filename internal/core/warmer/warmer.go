package warmer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/cache"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/invalidation"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/metrics"
	"github.com/frostdev-ops/pma-cache-engine/internal/remote"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
)

// Status is a warming task state
type Status string

const (
	StatusPending   Status = "pending"
	StatusLoading   Status = "loading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

const historySize = 100

// Task is one preload attempt; a retry is a fresh task, never a reused one
type Task struct {
	ID          string            `json:"id"`
	Resource    string            `json:"resource"`
	Priority    float64           `json:"priority"`
	Confidence  float64           `json:"confidence"`
	Reason      string            `json:"reason"`
	Status      Status            `json:"status"`
	Strategy    Strategy          `json:"strategy,omitempty"`
	Attempt     int               `json:"attempt"`
	RetryOf     string            `json:"retry_of,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	BytesLoaded int64             `json:"bytes_loaded"`
}

func (t *Task) score() float64 {
	return t.Priority * t.Confidence
}

// Candidate is a recommendation fed into a warming cycle
type Candidate struct {
	Resource   string  `json:"resource"`
	Priority   float64 `json:"priority"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// CandidateFunc supplies candidates for a periodic cycle
type CandidateFunc func(ctx context.Context, limit int) []Candidate

// Fetcher loads a resource from the remote API
type Fetcher interface {
	Fetch(ctx context.Context, path string) (*remote.Response, error)
}

// QueueStatus is a snapshot of the task queue
type QueueStatus struct {
	Running   bool   `json:"running"`
	Capacity  int    `json:"capacity"`
	Pending   int    `json:"pending"`
	Loading   int    `json:"loading"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Active    []Task `json:"active"`
	Recent    []Task `json:"recent"`
}

// Metrics summarizes warming outcomes
type Metrics struct {
	TotalTasks            int           `json:"total_tasks"`
	Completed             int           `json:"completed"`
	Failed                int           `json:"failed"`
	Skipped               int           `json:"skipped"`
	Rejected              int           `json:"rejected"`
	Retried               int           `json:"retried"`
	HintsIssued           int           `json:"hints_issued"`
	TotalBytes            int64         `json:"total_bytes"`
	AverageLoadTime       time.Duration `json:"average_load_time"`
	EstimatedTimeSaved    time.Duration `json:"estimated_time_saved"`
	EstimatedTransferTime time.Duration `json:"estimated_transfer_time"`
	SuccessRate           float64       `json:"success_rate"`
	Cycles                int           `json:"cycles"`
	LastCycle             time.Time     `json:"last_cycle,omitempty"`
}

// Warmer keeps a bounded, scored queue of preload tasks and executes them with bounded concurrency
type Warmer struct {
	cfg        config.WarmerConfig
	fetcher    Fetcher
	cache      cache.ResourceCache
	namer      cache.Namer
	critical   []string
	candidates CandidateFunc
	bus        events.Publisher
	recorder   metrics.Recorder
	clock      clock.Clock
	logger     *logrus.Logger

	blacklist []invalidation.Matcher
	whitelist []invalidation.Matcher
	sem       *semaphore.Weighted
	limiter   *rate.Limiter

	mu      sync.Mutex
	pending []*Task
	loading map[string]*Task
	history []Task
	warmed  *bloom.BloomFilter
	stats   Metrics
	fetched int
	retries []*retry
	// parked holds the queue as it was when Stop interrupted it, until the next Start
	parked    *snapshot
	persister *storage.Persister

	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	wg      sync.WaitGroup
}

// New creates a warmer; Start must be called before tasks execute. persister may be nil.
func New(cfg config.WarmerConfig, cacheCfg config.CacheConfig, fetcher Fetcher, rc cache.ResourceCache, persister *storage.Persister, bus events.Publisher, recorder metrics.Recorder, clk clock.Clock, logger *logrus.Logger) (*Warmer, error) {
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
		persister = persister.Namespace("warmer")
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 3
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.FilterCapacity == 0 {
		cfg.FilterCapacity = 1000
	}
	if cfg.FilterFalsePositive <= 0 {
		cfg.FilterFalsePositive = 0.01
	}

	blacklist, err := compileMatchers(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("invalid blacklist: %w", err)
	}
	whitelist, err := compileMatchers(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist: %w", err)
	}

	limit := rate.Inf
	if cfg.PreloadRate > 0 {
		limit = rate.Limit(cfg.PreloadRate)
	}
	burst := cfg.PreloadBurst
	if burst <= 0 {
		burst = 1
	}

	return &Warmer{
		cfg:       cfg,
		fetcher:   fetcher,
		cache:     rc,
		namer:     cache.Namer{Prefix: cacheCfg.Prefix, Version: cacheCfg.Version},
		critical:  cacheCfg.CriticalURLs,
		bus:       bus,
		recorder:  recorder,
		clock:     clk,
		logger:    logger,
		blacklist: blacklist,
		whitelist: whitelist,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		limiter:   rate.NewLimiter(limit, burst),
		loading:   make(map[string]*Task),
		warmed:    bloom.NewWithEstimates(cfg.FilterCapacity, cfg.FilterFalsePositive),
		wake:      make(chan struct{}, 1),
		persister: persister,
	}, nil
}

// SetCandidateSource installs the recommendation feed used by periodic cycles
func (w *Warmer) SetCandidateSource(fn CandidateFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.candidates = fn
}

// AddWarmingTask admits a task or rejects it with a validation error
func (w *Warmer) AddWarmingTask(resource string, priority float64, reason string, confidence float64, meta map[string]string) (string, error) {
	return w.admit(&Task{
		Resource:   resource,
		Priority:   priority,
		Reason:     reason,
		Confidence: confidence,
		Meta:       meta,
		Attempt:    1,
	})
}

func (w *Warmer) admit(task *Task) (string, error) {
	if err := w.check(task); err != nil {
		w.mu.Lock()
		w.stats.Rejected++
		w.mu.Unlock()
		return "", err
	}

	w.mu.Lock()
	if w.isActive(task.Resource) {
		w.stats.Rejected++
		w.mu.Unlock()
		return "", reject("task for %s is already queued", task.Resource)
	}
	if w.warmed.TestString(task.Resource) {
		w.stats.Rejected++
		w.mu.Unlock()
		return "", reject("%s was already warmed this cycle", task.Resource)
	}

	task.ID = uuid.New().String()
	task.Status = StatusPending
	task.CreatedAt = w.clock.Now()
	w.pending = append(w.pending, task)
	w.stats.TotalTasks++
	w.sortPending()

	var evicted []*Task
	for len(w.pending) > w.cfg.MaxQueueSize {
		// the oldest task goes; among equally old ones the lowest scored
		oldest := 0
		for i, t := range w.pending {
			v := w.pending[oldest]
			if t.CreatedAt.Before(v.CreatedAt) || (t.CreatedAt.Equal(v.CreatedAt) && t.score() < v.score()) {
				oldest = i
			}
		}
		victim := w.pending[oldest]
		w.pending = append(w.pending[:oldest], w.pending[oldest+1:]...)
		w.finishLocked(victim, StatusSkipped, "evicted: queue full")
		evicted = append(evicted, victim)
	}
	added := *task
	w.mu.Unlock()

	for _, victim := range evicted {
		w.bus.Publish(events.TaskSkipped, "warmer", *victim)
	}
	w.bus.Publish(events.TaskAdded, "warmer", added)
	w.signal()
	return added.ID, nil
}

// check applies the stateless admission rules
func (w *Warmer) check(task *Task) error {
	if strings.TrimSpace(task.Resource) == "" {
		return reject("resource is required")
	}
	if task.Priority < 0 || task.Confidence < 0 || task.Confidence > 1 {
		return reject("priority must be non-negative and confidence within [0,1]")
	}
	if task.Confidence < w.cfg.MinConfidence {
		return reject("confidence %.2f below minimum %.2f", task.Confidence, w.cfg.MinConfidence)
	}
	for _, m := range w.blacklist {
		if m.Match(task.Resource) {
			return reject("%s is blacklisted", task.Resource)
		}
	}
	if len(w.whitelist) > 0 {
		allowed := false
		for _, m := range w.whitelist {
			if m.Match(task.Resource) {
				allowed = true
				break
			}
		}
		if !allowed {
			return reject("%s is not whitelisted", task.Resource)
		}
	}
	return nil
}

func (w *Warmer) isActive(resource string) bool {
	for _, t := range w.pending {
		if t.Resource == resource {
			return true
		}
	}
	for _, t := range w.loading {
		if t.Resource == resource {
			return true
		}
	}
	return false
}

// sortPending orders by priority times confidence, oldest first on ties; callers hold w.mu
func (w *Warmer) sortPending() {
	sort.SliceStable(w.pending, func(i, j int) bool {
		si, sj := w.pending[i].score(), w.pending[j].score()
		if si == sj {
			return w.pending[i].CreatedAt.Before(w.pending[j].CreatedAt)
		}
		return si > sj
	})
}

// Start launches the dispatcher and, when enabled, the background warming cycle
func (w *Warmer) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.parked = nil
	w.runCtx, w.cancel = context.WithCancel(ctx)
	runCtx := w.runCtx
	w.mu.Unlock()

	w.wg.Add(1)
	go w.dispatchLoop(runCtx)

	if w.cfg.BackgroundWarming && w.cfg.WarmingInterval > 0 {
		w.wg.Add(1)
		go w.cycleLoop(runCtx)
	}

	w.logger.WithFields(logrus.Fields{
		"max_concurrent": w.cfg.MaxConcurrentTasks,
		"background":     w.cfg.BackgroundWarming,
	}).Info("Cache warmer started")
	w.signal()
}

// Stop marks pending and loading tasks skipped; completions arriving later are ignored
func (w *Warmer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.parked = w.snapshotLocked()

	var skipped []Task
	for _, t := range w.pending {
		w.finishLocked(t, StatusSkipped, "warmer stopped")
		skipped = append(skipped, *t)
	}
	w.pending = nil
	for id, t := range w.loading {
		w.finishLocked(t, StatusSkipped, "warmer stopped")
		skipped = append(skipped, *t)
		delete(w.loading, id)
	}
	for _, r := range w.retries {
		r.timer.Stop()
	}
	w.retries = nil
	w.mu.Unlock()

	for _, t := range skipped {
		w.bus.Publish(events.TaskSkipped, "warmer", t)
	}
	w.wg.Wait()
	w.logger.WithField("skipped", len(skipped)).Info("Cache warmer stopped")
}

func (w *Warmer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Warmer) dispatchLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			w.dispatch(ctx)
		}
	}
}

// dispatch starts pending tasks while concurrency slots are free
func (w *Warmer) dispatch(ctx context.Context) {
	for {
		if !w.sem.TryAcquire(1) {
			return
		}

		w.mu.Lock()
		if !w.running || len(w.pending) == 0 {
			w.mu.Unlock()
			w.sem.Release(1)
			return
		}
		task := w.pending[0]
		w.pending = w.pending[1:]
		now := w.clock.Now()
		task.Status = StatusLoading
		task.StartedAt = &now
		task.Strategy = SelectStrategy(task.Resource, task.Confidence)
		w.loading[task.ID] = task
		started := *task
		w.mu.Unlock()

		w.bus.Publish(events.TaskStarted, "warmer", started)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() {
				w.sem.Release(1)
				w.signal()
			}()
			w.execute(ctx, started)
		}()
	}
}

func (w *Warmer) execute(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("task_id", task.ID).Errorf("Warming task panicked: %v", r)
			w.complete(task.ID, 0, 0, fmt.Errorf("panic: %v", r))
		}
	}()

	timeout := w.cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := w.limiter.Wait(taskCtx); err != nil {
		w.complete(task.ID, 0, 0, err)
		return
	}

	start := w.clock.Now()
	if task.Strategy.IsHint() {
		w.bus.Publish(events.ResourceHint, "warmer", Hint{
			TaskID:   task.ID,
			Resource: task.Resource,
			Rel:      string(task.Strategy),
			Href:     hintHref(task.Resource, task.Strategy),
		})
		w.complete(task.ID, 0, w.clock.Since(start), nil)
		return
	}

	n, err := w.fetchIntoCache(taskCtx, task.Resource)
	w.complete(task.ID, n, w.clock.Since(start), err)
}

// fetchIntoCache loads the resource and stores it under its cache type
func (w *Warmer) fetchIntoCache(ctx context.Context, resource string) (int64, error) {
	if w.fetcher == nil || w.cache == nil {
		return 0, fmt.Errorf("no fetcher or cache configured")
	}
	resp, err := w.fetcher.Fetch(ctx, resource)
	if err != nil {
		return 0, err
	}

	entry := &cache.Entry{
		URL:         resource,
		Body:        resp.Body,
		ContentType: DetectContentType(resource, resp.ContentType(), resp.Body),
		Status:      resp.StatusCode,
		Headers:     map[string]string{"X-Cache-Warmed": "true"},
		CacheType:   cache.ClassifyURL(resource, w.critical),
		CapturedAt:  w.clock.Now(),
		Version:     w.namer.Version,
		Tags:        []string{"warmed"},
		Size:        int64(len(resp.Body)),
	}
	if err := w.cache.Put(ctx, w.namer.Name(entry.CacheType), entry); err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", resource, err)
	}
	return entry.Size, nil
}

// complete records a task outcome; it is a no-op when the task is no longer loading
func (w *Warmer) complete(id string, bytes int64, elapsed time.Duration, err error) {
	w.mu.Lock()
	task, ok := w.loading[id]
	if !ok || task.Status != StatusLoading {
		w.mu.Unlock()
		return
	}
	delete(w.loading, id)

	if err != nil {
		w.finishLocked(task, StatusFailed, err.Error())
	} else {
		task.BytesLoaded = bytes
		w.finishLocked(task, StatusCompleted, "")
		w.warmed.AddString(task.Resource)
		if task.Strategy.IsHint() {
			w.stats.HintsIssued++
		} else {
			w.fetched++
			w.stats.TotalBytes += bytes
			w.stats.AverageLoadTime += (elapsed - w.stats.AverageLoadTime) / time.Duration(w.fetched)
		}
	}

	retry := err != nil && task.Attempt <= w.cfg.MaxRetries && w.running
	if retry {
		w.scheduleRetryLocked(*task)
	}
	done := *task
	w.mu.Unlock()

	w.recorder.RecordWarmingTask(string(done.Status), bytes, elapsed)
	if err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"task_id":  done.ID,
			"resource": done.Resource,
			"attempt":  done.Attempt,
			"retry":    retry,
		}).Warn("Warming task failed")
		w.bus.Publish(events.TaskFailed, "warmer", done)
		return
	}
	w.bus.Publish(events.TaskCompleted, "warmer", done)
}

type retry struct {
	task  *Task
	due   time.Time
	timer *clock.Timer
}

// scheduleRetryLocked resubmits a failed task as a fresh task after RetryDelay; callers hold w.mu
func (w *Warmer) scheduleRetryLocked(failed Task) {
	w.stats.Retried++
	w.armRetryLocked(&Task{
		Resource:   failed.Resource,
		Priority:   failed.Priority,
		Confidence: failed.Confidence,
		Reason:     failed.Reason,
		Meta:       failed.Meta,
		Attempt:    failed.Attempt + 1,
		RetryOf:    failed.ID,
	}, w.clock.Now().Add(w.cfg.RetryDelay))
}

// armRetryLocked admits fresh once due has passed; callers hold w.mu
func (w *Warmer) armRetryLocked(fresh *Task, due time.Time) {
	r := &retry{task: fresh, due: due}
	r.timer = w.clock.AfterFunc(due.Sub(w.clock.Now()), func() {
		w.mu.Lock()
		for i, other := range w.retries {
			if other == r {
				w.retries = append(w.retries[:i], w.retries[i+1:]...)
				break
			}
		}
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}
		if _, err := w.admit(fresh); err != nil {
			w.logger.WithError(err).WithField("resource", fresh.Resource).Debug("Retry task not admitted")
		}
	})
	w.retries = append(w.retries, r)
}

// finishLocked moves a task to a terminal state and into history; callers hold w.mu
func (w *Warmer) finishLocked(task *Task, status Status, msg string) {
	now := w.clock.Now()
	task.Status = status
	task.CompletedAt = &now
	task.Error = msg

	switch status {
	case StatusCompleted:
		w.stats.Completed++
	case StatusFailed:
		w.stats.Failed++
	case StatusSkipped:
		w.stats.Skipped++
	}

	w.history = append(w.history, *task)
	if len(w.history) > historySize {
		w.history = w.history[len(w.history)-historySize:]
	}
}

// RunCycle starts a new warming cycle: the recently-warmed filter is cleared and
// candidates from the configured source are submitted
func (w *Warmer) RunCycle(ctx context.Context) (int, error) {
	w.mu.Lock()
	source := w.candidates
	w.warmed.ClearAll()
	w.stats.Cycles++
	w.stats.LastCycle = w.clock.Now()
	w.mu.Unlock()

	if source == nil {
		return 0, nil
	}

	limit := w.cfg.CycleCandidates
	if limit <= 0 {
		limit = 20
	}
	added, rejected := 0, 0
	for _, c := range source(ctx, limit) {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		if _, err := w.AddWarmingTask(c.Resource, c.Priority, c.Reason, c.Confidence, map[string]string{"source": "cycle"}); err != nil {
			rejected++
			continue
		}
		added++
	}

	w.bus.Publish(events.CycleComplete, "warmer", map[string]int{"added": added, "rejected": rejected})
	w.logger.WithFields(logrus.Fields{
		"added":    added,
		"rejected": rejected,
	}).Debug("Warming cycle complete")
	return added, nil
}

func (w *Warmer) cycleLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := w.clock.Ticker(w.cfg.WarmingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunCycle(ctx); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Warn("Warming cycle failed")
			}
		}
	}
}

// GetQueueStatus returns a snapshot of active and recent tasks
func (w *Warmer) GetQueueStatus() QueueStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	status := QueueStatus{
		Running:   w.running,
		Capacity:  w.cfg.MaxQueueSize,
		Pending:   len(w.pending),
		Loading:   len(w.loading),
		Completed: w.stats.Completed,
		Failed:    w.stats.Failed,
		Skipped:   w.stats.Skipped,
	}
	for _, t := range w.pending {
		status.Active = append(status.Active, *t)
	}
	for _, t := range w.loading {
		status.Active = append(status.Active, *t)
	}
	status.Recent = append([]Task(nil), w.history...)
	return status
}

// GetMetrics returns aggregate outcomes and savings estimates
func (w *Warmer) GetMetrics() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()

	m := w.stats
	if finished := m.Completed + m.Failed; finished > 0 {
		m.SuccessRate = float64(m.Completed) / float64(finished)
	}
	// every completed preload spares one foreground load of average duration
	m.EstimatedTimeSaved = m.AverageLoadTime * time.Duration(w.fetched)
	if w.cfg.BandwidthMbps > 0 {
		seconds := float64(m.TotalBytes*8) / (w.cfg.BandwidthMbps * 1e6)
		m.EstimatedTransferTime = time.Duration(seconds * float64(time.Second))
	}
	return m
}

func compileMatchers(patterns []string) ([]invalidation.Matcher, error) {
	out := make([]invalidation.Matcher, 0, len(patterns))
	for _, p := range patterns {
		m, err := invalidation.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func reject(format string, args ...interface{}) error {
	return apperrors.NewEnhanced(400, fmt.Sprintf(format, args...), apperrors.CategoryValidation, apperrors.SeverityLow)
}
