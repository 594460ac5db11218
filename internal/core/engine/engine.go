package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/behavior"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/cache"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/cachesync"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/connectivity"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/device"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/fetchrouter"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/invalidation"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/metrics"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/popularity"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/prioritizer"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/queue"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/scheduler"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/warmer"
	"github.com/frostdev-ops/pma-cache-engine/internal/database"
	"github.com/frostdev-ops/pma-cache-engine/internal/database/sqlite"
	"github.com/frostdev-ops/pma-cache-engine/internal/remote"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
	"github.com/frostdev-ops/pma-cache-engine/pkg/version"
)

const persistSchedule = "@every 1m"

// Options overrides collaborators, mostly for tests
type Options struct {
	Clock  clock.Clock
	Device device.Source
}

// Engine owns one instance of every manager and the wiring between them
type Engine struct {
	Config *config.Config
	Logger *logrus.Logger

	DB        *sqlx.DB
	Cache     cache.ResourceCache
	Bus       *events.Bus
	Recorder  metrics.Recorder
	Collector *metrics.PrometheusCollector
	Health    *metrics.HealthChecker
	Scheduler *scheduler.Scheduler

	Remote       *remote.Client
	Connectivity *connectivity.Monitor
	Popularity   *popularity.Detector
	Behavior     *behavior.Analyzer
	Prioritizer  *prioritizer.Prioritizer
	Warmer       *warmer.Warmer
	Queue        *queue.Queue
	Sync         *cachesync.Manager
	Invalidation *invalidation.Manager
	Router       *fetchrouter.Router

	clock  clock.Clock
	codec  *storage.ZstdCodec
	redis  *cache.RedisCache
	namer  cache.Namer
	unsubs []func()
	jobs   map[string]scheduler.JobFunc

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds the engine. An empty database path keeps all state in memory.
func New(cfg *config.Config, logger *logrus.Logger, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	e := &Engine{
		Config: cfg,
		Logger: logger,
		Bus:    events.NewBus(logger),
		clock:  clk,
		namer:  cache.Namer{Prefix: cfg.Cache.Prefix, Version: cfg.Cache.Version},
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if cfg.Monitoring.Enabled {
		e.Collector = metrics.NewPrometheusCollector(cfg.Monitoring.Namespace)
		e.Recorder = e.Collector
	} else {
		e.Recorder = metrics.Nop{}
	}

	persister, err := e.openStorage()
	if err != nil {
		return nil, err
	}

	remoteCfg := cfg.Remote
	if remoteCfg.UserAgent == "" {
		remoteCfg.UserAgent = version.UserAgent(cfg.Cache.Version)
	}
	e.Remote = remote.NewClient(remoteCfg, logger)
	e.Connectivity = connectivity.NewMonitor(cfg.Connectivity, e.Remote, e.Bus, clk, logger)

	dev := opts.Device
	if dev == nil {
		dev = device.NewProbe(logger, cfg.Prioritizer.DeviceSampleTTL)
	}

	e.Popularity = popularity.NewDetector(cfg.Popularity, clk, persister, e.Bus, e.Recorder, logger)
	e.Behavior = behavior.NewAnalyzer(cfg.Behavior, clk, persister, e.Recorder, logger)
	e.Prioritizer = prioritizer.New(cfg.Prioritizer, e.Popularity, e.Behavior, e.Connectivity, dev, clk, logger)

	e.Warmer, err = warmer.New(cfg.Warmer, cfg.Cache, e.Remote, e.Cache, persister, e.Bus, e.Recorder, clk, logger)
	if err != nil {
		e.closeStorage()
		return nil, fmt.Errorf("failed to create warmer: %w", err)
	}
	e.Warmer.SetCandidateSource(e.warmingCandidates)

	e.Queue = queue.New(cfg.Queue, queue.NewHTTPExecutor(e.Remote, logger), e.Connectivity, clk, persister, e.Bus, e.Recorder, logger)
	e.Sync = cachesync.NewManager(cfg.Sync, e.Remote, clk, persister, e.Bus, e.Recorder, logger)

	e.Invalidation, err = invalidation.New(cfg.Invalidation, cfg.Cache, e.Cache, clk, persister, e.Bus, e.Recorder, logger)
	if err != nil {
		e.closeStorage()
		return nil, fmt.Errorf("failed to create invalidation manager: %w", err)
	}

	e.Router = fetchrouter.New(cfg.Cache, e.Remote, e.Cache, fetchrouter.Options{
		Queue:      e.Queue,
		Online:     e.Connectivity,
		Staleness:  e.Invalidation,
		Popularity: e.Popularity,
		Behavior:   e.Behavior,
		Recorder:   e.Recorder,
		Clock:      clk,
	}, logger)

	e.Scheduler = scheduler.New(cfg.Scheduler, logger)
	if err := e.registerJobs(); err != nil {
		e.closeStorage()
		return nil, err
	}

	e.Health = metrics.NewHealthChecker(cfg.Connectivity.ProbeTimeout)
	e.registerHealthChecks()
	e.subscribe()

	return e, nil
}

// openStorage selects SQLite or in-memory adapters and builds the shared persister.
// An enabled Redis backend replaces the local resource cache; KV state stays local.
func (e *Engine) openStorage() (*storage.Persister, error) {
	cfg := e.Config
	var (
		store   storage.KeyValueStore
		evictor storage.Evictor
	)

	if cfg.Database.Path != "" {
		db, err := database.Initialize(cfg.Database, e.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		e.DB = db
		repos := database.NewRepositories(db, e.Logger, cfg.Database.MaxKVBytes)
		e.Cache, evictor = repos.Cache, repos.Cache
		store = repos.KV
	} else {
		mem := cache.NewMemoryCache()
		e.Cache, evictor = mem, mem
		store = storage.NewMemoryStore(cfg.Database.MaxKVBytes)
		e.Logger.Warn("No database path configured, engine state is kept in memory")
	}

	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(cfg.Redis, e.Logger)
		if err != nil {
			e.closeStorage()
			return nil, fmt.Errorf("failed to initialize redis cache: %w", err)
		}
		e.redis = rc
		e.Cache, evictor = rc, rc
	}

	var codec storage.Codec = storage.NopCodec{}
	if cfg.Cache.Compression {
		zc, err := storage.NewZstdCodec(cfg.Cache.CompressionThreshold)
		if err != nil {
			e.closeStorage()
			return nil, fmt.Errorf("failed to create codec: %w", err)
		}
		e.codec = zc
		codec = zc
	}

	return storage.NewPersister(store, codec, evictor, cfg.Cache.QuotaEvictBatch, e.Logger), nil
}

func (e *Engine) closeStorage() {
	if e.codec != nil {
		e.codec.Close()
		e.codec = nil
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.Logger.WithError(err).Warn("Failed to close redis connection")
		}
		e.redis = nil
	}
	if e.DB != nil {
		if err := e.DB.Close(); err != nil {
			e.Logger.WithError(err).Warn("Failed to close database")
		}
		e.DB = nil
	}
}

// Start restores persisted state and starts the background loops
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.Load(ctx)

	if e.Config.Invalidation.CleanupOnStartup {
		if removed, err := e.Invalidation.CleanupOrphanedCaches(ctx); err != nil {
			e.Logger.WithError(err).Warn("Failed to clean up orphaned caches")
		} else if len(removed) > 0 {
			e.Logger.WithField("caches", removed).Info("Removed orphaned caches")
		}
	}

	e.Connectivity.Start(e.ctx)
	e.Warmer.Start(e.ctx)

	if e.Config.Scheduler.Enabled {
		if err := e.Scheduler.Start(); err != nil {
			e.Warmer.Stop()
			e.Connectivity.Stop()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	if e.Connectivity.IsOnline() {
		e.resume()
	}

	e.Logger.WithFields(logrus.Fields{
		"cache_version": e.Config.Cache.Version,
		"online":        e.Connectivity.IsOnline(),
		"persistent":    e.DB != nil,
	}).Info("Cache engine started")
	return nil
}

// Stop halts background work, persists state and releases storage
func (e *Engine) Stop(ctx context.Context) error {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil

	if err := e.Scheduler.Stop(ctx); err != nil {
		e.Logger.WithError(err).Warn("Scheduler did not stop cleanly")
	}
	e.Connectivity.Stop()
	e.Warmer.Stop()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.Logger.Warn("Timeout waiting for engine tasks to finish")
	}

	err := e.Save(ctx)
	e.closeStorage()
	e.Logger.Info("Cache engine stopped")
	return err
}

type persistent interface {
	Save(ctx context.Context) error
	Load(ctx context.Context) error
}

func (e *Engine) persistents() map[string]persistent {
	return map[string]persistent{
		"popularity":   e.Popularity,
		"behavior":     e.Behavior,
		"queue":        e.Queue,
		"sync":         e.Sync,
		"invalidation": e.Invalidation,
		"warmer":       e.Warmer,
	}
}

// Load restores every manager; failures are logged and leave that manager empty
func (e *Engine) Load(ctx context.Context) {
	for name, p := range e.persistents() {
		if err := p.Load(ctx); err != nil {
			e.Logger.WithError(err).WithField("manager", name).Warn("Failed to restore state")
		}
	}
}

// Save persists every manager and returns the first failure
func (e *Engine) Save(ctx context.Context) error {
	var first error
	for name, p := range e.persistents() {
		if err := p.Save(ctx); err != nil {
			e.Logger.WithError(err).WithField("manager", name).Warn("Failed to persist state")
			if first == nil {
				first = fmt.Errorf("failed to persist %s: %w", name, err)
			}
		}
	}
	return first
}

// BuildInfo describes the binary, the cache generation and the state schema
func (e *Engine) BuildInfo() version.Info {
	info := version.Describe(e.Config.Cache.Prefix, e.Config.Cache.Version)
	if e.DB != nil {
		schema, dirty, err := database.MigrationVersion(e.DB.DB)
		if err != nil {
			e.Logger.WithError(err).Debug("Failed to read schema version")
		} else {
			info.SchemaVersion, info.SchemaDirty = schema, dirty
		}
	}
	return info
}

// CacheStats reports per-cache entry counts and sizes
func (e *Engine) CacheStats(ctx context.Context) ([]cache.CacheStats, error) {
	switch c := e.Cache.(type) {
	case *sqlite.CacheRepository:
		return c.Stats(ctx, e.namer)
	case *cache.MemoryCache:
		return c.Stats(e.namer), nil
	case *cache.RedisCache:
		return c.Stats(ctx, e.namer)
	}
	return nil, nil
}

// goAsync runs fn on the engine context; Stop waits for it
func (e *Engine) goAsync(name string, fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.ctx); err != nil && e.ctx.Err() == nil {
			e.Logger.WithError(err).WithField("task", name).Warn("Background task failed")
		}
	}()
}

// resume drains the offline queue and the sync queue
func (e *Engine) resume() {
	if e.Config.Queue.AutoProcessOnOnline {
		e.goAsync("queue", func(ctx context.Context) error {
			_, err := e.Queue.ProcessQueue(ctx)
			return ignoreBusy(err)
		})
	}
	e.goAsync("sync", func(ctx context.Context) error {
		_, err := e.Sync.ProcessSyncQueue(ctx)
		return ignoreBusy(err)
	})
}

func (e *Engine) registerJobs() error {
	jobs := []struct {
		name    string
		spec    string
		timeout time.Duration
		fn      scheduler.JobFunc
	}{
		{"invalidation-sweep", e.Config.Invalidation.SweepSchedule, time.Minute, func(ctx context.Context) error {
			res := e.Invalidation.Sweep(ctx)
			if !res.Success {
				return fmt.Errorf("sweep finished with %d errors", len(res.Errors))
			}
			return nil
		}},
		{"queue-process", e.Config.Queue.ProcessSchedule, 2 * time.Minute, func(ctx context.Context) error {
			if !e.Connectivity.IsOnline() {
				return nil
			}
			_, err := e.Queue.ProcessQueue(ctx)
			return ignoreBusy(err)
		}},
		{"sync-process", e.Config.Sync.ProcessSchedule, 2 * time.Minute, func(ctx context.Context) error {
			if !e.Connectivity.IsOnline() {
				return nil
			}
			_, err := e.Sync.ProcessSyncQueue(ctx)
			return ignoreBusy(err)
		}},
		{"prioritizer-refresh", e.Config.Prioritizer.RefreshSchedule, time.Minute, e.Prioritizer.Refresh},
		{"persist", persistSchedule, time.Minute, e.Save},
	}

	e.jobs = make(map[string]scheduler.JobFunc, len(jobs))
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if err := e.Scheduler.Register(job.name, job.spec, job.timeout, job.fn); err != nil {
			return fmt.Errorf("failed to register job %s: %w", job.name, err)
		}
		e.jobs[job.name] = job.fn
	}
	return nil
}

// RunJob runs a registered job immediately, outside its schedule
func (e *Engine) RunJob(name string) error {
	fn, ok := e.jobs[name]
	if !ok {
		return apperrors.New(http.StatusNotFound, "job "+name+" not found")
	}
	return e.Scheduler.RunNow(name, fn)
}

func (e *Engine) registerHealthChecks() {
	e.Health.Register("remote", func(ctx context.Context) metrics.HealthStatus {
		rtt, err := e.Remote.Health(ctx)
		if err != nil {
			return metrics.NewHealthStatus("degraded", err.Error()).
				WithDetail("breaker", e.Remote.BreakerState())
		}
		return metrics.NewHealthStatus("healthy", "remote API reachable").
			WithDetail("rtt_ms", rtt.Milliseconds())
	})

	e.Health.Register("storage", func(ctx context.Context) metrics.HealthStatus {
		if e.DB == nil {
			return metrics.NewHealthStatus("healthy", "in-memory storage")
		}
		if err := e.DB.PingContext(ctx); err != nil {
			return metrics.NewHealthStatus("unhealthy", err.Error())
		}
		return metrics.NewHealthStatus("healthy", "database reachable")
	})

	if e.redis != nil {
		e.Health.Register("redis", func(ctx context.Context) metrics.HealthStatus {
			if err := e.redis.Ping(ctx); err != nil {
				return metrics.NewHealthStatus("degraded", err.Error())
			}
			return metrics.NewHealthStatus("healthy", "redis reachable")
		})
	}

	e.Health.Register("queue", func(ctx context.Context) metrics.HealthStatus {
		stats := e.Queue.GetQueueStatistics()
		status := "healthy"
		if stats.Failed > 0 {
			status = "degraded"
		}
		return metrics.NewHealthStatus(status, fmt.Sprintf("%d pending, %d failed", stats.Pending, stats.Failed)).
			WithDetail("pending", stats.Pending).
			WithDetail("failed", stats.Failed)
	})

	e.Health.Register("sync", func(ctx context.Context) metrics.HealthStatus {
		m := e.Sync.GetMetrics()
		status := "healthy"
		if m.PendingConflicts > 0 || m.Failed > 0 {
			status = "degraded"
		}
		return metrics.NewHealthStatus(status, fmt.Sprintf("%d pending, %d conflicts", m.Pending, m.PendingConflicts)).
			WithDetail("pending", m.Pending).
			WithDetail("conflicts", m.PendingConflicts)
	})
}

func ignoreBusy(err error) error {
	if errors.Is(err, queue.ErrAlreadyProcessing) || errors.Is(err, cachesync.ErrSyncInProgress) {
		return nil
	}
	return err
}
