package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	WebSocket    WebSocketConfig    `mapstructure:"websocket"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Invalidation InvalidationConfig `mapstructure:"invalidation"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Popularity   PopularityConfig   `mapstructure:"popularity"`
	Behavior     BehaviorConfig     `mapstructure:"behavior"`
	Prioritizer  PrioritizerConfig  `mapstructure:"prioritizer"`
	Warmer       WarmerConfig       `mapstructure:"warmer"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Host           string   `mapstructure:"host"`
	Mode           string   `mapstructure:"mode"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Path           string          `mapstructure:"path"`
	Driver         string          `mapstructure:"driver"`
	MaxConnections int             `mapstructure:"max_connections"`
	MaxKVBytes     int64           `mapstructure:"max_kv_bytes"`
	Migration      MigrationConfig `mapstructure:"migration"`
}

type MigrationConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	BatchSize int    `mapstructure:"batch_size"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// RemoteConfig points at the finance resource API
type RemoteConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	HealthPath          string        `mapstructure:"health_path"`
	BreakerMaxFailures  int           `mapstructure:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
	UserAgent           string        `mapstructure:"user_agent"`
}

type ConnectivityConfig struct {
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	InitiallyOnline bool          `mapstructure:"initially_online"`
	SlowRTT         time.Duration `mapstructure:"slow_rtt"`
}

// CacheConfig describes the versioned resource caches
type CacheConfig struct {
	Prefix               string        `mapstructure:"prefix"`
	Version              string        `mapstructure:"version"`
	CriticalTTL          time.Duration `mapstructure:"critical_ttl"`
	StaticTTL            time.Duration `mapstructure:"static_ttl"`
	APITTL               time.Duration `mapstructure:"api_ttl"`
	RuntimeTTL           time.Duration `mapstructure:"runtime_ttl"`
	Compression          bool          `mapstructure:"compression"`
	CompressionThreshold int           `mapstructure:"compression_threshold"`
	QuotaEvictBatch      int           `mapstructure:"quota_evict_batch"`
	CriticalURLs         []string      `mapstructure:"critical_urls"`
}

// TTLFor returns the default lifetime for a cache type
func (c CacheConfig) TTLFor(cacheType string) time.Duration {
	switch cacheType {
	case "critical":
		return c.CriticalTTL
	case "static":
		return c.StaticTTL
	case "api":
		return c.APITTL
	default:
		return c.RuntimeTTL
	}
}

// RedisConfig enables a shared Redis backend for the resource caches
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type InvalidationConfig struct {
	DefaultRules     bool   `mapstructure:"default_rules"`
	RulesFile        string `mapstructure:"rules_file"`
	SweepSchedule    string `mapstructure:"sweep_schedule"`
	HistorySize      int    `mapstructure:"history_size"`
	AppVersionKey    string `mapstructure:"app_version_key"`
	CleanupOnStartup bool   `mapstructure:"cleanup_on_startup"`
}

type QueueConfig struct {
	MaxQueueSize        int           `mapstructure:"max_queue_size"`
	BatchSize           int           `mapstructure:"batch_size"`
	BatchTimeout        time.Duration `mapstructure:"batch_timeout"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	InitialDelay        time.Duration `mapstructure:"initial_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	BackoffFactor       float64       `mapstructure:"backoff_factor"`
	Jitter              bool          `mapstructure:"jitter"`
	RetentionPeriod     time.Duration `mapstructure:"retention_period"`
	AutoProcessOnOnline bool          `mapstructure:"auto_process_on_online"`
	ProcessSchedule     string        `mapstructure:"process_schedule"`
}

type SyncConfig struct {
	MaxConcurrentSyncs int            `mapstructure:"max_concurrent_syncs"`
	WriteTimeout       time.Duration  `mapstructure:"write_timeout"`
	RetryDelay         time.Duration  `mapstructure:"retry_delay"`
	MaxRetries         int            `mapstructure:"max_retries"`
	StrategyRetries    map[string]int `mapstructure:"strategy_retries"`
	AutoResolve        bool           `mapstructure:"auto_resolve"`
	ProcessSchedule    string         `mapstructure:"process_schedule"`
	MaxForceRounds     int            `mapstructure:"max_force_rounds"`
}

type PopularityWeights struct {
	Recency   float64 `mapstructure:"recency"`
	Frequency float64 `mapstructure:"frequency"`
	Diversity float64 `mapstructure:"diversity"`
	CacheHit  float64 `mapstructure:"cache_hit"`
}

type PopularityConfig struct {
	AnalysisWindow      time.Duration     `mapstructure:"analysis_window"`
	FrequencyCap        int               `mapstructure:"frequency_cap"`
	UserCap             int               `mapstructure:"user_cap"`
	Weights             PopularityWeights `mapstructure:"weights"`
	TrendWindows        int               `mapstructure:"trend_windows"`
	RisingThreshold     float64           `mapstructure:"rising_threshold"`
	FallingThreshold    float64           `mapstructure:"falling_threshold"`
	VolatilityThreshold float64           `mapstructure:"volatility_threshold"`
	TrendingConfidence  float64           `mapstructure:"trending_confidence"`
	MinAccesses         int               `mapstructure:"min_accesses"`
	WarmingThreshold    float64           `mapstructure:"warming_threshold"`
	RecommendationLimit int               `mapstructure:"recommendation_limit"`
}

type BehaviorConfig struct {
	MaxRecords            int     `mapstructure:"max_records"`
	MinPatternLength      int     `mapstructure:"min_pattern_length"`
	MaxPatternLength      int     `mapstructure:"max_pattern_length"`
	MinPatternOccurrences int     `mapstructure:"min_pattern_occurrences"`
	SimilarityThreshold   float64 `mapstructure:"similarity_threshold"`
	RecommendationLimit   int     `mapstructure:"recommendation_limit"`
	FrequencyTop          int     `mapstructure:"frequency_top"`
}

type PriorityWeights struct {
	Popularity         float64 `mapstructure:"popularity"`
	Recency            float64 `mapstructure:"recency"`
	Frequency          float64 `mapstructure:"frequency"`
	UserRelevance      float64 `mapstructure:"user_relevance"`
	NetworkEfficiency  float64 `mapstructure:"network_efficiency"`
	DeviceOptimization float64 `mapstructure:"device_optimization"`
	BusinessValue      float64 `mapstructure:"business_value"`
	CacheHitRate       float64 `mapstructure:"cache_hit_rate"`
}

type BoostWeights struct {
	Contextual  float64 `mapstructure:"contextual"`
	Temporal    float64 `mapstructure:"temporal"`
	UserSegment float64 `mapstructure:"user_segment"`
	Network     float64 `mapstructure:"network"`
	Device      float64 `mapstructure:"device"`
}

type PriorityThresholds struct {
	Critical float64 `mapstructure:"critical"`
	High     float64 `mapstructure:"high"`
	Medium   float64 `mapstructure:"medium"`
	Low      float64 `mapstructure:"low"`
}

type RiskThresholds struct {
	Medium float64 `mapstructure:"medium"`
	High   float64 `mapstructure:"high"`
}

type PrioritizerConfig struct {
	Weights         PriorityWeights    `mapstructure:"weights"`
	BoostWeights    BoostWeights       `mapstructure:"boost_weights"`
	BoostCap        float64            `mapstructure:"boost_cap"`
	BoostShare      float64            `mapstructure:"boost_share"`
	Thresholds      PriorityThresholds `mapstructure:"thresholds"`
	Risk            RiskThresholds     `mapstructure:"risk"`
	BusinessValue   map[string]float64 `mapstructure:"business_value"`
	PeakHours       []int              `mapstructure:"peak_hours"`
	MaxTracked      int                `mapstructure:"max_tracked"`
	RefreshSchedule string             `mapstructure:"refresh_schedule"`
	DeviceSampleTTL time.Duration      `mapstructure:"device_sample_ttl"`
	SlowNetworkRisk float64            `mapstructure:"slow_network_risk"`
}

type WarmerConfig struct {
	MaxQueueSize        int           `mapstructure:"max_queue_size"`
	MaxConcurrentTasks  int           `mapstructure:"max_concurrent_tasks"`
	MinConfidence       float64       `mapstructure:"min_confidence"`
	Blacklist           []string      `mapstructure:"blacklist"`
	Whitelist           []string      `mapstructure:"whitelist"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	MaxRetries          int           `mapstructure:"max_retries"`
	TaskTimeout         time.Duration `mapstructure:"task_timeout"`
	WarmingInterval     time.Duration `mapstructure:"warming_interval"`
	BackgroundWarming   bool          `mapstructure:"background_warming"`
	PreloadRate         float64       `mapstructure:"preload_rate"`
	PreloadBurst        int           `mapstructure:"preload_burst"`
	CycleCandidates     int           `mapstructure:"cycle_candidates"`
	FilterCapacity      uint          `mapstructure:"filter_capacity"`
	FilterFalsePositive float64       `mapstructure:"filter_false_positive"`
	BandwidthMbps       float64       `mapstructure:"bandwidth_mbps"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	Namespace   string `mapstructure:"namespace"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Timezone string `mapstructure:"timezone"`
}

// Load reads configs/config.yaml (if present), environment overrides and defaults
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from an explicit file path, or the default search paths when empty
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Set defaults
	setDefaults(v)

	// Read environment variables
	v.SetEnvPrefix("PMA_CACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Override specific values from env
	v.BindEnv("server.port", "PORT")
	v.BindEnv("database.path", "DATABASE_PATH")
	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("remote.base_url", "REMOTE_BASE_URL")
	v.BindEnv("cache.version", "PMA_CACHE_VERSION", "APP_VERSION")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Validate the configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Defaults returns a configuration built only from defaults
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &config
}

// Validate validates the configuration for completeness and correctness
func (c *Config) Validate() error {
	var errors []string

	// Validate server configuration
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, "server.port must be between 1 and 65535")
	}
	if c.Server.Host == "" {
		errors = append(errors, "server.host is required")
	}

	// Validate database configuration
	if c.Database.Path == "" {
		errors = append(errors, "database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		errors = append(errors, "database.driver must be sqlite or sqlite3")
	}

	if c.Remote.BaseURL == "" {
		errors = append(errors, "remote.base_url is required")
	}

	// Cache naming
	if c.Cache.Prefix == "" || strings.Contains(c.Cache.Prefix, "-v") {
		errors = append(errors, "cache.prefix is required and must not contain \"-v\"")
	}
	if c.Cache.Version == "" {
		errors = append(errors, "cache.version is required")
	}

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			errors = append(errors, "redis.host is required when redis is enabled")
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errors = append(errors, "redis.port must be between 1 and 65535")
		}
	}

	if c.Queue.BatchSize <= 0 {
		errors = append(errors, "queue.batch_size must be greater than 0")
	}
	if c.Queue.MaxRetries < 0 {
		errors = append(errors, "queue.max_retries must be non-negative")
	}
	if c.Queue.BackoffFactor < 1 {
		errors = append(errors, "queue.backoff_factor must be at least 1")
	}

	if c.Sync.MaxConcurrentSyncs <= 0 {
		errors = append(errors, "sync.max_concurrent_syncs must be greater than 0")
	}
	for resource, retries := range c.Sync.StrategyRetries {
		if retries < 0 {
			errors = append(errors, fmt.Sprintf("sync.strategy_retries[%s] must be non-negative", resource))
		}
	}

	if c.Popularity.TrendWindows < 2 {
		errors = append(errors, "popularity.trend_windows must be at least 2")
	}
	if c.Popularity.FrequencyCap <= 0 || c.Popularity.UserCap <= 0 {
		errors = append(errors, "popularity.frequency_cap and popularity.user_cap must be greater than 0")
	}

	if c.Behavior.MinPatternLength < 2 {
		errors = append(errors, "behavior.min_pattern_length must be at least 2")
	}
	if c.Behavior.MaxPatternLength < c.Behavior.MinPatternLength {
		errors = append(errors, "behavior.max_pattern_length must not be below min_pattern_length")
	}
	if c.Behavior.SimilarityThreshold <= 0 || c.Behavior.SimilarityThreshold > 1 {
		errors = append(errors, "behavior.similarity_threshold must be in (0,1]")
	}

	t := c.Prioritizer.Thresholds
	if !(t.Critical > t.High && t.High > t.Medium && t.Medium > t.Low && t.Low >= 0) {
		errors = append(errors, "prioritizer.thresholds must be strictly descending")
	}
	if c.Prioritizer.Risk.High <= c.Prioritizer.Risk.Medium {
		errors = append(errors, "prioritizer.risk.high must be above prioritizer.risk.medium")
	}

	if c.Warmer.MaxConcurrentTasks <= 0 {
		errors = append(errors, "warmer.max_concurrent_tasks must be greater than 0")
	}
	if c.Warmer.MinConfidence < 0 || c.Warmer.MinConfidence > 1 {
		errors = append(errors, "warmer.min_confidence must be in [0,1]")
	}

	// If there are validation errors, return them
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 3002)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)

	// Database defaults
	v.SetDefault("database.path", "./data/cache-engine.db")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.max_kv_bytes", 50*1024*1024)
	v.SetDefault("database.migration.enabled", true)
	v.SetDefault("database.migration.auto_migrate", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.batch_size", 100)

	// WebSocket defaults
	v.SetDefault("websocket.ping_interval", 54*time.Second)
	v.SetDefault("websocket.pong_timeout", 60*time.Second)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.max_message_size", 512*1024)
	v.SetDefault("websocket.send_buffer", 256)

	// Remote API defaults
	v.SetDefault("remote.base_url", "http://localhost:3000")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("remote.health_path", "/api/health")
	v.SetDefault("remote.breaker_max_failures", 5)
	v.SetDefault("remote.breaker_reset_timeout", 30*time.Second)

	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.probe_timeout", 3*time.Second)
	v.SetDefault("connectivity.initially_online", true)
	v.SetDefault("connectivity.slow_rtt", 400*time.Millisecond)

	// Cache defaults
	v.SetDefault("cache.prefix", "pma")
	v.SetDefault("cache.version", "1.0.0")
	v.SetDefault("cache.critical_ttl", 24*time.Hour)
	v.SetDefault("cache.static_ttl", 7*24*time.Hour)
	v.SetDefault("cache.api_ttl", 5*time.Minute)
	v.SetDefault("cache.runtime_ttl", time.Hour)
	v.SetDefault("cache.compression", true)
	v.SetDefault("cache.compression_threshold", 1024)
	v.SetDefault("cache.quota_evict_batch", 25)
	v.SetDefault("cache.critical_urls", []string{"/", "/index.html", "/manifest.json"})

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.key_prefix", "pma-cache:")

	// Invalidation defaults
	v.SetDefault("invalidation.default_rules", true)
	v.SetDefault("invalidation.rules_file", "")
	v.SetDefault("invalidation.sweep_schedule", "0 */5 * * * *")
	v.SetDefault("invalidation.history_size", 100)
	v.SetDefault("invalidation.app_version_key", "app-version")
	v.SetDefault("invalidation.cleanup_on_startup", true)

	// Offline queue defaults
	v.SetDefault("queue.max_queue_size", 1000)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.batch_timeout", 30*time.Second)
	v.SetDefault("queue.request_timeout", 10*time.Second)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.initial_delay", time.Second)
	v.SetDefault("queue.max_delay", 5*time.Minute)
	v.SetDefault("queue.backoff_factor", 2.0)
	v.SetDefault("queue.jitter", false)
	v.SetDefault("queue.retention_period", 7*24*time.Hour)
	v.SetDefault("queue.auto_process_on_online", true)
	v.SetDefault("queue.process_schedule", "*/30 * * * * *")

	// Sync defaults
	v.SetDefault("sync.max_concurrent_syncs", 3)
	v.SetDefault("sync.write_timeout", 10*time.Second)
	v.SetDefault("sync.retry_delay", 2*time.Second)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.strategy_retries", map[string]int{
		"transactions": 5,
		"goals":        5,
		"financial":    5,
		"preferences":  2,
	})
	v.SetDefault("sync.auto_resolve", true)
	v.SetDefault("sync.process_schedule", "*/20 * * * * *")
	v.SetDefault("sync.max_force_rounds", 10)

	// Popularity defaults
	v.SetDefault("popularity.analysis_window", 24*time.Hour)
	v.SetDefault("popularity.frequency_cap", 100)
	v.SetDefault("popularity.user_cap", 10)
	v.SetDefault("popularity.weights.recency", 0.3)
	v.SetDefault("popularity.weights.frequency", 0.3)
	v.SetDefault("popularity.weights.diversity", 0.2)
	v.SetDefault("popularity.weights.cache_hit", 0.2)
	v.SetDefault("popularity.trend_windows", 4)
	v.SetDefault("popularity.rising_threshold", 0.2)
	v.SetDefault("popularity.falling_threshold", 0.2)
	v.SetDefault("popularity.volatility_threshold", 1.0)
	v.SetDefault("popularity.trending_confidence", 0.5)
	v.SetDefault("popularity.min_accesses", 3)
	v.SetDefault("popularity.warming_threshold", 0.4)
	v.SetDefault("popularity.recommendation_limit", 20)

	// Behavior defaults
	v.SetDefault("behavior.max_records", 5000)
	v.SetDefault("behavior.min_pattern_length", 3)
	v.SetDefault("behavior.max_pattern_length", 5)
	v.SetDefault("behavior.min_pattern_occurrences", 2)
	v.SetDefault("behavior.similarity_threshold", 0.7)
	v.SetDefault("behavior.recommendation_limit", 10)
	v.SetDefault("behavior.frequency_top", 5)

	// Prioritizer defaults
	v.SetDefault("prioritizer.weights.popularity", 0.2)
	v.SetDefault("prioritizer.weights.recency", 0.15)
	v.SetDefault("prioritizer.weights.frequency", 0.15)
	v.SetDefault("prioritizer.weights.user_relevance", 0.15)
	v.SetDefault("prioritizer.weights.network_efficiency", 0.1)
	v.SetDefault("prioritizer.weights.device_optimization", 0.05)
	v.SetDefault("prioritizer.weights.business_value", 0.1)
	v.SetDefault("prioritizer.weights.cache_hit_rate", 0.1)
	v.SetDefault("prioritizer.boost_weights.contextual", 0.3)
	v.SetDefault("prioritizer.boost_weights.temporal", 0.2)
	v.SetDefault("prioritizer.boost_weights.user_segment", 0.2)
	v.SetDefault("prioritizer.boost_weights.network", 0.15)
	v.SetDefault("prioritizer.boost_weights.device", 0.15)
	v.SetDefault("prioritizer.boost_cap", 0.3)
	v.SetDefault("prioritizer.boost_share", 0.3)
	v.SetDefault("prioritizer.thresholds.critical", 0.8)
	v.SetDefault("prioritizer.thresholds.high", 0.6)
	v.SetDefault("prioritizer.thresholds.medium", 0.4)
	v.SetDefault("prioritizer.thresholds.low", 0.2)
	v.SetDefault("prioritizer.risk.medium", 0.3)
	v.SetDefault("prioritizer.risk.high", 0.6)
	v.SetDefault("prioritizer.business_value", map[string]float64{
		"/api/transactions": 1.0,
		"/api/goals":        0.9,
		"/api/financial":    0.9,
		"/api/dashboard":    0.8,
		"/api/":             0.5,
	})
	v.SetDefault("prioritizer.peak_hours", []int{8, 9, 12, 13, 18, 19, 20})
	v.SetDefault("prioritizer.max_tracked", 500)
	v.SetDefault("prioritizer.refresh_schedule", "0 */2 * * * *")
	v.SetDefault("prioritizer.device_sample_ttl", 30*time.Second)
	v.SetDefault("prioritizer.slow_network_risk", 1.5)

	// Warmer defaults
	v.SetDefault("warmer.max_queue_size", 100)
	v.SetDefault("warmer.max_concurrent_tasks", 3)
	v.SetDefault("warmer.min_confidence", 0.3)
	v.SetDefault("warmer.blacklist", []string{"/api/auth", "/api/logout", "/api/import", "/api/export"})
	v.SetDefault("warmer.whitelist", []string{})
	v.SetDefault("warmer.retry_delay", 5*time.Second)
	v.SetDefault("warmer.max_retries", 2)
	v.SetDefault("warmer.task_timeout", 15*time.Second)
	v.SetDefault("warmer.warming_interval", 5*time.Minute)
	v.SetDefault("warmer.background_warming", true)
	v.SetDefault("warmer.preload_rate", 5.0)
	v.SetDefault("warmer.preload_burst", 3)
	v.SetDefault("warmer.cycle_candidates", 10)
	v.SetDefault("warmer.filter_capacity", 10000)
	v.SetDefault("warmer.filter_false_positive", 0.01)
	v.SetDefault("warmer.bandwidth_mbps", 10.0)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.namespace", "pma_cache")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timezone", "Local")
}
