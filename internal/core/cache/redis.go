package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
)

// Key layout under the configured prefix:
//
//	caches           set of cache names
//	cache:<name>     hash url -> JSON entry
//	stats:<name>     hash of hit/miss/evict counters and last access
//	captured         sorted set of <name>\x00<url> scored by capture time
const (
	statHits       = "hits"
	statMisses     = "misses"
	statEvictions  = "evictions"
	statLastAccess = "last_access"
)

// RedisCache is a ResourceCache shared by every engine pointing at the same Redis
type RedisCache struct {
	client    *redis.Client
	logger    *logrus.Logger
	keyPrefix string
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(cfg config.RedisConfig, logger *logrus.Logger) (*RedisCache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":       cfg.Host,
		"port":       cfg.Port,
		"db":         cfg.DB,
		"key_prefix": cfg.KeyPrefix,
	}).Info("Redis resource cache initialized")

	return NewRedisCacheWithClient(rdb, cfg.KeyPrefix, logger), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, keyPrefix string, logger *logrus.Logger) *RedisCache {
	return &RedisCache{
		client:    client,
		logger:    logger,
		keyPrefix: keyPrefix,
	}
}

// Ping checks the connection
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) namesKey() string { return r.keyPrefix + "caches" }

func (r *RedisCache) entriesKey(name string) string { return r.keyPrefix + "cache:" + name }

func (r *RedisCache) statsKey(name string) string { return r.keyPrefix + "stats:" + name }

func (r *RedisCache) capturedKey() string { return r.keyPrefix + "captured" }

func capturedMember(cacheName, url string) string {
	return cacheName + "\x00" + url
}

func (r *RedisCache) CacheNames(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisCache) Keys(ctx context.Context, cacheName string) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.entriesKey(cacheName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", cacheName, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisCache) Get(ctx context.Context, cacheName, url string) (*Entry, error) {
	data, err := r.client.HGet(ctx, r.entriesKey(cacheName), url).Bytes()
	if errors.Is(err, redis.Nil) {
		known, err := r.client.SIsMember(ctx, r.namesKey(), cacheName).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check cache %s: %w", cacheName, err)
		}
		if known {
			r.touch(ctx, cacheName, statMisses)
		}
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", url, cacheName, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cached entry %s: %w", url, err)
	}
	r.touch(ctx, cacheName, statHits)
	return &entry, nil
}

// touch bumps a counter; stats are best effort
func (r *RedisCache) touch(ctx context.Context, cacheName, counter string) {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, r.statsKey(cacheName), counter, 1)
		pipe.HSet(ctx, r.statsKey(cacheName), statLastAccess, time.Now().UnixNano())
		return nil
	})
	if err != nil {
		r.logger.WithError(err).WithField("cache", cacheName).Debug("Failed to update Redis cache stats")
	}
}

func (r *RedisCache) Put(ctx context.Context, cacheName string, entry *Entry) error {
	stored := *entry
	if stored.Size == 0 {
		stored.Size = int64(len(stored.Body))
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode entry %s: %w", entry.URL, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.namesKey(), cacheName)
		pipe.HSet(ctx, r.entriesKey(cacheName), entry.URL, data)
		pipe.ZAdd(ctx, r.capturedKey(), redis.Z{
			Score:  float64(stored.CapturedAt.UnixNano()),
			Member: capturedMember(cacheName, entry.URL),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store %s in %s: %w", entry.URL, cacheName, err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, cacheName, url string) (bool, error) {
	removed, err := r.client.HDel(ctx, r.entriesKey(cacheName), url).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete %s from %s: %w", url, cacheName, err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := r.client.ZRem(ctx, r.capturedKey(), capturedMember(cacheName, url)).Err(); err != nil {
		r.logger.WithError(err).WithField("url", url).Warn("Failed to drop capture index entry")
	}
	return true, nil
}

func (r *RedisCache) DeleteCache(ctx context.Context, cacheName string) (bool, error) {
	removed, err := r.client.SRem(ctx, r.namesKey(), cacheName).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", cacheName, err)
	}
	if removed == 0 {
		return false, nil
	}

	urls, err := r.client.HKeys(ctx, r.entriesKey(cacheName)).Result()
	if err != nil {
		return true, fmt.Errorf("failed to list keys of %s: %w", cacheName, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entriesKey(cacheName), r.statsKey(cacheName))
		if len(urls) > 0 {
			members := make([]interface{}, len(urls))
			for i, url := range urls {
				members[i] = capturedMember(cacheName, url)
			}
			pipe.ZRem(ctx, r.capturedKey(), members...)
		}
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("failed to drop entries of %s: %w", cacheName, err)
	}
	return true, nil
}

func (r *RedisCache) EvictOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	members, err := r.client.ZRange(ctx, r.capturedKey(), 0, int64(n-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read capture index: %w", err)
	}

	evicted := 0
	for _, member := range members {
		cacheName, url, ok := strings.Cut(member, "\x00")
		if !ok {
			r.client.ZRem(ctx, r.capturedKey(), member)
			continue
		}
		var del *redis.IntCmd
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.HDel(ctx, r.entriesKey(cacheName), url)
			pipe.ZRem(ctx, r.capturedKey(), member)
			pipe.HIncrBy(ctx, r.statsKey(cacheName), statEvictions, 1)
			return nil
		})
		if err != nil {
			return evicted, fmt.Errorf("failed to evict %s: %w", url, err)
		}
		if del.Val() > 0 {
			evicted++
		}
	}
	return evicted, nil
}

// Stats returns per-cache statistics, parsing names with namer
func (r *RedisCache) Stats(ctx context.Context, namer Namer) ([]CacheStats, error) {
	names, err := r.CacheNames(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]CacheStats, 0, len(names))
	for _, name := range names {
		t, version, _ := namer.Parse(name)
		s := CacheStats{Name: name, Type: t, Version: version}

		values, err := r.client.HVals(ctx, r.entriesKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read entries of %s: %w", name, err)
		}
		s.Size = len(values)
		for _, raw := range values {
			var entry Entry
			if json.Unmarshal([]byte(raw), &entry) == nil {
				s.MemoryUsage += entry.Size
			}
		}

		counters, err := r.client.HGetAll(ctx, r.statsKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read stats of %s: %w", name, err)
		}
		s.HitCount = parseCounter(counters[statHits])
		s.MissCount = parseCounter(counters[statMisses])
		s.EvictCount = parseCounter(counters[statEvictions])
		if at, err := strconv.ParseInt(counters[statLastAccess], 10, 64); err == nil {
			s.LastAccess = time.Unix(0, at)
		}
		if total := s.HitCount + s.MissCount; total > 0 {
			s.HitRate = float64(s.HitCount) / float64(total)
		}
		stats = append(stats, s)
	}
	return stats, nil
}

func parseCounter(v string) uint64 {
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}
