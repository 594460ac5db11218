package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
)

type namedCache struct {
	entries    map[string]*Entry
	hitCount   uint64
	missCount  uint64
	evictCount uint64
	lastAccess time.Time
}

// MemoryCache is an in-process ResourceCache
type MemoryCache struct {
	caches map[string]*namedCache
	mutex  sync.RWMutex
}

// NewMemoryCache creates an empty cache set
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		caches: make(map[string]*namedCache),
	}
}

func (c *MemoryCache) CacheNames(ctx context.Context) ([]string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	names := make([]string, 0, len(c.caches))
	for name := range c.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *MemoryCache) Keys(ctx context.Context, cacheName string) ([]string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	nc, ok := c.caches[cacheName]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(nc.entries))
	for key := range nc.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *MemoryCache) Get(ctx context.Context, cacheName, url string) (*Entry, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	nc, ok := c.caches[cacheName]
	if !ok {
		return nil, storage.ErrNotFound
	}
	nc.lastAccess = time.Now()
	entry, ok := nc.entries[url]
	if !ok {
		nc.missCount++
		return nil, storage.ErrNotFound
	}
	nc.hitCount++
	clone := *entry
	return &clone, nil
}

func (c *MemoryCache) Put(ctx context.Context, cacheName string, entry *Entry) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	nc, ok := c.caches[cacheName]
	if !ok {
		nc = &namedCache{entries: make(map[string]*Entry)}
		c.caches[cacheName] = nc
	}
	stored := *entry
	if stored.Size == 0 {
		stored.Size = int64(len(stored.Body))
	}
	nc.entries[entry.URL] = &stored
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, cacheName, url string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	nc, ok := c.caches[cacheName]
	if !ok {
		return false, nil
	}
	if _, ok := nc.entries[url]; !ok {
		return false, nil
	}
	delete(nc.entries, url)
	return true, nil
}

func (c *MemoryCache) DeleteCache(ctx context.Context, cacheName string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.caches[cacheName]; !ok {
		return false, nil
	}
	delete(c.caches, cacheName)
	return true, nil
}

func (c *MemoryCache) EvictOldest(ctx context.Context, n int) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	type candidate struct {
		cache string
		url   string
		at    time.Time
	}
	var candidates []candidate
	for name, nc := range c.caches {
		for url, entry := range nc.entries {
			candidates = append(candidates, candidate{cache: name, url: url, at: entry.CapturedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].at.Before(candidates[j].at)
	})

	evicted := 0
	for _, cand := range candidates {
		if evicted >= n {
			break
		}
		nc := c.caches[cand.cache]
		delete(nc.entries, cand.url)
		nc.evictCount++
		evicted++
	}
	return evicted, nil
}

// Stats returns per-cache statistics, parsing names with namer
func (c *MemoryCache) Stats(namer Namer) []CacheStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	stats := make([]CacheStats, 0, len(c.caches))
	for name, nc := range c.caches {
		t, version, _ := namer.Parse(name)
		s := CacheStats{
			Name:       name,
			Type:       t,
			Version:    version,
			Size:       len(nc.entries),
			HitCount:   nc.hitCount,
			MissCount:  nc.missCount,
			EvictCount: nc.evictCount,
			LastAccess: nc.lastAccess,
		}
		for _, entry := range nc.entries {
			s.MemoryUsage += entry.Size
		}
		if total := nc.hitCount + nc.missCount; total > 0 {
			s.HitRate = float64(nc.hitCount) / float64(total)
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
