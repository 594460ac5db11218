package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CacheType is the authoritative category of a cached response; it decides TTL and eviction
type CacheType string

const (
	CacheTypeCritical CacheType = "critical"
	CacheTypeStatic   CacheType = "static"
	CacheTypeAPI      CacheType = "api"
	CacheTypeRuntime  CacheType = "runtime"
)

// CacheTypes lists every cache type in lookup order
var CacheTypes = []CacheType{CacheTypeCritical, CacheTypeStatic, CacheTypeAPI, CacheTypeRuntime}

// Valid reports whether t is a known cache type
func (t CacheType) Valid() bool {
	for _, known := range CacheTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Entry is one cached response keyed by request URL
type Entry struct {
	URL         string            `json:"url"`
	Body        []byte            `json:"body"`
	ContentType string            `json:"content_type"`
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	CacheType   CacheType         `json:"cache_type"`
	CapturedAt  time.Time         `json:"captured_at"`
	Version     string            `json:"version,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Size        int64             `json:"size"`
}

// ResourceCache stores responses in named caches, mirroring the platform HTTP cache
type ResourceCache interface {
	// CacheNames returns every cache name, including orphaned versions
	CacheNames(ctx context.Context) ([]string, error)

	// Keys returns the URLs stored in a cache
	Keys(ctx context.Context, cacheName string) ([]string, error)

	// Get returns storage.ErrNotFound when the URL is not cached
	Get(ctx context.Context, cacheName, url string) (*Entry, error)

	Put(ctx context.Context, cacheName string, entry *Entry) error

	// Delete reports whether an entry was removed
	Delete(ctx context.Context, cacheName, url string) (bool, error)

	// DeleteCache drops a whole named cache
	DeleteCache(ctx context.Context, cacheName string) (bool, error)

	// EvictOldest removes up to n entries with the oldest capture time across all caches
	EvictOldest(ctx context.Context, n int) (int, error)
}

// CacheStats contains cache performance metrics
type CacheStats struct {
	Name        string    `json:"name"`
	Type        CacheType `json:"type"`
	Version     string    `json:"version"`
	Size        int       `json:"size"`
	MemoryUsage int64     `json:"memory_usage_bytes"`
	HitCount    uint64    `json:"hit_count"`
	MissCount   uint64    `json:"miss_count"`
	HitRate     float64   `json:"hit_rate"`
	EvictCount  uint64    `json:"evict_count"`
	LastAccess  time.Time `json:"last_accessed"`
}

// Namer builds and parses versioned cache names of the form <prefix>-<type>-v<version>
type Namer struct {
	Prefix  string
	Version string
}

// Name returns the current cache name for a type
func (n Namer) Name(t CacheType) string {
	return fmt.Sprintf("%s-%s-v%s", n.Prefix, t, n.Version)
}

// Parse splits a cache name; ok is false for names not owned by this prefix
func (n Namer) Parse(name string) (CacheType, string, bool) {
	if !strings.HasPrefix(name, n.Prefix+"-") {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, n.Prefix+"-")
	idx := strings.Index(rest, "-v")
	if idx <= 0 {
		return "", "", false
	}
	t := CacheType(rest[:idx])
	if !t.Valid() {
		return "", "", false
	}
	return t, rest[idx+2:], true
}

// IsStale reports whether name is a managed cache from a different version
func (n Namer) IsStale(name string) bool {
	_, version, ok := n.Parse(name)
	return ok && version != n.Version
}

// ClassifyURL picks the cache type for a request path
func ClassifyURL(path string, critical []string) CacheType {
	for _, c := range critical {
		if path == c {
			return CacheTypeCritical
		}
	}
	switch {
	case strings.HasPrefix(path, "/api/"):
		return CacheTypeAPI
	case isStaticAsset(path):
		return CacheTypeStatic
	default:
		return CacheTypeRuntime
	}
}

var staticExtensions = []string{
	".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
	".woff", ".woff2", ".ttf", ".otf", ".json", ".webmanifest",
}

func isStaticAsset(path string) bool {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	lower := strings.ToLower(path)
	for _, ext := range staticExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return strings.HasPrefix(lower, "/static/") || strings.HasPrefix(lower, "/assets/")
}
