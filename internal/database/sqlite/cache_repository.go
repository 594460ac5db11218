package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/cache"
	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
)

type cacheRow struct {
	CacheName   string `db:"cache_name"`
	URL         string `db:"url"`
	Body        []byte `db:"body"`
	ContentType string `db:"content_type"`
	Status      int    `db:"status"`
	Headers     string `db:"headers"`
	CacheType   string `db:"cache_type"`
	CapturedAt  int64  `db:"captured_at"`
	Version     string `db:"version"`
	Tags        string `db:"tags"`
	Size        int64  `db:"size"`
}

type hitRow struct {
	CacheName  string `db:"cache_name"`
	HitCount   uint64 `db:"hit_count"`
	MissCount  uint64 `db:"miss_count"`
	EvictCount uint64 `db:"evict_count"`
	LastAccess int64  `db:"last_access"`
	Entries    int    `db:"entries"`
	Bytes      int64  `db:"bytes"`
}

// CacheRepository is a cache.ResourceCache backed by the cache_entries table
type CacheRepository struct {
	db  *sqlx.DB
	log *logrus.Logger
}

func NewCacheRepository(db *sqlx.DB, log *logrus.Logger) *CacheRepository {
	return &CacheRepository{
		db:  db,
		log: log,
	}
}

func (r *CacheRepository) CacheNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := r.db.SelectContext(ctx, &names, `SELECT DISTINCT cache_name FROM cache_entries ORDER BY cache_name`); err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	return names, nil
}

func (r *CacheRepository) Keys(ctx context.Context, cacheName string) ([]string, error) {
	var keys []string
	if err := r.db.SelectContext(ctx, &keys, `SELECT url FROM cache_entries WHERE cache_name = ? ORDER BY url`, cacheName); err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", cacheName, err)
	}
	return keys, nil
}

func (r *CacheRepository) Get(ctx context.Context, cacheName, url string) (*cache.Entry, error) {
	query := `SELECT cache_name, url, body, content_type, status, headers, cache_type, captured_at, version, tags, size
			  FROM cache_entries WHERE cache_name = ? AND url = ?`

	var row cacheRow
	err := r.db.GetContext(ctx, &row, query, cacheName, url)
	if err == sql.ErrNoRows {
		r.recordAccess(ctx, cacheName, false)
		return nil, storage.ErrNotFound
	}
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"cache": cacheName, "url": url}).Error("Failed to get cache entry")
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	r.recordAccess(ctx, cacheName, true)
	return row.toEntry(), nil
}

func (r *CacheRepository) Put(ctx context.Context, cacheName string, entry *cache.Entry) error {
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	size := entry.Size
	if size == 0 {
		size = int64(len(entry.Body))
	}

	query := `INSERT INTO cache_entries (cache_name, url, body, content_type, status, headers, cache_type, captured_at, version, tags, size)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(cache_name, url) DO UPDATE SET
				body = excluded.body, content_type = excluded.content_type, status = excluded.status,
				headers = excluded.headers, cache_type = excluded.cache_type, captured_at = excluded.captured_at,
				version = excluded.version, tags = excluded.tags, size = excluded.size`

	_, err = r.db.ExecContext(ctx, query,
		cacheName, entry.URL, entry.Body, entry.ContentType, entry.Status, string(headers),
		string(entry.CacheType), entry.CapturedAt.UnixNano(), entry.Version, string(tags), size)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"cache": cacheName, "url": entry.URL}).Error("Failed to put cache entry")
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

func (r *CacheRepository) Delete(ctx context.Context, cacheName, url string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ? AND url = ?`, cacheName, url)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (r *CacheRepository) DeleteCache(ctx context.Context, cacheName string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, cacheName)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", cacheName, err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cache_hits WHERE cache_name = ?`, cacheName); err != nil {
		r.log.WithError(err).WithField("cache", cacheName).Warn("Failed to drop cache statistics")
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (r *CacheRepository) EvictOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	var victims []cacheRow
	query := `SELECT cache_name, url FROM cache_entries ORDER BY captured_at ASC LIMIT ?`
	if err := r.db.SelectContext(ctx, &victims, query, n); err != nil {
		return 0, fmt.Errorf("failed to select eviction candidates: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	evicted := 0
	for _, v := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ? AND url = ?`, v.CacheName, v.URL); err != nil {
			return 0, fmt.Errorf("failed to evict %s: %w", v.URL, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO cache_hits (cache_name, evict_count) VALUES (?, 1)
			ON CONFLICT(cache_name) DO UPDATE SET evict_count = evict_count + 1`, v.CacheName); err != nil {
			return 0, fmt.Errorf("failed to record eviction: %w", err)
		}
		evicted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit eviction: %w", err)
	}
	return evicted, nil
}

// Stats returns per-cache statistics
func (r *CacheRepository) Stats(ctx context.Context, namer cache.Namer) ([]cache.CacheStats, error) {
	query := `SELECT e.cache_name AS cache_name,
				COUNT(*) AS entries,
				COALESCE(SUM(e.size), 0) AS bytes,
				COALESCE(h.hit_count, 0) AS hit_count,
				COALESCE(h.miss_count, 0) AS miss_count,
				COALESCE(h.evict_count, 0) AS evict_count,
				COALESCE(h.last_access, 0) AS last_access
			  FROM cache_entries e LEFT JOIN cache_hits h ON h.cache_name = e.cache_name
			  GROUP BY e.cache_name ORDER BY e.cache_name`

	var rows []hitRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to load cache statistics: %w", err)
	}

	stats := make([]cache.CacheStats, 0, len(rows))
	for _, row := range rows {
		t, version, _ := namer.Parse(row.CacheName)
		s := cache.CacheStats{
			Name:        row.CacheName,
			Type:        t,
			Version:     version,
			Size:        row.Entries,
			MemoryUsage: row.Bytes,
			HitCount:    row.HitCount,
			MissCount:   row.MissCount,
			EvictCount:  row.EvictCount,
		}
		if row.LastAccess > 0 {
			s.LastAccess = time.Unix(0, row.LastAccess)
		}
		if total := row.HitCount + row.MissCount; total > 0 {
			s.HitRate = float64(row.HitCount) / float64(total)
		}
		stats = append(stats, s)
	}
	return stats, nil
}

func (r *CacheRepository) recordAccess(ctx context.Context, cacheName string, hit bool) {
	column := "miss_count"
	if hit {
		column = "hit_count"
	}
	query := fmt.Sprintf(`INSERT INTO cache_hits (cache_name, %[1]s, last_access) VALUES (?, 1, ?)
			  ON CONFLICT(cache_name) DO UPDATE SET %[1]s = %[1]s + 1, last_access = excluded.last_access`, column)
	if _, err := r.db.ExecContext(ctx, query, cacheName, time.Now().UnixNano()); err != nil {
		r.log.WithError(err).WithField("cache", cacheName).Debug("Failed to record cache access")
	}
}

func (row cacheRow) toEntry() *cache.Entry {
	entry := &cache.Entry{
		URL:         row.URL,
		Body:        row.Body,
		ContentType: row.ContentType,
		Status:      row.Status,
		CacheType:   cache.CacheType(row.CacheType),
		CapturedAt:  time.Unix(0, row.CapturedAt),
		Version:     row.Version,
		Size:        row.Size,
	}
	_ = json.Unmarshal([]byte(row.Headers), &entry.Headers)
	_ = json.Unmarshal([]byte(row.Tags), &entry.Tags)
	return entry
}
