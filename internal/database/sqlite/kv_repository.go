package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/storage"
)

// KVRepository is a storage.KeyValueStore backed by the kv_store table
type KVRepository struct {
	db       *sqlx.DB
	log      *logrus.Logger
	maxBytes int64
}

// NewKVRepository creates a repository; maxBytes <= 0 disables the quota
func NewKVRepository(db *sqlx.DB, log *logrus.Logger, maxBytes int64) *KVRepository {
	return &KVRepository{
		db:       db,
		log:      log,
		maxBytes: maxBytes,
	}
}

func (r *KVRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.GetContext(ctx, &value, `SELECT value FROM kv_store WHERE key = ?`, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		r.log.WithError(err).WithField("key", key).Error("Failed to get value")
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

func (r *KVRepository) Put(ctx context.Context, key string, value []byte) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if r.maxBytes > 0 {
		var used int64
		if err := tx.GetContext(ctx, &used, `SELECT COALESCE(SUM(size), 0) FROM kv_store WHERE key != ?`, key); err != nil {
			return fmt.Errorf("failed to compute store size: %w", err)
		}
		if used+int64(len(value)) > r.maxBytes {
			return storage.ErrQuotaExceeded
		}
	}

	query := `INSERT INTO kv_store (key, value, size, updated_at) VALUES (?, ?, ?, ?)
			  ON CONFLICT(key) DO UPDATE SET value = excluded.value, size = excluded.size, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, query, key, value, len(value), time.Now().UnixNano()); err != nil {
		r.log.WithError(err).WithField("key", key).Error("Failed to put value")
		return fmt.Errorf("failed to put %s: %w", key, err)
	}

	return tx.Commit()
}

func (r *KVRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (r *KVRepository) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	query := `SELECT key FROM kv_store WHERE substr(key, 1, length(?)) = ? ORDER BY key`
	if err := r.db.SelectContext(ctx, &keys, query, prefix, prefix); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}
