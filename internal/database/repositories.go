package database

import (
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/database/sqlite"
)

// Repositories holds all repository instances
type Repositories struct {
	KV    *sqlite.KVRepository
	Cache *sqlite.CacheRepository
}

// NewRepositories creates all repository instances; maxKVBytes <= 0 disables the KV quota
func NewRepositories(db *sqlx.DB, logger *logrus.Logger, maxKVBytes int64) *Repositories {
	return &Repositories{
		KV:    sqlite.NewKVRepository(db, logger, maxKVBytes),
		Cache: sqlite.NewCacheRepository(db, logger),
	}
}
