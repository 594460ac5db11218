package database

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
)

func testConfig(path, driver string) config.DatabaseConfig {
	return config.DatabaseConfig{
		Path:           path,
		Driver:         driver,
		MaxConnections: 2,
		Migration: config.MigrationConfig{
			Enabled:     true,
			AutoMigrate: true,
		},
	}
}

func TestInitializeRunsMigrations(t *testing.T) {
	tests := []struct {
		name   string
		driver string
	}{
		{"modernc", "sqlite"},
		{"cgo", "sqlite3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data", "engine.db")
			db, err := Initialize(testConfig(path, tt.driver), logrus.New())
			require.NoError(t, err)
			defer db.Close()

			var tables []string
			err = db.Select(&tables, `SELECT name FROM sqlite_master WHERE type = 'table' AND name IN ('kv_store', 'cache_entries', 'cache_hits') ORDER BY name`)
			require.NoError(t, err)
			assert.Equal(t, []string{"cache_entries", "cache_hits", "kv_store"}, tables)

			version, dirty, err := MigrationVersion(db.DB)
			require.NoError(t, err)
			assert.False(t, dirty)
			assert.Equal(t, uint(3), version)
		})
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Initialize(testConfig(":memory:", "sqlite"), logrus.New())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db.DB, logrus.New()))
	require.NoError(t, MigrateDown(db.DB))

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'kv_store'`))
	assert.Equal(t, 0, count)
}
