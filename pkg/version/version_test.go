package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withBuild(t *testing.T, v, commit string) {
	t.Helper()
	oldVersion, oldCommit := Version, GitCommit
	Version, GitCommit = v, commit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })
}

func TestGetVersion(t *testing.T) {
	withBuild(t, "dev", "0123456789abcdef")
	assert.Equal(t, "dev-01234567", GetVersion())

	withBuild(t, "1.4.0", "0123456789abcdef")
	assert.Equal(t, "1.4.0", GetVersion())
}

func TestUserAgentNamesCacheGeneration(t *testing.T) {
	withBuild(t, "1.4.0", "abc")
	assert.Equal(t, "pma-cache-engine/1.4.0 (cache v3)", UserAgent("3"))
	assert.Equal(t, "pma-cache-engine/1.4.0", UserAgent(""))
}

func TestDescribe(t *testing.T) {
	withBuild(t, "1.4.0", "abc")
	info := Describe("pma", "3")
	assert.Equal(t, "pma-cache-engine", info.Engine)
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "pma", info.CachePrefix)
	assert.Equal(t, "3", info.CacheVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.Zero(t, info.SchemaVersion)
}
