package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/frostdev-ops/pma-cache-engine/pkg/version.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const engineName = "pma-cache-engine"

// Info describes a running engine: the binary, the cache namespace it writes
// and the schema of its state database
type Info struct {
	Engine        string `json:"engine"`
	Version       string `json:"version"`
	GitCommit     string `json:"git_commit"`
	BuildDate     string `json:"build_date"`
	GoVersion     string `json:"go_version"`
	Platform      string `json:"platform"`
	CachePrefix   string `json:"cache_prefix"`
	CacheVersion  string `json:"cache_version"`
	SchemaVersion uint   `json:"schema_version,omitempty"`
	SchemaDirty   bool   `json:"schema_dirty,omitempty"`
}

// GetVersion returns the release version, or dev-<short commit> for local builds
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if len(GitCommit) >= 8 {
		return "dev-" + GitCommit[:8]
	}
	return "dev-" + GitCommit
}

// UserAgent identifies the engine and the cache generation it fills to the remote API
func UserAgent(cacheVersion string) string {
	if cacheVersion == "" {
		return fmt.Sprintf("%s/%s", engineName, GetVersion())
	}
	return fmt.Sprintf("%s/%s (cache v%s)", engineName, GetVersion(), cacheVersion)
}

// Describe builds the engine description for a cache namespace
func Describe(cachePrefix, cacheVersion string) Info {
	return Info{
		Engine:       engineName,
		Version:      GetVersion(),
		GitCommit:    GitCommit,
		BuildDate:    BuildDate,
		GoVersion:    runtime.Version(),
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		CachePrefix:  cachePrefix,
		CacheVersion: cacheVersion,
	}
}
