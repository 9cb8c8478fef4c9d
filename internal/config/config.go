// Package config loads the mirror pool's configuration (spec §6) the way
// the teacher loads gitaly's: a toml file overlaid with environment
// variables, grounded on internal/gitaly/config/config.go.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
)

// Git holds the location of the native git executable.
type Git struct {
	// BinPath is the location of native git (spec §6 pathToGit). If empty,
	// the native transport is disabled regardless of NativeGitOperationsEnabled.
	BinPath string `toml:"bin_path" split_words:"true"`
}

// Storage is one mirror pool: a name and the base directory mirrors for it
// are rooted under.
type Storage struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// Logging configures internal/log.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Duration wraps time.Duration so it can be read from toml as a string like
// "10m" and overridden by an env var of the same shape.
type Duration time.Duration

// UnmarshalText lets go-toml/envconfig parse a Duration from "10m30s".
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// AsDuration returns the plain time.Duration value.
func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// Cfg is a container for all configuration in spec §6.
type Cfg struct {
	// BaseDir roots all mirror directories when Storages is empty; Storages
	// takes precedence when set, mirroring the teacher's multi-storage model.
	BaseDir string `toml:"base_dir" split_words:"true"`
	Storages []Storage `toml:"storage"`

	Git     Git     `toml:"git"`
	Logging Logging `toml:"logging"`

	// NativeGitOperationsEnabled is the global switch for the native
	// transport (spec §4.D "Transport selection").
	NativeGitOperationsEnabled bool `toml:"native_git_operations_enabled" split_words:"true"`
	// NativeGitURLPrefixes lists URL prefixes that force the native
	// transport even when the global switch is off, and vice versa the
	// absence of a match falls back to NativeGitOperationsEnabled.
	NativeGitURLPrefixes []string `toml:"native_git_url_prefixes" split_words:"true"`

	// RunInPlaceGc selects in-place vs copy-swap compaction (spec §4.H.8).
	RunInPlaceGc bool `toml:"run_in_place_gc" split_words:"true"`
	// NativeGCQuotaMinutes bounds one compaction round's wall clock.
	NativeGCQuotaMinutes int `toml:"native_gc_quota_minutes" split_words:"true"`
	// GcPollIntervalMinutes is how often cmd/ciremote-gcd wakes up to run
	// a compaction pass across every configured storage.
	GcPollIntervalMinutes int `toml:"gc_poll_interval_minutes" split_words:"true"`

	MonitoringExpirationTimeoutHours int `toml:"monitoring_expiration_timeout_hours" split_words:"true"`
	MirrorExpirationDays            int `toml:"mirror_expiration_days" split_words:"true"`

	ConnectionRetryAttempts      int `toml:"connection_retry_attempts" split_words:"true"`
	ConnectionRetryIntervalMillis int `toml:"connection_retry_interval_millis" split_words:"true"`

	RepackArgs                 []string `toml:"repack_args" split_words:"true"`
	RepackIdleTimeoutSeconds   int      `toml:"repack_idle_timeout_seconds" split_words:"true"`
	PackRefsIdleTimeoutSeconds int      `toml:"pack_refs_idle_timeout_seconds" split_words:"true"`

	// GcProcessMaxMemory, in bytes, switches cmd/ciremote-gcd to the cgroups
	// v1 placer when it is positive. Its value is not passed on as a memory
	// limit, so no process gets a memory bound from it.
	GcProcessMaxMemory int64 `toml:"gc_process_max_memory" split_words:"true"`
	// FetchProcessJavaPath historically located the JVM used to run the
	// in-process gc fallback; retained under its spec name (spec §6) even
	// though this port's in-process transport is git2go-based, not JVM-based.
	FetchProcessJavaPath string `toml:"fetch_process_java_path" split_words:"true"`

	// DeleteTempFiles controls whether temp scripts/directories are kept
	// around for debugging after a failed operation.
	DeleteTempFiles bool `toml:"delete_temp_files" split_words:"true"`
}

// Default returns the configuration the teacher ships as its defaults,
// translated to this port's fields and the original's documented
// gc.autopacklimit/gc.auto thresholds (Cleanup.java).
func Default() Cfg {
	return Cfg{
		BaseDir: "/var/lib/ciremote/mirrors",
		Git:     Git{BinPath: "git"},
		Logging: Logging{Format: "text", Level: "info"},

		NativeGitOperationsEnabled: true,

		RunInPlaceGc:          false,
		NativeGCQuotaMinutes:  1,
		GcPollIntervalMinutes: 10,

		MonitoringExpirationTimeoutHours: 24,
		MirrorExpirationDays:             30,

		ConnectionRetryAttempts:       3,
		ConnectionRetryIntervalMillis: 2000,

		RepackArgs:                 []string{"-a", "-d"},
		RepackIdleTimeoutSeconds:   600,
		PackRefsIdleTimeoutSeconds: 600,

		GcProcessMaxMemory: 1 << 30, // 1GiB, same order of magnitude as command.go's cgroup default.
		DeleteTempFiles:    true,
	}
}

// Load reads path (if non-empty) as toml into Default(), then overlays
// environment variables prefixed CIREMOTE_, grounded on config.go's
// combination of go-toml and envconfig.
func Load(path string) (Cfg, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Cfg{}, fmt.Errorf("reading config %q: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Cfg{}, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}

	if err := envconfig.Process("ciremote", &cfg); err != nil {
		return Cfg{}, fmt.Errorf("applying environment overrides: %w", err)
	}

	return cfg, nil
}

// StoragePaths returns the effective list of base directories mirrors are
// rooted under: Storages if configured, else a single synthetic storage
// backed by BaseDir.
func (c Cfg) StoragePaths() []Storage {
	if len(c.Storages) > 0 {
		return c.Storages
	}
	return []Storage{{Name: "default", Path: c.BaseDir}}
}
