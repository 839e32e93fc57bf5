// Package config defines the configuration of a session pool. A single
// PoolConfig structure covers the native driver, per-borrow defaults,
// validation, pool sizing, abandonment handling, statement caching and
// observability.
//
// Example usage:
//
//	cfg := config.NewPoolConfig("orders")
//	cfg.Driver.Dialect = "postgres"
//	cfg.Driver.DSN = "postgres://app@localhost/orders"
//	cfg.Validation.Query = "SELECT 1"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PoolConfig is the complete configuration of one named pool.
type PoolConfig struct {
	// Name identifies the pool in logs, metrics and the registry
	Name string `yaml:"name" json:"name" mapstructure:"name"`

	// Driver selects and reaches the database
	Driver DriverConfig `yaml:"driver" json:"driver" mapstructure:"driver"`

	// Defaults are re-applied to a session each time it is borrowed
	Defaults DefaultsConfig `yaml:"defaults" json:"defaults" mapstructure:"defaults"`

	// Validation controls when and how sessions are checked
	Validation ValidationConfig `yaml:"validation" json:"validation" mapstructure:"validation"`

	// Pool sizing and idle maintenance
	Pool PoolSettings `yaml:"pool" json:"pool" mapstructure:"pool"`

	// Abandoned session detection
	Abandoned AbandonedConfig `yaml:"abandoned" json:"abandoned" mapstructure:"abandoned"`

	// Statements configures the per-session prepared statement cache
	Statements StatementConfig `yaml:"statements" json:"statements" mapstructure:"statements"`

	// Observability settings for logging, metrics and tracing
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// DriverConfig selects the native driver.
type DriverConfig struct {
	// Dialect is one of postgres, mysql or sqlite
	Dialect string `yaml:"dialect" json:"dialect" mapstructure:"dialect"`
	// DriverName overrides the database/sql driver registered for the dialect
	DriverName string `yaml:"driver_name" json:"driver_name" mapstructure:"driver_name"`
	// DSN is passed to the driver unchanged
	DSN            string        `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`
}

// DefaultsConfig holds per-borrow session defaults. Unset values leave the
// driver's own setting alone.
type DefaultsConfig struct {
	AutoCommit *bool `yaml:"auto_commit" json:"auto_commit" mapstructure:"auto_commit"`
	ReadOnly   *bool `yaml:"read_only" json:"read_only" mapstructure:"read_only"`
	// Isolation names an isolation level, e.g. "read_committed"
	Isolation string `yaml:"isolation" json:"isolation" mapstructure:"isolation"`
	Catalog   string `yaml:"catalog" json:"catalog" mapstructure:"catalog"`
}

// ValidationConfig controls session validation and return-time cleanup.
type ValidationConfig struct {
	// Query must return at least one row. Empty disables query validation.
	Query string `yaml:"query" json:"query" mapstructure:"query"`
	// Timeout bounds the validation query; zero or less means none
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	// MaxLifetime fails validation for older sessions; zero or less means unlimited
	MaxLifetime time.Duration `yaml:"max_lifetime" json:"max_lifetime" mapstructure:"max_lifetime"`

	TestOnCreate  bool `yaml:"test_on_create" json:"test_on_create" mapstructure:"test_on_create"`
	TestOnBorrow  bool `yaml:"test_on_borrow" json:"test_on_borrow" mapstructure:"test_on_borrow"`
	TestOnReturn  bool `yaml:"test_on_return" json:"test_on_return" mapstructure:"test_on_return"`
	TestWhileIdle bool `yaml:"test_while_idle" json:"test_while_idle" mapstructure:"test_while_idle"`

	// InitCommands run once on every new session
	InitCommands []string `yaml:"init_commands" json:"init_commands" mapstructure:"init_commands"`

	RollbackOnReturn   bool `yaml:"rollback_on_return" json:"rollback_on_return" mapstructure:"rollback_on_return"`
	AutoCommitOnReturn bool `yaml:"auto_commit_on_return" json:"auto_commit_on_return" mapstructure:"auto_commit_on_return"`
	// CacheState caches autocommit and read-only flags between calls
	CacheState bool `yaml:"cache_state" json:"cache_state" mapstructure:"cache_state"`
}

// PoolSettings sizes the pool and drives idle maintenance.
type PoolSettings struct {
	MaxActive int `yaml:"max_active" json:"max_active" mapstructure:"max_active"`
	MaxIdle   int `yaml:"max_idle" json:"max_idle" mapstructure:"max_idle"`
	MinIdle   int `yaml:"min_idle" json:"min_idle" mapstructure:"min_idle"`
	// MaxWait bounds a blocked borrow; zero or less waits for the caller's context
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait" mapstructure:"max_wait"`
	// LIFO hands out the most recently returned session first
	LIFO bool `yaml:"lifo" json:"lifo" mapstructure:"lifo"`
	// EvictionInterval runs idle maintenance; zero or less disables it
	EvictionInterval time.Duration `yaml:"eviction_interval" json:"eviction_interval" mapstructure:"eviction_interval"`
	MinEvictableIdle time.Duration `yaml:"min_evictable_idle" json:"min_evictable_idle" mapstructure:"min_evictable_idle"`
	// AllowUnderlying lets callers reach the native session through a handle
	AllowUnderlying bool `yaml:"allow_underlying" json:"allow_underlying" mapstructure:"allow_underlying"`
}

// AbandonedConfig controls reclamation of sessions borrowers never return.
type AbandonedConfig struct {
	// RemoveOnBorrow sweeps from the borrow path when the pool is under pressure
	RemoveOnBorrow bool `yaml:"remove_on_borrow" json:"remove_on_borrow" mapstructure:"remove_on_borrow"`
	// RemoveOnMaintenance sweeps on every maintenance run
	RemoveOnMaintenance bool          `yaml:"remove_on_maintenance" json:"remove_on_maintenance" mapstructure:"remove_on_maintenance"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	// LogStackTraces records the borrowing stack and logs it on reclaim
	LogStackTraces bool `yaml:"log_stack_traces" json:"log_stack_traces" mapstructure:"log_stack_traces"`
	// A borrow-path sweep runs when idle < IdleThreshold and active > max - ActiveMargin
	IdleThreshold int `yaml:"idle_threshold" json:"idle_threshold" mapstructure:"idle_threshold"`
	ActiveMargin  int `yaml:"active_margin" json:"active_margin" mapstructure:"active_margin"`
}

// StatementConfig controls per-session statement caching.
type StatementConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	// MaxOpenPerSession bounds cached statements; zero or less is unbounded
	MaxOpenPerSession int `yaml:"max_open_per_session" json:"max_open_per_session" mapstructure:"max_open_per_session"`
	// Normalization is none, trim or collapse
	Normalization string `yaml:"normalization" json:"normalization" mapstructure:"normalization"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metrics_enabled" mapstructure:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	TracingEnabled bool   `yaml:"tracing_enabled" json:"tracing_enabled" mapstructure:"tracing_enabled"`
}

// NewPoolConfig creates a configuration with production defaults.
func NewPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name: name,
		Driver: DriverConfig{
			ConnectTimeout: 30 * time.Second,
		},
		Validation: ValidationConfig{
			Timeout:            5 * time.Second,
			TestOnBorrow:       true,
			RollbackOnReturn:   true,
			AutoCommitOnReturn: true,
			CacheState:         true,
		},
		Pool: PoolSettings{
			MaxActive:        8,
			MaxIdle:          8,
			MaxWait:          30 * time.Second,
			LIFO:             true,
			MinEvictableIdle: 30 * time.Minute,
		},
		Abandoned: AbandonedConfig{
			Timeout:       5 * time.Minute,
			IdleThreshold: 2,
			ActiveMargin:  3,
		},
		Statements: StatementConfig{
			Normalization: "trim",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			MetricsAddr: ":9090",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *PoolConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Driver.Dialect == "" {
		return fmt.Errorf("driver.dialect is required")
	}
	if c.Pool.MaxActive <= 0 {
		return fmt.Errorf("pool.max_active must be positive")
	}
	if c.Pool.MaxIdle < 0 {
		return fmt.Errorf("pool.max_idle cannot be negative")
	}
	if c.Pool.MinIdle < 0 || c.Pool.MinIdle > c.Pool.MaxActive {
		return fmt.Errorf("pool.min_idle must be between 0 and pool.max_active")
	}
	if c.Abandoned.Timeout <= 0 && (c.Abandoned.RemoveOnBorrow || c.Abandoned.RemoveOnMaintenance) {
		return fmt.Errorf("abandoned.timeout must be positive when removal is enabled")
	}
	if c.Abandoned.IdleThreshold < 0 || c.Abandoned.ActiveMargin < 0 {
		return fmt.Errorf("abandoned thresholds cannot be negative")
	}
	if c.Abandoned.RemoveOnMaintenance && c.Pool.EvictionInterval <= 0 {
		return fmt.Errorf("abandoned.remove_on_maintenance requires pool.eviction_interval")
	}
	switch c.Statements.Normalization {
	case "", "none", "trim", "collapse":
	default:
		return fmt.Errorf("statements.normalization must be none, trim or collapse")
	}
	if _, err := c.Defaults.IsolationLevel(); err != nil {
		return err
	}
	return nil
}

var isolationLevels = map[string]sql.IsolationLevel{
	"default":          sql.LevelDefault,
	"read_uncommitted": sql.LevelReadUncommitted,
	"read_committed":   sql.LevelReadCommitted,
	"write_committed":  sql.LevelWriteCommitted,
	"repeatable_read":  sql.LevelRepeatableRead,
	"snapshot":         sql.LevelSnapshot,
	"serializable":     sql.LevelSerializable,
	"linearizable":     sql.LevelLinearizable,
}

// IsolationLevel parses Isolation. It returns nil when unset.
func (d DefaultsConfig) IsolationLevel() (*sql.IsolationLevel, error) {
	if d.Isolation == "" {
		return nil, nil
	}
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(d.Isolation)), " ", "_")
	level, ok := isolationLevels[name]
	if !ok {
		return nil, fmt.Errorf("defaults.isolation: unknown isolation level %q", d.Isolation)
	}
	return &level, nil
}
