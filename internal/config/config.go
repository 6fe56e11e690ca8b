// Package config implements the engine's layered configuration: defaults,
// then environment variables, then an optional YAML file, then functional
// options, each layer overriding the previous, with total validation
// before anything runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattercrawl/engine/internal/concurrency"
	"github.com/mattercrawl/engine/internal/crawlerr"
	"github.com/mattercrawl/engine/internal/retrypolicy"
)

// System holds the top-level session/stage timeout and abort switches.
// Durations are carried as plain integers matching their key suffixes and
// exposed as time.Duration through accessors.
type System struct {
	MaxConcurrentSessions    int  `yaml:"max_concurrent_sessions"`
	SessionTimeoutSecs       int  `yaml:"session_timeout_secs"`
	StageTimeoutSecs         int  `yaml:"stage_timeout_secs"`
	CancellationTimeoutSecs  int  `yaml:"cancellation_timeout_secs"`
	MemoryLimitMB            int  `yaml:"memory_limit_mb"`
	AbortOnDatabaseError     bool `yaml:"abort_on_database_error"`
	AbortOnValidationError   bool `yaml:"abort_on_validation_error"`
}

func (s System) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutSecs) * time.Second
}

func (s System) StageTimeout() time.Duration {
	return time.Duration(s.StageTimeoutSecs) * time.Second
}

func (s System) CancellationTimeout() time.Duration {
	return time.Duration(s.CancellationTimeoutSecs) * time.Second
}

// RetryPolicyConfig is the YAML/env shape of one named retry policy.
type RetryPolicyConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	BaseDelayMs       int      `yaml:"base_delay_ms"`
	MaxDelayMs        int      `yaml:"max_delay_ms"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	JitterRangeMs     int      `yaml:"jitter_range_ms"`
	RetryOnErrors     []string `yaml:"retry_on_errors"`
}

// BatchSizes configures the performance.batch_sizes block.
type BatchSizes struct {
	InitialSize        int     `yaml:"initial_size"`
	MinSize            int     `yaml:"min_size"`
	MaxSize            int     `yaml:"max_size"`
	AutoAdjustThresh   float64 `yaml:"auto_adjust_threshold"`
	AdjustMultiplier   float64 `yaml:"adjust_multiplier"`
}

// ConcurrencyConfig configures the performance.concurrency block.
type ConcurrencyConfig struct {
	MaxConcurrentTasks      int            `yaml:"max_concurrent_tasks"`
	TaskQueueSize           int            `yaml:"task_queue_size"`
	StageConcurrencyLimits  map[string]int `yaml:"stage_concurrency_limits"`
}

// Buffers configures the performance.buffers block.
type Buffers struct {
	RequestBufferSize   int `yaml:"request_buffer_size"`
	ResponseBufferSize  int `yaml:"response_buffer_size"`
	TempStorageLimitMB  int `yaml:"temp_storage_limit_mb"`
}

// Channels configures control/event channel sizing and backpressure.
type Channels struct {
	ControlBufferSize       int     `yaml:"control_buffer_size"`
	EventBufferSize         int     `yaml:"event_buffer_size"`
	BackpressureThreshold   float64 `yaml:"backpressure_threshold"`
}

// Monitoring configures metrics/log/profiling knobs.
type Monitoring struct {
	MetricsIntervalSecs  int    `yaml:"metrics_interval_secs"`
	LogLevel             string `yaml:"log_level"`
	EnableProfiling      bool   `yaml:"enable_profiling"`
	EventRetentionDays   int    `yaml:"event_retention_days"`
}

func (m Monitoring) MetricsInterval() time.Duration {
	return time.Duration(m.MetricsIntervalSecs) * time.Second
}

// Database configures the persistence connection.
type Database struct {
	DSN                  string `yaml:"dsn"`
	MaxOpenConns         int    `yaml:"max_open_conns"`
	MaxIdleConns         int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSecs  int    `yaml:"conn_max_lifetime_secs"`
	MigrationsPath       string `yaml:"migrations_path"`
}

func (d Database) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeSecs) * time.Second
}

// Performance groups the tuning blocks under one key.
type Performance struct {
	BatchSizes  BatchSizes        `yaml:"batch_sizes"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Buffers     Buffers           `yaml:"buffers"`
}

// Config is the fully resolved, validated configuration for one process.
type Config struct {
	System        System                       `yaml:"system"`
	RetryPolicies map[string]RetryPolicyConfig `yaml:"retry_policies"`
	Performance   Performance                  `yaml:"performance"`
	Channels      Channels                     `yaml:"channels"`
	Monitoring    Monitoring                   `yaml:"monitoring"`
	Database      Database                     `yaml:"database"`
}

// Option mutates a Config after env/file layering but before validation.
type Option func(*Config)

func WithLogLevel(level string) Option {
	return func(c *Config) { c.Monitoring.LogLevel = level }
}

func WithDatabaseDSN(dsn string) Option {
	return func(c *Config) { c.Database.DSN = dsn }
}

func knownRetryKinds() []string {
	return []string{
		"network_timeout", "disconnected", "tls", "server_error", "rate_limit",
		"not_found", "client_error", "parse_error", "validation_timeout",
		"schema_violation", "database_connection", "database_timeout",
		"database_lock", "integrity_violation", "cancelled", "timeout",
	}
}

// Default returns the engine's hardcoded defaults, the first layer of the
// merge.
func Default() *Config {
	mkRetry := func(retryOn []string) RetryPolicyConfig {
		return RetryPolicyConfig{
			MaxAttempts: 3, BaseDelayMs: 1000, MaxDelayMs: 30000,
			BackoffMultiplier: 2.0, JitterRangeMs: 500,
			RetryOnErrors: retryOn,
		}
	}
	return &Config{
		System: System{
			MaxConcurrentSessions:   1,
			SessionTimeoutSecs:      7200,
			StageTimeoutSecs:        1200,
			CancellationTimeoutSecs: 30,
			MemoryLimitMB:           1024,
			AbortOnDatabaseError:    true,
		},
		RetryPolicies: map[string]RetryPolicyConfig{
			"list_collection":   mkRetry([]string{"network_timeout", "server_error", "rate_limit"}),
			"detail_collection": mkRetry([]string{"network_timeout", "server_error", "rate_limit", "parse_error"}),
			"data_validation":   mkRetry([]string{"validation_timeout"}),
			"database_save":     mkRetry([]string{"database_connection", "database_timeout", "database_lock"}),
		},
		Performance: Performance{
			BatchSizes: BatchSizes{InitialSize: 50, MinSize: 1, MaxSize: 200, AutoAdjustThresh: 0.15, AdjustMultiplier: 0.5},
			Concurrency: ConcurrencyConfig{
				MaxConcurrentTasks: 20,
				TaskQueueSize:      1000,
				StageConcurrencyLimits: map[string]int{
					"list_collection": 3, "detail_collection": 20, "data_validation": 20,
					"database_save": 5, "batch_processing": 1,
				},
			},
			Buffers: Buffers{RequestBufferSize: 64 * 1024, ResponseBufferSize: 64 * 1024, TempStorageLimitMB: 256},
		},
		Channels:   Channels{ControlBufferSize: 100, EventBufferSize: 1000, BackpressureThreshold: 0.9},
		Monitoring: Monitoring{MetricsIntervalSecs: 15, LogLevel: "info", EventRetentionDays: 7},
		Database: Database{
			MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetimeSecs: 1800,
			MigrationsPath: "internal/repository/migrations",
		},
	}
}

// LoadFromEnv overlays recognized environment variables onto c.
func LoadFromEnv(c *Config) {
	if v := os.Getenv("CRAWLER_LOG_LEVEL"); v != "" {
		c.Monitoring.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("CRAWLER_MAX_CONCURRENT_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.System.MaxConcurrentSessions = n
		}
	}
	if v := os.Getenv("CRAWLER_ABORT_ON_DATABASE_ERROR"); v != "" {
		c.System.AbortOnDatabaseError = parseBool(v)
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

// LoadFromFile overlays a YAML document at path onto c. A missing file is
// not an error: callers typically call this with a best-effort path.
func LoadFromFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// New builds a fully layered, validated Config: Default -> LoadFromEnv ->
// LoadFromFile(path) -> opts -> Validate.
func New(filePath string, opts ...Option) (*Config, error) {
	c := Default()
	LoadFromEnv(c)
	if filePath != "" {
		if err := LoadFromFile(c, filePath); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects an incomplete or self-contradictory configuration. It
// is intentionally strict: every stage named in retrypolicy.Stage must
// have a policy, and every class named in concurrency.Class must have a
// concurrency limit.
func Validate(c *Config) error {
	requiredStages := []string{"list_collection", "detail_collection", "data_validation", "database_save"}
	for _, stage := range requiredStages {
		if _, ok := c.RetryPolicies[stage]; !ok {
			return crawlerr.New("config.Validate", crawlerr.KindInconsistentState,
				fmt.Errorf("missing retry policy for stage %q", stage))
		}
	}
	for stage := range c.RetryPolicies {
		known := false
		for _, s := range requiredStages {
			if s == stage {
				known = true
			}
		}
		if !known {
			return crawlerr.New("config.Validate", crawlerr.KindInconsistentState,
				fmt.Errorf("unknown retry policy stage %q", stage))
		}
	}
	requiredClasses := []string{"list_collection", "detail_collection", "data_validation", "database_save", "batch_processing"}
	for _, class := range requiredClasses {
		if _, ok := c.Performance.Concurrency.StageConcurrencyLimits[class]; !ok {
			return crawlerr.New("config.Validate", crawlerr.KindInconsistentState,
				fmt.Errorf("missing concurrency limit for class %q", class))
		}
	}
	sizes := c.Performance.BatchSizes
	if sizes.MinSize < 1 || sizes.MaxSize < sizes.MinSize {
		return crawlerr.New("config.Validate", crawlerr.KindInconsistentState,
			fmt.Errorf("invalid batch size bounds [%d,%d]", sizes.MinSize, sizes.MaxSize))
	}
	if c.Database.DSN == "" {
		return crawlerr.New("config.Validate", crawlerr.KindInconsistentState,
			fmt.Errorf("database DSN is required (set DATABASE_URL or database.dsn)"))
	}
	return nil
}

// RetryBank converts the configured retry policy map into a
// retrypolicy.Bank.
func (c *Config) RetryBank() retrypolicy.Bank {
	policies := make(map[retrypolicy.Stage]retrypolicy.Policy, len(c.RetryPolicies))
	for name, rc := range c.RetryPolicies {
		kinds := make([]crawlerr.Kind, 0, len(rc.RetryOnErrors))
		for _, k := range rc.RetryOnErrors {
			kinds = append(kinds, crawlerr.Kind(k))
		}
		policies[retrypolicy.Stage(name)] = retrypolicy.New(
			rc.MaxAttempts,
			time.Duration(rc.BaseDelayMs)*time.Millisecond,
			time.Duration(rc.MaxDelayMs)*time.Millisecond,
			rc.BackoffMultiplier,
			time.Duration(rc.JitterRangeMs)*time.Millisecond,
			kinds,
		)
	}
	return retrypolicy.NewBank(policies)
}

// ConcurrencyLimits converts the configured concurrency block into the
// per-class Limits map the governor expects.
func (c *Config) ConcurrencyLimits() map[concurrency.Class]concurrency.Limits {
	out := make(map[concurrency.Class]concurrency.Limits, len(c.Performance.Concurrency.StageConcurrencyLimits))
	for name, limit := range c.Performance.Concurrency.StageConcurrencyLimits {
		l := concurrency.DefaultLimits(limit)
		out[concurrency.Class(name)] = l
	}
	return out
}
