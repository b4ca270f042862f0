package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"forkmesh/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateDatabase(cfg, ve)
	validateForks(cfg, ve)
	validateWorker(cfg, ve)
	validateSync(cfg, ve)
	validateEvents(cfg, ve)
	validateCluster(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateDatabase(cfg *Config, ve *ValidationError) {
	if cfg.Database.Primary == "" {
		ve.Add("database.primary must not be empty")
	}
	if strings.HasPrefix(cfg.Database.Primary, "enc:") {
		ve.Add("database.primary is encrypted but FORKMESH_CONFIG_KEY is not set")
	}
	if cfg.Database.MaxOpenConns < 0 {
		ve.Add("database.max_open_conns must be >= 0")
	}
	if cfg.Database.MaxIdleConns < 0 {
		ve.Add("database.max_idle_conns must be >= 0")
	}
	if cfg.Database.MaxOpenConns > 0 && cfg.Database.MaxIdleConns > cfg.Database.MaxOpenConns {
		ve.Add("database.max_idle_conns (%d) must not exceed max_open_conns (%d)",
			cfg.Database.MaxIdleConns, cfg.Database.MaxOpenConns)
	}
}

func validateForks(cfg *Config, ve *ValidationError) {
	switch cfg.Forks.Provider {
	case "local":
		if cfg.Forks.Local.Dir == "" {
			ve.Add("forks.local.dir must not be empty")
		}
		if strings.HasPrefix(cfg.Database.Primary, "postgres") {
			ve.Add("forks.provider \"local\" requires a SQLite primary")
		}
	case "cli":
		if cfg.Forks.CLI.Binary == "" {
			ve.Add("forks.cli.binary must not be empty")
		}
		if cfg.Forks.CLI.ParentService == "" {
			ve.Add("forks.cli.parent_service must not be empty")
		}
	default:
		ve.Add("forks.provider %q is invalid (valid: local, cli)", cfg.Forks.Provider)
	}
	if cfg.Forks.CircuitBreaker.Enabled && cfg.Forks.CircuitBreaker.MaxFailures == 0 {
		ve.Add("forks.circuit_breaker.max_failures must be > 0 when enabled")
	}
	if cfg.Forks.RateLimit.RPS < 0 {
		ve.Add("forks.rate_limit.rps must be >= 0")
	}
	if cfg.Forks.RateLimit.RPS > 0 && cfg.Forks.RateLimit.Burst <= 0 {
		ve.Add("forks.rate_limit.burst must be > 0 when rps is set")
	}
}

func validateWorker(cfg *Config, ve *ValidationError) {
	w := cfg.Worker
	if w.PollInterval <= 0 {
		ve.Add("worker.poll_interval must be > 0")
	}
	if w.BatchSize <= 0 {
		ve.Add("worker.batch_size must be > 0")
	}
	if w.MaxAttempts < 1 {
		ve.Add("worker.max_attempts must be >= 1")
	}
	if w.MaxAttempts > 1 && w.RetryBackoff <= 0 {
		ve.Add("worker.retry_backoff must be > 0 when retries are enabled")
	}
	if w.ClaimTTL < 0 {
		ve.Add("worker.claim_ttl must be >= 0")
	}
}

func validateSync(cfg *Config, ve *ValidationError) {
	if cfg.Sync.AutoSync.Enabled {
		validateSchedule("sync.auto_sync.schedule", cfg.Sync.AutoSync.Schedule, ve)
	}
	if cfg.Sync.LearningMerge.Enabled {
		validateSchedule("sync.learning_merge.schedule", cfg.Sync.LearningMerge.Schedule, ve)
		if cfg.Sync.LearningMerge.Target == "" {
			ve.Add("sync.learning_merge.target must not be empty")
		}
	}
	if cfg.Sync.ClaimTTL < 0 {
		ve.Add("sync.claim_ttl must be >= 0")
	}
	if len(cfg.Sync.LearningTables) == 0 {
		ve.Add("sync.learning_tables must not be empty")
	}
	for _, t := range cfg.Sync.LearningTables {
		if !domain.ValidIdentifier(t) {
			ve.Add("sync.learning_tables: %q is not a valid table name", t)
		}
	}
}

// validateSchedule accepts the forms the scheduler accepts: a cron
// expression, an @descriptor, or a positive duration.
func validateSchedule(field, s string, ve *ValidationError) {
	if s == "" {
		ve.Add("%s must not be empty", field)
		return
	}
	if strings.HasPrefix(s, "@") || len(strings.Fields(s)) == 5 {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		ve.Add("%s %q is not a cron expression or positive duration", field, s)
	}
}

func validateEvents(cfg *Config, ve *ValidationError) {
	if cfg.Events.BufferSize <= 0 {
		ve.Add("events.buffer_size must be > 0")
	}
	if cfg.Events.JournalRetention < 0 {
		ve.Add("events.journal_retention must be >= 0")
	}
}

func validateCluster(cfg *Config, ve *ValidationError) {
	if cfg.Cluster == nil || !cfg.Cluster.Enabled {
		return
	}
	if cfg.Cluster.RedisURL == "" {
		ve.Add("cluster.redis_url is required when cluster is enabled")
	} else if u, err := url.Parse(cfg.Cluster.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		ve.Add("cluster.redis_url %q must be a redis:// or rediss:// URL", cfg.Cluster.RedisURL)
	}
	if cfg.Cluster.LockTTL != "" {
		if d, err := time.ParseDuration(cfg.Cluster.LockTTL); err != nil || d <= 0 {
			ve.Add("cluster.lock_ttl %q is not a positive duration", cfg.Cluster.LockTTL)
		}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (valid: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (valid: text, json)", cfg.Logger.Format)
	}
	if cfg.Logger.MaxSizeMB < 0 || cfg.Logger.MaxBackups < 0 || cfg.Logger.MaxAgeDays < 0 {
		ve.Add("logger rotation settings must be >= 0")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout", "":
	default:
		ve.Add("tracer.exporter %q is invalid (valid: noop, stdout)", cfg.Tracer.Exporter)
	}
}
