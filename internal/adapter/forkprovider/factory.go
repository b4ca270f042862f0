package forkprovider

import (
	"database/sql"
	"fmt"
	"log/slog"

	"forkmesh/internal/domain"
	"forkmesh/internal/infra/config"
)

// New builds the configured provider and wraps it with the rate limiter and
// circuit breaker when enabled. primary is only used by the local provider.
// The returned LocalProvider is nil unless the local provider was selected.
func New(cfg config.ForksConfig, primary *sql.DB, logger *slog.Logger) (domain.ForkProvider, *LocalProvider, error) {
	var (
		provider domain.ForkProvider
		local    *LocalProvider
	)
	switch cfg.Provider {
	case "", "local":
		lp, err := NewLocalProvider(primary, cfg.Local.Dir, cfg.Local.SnapshotDir, logger)
		if err != nil {
			return nil, nil, err
		}
		provider, local = lp, lp
	case "cli":
		provider = NewCLIProvider(cfg.CLI.Binary, cfg.CLI.ParentService, cfg.CLI.Timeout, nil, logger)
	default:
		return nil, nil, fmt.Errorf("forkprovider: unknown provider %q", cfg.Provider)
	}

	if cfg.RateLimit.RPS > 0 {
		provider = NewRateLimitedProvider(provider, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	if cfg.CircuitBreaker.Enabled {
		provider = NewBreakerProvider(provider, BreakerConfig{
			MaxFailures: cfg.CircuitBreaker.MaxFailures,
			Timeout:     cfg.CircuitBreaker.Timeout,
			Interval:    cfg.CircuitBreaker.Interval,
		}, logger)
	}
	return provider, local, nil
}
