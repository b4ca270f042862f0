package forkprovider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"forkmesh/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// BreakerProvider wraps a ForkProvider with circuit breaker protection.
// Once the control plane fails repeatedly, calls fail fast with
// domain.ErrProviderCircuitOpen until the breaker half-opens.
type BreakerProvider struct {
	inner   domain.ForkProvider
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

var _ domain.ForkProvider = (*BreakerProvider)(nil)

// NewBreakerProvider wraps inner. Zero-valued fields in cfg take defaults.
func NewBreakerProvider(inner domain.ForkProvider, cfg BreakerConfig, logger *slog.Logger) *BreakerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "forkprovider",
		MaxRequests: 1, // one trial request while half-open
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Bad input is the caller's fault and never trips the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound) ||
				errors.Is(err, domain.ErrSnapshotNotFound)
		},
	})
	return &BreakerProvider{inner: inner, breaker: cb, logger: logger}
}

func (p *BreakerProvider) CreateFork(ctx context.Context, opts domain.ForkOptions) (*domain.Fork, error) {
	res, err := p.breaker.Execute(func() (any, error) {
		return p.inner.CreateFork(ctx, opts)
	})
	if err != nil {
		return nil, p.wrap("CreateFork", err)
	}
	return res.(*domain.Fork), nil
}

func (p *BreakerProvider) DeleteFork(ctx context.Context, id string) error {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.inner.DeleteFork(ctx, id)
	})
	return p.wrap("DeleteFork", err)
}

func (p *BreakerProvider) GetConnectionString(ctx context.Context, id string) (string, error) {
	res, err := p.breaker.Execute(func() (any, error) {
		return p.inner.GetConnectionString(ctx, id)
	})
	if err != nil {
		return "", p.wrap("GetConnectionString", err)
	}
	return res.(string), nil
}

func (p *BreakerProvider) ListServices(ctx context.Context) ([]domain.Fork, error) {
	res, err := p.breaker.Execute(func() (any, error) {
		return p.inner.ListServices(ctx)
	})
	if err != nil {
		return nil, p.wrap("ListServices", err)
	}
	return res.([]domain.Fork), nil
}

// State returns the current circuit breaker state for monitoring.
func (p *BreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

// Inner returns the wrapped provider.
func (p *BreakerProvider) Inner() domain.ForkProvider { return p.inner }

func (p *BreakerProvider) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewSubSystemError("fork", "BreakerProvider."+op, domain.ErrProviderCircuitOpen, err.Error())
	}
	return err
}
