package forkprovider

import (
	"context"

	"golang.org/x/time/rate"

	"forkmesh/internal/domain"
)

// RateLimitedProvider throttles calls to a ForkProvider with a token bucket.
type RateLimitedProvider struct {
	inner   domain.ForkProvider
	limiter *rate.Limiter
}

var _ domain.ForkProvider = (*RateLimitedProvider)(nil)

// NewRateLimitedProvider allows rps calls per second with the given burst.
// A burst below 1 is raised to 1.
func NewRateLimitedProvider(inner domain.ForkProvider, rps float64, burst int) *RateLimitedProvider {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *RateLimitedProvider) wait(ctx context.Context, op string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.NewSubSystemError("fork", "RateLimitedProvider."+op, domain.ErrTimeout, err.Error())
	}
	return nil
}

func (p *RateLimitedProvider) CreateFork(ctx context.Context, opts domain.ForkOptions) (*domain.Fork, error) {
	if err := p.wait(ctx, "CreateFork"); err != nil {
		return nil, err
	}
	return p.inner.CreateFork(ctx, opts)
}

func (p *RateLimitedProvider) DeleteFork(ctx context.Context, id string) error {
	if err := p.wait(ctx, "DeleteFork"); err != nil {
		return err
	}
	return p.inner.DeleteFork(ctx, id)
}

func (p *RateLimitedProvider) GetConnectionString(ctx context.Context, id string) (string, error) {
	if err := p.wait(ctx, "GetConnectionString"); err != nil {
		return "", err
	}
	return p.inner.GetConnectionString(ctx, id)
}

func (p *RateLimitedProvider) ListServices(ctx context.Context) ([]domain.Fork, error) {
	if err := p.wait(ctx, "ListServices"); err != nil {
		return nil, err
	}
	return p.inner.ListServices(ctx)
}
