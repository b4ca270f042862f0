package forkprovider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkmesh/internal/domain"
	"forkmesh/internal/infra/logger"
)

// fakeRunner records invocations and replies from a canned table keyed by the
// first two arguments.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	replies map[string]string
	errs    map[string]error
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	key := strings.Join(args[:2], " ")
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return []byte(f.replies[key]), nil
}

func (f *fakeRunner) last() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func TestCLIProviderCreateFork(t *testing.T) {
	r := &fakeRunner{replies: map[string]string{
		"service fork": `{"service_id":"svc-123","name":"agent-a","status":"ready"}`,
	}}
	p := NewCLIProvider("", "svc-parent", time.Second, r.run, logger.Discard())

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fork, err := p.CreateFork(context.Background(), domain.ForkOptions{
		Name: "agent-a", Strategy: domain.ForkToTimestamp, Timestamp: &ts, CPU: "1000m", WaitForCompletion: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "svc-123", fork.ID)
	assert.Equal(t, "svc-parent", fork.ParentID)

	call := r.last()
	assert.Equal(t, "tiger", call[0])
	joined := strings.Join(call, " ")
	assert.Contains(t, joined, "service fork svc-parent")
	assert.Contains(t, joined, "--to-timestamp 2026-01-02T03:04:05Z")
	assert.Contains(t, joined, "--cpu 1000m")
	assert.Contains(t, joined, "--wait")
}

func TestCLIProviderErrors(t *testing.T) {
	r := &fakeRunner{
		replies: map[string]string{"service fork": `not json`, "db connection-string": "  \n"},
		errs:    map[string]error{"service delete": errors.New("service not found")},
	}
	p := NewCLIProvider("tiger", "parent", time.Second, r.run, logger.Discard())
	ctx := context.Background()

	_, err := p.CreateFork(ctx, domain.ForkOptions{})
	assert.True(t, errors.Is(err, domain.ErrProviderError))

	assert.NoError(t, p.DeleteFork(ctx, "gone"), "deleting a missing service is idempotent")

	_, err = p.GetConnectionString(ctx, "svc")
	assert.True(t, errors.Is(err, domain.ErrProviderError))

	_, err = p.CreateFork(ctx, domain.ForkOptions{Strategy: domain.ForkToTimestamp})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestCLIProviderListAndConnect(t *testing.T) {
	r := &fakeRunner{replies: map[string]string{
		"service list":         `[{"id":"a","name":"one"},{"service_id":"b","name":"two"}]`,
		"db connection-string": "postgres://u@host/db\n",
	}}
	p := NewCLIProvider("tiger", "parent", time.Second, r.run, logger.Discard())
	ctx := context.Background()

	forks, err := p.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, forks, 2)
	assert.Equal(t, "a", forks[0].ID)
	assert.Equal(t, "b", forks[1].ID)

	dsn, err := p.GetConnectionString(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u@host/db", dsn)
}

// flakyProvider fails every call with a provider error.
type flakyProvider struct {
	calls int
}

func (f *flakyProvider) CreateFork(context.Context, domain.ForkOptions) (*domain.Fork, error) {
	f.calls++
	return nil, domain.ErrProviderError
}
func (f *flakyProvider) DeleteFork(context.Context, string) error {
	f.calls++
	return domain.ErrProviderError
}
func (f *flakyProvider) GetConnectionString(context.Context, string) (string, error) {
	f.calls++
	return "", domain.ErrProviderError
}
func (f *flakyProvider) ListServices(context.Context) ([]domain.Fork, error) {
	f.calls++
	return nil, domain.ErrProviderError
}

func TestBreakerProviderOpens(t *testing.T) {
	inner := &flakyProvider{}
	p := NewBreakerProvider(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, logger.Discard())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.CreateFork(ctx, domain.ForkOptions{})
		assert.True(t, errors.Is(err, domain.ErrProviderError))
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())

	err := p.DeleteFork(ctx, "x")
	assert.True(t, errors.Is(err, domain.ErrProviderCircuitOpen))
	assert.True(t, domain.IsRetryableError(err))
	assert.Equal(t, 2, inner.calls, "open circuit must not reach the provider")
}

func TestRateLimitedProviderHonorsContext(t *testing.T) {
	r := &fakeRunner{replies: map[string]string{"db connection-string": "dsn"}}
	p := NewRateLimitedProvider(NewCLIProvider("tiger", "p", time.Second, r.run, logger.Discard()), 0.001, 1)

	_, err := p.GetConnectionString(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.GetConnectionString(ctx, "a")
	assert.True(t, errors.Is(err, domain.ErrTimeout))
}
