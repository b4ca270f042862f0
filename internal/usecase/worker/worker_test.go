package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkmesh/internal/adapter/sqldb"
	"forkmesh/internal/adapter/store"
	"forkmesh/internal/domain"
	"forkmesh/internal/infra/logger"
)

type registryResolver struct{ reg *sqldb.Registry }

func (r registryResolver) Endpoint(_ context.Context, agentID string) (domain.Endpoint, error) {
	return r.reg.Endpoint(agentID)
}

type fakeMetrics struct {
	mu      sync.Mutex
	ok, bad int
}

func (m *fakeMetrics) RecordTaskResult(_ context.Context, _ string, _ time.Duration, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.bad++
	} else {
		m.ok++
	}
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type workerEnv struct {
	store    *store.Store
	handlers *Registry
	metrics  *fakeMetrics
	clock    *clock
	deps     Deps
	worker   *Worker
}

const testAgent = "agent-1"

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	reg := sqldb.NewRegistry(sqldb.DefaultPoolOptions(), logger.Discard())
	t.Cleanup(func() { reg.CloseAll() })
	require.NoError(t, reg.Register(ctx, "primary", filepath.Join(dir, "primary.db")))
	require.NoError(t, reg.Register(ctx, testAgent, filepath.Join(dir, "fork.db")))
	ep, err := reg.Endpoint("primary")
	require.NoError(t, err)
	st, err := store.New(ctx, ep)
	require.NoError(t, err)

	env := &workerEnv{
		store:    st,
		handlers: NewRegistry(),
		metrics:  &fakeMetrics{},
		clock:    &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	env.addAgent(t, testAgent, domain.AgentRunning)
	env.deps = Deps{
		Tasks:        st,
		Agents:       st,
		Endpoints:    registryResolver{reg},
		Handlers:     env.handlers,
		Metrics:      env.metrics,
		Logger:       logger.Discard(),
		PollInterval: 20 * time.Millisecond,
		RetryBackoff: time.Minute,
		Now:          env.clock.Now,
	}
	env.worker = New(env.deps)
	return env
}

func (e *workerEnv) addAgent(t *testing.T, id string, status domain.AgentStatus) {
	t.Helper()
	require.NoError(t, e.store.CreateAgent(context.Background(), &domain.AgentInstance{
		ID:     id,
		Config: domain.AgentConfig{Name: id, Type: domain.AgentQueryValidator},
		Status: status,
	}))
}

func (e *workerEnv) submit(t *testing.T, taskType string, priority, maxAttempts int) string {
	t.Helper()
	task := &domain.Task{
		ID:          domain.NewID(),
		AgentID:     testAgent,
		Type:        taskType,
		Payload:     json.RawMessage(`{"n":1}`),
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   e.clock.Now(),
	}
	require.NoError(t, e.store.CreateTask(context.Background(), task))
	e.clock.Advance(time.Millisecond)
	return task.ID
}

func TestProcessBatchRunsByPriorityThenAge(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	require.NoError(t, env.handlers.Register("record", HandlerFunc(func(ctx context.Context, fork domain.Endpoint, payload json.RawMessage) (any, error) {
		task := TaskFromContext(ctx)
		require.NotNil(t, task)
		assert.Equal(t, testAgent, fork.ID())
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return map[string]string{"seen": task.ID}, nil
	})))

	ids := []string{
		env.submit(t, "record", 5, 1),
		env.submit(t, "record", 5, 1),
		env.submit(t, "record", 9, 1),
		env.submit(t, "record", 1, 1),
	}

	n, err := env.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{ids[2], ids[0], ids[1], ids[3]}, order)

	for _, id := range ids {
		task, err := env.store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskCompleted, task.Status)
		assert.JSONEq(t, `{"seen":"`+id+`"}`, string(task.Result))
		require.NotNil(t, task.StartedAt)
		require.NotNil(t, task.CompletedAt)
		assert.False(t, task.StartedAt.Before(task.CreatedAt))
		assert.False(t, task.CompletedAt.Before(*task.StartedAt))
	}
	assert.Equal(t, 4, env.metrics.ok)
}

func TestUnknownTaskTypeFailsWithoutRetry(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()
	id := env.submit(t, "mystery", 0, 3)

	_, err := env.worker.ProcessBatch(ctx)
	require.NoError(t, err)

	task, err := env.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Contains(t, task.Error, domain.ErrUnknownTaskType.Error())
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, 1, env.metrics.bad)
}

func TestHandlerPanicIsRecorded(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	require.NoError(t, env.handlers.Register("explode", HandlerFunc(func(context.Context, domain.Endpoint, json.RawMessage) (any, error) {
		panic("kaboom")
	})))
	require.NoError(t, env.handlers.Register("fine", HandlerFunc(func(context.Context, domain.Endpoint, json.RawMessage) (any, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})))

	bad := env.submit(t, "explode", 9, 1)
	good := env.submit(t, "fine", 1, 1)

	n, err := env.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	task, err := env.store.GetTask(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "kaboom")

	task, err = env.store.GetTask(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.JSONEq(t, `{"ok":true}`, string(task.Result))
}

func TestRetryRequeuesWhileAttemptsRemain(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, env.handlers.Register("flaky", HandlerFunc(func(context.Context, domain.Endpoint, json.RawMessage) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return map[string]bool{"ok": true}, nil
	})))
	id := env.submit(t, "flaky", 0, 3)

	_, err := env.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	task, err := env.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Equal(t, "transient", task.Error)
	assert.True(t, task.RunAfter.Equal(env.clock.Now().Add(time.Minute)), "run_after = %v", task.RunAfter)

	// Not yet due.
	n, err := env.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(time.Minute)
	_, err = env.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	task, err = env.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.True(t, task.RunAfter.Equal(env.clock.Now().Add(2*time.Minute)), "second retry doubles the backoff")

	env.clock.Advance(2 * time.Minute)
	_, err = env.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	task, err = env.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, 3, task.Attempts)
}

func TestNoRetryWhenMaxAttemptsIsOne(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()
	require.NoError(t, env.handlers.Register("broken", HandlerFunc(func(context.Context, domain.Endpoint, json.RawMessage) (any, error) {
		return nil, errors.New("permanent")
	})))
	id := env.submit(t, "broken", 0, 1)

	_, err := env.worker.ProcessBatch(ctx)
	require.NoError(t, err)

	task, err := env.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Equal(t, "permanent", task.Error)
	require.NotNil(t, task.CompletedAt)
}

func TestMissingForkFailsTask(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()
	require.NoError(t, env.handlers.Register("noop", HandlerFunc(func(context.Context, domain.Endpoint, json.RawMessage) (any, error) {
		return nil, nil
	})))

	env.addAgent(t, "ghost", domain.AgentRunning)
	task := &domain.Task{ID: domain.NewID(), AgentID: "ghost", Type: "noop", MaxAttempts: 1, CreatedAt: env.clock.Now()}
	require.NoError(t, env.store.CreateTask(ctx, task))

	_, err := env.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "resolve fork")
}

func TestTaskForStoppedAgentFails(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()
	var ran atomic.Bool
	require.NoError(t, env.handlers.Register("noop", HandlerFunc(func(context.Context, domain.Endpoint, json.RawMessage) (any, error) {
		ran.Store(true)
		return nil, nil
	})))

	// The fork pool is still registered here; only the stored status says stopped.
	id := env.submit(t, "noop", 0, 3)
	a, err := env.store.GetAgent(ctx, testAgent)
	require.NoError(t, err)
	a.Status = domain.AgentStopped
	require.NoError(t, env.store.UpdateAgent(ctx, a, domain.AgentRunning))

	n, err := env.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, ran.Load(), "handler must not run for a stopped agent")

	got, err := env.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status, "not retried")
	assert.Contains(t, got.Error, "stopped")
	assert.Equal(t, 1, env.metrics.bad)
}

func TestExpiredClaimIsRetried(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()
	require.NoError(t, env.handlers.Register("noop", HandlerFunc(func(context.Context, domain.Endpoint, json.RawMessage) (any, error) {
		return "ok", nil
	})))

	// Both tasks were claimed by a worker that died before finishing them.
	retried := env.submit(t, "noop", 0, 3)
	spent := env.submit(t, "noop", 0, 1)
	for _, id := range []string{retried, spent} {
		_, err := env.store.ClaimTask(ctx, id, env.clock.Now())
		require.NoError(t, err)
	}
	env.clock.Advance(2 * time.Hour)

	n, err := env.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "claims are kept without a claim TTL")

	deps := env.deps
	deps.ClaimTTL = time.Hour
	w := New(deps)
	n, err = w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.store.GetTask(ctx, retried)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)

	got, err = env.store.GetTask(ctx, spent)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "claim expired", got.Error)
}

func TestWorkerLoop(t *testing.T) {
	env := newWorkerEnv(t)
	require.NoError(t, env.handlers.Register("tick", HandlerFunc(func(context.Context, domain.Endpoint, json.RawMessage) (any, error) {
		return "done", nil
	})))

	require.NoError(t, env.worker.Start(context.Background()))
	require.NoError(t, env.worker.Start(context.Background()))
	defer env.worker.Stop()

	id := env.submit(t, "tick", 0, 1)
	require.Eventually(t, func() bool {
		task, err := env.store.GetTask(context.Background(), id)
		return err == nil && task.Status == domain.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	env.worker.Stop()
	env.worker.Stop()
}

func TestBackoff(t *testing.T) {
	w := New(Deps{RetryBackoff: 30 * time.Second})
	assert.Equal(t, 30*time.Second, w.backoff(1))
	assert.Equal(t, 60*time.Second, w.backoff(2))
	assert.Equal(t, 120*time.Second, w.backoff(3))
	assert.Equal(t, 30*time.Second, w.backoff(0))
	assert.Equal(t, 30*time.Second<<maxBackoffShift, w.backoff(100))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc(func(context.Context, domain.Endpoint, json.RawMessage) (any, error) { return nil, nil })

	require.NoError(t, r.Register("b", h))
	require.NoError(t, r.Register("a", h))
	assert.ErrorIs(t, r.Register("a", h), domain.ErrDuplicate)
	assert.ErrorIs(t, r.Register("", h), domain.ErrInvalidInput)

	_, err := r.Get("zzz")
	assert.ErrorIs(t, err, domain.ErrUnknownTaskType)
	assert.Equal(t, []string{"a", "b"}, r.Types())
}
