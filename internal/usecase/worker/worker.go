// Package worker drains the task queue: it polls for runnable tasks, claims
// each with a conditional update and runs the registered handler against the
// owning agent's fork.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forkmesh/internal/domain"
	"forkmesh/internal/infra/tracer"
)

// EndpointResolver finds the fork pool of an agent.
type EndpointResolver interface {
	Endpoint(ctx context.Context, agentID string) (domain.Endpoint, error)
}

// AgentReader loads the agent owning a task. It should read the durable
// store, not a per-process cache, so stops made elsewhere are seen.
type AgentReader interface {
	GetAgent(ctx context.Context, id string) (*domain.AgentInstance, error)
}

// MetricsRecorder receives the outcome of every executed task.
type MetricsRecorder interface {
	RecordTaskResult(ctx context.Context, agentID string, d time.Duration, err error) error
}

// Deps holds the collaborators of a Worker.
type Deps struct {
	Tasks     domain.TaskStore
	Agents    AgentReader
	Endpoints EndpointResolver
	Handlers  *Registry
	Metrics   MetricsRecorder  // optional
	Events    domain.EventSink // optional
	Logger    *slog.Logger

	PollInterval time.Duration // default 5s
	BatchSize    int           // default 10
	RetryBackoff time.Duration // default 30s
	// ClaimTTL releases tasks left running longer than this, so a crashed
	// worker's claims are retried. 0 disables reaping.
	ClaimTTL time.Duration

	Now func() time.Time // optional, for tests
}

// maxBackoffShift caps the exponent so the delay cannot overflow.
const maxBackoffShift = 16

// Worker polls the queue on a ticker and runs tasks one at a time.
type Worker struct {
	deps Deps

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a worker.
func New(deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = domain.NopSink{}
	}
	if deps.Handlers == nil {
		deps.Handlers = NewRegistry()
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = 5 * time.Second
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = 10
	}
	if deps.RetryBackoff <= 0 {
		deps.RetryBackoff = 30 * time.Second
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Worker{deps: deps}
}

// Start launches the poll loop. It returns immediately; the loop runs until
// ctx is cancelled or Stop is called. Starting a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	w.deps.Logger.Info("worker started", "poll_interval", w.deps.PollInterval, "batch_size", w.deps.BatchSize)
	return nil
}

// Stop cancels the loop and waits for the task in flight to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.deps.Logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.deps.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			w.deps.Logger.Warn("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessBatch performs one poll and runs the claimed tasks sequentially.
// It returns how many tasks this call executed. Task failures are recorded
// on the task rows and never returned.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	if w.deps.ClaimTTL > 0 {
		now := w.deps.Now()
		n, err := w.deps.Tasks.ReapStaleTasks(ctx, now.Add(-w.deps.ClaimTTL), now)
		if err != nil {
			return 0, fmt.Errorf("worker: reap stale claims: %w", err)
		}
		if n > 0 {
			w.deps.Logger.Warn("released stale task claims", "count", n, "claim_ttl", w.deps.ClaimTTL)
		}
	}
	pending, err := w.deps.Tasks.ListPendingTasks(ctx, w.deps.Now(), w.deps.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("worker: list pending: %w", err)
	}
	var processed int
	for _, t := range pending {
		if ctx.Err() != nil {
			break
		}
		if w.processTask(ctx, t.ID) {
			processed++
		}
	}
	return processed, nil
}

// processTask claims and runs one task. It reports whether this call ran it.
func (w *Worker) processTask(ctx context.Context, id string) bool {
	t, err := w.deps.Tasks.ClaimTask(ctx, id, w.deps.Now())
	if errors.Is(err, domain.ErrAlreadyClaimed) {
		w.deps.Logger.Debug("task claimed elsewhere", "task_id", id)
		return false
	}
	if err != nil {
		w.deps.Logger.Warn("task claim failed", "task_id", id, "error", err)
		return false
	}

	log := w.deps.Logger.With("task_id", t.ID, "agent_id", t.AgentID, "type", t.Type, "attempt", t.Attempts)
	w.deps.Events.Emit(ctx, domain.NewEvent(domain.EventTaskStarted, t.ID, map[string]any{
		"agent_id": t.AgentID,
		"type":     t.Type,
		"attempt":  t.Attempts,
	}))

	spanCtx, span := tracer.StartSpan(ctx, "worker.task",
		tracer.StringAttr("task.id", t.ID),
		tracer.StringAttr("task.type", t.Type),
		tracer.StringAttr("agent.id", t.AgentID),
		tracer.IntAttr("task.attempt", t.Attempts),
	)
	start := time.Now()
	result, runErr := w.execute(spanCtx, t)
	elapsed := time.Since(start)
	tracer.End(span, runErr)

	// Finalization uses a context that survives Stop so the row never stays running.
	finCtx := context.WithoutCancel(ctx)
	if runErr == nil {
		if err := w.deps.Tasks.CompleteTask(finCtx, t.ID, result, w.deps.Now()); err != nil {
			log.Error("failed to persist task result", "error", err)
		} else {
			log.Info("task completed", "duration", elapsed)
			w.deps.Events.Emit(ctx, domain.NewEvent(domain.EventTaskCompleted, t.ID, map[string]any{
				"agent_id":    t.AgentID,
				"duration_ms": elapsed.Milliseconds(),
			}))
		}
	} else {
		w.fail(finCtx, log, t, runErr)
	}

	if w.deps.Metrics != nil {
		if err := w.deps.Metrics.RecordTaskResult(finCtx, t.AgentID, elapsed, runErr); err != nil {
			log.Warn("failed to record task metrics", "error", err)
		}
	}
	return true
}

// execute checks the agent is running, resolves the handler and fork, then
// runs the handler with panics turned into errors. The result is returned as
// JSON.
func (w *Worker) execute(ctx context.Context, t *domain.Task) (result json.RawMessage, err error) {
	a, err := w.deps.Agents.GetAgent(ctx, t.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if a.Status != domain.AgentRunning {
		return nil, domain.NewSubSystemError("task", "Worker.execute", domain.ErrAgentNotReady,
			fmt.Sprintf("agent %s is %s", a.ID, a.Status))
	}
	h, err := w.deps.Handlers.Get(t.Type)
	if err != nil {
		return nil, err
	}
	fork, err := w.deps.Endpoints.Endpoint(ctx, t.AgentID)
	if err != nil {
		return nil, fmt.Errorf("resolve fork: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = domain.NewDomainError("Worker.execute", domain.ErrHandlerPanic, fmt.Sprint(r))
		}
	}()

	out, err := h.Execute(WithTask(ctx, t), fork, t.Payload)
	if err != nil {
		return nil, err
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

// fail requeues t with exponential backoff while attempts remain, otherwise
// marks it failed. Input and dispatch errors are never retried.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, t *domain.Task, runErr error) {
	now := w.deps.Now()
	msg := runErr.Error()

	if t.Attempts < t.MaxAttempts && retryable(runErr) {
		delay := w.backoff(t.Attempts)
		if err := w.deps.Tasks.RequeueTask(ctx, t.ID, msg, now.Add(delay)); err != nil {
			log.Error("failed to requeue task", "error", err)
			return
		}
		log.Warn("task failed, requeued", "error", runErr, "retry_in", delay, "max_attempts", t.MaxAttempts)
		w.deps.Events.Emit(ctx, domain.NewEvent(domain.EventTaskRequeued, t.ID, map[string]any{
			"agent_id": t.AgentID,
			"error":    msg,
			"attempt":  t.Attempts,
		}))
		return
	}

	if err := w.deps.Tasks.FailTask(ctx, t.ID, msg, now); err != nil {
		log.Error("failed to persist task failure", "error", err)
		return
	}
	log.Warn("task failed", "error", runErr, "code", domain.ErrorCodeOf(runErr))
	w.deps.Events.Emit(ctx, domain.NewEvent(domain.EventTaskFailed, t.ID, map[string]any{
		"agent_id": t.AgentID,
		"error":    msg,
	}))
}

// backoff returns RetryBackoff * 2^(attempts-1).
func (w *Worker) backoff(attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return w.deps.RetryBackoff << shift
}

func retryable(err error) bool {
	return !errors.Is(err, domain.ErrUnknownTaskType) &&
		!errors.Is(err, domain.ErrAgentNotReady) &&
		!errors.Is(err, domain.ErrNotFound) &&
		!errors.Is(err, domain.ErrInvalidInput) &&
		!errors.Is(err, domain.ErrUnsafeQuery)
}
