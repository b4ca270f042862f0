// Package orchestrator owns the agent lifecycle: each agent is bound to its
// own fork of the primary database, and tasks are queued against it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forkmesh/internal/domain"
)

// Deps holds the collaborators of an Orchestrator.
type Deps struct {
	Agents    domain.AgentStore
	Tasks     domain.TaskStore
	Messages  domain.MessageStore
	Metrics   domain.MetricsStore
	Forks     domain.ForkProvider
	Endpoints domain.EndpointRegistry
	Events    domain.EventSink // optional, nil = no events
	Logger    *slog.Logger

	// MaxAttempts is stamped on every submitted task. Values below 1 mean 1.
	MaxAttempts int

	StopOnShutdown        bool
	DeleteForksOnShutdown bool

	Now func() time.Time // optional, for tests
}

// Orchestrator drives agents through
// initializing → running → idle → stopped, with error reachable from the
// first two. The store is the source of truth; pools live in the endpoint
// registry under the agent id.
type Orchestrator struct {
	deps Deps

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = domain.NopSink{}
	}
	if deps.MaxAttempts < 1 {
		deps.MaxAttempts = 1
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{deps: deps, locks: make(map[string]*sync.Mutex)}
}

// lock serializes lifecycle and metric updates for one agent within this process.
func (o *Orchestrator) lock(id string) func() {
	o.locksMu.Lock()
	mu, ok := o.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[id] = mu
	}
	o.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (o *Orchestrator) now() time.Time { return o.deps.Now() }

// RegisterAgent persists a new agent in initializing. When cfg.Enabled is
// set the agent is started immediately; a start failure is returned along
// with the instance, which is left in error.
func (o *Orchestrator) RegisterAgent(ctx context.Context, cfg domain.AgentConfig) (*domain.AgentInstance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.deps.Agents.GetAgentByName(ctx, cfg.Name); err == nil {
		return nil, domain.NewSubSystemError("agent", "Orchestrator.RegisterAgent", domain.ErrDuplicate, cfg.Name)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("orchestrator: register: %w", err)
	}

	now := o.now()
	a := &domain.AgentInstance{
		ID:        domain.NewID(),
		Config:    cfg,
		Status:    domain.AgentInitializing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.deps.Agents.CreateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("orchestrator: register: %w", err)
	}
	o.deps.Logger.Info("agent registered", "agent_id", a.ID, "name", cfg.Name, "type", string(cfg.Type))
	o.deps.Events.Emit(ctx, domain.NewEvent(domain.EventAgentRegistered, a.ID, map[string]string{
		"name": cfg.Name,
		"type": string(cfg.Type),
	}))

	if cfg.Enabled {
		return o.StartAgent(ctx, a.ID)
	}
	return a, nil
}

// StartAgent provisions a fork for an initializing agent, opens its pool and
// moves it to running. Any failure leaves the agent in error with the
// message persisted; there is no retry.
func (o *Orchestrator) StartAgent(ctx context.Context, id string) (*domain.AgentInstance, error) {
	unlock := o.lock(id)
	defer unlock()

	a, err := o.deps.Agents.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.AgentInitializing {
		return a, domain.NewSubSystemError("agent", "Orchestrator.StartAgent", domain.ErrInvalidTransition,
			fmt.Sprintf("%s → %s", a.Status, domain.AgentRunning))
	}

	if err := o.provision(ctx, a); err != nil {
		o.deps.Endpoints.Unregister(a.ID)
		a.Status = domain.AgentError
		a.LastError = err.Error()
		a.UpdatedAt = o.now()
		if perr := o.deps.Agents.UpdateAgent(ctx, a, domain.AgentInitializing); perr != nil {
			o.deps.Logger.Warn("failed to persist agent error", "agent_id", a.ID, "error", perr)
		}
		o.deps.Logger.Error("agent start failed", "agent_id", a.ID, "error", err, "code", domain.ErrorCodeOf(err))
		o.deps.Events.Emit(ctx, domain.NewEvent(domain.EventAgentError, a.ID, map[string]string{"error": err.Error()}))
		return a, fmt.Errorf("orchestrator: start agent %s: %w", a.ID, err)
	}

	now := o.now()
	a.Status = domain.AgentRunning
	a.LastError = ""
	a.LastActivity = &now
	a.Metrics.StartedAt = &now
	a.UpdatedAt = now
	if err := o.deps.Agents.UpdateAgent(ctx, a, domain.AgentInitializing); err != nil {
		o.deps.Endpoints.Unregister(a.ID)
		return a, fmt.Errorf("orchestrator: start agent %s: %w", a.ID, err)
	}
	o.deps.Logger.Info("agent started", "agent_id", a.ID, "fork_id", a.ForkID)
	o.deps.Events.Emit(ctx, domain.NewEvent(domain.EventAgentStarted, a.ID, map[string]string{"fork_id": a.ForkID}))
	return a, nil
}

// provision creates the fork and registers a pinged pool for it under the
// agent id. The fork id is kept on a even when a later step fails so the
// fork can still be deleted on stop.
func (o *Orchestrator) provision(ctx context.Context, a *domain.AgentInstance) error {
	cfg := a.Config
	fork, err := o.deps.Forks.CreateFork(ctx, domain.ForkOptions{
		Name:              "agent-" + cfg.Name,
		Strategy:          cfg.Strategy(),
		Timestamp:         cfg.ForkTimestamp,
		CPU:               cfg.Resources.CPU,
		Memory:            cfg.Resources.Memory,
		WaitForCompletion: true,
	})
	if err != nil {
		return fmt.Errorf("create fork: %w", err)
	}
	a.ForkID = fork.ID
	o.deps.Events.Emit(ctx, domain.NewEvent(domain.EventForkCreated, a.ID, map[string]string{"fork_id": fork.ID}))

	return o.connect(ctx, a)
}

// connect registers and pings the pool for a's fork.
func (o *Orchestrator) connect(ctx context.Context, a *domain.AgentInstance) error {
	if a.ForkID == "" {
		return domain.NewSubSystemError("fork", "Orchestrator.connect", domain.ErrNotFound, "agent has no fork")
	}
	dsn, err := o.deps.Forks.GetConnectionString(ctx, a.ForkID)
	if err != nil {
		return fmt.Errorf("connection string: %w", err)
	}
	if err := o.deps.Endpoints.Register(ctx, a.ID, dsn); err != nil {
		return fmt.Errorf("register pool: %w", err)
	}
	ep, err := o.deps.Endpoints.Endpoint(a.ID)
	if err != nil {
		return err
	}
	if err := ep.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("ping fork: %w", err)
	}
	return nil
}

// StopAgent closes the agent's pool, optionally deletes its fork and marks
// it stopped. Cleanup failures are logged and never prevent the transition.
// Stopping a stopped agent returns it unchanged.
func (o *Orchestrator) StopAgent(ctx context.Context, id string, deleteFork bool) (*domain.AgentInstance, error) {
	unlock := o.lock(id)
	defer unlock()

	a, err := o.deps.Agents.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		// A stop made by another process leaves this process's pool open.
		if err := o.deps.Endpoints.Unregister(a.ID); err != nil {
			o.deps.Logger.Warn("pool close failed", "agent_id", a.ID, "error", err)
		}
		return a, nil
	}

	if err := o.deps.Endpoints.Unregister(a.ID); err != nil {
		o.deps.Logger.Warn("pool close failed", "agent_id", a.ID, "error", err)
	}
	if deleteFork && a.ForkID != "" {
		if err := o.deps.Forks.DeleteFork(ctx, a.ForkID); err != nil {
			o.deps.Logger.Warn("fork delete failed", "agent_id", a.ID, "fork_id", a.ForkID, "error", err)
		} else {
			o.deps.Events.Emit(ctx, domain.NewEvent(domain.EventForkDeleted, a.ID, map[string]string{"fork_id": a.ForkID}))
		}
	}

	prev := a.Status
	a.Status = domain.AgentStopped
	a.UpdatedAt = o.now()
	if err := o.deps.Agents.UpdateAgent(ctx, a, prev); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Stopped by another process since our read.
			if current, gerr := o.deps.Agents.GetAgent(ctx, a.ID); gerr == nil && current.Status.Terminal() {
				return current, nil
			}
		}
		return a, fmt.Errorf("orchestrator: stop agent %s: %w", a.ID, err)
	}
	o.deps.Logger.Info("agent stopped", "agent_id", a.ID, "from", string(prev), "fork_deleted", deleteFork)
	o.deps.Events.Emit(ctx, domain.NewEvent(domain.EventAgentStopped, a.ID, nil))
	return a, nil
}

// PauseAgent moves a running agent to idle. Idle agents accept no tasks.
func (o *Orchestrator) PauseAgent(ctx context.Context, id string) (*domain.AgentInstance, error) {
	unlock := o.lock(id)
	defer unlock()

	a, err := o.deps.Agents.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.CanTransitionTo(domain.AgentIdle) {
		return a, domain.NewSubSystemError("agent", "Orchestrator.PauseAgent", domain.ErrInvalidTransition,
			fmt.Sprintf("%s → %s", a.Status, domain.AgentIdle))
	}
	a.Status = domain.AgentIdle
	a.UpdatedAt = o.now()
	if err := o.deps.Agents.UpdateAgent(ctx, a, domain.AgentRunning); err != nil {
		return a, fmt.Errorf("orchestrator: pause agent %s: %w", a.ID, err)
	}
	o.deps.Logger.Info("agent paused", "agent_id", a.ID)
	o.deps.Events.Emit(ctx, domain.NewEvent(domain.EventAgentPaused, a.ID, nil))
	return a, nil
}

// GetAgent returns one agent.
func (o *Orchestrator) GetAgent(ctx context.Context, id string) (*domain.AgentInstance, error) {
	return o.deps.Agents.GetAgent(ctx, id)
}

// ListAgents returns agents matching f, oldest first.
func (o *Orchestrator) ListAgents(ctx context.Context, f domain.AgentFilter) ([]*domain.AgentInstance, error) {
	return o.deps.Agents.ListAgents(ctx, f)
}

// SubmitTask queues a pending task for a running agent and returns its id.
// It never waits for execution.
func (o *Orchestrator) SubmitTask(ctx context.Context, agentID, taskType string, payload json.RawMessage, priority int) (string, error) {
	if taskType == "" {
		return "", domain.NewSubSystemError("task", "Orchestrator.SubmitTask", domain.ErrInvalidInput, "task type is required")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", domain.NewSubSystemError("task", "Orchestrator.SubmitTask", domain.ErrInvalidInput, "payload is not valid JSON")
	}
	a, err := o.deps.Agents.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if a.Status != domain.AgentRunning {
		return "", domain.NewSubSystemError("agent", "Orchestrator.SubmitTask", domain.ErrAgentNotReady,
			fmt.Sprintf("agent %s is %s", a.ID, a.Status))
	}

	t := &domain.Task{
		ID:          domain.NewID(),
		AgentID:     a.ID,
		Type:        taskType,
		Payload:     payload,
		Status:      domain.TaskPending,
		Priority:    priority,
		MaxAttempts: o.deps.MaxAttempts,
		CreatedAt:   o.now(),
	}
	if err := o.deps.Tasks.CreateTask(ctx, t); err != nil {
		return "", fmt.Errorf("orchestrator: submit task: %w", err)
	}
	o.deps.Logger.Debug("task submitted", "task_id", t.ID, "agent_id", a.ID, "type", taskType, "priority", priority)
	o.deps.Events.Emit(ctx, domain.NewEvent(domain.EventTaskSubmitted, t.ID, map[string]any{
		"agent_id": a.ID,
		"type":     taskType,
		"priority": priority,
	}))
	return t.ID, nil
}

// GetTask returns one task.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return o.deps.Tasks.GetTask(ctx, id)
}

// ListTasks returns tasks for agentID and status; empty values match all.
func (o *Orchestrator) ListTasks(ctx context.Context, agentID string, status domain.TaskStatus) ([]*domain.Task, error) {
	return o.deps.Tasks.ListTasks(ctx, domain.TaskFilter{AgentID: agentID, Status: status})
}

// Endpoint resolves the fork pool for agentID. A running or idle agent whose
// pool is not open in this process, for example one started by another CLI
// invocation, is reconnected on demand.
func (o *Orchestrator) Endpoint(ctx context.Context, agentID string) (domain.Endpoint, error) {
	ep, err := o.deps.Endpoints.Endpoint(agentID)
	if err == nil {
		return ep, nil
	}
	if !errors.Is(err, domain.ErrEndpointNotFound) {
		return nil, err
	}

	a, err := o.deps.Agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.AgentRunning && a.Status != domain.AgentIdle {
		return nil, domain.NewSubSystemError("agent", "Orchestrator.Endpoint", domain.ErrAgentNotReady,
			fmt.Sprintf("agent %s is %s", a.ID, a.Status))
	}
	if err := o.connect(ctx, a); err != nil {
		return nil, fmt.Errorf("orchestrator: reconnect %s: %w", a.ID, err)
	}
	o.deps.Logger.Debug("agent pool reconnected", "agent_id", a.ID, "fork_id", a.ForkID)
	return o.deps.Endpoints.Endpoint(agentID)
}

// Restore reconnects pools for every running or idle agent and starts
// initializing agents configured with auto_start. It returns how many
// agents are live afterwards; individual failures are joined.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	agents, err := o.deps.Agents.ListAgents(ctx, domain.AgentFilter{
		Statuses: []domain.AgentStatus{domain.AgentInitializing, domain.AgentRunning, domain.AgentIdle},
	})
	if err != nil {
		return 0, fmt.Errorf("orchestrator: restore: %w", err)
	}

	var (
		live int
		errs []error
	)
	for _, a := range agents {
		if a.Status == domain.AgentInitializing {
			if !a.Config.AutoStart {
				continue
			}
			if _, err := o.StartAgent(ctx, a.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			live++
			continue
		}
		if err := o.connect(ctx, a); err != nil {
			o.deps.Logger.Warn("agent restore failed", "agent_id", a.ID, "error", err)
			errs = append(errs, fmt.Errorf("restore %s: %w", a.ID, err))
			continue
		}
		live++
	}
	o.deps.Logger.Info("agents restored", "live", live, "failed", len(errs))
	return live, errors.Join(errs...)
}

// Shutdown stops every live agent when configured to, otherwise it only
// closes their pools.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	agents, err := o.deps.Agents.ListAgents(ctx, domain.AgentFilter{
		Statuses: []domain.AgentStatus{domain.AgentInitializing, domain.AgentRunning, domain.AgentIdle, domain.AgentError},
	})
	if err != nil {
		return fmt.Errorf("orchestrator: shutdown: %w", err)
	}

	var errs []error
	for _, a := range agents {
		if o.deps.StopOnShutdown {
			if _, err := o.StopAgent(ctx, a.ID, o.deps.DeleteForksOnShutdown); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := o.deps.Endpoints.Unregister(a.ID); err != nil {
			o.deps.Logger.Warn("pool close failed", "agent_id", a.ID, "error", err)
		}
	}
	return errors.Join(errs...)
}

// SendMessage stores a message for the to agent, which must exist.
func (o *Orchestrator) SendMessage(ctx context.Context, from, to, msgType string, payload json.RawMessage) (*domain.AgentMessage, error) {
	if from == "" || to == "" {
		return nil, domain.NewSubSystemError("message", "Orchestrator.SendMessage", domain.ErrInvalidInput, "from and to are required")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, domain.NewSubSystemError("message", "Orchestrator.SendMessage", domain.ErrInvalidInput, "payload is not valid JSON")
	}
	if _, err := o.deps.Agents.GetAgent(ctx, to); err != nil {
		return nil, err
	}

	m := &domain.AgentMessage{
		ID:        domain.NewID(),
		FromAgent: from,
		ToAgent:   to,
		Type:      msgType,
		Payload:   payload,
		CreatedAt: o.now(),
	}
	if err := o.deps.Messages.CreateMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("orchestrator: send message: %w", err)
	}
	o.deps.Events.Emit(ctx, domain.NewEvent(domain.EventMessageSent, m.ID, map[string]string{
		"from": from,
		"to":   to,
		"type": msgType,
	}))
	return m, nil
}

// GetMessages returns messages addressed to agentID in insertion order.
func (o *Orchestrator) GetMessages(ctx context.Context, agentID string, unreadOnly bool) ([]*domain.AgentMessage, error) {
	return o.deps.Messages.ListMessages(ctx, agentID, unreadOnly)
}

// MarkMessageRead flags one message as read.
func (o *Orchestrator) MarkMessageRead(ctx context.Context, id string) error {
	return o.deps.Messages.MarkMessageRead(ctx, id)
}

// RecordTaskResult folds one task outcome into the agent's metrics and
// appends a task_duration_ms sample to the history.
func (o *Orchestrator) RecordTaskResult(ctx context.Context, agentID string, d time.Duration, taskErr error) error {
	unlock := o.lock(agentID)
	defer unlock()

	a, err := o.deps.Agents.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	now := o.now()
	a.Metrics.Record(d, taskErr != nil)
	if err := o.deps.Agents.UpdateAgentMetrics(ctx, agentID, a.Metrics, now); err != nil {
		return fmt.Errorf("orchestrator: record result: %w", err)
	}

	if o.deps.Metrics == nil {
		return nil
	}
	meta, _ := json.Marshal(map[string]bool{"failed": taskErr != nil})
	sample := domain.MetricSample{
		AgentID:    agentID,
		Metric:     "task_duration_ms",
		Value:      float64(d) / float64(time.Millisecond),
		Metadata:   meta,
		RecordedAt: now,
	}
	if err := o.deps.Metrics.AppendMetric(ctx, sample); err != nil {
		return fmt.Errorf("orchestrator: append metric: %w", err)
	}
	return nil
}

// MetricsHistory returns the samples recorded for agentID since the given time.
func (o *Orchestrator) MetricsHistory(ctx context.Context, agentID string, since time.Time) ([]domain.MetricSample, error) {
	if o.deps.Metrics == nil {
		return nil, nil
	}
	return o.deps.Metrics.ListMetrics(ctx, agentID, "", since)
}
