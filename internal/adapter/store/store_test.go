package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkmesh/internal/adapter/sqldb"
	"forkmesh/internal/domain"
	"forkmesh/internal/infra/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	reg := sqldb.NewRegistry(sqldb.DefaultPoolOptions(), logger.Discard())
	t.Cleanup(func() { reg.CloseAll() })

	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "primary", filepath.Join(t.TempDir(), "primary.db")))
	ep, err := reg.Endpoint("primary")
	require.NoError(t, err)

	s, err := New(ctx, ep)
	require.NoError(t, err)
	return s
}

func newAgent(name string) *domain.AgentInstance {
	return &domain.AgentInstance{
		ID:     domain.NewID(),
		Config: domain.AgentConfig{Name: name, Type: domain.AgentQueryValidator, Enabled: true},
		Status: domain.AgentInitializing,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate(context.Background()))
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newAgent("validator")
	require.NoError(t, s.CreateAgent(ctx, a))

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "validator", got.Config.Name)
	assert.Equal(t, domain.AgentQueryValidator, got.Config.Type)
	assert.Equal(t, domain.AgentInitializing, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	now := time.Now().UTC()
	got.Status = domain.AgentRunning
	got.ForkID = "fork-1"
	got.LastActivity = &now
	got.Metrics.Record(25*time.Millisecond, false)
	require.NoError(t, s.UpdateAgent(ctx, got, domain.AgentInitializing))

	byName, err := s.GetAgentByName(ctx, "validator")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentRunning, byName.Status)
	assert.Equal(t, "fork-1", byName.ForkID)
	assert.Equal(t, int64(1), byName.Metrics.TasksProcessed)
	require.NotNil(t, byName.LastActivity)
	assert.True(t, byName.LastActivity.Equal(now))

	err = s.CreateAgent(ctx, newAgent("validator"))
	assert.True(t, errors.Is(err, domain.ErrDuplicate), "got %v", err)

	_, err = s.GetAgent(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	err = s.UpdateAgent(ctx, newAgent("ghost"), domain.AgentInitializing)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestUpdateAgentRequiresExpectedStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newAgent("contended")
	require.NoError(t, s.CreateAgent(ctx, a))

	stopped := a.Clone()
	stopped.Status = domain.AgentStopped
	require.NoError(t, s.UpdateAgent(ctx, stopped, domain.AgentInitializing))

	// A writer that still believes the agent is initializing loses.
	stale := a.Clone()
	stale.Status = domain.AgentRunning
	err := s.UpdateAgent(ctx, stale, domain.AgentInitializing)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStopped, got.Status)
}

func TestUpdateAgentMetricsKeepsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newAgent("measured")
	a.Status = domain.AgentStopped
	require.NoError(t, s.CreateAgent(ctx, a))

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m := domain.AgentMetrics{TasksProcessed: 3, Errors: 1, AvgProcessingMS: 12.5}
	require.NoError(t, s.UpdateAgentMetrics(ctx, a.ID, m, at))

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStopped, got.Status)
	assert.Equal(t, int64(3), got.Metrics.TasksProcessed)
	assert.InDelta(t, 12.5, got.Metrics.AvgProcessingMS, 0.001)
	require.NotNil(t, got.LastActivity)
	assert.True(t, got.LastActivity.Equal(at))

	assert.ErrorIs(t, s.UpdateAgentMetrics(ctx, "missing", m, at), domain.ErrNotFound)
}

func TestListAgentsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, st := range []domain.AgentStatus{domain.AgentRunning, domain.AgentIdle, domain.AgentStopped} {
		a := newAgent(string(st))
		a.Status = st
		a.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateAgent(ctx, a))
	}

	all, err := s.ListAgents(ctx, domain.AgentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	live, err := s.ListAgents(ctx, domain.AgentFilter{Statuses: []domain.AgentStatus{domain.AgentRunning, domain.AgentIdle}})
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, domain.AgentRunning, live[0].Status)
	assert.Equal(t, domain.AgentIdle, live[1].Status)
}

func TestPendingTasksOrderedByPriorityThenAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	ids := make([]string, 4)
	for i, p := range []int{5, 5, 9, 1} {
		task := &domain.Task{
			ID:        domain.NewID(),
			AgentID:   "a1",
			Type:      domain.TaskTest,
			Priority:  p,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, s.CreateTask(ctx, task))
		ids[i] = task.ID
	}

	pending, err := s.ListPendingTasks(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	got := []string{pending[0].ID, pending[1].ID, pending[2].ID, pending[3].ID}
	assert.Equal(t, []string{ids[2], ids[0], ids[1], ids[3]}, got)
}

func TestPendingTasksRespectRunAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	later := &domain.Task{ID: domain.NewID(), AgentID: "a1", Type: domain.TaskTest, RunAfter: now.Add(time.Hour)}
	require.NoError(t, s.CreateTask(ctx, later))

	pending, err := s.ListPendingTasks(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = s.ListPendingTasks(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestClaimTaskGrantedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &domain.Task{ID: domain.NewID(), AgentID: "a1", Type: domain.TaskTest, Payload: json.RawMessage(`{"x":1}`)}
	require.NoError(t, s.CreateTask(ctx, task))

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		claimed int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimTask(ctx, task.ID, time.Now().UTC())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, domain.ErrAlreadyClaimed):
				claimed++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, racers-1, claimed)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"x":1}`, string(got.Payload))

	_, err = s.ClaimTask(ctx, "missing", time.Now())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTaskTerminalTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &domain.Task{ID: domain.NewID(), AgentID: "a1", Type: domain.TaskTest, MaxAttempts: 2}
	require.NoError(t, s.CreateTask(ctx, task))

	// Completing a pending task is refused.
	err := s.CompleteTask(ctx, task.ID, json.RawMessage(`{}`), time.Now())
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	claimed, err := s.ClaimTask(ctx, task.ID, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, s.RequeueTask(ctx, task.ID, "transient", time.Now().UTC()))

	requeued, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, requeued.Status)
	assert.Equal(t, "transient", requeued.Error)
	assert.Equal(t, claimed.Attempts, requeued.Attempts)

	_, err = s.ClaimTask(ctx, task.ID, time.Now().UTC())
	require.NoError(t, err)
	done := time.Now().UTC()
	require.NoError(t, s.CompleteTask(ctx, task.ID, json.RawMessage(`{"ok":true}`), done))

	final, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Empty(t, final.Error)
	assert.JSONEq(t, `{"ok":true}`, string(final.Result))
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	assert.False(t, final.CompletedAt.Before(*final.StartedAt))
	assert.False(t, final.StartedAt.Before(final.CreatedAt))

	list, err := s.ListTasks(ctx, domain.TaskFilter{AgentID: "a1", Status: domain.TaskCompleted})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReapStaleTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	longAgo := now.Add(-2 * time.Hour)

	retry := &domain.Task{ID: domain.NewID(), AgentID: "a1", Type: domain.TaskTest, MaxAttempts: 3}
	spent := &domain.Task{ID: domain.NewID(), AgentID: "a1", Type: domain.TaskTest, MaxAttempts: 1}
	fresh := &domain.Task{ID: domain.NewID(), AgentID: "a1", Type: domain.TaskTest, MaxAttempts: 1}
	for _, task := range []*domain.Task{retry, spent, fresh} {
		require.NoError(t, s.CreateTask(ctx, task))
	}
	_, err := s.ClaimTask(ctx, retry.ID, longAgo)
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, spent.ID, longAgo)
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, fresh.ID, now)
	require.NoError(t, err)

	n, err := s.ReapStaleTasks(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.GetTask(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, "claim expired", got.Error)
	assert.Equal(t, 1, got.Attempts)

	got, err = s.GetTask(ctx, spent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "claim expired", got.Error)
	assert.NotNil(t, got.CompletedAt)

	got, err = s.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, got.Status)

	// The reaped task can be claimed again; the old holder's result is refused.
	_, err = s.ClaimTask(ctx, retry.ID, now)
	require.NoError(t, err)
	err = s.FailTask(ctx, spent.ID, "late", now)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	n, err = s.ReapStaleTasks(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &domain.AgentMessage{ID: domain.NewID(), FromAgent: "a", ToAgent: "b", Type: "hint", Payload: json.RawMessage(`{"n":1}`)}
	second := &domain.AgentMessage{ID: domain.NewID(), FromAgent: "a", ToAgent: "b", Type: "hint"}
	require.NoError(t, s.CreateMessage(ctx, first))
	require.NoError(t, s.CreateMessage(ctx, second))

	msgs, err := s.ListMessages(ctx, "b", false)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.JSONEq(t, `{"n":1}`, string(msgs[0].Payload))

	require.NoError(t, s.MarkMessageRead(ctx, first.ID))
	unread, err := s.ListMessages(ctx, "b", true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, second.ID, unread[0].ID)

	assert.True(t, errors.Is(s.MarkMessageRead(ctx, "missing"), domain.ErrNotFound))
}

func TestMetricsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Second)

	require.NoError(t, s.AppendMetric(ctx, domain.MetricSample{AgentID: "a", Metric: "task_duration_ms", Value: 12.5}))
	require.NoError(t, s.AppendMetric(ctx, domain.MetricSample{AgentID: "b", Metric: "task_duration_ms", Value: 3}))

	all, err := s.ListMetrics(ctx, "", "task_duration_ms", start)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	forA, err := s.ListMetrics(ctx, "a", "", start)
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.InDelta(t, 12.5, forA[0].Value, 0.0001)

	none, err := s.ListMetrics(ctx, "", "", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSyncJobLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &domain.SyncJob{
		ID: domain.NewID(),
		Config: domain.SyncConfig{
			SourceID: "fork-a", TargetID: "primary",
			Tables: []string{"learned_patterns"}, Mode: domain.SyncIncremental,
		},
	}
	require.NoError(t, s.CreateSyncJob(ctx, job))

	leased, err := s.ClaimSyncJob(ctx, job.ID, nil, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncRunning, leased.Status)
	require.NotNil(t, leased.StartedAt)

	_, err = s.ClaimSyncJob(ctx, job.ID, nil, time.Now().UTC())
	assert.True(t, errors.Is(err, domain.ErrAlreadyClaimed))

	require.NoError(t, s.UpdateSyncProgress(ctx, job.ID, 50, 7, []string{"learned_patterns:1"}))
	mid, err := s.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, mid.Progress)
	assert.Equal(t, int64(7), mid.RecordsSynced)
	assert.Equal(t, []string{"learned_patterns:1"}, mid.Conflicts)

	mid.Status = domain.SyncFailed
	mid.Errors = []string{`table "learned_patterns": boom`}
	require.NoError(t, s.FinishSyncJob(ctx, mid, time.Now().UTC()))

	failed, err := s.ListSyncJobs(ctx, domain.SyncFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, mid.Errors, failed[0].Errors)
	assert.NotNil(t, failed[0].CompletedAt)

	// A finished job can be leased again and starts from a clean slate.
	again, err := s.ClaimSyncJob(ctx, job.ID, []domain.SyncStatus{domain.SyncPending, domain.SyncFailed}, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, again.Progress)
	assert.Zero(t, again.RecordsSynced)
	assert.Empty(t, again.Errors)
	assert.Empty(t, again.Conflicts)
	assert.Nil(t, again.CompletedAt)
	assert.Equal(t, domain.SyncIncremental, again.Config.Mode)
}

func TestReapStaleSyncJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	newJob := func() *domain.SyncJob {
		j := &domain.SyncJob{
			ID: domain.NewID(),
			Config: domain.SyncConfig{
				SourceID: "fork-a", TargetID: "primary",
				Tables: []string{"learned_patterns"}, Mode: domain.SyncFull,
			},
		}
		require.NoError(t, s.CreateSyncJob(ctx, j))
		return j
	}
	stale, live := newJob(), newJob()

	crashed, err := s.ClaimSyncJob(ctx, stale.ID, nil, now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = s.ClaimSyncJob(ctx, live.ID, nil, now)
	require.NoError(t, err)

	n, err := s.ReapStaleSyncJobs(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetSyncJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, got.Status)
	assert.Equal(t, []string{"claim expired"}, got.Errors)

	got, err = s.GetSyncJob(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncRunning, got.Status)

	// A new lease replaces the old one; finishing under the old one fails.
	current, err := s.ClaimSyncJob(ctx, stale.ID, nil, now)
	require.NoError(t, err)
	crashed.Status = domain.SyncFailed
	err = s.FinishSyncJob(ctx, crashed, now)
	assert.True(t, errors.Is(err, domain.ErrAlreadyClaimed))
	assert.Nil(t, crashed.CompletedAt)

	current.Status = domain.SyncCompleted
	require.NoError(t, s.FinishSyncJob(ctx, current, now))
	got, err = s.GetSyncJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncCompleted, got.Status)

	missing := &domain.SyncJob{ID: "missing"}
	err = s.FinishSyncJob(ctx, missing, now)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
