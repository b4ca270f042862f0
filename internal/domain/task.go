package domain

import (
	"context"
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Built-in task types.
const (
	TaskAnalyzeSchema     = "analyze-schema"
	TaskValidateQuery     = "validate-query"
	TaskOptimizeQuery     = "optimize-query"
	TaskAggregateLearning = "aggregate-learning"
	TaskRunExperiment     = "run-experiment"
	TaskCustom            = "custom"
	TaskTest              = "test-task"
)

// Task is one durable unit of work queued for a single agent.
type Task struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      TaskStatus      `json:"status"`
	Priority    int             `json:"priority"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAfter    time.Time       `json:"run_after"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	AgentID string
	Status  TaskStatus
	Limit   int
}

// TaskStore is the durable queue.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error)
	// ListPendingTasks returns up to limit runnable tasks ordered by
	// priority DESC, created_at ASC.
	ListPendingTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	// ClaimTask atomically moves a pending task to running. It returns
	// ErrAlreadyClaimed when another execution got there first.
	ClaimTask(ctx context.Context, id string, now time.Time) (*Task, error)
	CompleteTask(ctx context.Context, id string, result json.RawMessage, now time.Time) error
	FailTask(ctx context.Context, id string, errMsg string, now time.Time) error
	// RequeueTask returns a running task to pending, to be retried after runAfter.
	RequeueTask(ctx context.Context, id string, errMsg string, runAfter time.Time) error
	// ReapStaleTasks releases tasks claimed before cutoff whose worker never
	// finished them, and reports how many it touched.
	ReapStaleTasks(ctx context.Context, cutoff, now time.Time) (int64, error)
}
