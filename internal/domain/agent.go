package domain

import (
	"context"
	"fmt"
	"time"
)

// AgentType is the declared purpose of an agent.
type AgentType string

const (
	AgentSchemaEvolution    AgentType = "schema-evolution"
	AgentQueryValidator     AgentType = "query-validator"
	AgentLearningAggregator AgentType = "learning-aggregator"
	AgentABTesting          AgentType = "ab-testing"
	AgentCustom             AgentType = "custom"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentSchemaEvolution, AgentQueryValidator, AgentLearningAggregator, AgentABTesting, AgentCustom:
		return true
	}
	return false
}

// AgentStatus is the lifecycle state of an agent instance.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentRunning      AgentStatus = "running"
	AgentIdle         AgentStatus = "idle"
	AgentError        AgentStatus = "error"
	AgentStopped      AgentStatus = "stopped"
)

// agentTransitions lists the allowed next states for each state.
// stopped has no entry: it is terminal.
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentInitializing: {AgentRunning, AgentError},
	AgentRunning:      {AgentIdle, AgentError, AgentStopped},
	AgentIdle:         {AgentStopped},
	AgentError:        {AgentStopped},
}

// Valid reports whether s is one of the five lifecycle states.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentInitializing, AgentRunning, AgentIdle, AgentError, AgentStopped:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	for _, allowed := range agentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s AgentStatus) Terminal() bool { return s == AgentStopped }

// ForkStrategy selects the point in time a fork is cut from.
type ForkStrategy string

const (
	ForkNow          ForkStrategy = "now"
	ForkLastSnapshot ForkStrategy = "last-snapshot"
	ForkToTimestamp  ForkStrategy = "to-timestamp"
)

// Valid reports whether s is a known strategy.
func (s ForkStrategy) Valid() bool {
	switch s {
	case ForkNow, ForkLastSnapshot, ForkToTimestamp:
		return true
	}
	return false
}

// ResourceHints are optional sizing hints forwarded to the fork provider.
type ResourceHints struct {
	CPU    string `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Memory string `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// AgentConfig describes an agent at registration time. It is not mutated afterwards.
type AgentConfig struct {
	Name          string        `json:"name" yaml:"name"`
	Type          AgentType     `json:"type" yaml:"type"`
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	ForkStrategy  ForkStrategy  `json:"fork_strategy,omitempty" yaml:"fork_strategy,omitempty"`
	ForkTimestamp *time.Time    `json:"fork_timestamp,omitempty" yaml:"fork_timestamp,omitempty"`
	Resources     ResourceHints `json:"resources,omitempty" yaml:"resources,omitempty"`
	AutoStart     bool          `json:"auto_start,omitempty" yaml:"auto_start,omitempty"`
}

// Validate checks the fields required before an agent can be registered.
func (c AgentConfig) Validate() error {
	if c.Name == "" {
		return NewSubSystemError("agent", "AgentConfig.Validate", ErrInvalidInput, "name is required")
	}
	if c.Type == "" {
		return NewSubSystemError("agent", "AgentConfig.Validate", ErrInvalidInput, "type is required")
	}
	if !c.Type.Valid() {
		return NewSubSystemError("agent", "AgentConfig.Validate", ErrInvalidInput, fmt.Sprintf("unknown type %q", c.Type))
	}
	if c.ForkStrategy != "" && !c.ForkStrategy.Valid() {
		return NewSubSystemError("agent", "AgentConfig.Validate", ErrInvalidInput, fmt.Sprintf("unknown fork strategy %q", c.ForkStrategy))
	}
	if c.ForkStrategy == ForkToTimestamp && c.ForkTimestamp == nil {
		return NewSubSystemError("agent", "AgentConfig.Validate", ErrInvalidInput, "fork_timestamp is required for to-timestamp")
	}
	return nil
}

// Strategy returns the configured fork strategy, defaulting to now.
func (c AgentConfig) Strategy() ForkStrategy {
	if c.ForkStrategy == "" {
		return ForkNow
	}
	return c.ForkStrategy
}

// AgentMetrics is informational; it never gates scheduling.
type AgentMetrics struct {
	TasksProcessed  int64      `json:"tasks_processed"`
	Errors          int64      `json:"errors"`
	AvgProcessingMS float64    `json:"avg_processing_ms"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
}

// Record folds one task outcome into the metrics block.
func (m *AgentMetrics) Record(d time.Duration, failed bool) {
	if failed {
		m.Errors++
		return
	}
	m.TasksProcessed++
	ms := float64(d) / float64(time.Millisecond)
	m.AvgProcessingMS += (ms - m.AvgProcessingMS) / float64(m.TasksProcessed)
}

// AgentInstance is one registered agent. Its pooled fork connection lives in
// the endpoint registry under the agent id.
type AgentInstance struct {
	ID           string       `json:"id"`
	Config       AgentConfig  `json:"config"`
	ForkID       string       `json:"fork_id,omitempty"`
	Status       AgentStatus  `json:"status"`
	LastError    string       `json:"last_error,omitempty"`
	LastActivity *time.Time   `json:"last_activity,omitempty"`
	Metrics      AgentMetrics `json:"metrics"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Clone returns a copy safe to hand out of a cache.
func (a *AgentInstance) Clone() *AgentInstance {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// AgentFilter narrows ListAgents results.
type AgentFilter struct {
	Statuses []AgentStatus
}

// AgentStore persists agent instances. The database is the source of truth.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *AgentInstance) error
	GetAgent(ctx context.Context, id string) (*AgentInstance, error)
	GetAgentByName(ctx context.Context, name string) (*AgentInstance, error)
	// UpdateAgent writes a only while the stored status is still from.
	UpdateAgent(ctx context.Context, a *AgentInstance, from AgentStatus) error
	UpdateAgentMetrics(ctx context.Context, id string, m AgentMetrics, at time.Time) error
	ListAgents(ctx context.Context, f AgentFilter) ([]*AgentInstance, error)
}
