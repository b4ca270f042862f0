package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgentStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to AgentStatus
		ok       bool
	}{
		{AgentInitializing, AgentRunning, true},
		{AgentInitializing, AgentError, true},
		{AgentInitializing, AgentStopped, false},
		{AgentRunning, AgentIdle, true},
		{AgentRunning, AgentError, true},
		{AgentRunning, AgentStopped, true},
		{AgentIdle, AgentStopped, true},
		{AgentIdle, AgentRunning, false},
		{AgentError, AgentRunning, false},
		{AgentError, AgentStopped, true},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestAgentStoppedIsTerminal(t *testing.T) {
	for _, next := range []AgentStatus{AgentInitializing, AgentRunning, AgentIdle, AgentError, AgentStopped} {
		assert.False(t, AgentStopped.CanTransitionTo(next), "stopped -> %s", next)
	}
	assert.True(t, AgentStopped.Terminal())
	assert.False(t, AgentStatus("paused").Valid())
}

func TestAgentConfigValidate(t *testing.T) {
	ts := time.Now()
	tests := []struct {
		name string
		cfg  AgentConfig
		ok   bool
	}{
		{"valid", AgentConfig{Name: "a", Type: AgentCustom}, true},
		{"missing name", AgentConfig{Type: AgentCustom}, false},
		{"missing type", AgentConfig{Name: "a"}, false},
		{"unknown type", AgentConfig{Name: "a", Type: "llm"}, false},
		{"bad strategy", AgentConfig{Name: "a", Type: AgentCustom, ForkStrategy: "yesterday"}, false},
		{"timestamp required", AgentConfig{Name: "a", Type: AgentCustom, ForkStrategy: ForkToTimestamp}, false},
		{"timestamp given", AgentConfig{Name: "a", Type: AgentCustom, ForkStrategy: ForkToTimestamp, ForkTimestamp: &ts}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidInput), "err = %v", err)
		})
	}
}

func TestAgentMetricsRunningAverage(t *testing.T) {
	var m AgentMetrics
	m.Record(10*time.Millisecond, false)
	m.Record(20*time.Millisecond, false)
	m.Record(30*time.Millisecond, false)
	m.Record(time.Second, true)

	assert.Equal(t, int64(3), m.TasksProcessed)
	assert.Equal(t, int64(1), m.Errors)
	assert.InDelta(t, 20.0, m.AvgProcessingMS, 0.0001)
}
