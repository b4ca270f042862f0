package domain

import (
	"context"
	"encoding/json"
	"time"
)

// AgentMessage is a pull-delivered note from one agent to another.
// A message exists until read; ordering holds only within one sender/receiver pair.
type AgentMessage struct {
	ID        string          `json:"id"`
	FromAgent string          `json:"from_agent"`
	ToAgent   string          `json:"to_agent"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// MetricSample is one row of the metrics history.
type MetricSample struct {
	AgentID    string          `json:"agent_id"`
	Metric     string          `json:"metric"`
	Value      float64         `json:"value"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// MessageStore persists inter-agent messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *AgentMessage) error
	ListMessages(ctx context.Context, toAgent string, unreadOnly bool) ([]*AgentMessage, error)
	MarkMessageRead(ctx context.Context, id string) error
}

// MetricsStore appends to the metrics history.
type MetricsStore interface {
	AppendMetric(ctx context.Context, s MetricSample) error
	ListMetrics(ctx context.Context, agentID, metric string, since time.Time) ([]MetricSample, error)
}
