package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being recorded.
type EventType string

const (
	EventAgentRegistered EventType = "agent.registered"
	EventAgentStarted    EventType = "agent.started"
	EventAgentPaused     EventType = "agent.paused"
	EventAgentStopped    EventType = "agent.stopped"
	EventAgentError      EventType = "agent.error"

	EventTaskSubmitted EventType = "task.submitted"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskRequeued  EventType = "task.requeued"

	EventSyncCreated        EventType = "sync.created"
	EventSyncStarted        EventType = "sync.started"
	EventSyncTableCompleted EventType = "sync.table.completed"
	EventSyncCompleted      EventType = "sync.completed"
	EventSyncFailed         EventType = "sync.failed"

	EventMessageSent EventType = "message.sent"

	EventForkCreated EventType = "fork.created"
	EventForkDeleted EventType = "fork.deleted"
)

// Event is one entry in the event log.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Subject   string          `json:"subject,omitempty"` // agent, task or job id
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event, marshalling payload when it is not nil.
func NewEvent(typ EventType, subject string, payload any) Event {
	ev := Event{Type: typ, Timestamp: time.Now().UTC(), Subject: subject}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// EventSink receives events from components. It is passed in at construction.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// NopSink discards every event.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(context.Context, Event) {}
