package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"forkmesh/internal/domain"
)

// Handler runs one task type against an agent's fork.
type Handler interface {
	Execute(ctx context.Context, fork domain.Endpoint, payload json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, fork domain.Endpoint, payload json.RawMessage) (any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, fork domain.Endpoint, payload json.RawMessage) (any, error) {
	return f(ctx, fork, payload)
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Returns ErrDuplicate if taskType is taken.
func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" || h == nil {
		return domain.NewSubSystemError("task", "Registry.Register", domain.ErrInvalidInput, "task type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// Get returns the handler for taskType or ErrUnknownTaskType.
func (r *Registry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrUnknownTaskType, taskType)
	}
	return h, nil
}

// Types returns registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

type taskKey struct{}

// WithTask returns a context carrying the task being executed.
func WithTask(ctx context.Context, t *domain.Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

// TaskFromContext returns the task set by WithTask, or nil.
func TaskFromContext(ctx context.Context) *domain.Task {
	t, _ := ctx.Value(taskKey{}).(*domain.Task)
	return t
}
