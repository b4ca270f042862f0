// Package handlers holds the built-in task types executed by the worker.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"forkmesh/internal/domain"
	"forkmesh/internal/usecase/worker"
)

// Options tune the built-in handlers.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time // optional, for tests

	// MaxExperimentDuration caps the duration a run-experiment task may ask for.
	MaxExperimentDuration time.Duration
}

// Register adds every built-in handler to r.
func Register(r *worker.Registry, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.MaxExperimentDuration <= 0 {
		opts.MaxExperimentDuration = time.Minute
	}

	learn := &learning{now: opts.Now}
	builtins := map[string]worker.Handler{
		domain.TaskAnalyzeSchema:     &schemaAnalyzer{},
		domain.TaskValidateQuery:     &queryValidator{},
		domain.TaskOptimizeQuery:     &queryOptimizer{learn: learn},
		domain.TaskAggregateLearning: &learningAggregator{learn: learn},
		domain.TaskRunExperiment:     &experimentRunner{learn: learn, maxDuration: opts.MaxExperimentDuration, logger: opts.Logger},
		domain.TaskCustom:            echo{now: opts.Now},
		domain.TaskTest:              echo{now: opts.Now},
	}
	for taskType, h := range builtins {
		if err := r.Register(taskType, h); err != nil {
			return err
		}
	}
	return nil
}

// decode unmarshals payload into v. An empty payload leaves v untouched.
func decode(op string, payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.NewSubSystemError("task", op, domain.ErrInvalidInput, err.Error())
	}
	return nil
}

// agentID returns the id of the agent owning the running task.
func agentID(ctx context.Context, fork domain.Endpoint) string {
	if t := worker.TaskFromContext(ctx); t != nil {
		return t.AgentID
	}
	return fork.ID()
}

// echo returns the payload with a completed_at stamp.
type echo struct{ now func() time.Time }

func (e echo) Execute(_ context.Context, _ domain.Endpoint, payload json.RawMessage) (any, error) {
	out := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &out); err != nil {
			out = map[string]any{"payload": payload}
		}
	}
	out["completed_at"] = e.now().Format(time.RFC3339Nano)
	return out, nil
}

// learningDDL creates the learning tables on a fork cut before they existed.
var learningDDL = []string{
	`CREATE TABLE IF NOT EXISTS learned_patterns (
		id         TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		pattern    TEXT NOT NULL,
		category   TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS optimization_history (
		id         TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		query_hash TEXT NOT NULL,
		strategy   TEXT NOT NULL,
		before_ms  DOUBLE PRECISION NOT NULL,
		after_ms   DOUBLE PRECISION NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// learning reads and writes the learning tables of a fork.
type learning struct {
	now  func() time.Time
	seen sync.Map // endpoint id → struct{}
}

func (l *learning) ensure(ctx context.Context, fork domain.Endpoint) error {
	if _, ok := l.seen.Load(fork.ID()); ok {
		return nil
	}
	for _, stmt := range learningDDL {
		if _, err := fork.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create learning tables: %w", err)
		}
	}
	l.seen.Store(fork.ID(), struct{}{})
	return nil
}

func (l *learning) recordPattern(ctx context.Context, fork domain.Endpoint, agent, pattern, category string, confidence float64) error {
	if err := l.ensure(ctx, fork); err != nil {
		return err
	}
	_, err := fork.DB().ExecContext(ctx, fork.Dialect().Rebind(
		`INSERT INTO learned_patterns (id, agent_id, pattern, category, confidence, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		domain.NewID(), agent, pattern, category, confidence, domain.FormatTime(l.now()))
	if err != nil {
		return fmt.Errorf("record pattern: %w", err)
	}
	return nil
}

func (l *learning) recordOptimization(ctx context.Context, fork domain.Endpoint, agent, queryHash, strategy string, beforeMS, afterMS float64) error {
	if err := l.ensure(ctx, fork); err != nil {
		return err
	}
	_, err := fork.DB().ExecContext(ctx, fork.Dialect().Rebind(
		`INSERT INTO optimization_history (id, agent_id, query_hash, strategy, before_ms, after_ms, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		domain.NewID(), agent, queryHash, strategy, beforeMS, afterMS, domain.FormatTime(l.now()))
	if err != nil {
		return fmt.Errorf("record optimization: %w", err)
	}
	return nil
}

// normalizeSQL collapses whitespace and lower-cases q so equivalent queries
// produce the same learned pattern.
func normalizeSQL(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSuffix(strings.TrimSpace(q), ";")), " "))
}
