package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"forkmesh/internal/domain"
)

const agentColumns = `id, name, type, fork_id, status, config, metrics, last_error, last_activity, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, a *domain.AgentInstance) error {
	cfgJSON, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	metJSON, err := json.Marshal(a.Metrics)
	if err != nil {
		return fmt.Errorf("marshal agent metrics: %w", err)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Config.Name, string(a.Config.Type), a.ForkID, string(a.Status),
		string(cfgJSON), string(metJSON), a.LastError, nullTime(a.LastActivity),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return domain.NewSubSystemError("agent", "Store.CreateAgent", domain.ErrDuplicate, a.Config.Name)
	}
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.AgentInstance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("agent", "Store.GetAgent", domain.ErrNotFound, id)
	}
	return a, err
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (*domain.AgentInstance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+agentColumns+` FROM agents WHERE name = ?`), name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("agent", "Store.GetAgentByName", domain.ErrNotFound, name)
	}
	return a, err
}

// UpdateAgent persists the mutable fields: fork, status, error, activity and
// metrics. The row is only written while its status is still from; a row
// moved on by another process yields ErrInvalidTransition.
func (s *Store) UpdateAgent(ctx context.Context, a *domain.AgentInstance, from domain.AgentStatus) error {
	metJSON, err := json.Marshal(a.Metrics)
	if err != nil {
		return fmt.Errorf("marshal agent metrics: %w", err)
	}
	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE agents
		SET fork_id = ?, status = ?, metrics = ?, last_error = ?, last_activity = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		a.ForkID, string(a.Status), string(metJSON), a.LastError, nullTime(a.LastActivity),
		formatTime(a.UpdatedAt), a.ID, string(from),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	current, err := s.GetAgent(ctx, a.ID)
	if err != nil {
		return err
	}
	return domain.NewSubSystemError("agent", "Store.UpdateAgent", domain.ErrInvalidTransition,
		fmt.Sprintf("agent %s is %s, not %s", a.ID, current.Status, from))
}

// UpdateAgentMetrics writes the metrics block and last activity only. The
// status column is never touched.
func (s *Store) UpdateAgentMetrics(ctx context.Context, id string, m domain.AgentMetrics, at time.Time) error {
	metJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal agent metrics: %w", err)
	}
	at = at.UTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE agents SET metrics = ?, last_activity = ?, updated_at = ? WHERE id = ?`),
		string(metJSON), formatTime(at), formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("agent", "Store.UpdateAgentMetrics", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, f domain.AgentFilter) ([]*domain.AgentInstance, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if len(f.Statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*domain.AgentInstance
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(row scanner) (*domain.AgentInstance, error) {
	var (
		a                      domain.AgentInstance
		name, typ, status      string
		cfgStr, metStr         string
		lastActivity           sql.NullString
		createdStr, updatedStr string
	)
	if err := row.Scan(&a.ID, &name, &typ, &a.ForkID, &status, &cfgStr, &metStr,
		&a.LastError, &lastActivity, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfgStr), &a.Config); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}
	if err := json.Unmarshal([]byte(metStr), &a.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal agent metrics: %w", err)
	}
	a.Config.Name = name
	a.Config.Type = domain.AgentType(typ)
	a.Status = domain.AgentStatus(status)
	a.LastActivity = timePtr(lastActivity)
	a.CreatedAt = parseTime(createdStr)
	a.UpdatedAt = parseTime(updatedStr)
	return &a, nil
}
