package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"forkmesh/internal/domain"
)

func (s *Store) CreateMessage(ctx context.Context, m *domain.AgentMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO agent_messages
		(id, from_agent, to_agent, type, payload, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.FromAgent, m.ToAgent, m.Type, nullJSON(m.Payload), boolInt(m.Read), formatTime(m.CreatedAt),
	)
	return err
}

// ListMessages returns messages addressed to toAgent in insertion order.
func (s *Store) ListMessages(ctx context.Context, toAgent string, unreadOnly bool) ([]*domain.AgentMessage, error) {
	query := `SELECT id, from_agent, to_agent, type, payload, read, created_at
		FROM agent_messages WHERE to_agent = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), toAgent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*domain.AgentMessage
	for rows.Next() {
		var (
			m       domain.AgentMessage
			payload sql.NullString
			read    int
			created string
		)
		if err := rows.Scan(&m.ID, &m.FromAgent, &m.ToAgent, &m.Type, &payload, &read, &created); err != nil {
			return nil, err
		}
		if payload.Valid {
			m.Payload = json.RawMessage(payload.String)
		}
		m.Read = read != 0
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *Store) MarkMessageRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE agent_messages SET read = 1 WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewSubSystemError("message", "Store.MarkMessageRead", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) AppendMetric(ctx context.Context, m domain.MetricSample) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO metrics_history
		(id, agent_id, metric, value, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		domain.NewID(), m.AgentID, m.Metric, m.Value, nullJSON(m.Metadata), formatTime(m.RecordedAt),
	)
	return err
}

// ListMetrics returns samples recorded at or after since. Empty agentID or
// metric match every row.
func (s *Store) ListMetrics(ctx context.Context, agentID, metric string, since time.Time) ([]domain.MetricSample, error) {
	query := `SELECT agent_id, metric, value, metadata, recorded_at FROM metrics_history WHERE recorded_at >= ?`
	args := []any{formatTime(since)}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if metric != "" {
		query += ` AND metric = ?`
		args = append(args, metric)
	}
	query += ` ORDER BY recorded_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MetricSample
	for rows.Next() {
		var (
			m        domain.MetricSample
			meta     sql.NullString
			recorded string
		)
		if err := rows.Scan(&m.AgentID, &m.Metric, &m.Value, &meta, &recorded); err != nil {
			return nil, err
		}
		if meta.Valid {
			m.Metadata = json.RawMessage(meta.String)
		}
		m.RecordedAt = parseTime(recorded)
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
