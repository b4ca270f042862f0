package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"forkmesh/internal/domain"
)

const taskColumns = `id, agent_id, type, payload, status, priority, result, error, attempts, max_attempts, run_after, created_at, started_at, completed_at`

func (s *Store) CreateTask(ctx context.Context, t *domain.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.RunAfter.IsZero() {
		t.RunAfter = t.CreatedAt
	}
	if t.MaxAttempts < 1 {
		t.MaxAttempts = 1
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.AgentID, t.Type, nullJSON(t.Payload), string(t.Status), t.Priority,
		nullJSON(t.Result), t.Error, t.Attempts, t.MaxAttempts,
		formatTime(t.RunAfter), formatTime(t.CreatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("task", "Store.GetTask", domain.ErrNotFound, id)
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *Store) ListPendingTasks(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND run_after <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?`, string(domain.TaskPending), formatTime(now), limit)
}

const claimExpired = "claim expired"

// ClaimTask moves a pending task to running in one conditional statement, so
// two workers racing on the same row cannot both win.
func (s *Store) ClaimTask(ctx context.Context, id string, now time.Time) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`UPDATE tasks
		SET status = ?, started_at = ?, attempts = attempts + 1
		WHERE id = ? AND status = ?
		RETURNING `+taskColumns),
		string(domain.TaskRunning), formatTime(now), id, string(domain.TaskPending),
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, domain.NewSubSystemError("task", "Store.ClaimTask", domain.ErrAlreadyClaimed, id)
	}
	return t, err
}

func (s *Store) CompleteTask(ctx context.Context, id string, result json.RawMessage, now time.Time) error {
	return s.finishTask(ctx, "Store.CompleteTask", `UPDATE tasks
		SET status = ?, result = ?, error = '', completed_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.TaskCompleted), nullJSON(result), formatTime(now), id, string(domain.TaskRunning))
}

func (s *Store) FailTask(ctx context.Context, id string, errMsg string, now time.Time) error {
	return s.finishTask(ctx, "Store.FailTask", `UPDATE tasks
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.TaskFailed), errMsg, formatTime(now), id, string(domain.TaskRunning))
}

func (s *Store) RequeueTask(ctx context.Context, id string, errMsg string, runAfter time.Time) error {
	return s.finishTask(ctx, "Store.RequeueTask", `UPDATE tasks
		SET status = ?, error = ?, run_after = ?
		WHERE id = ? AND status = ?`,
		string(domain.TaskPending), errMsg, formatTime(runAfter), id, string(domain.TaskRunning))
}

// ReapStaleTasks releases tasks that have been running since before cutoff.
// Tasks with attempts left go back to pending; the rest fail.
func (s *Store) ReapStaleTasks(ctx context.Context, cutoff, now time.Time) (int64, error) {
	var total int64
	for _, q := range []struct {
		query string
		args  []any
	}{
		{`UPDATE tasks SET status = ?, error = ?, completed_at = ?
			WHERE status = ? AND started_at < ? AND attempts >= max_attempts`,
			[]any{string(domain.TaskFailed), claimExpired, formatTime(now), string(domain.TaskRunning), formatTime(cutoff)}},
		{`UPDATE tasks SET status = ?, error = ?, run_after = ?
			WHERE status = ? AND started_at < ?`,
			[]any{string(domain.TaskPending), claimExpired, formatTime(now), string(domain.TaskRunning), formatTime(cutoff)}},
	} {
		res, err := s.db.ExecContext(ctx, s.q(q.query), q.args...)
		if err != nil {
			return total, domain.WrapOp("Store.ReapStaleTasks", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *Store) finishTask(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewSubSystemError("task", op, domain.ErrInvalidTransition, "task is not running")
	}
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		t                      domain.Task
		status                 string
		payload, result        sql.NullString
		runAfter, created      string
		startedAt, completedAt sql.NullString
	)
	if err := row.Scan(&t.ID, &t.AgentID, &t.Type, &payload, &status, &t.Priority, &result,
		&t.Error, &t.Attempts, &t.MaxAttempts, &runAfter, &created, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.RunAfter = parseTime(runAfter)
	t.CreatedAt = parseTime(created)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}
