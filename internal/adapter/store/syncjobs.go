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

const syncJobColumns = `id, config, status, progress, records_synced, errors, conflicts, created_at, started_at, completed_at`

func (s *Store) CreateSyncJob(ctx context.Context, j *domain.SyncJob) error {
	cfgJSON, err := json.Marshal(j.Config)
	if err != nil {
		return fmt.Errorf("marshal sync config: %w", err)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.Status == "" {
		j.Status = domain.SyncPending
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO sync_jobs (`+syncJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.ID, string(cfgJSON), string(j.Status), j.Progress, j.RecordsSynced,
		jsonList(j.Errors), jsonList(j.Conflicts), formatTime(j.CreatedAt),
		nullTime(j.StartedAt), nullTime(j.CompletedAt),
	)
	return err
}

func (s *Store) GetSyncJob(ctx context.Context, id string) (*domain.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = ?`), id)
	j, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("sync", "Store.GetSyncJob", domain.ErrNotFound, id)
	}
	return j, err
}

// ListSyncJobs returns jobs in creation order. An empty status matches all.
func (s *Store) ListSyncJobs(ctx context.Context, status domain.SyncStatus) ([]*domain.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.SyncJob
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimSyncJob leases a job in one conditional statement. Progress, counters,
// errors and conflicts start over.
func (s *Store) ClaimSyncJob(ctx context.Context, id string, from []domain.SyncStatus, now time.Time) (*domain.SyncJob, error) {
	if len(from) == 0 {
		from = []domain.SyncStatus{domain.SyncPending}
	}
	args := []any{string(domain.SyncRunning), formatTime(now), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	row := s.db.QueryRowContext(ctx, s.q(`UPDATE sync_jobs
		SET status = ?, progress = 0, records_synced = 0, errors = '[]', conflicts = '[]',
		    started_at = ?, completed_at = NULL
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)
		RETURNING `+syncJobColumns), args...)

	j, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetSyncJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, domain.NewSubSystemError("sync", "Store.ClaimSyncJob", domain.ErrAlreadyClaimed, id)
	}
	return j, err
}

func (s *Store) UpdateSyncProgress(ctx context.Context, id string, progress int, records int64, conflicts []string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE sync_jobs
		SET progress = ?, records_synced = ?, conflicts = ?
		WHERE id = ?`),
		progress, records, jsonList(conflicts), id,
	)
	return err
}

// FinishSyncJob writes the terminal state of j and stamps completed_at. The
// write only lands while j's lease is current: the row is still running and
// started_at matches the claim j came from.
func (s *Store) FinishSyncJob(ctx context.Context, j *domain.SyncJob, now time.Time) error {
	query := `UPDATE sync_jobs
		SET status = ?, progress = ?, records_synced = ?, errors = ?, conflicts = ?, completed_at = ?
		WHERE id = ? AND status = ?`
	args := []any{
		string(j.Status), j.Progress, j.RecordsSynced, jsonList(j.Errors), jsonList(j.Conflicts),
		formatTime(now), j.ID, string(domain.SyncRunning),
	}
	if j.StartedAt != nil {
		query += ` AND started_at = ?`
		args = append(args, formatTime(*j.StartedAt))
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.GetSyncJob(ctx, j.ID); getErr != nil {
			return getErr
		}
		return domain.NewSubSystemError("sync", "Store.FinishSyncJob", domain.ErrAlreadyClaimed, "lease on "+j.ID+" lost")
	}
	now = now.UTC()
	j.CompletedAt = &now
	return nil
}

// ReapStaleSyncJobs returns jobs running since before cutoff to pending so
// RunPending can lease them again.
func (s *Store) ReapStaleSyncJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sync_jobs SET status = ?, errors = ?
		WHERE status = ? AND started_at < ?`),
		string(domain.SyncPending), jsonList([]string{claimExpired}),
		string(domain.SyncRunning), formatTime(cutoff),
	)
	if err != nil {
		return 0, domain.WrapOp("Store.ReapStaleSyncJobs", err)
	}
	return res.RowsAffected()
}

func jsonList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func scanSyncJob(row scanner) (*domain.SyncJob, error) {
	var (
		j                      domain.SyncJob
		cfgStr, status         string
		errStr, conflictStr    string
		created                string
		startedAt, completedAt sql.NullString
	)
	if err := row.Scan(&j.ID, &cfgStr, &status, &j.Progress, &j.RecordsSynced,
		&errStr, &conflictStr, &created, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfgStr), &j.Config); err != nil {
		return nil, fmt.Errorf("unmarshal sync config: %w", err)
	}
	if err := json.Unmarshal([]byte(errStr), &j.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal sync errors: %w", err)
	}
	if err := json.Unmarshal([]byte(conflictStr), &j.Conflicts); err != nil {
		return nil, fmt.Errorf("unmarshal sync conflicts: %w", err)
	}
	j.Status = domain.SyncStatus(status)
	j.CreatedAt = parseTime(created)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	return &j, nil
}
