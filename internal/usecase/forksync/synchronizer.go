// Package forksync copies table data between registered endpoints: the
// primary database and the forks owned by agents.
package forksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forkmesh/internal/domain"
	"forkmesh/internal/infra/tracer"
)

// Deps holds the collaborators of a Synchronizer.
type Deps struct {
	Jobs      domain.SyncJobStore
	Endpoints domain.EndpointRegistry
	Events    domain.EventSink // optional
	Logger    *slog.Logger

	// LearningTables are copied by SyncLearningData and MergeLearningData.
	LearningTables []string

	// Resolve, when set, is asked for endpoints missing from the registry,
	// e.g. the fork of an agent started by another process.
	Resolve func(ctx context.Context, id string) (domain.Endpoint, error)

	// ClaimTTL returns jobs left running longer than this to pending before
	// jobs are leased. 0 disables reaping.
	ClaimTTL time.Duration

	Now func() time.Time // optional, for tests
}

// Synchronizer runs sync jobs. Jobs are leased through the store, so any
// number of processes may share one job table.
type Synchronizer struct {
	deps Deps
}

// New creates a synchronizer.
func New(deps Deps) *Synchronizer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = domain.NopSink{}
	}
	if len(deps.LearningTables) == 0 {
		deps.LearningTables = []string{"learned_patterns", "optimization_history"}
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Synchronizer{deps: deps}
}

// RegisterFork opens a pool for a fork. An existing id is left untouched.
func (s *Synchronizer) RegisterFork(ctx context.Context, id, dsn string) error {
	if err := s.deps.Endpoints.Register(ctx, id, dsn); err != nil {
		return fmt.Errorf("forksync: register fork %s: %w", id, err)
	}
	return nil
}

// UnregisterFork closes the pool of a fork.
func (s *Synchronizer) UnregisterFork(id string) error {
	return s.deps.Endpoints.Unregister(id)
}

// CreateSyncJob validates cfg and persists a pending job.
func (s *Synchronizer) CreateSyncJob(ctx context.Context, cfg domain.SyncConfig) (*domain.SyncJob, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	listed := make(map[string]bool, len(cfg.Tables))
	for _, t := range cfg.Tables {
		listed[t] = true
	}
	for table, pred := range cfg.Filters {
		if !listed[table] {
			return nil, domain.NewSubSystemError("sync", "Synchronizer.CreateSyncJob", domain.ErrInvalidInput,
				fmt.Sprintf("filter for table %q which is not synced", table))
		}
		if err := domain.CheckPredicate(pred); err != nil {
			return nil, fmt.Errorf("filter for %s: %w", table, err)
		}
	}

	job := &domain.SyncJob{
		ID:        domain.NewID(),
		Config:    cfg,
		Status:    domain.SyncPending,
		Errors:    []string{},
		CreatedAt: s.deps.Now(),
	}
	if err := s.deps.Jobs.CreateSyncJob(ctx, job); err != nil {
		return nil, fmt.Errorf("forksync: create job: %w", err)
	}
	s.deps.Logger.Info("sync job created", "job_id", job.ID, "source", cfg.SourceID, "target", cfg.TargetID,
		"mode", string(cfg.Mode), "tables", len(cfg.Tables))
	s.deps.Events.Emit(ctx, domain.NewEvent(domain.EventSyncCreated, job.ID, map[string]any{
		"source": cfg.SourceID,
		"target": cfg.TargetID,
		"mode":   cfg.Mode,
	}))
	return job, nil
}

// GetJob returns one job.
func (s *Synchronizer) GetJob(ctx context.Context, id string) (*domain.SyncJob, error) {
	return s.deps.Jobs.GetSyncJob(ctx, id)
}

// ListJobs returns jobs in creation order. An empty status matches all.
func (s *Synchronizer) ListJobs(ctx context.Context, status domain.SyncStatus) ([]*domain.SyncJob, error) {
	return s.deps.Jobs.ListSyncJobs(ctx, status)
}

// rerunnable are the statuses ExecuteSync leases from.
var rerunnable = []domain.SyncStatus{domain.SyncPending, domain.SyncCompleted, domain.SyncFailed}

// ExecuteSync leases a job that is not running and copies its tables in
// order. A table failure stops the job and marks it failed; tables copied
// before it are kept. The returned job carries the final state, and the
// error is only set when the job could not be leased or persisted.
func (s *Synchronizer) ExecuteSync(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	if err := s.reapStale(ctx); err != nil {
		return nil, err
	}
	return s.execute(ctx, jobID, rerunnable)
}

// RunPending executes every pending job, skipping jobs leased elsewhere.
// It returns the number of jobs this call ran.
func (s *Synchronizer) RunPending(ctx context.Context) (int, error) {
	if err := s.reapStale(ctx); err != nil {
		return 0, err
	}
	jobs, err := s.deps.Jobs.ListSyncJobs(ctx, domain.SyncPending)
	if err != nil {
		return 0, fmt.Errorf("forksync: list pending: %w", err)
	}
	ran := 0
	for _, j := range jobs {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		if _, err := s.execute(ctx, j.ID, []domain.SyncStatus{domain.SyncPending}); err != nil {
			if errors.Is(err, domain.ErrAlreadyClaimed) {
				continue
			}
			s.deps.Logger.Error("pending sync job", "job_id", j.ID, "error", err)
			continue
		}
		ran++
	}
	return ran, nil
}

// reapStale releases leases held by processes that died mid-job.
func (s *Synchronizer) reapStale(ctx context.Context) error {
	if s.deps.ClaimTTL <= 0 {
		return nil
	}
	n, err := s.deps.Jobs.ReapStaleSyncJobs(ctx, s.deps.Now().Add(-s.deps.ClaimTTL))
	if err != nil {
		return fmt.Errorf("forksync: reap stale leases: %w", err)
	}
	if n > 0 {
		s.deps.Logger.Warn("released stale sync leases", "count", n, "claim_ttl", s.deps.ClaimTTL)
	}
	return nil
}

func (s *Synchronizer) execute(ctx context.Context, jobID string, from []domain.SyncStatus) (*domain.SyncJob, error) {
	job, err := s.deps.Jobs.ClaimSyncJob(ctx, jobID, from, s.deps.Now())
	if err != nil {
		return nil, err
	}
	cfg := job.Config
	logger := s.deps.Logger.With("job_id", job.ID)

	ctx, span := tracer.StartSpan(ctx, "forksync.job",
		tracer.StringAttr("sync.job_id", job.ID),
		tracer.StringAttr("sync.mode", string(cfg.Mode)),
		tracer.IntAttr("sync.tables", len(cfg.Tables)),
	)
	logger.Info("sync job started", "source", cfg.SourceID, "target", cfg.TargetID, "mode", string(cfg.Mode))
	s.deps.Events.Emit(ctx, domain.NewEvent(domain.EventSyncStarted, job.ID, map[string]any{
		"attempt_started_at": job.StartedAt,
	}))

	runErr := s.runTables(ctx, job, logger)

	job.Status = domain.SyncCompleted
	if runErr != nil {
		job.Status = domain.SyncFailed
	}
	finishCtx := context.WithoutCancel(ctx)
	if err := s.deps.Jobs.FinishSyncJob(finishCtx, job, s.deps.Now()); err != nil {
		tracer.End(span, err)
		return job, fmt.Errorf("forksync: finish job %s: %w", job.ID, err)
	}
	span.SetAttributes(tracer.Int64Attr("sync.records", job.RecordsSynced))
	tracer.End(span, runErr)

	if runErr != nil {
		logger.Warn("sync job failed", "error", runErr, "records", job.RecordsSynced, "code", string(domain.ErrorCodeOf(runErr)))
		s.deps.Events.Emit(finishCtx, domain.NewEvent(domain.EventSyncFailed, job.ID, map[string]any{
			"errors":  job.Errors,
			"records": job.RecordsSynced,
		}))
		return job, nil
	}
	logger.Info("sync job completed", "records", job.RecordsSynced, "conflicts", len(job.Conflicts))
	s.deps.Events.Emit(finishCtx, domain.NewEvent(domain.EventSyncCompleted, job.ID, map[string]any{
		"records":   job.RecordsSynced,
		"conflicts": len(job.Conflicts),
	}))
	return job, nil
}

// runTables copies every table of job and records progress after each.
// It returns the first table error, already appended to job.Errors.
func (s *Synchronizer) runTables(ctx context.Context, job *domain.SyncJob, logger *slog.Logger) error {
	cfg := job.Config
	fail := func(table string, err error) error {
		if table == "" {
			job.Errors = append(job.Errors, err.Error())
		} else {
			job.Errors = append(job.Errors, fmt.Sprintf("table %q: %v", table, err))
		}
		return err
	}

	src, err := s.endpoint(ctx, cfg.SourceID)
	if err != nil {
		return fail("", fmt.Errorf("source %s: %w", cfg.SourceID, err))
	}
	dst, err := s.endpoint(ctx, cfg.TargetID)
	if err != nil {
		return fail("", fmt.Errorf("target %s: %w", cfg.TargetID, err))
	}
	names, err := src.Dialect().Tables(ctx, src.DB())
	if err != nil {
		return fail("", fmt.Errorf("source tables: %w", err))
	}
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	for i, table := range cfg.Tables {
		res, err := s.copyTable(ctx, src, dst, cfg, table, known, logger)
		if err != nil {
			return fail(table, err)
		}
		job.RecordsSynced += res.records
		job.Conflicts = append(job.Conflicts, res.conflicts...)
		job.Progress = (i + 1) * 100 / len(cfg.Tables)
		if err := s.deps.Jobs.UpdateSyncProgress(ctx, job.ID, job.Progress, job.RecordsSynced, job.Conflicts); err != nil {
			logger.Warn("persist sync progress", "error", err)
		}
		logger.Debug("table synced", "table", table, "records", res.records, "progress", job.Progress)
		s.deps.Events.Emit(ctx, domain.NewEvent(domain.EventSyncTableCompleted, job.ID, map[string]any{
			"table":     table,
			"records":   res.records,
			"conflicts": len(res.conflicts),
			"progress":  job.Progress,
		}))
	}
	return nil
}

func (s *Synchronizer) endpoint(ctx context.Context, id string) (domain.Endpoint, error) {
	ep, err := s.deps.Endpoints.Endpoint(id)
	if err != nil && s.deps.Resolve != nil && errors.Is(err, domain.ErrEndpointNotFound) {
		return s.deps.Resolve(ctx, id)
	}
	return ep, err
}

func (s *Synchronizer) copyTable(ctx context.Context, src, dst domain.Endpoint, cfg domain.SyncConfig, table string, known map[string]bool, logger *slog.Logger) (res copyResult, err error) {
	ctx, span := tracer.StartSpan(ctx, "forksync.table", tracer.StringAttr("sync.table", table))
	defer func() {
		span.SetAttributes(tracer.Int64Attr("sync.records", res.records))
		tracer.End(span, err)
	}()

	if !domain.ValidIdentifier(table) {
		return copyResult{}, domain.NewDomainError("copyTable", domain.ErrUnsafeIdentifier, table)
	}
	if !known[table] {
		return copyResult{}, domain.NewSubSystemError("sync", "copyTable", domain.ErrNotFound, "table does not exist on source")
	}
	ts, err := introspect(ctx, src, dst, table, cfg.TimestampColumns[table])
	if err != nil {
		return copyResult{}, err
	}

	switch cfg.Mode {
	case domain.SyncFull:
		return copyFull(ctx, src, dst, ts)
	case domain.SyncIncremental:
		return copyIncremental(ctx, src, dst, ts, cfg.Policy())
	case domain.SyncSelective:
		return copySelective(ctx, src, dst, ts, cfg.Filters[table], cfg.Policy(), logger)
	}
	return copyResult{}, domain.NewSubSystemError("sync", "copyTable", domain.ErrInvalidInput, fmt.Sprintf("unknown mode %q", cfg.Mode))
}
