package forksync

import (
	"context"
	"errors"
	"fmt"

	"forkmesh/internal/domain"
	"forkmesh/internal/usecase/scheduling"
)

// Schedule names, also used as cluster lease names.
const (
	AutoSyncTask      = "autosync"
	LearningMergeTask = "learning-merge"
)

// SyncLearningData copies new learning rows from source to target as an
// incremental job.
func (s *Synchronizer) SyncLearningData(ctx context.Context, sourceID, targetID string) (*domain.SyncJob, error) {
	job, err := s.CreateSyncJob(ctx, domain.SyncConfig{
		SourceID:           sourceID,
		TargetID:           targetID,
		Tables:             append([]string(nil), s.deps.LearningTables...),
		Mode:               domain.SyncIncremental,
		Direction:          domain.ForkToPrimary,
		ConflictResolution: domain.SourceWins,
	})
	if err != nil {
		return nil, err
	}
	return s.ExecuteSync(ctx, job.ID)
}

// MergeLearningData runs SyncLearningData from every fork into target. It
// keeps going past failed forks and returns every job it ran, together with
// the joined errors of forks whose job could not run or failed.
func (s *Synchronizer) MergeLearningData(ctx context.Context, forkIDs []string, targetID string) ([]*domain.SyncJob, error) {
	var (
		jobs []*domain.SyncJob
		errs []error
	)
	for _, id := range forkIDs {
		if id == targetID {
			continue
		}
		job, err := s.SyncLearningData(ctx, id, targetID)
		if job != nil {
			jobs = append(jobs, job)
		}
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("fork %s: %w", id, err))
		case job.Status == domain.SyncFailed:
			errs = append(errs, fmt.Errorf("fork %s: %v", id, job.Errors))
		}
	}
	s.deps.Logger.Info("learning merge finished", "target", targetID, "forks", len(forkIDs), "jobs", len(jobs), "failures", len(errs))
	return jobs, errors.Join(errs...)
}

// AutoSync runs RunPending on schedule (a cron expression or a duration).
// In a cluster each tick first takes the autosync lease.
func (s *Synchronizer) AutoSync(sched *scheduling.Scheduler, schedule string) error {
	sched.RegisterAction(scheduling.ActionAutoSync, func(ctx context.Context) error {
		n, err := s.RunPending(ctx)
		if n > 0 {
			s.deps.Logger.Debug("auto-sync ran jobs", "jobs", n)
		}
		return err
	})
	return sched.AddTask(scheduling.ScheduledTask{
		Name:     AutoSyncTask,
		Schedule: schedule,
		Action:   scheduling.ActionAutoSync,
		Lease:    AutoSyncTask,
	})
}

// ScheduleLearningMerge periodically merges learning rows from the forks
// returned by forks into target.
func (s *Synchronizer) ScheduleLearningMerge(sched *scheduling.Scheduler, schedule, target string, forks func(context.Context) ([]string, error)) error {
	sched.RegisterAction(scheduling.ActionLearningMerge, func(ctx context.Context) error {
		ids, err := forks(ctx)
		if err != nil {
			return fmt.Errorf("list forks: %w", err)
		}
		_, err = s.MergeLearningData(ctx, ids, target)
		return err
	})
	return sched.AddTask(scheduling.ScheduledTask{
		Name:     LearningMergeTask,
		Schedule: schedule,
		Action:   scheduling.ActionLearningMerge,
		Lease:    LearningMergeTask,
	})
}
