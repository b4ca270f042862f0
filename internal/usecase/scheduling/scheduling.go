// Package scheduling runs recurring background work (auto-sync, learning
// merges) on cron expressions or fixed intervals.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"forkmesh/internal/domain"
)

// ScheduledAction identifies a type of scheduled action.
type ScheduledAction string

const (
	ActionAutoSync      ScheduledAction = "auto_sync"
	ActionLearningMerge ScheduledAction = "learning_merge"
	ActionPruneJournal  ScheduledAction = "prune_journal"
)

const defaultTaskTimeout = 5 * time.Minute

// ScheduledTask defines a recurring task.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   ScheduledAction
	// Lease, when set, is acquired through the Leaser before every run so only
	// one node in a cluster executes the task per tick.
	Lease   string
	OneShot bool
}

// Leaser runs fn while holding a named cluster lease. It returns
// domain.ErrLeaseNotAcquired when another node holds the lease.
type Leaser interface {
	WithLease(ctx context.Context, name string, fn func(context.Context) error) error
}

// Scheduler runs tasks on a recurring schedule using cron expressions or durations.
type Scheduler struct {
	cron        *cron.Cron
	actions     map[ScheduledAction]func(ctx context.Context) error
	entries     map[string]cron.EntryID // task name → cron entry
	leaser      Leaser
	taskTimeout time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:        cron.New(),
		actions:     make(map[ScheduledAction]func(ctx context.Context) error),
		entries:     make(map[string]cron.EntryID),
		taskTimeout: defaultTaskTimeout,
		logger:      logger,
	}
}

// SetLeaser installs the cluster lease used by tasks that name a Lease.
// A nil leaser runs leased tasks unconditionally (standalone mode).
func (s *Scheduler) SetLeaser(l Leaser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaser = l
}

// SetTaskTimeout bounds each run. Zero restores the default.
func (s *Scheduler) SetTaskTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		d = defaultTaskTimeout
	}
	s.taskTimeout = d
}

// RegisterAction registers a handler for a scheduled action type.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask adds a scheduled task. The schedule can be a cron expression or a duration string.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	fn, ok := s.actions[task.Action]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}

	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	if err := s.schedule(task.Name, schedule, s.leased(task.Lease, fn), task.OneShot); err != nil {
		return err
	}
	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

// leased wraps fn so it only runs while holding lease. A run skipped because
// another node holds the lease counts as success.
func (s *Scheduler) leased(lease string, fn func(context.Context) error) func(context.Context) error {
	if lease == "" {
		return fn
	}
	return func(ctx context.Context) error {
		s.mu.Lock()
		leaser := s.leaser
		s.mu.Unlock()
		if leaser == nil {
			return fn(ctx)
		}
		err := leaser.WithLease(ctx, lease, fn)
		if errors.Is(err, domain.ErrLeaseNotAcquired) {
			s.logger.Debug("scheduled task skipped, lease held elsewhere", "lease", lease)
			return nil
		}
		return err
	}
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	s.mu.Unlock()

	// Jobs read s.ctx under the lock, so wait outside it.
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	s.mu.Lock()
	s.ctx = nil
	s.mu.Unlock()
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// schedule registers fn under id with a pre-parsed cron.Schedule.
func (s *Scheduler) schedule(id string, schedule cron.Schedule, fn func(ctx context.Context) error, oneShot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("scheduler: task %q already exists", id)
	}

	logger := s.logger
	var (
		entryID cron.EntryID
		running sync.Mutex
	)
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		timeout := s.taskTimeout
		s.mu.Unlock()

		if ctx == nil {
			logger.Debug("scheduler stopped, skipping task", "id", id)
			return
		}
		// A tick that arrives while the previous run is still going is dropped.
		if !running.TryLock() {
			logger.Debug("previous run still active, skipping tick", "id", id)
			return
		}
		defer running.Unlock()

		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		if err := fn(taskCtx); err != nil {
			logger.Warn("scheduled task failed", "id", id, "error", err, "duration", time.Since(start))
		} else {
			logger.Debug("scheduled task completed", "id", id, "duration", time.Since(start))
		}

		if oneShot {
			s.cron.Remove(entryID)
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
		}
	}))

	s.entries[id] = entryID
	return nil
}

// NextRun returns the next run time of a started task, or nil if the task
// is unknown.
func (s *Scheduler) NextRun(id string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
