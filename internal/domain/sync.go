package domain

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// SyncMode selects how rows are copied between endpoints.
type SyncMode string

const (
	SyncIncremental SyncMode = "incremental"
	SyncFull        SyncMode = "full"
	SyncSelective   SyncMode = "selective"
)

// SyncDirection is informational; it does not change copy semantics.
type SyncDirection string

const (
	ForkToPrimary SyncDirection = "fork-to-primary"
	PrimaryToFork SyncDirection = "primary-to-fork"
	ForkToFork    SyncDirection = "fork-to-fork"
)

// ConflictPolicy decides what an upsert does when the primary key already exists on the target.
type ConflictPolicy string

const (
	// SourceWins overwrites every non-key column.
	SourceWins ConflictPolicy = "source-wins"
	// TargetWins keeps the existing row untouched.
	TargetWins ConflictPolicy = "target-wins"
	// Merge keeps existing non-NULL target values and fills NULLs from the source.
	Merge ConflictPolicy = "merge"
	// Manual leaves the target row untouched and records the key as a conflict.
	Manual ConflictPolicy = "manual"
)

// SyncStatus is the lifecycle state of a sync job.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// Valid reports whether s is a known sync job status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncRunning, SyncCompleted, SyncFailed:
		return true
	}
	return false
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to use as a table or column name.
func ValidIdentifier(name string) bool { return identRe.MatchString(name) }

// SyncConfig describes one synchronization between two endpoints.
type SyncConfig struct {
	SourceID           string            `json:"source_id"`
	TargetID           string            `json:"target_id"`
	Tables             []string          `json:"tables"`
	Mode               SyncMode          `json:"mode"`
	Direction          SyncDirection     `json:"direction,omitempty"`
	ConflictResolution ConflictPolicy    `json:"conflict_resolution,omitempty"`
	Filters            map[string]string `json:"filters,omitempty"`
	TimestampColumns   map[string]string `json:"timestamp_columns,omitempty"`
}

// Policy returns the conflict policy, defaulting to source-wins.
func (c SyncConfig) Policy() ConflictPolicy {
	if c.ConflictResolution == "" {
		return SourceWins
	}
	return c.ConflictResolution
}

// Validate checks the config before a job is persisted.
func (c SyncConfig) Validate() error {
	fail := func(detail string) error {
		return NewSubSystemError("sync", "SyncConfig.Validate", ErrInvalidInput, detail)
	}
	if c.SourceID == "" || c.TargetID == "" {
		return fail("source_id and target_id are required")
	}
	if c.SourceID == c.TargetID {
		return fail("source and target must differ")
	}
	if len(c.Tables) == 0 {
		return fail("at least one table is required")
	}
	for _, t := range c.Tables {
		if !ValidIdentifier(t) {
			return fail(fmt.Sprintf("table %q is not a valid identifier", t))
		}
	}
	switch c.Mode {
	case SyncIncremental, SyncFull, SyncSelective:
	default:
		return fail(fmt.Sprintf("unknown mode %q", c.Mode))
	}
	switch c.Direction {
	case "", ForkToPrimary, PrimaryToFork, ForkToFork:
	default:
		return fail(fmt.Sprintf("unknown direction %q", c.Direction))
	}
	switch c.ConflictResolution {
	case "", SourceWins, TargetWins, Merge, Manual:
	default:
		return fail(fmt.Sprintf("unknown conflict resolution %q", c.ConflictResolution))
	}
	if len(c.Filters) > 0 && c.Mode != SyncSelective {
		return fail("filters are only valid in selective mode")
	}
	for t, col := range c.TimestampColumns {
		if !ValidIdentifier(col) {
			return fail(fmt.Sprintf("timestamp column %q for table %q is not a valid identifier", col, t))
		}
	}
	return nil
}

// SyncJob is one execution record of a SyncConfig.
type SyncJob struct {
	ID            string     `json:"id"`
	Config        SyncConfig `json:"config"`
	Status        SyncStatus `json:"status"`
	Progress      int        `json:"progress"`
	RecordsSynced int64      `json:"records_synced"`
	Errors        []string   `json:"errors"`
	Conflicts     []string   `json:"conflicts,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// SyncJobStore persists sync jobs.
type SyncJobStore interface {
	CreateSyncJob(ctx context.Context, j *SyncJob) error
	GetSyncJob(ctx context.Context, id string) (*SyncJob, error)
	ListSyncJobs(ctx context.Context, status SyncStatus) ([]*SyncJob, error)
	// ClaimSyncJob leases a job whose status is one of from, moving it to
	// running with progress, counters and errors reset.
	ClaimSyncJob(ctx context.Context, id string, from []SyncStatus, now time.Time) (*SyncJob, error)
	UpdateSyncProgress(ctx context.Context, id string, progress int, records int64, conflicts []string) error
	// FinishSyncJob fails with ErrAlreadyClaimed once j's lease has been
	// reaped, whether or not another process has claimed the job since.
	FinishSyncJob(ctx context.Context, j *SyncJob, now time.Time) error
	ReapStaleSyncJobs(ctx context.Context, cutoff time.Time) (int64, error)
}
