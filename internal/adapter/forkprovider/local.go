// Package forkprovider implements domain.ForkProvider: local SQLite file
// copies, a control-plane CLI, and resilience decorators for either.
package forkprovider

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"forkmesh/internal/domain"
)

const (
	forkPrefix     = "fork-"
	snapshotPrefix = "snapshot-"
	snapshotLayout = "20060102T150405.000000000Z"
)

// Snapshot is one point-in-time copy of the primary kept by LocalProvider.
type Snapshot struct {
	Path    string    `json:"path"`
	TakenAt time.Time `json:"taken_at"`
}

// LocalProvider forks a SQLite primary by copying it to a new file with
// VACUUM INTO. Each fork is <dir>/<id>.db with a <id>.json descriptor.
type LocalProvider struct {
	primary     *sql.DB
	dir         string
	snapshotDir string
	logger      *slog.Logger
	now         func() time.Time

	mu sync.Mutex
}

var _ domain.ForkProvider = (*LocalProvider)(nil)

// NewLocalProvider creates the fork and snapshot directories if needed.
func NewLocalProvider(primary *sql.DB, dir, snapshotDir string, logger *slog.Logger) (*LocalProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if snapshotDir == "" {
		snapshotDir = filepath.Join(dir, "snapshots")
	}
	for _, d := range []string{dir, snapshotDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("forkprovider: create %s: %w", d, err)
		}
	}
	return &LocalProvider{
		primary:     primary,
		dir:         dir,
		snapshotDir: snapshotDir,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateFork copies the primary (or a snapshot of it) to a new fork file.
func (p *LocalProvider) CreateFork(ctx context.Context, opts domain.ForkOptions) (*domain.Fork, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := forkPrefix + uuid.NewString()
	path := p.forkPath(id)
	fork := &domain.Fork{
		ID:        id,
		Name:      opts.Name,
		Status:    "ready",
		CreatedAt: p.now(),
		ParentID:  "primary",
	}
	if fork.Name == "" {
		fork.Name = id
	}

	switch opts.Strategy {
	case "", domain.ForkNow:
		if err := p.vacuumInto(ctx, path); err != nil {
			return nil, domain.NewSubSystemError("fork", "LocalProvider.CreateFork", domain.ErrProviderError, err.Error())
		}
	case domain.ForkLastSnapshot, domain.ForkToTimestamp:
		snap, err := p.pickSnapshot(opts)
		if err != nil {
			return nil, err
		}
		if err := copyFile(snap.Path, path); err != nil {
			return nil, domain.NewSubSystemError("fork", "LocalProvider.CreateFork", domain.ErrProviderError, err.Error())
		}
		fork.SnapshotSource = filepath.Base(snap.Path)
	default:
		return nil, domain.NewSubSystemError("fork", "LocalProvider.CreateFork", domain.ErrInvalidInput,
			fmt.Sprintf("unknown strategy %q", opts.Strategy))
	}

	if err := writeDescriptor(p.descriptorPath(id), fork); err != nil {
		_ = os.Remove(path)
		return nil, domain.NewSubSystemError("fork", "LocalProvider.CreateFork", domain.ErrProviderError, err.Error())
	}
	p.logger.Info("fork created", "fork_id", id, "name", fork.Name, "strategy", string(opts.Strategy))
	return fork, nil
}

// DeleteFork removes the fork files. Missing files are not an error.
func (p *LocalProvider) DeleteFork(_ context.Context, id string) error {
	if err := validForkID(id); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.forkPath(id)
	var errs []error
	for _, f := range []string{base, base + "-wal", base + "-shm", p.descriptorPath(id)} {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return domain.NewSubSystemError("fork", "LocalProvider.DeleteFork", domain.ErrProviderError, err.Error())
	}
	p.logger.Info("fork deleted", "fork_id", id)
	return nil
}

// GetConnectionString returns the fork's file path, usable as a SQLite DSN.
func (p *LocalProvider) GetConnectionString(_ context.Context, id string) (string, error) {
	if err := validForkID(id); err != nil {
		return "", err
	}
	path := p.forkPath(id)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.NewSubSystemError("fork", "LocalProvider.GetConnectionString", domain.ErrNotFound, id)
		}
		return "", err
	}
	return path, nil
}

// ListServices returns every fork descriptor in creation order.
func (p *LocalProvider) ListServices(_ context.Context) ([]domain.Fork, error) {
	matches, err := filepath.Glob(filepath.Join(p.dir, forkPrefix+"*.json"))
	if err != nil {
		return nil, err
	}
	forks := make([]domain.Fork, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, err
		}
		var f domain.Fork
		if err := json.Unmarshal(data, &f); err != nil {
			p.logger.Warn("skipping unreadable fork descriptor", "path", m, "error", err)
			continue
		}
		forks = append(forks, f)
	}
	sort.Slice(forks, func(i, j int) bool { return forks[i].CreatedAt.Before(forks[j].CreatedAt) })
	return forks, nil
}

// Snapshot writes a point-in-time copy of the primary into the snapshot directory.
func (p *LocalProvider) Snapshot(ctx context.Context) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	taken := p.now()
	path := filepath.Join(p.snapshotDir, snapshotPrefix+taken.Format(snapshotLayout)+".db")
	if err := p.vacuumInto(ctx, path); err != nil {
		return nil, domain.NewSubSystemError("fork", "LocalProvider.Snapshot", domain.ErrProviderError, err.Error())
	}
	p.logger.Info("snapshot taken", "path", path)
	return &Snapshot{Path: path, TakenAt: taken}, nil
}

// Snapshots lists snapshots oldest first.
func (p *LocalProvider) Snapshots() ([]Snapshot, error) {
	matches, err := filepath.Glob(filepath.Join(p.snapshotDir, snapshotPrefix+"*.db"))
	if err != nil {
		return nil, err
	}
	var snaps []Snapshot
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), snapshotPrefix), ".db")
		taken, err := time.Parse(snapshotLayout, stamp)
		if err != nil {
			continue
		}
		snaps = append(snaps, Snapshot{Path: m, TakenAt: taken})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].TakenAt.Before(snaps[j].TakenAt) })
	return snaps, nil
}

func (p *LocalProvider) pickSnapshot(opts domain.ForkOptions) (Snapshot, error) {
	snaps, err := p.Snapshots()
	if err != nil {
		return Snapshot{}, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		if opts.Strategy == domain.ForkLastSnapshot {
			return snaps[i], nil
		}
		if opts.Timestamp != nil && !snaps[i].TakenAt.After(*opts.Timestamp) {
			return snaps[i], nil
		}
	}
	return Snapshot{}, domain.NewSubSystemError("fork", "LocalProvider.CreateFork", domain.ErrSnapshotNotFound, string(opts.Strategy))
}

func (p *LocalProvider) vacuumInto(ctx context.Context, path string) error {
	if p.primary == nil {
		return errors.New("no primary database")
	}
	_, err := p.primary.ExecContext(ctx, "VACUUM INTO '"+strings.ReplaceAll(path, "'", "''")+"'")
	return err
}

func (p *LocalProvider) forkPath(id string) string       { return filepath.Join(p.dir, id+".db") }
func (p *LocalProvider) descriptorPath(id string) string { return filepath.Join(p.dir, id+".json") }

func validForkID(id string) error {
	if !strings.HasPrefix(id, forkPrefix) {
		return domain.NewSubSystemError("fork", "LocalProvider", domain.ErrInvalidInput, fmt.Sprintf("bad fork id %q", id))
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, forkPrefix)); err != nil {
		return domain.NewSubSystemError("fork", "LocalProvider", domain.ErrInvalidInput, fmt.Sprintf("bad fork id %q", id))
	}
	return nil
}

func writeDescriptor(path string, f *domain.Fork) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
