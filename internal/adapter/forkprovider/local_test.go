package forkprovider

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkmesh/internal/adapter/sqldb"
	"forkmesh/internal/domain"
	"forkmesh/internal/infra/logger"
)

func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, _, err := sqldb.Open(context.Background(), path, sqldb.DefaultPoolOptions())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func newLocal(t *testing.T) (*LocalProvider, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	primary := openDB(t, filepath.Join(dir, "primary.db"))
	_, err := primary.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = primary.Exec(`INSERT INTO items (id, name) VALUES (1, 'a'), (2, 'b')`)
	require.NoError(t, err)

	p, err := NewLocalProvider(primary, filepath.Join(dir, "forks"), "", logger.Discard())
	require.NoError(t, err)
	return p, primary
}

func TestLocalProviderForkNow(t *testing.T) {
	p, primary := newLocal(t)
	ctx := context.Background()

	fork, err := p.CreateFork(ctx, domain.ForkOptions{Name: "agent-a", Strategy: domain.ForkNow})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fork.ID, "fork-"))
	assert.Equal(t, "agent-a", fork.Name)
	assert.Equal(t, "primary", fork.ParentID)

	dsn, err := p.GetConnectionString(ctx, fork.ID)
	require.NoError(t, err)
	forkDB := openDB(t, dsn)
	assert.Equal(t, 2, countRows(t, forkDB))

	// The fork is isolated from later primary writes.
	_, err = primary.Exec(`INSERT INTO items (id, name) VALUES (3, 'c')`)
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, forkDB))

	forks, err := p.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, forks, 1)
	assert.Equal(t, fork.ID, forks[0].ID)
}

func TestLocalProviderSnapshots(t *testing.T) {
	p, primary := newLocal(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	_, err := p.Snapshot(ctx)
	require.NoError(t, err)

	_, err = primary.Exec(`INSERT INTO items (id, name) VALUES (3, 'c')`)
	require.NoError(t, err)
	p.now = func() time.Time { return base.Add(time.Hour) }
	_, err = p.Snapshot(ctx)
	require.NoError(t, err)

	snaps, err := p.Snapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].TakenAt.Equal(base))

	latest, err := p.CreateFork(ctx, domain.ForkOptions{Strategy: domain.ForkLastSnapshot})
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(snaps[1].Path), latest.SnapshotSource)
	dsn, err := p.GetConnectionString(ctx, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, countRows(t, openDB(t, dsn)))

	at := base.Add(30 * time.Minute)
	older, err := p.CreateFork(ctx, domain.ForkOptions{Strategy: domain.ForkToTimestamp, Timestamp: &at})
	require.NoError(t, err)
	dsn, err = p.GetConnectionString(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, openDB(t, dsn)))

	before := base.Add(-time.Hour)
	_, err = p.CreateFork(ctx, domain.ForkOptions{Strategy: domain.ForkToTimestamp, Timestamp: &before})
	assert.True(t, errors.Is(err, domain.ErrSnapshotNotFound))
}

func TestLocalProviderLastSnapshotWithoutSnapshots(t *testing.T) {
	p, _ := newLocal(t)
	_, err := p.CreateFork(context.Background(), domain.ForkOptions{Strategy: domain.ForkLastSnapshot})
	assert.True(t, errors.Is(err, domain.ErrSnapshotNotFound))
}

func TestLocalProviderDelete(t *testing.T) {
	p, _ := newLocal(t)
	ctx := context.Background()

	fork, err := p.CreateFork(ctx, domain.ForkOptions{})
	require.NoError(t, err)
	require.NoError(t, p.DeleteFork(ctx, fork.ID))
	require.NoError(t, p.DeleteFork(ctx, fork.ID))

	_, err = p.GetConnectionString(ctx, fork.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	forks, err := p.ListServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, forks)

	assert.True(t, errors.Is(p.DeleteFork(ctx, "../primary"), domain.ErrInvalidInput))
}
