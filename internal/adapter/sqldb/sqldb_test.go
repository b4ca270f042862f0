package sqldb

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkmesh/internal/domain"
	"forkmesh/internal/infra/logger"
)

func openTestDB(t *testing.T) (*Registry, domain.Endpoint) {
	t.Helper()
	reg := NewRegistry(DefaultPoolOptions(), logger.Discard())
	t.Cleanup(func() { reg.CloseAll() })

	dsn := filepath.Join(t.TempDir(), "nested", "primary.db")
	require.NoError(t, reg.Register(context.Background(), "primary", dsn))
	ep, err := reg.Endpoint("primary")
	require.NoError(t, err)
	return reg, ep
}

func TestPostgresRebind(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{`SELECT "we?ird" FROM t WHERE a = ?`, `SELECT "we?ird" FROM t WHERE a = $1`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Postgres{}.Rebind(tt.in))
	}
	assert.Equal(t, "SELECT ?", SQLite{}.Rebind("SELECT ?"))
}

func TestQuoteIdentAndTruncate(t *testing.T) {
	assert.Equal(t, `"users"`, SQLite{}.QuoteIdent("users"))
	assert.Equal(t, `"a""b"`, Postgres{}.QuoteIdent(`a"b`))
	assert.Equal(t, `DELETE FROM "users"`, SQLite{}.TruncateStatement("users"))
	assert.Equal(t, `TRUNCATE TABLE "users" CASCADE`, Postgres{}.TruncateStatement("users"))
	assert.Equal(t, `+"updated_at"`, SQLite{}.ReadColumn("updated_at"))
	assert.Equal(t, `"updated_at"`, Postgres{}.ReadColumn("updated_at"))
}

func TestDriverFor(t *testing.T) {
	opts := DefaultPoolOptions()

	driver, dsn, d := DriverFor("postgres://u@localhost/db", opts)
	assert.Equal(t, "pgx", driver)
	assert.Equal(t, "postgres://u@localhost/db", dsn)
	assert.Equal(t, "postgres", d.Name())

	driver, dsn, d = DriverFor("/tmp/x.db", opts)
	assert.Equal(t, "sqlite", driver)
	assert.True(t, strings.HasPrefix(dsn, "/tmp/x.db?_pragma=busy_timeout(5000)"))
	assert.Contains(t, dsn, "journal_mode(WAL)")
	assert.Contains(t, dsn, "_time_format=sqlite")
	assert.Equal(t, "sqlite", d.Name())

	_, dsn, _ = DriverFor("file:/tmp/x.db?cache=shared", opts)
	assert.Contains(t, dsn, "cache=shared&_pragma=")

	assert.Equal(t, "/tmp/x.db", SQLitePath("file:/tmp/x.db?cache=shared"))
	assert.True(t, IsPostgres("postgresql://host/db"))
	assert.False(t, IsPostgres("/var/lib/primary.db"))
}

func TestSQLiteIntrospection(t *testing.T) {
	_, ep := openTestDB(t)
	ctx := context.Background()
	db := ep.DB()

	_, err := db.ExecContext(ctx, `CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		note TEXT,
		updated_at TEXT
	)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE INDEX idx_orders_customer ON orders (customer_id)`)
	require.NoError(t, err)

	d := ep.Dialect()
	tables, err := d.Tables(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, tables)

	cols, err := d.Columns(ctx, db, "orders")
	require.NoError(t, err)
	require.Len(t, cols, 4)
	assert.Equal(t, "id", cols[0].Name)
	assert.True(t, cols[0].PrimaryKey)
	assert.True(t, cols[1].NotNull)
	assert.False(t, cols[2].PrimaryKey)

	idx, err := d.Indexes(ctx, db, "orders")
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, "idx_orders_customer", idx[0].Name)
	assert.Equal(t, []string{"customer_id"}, idx[0].Columns)

	plan, err := d.Explain(ctx, db, "SELECT * FROM orders WHERE note = 'x'")
	require.NoError(t, err)
	require.NotEmpty(t, plan)
	assert.Contains(t, plan[0], "SCAN")

	_, err = d.Columns(ctx, db, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRegistryLifecycle(t *testing.T) {
	reg, ep := openTestDB(t)
	ctx := context.Background()

	// Registering the same id again keeps the original pool.
	require.NoError(t, reg.Register(ctx, "primary", filepath.Join(t.TempDir(), "other.db")))
	again, err := reg.Endpoint("primary")
	require.NoError(t, err)
	assert.Same(t, ep.DB(), again.DB())

	require.NoError(t, reg.Register(ctx, "fork-a", filepath.Join(t.TempDir(), "a.db")))
	assert.Equal(t, []string{"fork-a", "primary"}, reg.IDs())

	require.NoError(t, reg.Unregister("fork-a"))
	require.NoError(t, reg.Unregister("fork-a"))
	_, err = reg.Endpoint("fork-a")
	assert.True(t, errors.Is(err, domain.ErrEndpointNotFound))

	err = reg.Register(ctx, "", "x.db")
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	require.NoError(t, reg.CloseAll())
	assert.Empty(t, reg.IDs())
}
