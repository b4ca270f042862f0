// Package sqldb opens pooled database/sql connections to SQLite and Postgres
// endpoints and hides their SQL differences behind domain.Dialect.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"forkmesh/internal/domain"
)

// PoolOptions sizes every pool opened by this package.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// DefaultPoolOptions mirrors the defaults of the database config section.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		BusyTimeout:     5 * time.Second,
	}
}

// IsPostgres reports whether dsn addresses a Postgres server.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// SQLitePath strips the "file:" prefix and any query string from a SQLite DSN.
func SQLitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// DriverFor returns the database/sql driver name, the DSN to pass to it and
// the dialect for dsn.
func DriverFor(dsn string, opts PoolOptions) (driver, driverDSN string, dialect domain.Dialect) {
	if IsPostgres(dsn) {
		return "pgx", dsn, Postgres{}
	}
	return "sqlite", sqliteDSN(dsn, opts.BusyTimeout), SQLite{}
}

// sqliteDSN appends per-connection pragmas so every pooled connection gets them.
func sqliteDSN(dsn string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()),
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_time_format=sqlite",
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}

// Open opens and pings a pool for dsn. SQLite parent directories are created.
func Open(ctx context.Context, dsn string, opts PoolOptions) (*sql.DB, domain.Dialect, error) {
	driver, driverDSN, dialect := DriverFor(dsn, opts)

	if driver == "sqlite" {
		if path := SQLitePath(dsn); path != "" && path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, nil, fmt.Errorf("sqldb: create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, driverDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sqldb: open %s: %w", driver, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("sqldb: ping %s: %w", driver, err)
	}
	return db, dialect, nil
}
