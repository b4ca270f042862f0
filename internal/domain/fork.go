package domain

import (
	"context"
	"database/sql"
	"time"
)

// Fork is an isolated copy of the primary database, owned by a ForkProvider.
type Fork struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ParentID  string    `json:"parent_id,omitempty"`

	// SnapshotSource names the snapshot a local fork was restored from.
	SnapshotSource string `json:"snapshot_source,omitempty"`
}

// ForkOptions configures CreateFork.
type ForkOptions struct {
	Name              string
	Strategy          ForkStrategy
	Timestamp         *time.Time
	CPU               string
	Memory            string
	WaitForCompletion bool
}

// ForkProvider creates and removes forks. Calls may take seconds to minutes.
type ForkProvider interface {
	CreateFork(ctx context.Context, opts ForkOptions) (*Fork, error)
	// DeleteFork is idempotent from the caller's perspective.
	DeleteFork(ctx context.Context, id string) error
	GetConnectionString(ctx context.Context, id string) (string, error)
	ListServices(ctx context.Context) ([]Fork, error)
}

// ColumnInfo is introspected metadata for one table column.
type ColumnInfo struct {
	Name       string
	Type       string
	PrimaryKey bool
	NotNull    bool
}

// IndexInfo is introspected metadata for one index.
type IndexInfo struct {
	Name    string
	Columns []string
	Unique  bool
}

// Dialect hides the SQL differences between endpoint engines.
type Dialect interface {
	Name() string
	// Rebind rewrites '?' placeholders into the engine's native form.
	Rebind(query string) string
	QuoteIdent(name string) string
	// ReadColumn renders a column for a row-copy SELECT so its value is
	// returned exactly as stored.
	ReadColumn(name string) string
	Tables(ctx context.Context, db *sql.DB) ([]string, error)
	Columns(ctx context.Context, db *sql.DB, table string) ([]ColumnInfo, error)
	Indexes(ctx context.Context, db *sql.DB, table string) ([]IndexInfo, error)
	// TruncateStatement empties a table, cascading where the engine supports it.
	TruncateStatement(table string) string
	// Explain returns a textual plan for query without executing it.
	Explain(ctx context.Context, db *sql.DB, query string) ([]string, error)
}

// Endpoint is one pooled connection set to a primary or fork database.
type Endpoint interface {
	ID() string
	DB() *sql.DB
	Dialect() Dialect
}

// EndpointRegistry maps endpoint ids to pooled connections.
type EndpointRegistry interface {
	// Register opens a pool for dsn. Registering an existing id is a no-op.
	Register(ctx context.Context, id, dsn string) error
	Unregister(id string) error
	Endpoint(id string) (Endpoint, error)
	IDs() []string
}
