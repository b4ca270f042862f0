package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"forkmesh/internal/domain"
)

// SQLite is the dialect for modernc.org/sqlite endpoints.
type SQLite struct{}

var _ domain.Dialect = SQLite{}

func (SQLite) Name() string { return "sqlite" }

// Rebind is the identity: SQLite accepts '?' placeholders.
func (SQLite) Rebind(query string) string { return query }

func (SQLite) QuoteIdent(name string) string { return quoteIdent(name) }

// ReadColumn applies unary plus, which keeps the stored value but drops the
// declared type. The driver would otherwise parse DATE, DATETIME and
// TIMESTAMP text into time.Time and the copy would write it back reformatted.
func (SQLite) ReadColumn(name string) string { return "+" + quoteIdent(name) }

func (SQLite) TruncateStatement(table string) string {
	return "DELETE FROM " + quoteIdent(table)
}

func (SQLite) Tables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (SQLite) Columns(ctx context.Context, db *sql.DB, table string) ([]domain.ColumnInfo, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %q: %w", table, err)
	}
	defer rows.Close()

	var cols []domain.ColumnInfo
	for rows.Next() {
		var (
			c       domain.ColumnInfo
			notNull int
			pk      int
		)
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &pk); err != nil {
			return nil, err
		}
		c.NotNull = notNull != 0
		c.PrimaryKey = pk > 0
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %q: %w", table, domain.ErrNotFound)
	}
	return cols, nil
}

func (SQLite) Indexes(ctx context.Context, db *sql.DB, table string) ([]domain.IndexInfo, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, "unique" FROM pragma_index_list(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("indexes of %q: %w", table, err)
	}
	var idx []domain.IndexInfo
	for rows.Next() {
		var (
			info   domain.IndexInfo
			unique int
		)
		if err := rows.Scan(&info.Name, &unique); err != nil {
			rows.Close()
			return nil, err
		}
		info.Unique = unique != 0
		idx = append(idx, info)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range idx {
		colRows, err := db.QueryContext(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, idx[i].Name)
		if err != nil {
			return nil, fmt.Errorf("index %q columns: %w", idx[i].Name, err)
		}
		cols, err := scanStrings(colRows)
		colRows.Close()
		if err != nil {
			return nil, err
		}
		idx[i].Columns = cols
	}
	return idx, nil
}

// Explain returns the detail column of EXPLAIN QUERY PLAN, one step per entry.
func (SQLite) Explain(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plan []string
	for rows.Next() {
		var (
			id, parent, notUsed int
			detail              string
		)
		if err := rows.Scan(&id, &parent, &notUsed, &detail); err != nil {
			return nil, err
		}
		plan = append(plan, detail)
	}
	return plan, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
