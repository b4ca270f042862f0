package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"forkmesh/internal/domain"
)

// Postgres is the dialect for pgx stdlib endpoints.
type Postgres struct{}

var _ domain.Dialect = Postgres{}

func (Postgres) Name() string { return "postgres" }

// Rebind rewrites '?' placeholders to $1..$n, leaving quoted text untouched.
func (Postgres) Rebind(query string) string {
	var (
		b     strings.Builder
		n     int
		quote byte
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func (Postgres) QuoteIdent(name string) string { return quoteIdent(name) }

func (Postgres) ReadColumn(name string) string { return quoteIdent(name) }

func (Postgres) TruncateStatement(table string) string {
	return "TRUNCATE TABLE " + quoteIdent(table) + " CASCADE"
}

func (Postgres) Tables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (Postgres) Columns(ctx context.Context, db *sql.DB, table string) ([]domain.ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable = 'NO',
		       EXISTS (
		           SELECT 1
		           FROM information_schema.table_constraints tc
		           JOIN information_schema.key_column_usage k
		             ON k.constraint_name = tc.constraint_name
		            AND k.table_schema = tc.table_schema
		           WHERE tc.constraint_type = 'PRIMARY KEY'
		             AND tc.table_schema = c.table_schema
		             AND tc.table_name = c.table_name
		             AND k.column_name = c.column_name)
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %q: %w", table, err)
	}
	defer rows.Close()

	var cols []domain.ColumnInfo
	for rows.Next() {
		var c domain.ColumnInfo
		if err := rows.Scan(&c.Name, &c.Type, &c.NotNull, &c.PrimaryKey); err != nil {
			return nil, err
		}
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

func (Postgres) Indexes(ctx context.Context, db *sql.DB, table string) ([]domain.IndexInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT i.relname, ix.indisunique, a.attname
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE t.relname = $1 AND n.nspname = current_schema()
		ORDER BY i.relname, k.ord`, table)
	if err != nil {
		return nil, fmt.Errorf("indexes of %q: %w", table, err)
	}
	defer rows.Close()

	var (
		out   []domain.IndexInfo
		byKey = map[string]int{}
	)
	for rows.Next() {
		var (
			name, col string
			unique    bool
		)
		if err := rows.Scan(&name, &unique, &col); err != nil {
			return nil, err
		}
		i, ok := byKey[name]
		if !ok {
			out = append(out, domain.IndexInfo{Name: name, Unique: unique})
			i = len(out) - 1
			byKey[name] = i
		}
		out[i].Columns = append(out[i].Columns, col)
	}
	return out, rows.Err()
}

// Explain returns the text lines of EXPLAIN.
func (Postgres) Explain(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "EXPLAIN "+query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}
