package forksync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"forkmesh/internal/domain"
)

// timestampCandidates are tried in order when a table has no configured
// timestamp column.
var timestampCandidates = []string{"updated_at", "modified_at", "last_modified", "created_at", "timestamp"}

// copyResult is what one table contributed to a job.
type copyResult struct {
	records   int64
	conflicts []string
}

// introspect builds the tableSpec of table from both endpoints. The column set
// is the intersection of source and target columns.
func introspect(ctx context.Context, src, dst domain.Endpoint, table, tsOverride string) (*tableSpec, error) {
	srcCols, err := src.Dialect().Columns(ctx, src.DB(), table)
	if err != nil {
		return nil, fmt.Errorf("source columns: %w", err)
	}
	dstCols, err := dst.Dialect().Columns(ctx, dst.DB(), table)
	if err != nil {
		return nil, fmt.Errorf("target columns: %w", err)
	}

	onTarget := make(map[string]domain.ColumnInfo, len(dstCols))
	for _, c := range dstCols {
		onTarget[strings.ToLower(c.Name)] = c
	}
	ts := &tableSpec{name: table}
	for _, c := range srcCols {
		tc, ok := onTarget[strings.ToLower(c.Name)]
		if !ok {
			continue
		}
		ts.columns = append(ts.columns, tc.Name)
		if tc.PrimaryKey {
			ts.pk = append(ts.pk, tc.Name)
		}
	}
	if len(ts.columns) == 0 {
		return nil, domain.NewSubSystemError("sync", "introspect", domain.ErrInvalidInput, "source and target share no columns")
	}

	has := func(name string) (string, bool) {
		for _, c := range ts.columns {
			if strings.EqualFold(c, name) {
				return c, true
			}
		}
		return "", false
	}
	if tsOverride != "" {
		c, ok := has(tsOverride)
		if !ok {
			return nil, domain.NewDomainError("introspect", domain.ErrNoTimestampColumn, fmt.Sprintf("configured column %q does not exist", tsOverride))
		}
		ts.timestamp = c
		return ts, nil
	}
	for _, cand := range timestampCandidates {
		if c, ok := has(cand); ok {
			ts.timestamp = c
			break
		}
	}
	return ts, nil
}

// readRows drains query into memory, one []any per row.
func readRows(ctx context.Context, db *sql.DB, width int, query string, args ...any) ([][]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, width)
		ptrs := make([]any, width)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// copyFull replaces the target table with every source row in one target
// transaction.
func copyFull(ctx context.Context, src, dst domain.Endpoint, t *tableSpec) (copyResult, error) {
	rows, err := readRows(ctx, src.DB(), len(t.columns), selectStatement(src.Dialect(), t, ""))
	if err != nil {
		return copyResult{}, fmt.Errorf("read source: %w", err)
	}

	tx, err := dst.DB().BeginTx(ctx, nil)
	if err != nil {
		return copyResult{}, err
	}
	defer tx.Rollback()

	d := dst.Dialect()
	if _, err := tx.ExecContext(ctx, d.TruncateStatement(t.name)); err != nil {
		return copyResult{}, fmt.Errorf("truncate target: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, d.Rebind(insertStatement(d, t)))
	if err != nil {
		return copyResult{}, err
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return copyResult{}, fmt.Errorf("insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return copyResult{}, err
	}
	return copyResult{records: int64(len(rows))}, nil
}

// copyIncremental upserts source rows newer than the newest target row.
func copyIncremental(ctx context.Context, src, dst domain.Endpoint, t *tableSpec, policy domain.ConflictPolicy) (copyResult, error) {
	if t.timestamp == "" {
		return copyResult{}, domain.NewDomainError("copyIncremental", domain.ErrNoTimestampColumn, t.name)
	}
	if len(t.pk) == 0 {
		return copyResult{}, domain.NewDomainError("copyIncremental", domain.ErrNoPrimaryKey, t.name)
	}

	d := dst.Dialect()
	var high any
	err := dst.DB().QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s", d.QuoteIdent(t.timestamp), d.QuoteIdent(t.name))).Scan(&high)
	if err != nil {
		return copyResult{}, fmt.Errorf("target watermark: %w", err)
	}

	var (
		rows [][]any
		sd   = src.Dialect()
	)
	if high == nil {
		rows, err = readRows(ctx, src.DB(), len(t.columns), selectStatement(sd, t, ""))
	} else {
		rows, err = readRows(ctx, src.DB(), len(t.columns), selectStatement(sd, t, sd.QuoteIdent(t.timestamp)+" > ?"), high)
	}
	if err != nil {
		return copyResult{}, fmt.Errorf("read source: %w", err)
	}
	if len(rows) == 0 {
		return copyResult{}, nil
	}

	tx, err := dst.DB().BeginTx(ctx, nil)
	if err != nil {
		return copyResult{}, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, upsertStatement(d, t, policy))
	if err != nil {
		return copyResult{}, err
	}
	defer stmt.Close()

	var res copyResult
	for _, row := range rows {
		r, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			return copyResult{}, fmt.Errorf("upsert: %w", err)
		}
		res.tally(t, row, r, policy)
	}
	if err := tx.Commit(); err != nil {
		return copyResult{}, err
	}
	return res, nil
}

// copySelective upserts the source rows matching filter one at a time. A
// failing row is logged and skipped.
func copySelective(ctx context.Context, src, dst domain.Endpoint, t *tableSpec, filter string, policy domain.ConflictPolicy, logger *slog.Logger) (copyResult, error) {
	if len(t.pk) == 0 {
		return copyResult{}, domain.NewDomainError("copySelective", domain.ErrNoPrimaryKey, t.name)
	}
	if filter != "" {
		if err := domain.CheckPredicate(filter); err != nil {
			return copyResult{}, err
		}
	}

	rows, err := readRows(ctx, src.DB(), len(t.columns), selectStatement(src.Dialect(), t, filter))
	if err != nil {
		return copyResult{}, fmt.Errorf("read source: %w", err)
	}

	query := upsertStatement(dst.Dialect(), t, policy)
	var res copyResult
	for _, row := range rows {
		r, err := dst.DB().ExecContext(ctx, query, row...)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			logger.Warn("row skipped", "table", t.name, "key", conflictKey(t, row), "error", err)
			continue
		}
		res.tally(t, row, r, policy)
	}
	return res, nil
}

// tally counts an applied row, or records a conflict under the manual policy.
func (c *copyResult) tally(t *tableSpec, row []any, r sql.Result, policy domain.ConflictPolicy) {
	n, err := r.RowsAffected()
	if err != nil {
		n = 1
	}
	if n > 0 {
		c.records++
		return
	}
	if policy == domain.Manual {
		c.conflicts = append(c.conflicts, conflictKey(t, row))
	}
}
