package forksync

import (
	"fmt"
	"strings"

	"forkmesh/internal/domain"
)

// tableSpec is the introspected shape of one table being copied. Only
// names taken from introspection end up interpolated into SQL.
type tableSpec struct {
	name      string
	columns   []string // shared by source and target, in source order
	pk        []string // target primary key
	timestamp string   // empty when none was found
}

// nonKey returns the columns that are not part of the primary key.
func (t *tableSpec) nonKey() []string {
	key := make(map[string]bool, len(t.pk))
	for _, c := range t.pk {
		key[c] = true
	}
	var out []string
	for _, c := range t.columns {
		if !key[c] {
			out = append(out, c)
		}
	}
	return out
}

// pkIndexes returns the positions of the key columns inside columns.
func (t *tableSpec) pkIndexes() []int {
	var out []int
	for _, k := range t.pk {
		for i, c := range t.columns {
			if c == k {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

func quoteAll(d domain.Dialect, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = d.QuoteIdent(n)
	}
	return out
}

func selectStatement(d domain.Dialect, t *tableSpec, where string) string {
	cols := make([]string, len(t.columns))
	for i, c := range t.columns {
		cols[i] = d.ReadColumn(c)
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), d.QuoteIdent(t.name))
	if where != "" {
		q += " WHERE " + where
	}
	if t.timestamp != "" {
		q += " ORDER BY " + d.QuoteIdent(t.timestamp)
	}
	return d.Rebind(q)
}

func insertStatement(d domain.Dialect, t *tableSpec) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdent(t.name), strings.Join(quoteAll(d, t.columns), ", "), marks)
}

// upsertStatement extends the insert with an ON CONFLICT clause on the
// primary key that applies policy. Both engines share the syntax.
func upsertStatement(d domain.Dialect, t *tableSpec, policy domain.ConflictPolicy) string {
	q := insertStatement(d, t) + " ON CONFLICT (" + strings.Join(quoteAll(d, t.pk), ", ") + ")"
	cols := t.nonKey()
	if len(cols) == 0 {
		return d.Rebind(q + " DO NOTHING")
	}

	table := d.QuoteIdent(t.name)
	sets := make([]string, len(cols))
	switch policy {
	case domain.SourceWins:
		for i, c := range cols {
			qc := d.QuoteIdent(c)
			sets[i] = qc + " = excluded." + qc
		}
	case domain.Merge:
		for i, c := range cols {
			qc := d.QuoteIdent(c)
			sets[i] = fmt.Sprintf("%s = COALESCE(%s.%s, excluded.%s)", qc, table, qc, qc)
		}
	default:
		return d.Rebind(q + " DO NOTHING")
	}
	return d.Rebind(q + " DO UPDATE SET " + strings.Join(sets, ", "))
}

// conflictKey renders the primary key of row for the conflicts list.
func conflictKey(t *tableSpec, row []any) string {
	idx := t.pkIndexes()
	parts := make([]string, len(idx))
	for i, j := range idx {
		switch v := row[j].(type) {
		case []byte:
			parts[i] = string(v)
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return t.name + ":" + strings.Join(parts, ",")
}
