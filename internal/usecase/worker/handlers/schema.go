package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"forkmesh/internal/domain"
)

// Recommendation is one schema finding.
type Recommendation struct {
	Table   string `json:"table"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Impact  string `json:"impact"`
}

type analyzeSchemaInput struct {
	Tables    []string `json:"tables"`
	Operation string   `json:"operation"`
	Focus     []string `json:"focus"`
}

// AnalyzeSchemaResult is the output of analyze-schema.
type AnalyzeSchemaResult struct {
	Operation            string           `json:"operation,omitempty"`
	TablesAnalyzed       int              `json:"tables_analyzed"`
	Recommendations      []Recommendation `json:"recommendations"`
	EstimatedImprovement float64          `json:"estimated_improvement"`
}

const wideTableColumns = 20

var impactWeight = map[string]float64{"high": 20, "medium": 10, "low": 5}

// schemaAnalyzer inspects tables on the fork and suggests structural changes.
type schemaAnalyzer struct{}

func (schemaAnalyzer) Execute(ctx context.Context, fork domain.Endpoint, payload json.RawMessage) (any, error) {
	var in analyzeSchemaInput
	if err := decode("analyze-schema", payload, &in); err != nil {
		return nil, err
	}
	d, db := fork.Dialect(), fork.DB()

	existing, err := d.Tables(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	tables := in.Tables
	if len(tables) == 0 {
		tables = existing
	}
	known := make(map[string]bool, len(existing))
	for _, t := range existing {
		known[t] = true
	}

	focus := make(map[string]bool, len(in.Focus))
	for _, f := range in.Focus {
		focus[strings.ToLower(f)] = true
	}

	res := AnalyzeSchemaResult{Operation: in.Operation, Recommendations: []Recommendation{}}
	for _, table := range tables {
		if !domain.ValidIdentifier(table) {
			return nil, domain.NewDomainError("analyze-schema", domain.ErrUnsafeIdentifier, table)
		}
		if !known[table] {
			return nil, domain.NewSubSystemError("task", "analyze-schema", domain.ErrNotFound, fmt.Sprintf("table %q", table))
		}
		cols, err := d.Columns(ctx, db, table)
		if err != nil {
			return nil, fmt.Errorf("columns of %s: %w", table, err)
		}
		idx, err := d.Indexes(ctx, db, table)
		if err != nil {
			return nil, fmt.Errorf("indexes of %s: %w", table, err)
		}
		res.TablesAnalyzed++
		for _, r := range analyzeTable(table, cols, idx) {
			if len(focus) > 0 && !focus[r.Kind] {
				continue
			}
			res.Recommendations = append(res.Recommendations, r)
			res.EstimatedImprovement += impactWeight[r.Impact]
		}
	}
	if res.EstimatedImprovement > 80 {
		res.EstimatedImprovement = 80
	}
	return res, nil
}

func analyzeTable(table string, cols []domain.ColumnInfo, idx []domain.IndexInfo) []Recommendation {
	var out []Recommendation

	hasPK := false
	for _, c := range cols {
		if c.PrimaryKey {
			hasPK = true
			break
		}
	}
	if !hasPK {
		out = append(out, Recommendation{table, "primary_key", "table has no primary key; upserts and incremental sync cannot run against it", "high"})
	}

	for _, c := range cols {
		if c.PrimaryKey || leadsIndex(c.Name, idx) {
			continue
		}
		switch {
		case strings.HasSuffix(c.Name, "_id"):
			out = append(out, Recommendation{table, "index", fmt.Sprintf("reference column %s is not indexed", c.Name), "medium"})
		case isTimestampName(c.Name):
			out = append(out, Recommendation{table, "index", fmt.Sprintf("timestamp column %s is not indexed; range scans and incremental sync read it", c.Name), "medium"})
		}
	}

	if len(cols) > wideTableColumns {
		out = append(out, Recommendation{table, "normalization", fmt.Sprintf("table has %d columns; consider splitting rarely used ones out", len(cols)), "low"})
	}
	return out
}

// leadsIndex reports whether column is the first column of any index.
func leadsIndex(column string, idx []domain.IndexInfo) bool {
	for _, ix := range idx {
		if len(ix.Columns) > 0 && strings.EqualFold(ix.Columns[0], column) {
			return true
		}
	}
	return false
}

func isTimestampName(name string) bool {
	n := strings.ToLower(name)
	return strings.HasSuffix(n, "_at") || n == "timestamp" || n == "ts" || strings.HasSuffix(n, "_time")
}
