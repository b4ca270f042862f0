package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"forkmesh/internal/domain"
)

var (
	selectStarRe   = regexp.MustCompile(`(?is)^select\s+\*\s+(from\s+"?([A-Za-z_][A-Za-z0-9_]*)"?(?:\s.*)?)$`)
	fromTableRe    = regexp.MustCompile(`(?i)\bfrom\s+"?([A-Za-z_][A-Za-z0-9_]*)"?`)
	whereRe        = regexp.MustCompile(`(?i)\bwhere\b`)
	limitRe        = regexp.MustCompile(`(?i)\blimit\b`)
	orderByRe      = regexp.MustCompile(`(?i)\border\s+by\s+"?([A-Za-z_][A-Za-z0-9_]*)"?`)
	leadingLikeRe  = regexp.MustCompile(`(?i)\blike\s+'%`)
	notInSelectRe  = regexp.MustCompile(`(?i)\bnot\s+in\s*\(\s*select\b`)
	unionRe        = regexp.MustCompile(`(?i)\bunion(\s+all)?\b`)
	aggregateRe    = regexp.MustCompile(`(?i)\b(count|sum|avg|min|max)\s*\(`)
	literalRe      = regexp.MustCompile(`'(?:[^']|'')*'`)
	comparedColRe  = regexp.MustCompile(`(?i)"?\b([A-Za-z_][A-Za-z0-9_]*)"?\s*(?:=|<>|!=|<=|>=|<|>|\blike\b|\bin\b|\bbetween\b)`)
	selectStarWord = regexp.MustCompile(`(?i)\bselect\s+\*`)
)

// queryWarnings returns heuristics that hold regardless of the engine.
func queryWarnings(q string) []string {
	var out []string
	if selectStarWord.MatchString(q) {
		out = append(out, "SELECT * reads every column; list the columns you need")
	}
	if fromTableRe.MatchString(q) && !whereRe.MatchString(q) && !limitRe.MatchString(q) && !aggregateRe.MatchString(q) {
		out = append(out, "query has no WHERE or LIMIT and reads the whole table")
	}
	if leadingLikeRe.MatchString(q) {
		out = append(out, "LIKE with a leading wildcard cannot use an index")
	}
	if orderByRe.MatchString(q) && !limitRe.MatchString(q) {
		out = append(out, "ORDER BY without LIMIT sorts the full result")
	}
	if notInSelectRe.MatchString(q) {
		out = append(out, "NOT IN (SELECT ...) is NULL sensitive and often slow; prefer NOT EXISTS")
	}
	return out
}

// isFullScan reports whether a plan line is a sequential table scan.
func isFullScan(line string) bool {
	up := strings.ToUpper(strings.TrimSpace(line))
	if strings.Contains(up, "SEQ SCAN") {
		return true
	}
	return strings.HasPrefix(up, "SCAN") && !strings.Contains(up, "INDEX")
}

type validateQueryInput struct {
	SQL              string `json:"sql"`
	CheckPerformance bool   `json:"check_performance"`
}

// CostEstimate summarizes a query plan.
type CostEstimate struct {
	Plan      []string `json:"plan"`
	FullScans int      `json:"full_scans"`
	PlanSteps int      `json:"plan_steps"`
}

// ValidateQueryResult is the output of validate-query.
type ValidateQueryResult struct {
	IsValid      bool          `json:"is_valid"`
	IsSafe       bool          `json:"is_safe"`
	Warnings     []string      `json:"warnings"`
	CostEstimate *CostEstimate `json:"cost_estimate,omitempty"`
}

// queryValidator checks that a query is read-only and plans on the fork.
// Statements that are not read-only are never sent to the database.
type queryValidator struct{}

func (queryValidator) Execute(ctx context.Context, fork domain.Endpoint, payload json.RawMessage) (any, error) {
	var in validateQueryInput
	if err := decode("validate-query", payload, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.SQL) == "" {
		return nil, domain.NewSubSystemError("task", "validate-query", domain.ErrInvalidInput, "sql is required")
	}

	res := ValidateQueryResult{Warnings: queryWarnings(in.SQL)}
	if err := domain.CheckReadOnlyQuery(in.SQL); err != nil {
		res.Warnings = append(res.Warnings, "not planned: "+err.Error())
		return res, nil
	}
	res.IsSafe = true

	plan, err := fork.Dialect().Explain(ctx, fork.DB(), in.SQL)
	if err != nil {
		res.Warnings = append(res.Warnings, "plan failed: "+err.Error())
		return res, nil
	}
	res.IsValid = true

	if in.CheckPerformance {
		est := &CostEstimate{Plan: plan, PlanSteps: len(plan)}
		for _, line := range plan {
			if isFullScan(line) {
				est.FullScans++
			}
		}
		if est.FullScans > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("plan contains %d full table scan(s)", est.FullScans))
		}
		res.CostEstimate = est
	}
	return res, nil
}

type optimizeQueryInput struct {
	SQL            string `json:"sql"`
	SuggestIndexes bool   `json:"suggest_indexes"`
}

// OptimizeQueryResult is the output of optimize-query.
type OptimizeQueryResult struct {
	OriginalSQL      string   `json:"original_sql"`
	OptimizedSQL     string   `json:"optimized_sql"`
	Improvements     []string `json:"improvements"`
	IndexSuggestions []string `json:"index_suggestions"`
}

// queryOptimizer rewrites a read-only query and proposes indexes. Every
// outcome is recorded as a learned pattern on the fork.
type queryOptimizer struct{ learn *learning }

func (o *queryOptimizer) Execute(ctx context.Context, fork domain.Endpoint, payload json.RawMessage) (any, error) {
	var in optimizeQueryInput
	if err := decode("optimize-query", payload, &in); err != nil {
		return nil, err
	}
	if err := domain.CheckReadOnlyQuery(in.SQL); err != nil {
		return nil, err
	}
	d, db := fork.Dialect(), fork.DB()
	original := strings.TrimSuffix(strings.TrimSpace(in.SQL), ";")
	res := OptimizeQueryResult{
		OriginalSQL:      original,
		OptimizedSQL:     original,
		Improvements:     []string{},
		IndexSuggestions: []string{},
	}

	var (
		table string
		cols  []domain.ColumnInfo
		idx   []domain.IndexInfo
	)
	if m := fromTableRe.FindStringSubmatch(original); m != nil {
		c, err := d.Columns(ctx, db, m[1])
		switch {
		case err == nil:
			table, cols = m[1], c
			if idx, err = d.Indexes(ctx, db, table); err != nil {
				return nil, fmt.Errorf("indexes of %s: %w", table, err)
			}
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("columns of %s: %w", m[1], err)
		}
	}

	if m := selectStarRe.FindStringSubmatch(original); m != nil && m[2] == table && len(cols) > 0 {
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = d.QuoteIdent(c.Name)
		}
		rewritten := "SELECT " + strings.Join(names, ", ") + " " + m[1]
		if _, err := d.Explain(ctx, db, rewritten); err == nil {
			res.OptimizedSQL = rewritten
			res.Improvements = append(res.Improvements, fmt.Sprintf("expanded SELECT * into %d explicit columns", len(cols)))
		}
	}
	if notInSelectRe.MatchString(original) {
		res.Improvements = append(res.Improvements, "rewrite NOT IN (SELECT ...) as NOT EXISTS to avoid NULL pitfalls")
	}
	for _, m := range unionRe.FindAllStringSubmatch(original, -1) {
		if m[1] == "" {
			res.Improvements = append(res.Improvements, "use UNION ALL when duplicates are impossible to skip the dedup sort")
			break
		}
	}
	if orderByRe.MatchString(original) && !limitRe.MatchString(original) {
		res.Improvements = append(res.Improvements, "add LIMIT to bound the ORDER BY sort")
	}

	if in.SuggestIndexes && table != "" {
		res.IndexSuggestions = suggestIndexes(d, table, original, cols, idx)
	}

	confidence := 0.5 + 0.1*float64(len(res.Improvements)+len(res.IndexSuggestions))
	if confidence > 0.95 {
		confidence = 0.95
	}
	if err := o.learn.recordPattern(ctx, fork, agentID(ctx, fork), normalizeSQL(original), "query-optimization", confidence); err != nil {
		return nil, err
	}
	return res, nil
}

// suggestIndexes proposes single-column indexes for filtered or ordered
// columns that exist on table and do not already lead an index.
func suggestIndexes(d domain.Dialect, table, query string, cols []domain.ColumnInfo, idx []domain.IndexInfo) []string {
	byName := make(map[string]domain.ColumnInfo, len(cols))
	for _, c := range cols {
		byName[strings.ToLower(c.Name)] = c
	}

	stripped := literalRe.ReplaceAllString(query, "?")
	var candidates []string
	if loc := whereRe.FindStringIndex(stripped); loc != nil {
		for _, m := range comparedColRe.FindAllStringSubmatch(stripped[loc[1]:], -1) {
			candidates = append(candidates, m[1])
		}
	}
	for _, m := range orderByRe.FindAllStringSubmatch(stripped, -1) {
		candidates = append(candidates, m[1])
	}

	out := []string{}
	seen := map[string]bool{}
	for _, name := range candidates {
		c, ok := byName[strings.ToLower(name)]
		if !ok || c.PrimaryKey || seen[c.Name] || leadsIndex(c.Name, idx) {
			continue
		}
		seen[c.Name] = true
		out = append(out, fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			d.QuoteIdent("idx_"+table+"_"+c.Name), d.QuoteIdent(table), d.QuoteIdent(c.Name)))
	}
	return out
}
