package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"forkmesh/internal/domain"
)

type aggregateLearningInput struct {
	Timeframe      string `json:"timeframe"`
	IncludeMetrics bool   `json:"include_metrics"`
}

// LearningMetrics summarizes the learning tables over a timeframe.
type LearningMetrics struct {
	Patterns          int     `json:"patterns"`
	Optimizations     int     `json:"optimizations"`
	AvgImprovementPct float64 `json:"avg_improvement_pct"`
}

// AggregateLearningResult is the output of aggregate-learning.
type AggregateLearningResult struct {
	Timeframe string           `json:"timeframe"`
	Insights  []string         `json:"insights"`
	Metrics   *LearningMetrics `json:"metrics,omitempty"`
}

const defaultTimeframe = 24 * time.Hour

// parseTimeframe accepts Go durations plus a day suffix, e.g. "7d".
func parseTimeframe(s string) (time.Duration, error) {
	if s == "" {
		return defaultTimeframe, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid timeframe %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	return d, nil
}

// learningAggregator reports what the fork's agents learned recently.
type learningAggregator struct{ learn *learning }

func (a *learningAggregator) Execute(ctx context.Context, fork domain.Endpoint, payload json.RawMessage) (any, error) {
	var in aggregateLearningInput
	if err := decode("aggregate-learning", payload, &in); err != nil {
		return nil, err
	}
	window, err := parseTimeframe(in.Timeframe)
	if err != nil {
		return nil, domain.NewSubSystemError("task", "aggregate-learning", domain.ErrInvalidInput, err.Error())
	}
	if err := a.learn.ensure(ctx, fork); err != nil {
		return nil, err
	}
	since := domain.FormatTime(a.learn.now().Add(-window))
	db, d := fork.DB(), fork.Dialect()

	type category struct {
		name       string
		count      int
		confidence float64
	}
	rows, err := db.QueryContext(ctx, d.Rebind(`SELECT category, COUNT(*), AVG(confidence) FROM learned_patterns
		WHERE updated_at >= ? GROUP BY category ORDER BY COUNT(*) DESC, category`), since)
	if err != nil {
		return nil, fmt.Errorf("read learned patterns: %w", err)
	}
	var categories []category
	for rows.Next() {
		var c category
		if err := rows.Scan(&c.name, &c.count, &c.confidence); err != nil {
			rows.Close()
			return nil, err
		}
		categories = append(categories, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	type strategy struct {
		runs    int
		gainSum float64
	}
	rows, err = db.QueryContext(ctx, d.Rebind(`SELECT strategy, before_ms, after_ms FROM optimization_history WHERE updated_at >= ?`), since)
	if err != nil {
		return nil, fmt.Errorf("read optimization history: %w", err)
	}
	strategies := map[string]*strategy{}
	var (
		optimizations int
		gainSum       float64
		gainCount     int
	)
	for rows.Next() {
		var (
			name          string
			before, after float64
		)
		if err := rows.Scan(&name, &before, &after); err != nil {
			rows.Close()
			return nil, err
		}
		optimizations++
		s, ok := strategies[name]
		if !ok {
			s = &strategy{}
			strategies[name] = s
		}
		s.runs++
		if before > 0 {
			gain := (before - after) / before * 100
			s.gainSum += gain
			gainSum += gain
			gainCount++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res := AggregateLearningResult{Timeframe: window.String(), Insights: []string{}}
	patterns := 0
	for _, c := range categories {
		patterns += c.count
		res.Insights = append(res.Insights, fmt.Sprintf("%d %s pattern(s) learned, average confidence %.2f", c.count, c.name, c.confidence))
	}

	names := make([]string, 0, len(strategies))
	for n := range strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	best, bestGain := "", 0.0
	for _, n := range names {
		s := strategies[n]
		if g := s.gainSum / float64(s.runs); best == "" || g > bestGain {
			best, bestGain = n, g
		}
	}
	if best != "" {
		res.Insights = append(res.Insights, fmt.Sprintf("strategy %q improved queries by %.1f%% on average over %d run(s)",
			best, bestGain, strategies[best].runs))
	}
	if len(res.Insights) == 0 {
		res.Insights = append(res.Insights, fmt.Sprintf("no learning data in the last %s", window))
	}

	if in.IncludeMetrics {
		m := &LearningMetrics{Patterns: patterns, Optimizations: optimizations}
		if gainCount > 0 {
			m.AvgImprovementPct = gainSum / float64(gainCount)
		}
		res.Metrics = m
	}
	return res, nil
}
