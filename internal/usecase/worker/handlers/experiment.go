package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"forkmesh/internal/domain"
)

const (
	defaultExperimentDuration = time.Second
	maxRunsPerStrategy        = 100
)

type experimentStrategy struct {
	ID  string `json:"id"`
	SQL string `json:"sql"`
}

type runExperimentInput struct {
	Name       string               `json:"name"`
	Strategies []experimentStrategy `json:"strategies"`
	Duration   string               `json:"duration"`
}

// StrategyResult is the timing of one strategy.
type StrategyResult struct {
	ID    string  `json:"id"`
	Runs  int     `json:"runs"`
	AvgMS float64 `json:"avg_ms"`
	MinMS float64 `json:"min_ms"`
	MaxMS float64 `json:"max_ms"`
}

// RunExperimentResult is the output of run-experiment.
type RunExperimentResult struct {
	Name           string           `json:"name"`
	Winner         string           `json:"winner"`
	ImprovementPct float64          `json:"improvement_pct"`
	ConfidencePct  float64          `json:"confidence_pct"`
	Results        []StrategyResult `json:"results"`
}

// experimentRunner times competing read-only queries on the fork and
// records the winner in optimization_history.
type experimentRunner struct {
	learn       *learning
	maxDuration time.Duration
	logger      *slog.Logger
}

func (e *experimentRunner) Execute(ctx context.Context, fork domain.Endpoint, payload json.RawMessage) (any, error) {
	var in runExperimentInput
	if err := decode("run-experiment", payload, &in); err != nil {
		return nil, err
	}
	invalid := func(detail string) error {
		return domain.NewSubSystemError("task", "run-experiment", domain.ErrInvalidInput, detail)
	}
	if in.Name == "" {
		return nil, invalid("name is required")
	}
	if len(in.Strategies) < 2 {
		return nil, invalid("at least two strategies are required")
	}
	ids := make(map[string]bool, len(in.Strategies))
	for _, s := range in.Strategies {
		if s.ID == "" || ids[s.ID] {
			return nil, invalid(fmt.Sprintf("strategy id %q is empty or repeated", s.ID))
		}
		ids[s.ID] = true
		if err := domain.CheckReadOnlyQuery(s.SQL); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", s.ID, err)
		}
	}

	budget := defaultExperimentDuration
	if in.Duration != "" {
		d, err := time.ParseDuration(in.Duration)
		if err != nil || d <= 0 {
			return nil, invalid(fmt.Sprintf("invalid duration %q", in.Duration))
		}
		budget = d
	}
	if budget > e.maxDuration {
		budget = e.maxDuration
	}
	share := budget / time.Duration(len(in.Strategies))

	res := RunExperimentResult{Name: in.Name}
	samples := make([][]float64, len(in.Strategies))
	for i, s := range in.Strategies {
		ms, err := timeStrategy(ctx, fork, s.SQL, share)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", s.ID, err)
		}
		samples[i] = ms
		res.Results = append(res.Results, summarize(s.ID, ms))
	}

	best, worst := 0, 0
	for i, r := range res.Results {
		if r.AvgMS < res.Results[best].AvgMS {
			best = i
		}
		if r.AvgMS > res.Results[worst].AvgMS {
			worst = i
		}
	}
	res.Winner = res.Results[best].ID
	if w := res.Results[worst].AvgMS; w > 0 {
		res.ImprovementPct = (w - res.Results[best].AvgMS) / w * 100
	}
	res.ConfidencePct = confidence(samples[best])

	sum := sha256.Sum256([]byte(in.Name))
	if err := e.learn.recordOptimization(ctx, fork, agentID(ctx, fork), hex.EncodeToString(sum[:8]),
		res.Winner, res.Results[worst].AvgMS, res.Results[best].AvgMS); err != nil {
		return nil, err
	}
	e.logger.Debug("experiment finished", "name", in.Name, "winner", res.Winner, "improvement_pct", res.ImprovementPct)
	return res, nil
}

// timeStrategy runs query repeatedly, draining every row, until share has
// elapsed. It always runs at least once.
func timeStrategy(ctx context.Context, fork domain.Endpoint, query string, share time.Duration) ([]float64, error) {
	var samples []float64
	deadline := time.Now().Add(share)
	for len(samples) < maxRunsPerStrategy {
		start := time.Now()
		rows, err := fork.DB().QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
		samples = append(samples, float64(time.Since(start))/float64(time.Millisecond))
		if !time.Now().Before(deadline) {
			break
		}
	}
	return samples, nil
}

func summarize(id string, ms []float64) StrategyResult {
	r := StrategyResult{ID: id, Runs: len(ms), MinMS: math.Inf(1)}
	var sum float64
	for _, v := range ms {
		sum += v
		r.MinMS = math.Min(r.MinMS, v)
		r.MaxMS = math.Max(r.MaxMS, v)
	}
	r.AvgMS = sum / float64(len(ms))
	return r
}

// confidence falls with the winner's coefficient of variation and with
// fewer than three samples. It is capped at 99.
func confidence(ms []float64) float64 {
	if len(ms) == 0 {
		return 0
	}
	var mean float64
	for _, v := range ms {
		mean += v
	}
	mean /= float64(len(ms))
	if mean == 0 {
		return 99
	}
	var variance float64
	for _, v := range ms {
		variance += (v - mean) * (v - mean)
	}
	cv := math.Sqrt(variance/float64(len(ms))) / mean
	c := 100 * (1 - cv)
	if n := len(ms); n < 3 {
		c *= float64(n) / 3
	}
	return math.Max(0, math.Min(99, c))
}
