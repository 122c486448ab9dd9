// Package consensus runs an agent's model several times against one
// prompt and reduces the outputs to a single decision with a quality
// signal.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/avery/foreman/internal/agents"
	"github.com/avery/foreman/internal/config"
	"github.com/avery/foreman/internal/ledger"
	"github.com/avery/foreman/internal/logging"
	"github.com/avery/foreman/internal/modelexec"
	"github.com/avery/foreman/internal/textutil"
)

// ErrExecutionUnavailable is returned when every execution in a round
// fails. The scheduler treats it as an infrastructure blocker, not a
// task failure.
var ErrExecutionUnavailable = errors.New("consensus: execution unavailable")

// NeutralQuality is the fixed quality score for single-execution
// rounds, where clustering is skipped.
const NeutralQuality = 50.0

// OutputShape selects the reduction strategy.
type OutputShape string

const (
	// ShapeDiscrete expects one of a finite set of labels; reduction
	// is a majority vote.
	ShapeDiscrete OutputShape = "discrete"
	// ShapeText expects free-form text; reduction clusters by
	// similarity and picks the most central member.
	ShapeText OutputShape = "text"
)

// Request describes one consensus round.
type Request struct {
	Agent  *agents.Agent
	TaskID string
	Prompt string
	// ModelID keys the catalog entry; ModelName is what the executor
	// is called with.
	ModelID   string
	ModelName string
	Shape     OutputShape
	// ExecutionCount overrides the configured default when > 0.
	ExecutionCount int
}

// Execution is one run's raw outcome. Rounds are 1-based and assigned
// before execution starts.
type Execution struct {
	Round        int
	Output       string
	Failed       bool
	FailureCause string
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
}

// Result is the reduced outcome of a round.
type Result struct {
	Decision     string
	Quality      float64 // 0-100
	NeedsReview  bool
	Executions   []Execution
	SuccessCount int
	// Cost is the priced total across every execution in the round,
	// failed ones included.
	Cost float64
}

// Engine drives parallel executions and reduction.
type Engine struct {
	exec modelexec.Executor
	led  *ledger.Ledger
	cfg  config.ConsensusConfig
	log  *logging.Logger

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// New creates an Engine.
func New(exec modelexec.Executor, led *ledger.Ledger, cfg config.ConsensusConfig) *Engine {
	return &Engine{
		exec: exec,
		led:  led,
		cfg:  cfg,
		log:  logging.Component("consensus"),
		sems: make(map[string]*semaphore.Weighted),
	}
}

// Resolve runs the round. Every execution, failed or not, is priced
// into the ledger; failed ones carry zero tokens and a failure flag
// and are excluded from reduction. When all executions fail, Resolve
// fails with ErrExecutionUnavailable.
func (e *Engine) Resolve(ctx context.Context, req Request) (*Result, error) {
	n := req.ExecutionCount
	if n < 1 && req.Agent != nil {
		n = req.Agent.Config.ExecutionsPerTask
	}
	if n < 1 {
		n = e.cfg.DefaultExecutions
	}
	if n < 1 {
		n = 1
	}

	kind := ledger.KindConsensusVote
	if n == 1 {
		kind = ledger.KindTaskCompletion
	}

	runs := make([]Execution, n)
	for i := range runs {
		runs[i].Round = i + 1
	}

	sem := e.agentSemaphore(req.Agent)
	var g errgroup.Group
	for i := range runs {
		run := &runs[i]
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				run.Failed = true
				run.FailureCause = err.Error()
				return nil
			}
			defer sem.Release(1)

			execCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
			defer cancel()

			start := time.Now()
			res, err := e.exec.Execute(execCtx, req.ModelName, req.Prompt)
			run.Duration = time.Since(start)
			if err != nil {
				run.Failed = true
				run.FailureCause = err.Error()
				return nil
			}
			run.Output = res.Output
			run.InputTokens = res.InputTokens
			run.OutputTokens = res.OutputTokens
			return nil
		})
	}
	_ = g.Wait()

	cost := e.recordRuns(ctx, req, kind, runs)

	var successes []Execution
	for _, run := range runs {
		if !run.Failed {
			successes = append(successes, run)
		}
	}
	if len(successes) == 0 {
		return nil, fmt.Errorf("all %d executions failed for task %s: %w",
			n, req.TaskID, ErrExecutionUnavailable)
	}

	result := &Result{Executions: runs, SuccessCount: len(successes), Cost: cost}

	if n == 1 {
		result.Decision = successes[0].Output
		result.Quality = NeutralQuality
		return result, nil
	}

	switch req.Shape {
	case ShapeDiscrete:
		result.Decision, result.Quality = reduceDiscrete(successes)
	default:
		result.Decision, result.Quality, result.NeedsReview =
			reduceText(successes, e.cfg.SimilarityThreshold)
	}

	e.log.Event("debug").
		Str("task_id", req.TaskID).
		Int("executions", n).
		Int("successes", len(successes)).
		Float64("quality", result.Quality).
		Bool("needs_review", result.NeedsReview).
		Msg("consensus resolved")
	return result, nil
}

// recordRuns prices every execution into the ledger and returns the
// round's total cost. Ledger failures are logged; they do not undo a
// completed round.
func (e *Engine) recordRuns(ctx context.Context, req Request, kind ledger.ExecutionKind, runs []Execution) float64 {
	if e.led == nil {
		return 0
	}
	agentID := ""
	if req.Agent != nil {
		agentID = req.Agent.ID
	}
	var total float64
	for _, run := range runs {
		rec := ledger.Record{
			AgentID:        agentID,
			TaskID:         req.TaskID,
			ModelID:        req.ModelID,
			Kind:           kind,
			Duration:       run.Duration,
			ConsensusRound: run.Round,
			Failed:         run.Failed,
		}
		if !run.Failed {
			rec.InputTokens = run.InputTokens
			rec.OutputTokens = run.OutputTokens
		}
		row, err := e.led.Record(ctx, rec)
		if err != nil {
			e.log.Err(err).Str("task_id", req.TaskID).Int("round", run.Round).
				Msg("ledger write failed")
			continue
		}
		total += row.TotalCost
	}
	return total
}

// reduceDiscrete is a majority vote over trimmed outputs. A tie goes
// to the tied option produced by the earliest round.
func reduceDiscrete(successes []Execution) (string, float64) {
	votes := make(map[string]int)
	earliest := make(map[string]int)
	for _, run := range successes {
		opt := strings.TrimSpace(run.Output)
		votes[opt]++
		if r, ok := earliest[opt]; !ok || run.Round < r {
			earliest[opt] = run.Round
		}
	}

	best := ""
	bestVotes := -1
	for opt, count := range votes {
		switch {
		case count > bestVotes:
			best, bestVotes = opt, count
		case count == bestVotes && earliest[opt] < earliest[best]:
			best = opt
		}
	}
	quality := 100 * float64(bestVotes) / float64(len(successes))
	return best, quality
}

// reduceText clusters outputs by token similarity (greedy single-link
// against the threshold), picks the largest cluster, and returns its
// most central member. Quality is cohesion times the cluster's share
// of successful runs. An all-singleton outcome is flagged for review.
func reduceText(successes []Execution, threshold float64) (string, float64, bool) {
	clusters := clusterByShape(successes, threshold)

	winner := clusters[0]
	for _, c := range clusters[1:] {
		if len(c) > len(winner) {
			winner = c
		} else if len(c) == len(winner) && c[0].Round < winner[0].Round {
			winner = c
		}
	}

	decision := centralMember(winner)
	cohesion := clusterCohesion(winner)
	quality := 100 * cohesion * float64(len(winner)) / float64(len(successes))

	needsReview := len(successes) > 1 && len(clusters) == len(successes)
	return decision, quality, needsReview
}

// clusterByShape assigns each run, in round order, to the first
// cluster where it is similar to any member, or starts a new cluster.
func clusterByShape(successes []Execution, threshold float64) [][]Execution {
	var clusters [][]Execution
	for _, run := range successes {
		placed := false
		for i, c := range clusters {
			for _, member := range c {
				if textutil.TextSimilarity(run.Output, member.Output) >= threshold {
					clusters[i] = append(clusters[i], run)
					placed = true
					break
				}
			}
			if placed {
				break
			}
		}
		if !placed {
			clusters = append(clusters, []Execution{run})
		}
	}
	return clusters
}

// centralMember picks the member with the highest mean similarity to
// the rest of its cluster; ties go to the lowest round.
func centralMember(cluster []Execution) string {
	if len(cluster) == 1 {
		return cluster[0].Output
	}
	best := 0
	bestScore := -1.0
	for i := range cluster {
		total := 0.0
		for j := range cluster {
			if i == j {
				continue
			}
			total += textutil.TextSimilarity(cluster[i].Output, cluster[j].Output)
		}
		mean := total / float64(len(cluster)-1)
		if mean > bestScore || (mean == bestScore && cluster[i].Round < cluster[best].Round) {
			best, bestScore = i, mean
		}
	}
	return cluster[best].Output
}

// clusterCohesion is the mean pairwise similarity inside a cluster;
// a singleton is perfectly cohesive.
func clusterCohesion(cluster []Execution) float64 {
	if len(cluster) < 2 {
		return 1
	}
	total := 0.0
	pairs := 0
	for i := 0; i < len(cluster); i++ {
		for j := i + 1; j < len(cluster); j++ {
			total += textutil.TextSimilarity(cluster[i].Output, cluster[j].Output)
			pairs++
		}
	}
	return total / float64(pairs)
}

// agentSemaphore bounds parallel model calls per agent. The per-agent
// config override wins; otherwise the engine default applies.
func (e *Engine) agentSemaphore(agent *agents.Agent) *semaphore.Weighted {
	limit := e.cfg.MaxParallelPerAgent
	key := ""
	if agent != nil {
		key = agent.ID
		if agent.Config.MaxParallelExecutions > 0 {
			limit = agent.Config.MaxParallelExecutions
		}
	}
	if limit < 1 {
		limit = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if sem, ok := e.sems[key]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(limit)
	e.sems[key] = sem
	return sem
}
