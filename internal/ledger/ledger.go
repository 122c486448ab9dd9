// Package ledger prices model executions against the model catalog and
// keeps the append-only record of what every execution cost.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/avery/foreman/internal/clock"
	"github.com/avery/foreman/internal/logging"
)

// ExecutionKind labels why a model call happened.
type ExecutionKind string

const (
	KindTaskCompletion ExecutionKind = "task_completion"
	KindConsensusVote  ExecutionKind = "consensus_vote"
)

// Valid returns true if the kind is a known value.
func (k ExecutionKind) Valid() bool {
	return k == KindTaskCompletion || k == KindConsensusVote
}

// ExecutionCost is one priced model execution. Failed executions are
// recorded too, with whatever tokens were consumed (possibly zero).
type ExecutionCost struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id,omitempty"`
	ModelID string `json:"model_id"`

	Kind ExecutionKind `json:"kind"`

	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`

	DurationMS     int64 `json:"duration_ms"`
	ConsensusRound int   `json:"consensus_round"`
	Failed         bool  `json:"failed"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate reports structural problems in a cost record.
func (c *ExecutionCost) Validate() error {
	if c.AgentID == "" || c.ModelID == "" {
		return fmt.Errorf("execution cost %s: missing agent or model reference", c.ID)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("execution cost %s: invalid kind %q", c.ID, c.Kind)
	}
	if c.InputTokens < 0 || c.OutputTokens < 0 {
		return fmt.Errorf("execution cost %s: negative token count", c.ID)
	}
	if c.TotalCost < 0 {
		return fmt.Errorf("execution cost %s: negative cost", c.ID)
	}
	if c.ConsensusRound < 1 {
		return fmt.Errorf("execution cost %s: consensus round must be >= 1", c.ID)
	}
	return nil
}

// Store is the persistence the ledger writes through.
type Store interface {
	ModelByID(ctx context.Context, id string) (*ModelCatalogEntry, error)
	InsertCost(ctx context.Context, c *ExecutionCost) error
	CostsByAgent(ctx context.Context, agentID string) ([]ExecutionCost, error)
	CostsByTask(ctx context.Context, taskID string) ([]ExecutionCost, error)
	CostsByModel(ctx context.Context, modelID string) ([]ExecutionCost, error)
}

// Record describes an execution to be priced and written.
type Record struct {
	AgentID        string
	TaskID         string
	ModelID        string
	Kind           ExecutionKind
	InputTokens    int64
	OutputTokens   int64
	Duration       time.Duration
	ConsensusRound int
	Failed         bool
}

// Summary aggregates cost rows along one dimension.
type Summary struct {
	Executions   int     `json:"executions"`
	FailedCount  int     `json:"failed_count"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// Ledger prices executions via the catalog and records them.
type Ledger struct {
	store Store
	clk   clock.Clock
	log   *logging.Logger
}

// New creates a Ledger. A nil clk falls back to the system clock.
func New(store Store, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{
		store: store,
		clk:   clk,
		log:   logging.Component("ledger"),
	}
}

// Record prices rec against the model's catalog rates and persists the
// row. The caller passes raw token counts; pricing always happens here
// so one rate table governs every execution.
func (l *Ledger) Record(ctx context.Context, rec Record) (*ExecutionCost, error) {
	model, err := l.store.ModelByID(ctx, rec.ModelID)
	if err != nil {
		return nil, fmt.Errorf("pricing execution: %w", err)
	}

	if rec.ConsensusRound < 1 {
		rec.ConsensusRound = 1
	}

	row := &ExecutionCost{
		ID:             uuid.NewString(),
		AgentID:        rec.AgentID,
		TaskID:         rec.TaskID,
		ModelID:        rec.ModelID,
		Kind:           rec.Kind,
		InputTokens:    rec.InputTokens,
		OutputTokens:   rec.OutputTokens,
		TotalCost:      model.Cost(rec.InputTokens, rec.OutputTokens),
		DurationMS:     rec.Duration.Milliseconds(),
		ConsensusRound: rec.ConsensusRound,
		Failed:         rec.Failed,
		CreatedAt:      l.clk.Now().UTC(),
	}
	if err := row.Validate(); err != nil {
		return nil, err
	}
	if err := l.store.InsertCost(ctx, row); err != nil {
		return nil, fmt.Errorf("recording execution cost: %w", err)
	}

	l.log.Event("debug").
		Str("agent_id", row.AgentID).
		Str("task_id", row.TaskID).
		Str("kind", string(row.Kind)).
		Int("round", row.ConsensusRound).
		Bool("failed", row.Failed).
		Float64("cost", row.TotalCost).
		Msg("execution recorded")
	return row, nil
}

// AgentSpend aggregates the agent's recorded executions.
func (l *Ledger) AgentSpend(ctx context.Context, agentID string) (Summary, error) {
	rows, err := l.store.CostsByAgent(ctx, agentID)
	if err != nil {
		return Summary{}, err
	}
	return summarize(rows), nil
}

// TaskSpend aggregates the task's recorded executions.
func (l *Ledger) TaskSpend(ctx context.Context, taskID string) (Summary, error) {
	rows, err := l.store.CostsByTask(ctx, taskID)
	if err != nil {
		return Summary{}, err
	}
	return summarize(rows), nil
}

// ModelSpend aggregates the model's recorded executions.
func (l *Ledger) ModelSpend(ctx context.Context, modelID string) (Summary, error) {
	rows, err := l.store.CostsByModel(ctx, modelID)
	if err != nil {
		return Summary{}, err
	}
	return summarize(rows), nil
}

func summarize(rows []ExecutionCost) Summary {
	var s Summary
	for _, r := range rows {
		s.Executions++
		if r.Failed {
			s.FailedCount++
		}
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
		s.TotalCost += r.TotalCost
	}
	return s
}
