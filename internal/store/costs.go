package store

import (
	"context"
	"fmt"

	"github.com/avery/foreman/internal/ledger"
)

const costColumns = `id, agent_id, task_id, model_id, kind, input_tokens,
	output_tokens, total_cost, duration_ms, consensus_round, failed, created_at`

// InsertCost writes an execution cost row. Rows are append-only.
func (s *Store) InsertCost(ctx context.Context, c *ledger.ExecutionCost) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO execution_costs (`+costColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AgentID, c.TaskID, c.ModelID, string(c.Kind),
		c.InputTokens, c.OutputTokens, c.TotalCost, c.DurationMS,
		c.ConsensusRound, c.Failed, fmtTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: inserting execution cost %s: %w", c.ID, err)
	}
	return nil
}

// CostsByAgent returns an agent's cost rows, oldest first.
func (s *Store) CostsByAgent(ctx context.Context, agentID string) ([]ledger.ExecutionCost, error) {
	return s.queryCosts(ctx,
		`SELECT `+costColumns+` FROM execution_costs WHERE agent_id = ? ORDER BY created_at`,
		agentID)
}

// CostsByTask returns a task's cost rows, oldest first.
func (s *Store) CostsByTask(ctx context.Context, taskID string) ([]ledger.ExecutionCost, error) {
	return s.queryCosts(ctx,
		`SELECT `+costColumns+` FROM execution_costs WHERE task_id = ? ORDER BY created_at`,
		taskID)
}

// CostsByModel returns a model's cost rows, oldest first.
func (s *Store) CostsByModel(ctx context.Context, modelID string) ([]ledger.ExecutionCost, error) {
	return s.queryCosts(ctx,
		`SELECT `+costColumns+` FROM execution_costs WHERE model_id = ? ORDER BY created_at`,
		modelID)
}

func (s *Store) queryCosts(ctx context.Context, query string, args ...any) ([]ledger.ExecutionCost, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying execution costs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ledger.ExecutionCost
	for rows.Next() {
		var (
			c         ledger.ExecutionCost
			kind      string
			createdAt string
		)
		err := rows.Scan(&c.ID, &c.AgentID, &c.TaskID, &c.ModelID, &kind,
			&c.InputTokens, &c.OutputTokens, &c.TotalCost, &c.DurationMS,
			&c.ConsensusRound, &c.Failed, &createdAt)
		if err != nil {
			return nil, err
		}
		c.Kind = ledger.ExecutionKind(kind)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
