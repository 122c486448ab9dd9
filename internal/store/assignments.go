package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/avery/foreman/internal/tasks"
)

const assignmentColumns = `id, task_id, agent_id, status, capability_score,
	cost_estimate, actual_cost, quality_score, completion_notes, assigned_at, completed_at`

// InsertAssignment writes a new assignment row. The one-live-per-task
// unique index makes concurrent double-assignment a constraint error.
func (s *Store) InsertAssignment(ctx context.Context, a *tasks.Assignment) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_assignments (`+assignmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.AgentID, string(a.Status), a.CapabilityScore,
		a.CostEstimate, a.ActualCost, a.QualityScore, a.CompletionNotes,
		fmtTime(a.AssignedAt), fmtTimePtr(a.CompletedAt))
	if err != nil {
		return fmt.Errorf("store: inserting assignment %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAssignment rewrites an assignment row.
func (s *Store) UpdateAssignment(ctx context.Context, a *tasks.Assignment) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_assignments SET
		task_id = ?, agent_id = ?, status = ?, capability_score = ?,
		cost_estimate = ?, actual_cost = ?, quality_score = ?,
		completion_notes = ?, assigned_at = ?, completed_at = ?
		WHERE id = ?`,
		a.TaskID, a.AgentID, string(a.Status), a.CapabilityScore,
		a.CostEstimate, a.ActualCost, a.QualityScore, a.CompletionNotes,
		fmtTime(a.AssignedAt), fmtTimePtr(a.CompletedAt), a.ID)
	if err != nil {
		return fmt.Errorf("store: updating assignment %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: updating assignment %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// AssignmentByID fetches one assignment.
func (s *Store) AssignmentByID(ctx context.Context, id string) (*tasks.Assignment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM task_assignments WHERE id = ?`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: assignment %s: %w", id, ErrNotFound)
	}
	return a, err
}

// AssignmentsByTask returns a task's assignments, oldest first.
func (s *Store) AssignmentsByTask(ctx context.Context, taskID string) ([]*tasks.Assignment, error) {
	return s.queryAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM task_assignments WHERE task_id = ? ORDER BY assigned_at`,
		taskID)
}

// AssignmentsByAgent returns an agent's assignments, oldest first.
func (s *Store) AssignmentsByAgent(ctx context.Context, agentID string) ([]*tasks.Assignment, error) {
	return s.queryAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM task_assignments WHERE agent_id = ? ORDER BY assigned_at`,
		agentID)
}

// LiveAssignmentForTask returns the task's non-terminal assignment, or
// nil when there is none.
func (s *Store) LiveAssignmentForTask(ctx context.Context, taskID string) (*tasks.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM task_assignments
		WHERE task_id = ? AND status IN ('assigned', 'accepted', 'in_progress')`, taskID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// LiveAssignmentsByAgent returns the agent's non-terminal assignments.
func (s *Store) LiveAssignmentsByAgent(ctx context.Context, agentID string) ([]*tasks.Assignment, error) {
	return s.queryAssignments(ctx, `SELECT `+assignmentColumns+` FROM task_assignments
		WHERE agent_id = ? AND status IN ('assigned', 'accepted', 'in_progress')
		ORDER BY assigned_at`, agentID)
}

func (s *Store) queryAssignments(ctx context.Context, query string, args ...any) ([]*tasks.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*tasks.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssignment(r rowScanner) (*tasks.Assignment, error) {
	var (
		a           tasks.Assignment
		status      string
		quality     sql.NullFloat64
		assignedAt  string
		completedAt sql.NullString
	)
	err := r.Scan(&a.ID, &a.TaskID, &a.AgentID, &status, &a.CapabilityScore,
		&a.CostEstimate, &a.ActualCost, &quality, &a.CompletionNotes,
		&assignedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	a.Status = tasks.AssignmentStatus(status)
	if quality.Valid {
		q := quality.Float64
		a.QualityScore = &q
	}
	if a.AssignedAt, err = parseTime(assignedAt); err != nil {
		return nil, err
	}
	if a.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
