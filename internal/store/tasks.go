package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/avery/foreman/internal/tasks"
)

const taskColumns = `id, title, description, ticket_id, parent_id, status, priority,
	failure_reason, required_skills, dependencies, blockers, estimated_cost,
	actual_cost, metadata, created_at, updated_at, completed_at, deadline`

// InsertTask writes a new task row.
func (s *Store) InsertTask(ctx context.Context, t *tasks.Task) error {
	skills, err := marshalJSON(t.RequiredSkills)
	if err != nil {
		return err
	}
	deps, err := marshalJSON(t.Dependencies)
	if err != nil {
		return err
	}
	blockers, err := marshalJSON(t.Blockers)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.TicketID, t.ParentID, string(t.Status),
		string(t.Priority), t.FailureReason, skills, deps, blockers,
		t.EstimatedCost, t.ActualCost, meta,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
		fmtTimePtr(t.CompletedAt), fmtTimePtr(t.Deadline))
	if err != nil {
		return fmt.Errorf("store: inserting task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTask rewrites a task row.
func (s *Store) UpdateTask(ctx context.Context, t *tasks.Task) error {
	skills, err := marshalJSON(t.RequiredSkills)
	if err != nil {
		return err
	}
	deps, err := marshalJSON(t.Dependencies)
	if err != nil {
		return err
	}
	blockers, err := marshalJSON(t.Blockers)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET
		title = ?, description = ?, ticket_id = ?, parent_id = ?, status = ?,
		priority = ?, failure_reason = ?, required_skills = ?, dependencies = ?,
		blockers = ?, estimated_cost = ?, actual_cost = ?, metadata = ?,
		created_at = ?, updated_at = ?, completed_at = ?, deadline = ?
		WHERE id = ?`,
		t.Title, t.Description, t.TicketID, t.ParentID, string(t.Status),
		string(t.Priority), t.FailureReason, skills, deps, blockers,
		t.EstimatedCost, t.ActualCost, meta,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
		fmtTimePtr(t.CompletedAt), fmtTimePtr(t.Deadline), t.ID)
	if err != nil {
		return fmt.Errorf("store: updating task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: updating task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task row; its assignments and any open hiring
// request cascade with it.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deleting task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: deleting task %s: %w", id, ErrNotFound)
	}
	return nil
}

// TaskByID fetches one task.
func (s *Store) TaskByID(ctx context.Context, id string) (*tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns all tasks ordered by creation time.
func (s *Store) ListTasks(ctx context.Context) ([]*tasks.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
}

// TasksByStatus returns tasks in the given status.
func (s *Store) TasksByStatus(ctx context.Context, status tasks.Status) ([]*tasks.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at`,
		string(status))
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*tasks.Task, error) {
	var (
		t                            tasks.Task
		status, priority             string
		skills, deps, blockers, meta string
		createdAt, updatedAt         string
		completedAt, deadline        sql.NullString
	)
	err := r.Scan(&t.ID, &t.Title, &t.Description, &t.TicketID, &t.ParentID,
		&status, &priority, &t.FailureReason, &skills, &deps, &blockers,
		&t.EstimatedCost, &t.ActualCost, &meta,
		&createdAt, &updatedAt, &completedAt, &deadline)
	if err != nil {
		return nil, err
	}

	t.Status = tasks.Status(status)
	t.Priority = tasks.Priority(priority)
	if err := unmarshalJSON(skills, &t.RequiredSkills); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(deps, &t.Dependencies); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(blockers, &t.Blockers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &t.Metadata); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if t.Deadline, err = parseTimePtr(deadline); err != nil {
		return nil, err
	}
	return &t, nil
}
