package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HiringRequest is an open ask for an agent that can serve a task no
// current agent qualifies for. The scheduler uses it for backoff.
type HiringRequest struct {
	TaskID      string    `json:"task_id"`
	Skills      []string  `json:"skills"`
	Experience  string    `json:"experience,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// UpsertHiringRequest records (or refreshes) the open request for a task.
func (s *Store) UpsertHiringRequest(ctx context.Context, r *HiringRequest) error {
	skills, err := marshalJSON(r.Skills)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO hiring_requests
		(task_id, skills, experience, requested_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
		skills = excluded.skills, experience = excluded.experience,
		requested_at = excluded.requested_at`,
		r.TaskID, skills, r.Experience, fmtTime(r.RequestedAt))
	if err != nil {
		return fmt.Errorf("store: upserting hiring request for %s: %w", r.TaskID, err)
	}
	return nil
}

// HiringRequestForTask returns the task's open request, or nil.
func (s *Store) HiringRequestForTask(ctx context.Context, taskID string) (*HiringRequest, error) {
	var (
		r           HiringRequest
		skills      string
		requestedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT task_id, skills, experience, requested_at
		FROM hiring_requests WHERE task_id = ?`, taskID).
		Scan(&r.TaskID, &skills, &r.Experience, &requestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: querying hiring request %s: %w", taskID, err)
	}
	if err := unmarshalJSON(skills, &r.Skills); err != nil {
		return nil, err
	}
	if r.RequestedAt, err = parseTime(requestedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteHiringRequest clears the task's open request, if any.
func (s *Store) DeleteHiringRequest(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM hiring_requests WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("store: deleting hiring request %s: %w", taskID, err)
	}
	return nil
}

// ListHiringRequests returns all open requests, oldest first.
func (s *Store) ListHiringRequests(ctx context.Context) ([]*HiringRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, skills, experience, requested_at
		FROM hiring_requests ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("store: querying hiring requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*HiringRequest
	for rows.Next() {
		var (
			r           HiringRequest
			skills      string
			requestedAt string
		)
		if err := rows.Scan(&r.TaskID, &skills, &r.Experience, &requestedAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(skills, &r.Skills); err != nil {
			return nil, err
		}
		if r.RequestedAt, err = parseTime(requestedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
