package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/avery/foreman/internal/agents"
)

const agentColumns = `id, name, status, model_id, resume_id, profile_id, config, metrics, created_at, updated_at`

// InsertAgent writes a new agent row.
func (s *Store) InsertAgent(ctx context.Context, a *agents.Agent) error {
	cfg, err := marshalJSON(a.Config)
	if err != nil {
		return err
	}
	metrics, err := marshalJSON(a.Metrics)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, string(a.Status), a.ModelID, a.ResumeID, a.ProfileID,
		cfg, metrics, fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: inserting agent %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAgent rewrites an agent row.
func (s *Store) UpdateAgent(ctx context.Context, a *agents.Agent) error {
	cfg, err := marshalJSON(a.Config)
	if err != nil {
		return err
	}
	metrics, err := marshalJSON(a.Metrics)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET
		name = ?, status = ?, model_id = ?, resume_id = ?, profile_id = ?,
		config = ?, metrics = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, string(a.Status), a.ModelID, a.ResumeID, a.ProfileID,
		cfg, metrics, fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt), a.ID)
	if err != nil {
		return fmt.Errorf("store: updating agent %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: updating agent %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// AgentByID fetches one agent.
func (s *Store) AgentByID(ctx context.Context, id string) (*agents.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAgents returns all agents.
func (s *Store) ListAgents(ctx context.Context) ([]*agents.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
}

// ActiveAgents returns agents in the active status.
func (s *Store) ActiveAgents(ctx context.Context) ([]*agents.Agent, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = ? ORDER BY created_at`,
		string(agents.StatusActive))
}

// ActiveAgentForProfile returns the active agent bound to a capability
// profile, or nil when the profile is free.
func (s *Store) ActiveAgentForProfile(ctx context.Context, profileID string) (*agents.Agent, error) {
	list, err := s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = ? AND profile_id = ?`,
		string(agents.StatusActive), profileID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// DeleteAgent removes an agent row. The foreign keys refuse the delete
// while assignments or cost rows still reference the agent.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deleting agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: deleting agent %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...any) ([]*agents.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*agents.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgent(r rowScanner) (*agents.Agent, error) {
	var (
		a                    agents.Agent
		status               string
		cfg, metrics         string
		createdAt, updatedAt string
	)
	err := r.Scan(&a.ID, &a.Name, &status, &a.ModelID, &a.ResumeID, &a.ProfileID,
		&cfg, &metrics, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = agents.Status(status)
	if err := unmarshalJSON(cfg, &a.Config); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metrics, &a.Metrics); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertProfile writes or replaces a capability profile.
func (s *Store) UpsertProfile(ctx context.Context, p *agents.CapabilityProfile) error {
	skills, err := marshalJSON(p.Skills)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO capability_profiles
		(id, title, skills, experience, department) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		title = excluded.title, skills = excluded.skills,
		experience = excluded.experience, department = excluded.department`,
		p.ID, p.Title, skills, string(p.Experience), p.Department)
	if err != nil {
		return fmt.Errorf("store: upserting profile %s: %w", p.ID, err)
	}
	return nil
}

// ProfileByID fetches one capability profile.
func (s *Store) ProfileByID(ctx context.Context, id string) (*agents.CapabilityProfile, error) {
	var (
		p          agents.CapabilityProfile
		skills     string
		experience string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, title, skills, experience, department
		FROM capability_profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.Title, &skills, &experience, &p.Department)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: profile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: querying profile %s: %w", id, err)
	}
	if err := unmarshalJSON(skills, &p.Skills); err != nil {
		return nil, err
	}
	p.Experience = agents.ExperienceLevel(experience)
	return &p, nil
}
