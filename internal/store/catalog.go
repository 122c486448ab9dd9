package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/avery/foreman/internal/ledger"
)

const modelColumns = `id, name, provider, cost_per_input_token, cost_per_output_token,
	context_limit, tier, capabilities, active, created_at, updated_at`

// UpsertModel writes or replaces a model catalog entry.
func (s *Store) UpsertModel(ctx context.Context, m *ledger.ModelCatalogEntry) error {
	caps, err := marshalJSON(m.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO model_catalog (`+modelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		name = excluded.name, provider = excluded.provider,
		cost_per_input_token = excluded.cost_per_input_token,
		cost_per_output_token = excluded.cost_per_output_token,
		context_limit = excluded.context_limit, tier = excluded.tier,
		capabilities = excluded.capabilities, active = excluded.active,
		updated_at = excluded.updated_at`,
		m.ID, m.Name, m.Provider, m.CostPerInputToken, m.CostPerOutputToken,
		m.ContextLimit, string(m.Tier), caps, m.Active,
		fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: upserting model %s: %w", m.ID, err)
	}
	return nil
}

// ModelByID fetches one catalog entry.
func (s *Store) ModelByID(ctx context.Context, id string) (*ledger.ModelCatalogEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM model_catalog WHERE id = ?`, id)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: model %s: %w", id, ErrNotFound)
	}
	return m, err
}

// ModelByName fetches one catalog entry by its unique name.
func (s *Store) ModelByName(ctx context.Context, name string) (*ledger.ModelCatalogEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM model_catalog WHERE name = ?`, name)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: model %q: %w", name, ErrNotFound)
	}
	return m, err
}

// ActiveModels returns catalog entries accepting new work.
func (s *Store) ActiveModels(ctx context.Context) ([]*ledger.ModelCatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM model_catalog WHERE active = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: querying models: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ledger.ModelCatalogEntry
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanModel(r rowScanner) (*ledger.ModelCatalogEntry, error) {
	var (
		m                    ledger.ModelCatalogEntry
		tier, caps           string
		createdAt, updatedAt string
	)
	err := r.Scan(&m.ID, &m.Name, &m.Provider, &m.CostPerInputToken,
		&m.CostPerOutputToken, &m.ContextLimit, &tier, &caps, &m.Active,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.Tier = ledger.PerformanceTier(tier)
	if err := unmarshalJSON(caps, &m.Capabilities); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
