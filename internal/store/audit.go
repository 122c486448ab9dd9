package store

import (
	"context"
	"fmt"

	"github.com/avery/foreman/internal/audit"
)

// InsertAuditEntry appends an audit row. Store implements audit.Sink.
func (s *Store) InsertAuditEntry(ctx context.Context, e *audit.Entry) error {
	meta, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO audit_log
		(entity_type, entity_id, action, actor, before_json, after_json, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntityType, e.EntityID, e.Action, e.Actor,
		nullableRaw(e.Before), nullableRaw(e.After), meta, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: inserting audit entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// AuditEntriesForEntity returns an entity's audit trail, newest first.
func (s *Store) AuditEntriesForEntity(ctx context.Context, entityType, entityID string) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, entity_type, entity_id, action, actor,
		COALESCE(before_json, ''), COALESCE(after_json, ''), metadata, created_at
		FROM audit_log WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at DESC, id DESC`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("store: querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*audit.Entry
	for rows.Next() {
		var (
			e             audit.Entry
			before, after string
			meta          string
			createdAt     string
		)
		err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor,
			&before, &after, &meta, &createdAt)
		if err != nil {
			return nil, err
		}
		if before != "" {
			e.Before = []byte(before)
		}
		if after != "" {
			e.After = []byte(after)
		}
		if err := unmarshalJSON(meta, &e.Metadata); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullableRaw(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
