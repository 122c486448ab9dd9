// Package audit records entity mutations as append-only entries with
// before and after snapshots.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avery/foreman/internal/clock"
	"github.com/avery/foreman/internal/logging"
)

// Entry is one recorded mutation.
type Entry struct {
	ID         int64             `json:"id,omitempty"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Action     string            `json:"action"`
	Actor      string            `json:"actor,omitempty"`
	Before     json.RawMessage   `json:"before,omitempty"`
	After      json.RawMessage   `json:"after,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Sink persists entries.
type Sink interface {
	InsertAuditEntry(ctx context.Context, e *Entry) error
}

// Recorder snapshots entities and writes entries to a sink.
type Recorder struct {
	sink Sink
	clk  clock.Clock
	log  *logging.Logger
}

// NewRecorder creates a Recorder. A nil clk falls back to the system
// clock.
func NewRecorder(sink Sink, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Recorder{sink: sink, clk: clk, log: logging.Component("audit")}
}

// Record snapshots before and after (either may be nil) and appends an
// entry. Audit failures are logged, not returned: a mutation must not
// roll back because its audit write failed.
func (r *Recorder) Record(ctx context.Context, entityType, entityID, action, actor string, before, after any, metadata map[string]string) {
	entry := &Entry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Metadata:   metadata,
		CreatedAt:  r.clk.Now().UTC(),
	}

	var err error
	if entry.Before, err = snapshot(before); err != nil {
		r.log.Err(err).Str("entity_id", entityID).Msg("audit snapshot failed")
		return
	}
	if entry.After, err = snapshot(after); err != nil {
		r.log.Err(err).Str("entity_id", entityID).Msg("audit snapshot failed")
		return
	}

	if err := r.sink.InsertAuditEntry(ctx, entry); err != nil {
		r.log.Err(err).
			Str("entity_type", entityType).
			Str("entity_id", entityID).
			Str("action", action).
			Msg("audit write failed")
	}
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("audit: encoding snapshot: %w", err)
	}
	return data, nil
}

// LogSink writes entries to the structured log only. Useful in tests
// and dry runs.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink() *LogSink {
	return &LogSink{log: logging.Component("audit")}
}

func (s *LogSink) InsertAuditEntry(_ context.Context, e *Entry) error {
	s.log.Event("info").
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID).
		Str("action", e.Action).
		Str("actor", e.Actor).
		Msg("audit entry")
	return nil
}
