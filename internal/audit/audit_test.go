package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/avery/foreman/internal/clock"
)

type captureSink struct {
	entries []*Entry
	err     error
}

func (s *captureSink) InsertAuditEntry(_ context.Context, e *Entry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func TestRecordCapturesSnapshots(t *testing.T) {
	sink := &captureSink{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := NewRecorder(sink, clock.NewFake(now))

	type payload struct {
		Status string `json:"status"`
	}
	rec.Record(context.Background(), "task", "t1", "status_changed", "scheduler",
		payload{Status: "pending"}, payload{Status: "assigned"},
		map[string]string{"agent": "w1"})

	if len(sink.entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(sink.entries))
	}
	e := sink.entries[0]

	if e.EntityType != "task" || e.EntityID != "t1" || e.Action != "status_changed" || e.Actor != "scheduler" {
		t.Errorf("entry identity = %+v", e)
	}
	if !e.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want the fake clock's time", e.CreatedAt)
	}
	if e.Metadata["agent"] != "w1" {
		t.Errorf("metadata = %v", e.Metadata)
	}

	var before, after payload
	if err := json.Unmarshal(e.Before, &before); err != nil {
		t.Fatalf("decoding before: %v", err)
	}
	if err := json.Unmarshal(e.After, &after); err != nil {
		t.Fatalf("decoding after: %v", err)
	}
	if before.Status != "pending" || after.Status != "assigned" {
		t.Errorf("snapshots = %s -> %s, want pending -> assigned", before.Status, after.Status)
	}
}

func TestRecordNilSnapshotsOmitted(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder(sink, nil)

	rec.Record(context.Background(), "agent", "w1", "agent_hired", "cli", nil, map[string]string{"name": "w1"}, nil)

	if len(sink.entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(sink.entries))
	}
	e := sink.entries[0]
	if e.Before != nil {
		t.Errorf("Before = %s, want nil for a creation", e.Before)
	}
	if e.After == nil {
		t.Error("After should carry the created snapshot")
	}
}

func TestRecordSinkFailureDoesNotPanic(t *testing.T) {
	sink := &captureSink{err: errors.New("disk full")}
	rec := NewRecorder(sink, nil)

	// Mutations must not roll back on audit failure; Record swallows it.
	rec.Record(context.Background(), "task", "t1", "status_changed", "scheduler", nil, nil, nil)

	if len(sink.entries) != 0 {
		t.Error("failed sink should record nothing")
	}
}

func TestRecordUnencodableSnapshotDropped(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder(sink, nil)

	rec.Record(context.Background(), "task", "t1", "bad", "test", func() {}, nil, nil)

	if len(sink.entries) != 0 {
		t.Error("entry with unencodable snapshot should be dropped")
	}
}
