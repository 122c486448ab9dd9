package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/avery/foreman/internal/agents"
	"github.com/avery/foreman/internal/audit"
	"github.com/avery/foreman/internal/db"
	"github.com/avery/foreman/internal/ledger"
	"github.com/avery/foreman/internal/tasks"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return New(d)
}

func seedModel(t *testing.T, s *Store, id string) *ledger.ModelCatalogEntry {
	t.Helper()
	m := &ledger.ModelCatalogEntry{
		ID:                 id,
		Name:               "model-" + id,
		Provider:           "anthropic",
		CostPerInputToken:  0.000003,
		CostPerOutputToken: 0.000015,
		ContextLimit:       200000,
		Tier:               ledger.TierStandard,
		Capabilities:       []string{"code", "reasoning"},
		Active:             true,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}
	if err := s.UpsertModel(context.Background(), m); err != nil {
		t.Fatalf("seeding model: %v", err)
	}
	return m
}

func seedAgent(t *testing.T, s *Store, id, modelID string) *agents.Agent {
	t.Helper()
	a := &agents.Agent{
		ID:        id,
		Name:      "agent-" + id,
		Status:    agents.StatusActive,
		ModelID:   modelID,
		ProfileID: "p-" + id,
		Config:    agents.Config{ExecutionsPerTask: 3},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.InsertAgent(context.Background(), a); err != nil {
		t.Fatalf("seeding agent: %v", err)
	}
	return a
}

func TestTaskRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	deadline := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	in := &tasks.Task{
		ID:             "t1",
		Title:          "index the orders table",
		Description:    "slow queries on orders",
		TicketID:       "OPS-12",
		Status:         tasks.StatusPending,
		Priority:       tasks.PriorityHigh,
		RequiredSkills: []string{"go", "sql"},
		Dependencies:   []string{"t0"},
		Blockers: []tasks.Blocker{
			{ID: "b1", Kind: "infrastructure", Description: "db frozen", CreatedAt: time.Now().UTC().Truncate(time.Millisecond)},
		},
		EstimatedCost: 1.25,
		Metadata:      map[string]string{"team": "storage"},
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		Deadline:      &deadline,
	}
	if err := s.InsertTask(ctx, in); err != nil {
		t.Fatalf("InsertTask() error: %v", err)
	}

	got, err := s.TaskByID(ctx, "t1")
	if err != nil {
		t.Fatalf("TaskByID() error: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, in)
	}

	got.Status = tasks.StatusBlocked
	got.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask() error: %v", err)
	}

	blocked, err := s.TasksByStatus(ctx, tasks.StatusBlocked)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].ID != "t1" {
		t.Errorf("TasksByStatus(blocked) = %v, want [t1]", blocked)
	}

	if _, err := s.TaskByID(ctx, "missing"); err == nil {
		t.Error("TaskByID() on missing id should fail")
	}
}

func TestAgentAndProfileRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seedModel(t, s, "m1")
	in := seedAgent(t, s, "a1", "m1")

	got, err := s.AgentByID(ctx, "a1")
	if err != nil {
		t.Fatalf("AgentByID() error: %v", err)
	}
	if got.Config.ExecutionsPerTask != 3 || got.Status != agents.StatusActive {
		t.Errorf("agent round trip mismatch: %+v", got)
	}

	got.Status = agents.StatusInactive
	got.Metrics.RecordCompletion(80, 5)
	if err := s.UpdateAgent(ctx, got); err != nil {
		t.Fatalf("UpdateAgent() error: %v", err)
	}

	active, err := s.ActiveAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("ActiveAgents() = %v, want none after deactivation", active)
	}

	reloaded, err := s.AgentByID(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Metrics.CompletedCount != 1 || reloaded.Metrics.AvgQuality != 80 {
		t.Errorf("metrics not persisted: %+v", reloaded.Metrics)
	}
	_ = in

	profile := &agents.CapabilityProfile{
		ID:         "p1",
		Title:      "backend engineer",
		Skills:     []string{"go", "sql"},
		Experience: agents.ExperienceSenior,
		Department: "platform",
	}
	if err := s.UpsertProfile(ctx, profile); err != nil {
		t.Fatalf("UpsertProfile() error: %v", err)
	}
	gotProfile, err := s.ProfileByID(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(gotProfile, profile) {
		t.Errorf("profile round trip mismatch: %+v", gotProfile)
	}
}

func TestActiveProfileHeldByOneAgent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seedModel(t, s, "m1")
	seedAgent(t, s, "a1", "m1") // active on p-a1

	dup := &agents.Agent{
		ID: "a2", Name: "agent-a2", Status: agents.StatusActive,
		ModelID: "m1", ProfileID: "p-a1",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.InsertAgent(ctx, dup); err == nil {
		t.Fatal("second active agent on one profile should be refused")
	}

	dup.Status = agents.StatusInactive
	if err := s.InsertAgent(ctx, dup); err != nil {
		t.Fatalf("inactive agent on a held profile refused: %v", err)
	}
	dup.Status = agents.StatusActive
	if err := s.UpdateAgent(ctx, dup); err == nil {
		t.Error("activating the second agent by update should be refused")
	}

	holder, err := s.ActiveAgentForProfile(ctx, "p-a1")
	if err != nil {
		t.Fatal(err)
	}
	if holder == nil || holder.ID != "a1" {
		t.Errorf("ActiveAgentForProfile() = %+v, want a1", holder)
	}
	if holder, _ := s.ActiveAgentForProfile(ctx, "p-free"); holder != nil {
		t.Errorf("unheld profile reported holder %+v", holder)
	}

	// Agents without a profile are unconstrained.
	for _, id := range []string{"f1", "f2"} {
		free := &agents.Agent{
			ID: id, Name: "agent-" + id, Status: agents.StatusActive, ModelID: "m1",
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		if err := s.InsertAgent(ctx, free); err != nil {
			t.Fatalf("profile-less agent %s refused: %v", id, err)
		}
	}
}

func TestDeleteTaskCascadesAssignments(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seedModel(t, s, "m1")
	seedAgent(t, s, "a1", "m1")
	task := &tasks.Task{
		ID: "t1", Title: "a task", Status: tasks.StatusPending,
		Priority:  tasks.PriorityMedium,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	asg := &tasks.Assignment{
		ID: "as1", TaskID: "t1", AgentID: "a1",
		Status: tasks.AssignmentCompleted, AssignedAt: time.Now().UTC(),
	}
	if err := s.InsertAssignment(ctx, asg); err != nil {
		t.Fatal(err)
	}
	hire := &HiringRequest{TaskID: "t1", Skills: []string{"go"}, RequestedAt: time.Now().UTC()}
	if err := s.UpsertHiringRequest(ctx, hire); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask() error: %v", err)
	}
	if _, err := s.TaskByID(ctx, "t1"); err == nil {
		t.Error("task still present after delete")
	}
	history, err := s.AssignmentsByTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("assignments survived task delete: %+v", history)
	}
	if hr, _ := s.HiringRequestForTask(ctx, "t1"); hr != nil {
		t.Errorf("hiring request survived task delete: %+v", hr)
	}

	if err := s.DeleteTask(ctx, "missing"); err == nil {
		t.Error("DeleteTask() on missing id should fail")
	}
}

func TestDeleteAgentRestrictedByAssignments(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seedModel(t, s, "m1")
	seedAgent(t, s, "a1", "m1")
	task := &tasks.Task{
		ID: "t1", Title: "a task", Status: tasks.StatusPending,
		Priority:  tasks.PriorityMedium,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	asg := &tasks.Assignment{
		ID: "as1", TaskID: "t1", AgentID: "a1",
		Status: tasks.AssignmentCompleted, AssignedAt: time.Now().UTC(),
	}
	if err := s.InsertAssignment(ctx, asg); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteAgent(ctx, "a1"); err == nil {
		t.Fatal("agent delete with referencing assignment should be refused")
	}

	// Removing the task takes the assignment with it; the agent frees up.
	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAgent() after references cleared: %v", err)
	}
}

func TestAssignmentRoundTripAndLiveLookup(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seedModel(t, s, "m1")
	seedAgent(t, s, "a1", "m1")
	task := &tasks.Task{
		ID: "t1", Title: "a task", Status: tasks.StatusPending,
		Priority:  tasks.PriorityMedium,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	a := &tasks.Assignment{
		ID: "as1", TaskID: "t1", AgentID: "a1",
		Status:          tasks.AssignmentAssigned,
		CapabilityScore: 72.5,
		AssignedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.InsertAssignment(ctx, a); err != nil {
		t.Fatalf("InsertAssignment() error: %v", err)
	}

	live, err := s.LiveAssignmentForTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if live == nil || live.ID != "as1" {
		t.Fatalf("LiveAssignmentForTask() = %v, want as1", live)
	}

	quality := 88.0
	now := time.Now().UTC().Truncate(time.Millisecond)
	a.Status = tasks.AssignmentCompleted
	a.QualityScore = &quality
	a.ActualCost = 0.42
	a.CompletedAt = &now
	if err := s.UpdateAssignment(ctx, a); err != nil {
		t.Fatalf("UpdateAssignment() error: %v", err)
	}

	live, err = s.LiveAssignmentForTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if live != nil {
		t.Errorf("completed assignment still reported live: %+v", live)
	}

	got, err := s.AssignmentByID(ctx, "as1")
	if err != nil {
		t.Fatal(err)
	}
	if got.QualityScore == nil || *got.QualityScore != 88 {
		t.Errorf("quality score not persisted: %+v", got)
	}

	byAgent, err := s.AssignmentsByAgent(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byAgent) != 1 {
		t.Errorf("AssignmentsByAgent() returned %d rows, want 1", len(byAgent))
	}
}

func TestCostRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seedModel(t, s, "m1")
	seedAgent(t, s, "a1", "m1")

	c := &ledger.ExecutionCost{
		ID: "c1", AgentID: "a1", TaskID: "t1", ModelID: "m1",
		Kind: ledger.KindConsensusVote, InputTokens: 100, OutputTokens: 40,
		TotalCost: 0.0009, DurationMS: 900, ConsensusRound: 2,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.InsertCost(ctx, c); err != nil {
		t.Fatalf("InsertCost() error: %v", err)
	}

	rows, err := s.CostsByAgent(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ConsensusRound != 2 || rows[0].Kind != ledger.KindConsensusVote {
		t.Errorf("CostsByAgent() = %+v", rows)
	}

	byModel, err := s.CostsByModel(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byModel) != 1 {
		t.Errorf("CostsByModel() returned %d rows, want 1", len(byModel))
	}
}

func TestModelRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	m := seedModel(t, s, "m1")

	got, err := s.ModelByID(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != m.Name || got.CostPerOutputToken != m.CostPerOutputToken {
		t.Errorf("model round trip mismatch: %+v", got)
	}

	byName, err := s.ModelByName(ctx, m.Name)
	if err != nil {
		t.Fatal(err)
	}
	if byName.ID != "m1" {
		t.Errorf("ModelByName() = %+v", byName)
	}

	m.Active = false
	if err := s.UpsertModel(ctx, m); err != nil {
		t.Fatal(err)
	}
	active, err := s.ActiveModels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("ActiveModels() = %v, want none", active)
	}
}

func TestAuditRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	e := &audit.Entry{
		EntityType: "task",
		EntityID:   "t1",
		Action:     "status_change",
		Actor:      "scheduler",
		Before:     []byte(`{"status":"pending"}`),
		After:      []byte(`{"status":"assigned"}`),
		Metadata:   map[string]string{"pass": "7"},
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.InsertAuditEntry(ctx, e); err != nil {
		t.Fatalf("InsertAuditEntry() error: %v", err)
	}
	if e.ID == 0 {
		t.Error("entry id not backfilled")
	}

	entries, err := s.AuditEntriesForEntity(ctx, "task", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if string(entries[0].After) != `{"status":"assigned"}` {
		t.Errorf("after snapshot = %s", entries[0].After)
	}
	if entries[0].Metadata["pass"] != "7" {
		t.Errorf("metadata = %v", entries[0].Metadata)
	}
}

func TestHiringRequestRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	task := &tasks.Task{
		ID: "t1", Title: "a task", Status: tasks.StatusPending,
		Priority:  tasks.PriorityMedium,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	r := &HiringRequest{
		TaskID:      "t1",
		Skills:      []string{"rust", "wasm"},
		Experience:  "senior",
		RequestedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.UpsertHiringRequest(ctx, r); err != nil {
		t.Fatalf("UpsertHiringRequest() error: %v", err)
	}

	got, err := s.HiringRequestForTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !reflect.DeepEqual(got.Skills, r.Skills) {
		t.Errorf("hiring request round trip mismatch: %+v", got)
	}

	all, err := s.ListHiringRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("ListHiringRequests() returned %d rows, want 1", len(all))
	}

	if err := s.DeleteHiringRequest(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	got, err = s.HiringRequestForTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("request still present after delete: %+v", got)
	}
}
