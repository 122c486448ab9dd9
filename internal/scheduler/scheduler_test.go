package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avery/foreman/internal/agents"
	"github.com/avery/foreman/internal/clock"
	"github.com/avery/foreman/internal/config"
	"github.com/avery/foreman/internal/consensus"
	"github.com/avery/foreman/internal/db"
	"github.com/avery/foreman/internal/ledger"
	"github.com/avery/foreman/internal/lifecycle"
	"github.com/avery/foreman/internal/match"
	"github.com/avery/foreman/internal/store"
	"github.com/avery/foreman/internal/taskgraph"
	"github.com/avery/foreman/internal/tasks"
)

type fakeResolver struct {
	mu sync.Mutex
	fn func(ctx context.Context, req consensus.Request) (*consensus.Result, error)
}

func (f *fakeResolver) Resolve(ctx context.Context, req consensus.Request) (*consensus.Result, error) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeResolver) set(fn func(ctx context.Context, req consensus.Request) (*consensus.Result, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func succeedWith(quality, cost float64) func(context.Context, consensus.Request) (*consensus.Result, error) {
	return func(context.Context, consensus.Request) (*consensus.Result, error) {
		return &consensus.Result{
			Decision: "done", Quality: quality, Cost: cost, SuccessCount: 1,
		}, nil
	}
}

type fixture struct {
	st    *store.Store
	graph *taskgraph.Graph
	sched *Scheduler
	res   *fakeResolver
	clk   *clock.Fake

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T, minScore float64) *fixture {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	f := &fixture{
		st:  store.New(d),
		clk: clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		res: &fakeResolver{fn: succeedWith(80, 0.5)},
	}
	f.graph = taskgraph.New(taskgraph.WithPersister(f.st), taskgraph.WithClock(f.clk))
	matcher := match.New(config.MatcherConfig{
		SkillWeight: 0.5, QualityWeight: 0.2, CostWeight: 0.15,
		AvailabilityWeight: 0.15, MinScore: minScore,
	})
	cfg := config.SchedulerConfig{
		Workers: 4, HiringBackoff: 30 * time.Minute,
		QualityFloor: 60, QualityWindow: 3,
	}
	f.sched = New(f.graph, f.st, matcher, f.res, cfg,
		WithClock(f.clk),
		WithEventHandler(func(ev Event) {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
		}))
	return f
}

func (f *fixture) eventsOf(typ EventType) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fixture) seedAgent(t *testing.T, id string, skills ...string) *agents.Agent {
	t.Helper()
	ctx := context.Background()
	now := f.clk.Now()

	model := &ledger.ModelCatalogEntry{
		ID: "m-" + id, Name: "model-" + id, Provider: "anthropic",
		CostPerInputToken: 0.000003, CostPerOutputToken: 0.000015,
		ContextLimit: 200000, Tier: ledger.TierStandard, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := f.st.UpsertModel(ctx, model); err != nil {
		t.Fatalf("seeding model: %v", err)
	}
	profile := &agents.CapabilityProfile{
		ID: "p-" + id, Title: "engineer", Skills: skills,
		Experience: agents.ExperienceMid,
	}
	if err := f.st.UpsertProfile(ctx, profile); err != nil {
		t.Fatalf("seeding profile: %v", err)
	}
	a := &agents.Agent{
		ID: id, Name: "agent-" + id, Status: agents.StatusActive,
		ModelID: model.ID, ProfileID: profile.ID,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := f.st.InsertAgent(ctx, a); err != nil {
		t.Fatalf("seeding agent: %v", err)
	}
	return a
}

func (f *fixture) submit(t *testing.T, task *tasks.Task) string {
	t.Helper()
	id, err := f.graph.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("submitting task: %v", err)
	}
	return id
}

func TestPassAssignsAndCompletes(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")
	id := f.submit(t, &tasks.Task{Title: "write parser", RequiredSkills: []string{"go"}})

	sum, err := f.sched.ProcessEligible(ctx)
	if err != nil {
		t.Fatalf("ProcessEligible() error: %v", err)
	}
	if sum.Assigned != 1 || sum.Completed != 1 {
		t.Errorf("summary = %+v, want 1 assigned, 1 completed", sum)
	}

	got, err := f.st.TaskByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tasks.StatusCompleted {
		t.Errorf("task status = %s, want completed", got.Status)
	}
	if got.ActualCost != 0.5 {
		t.Errorf("actual cost = %v, want 0.5", got.ActualCost)
	}

	history, err := f.st.AssignmentsByTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Status != tasks.AssignmentCompleted {
		t.Fatalf("assignment history = %+v, want one completed", history)
	}
	if history[0].QualityScore == nil || *history[0].QualityScore != 80 {
		t.Errorf("quality score = %v, want 80", history[0].QualityScore)
	}

	agent, err := f.st.AgentByID(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Metrics.CompletedCount != 1 || agent.Metrics.AvgQuality != 80 {
		t.Errorf("agent metrics = %+v, want one completion at 80", agent.Metrics)
	}

	if len(f.eventsOf(EventTaskAssigned)) != 1 || len(f.eventsOf(EventTaskCompleted)) != 1 {
		t.Errorf("events = %+v, want assigned and completed", f.events)
	}
	if len(f.eventsOf(EventPassCompleted)) != 1 {
		t.Error("missing pass_completed event")
	}
}

func TestDependencyChainCompletesInOnePass(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")

	first := f.submit(t, &tasks.Task{Title: "schema", RequiredSkills: []string{"go"}})
	second := f.submit(t, &tasks.Task{
		Title: "queries", RequiredSkills: []string{"go"}, Dependencies: []string{first},
	})

	sum, err := f.sched.ProcessEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Completed != 2 {
		t.Errorf("completed = %d, want the dependent finished in the same pass", sum.Completed)
	}
	for _, id := range []string{first, second} {
		got, err := f.st.TaskByID(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != tasks.StatusCompleted {
			t.Errorf("task %s status = %s, want completed", id, got.Status)
		}
	}
}

func TestNoQualifiedAgentFilesHiringRequest(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")
	id := f.submit(t, &tasks.Task{Title: "rewrite core", RequiredSkills: []string{"rust"}})

	sum, err := f.sched.ProcessEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.HiringRequests != 1 {
		t.Fatalf("hiring requests = %d, want 1", sum.HiringRequests)
	}
	hr, err := f.st.HiringRequestForTask(ctx, id)
	if err != nil || hr == nil {
		t.Fatalf("hiring request not persisted: %v %v", hr, err)
	}
	if len(hr.Skills) != 1 || hr.Skills[0] != "rust" {
		t.Errorf("request skills = %v, want the missing skill", hr.Skills)
	}
	got, _ := f.st.TaskByID(ctx, id)
	if got.Status != tasks.StatusPending {
		t.Errorf("task status = %s, want still pending", got.Status)
	}

	// Backoff: the task is not polled again until it elapses.
	sum, err = f.sched.ProcessEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.HiringRequests != 0 || sum.Skipped == 0 {
		t.Errorf("summary during backoff = %+v, want skip without re-polling", sum)
	}

	f.clk.Advance(31 * time.Minute)
	sum, err = f.sched.ProcessEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.HiringRequests != 1 {
		t.Errorf("after backoff: hiring requests = %d, want re-polled", sum.HiringRequests)
	}

	// A newly activated agent with the skill reopens the gate.
	f.clk.Advance(time.Second)
	rustacean := f.seedAgent(t, "a2", "rust")
	rustacean.Status = agents.StatusInactive
	if err := f.st.UpdateAgent(ctx, rustacean); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Second)
	if err := f.sched.ActivateAgent(ctx, "a2"); err != nil {
		t.Fatalf("ActivateAgent() error: %v", err)
	}

	sum, err = f.sched.ProcessEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Completed != 1 {
		t.Errorf("after hire: summary = %+v, want task completed", sum)
	}
	if hr, _ := f.st.HiringRequestForTask(ctx, id); hr != nil {
		t.Error("hiring request not cleared after assignment")
	}
}

func TestExecutionUnavailableBlocksTask(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")
	id := f.submit(t, &tasks.Task{Title: "flaky infra", RequiredSkills: []string{"go"}})

	f.res.set(func(context.Context, consensus.Request) (*consensus.Result, error) {
		return nil, fmt.Errorf("all executions failed: %w", consensus.ErrExecutionUnavailable)
	})

	sum, err := f.sched.ProcessEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Blocked != 1 {
		t.Errorf("blocked = %d, want 1", sum.Blocked)
	}

	got, err := f.graph.Task(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tasks.StatusBlocked {
		t.Fatalf("task status = %s, want blocked", got.Status)
	}
	if len(got.Blockers) != 1 || got.Blockers[0].Kind != "infrastructure" {
		t.Fatalf("blockers = %+v, want one infrastructure blocker", got.Blockers)
	}
	if len(f.eventsOf(EventAdminTicketRequested)) != 1 {
		t.Error("missing admin_ticket_requested event")
	}

	history, _ := f.st.AssignmentsByTask(ctx, id)
	if len(history) != 1 || history[0].Status != tasks.AssignmentFailed {
		t.Errorf("assignment history = %+v, want one failed", history)
	}
	agent, _ := f.st.AgentByID(ctx, "a1")
	if agent.Metrics.FailedCount != 1 {
		t.Errorf("agent failed count = %d, want 1", agent.Metrics.FailedCount)
	}

	// Resolving the blocker makes the task schedulable again.
	f.res.set(succeedWith(75, 0.2))
	if err := f.graph.ResolveBlocker(ctx, id, got.Blockers[0].ID); err != nil {
		t.Fatal(err)
	}
	sum, err = f.sched.ProcessEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Completed != 1 {
		t.Errorf("after unblock: summary = %+v, want completed", sum)
	}
}

func TestDeadlineExpiryFailsTask(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")

	deadline := f.clk.Now().Add(time.Hour)
	id := f.submit(t, &tasks.Task{
		Title: "urgent fix", RequiredSkills: []string{"go"}, Deadline: &deadline,
	})

	f.clk.Advance(2 * time.Hour)
	if _, err := f.sched.ProcessEligible(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := f.st.TaskByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tasks.StatusFailed {
		t.Errorf("task status = %s, want failed", got.Status)
	}
	if got.FailureReason != taskgraph.DeadlineExceededReason {
		t.Errorf("failure reason = %q, want %q", got.FailureReason, taskgraph.DeadlineExceededReason)
	}
	history, _ := f.st.AssignmentsByTask(ctx, id)
	if len(history) != 0 {
		t.Errorf("expired task should never be assigned, got %+v", history)
	}
}

func TestDeadlineCancelsInFlightExecutions(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")

	deadline := f.clk.Now().Add(50 * time.Millisecond)
	id := f.submit(t, &tasks.Task{
		Title: "slow work", RequiredSkills: []string{"go"}, Deadline: &deadline,
	})

	var cancelled atomic.Bool
	f.res.set(func(ctx context.Context, _ consensus.Request) (*consensus.Result, error) {
		<-ctx.Done()
		cancelled.Store(true)
		return nil, ctx.Err()
	})

	sum, err := f.sched.ProcessEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 1 {
		t.Errorf("summary = %+v, want 1 failed", sum)
	}
	if !cancelled.Load() {
		t.Error("in-flight execution never saw cancellation")
	}

	got, err := f.st.TaskByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tasks.StatusFailed || got.FailureReason != taskgraph.DeadlineExceededReason {
		t.Errorf("task = %s/%q, want failed with deadline reason", got.Status, got.FailureReason)
	}
	history, _ := f.st.AssignmentsByTask(ctx, id)
	if len(history) != 1 || history[0].Status != tasks.AssignmentReassigned {
		t.Errorf("assignment history = %+v, want one reassigned", history)
	}
	if len(f.eventsOf(EventTaskBlocked)) != 0 {
		t.Error("deadline expiry should not block the task")
	}
}

func TestActivateRefusedWhileProfileHeld(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")

	// Second agent bound to the same profile, hired inactive.
	b := &agents.Agent{
		ID: "a2", Name: "agent-a2", Status: agents.StatusInactive,
		ModelID: "m-a1", ProfileID: "p-a1",
		CreatedAt: f.clk.Now(), UpdatedAt: f.clk.Now(),
	}
	if err := f.st.InsertAgent(ctx, b); err != nil {
		t.Fatal(err)
	}

	err := f.sched.ActivateAgent(ctx, "a2")
	if !errors.Is(err, ErrProfileOccupied) {
		t.Fatalf("ActivateAgent() = %v, want profile refusal", err)
	}
	got, err := f.st.AgentByID(ctx, "a2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != agents.StatusInactive {
		t.Errorf("agent a2 status = %s, want still inactive", got.Status)
	}

	// Deactivating the holder frees the profile.
	if err := f.sched.DeactivateAgent(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.ActivateAgent(ctx, "a2"); err != nil {
		t.Fatalf("ActivateAgent() after release: %v", err)
	}
}

func TestLowQualityRecommendsReplacementOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")
	f.res.set(succeedWith(30, 0.1))

	for i := 0; i < 3; i++ {
		f.submit(t, &tasks.Task{Title: fmt.Sprintf("task %d", i), RequiredSkills: []string{"go"}})
	}
	if _, err := f.sched.ProcessEligible(ctx); err != nil {
		t.Fatal(err)
	}

	recs := f.eventsOf(EventReplaceAgentRecommended)
	if len(recs) != 1 {
		t.Fatalf("replacement recommendations = %d, want exactly 1", len(recs))
	}
	if recs[0].AgentID != "a1" {
		t.Errorf("recommended agent = %s, want a1", recs[0].AgentID)
	}

	// A completion back above the floor clears the slump; a fresh one
	// may fire again later.
	f.res.set(succeedWith(90, 0.1))
	f.submit(t, &tasks.Task{Title: "recovery", RequiredSkills: []string{"go"}})
	if _, err := f.sched.ProcessEligible(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.eventsOf(EventReplaceAgentRecommended)) != 1 {
		t.Error("recovered agent should not be re-flagged")
	}
}

func TestTerminateAgentGuard(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")
	id := f.submit(t, &tasks.Task{Title: "long haul", RequiredSkills: []string{"go"}})

	if err := f.graph.SetStatus(ctx, id, tasks.StatusAssigned); err != nil {
		t.Fatal(err)
	}
	asg := &tasks.Assignment{
		ID: "as1", TaskID: id, AgentID: "a1",
		Status: tasks.AssignmentInProgress, CapabilityScore: 70,
		AssignedAt: f.clk.Now(),
	}
	if err := f.st.InsertAssignment(ctx, asg); err != nil {
		t.Fatal(err)
	}

	err := f.sched.TerminateAgent(ctx, "a1")
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("termination with live assignment = %v, want refusal", err)
	}

	now := f.clk.Now()
	asg.Status = tasks.AssignmentCompleted
	asg.CompletedAt = &now
	if err := f.st.UpdateAssignment(ctx, asg); err != nil {
		t.Fatal(err)
	}
	if err := f.graph.SetStatus(ctx, id, tasks.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := f.graph.MarkCompleted(ctx, id, 0); err != nil {
		t.Fatal(err)
	}

	if err := f.sched.TerminateAgent(ctx, "a1"); err != nil {
		t.Fatalf("termination after completion refused: %v", err)
	}
	agent, _ := f.st.AgentByID(ctx, "a1")
	if agent.Status != agents.StatusTerminated {
		t.Errorf("agent status = %s, want terminated", agent.Status)
	}
}

func TestReconcileReturnsOrphanedTask(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")
	id := f.submit(t, &tasks.Task{Title: "stuck", RequiredSkills: []string{"go"}})

	// Simulate a crash after the status write but before the
	// assignment insert.
	if err := f.graph.SetStatus(ctx, id, tasks.StatusAssigned); err != nil {
		t.Fatal(err)
	}

	sum, err := f.sched.ProcessEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Completed != 1 {
		t.Errorf("summary = %+v, want orphan reclaimed and completed", sum)
	}
}

func TestReassignedCostStaysAttributed(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")
	id := f.submit(t, &tasks.Task{Title: "retried work", RequiredSkills: []string{"go"}})

	prior := &tasks.Assignment{
		ID: "as-old", TaskID: id, AgentID: "a1",
		Status: tasks.AssignmentReassigned, CapabilityScore: 60,
		ActualCost: 1.0, AssignedAt: f.clk.Now(),
	}
	if err := f.st.InsertAssignment(ctx, prior); err != nil {
		t.Fatal(err)
	}

	f.res.set(succeedWith(85, 0.5))
	if _, err := f.sched.ProcessEligible(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := f.st.TaskByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tasks.StatusCompleted {
		t.Fatalf("task status = %s, want completed", got.Status)
	}
	if got.ActualCost != 1.5 {
		t.Errorf("actual cost = %v, want superseded spend included (1.5)", got.ActualCost)
	}
}

func TestConcurrentPassesKeepOneLiveAssignment(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedAgent(t, "a1", "go")
	f.seedAgent(t, "a2", "go")

	f.res.set(func(context.Context, consensus.Request) (*consensus.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return &consensus.Result{Decision: "ok", Quality: 70, Cost: 0.1, SuccessCount: 1}, nil
	})

	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, f.submit(t, &tasks.Task{
			Title: fmt.Sprintf("parallel %d", i), RequiredSkills: []string{"go"},
		}))
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.sched.ProcessEligible(ctx)
		}()
	}
	wg.Wait()

	for _, id := range ids {
		got, err := f.st.TaskByID(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != tasks.StatusCompleted {
			t.Errorf("task %s status = %s, want completed", id, got.Status)
		}
		history, err := f.st.AssignmentsByTask(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		completed := 0
		for _, asg := range history {
			if asg.Live() {
				t.Errorf("task %s still holds live assignment %s", id, asg.ID)
			}
			if asg.Status == tasks.AssignmentCompleted {
				completed++
			}
		}
		if completed != 1 {
			t.Errorf("task %s completed assignments = %d, want exactly 1", id, completed)
		}
	}
	if n := len(f.eventsOf(EventTaskAssigned)); n != 8 {
		t.Errorf("task_assigned events = %d, want one per task", n)
	}
}
