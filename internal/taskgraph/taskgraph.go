// Package taskgraph owns the task dependency graph: submission,
// dependency edges with cycle detection, blockers, deadline expiry,
// and the eligibility decision that feeds the scheduler.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/avery/foreman/internal/audit"
	"github.com/avery/foreman/internal/clock"
	"github.com/avery/foreman/internal/lifecycle"
	"github.com/avery/foreman/internal/logging"
	"github.com/avery/foreman/internal/tasks"
)

var (
	// ErrCycleDetected rejects a dependency edge that would close a
	// cycle. The graph is left unchanged.
	ErrCycleDetected = errors.New("taskgraph: dependency cycle detected")
	// ErrSelfDependency rejects an edge from a task to itself.
	ErrSelfDependency = errors.New("taskgraph: task cannot depend on itself")
	// ErrUnknownTask is returned for ids not in the graph.
	ErrUnknownTask = errors.New("taskgraph: unknown task")
	// ErrDuplicateTask rejects re-submission of an existing id.
	ErrDuplicateTask = errors.New("taskgraph: task already exists")
	// ErrDeadlineExceeded marks a task auto-failed by deadline expiry.
	ErrDeadlineExceeded = errors.New("taskgraph: deadline exceeded")
)

// DeadlineExceededReason is written to Task.FailureReason on expiry.
const DeadlineExceededReason = "deadline_exceeded"

// Persister receives write-through copies of graph mutations.
type Persister interface {
	InsertTask(ctx context.Context, t *tasks.Task) error
	UpdateTask(ctx context.Context, t *tasks.Task) error
}

// Option configures a Graph.
type Option func(*Graph)

// WithPersister sets the write-through store.
func WithPersister(p Persister) Option {
	return func(g *Graph) { g.persist = p }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Graph) { g.clk = c }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r *audit.Recorder) Option {
	return func(g *Graph) { g.rec = r }
}

// Graph is the in-memory task graph with write-through persistence.
type Graph struct {
	mu         sync.Mutex
	nodes      map[string]*tasks.Task
	dependents map[string]map[string]struct{}

	queue  []string
	queued map[string]struct{}

	persist Persister
	clk     clock.Clock
	rec     *audit.Recorder
	log     *logging.Logger
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		nodes:      make(map[string]*tasks.Task),
		dependents: make(map[string]map[string]struct{}),
		queued:     make(map[string]struct{}),
		clk:        clock.Real{},
		log:        logging.Component("taskgraph"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Load seeds the graph from persisted tasks at startup. Existing
// dependency edges are trusted; no cycle check is repeated.
func (g *Graph) Load(existing []*tasks.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range existing {
		cp := cloneTask(t)
		g.nodes[cp.ID] = cp
		for _, dep := range cp.Dependencies {
			g.addDependentLocked(dep, cp.ID)
		}
	}
}

// Submit validates and registers a new task, returning its id. Every
// dependency must already exist in the graph.
func (g *Graph) Submit(ctx context.Context, t *tasks.Task) (string, error) {
	cp := cloneTask(t)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = tasks.StatusPending
	}
	if cp.Priority == "" {
		cp.Priority = tasks.PriorityMedium
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return "", err
	}
	for _, dep := range cp.Dependencies {
		if dep == cp.ID {
			return "", fmt.Errorf("task %s: %w", cp.ID, ErrSelfDependency)
		}
	}

	now := g.clk.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	g.mu.Lock()
	if _, exists := g.nodes[cp.ID]; exists {
		g.mu.Unlock()
		return "", fmt.Errorf("task %s: %w", cp.ID, ErrDuplicateTask)
	}
	for _, dep := range cp.Dependencies {
		if _, ok := g.nodes[dep]; !ok {
			g.mu.Unlock()
			return "", fmt.Errorf("dependency %s: %w", dep, ErrUnknownTask)
		}
	}
	g.nodes[cp.ID] = cp
	for _, dep := range cp.Dependencies {
		g.addDependentLocked(dep, cp.ID)
	}
	if g.eligibleLocked(cp) {
		g.enqueueLocked(cp.ID)
	}
	g.mu.Unlock()

	if g.persist != nil {
		if err := g.persist.InsertTask(ctx, cp); err != nil {
			g.mu.Lock()
			delete(g.nodes, cp.ID)
			for _, dep := range cp.Dependencies {
				delete(g.dependents[dep], cp.ID)
			}
			g.mu.Unlock()
			return "", err
		}
	}
	g.record(ctx, cp.ID, "task_submitted", nil, cp, nil)
	g.log.Event("info").Str("task_id", cp.ID).Str("title", cp.Title).Msg("task submitted")
	return cp.ID, nil
}

// AddDependency adds an edge making taskID depend on dependsOn. The
// edge is rejected, leaving the graph unchanged, when it would close a
// cycle or reference the task itself.
func (g *Graph) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return fmt.Errorf("task %s: %w", taskID, ErrSelfDependency)
	}

	g.mu.Lock()
	t, ok := g.nodes[taskID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ErrUnknownTask)
	}
	if _, ok := g.nodes[dependsOn]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("dependency %s: %w", dependsOn, ErrUnknownTask)
	}
	for _, dep := range t.Dependencies {
		if dep == dependsOn {
			g.mu.Unlock()
			return nil
		}
	}
	// The new edge closes a cycle iff taskID is reachable from
	// dependsOn along existing dependency edges.
	if g.reachableLocked(dependsOn, taskID) {
		g.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", taskID, dependsOn, ErrCycleDetected)
	}

	before := cloneTask(t)
	t.Dependencies = append(t.Dependencies, dependsOn)
	sort.Strings(t.Dependencies)
	t.UpdatedAt = g.clk.Now().UTC()
	g.addDependentLocked(dependsOn, taskID)
	after := cloneTask(t)
	g.mu.Unlock()

	if err := g.persistUpdate(ctx, after); err != nil {
		return err
	}
	g.record(ctx, taskID, "dependency_added", before, after, map[string]string{"depends_on": dependsOn})
	return nil
}

// AddBlocker attaches a blocker to a task and returns the blocker id.
// An assigned or in-progress task transitions to blocked; a pending
// task stays pending but becomes ineligible.
func (g *Graph) AddBlocker(ctx context.Context, taskID, kind, description string) (string, error) {
	g.mu.Lock()
	t, ok := g.nodes[taskID]
	if !ok {
		g.mu.Unlock()
		return "", fmt.Errorf("task %s: %w", taskID, ErrUnknownTask)
	}
	before := cloneTask(t)
	b := tasks.Blocker{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: description,
		CreatedAt:   g.clk.Now().UTC(),
	}
	if err := t.AddBlocker(b); err != nil {
		g.mu.Unlock()
		return "", err
	}
	if t.Status == tasks.StatusAssigned || t.Status == tasks.StatusInProgress {
		if err := lifecycle.ValidateTask(t.Status, tasks.StatusBlocked); err != nil {
			g.mu.Unlock()
			return "", err
		}
		t.Status = tasks.StatusBlocked
	}
	t.UpdatedAt = g.clk.Now().UTC()
	after := cloneTask(t)
	g.mu.Unlock()

	if err := g.persistUpdate(ctx, after); err != nil {
		return "", err
	}
	g.record(ctx, taskID, "blocker_added", before, after, map[string]string{"blocker_kind": kind})
	g.log.Event("warn").Str("task_id", taskID).Str("kind", kind).Msg("blocker added")
	return b.ID, nil
}

// ResolveBlocker removes a blocker. When the last blocker clears, a
// blocked task returns to pending and is re-enqueued if eligible.
func (g *Graph) ResolveBlocker(ctx context.Context, taskID, blockerID string) error {
	g.mu.Lock()
	t, ok := g.nodes[taskID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ErrUnknownTask)
	}
	before := cloneTask(t)
	if !t.RemoveBlocker(blockerID) {
		g.mu.Unlock()
		return fmt.Errorf("task %s has no blocker %s", taskID, blockerID)
	}
	if len(t.Blockers) == 0 && t.Status == tasks.StatusBlocked {
		if err := lifecycle.ValidateTask(t.Status, tasks.StatusPending); err != nil {
			g.mu.Unlock()
			return err
		}
		t.Status = tasks.StatusPending
	}
	t.UpdatedAt = g.clk.Now().UTC()
	if g.eligibleLocked(t) {
		g.enqueueLocked(t.ID)
	}
	after := cloneTask(t)
	g.mu.Unlock()

	if err := g.persistUpdate(ctx, after); err != nil {
		return err
	}
	g.record(ctx, taskID, "blocker_resolved", before, after, map[string]string{"blocker_id": blockerID})
	return nil
}

// Task returns a copy of the task.
func (g *Graph) Task(id string) (*tasks.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	return cloneTask(t), nil
}

// Dependents returns the ids of tasks that depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.dependents[id]))
	for dep := range g.dependents[id] {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// EligibleTasks expires overdue deadlines, then returns copies of all
// currently eligible tasks ordered by priority then age.
func (g *Graph) EligibleTasks(ctx context.Context) []*tasks.Task {
	g.expireDeadlines(ctx)

	g.mu.Lock()
	var out []*tasks.Task
	for _, t := range g.nodes {
		if g.eligibleLocked(t) {
			out = append(out, cloneTask(t))
		}
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Dequeue pops one task id from the eligibility queue. The queue is
// fed by completions and blocker resolutions.
func (g *Graph) Dequeue() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.queue) > 0 {
		id := g.queue[0]
		g.queue = g.queue[1:]
		delete(g.queued, id)
		t, ok := g.nodes[id]
		if !ok || !g.eligibleLocked(t) {
			continue
		}
		return id, true
	}
	return "", false
}

// SetStatus applies a validated status change. It is the scheduler's
// hook for pending -> assigned -> in_progress moves.
func (g *Graph) SetStatus(ctx context.Context, id string, status tasks.Status) error {
	g.mu.Lock()
	t, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	if err := lifecycle.ValidateTask(t.Status, status); err != nil {
		g.mu.Unlock()
		return err
	}
	before := cloneTask(t)
	t.Status = status
	t.UpdatedAt = g.clk.Now().UTC()
	after := cloneTask(t)
	g.mu.Unlock()

	if err := g.persistUpdate(ctx, after); err != nil {
		return err
	}
	g.record(ctx, id, "status_change", before, after, nil)
	return nil
}

// MarkCompleted finishes a task, records its derived actual cost, and
// returns the ids of dependents that became eligible, which are also
// pushed onto the eligibility queue.
func (g *Graph) MarkCompleted(ctx context.Context, id string, actualCost float64) ([]string, error) {
	g.mu.Lock()
	t, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	if err := lifecycle.ValidateTask(t.Status, tasks.StatusCompleted); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	before := cloneTask(t)
	now := g.clk.Now().UTC()
	t.Status = tasks.StatusCompleted
	t.ActualCost = actualCost
	t.CompletedAt = &now
	t.UpdatedAt = now

	var unlocked []string
	for depID := range g.dependents[id] {
		dep, ok := g.nodes[depID]
		if !ok {
			continue
		}
		if g.eligibleLocked(dep) {
			unlocked = append(unlocked, depID)
			g.enqueueLocked(depID)
		}
	}
	sort.Strings(unlocked)
	after := cloneTask(t)
	g.mu.Unlock()

	if err := g.persistUpdate(ctx, after); err != nil {
		return nil, err
	}
	g.record(ctx, id, "task_completed", before, after, nil)
	g.log.Event("info").Str("task_id", id).Float64("actual_cost", actualCost).
		Int("unlocked", len(unlocked)).Msg("task completed")
	return unlocked, nil
}

// MarkFailed fails a task with a reason.
func (g *Graph) MarkFailed(ctx context.Context, id, reason string) error {
	g.mu.Lock()
	t, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	if err := lifecycle.ValidateTask(t.Status, tasks.StatusFailed); err != nil {
		g.mu.Unlock()
		return err
	}
	before := cloneTask(t)
	t.Status = tasks.StatusFailed
	t.FailureReason = reason
	t.UpdatedAt = g.clk.Now().UTC()
	after := cloneTask(t)
	g.mu.Unlock()

	if err := g.persistUpdate(ctx, after); err != nil {
		return err
	}
	g.record(ctx, id, "task_failed", before, after, map[string]string{"reason": reason})
	g.log.Event("warn").Str("task_id", id).Str("reason", reason).Msg("task failed")
	return nil
}

// expireDeadlines fails every unfinished task whose deadline has
// passed, instead of ever scheduling it.
func (g *Graph) expireDeadlines(ctx context.Context) {
	now := g.clk.Now()

	g.mu.Lock()
	var expired []string
	for id, t := range g.nodes {
		if t.Status.Terminal() || t.Deadline == nil {
			continue
		}
		if t.Deadline.After(now) {
			continue
		}
		expired = append(expired, id)
	}
	g.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		if err := g.MarkFailed(ctx, id, DeadlineExceededReason); err != nil {
			g.log.Err(err).Str("task_id", id).Msg("deadline expiry failed")
		}
	}
}

// eligibleLocked implements the eligibility rule: pending (or blocked
// with an empty blocker set), all dependencies completed, no open
// blockers, deadline not passed.
func (g *Graph) eligibleLocked(t *tasks.Task) bool {
	if t.Status != tasks.StatusPending && t.Status != tasks.StatusBlocked {
		return false
	}
	if t.Blocked() {
		return false
	}
	if t.Deadline != nil && !t.Deadline.After(g.clk.Now()) {
		return false
	}
	for _, dep := range t.Dependencies {
		depTask, ok := g.nodes[dep]
		if !ok || depTask.Status != tasks.StatusCompleted {
			return false
		}
	}
	return true
}

// reachableLocked reports whether to is reachable from from along
// dependency edges, via iterative DFS.
func (g *Graph) reachableLocked(from, to string) bool {
	stack := []string{from}
	seen := map[string]struct{}{}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if t, ok := g.nodes[id]; ok {
			stack = append(stack, t.Dependencies...)
		}
	}
	return false
}

func (g *Graph) addDependentLocked(dep, task string) {
	if g.dependents[dep] == nil {
		g.dependents[dep] = make(map[string]struct{})
	}
	g.dependents[dep][task] = struct{}{}
}

func (g *Graph) enqueueLocked(id string) {
	if _, ok := g.queued[id]; ok {
		return
	}
	g.queued[id] = struct{}{}
	g.queue = append(g.queue, id)
}

func (g *Graph) persistUpdate(ctx context.Context, t *tasks.Task) error {
	if g.persist == nil {
		return nil
	}
	return g.persist.UpdateTask(ctx, t)
}

func (g *Graph) record(ctx context.Context, id, action string, before, after any, meta map[string]string) {
	if g.rec == nil {
		return
	}
	g.rec.Record(ctx, "task", id, action, "taskgraph", before, after, meta)
}

func cloneTask(t *tasks.Task) *tasks.Task {
	cp := *t
	cp.RequiredSkills = append([]string(nil), t.RequiredSkills...)
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.Blockers = append([]tasks.Blocker(nil), t.Blockers...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	if t.Deadline != nil {
		ts := *t.Deadline
		cp.Deadline = &ts
	}
	return &cp
}
