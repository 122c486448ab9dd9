// Package scheduler runs assignment passes: it drains eligible tasks,
// matches each to an agent, drives the assignment through consensus
// execution, and settles task completion. A per-task lease arena keeps
// concurrent workers and overlapping passes off the same task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/avery/foreman/internal/agents"
	"github.com/avery/foreman/internal/audit"
	"github.com/avery/foreman/internal/clock"
	"github.com/avery/foreman/internal/config"
	"github.com/avery/foreman/internal/consensus"
	"github.com/avery/foreman/internal/lifecycle"
	"github.com/avery/foreman/internal/logging"
	"github.com/avery/foreman/internal/match"
	"github.com/avery/foreman/internal/store"
	"github.com/avery/foreman/internal/taskgraph"
	"github.com/avery/foreman/internal/tasks"
)

// Resolver executes a consensus round for an assignment.
type Resolver interface {
	Resolve(ctx context.Context, req consensus.Request) (*consensus.Result, error)
}

// ErrProfileOccupied refuses activation while another active agent is
// bound to the same capability profile.
var ErrProfileOccupied = errors.New("scheduler: profile already held by an active agent")

// PassSummary is what one ProcessEligible call did.
type PassSummary struct {
	Assigned       int
	Completed      int
	Blocked        int
	Failed         int
	HiringRequests int
	Skipped        int
	Duration       time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clk = c }
}

// WithEventHandler sets the event callback.
func WithEventHandler(h EventHandler) Option {
	return func(s *Scheduler) { s.handler = h }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r *audit.Recorder) Option {
	return func(s *Scheduler) { s.rec = r }
}

// Scheduler owns the assignment loop.
type Scheduler struct {
	graph   *taskgraph.Graph
	store   *store.Store
	matcher *match.Matcher
	engine  Resolver
	cfg     config.SchedulerConfig

	clk     clock.Clock
	rec     *audit.Recorder
	handler EventHandler
	log     *logging.Logger

	leases     leaseArena
	agentLocks keyedMutex

	mu             sync.Mutex
	lastActivation time.Time
	replaceFlagged map[string]bool
}

// New creates a Scheduler.
func New(g *taskgraph.Graph, st *store.Store, m *match.Matcher, eng Resolver,
	cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		graph:          g,
		store:          st,
		matcher:        m,
		engine:         eng,
		cfg:            cfg,
		clk:            clock.Real{},
		log:            logging.Component("scheduler"),
		leases:         leaseArena{held: make(map[string]struct{})},
		replaceFlagged: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessEligible runs one pass: reconcile leftover assignments, then
// assign and execute every eligible task, following completion-unlocked
// dependents within the same pass. It never fails the whole pass for a
// single task; per-task errors are logged and counted as skips.
func (s *Scheduler) ProcessEligible(ctx context.Context) (PassSummary, error) {
	start := time.Now()
	var c passCounters

	s.reconcile(ctx, &c)

	seen := make(map[string]struct{})
	batch := s.graph.EligibleTasks(ctx)
	for _, t := range batch {
		seen[t.ID] = struct{}{}
	}

	for len(batch) > 0 && ctx.Err() == nil {
		g := new(errgroup.Group)
		g.SetLimit(s.workers())
		for _, t := range batch {
			task := t
			g.Go(func() error {
				s.processTask(ctx, task.ID, &c)
				return nil
			})
		}
		_ = g.Wait()

		// Completions enqueue newly eligible dependents; pick them up
		// before ending the pass.
		batch = batch[:0]
		for {
			id, ok := s.graph.Dequeue()
			if !ok {
				break
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			t, err := s.graph.Task(id)
			if err != nil {
				continue
			}
			batch = append(batch, t)
		}
	}

	sum := c.summary()
	sum.Duration = time.Since(start)
	s.emit(Event{Type: EventPassCompleted, Summary: &sum})
	s.log.Event("info").
		Int("assigned", sum.Assigned).
		Int("completed", sum.Completed).
		Int("blocked", sum.Blocked).
		Int("failed", sum.Failed).
		Int("hiring_requests", sum.HiringRequests).
		Int("skipped", sum.Skipped).
		Dur("duration", sum.Duration).
		Msg("pass completed")
	return sum, ctx.Err()
}

// reconcile settles assignments left live by a previous crash or by
// state that moved under them: terminal tasks, expired deadlines, and
// unavailable agents all supersede the assignment. Tasks stuck in
// assigned or in_progress with no live assignment return to the pool.
func (s *Scheduler) reconcile(ctx context.Context, c *passCounters) {
	all, err := s.store.ListAgents(ctx)
	if err != nil {
		s.log.Err(err).Msg("reconcile: listing agents")
		return
	}
	for _, agent := range all {
		live, err := s.store.LiveAssignmentsByAgent(ctx, agent.ID)
		if err != nil {
			s.log.Err(err).Str("agent_id", agent.ID).Msg("reconcile: listing assignments")
			continue
		}
		for _, asg := range live {
			s.reconcileAssignment(ctx, agent, asg, c)
		}
	}

	for _, status := range []tasks.Status{tasks.StatusAssigned, tasks.StatusInProgress} {
		list, err := s.store.TasksByStatus(ctx, status)
		if err != nil {
			continue
		}
		for _, t := range list {
			if !s.leases.TryAcquire(t.ID) {
				continue
			}
			liveAsg, err := s.store.LiveAssignmentForTask(ctx, t.ID)
			if err == nil && liveAsg == nil {
				if err := s.graph.SetStatus(ctx, t.ID, tasks.StatusPending); err != nil {
					s.log.Err(err).Str("task_id", t.ID).Msg("reconcile: releasing orphaned task")
				}
			}
			s.leases.Release(t.ID)
		}
	}
}

func (s *Scheduler) reconcileAssignment(ctx context.Context, agent *agents.Agent, asg *tasks.Assignment, c *passCounters) {
	if !s.leases.TryAcquire(asg.TaskID) {
		return
	}
	defer s.leases.Release(asg.TaskID)

	t, err := s.graph.Task(asg.TaskID)
	if err != nil {
		s.closeAssignment(ctx, asg, tasks.AssignmentReassigned, "task no longer tracked")
		return
	}

	switch {
	case t.Status.Terminal():
		s.closeAssignment(ctx, asg, tasks.AssignmentReassigned, "task reached terminal state")

	case t.Deadline != nil && !t.Deadline.After(s.clk.Now()):
		if err := s.graph.MarkFailed(ctx, t.ID, taskgraph.DeadlineExceededReason); err != nil {
			s.log.Err(err).Str("task_id", t.ID).Msg("reconcile: failing expired task")
		} else {
			c.failed.Add(1)
			s.emit(Event{Type: EventTaskFailed, TaskID: t.ID, AgentID: agent.ID,
				Message: taskgraph.DeadlineExceededReason})
		}
		s.closeAssignment(ctx, asg, tasks.AssignmentReassigned, "deadline exceeded")

	case !agent.Available():
		s.closeAssignment(ctx, asg, tasks.AssignmentReassigned,
			fmt.Sprintf("agent %s no longer available", agent.ID))
		if t.Status == tasks.StatusAssigned || t.Status == tasks.StatusInProgress {
			if err := s.graph.SetStatus(ctx, t.ID, tasks.StatusPending); err != nil {
				s.log.Err(err).Str("task_id", t.ID).Msg("reconcile: returning task to pool")
			}
		}
	}
}

func (s *Scheduler) processTask(ctx context.Context, taskID string, c *passCounters) {
	if !s.leases.TryAcquire(taskID) {
		c.skipped.Add(1)
		return
	}
	defer s.leases.Release(taskID)

	t, err := s.graph.Task(taskID)
	if err != nil {
		return
	}
	if t.Status == tasks.StatusBlocked && !t.Blocked() {
		if err := s.graph.SetStatus(ctx, taskID, tasks.StatusPending); err != nil {
			return
		}
		t.Status = tasks.StatusPending
	}
	if t.Status != tasks.StatusPending {
		return
	}
	if !s.hiringGateOpen(ctx, taskID) {
		c.skipped.Add(1)
		return
	}

	cands, err := s.candidates(ctx)
	if err != nil {
		s.log.Err(err).Str("task_id", taskID).Msg("loading candidates")
		c.skipped.Add(1)
		return
	}
	ranked, err := s.matcher.Rank(t, cands)
	var nq *match.NoQualifiedAgentError
	if errors.As(err, &nq) {
		s.requestHiring(ctx, t, nq, c)
		return
	}
	if err != nil {
		s.log.Err(err).Str("task_id", taskID).Msg("ranking candidates")
		c.skipped.Add(1)
		return
	}

	asg, agent := s.createAssignment(ctx, t, ranked)
	if asg == nil {
		c.skipped.Add(1)
		return
	}
	c.assigned.Add(1)
	s.emit(Event{Type: EventTaskAssigned, TaskID: t.ID, AgentID: agent.ID,
		AssignmentID: asg.ID, Message: agent.Name})
	if err := s.store.DeleteHiringRequest(ctx, t.ID); err != nil {
		s.log.Err(err).Str("task_id", t.ID).Msg("clearing hiring request")
	}

	s.runAssignment(ctx, t, agent, asg, c)
}

// createAssignment tries ranked candidates in order. Agent re-checks
// and the insert happen under the agent's lock so termination cannot
// race a new assignment; the partial unique index on live assignments
// is the storage-level backstop.
func (s *Scheduler) createAssignment(ctx context.Context, t *tasks.Task, ranked []match.Ranked) (*tasks.Assignment, *agents.Agent) {
	now := s.clk.Now().UTC()
	for _, r := range ranked {
		unlock := s.agentLocks.lock(r.Agent.ID)
		fresh, err := s.store.AgentByID(ctx, r.Agent.ID)
		if err != nil || !fresh.Available() {
			unlock()
			continue
		}
		asg := &tasks.Assignment{
			ID:              uuid.NewString(),
			TaskID:          t.ID,
			AgentID:         fresh.ID,
			Status:          tasks.AssignmentAssigned,
			CapabilityScore: r.Score,
			CostEstimate:    t.EstimatedCost,
			AssignedAt:      now,
		}
		err = s.store.InsertAssignment(ctx, asg)
		unlock()
		if err != nil {
			// A live assignment already exists for this task.
			s.log.Event("debug").Str("task_id", t.ID).Err(err).Msg("assignment insert refused")
			return nil, nil
		}
		if err := s.graph.SetStatus(ctx, t.ID, tasks.StatusAssigned); err != nil {
			s.closeAssignment(ctx, asg, tasks.AssignmentReassigned, "task no longer assignable")
			return nil, nil
		}
		s.record(ctx, "assignment", asg.ID, "assignment_created", nil, asg)
		return asg, fresh
	}
	return nil, nil
}

func (s *Scheduler) runAssignment(ctx context.Context, t *tasks.Task, agent *agents.Agent, asg *tasks.Assignment, c *passCounters) {
	for _, next := range []tasks.AssignmentStatus{tasks.AssignmentAccepted, tasks.AssignmentInProgress} {
		asg.Status = next
		if err := s.store.UpdateAssignment(ctx, asg); err != nil {
			s.log.Err(err).Str("assignment_id", asg.ID).Msg("advancing assignment")
			return
		}
	}
	if err := s.graph.SetStatus(ctx, t.ID, tasks.StatusInProgress); err != nil {
		s.closeAssignment(ctx, asg, tasks.AssignmentReassigned, "task state changed before execution")
		return
	}

	model, err := s.store.ModelByID(ctx, agent.ModelID)
	if err != nil {
		s.blockForInfrastructure(ctx, t, agent, asg, c,
			fmt.Sprintf("model %s not in catalog", agent.ModelID))
		return
	}

	// A task deadline bounds the whole round: expiry cancels every
	// outstanding execution through the derived context.
	execCtx := ctx
	if t.Deadline != nil {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, t.Deadline.Sub(s.clk.Now()))
		defer cancel()
	}

	res, err := s.engine.Resolve(execCtx, consensus.Request{
		Agent:     agent,
		TaskID:    t.ID,
		Prompt:    buildPrompt(t),
		ModelID:   model.ID,
		ModelName: model.Name,
		Shape:     outputShape(t),
	})
	if err != nil {
		if execCtx.Err() != nil && ctx.Err() == nil {
			s.failExpired(ctx, t, agent, asg, c)
			return
		}
		s.blockForInfrastructure(ctx, t, agent, asg, c, err.Error())
		return
	}

	// The task may have expired or been failed while executions ran;
	// a late result never mutates a settled task.
	cur, err := s.graph.Task(t.ID)
	if err != nil || cur.Status != tasks.StatusInProgress {
		s.closeAssignment(ctx, asg, tasks.AssignmentReassigned, "task state changed during execution")
		c.skipped.Add(1)
		return
	}

	now := s.clk.Now().UTC()
	quality := res.Quality
	asg.Status = tasks.AssignmentCompleted
	asg.QualityScore = &quality
	asg.ActualCost = res.Cost
	asg.CompletionNotes = res.Decision
	asg.CompletedAt = &now
	if err := s.store.UpdateAssignment(ctx, asg); err != nil {
		s.log.Err(err).Str("assignment_id", asg.ID).Msg("completing assignment")
		return
	}
	s.record(ctx, "assignment", asg.ID, "assignment_completed", nil, asg)
	if res.NeedsReview {
		s.record(ctx, "task", t.ID, "needs_review", nil, map[string]any{
			"quality": quality, "successes": res.SuccessCount,
		})
		s.log.Warnf("task %s: no consensus cluster formed, flagged for review", t.ID)
	}

	s.recordAgentQuality(ctx, agent.ID, quality)

	history, err := s.store.AssignmentsByTask(ctx, t.ID)
	if err != nil {
		s.log.Err(err).Str("task_id", t.ID).Msg("loading assignment history")
		return
	}
	done, cost := lifecycle.DeriveTaskCompletion(history)
	if !done {
		return
	}
	if _, err := s.graph.MarkCompleted(ctx, t.ID, cost); err != nil {
		s.log.Err(err).Str("task_id", t.ID).Msg("completing task")
		return
	}
	c.completed.Add(1)
	s.emit(Event{Type: EventTaskCompleted, TaskID: t.ID, AgentID: agent.ID,
		AssignmentID: asg.ID, Quality: quality, Cost: cost})
}

// failExpired settles an assignment whose task deadline passed while
// executions were in flight: the assignment is superseded with its cost
// kept, and the task fails with the deadline reason.
func (s *Scheduler) failExpired(ctx context.Context, t *tasks.Task, agent *agents.Agent, asg *tasks.Assignment, c *passCounters) {
	s.closeAssignment(ctx, asg, tasks.AssignmentReassigned, "deadline exceeded")
	if err := s.graph.MarkFailed(ctx, t.ID, taskgraph.DeadlineExceededReason); err != nil {
		s.log.Err(err).Str("task_id", t.ID).Msg("failing expired task")
		return
	}
	c.failed.Add(1)
	s.emit(Event{Type: EventTaskFailed, TaskID: t.ID, AgentID: agent.ID,
		AssignmentID: asg.ID, Message: taskgraph.DeadlineExceededReason})
}

// blockForInfrastructure handles a round where execution itself was
// unavailable: the assignment fails, the task blocks instead of
// failing, and a human gets a ticket.
func (s *Scheduler) blockForInfrastructure(ctx context.Context, t *tasks.Task, agent *agents.Agent, asg *tasks.Assignment, c *passCounters, cause string) {
	s.closeAssignment(ctx, asg, tasks.AssignmentFailed, cause)

	unlock := s.agentLocks.lock(agent.ID)
	if fresh, err := s.store.AgentByID(ctx, agent.ID); err == nil {
		fresh.Metrics.RecordFailure()
		fresh.UpdatedAt = s.clk.Now().UTC()
		if err := s.store.UpdateAgent(ctx, fresh); err != nil {
			s.log.Err(err).Str("agent_id", agent.ID).Msg("recording agent failure")
		}
	}
	unlock()

	if _, err := s.graph.AddBlocker(ctx, t.ID, "infrastructure", cause); err != nil {
		s.log.Err(err).Str("task_id", t.ID).Msg("blocking task")
		return
	}
	c.blocked.Add(1)
	s.emit(Event{Type: EventTaskBlocked, TaskID: t.ID, AgentID: agent.ID,
		AssignmentID: asg.ID, Message: cause})
	s.emit(Event{Type: EventAdminTicketRequested, TaskID: t.ID,
		Message: "execution unavailable: " + cause})
}

// recordAgentQuality folds the completion into the agent's rolling
// metrics and recommends replacement once the full recent window sits
// under the quality floor. The recommendation fires once per slump.
func (s *Scheduler) recordAgentQuality(ctx context.Context, agentID string, quality float64) {
	unlock := s.agentLocks.lock(agentID)
	agent, err := s.store.AgentByID(ctx, agentID)
	if err != nil {
		unlock()
		return
	}
	agent.Metrics.RecordCompletion(quality, s.cfg.QualityWindow)
	agent.UpdatedAt = s.clk.Now().UTC()
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		s.log.Err(err).Str("agent_id", agentID).Msg("updating agent metrics")
	}
	below := agent.Metrics.BelowFloor(s.cfg.QualityFloor, s.cfg.QualityWindow)
	unlock()

	s.mu.Lock()
	flagged := s.replaceFlagged[agentID]
	if below && !flagged {
		s.replaceFlagged[agentID] = true
	}
	if !below {
		delete(s.replaceFlagged, agentID)
	}
	s.mu.Unlock()

	if below && !flagged {
		s.emit(Event{Type: EventReplaceAgentRecommended, AgentID: agentID,
			Message: fmt.Sprintf("last %d completions under quality floor %.0f",
				s.cfg.QualityWindow, s.cfg.QualityFloor)})
	}
}

func (s *Scheduler) requestHiring(ctx context.Context, t *tasks.Task, nq *match.NoQualifiedAgentError, c *passCounters) {
	hr := &store.HiringRequest{
		TaskID:      t.ID,
		Skills:      nq.MissingSkills,
		Experience:  string(nq.Experience),
		RequestedAt: s.clk.Now().UTC(),
	}
	if err := s.store.UpsertHiringRequest(ctx, hr); err != nil {
		s.log.Err(err).Str("task_id", t.ID).Msg("filing hiring request")
		return
	}
	c.hiring.Add(1)
	s.record(ctx, "task", t.ID, "hiring_requested", nil, hr)
	s.emit(Event{Type: EventHiringRequested, TaskID: t.ID,
		Message: "missing skills: " + strings.Join(nq.MissingSkills, ", ")})
}

// hiringGateOpen reports whether a task with an open hiring request may
// be polled again: either a new agent activated since the request, or
// the backoff elapsed.
func (s *Scheduler) hiringGateOpen(ctx context.Context, taskID string) bool {
	hr, err := s.store.HiringRequestForTask(ctx, taskID)
	if err != nil || hr == nil {
		return true
	}
	s.mu.Lock()
	last := s.lastActivation
	s.mu.Unlock()
	if last.After(hr.RequestedAt) {
		return true
	}
	return s.clk.Now().Sub(hr.RequestedAt) >= s.cfg.HiringBackoff
}

// candidates loads every active agent with the reference data the
// matcher scores on. Missing profiles and catalog entries degrade to
// nil rather than excluding the agent.
func (s *Scheduler) candidates(ctx context.Context) ([]match.Candidate, error) {
	active, err := s.store.ActiveAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]match.Candidate, 0, len(active))
	for _, a := range active {
		cand := match.Candidate{Agent: a}
		if a.ProfileID != "" {
			if p, err := s.store.ProfileByID(ctx, a.ProfileID); err == nil {
				cand.Profile = p
			}
		}
		if m, err := s.store.ModelByID(ctx, a.ModelID); err == nil {
			cand.Model = m
		}
		live, err := s.store.LiveAssignmentsByAgent(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		cand.Busy = len(live) > 0
		out = append(out, cand)
	}
	return out, nil
}

// ActivateAgent moves an agent to active and reopens hiring gates.
func (s *Scheduler) ActivateAgent(ctx context.Context, agentID string) error {
	if err := s.setAgentStatus(ctx, agentID, agents.StatusActive); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastActivation = s.clk.Now()
	s.mu.Unlock()
	return nil
}

// DeactivateAgent moves an agent to inactive. Existing assignments are
// settled by reconciliation on the next pass.
func (s *Scheduler) DeactivateAgent(ctx context.Context, agentID string) error {
	return s.setAgentStatus(ctx, agentID, agents.StatusInactive)
}

// TerminateAgent permanently retires an agent. Termination is refused
// while the agent holds a live assignment on an unfinished task.
func (s *Scheduler) TerminateAgent(ctx context.Context, agentID string) error {
	unlock := s.agentLocks.lock(agentID)
	defer unlock()

	agent, err := s.store.AgentByID(ctx, agentID)
	if err != nil {
		return err
	}
	live, err := s.store.LiveAssignmentsByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	statuses := make(map[string]tasks.Status, len(live))
	for _, asg := range live {
		t, err := s.graph.Task(asg.TaskID)
		if err != nil {
			continue
		}
		statuses[asg.TaskID] = t.Status
	}
	if err := lifecycle.CanTerminate(live, statuses); err != nil {
		return err
	}
	return s.applyAgentStatus(ctx, agent, agents.StatusTerminated)
}

func (s *Scheduler) setAgentStatus(ctx context.Context, agentID string, status agents.Status) error {
	unlock := s.agentLocks.lock(agentID)
	defer unlock()

	agent, err := s.store.AgentByID(ctx, agentID)
	if err != nil {
		return err
	}
	return s.applyAgentStatus(ctx, agent, status)
}

func (s *Scheduler) applyAgentStatus(ctx context.Context, agent *agents.Agent, status agents.Status) error {
	if err := lifecycle.ValidateAgent(agent.Status, status); err != nil {
		return err
	}
	if status == agents.StatusActive && agent.ProfileID != "" {
		holder, err := s.store.ActiveAgentForProfile(ctx, agent.ProfileID)
		if err != nil {
			return err
		}
		if holder != nil && holder.ID != agent.ID {
			return fmt.Errorf("agent %s active on profile %s: %w",
				holder.ID, agent.ProfileID, ErrProfileOccupied)
		}
	}
	before := agent.Status
	agent.Status = status
	agent.UpdatedAt = s.clk.Now().UTC()
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	s.record(ctx, "agent", agent.ID, "status_change",
		map[string]string{"status": string(before)},
		map[string]string{"status": string(status)})
	s.log.Event("info").Str("agent_id", agent.ID).
		Str("from", string(before)).Str("to", string(status)).
		Msg("agent status changed")
	return nil
}

func (s *Scheduler) closeAssignment(ctx context.Context, asg *tasks.Assignment, status tasks.AssignmentStatus, note string) {
	if err := lifecycle.ValidateAssignment(asg.Status, status); err != nil {
		s.log.Err(err).Str("assignment_id", asg.ID).Msg("closing assignment")
		return
	}
	asg.Status = status
	if note != "" {
		asg.CompletionNotes = note
	}
	if err := s.store.UpdateAssignment(ctx, asg); err != nil {
		s.log.Err(err).Str("assignment_id", asg.ID).Msg("closing assignment")
		return
	}
	s.record(ctx, "assignment", asg.ID, "assignment_"+string(status), nil, asg)
}

func (s *Scheduler) record(ctx context.Context, entityType, id, action string, before, after any) {
	if s.rec == nil {
		return
	}
	s.rec.Record(ctx, entityType, id, action, "scheduler", before, after, nil)
}

func (s *Scheduler) emit(ev Event) {
	if s.handler == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = s.clk.Now()
	}
	s.handler(ev)
}

func (s *Scheduler) workers() int {
	if s.cfg.Workers < 1 {
		return 1
	}
	return s.cfg.Workers
}

func buildPrompt(t *tasks.Task) string {
	var b strings.Builder
	b.WriteString(t.Title)
	if t.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(t.Description)
	}
	return b.String()
}

// outputShape reads the task's declared shape; free-form text is the
// default.
func outputShape(t *tasks.Task) consensus.OutputShape {
	if t.Metadata["output_shape"] == string(consensus.ShapeDiscrete) {
		return consensus.ShapeDiscrete
	}
	return consensus.ShapeText
}

// leaseArena is a set of per-task try-locks. Acquire never blocks; a
// held lease means some worker already owns the task.
type leaseArena struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *leaseArena) TryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *leaseArena) Release(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}

// keyedMutex hands out one mutex per key, created on first use.
type keyedMutex struct {
	m sync.Map
}

func (k *keyedMutex) lock(key string) func() {
	v, _ := k.m.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

type passCounters struct {
	assigned, completed, blocked, failed, hiring, skipped atomic.Int64
}

func (c *passCounters) summary() PassSummary {
	return PassSummary{
		Assigned:       int(c.assigned.Load()),
		Completed:      int(c.completed.Load()),
		Blocked:        int(c.blocked.Load()),
		Failed:         int(c.failed.Load()),
		HiringRequests: int(c.hiring.Load()),
		Skipped:        int(c.skipped.Load()),
	}
}
