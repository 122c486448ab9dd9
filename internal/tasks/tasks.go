// Package tasks defines the task and assignment records the engine
// schedules, plus their status vocabularies.
package tasks

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusBlocked, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses a task never leaves.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority is a scheduling tie-break, nothing more.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a sortable weight for the priority (higher is more urgent).
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Blocker is a named obstruction that keeps a task from being scheduled.
type Blocker struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // e.g. "infrastructure", "external"
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task is a unit of work with dependencies, required skills, and a
// lifecycle status. Title and description are opaque to the engine.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// TicketID references the originating external ticket, if any.
	TicketID string `json:"ticket_id,omitempty"`
	// ParentID links a subtask to the task it was decomposed from.
	ParentID string `json:"parent_id,omitempty"`

	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`
	// FailureReason records why a task reached StatusFailed.
	FailureReason string `json:"failure_reason,omitempty"`

	RequiredSkills []string  `json:"required_skills,omitempty"`
	Dependencies   []string  `json:"dependencies,omitempty"`
	Blockers       []Blocker `json:"blockers,omitempty"`

	EstimatedCost float64 `json:"estimated_cost,omitempty"`
	ActualCost    float64 `json:"actual_cost,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// Normalize dedupes and trims skill names and dependency ids in place.
// Skill names are lowercased so overlap scoring is case-insensitive.
func (t *Task) Normalize() {
	t.RequiredSkills = dedupeLower(t.RequiredSkills)
	t.Dependencies = dedupe(t.Dependencies)
}

// Validate reports structural problems that reject a task at submission.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("task %s: empty title", t.ID)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("task %s: invalid priority %q", t.ID, t.Priority)
	}
	if t.EstimatedCost < 0 || t.ActualCost < 0 {
		return fmt.Errorf("task %s: negative cost", t.ID)
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("task %s: depends on itself", t.ID)
		}
	}
	return nil
}

// Blocked returns true if the task carries any open blocker.
func (t *Task) Blocked() bool {
	return len(t.Blockers) > 0
}

// HasBlocker returns true if a blocker with the given id is open.
func (t *Task) HasBlocker(blockerID string) bool {
	for _, b := range t.Blockers {
		if b.ID == blockerID {
			return true
		}
	}
	return false
}

// AddBlocker appends a blocker. Adding to a terminal task is refused.
func (t *Task) AddBlocker(b Blocker) error {
	if t.Status.Terminal() {
		return fmt.Errorf("task %s: cannot block %s task", t.ID, t.Status)
	}
	t.Blockers = append(t.Blockers, b)
	return nil
}

// RemoveBlocker deletes the blocker with the given id and reports
// whether it was present.
func (t *Task) RemoveBlocker(blockerID string) bool {
	for i, b := range t.Blockers {
		if b.ID == blockerID {
			t.Blockers = append(t.Blockers[:i], t.Blockers[i+1:]...)
			return true
		}
	}
	return false
}

// AssignmentStatus represents the lifecycle state of a task assignment.
type AssignmentStatus string

const (
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentAccepted   AssignmentStatus = "accepted"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentFailed     AssignmentStatus = "failed"
	AssignmentReassigned AssignmentStatus = "reassigned"
)

// Valid returns true if the status is a known value.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentAssigned, AssignmentAccepted, AssignmentInProgress,
		AssignmentCompleted, AssignmentFailed, AssignmentReassigned:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses an assignment never leaves.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentFailed || s == AssignmentReassigned
}

// Assignment links one task to one agent for one attempt at completion.
// A task accumulates assignments over time as work is reassigned; at
// most one may be non-terminal at any instant.
type Assignment struct {
	ID      string `json:"id"`
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`

	Status AssignmentStatus `json:"status"`

	// CapabilityScore is the matcher's score at assignment time (0-100).
	CapabilityScore float64 `json:"capability_score"`
	CostEstimate    float64 `json:"cost_estimate,omitempty"`
	ActualCost      float64 `json:"actual_cost,omitempty"`

	// QualityScore is set on completion (0-100).
	QualityScore    *float64 `json:"quality_score,omitempty"`
	CompletionNotes string   `json:"completion_notes,omitempty"`

	AssignedAt  time.Time  `json:"assigned_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Live returns true while the assignment is still being worked.
func (a *Assignment) Live() bool {
	return !a.Status.Terminal()
}

// Validate reports structural problems in an assignment record.
func (a *Assignment) Validate() error {
	if a.TaskID == "" || a.AgentID == "" {
		return fmt.Errorf("assignment %s: missing task or agent reference", a.ID)
	}
	if a.CapabilityScore < 0 || a.CapabilityScore > 100 {
		return fmt.Errorf("assignment %s: capability score %v out of range", a.ID, a.CapabilityScore)
	}
	if a.QualityScore != nil && (*a.QualityScore < 0 || *a.QualityScore > 100) {
		return fmt.Errorf("assignment %s: quality score %v out of range", a.ID, *a.QualityScore)
	}
	if a.CompletedAt != nil && a.CompletedAt.Before(a.AssignedAt) {
		return fmt.Errorf("assignment %s: completed before assigned", a.ID)
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func dedupeLower(values []string) []string {
	lowered := make([]string, 0, len(values))
	for _, v := range values {
		lowered = append(lowered, strings.ToLower(v))
	}
	return dedupe(lowered)
}
