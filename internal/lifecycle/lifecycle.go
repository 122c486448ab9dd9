// Package lifecycle validates every task, assignment, and agent status
// transition in one place, and holds the derived rules that used to be
// storage triggers.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/avery/foreman/internal/agents"
	"github.com/avery/foreman/internal/tasks"
)

// ErrInvalidTransition is returned for any transition the tables do
// not allow. Callers refuse the mutation; they never coerce.
var ErrInvalidTransition = errors.New("invalid status transition")

var taskTransitions = map[tasks.Status][]tasks.Status{
	tasks.StatusPending:    {tasks.StatusAssigned, tasks.StatusBlocked, tasks.StatusFailed},
	tasks.StatusAssigned:   {tasks.StatusInProgress, tasks.StatusBlocked, tasks.StatusFailed, tasks.StatusPending},
	tasks.StatusInProgress: {tasks.StatusCompleted, tasks.StatusBlocked, tasks.StatusFailed, tasks.StatusPending},
	tasks.StatusBlocked:    {tasks.StatusPending, tasks.StatusFailed},
	tasks.StatusCompleted:  nil,
	tasks.StatusFailed:     nil,
}

var assignmentTransitions = map[tasks.AssignmentStatus][]tasks.AssignmentStatus{
	tasks.AssignmentAssigned:   {tasks.AssignmentAccepted, tasks.AssignmentFailed, tasks.AssignmentReassigned},
	tasks.AssignmentAccepted:   {tasks.AssignmentInProgress, tasks.AssignmentFailed, tasks.AssignmentReassigned},
	tasks.AssignmentInProgress: {tasks.AssignmentCompleted, tasks.AssignmentFailed, tasks.AssignmentReassigned},
	tasks.AssignmentCompleted:  nil,
	tasks.AssignmentFailed:     nil,
	tasks.AssignmentReassigned: nil,
}

var agentTransitions = map[agents.Status][]agents.Status{
	agents.StatusActive:     {agents.StatusInactive, agents.StatusTerminated},
	agents.StatusInactive:   {agents.StatusActive},
	agents.StatusTerminated: nil,
}

// ValidateTask checks a task status transition.
func ValidateTask(from, to tasks.Status) error {
	for _, allowed := range taskTransitions[from] {
		if to == allowed {
			return nil
		}
	}
	return fmt.Errorf("task %s -> %s: %w", from, to, ErrInvalidTransition)
}

// ValidateAssignment checks an assignment status transition.
func ValidateAssignment(from, to tasks.AssignmentStatus) error {
	for _, allowed := range assignmentTransitions[from] {
		if to == allowed {
			return nil
		}
	}
	return fmt.Errorf("assignment %s -> %s: %w", from, to, ErrInvalidTransition)
}

// ValidateAgent checks an agent status transition. The termination
// guard is separate; see CanTerminate.
func ValidateAgent(from, to agents.Status) error {
	for _, allowed := range agentTransitions[from] {
		if to == allowed {
			return nil
		}
	}
	return fmt.Errorf("agent %s -> %s: %w", from, to, ErrInvalidTransition)
}

// CanTerminate reports whether an agent may move to terminated:
// it must hold no live assignment whose task is itself unfinished.
// liveAssignments are the agent's non-terminal assignments;
// taskStatus maps their task ids to current task statuses.
func CanTerminate(liveAssignments []*tasks.Assignment, taskStatus map[string]tasks.Status) error {
	for _, a := range liveAssignments {
		if !a.Live() {
			continue
		}
		if status, ok := taskStatus[a.TaskID]; ok && status.Terminal() {
			continue
		}
		return fmt.Errorf("agent holds live assignment %s on unfinished task %s: %w",
			a.ID, a.TaskID, ErrInvalidTransition)
	}
	return nil
}

// DeriveTaskCompletion applies the last-writer-completes rule over a
// task's full assignment history: the task completes exactly when a
// non-superseded assignment has completed and no assignment remains
// open. The returned cost sums actual costs across the whole history,
// superseded assignments included.
func DeriveTaskCompletion(history []*tasks.Assignment) (done bool, actualCost float64) {
	completed := false
	for _, a := range history {
		if a.Live() {
			return false, 0
		}
		if a.Status == tasks.AssignmentCompleted {
			completed = true
		}
	}
	if !completed {
		return false, 0
	}
	for _, a := range history {
		actualCost += a.ActualCost
	}
	return true, actualCost
}
