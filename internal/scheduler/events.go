package scheduler

import "time"

// EventType classifies scheduler decisions.
type EventType int

const (
	EventTaskAssigned            EventType = iota // assignment created for a task
	EventTaskCompleted                            // task reached completed
	EventTaskBlocked                              // task blocked on infrastructure
	EventTaskFailed                               // task failed (deadline expiry)
	EventHiringRequested                          // no qualified agent, hiring request filed
	EventAdminTicketRequested                     // infrastructure needs human attention
	EventReplaceAgentRecommended                  // agent quality stayed under the floor
	EventPassCompleted                            // one scheduling pass finished
)

func (t EventType) String() string {
	switch t {
	case EventTaskAssigned:
		return "task_assigned"
	case EventTaskCompleted:
		return "task_completed"
	case EventTaskBlocked:
		return "task_blocked"
	case EventTaskFailed:
		return "task_failed"
	case EventHiringRequested:
		return "hiring_requested"
	case EventAdminTicketRequested:
		return "admin_ticket_requested"
	case EventReplaceAgentRecommended:
		return "replace_agent_recommended"
	case EventPassCompleted:
		return "pass_completed"
	}
	return "unknown"
}

// Event carries data about one scheduler decision.
type Event struct {
	Type         EventType
	Time         time.Time
	TaskID       string
	AgentID      string
	AssignmentID string
	Quality      float64
	Cost         float64
	Message      string
	Summary      *PassSummary // set for EventPassCompleted
}

// EventHandler is a callback that receives scheduler events. Handlers
// run synchronously on scheduler goroutines and must not block.
type EventHandler func(Event)
