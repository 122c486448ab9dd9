// Package stats computes aggregate statistics over the engine's tasks,
// agents, and cost ledger. Everything is JSON-serializable for the CLI.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/avery/foreman/internal/agents"
	"github.com/avery/foreman/internal/ledger"
	"github.com/avery/foreman/internal/store"
	"github.com/avery/foreman/internal/tasks"
)

// Result holds all computed statistics.
type Result struct {
	// Task outcomes
	TotalTasks     int            `json:"total_tasks"`
	TasksByStatus  map[string]int `json:"tasks_by_status,omitempty"`
	SuccessRate    float64        `json:"success_rate"`
	FirstTaskAt    *time.Time     `json:"first_task_at,omitempty"`
	LastActivityAt *time.Time     `json:"last_activity_at,omitempty"`

	// Assignment outcomes across all history, reassigned included
	Assignments    int     `json:"assignments"`
	Reassignments  int     `json:"reassignments"`
	AvgQuality     float64 `json:"avg_quality"`
	AvgCostPerTask float64 `json:"avg_cost_per_task"`

	// Spend
	TotalSpend   float64 `json:"total_spend"`
	Executions   int     `json:"executions"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`

	// Breakdowns
	Agents      []AgentStats  `json:"agents,omitempty"`
	Models      []ModelStats  `json:"models,omitempty"`
	SkillDemand []SkillDemand `json:"skill_demand,omitempty"`
}

// AgentStats summarizes one agent's track record.
type AgentStats struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	AvgQuality float64 `json:"avg_quality"`
	Spend      float64 `json:"spend"`
}

// ModelStats summarizes spend through one catalog model.
type ModelStats struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Tier       string  `json:"tier"`
	Executions int     `json:"executions"`
	Spend      float64 `json:"spend"`
}

// SkillDemand counts how often a skill appears on open (non-terminal)
// tasks, with how many of those tasks have an open hiring request.
type SkillDemand struct {
	Skill     string `json:"skill"`
	OpenTasks int    `json:"open_tasks"`
	Unserved  int    `json:"unserved"`
}

// Stats computes aggregates from the store and ledger.
type Stats struct {
	store *store.Store
	led   *ledger.Ledger
}

// New creates a Stats instance.
func New(st *store.Store, led *ledger.Ledger) *Stats {
	return &Stats{store: st, led: led}
}

// Compute aggregates tasks, assignments, agents, and spend.
func (s *Stats) Compute(ctx context.Context) (*Result, error) {
	result := &Result{TasksByStatus: make(map[string]int)}

	taskList, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: list tasks: %w", err)
	}
	s.computeTasks(result, taskList)

	if err := s.computeAssignments(ctx, result, taskList); err != nil {
		return nil, err
	}

	agentList, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: list agents: %w", err)
	}
	if err := s.computeAgents(ctx, result, agentList); err != nil {
		return nil, err
	}

	if err := s.computeModels(ctx, result); err != nil {
		return nil, err
	}
	if err := s.computeSkillDemand(ctx, result, taskList); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Stats) computeTasks(result *Result, taskList []*tasks.Task) {
	result.TotalTasks = len(taskList)

	var totalCost float64
	for _, t := range taskList {
		result.TasksByStatus[string(t.Status)]++
		totalCost += t.ActualCost

		if !t.CreatedAt.IsZero() {
			if result.FirstTaskAt == nil || t.CreatedAt.Before(*result.FirstTaskAt) {
				created := t.CreatedAt
				result.FirstTaskAt = &created
			}
		}
		if !t.UpdatedAt.IsZero() {
			if result.LastActivityAt == nil || t.UpdatedAt.After(*result.LastActivityAt) {
				updated := t.UpdatedAt
				result.LastActivityAt = &updated
			}
		}
	}

	completed := result.TasksByStatus[string(tasks.StatusCompleted)]
	failed := result.TasksByStatus[string(tasks.StatusFailed)]
	if completed+failed > 0 {
		result.SuccessRate = float64(completed) / float64(completed+failed) * 100
	}
	if completed > 0 {
		result.AvgCostPerTask = totalCost / float64(completed)
	}
}

func (s *Stats) computeAssignments(ctx context.Context, result *Result, taskList []*tasks.Task) error {
	var qualitySum float64
	var qualityCount int

	for _, t := range taskList {
		history, err := s.store.AssignmentsByTask(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("stats: assignments for %s: %w", t.ID, err)
		}
		result.Assignments += len(history)
		for _, a := range history {
			if a.Status == tasks.AssignmentReassigned {
				result.Reassignments++
			}
			if a.QualityScore != nil {
				qualitySum += *a.QualityScore
				qualityCount++
			}
		}
	}

	if qualityCount > 0 {
		result.AvgQuality = qualitySum / float64(qualityCount)
	}
	return nil
}

func (s *Stats) computeAgents(ctx context.Context, result *Result, agentList []*agents.Agent) error {
	for _, a := range agentList {
		spend, err := s.led.AgentSpend(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("stats: spend for agent %s: %w", a.ID, err)
		}
		result.TotalSpend += spend.TotalCost
		result.Executions += spend.Executions
		result.InputTokens += spend.InputTokens
		result.OutputTokens += spend.OutputTokens

		result.Agents = append(result.Agents, AgentStats{
			ID:         a.ID,
			Name:       a.Name,
			Status:     string(a.Status),
			Completed:  a.Metrics.CompletedCount,
			Failed:     a.Metrics.FailedCount,
			AvgQuality: a.Metrics.AvgQuality,
			Spend:      spend.TotalCost,
		})
	}

	sort.Slice(result.Agents, func(i, j int) bool {
		if result.Agents[i].Completed != result.Agents[j].Completed {
			return result.Agents[i].Completed > result.Agents[j].Completed
		}
		return result.Agents[i].Name < result.Agents[j].Name
	})
	return nil
}

func (s *Stats) computeModels(ctx context.Context, result *Result) error {
	models, err := s.store.ActiveModels(ctx)
	if err != nil {
		return fmt.Errorf("stats: list models: %w", err)
	}
	for _, m := range models {
		spend, err := s.led.ModelSpend(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("stats: spend for model %s: %w", m.ID, err)
		}
		if spend.Executions == 0 {
			continue
		}
		result.Models = append(result.Models, ModelStats{
			ID:         m.ID,
			Name:       m.Name,
			Tier:       string(m.Tier),
			Executions: spend.Executions,
			Spend:      spend.TotalCost,
		})
	}

	sort.Slice(result.Models, func(i, j int) bool {
		if result.Models[i].Spend != result.Models[j].Spend {
			return result.Models[i].Spend > result.Models[j].Spend
		}
		return result.Models[i].Name < result.Models[j].Name
	})
	return nil
}

func (s *Stats) computeSkillDemand(ctx context.Context, result *Result, taskList []*tasks.Task) error {
	hiring, err := s.store.ListHiringRequests(ctx)
	if err != nil {
		return fmt.Errorf("stats: list hiring requests: %w", err)
	}
	unservedTasks := make(map[string]bool, len(hiring))
	for _, h := range hiring {
		unservedTasks[h.TaskID] = true
	}

	open := make(map[string]int)
	unserved := make(map[string]int)
	for _, t := range taskList {
		if t.Status.Terminal() {
			continue
		}
		for _, skill := range t.RequiredSkills {
			open[skill]++
			if unservedTasks[t.ID] {
				unserved[skill]++
			}
		}
	}

	for skill, n := range open {
		result.SkillDemand = append(result.SkillDemand, SkillDemand{
			Skill:     skill,
			OpenTasks: n,
			Unserved:  unserved[skill],
		})
	}
	sort.Slice(result.SkillDemand, func(i, j int) bool {
		if result.SkillDemand[i].OpenTasks != result.SkillDemand[j].OpenTasks {
			return result.SkillDemand[i].OpenTasks > result.SkillDemand[j].OpenTasks
		}
		return result.SkillDemand[i].Skill < result.SkillDemand[j].Skill
	})
	return nil
}
