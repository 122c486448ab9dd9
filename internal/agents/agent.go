// Package agents defines the worker-agent entity the engine assigns
// tasks to, plus the capability profile the matcher scores against.
package agents

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status represents the lifecycle state of an agent.
type Status string

const (
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusTerminated Status = "terminated"
)

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusTerminated:
		return true
	default:
		return false
	}
}

// ExperienceLevel grades a capability profile.
type ExperienceLevel string

const (
	ExperienceJunior ExperienceLevel = "junior"
	ExperienceMid    ExperienceLevel = "mid"
	ExperienceSenior ExperienceLevel = "senior"
	ExperienceLead   ExperienceLevel = "lead"
	ExperienceExpert ExperienceLevel = "expert"
)

// Valid returns true if the level is a known value.
func (e ExperienceLevel) Valid() bool {
	switch e {
	case ExperienceJunior, ExperienceMid, ExperienceSenior, ExperienceLead, ExperienceExpert:
		return true
	default:
		return false
	}
}

// Config holds per-agent tunables. Recognized settings are typed;
// anything else rides along in Extra.
type Config struct {
	// ExecutionsPerTask overrides the consensus execution count
	// for this agent when > 0.
	ExecutionsPerTask int `json:"executions_per_task,omitempty"`
	// MaxParallelExecutions caps concurrent model calls when > 0.
	MaxParallelExecutions int64 `json:"max_parallel_executions,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// Metrics is the agent's rolling performance record. RecentQuality
// holds the trailing completed-assignment quality scores, newest last.
type Metrics struct {
	CompletedCount int       `json:"completed_count"`
	FailedCount    int       `json:"failed_count"`
	AvgQuality     float64   `json:"avg_quality"`
	RecentQuality  []float64 `json:"recent_quality,omitempty"`
}

// RecordCompletion folds a completed assignment's quality score into
// the metrics, keeping at most window recent scores.
func (m *Metrics) RecordCompletion(quality float64, window int) {
	total := m.AvgQuality*float64(m.CompletedCount) + quality
	m.CompletedCount++
	m.AvgQuality = total / float64(m.CompletedCount)

	m.RecentQuality = append(m.RecentQuality, quality)
	if window > 0 && len(m.RecentQuality) > window {
		m.RecentQuality = m.RecentQuality[len(m.RecentQuality)-window:]
	}
}

// RecordFailure counts a failed assignment.
func (m *Metrics) RecordFailure() {
	m.FailedCount++
}

// BelowFloor reports whether the trailing window is full and every
// score in it is under floor.
func (m *Metrics) BelowFloor(floor float64, window int) bool {
	if window < 1 || len(m.RecentQuality) < window {
		return false
	}
	for _, q := range m.RecentQuality[len(m.RecentQuality)-window:] {
		if q >= floor {
			return false
		}
	}
	return true
}

// Agent is an AI worker that executes tasks through a model.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Status Status `json:"status"`

	// ModelID names the model-catalog entry this agent executes with.
	ModelID string `json:"model_id"`

	// ResumeID and ProfileID reference collaborator-owned records.
	ResumeID  string `json:"resume_id,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`

	Config  Config  `json:"config"`
	Metrics Metrics `json:"metrics"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate reports structural problems in an agent record.
func (a *Agent) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("agent %s: empty name", a.ID)
	}
	if a.Status != "" && !a.Status.Valid() {
		return fmt.Errorf("agent %s: invalid status %q", a.ID, a.Status)
	}
	if a.ModelID == "" {
		return fmt.Errorf("agent %s: no model reference", a.ID)
	}
	return nil
}

// Available returns true if the agent can take new work.
func (a *Agent) Available() bool {
	return a.Status == StatusActive
}

// CapabilityProfile is the job-description data the matcher consumes.
// It is owned by a collaborator system; the engine only reads it.
type CapabilityProfile struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Skills     []string        `json:"skills"`
	Experience ExperienceLevel `json:"experience"`
	Department string          `json:"department,omitempty"`
}

// NormalizeSkills lowercases, trims, and dedupes the profile's skills.
func (p *CapabilityProfile) NormalizeSkills() {
	seen := make(map[string]struct{}, len(p.Skills))
	out := make([]string, 0, len(p.Skills))
	for _, s := range p.Skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	p.Skills = out
}
