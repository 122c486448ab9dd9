// Package match ranks candidate agents for a task by skill overlap,
// rolling quality, model cost, and availability.
package match

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/avery/foreman/internal/agents"
	"github.com/avery/foreman/internal/config"
	"github.com/avery/foreman/internal/ledger"
	"github.com/avery/foreman/internal/logging"
	"github.com/avery/foreman/internal/tasks"
	"github.com/avery/foreman/internal/textutil"
)

// ErrNoQualifiedAgent signals an empty ranking. The scheduler turns it
// into a hiring request, not a failure.
var ErrNoQualifiedAgent = errors.New("match: no qualified agent")

// NoQualifiedAgentError carries what the hiring request needs.
type NoQualifiedAgentError struct {
	TaskID        string
	MissingSkills []string
	Experience    agents.ExperienceLevel
}

func (e *NoQualifiedAgentError) Error() string {
	return fmt.Sprintf("no qualified agent for task %s (missing skills: %s)",
		e.TaskID, strings.Join(e.MissingSkills, ", "))
}

func (e *NoQualifiedAgentError) Unwrap() error { return ErrNoQualifiedAgent }

// Candidate is one agent with the reference data scoring needs.
type Candidate struct {
	Agent   *agents.Agent
	Profile *agents.CapabilityProfile
	Model   *ledger.ModelCatalogEntry
	// Busy is true when the agent holds a live assignment.
	Busy bool
}

// Ranked is a scored candidate.
type Ranked struct {
	Candidate
	Score   float64 // 0-100
	Overlap float64 // skill Jaccard, 0-1
}

// neutralQuality stands in for agents with no completions yet.
const neutralQuality = 0.5

// Matcher scores and orders candidates.
type Matcher struct {
	cfg config.MatcherConfig
	log *logging.Logger
}

// New creates a Matcher with the given weights.
func New(cfg config.MatcherConfig) *Matcher {
	return &Matcher{cfg: cfg, log: logging.Component("match")}
}

// Rank returns active candidates scoring at or above the minimum
// threshold, best first. The ordering guarantee: a candidate with zero
// skill overlap never outranks one with nonzero overlap, whatever its
// score. An empty result is a NoQualifiedAgentError.
func (m *Matcher) Rank(task *tasks.Task, candidates []Candidate) ([]Ranked, error) {
	weightSum := m.cfg.SkillWeight + m.cfg.QualityWeight + m.cfg.CostWeight + m.cfg.AvailabilityWeight
	if weightSum <= 0 {
		weightSum = 1
	}

	minEff, maxEff := costRange(candidates)

	var ranked []Ranked
	for _, c := range candidates {
		if c.Agent == nil || !c.Agent.Available() {
			continue
		}

		overlap := skillOverlap(task, c.Profile)
		quality := neutralQuality
		if c.Agent.Metrics.CompletedCount > 0 {
			quality = c.Agent.Metrics.AvgQuality / 100
		}
		cost := costScore(c.Model, minEff, maxEff)
		avail := 0.0
		if !c.Busy {
			avail = 1.0
		}

		score := 100 * (m.cfg.SkillWeight*overlap +
			m.cfg.QualityWeight*quality +
			m.cfg.CostWeight*cost +
			m.cfg.AvailabilityWeight*avail) / weightSum

		if score < m.cfg.MinScore {
			continue
		}
		ranked = append(ranked, Ranked{Candidate: c, Score: score, Overlap: overlap})
	}

	sort.Slice(ranked, func(i, j int) bool {
		iHas, jHas := ranked[i].Overlap > 0, ranked[j].Overlap > 0
		if iHas != jHas {
			return iHas
		}
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Agent.ID < ranked[j].Agent.ID
	})

	if len(ranked) == 0 {
		m.log.Event("info").Str("task_id", task.ID).
			Strs("required_skills", task.RequiredSkills).
			Msg("no qualified agent")
		return nil, &NoQualifiedAgentError{
			TaskID:        task.ID,
			MissingSkills: missingSkills(task, candidates),
			Experience:    agents.ExperienceLevel(task.Metadata["experience"]),
		}
	}
	return ranked, nil
}

func skillOverlap(task *tasks.Task, profile *agents.CapabilityProfile) float64 {
	if len(task.RequiredSkills) == 0 {
		// Tasks without skill requirements fit anyone equally.
		return 1
	}
	if profile == nil {
		return 0
	}
	return textutil.Jaccard(task.RequiredSkills, profile.Skills)
}

// costRange finds the efficiency-score spread across candidate models
// so the cost component can be normalized to [0,1].
func costRange(candidates []Candidate) (min, max float64) {
	first := true
	for _, c := range candidates {
		if c.Model == nil {
			continue
		}
		eff := c.Model.EfficiencyScore()
		if first {
			min, max = eff, eff
			first = false
			continue
		}
		if eff < min {
			min = eff
		}
		if eff > max {
			max = eff
		}
	}
	return min, max
}

// costScore gives cheaper models a higher score. With no spread every
// model scores full marks.
func costScore(model *ledger.ModelCatalogEntry, min, max float64) float64 {
	if model == nil || max <= min {
		return 1
	}
	return (max - model.EfficiencyScore()) / (max - min)
}

// missingSkills lists required skills no candidate profile covers.
func missingSkills(task *tasks.Task, candidates []Candidate) []string {
	var covered []string
	for _, c := range candidates {
		if c.Profile != nil {
			covered = append(covered, c.Profile.Skills...)
		}
	}
	missing := textutil.Missing(task.RequiredSkills, covered)
	if missing == nil {
		missing = append([]string(nil), task.RequiredSkills...)
	}
	return missing
}
