package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PerformanceTier grades a catalog model.
type PerformanceTier string

const (
	TierBasic      PerformanceTier = "basic"
	TierStandard   PerformanceTier = "standard"
	TierPremium    PerformanceTier = "premium"
	TierEnterprise PerformanceTier = "enterprise"
)

// Valid returns true if the tier is a known value.
func (t PerformanceTier) Valid() bool {
	switch t {
	case TierBasic, TierStandard, TierPremium, TierEnterprise:
		return true
	default:
		return false
	}
}

// tierMultiplier weights the efficiency score by tier.
func (t PerformanceTier) multiplier() float64 {
	switch t {
	case TierBasic:
		return 1.0
	case TierStandard:
		return 1.2
	case TierPremium:
		return 1.5
	case TierEnterprise:
		return 2.0
	default:
		return 1.0
	}
}

// ModelCatalogEntry is a priced model agents execute with. Rates are
// USD per token.
type ModelCatalogEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`

	CostPerInputToken  float64 `json:"cost_per_input_token"`
	CostPerOutputToken float64 `json:"cost_per_output_token"`
	ContextLimit       int64   `json:"context_limit"`

	Tier         PerformanceTier `json:"tier"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Active       bool            `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate reports structural problems in a catalog entry.
func (e *ModelCatalogEntry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("model %s: empty name", e.ID)
	}
	if e.CostPerInputToken < 0 || e.CostPerInputToken > 1 {
		return fmt.Errorf("model %s: input rate %v outside [0,1]", e.ID, e.CostPerInputToken)
	}
	if e.CostPerOutputToken < 0 || e.CostPerOutputToken > 1 {
		return fmt.Errorf("model %s: output rate %v outside [0,1]", e.ID, e.CostPerOutputToken)
	}
	if e.ContextLimit <= 0 {
		return fmt.Errorf("model %s: context limit must be positive", e.ID)
	}
	if e.Tier != "" && !e.Tier.Valid() {
		return fmt.Errorf("model %s: invalid tier %q", e.ID, e.Tier)
	}
	return nil
}

// Cost prices an execution: tokens in times the input rate plus tokens
// out times the output rate.
func (e *ModelCatalogEntry) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*e.CostPerInputToken + float64(outputTokens)*e.CostPerOutputToken
}

// EfficiencyScore is the tier-weighted average token rate. Lower is
// cheaper; the matcher normalizes it across active models.
func (e *ModelCatalogEntry) EfficiencyScore() float64 {
	avg := (e.CostPerInputToken + e.CostPerOutputToken) / 2
	return avg * e.Tier.multiplier()
}

// NormalizeCapabilities lowercases, trims, and dedupes capabilities.
func (e *ModelCatalogEntry) NormalizeCapabilities() {
	seen := make(map[string]struct{}, len(e.Capabilities))
	out := make([]string, 0, len(e.Capabilities))
	for _, c := range e.Capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	e.Capabilities = out
}
