// Package policy holds the versioned policy registry and the rule evaluator
// behind every allow/deny decision in the control plane.
package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// Severity orders policies during evaluation; lower severities are checked
// first so a LOW match short-circuits ahead of a CRITICAL one only when it
// sorts earlier, which keeps iteration order deterministic.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the sort rank of s, defaulting unknown severities last.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// State is the lifecycle state of a policy version.
type State string

const (
	StateDraft      State = "draft"
	StateSimulating State = "simulating"
	StateCanary     State = "canary"
	StateActive     State = "active"
	StateDeprecated State = "deprecated"
)

// transitions enumerates the legal state moves. Monotonic except that canary
// may advance to active or fall back to deprecated.
var transitions = map[State][]State{
	StateDraft:      {StateSimulating},
	StateSimulating: {StateCanary},
	StateCanary:     {StateActive, StateDeprecated},
	StateActive:     {StateDeprecated},
	StateDeprecated: {},
}

// CanTransition reports whether from→to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Effect is the outcome of a matching rule.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Metadata carries per-policy evaluation knobs.
type Metadata struct {
	Effect        Effect  `json:"effect,omitempty"`
	CanaryPercent float64 `json:"canaryPercent,omitempty"`
	CELSource     string  `json:"cel,omitempty"`
	Description   string  `json:"description,omitempty"`
}

// Policy is one version of a named policy.
type Policy struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Severity  Severity        `json:"severity"`
	Rule      json.RawMessage `json:"rule"`
	Metadata  Metadata        `json:"metadata"`
	State     State           `json:"state"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EffectOrDefault resolves the decision effect for a matching rule. A match
// without a declared effect denies: the conservative default, and the
// documented resolution of the effect ambiguity (policies cannot reach
// active without an explicit effect, see Validate).
func (p *Policy) EffectOrDefault() Effect {
	if p.Metadata.Effect == EffectAllow {
		return EffectAllow
	}
	return EffectDeny
}

// Validate checks structural invariants for the target state.
func (p *Policy) Validate(target State) error {
	if p.Name == "" {
		return errdefs.New(errdefs.KindValidation, "invalid_policy", "name required")
	}
	if !p.Severity.Valid() {
		return errdefs.New(errdefs.KindValidation, "invalid_policy",
			fmt.Sprintf("unknown severity %q", p.Severity))
	}
	if len(p.Rule) == 0 {
		return errdefs.New(errdefs.KindValidation, "invalid_policy", "rule required")
	}
	if _, err := ParseRule(p.Rule); err != nil {
		return errdefs.Wrap(errdefs.KindValidation, "invalid_rule", "rule does not parse", err)
	}
	if target == StateActive && p.Metadata.Effect == "" {
		return errdefs.New(errdefs.KindValidation, "effect_required",
			"policies must declare metadata.effect before activation")
	}
	if target == StateCanary {
		if p.Metadata.CanaryPercent <= 0 || p.Metadata.CanaryPercent > 100 {
			return errdefs.New(errdefs.KindValidation, "invalid_canary_percent",
				"canaryPercent must be in (0,100]")
		}
	}
	return nil
}

// HistoryEntry records one registry write for audit reconstruction.
type HistoryEntry struct {
	PolicyID string         `json:"policy_id"`
	Version  int            `json:"version"`
	Changes  map[string]any `json:"changes"`
	EditedBy string         `json:"edited_by"`
	EditedAt time.Time      `json:"edited_at"`
}
