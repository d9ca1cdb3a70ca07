package promotion

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/veridian-labs/trustplane/pkg/check"
)

// SentinelDecision is the policy verdict on a promotion.
type SentinelDecision struct {
	Allowed  bool    `json:"allowed"`
	Policy   string  `json:"policy,omitempty"`
	Reason   string  `json:"reason"`
	MinScore float64 `json:"min_score,omitempty"`
}

// Sentinel answers whether an artifact may be promoted into an environment.
type Sentinel interface {
	Decide(ctx context.Context, artifactRef, environment string, evaluation map[string]any) (SentinelDecision, error)
}

func (d SentinelDecision) payload() map[string]any {
	out := map[string]any{
		"allowed": d.Allowed,
		"reason":  d.Reason,
	}
	if d.Policy != "" {
		out["policy"] = d.Policy
	}
	if d.MinScore > 0 {
		out["min_score"] = d.MinScore
	}
	return out
}

// CheckSentinel routes the promotion decision through the live check
// service.
type CheckSentinel struct {
	Service *check.Service
}

func (s CheckSentinel) Decide(ctx context.Context, artifactRef, environment string, evaluation map[string]any) (SentinelDecision, error) {
	d, err := s.Service.Check(ctx, &check.Request{
		Action:   "artifact.promote",
		Resource: map[string]any{"artifact_ref": artifactRef, "environment": environment},
		Context:  evaluation,
	})
	if err != nil {
		return SentinelDecision{}, err
	}
	return SentinelDecision{Allowed: d.Allowed, Policy: d.PolicyID, Reason: d.Reason}, nil
}

// StaticSentinel is the fixed-policy client used in tests and the embedded
// mode. It implements three checks: a pool denylist, a semver delta limit
// against the currently deployed version, and a minimum quality score.
type StaticSentinel struct {
	DenyPools map[string]bool
	// MaxDelta caps the minor-version jump per promotion; a major bump is
	// always a violation when set.
	MaxDelta uint64
	MinScore float64
}

// NewStaticSentinel builds the default static client: no denied pools, any
// delta, min score 0.8.
func NewStaticSentinel() *StaticSentinel {
	return &StaticSentinel{MinScore: 0.8}
}

func (s *StaticSentinel) Decide(_ context.Context, artifactRef, _ string, evaluation map[string]any) (SentinelDecision, error) {
	if pool, _ := evaluation["pool"].(string); pool != "" && s.DenyPools[pool] {
		return SentinelDecision{
			Allowed: false,
			Policy:  "deny-pool",
			Reason:  fmt.Sprintf("pool %q is denied for promotions", pool),
		}, nil
	}

	if s.MaxDelta > 0 {
		if reason, violated := s.deltaViolation(artifactRef, evaluation); violated {
			return SentinelDecision{Allowed: false, Policy: "max-delta", Reason: reason}, nil
		}
	}

	if score, ok := asScore(evaluation); ok && score < s.MinScore {
		return SentinelDecision{
			Allowed:  false,
			Policy:   "min-score",
			Reason:   fmt.Sprintf("score %.2f below threshold %.2f", score, s.MinScore),
			MinScore: s.MinScore,
		}, nil
	}

	return SentinelDecision{Allowed: true, Reason: "all static checks passed", MinScore: s.MinScore}, nil
}

// deltaViolation compares the candidate version embedded in the artifact ref
// (name@X.Y.Z) against evaluation.current_version.
func (s *StaticSentinel) deltaViolation(artifactRef string, evaluation map[string]any) (string, bool) {
	current, _ := evaluation["current_version"].(string)
	if current == "" {
		return "", false
	}
	candidate := refVersion(artifactRef)
	if candidate == "" {
		return "", false
	}

	from, err := semver.NewVersion(current)
	if err != nil {
		return "", false
	}
	to, err := semver.NewVersion(candidate)
	if err != nil {
		return "", false
	}

	if to.Major() != from.Major() {
		return fmt.Sprintf("major version change %s -> %s requires a staged rollout", from, to), true
	}
	if to.Minor() > from.Minor()+s.MaxDelta {
		return fmt.Sprintf("minor version jump %s -> %s exceeds max delta %d", from, to, s.MaxDelta), true
	}
	return "", false
}

func refVersion(artifactRef string) string {
	for i := len(artifactRef) - 1; i >= 0; i-- {
		if artifactRef[i] == '@' {
			return artifactRef[i+1:]
		}
	}
	return ""
}

func asScore(evaluation map[string]any) (float64, bool) {
	for _, key := range []string{"quality", "score"} {
		switch v := evaluation[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}
