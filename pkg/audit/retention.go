package audit

import (
	"strings"
	"time"
)

// RetentionPolicy decides whether an event type is persisted and for how
// long the row must be physically retained. The TTL cleaner (external to the
// core) deletes rows only after retention_expires_at.
type RetentionPolicy interface {
	Evaluate(eventType string, ts time.Time) (keep bool, expiresAt *time.Time)
}

// RetentionRule configures one event-type prefix.
type RetentionRule struct {
	Prefix string
	Keep   bool
	TTL    time.Duration // zero means retain forever
}

// RuleRetention matches event types against prefix rules, first match wins.
// Unmatched types fall through to the default.
type RuleRetention struct {
	rules       []RetentionRule
	defaultKeep bool
	defaultTTL  time.Duration
}

// NewRuleRetention builds a policy; defaults apply to unmatched types.
func NewRuleRetention(rules []RetentionRule, defaultKeep bool, defaultTTL time.Duration) *RuleRetention {
	return &RuleRetention{rules: rules, defaultKeep: defaultKeep, defaultTTL: defaultTTL}
}

func (r *RuleRetention) Evaluate(eventType string, ts time.Time) (bool, *time.Time) {
	for _, rule := range r.rules {
		if strings.HasPrefix(eventType, rule.Prefix) {
			return rule.Keep, expiry(ts, rule.TTL)
		}
	}
	return r.defaultKeep, expiry(ts, r.defaultTTL)
}

func expiry(ts time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := ts.Add(ttl)
	return &t
}
