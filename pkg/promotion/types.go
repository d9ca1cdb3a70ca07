// Package promotion couples policy decisions to resource allocation: an
// artifact is promoted only after the decision path allows it, and every
// outcome is recorded on the audit chain.
package promotion

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a promotion. pending is the only
// non-terminal status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusFailed   Status = "failed"
)

// Promotion is one persisted promotion attempt.
type Promotion struct {
	ID             string         `json:"id"`
	ArtifactRef    string         `json:"artifact_ref"`
	Reason         string         `json:"reason"`
	Score          float64        `json:"score"`
	Status         Status         `json:"status"`
	Evaluation     map[string]any `json:"evaluation,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	// EventID references the audit row recording the terminal outcome.
	// Promotions point at audit events, never the reverse.
	EventID          string         `json:"event_id,omitempty"`
	TraceID          string         `json:"trace_id,omitempty"`
	SentinelDecision map[string]any `json:"sentinel_decision,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Request is the promotion input.
type Request struct {
	ArtifactRef    string         `json:"artifact_ref"`
	Reason         string         `json:"reason"`
	Score          float64        `json:"score"`
	Evaluation     map[string]any `json:"evaluation,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// ErrNotFound is returned for unknown promotion ids.
var ErrNotFound = errors.New("promotion: not found")

// Store persists promotions. Create fails on idempotency key reuse;
// GetByKey is the idempotent-replay lookup.
type Store interface {
	Create(ctx context.Context, p *Promotion) error
	Get(ctx context.Context, id string) (*Promotion, error)
	GetByKey(ctx context.Context, idempotencyKey string) (*Promotion, error)
	Save(ctx context.Context, p *Promotion) error
}
