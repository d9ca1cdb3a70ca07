// Package audit implements the signed, hash-chained audit log.
//
// Every event's hash covers the hash of the immediately preceding committed
// event, so the log is tamper-evident: rewriting any row breaks every hash
// after it. Appends are idempotent by content hash and signed before commit;
// an unsigned row can never be persisted.
package audit

import (
	"context"
	"errors"
	"time"
)

// Well-known event types emitted by the core.
const (
	TypePolicyUpdated     = "policy.updated"
	TypePolicyDecision    = "policy.decision"
	TypeCanaryRollback    = "policy.canary.rollback"
	TypeUpgradeSubmitted  = "upgrade.submitted"
	TypeUpgradeApproved   = "upgrade.approved"
	TypeUpgradeApplied    = "upgrade.applied"
	TypeUpgradeRejected   = "upgrade.rejected"
	TypeUpgradeRolledBack = "upgrade.rolled_back"
	TypePromotionFailed   = "promotion.failed"
)

// SkippedID is returned when the retention policy drops an event without
// inserting a row.
const SkippedID = "skipped"

var (
	// ErrNotFound is returned when an event id or hash is unknown.
	ErrNotFound = errors.New("audit: event not found")

	// ErrChainBroken is returned by the verifier on any chain inconsistency.
	ErrChainBroken = errors.New("audit: hash chain is broken")
)

// Event is one immutable row in the audit chain.
type Event struct {
	ID                  string         `json:"id"`
	Seq                 uint64         `json:"seq"`
	EventType           string         `json:"event_type"`
	Payload             map[string]any `json:"payload"`
	PrevHash            string         `json:"prev_hash"` // empty for genesis
	Hash                string         `json:"hash"`
	Signature           string         `json:"signature"` // base64
	SignerKID           string         `json:"signer_kid"`
	TS                  time.Time      `json:"ts"`
	ManifestSignatureID string         `json:"manifest_signature_id,omitempty"`
	RetentionExpiresAt  *time.Time     `json:"retention_expires_at,omitempty"`
}

// SearchQuery filters chain reads. Results are ordered by commit order.
type SearchQuery struct {
	TimeMin   time.Time
	EventType string
	AfterSeq  uint64
	Limit     int
}

// BuildFunc computes the fully populated event for one append attempt given
// the current tail hash. It runs while the store holds the tail lock, so it
// must do at most one signer round-trip and no other blocking work.
type BuildFunc func(prevHash string) (*Event, error)

// Store persists chain rows. Append executes one atomic attempt: lock the
// tail, build the candidate, dedupe by hash, insert. The returned bool is
// false when an identical event already existed.
type Store interface {
	Append(ctx context.Context, build BuildFunc) (*Event, bool, error)
	Get(ctx context.Context, id string) (*Event, error)
	GetByHash(ctx context.Context, hash string) (*Event, error)
	Tail(ctx context.Context) (*Event, error)
	Search(ctx context.Context, q SearchQuery) ([]*Event, error)
	Ping(ctx context.Context) error
}

// DigestSigner is the slice of the signer surface the chain needs.
type DigestSigner interface {
	Sign(ctx context.Context, digest [32]byte) (sig []byte, kid string, err error)
}
