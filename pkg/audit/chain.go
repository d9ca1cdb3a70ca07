package audit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-labs/trustplane/pkg/canonicalize"
	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// EventHandler is invoked after a new event commits. Handlers run outside
// the store transaction and must not block.
type EventHandler func(*Event)

// Chain is the append facade over a Store and a Signer.
type Chain struct {
	store     Store
	signer    DigestSigner
	retention RetentionPolicy
	attempts  int
	backoff   time.Duration
	clock     func() time.Time
	logger    *slog.Logger

	failures atomic.Uint64

	mu       sync.RWMutex
	handlers []EventHandler
	degraded bool
}

// Option configures a Chain.
type Option func(*Chain)

// WithRetention installs a retention policy. Without one, every event is
// kept forever.
func WithRetention(p RetentionPolicy) Option {
	return func(c *Chain) { c.retention = p }
}

// WithRetry overrides the transient-retry budget.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Chain) { c.attempts = attempts; c.backoff = backoff }
}

// WithClock fixes the timestamp source. Tests use this to hold ts constant.
func WithClock(clock func() time.Time) Option {
	return func(c *Chain) { c.clock = clock }
}

// NewChain builds a chain over store and signer.
func NewChain(store Store, s DigestSigner, opts ...Option) *Chain {
	c := &Chain{
		store:    store,
		signer:   s,
		attempts: 3,
		backoff:  50 * time.Millisecond,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddHandler registers a post-commit handler (cache invalidation, canary
// feed). Handlers never see deduplicated appends twice.
func (c *Chain) AddHandler(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Failures returns the append failure counter.
func (c *Chain) Failures() uint64 { return c.failures.Load() }

// Degraded reports whether a verification failure has blocked appends.
func (c *Chain) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

func (c *Chain) setDegraded(v bool) {
	c.mu.Lock()
	c.degraded = v
	c.mu.Unlock()
}

// Append canonicalizes the payload, chains it to the current tail, signs the
// hash and persists the row atomically. Identical content already in the
// chain returns the existing row.
func (c *Chain) Append(ctx context.Context, eventType string, payload map[string]any) (*Event, error) {
	return c.AppendAt(ctx, eventType, payload, c.clock())
}

// AppendAt is Append with an explicit timestamp, used by replays and tests.
// Holding ts constant makes identical appends hash-identical.
func (c *Chain) AppendAt(ctx context.Context, eventType string, payload map[string]any, ts time.Time) (*Event, error) {
	if eventType == "" {
		return nil, errdefs.New(errdefs.KindValidation, "invalid_event", "event_type required")
	}
	if c.Degraded() {
		return nil, errdefs.New(errdefs.KindConsistency, "chain_degraded",
			"appends blocked until chain verification passes")
	}

	keep, expiresAt := true, (*time.Time)(nil)
	if c.retention != nil {
		keep, expiresAt = c.retention.Evaluate(eventType, ts)
	}
	if !keep {
		return &Event{ID: SkippedID, EventType: eventType, TS: ts}, nil
	}

	canonical, err := canonicalize.Canonical(payload)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "invalid_payload", "payload not canonicalizable", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter(c.backoff << (attempt - 1))):
			}
		}

		ev, inserted, err := c.store.Append(ctx, func(prevHash string) (*Event, error) {
			return c.build(ctx, eventType, payload, canonical, prevHash, ts, expiresAt)
		})
		if err == nil {
			if inserted {
				c.notify(ev)
			}
			return ev, nil
		}
		lastErr = err
		if !errdefs.IsTransient(err) {
			break
		}
		c.logger.Warn("transient append failure, retrying",
			"event_type", eventType, "attempt", attempt+1, "error", err)
	}

	c.failures.Add(1)
	return nil, fmt.Errorf("audit append %q: %w", eventType, lastErr)
}

// build computes hash, requests the signature and assembles the row. It runs
// under the store's tail lock; the signer call is the only I/O.
func (c *Chain) build(ctx context.Context, eventType string, payload map[string]any, canonical []byte, prevHash string, ts time.Time, expiresAt *time.Time) (*Event, error) {
	digest := chainDigest(eventType, canonical, prevHash, ts)

	sig, kid, err := c.signer.Sign(ctx, digest)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSignerUnavailable, "sign_failed", "audit event signing failed", err)
	}

	return &Event{
		ID:                 uuid.New().String(),
		EventType:          eventType,
		Payload:            payload,
		PrevHash:           prevHash,
		Hash:               hex.EncodeToString(digest[:]),
		Signature:          base64.StdEncoding.EncodeToString(sig),
		SignerKID:          kid,
		TS:                 ts,
		RetentionExpiresAt: expiresAt,
	}, nil
}

// chainDigest computes SHA256(event_type || canonical(payload) || prev_hash || ts).
// ts is fixed to RFC3339Nano UTC so the hash input is byte-stable.
func chainDigest(eventType string, canonical []byte, prevHash string, ts time.Time) [32]byte {
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write(canonical)
	h.Write([]byte(prevHash))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func (c *Chain) notify(ev *Event) {
	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Get returns the event with the given id.
func (c *Chain) Get(ctx context.Context, id string) (*Event, error) {
	return c.store.Get(ctx, id)
}

// Search reads committed events in order.
func (c *Chain) Search(ctx context.Context, q SearchQuery) ([]*Event, error) {
	return c.store.Search(ctx, q)
}

// Verify walks the whole chain. Any inconsistency marks the chain degraded,
// which blocks further appends and demotes readiness until an operator
// resolves it and verification passes again.
func (c *Chain) Verify(ctx context.Context) error {
	err := VerifyEvents(ctx, c.store)
	c.setDegraded(err != nil)
	return err
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
