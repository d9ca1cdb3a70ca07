package audit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/veridian-labs/trustplane/pkg/canonicalize"
)

// SignatureVerifier resolves a kid and checks a signature, typically the
// signer registry.
type SignatureVerifier interface {
	Verify(ctx context.Context, kid string, digest [32]byte, sig []byte) (bool, error)
}

// VerifyEvents recomputes every hash and prev-link in commit order.
func VerifyEvents(ctx context.Context, store Store) error {
	const page = 500

	var afterSeq uint64
	prev := ""
	seen := make(map[string]struct{})

	for {
		events, err := store.Search(ctx, SearchQuery{AfterSeq: afterSeq, Limit: page})
		if err != nil {
			return fmt.Errorf("audit verify: read chain: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		for _, ev := range events {
			if ev.PrevHash != prev {
				return fmt.Errorf("%w: event %s prev_hash %q, want %q", ErrChainBroken, ev.ID, ev.PrevHash, prev)
			}
			if _, dup := seen[ev.Hash]; dup {
				return fmt.Errorf("%w: duplicate hash %s", ErrChainBroken, ev.Hash)
			}
			seen[ev.Hash] = struct{}{}

			canonical, err := canonicalize.Canonical(ev.Payload)
			if err != nil {
				return fmt.Errorf("%w: event %s payload not canonicalizable: %v", ErrChainBroken, ev.ID, err)
			}
			digest := chainDigest(ev.EventType, canonical, ev.PrevHash, ev.TS)
			if hex.EncodeToString(digest[:]) != ev.Hash {
				return fmt.Errorf("%w: event %s hash mismatch", ErrChainBroken, ev.ID)
			}
			prev = ev.Hash
			afterSeq = ev.Seq
		}
	}
}

// VerifySignatures re-checks every event signature against the registry.
// Separate from VerifyEvents so chain-shape verification stays cheap.
func VerifySignatures(ctx context.Context, store Store, verifier SignatureVerifier) error {
	const page = 500

	var afterSeq uint64
	for {
		events, err := store.Search(ctx, SearchQuery{AfterSeq: afterSeq, Limit: page})
		if err != nil {
			return fmt.Errorf("audit verify: read chain: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			raw, err := hex.DecodeString(ev.Hash)
			if err != nil || len(raw) != sha256.Size {
				return fmt.Errorf("%w: event %s malformed hash", ErrChainBroken, ev.ID)
			}
			var digest [32]byte
			copy(digest[:], raw)

			sig, err := base64.StdEncoding.DecodeString(ev.Signature)
			if err != nil {
				return fmt.Errorf("%w: event %s malformed signature", ErrChainBroken, ev.ID)
			}
			ok, err := verifier.Verify(ctx, ev.SignerKID, digest, sig)
			if err != nil {
				return fmt.Errorf("audit verify: event %s: %w", ev.ID, err)
			}
			if !ok {
				return fmt.Errorf("%w: event %s signature invalid for kid %s", ErrChainBroken, ev.ID, ev.SignerKID)
			}
			afterSeq = ev.Seq
		}
	}
}
