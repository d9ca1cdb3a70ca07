// Package signer abstracts signature production over 32-byte digests.
//
// The audit chain and the multisig controller never touch key material
// directly; they hand a digest to a Signer and record the returned
// (signature, kid) pair. Verifiers resolve the kid through the Registry.
package signer

import (
	"context"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// Algorithm identifies the signature scheme behind a key.
type Algorithm string

const (
	AlgHMACSHA256 Algorithm = "hmac-sha256"
	AlgRSASHA256  Algorithm = "rsa-sha256"
	AlgEd25519    Algorithm = "ed25519"
)

// Backend identifies the signing implementation.
type Backend string

const (
	BackendKMS   Backend = "kms"
	BackendProxy Backend = "proxy"
	BackendLocal Backend = "local"
)

// Signer produces signatures over 32-byte digests.
type Signer interface {
	// Sign signs the digest and returns the signature with the key id that
	// produced it.
	Sign(ctx context.Context, digest [32]byte) (sig []byte, kid string, err error)

	// Probe checks that the backend can sign right now. A failed probe
	// demotes readiness and blocks signing-dependent operations.
	Probe(ctx context.Context) error

	// KID returns the identifier of the active key.
	KID() string

	// Algorithm returns the signature scheme of the active key.
	Algorithm() Algorithm

	// Backend identifies the implementation for readiness reporting.
	Backend() Backend
}

// Asymmetric reports whether the algorithm has distinct public material.
func Asymmetric(alg Algorithm) bool {
	return alg == AlgRSASHA256 || alg == AlgEd25519
}

// ErrUnavailable is returned when no signing backend can answer.
var ErrUnavailable = errdefs.New(errdefs.KindSignerUnavailable, "signer_unavailable", "no signing backend available")
