package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// LocalSigner is a symmetric HMAC-SHA256 signer for development and tests.
// The signing key is derived from a master seed with HKDF so distinct kids
// yield distinct, deterministic keys.
//
// It refuses to construct in production; only KMS or the signing proxy may
// sign production audit rows.
type LocalSigner struct {
	kid string
	key []byte
}

// NewLocalSigner derives an HMAC key for kid from the master seed.
// env is the deployment environment name; "production" is rejected.
func NewLocalSigner(env, kid string, masterSeed []byte) (*LocalSigner, error) {
	if env == "production" {
		return nil, fmt.Errorf("local signer refused: not permitted in production")
	}
	if len(masterSeed) == 0 {
		return nil, fmt.Errorf("local signer: master seed required")
	}

	r := hkdf.New(sha256.New, masterSeed, []byte("trustplane-local-signer"), []byte(kid))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("local signer: key derivation: %w", err)
	}
	return &LocalSigner{kid: kid, key: key}, nil
}

func (l *LocalSigner) Sign(_ context.Context, digest [32]byte) ([]byte, string, error) {
	mac := hmac.New(sha256.New, l.key)
	mac.Write(digest[:])
	return mac.Sum(nil), l.kid, nil
}

// VerifyMAC recomputes the HMAC; symmetric keys verify in-process.
func (l *LocalSigner) VerifyMAC(digest [32]byte, sig []byte) bool {
	mac := hmac.New(sha256.New, l.key)
	mac.Write(digest[:])
	return hmac.Equal(mac.Sum(nil), sig)
}

func (l *LocalSigner) Probe(context.Context) error { return nil }
func (l *LocalSigner) KID() string                 { return l.kid }
func (l *LocalSigner) Algorithm() Algorithm        { return AlgHMACSHA256 }
func (l *LocalSigner) Backend() Backend            { return BackendLocal }

// Key exposes the raw HMAC key for registry publication in tests.
func (l *LocalSigner) Key() []byte { return l.key }

// Ed25519Signer is an in-memory asymmetric signer. It backs approver keys in
// tests and single-node deployments where a KMS is not reachable.
type Ed25519Signer struct {
	kid  string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewEd25519Signer generates a fresh keypair for kid.
func NewEd25519Signer(kid string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519 signer: keygen: %w", err)
	}
	return &Ed25519Signer{kid: kid, pub: pub, priv: priv}, nil
}

// NewEd25519SignerFromSeed derives a deterministic keypair from a 32-byte seed.
func NewEd25519SignerFromSeed(kid string, seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{kid: kid, pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (s *Ed25519Signer) Sign(_ context.Context, digest [32]byte) ([]byte, string, error) {
	return ed25519.Sign(s.priv, digest[:]), s.kid, nil
}

func (s *Ed25519Signer) Probe(context.Context) error { return nil }
func (s *Ed25519Signer) KID() string                 { return s.kid }
func (s *Ed25519Signer) Algorithm() Algorithm        { return AlgEd25519 }
func (s *Ed25519Signer) Backend() Backend            { return BackendLocal }

// PublicKey returns the public key for registry publication.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }
