package signer

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// KeyRecord is the published material for a registered signing key.
type KeyRecord struct {
	KID          string    `json:"kid"`
	Algorithm    Algorithm `json:"algorithm"`
	Backend      Backend   `json:"backend"`
	Public       []byte    `json:"public,omitempty"` // DER (rsa), raw (ed25519); HMAC secret only in dev
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry maps kids to verification material. Registered keys are never
// removed silently; removal goes through an applied multisig manifest whose
// id is recorded alongside the removal.
type Registry struct {
	mu      sync.RWMutex
	keys    map[string]KeyRecord
	removed map[string]string // kid -> manifest id that authorized removal
}

// NewRegistry builds an empty key registry.
func NewRegistry() *Registry {
	return &Registry{
		keys:    make(map[string]KeyRecord),
		removed: make(map[string]string),
	}
}

// Register publishes a key. Re-registering an existing kid with different
// material is rejected; rotate to a new kid instead.
func (r *Registry) Register(rec KeyRecord) error {
	if rec.KID == "" {
		return errdefs.New(errdefs.KindValidation, "invalid_key", "kid required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.keys[rec.KID]; ok {
		if string(existing.Public) != string(rec.Public) || existing.Algorithm != rec.Algorithm {
			return errdefs.New(errdefs.KindConflict, "key_conflict",
				fmt.Sprintf("kid %s already registered with different material", rec.KID))
		}
		return nil
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now().UTC()
	}
	r.keys[rec.KID] = rec
	return nil
}

// Remove deletes a key. manifestID must reference an applied multisig
// manifest; an empty id is refused.
func (r *Registry) Remove(kid, manifestID string) error {
	if manifestID == "" {
		return errdefs.New(errdefs.KindForbidden, "removal_requires_multisig",
			"signer removal requires an applied multisig manifest")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[kid]; !ok {
		return errdefs.New(errdefs.KindNotFound, "key_not_found", "unknown kid "+kid)
	}
	delete(r.keys, kid)
	r.removed[kid] = manifestID
	return nil
}

// Get returns the record for kid.
func (r *Registry) Get(kid string) (KeyRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.keys[kid]
	return rec, ok
}

// PublicKeys returns all registered records ordered by kid.
func (r *Registry) PublicKeys() []KeyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KeyRecord, 0, len(r.keys))
	for _, rec := range r.keys {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KID < out[j].KID })
	return out
}

// Verify checks sig over digest against the registered material for kid.
func (r *Registry) Verify(_ context.Context, kid string, digest [32]byte, sig []byte) (bool, error) {
	rec, ok := r.Get(kid)
	if !ok {
		return false, errdefs.New(errdefs.KindNotFound, "key_not_found", "unknown kid "+kid)
	}

	switch rec.Algorithm {
	case AlgEd25519:
		if len(rec.Public) != ed25519.PublicKeySize {
			return false, fmt.Errorf("registry: malformed ed25519 key for %s", kid)
		}
		return ed25519.Verify(ed25519.PublicKey(rec.Public), digest[:], sig), nil

	case AlgRSASHA256:
		pub, err := x509.ParsePKIXPublicKey(rec.Public)
		if err != nil {
			return false, fmt.Errorf("registry: parse public key for %s: %w", kid, err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false, fmt.Errorf("registry: key %s is not RSA", kid)
		}
		if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
			return false, nil
		}
		return true, nil

	case AlgHMACSHA256:
		mac := hmac.New(sha256.New, rec.Public)
		mac.Write(digest[:])
		return hmac.Equal(mac.Sum(nil), sig), nil

	default:
		return false, fmt.Errorf("registry: unsupported algorithm %s for %s", rec.Algorithm, kid)
	}
}
