package signer

import (
	"context"
	"crypto/sha256"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSigner_SignVerifyRoundTrip(t *testing.T) {
	s, err := NewLocalSigner("development", "local-1", []byte("master-seed"))
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("payload"))
	sig, kid, err := s.Sign(context.Background(), digest)
	require.NoError(t, err)
	assert.Equal(t, "local-1", kid)
	assert.True(t, s.VerifyMAC(digest, sig))

	other := sha256.Sum256([]byte("other"))
	assert.False(t, s.VerifyMAC(other, sig))
}

func TestLocalSigner_RefusesProduction(t *testing.T) {
	_, err := NewLocalSigner("production", "local-1", []byte("seed"))
	require.Error(t, err)
}

func TestLocalSigner_DeterministicDerivation(t *testing.T) {
	a, err := NewLocalSigner("development", "kid-a", []byte("seed"))
	require.NoError(t, err)
	b, err := NewLocalSigner("development", "kid-a", []byte("seed"))
	require.NoError(t, err)
	assert.Equal(t, a.Key(), b.Key())

	c, err := NewLocalSigner("development", "kid-c", []byte("seed"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestEd25519Signer_RegistryVerify(t *testing.T) {
	s, err := NewEd25519Signer("sec-1")
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register(KeyRecord{
		KID:       s.KID(),
		Algorithm: AlgEd25519,
		Backend:   BackendLocal,
		Public:    s.PublicKey(),
	}))

	digest := sha256.Sum256([]byte("manifest payload"))
	sig, kid, err := s.Sign(context.Background(), digest)
	require.NoError(t, err)

	ok, err := reg.Verify(context.Background(), kid, digest, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	tampered := sha256.Sum256([]byte("tampered"))
	ok, err = reg.Verify(context.Background(), kid, tampered, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_RemovalRequiresMultisig(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(KeyRecord{KID: "k1", Algorithm: AlgEd25519, Public: make([]byte, 32)}))

	err := reg.Remove("k1", "")
	require.Error(t, err)
	_, ok := reg.Get("k1")
	assert.True(t, ok, "key must survive unauthorized removal")

	require.NoError(t, reg.Remove("k1", "upgrade-123"))
	_, ok = reg.Get("k1")
	assert.False(t, ok)
}

func TestRegistry_ConflictingReRegistration(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(KeyRecord{KID: "k1", Algorithm: AlgEd25519, Public: []byte("aaa")}))
	require.NoError(t, reg.Register(KeyRecord{KID: "k1", Algorithm: AlgEd25519, Public: []byte("aaa")}))

	err := reg.Register(KeyRecord{KID: "k1", Algorithm: AlgEd25519, Public: []byte("bbb")})
	require.Error(t, err)
}

type probeFailSigner struct {
	*Ed25519Signer
	fail bool
}

func (p *probeFailSigner) Probe(context.Context) error {
	if p.fail {
		return errors.New("backend unreachable")
	}
	return nil
}

func TestSelect_FirstPassingBackendWins(t *testing.T) {
	bad, err := NewEd25519Signer("bad")
	require.NoError(t, err)
	good, err := NewEd25519Signer("good")
	require.NoError(t, err)

	sel, err := Select(context.Background(), false, &probeFailSigner{bad, true}, good)
	require.NoError(t, err)
	assert.Equal(t, "good", sel.KID())
	assert.True(t, sel.Healthy())
}

func TestSelect_RequireAsymmetricSkipsLocalHMAC(t *testing.T) {
	local, err := NewLocalSigner("development", "local", []byte("seed"))
	require.NoError(t, err)

	_, err = Select(context.Background(), true, local)
	require.Error(t, err)
}

func TestSelection_DegradedBlocksSigning(t *testing.T) {
	s, err := NewEd25519Signer("k")
	require.NoError(t, err)
	flaky := &probeFailSigner{s, false}

	sel, err := Select(context.Background(), false, flaky)
	require.NoError(t, err)

	flaky.fail = true
	require.Error(t, sel.Probe(context.Background()))
	assert.False(t, sel.Healthy())

	digest := sha256.Sum256([]byte("x"))
	_, _, err = sel.Sign(context.Background(), digest)
	require.ErrorIs(t, err, ErrUnavailable)

	st := sel.Status()
	assert.Equal(t, false, st["healthy"])
	assert.Equal(t, "k", st["kid"])
}

func TestProxySigner_SignAndProbe(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sign/hash", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"signature_b64":"c2lnbmF0dXJl","kid":"proxy-key-7"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewProxySigner(srv.URL, "proxy-key-7", WithProxyAPIKey("secret"))
	require.NoError(t, p.Probe(context.Background()))

	digest := sha256.Sum256([]byte("x"))
	sig, kid, err := p.Sign(context.Background(), digest)
	require.NoError(t, err)
	assert.Equal(t, "proxy-key-7", kid)
	assert.Equal(t, []byte("signature"), sig)
}

func TestProxySigner_RejectsBadKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewProxySigner(srv.URL, "proxy-key-7", WithProxyAPIKey("wrong"))
	digest := sha256.Sum256([]byte("x"))
	_, _, err := p.Sign(context.Background(), digest)
	require.Error(t, err)
}
