package signer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProxySigner delegates signing to an external signing proxy over HTTPS.
// The proxy fronts an HSM and authenticates callers by mTLS or API key.
type ProxySigner struct {
	baseURL string
	apiKey  string
	kid     string
	client  *http.Client
}

// ProxyOption configures a ProxySigner.
type ProxyOption func(*ProxySigner)

// WithProxyAPIKey authenticates requests with a bearer API key.
func WithProxyAPIKey(key string) ProxyOption {
	return func(p *ProxySigner) { p.apiKey = key }
}

// WithProxyClientTLS installs an mTLS client certificate.
func WithProxyClientTLS(cert tls.Certificate) ProxyOption {
	return func(p *ProxySigner) {
		p.client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	}
}

// NewProxySigner builds a signer against baseURL. kid is the key the proxy
// is expected to sign with; the response kid is authoritative.
func NewProxySigner(baseURL, kid string, opts ...ProxyOption) *ProxySigner {
	p := &ProxySigner{
		baseURL: baseURL,
		kid:     kid,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type proxySignRequest struct {
	DigestB64 string `json:"digest_b64"`
	KID       string `json:"kid,omitempty"`
}

type proxySignResponse struct {
	SignatureB64 string `json:"signature_b64"`
	KID          string `json:"kid"`
}

func (p *ProxySigner) Sign(ctx context.Context, digest [32]byte) ([]byte, string, error) {
	body, err := json.Marshal(proxySignRequest{
		DigestB64: base64.StdEncoding.EncodeToString(digest[:]),
		KID:       p.kid,
	})
	if err != nil {
		return nil, "", fmt.Errorf("proxy signer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/sign/hash", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("proxy signer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("proxy signer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("proxy signer: status %d: %s", resp.StatusCode, string(b))
	}

	var out proxySignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("proxy signer: decode response: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(out.SignatureB64)
	if err != nil {
		return nil, "", fmt.Errorf("proxy signer: decode signature: %w", err)
	}
	kid := out.KID
	if kid == "" {
		kid = p.kid
	}
	return sig, kid, nil
}

// Probe hits the proxy health endpoint.
func (p *ProxySigner) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy signer: health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy signer: health status %d", resp.StatusCode)
	}
	return nil
}

func (p *ProxySigner) KID() string          { return p.kid }
func (p *ProxySigner) Algorithm() Algorithm { return AlgRSASHA256 }
func (p *ProxySigner) Backend() Backend     { return BackendProxy }
