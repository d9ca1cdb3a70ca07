package canonicalize

import (
	"fmt"

	"github.com/gowebpki/jcs"
)

// Transform canonicalizes raw JSON text via the reference RFC 8785
// implementation. The snapshot signer in the reasoning graph consumes raw
// JSON documents rather than Go values, so it goes through this path; parity
// tests pin Transform and Canonical to byte-identical output.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}
