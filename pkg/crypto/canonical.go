package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalMarshal renders v as RFC 8785 canonical JSON: object keys sorted,
// no insignificant whitespace, no HTML escaping, numbers in their shortest
// round-tripping form. Every body_hash, envelope_hash, and event id in this
// package is computed over bytes produced by this function, never over
// ad-hoc json.Marshal output.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal before canonicalization: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: jcs canonicalization: %w", err)
	}
	return canon, nil
}
