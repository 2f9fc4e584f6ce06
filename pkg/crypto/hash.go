// Package crypto provides the hashing, canonicalization, and signing
// primitives shared by the ledger, event layer, and lifecycle manager.
package crypto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// Size is the fixed digest length used throughout the ledger.
const Size = 32

// Hash is a fixed 32-byte BLAKE3 digest.
type Hash [Size]byte

// String renders the hash as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero digest (used to mean "no prior tail").
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a copy of the underlying digest bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// MarshalJSON renders the hash as a hex string, so every canonical JSON
// document that embeds a Hash (envelope headers, metadata files, WAL
// bodies) carries a stable, human-readable digest rather than a raw
// byte array.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON parses a hex string back into a Hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash{}
		return nil
	}
	parsed, err := HashFromHex(s)
	if err != nil {
		return fmt.Errorf("crypto: unmarshal hash: %w", err)
	}
	*h = parsed
	return nil
}

// HashFromHex parses a hex-encoded digest.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != Size {
		return h, errInvalidHashLength
	}
	copy(h[:], b)
	return h, nil
}

// domain tags, bit-exact with the ledgered substrate's wire contract.
const (
	DomainBody     = "ea-ledger:body"
	DomainEnvelope = "ea-ledger:envelope"
	DomainMerkle   = "ea-ledger:merkle"
	DomainEventID  = "ea-ledger:event-id:v1"
	DomainWAL      = "ea-ledger:wal:v1"
)

// Sum computes BLAKE3(domain || parts...) over the concatenation of parts,
// in order, with the domain tag prepended as its own write.
func Sum(domain string, parts ...[]byte) Hash {
	h := blake3.New(Size, nil)
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SumBytes is a convenience wrapper returning the digest as a byte slice.
func SumBytes(domain string, parts ...[]byte) []byte {
	h := Sum(domain, parts...)
	return h.Bytes()
}

// SumRaw computes BLAKE3(parts...) with no domain tag prepended, for the
// few wire-format preimages that are specified as a bare hash over their
// fields rather than through this package's own domain-separation
// convention.
func SumRaw(parts ...[]byte) Hash {
	h := blake3.New(Size, nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
