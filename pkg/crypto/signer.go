package crypto

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer produces ed25519 signatures over arbitrary byte strings, in
// practice the envelope_hash or statement_hash of whatever it is asked
// to sign. KeyID identifies the key within an allowed_signers set.
type Signer interface {
	KeyID() string
	PublicKey() ed25519.PublicKey
	Sign(data []byte) []byte
}

// Verifier checks a signature against a known public key.
type Verifier interface {
	Verify(pub ed25519.PublicKey, data, sig []byte) bool
}

// Ed25519Signer is the sole concrete Signer implementation: an in-memory
// ed25519 keypair identified by an opaque key id.
type Ed25519Signer struct {
	keyID string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
}

// NewEd25519Signer generates a fresh keypair under keyID.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{keyID: keyID, priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromSeed constructs a deterministic signer from a 32-byte
// seed, primarily for tests and known-answer fixtures.
func NewEd25519SignerFromSeed(keyID string, seed []byte) *Ed25519Signer {
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		keyID: keyID,
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
	}
}

func (s *Ed25519Signer) KeyID() string               { return s.keyID }
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

func (s *Ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// PublicKeyHex renders the signer's public key as lowercase hex, the form
// stored in signer_set_hash and on the wire.
func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// VerifyEd25519 verifies a raw ed25519 signature against a hex-encoded
// public key.
func VerifyEd25519(pubHex string, data, sig []byte) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("crypto: decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: public key wrong size: %d", len(pub))
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
