// Package envelope defines the ledger's unit of record — header, body,
// signatures and attestations — together with the canonical hashing and
// signing helpers that give every envelope its identity.
package envelope

import (
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
)

// Body is the payload carried by an envelope. Payload is an arbitrary
// canonically-encodable structured value; PayloadType tags its shape
// (e.g. "ea.event.v1") without the ledger needing to understand it.
type Body struct {
	Payload     any    `json:"payload"`
	PayloadType string `json:"payload_type,omitempty"`
}

// Header carries everything about an envelope's position and provenance
// except the payload itself.
type Header struct {
	Channel       string      `json:"channel"`
	SchemaVersion string      `json:"schema_version"`
	PrevHash      crypto.Hash `json:"prev_hash,omitempty"`
	BodyHash      crypto.Hash `json:"body_hash"`
	Timestamp     time.Time   `json:"timestamp"`
}

// AttestationKind classifies an attestation's subject.
type AttestationKind string

const (
	AttestationBuild   AttestationKind = "Build"
	AttestationRuntime AttestationKind = "Runtime"
	AttestationPolicy  AttestationKind = "Policy"
	AttestationCustom  AttestationKind = "Custom"
)

// Statement is the canonical content an attestation vouches for.
type Statement struct {
	Kind        AttestationKind `json:"kind"`
	ArtifactHash crypto.Hash    `json:"artifact_hash,omitempty"`
	RuntimeID    string         `json:"runtime_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// StatementHash canonically hashes a Statement.
func StatementHash(s Statement) (crypto.Hash, error) {
	canon, err := crypto.CanonicalMarshal(s)
	if err != nil {
		return crypto.Hash{}, fmt.Errorf("envelope: canonicalize statement: %w", err)
	}
	return crypto.Sum(crypto.DomainBody, canon), nil
}

// Attestation is a signed vouching statement attached to an envelope or a
// lifecycle Seal/Activate command.
type Attestation struct {
	Statement     Statement   `json:"statement"`
	StatementHash crypto.Hash `json:"statement_hash"`
	IssuerKeyID   string      `json:"issuer_key_id"`
	IssuerPubKey  string      `json:"issuer_pub_key"`
	Signature     []byte      `json:"signature"`
}

// Verify recomputes the attestation's statement hash and checks both the
// hash and the signature over it.
func (a Attestation) Verify() (bool, error) {
	want, err := StatementHash(a.Statement)
	if err != nil {
		return false, err
	}
	if want != a.StatementHash {
		return false, fmt.Errorf("envelope: attestation statement hash mismatch")
	}
	ok, err := crypto.VerifyEd25519(a.IssuerPubKey, a.StatementHash.Bytes(), a.Signature)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Signature is one ed25519 signature over an envelope_hash.
type Signature struct {
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"` // hex ed25519 public key
	Sig       []byte `json:"sig"`
}

// Envelope is the ledger's atomic unit: header, body, signatures, and any
// attestations riding along with it.
type Envelope struct {
	Header       Header        `json:"header"`
	Body         Body          `json:"body"`
	Signatures   []Signature   `json:"signatures"`
	Attestations []Attestation `json:"attestations,omitempty"`
}

// BodyHash computes I1: H(DomainBody || canonical(body)).
func BodyHash(body Body) (crypto.Hash, error) {
	canon, err := crypto.CanonicalMarshal(body)
	if err != nil {
		return crypto.Hash{}, fmt.Errorf("envelope: canonicalize body: %w", err)
	}
	return crypto.Sum(crypto.DomainBody, canon), nil
}

// SignerSetHash commits to the set of public keys that signed an envelope,
// independent of signature order, by sorting hex public keys before
// hashing. It participates in envelope_hash so a replayed signer-set
// substitution is detectable even when signature count is unchanged.
func SignerSetHash(sigs []Signature) crypto.Hash {
	keys := make([]string, len(sigs))
	for i, s := range sigs {
		keys[i] = s.PublicKey
	}
	sort.Strings(keys)
	parts := make([][]byte, len(keys))
	for i, k := range keys {
		parts[i] = []byte(k)
	}
	return crypto.Sum("ea-ledger:signer-set", parts...)
}

// Hash computes envelope_hash = H(DomainEnvelope || canonical(header) ||
// body_hash || signer_set_hash). Signatures are attached over this value,
// so Hash must only ever be computed over header+body, never including
// the signatures slice itself (that would be circular).
func Hash(header Header, bodyHash crypto.Hash, sigs []Signature) (crypto.Hash, error) {
	canonHeader, err := crypto.CanonicalMarshal(header)
	if err != nil {
		return crypto.Hash{}, fmt.Errorf("envelope: canonicalize header: %w", err)
	}
	setHash := SignerSetHash(sigs)
	return crypto.Sum(crypto.DomainEnvelope, canonHeader, bodyHash.Bytes(), setHash.Bytes()), nil
}

// EnvelopeHash computes envelope_hash for a fully assembled envelope,
// using its own header.BodyHash and current Signatures.
func EnvelopeHash(env Envelope) (crypto.Hash, error) {
	return Hash(env.Header, env.Header.BodyHash, env.Signatures)
}

// New builds an envelope from a body and header fields, computing and
// stamping body_hash. The caller still must add signatures via Sign
// before appending.
func New(channel, schemaVersion string, prevHash crypto.Hash, body Body, ts time.Time) (Envelope, error) {
	bh, err := BodyHash(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Header: Header{
			Channel:       channel,
			SchemaVersion: schemaVersion,
			PrevHash:      prevHash,
			BodyHash:      bh,
			Timestamp:     ts.UTC(),
		},
		Body: body,
	}, nil
}

// Sign appends a signature by signer over the envelope_hash computed with
// an empty signer set (Signatures == nil), whatever signatures are already
// attached. Every signer therefore signs the same value, independently
// and in any order, and VerifySignatures checks against that same value.
func Sign(env Envelope, signer crypto.Signer) (Envelope, error) {
	h, err := Hash(env.Header, env.Header.BodyHash, nil)
	if err != nil {
		return Envelope{}, err
	}
	sig := signer.Sign(h.Bytes())
	env.Signatures = append(env.Signatures, Signature{
		KeyID:     signer.KeyID(),
		PublicKey: pubKeyHex(signer),
		Sig:       sig,
	})
	return env, nil
}

func pubKeyHex(signer crypto.Signer) string {
	return fmt.Sprintf("%x", []byte(signer.PublicKey()))
}

// VerifySignatures recomputes the pre-signature envelope_hash and checks
// every attached signature against it, returning the set of distinct,
// valid signer public keys.
func VerifySignatures(env Envelope) (valid []string, err error) {
	h, err := Hash(env.Header, env.Header.BodyHash, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, s := range env.Signatures {
		ok, verr := crypto.VerifyEd25519(s.PublicKey, h.Bytes(), s.Sig)
		if verr != nil || !ok {
			continue
		}
		if !seen[s.PublicKey] {
			seen[s.PublicKey] = true
			valid = append(valid, s.PublicKey)
		}
	}
	return valid, nil
}
