// Package replay holds the pure validation function that every append
// runs before committing, and that a third-party auditor can run
// standalone over an entire exported sequence.
package replay

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/registry"
)

// Kind enumerates the semantic validation failures an append can produce.
type Kind string

const (
	KindBodyHashMismatch       Kind = "BodyHashMismatch"
	KindChainMismatch          Kind = "ChainMismatch"
	KindTimestampRegression    Kind = "TimestampRegression"
	KindUnsupportedSchemaVersion Kind = "UnsupportedSchemaVersion"
	KindSignerNotAllowed       Kind = "SignerNotAllowed"
	KindInsufficientSignatures Kind = "InsufficientSignatures"
	KindSignatureInvalid       Kind = "SignatureInvalid"
	KindAttestationRequired    Kind = "AttestationRequired"
	KindAttestationInvalid     Kind = "AttestationInvalid"
)

// ValidationError is the typed failure returned by ValidateEnvelope. It is
// never wrapped with dynamic detail that would break equality-based
// testing of Kind; Detail carries any human-readable context separately.
type ValidationError struct {
	Kind   Kind
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("replay: %s", e.Kind)
	}
	return fmt.Sprintf("replay: %s: %s", e.Kind, e.Detail)
}

func fail(kind Kind, detail string) error {
	return &ValidationError{Kind: kind, Detail: detail}
}

// ChannelState is the per-channel state ValidateEnvelope folds forward.
// It is entirely derived from the log; the ledger never persists it
// separately.
type ChannelState struct {
	LastHash      crypto.Hash
	LastTimestamp time.Time
	HasTail       bool
}

// ValidateEnvelope is the pure replay validator: given an envelope, the
// registry of channel policies, and the channel's prior state, it returns
// either the new ChannelState or a typed ValidationError. It has no side
// effects and performs no I/O, so the exact same function backs both
// AppendLog.append and an offline audit of an entire exported sequence.
func ValidateEnvelope(env envelope.Envelope, reg *registry.Registry, prev ChannelState) (ChannelState, error) {
	policy, err := reg.Get(env.Header.Channel)
	if err != nil {
		return ChannelState{}, err
	}

	// I1: body_hash = H(body).
	wantBodyHash, err := envelope.BodyHash(env.Body)
	if err != nil {
		return ChannelState{}, err
	}
	if wantBodyHash != env.Header.BodyHash {
		return ChannelState{}, fail(KindBodyHashMismatch, "")
	}

	// I2: chain continuity.
	if prev.HasTail {
		if env.Header.PrevHash != prev.LastHash {
			return ChannelState{}, fail(KindChainMismatch, fmt.Sprintf("expected %s, got %s", prev.LastHash, env.Header.PrevHash))
		}
	} else if !env.Header.PrevHash.IsZero() {
		return ChannelState{}, fail(KindChainMismatch, "first envelope must have zero prev_hash")
	}

	// I3: timestamp ordering.
	if policy.EnforceTimestampOrdering && prev.HasTail {
		if env.Header.Timestamp.Before(prev.LastTimestamp) {
			return ChannelState{}, fail(KindTimestampRegression, "")
		}
	}

	// I4: schema version accepted.
	if !policy.AllowsSchemaVersion(env.Header.SchemaVersion) {
		return ChannelState{}, fail(KindUnsupportedSchemaVersion, env.Header.SchemaVersion)
	}

	// I5: signature quorum.
	validSigners, err := envelope.VerifySignatures(env)
	if err != nil {
		return ChannelState{}, err
	}
	if len(validSigners) != len(env.Signatures) {
		return ChannelState{}, fail(KindSignatureInvalid, "")
	}
	constrainsSigners := len(policy.AllowedSigners) > 0 || policy.SignerKeyRing != nil
	var allowedCount int
	for _, pub := range validSigners {
		if policy.AllowsSigner(pub) {
			allowedCount++
		} else if constrainsSigners {
			return ChannelState{}, fail(KindSignerNotAllowed, pub)
		}
	}
	if allowedCount < policy.MinSigners {
		return ChannelState{}, fail(KindInsufficientSignatures, fmt.Sprintf("have %d, need %d", allowedCount, policy.MinSigners))
	}

	// I6: attestation requirement.
	if policy.RequireAttestations {
		if len(env.Attestations) == 0 {
			return ChannelState{}, fail(KindAttestationRequired, "")
		}
		var anyValid bool
		for _, a := range env.Attestations {
			ok, verr := a.Verify()
			if verr == nil && ok {
				anyValid = true
				break
			}
		}
		if !anyValid {
			return ChannelState{}, fail(KindAttestationInvalid, "")
		}
	} else {
		for _, a := range env.Attestations {
			ok, verr := a.Verify()
			if verr != nil || !ok {
				return ChannelState{}, fail(KindAttestationInvalid, "")
			}
		}
	}

	h, err := envelope.EnvelopeHash(env)
	if err != nil {
		return ChannelState{}, err
	}
	return ChannelState{LastHash: h, LastTimestamp: env.Header.Timestamp, HasTail: true}, nil
}
