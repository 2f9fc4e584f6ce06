// Package events implements the typed event layer: deterministic event
// identification, canonical encoding, and intent classification, carried
// inside envelope bodies with payload_type "ea.event.v1".
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
)

// PayloadType tags an envelope body as carrying a typed event.
const PayloadType = "ea.event.v1"

// Kind names an event's shape. Kinds are free-form strings so that new
// event families (lifecycle commands, audit exports, application events)
// can be added without changing this package; Intent is always derived
// from Kind, never trusted from a stored field.
type Kind string

// Intent is the routing hint derived from Kind.
type Intent string

const (
	IntentRequest  Intent = "Request"
	IntentResponse Intent = "Response"
	IntentNotify   Intent = "Notify"
)

// ClassifyIntent derives an event's Intent purely from its Kind. The rule
// is suffix-based: kinds that ask for something end in "Request", kinds
// that answer one end in "Update", "Response", or "Result"; everything
// else is a Notify. Implementations MUST call this rather than trust any
// stored intent field, so that a tampered or stale intent can never
// change routing behaviour.
func ClassifyIntent(k Kind) Intent {
	s := string(k)
	switch {
	case strings.HasSuffix(s, "Request"):
		return IntentRequest
	case strings.HasSuffix(s, "Update"), strings.HasSuffix(s, "Response"), strings.HasSuffix(s, "Result"):
		return IntentResponse
	default:
		return IntentNotify
	}
}

// ContentRef is an opaque pointer to a blob in the ContentStore, or to a
// logical URI the core does not resolve itself.
type ContentRef struct {
	Locator   string      `json:"locator"`
	Hash      crypto.Hash `json:"hash"`
	MediaType string      `json:"media_type,omitempty"`
	Size      int64       `json:"size,omitempty"`
}

// LedgerEvent is the typed structure carried inside an envelope body.
type LedgerEvent struct {
	ID           crypto.Hash            `json:"id"`
	Parent       crypto.Hash            `json:"parent,omitempty"`
	Issuer       string                 `json:"issuer"`
	Audience     string                 `json:"audience,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	Sensitivity  string                 `json:"sensitivity,omitempty"`
	Intent       Intent                 `json:"intent"`
	Kind         Kind                   `json:"kind"`
	Payload      any                    `json:"payload,omitempty"`
	Attachments  []ContentRef           `json:"attachments,omitempty"`
	Attestations []envelope.Attestation `json:"attestations,omitempty"`
}

// computeID implements id = H(DomainEventID || created_at || issuer ||
// parent? || canonical(kind)).
func computeID(issuer string, createdAt time.Time, parent crypto.Hash, kind Kind) (crypto.Hash, error) {
	canonKind, err := crypto.CanonicalMarshal(kind)
	if err != nil {
		return crypto.Hash{}, fmt.Errorf("events: canonicalize kind: %w", err)
	}
	parts := [][]byte{
		[]byte(createdAt.UTC().Format(time.RFC3339Nano)),
		[]byte(issuer),
	}
	if !parent.IsZero() {
		parts = append(parts, parent.Bytes())
	}
	parts = append(parts, canonKind)
	return crypto.Sum(crypto.DomainEventID, parts...), nil
}

// New builds a LedgerEvent, deriving its ID and Intent. CreatedAt is
// normalised to UTC so IDs are stable regardless of the caller's locale.
func New(issuer, audience string, parent crypto.Hash, sensitivity string, kind Kind, payload any, createdAt time.Time) (LedgerEvent, error) {
	createdAt = createdAt.UTC()
	id, err := computeID(issuer, createdAt, parent, kind)
	if err != nil {
		return LedgerEvent{}, err
	}
	return LedgerEvent{
		ID:          id,
		Parent:      parent,
		Issuer:      issuer,
		Audience:    audience,
		CreatedAt:   createdAt,
		Sensitivity: sensitivity,
		Intent:      ClassifyIntent(kind),
		Kind:        kind,
		Payload:     payload,
	}, nil
}

// Verify recomputes an event's ID and Intent and checks them against the
// stored values, satisfying R1 (encode/decode round-trips to an equal
// event and equal id) for any event that arrived over the wire.
func Verify(e LedgerEvent) error {
	wantID, err := computeID(e.Issuer, e.CreatedAt, e.Parent, e.Kind)
	if err != nil {
		return err
	}
	if wantID != e.ID {
		return fmt.Errorf("events: id mismatch: recomputed %s, stored %s", wantID, e.ID)
	}
	if want := ClassifyIntent(e.Kind); want != e.Intent {
		return fmt.Errorf("events: intent mismatch: derived %s, stored %s", want, e.Intent)
	}
	return nil
}

// EncodeBody wraps e as an envelope body tagged ea.event.v1, mirroring
// the event's attestations onto the envelope the caller is assembling.
func EncodeBody(e LedgerEvent) (envelope.Body, []envelope.Attestation) {
	return envelope.Body{Payload: e, PayloadType: PayloadType}, e.Attestations
}
