// Package transport defines the attested transport plane contract:
// a uniform Transport interface wrapping an AppendLog, capability
// negotiation between peers, and the attestation handshake every
// adapter enforces before any data flows.
package transport

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/ledger"
	"github.com/Mindburn-Labs/ealedger/pkg/merkle"
)

// Transport exposes the three operations every adapter implements with
// identical semantics: append delegates validation to the underlying
// AppendLog, read returns an ordered slice, subscribe streams new
// entries in log order.
type Transport interface {
	Append(ctx context.Context, env envelope.Envelope) (index int, receipt merkle.Receipt, err error)
	Read(ctx context.Context, offset, limit int) ([]envelope.Envelope, error)
	Subscribe(queueDepth int) (*ledger.Subscription, error)
}

// AdapterKind discriminates the shape of an AdapterCapability. Which of
// the accompanying fields on AdapterCapability are meaningful depends on
// Kind (see the field comments); Loopback and EnclaveProxy use none.
type AdapterKind string

const (
	AdapterLoopback    AdapterKind = "Loopback"
	AdapterQuicGrpc    AdapterKind = "QuicGrpc"
	AdapterMailbox     AdapterKind = "Mailbox"
	AdapterUnixIPC     AdapterKind = "UnixIpc"
	AdapterEnclaveProxy AdapterKind = "EnclaveProxy"
)

// AdapterCapability is one entry in a CapabilityAdvertisement.
type AdapterCapability struct {
	Kind         AdapterKind           `json:"kind"`
	Endpoint     string                `json:"endpoint,omitempty"`     // QuicGrpc
	ALPN         string                `json:"alpn,omitempty"`         // QuicGrpc
	SlotBytes    int                   `json:"slot_bytes,omitempty"`   // Mailbox
	RingSize     int                   `json:"ring_size,omitempty"`    // Mailbox
	Path         string                `json:"path,omitempty"`         // UnixIpc
	Features     []string              `json:"features,omitempty"`
	Handshake    *AttestationHandshake `json:"handshake,omitempty"`
}

// CapabilityAdvertisement is what each peer offers during negotiation.
type CapabilityAdvertisement struct {
	Domain            string              `json:"domain"`
	SupportedVersions []string            `json:"supported_versions"`
	MaxMessageBytes   int64               `json:"max_message_bytes"`
	Adapters          []AdapterCapability `json:"adapters"`
}

// AttestationHandshake is the pre-shared expectation a binding enforces
// before any data flows, and the evidence a peer presents to satisfy it.
type AttestationHandshake struct {
	ExpectedStatementHash *[32]byte            `json:"expected_statement_hash,omitempty"`
	ExpectedRuntimeID     string                `json:"expected_runtime_id,omitempty"`
	Evidence              *envelope.Attestation `json:"evidence,omitempty"`
}

// VerifyHandshake applies the four handshake rules in the order the
// spec lists them: recompute-and-compare presented evidence, compare
// against any pre-shared statement hash, require Runtime-kind equality
// against any pre-shared runtime id, and reject silently-absent
// evidence when either expectation is set.
func VerifyHandshake(h AttestationHandshake) error {
	if h.Evidence != nil {
		want, err := envelope.StatementHash(h.Evidence.Statement)
		if err != nil {
			return fmt.Errorf("transport: recompute handshake statement hash: %w", err)
		}
		if want != h.Evidence.StatementHash {
			return fmt.Errorf("transport: handshake statement hash mismatch")
		}
		ok, err := h.Evidence.Verify()
		if err != nil || !ok {
			return fmt.Errorf("transport: handshake evidence signature invalid")
		}
	}

	if h.ExpectedStatementHash != nil {
		if h.Evidence == nil {
			return fmt.Errorf("transport: expected statement hash but no evidence presented")
		}
		if h.Evidence.StatementHash != *h.ExpectedStatementHash {
			return fmt.Errorf("transport: presented statement hash does not match expected")
		}
	}

	if h.ExpectedRuntimeID != "" {
		if h.Evidence == nil {
			return fmt.Errorf("transport: expected runtime id but no evidence presented")
		}
		if h.Evidence.Statement.Kind != envelope.AttestationRuntime {
			return fmt.Errorf("transport: expected a Runtime statement, got %s", h.Evidence.Statement.Kind)
		}
		if h.Evidence.Statement.RuntimeID != h.ExpectedRuntimeID {
			return fmt.Errorf("transport: runtime id mismatch: want %s, got %s", h.ExpectedRuntimeID, h.Evidence.Statement.RuntimeID)
		}
	}

	return nil
}

// LogTransport is the trivial Transport that delegates every operation
// straight to an AppendLog. The loopback adapter embeds it; the other
// adapters implement the three methods themselves.
type LogTransport struct {
	Log ledger.AppendLog
}

func (t LogTransport) Append(ctx context.Context, env envelope.Envelope) (int, merkle.Receipt, error) {
	return t.Log.Append(ctx, env)
}

func (t LogTransport) Read(ctx context.Context, offset, limit int) ([]envelope.Envelope, error) {
	return t.Log.Read(ctx, offset, limit)
}

func (t LogTransport) Subscribe(queueDepth int) (*ledger.Subscription, error) {
	return t.Log.Subscribe(queueDepth)
}

var _ Transport = LogTransport{}
