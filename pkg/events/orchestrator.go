package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/ledger"
	"github.com/Mindburn-Labs/ealedger/pkg/merkle"
	"github.com/Mindburn-Labs/ealedger/pkg/store"
)

// Role names the three standard orchestrators. Each is the same thin
// builder; Role only changes the Issuer stamped onto emitted events.
type Role string

const (
	RoleAudit   Role = "audit"
	RolePrivacy Role = "privacy"
	RoleAgency  Role = "agency"
)

// Orchestrator stores payloads in the CAS, composes an event, stamps
// prev_hash from the ledger tail, signs, and appends — the same five
// steps regardless of which role is doing it.
type Orchestrator struct {
	Role     Role
	Channel  string
	Schema   string
	Log      ledger.AppendLog
	Content  *store.ContentStore
	Signer   crypto.Signer
	clockNow func() time.Time
}

// NewOrchestrator builds an Orchestrator bound to a channel, log, CAS,
// and signer.
func NewOrchestrator(role Role, channel, schema string, log ledger.AppendLog, content *store.ContentStore, signer crypto.Signer) *Orchestrator {
	return &Orchestrator{
		Role:     role,
		Channel:  channel,
		Schema:   schema,
		Log:      log,
		Content:  content,
		Signer:   signer,
		clockNow: time.Now,
	}
}

// Emit stores payload in the CAS (if non-nil), composes a LedgerEvent of
// the given kind referencing it, stamps prev_hash from the current
// channel tail, signs, and appends. It returns the committed index,
// receipt, and the event that was appended.
func (o *Orchestrator) Emit(ctx context.Context, kind Kind, audience, sensitivity string, parent crypto.Hash, payload []byte) (int, merkle.Receipt, LedgerEvent, error) {
	var attachments []ContentRef
	if payload != nil {
		h, err := o.Content.Put(payload)
		if err != nil {
			return 0, merkle.Receipt{}, LedgerEvent{}, fmt.Errorf("events: store payload: %w", err)
		}
		attachments = append(attachments, ContentRef{Locator: h.String(), Hash: h, Size: int64(len(payload))})
	}

	ev, err := New(string(o.Role), audience, parent, sensitivity, kind, nil, o.clockNow())
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, err
	}
	ev.Attachments = attachments

	body, attestations := EncodeBody(ev)

	var prevHash crypto.Hash
	if o.Log.Len() > 0 {
		tail, err := o.Log.Read(ctx, o.Log.Len()-1, 1)
		if err != nil {
			return 0, merkle.Receipt{}, LedgerEvent{}, fmt.Errorf("events: read tail: %w", err)
		}
		if len(tail) == 1 {
			h, err := envelope.EnvelopeHash(tail[0])
			if err != nil {
				return 0, merkle.Receipt{}, LedgerEvent{}, err
			}
			prevHash = h
		}
	}

	env, err := envelope.New(o.Channel, o.Schema, prevHash, body, o.clockNow())
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, err
	}
	env.Attestations = attestations

	env, err = envelope.Sign(env, o.Signer)
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, err
	}

	idx, receipt, err := o.Log.Append(ctx, env)
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, err
	}
	return idx, receipt, ev, nil
}

// ExportAudit re-queries [offset, offset+limit) of the log, stores the
// slice as a single blob, and emits a follow-up event referencing both
// that artifact and a Merkle-bundle blob of receipts for every entry in
// the slice.
func (o *Orchestrator) ExportAudit(ctx context.Context, offset, limit int) (int, merkle.Receipt, LedgerEvent, error) {
	slice, err := o.Log.Read(ctx, offset, limit)
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, fmt.Errorf("events: read export slice: %w", err)
	}

	sliceBytes, err := json.Marshal(slice)
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, fmt.Errorf("events: marshal export slice: %w", err)
	}
	artifactHash, err := o.Content.Put(sliceBytes)
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, fmt.Errorf("events: store export artifact: %w", err)
	}

	receipts := make([]merkle.Receipt, 0, len(slice))
	for i := range slice {
		r, ok := o.Log.ReceiptFor(offset + i)
		if ok {
			receipts = append(receipts, r)
		}
	}
	bundleBytes, err := json.Marshal(receipts)
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, fmt.Errorf("events: marshal merkle bundle: %w", err)
	}
	bundleHash, err := o.Content.Put(bundleBytes)
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, fmt.Errorf("events: store merkle bundle: %w", err)
	}

	ev, err := New(string(o.Role), "", crypto.Hash{}, "", Kind("AuditExport"), nil, o.clockNow())
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, err
	}
	ev.Attachments = []ContentRef{
		{Locator: artifactHash.String(), Hash: artifactHash, MediaType: "application/json", Size: int64(len(sliceBytes))},
		{Locator: bundleHash.String(), Hash: bundleHash, MediaType: "application/json", Size: int64(len(bundleBytes))},
	}

	body, attestations := EncodeBody(ev)
	var prevHash crypto.Hash
	if o.Log.Len() > 0 {
		tail, err := o.Log.Read(ctx, o.Log.Len()-1, 1)
		if err == nil && len(tail) == 1 {
			prevHash, _ = envelope.EnvelopeHash(tail[0])
		}
	}
	env, err := envelope.New(o.Channel, o.Schema, prevHash, body, o.clockNow())
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, err
	}
	env.Attestations = attestations
	env, err = envelope.Sign(env, o.Signer)
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, err
	}
	idx, receipt, err := o.Log.Append(ctx, env)
	if err != nil {
		return 0, merkle.Receipt{}, LedgerEvent{}, err
	}
	return idx, receipt, ev, nil
}
