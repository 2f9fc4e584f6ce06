// Package lifecycle implements the muscle lifecycle state machine:
// register, seal, activate, retire, and invocation admission control,
// each transition correlated to a LifecycleUpdate or LifecycleError
// event on the lifecycle channel.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/events"
	"github.com/Mindburn-Labs/ealedger/pkg/store"
)

// Stage is a muscle's position in the lifecycle state machine. Absent is
// implicit: no record exists for a reference until Register runs.
type Stage string

const (
	StageAbsent     Stage = "Absent"
	StageRegistered Stage = "Registered"
	StageSealed     Stage = "Sealed"
	StageActive     Stage = "Active"
	StageRetired    Stage = "Retired"
)

// Ref identifies a muscle by id and version; the manager keys its
// registry by Ref.
type Ref struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

func (r Ref) String() string { return fmt.Sprintf("%s@%s", r.ID, r.Version) }

// Record is the durable state the manager holds for one muscle. No
// record is ever deleted; Retired is a terminal stage, not a removal.
type Record struct {
	Ref                 Ref          `json:"ref"`
	ExpectedMeasurement crypto.Hash  `json:"expected_measurement"`
	PolicyTags          []string     `json:"policy_tags,omitempty"`
	SealedBlob          *crypto.Hash `json:"sealed_blob,omitempty"`
	AttestationHash     *crypto.Hash `json:"attestation_hash,omitempty"`
	ActivePolicy         *crypto.Hash `json:"active_policy,omitempty"`
	Stage               Stage        `json:"stage"`
	LastError           string       `json:"last_error,omitempty"`
}

func (r Record) clone() *Record {
	c := r
	if r.SealedBlob != nil {
		h := *r.SealedBlob
		c.SealedBlob = &h
	}
	if r.AttestationHash != nil {
		h := *r.AttestationHash
		c.AttestationHash = &h
	}
	if r.ActivePolicy != nil {
		h := *r.ActivePolicy
		c.ActivePolicy = &h
	}
	c.PolicyTags = append([]string(nil), r.PolicyTags...)
	return &c
}

// CommandKind names a LifecycleCommand's shape.
type CommandKind string

const (
	CommandRegister          CommandKind = "Register"
	CommandSeal              CommandKind = "Seal"
	CommandActivate          CommandKind = "Activate"
	CommandRetire            CommandKind = "Retire"
	CommandInvocationRequest CommandKind = "InvocationRequest"
)

// RegisterCommand moves Absent -> Registered.
type RegisterCommand struct {
	Measurement crypto.Hash `json:"measurement"`
	Manifest    []byte      `json:"manifest,omitempty"`
	PolicyTags  []string    `json:"policy_tags"`
}

// SealCommand moves Registered -> Sealed.
type SealCommand struct {
	SealedBlob   events.ContentRef      `json:"sealed_blob"`
	Measurement  crypto.Hash            `json:"measurement"`
	InlineBlob   []byte                 `json:"inline_blob,omitempty"`
	Attestations []envelope.Attestation `json:"attestations"`
}

// ActivateCommand moves Sealed or Active -> Active.
type ActivateCommand struct {
	Policy     *crypto.Hash `json:"policy,omitempty"`
	PolicyTags []string     `json:"policy_tags"`
}

// RetireCommand moves any non-Retired stage -> Retired. Terminal.
type RetireCommand struct {
	Reason string `json:"reason"`
}

// InvocationRequest is admission control, not a state transition: on the
// happy path nothing is emitted at all.
type InvocationRequest struct {
	PolicyRef  *crypto.Hash `json:"policy_ref,omitempty"`
	PolicyTags []string     `json:"policy_tags"`
}

// Command is the envelope-carried union of every lifecycle trigger.
type Command struct {
	Kind       CommandKind         `json:"kind"`
	Ref        Ref                 `json:"ref"`
	Register   *RegisterCommand    `json:"register,omitempty"`
	Seal       *SealCommand        `json:"seal,omitempty"`
	Activate   *ActivateCommand    `json:"activate,omitempty"`
	Retire     *RetireCommand      `json:"retire,omitempty"`
	Invocation *InvocationRequest  `json:"invocation,omitempty"`
}

// ErrorKind enumerates the lifecycle branch of the error taxonomy.
type ErrorKind string

const (
	ErrNotRegistered       ErrorKind = "NotRegistered"
	ErrMeasurementMismatch ErrorKind = "MeasurementMismatch"
	ErrMissingAttestation  ErrorKind = "MissingAttestation"
	ErrStageIllegal        ErrorKind = "StageIllegal"
	ErrPolicyTagsMissing   ErrorKind = "PolicyTagsMissing"
	ErrPolicyMismatch      ErrorKind = "PolicyMismatch"
)

// RejectionError is returned by Handle and materialised as a
// LifecycleError event; the triggering command is never retried. Stage
// is the record's stage at the moment of rejection (StageAbsent if no
// record exists yet), matching the reason a reader of the LifecycleError
// event needs to diagnose why the transition was refused.
type RejectionError struct {
	Ref    Ref       `json:"ref"`
	Stage  Stage     `json:"stage"`
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("lifecycle: %s: %s: %s: %s", e.Ref, e.Stage, e.Kind, e.Detail)
}

func reject(ref Ref, stage Stage, kind ErrorKind, detail string) *RejectionError {
	return &RejectionError{Ref: ref, Stage: stage, Kind: kind, Detail: detail}
}

// missingTags returns the tags in require that are absent from have, in
// require's order.
func missingTags(require, have []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	var missing []string
	for _, t := range require {
		if _, ok := set[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}

// ModuleVerifier confirms a sealed blob is a loadable module before it
// can be activated. It is optional: a nil verifier skips the check,
// which is appropriate for muscles that are not WASM-sealed.
type ModuleVerifier interface {
	VerifyModule(ctx context.Context, wasmBytes []byte) error
}

// Manager owns the (id, version) -> Record mapping and executes every
// lifecycle transition against it. The lifecycle channel is assumed
// single-writer, so a single mutex is sufficient; multi-writer
// deployments need an external serialiser this package does not provide.
type Manager struct {
	mu       sync.Mutex
	records  map[Ref]*Record
	content  *store.ContentStore
	verifier ModuleVerifier
}

// NewManager builds an empty Manager. verifier may be nil.
func NewManager(content *store.ContentStore, verifier ModuleVerifier) *Manager {
	return &Manager{
		records:  make(map[Ref]*Record),
		content:  content,
		verifier: verifier,
	}
}

// Lookup returns a copy of the current record for ref, or
// (Record{Stage: StageAbsent}, false) if none exists.
func (m *Manager) Lookup(ref Ref) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ref]
	if !ok {
		return Record{Ref: ref, Stage: StageAbsent}, false
	}
	return *rec.clone(), true
}

// Handle executes cmd against the manager's state, returning the
// resulting record on success or a RejectionError on rejection. Exactly
// one of the two return values is non-nil.
func (m *Manager) Handle(ctx context.Context, cmd Command) (*Record, *RejectionError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd.Kind {
	case CommandRegister:
		return m.handleRegister(cmd.Ref, cmd.Register)
	case CommandSeal:
		return m.handleSeal(ctx, cmd.Ref, cmd.Seal)
	case CommandActivate:
		return m.handleActivate(cmd.Ref, cmd.Activate)
	case CommandRetire:
		return m.handleRetire(cmd.Ref, cmd.Retire)
	case CommandInvocationRequest:
		return m.handleInvocation(cmd.Ref, cmd.Invocation)
	default:
		return nil, reject(cmd.Ref, StageAbsent, ErrStageIllegal, fmt.Sprintf("unknown command kind %q", cmd.Kind))
	}
}

func (m *Manager) handleRegister(ref Ref, cmd *RegisterCommand) (*Record, *RejectionError) {
	existing, ok := m.records[ref]
	if !ok {
		rec := &Record{
			Ref:                 ref,
			ExpectedMeasurement: cmd.Measurement,
			PolicyTags:          append([]string(nil), cmd.PolicyTags...),
			Stage:               StageRegistered,
		}
		m.records[ref] = rec
		return rec.clone(), nil
	}

	if existing.Stage == StageRetired {
		return nil, reject(ref, existing.Stage, ErrStageIllegal, "retired records cannot be re-registered")
	}
	if existing.ExpectedMeasurement != cmd.Measurement {
		return nil, reject(ref, existing.Stage, ErrMeasurementMismatch, "re-registration measurement differs from the recorded one")
	}
	// idempotent: same measurement just refreshes policy_tags
	existing.PolicyTags = append([]string(nil), cmd.PolicyTags...)
	return existing.clone(), nil
}

func (m *Manager) handleSeal(ctx context.Context, ref Ref, cmd *SealCommand) (*Record, *RejectionError) {
	rec, ok := m.records[ref]
	if !ok {
		return nil, reject(ref, StageAbsent, ErrNotRegistered, "seal requires a prior register")
	}
	if rec.Stage != StageRegistered {
		return nil, reject(ref, rec.Stage, ErrStageIllegal, fmt.Sprintf("seal requires stage Registered, found %s", rec.Stage))
	}
	if cmd.Measurement != rec.ExpectedMeasurement {
		return nil, reject(ref, rec.Stage, ErrMeasurementMismatch, "seal measurement differs from the registered one")
	}
	if cmd.SealedBlob.Hash != cmd.Measurement {
		return nil, reject(ref, rec.Stage, ErrMeasurementMismatch, "sealed_blob hash does not equal measurement")
	}

	if len(cmd.InlineBlob) > 0 {
		if err := m.content.PutWithDigest(cmd.Measurement, cmd.InlineBlob); err != nil {
			return nil, reject(ref, rec.Stage, ErrMeasurementMismatch, fmt.Sprintf("inline blob does not hash to measurement: %v", err))
		}
		if m.verifier != nil {
			if err := m.verifier.VerifyModule(ctx, cmd.InlineBlob); err != nil {
				return nil, reject(ref, rec.Stage, ErrMissingAttestation, fmt.Sprintf("sealed blob failed module verification: %v", err))
			}
		}
	}

	var buildAttestation *envelope.Attestation
	for i := range cmd.Attestations {
		a := cmd.Attestations[i]
		if a.Statement.Kind != envelope.AttestationBuild {
			continue
		}
		want, err := envelope.StatementHash(a.Statement)
		if err != nil || want != a.StatementHash {
			return nil, reject(ref, rec.Stage, ErrMissingAttestation, "attestation signed over the wrong statement hash")
		}
		if a.Statement.ArtifactHash != cmd.Measurement {
			continue
		}
		ok, err := a.Verify()
		if err != nil || !ok {
			continue
		}
		buildAttestation = &a
		break
	}
	if buildAttestation == nil {
		return nil, reject(ref, rec.Stage, ErrMissingAttestation, "no valid Build attestation over the sealed measurement")
	}

	sealedHash := cmd.SealedBlob.Hash
	attHash := buildAttestation.StatementHash
	rec.SealedBlob = &sealedHash
	rec.AttestationHash = &attHash
	rec.Stage = StageSealed
	return rec.clone(), nil
}

func (m *Manager) handleActivate(ref Ref, cmd *ActivateCommand) (*Record, *RejectionError) {
	rec, ok := m.records[ref]
	if !ok {
		return nil, reject(ref, StageAbsent, ErrNotRegistered, "activate requires a prior register")
	}
	if rec.Stage != StageSealed && rec.Stage != StageActive {
		return nil, reject(ref, rec.Stage, ErrStageIllegal, fmt.Sprintf("activate requires stage Sealed or Active, found %s", rec.Stage))
	}
	if rec.SealedBlob == nil || rec.AttestationHash == nil {
		return nil, reject(ref, rec.Stage, ErrMissingAttestation, "activate requires sealed_blob and attestation already present")
	}
	if len(cmd.PolicyTags) > 0 {
		rec.PolicyTags = append([]string(nil), cmd.PolicyTags...)
	}
	rec.ActivePolicy = cmd.Policy
	rec.Stage = StageActive
	return rec.clone(), nil
}

func (m *Manager) handleRetire(ref Ref, cmd *RetireCommand) (*Record, *RejectionError) {
	rec, ok := m.records[ref]
	if !ok {
		return nil, reject(ref, StageAbsent, ErrNotRegistered, "retire requires a prior register")
	}
	if rec.Stage == StageRetired {
		return nil, reject(ref, rec.Stage, ErrStageIllegal, "already retired")
	}
	rec.Stage = StageRetired
	rec.LastError = cmd.Reason
	return rec.clone(), nil
}

func (m *Manager) handleInvocation(ref Ref, cmd *InvocationRequest) (*Record, *RejectionError) {
	rec, ok := m.records[ref]
	if !ok {
		return nil, reject(ref, StageAbsent, ErrNotRegistered, "invocation target does not exist")
	}
	if rec.Stage != StageActive {
		return nil, reject(ref, rec.Stage, ErrStageIllegal, fmt.Sprintf("invocation requires stage Active, found %s", rec.Stage))
	}
	if rec.SealedBlob == nil || rec.AttestationHash == nil {
		return nil, reject(ref, rec.Stage, ErrMissingAttestation, "invocation target is missing sealed_blob or attestation")
	}
	if rec.ActivePolicy != nil {
		if cmd.PolicyRef == nil || *cmd.PolicyRef != *rec.ActivePolicy {
			return nil, reject(ref, rec.Stage, ErrPolicyMismatch, "invocation policy reference does not match the active policy")
		}
	}
	if missing := missingTags(rec.PolicyTags, cmd.PolicyTags); len(missing) > 0 {
		return nil, reject(ref, rec.Stage, ErrPolicyTagsMissing,
			fmt.Sprintf("invocation policy_tags missing required tags: %s", strings.Join(missing, ", ")))
	}
	// Admission granted: silent pass-through, no envelope produced.
	return rec.clone(), nil
}
