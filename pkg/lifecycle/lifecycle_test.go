package lifecycle

import (
	"context"
	"testing"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/events"
	"github.com/stretchr/testify/require"
)

func buildAttestation(t *testing.T, signer *crypto.Ed25519Signer, measurement crypto.Hash) envelope.Attestation {
	t.Helper()
	stmt := envelope.Statement{Kind: envelope.AttestationBuild, ArtifactHash: measurement}
	h, err := envelope.StatementHash(stmt)
	require.NoError(t, err)
	sig := signer.Sign(h.Bytes())
	return envelope.Attestation{
		Statement:     stmt,
		StatementHash: h,
		IssuerKeyID:   signer.KeyID(),
		IssuerPubKey:  signer.PublicKeyHex(),
		Signature:     sig,
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	mgr := NewManager(nil, nil)
	ref := Ref{ID: "muscle.sum", Version: "v1"}
	measurement := crypto.Sum(crypto.DomainBody, []byte("wasm-bytes"))

	rec, rej := mgr.Handle(context.Background(), Command{
		Kind: CommandRegister,
		Ref:  ref,
		Register: &RegisterCommand{
			Measurement: measurement,
			PolicyTags:  []string{"tenant:a"},
		},
	})
	require.Nil(t, rej)
	require.Equal(t, StageRegistered, rec.Stage)

	att := buildAttestation(t, signer, measurement)
	rec, rej = mgr.Handle(context.Background(), Command{
		Kind: CommandSeal,
		Ref:  ref,
		Seal: &SealCommand{
			SealedBlob:   events.ContentRef{Hash: measurement},
			Measurement:  measurement,
			Attestations: []envelope.Attestation{att},
		},
	})
	require.Nil(t, rej)
	require.Equal(t, StageSealed, rec.Stage)

	rec, rej = mgr.Handle(context.Background(), Command{
		Kind:     CommandActivate,
		Ref:      ref,
		Activate: &ActivateCommand{PolicyTags: []string{"tenant:a", "region:eu"}},
	})
	require.Nil(t, rej)
	require.Equal(t, StageActive, rec.Stage)

	_, rej = mgr.Handle(context.Background(), Command{
		Kind: CommandInvocationRequest,
		Ref:  ref,
		Invocation: &InvocationRequest{
			PolicyTags: []string{"tenant:a", "region:eu", "extra:tag"},
		},
	})
	require.Nil(t, rej)
}

func TestLifecycleRejectsUnderTaggedInvocation(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	mgr := NewManager(nil, nil)
	ref := Ref{ID: "muscle.sum", Version: "v1"}
	measurement := crypto.Sum(crypto.DomainBody, []byte("wasm-bytes"))

	_, rej := mgr.Handle(context.Background(), Command{
		Kind:     CommandRegister,
		Ref:      ref,
		Register: &RegisterCommand{Measurement: measurement, PolicyTags: []string{"tenant:a", "region:eu"}},
	})
	require.Nil(t, rej)

	att := buildAttestation(t, signer, measurement)
	_, rej = mgr.Handle(context.Background(), Command{
		Kind: CommandSeal,
		Ref:  ref,
		Seal: &SealCommand{
			SealedBlob:   events.ContentRef{Hash: measurement},
			Measurement:  measurement,
			Attestations: []envelope.Attestation{att},
		},
	})
	require.Nil(t, rej)

	_, rej = mgr.Handle(context.Background(), Command{
		Kind:     CommandActivate,
		Ref:      ref,
		Activate: &ActivateCommand{},
	})
	require.Nil(t, rej)

	_, rej = mgr.Handle(context.Background(), Command{
		Kind: CommandInvocationRequest,
		Ref:  ref,
		Invocation: &InvocationRequest{
			PolicyTags: []string{"tenant:a"},
		},
	})
	require.NotNil(t, rej)
	require.Equal(t, ErrPolicyTagsMissing, rej.Kind)
	require.Equal(t, StageActive, rej.Stage)
	require.Contains(t, rej.Detail, "region:eu")
	require.NotContains(t, rej.Detail, "tenant:a")
}

func TestLifecycleRejectsMeasurementMismatchOnReRegister(t *testing.T) {
	mgr := NewManager(nil, nil)
	ref := Ref{ID: "muscle.sum", Version: "v1"}
	m1 := crypto.Sum(crypto.DomainBody, []byte("wasm-v1"))
	m2 := crypto.Sum(crypto.DomainBody, []byte("wasm-v2"))

	_, rej := mgr.Handle(context.Background(), Command{
		Kind:     CommandRegister,
		Ref:      ref,
		Register: &RegisterCommand{Measurement: m1},
	})
	require.Nil(t, rej)

	_, rej = mgr.Handle(context.Background(), Command{
		Kind:     CommandRegister,
		Ref:      ref,
		Register: &RegisterCommand{Measurement: m2},
	})
	require.NotNil(t, rej)
	require.Equal(t, ErrMeasurementMismatch, rej.Kind)
}

func TestLifecycleReRegisterIsIdempotent(t *testing.T) {
	mgr := NewManager(nil, nil)
	ref := Ref{ID: "muscle.sum", Version: "v1"}
	m := crypto.Sum(crypto.DomainBody, []byte("wasm-v1"))

	_, rej := mgr.Handle(context.Background(), Command{
		Kind:     CommandRegister,
		Ref:      ref,
		Register: &RegisterCommand{Measurement: m, PolicyTags: []string{"a"}},
	})
	require.Nil(t, rej)

	rec, rej := mgr.Handle(context.Background(), Command{
		Kind:     CommandRegister,
		Ref:      ref,
		Register: &RegisterCommand{Measurement: m, PolicyTags: []string{"a", "b"}},
	})
	require.Nil(t, rej)
	require.Equal(t, []string{"a", "b"}, rec.PolicyTags)
}

func TestLifecycleRetiredIsTerminal(t *testing.T) {
	mgr := NewManager(nil, nil)
	ref := Ref{ID: "muscle.sum", Version: "v1"}
	m := crypto.Sum(crypto.DomainBody, []byte("wasm-v1"))

	_, rej := mgr.Handle(context.Background(), Command{
		Kind:     CommandRegister,
		Ref:      ref,
		Register: &RegisterCommand{Measurement: m},
	})
	require.Nil(t, rej)

	_, rej = mgr.Handle(context.Background(), Command{
		Kind:   CommandRetire,
		Ref:    ref,
		Retire: &RetireCommand{Reason: "decommissioned"},
	})
	require.Nil(t, rej)

	_, rej = mgr.Handle(context.Background(), Command{
		Kind:     CommandRegister,
		Ref:      ref,
		Register: &RegisterCommand{Measurement: m},
	})
	require.NotNil(t, rej)
	require.Equal(t, ErrStageIllegal, rej.Kind)
}

func TestLifecycleSealRejectsMismatchedAttestation(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	mgr := NewManager(nil, nil)
	ref := Ref{ID: "muscle.sum", Version: "v1"}
	measurement := crypto.Sum(crypto.DomainBody, []byte("wasm-bytes"))
	other := crypto.Sum(crypto.DomainBody, []byte("different-bytes"))

	_, rej := mgr.Handle(context.Background(), Command{
		Kind:     CommandRegister,
		Ref:      ref,
		Register: &RegisterCommand{Measurement: measurement},
	})
	require.Nil(t, rej)

	att := buildAttestation(t, signer, other)
	_, rej = mgr.Handle(context.Background(), Command{
		Kind: CommandSeal,
		Ref:  ref,
		Seal: &SealCommand{
			SealedBlob:   events.ContentRef{Hash: measurement},
			Measurement:  measurement,
			Attestations: []envelope.Attestation{att},
		},
	})
	require.NotNil(t, rej)
	require.Equal(t, ErrMissingAttestation, rej.Kind)
}
