package events

import (
	"testing"
	"time"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/stretchr/testify/require"
)

func TestClassifyIntent(t *testing.T) {
	require.Equal(t, IntentRequest, ClassifyIntent("MuscleInvocationRequest"))
	require.Equal(t, IntentResponse, ClassifyIntent("LifecycleUpdate"))
	require.Equal(t, IntentResponse, ClassifyIntent("SealResponse"))
	require.Equal(t, IntentResponse, ClassifyIntent("ActivationResult"))
	require.Equal(t, IntentNotify, ClassifyIntent("AuditExport"))
}

func TestEventIDDeterministic(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e1, err := New("issuer.a", "aud", crypto.Hash{}, "low", Kind("Notify"), nil, ts)
	require.NoError(t, err)
	e2, err := New("issuer.a", "aud", crypto.Hash{}, "low", Kind("Notify"), nil, ts)
	require.NoError(t, err)
	require.Equal(t, e1.ID, e2.ID)
}

func TestEventIDChangesWithParent(t *testing.T) {
	ts := time.Now()
	parent := crypto.Sum(crypto.DomainEventID, []byte("some-parent"))
	withParent, err := New("issuer.a", "aud", parent, "low", Kind("Notify"), nil, ts)
	require.NoError(t, err)
	withoutParent, err := New("issuer.a", "aud", crypto.Hash{}, "low", Kind("Notify"), nil, ts)
	require.NoError(t, err)
	require.NotEqual(t, withParent.ID, withoutParent.ID)
}

func TestEventRoundTripVerify(t *testing.T) {
	ev, err := New("issuer.a", "aud", crypto.Hash{}, "low", Kind("ConfigUpdate"), map[string]any{"k": "v"}, time.Now())
	require.NoError(t, err)

	body, _ := EncodeBody(ev)
	decoded, ok := body.Payload.(LedgerEvent)
	require.True(t, ok)
	require.NoError(t, Verify(decoded))
}

func TestVerifyRejectsTamperedIntent(t *testing.T) {
	ev, err := New("issuer.a", "aud", crypto.Hash{}, "low", Kind("ConfigUpdate"), nil, time.Now())
	require.NoError(t, err)
	ev.Intent = IntentRequest
	require.Error(t, Verify(ev))
}

func TestVerifyRejectsTamperedID(t *testing.T) {
	ev, err := New("issuer.a", "aud", crypto.Hash{}, "low", Kind("ConfigUpdate"), nil, time.Now())
	require.NoError(t, err)
	ev.ID = crypto.Sum(crypto.DomainEventID, []byte("forged"))
	require.Error(t, Verify(ev))
}
