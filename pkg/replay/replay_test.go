package replay

import (
	"testing"
	"time"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/registry"
	"github.com/stretchr/testify/require"
)

func signedEnvelope(t *testing.T, signer *crypto.Ed25519Signer, channel string, prev crypto.Hash, ts time.Time) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(channel, "v1", prev, envelope.Body{Payload: "x"}, ts)
	require.NoError(t, err)
	env, err = envelope.Sign(env, signer)
	require.NoError(t, err)
	return env
}

func TestValidateEnvelopeHappyPathChain(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)

	reg := registry.New()
	reg.Set("m.io", registry.Policy{
		MinSigners:               1,
		AllowedSigners:           []string{pubHex(signer)},
		EnforceTimestampOrdering: true,
	})

	state := ChannelState{}
	base := time.Unix(1, 0)
	for i := 0; i < 3; i++ {
		env := signedEnvelope(t, signer, "m.io", state.LastHash, base.Add(time.Duration(i)*time.Second))
		var err error
		state, err = ValidateEnvelope(env, reg, state)
		require.NoError(t, err)
	}
	require.True(t, state.HasTail)
}

func TestValidateEnvelopeRejectsBadChain(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	reg := registry.New()
	reg.Set("m.io", registry.Policy{MinSigners: 1})

	env := signedEnvelope(t, signer, "m.io", crypto.Hash{}, time.Now())
	state, err := ValidateEnvelope(env, reg, ChannelState{})
	require.NoError(t, err)

	bogus := signedEnvelope(t, signer, "m.io", crypto.Hash{}, time.Now())
	_, err = ValidateEnvelope(bogus, reg, state)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindChainMismatch, verr.Kind)
}

func TestValidateEnvelopeRequiresAttestation(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	reg := registry.New()
	reg.Set("m.io", registry.Policy{MinSigners: 1, RequireAttestations: true})

	env := signedEnvelope(t, signer, "m.io", crypto.Hash{}, time.Now())
	_, err = ValidateEnvelope(env, reg, ChannelState{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindAttestationRequired, verr.Kind)
}

func TestValidateEnvelopeTimestampRegression(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	reg := registry.New()
	reg.Set("m.io", registry.Policy{MinSigners: 1, EnforceTimestampOrdering: true})

	first := signedEnvelope(t, signer, "m.io", crypto.Hash{}, time.Unix(10, 0))
	state, err := ValidateEnvelope(first, reg, ChannelState{})
	require.NoError(t, err)

	second := signedEnvelope(t, signer, "m.io", state.LastHash, time.Unix(5, 0))
	_, err = ValidateEnvelope(second, reg, state)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindTimestampRegression, verr.Kind)
}

func pubHex(s *crypto.Ed25519Signer) string {
	return s.PublicKeyHex()
}
