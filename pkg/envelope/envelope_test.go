package envelope

import (
	"testing"
	"time"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/stretchr/testify/require"
)

func TestBodyHashDeterministic(t *testing.T) {
	b := Body{Payload: map[string]any{"x": 1}, PayloadType: "ea.event.v1"}
	h1, err := BodyHash(b)
	require.NoError(t, err)
	h2, err := BodyHash(b)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestSignAndVerify(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("k1")
	require.NoError(t, err)

	env, err := New("m.io", "v1", crypto.Hash{}, Body{Payload: "hello"}, time.Now())
	require.NoError(t, err)

	env, err = Sign(env, signer)
	require.NoError(t, err)
	require.Len(t, env.Signatures, 1)

	valid, err := VerifySignatures(env)
	require.NoError(t, err)
	require.Contains(t, valid, env.Signatures[0].PublicKey)
}

func TestVerifyRejectsTamperedHeader(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("k1")
	require.NoError(t, err)
	env, err := New("m.io", "v1", crypto.Hash{}, Body{Payload: "hello"}, time.Now())
	require.NoError(t, err)
	env, err = Sign(env, signer)
	require.NoError(t, err)

	env.Header.SchemaVersion = "v2"
	valid, err := VerifySignatures(env)
	require.NoError(t, err)
	require.Empty(t, valid)
}

func TestEnvelopeHashReflectsSignerSet(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("k1")
	require.NoError(t, err)
	env, err := New("m.io", "v1", crypto.Hash{}, Body{Payload: "hello"}, time.Now())
	require.NoError(t, err)

	unsignedHash, err := EnvelopeHash(env)
	require.NoError(t, err)

	env, err = Sign(env, signer)
	require.NoError(t, err)
	signedHash, err := EnvelopeHash(env)
	require.NoError(t, err)

	require.NotEqual(t, unsignedHash, signedHash)
}
