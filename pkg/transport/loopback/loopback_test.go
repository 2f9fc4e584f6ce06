package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/ledger"
	"github.com/Mindburn-Labs/ealedger/pkg/registry"
	"github.com/Mindburn-Labs/ealedger/pkg/transport"
	"github.com/stretchr/testify/require"
)

func TestLoopbackAppendDelegatesValidation(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	reg := registry.New()
	reg.Set("m.io", registry.Policy{MinSigners: 1, AllowedSigners: []string{signer.PublicKeyHex()}})
	log := ledger.NewInMemoryLog(reg)

	lb, err := New(log, nil)
	require.NoError(t, err)

	env, err := envelope.New("m.io", "v1", crypto.Hash{}, envelope.Body{Payload: "x"}, time.Unix(1, 0))
	require.NoError(t, err)
	env, err = envelope.Sign(env, signer)
	require.NoError(t, err)

	idx, _, err := lb.Append(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	envs, err := lb.Read(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
}

func TestLoopbackRejectsFailedHandshake(t *testing.T) {
	reg := registry.New()
	log := ledger.NewInMemoryLog(reg)
	bad := transport.AttestationHandshake{ExpectedRuntimeID: "r1"} // no evidence presented
	_, err := New(log, &bad)
	require.Error(t, err)
}
