package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/registry"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) (*InMemoryLog, *crypto.Ed25519Signer) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	reg := registry.New()
	reg.Set("m.io", registry.Policy{
		MinSigners:               1,
		AllowedSigners:           []string{signer.PublicKeyHex()},
		EnforceTimestampOrdering: true,
	})
	return NewInMemoryLog(reg), signer
}

func sign(t *testing.T, signer *crypto.Ed25519Signer, prev crypto.Hash, ts time.Time) envelope.Envelope {
	t.Helper()
	env, err := envelope.New("m.io", "v1", prev, envelope.Body{Payload: "x"}, ts)
	require.NoError(t, err)
	env, err = envelope.Sign(env, signer)
	require.NoError(t, err)
	return env
}

func TestAppendAndReceipt(t *testing.T) {
	log, signer := newTestLog(t)
	ctx := context.Background()
	var prev crypto.Hash
	base := time.Unix(1, 0)

	for i := 0; i < 3; i++ {
		env := sign(t, signer, prev, base.Add(time.Duration(i)*time.Second))
		idx, receipt, err := log.Append(ctx, env)
		require.NoError(t, err)
		require.Equal(t, i, idx)
		require.True(t, receipt.Root == log.Root())
		h, err := envelope.EnvelopeHash(env)
		require.NoError(t, err)
		prev = h
	}
	require.Equal(t, 3, log.Len())

	r, ok := log.ReceiptFor(1)
	require.True(t, ok)
	require.True(t, require.ObjectsAreEqual(r.Root, log.Root()))
}

func TestBackpressureBlocksAppend(t *testing.T) {
	log, signer := newTestLog(t)
	ctx := context.Background()
	sub, err := log.Subscribe(1)
	require.NoError(t, err)

	env1 := sign(t, signer, crypto.Hash{}, time.Unix(1, 0))
	_, _, err = log.Append(ctx, env1)
	require.NoError(t, err)

	h1, err := envelope.EnvelopeHash(env1)
	require.NoError(t, err)
	env2 := sign(t, signer, h1, time.Unix(2, 0))
	_, _, err = log.Append(ctx, env2)
	require.ErrorIs(t, err, ErrBackpressure)

	<-sub.Envelopes() // drain one
	_, _, err = log.Append(ctx, env2)
	require.NoError(t, err)
}

func TestReadRange(t *testing.T) {
	log, signer := newTestLog(t)
	ctx := context.Background()
	env := sign(t, signer, crypto.Hash{}, time.Unix(1, 0))
	_, _, err := log.Append(ctx, env)
	require.NoError(t, err)

	out, err := log.Read(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
}
