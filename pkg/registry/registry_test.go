package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
)

func TestGetUnknownChannel(t *testing.T) {
	r := New()
	_, err := r.Get("m.io")
	require.ErrorIs(t, err, ErrUnknownChannel)
}

func TestAllowsSigner(t *testing.T) {
	p := Policy{AllowedSigners: []string{"aa", "bb"}}
	require.True(t, p.AllowsSigner("aa"))
	require.False(t, p.AllowsSigner("cc"))

	open := Policy{}
	require.True(t, open.AllowsSigner("anything"))
}

func TestAllowsSignerConsultsKeyRing(t *testing.T) {
	s1, err := crypto.NewEd25519Signer("k1")
	require.NoError(t, err)
	s2, err := crypto.NewEd25519Signer("k2")
	require.NoError(t, err)

	ring := crypto.NewKeyRing()
	ring.Add(s1)

	p := Policy{
		AllowedSigners: []string{s1.PublicKeyHex(), s2.PublicKeyHex()},
		SignerKeyRing:  ring,
	}
	require.True(t, p.AllowsSigner(s1.PublicKeyHex()))
	// s2 is on the static allow-list but was never added to the ring.
	require.False(t, p.AllowsSigner(s2.PublicKeyHex()))

	ring.Add(s2)
	require.True(t, p.AllowsSigner(s2.PublicKeyHex()))

	ring.Revoke(s1.KeyID())
	require.False(t, p.AllowsSigner(s1.PublicKeyHex()))
}

func TestSetAndGet(t *testing.T) {
	r := New()
	r.Set("m.io", Policy{MinSigners: 1})
	p, err := r.Get("m.io")
	require.NoError(t, err)
	require.Equal(t, 1, p.MinSigners)
}
