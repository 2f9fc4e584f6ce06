package store

import (
	"testing"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/stretchr/testify/require"
)

func TestContentStorePutGet(t *testing.T) {
	cs, err := NewContentStore(t.TempDir())
	require.NoError(t, err)

	h, err := cs.Put([]byte("hello"))
	require.NoError(t, err)

	got, err := cs.Get(h)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestContentStoreGetMissing(t *testing.T) {
	cs, err := NewContentStore(t.TempDir())
	require.NoError(t, err)
	_, err = cs.Get(crypto.Sum(crypto.DomainBody, []byte("nope")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContentStorePutWithDigestRejectsMismatch(t *testing.T) {
	cs, err := NewContentStore(t.TempDir())
	require.NoError(t, err)
	wrong := crypto.Sum(crypto.DomainBody, []byte("other"))
	err = cs.PutWithDigest(wrong, []byte("hello"))
	require.ErrorIs(t, err, ErrDigestMismatch)
}
