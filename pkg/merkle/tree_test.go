package merkle

import (
	"testing"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/stretchr/testify/require"
)

func leafHash(s string) crypto.Hash {
	return crypto.Sum(crypto.DomainEnvelope, []byte(s))
}

func TestRootEmpty(t *testing.T) {
	require.True(t, Root(nil).IsZero())
}

func TestReceiptRoundTrip(t *testing.T) {
	leaves := []crypto.Hash{leafHash("a"), leafHash("b"), leafHash("c")}
	root := Root(leaves)

	for i := range leaves {
		receipt, ok := ReceiptFor(leaves, i)
		require.True(t, ok)
		require.Equal(t, root, receipt.Root)
		require.True(t, Verify(receipt, root))
	}
}

func TestReceiptSingleLeafIsRoot(t *testing.T) {
	leaves := []crypto.Hash{leafHash("only")}
	root := Root(leaves)
	require.Equal(t, leaves[0], root, "single leaf is its own root")

	receipt, ok := ReceiptFor(leaves, 0)
	require.True(t, ok)
	require.Empty(t, receipt.Path)
	require.True(t, Verify(receipt, root))
}

func TestVerifyRejectsTamperedSibling(t *testing.T) {
	leaves := []crypto.Hash{leafHash("a"), leafHash("b")}
	root := Root(leaves)
	receipt, ok := ReceiptFor(leaves, 0)
	require.True(t, ok)

	receipt.Path[0].Sibling = leafHash("tampered")
	require.False(t, Verify(receipt, root))
}

func TestMonotoneRoot(t *testing.T) {
	var leaves []crypto.Hash
	var roots []crypto.Hash
	for i := 0; i < 5; i++ {
		leaves = append(leaves, leafHash(string(rune('a'+i))))
		roots = append(roots, Root(leaves))
	}
	// Root at length N is purely a function of the first N hashes: recomputing
	// from scratch over a prefix must match the root recorded at that length.
	for n := 1; n <= len(leaves); n++ {
		require.Equal(t, roots[n-1], Root(leaves[:n]))
	}
}
