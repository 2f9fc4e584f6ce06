// Package merkle builds the Merkle tree over ledger envelope hashes,
// recomputing it from the leaves on each call, and produces/verifies
// inclusion receipts against it.
package merkle

import (
	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
)

// Receipt is an inclusion proof for one leaf at a stated tree length.
type Receipt struct {
	LeafIndex int           `json:"leaf_index"`
	LeafCount int           `json:"leaf_count"`
	LeafHash  crypto.Hash   `json:"leaf_hash"`
	Root      crypto.Hash   `json:"root"`
	Path      []ProofStep   `json:"path"`
}

// ProofStep is one level of an inclusion path: the sibling hash and which
// side of the parent node it occupies.
type ProofStep struct {
	Side    Side        `json:"side"`
	Sibling crypto.Hash `json:"sibling"`
}

// Side identifies whether a sibling hash is the left or right child when
// folding toward the root.
type Side string

const (
	SideLeft  Side = "L"
	SideRight Side = "R"
)

// NodeHash computes the interior-node hash H(DomainMerkle || left || right).
func NodeHash(left, right crypto.Hash) crypto.Hash {
	return crypto.Sum(crypto.DomainMerkle, left.Bytes(), right.Bytes())
}

// Root computes the Merkle root over leaves in order. Odd nodes at any
// level are paired with themselves. An empty leaf set has the zero hash
// as its root.
func Root(leaves []crypto.Hash) crypto.Hash {
	if len(leaves) == 0 {
		return crypto.Hash{}
	}
	level := make([]crypto.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		level = foldLevel(level)
	}
	return level[0]
}

func foldLevel(level []crypto.Hash) []crypto.Hash {
	next := make([]crypto.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, NodeHash(left, right))
	}
	return next
}

// ReceiptFor recomputes the inclusion path for leaves[index] over the full
// leaf set, as the ledger does whenever receipt_for(index) is called — the
// tree is never required to be kept in a separately persisted proof form.
func ReceiptFor(leaves []crypto.Hash, index int) (Receipt, bool) {
	if index < 0 || index >= len(leaves) {
		return Receipt{}, false
	}
	level := make([]crypto.Hash, len(leaves))
	copy(level, leaves)

	receipt := Receipt{
		LeafIndex: index,
		LeafCount: len(leaves),
		LeafHash:  leaves[index],
	}

	pos := index
	for len(level) > 1 {
		var step ProofStep
		if pos%2 == 0 {
			siblingPos := pos + 1
			if siblingPos >= len(level) {
				siblingPos = pos
			}
			step = ProofStep{Side: SideRight, Sibling: level[siblingPos]}
		} else {
			step = ProofStep{Side: SideLeft, Sibling: level[pos-1]}
		}
		receipt.Path = append(receipt.Path, step)
		level = foldLevel(level)
		pos = pos / 2
	}
	receipt.Root = level[0]
	return receipt, true
}

// Verify folds receipt.LeafHash through receipt.Path and checks the result
// equals receipt.Root (and, if expectedRoot is non-zero, that it also
// equals expectedRoot).
func Verify(receipt Receipt, expectedRoot crypto.Hash) bool {
	if !expectedRoot.IsZero() && receipt.Root != expectedRoot {
		return false
	}
	current := receipt.LeafHash
	for _, step := range receipt.Path {
		switch step.Side {
		case SideLeft:
			current = NodeHash(step.Sibling, current)
		case SideRight:
			current = NodeHash(current, step.Sibling)
		default:
			return false
		}
	}
	return current == receipt.Root
}
