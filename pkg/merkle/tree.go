// Package merkle implements the incremental Merkle accumulator (C3),
// its batch equivalent, and the legacy duplicate-last-odd Merkle scheme
// (C9) used during the transition to the power-of-two Savanna scheme.
//
// The incremental Tree is grounded on the teacher's sync.RWMutex-guarded
// Tree (pkg/merkle/tree.go in the teacher repo) but generalized from a
// from-scratch batch build to a logarithmic-space append accumulator:
// single-owner, no internal locking, matching the "Incremental Merkle
// instances: single-owner; no internal locking" resource policy.
package merkle

import (
	"math/bits"

	"github.com/certen/instant-finality/pkg/digest"
)

// Tree is a logarithmic-space, append-only Merkle accumulator. The zero
// value is a valid empty tree. Not safe for concurrent use: callers
// that need to share a Tree across goroutines must provide their own
// synchronization, matching the single-owner resource policy of §5.
type Tree struct {
	mask  uint64
	trees []digest.Digest
}

// New returns an empty incremental Merkle tree.
func New() *Tree {
	return &Tree{}
}

// Len reports the number of power-of-two subtrees currently held,
// popcount(mask), which always equals len(trees). It is not the number
// of leaves appended.
func (t *Tree) Len() int {
	return bits.OnesCount64(t.mask)
}

func (t *Tree) isBitSet(idx int) bool {
	return t.mask&(uint64(1)<<uint(idx)) != 0
}

func (t *Tree) setBit(idx int) {
	t.mask |= uint64(1) << uint(idx)
}

func (t *Tree) clearBit(idx int) {
	t.mask &^= uint64(1) << uint(idx)
}

// Append adds d to the accumulator. Amortized O(1), worst case O(log n).
func (t *Tree) Append(d digest.Digest) {
	t.append(d, len(t.trees), 0)
}

// append mirrors the incremental_merkle_tree::_append recursion: slot is
// the insertion point within trees (digests ordered largest subtree
// first, smallest last), idx is the current bit position being
// examined.
func (t *Tree) append(d digest.Digest, slot, idx int) {
	if t.isBitSet(idx) {
		if !t.isBitSet(idx + 1) {
			// The next slot up is empty: fold d into the current tail
			// tree and promote it one level.
			t.trees[slot-1] = digest.Combine(t.trees[slot-1], d)
			t.clearBit(idx)
			t.setBit(idx + 1)
			return
		}
		// Both idx and idx+1 are occupied: combine the two tail trees
		// with d into a single digest and recurse two levels up.
		combined := digest.Combine(t.trees[slot-2], digest.Combine(t.trees[slot-1], d))
		t.clearBit(idx)
		t.clearBit(idx + 1)
		t.trees = append(t.trees[:slot-2], t.trees[slot:]...)
		t.append(combined, slot-2, idx+2)
		return
	}

	// Bit idx is free: insert d at the current slot.
	t.trees = append(t.trees, digest.Zero)
	copy(t.trees[slot+1:], t.trees[slot:])
	t.trees[slot] = d
	t.setBit(idx)
}

// Root returns the Merkle root over every digest appended so far, or
// the zero digest if the tree is empty.
func (t *Tree) Root() digest.Digest {
	if t.mask == 0 {
		return digest.Zero
	}
	return t.rootFrom(0)
}

func (t *Tree) rootFrom(idx int) digest.Digest {
	if idx+1 == len(t.trees) {
		return t.trees[idx]
	}
	return digest.Combine(t.trees[idx], t.rootFrom(idx+1))
}
