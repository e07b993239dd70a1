// Package policy implements the finalizer authority set and the
// weight-threshold policy that governs quorum decisions (C4).
//
// Resolves Open Question 3 from §9: the original source carries two
// near-identical shapes (finalizer_set/fthreshold and
// finalizer_policy/threshold); only the finalizer_policy shape survives
// here as Policy.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/certen/instant-finality/pkg/bls"
)

// ErrThresholdOutOfRange is returned by New when the supplied threshold
// does not satisfy Σweight/2 < threshold <= Σweight.
var ErrThresholdOutOfRange = errors.New("policy: threshold out of range")

// Finalizer is a single BFT voter: a description, a vote weight, and
// the BLS public key it signs with.
type Finalizer struct {
	Description string
	Weight      uint64
	PublicKey   *bls.PublicKey
}

// Policy is an immutable, versioned finalizer set with a single weight
// threshold. Two successive generations may share members; member
// indices are only stable within one Policy value.
type Policy struct {
	Generation uint32
	Threshold  uint64
	Finalizers []Finalizer

	// index is a byte-sorted lookup table built once at New, mapping a
	// finalizer's serialized public key to its position in Finalizers.
	index []keyIndexEntry
}

type keyIndexEntry struct {
	key   []byte
	index int
}

// New builds an immutable Policy, validating that the threshold is a
// BFT-safe majority of the total weight (more than half, never more
// than the total). The canonical instantiation requires > 2/3; this
// constructor only enforces the weaker bound the wire format itself
// must satisfy and stores the caller's chosen threshold verbatim, per
// §3's data model.
func New(generation uint32, threshold uint64, finalizers []Finalizer) (*Policy, error) {
	var total uint64
	for _, f := range finalizers {
		total += f.Weight
	}
	if threshold <= total/2 || threshold > total {
		return nil, fmt.Errorf("%w: threshold=%d total_weight=%d", ErrThresholdOutOfRange, threshold, total)
	}

	p := &Policy{
		Generation: generation,
		Threshold:  threshold,
		Finalizers: append([]Finalizer(nil), finalizers...),
	}

	p.index = make([]keyIndexEntry, len(p.Finalizers))
	for i, f := range p.Finalizers {
		p.index[i] = keyIndexEntry{key: f.PublicKey.Bytes(), index: i}
	}
	sort.Slice(p.index, func(i, j int) bool {
		return bytes.Compare(p.index[i].key, p.index[j].key) < 0
	})

	return p, nil
}

// Len returns the number of finalizers in the policy.
func (p *Policy) Len() int {
	return len(p.Finalizers)
}

// TotalWeight returns the sum of every finalizer's weight.
func (p *Policy) TotalWeight() uint64 {
	var total uint64
	for _, f := range p.Finalizers {
		total += f.Weight
	}
	return total
}

// ByKey returns the index of the finalizer whose public key matches pk,
// in O(log n) via binary search over the key-sorted index built at New.
func (p *Policy) ByKey(pk *bls.PublicKey) (int, bool) {
	target := pk.Bytes()
	n := len(p.index)
	i := sort.Search(n, func(i int) bool {
		return bytes.Compare(p.index[i].key, target) >= 0
	})
	if i < n && bytes.Equal(p.index[i].key, target) {
		return p.index[i].index, true
	}
	return 0, false
}

// WeightOf returns the weight of the finalizer at index i, or 0 if i is
// out of range.
func (p *Policy) WeightOf(i int) uint64 {
	if i < 0 || i >= len(p.Finalizers) {
		return 0
	}
	return p.Finalizers[i].Weight
}
