// Package qc implements quorum-certificate aggregation and
// verification (C5): collecting per-finalizer BLS votes behind a
// bitset, checking weight against a policy's threshold, and verifying
// the resulting aggregate against a proposal id.
package qc

import (
	"crypto/subtle"
	"errors"
	"fmt"

	bitsetpkg "github.com/bits-and-blooms/bitset"

	"github.com/certen/instant-finality/pkg/bls"
	"github.com/certen/instant-finality/pkg/digest"
	"github.com/certen/instant-finality/pkg/policy"
)

// QC is a finished quorum certificate: the proposal it attests to, the
// bitset of signing finalizer indices, and the aggregate BLS signature.
type QC struct {
	ProposalID       digest.Digest
	ActiveFinalizers *bitsetpkg.BitSet
	AggSig           *bls.Signature
}

// Verify checks a finished QC against p: the aggregate signature must
// verify over ProposalID against the aggregate of the signing
// finalizers' public keys, and their combined weight must meet the
// policy's threshold. It never panics; any malformed input yields
// false.
func Verify(q *QC, p *policy.Policy) bool {
	if q == nil || q.ActiveFinalizers == nil || q.AggSig == nil || p == nil {
		return false
	}
	if int(q.ActiveFinalizers.Len()) != p.Len() {
		return false
	}

	var (
		pks    []*bls.PublicKey
		weight uint64
	)
	for i := 0; i < p.Len(); i++ {
		if !q.ActiveFinalizers.Test(uint(i)) {
			continue
		}
		pks = append(pks, p.Finalizers[i].PublicKey)
		weight += p.WeightOf(i)
	}
	if len(pks) == 0 || weight < p.Threshold {
		return false
	}

	aggPk, err := bls.Aggregate(pks)
	if err != nil {
		return false
	}
	return bls.Verify(aggPk, q.ProposalID[:], q.AggSig)
}

// AddVoteResult is the outcome of Builder.AddVote.
type AddVoteResult int

const (
	// Added means the vote was new, valid, and has been folded into the
	// running aggregate.
	Added AddVoteResult = iota
	// Duplicate means the finalizer's bit was already set; the call was
	// a no-op.
	Duplicate
	// UnknownFinalizer means the index is out of range, or the supplied
	// public key does not match the policy's finalizer at that index.
	UnknownFinalizer
	// BadSignature means the single-vote signature failed to verify.
	BadSignature
)

func (r AddVoteResult) String() string {
	switch r {
	case Added:
		return "Added"
	case Duplicate:
		return "Duplicate"
	case UnknownFinalizer:
		return "UnknownFinalizer"
	case BadSignature:
		return "BadSignature"
	default:
		return "Unknown"
	}
}

// ErrNoStrongQuorum is returned by Finalize when the strong set has not
// yet met the policy threshold.
var ErrNoStrongQuorum = errors.New("qc: no strong quorum")

// Builder accumulates votes for a single target proposal against a
// fixed policy, tracking strong and weak vote sets independently. Not
// safe for concurrent use by multiple goroutines; the hotstuff package
// serializes access to it under the consensus mutex.
type Builder struct {
	targetProposalID digest.Digest
	policy           *policy.Policy

	strongBits *bitsetpkg.BitSet
	weakBits   *bitsetpkg.BitSet

	strongSig    *bls.Signature
	weakSig      *bls.Signature
	strongWeight uint64
	weakWeight   uint64
}

// NewBuilder starts an empty aggregation round for targetProposalID
// against p.
func NewBuilder(targetProposalID digest.Digest, p *policy.Policy) *Builder {
	n := uint(p.Len())
	return &Builder{
		targetProposalID: targetProposalID,
		policy:           p,
		strongBits:       bitsetpkg.New(n),
		weakBits:         bitsetpkg.New(n),
	}
}

// AddVote verifies and records a single finalizer's vote, returning
// Added exactly once per (strong/weak, finalizerIndex) pair; repeat
// calls for an already-recorded index return Duplicate without
// touching the aggregate, per property 8.
func (b *Builder) AddVote(strong bool, finalizerIndex uint32, pk *bls.PublicKey, sig *bls.Signature) AddVoteResult {
	return b.addVote(strong, finalizerIndex, pk, sig, true)
}

// AddVerifiedVote records a vote whose signature has already been
// checked by the caller (typically off the consensus mutex, on a
// bounded verification worker pool per §5) — it performs every check
// AddVote does except the BLS pairing itself. Passing a vote that was
// never actually verified defeats the point of the split and is the
// caller's bug to avoid, not this method's to catch.
func (b *Builder) AddVerifiedVote(strong bool, finalizerIndex uint32, pk *bls.PublicKey, sig *bls.Signature) AddVoteResult {
	return b.addVote(strong, finalizerIndex, pk, sig, false)
}

func (b *Builder) addVote(strong bool, finalizerIndex uint32, pk *bls.PublicKey, sig *bls.Signature, verify bool) AddVoteResult {
	if int(finalizerIndex) >= b.policy.Len() {
		return UnknownFinalizer
	}
	want := b.policy.Finalizers[finalizerIndex].PublicKey
	if subtle.ConstantTimeCompare(pk.Bytes(), want.Bytes()) != 1 {
		return UnknownFinalizer
	}

	bits := b.bitsFor(strong)
	if bits.Test(uint(finalizerIndex)) {
		return Duplicate
	}

	if verify && !bls.Verify(pk, b.targetProposalID[:], sig) {
		return BadSignature
	}

	bits.Set(uint(finalizerIndex))
	b.addToAggregate(strong, sig)
	weight := b.policy.WeightOf(int(finalizerIndex))
	if strong {
		b.strongWeight += weight
	} else {
		b.weakWeight += weight
	}
	return Added
}

func (b *Builder) bitsFor(strong bool) *bitsetpkg.BitSet {
	if strong {
		return b.strongBits
	}
	return b.weakBits
}

func (b *Builder) addToAggregate(strong bool, sig *bls.Signature) {
	if strong {
		b.strongSig = accumulate(b.strongSig, sig)
		return
	}
	b.weakSig = accumulate(b.weakSig, sig)
}

func accumulate(running, next *bls.Signature) *bls.Signature {
	if running == nil {
		return next
	}
	agg, err := bls.AggregateSignatures([]*bls.Signature{running, next})
	if err != nil {
		// Aggregation of two already-valid signatures cannot fail; if it
		// somehow does, keep the prior aggregate rather than panic.
		return running
	}
	return agg
}

// IsQuorum reports whether the strong (or weak) set's accumulated
// weight has reached the policy threshold. Adding more valid votes
// never decreases the reported weight (property 7).
func (b *Builder) IsQuorum(strong bool) bool {
	if strong {
		return b.strongWeight >= b.policy.Threshold
	}
	return b.weakWeight >= b.policy.Threshold
}

// StrongWeight and WeakWeight report the running totals, for
// diagnostics and tests.
func (b *Builder) StrongWeight() uint64 { return b.strongWeight }
func (b *Builder) WeakWeight() uint64   { return b.weakWeight }

// Finalize publishes the strong aggregate as a QC. The weak set is
// retained only for diagnostics and is never published on-chain.
func (b *Builder) Finalize() (*QC, error) {
	if !b.IsQuorum(true) {
		return nil, fmt.Errorf("%w: weight=%d threshold=%d", ErrNoStrongQuorum, b.strongWeight, b.policy.Threshold)
	}
	return &QC{
		ProposalID:       b.targetProposalID,
		ActiveFinalizers: b.strongBits.Clone(),
		AggSig:           b.strongSig,
	}, nil
}
