// Package hotstuff implements the QC chain and pacemaker (C7/C8): the
// proposal/vote/new-view state machine, the three-chain commit rule,
// fork-store pruning, leader selection, and the view timer that drives
// liveness. It is the largest component: where C1-C6 provide digest,
// signature, and bookkeeping primitives, this package is where they are
// wired into the actual consensus state machine.
package hotstuff

import (
	"errors"

	"github.com/certen/instant-finality/pkg/bls"
	"github.com/certen/instant-finality/pkg/digest"
	"github.com/certen/instant-finality/pkg/qc"
)

// Proposal is a block's consensus-relevant header (Π in §3). ProposalID
// is computed by the host over the full block header, Merkle
// commitments, and Justify's proposal id — that computation lives
// outside this package's scope (§1: transaction execution, ABI, and
// header serialization are host concerns).
type Proposal struct {
	ProposalID   digest.Digest
	BlockNum     uint64
	ParentID     digest.Digest
	PhaseCounter uint8
	// Justify is the QC the proposal extends; nil only for the genesis
	// proposal.
	Justify *qc.QC
	// JustifyTargetHeight is the block number of Justify's target
	// proposal, carried alongside the QC since a QC alone (proposal id +
	// bitset + signature) does not encode height.
	JustifyTargetHeight uint64
}

// Vote is a single finalizer's signature over a proposal id, destined
// for that proposal's leader.
type Vote struct {
	TargetProposalID digest.Digest
	Strong           bool
	FinalizerIndex   uint32
	PublicKey        *bls.PublicKey
	Signature        *bls.Signature
}

// NewView carries a follower's most recent highest QC, sent to the next
// leader on a view timeout.
type NewView struct {
	HighestQC           *qc.QC
	HighestQCTargetNum  uint64
}

// ProposalInfo is the single type Open Question 1 resolves
// hs_proposal_info/proposal_info_t to: the bookkeeping a proposal
// carries forward about the QC it is built on, mirrored on the wire by
// wire.ProposalInfoExtension.
type ProposalInfo struct {
	LastQCBlockNum uint64
	LastQCIsStrong bool
}

// FinalizerStateSnapshot is the non-blocking, cached view exposed by
// GetFinalizerState (§6).
type FinalizerStateSnapshot struct {
	Version   uint64
	BLeaf     digest.Digest
	BLeafNum  uint64
	BLock     digest.Digest
	BLockNum  uint64
	BExec     digest.Digest
	BExecNum  uint64
}

var (
	// ErrUnknownProposal is returned when a Vote targets, or a Proposal
	// names as parent, a proposal id absent from the fork store. A
	// NewView for an unknown proposal is ignored without an error.
	ErrUnknownProposal = errors.New("hotstuff: unknown proposal")
	// ErrUnknownFinalizer mirrors qc.UnknownFinalizer at the message
	// level. No function in this package returns it.
	ErrUnknownFinalizer = errors.New("hotstuff: unknown finalizer")
	// ErrStalePolicy names a justify QC built under an older policy
	// generation. No function in this package checks policy generations
	// or returns it.
	ErrStalePolicy = errors.New("hotstuff: stale policy generation")
	// ErrForkStoreFull names a fork store at capacity. The fork store in
	// this package has no capacity limit, and nothing here returns it.
	ErrForkStoreFull = errors.New("hotstuff: fork store full")
	// ErrInvalidJustify is returned when a proposal's justify QC fails
	// verification against the current policy.
	ErrInvalidJustify = errors.New("hotstuff: justify QC failed verification")
	// ErrNotLeader names a missing local leadership of the current view.
	// No function in this package returns it: Beat returns nil when this
	// process is not the leader.
	ErrNotLeader = errors.New("hotstuff: not the current leader")
)
