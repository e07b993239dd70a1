package hotstuff

import (
	"errors"
	"fmt"
	"log"

	"github.com/certen/instant-finality/pkg/bls"
	"github.com/certen/instant-finality/pkg/digest"
	"github.com/certen/instant-finality/pkg/policy"
	"github.com/certen/instant-finality/pkg/qc"
	"github.com/certen/instant-finality/pkg/safety"
)

// Chain implements C7: the fork store, the three-chain commit rule, and
// the Proposal/Vote/NewView state machine. All exported methods assume
// the caller holds whatever mutex serializes entry — in this package
// that is Pacemaker.mu; Chain itself holds no lock, matching the single
// HOTSTUFF mutex design of §4.8/§5.
type Chain struct {
	store *forkStore

	policy  *policy.Policy
	safety  *safety.Tracker
	builder map[digest.Digest]*qc.Builder

	bLeaf, bLock, bExec          digest.Digest
	bLeafNum, bLockNum, bExecNum uint64

	caps Capabilities

	local    *localVoter
	onCommit func(execID digest.Digest, execNum uint64)
	logger   *log.Logger
}

// localVoter is the concrete signing identity Chain uses to emit votes.
// It is optional: an observer-only Chain (no local finalizer key) never
// votes, only tracks state.
type localVoter struct {
	index  uint32
	signFn func(msg []byte) ([]byte, error)
}

// ChainConfig bundles Chain's construction-time dependencies.
type ChainConfig struct {
	Policy       *policy.Policy
	Safety       *safety.Tracker
	Capabilities Capabilities
	GenesisID    digest.Digest
	GenesisNum   uint64
	OnCommit     func(execID digest.Digest, execNum uint64)
	// Logger receives commit and safety-violation diagnostics, tagged
	// "[Chain] ". Nil is replaced with a discard logger.
	Logger *log.Logger
}

// NewChain builds a Chain rooted at config.GenesisID/GenesisNum, which
// is inserted into the fork store with no justify and treated as
// already executed.
func NewChain(cfg ChainConfig) *Chain {
	c := &Chain{
		store:    newForkStore(),
		policy:   cfg.Policy,
		safety:   cfg.Safety,
		builder:  make(map[digest.Digest]*qc.Builder),
		caps:     cfg.Capabilities,
		bLeaf:    cfg.GenesisID,
		bLock:    cfg.GenesisID,
		bExec:    cfg.GenesisID,
		bLeafNum: cfg.GenesisNum,
		bLockNum: cfg.GenesisNum,
		bExecNum: cfg.GenesisNum,
		onCommit: cfg.OnCommit,
		logger:   newComponentLogger("[Chain]", cfg.Logger),
	}
	c.store.insert(&Proposal{ProposalID: cfg.GenesisID, BlockNum: cfg.GenesisNum})
	return c
}

// SetLocalVoter installs the local finalizer identity used to sign and
// emit votes. signFn must produce a raw BLS signature over msg.
func (c *Chain) SetLocalVoter(index uint32, signFn func(msg []byte) ([]byte, error)) {
	c.local = &localVoter{index: index, signFn: signFn}
}

// Leaf, Lock, Exec report the current (id, height) of the three
// tracked chain pointers, for Snapshot publication.
func (c *Chain) Leaf() (digest.Digest, uint64) { return c.bLeaf, c.bLeafNum }
func (c *Chain) Lock() (digest.Digest, uint64) { return c.bLock, c.bLockNum }
func (c *Chain) Exec() (digest.Digest, uint64) { return c.bExec, c.bExecNum }

// HandleProposal implements the Proposal row of §4.7's table: verify
// justify, insert into the fork store, apply safety rules, and emit a
// vote if votable.
func (c *Chain) HandleProposal(p *Proposal, fromPeer string) error {
	if p.Justify != nil {
		if !qc.Verify(p.Justify, c.policy) {
			c.caps.WarnPeer(fromPeer, ErrInvalidJustify)
			return ErrInvalidJustify
		}
		if p.Justify.ProposalID != p.ParentID {
			err := fmt.Errorf("%w: justify targets %x, not parent %x", ErrInvalidJustify, p.Justify.ProposalID, p.ParentID)
			c.caps.WarnPeer(fromPeer, err)
			return err
		}
	} else if p.ParentID != (digest.Digest{}) {
		return fmt.Errorf("%w: non-genesis proposal %x missing justify", ErrInvalidJustify, p.ProposalID)
	}

	if _, ok := c.store.get(p.ParentID); !ok && p.ParentID != (digest.Digest{}) {
		return fmt.Errorf("%w: parent %x", ErrUnknownProposal, p.ParentID)
	}

	c.store.insert(p)
	if p.BlockNum > c.bLeafNum {
		c.bLeaf, c.bLeafNum = p.ProposalID, p.BlockNum
	}

	if p.Justify != nil {
		c.advanceThreeChain(p)
	}

	if c.local == nil {
		return nil
	}
	return c.maybeVote(p, fromPeer)
}

func (c *Chain) maybeVote(p *Proposal, fromPeer string) error {
	extendsLock := p.ParentID == c.bLock || c.store.descendsFrom(p.ProposalID, c.bLock)
	if !c.safety.CanVote(p.BlockNum, p.JustifyTargetHeight, extendsLock) {
		return nil
	}

	sigBytes, err := c.local.signFn(p.ProposalID[:])
	if err != nil {
		return fmt.Errorf("hotstuff: sign vote: %w", err)
	}
	sig, err := bls.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("hotstuff: parse own vote signature: %w", err)
	}
	if err := c.safety.RecordVote(p.BlockNum); err != nil {
		var fatal *safety.FatalError
		if errors.As(err, &fatal) {
			c.logger.Printf("FATAL safety violation, escalating: %v", fatal)
		}
		return fmt.Errorf("hotstuff: record vote: %w", err)
	}

	vote := &Vote{
		TargetProposalID: p.ProposalID,
		Strong:           true,
		FinalizerIndex:   c.local.index,
		PublicKey:        c.policy.Finalizers[c.local.index].PublicKey,
		Signature:        sig,
	}
	c.caps.EmitVote(vote, fromPeer)
	return nil
}

// HandleVote implements the Vote row: fold the vote into the running
// QcBuilder for its target, publishing a QC and re-running the
// three-chain rule on quorum. Votes are aggregated for any proposal
// present in the fork store: neither Chain nor Pacemaker restricts
// aggregation to proposals this node produced.
func (c *Chain) HandleVote(v *Vote, fromPeer string) error {
	return c.handleVote(v, fromPeer, true)
}

// HandleVerifiedVote is HandleVote for a vote whose signature was
// already checked off-mutex by a verification-pool worker (§5); the
// caller must re-check the proposal is still present in the fork store
// immediately before calling this, so a result for a since-pruned
// proposal is dropped rather than applied.
func (c *Chain) HandleVerifiedVote(v *Vote, fromPeer string) error {
	return c.handleVote(v, fromPeer, false)
}

func (c *Chain) handleVote(v *Vote, fromPeer string, verify bool) error {
	n, ok := c.store.get(v.TargetProposalID)
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownProposal, v.TargetProposalID)
	}

	b, ok := c.builder[v.TargetProposalID]
	if !ok {
		b = qc.NewBuilder(v.TargetProposalID, c.policy)
		c.builder[v.TargetProposalID] = b
	}

	var res qc.AddVoteResult
	if verify {
		res = b.AddVote(v.Strong, v.FinalizerIndex, v.PublicKey, v.Signature)
	} else {
		res = b.AddVerifiedVote(v.Strong, v.FinalizerIndex, v.PublicKey, v.Signature)
	}
	switch res {
	case qc.BadSignature, qc.UnknownFinalizer:
		err := fmt.Errorf("hotstuff: vote rejected: %s", res)
		c.caps.WarnPeer(fromPeer, err)
		return err
	}

	if !b.IsQuorum(true) {
		return nil
	}

	finished, err := b.Finalize()
	if err != nil {
		return fmt.Errorf("hotstuff: finalize QC: %w", err)
	}
	c.store.setOwnQC(v.TargetProposalID, finished)
	delete(c.builder, v.TargetProposalID)

	if err := c.safety.UpdateLock(v.TargetProposalID, n.proposal.BlockNum); err != nil {
		return fmt.Errorf("hotstuff: update lock: %w", err)
	}
	if n.proposal.BlockNum > c.bLockNum {
		c.bLock, c.bLockNum = v.TargetProposalID, n.proposal.BlockNum
	}
	c.advanceThreeChain(n.proposal)
	return nil
}

// HandleNewView implements the NewView row: adopt the carried QC if it
// targets a higher proposal than our current leaf.
func (c *Chain) HandleNewView(nv *NewView) {
	if nv.HighestQC == nil {
		return
	}
	if nv.HighestQCTargetNum <= c.bLeafNum {
		return
	}
	n, ok := c.store.get(nv.HighestQC.ProposalID)
	if !ok {
		return
	}
	c.store.setOwnQC(nv.HighestQC.ProposalID, nv.HighestQC)
	c.bLeaf, c.bLeafNum = n.proposal.ProposalID, n.proposal.BlockNum
}

// directJustifyParent returns the fork-store node for child's parent,
// but only when child actually justifies that exact parent (its
// Justify QC targets child.ParentID) — the per-level check the
// three-chain rule's "direct-parent chain" requirement needs.
func (c *Chain) directJustifyParent(child *Proposal) (*node, bool) {
	if child.Justify == nil || child.Justify.ProposalID != child.ParentID {
		return nil, false
	}
	return c.store.get(child.ParentID)
}

// advanceThreeChain implements §4.7's three-chain commit rule for the
// proposal whose justify QC just arrived: b = p, b1 = justify target,
// b2 = parent(b1), b3 = parent(b2); if b -> b1 -> b2 -> b3 is a direct
// parent chain, b3 is finalized.
func (c *Chain) advanceThreeChain(p *Proposal) {
	b1, ok := c.directJustifyParent(p)
	if !ok {
		return
	}
	b2, ok := c.directJustifyParent(b1.proposal)
	if !ok {
		return
	}
	b3, ok := c.directJustifyParent(b2.proposal)
	if !ok {
		return
	}

	if b3.proposal.BlockNum <= c.bExecNum {
		return
	}
	c.bExec, c.bExecNum = b3.proposal.ProposalID, b3.proposal.BlockNum
	c.logger.Printf("commit: b_exec -> %x (num=%d)", c.bExec, c.bExecNum)
	c.store.prune(c.bExec, c.bExecNum)
	if c.onCommit != nil {
		c.onCommit(c.bExec, c.bExecNum)
	}
}

// ForkStoreLen reports the current fork store size. The fork store has
// no capacity limit, and nothing in this package calls ForkStoreLen.
func (c *Chain) ForkStoreLen() int { return c.store.len() }
