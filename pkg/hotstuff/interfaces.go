package hotstuff

import (
	"time"

	"github.com/certen/instant-finality/pkg/digest"
	"github.com/certen/instant-finality/pkg/policy"
)

// HeadBlockInfo is the data head_block() returns (§6).
type HeadBlockInfo struct {
	ID        digest.Digest
	Num       uint64
	Timestamp time.Time
	Schedule  Schedule
}

// HeadBlockProvider is the consumed collaborator interface for reading
// the host's current chain head. Implemented by the host node; this
// package never imports a concrete block-log or state-database type,
// only this method set (§1: "referenced only through their interfaces").
type HeadBlockProvider interface {
	HeadBlock() HeadBlockInfo
}

// Signals is the consumed, push-based notification interface the host
// drives this package with.
type Signals interface {
	OnAcceptedBlock(num uint64, id digest.Digest)
	OnIrreversibleBlock(num uint64, id digest.Digest)
	OnBlockStart(num uint64)
}

// HsRelay is the consumed collaborator interface used to relay
// outbound hotstuff messages over the host's P2P layer. PeerToExclude,
// when non-empty, is the connection id that should not receive the
// echoed message (it was this message's originator).
type HsRelay interface {
	RelayProposal(p *Proposal, peerToExclude string)
	RelayVote(v *Vote, peerToExclude string)
	RelayNewView(nv *NewView, peerToExclude string)
}

// Capabilities flattens the polymorphic "pacemaker" base class from the
// source (§9) into a handful of function values, injected at
// construction. Test doubles provide deterministic clocks and capture
// outbound messages into a queue instead of a real HsRelay.
type Capabilities struct {
	EmitProposal func(p *Proposal, peerToExclude string)
	EmitVote     func(v *Vote, peerToExclude string)
	EmitNewView  func(nv *NewView, peerToExclude string)
	WarnPeer     func(connectionID string, reason error)
	Now          func() time.Time
}

// CapabilitiesFromRelay adapts a real HsRelay plus a WarnPeer callback
// into a Capabilities record using time.Now for the clock.
func CapabilitiesFromRelay(relay HsRelay, warnPeer func(string, error)) Capabilities {
	return Capabilities{
		EmitProposal: relay.RelayProposal,
		EmitVote:     relay.RelayVote,
		EmitNewView:  relay.RelayNewView,
		WarnPeer:     warnPeer,
		Now:          time.Now,
	}
}

// PolicyProvider supplies the currently active finalizer policy. It
// does not supply the local finalizer's index or signing key; those are
// installed on Chain through SetLocalVoter. A real host re-resolves the
// policy when a new
// finalizer_set_extension/instant_finality_extension activates.
type PolicyProvider interface {
	CurrentPolicy() *policy.Policy
}
