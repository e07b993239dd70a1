package hotstuff

import (
	"testing"

	"github.com/certen/instant-finality/pkg/bls"
	dbm "github.com/cometbft/cometbft-db"
	"github.com/certen/instant-finality/pkg/digest"
	"github.com/certen/instant-finality/pkg/policy"
	"github.com/certen/instant-finality/pkg/qc"
	"github.com/certen/instant-finality/pkg/safety"
)

type testFinalizer struct {
	sk *bls.PrivateKey
	f  policy.Finalizer
}

func buildTestPolicy(t *testing.T, n int, threshold uint64) (*policy.Policy, []testFinalizer) {
	t.Helper()
	finalizers := make([]testFinalizer, n)
	entries := make([]policy.Finalizer, n)
	for i := 0; i < n; i++ {
		sk, pk, err := bls.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair[%d]: %v", i, err)
		}
		finalizers[i] = testFinalizer{sk: sk, f: policy.Finalizer{Description: "f", Weight: 1, PublicKey: pk}}
		entries[i] = finalizers[i].f
	}
	p, err := policy.New(1, threshold, entries)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	return p, finalizers
}

// quorumQC builds a finished, verifying QC for proposalID using the
// first int(threshold) finalizers.
func quorumQC(t *testing.T, p *policy.Policy, finalizers []testFinalizer, proposalID digest.Digest) *qc.QC {
	t.Helper()
	b := qc.NewBuilder(proposalID, p)
	for i := uint64(0); i < p.Threshold; i++ {
		sig, err := finalizers[i].sk.Sign(proposalID[:])
		if err != nil {
			t.Fatalf("Sign[%d]: %v", i, err)
		}
		if res := b.AddVote(true, uint32(i), finalizers[i].f.PublicKey, sig); res != qc.Added {
			t.Fatalf("AddVote[%d]: got %v, want Added", i, res)
		}
	}
	finished, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return finished
}

func noopCapabilities() Capabilities {
	return Capabilities{
		EmitProposal: func(*Proposal, string) {},
		EmitVote:     func(*Vote, string) {},
		EmitNewView:  func(*NewView, string) {},
		WarnPeer:     func(string, error) {},
	}
}

func newTestSafety(t *testing.T) *safety.Tracker {
	t.Helper()
	store := safety.NewLevelDBStoreWithDB(dbm.NewMemDB())
	tr, err := safety.NewTracker(store, []byte("test-finalizer"))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

// TestThreeChainCommit is scenario S4.
func TestThreeChainCommit(t *testing.T) {
	p, finalizers := buildTestPolicy(t, 4, 3)
	genesisID := digest.Hash([]byte("genesis"))

	chain := NewChain(ChainConfig{
		Policy:       p,
		Safety:       newTestSafety(t),
		Capabilities: noopCapabilities(),
		GenesisID:    genesisID,
		GenesisNum:   0,
	})

	mkProposal := func(label string, parent digest.Digest, parentNum uint64, justify *qc.QC) *Proposal {
		return &Proposal{
			ProposalID:          digest.Hash([]byte(label)),
			BlockNum:            parentNum + 1,
			ParentID:            parent,
			Justify:             justify,
			JustifyTargetHeight: parentNum,
		}
	}

	qcGenesis := quorumQC(t, p, finalizers, genesisID)
	a := mkProposal("A", genesisID, 0, qcGenesis)
	if err := chain.HandleProposal(a, ""); err != nil {
		t.Fatalf("HandleProposal(A): %v", err)
	}

	qcA := quorumQC(t, p, finalizers, a.ProposalID)
	b := mkProposal("B", a.ProposalID, 1, qcA)
	if err := chain.HandleProposal(b, ""); err != nil {
		t.Fatalf("HandleProposal(B): %v", err)
	}

	qcB := quorumQC(t, p, finalizers, b.ProposalID)
	c := mkProposal("C", b.ProposalID, 2, qcB)
	if err := chain.HandleProposal(c, ""); err != nil {
		t.Fatalf("HandleProposal(C): %v", err)
	}

	if execID, _ := chain.Exec(); execID != genesisID {
		t.Fatalf("expected no commit yet, exec=%x", execID)
	}

	qcC := quorumQC(t, p, finalizers, c.ProposalID)
	d := mkProposal("D", c.ProposalID, 3, qcC)
	if err := chain.HandleProposal(d, ""); err != nil {
		t.Fatalf("HandleProposal(D): %v", err)
	}

	execID, execNum := chain.Exec()
	if execID != a.ProposalID || execNum != a.BlockNum {
		t.Fatalf("expected b_exec == A (%x/%d), got %x/%d", a.ProposalID, a.BlockNum, execID, execNum)
	}
}

// TestForkPruning is scenario S5.
func TestForkPruning(t *testing.T) {
	p, finalizers := buildTestPolicy(t, 4, 3)
	genesisID := digest.Hash([]byte("genesis-fork"))

	chain := NewChain(ChainConfig{
		Policy:       p,
		Safety:       newTestSafety(t),
		Capabilities: noopCapabilities(),
		GenesisID:    genesisID,
		GenesisNum:   0,
	})

	mk := func(label string, parent digest.Digest, num uint64, justify *qc.QC) *Proposal {
		return &Proposal{ProposalID: digest.Hash([]byte(label)), BlockNum: num, ParentID: parent, Justify: justify, JustifyTargetHeight: num - 1}
	}

	qcGenesis := quorumQC(t, p, finalizers, genesisID)
	a := mk("fork-A", genesisID, 1, qcGenesis)
	if err := chain.HandleProposal(a, ""); err != nil {
		t.Fatalf("HandleProposal(A): %v", err)
	}

	qcA := quorumQC(t, p, finalizers, a.ProposalID)
	b1 := mk("fork-B1", a.ProposalID, 2, qcA)
	b2 := mk("fork-B2", a.ProposalID, 2, qcA)
	if err := chain.HandleProposal(b1, ""); err != nil {
		t.Fatalf("HandleProposal(B1): %v", err)
	}
	if err := chain.HandleProposal(b2, ""); err != nil {
		t.Fatalf("HandleProposal(B2): %v", err)
	}

	qcB1 := quorumQC(t, p, finalizers, b1.ProposalID)
	c1 := mk("fork-C1", b1.ProposalID, 3, qcB1)
	if err := chain.HandleProposal(c1, ""); err != nil {
		t.Fatalf("HandleProposal(C1): %v", err)
	}

	qcC1 := quorumQC(t, p, finalizers, c1.ProposalID)
	d1 := mk("fork-D1", c1.ProposalID, 4, qcC1)
	if err := chain.HandleProposal(d1, ""); err != nil {
		t.Fatalf("HandleProposal(D1): %v", err)
	}

	execID, _ := chain.Exec()
	if execID != a.ProposalID {
		t.Fatalf("expected b_exec == A, got %x", execID)
	}
	if _, ok := chain.store.get(b2.ProposalID); !ok {
		t.Fatalf("B2 should still be present: it descends from the just-committed A")
	}

	qcD1 := quorumQC(t, p, finalizers, d1.ProposalID)
	e1 := mk("fork-E1", d1.ProposalID, 5, qcD1)
	if err := chain.HandleProposal(e1, ""); err != nil {
		t.Fatalf("HandleProposal(E1): %v", err)
	}

	execID, _ = chain.Exec()
	if execID != b1.ProposalID {
		t.Fatalf("expected b_exec == B1, got %x", execID)
	}
	if _, ok := chain.store.get(b2.ProposalID); ok {
		t.Fatalf("expected B2 to be evicted once B1 committed: it is neither an ancestor nor a descendant of B1")
	}
}
