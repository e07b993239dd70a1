package qc

import (
	"testing"

	"github.com/certen/instant-finality/pkg/bls"
	"github.com/certen/instant-finality/pkg/digest"
	"github.com/certen/instant-finality/pkg/policy"
)

type votingFinalizer struct {
	sk *bls.PrivateKey
	f  policy.Finalizer
}

// buildPolicy grounds scenario S3: 21 finalizers, threshold 15.
func buildPolicy(t *testing.T, n int, threshold uint64) (*policy.Policy, []votingFinalizer) {
	t.Helper()
	voters := make([]votingFinalizer, n)
	finalizers := make([]policy.Finalizer, n)
	for i := 0; i < n; i++ {
		sk, pk, err := bls.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair[%d]: %v", i, err)
		}
		voters[i] = votingFinalizer{sk: sk, f: policy.Finalizer{Description: "f", Weight: 1, PublicKey: pk}}
		finalizers[i] = voters[i].f
	}
	p, err := policy.New(1, threshold, finalizers)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	return p, voters
}

// TestQuorumAggregation is scenario S3.
func TestQuorumAggregation(t *testing.T) {
	p, voters := buildPolicy(t, 21, 15)
	proposalID := digest.Hash([]byte("proposal"))
	b := NewBuilder(proposalID, p)

	for i := 0; i < 14; i++ {
		sig, err := voters[i].sk.Sign(proposalID[:])
		if err != nil {
			t.Fatalf("Sign[%d]: %v", i, err)
		}
		if res := b.AddVote(true, uint32(i), voters[i].f.PublicKey, sig); res != Added {
			t.Fatalf("vote %d: got %v, want Added", i, res)
		}
	}
	if b.IsQuorum(true) {
		t.Fatalf("expected no quorum after 14 votes")
	}

	sig, err := voters[14].sk.Sign(proposalID[:])
	if err != nil {
		t.Fatalf("Sign[14]: %v", err)
	}
	if res := b.AddVote(true, 14, voters[14].f.PublicKey, sig); res != Added {
		t.Fatalf("vote 14: got %v, want Added", res)
	}
	if !b.IsQuorum(true) {
		t.Fatalf("expected quorum after 15 votes")
	}

	finished, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !Verify(finished, p) {
		t.Fatalf("expected finished QC to verify")
	}

	corrupted := *finished
	corruptedSigBytes := finished.AggSig.Bytes()
	corruptedSigBytes[0] ^= 0x01
	if corruptedSig, err := bls.ParseSignature(corruptedSigBytes); err == nil {
		corrupted.AggSig = corruptedSig
		if Verify(&corrupted, p) {
			t.Fatalf("expected corrupted aggregate signature to fail verification")
		}
	}
}

// TestDuplicateVoteIdempotence is property 8.
func TestDuplicateVoteIdempotence(t *testing.T) {
	p, voters := buildPolicy(t, 5, 4)
	proposalID := digest.Hash([]byte("dup"))
	b := NewBuilder(proposalID, p)

	sig, err := voters[0].sk.Sign(proposalID[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if res := b.AddVote(true, 0, voters[0].f.PublicKey, sig); res != Added {
		t.Fatalf("first vote: got %v, want Added", res)
	}
	weightAfterFirst := b.StrongWeight()

	if res := b.AddVote(true, 0, voters[0].f.PublicKey, sig); res != Duplicate {
		t.Fatalf("second vote: got %v, want Duplicate", res)
	}
	if b.StrongWeight() != weightAfterFirst {
		t.Fatalf("duplicate vote changed strong weight: %d != %d", b.StrongWeight(), weightAfterFirst)
	}
}

func TestUnknownFinalizerIndex(t *testing.T) {
	p, voters := buildPolicy(t, 3, 2)
	proposalID := digest.Hash([]byte("oob"))
	b := NewBuilder(proposalID, p)

	sig, err := voters[0].sk.Sign(proposalID[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if res := b.AddVote(true, 99, voters[0].f.PublicKey, sig); res != UnknownFinalizer {
		t.Fatalf("out-of-range index: got %v, want UnknownFinalizer", res)
	}
	if res := b.AddVote(true, 1, voters[0].f.PublicKey, sig); res != UnknownFinalizer {
		t.Fatalf("mismatched public key: got %v, want UnknownFinalizer", res)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	p, voters := buildPolicy(t, 3, 2)
	proposalID := digest.Hash([]byte("bad-sig"))
	other := digest.Hash([]byte("other"))
	b := NewBuilder(proposalID, p)

	wrongSig, err := voters[0].sk.Sign(other[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if res := b.AddVote(true, 0, voters[0].f.PublicKey, wrongSig); res != BadSignature {
		t.Fatalf("got %v, want BadSignature", res)
	}
}

// TestQuorumMonotonicity is property 7: weight never decreases and
// Added calls stay valid as more votes arrive.
func TestQuorumMonotonicity(t *testing.T) {
	p, voters := buildPolicy(t, 10, 7)
	proposalID := digest.Hash([]byte("monotone"))
	b := NewBuilder(proposalID, p)

	var lastWeight uint64
	for i := 0; i < 10; i++ {
		sig, err := voters[i].sk.Sign(proposalID[:])
		if err != nil {
			t.Fatalf("Sign[%d]: %v", i, err)
		}
		res := b.AddVote(true, uint32(i), voters[i].f.PublicKey, sig)
		if res != Added {
			t.Fatalf("vote %d: got %v, want Added", i, res)
		}
		if b.StrongWeight() < lastWeight {
			t.Fatalf("weight decreased after vote %d", i)
		}
		lastWeight = b.StrongWeight()
	}
}
