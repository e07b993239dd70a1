package bls

import "testing"

func TestGenerateAndSerializeRoundTrip(t *testing.T) {
	sk, pk, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(sk.Bytes()) != PrivateKeySize {
		t.Fatalf("private key size = %d, want %d", len(sk.Bytes()), PrivateKeySize)
	}

	encoded := pk.Bytes()
	if len(encoded) != PublicKeySize {
		t.Fatalf("public key size = %d, want %d", len(encoded), PublicKeySize)
	}

	decoded, err := ParsePublicKey(encoded)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !pk.Equal(decoded) {
		t.Fatalf("round-tripped public key does not match original")
	}
}

func TestSignAndVerify(t *testing.T) {
	sk, pk, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	msg := []byte("proposal-id-bytes")
	sig, err := sk.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if len(sig.Bytes()) != SignatureSize {
		t.Fatalf("signature size = %d, want %d", len(sig.Bytes()), SignatureSize)
	}

	if !Verify(pk, msg, sig) {
		t.Fatalf("expected signature to verify")
	}

	if Verify(pk, []byte("different message"), sig) {
		t.Fatalf("signature must not verify against a different message")
	}
}

// TestAggregationCorrectness grounds property 6 of the spec: verifying
// an aggregate signature against the aggregate public key succeeds, and
// flipping any bit of the message or any signature makes it fail.
func TestAggregationCorrectness(t *testing.T) {
	const n = 5
	msg := []byte("aggregate-me")

	pks := make([]*PublicKey, n)
	sigs := make([]*Signature, n)
	for i := 0; i < n; i++ {
		sk, pk, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair[%d]: %v", i, err)
		}
		sig, err := sk.Sign(msg)
		if err != nil {
			t.Fatalf("Sign[%d]: %v", i, err)
		}
		pks[i] = pk
		sigs[i] = sig
	}

	aggPk, err := Aggregate(pks)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	aggSig, err := AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("AggregateSignatures: %v", err)
	}

	if !Verify(aggPk, msg, aggSig) {
		t.Fatalf("expected aggregate signature to verify")
	}

	flipped := append([]byte(nil), msg...)
	flipped[0] ^= 0x01
	if Verify(aggPk, flipped, aggSig) {
		t.Fatalf("aggregate signature must not verify against a flipped message")
	}

	// Corrupting one signature before aggregation must also break
	// verification.
	badSigs := append([]*Signature(nil), sigs...)
	corrupted := badSigs[0].Bytes()
	corrupted[0] ^= 0x01
	badSig, err := ParseSignature(corrupted)
	if err == nil {
		badSigs[0] = badSig
		badAgg, err := AggregateSignatures(badSigs)
		if err == nil && Verify(aggPk, msg, badAgg) {
			t.Fatalf("corrupted signature must not verify")
		}
	}
}

func TestAggregateOrderIndependence(t *testing.T) {
	const n = 4
	pks := make([]*PublicKey, n)
	for i := 0; i < n; i++ {
		_, pk, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair[%d]: %v", i, err)
		}
		pks[i] = pk
	}

	forward, err := Aggregate(pks)
	if err != nil {
		t.Fatalf("Aggregate forward: %v", err)
	}
	reversed := make([]*PublicKey, n)
	for i, pk := range pks {
		reversed[n-1-i] = pk
	}
	backward, err := Aggregate(reversed)
	if err != nil {
		t.Fatalf("Aggregate backward: %v", err)
	}

	if !forward.Equal(backward) {
		t.Fatalf("public key aggregation must be commutative")
	}
}

func TestParsePublicKeyRejectsWrongSize(t *testing.T) {
	if _, err := ParsePublicKey(make([]byte, PublicKeySize-1)); err == nil {
		t.Fatalf("expected error for short public key")
	}
}

func TestParseSignatureRejectsWrongSize(t *testing.T) {
	if _, err := ParseSignature(make([]byte, SignatureSize+1)); err == nil {
		t.Fatalf("expected error for oversized signature")
	}
}

func TestParsePublicKeyRejectsIdentity(t *testing.T) {
	if _, err := ParsePublicKey(make([]byte, PublicKeySize)); err == nil {
		t.Fatalf("expected error for identity public key (all-zero encoding)")
	}
}
