// Package bls implements the BLS12-381 primitives required by the
// Instant Finality core (C2): key (de)serialization in the wire's
// affine little-endian non-Montgomery form, signing, aggregation, and
// aggregate verification. It wraps github.com/consensys/gnark-crypto,
// the same pure-Go BLS12-381 implementation the rest of this codebase's
// lineage already depends on.
//
// Public keys live on G1 (96-byte affine points); signatures live on G2
// (192-byte affine points). Every exported parse function rejects
// points that are off-curve, off-subgroup, or the identity, so callers
// never need a second validation pass.
package bls

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fp"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// Sizes of the wire encodings fixed by the protocol (§3, §4.2).
const (
	PrivateKeySize = 32  // Fr scalar
	PublicKeySize  = 96  // G1 affine, 2 x 48-byte Fp coordinates
	SignatureSize  = 192 // G2 affine, 2 x 96-byte Fp2 coordinates
)

// hashToG2Domain is the domain-separation tag used when hashing a
// proposal id into G2 for signing. It identifies this protocol
// uniquely among other BLS12-381 consumers on the same curve.
const hashToG2Domain = "INSTANT_FINALITY_BLS12381G2_XMD:SHA-256_SSWU_RO_"

// ErrInvalidEncoding is returned when a byte blob does not decode to a
// valid curve point: wrong length, off-curve, off-subgroup, or the
// identity element.
var ErrInvalidEncoding = errors.New("bls: invalid encoding")

var (
	initOnce sync.Once
	g1Gen    bls12381.G1Affine
	g2Gen    bls12381.G2Affine
)

func initCurve() {
	initOnce.Do(func() {
		_, _, g1Gen, g2Gen = bls12381.Generators()
	})
}

// PrivateKey is a BLS12-381 scalar in Fr.
type PrivateKey struct {
	scalar fr.Element
}

// PublicKey is a point on G1.
type PublicKey struct {
	point bls12381.G1Affine
}

// Signature is a point on G2.
type Signature struct {
	point bls12381.G2Affine
}

// GenerateKeyPair returns a fresh private/public key pair using the
// system CSPRNG.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	initCurve()
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, nil, fmt.Errorf("bls: generate random scalar: %w", err)
	}
	priv := &PrivateKey{scalar: sk}
	return priv, priv.PublicKey(), nil
}

// PrivateKeyFromBytes deserializes a 32-byte scalar.
func PrivateKeyFromBytes(data []byte) (*PrivateKey, error) {
	initCurve()
	if len(data) != PrivateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrInvalidEncoding, PrivateKeySize, len(data))
	}
	var sk fr.Element
	sk.SetBytes(data)
	return &PrivateKey{scalar: sk}, nil
}

// Bytes returns the big-endian canonical scalar encoding.
func (sk *PrivateKey) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

// PublicKey derives pk = sk * G1 from the private key.
func (sk *PrivateKey) PublicKey() *PublicKey {
	initCurve()
	var pk bls12381.G1Affine
	pk.ScalarMultiplication(&g1Gen, skBigInt(&sk.scalar))
	return &PublicKey{point: pk}
}

// Sign signs proposalID, returning sig = sk * H(proposalID) on G2.
func (sk *PrivateKey) Sign(proposalID []byte) (*Signature, error) {
	initCurve()
	h, err := hashToG2(proposalID)
	if err != nil {
		return nil, fmt.Errorf("bls: hash to G2: %w", err)
	}
	var sig bls12381.G2Affine
	sig.ScalarMultiplication(&h, skBigInt(&sk.scalar))
	return &Signature{point: sig}, nil
}

func skBigInt(sk *fr.Element) *big.Int {
	var out big.Int
	sk.BigInt(&out)
	return &out
}

// ParsePublicKey deserializes a 96-byte affine, little-endian,
// non-Montgomery G1 point. It rejects off-curve points, points outside
// the prime-order subgroup, and the identity element.
func ParsePublicKey(data []byte) (*PublicKey, error) {
	initCurve()
	if len(data) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidEncoding, PublicKeySize, len(data))
	}

	var x, y fp.Element
	if err := setFpLE(&x, data[0:48]); err != nil {
		return nil, fmt.Errorf("%w: x coordinate: %v", ErrInvalidEncoding, err)
	}
	if err := setFpLE(&y, data[48:96]); err != nil {
		return nil, fmt.Errorf("%w: y coordinate: %v", ErrInvalidEncoding, err)
	}

	pt := bls12381.G1Affine{X: x, Y: y}
	if pt.IsInfinity() {
		return nil, fmt.Errorf("%w: public key is the identity point", ErrInvalidEncoding)
	}
	if !pt.IsOnCurve() {
		return nil, fmt.Errorf("%w: public key is not on the G1 curve", ErrInvalidEncoding)
	}
	if !pt.IsInSubGroup() {
		return nil, fmt.Errorf("%w: public key is not in the G1 subgroup", ErrInvalidEncoding)
	}
	return &PublicKey{point: pt}, nil
}

// Bytes serializes pk as a 96-byte affine little-endian non-Montgomery
// G1 point.
func (pk *PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out[0:48], fpBytesLE(&pk.point.X))
	copy(out[48:96], fpBytesLE(&pk.point.Y))
	return out
}

// Equal reports whether pk and other encode the same point, comparing
// the canonical serialized byte form.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return pk.point.Equal(&other.point)
}

// ParseSignature deserializes a 192-byte affine, little-endian,
// non-Montgomery G2 point, with the same curve/subgroup/identity
// checks as ParsePublicKey.
func ParseSignature(data []byte) (*Signature, error) {
	initCurve()
	if len(data) != SignatureSize {
		return nil, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidEncoding, SignatureSize, len(data))
	}

	var x, y bls12381.E2
	if err := setFpLE(&x.A0, data[0:48]); err != nil {
		return nil, fmt.Errorf("%w: x.a0: %v", ErrInvalidEncoding, err)
	}
	if err := setFpLE(&x.A1, data[48:96]); err != nil {
		return nil, fmt.Errorf("%w: x.a1: %v", ErrInvalidEncoding, err)
	}
	if err := setFpLE(&y.A0, data[96:144]); err != nil {
		return nil, fmt.Errorf("%w: y.a0: %v", ErrInvalidEncoding, err)
	}
	if err := setFpLE(&y.A1, data[144:192]); err != nil {
		return nil, fmt.Errorf("%w: y.a1: %v", ErrInvalidEncoding, err)
	}

	pt := bls12381.G2Affine{X: x, Y: y}
	if pt.IsInfinity() {
		return nil, fmt.Errorf("%w: signature is the identity point", ErrInvalidEncoding)
	}
	if !pt.IsOnCurve() {
		return nil, fmt.Errorf("%w: signature is not on the G2 curve", ErrInvalidEncoding)
	}
	if !pt.IsInSubGroup() {
		return nil, fmt.Errorf("%w: signature is not in the G2 subgroup", ErrInvalidEncoding)
	}
	return &Signature{point: pt}, nil
}

// Bytes serializes sig as a 192-byte affine little-endian
// non-Montgomery G2 point.
func (sig *Signature) Bytes() []byte {
	out := make([]byte, SignatureSize)
	copy(out[0:48], fpBytesLE(&sig.point.X.A0))
	copy(out[48:96], fpBytesLE(&sig.point.X.A1))
	copy(out[96:144], fpBytesLE(&sig.point.Y.A0))
	copy(out[144:192], fpBytesLE(&sig.point.Y.A1))
	return out
}

// Equal reports whether sig and other encode the same point.
func (sig *Signature) Equal(other *Signature) bool {
	if sig == nil || other == nil {
		return sig == other
	}
	return sig.point.Equal(&other.point)
}

// Aggregate sums a set of public keys (group addition on G1). An empty
// slice returns an error, since the identity is never itself a valid
// PublicKey per ParsePublicKey.
func Aggregate(keys []*PublicKey) (*PublicKey, error) {
	if len(keys) == 0 {
		return nil, errors.New("bls: no public keys to aggregate")
	}
	var acc bls12381.G1Jac
	acc.FromAffine(&keys[0].point)
	for _, k := range keys[1:] {
		var jac bls12381.G1Jac
		jac.FromAffine(&k.point)
		acc.AddAssign(&jac)
	}
	var out bls12381.G1Affine
	out.FromJacobian(&acc)
	return &PublicKey{point: out}, nil
}

// AggregateSignatures sums a set of signatures (group addition on G2).
func AggregateSignatures(sigs []*Signature) (*Signature, error) {
	if len(sigs) == 0 {
		return nil, errors.New("bls: no signatures to aggregate")
	}
	var acc bls12381.G2Jac
	acc.FromAffine(&sigs[0].point)
	for _, s := range sigs[1:] {
		var jac bls12381.G2Jac
		jac.FromAffine(&s.point)
		acc.AddAssign(&jac)
	}
	var out bls12381.G2Affine
	out.FromJacobian(&acc)
	return &Signature{point: out}, nil
}

// Verify checks that aggSig is a valid BLS signature over message by
// aggPk, via the pairing equation e(G1, aggSig) == e(aggPk, H(message)).
// It never panics; on any internal pairing failure it returns false.
func Verify(aggPk *PublicKey, message []byte, aggSig *Signature) bool {
	initCurve()
	if aggPk == nil || aggSig == nil {
		return false
	}

	h, err := hashToG2(message)
	if err != nil {
		return false
	}

	var negPk bls12381.G1Affine
	negPk.Neg(&aggPk.point)

	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{g1Gen, negPk},
		[]bls12381.G2Affine{aggSig.point, h},
	)
	if err != nil {
		return false
	}
	return ok
}

func hashToG2(message []byte) (bls12381.G2Affine, error) {
	return bls12381.HashToG2(message, []byte(hashToG2Domain))
}

// setFpLE decodes a 48-byte little-endian, non-Montgomery field element
// into dst. The wire format is the reverse-byte-order of gnark-crypto's
// canonical big-endian Fp encoding.
func setFpLE(dst *fp.Element, leBytes []byte) error {
	if len(leBytes) != fp.Bytes {
		return fmt.Errorf("field element must be %d bytes, got %d", fp.Bytes, len(leBytes))
	}
	var be [fp.Bytes]byte
	reverseInto(be[:], leBytes)
	if !fitsInModulus(be[:]) {
		return errors.New("value exceeds field modulus")
	}
	dst.SetBytes(be[:])
	return nil
}

// fpBytesLE returns the little-endian, non-Montgomery encoding of f.
// fp.Element.Bytes() already returns the canonical (non-Montgomery)
// big-endian form; this only reverses it to little-endian.
func fpBytesLE(f *fp.Element) []byte {
	be := f.Bytes()
	out := make([]byte, len(be))
	reverseInto(out, be[:])
	return out
}

func reverseInto(dst, src []byte) {
	n := len(src)
	for i := 0; i < n; i++ {
		dst[i] = src[n-1-i]
	}
}

// fitsInModulus rejects encodings >= the field modulus up front so that
// fp.Element.SetBytes (which reduces mod p) never silently accepts an
// out-of-range wire value as if it were canonical.
func fitsInModulus(be []byte) bool {
	var v, modulus big.Int
	v.SetBytes(be)
	modulus.SetString("1a0111ea397fe69a4b1ba7b6434bacd764774b84f38512bf6730d2a0f6b0f6241eabfffeb153ffffb9feffffffffaaab", 16)
	return v.Cmp(&modulus) < 0
}

// ComputeProposalMessage hashes the canonical fields a proposal's id is
// derived from. Exposed for callers (e.g. the hotstuff package) that
// need to reproduce the exact byte sequence voters sign over.
func ComputeProposalMessage(data ...[]byte) [32]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
