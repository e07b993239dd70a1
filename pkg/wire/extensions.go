package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/certen/instant-finality/pkg/bls"
)

// Extension ids from §6. finalizer_set_extension and
// instant_finality_extension share id 2 — they are mutually exclusive
// variants either side of the hard fork that replaced one with the
// other, never both present in the same header; proposal_info_extension
// is always id 3, alongside whichever of the two is active.
const (
	ExtensionIDFinalizerSet    uint16 = 2
	ExtensionIDInstantFinality uint16 = 2
	ExtensionIDProposalInfo    uint16 = 3
)

// FinalizerSetExtension carries a new finalizer policy in its raw
// (pre-hard-fork) wire form.
type FinalizerSetExtension struct {
	Version    uint32
	Threshold  uint64
	Finalizers []FinalizerEntry
}

// FinalizerEntry is one finalizer record within an extension.
type FinalizerEntry struct {
	Description string
	Weight      uint64
	PublicKey   *bls.PublicKey
}

func (FinalizerSetExtension) id() uint16 { return ExtensionIDFinalizerSet }

// QCClaim is the (height, strong) pair a proposal claims its justifying
// QC achieved.
type QCClaim struct {
	Height uint64
	Strong bool
}

// InstantFinalityExtension carries the Savanna-era QC claim plus
// optional finalizer/proposer policy changes.
type InstantFinalityExtension struct {
	QCClaim         QCClaim
	NewFinalizerSet *FinalizerSetExtension
	// NewProposerPolicy is out of scope (leader-rotation policy is a
	// caller-supplied schedule function, per §9); carried only as raw
	// bytes so a header round-trips without loss.
	NewProposerPolicyRaw []byte
}

func (InstantFinalityExtension) id() uint16 { return ExtensionIDInstantFinality }

// ProposalInfoExtension carries the last-QC-block bookkeeping a
// proposal attaches for its descendants, per Open Question 1's
// resolution to a single ProposalInfo-shaped type.
type ProposalInfoExtension struct {
	LastQCBlockHeight uint32
	IsLastQCStrong    bool
}

func (ProposalInfoExtension) id() uint16 { return ExtensionIDProposalInfo }

// HeaderExtensions decodes a header's raw extension list into a map
// keyed by extension id, rejecting a header that repeats the same id
// twice (§6: "Each extension must appear at most once per header;
// duplicates are a validation error").
type HeaderExtensions map[uint16][]byte

// ErrDuplicateExtension is returned by ParseHeaderExtensions when the
// same extension id occurs more than once.
var ErrDuplicateExtension = fmt.Errorf("wire: duplicate header extension id")

// rawExtension is the on-wire (id, payload) pair as it appears
// back-to-back in a header's extension list: varint(id) ||
// varint(len(payload)) || payload.
type rawExtension struct {
	id      uint16
	payload []byte
}

// ParseHeaderExtensions splits the concatenated raw extension list into
// a HeaderExtensions map, failing on any repeated id.
func ParseHeaderExtensions(data []byte) (HeaderExtensions, error) {
	out := make(HeaderExtensions)
	for len(data) > 0 {
		id, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("wire: bad extension id varint")
		}
		data = data[n:]

		payloadLen, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("wire: bad extension length varint")
		}
		data = data[n:]

		if uint64(len(data)) < payloadLen {
			return nil, ErrTruncated
		}
		extID := uint16(id)
		if _, exists := out[extID]; exists {
			return nil, fmt.Errorf("%w: id=%d", ErrDuplicateExtension, extID)
		}
		out[extID] = data[:payloadLen]
		data = data[payloadLen:]
	}
	return out, nil
}

// EncodeHeaderExtensions reassembles a HeaderExtensions map back into
// its on-wire form. Iteration order is by ascending id for determinism.
func EncodeHeaderExtensions(exts HeaderExtensions) []byte {
	ids := make([]uint16, 0, len(exts))
	for id := range exts {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}

	var out []byte
	var tmp [binary.MaxVarintLen64]byte
	for _, id := range ids {
		payload := exts[id]
		n := binary.PutUvarint(tmp[:], uint64(id))
		out = append(out, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(len(payload)))
		out = append(out, tmp[:n]...)
		out = append(out, payload...)
	}
	return out
}

// EncodeFinalizerSetExtension serializes e as:
// version[4 LE] || threshold[8 LE] || varint(count) || entries...
// where each entry is varint(len(description)) || description ||
// weight[8 LE] || public_key[96].
func EncodeFinalizerSetExtension(e *FinalizerSetExtension) []byte {
	var out []byte
	var buf4 [4]byte
	var buf8 [8]byte

	binary.LittleEndian.PutUint32(buf4[:], e.Version)
	out = append(out, buf4[:]...)
	binary.LittleEndian.PutUint64(buf8[:], e.Threshold)
	out = append(out, buf8[:]...)

	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(e.Finalizers)))
	out = append(out, tmp[:n]...)

	for _, f := range e.Finalizers {
		n := binary.PutUvarint(tmp[:], uint64(len(f.Description)))
		out = append(out, tmp[:n]...)
		out = append(out, []byte(f.Description)...)
		binary.LittleEndian.PutUint64(buf8[:], f.Weight)
		out = append(out, buf8[:]...)
		out = append(out, f.PublicKey.Bytes()...)
	}
	return out
}

// DecodeFinalizerSetExtension parses the layout written by
// EncodeFinalizerSetExtension.
func DecodeFinalizerSetExtension(data []byte) (*FinalizerSetExtension, error) {
	if len(data) < 12 {
		return nil, ErrTruncated
	}
	e := &FinalizerSetExtension{
		Version:   binary.LittleEndian.Uint32(data[0:4]),
		Threshold: binary.LittleEndian.Uint64(data[4:12]),
	}
	rest := data[12:]

	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("wire: bad finalizer count varint")
	}
	rest = rest[n:]

	e.Finalizers = make([]FinalizerEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		descLen, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("wire: bad description length varint")
		}
		rest = rest[n:]
		if uint64(len(rest)) < descLen {
			return nil, ErrTruncated
		}
		desc := string(rest[:descLen])
		rest = rest[descLen:]

		if len(rest) < 8+bls.PublicKeySize {
			return nil, ErrTruncated
		}
		weight := binary.LittleEndian.Uint64(rest[:8])
		rest = rest[8:]
		pk, err := bls.ParsePublicKey(rest[:bls.PublicKeySize])
		if err != nil {
			return nil, fmt.Errorf("wire: finalizer[%d] public key: %w", i, err)
		}
		rest = rest[bls.PublicKeySize:]

		e.Finalizers = append(e.Finalizers, FinalizerEntry{Description: desc, Weight: weight, PublicKey: pk})
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("wire: %d trailing bytes after finalizer set extension", len(rest))
	}
	return e, nil
}

// EncodeProposalInfoExtension serializes e as height[4 LE] || strong[1 byte].
func EncodeProposalInfoExtension(e *ProposalInfoExtension) []byte {
	out := make([]byte, 5)
	binary.LittleEndian.PutUint32(out[0:4], e.LastQCBlockHeight)
	if e.IsLastQCStrong {
		out[4] = 1
	}
	return out
}

// DecodeProposalInfoExtension parses the layout written by
// EncodeProposalInfoExtension.
func DecodeProposalInfoExtension(data []byte) (*ProposalInfoExtension, error) {
	if len(data) != 5 {
		return nil, fmt.Errorf("%w: proposal info extension must be 5 bytes", ErrTruncated)
	}
	return &ProposalInfoExtension{
		LastQCBlockHeight: binary.LittleEndian.Uint32(data[0:4]),
		IsLastQCStrong:    data[4] != 0,
	}, nil
}

// EncodeInstantFinalityExtension serializes e as: claim_height[8 LE] ||
// claim_strong[1 byte] || has_new_finalizer_set[1 byte] ||
// (varint(len) || finalizer set bytes)? || varint(len(proposer policy raw)) || raw.
func EncodeInstantFinalityExtension(e *InstantFinalityExtension) []byte {
	var out []byte
	var buf8 [8]byte
	binary.LittleEndian.PutUint64(buf8[:], e.QCClaim.Height)
	out = append(out, buf8[:]...)
	if e.QCClaim.Strong {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}

	var tmp [binary.MaxVarintLen64]byte
	if e.NewFinalizerSet != nil {
		out = append(out, 1)
		fsBytes := EncodeFinalizerSetExtension(e.NewFinalizerSet)
		n := binary.PutUvarint(tmp[:], uint64(len(fsBytes)))
		out = append(out, tmp[:n]...)
		out = append(out, fsBytes...)
	} else {
		out = append(out, 0)
	}

	n := binary.PutUvarint(tmp[:], uint64(len(e.NewProposerPolicyRaw)))
	out = append(out, tmp[:n]...)
	out = append(out, e.NewProposerPolicyRaw...)
	return out
}

// DecodeInstantFinalityExtension parses the layout written by
// EncodeInstantFinalityExtension.
func DecodeInstantFinalityExtension(data []byte) (*InstantFinalityExtension, error) {
	if len(data) < 9 {
		return nil, ErrTruncated
	}
	e := &InstantFinalityExtension{
		QCClaim: QCClaim{
			Height: binary.LittleEndian.Uint64(data[0:8]),
			Strong: data[8] != 0,
		},
	}
	rest := data[9:]

	if len(rest) < 1 {
		return nil, ErrTruncated
	}
	hasFinalizerSet := rest[0] != 0
	rest = rest[1:]

	if hasFinalizerSet {
		fsLen, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("wire: bad nested finalizer set length varint")
		}
		rest = rest[n:]
		if uint64(len(rest)) < fsLen {
			return nil, ErrTruncated
		}
		fs, err := DecodeFinalizerSetExtension(rest[:fsLen])
		if err != nil {
			return nil, fmt.Errorf("wire: nested finalizer set: %w", err)
		}
		e.NewFinalizerSet = fs
		rest = rest[fsLen:]
	}

	rawLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("wire: bad proposer policy length varint")
	}
	rest = rest[n:]
	if uint64(len(rest)) < rawLen {
		return nil, ErrTruncated
	}
	e.NewProposerPolicyRaw = append([]byte(nil), rest[:rawLen]...)
	rest = rest[rawLen:]
	if len(rest) != 0 {
		return nil, fmt.Errorf("wire: %d trailing bytes after instant finality extension", len(rest))
	}
	return e, nil
}

