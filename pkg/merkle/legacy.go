package merkle

import "github.com/certen/instant-finality/pkg/digest"

// CalculateMerkleLegacy computes the pre-Savanna Merkle root (C9): if
// the working set has odd size, the last digest is duplicated; each
// pair is tagged left/right before hashing. Bit-exact against
// AntelopeIO's calculate_merkle_legacy. Does not mutate ids.
func CalculateMerkleLegacy(ids []digest.Digest) digest.Digest {
	if len(ids) == 0 {
		return digest.Zero
	}

	work := make([]digest.Digest, len(ids))
	copy(work, ids)

	for len(work) > 1 {
		if len(work)%2 != 0 {
			work = append(work, work[len(work)-1])
		}

		next := make([]digest.Digest, len(work)/2)
		for i := range next {
			left := digest.TagLeft(work[2*i])
			right := digest.TagRight(work[2*i+1])
			next[i] = digest.Combine(left, right)
		}
		work = next
	}

	return work[0]
}
