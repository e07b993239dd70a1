package merkle

import (
	"math/bits"
	"sync"

	"github.com/certen/instant-finality/pkg/digest"
)

// parallelThreshold2 and parallelThreshold4 are the sequence-length
// cutoffs at which CalculateMerkle fans a power-of-two subrange out
// across 2 or 4 goroutines, per §4.3's batch algorithm.
const (
	parallelThreshold2 = 256
	parallelThreshold4 = 2048
)

// CalculateMerkle computes the Merkle root over seq without mutating
// it, using the balanced power-of-two split algorithm of §4.3. The
// result is always equal to appending seq into an empty Tree and
// reading Root() (property 1, "Merkle equivalence").
func CalculateMerkle(seq []digest.Digest) digest.Digest {
	n := len(seq)
	if n == 0 {
		return digest.Zero
	}
	if n == 1 {
		return seq[0]
	}

	m := bitFloor(uint64(n))
	if uint64(n) == m {
		return calculateMerklePow2(seq, true)
	}

	left := calculateMerklePow2(seq[:m], true)
	right := CalculateMerkle(seq[m:])
	return digest.Combine(left, right)
}

// calculateMerklePow2 computes the Merkle root over a power-of-two
// length slice. parallel gates whether THIS call may fan out; the
// sub-calls it spawns never fan out further, bounding concurrency to a
// single level exactly as §4.3 specifies (2 threads at n>=256, 4
// threads at n>=2048).
func calculateMerklePow2(seq []digest.Digest, parallel bool) digest.Digest {
	size := len(seq)
	if size == 2 {
		return digest.Combine(seq[0], seq[1])
	}

	if parallel && size >= parallelThreshold2 {
		workers := 2
		if size >= parallelThreshold4 {
			workers = 4
		}
		return fanOut(seq, workers)
	}

	mid := size / 2
	return digest.Combine(
		calculateMerklePow2(seq[:mid], false),
		calculateMerklePow2(seq[mid:], false),
	)
}

func fanOut(seq []digest.Digest, workers int) digest.Digest {
	sliceSize := len(seq) / workers
	partial := make([]digest.Digest, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		i := i
		go func() {
			defer wg.Done()
			start := sliceSize * i
			end := sliceSize * (i + 1)
			partial[i] = calculateMerklePow2(seq[start:end], false)
		}()
	}
	wg.Wait()

	return calculateMerklePow2(partial, false)
}

// bitFloor returns the largest power of two <= x, or 0 if x == 0.
func bitFloor(x uint64) uint64 {
	if x == 0 {
		return 0
	}
	return uint64(1) << (63 - bits.LeadingZeros64(x))
}
