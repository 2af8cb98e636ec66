package selection

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strconv"
)

// GenerateDraws returns count pseudo-random integers in [lo, hi] derived from the public seed.
// Draw i is lo + (SHA-256(seed + "," + i) mod (hi-lo+1)), so anyone holding the seed can
// reproduce the sample.
func GenerateDraws(seed string, count int, lo, hi int64) ([]int64, error) {
	if seed == "" {
		return nil, fmt.Errorf("a random seed is required")
	}
	if count < 0 {
		return nil, fmt.Errorf("draw count must not be negative, got %d", count)
	}
	if lo > hi {
		return nil, fmt.Errorf("invalid draw range [%d, %d]", lo, hi)
	}

	span := new(big.Int).SetInt64(hi - lo + 1)
	draws := make([]int64, 0, count)
	for i := 1; i <= count; i++ {
		sum := sha256.Sum256([]byte(seed + "," + strconv.Itoa(i)))
		x := new(big.Int).SetBytes(sum[:])
		x.Mod(x, span)
		draws = append(draws, lo+x.Int64())
	}
	return draws, nil
}
