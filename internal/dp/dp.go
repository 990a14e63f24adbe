// Package dp implements the distinguished-point filter (spec.md §4.3): a
// point is distinguished iff its x-coordinate has at least dp trailing zero
// bits. dp itself is chosen automatically from the search width and herd
// size so each kangaroo emits, on average, one DP roughly every sqrt(W)/2^dp
// steps.
package dp

import (
	"math"
	"math/big"

	"github.com/kangaroo-ecdlp/kangaroo/internal/jump"
)

// MaxBits clamps the automatically-chosen dp, per spec.md §4.3.
const MaxBits = 32

// IsDistinguished reports whether x qualifies as a distinguished point under
// the given dp threshold.
func IsDistinguished(x [32]byte, dpBits int) bool {
	if dpBits <= 0 {
		return true
	}
	return jump.TrailingZeroBits(x) >= dpBits
}

// Auto computes dp = max(0, floor(log2(sqrt(width) / (2*herdSize))) - 1),
// clamped to [0, MaxBits], per spec.md §4.3. herdSize must be the final,
// fully-configured herd size — late herd growth (e.g. hot-adding a GPU) must
// not reopen this calculation, per spec.md §9's second open question.
func Auto(width *big.Int, herdSize int) int {
	if herdSize <= 0 {
		herdSize = 1
	}
	// sqrtWidth ~ 2^(bitlen(width)/2); work in log2 space directly to avoid
	// an expensive exact big.Int sqrt for values that may be up to 2^256.
	log2SqrtWidth := float64(width.BitLen()) / 2.0
	log2HerdTerm := math.Log2(float64(2 * herdSize))
	raw := int(log2SqrtWidth-log2HerdTerm) - 1
	if raw < 0 {
		raw = 0
	}
	if raw > MaxBits {
		raw = MaxBits
	}
	return raw
}
