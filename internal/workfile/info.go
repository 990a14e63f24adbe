package workfile

import (
	"fmt"
	"math"
	"math/big"
)

// Info is the set of derived statistics spec.md §4.7's info operation
// reports: header fields plus entry count, largest bucket, estimated
// completion percentage, and expected remaining group operations.
type Info struct {
	Header            Header
	EntryCount        uint64
	LargestBucket     int
	CompletionPercent float64
	ExpectedRemaining *big.Int
}

// Summarize computes Info for a loaded file. width is kmax-kmin as a
// big.Int (the caller already has kmin/kmax parsed from the header's raw
// bytes via internal/config, so it is passed in rather than re-decoded
// here).
func Summarize(f *File, width *big.Int) Info {
	entryCount := f.totalEntries()
	largest := 0
	for _, b := range f.Buckets {
		if len(b) > largest {
			largest = len(b)
		}
	}

	// Completion estimate per SPEC_FULL.md §3: 1 - exp(-entries^2 / (2*W)).
	completion := 0.0
	if width.Sign() > 0 && entryCount > 0 {
		wF := new(big.Float).SetInt(width)
		wFloat, _ := wF.Float64()
		if wFloat > 0 {
			exponent := -float64(entryCount) * float64(entryCount) / (2 * wFloat)
			completion = 1 - math.Exp(exponent)
		}
	}

	// Expected remaining ops per SPEC_FULL.md §3:
	// max(0, 2*sqrt(W) - entries*2^dp).
	sqrtW := new(big.Float).Sqrt(new(big.Float).SetInt(width))
	twoSqrtW := new(big.Float).Mul(sqrtW, big.NewFloat(2))
	dpFactor := new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), uint(f.Header.DP)))
	produced := new(big.Float).Mul(big.NewFloat(float64(entryCount)), dpFactor)
	remaining := new(big.Float).Sub(twoSqrtW, produced)
	remainingInt, _ := remaining.Int(nil)
	if remainingInt.Sign() < 0 {
		remainingInt = big.NewInt(0)
	}

	return Info{
		Header:            f.Header,
		EntryCount:        entryCount,
		LargestBucket:     largest,
		CompletionPercent: completion * 100,
		ExpectedRemaining: remainingInt,
	}
}

// String renders Info the way the -winfo CLI surface prints it.
func (i Info) String() string {
	return fmt.Sprintf(
		"kind=%d dp=%d buckets=%d entries=%d largest_bucket=%d herd=%d elapsed=%ds completion=%.4f%% remaining_ops=%s",
		i.Header.Kind, i.Header.DP, i.Header.BucketCount, i.EntryCount, i.LargestBucket,
		i.Header.HerdCount, i.Header.ElapsedSecs, i.CompletionPercent, i.ExpectedRemaining.String())
}
