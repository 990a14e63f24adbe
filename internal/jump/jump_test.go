package jump

import (
	"math/big"
	"testing"
)

func TestBuildDeterministic(t *testing.T) {
	width := new(big.Int).Lsh(big.NewInt(1), 64)
	seed := []byte("fixed-seed-for-test")
	a := Build(width, seed)
	b := Build(width, seed)
	for i := range a.Entries {
		if !a.Entries[i].Scalar.Equal(b.Entries[i].Scalar) {
			t.Fatalf("entry %d not reproducible from the same seed", i)
		}
	}
}

func TestBuildDiffersBySeed(t *testing.T) {
	width := new(big.Int).Lsh(big.NewInt(1), 64)
	a := Build(width, []byte("seed-a"))
	b := Build(width, []byte("seed-b"))
	same := true
	for i := range a.Entries {
		if !a.Entries[i].Scalar.Equal(b.Entries[i].Scalar) {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different seeds should produce different tables")
	}
}

func TestMeanWithinOneULP(t *testing.T) {
	width := new(big.Int).Lsh(big.NewInt(1), 100)
	table := Build(width, []byte("ulp-check"))
	m := exponentForWidth(width)
	target := big.NewInt(int64(m))
	diff := new(big.Int).Sub(table.Mean, target)
	diff.Abs(diff)
	if diff.Cmp(big.NewInt(1)) > 0 {
		t.Fatalf("mean %v deviates from target %v by more than 1 ulp", table.Mean, target)
	}
}

func TestIndexIsLow7Bits(t *testing.T) {
	var x [32]byte
	x[31] = 0xFF
	if got := Index(x); got != 0x7F {
		t.Fatalf("Index = %d, want 127", got)
	}
}

func TestTrailingZeroBits(t *testing.T) {
	var x [32]byte
	x[31] = 0b1000 // three trailing zero bits
	if got := TrailingZeroBits(x); got != 3 {
		t.Fatalf("TrailingZeroBits = %d, want 3", got)
	}

	var zero [32]byte
	if got := TrailingZeroBits(zero); got != 256 {
		t.Fatalf("TrailingZeroBits(0) = %d, want 256", got)
	}
}
