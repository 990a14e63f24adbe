// Package jump builds the 128-entry pseudo-random jump table shared by the
// tame and wild herds (spec.md §4.1). The table must be bit-exact across
// every participant that shares a (width, jumpSeed) pair without any
// coordination, so its scalars are expanded deterministically from the
// seed the same way kcptun expands a pre-shared secret into a session key:
// one call to a key-derivation function, sliced into fixed-size pieces.
package jump

import (
	"crypto/sha1"
	"math/big"
	"math/bits"

	"golang.org/x/crypto/pbkdf2"

	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
)

// TableSize is the fixed jump-table length; the jump index for a kangaroo
// is low7(pos.x), i.e. pos.x mod TableSize.
const TableSize = 128

// SALT mirrors kcptun's SALT constant in client/main.go and server/main.go:
// a fixed, public salt is fine because the secret material here (the run's
// jumpSeed) is not meant to be confidential — only reproducible.
const SALT = "kangaroo-jump-table"

// Entry is one precomputed jump: a scalar and its image under the group
// generator.
type Entry struct {
	Scalar curve.Scalar
	Point  curve.Point
}

// Table is the full 128-entry jump table plus the integer mean of its
// scalars.
type Table struct {
	Entries [TableSize]Entry
	Mean    *big.Int
}

// exponentForWidth returns m = ceil(log2(sqrt(width))), the bit-length
// target for jump magnitudes per spec.md §4.1.
func exponentForWidth(width *big.Int) uint {
	bitLen := width.BitLen()
	// sqrt(width) has roughly bitLen/2 bits; ceil-divide to round up.
	m := (bitLen + 1) / 2
	if m < 1 {
		m = 1
	}
	return uint(m)
}

// Build derives a deterministic 128-entry jump table from (width, jumpSeed).
// Any two participants who are told the same (width, jumpSeed) compute an
// identical table without further coordination, satisfying spec.md §4.1 and
// the jump-mean testable property in spec.md §8.
func Build(width *big.Int, jumpSeed []byte) *Table {
	m := exponentForWidth(width)
	upperBound := new(big.Int).Lsh(big.NewInt(1), m+1) // [1, 2^(m+1)]

	// Derive enough pseudo-random bytes for 127 candidate scalars, 32 bytes
	// each, via PBKDF2 — the same "stretch one secret into many bytes"
	// primitive kcptun uses for its AES session key (client/main.go: "initiating
	// key derivation" / pbkdf2.Key(config.Key, SALT, 4096, 32, sha1.New)).
	const perEntry = 32
	derived := pbkdf2.Key(jumpSeed, []byte(SALT), 4096, perEntry*(TableSize-1), sha1.New)

	t := &Table{}
	sum := new(big.Int)
	for i := 0; i < TableSize-1; i++ {
		chunk := derived[i*perEntry : (i+1)*perEntry]
		raw := new(big.Int).SetBytes(chunk)
		v := new(big.Int).Mod(raw, upperBound)
		if v.Sign() == 0 {
			v.SetInt64(1)
		}
		sum.Add(sum, v)
		s := curve.ScalarFromBigInt(v)
		t.Entries[i] = Entry{Scalar: s, Point: curve.ScalarBaseMult(s)}
	}

	// The 128th scalar is chosen so the arithmetic mean of all 128 equals m
	// exactly: sum(first 127) + last == 128*m.
	target := new(big.Int).Mul(big.NewInt(int64(TableSize)), big.NewInt(int64(m)))
	last := new(big.Int).Sub(target, sum)
	if last.Sign() <= 0 {
		last.SetInt64(1)
	}
	s := curve.ScalarFromBigInt(last)
	t.Entries[TableSize-1] = Entry{Scalar: s, Point: curve.ScalarBaseMult(s)}

	allSum := new(big.Int).Add(sum, last)
	t.Mean = new(big.Int).Div(allSum, big.NewInt(int64(TableSize)))
	return t
}

// Index returns the jump-table index for a point's x-coordinate: the low 7
// bits, i.e. x mod 128.
func Index(x [32]byte) int {
	return int(x[31] & (TableSize - 1))
}

// TrailingZeroBits returns the number of trailing zero bits of x, treating
// x as a 256-bit big-endian integer. Shared with internal/dp's distinguished
// point test.
func TrailingZeroBits(x [32]byte) int {
	for i := 31; i >= 0; i-- {
		if x[i] != 0 {
			return (31-i)*8 + bits.TrailingZeros8(x[i])
		}
	}
	return 256
}
