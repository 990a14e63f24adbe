// Package herd implements the tame/wild kangaroo population (spec.md §4.2):
// initialization, the per-step jump rule, batch-inversion-friendly stepping,
// and dead-kangaroo replacement for fruitless cycles.
package herd

import (
	"math/big"

	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
	"github.com/kangaroo-ecdlp/kangaroo/internal/dp"
	"github.com/kangaroo-ecdlp/kangaroo/internal/jump"
)

// Tag identifies which herd, and which wild sub-herd offset, a kangaroo
// belongs to. Tame is always offset 0; wild sub-herds carry a distinct,
// deterministic index when spec.md §4.2's optional multi-offset extension
// is in use.
type Tag struct {
	Wild       bool
	OffsetIdx  uint8 // only meaningful when Wild is true
}

// Tame is the canonical tame-herd tag.
var Tame = Tag{Wild: false}

// WildOffset returns the tag for wild sub-herd i (spec.md's "WildOffset_i").
func WildOffset(i uint8) Tag { return Tag{Wild: true, OffsetIdx: i} }

// Kangaroo is one walker: position, accumulated distance, and tag. The
// invariant pos = (kmin + dist)*G (tame) or pos = P + offset(tag) -
// (width/2)*G + dist*G (wild, see wildBase) must hold after every Step call.
type Kangaroo struct {
	Pos               curve.Point
	Dist              curve.Scalar
	Tag               Tag
	StepsSinceLastDP  int
}

// Params bundles the run-invariant values every kangaroo operation needs.
type Params struct {
	KMin   *big.Int
	Width  *big.Int // kmax - kmin
	Table  *jump.Table
	DPBits int
	// Offsets maps a wild sub-herd index to its scalar offset o_i and its
	// precomputed point P + o_i*G. Index 0 is the primary wild herd with
	// offset 0.
	Offsets       []curve.Scalar
	OffsetPoints  []curve.Point
	// DeadAfter is C (spec.md §4.2's constant, default 8) times 2^dp: a
	// kangaroo stuck without emitting a DP for more than this many steps is
	// replaced.
	DeadAfter int
}

// DeadMultiplier is the constant C from spec.md §4.2.
const DeadMultiplier = 8

// DeadAfterSteps computes C * 2^dp, clamped so dp=0 still yields a usable
// (if generous) stall budget.
func DeadAfterSteps(dpBits int) int {
	if dpBits <= 0 {
		return DeadMultiplier * 1024
	}
	if dpBits > 30 {
		dpBits = 30
	}
	return DeadMultiplier * (1 << uint(dpBits))
}

// NewTame allocates a tame kangaroo: dist uniform in [0, width), pos =
// (kmin+dist)*G.
func NewTame(p *Params) (Kangaroo, error) {
	s, distBig, err := curve.RandomScalarInRange(p.Width)
	if err != nil {
		return Kangaroo{}, err
	}
	start := new(big.Int).Add(p.KMin, distBig)
	startScalar := curve.ScalarFromBigInt(start)
	return Kangaroo{
		Pos:  curve.ScalarBaseMult(startScalar),
		Dist: s,
		Tag:  Tame,
	}, nil
}

// wildBase returns the point a wild kangaroo's *stored* distance is added
// to for sub-herd idx: target + offset_idx*G, shifted down by (width/2)*G.
// A wild kangaroo's true distance is uniform in [-width/2, width/2), but
// that signed value is what NewWild stores directly would do — and a
// negative distance reduced mod n by ScalarFromBigInt becomes a near-n,
// ~256-bit scalar that hashtable's 126-bit packDist truncation silently
// corrupts (see DESIGN.md). Folding the -width/2 shift into the base point
// instead lets Dist stay the non-negative, <width offset-by-half value that
// survives truncation; collision.distBigInt's caller un-shifts it back on
// recovery.
func wildBase(p *Params, target curve.Point, idx uint8) curve.Point {
	base := target
	if int(idx) < len(p.OffsetPoints) {
		base = curve.Add(target, p.OffsetPoints[idx])
	}
	half := new(big.Int).Rsh(p.Width, 1)
	negHalf := curve.ScalarFromBigInt(new(big.Int).Neg(half))
	return curve.Add(base, curve.ScalarBaseMult(negHalf))
}

// NewWild allocates a wild kangaroo for the given sub-herd index: a true
// distance uniform in [-width/2, width/2), stored as the non-negative
// offset-by-width/2 value dist = true+width/2, pos = wildBase + dist*G.
func NewWild(p *Params, target curve.Point, idx uint8) (Kangaroo, error) {
	half := new(big.Int).Rsh(p.Width, 1)
	_, distBig, err := curve.RandomScalarInRange(new(big.Int).Lsh(half, 1))
	if err != nil {
		return Kangaroo{}, err
	}
	// distBig is already uniform in [0, width) — exactly the offset-by-half
	// representation NewWild stores, so no further shift is needed here.
	dist := curve.ScalarFromBigInt(distBig)
	pos := curve.Add(wildBase(p, target, idx), curve.ScalarBaseMult(dist))
	return Kangaroo{
		Pos:  pos,
		Dist: dist,
		Tag:  WildOffset(idx),
	}, nil
}

// BuildOffsets returns the Offsets/OffsetPoints pair every wild sub-herd in
// this implementation uses: index 0 is the primary herd (offset 0), index 1
// is shifted by the full search width so its wild kangaroos explore ground
// disjoint from index 0's. hashtable's 2-bit tag can only address two
// sub-herds, so two is also as many as this implementation ever builds;
// callers that must agree on the same offsets independently (engine and the
// coordination server both derive one from the same target width) call this
// instead of hand-rolling their own.
func BuildOffsets(width *big.Int) ([]curve.Scalar, []curve.Point) {
	offset1 := curve.ScalarFromBigInt(width)
	return []curve.Scalar{curve.ScalarFromBigInt(big.NewInt(0)), offset1},
		[]curve.Point{curve.Infinity(), curve.ScalarBaseMult(offset1)}
}

// Step advances one kangaroo by a single jump: i = low7(pos.x), pos +=
// J_i, dist += s_i mod n. This is the only mutation allowed on a kangaroo
// outside of dead-kangaroo replacement; it is never called concurrently
// for the same kangaroo (the herd is thread-partitioned per spec.md §5).
func Step(k *Kangaroo, table *jump.Table) [32]byte {
	x := k.Pos.X()
	idx := jump.Index(x)
	entry := table.Entries[idx]
	k.Pos = curve.Add(k.Pos, entry.Point)
	k.Dist = k.Dist.Add(entry.Scalar)
	return k.Pos.X()
}

// StepBatch advances many kangaroos by one jump each, using
// curve.BatchAdd's Montgomery-trick shared inversion across the whole
// batch instead of one inversion per kangaroo — spec.md §4.2's
// batch-inversion-friendly stepping note. A kangaroo landing on its jump
// partner's negation (pos+jump == infinity) is a real, if vanishingly
// rare, curve anomaly; BatchAdd reports that pair as the identity point
// rather than panicking. StepBatch then returns 32 zero bytes as that
// kangaroo's x-coordinate, which passes every dp threshold, and the
// kangaroo steps on from the identity in the next round.
func StepBatch(ks []Kangaroo, table *jump.Table) [][32]byte {
	n := len(ks)
	bases := make([]curve.Point, n)
	adds := make([]curve.Point, n)
	jumps := make([]jump.Entry, n)
	for i := range ks {
		idx := jump.Index(ks[i].Pos.X())
		jumps[i] = table.Entries[idx]
		bases[i] = ks[i].Pos
		adds[i] = jumps[i].Point
	}

	results := curve.BatchAdd(bases, adds)
	out := make([][32]byte, n)
	for i := range ks {
		ks[i].Pos = results[i]
		ks[i].Dist = ks[i].Dist.Add(jumps[i].Scalar)
		out[i] = ks[i].Pos.X()
	}
	return out
}

// VerifyPosition checks the herd invariant (spec.md §8 property 2): pos ==
// (kmin + dist)*G for tame, or pos == wildBase(tag) + dist*G for wild, i.e.
// P + offset(tag) - (width/2)*G + dist*G.
func VerifyPosition(p *Params, target curve.Point, k Kangaroo) bool {
	if !k.Tag.Wild {
		start := curve.ScalarBaseMult(curve.ScalarFromBigInt(p.KMin))
		expect := curve.Add(start, curve.ScalarBaseMult(k.Dist))
		return expect.Equal(k.Pos)
	}
	expect := curve.Add(wildBase(p, target, k.Tag.OffsetIdx), curve.ScalarBaseMult(k.Dist))
	return expect.Equal(k.Pos)
}

// MaybeReplace implements dead-kangaroo detection: if steps since the last
// DP exceed DeadAfter, the kangaroo is discarded and replaced with a fresh,
// randomized kangaroo of the same tag (spec.md §4.2). Returns true if a
// replacement happened.
func MaybeReplace(p *Params, target curve.Point, k *Kangaroo) (bool, error) {
	if k.StepsSinceLastDP <= p.DeadAfter {
		return false, nil
	}
	var fresh Kangaroo
	var err error
	if k.Tag.Wild {
		fresh, err = NewWild(p, target, k.Tag.OffsetIdx)
	} else {
		fresh, err = NewTame(p)
	}
	if err != nil {
		return false, err
	}
	*k = fresh
	return true, nil
}

// OnStepResult updates StepsSinceLastDP bookkeeping after a step; callers
// pass whether the resulting x-coordinate passed the DP filter.
func OnStepResult(k *Kangaroo, x [32]byte, dpBits int) {
	if dp.IsDistinguished(x, dpBits) {
		k.StepsSinceLastDP = 0
	} else {
		k.StepsSinceLastDP++
	}
}
