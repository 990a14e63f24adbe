// Package collision turns a hashtable fingerprint collision into a
// candidate discrete log, verifies it, and tracks bad collisions (spec.md
// §4.5).
package collision

import (
	"fmt"
	"math/big"
	"time"

	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
	"github.com/kangaroo-ecdlp/kangaroo/internal/hashtable"
	"github.com/kangaroo-ecdlp/kangaroo/internal/herd"
)

// MaxBad is the bad-collision threshold from spec.md §4.5: after this many
// verify failures the engine aborts, on the theory that something is wrong
// with n-arithmetic or the work file rather than with statistics.
const MaxBad = 4

// Result is a verified, recovered private key ready for the output sink.
type Result struct {
	Key       *big.Int
	Candidate int
	Found     time.Time
}

// Resolver accumulates bad-collision counts and derives/verifies candidate
// keys from hashtable.Collision records.
type Resolver struct {
	kmin    *big.Int
	n       *big.Int
	target  curve.Point
	offsets []curve.Scalar // offsets[i] = o_i for wild sub-herd i
	half    *big.Int       // width/2: undoes herd.NewWild's offset-by-half storage

	badCount   int
	candidates int
	maxBad     int
}

// New creates a Resolver bound to one run's (kmin, target, offsets, width),
// using the default MaxBad threshold.
func New(kmin *big.Int, target curve.Point, offsets []curve.Scalar, width *big.Int) *Resolver {
	return NewWithMaxBad(kmin, target, offsets, width, MaxBad)
}

// NewWithMaxBad is New with an explicit bad-collision threshold, for the
// "-m" CLI override (SPEC_FULL.md §3).
func NewWithMaxBad(kmin *big.Int, target curve.Point, offsets []curve.Scalar, width *big.Int, maxBad int) *Resolver {
	half := new(big.Int)
	if width != nil {
		half.Rsh(width, 1)
	}
	return &Resolver{kmin: kmin, n: curve.N(), target: target, offsets: offsets, half: half, maxBad: maxBad}
}

// offsetFor returns o_i for a wild tag, or 0 for tame or an index with no
// configured offset.
func (r *Resolver) offsetFor(t herd.Tag) *big.Int {
	if !t.Wild || int(t.OffsetIdx) >= len(r.offsets) {
		return big.NewInt(0)
	}
	return r.offsets[t.OffsetIdx].BigInt()
}

// distBigInt reconstructs a big.Int distance from the truncated 126-bit
// field (the 16 bytes carry the tag in their top 2 bits and the distance in
// the low 126 bits, per hashtable.packDist). For a wild side this is herd.NewWild's
// stored, offset-by-half value, not the true signed distance; Resolve
// un-shifts it by r.half before using it.
func distBigInt(d [16]byte) *big.Int {
	masked := d
	masked[0] &= 0x3F
	return new(big.Int).SetBytes(masked[:])
}

// Resolve derives k_candidate from a collision, verifies it against the
// target public key, and returns a Result on success. On verification
// failure it increments the bad-collision counter and returns
// (nil, ErrBadCollision) unless the threshold has been exceeded, in which
// case it returns ErrTooManyBadCollisions.
func (r *Resolver) Resolve(c *hashtable.Collision) (*Result, error) {
	// Identify which side is tame and which is wild; either may arrive
	// first (spec.md §5: collisions are commutative).
	var dTame, dWild *big.Int
	var wildTag herd.Tag
	switch {
	case !c.TagA.Wild && c.TagB.Wild:
		dTame = distBigInt(c.DistA)
		dWild = distBigInt(c.DistB)
		wildTag = c.TagB
	case c.TagA.Wild && !c.TagB.Wild:
		dTame = distBigInt(c.DistB)
		dWild = distBigInt(c.DistA)
		wildTag = c.TagA
	default:
		return nil, errBadTagPairing
	}

	o := r.offsetFor(wildTag)
	// dWild is herd.NewWild's stored offset-by-half value; add back the
	// half-width shift to recover the true signed wild distance before
	// computing k_candidate = kmin + d_T - d_W - o.
	k := new(big.Int).Sub(dTame, dWild)
	k.Add(k, r.half)
	k.Sub(k, o)
	k.Mod(k, r.n)
	k.Add(k, r.kmin)
	k.Mod(k, r.n)

	candidateScalar := curve.ScalarFromBigInt(k)
	got := curve.ScalarBaseMult(candidateScalar)
	if !got.Equal(r.target) {
		r.badCount++
		if r.badCount > r.maxBad {
			return nil, ErrTooManyBadCollisions
		}
		return nil, ErrBadCollision
	}

	r.candidates++
	return &Result{Key: k, Candidate: r.candidates, Found: time.Now()}, nil
}

// BadCount reports how many verify failures have been observed so far.
func (r *Resolver) BadCount() int { return r.badCount }

var (
	errBadTagPairing        = fmt.Errorf("collision: both sides share the same herd; not a real tame/wild collision")
	ErrBadCollision         = fmt.Errorf("collision: candidate key failed verification")
	ErrTooManyBadCollisions = fmt.Errorf("collision: exceeded max bad collisions (%d)", MaxBad)
)

// FormatLine renders a Result as the §6 output-file line:
// "Key#<n> [Count 2^<log2>][<time>] Pub:<hex> Priv: 0x<hex>".
func FormatLine(res *Result, pub curve.Point, log2Count float64) string {
	pubX := pub.X()
	return fmt.Sprintf("Key#%d [Count 2^%.2f][%s] Pub:%x Priv: 0x%x\n",
		res.Candidate, log2Count, res.Found.Format(time.RFC3339), pubX, res.Key.Bytes())
}
