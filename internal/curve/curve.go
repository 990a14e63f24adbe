// Package curve is the thin contract over secp256k1 field/group arithmetic
// that the rest of this module treats as an external collaborator: point
// add, scalar multiply, affine conversion, and modular scalar arithmetic
// over the group order n. Nothing here implements field math itself; it
// narrows github.com/decred/dcrd/dcrec/secp256k1/v4 down to the handful of
// operations the kangaroo engine needs.
package curve

import (
	"crypto/rand"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
)

// Scalar is an element of Z_n, n the secp256k1 group order.
type Scalar struct {
	v secp256k1.ModNScalar
}

// Point is an affine secp256k1 point, or the point at infinity.
type Point struct {
	x, y     secp256k1.FieldVal
	infinity bool
}

// N returns the secp256k1 group order as a big.Int, for interval arithmetic
// that must range over scalars wider than what a single ModNScalar op wants
// to express (e.g. generating a uniform offset in [0, W)).
func N() *big.Int {
	n := new(big.Int)
	n.SetString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)
	return n
}

// G returns the secp256k1 base point.
func G() Point {
	var p Point
	gx, gy := btcec.S256().Params().Gx, btcec.S256().Params().Gy
	p.x.SetByteSlice(gx.Bytes())
	p.y.SetByteSlice(gy.Bytes())
	return p
}

// Infinity returns the identity element.
func Infinity() Point { return Point{infinity: true} }

// IsInfinity reports whether p is the identity element.
func (p Point) IsInfinity() bool { return p.infinity }

// ScalarFromBigInt reduces a big.Int modulo n into a Scalar.
func ScalarFromBigInt(v *big.Int) Scalar {
	m := new(big.Int).Mod(v, N())
	var s Scalar
	buf := make([]byte, 32)
	m.FillBytes(buf)
	s.v.SetByteSlice(buf)
	return s
}

// ScalarFromBytes interprets a 32-byte big-endian buffer as a scalar mod n.
func ScalarFromBytes(b []byte) (Scalar, error) {
	if len(b) != 32 {
		return Scalar{}, errors.Errorf("curve: scalar must be 32 bytes, got %d", len(b))
	}
	var s Scalar
	overflow := s.v.SetByteSlice(b)
	_ = overflow // intentionally reduced mod n rather than rejected
	return s, nil
}

// RandomScalarInRange returns a uniformly random scalar in [0, width), width
// expressed as a big.Int. Used to seed initial kangaroo distances.
func RandomScalarInRange(width *big.Int) (Scalar, *big.Int, error) {
	if width.Sign() <= 0 {
		return Scalar{}, nil, errors.New("curve: width must be positive")
	}
	v, err := rand.Int(rand.Reader, width)
	if err != nil {
		return Scalar{}, nil, errors.Wrap(err, "curve: reading random scalar")
	}
	return ScalarFromBigInt(v), v, nil
}

// Bytes returns the big-endian 32-byte encoding of s reduced mod n.
func (s Scalar) Bytes() [32]byte { return s.v.Bytes() }

// BigInt returns s as a non-negative big.Int in [0, n).
func (s Scalar) BigInt() *big.Int {
	b := s.v.Bytes()
	return new(big.Int).SetBytes(b[:])
}

// IsZero reports whether s == 0 mod n.
func (s Scalar) IsZero() bool { return s.v.IsZero() }

// Add returns (s + o) mod n.
func (s Scalar) Add(o Scalar) Scalar {
	var r Scalar
	r.v.Add2(&s.v, &o.v)
	return r
}

// Sub returns (s - o) mod n.
func (s Scalar) Sub(o Scalar) Scalar {
	var neg secp256k1.ModNScalar
	neg.Set(&o.v)
	neg.Negate()
	var r Scalar
	r.v.Add2(&s.v, &neg)
	return r
}

// Equal reports whether s == o mod n.
func (s Scalar) Equal(o Scalar) bool { return s.v.Equals(&o.v) }

// Mean computes the arithmetic mean of scalars interpreted as small
// (< 2^(m+2)) non-negative integers — used only by the jump table builder,
// where exact big.Int arithmetic (not mod-n wraparound) is required.
func Mean(scalars []Scalar) *big.Int {
	sum := new(big.Int)
	for _, s := range scalars {
		sum.Add(sum, s.BigInt())
	}
	if len(scalars) == 0 {
		return sum
	}
	return new(big.Int).Div(sum, big.NewInt(int64(len(scalars))))
}

// ScalarBaseMult returns s*G.
func ScalarBaseMult(s Scalar) Point {
	var result secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s.v, &result)
	return jacobianToAffine(&result)
}

// ScalarMult returns s*p.
func ScalarMult(s Scalar, p Point) Point {
	if p.infinity {
		return p
	}
	jp := affineToJacobian(p)
	var result secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s.v, &jp, &result)
	return jacobianToAffine(&result)
}

// Add returns p + q.
func Add(p, q Point) Point {
	if p.infinity {
		return q
	}
	if q.infinity {
		return p
	}
	jp, jq := affineToJacobian(p), affineToJacobian(q)
	var result secp256k1.JacobianPoint
	secp256k1.AddNonConst(&jp, &jq, &result)
	return jacobianToAffine(&result)
}

// BatchAdd adds n independent pairs ps[i]+qs[i] using a single shared
// modular inversion (the Montgomery trick) instead of one inversion per
// pair — the batch-inversion stepping spec.md §4.2 asks a kangaroo herd's
// per-jump addition to use when many kangaroos step in lockstep. Each pair
// is added in Jacobian form first (no inversion), the nonzero Z
// coordinates are inverted together with one FieldVal.Inverse call, and
// every point's affine X/Y is then recovered from its own share of that
// single inversion.
func BatchAdd(ps, qs []Point) []Point {
	n := len(ps)
	out := make([]Point, n)
	jacs := make([]secp256k1.JacobianPoint, n)
	kept := make([]int, 0, n)

	for i := 0; i < n; i++ {
		switch {
		case ps[i].infinity:
			out[i] = qs[i]
		case qs[i].infinity:
			out[i] = ps[i]
		default:
			jp, jq := affineToJacobian(ps[i]), affineToJacobian(qs[i])
			secp256k1.AddNonConst(&jp, &jq, &jacs[i])
			if jacs[i].Z.IsZero() {
				// p == -q: the sum really is the identity.
				out[i] = Point{infinity: true}
				continue
			}
			kept = append(kept, i)
		}
	}
	if len(kept) == 0 {
		return out
	}

	// running[j] holds the product of Z for every kept index before j;
	// total ends up holding the product of every kept Z.
	running := make([]secp256k1.FieldVal, len(kept))
	total := new(secp256k1.FieldVal)
	total.SetInt(1)
	for j, i := range kept {
		running[j].Set(total)
		total.Mul(&jacs[i].Z)
	}
	total.Inverse()

	for j := len(kept) - 1; j >= 0; j-- {
		i := kept[j]
		var zInv secp256k1.FieldVal
		zInv.Mul2(total, &running[j])
		total.Mul(&jacs[i].Z)

		var zInv2, zInv3, x, y secp256k1.FieldVal
		zInv2.SquareVal(&zInv)
		zInv3.Mul2(&zInv2, &zInv)
		x.Mul2(&jacs[i].X, &zInv2).Normalize()
		y.Mul2(&jacs[i].Y, &zInv3).Normalize()
		out[i] = Point{x: x, y: y}
	}
	return out
}

// Equal reports point equality, including both being infinity.
func (p Point) Equal(q Point) bool {
	if p.infinity || q.infinity {
		return p.infinity == q.infinity
	}
	return p.x.Equals(&q.x) && p.y.Equals(&q.y)
}

// X returns the affine x-coordinate as a 32-byte big-endian buffer. Calling
// X on the identity element is a programmer error (kangaroos never legally
// visit infinity given the random-distance construction in herd.NewTame and
// herd.NewWild).
func (p Point) X() [32]byte {
	var out [32]byte
	b := p.x.Bytes()
	copy(out[:], b[:])
	return out
}

// Y returns the affine y-coordinate as a 32-byte big-endian buffer.
func (p Point) Y() [32]byte {
	var out [32]byte
	b := p.y.Bytes()
	copy(out[:], b[:])
	return out
}

// ParsePublicKey accepts either an uncompressed (64 hex-decoded bytes, X||Y)
// or compressed (33-byte SEC1) public key encoding, matching spec.md §6's
// config-file pubkey field.
func ParsePublicKey(raw []byte) (Point, error) {
	switch len(raw) {
	case 64:
		var p Point
		p.x.SetByteSlice(raw[:32])
		p.y.SetByteSlice(raw[32:])
		if !isOnCurve(p) {
			return Point{}, errors.New("curve: point not on secp256k1")
		}
		return p, nil
	case 33, 65:
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return Point{}, errors.Wrap(err, "curve: parsing compressed public key")
		}
		var p Point
		xb := pub.X().Bytes()
		yb := pub.Y().Bytes()
		p.x.SetByteSlice(xb[:])
		p.y.SetByteSlice(yb[:])
		return p, nil
	default:
		return Point{}, errors.Errorf("curve: public key must be 33, 64 or 65 bytes, got %d", len(raw))
	}
}

func isOnCurve(p Point) bool {
	// y^2 == x^3 + 7 (mod p)
	var y2, x3, rhs, seven secp256k1.FieldVal
	y2.SquareVal(&p.y).Normalize()
	x3.SquareVal(&p.x).Mul(&p.x).Normalize()
	seven.SetInt(7)
	rhs.Set(&x3).Add(&seven).Normalize()
	return y2.Equals(&rhs)
}

func affineToJacobian(p Point) secp256k1.JacobianPoint {
	var jp secp256k1.JacobianPoint
	jp.X.Set(&p.x)
	jp.Y.Set(&p.y)
	jp.Z.SetInt(1)
	return jp
}

func jacobianToAffine(jp *secp256k1.JacobianPoint) Point {
	jp.ToAffine()
	return Point{x: jp.X, y: jp.Y}
}
