package collision

import (
	"math/big"
	"testing"

	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
	"github.com/kangaroo-ecdlp/kangaroo/internal/hashtable"
	"github.com/kangaroo-ecdlp/kangaroo/internal/herd"
)

func packDist126(v *big.Int, tagBits byte) [16]byte {
	var full [32]byte
	v.FillBytes(full[:])
	var out [16]byte
	copy(out[:], full[16:])
	out[0] &= 0x3F
	out[0] |= tagBits << 6
	return out
}

func TestResolveRecoversKnownKey(t *testing.T) {
	kmin := big.NewInt(1000)
	secretOffset := big.NewInt(424242) // k = kmin + secretOffset
	k := new(big.Int).Add(kmin, secretOffset)
	target := curve.ScalarBaseMult(curve.ScalarFromBigInt(k))

	r := New(kmin, target, nil, nil)

	// A tame kangaroo reaching distance dTame from kmin*G, and a wild
	// kangaroo (offset 0) reaching distance dWild from target, collide at
	// the same point iff kmin + dTame == k + dWild (mod n), i.e.
	// dTame - dWild == k - kmin == secretOffset.
	dTame := big.NewInt(9999999)
	dWild := new(big.Int).Sub(dTame, secretOffset)

	col := &hashtable.Collision{
		DistA: packDist126(dTame, 0),
		TagA:  herd.Tame,
		DistB: packDist126(dWild, 1),
		TagB:  herd.WildOffset(0),
	}

	res, err := r.Resolve(col)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Key.Cmp(k) != 0 {
		t.Fatalf("recovered key %v, want %v", res.Key, k)
	}
}

func TestResolveRejectsBadCollision(t *testing.T) {
	kmin := big.NewInt(0)
	target := curve.ScalarBaseMult(curve.ScalarFromBigInt(big.NewInt(55)))
	r := New(kmin, target, nil, nil)

	col := &hashtable.Collision{
		DistA: packDist126(big.NewInt(1), 0),
		TagA:  herd.Tame,
		DistB: packDist126(big.NewInt(2), 1),
		TagB:  herd.WildOffset(0),
	}
	if _, err := r.Resolve(col); err != ErrBadCollision {
		t.Fatalf("expected ErrBadCollision, got %v", err)
	}
}

func TestResolveAbortsAfterMaxBad(t *testing.T) {
	kmin := big.NewInt(0)
	target := curve.ScalarBaseMult(curve.ScalarFromBigInt(big.NewInt(55)))
	r := New(kmin, target, nil, nil)
	col := &hashtable.Collision{
		DistA: packDist126(big.NewInt(1), 0),
		TagA:  herd.Tame,
		DistB: packDist126(big.NewInt(2), 1),
		TagB:  herd.WildOffset(0),
	}
	var lastErr error
	for i := 0; i < MaxBad+1; i++ {
		_, lastErr = r.Resolve(col)
	}
	if lastErr != ErrTooManyBadCollisions {
		t.Fatalf("expected ErrTooManyBadCollisions after %d bad collisions, got %v", MaxBad+1, lastErr)
	}
}

func TestResolveRejectsSameHerdPairing(t *testing.T) {
	kmin := big.NewInt(0)
	target := curve.ScalarBaseMult(curve.ScalarFromBigInt(big.NewInt(55)))
	r := New(kmin, target, nil, nil)
	col := &hashtable.Collision{
		DistA: packDist126(big.NewInt(1), 0),
		TagA:  herd.Tame,
		DistB: packDist126(big.NewInt(2), 0),
		TagB:  herd.Tame,
	}
	if _, err := r.Resolve(col); err == nil {
		t.Fatalf("expected an error for a same-herd pairing")
	}
}
