package curve

import (
	"math/big"
	"testing"
)

func TestScalarBaseMultIdentity(t *testing.T) {
	zero := ScalarFromBigInt(big.NewInt(0))
	p := ScalarBaseMult(zero)
	if !p.IsInfinity() {
		t.Fatalf("0*G should be the identity element")
	}
}

func TestScalarAddSubRoundTrip(t *testing.T) {
	a := ScalarFromBigInt(big.NewInt(12345))
	b := ScalarFromBigInt(big.NewInt(678))
	sum := a.Add(b)
	back := sum.Sub(b)
	if !back.Equal(a) {
		t.Fatalf("(a+b)-b should equal a")
	}
}

func TestAddCommutative(t *testing.T) {
	g := G()
	k := ScalarFromBigInt(big.NewInt(7))
	p := ScalarBaseMult(k)
	sum1 := Add(g, p)
	sum2 := Add(p, g)
	if !sum1.Equal(sum2) {
		t.Fatalf("point addition must be commutative")
	}
}

func TestScalarMultMatchesRepeatedAdd(t *testing.T) {
	g := G()
	three := ScalarFromBigInt(big.NewInt(3))
	viaMult := ScalarMult(three, g)
	viaAdd := Add(Add(g, g), g)
	if !viaMult.Equal(viaAdd) {
		t.Fatalf("3*G should equal G+G+G")
	}
}

func TestParsePublicKeyRejectsOffCurve(t *testing.T) {
	bad := make([]byte, 64)
	bad[31] = 1
	bad[63] = 1
	if _, err := ParsePublicKey(bad); err == nil {
		t.Fatalf("expected error for off-curve point")
	}
}

func TestBatchAddMatchesIndividualAdd(t *testing.T) {
	var ps, qs []Point
	for i := 1; i <= 8; i++ {
		ps = append(ps, ScalarBaseMult(ScalarFromBigInt(big.NewInt(int64(i)))))
		qs = append(qs, ScalarBaseMult(ScalarFromBigInt(big.NewInt(int64(100*i)))))
	}
	got := BatchAdd(ps, qs)
	for i := range ps {
		want := Add(ps[i], qs[i])
		if !got[i].Equal(want) {
			t.Fatalf("BatchAdd[%d] = %v, want %v", i, got[i], want)
		}
	}
}

func TestBatchAddHandlesInfinity(t *testing.T) {
	g := G()
	ps := []Point{Infinity(), g}
	qs := []Point{g, Infinity()}
	got := BatchAdd(ps, qs)
	if !got[0].Equal(g) {
		t.Fatalf("infinity + g should equal g")
	}
	if !got[1].Equal(g) {
		t.Fatalf("g + infinity should equal g")
	}
}

func TestMean(t *testing.T) {
	scalars := []Scalar{
		ScalarFromBigInt(big.NewInt(2)),
		ScalarFromBigInt(big.NewInt(4)),
		ScalarFromBigInt(big.NewInt(6)),
	}
	m := Mean(scalars)
	if m.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("mean = %v, want 4", m)
	}
}
