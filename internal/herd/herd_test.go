package herd

import (
	"math/big"
	"testing"

	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
	"github.com/kangaroo-ecdlp/kangaroo/internal/jump"
)

func testParams(t *testing.T) (*Params, curve.Point) {
	t.Helper()
	width := new(big.Int).Lsh(big.NewInt(1), 32)
	table := jump.Build(width, []byte("herd-test-seed"))
	secret := curve.ScalarFromBigInt(big.NewInt(123456789))
	target := curve.ScalarBaseMult(secret)
	return &Params{
		KMin:      big.NewInt(0),
		Width:     width,
		Table:     table,
		DPBits:    4,
		DeadAfter: DeadAfterSteps(4),
	}, target
}

func TestTameInvariantHoldsAfterSteps(t *testing.T) {
	p, target := testParams(t)
	k, err := NewTame(p)
	if err != nil {
		t.Fatalf("NewTame: %v", err)
	}
	if !VerifyPosition(p, target, k) {
		t.Fatalf("tame invariant violated at init")
	}
	for i := 0; i < 50; i++ {
		x := Step(&k, p.Table)
		OnStepResult(&k, x, p.DPBits)
		if !VerifyPosition(p, target, k) {
			t.Fatalf("tame invariant violated after step %d", i)
		}
	}
}

func TestWildInvariantHoldsAfterSteps(t *testing.T) {
	p, target := testParams(t)
	k, err := NewWild(p, target, 0)
	if err != nil {
		t.Fatalf("NewWild: %v", err)
	}
	if !VerifyPosition(p, target, k) {
		t.Fatalf("wild invariant violated at init")
	}
	for i := 0; i < 50; i++ {
		x := Step(&k, p.Table)
		OnStepResult(&k, x, p.DPBits)
		if !VerifyPosition(p, target, k) {
			t.Fatalf("wild invariant violated after step %d", i)
		}
	}
}

func TestStepBatchMatchesIndividualSteps(t *testing.T) {
	p, target := testParams(t)
	viaBatch := make([]Kangaroo, 4)
	viaLoop := make([]Kangaroo, 4)
	for i := range viaBatch {
		k, err := NewWild(p, target, 0)
		if err != nil {
			t.Fatalf("NewWild: %v", err)
		}
		viaBatch[i] = k
		viaLoop[i] = k
	}

	for round := 0; round < 10; round++ {
		StepBatch(viaBatch, p.Table)
		for i := range viaLoop {
			Step(&viaLoop[i], p.Table)
		}
	}

	for i := range viaBatch {
		if !viaBatch[i].Pos.Equal(viaLoop[i].Pos) {
			t.Fatalf("kangaroo %d: batched position diverged from individual stepping", i)
		}
		if !viaBatch[i].Dist.Equal(viaLoop[i].Dist) {
			t.Fatalf("kangaroo %d: batched distance diverged from individual stepping", i)
		}
		if !VerifyPosition(p, target, viaBatch[i]) {
			t.Fatalf("kangaroo %d: invariant violated after StepBatch", i)
		}
	}
}

func TestMaybeReplacePreservesInvariantAndTag(t *testing.T) {
	p, target := testParams(t)
	k, _ := NewTame(p)
	k.StepsSinceLastDP = p.DeadAfter + 1
	replaced, err := MaybeReplace(p, target, &k)
	if err != nil {
		t.Fatalf("MaybeReplace: %v", err)
	}
	if !replaced {
		t.Fatalf("expected replacement once stall budget exceeded")
	}
	if k.Tag.Wild {
		t.Fatalf("replacement must preserve the tame tag")
	}
	if !VerifyPosition(p, target, k) {
		t.Fatalf("replaced kangaroo violates the invariant")
	}
}

func TestMaybeReplaceNoopBelowThreshold(t *testing.T) {
	p, target := testParams(t)
	k, _ := NewTame(p)
	before := k
	k.StepsSinceLastDP = p.DeadAfter - 1
	replaced, err := MaybeReplace(p, target, &k)
	if err != nil {
		t.Fatalf("MaybeReplace: %v", err)
	}
	if replaced {
		t.Fatalf("should not replace before the stall threshold")
	}
	if !k.Dist.Equal(before.Dist) {
		t.Fatalf("no-op replace must not mutate the kangaroo")
	}
}
