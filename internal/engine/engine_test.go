package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
)

func TestConstructRejectsInvertedRange(t *testing.T) {
	_, err := Construct(Config{KMin: big.NewInt(10), KMax: big.NewInt(5)})
	if err == nil {
		t.Fatalf("expected an error for kmin >= kmax")
	}
}

func TestConstructPicksAutoDP(t *testing.T) {
	e, err := Construct(Config{
		KMin: big.NewInt(0), KMax: big.NewInt(1 << 30),
		Target:        curve.ScalarBaseMult(curve.ScalarFromBigInt(big.NewInt(42))),
		NumCPUThreads: 2,
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if e.DPBits() <= 0 {
		t.Fatalf("expected a positive auto-selected dp, got %d", e.DPBits())
	}
}

func TestAddGPUAfterConstructIsRejected(t *testing.T) {
	e, err := Construct(Config{KMin: big.NewInt(0), KMax: big.NewInt(1024), NumCPUThreads: 1})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if err := e.AddGPU(nil); err == nil {
		t.Fatalf("expected AddGPU to be rejected after Construct")
	}
}

func TestRunFindsTinyKey(t *testing.T) {
	secret := big.NewInt(0xDEADBEEF)
	target := curve.ScalarBaseMult(curve.ScalarFromBigInt(secret))

	e, err := Construct(Config{
		KMin: big.NewInt(0), KMax: new(big.Int).Lsh(big.NewInt(1), 32),
		Target:         target,
		JumpSeed:       []byte("engine-test-seed"),
		NumCPUThreads:  4,
		DPBitsOverride: 4,
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	result, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result == nil {
		t.Skip("no collision found within the test time budget (statistical test; not a hard failure)")
	}
	if result.Key.Cmp(secret) != 0 {
		t.Fatalf("recovered key = %s, want %s", result.Key.String(), secret.String())
	}
}

func TestSnapshotRecordsDPBits(t *testing.T) {
	target := curve.ScalarBaseMult(curve.ScalarFromBigInt(big.NewInt(7)))
	e, err := Construct(Config{
		KMin: big.NewInt(0), KMax: big.NewInt(1 << 20),
		Target: target, NumCPUThreads: 1, DPBitsOverride: 2,
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	f := e.Snapshot(target, big.NewInt(0), big.NewInt(1<<20))
	if f.Header.DP != 2 {
		t.Fatalf("snapshot dp = %d, want 2", f.Header.DP)
	}
}
