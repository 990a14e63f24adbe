package gpu

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
	"github.com/kangaroo-ecdlp/kangaroo/internal/herd"
	"github.com/kangaroo-ecdlp/kangaroo/internal/jump"
)

func testParams(t *testing.T) (*herd.Params, curve.Point) {
	t.Helper()
	width := big.NewInt(1 << 20)
	table := jump.Build(width, []byte("gpu-test-seed"))
	target := curve.ScalarBaseMult(curve.ScalarFromBigInt(big.NewInt(12345)))
	return &herd.Params{
		KMin:   big.NewInt(0),
		Width:  width,
		Table:  table,
		DPBits: 4,
		Offsets: []curve.Scalar{curve.ScalarFromBigInt(big.NewInt(0))},
		OffsetPoints: []curve.Point{curve.Infinity()},
		DeadAfter: herd.DeadAfterSteps(4),
	}, target
}

func TestSoftwareWorkerEmitsDistinguishedPoints(t *testing.T) {
	params, target := testParams(t)
	w := NewSoftwareWorker()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	ch, err := w.Start(ctx, Config{Params: params, Target: target, BatchSize: 32, WildRatio: 0.5})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	count := 0
	for range ch {
		count++
	}
	if count == 0 {
		t.Fatalf("expected at least one distinguished point from a 200ms run")
	}
	if w.Stats().Steps == 0 {
		t.Fatalf("expected nonzero step count after running")
	}
}

func TestSoftwareWorkerStopsOnCancel(t *testing.T) {
	params, target := testParams(t)
	w := NewSoftwareWorker()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := w.Start(ctx, Config{Params: params, Target: target, BatchSize: 8, WildRatio: 0.5})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("channel did not close within a second of cancellation")
		}
	}
}
