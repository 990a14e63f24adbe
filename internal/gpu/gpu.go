// Package gpu abstracts the GPU kangaroo worker spec.md §5 calls for:
// accelerator threads that step a large batch of kangaroos per dispatch
// and stream distinguished points back to the engine over a channel,
// rather than being stepped one at a time on a CPU goroutine. The shape
// (Start(ctx, config) returning a results channel, a background loop
// selecting on ctx.Done, atomic attempt/rate counters) is grounded on
// Amr-9/HexHunter's tron-gpu.go OpenCL worker, the only channel-streaming
// accelerator loop in the retrieved examples; everything here is
// CGO/OpenCL-free so it builds without any accelerator SDK present; a real
// backend plugs in behind the same Worker interface exactly the way
// tron-gpu.go sits behind generator.Generator.
package gpu

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
	"github.com/kangaroo-ecdlp/kangaroo/internal/dp"
	"github.com/kangaroo-ecdlp/kangaroo/internal/herd"
)

// DistinguishedPoint is what a Worker reports back to the engine whenever a
// batch-stepped kangaroo lands on a distinguished x-coordinate.
type DistinguishedPoint struct {
	X    [32]byte
	Dist [32]byte
	Tag  herd.Tag
}

// Stats is a point-in-time snapshot of a Worker's throughput, read by the
// engine's -check liveness probe.
type Stats struct {
	Steps       uint64
	ElapsedSecs float64
}

// Config bundles the run-invariant values a Worker needs to build and step
// its own kangaroo batch, mirroring internal/herd.Params but independent of
// it so a real accelerator backend can keep its own device-resident state
// shape.
type Config struct {
	Params     *herd.Params
	Target     curve.Point
	BatchSize  int
	WildRatio  float64 // fraction of BatchSize that starts as wild, rest tame
}

// Worker is the abstract channel-streaming GPU kangaroo worker spec.md §5
// requires: Start spins up a batch and streams DPs back until ctx is
// canceled, at which point the returned channel is closed.
type Worker interface {
	Name() string
	Start(ctx context.Context, cfg Config) (<-chan DistinguishedPoint, error)
	Stats() Stats
}

// SoftwareWorker is a CPU-backed Worker: it steps a large batch of
// kangaroos per dispatch using internal/herd exactly as the CPU engine
// does, just without per-kangaroo goroutine overhead. It stands in for a
// real OpenCL/CUDA backend in environments without one, and exercises the
// same Worker contract any such backend would need to satisfy — a missing
// real GPU kernel is a packaging concern (spec.md's Non-goals exclude
// shipping prebuilt kernels), not a gap in the abstraction.
type SoftwareWorker struct {
	steps   uint64
	started time.Time
}

// NewSoftwareWorker constructs the reference Worker implementation.
func NewSoftwareWorker() *SoftwareWorker { return &SoftwareWorker{} }

func (w *SoftwareWorker) Name() string { return "software (reference batch stepper)" }

func (w *SoftwareWorker) Stats() Stats {
	elapsed := time.Since(w.started).Seconds()
	return Stats{Steps: atomic.LoadUint64(&w.steps), ElapsedSecs: elapsed}
}

func (w *SoftwareWorker) Start(ctx context.Context, cfg Config) (<-chan DistinguishedPoint, error) {
	out := make(chan DistinguishedPoint, cfg.BatchSize)
	w.started = time.Now()

	batch, err := w.seedBatch(cfg)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			// StepBatch advances the whole dispatch with one shared modular
			// inversion (internal/herd's Montgomery-trick batch add) rather
			// than per-kangaroo stepping — this is the batch a real
			// accelerator kernel would dispatch in one go.
			xs := herd.StepBatch(batch, cfg.Params.Table)
			atomic.AddUint64(&w.steps, uint64(len(batch)))
			for i, x := range xs {
				if dp.IsDistinguished(x, cfg.Params.DPBits) {
					distBytes := batch[i].Dist.Bytes()
					select {
					case out <- DistinguishedPoint{X: x, Dist: distBytes, Tag: batch[i].Tag}:
					case <-ctx.Done():
						return
					}
				}
				herd.OnStepResult(&batch[i], x, cfg.Params.DPBits)
				herd.MaybeReplace(cfg.Params, cfg.Target, &batch[i])
			}
		}
	}()
	return out, nil
}

func (w *SoftwareWorker) seedBatch(cfg Config) ([]herd.Kangaroo, error) {
	n := cfg.BatchSize
	if n <= 0 {
		n = 1024
	}
	wildCount := int(float64(n) * cfg.WildRatio)
	batch := make([]herd.Kangaroo, 0, n)
	for i := 0; i < n-wildCount; i++ {
		k, err := herd.NewTame(cfg.Params)
		if err != nil {
			return nil, err
		}
		batch = append(batch, k)
	}
	for i := 0; i < wildCount; i++ {
		offsetIdx := uint8(0)
		if len(cfg.Params.Offsets) > 1 {
			offsetIdx = uint8(i % len(cfg.Params.Offsets))
		}
		k, err := herd.NewWild(cfg.Params, cfg.Target, offsetIdx)
		if err != nil {
			return nil, err
		}
		batch = append(batch, k)
	}
	return batch, nil
}
