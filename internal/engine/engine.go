// Package engine is the worker pool C7 describes (spec.md §4.6, §5):
// CPU threads each stepping a thread-partitioned herd slice, optional GPU
// workers streaming distinguished points over internal/gpu's channel
// interface, a background saver enforcing the save-barrier linearizability
// invariant, and a 1Hz progress ticker. The shape — a stop flag workers
// poll every batch, a SIGINT handler that sets it, periodic background
// goroutines tracked by a WaitGroup — is grounded on client/main.go and
// client/signal.go's run loop.
package engine

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/kangaroo-ecdlp/kangaroo/internal/collision"
	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
	"github.com/kangaroo-ecdlp/kangaroo/internal/dp"
	"github.com/kangaroo-ecdlp/kangaroo/internal/gpu"
	"github.com/kangaroo-ecdlp/kangaroo/internal/hashtable"
	"github.com/kangaroo-ecdlp/kangaroo/internal/herd"
	"github.com/kangaroo-ecdlp/kangaroo/internal/jump"
	"github.com/kangaroo-ecdlp/kangaroo/internal/workfile"
)

// stepBatchSize is the number of steps a CPU worker takes between stop-flag
// checks, per spec.md §5's "≤64 steps, ≤1 ms" cancellation granularity.
const stepBatchSize = 64

// Config bundles everything a Construct call needs: the search interval,
// target, thread/GPU counts, and the background-task periods.
type Config struct {
	KMin, KMax   *big.Int
	Target       curve.Point
	JumpSeed     []byte
	DPBitsOverride int // -1 = auto

	NumCPUThreads int
	GPUWorkers    []gpu.Worker
	GPUBatchSize  int

	ShardBits     int
	BucketSoftCap int
	MaxBad        int // "-m" override; <= 0 means collision.MaxBad

	// WildOffsetIdx selects which of the two supported wild sub-herd offsets
	// (index 0 or 1 — hashtable's 2-bit tag can't represent more) this
	// engine's CPU/GPU workers seed their wild kangaroos into. A solo run
	// always uses 0; a networked client sets it from the server's ASSIGN so
	// distinct clients spread across both sub-herds instead of piling every
	// wild kangaroo onto the same one. Values other than 0/1 are reduced
	// mod 2.
	WildOffsetIdx uint8

	WorkFile     string        // "" disables periodic save
	SaveInterval time.Duration // 0 defaults to 60s
	StatsPeriod  time.Duration // 0 defaults to 1s

	Kind workfile.Kind

	// OnDP, if set, is called with every distinguished point this engine
	// produces, in addition to the local hashtable insert — the hook
	// cmd/kangaroo's networked-client mode uses to forward DPs upstream via
	// internal/client without entangling this package with the wire protocol.
	OnDP func(x [32]byte, dist [32]byte, tag herd.Tag)
}

// Engine owns one run's hashtable, herd, and background tasks.
type Engine struct {
	cfg     Config
	params  *herd.Params
	table   *hashtable.Table
	resolver *collision.Resolver

	// barrier is held for reading by every worker while it steps one batch,
	// and for writing by the saver while it snapshots — this is the
	// save-barrier spec.md §5 requires for a linearizable snapshot.
	barrier sync.RWMutex

	stopFlag int32
	found    chan *collision.Result
	foundOne sync.Once

	steps uint64 // atomic
	dps   uint64 // atomic

	startTime time.Time
	wg        sync.WaitGroup
}

// Construct builds an Engine, computing dp once (from DPBitsOverride or
// dp.Auto over the final configured herd size) and never reopening that
// computation later — spec.md §9's second open question, resolved per
// SPEC_FULL.md §3: hot-adding a GPU after Construct is rejected by AddGPU.
func Construct(cfg Config) (*Engine, error) {
	if cfg.KMin == nil || cfg.KMax == nil || cfg.KMin.Cmp(cfg.KMax) >= 0 {
		return nil, errors.New("engine: kmin must be strictly less than kmax")
	}
	width := new(big.Int).Sub(cfg.KMax, cfg.KMin)

	// Each CPU worker now runs one tame and one wild kangaroo (runCPUWorker),
	// so the herd those threads contribute is twice the thread count.
	herdSize := cfg.NumCPUThreads * 2
	for range cfg.GPUWorkers {
		batch := cfg.GPUBatchSize
		if batch <= 0 {
			batch = 1024
		}
		herdSize += batch
	}
	if herdSize <= 0 {
		herdSize = 1
	}

	dpBits := cfg.DPBitsOverride
	if dpBits < 0 {
		dpBits = dp.Auto(width, herdSize)
	}

	table := jump.Build(width, cfg.JumpSeed)
	offsets, offsetPoints := herd.BuildOffsets(width)

	params := &herd.Params{
		KMin:         cfg.KMin,
		Width:        width,
		Table:        table,
		DPBits:       dpBits,
		Offsets:      offsets,
		OffsetPoints: offsetPoints,
		DeadAfter:    herd.DeadAfterSteps(dpBits),
	}

	shardBits := cfg.ShardBits
	if shardBits <= 0 {
		shardBits = hashtable.DefaultShardBits
	}
	softCap := cfg.BucketSoftCap
	if softCap <= 0 {
		softCap = hashtable.DefaultBucketSoftCap
	}

	maxBad := cfg.MaxBad
	if maxBad <= 0 {
		maxBad = collision.MaxBad
	}

	e := &Engine{
		cfg:      cfg,
		params:   params,
		table:    hashtable.New(shardBits, softCap),
		resolver: collision.NewWithMaxBad(cfg.KMin, cfg.Target, params.Offsets, width, maxBad),
		found:    make(chan *collision.Result, 1),
	}
	return e, nil
}

// DPBits reports the dp threshold Construct settled on.
func (e *Engine) DPBits() int { return e.params.DPBits }

// DPCount reports the number of distinguished points produced so far,
// for the output line's "Count 2^log2" field.
func (e *Engine) DPCount() uint64 { return atomic.LoadUint64(&e.dps) }

// AddGPU always fails after Construct: dp and DeadAfter are derived from
// the herd size at construction time and must not change underneath a
// running engine (SPEC_FULL.md §3).
func (e *Engine) AddGPU(gpu.Worker) error {
	return errors.New("engine: GPU workers must be registered before Construct; hot-adding is rejected so dp stays fixed for the run's lifetime")
}

// Preload seeds the hashtable from a previously saved work file, for "-wi".
func (e *Engine) Preload(f *workfile.File) {
	for shard, entries := range f.Buckets {
		e.table.LoadBucket(shard, entries)
	}
}

// Stop requests every worker to exit at its next batch boundary.
func (e *Engine) Stop() { atomic.StoreInt32(&e.stopFlag, 1) }

func (e *Engine) stopped() bool { return atomic.LoadInt32(&e.stopFlag) != 0 }

// Found returns the channel the first verified recovered key is delivered
// on; Run's select loop reads it, and callers that want to wait outside
// Run can read it too.
func (e *Engine) Found() <-chan *collision.Result { return e.found }

// Run starts every CPU and GPU worker plus the saver and progress
// goroutines, and blocks until ctx is canceled, Stop is called, or a key is
// found. It returns the found result, or nil if the run ended without one.
func (e *Engine) Run(ctx context.Context) (*collision.Result, error) {
	e.startTime = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < e.cfg.NumCPUThreads; i++ {
		e.wg.Add(1)
		go e.runCPUWorker(i)
	}
	for i, w := range e.cfg.GPUWorkers {
		e.wg.Add(1)
		go e.runGPUWorker(runCtx, i, w)
	}
	if e.cfg.WorkFile != "" {
		e.wg.Add(1)
		go e.runSaver(runCtx)
	}
	e.wg.Add(1)
	go e.runProgressTicker(runCtx)

	var result *collision.Result
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for result == nil && !e.stopped() {
		select {
		case <-ctx.Done():
			e.Stop()
		case result = <-e.found:
			e.Stop()
		case <-poll.C:
		}
	}
	cancel()
	e.wg.Wait()
	return result, nil
}

// runCPUWorker steps one worker's kangaroo slice: a tame kangaroo and a
// wild kangaroo seeded into this engine's assigned wild sub-herd, so every
// worker — even the only one, when NumCPUThreads is 1 — owns both herds and
// a collision is possible. Pinning worker 0 to tame-only and every other
// worker to wild-only (the previous scheme) left a single-thread run with
// no wild kangaroo at all and could never collide; spec.md §4.2/§4.6
// require the herd split equally tame/wild regardless of thread count.
func (e *Engine) runCPUWorker(_ int) {
	defer e.wg.Done()
	tame, err := herd.NewTame(e.params)
	if err != nil {
		return
	}
	wild, err := herd.NewWild(e.params, e.cfg.Target, e.cfg.WildOffsetIdx%2)
	if err != nil {
		return
	}
	kangaroos := [2]*herd.Kangaroo{&tame, &wild}

	for !e.stopped() {
		e.barrier.RLock()
		for i := 0; i < stepBatchSize; i++ {
			for _, k := range kangaroos {
				x := herd.Step(k, e.params.Table)
				atomic.AddUint64(&e.steps, 1)
				if dp.IsDistinguished(x, e.params.DPBits) {
					e.onDistinguished(x, k.Dist.Bytes(), k.Tag)
					k.StepsSinceLastDP = 0
				} else {
					k.StepsSinceLastDP++
				}
				herd.MaybeReplace(e.params, e.cfg.Target, k)
			}
		}
		e.barrier.RUnlock()
	}
}

func (e *Engine) runGPUWorker(ctx context.Context, idx int, w gpu.Worker) {
	defer e.wg.Done()
	cfg := gpu.Config{
		Params:    e.params,
		Target:    e.cfg.Target,
		BatchSize: e.cfg.GPUBatchSize,
		WildRatio: 0.5,
	}
	ch, err := w.Start(ctx, cfg)
	if err != nil {
		color.Red("engine: GPU worker %s failed to start: %v", w.Name(), err)
		return
	}
	for d := range ch {
		if e.stopped() {
			return
		}
		e.onDistinguished(d.X, d.Dist, d.Tag)
	}
}

func (e *Engine) onDistinguished(x [32]byte, dist [32]byte, tag herd.Tag) {
	atomic.AddUint64(&e.dps, 1)
	if e.cfg.OnDP != nil {
		e.cfg.OnDP(x, dist, tag)
	}
	outcome, coll := e.table.Insert(x, dist, tag)
	if outcome != hashtable.CrossTagCollision {
		return
	}
	res, err := e.resolver.Resolve(coll)
	switch {
	case err == nil:
		e.emitFound(res)
	case errors.Is(err, collision.ErrBadCollision):
		color.Yellow("engine: bad collision observed (%d so far)", e.resolver.BadCount())
	case errors.Is(err, collision.ErrTooManyBadCollisions):
		color.Red("engine: too many bad collisions, aborting")
		e.Stop()
	}
}

func (e *Engine) emitFound(res *collision.Result) {
	e.foundOne.Do(func() {
		e.found <- res
	})
}

// Snapshot takes a save-barrier-protected, serializable view of the current
// hashtable, suitable for workfile.File.Save — spec.md §5's linearizable
// snapshot invariant: every worker is blocked (barrier write lock held)
// while buckets are copied, so no kangaroo can be mid-step relative to a
// DP this snapshot captures.
func (e *Engine) Snapshot(pub curve.Point, kmin, kmax *big.Int) *workfile.File {
	e.barrier.Lock()
	defer e.barrier.Unlock()

	var hdr workfile.Header
	hdr.Kind = e.cfg.Kind
	hdr.DP = uint8(e.params.DPBits)
	hdr.BucketCount = uint32(1) << uint(e.table.ShardBits())
	kminB := kmin.Bytes()
	kmaxB := kmax.Bytes()
	copy(hdr.KMin[32-len(kminB):], kminB)
	copy(hdr.KMax[32-len(kmaxB):], kmaxB)
	hdr.PX, hdr.PY = pub.X(), pub.Y()
	copy(hdr.JumpSeed[:], e.cfg.JumpSeed)
	hdr.ElapsedSecs = uint64(time.Since(e.startTime).Seconds())

	f := &workfile.File{Header: hdr, Buckets: make(map[uint32][]hashtable.Entry)}
	n := hdr.BucketCount
	for shard := uint32(0); shard < n; shard++ {
		entries := e.table.Snapshot(shard)
		if len(entries) > 0 {
			f.Buckets[shard] = entries
		}
	}
	return f
}
