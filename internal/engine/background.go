package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

// defaultSaveInterval and defaultStatsPeriod match spec.md §5's notion of
// "periodic" background work without pinning a specific cadence; kcptun's
// own SNMP logger (std/snmp.go) defaults to a 60s collection period, which
// we reuse for the save interval, and a faster 1s period for the progress
// ticker (SPEC_FULL.md §3's Timer thread).
const (
	defaultSaveInterval = 60 * time.Second
	defaultStatsPeriod  = 1 * time.Second
	rateWindow          = 30
)

// runSaver periodically snapshots the hashtable (save-barrier-protected)
// and writes it to cfg.WorkFile, mirroring kcptun's scavenger ticker loop
// shape (client/main.go's scavenger function): a time.Ticker, a select
// against ctx.Done, log on every action taken.
func (e *Engine) runSaver(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.SaveInterval
	if interval <= 0 {
		interval = defaultSaveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.saveOnce()
			return
		case <-ticker.C:
			e.saveOnce()
		}
	}
}

func (e *Engine) saveOnce() {
	f := e.Snapshot(e.cfg.Target, e.cfg.KMin, e.cfg.KMax)
	if err := f.Save(e.cfg.WorkFile); err != nil {
		color.Red("engine: periodic save to %s failed: %v", e.cfg.WorkFile, err)
	}
}

// runProgressTicker prints a steps/DPs/rate/stalls/elapsed line at
// cfg.StatsPeriod, the rate being a simple moving average of DP counts over
// the last rateWindow samples. No ETA is computed or printed.
func (e *Engine) runProgressTicker(ctx context.Context) {
	defer e.wg.Done()
	period := e.cfg.StatsPeriod
	if period <= 0 {
		period = defaultStatsPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var window [rateWindow]uint64
	var lastDPs uint64
	idx := 0
	filled := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dps := atomic.LoadUint64(&e.dps)
			delta := dps - lastDPs
			lastDPs = dps
			window[idx%rateWindow] = delta
			idx++
			if filled < rateWindow {
				filled++
			}

			var sum uint64
			for i := 0; i < filled; i++ {
				sum += window[i]
			}
			avgPerPeriod := float64(sum) / float64(filled)
			rate := avgPerPeriod / period.Seconds()

			elapsed := time.Since(e.startTime)
			color.Cyan("steps=%d dps=%d rate=%.2f/s stalls=%d elapsed=%s",
				atomic.LoadUint64(&e.steps), dps, rate, e.table.Stalls(), elapsed.Round(time.Second))
		}
	}
}
