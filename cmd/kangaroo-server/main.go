// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/kangaroo-ecdlp/kangaroo/internal/collision"
	"github.com/kangaroo-ecdlp/kangaroo/internal/config"
	"github.com/kangaroo-ecdlp/kangaroo/internal/dp"
	"github.com/kangaroo-ecdlp/kangaroo/internal/hashtable"
	"github.com/kangaroo-ecdlp/kangaroo/internal/herd"
	"github.com/kangaroo-ecdlp/kangaroo/internal/server"
	"github.com/kangaroo-ecdlp/kangaroo/internal/wire"
	"github.com/kangaroo-ecdlp/kangaroo/internal/workfile"
)

// VERSION is injected by buildflags, following server/main.go.
var VERSION = "SELFBUILD"

// statsPeriod is how often the registered-client table is printed. It is
// fixed; cmd/kangaroo's progress ticker period is set by its own -sp flag
// (default 1s).
const statsPeriod = 10 * time.Second

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "kangaroo-server"
	myApp.Usage = "coordination server for a networked kangaroo search"
	myApp.Version = VERSION
	myApp.ArgsUsage = "<configFile>"
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen, l", Value: ":29901", Usage: "listen address"},
		cli.IntFlag{Name: "d", Value: -1, Usage: "dp bits override; -1 picks dp.Auto from an estimated client count"},
		cli.IntFlag{Name: "estclients", Value: 4, Usage: "estimated client count, used only for the dp.Auto estimate"},
		cli.StringFlag{Name: "wss", Usage: "server monolithic snapshot destination"},
		cli.IntFlag{Name: "i", Value: 60, Usage: "autosave interval, in seconds"},
		cli.StringFlag{Name: "wi", Usage: "work file to preload before starting"},
		cli.BoolFlag{Name: "wsplit", Usage: "on SIGUSR1, split the live hashtable into a partitioned directory"},
		cli.StringFlag{Name: "wsplitdir", Value: "./partitions", Usage: "destination directory for -wsplit"},
		cli.IntFlag{Name: "m", Value: 0, Usage: "override the bad-collision abort threshold (0 = default)"},
		cli.IntFlag{Name: "s", Value: 0, Usage: "override the hashtable shard-bits exponent (0 = default)"},
		cli.StringFlag{Name: "c", Usage: "JSON file overriding any of the above flags"},
		cli.StringFlag{Name: "o", Usage: "output file for a recovered key; stdout if empty"},
		cli.StringFlag{Name: "log", Usage: "log file path"},
	}
	myApp.Action = runAction
	myApp.Run(os.Args)
}

func runAction(c *cli.Context) error {
	cfg := config.CLIConfig{
		Listen: c.String("listen"), DPBits: c.Int("d"),
		WorkOutSnap: c.String("wss"), SaveInterval: c.Int("i"), WorkIn: c.String("wi"),
		MaxBad: c.Int("m"), ShardBits: c.Int("s"), OutputFile: c.String("o"), LogFile: c.String("log"),
	}
	if path := c.String("c"); path != "" {
		checkError(config.ParseJSONOverride(&cfg, path))
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		checkError(err)
		log.SetOutput(f)
	}

	if c.NArg() == 0 {
		return fmt.Errorf("kangaroo-server: missing <configFile>")
	}
	tgt, err := config.ParseTarget(c.Args().Get(0))
	checkError(err)

	width := new(big.Int).Sub(tgt.KMax, tgt.KMin)

	dpBits := tgt.DPOverride
	if cfg.DPBits >= 0 {
		dpBits = cfg.DPBits
	}
	if dpBits < 0 {
		dpBits = dpAutoForClients(width, c.Int("estclients"))
	}

	shardBits := cfg.ShardBits
	if shardBits <= 0 {
		shardBits = hashtable.DefaultShardBits
	}
	table := hashtable.New(shardBits, hashtable.DefaultBucketSoftCap)

	if cfg.WorkIn != "" {
		f, err := workfile.Load(cfg.WorkIn)
		checkError(err)
		for shard, entries := range f.Buckets {
			table.LoadBucket(shard, entries)
		}
	}

	kminB, kmaxB := tgt.KMin.Bytes(), tgt.KMax.Bytes()
	var target wire.SetTargetPayload
	copy(target.KMin[32-len(kminB):], kminB)
	copy(target.KMax[32-len(kmaxB):], kmaxB)
	target.PX, target.PY = tgt.Pub.X(), tgt.Pub.Y()
	target.DP = uint8(dpBits)

	maxBad := cfg.MaxBad
	if maxBad <= 0 {
		maxBad = collision.MaxBad
	}
	offsets, _ := herd.BuildOffsets(width)
	resolver := collision.NewWithMaxBad(tgt.KMin, tgt.Pub, offsets, width, maxBad)
	srv := server.New(table, target, resolver)

	lis, err := net.Listen("tcp", cfg.Listen)
	checkError(err)
	log.Println("kangaroo-server: listening on", cfg.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	watchSignals(cancel, srv, table, tgt, c.Bool("wsplit"), c.String("wsplitdir"))

	startTime := time.Now()
	if cfg.WorkOutSnap != "" && cfg.SaveInterval > 0 {
		go runSaver(ctx, table, tgt, target, dpBits, startTime, cfg.WorkOutSnap, time.Duration(cfg.SaveInterval)*time.Second)
	}
	go runStatsPrinter(ctx, srv)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	select {
	case <-ctx.Done():
	case res := <-srv.Found():
		line := collision.FormatLine(res, tgt.Pub, 0)
		if cfg.OutputFile != "" {
			checkError(os.WriteFile(cfg.OutputFile, []byte(line), 0o644))
		}
		fmt.Print(line)
		cancel()
	case err := <-done:
		checkError(err)
	}

	if cfg.WorkOutSnap != "" {
		saveSnapshot(table, tgt, target, dpBits, startTime, cfg.WorkOutSnap)
	}
	return nil
}

// dpAutoForClients estimates dp from an assumed per-client herd size,
// mirroring engine.Construct's herd-size-based estimate (SPEC_FULL.md §3)
// since the server doesn't know how many clients will connect up front.
func dpAutoForClients(width *big.Int, estClients int) int {
	const assumedHerdPerClient = 1024
	herdSize := estClients * assumedHerdPerClient
	if herdSize <= 0 {
		herdSize = assumedHerdPerClient
	}
	return dp.Auto(width, herdSize)
}

func watchSignals(cancel context.CancelFunc, srv *server.Server, table *hashtable.Table, tgt *config.Target, wsplit bool, splitDir string) {
	ch := make(chan os.Signal, 1)
	sigs := []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	if wsplit {
		sigs = append(sigs, syscall.SIGUSR1)
	}
	signal.Notify(ch, sigs...)

	go func() {
		for sig := range ch {
			if sig == syscall.SIGUSR1 {
				log.Println("kangaroo-server: SIGUSR1 received, splitting live hashtable to", splitDir)
				snap := snapshotFile(table, tgt, wire.SetTargetPayload{}, 0, time.Now())
				if err := workfile.SplitAndReset(snap, splitDir); err != nil {
					color.Red("kangaroo-server: split failed: %v", err)
				}
				continue
			}
			log.Printf("kangaroo-server: received %v, shutting down", sig)
			cancel()
			return
		}
	}()
}

func runSaver(ctx context.Context, table *hashtable.Table, tgt *config.Target, target wire.SetTargetPayload, dpBits int, startTime time.Time, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveSnapshot(table, tgt, target, dpBits, startTime, path)
		}
	}
}

func saveSnapshot(table *hashtable.Table, tgt *config.Target, target wire.SetTargetPayload, dpBits int, startTime time.Time, path string) {
	f := snapshotFile(table, tgt, target, dpBits, startTime)
	if err := f.Save(path); err != nil {
		color.Red("kangaroo-server: snapshot save failed: %v", err)
		return
	}
	log.Println("kangaroo-server: snapshot saved to", path)
}

func snapshotFile(table *hashtable.Table, tgt *config.Target, target wire.SetTargetPayload, dpBits int, startTime time.Time) *workfile.File {
	var hdr workfile.Header
	hdr.Kind = workfile.KindServerMonolithic
	hdr.DP = uint8(dpBits)
	hdr.BucketCount = uint32(1) << uint(table.ShardBits())
	if tgt != nil {
		kminB, kmaxB := tgt.KMin.Bytes(), tgt.KMax.Bytes()
		copy(hdr.KMin[32-len(kminB):], kminB)
		copy(hdr.KMax[32-len(kmaxB):], kmaxB)
		hdr.PX, hdr.PY = tgt.Pub.X(), tgt.Pub.Y()
	} else {
		hdr.KMin, hdr.KMax, hdr.PX, hdr.PY = target.KMin, target.KMax, target.PX, target.PY
	}
	hdr.ElapsedSecs = uint64(time.Since(startTime).Seconds())

	f := &workfile.File{Header: hdr, Buckets: make(map[uint32][]hashtable.Entry)}
	n := hdr.BucketCount
	for shard := uint32(0); shard < n; shard++ {
		entries := table.Snapshot(shard)
		if len(entries) > 0 {
			f.Buckets[shard] = entries
		}
	}
	return f
}

func runStatsPrinter(ctx context.Context, srv *server.Server) {
	ticker := time.NewTicker(statsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clients := srv.Clients()
			var total uint64
			for _, c := range clients {
				total += c.DPCountReceived
			}
			log.Printf("kangaroo-server: %d client(s) connected, %d total DPs received", len(clients), total)
		}
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
