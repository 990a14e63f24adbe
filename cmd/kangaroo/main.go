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
	"math"
	"math/big"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/kangaroo-ecdlp/kangaroo/internal/client"
	"github.com/kangaroo-ecdlp/kangaroo/internal/collision"
	"github.com/kangaroo-ecdlp/kangaroo/internal/config"
	"github.com/kangaroo-ecdlp/kangaroo/internal/engine"
	"github.com/kangaroo-ecdlp/kangaroo/internal/gpu"
	"github.com/kangaroo-ecdlp/kangaroo/internal/hashtable"
	"github.com/kangaroo-ecdlp/kangaroo/internal/herd"
	"github.com/kangaroo-ecdlp/kangaroo/internal/wire"
	"github.com/kangaroo-ecdlp/kangaroo/internal/workfile"
)

// VERSION is injected by buildflags, following client/main.go.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "kangaroo"
	myApp.Usage = "secp256k1 ECDLP solver (Pollard's kangaroo)"
	myApp.Version = VERSION
	myApp.ArgsUsage = "<configFile>"
	myApp.Flags = []cli.Flag{
		cli.BoolFlag{Name: "v", Usage: "verbose logging"},
		cli.BoolFlag{Name: "gpu", Usage: "enable the software GPU-shaped worker"},
		cli.IntFlag{Name: "gpuId", Usage: "GPU device index (reported only; this build has one software worker)"},
		cli.IntFlag{Name: "g", Value: 1024, Usage: "kangaroos per GPU batch dispatch"},
		cli.IntFlag{Name: "d", Value: -1, Usage: "dp bits override; -1 picks dp.Auto"},
		cli.StringFlag{Name: "t", Usage: "coordination server address; run as a networked client instead of solo"},
		cli.IntFlag{Name: "nt", Value: 1, Usage: "CPU worker thread count"},
		cli.StringFlag{Name: "w", Usage: "work file path to load/save during a solo run"},
		cli.IntFlag{Name: "i", Value: 60, Usage: "autosave interval, in seconds"},
		cli.StringFlag{Name: "wi", Usage: "work file to preload before starting"},
		cli.StringFlag{Name: "ws", Usage: "solo/client save destination, overrides -w"},
		cli.StringFlag{Name: "wss", Usage: "server monolithic snapshot destination (kangaroo-server only)"},
		cli.StringFlag{Name: "wsplit", Usage: "split a loaded work file into a partitioned directory and exit"},
		cli.BoolFlag{Name: "wm", Usage: "merge mode: pass exactly 3 positional args, file1 file2 dest"},
		cli.StringFlag{Name: "wmdir", Usage: "merge every part_XX.kng in this directory into -ws"},
		cli.StringFlag{Name: "wt", Usage: "explicit target config file for -winfo/-wpartcreate/-check run without <configFile>"},
		cli.StringFlag{Name: "winfo", Usage: "print summary statistics for a work file and exit"},
		cli.StringFlag{Name: "wpartcreate", Usage: "create an empty 256-way partitioned directory and exit"},
		cli.StringFlag{Name: "wcheck", Usage: "verify a work file's integrity and exit"},
		cli.IntFlag{Name: "m", Value: 0, Usage: "override the bad-collision abort threshold (0 = default)"},
		cli.IntFlag{Name: "s", Value: 0, Usage: "override the hashtable shard-bits exponent (0 = default)"},
		cli.StringFlag{Name: "c", Usage: "JSON file overriding any of the above flags"},
		cli.IntFlag{Name: "sp", Value: 1, Usage: "progress-ticker print period, in seconds"},
		cli.StringFlag{Name: "o", Usage: "output file for a recovered key; stdout if empty"},
		cli.StringFlag{Name: "l", Usage: "log file path"},
		cli.BoolFlag{Name: "check", Usage: "run the self-check and exit"},
	}

	myApp.Action = runAction
	myApp.Run(os.Args)
}

func runAction(c *cli.Context) error {
	cfg := config.CLIConfig{
		Verbose: c.Bool("v"), GPU: c.Bool("gpu"), GPUID: c.Int("gpuId"), GPUGrid: c.Int("g"),
		DPBits: c.Int("d"), Server: c.String("t"), NumThreads: c.Int("nt"),
		WorkFile: c.String("w"), SaveInterval: c.Int("i"), WorkIn: c.String("wi"),
		WorkOutSolo: c.String("ws"), WorkMergeDir: c.String("wmdir"), WorkTarget: c.String("wt"),
		MaxBad: c.Int("m"), ShardBits: c.Int("s"), StatsPeriod: c.Int("sp"),
		OutputFile: c.String("o"), LogFile: c.String("l"), Check: c.Bool("check"),
	}
	if path := c.String("c"); path != "" {
		if err := config.ParseJSONOverride(&cfg, path); err != nil {
			checkError(err)
		}
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		checkError(err)
		log.SetOutput(f)
	}

	switch {
	case c.String("winfo") != "":
		return runInfo(c.String("winfo"), cfg.WorkTarget, configArg(c))
	case c.String("wcheck") != "":
		return runCheck(c.String("wcheck"))
	case c.Bool("wm"):
		return runMerge(c.Args())
	case c.String("wsplit") != "":
		return runSplit(c.String("wsplit"), c.String("ws"))
	case c.String("wpartcreate") != "":
		return runPartCreate(c.String("wpartcreate"), cfg.WorkTarget, configArg(c))
	case cfg.WorkMergeDir != "":
		return runMergeDir(cfg.WorkMergeDir, cfg.WorkOutSolo)
	case cfg.Check:
		return runSelfCheck(cfg, configArg(c))
	default:
		return runSolve(cfg, configArg(c))
	}
}

func configArg(c *cli.Context) string {
	if c.NArg() > 0 {
		return c.Args().Get(0)
	}
	return ""
}

func loadTarget(primary, fallback string) (*config.Target, error) {
	path := primary
	if path == "" {
		path = fallback
	}
	if path == "" {
		return nil, fmt.Errorf("kangaroo: no target config file given")
	}
	return config.ParseTarget(path)
}

func runInfo(workPath, wt, positional string) error {
	f, err := workfile.Load(workPath)
	checkError(err)
	tgt, err := loadTarget(wt, positional)
	checkError(err)
	width := new(big.Int).Sub(tgt.KMax, tgt.KMin)
	fmt.Println(workfile.Summarize(f, width).String())
	return nil
}

func runCheck(workPath string) error {
	res := workfile.Check(workPath)
	if !res.OK {
		fmt.Printf("FAIL: %s\n", res.Reason)
		os.Exit(1)
	}
	fmt.Printf("OK: %d entries scanned, digest=%x\n", res.EntriesScanned, res.DeepDigest)
	return nil
}

func runMerge(args cli.Args) error {
	if len(args) != 3 {
		return fmt.Errorf("kangaroo: -wm requires exactly 3 arguments: file1 file2 dest (got %d)", len(args))
	}
	collisions, err := workfile.Merge(args[0], args[1], args[2])
	checkError(err)
	fmt.Printf("merged into %s, %d cross-tag collision(s) observed during merge\n", args[2], len(collisions))
	return nil
}

func runMergeDir(dir, outPath string) error {
	if outPath == "" {
		return fmt.Errorf("kangaroo: -wmdir requires -ws to name the merged output file")
	}
	collisions, err := workfile.MergeDir(dir, outPath)
	checkError(err)
	fmt.Printf("merged partitioned directory %s into %s, %d cross-tag collision(s) observed during merge\n", dir, outPath, len(collisions))
	return nil
}

func runSplit(workPath, dir string) error {
	f, err := workfile.Load(workPath)
	checkError(err)
	checkError(workfile.SplitAndReset(f, dir))
	fmt.Printf("split %s into %s\n", workPath, dir)
	return nil
}

func runPartCreate(dir, wt, positional string) error {
	tgt, err := loadTarget(wt, positional)
	checkError(err)
	hdr := headerTemplate(tgt)
	checkError(workfile.CreateEmptyPartitioned(dir, hdr))
	fmt.Printf("created empty partitioned work directory at %s\n", dir)
	return nil
}

func headerTemplate(tgt *config.Target) workfile.Header {
	var hdr workfile.Header
	kminB, kmaxB := tgt.KMin.Bytes(), tgt.KMax.Bytes()
	copy(hdr.KMin[32-len(kminB):], kminB)
	copy(hdr.KMax[32-len(kmaxB):], kmaxB)
	hdr.PX, hdr.PY = tgt.Pub.X(), tgt.Pub.Y()
	hdr.BucketCount = uint32(1) << uint(hashtable.DefaultShardBits)
	return hdr
}

func runSelfCheck(cfg config.CLIConfig, positional string) error {
	tgt, err := loadTarget(cfg.WorkTarget, positional)
	checkError(err)
	var workers []gpu.Worker
	if cfg.GPU {
		workers = append(workers, gpu.NewSoftwareWorker())
	}
	msg, ok := engine.SelfCheck(tgt.KMin, tgt.KMax, tgt.Pub, []byte(jumpSeedFor(tgt)), workers)
	fmt.Println(msg)
	if !ok {
		os.Exit(1)
	}
	return nil
}

// jumpSeedFor derives a run's jump table seed from its target, so repeated
// runs against the same configFile (solo, -check, merge peers) agree on the
// same jump rule without requiring a separate seed file.
func jumpSeedFor(tgt *config.Target) string {
	return fmt.Sprintf("%x:%x", tgt.KMin.Bytes(), tgt.Pub.X())
}

func runSolve(cfg config.CLIConfig, positional string) error {
	tgt, err := loadTarget("", positional)
	checkError(err)

	dpOverride := tgt.DPOverride
	if cfg.DPBits >= 0 {
		dpOverride = cfg.DPBits
	}

	numThreads := cfg.NumThreads
	if numThreads <= 0 {
		numThreads = 1
	}

	var workers []gpu.Worker
	if cfg.GPU {
		workers = append(workers, gpu.NewSoftwareWorker())
	}

	workFile := cfg.WorkFile
	if cfg.WorkOutSolo != "" {
		workFile = cfg.WorkOutSolo
	}

	var netClient *client.Client
	var onDP func(x, dist [32]byte, tag herd.Tag)
	if cfg.Server != "" {
		netClient = client.New(cfg.Server)
		onDP = func(x, dist [32]byte, tag herd.Tag) {
			distTag, ok := hashtable.PackDist(dist, tag)
			if !ok {
				return
			}
			netClient.Submit(wire.DPEntry{X: x, DistTag: distTag})
		}
	}

	ctx := context.Background()
	var clientCancel context.CancelFunc
	var wildOffsetIdx uint8
	if netClient != nil {
		var clientCtx context.Context
		clientCtx, clientCancel = context.WithCancel(ctx)
		go func() {
			if err := netClient.Run(clientCtx); err != nil {
				color.Yellow("kangaroo: network client exited: %v", err)
			}
		}()

		// Wait for the server's first ASSIGN before building the herd, so
		// this client's wild kangaroos actually land in the sub-herd the
		// server assigned it rather than always defaulting to offset 0 and
		// piling every networked client onto the same wild ground.
		assignCtx, cancelAssign := context.WithTimeout(ctx, 15*time.Second)
		assignment, err := netClient.WaitAssignment(assignCtx)
		cancelAssign()
		if err != nil {
			clientCancel()
			checkError(errors.Wrap(err, "kangaroo: waiting for server ASSIGN"))
		}
		wildOffsetIdx = assignment.WildOffset % 2
	}

	e, err := engine.Construct(engine.Config{
		KMin: tgt.KMin, KMax: tgt.KMax, Target: tgt.Pub,
		JumpSeed:       []byte(jumpSeedFor(tgt)),
		DPBitsOverride: dpOverride,
		NumCPUThreads:  numThreads,
		GPUWorkers:     workers,
		GPUBatchSize:   cfg.GPUGrid,
		ShardBits:      cfg.ShardBits,
		MaxBad:         cfg.MaxBad,
		WildOffsetIdx:  wildOffsetIdx,
		WorkFile:       workFile,
		SaveInterval:   time.Duration(cfg.SaveInterval) * time.Second,
		StatsPeriod:    time.Duration(cfg.StatsPeriod) * time.Second,
		Kind:           workfile.KindSolo,
		OnDP:           onDP,
	})
	checkError(err)

	if cfg.WorkIn != "" {
		f, err := workfile.Load(cfg.WorkIn)
		checkError(err)
		e.Preload(f)
	}

	cancelWatch := e.WatchSignals()
	defer cancelWatch()

	if clientCancel != nil {
		defer clientCancel()
	}

	result, err := e.Run(ctx)
	checkError(err)
	if result == nil {
		fmt.Println("kangaroo: run ended without recovering the key")
		return nil
	}

	log2Count := 0.0
	if n := e.DPCount(); n > 0 {
		log2Count = math.Log2(float64(n))
	}
	line := collision.FormatLine(result, tgt.Pub, log2Count)
	if cfg.OutputFile != "" {
		checkError(os.WriteFile(cfg.OutputFile, []byte(line), 0o644))
	}
	fmt.Print(line)
	return nil
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
