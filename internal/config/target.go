// Package config parses the two distinct configuration surfaces spec.md §6
// describes: the line-oriented target config file (dp override, kmin, kmax,
// public key) that every run — solo, client, or server — is seeded from,
// and the JSON CLI-override file the two binaries accept via "-c", in the
// same spirit as server/config.go's parseJSONConfig.
package config

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
)

// Target is the parsed, validated contents of spec.md §6's target config
// file: an optional dp override, the [kmin, kmax] search interval, and the
// public key P being attacked.
type Target struct {
	DPOverride int // -1 means "auto" (internal/dp.Auto picks it)
	KMin       *big.Int
	KMax       *big.Int
	Pub        curve.Point
}

// ParseTarget reads spec.md §6's 4-line target config file:
//
//	Line 1: dpBitsOverride (int, -1 = auto)   [optional; may be absent]
//	Line 2: kmin (hex)
//	Line 3: kmax (hex)
//	Line 4: P_x || P_y (hex, 128 chars) OR compressed (66 chars)
//
// When only 3 non-empty lines are present, line 1 is absent and dp defaults
// to auto, per the format's documented optionality.
func ParseTarget(path string) (*Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: opening target file")
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "config: reading target file")
	}

	switch len(lines) {
	case 3:
		lines = append([]string{"-1"}, lines...)
	case 4:
		// already has the dp override line
	default:
		return nil, errors.Errorf("config: target file has %d non-blank lines, want 3 or 4", len(lines))
	}

	dpBits, err := strconv.Atoi(lines[0])
	if err != nil {
		return nil, errors.Wrap(err, "config: parsing dpBitsOverride")
	}

	kmin, err := parseHexBigInt(lines[1])
	if err != nil {
		return nil, errors.Wrap(err, "config: parsing kmin")
	}
	kmax, err := parseHexBigInt(lines[2])
	if err != nil {
		return nil, errors.Wrap(err, "config: parsing kmax")
	}
	if kmin.Cmp(kmax) >= 0 {
		return nil, errors.New("config: kmin must be strictly less than kmax")
	}

	pubBytes, err := hex.DecodeString(lines[3])
	if err != nil {
		return nil, errors.Wrap(err, "config: parsing public key hex")
	}
	pub, err := curve.ParsePublicKey(pubBytes)
	if err != nil {
		return nil, errors.Wrap(err, "config: parsing public key point")
	}

	return &Target{DPOverride: dpBits, KMin: kmin, KMax: kmax, Pub: pub}, nil
}

func parseHexBigInt(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, errors.Errorf("invalid hex integer %q", s)
	}
	return v, nil
}

// CLIConfig is the set of flags both cmd/kangaroo and cmd/kangaroo-server
// accept, collected into one struct the way server/config.go's Config
// gathers kcptun's flags, with "-c <path>" able to override any field from
// a JSON file exactly like parseJSONConfig.
type CLIConfig struct {
	ConfigFile string `json:"-"` // positional <configFile>, never set via -c

	Verbose bool `json:"verbose"` // "-v"
	GPU     bool `json:"gpu"`     // "-gpu"
	GPUID   int  `json:"gpuId"`   // "-gpuId"
	GPUGrid int  `json:"gpuGrid"` // "-g": kangaroos per GPU batch dispatch
	DPBits  int  `json:"dpBits"`  // "-d": dp override, takes precedence over the target file's line 1

	Server string `json:"server"` // "-t": remote server address, for cmd/kangaroo running as a client
	Listen string `json:"listen"` // cmd/kangaroo-server's "-l, listen"

	WorkFile     string `json:"workFile"`     // "-w": work file path for the running engine to load/save
	SaveInterval int    `json:"saveInterval"` // "-i": autosave period in seconds
	WorkIn       string `json:"workIn"`       // "-wi": work file to preload before starting
	WorkOutSolo  string `json:"workOutSolo"`  // "-ws": solo/client save destination
	WorkOutSnap  string `json:"workOutSnap"`  // "-wss": server monolithic snapshot destination
	WorkSplit    bool   `json:"workSplit"`    // "-wsplit": split the live server hashtable to a partitioned dir
	WorkMergeDir string `json:"workMergeDir"` // "-wmdir": directory of work files to merge via workfile.MergeDir
	WorkTarget   string `json:"workTarget"`   // "-wt": explicit target config file for -winfo, -wpartcreate and -check, when run without <configFile>

	MaxBad       int    `json:"maxBad"`     // "-m": override collision.MaxBad
	ShardBits    int    `json:"shardBits"`  // "-s": override hashtable.DefaultShardBits
	JSONOverride string `json:"-"`          // "-c", never itself overridden
	StatsPeriod  int    `json:"statsPeriod"` // "-sp": progress-ticker print period in seconds, distinct from -i's save period
	NumThreads   int    `json:"numThreads"` // "-nt": CPU worker thread count
	OutputFile   string `json:"outputFile"` // "-o"
	LogFile      string `json:"logFile"`    // "-l" on cmd/kangaroo (log file path; distinct meaning from the server binary's "-l, listen")
	Check        bool   `json:"check"`      // "-check"
}

// ParseJSONOverride decodes a JSON override file into cfg, following
// server/config.go's parseJSONConfig: fields absent from the JSON document
// are left at whatever the CLI flags already set.
func ParseJSONOverride(cfg *CLIConfig, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "config: opening JSON override file")
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return errors.Wrap(err, "config: decoding JSON override file")
	}
	return nil
}
