package config

import (
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/kangaroo-ecdlp/kangaroo/internal/curve"
)

func writeTargetFile(t *testing.T, dir string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, "target.cfg")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing target file: %v", err)
	}
	return path
}

func pubHex(t *testing.T) string {
	t.Helper()
	p := curve.ScalarBaseMult(curve.ScalarFromBigInt(big.NewInt(0xDEADBEEF)))
	x := p.X()
	y := p.Y()
	return hex.EncodeToString(x[:]) + hex.EncodeToString(y[:])
}

func TestParseTargetWithDPLine(t *testing.T) {
	dir := t.TempDir()
	path := writeTargetFile(t, dir, []string{"4", "0", "ffffffff", pubHex(t)})
	tgt, err := ParseTarget(path)
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if tgt.DPOverride != 4 {
		t.Fatalf("DPOverride = %d, want 4", tgt.DPOverride)
	}
	if tgt.KMin.Sign() != 0 {
		t.Fatalf("KMin = %v, want 0", tgt.KMin)
	}
}

func TestParseTargetWithoutDPLineDefaultsToAuto(t *testing.T) {
	dir := t.TempDir()
	path := writeTargetFile(t, dir, []string{"0", "ffffffff", pubHex(t)})
	tgt, err := ParseTarget(path)
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if tgt.DPOverride != -1 {
		t.Fatalf("DPOverride = %d, want -1 (auto)", tgt.DPOverride)
	}
}

func TestParseTargetRejectsInvertedRange(t *testing.T) {
	dir := t.TempDir()
	path := writeTargetFile(t, dir, []string{"-1", "ffffffff", "0", pubHex(t)})
	if _, err := ParseTarget(path); err == nil {
		t.Fatalf("expected an error for kmin >= kmax")
	}
}

func TestParseJSONOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.json")
	os.WriteFile(path, []byte(`{"numThreads": 8, "gpu": true}`), 0o644)
	cfg := &CLIConfig{NumThreads: 2}
	if err := ParseJSONOverride(cfg, path); err != nil {
		t.Fatalf("ParseJSONOverride: %v", err)
	}
	if cfg.NumThreads != 8 || !cfg.GPU {
		t.Fatalf("override not applied: %+v", cfg)
	}
}
