package workfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/kangaroo-ecdlp/kangaroo/internal/hashtable"
)

func sampleHeader() Header {
	var h Header
	h.Kind = KindSolo
	h.DP = 4
	h.BucketCount = 16
	h.KMin[31] = 0
	h.KMax[31] = 0xFF
	h.JumpSeed = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	return h
}

func sampleFile() *File {
	h := sampleHeader()
	f := &File{Header: h, Buckets: make(map[uint32][]hashtable.Entry)}
	f.Buckets[0] = []hashtable.Entry{
		{XHi: [16]byte{1}, Dist: [16]byte{0xAA}},
		{XHi: [16]byte{2}, Dist: [16]byte{0xBB}},
	}
	f.Buckets[3] = []hashtable.Entry{
		{XHi: [16]byte{9}, Dist: [16]byte{0xCC}},
	}
	return f
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.kng")
	f := sampleFile()
	if err := f.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Header.EntryCount != 3 {
		t.Fatalf("entry count = %d, want 3", loaded.Header.EntryCount)
	}
	if len(loaded.Buckets[0]) != 2 || len(loaded.Buckets[3]) != 1 {
		t.Fatalf("bucket contents not preserved: %+v", loaded.Buckets)
	}
}

func TestSaveIdempotence(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "a.kng")
	path2 := filepath.Join(dir, "b.kng")
	f := sampleFile()
	if err := f.Save(path1); err != nil {
		t.Fatalf("Save 1: %v", err)
	}
	loaded, err := Load(path1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := loaded.Save(path2); err != nil {
		t.Fatalf("Save 2: %v", err)
	}

	b1 := mustRead(t, path1)
	b2 := mustRead(t, path2)
	if !bytes.Equal(b1, b2) {
		t.Fatalf("save; load; save' did not reproduce identical bytes")
	}
}

func TestCheckDetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trunc.kng")
	f := sampleFile()
	if err := f.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw := mustRead(t, path)
	truncated := raw[:len(raw)-1]
	truncPath := filepath.Join(dir, "trunc2.kng")
	writeFile(t, truncPath, truncated)

	res := Check(truncPath)
	if res.OK {
		t.Fatalf("expected Check to fail on a truncated file")
	}
}

func TestCheckPassesOnHealthyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ok.kng")
	f := sampleFile()
	if err := f.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	res := Check(path)
	if !res.OK {
		t.Fatalf("expected Check to pass: %s", res.Reason)
	}
	if res.EntriesScanned != 3 {
		t.Fatalf("EntriesScanned = %d, want 3", res.EntriesScanned)
	}
}

func TestMergeCommutative(t *testing.T) {
	h := sampleHeader()
	a := &File{Header: h, Buckets: map[uint32][]hashtable.Entry{
		0: {{XHi: [16]byte{1}, Dist: [16]byte{0xAA}}},
	}}
	b := &File{Header: h, Buckets: map[uint32][]hashtable.Entry{
		0: {{XHi: [16]byte{2}, Dist: [16]byte{0xBB}}},
	}}

	ab, _, err := MergeFiles(a, b)
	if err != nil {
		t.Fatalf("MergeFiles(a,b): %v", err)
	}
	ba, _, err := MergeFiles(b, a)
	if err != nil {
		t.Fatalf("MergeFiles(b,a): %v", err)
	}
	if len(ab.Buckets[0]) != len(ba.Buckets[0]) {
		t.Fatalf("merge not commutative in bucket size")
	}
	for i := range ab.Buckets[0] {
		if ab.Buckets[0][i] != ba.Buckets[0][i] {
			t.Fatalf("merge not commutative at entry %d", i)
		}
	}
}

func TestMergeEntryCountIsUnionMinusDuplicates(t *testing.T) {
	h := sampleHeader()
	a := &File{Header: h, Buckets: map[uint32][]hashtable.Entry{
		0: {
			{XHi: [16]byte{1}, Dist: [16]byte{0xAA}},
			{XHi: [16]byte{2}, Dist: [16]byte{0xBB}},
		},
	}}
	b := &File{Header: h, Buckets: map[uint32][]hashtable.Entry{
		0: {
			{XHi: [16]byte{2}, Dist: [16]byte{0xBB}}, // duplicate of a's entry
			{XHi: [16]byte{3}, Dist: [16]byte{0xCC}},
		},
	}}
	merged, _, err := MergeFiles(a, b)
	if err != nil {
		t.Fatalf("MergeFiles: %v", err)
	}
	if len(merged.Buckets[0]) != 3 {
		t.Fatalf("merged entry count = %d, want 3 (2 + 2 - 1 duplicate)", len(merged.Buckets[0]))
	}
}

func TestMergeRejectsMismatchedTargets(t *testing.T) {
	a := &File{Header: sampleHeader(), Buckets: map[uint32][]hashtable.Entry{}}
	b := &File{Header: sampleHeader(), Buckets: map[uint32][]hashtable.Entry{}}
	b.Header.DP = a.Header.DP + 1
	if _, _, err := MergeFiles(a, b); err == nil {
		t.Fatalf("expected an error merging files with different dp")
	}
}

func TestMergeRequiresDestination(t *testing.T) {
	dir := t.TempDir()
	f := sampleFile()
	path := filepath.Join(dir, "a.kng")
	f.Save(path)
	if _, err := Merge(path, path, ""); err == nil {
		t.Fatalf("expected an error when no destination is given")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return b
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
