package workfile

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/kangaroo-ecdlp/kangaroo/internal/hashtable"
	"github.com/kangaroo-ecdlp/kangaroo/internal/herd"
)

// MergeCollision is a cross-tag collision discovered while merging two
// bucket lists; the caller (typically the CLI layer) is expected to hand
// it to an internal/collision.Resolver before or alongside writing the
// merged file out, per spec.md §4.7: "if any merge produces a cross-tag
// collision the merged DP is yielded to C6 before being written."
type MergeCollision = hashtable.Collision

// Merge combines two work files that refer to the same search into out.
// It requires exactly two input files — spec.md §9's first open question
// singles out "-wm file1 file2" with no destination as undocumented,
// possibly-unintended in-place-merge behavior, and this package rejects it:
// callers must always supply a destination. Merge checks only that one is
// given, not that it differs from both inputs.
func Merge(aPath, bPath, outPath string) ([]MergeCollision, error) {
	if outPath == "" {
		return nil, errors.New("workfile: merge requires a destination file (got none); in-place two-argument merge is not supported")
	}
	a, err := Load(aPath)
	if err != nil {
		return nil, errors.Wrap(err, "workfile: loading first merge input")
	}
	b, err := Load(bPath)
	if err != nil {
		return nil, errors.Wrap(err, "workfile: loading second merge input")
	}
	merged, collisions, err := MergeFiles(a, b)
	if err != nil {
		return nil, err
	}
	if err := merged.Save(outPath); err != nil {
		return nil, errors.Wrap(err, "workfile: saving merged file")
	}
	return collisions, nil
}

// MergeFiles performs the in-memory merge spec.md §4.7 describes: validate
// matching (kmin, kmax, dp, jump_seed, pubkey), then merge each shard's
// sorted bucket list, reporting any cross-tag collision encountered along
// the way. Merge is commutative: MergeFiles(a,b) and MergeFiles(b,a) yield
// byte-identical output once each side's buckets are canonically sorted,
// since a bucket merge is a symmetric set union keyed by XHi and the
// output header is whichever input header marshals to the smaller bytes.
func MergeFiles(a, b *File) (*File, []MergeCollision, error) {
	if !a.Header.SameTarget(&b.Header) {
		return nil, nil, errors.New("workfile: merge inputs refer to different searches (kmin/kmax/pubkey/dp/jump_seed mismatch)")
	}
	hdr := a.Header
	if bytes.Compare(b.Header.Marshal(), a.Header.Marshal()) < 0 {
		hdr = b.Header
	}
	out := &File{
		Header:  hdr,
		Buckets: make(map[uint32][]hashtable.Entry),
	}

	shardSet := make(map[uint32]bool)
	for s := range a.Buckets {
		shardSet[s] = true
	}
	for s := range b.Buckets {
		shardSet[s] = true
	}

	var collisions []MergeCollision
	for shard := range shardSet {
		merged, col := mergeBucket(a.Buckets[shard], b.Buckets[shard])
		if len(merged) > 0 {
			out.Buckets[shard] = merged
		}
		collisions = append(collisions, col...)
	}
	return out, collisions, nil
}

// mergeBucket merges two sorted bucket lists by XHi, classifying a repeated
// XHi the way Insert does (same tag: duplicate or stall; different tag:
// cross-tag collision). Of two entries sharing an XHi, the one with the
// smaller packed Dist is kept, so the result does not depend on which input
// comes first.
func mergeBucket(a, b []hashtable.Entry) ([]hashtable.Entry, []MergeCollision) {
	byXHi := make(map[[16]byte]hashtable.Entry, len(a)+len(b))
	order := make([][16]byte, 0, len(a)+len(b))
	var collisions []MergeCollision

	add := func(e hashtable.Entry) {
		existing, ok := byXHi[e.XHi]
		if !ok {
			byXHi[e.XHi] = e
			order = append(order, e.XHi)
			return
		}
		if bytesLess(e.Dist[:], existing.Dist[:]) {
			byXHi[e.XHi] = e
		}
		existingTag := existing.Dist[0] >> 6 & 0x3
		newTag := e.Dist[0] >> 6 & 0x3
		if existingTag != newTag {
			var full [32]byte
			copy(full[:16], e.XHi[:])
			collisions = append(collisions, MergeCollision{
				X:     full,
				DistA: existing.Dist,
				TagA:  tagFromPacked(existingTag),
				DistB: e.Dist,
				TagB:  tagFromPacked(newTag),
			})
			return
		}
		// same tag: an identical duplicate or a same-herd stall; only
		// the entry chosen above is kept.
	}

	for _, e := range a {
		add(e)
	}
	for _, e := range b {
		add(e)
	}

	sort.Slice(order, func(i, j int) bool {
		return bytesLess(order[i][:], order[j][:])
	})
	out := make([]hashtable.Entry, len(order))
	for i, k := range order {
		out[i] = byXHi[k]
	}
	return out, collisions
}

func tagFromPacked(b byte) herd.Tag {
	if b&1 == 0 {
		return herd.Tame
	}
	return herd.WildOffset((b >> 1) & 1)
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// MergeDir merges every partitioned shard file in dir (part_00.kng through
// part_ff.kng) into a single monolithic output file, per
// spec.md §4.7's merge_dir operation.
func MergeDir(dir, outPath string) ([]MergeCollision, error) {
	var merged *File
	var allCollisions []MergeCollision
	for i := 0; i < 256; i++ {
		path := filepath.Join(dir, PartitionFileName(byte(i)))
		if _, err := os.Stat(path); err != nil {
			continue
		}
		part, err := Load(path)
		if err != nil {
			return nil, errors.Wrapf(err, "workfile: loading partition %02x", i)
		}
		if merged == nil {
			merged = part
			continue
		}
		var col []MergeCollision
		merged, col, err = MergeFiles(merged, part)
		if err != nil {
			return nil, err
		}
		allCollisions = append(allCollisions, col...)
	}
	if merged == nil {
		return nil, errors.Errorf("workfile: no partition files found in %s", dir)
	}
	merged.Header.Partitioned = false
	merged.Header.Kind = KindServerMonolithic
	if err := merged.Save(outPath); err != nil {
		return nil, errors.Wrap(err, "workfile: saving merged directory output")
	}
	return allCollisions, nil
}
