// Package hashtable implements the sharded distinguished-point store (C5,
// spec.md §4.4): 2^h buckets, each an independently-serialized small vector
// protected by a spinlock, indexed by the low h bits of the point's
// x-coordinate. Sharding by index here mirrors the same "split work across
// independently-owned partitions, no global lock" shape kcptun uses in
// generic/multiport.go to fan a port range out across listeners.
package hashtable

import (
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/kangaroo-ecdlp/kangaroo/internal/herd"
)

// DefaultShardBits is h, the default bucket-count exponent (spec.md §3: 18
// -> 262,144 buckets).
const DefaultShardBits = 18

// DefaultBucketSoftCap is the default max entries per bucket before a
// bucket spills to an overflow page (spec.md §4.4).
const DefaultBucketSoftCap = 16

// Entry is one stored distinguished point: the high bits of x not implied
// by the bucket index, a 126-bit distance, and a 2-bit tag.
type Entry struct {
	XHi  [16]byte // upper 128 bits of the full x (bucket index supplies the rest)
	Dist [16]byte // top 2 bits = tag, low 126 bits = distance
}

// TagBits maps a herd.Tag to the 2-bit tag packDist stores in the top 2 bits
// of the distance field: bit0 = wild/tame, bit1 = wild sub-herd index. Only
// OffsetIdx 0 and 1 are representable in the 2-bit tag; for higher indices
// TagBits reports false, PackDist refuses the tag and Insert stores the
// point in the overflow store instead.
func TagBits(t herd.Tag) (byte, bool) {
	if !t.Wild {
		return 0, true
	}
	if t.OffsetIdx > 1 {
		return 0, false
	}
	return 1 | (t.OffsetIdx << 1), true
}

// TagFromBits is the inverse of TagBits.
func TagFromBits(b byte) herd.Tag {
	if b&1 == 0 {
		return herd.Tame
	}
	return herd.WildOffset((b >> 1) & 1)
}

// Collision is what bucket insertion reports when a cross-tag match is
// found: the two distances (and implicitly, which sub-herd offsets they
// belong to) needed to derive the candidate discrete log.
type Collision struct {
	X        [32]byte
	DistA    [16]byte
	TagA     herd.Tag
	DistB    [16]byte
	TagB     herd.Tag
}

// InsertOutcome classifies what Insert did, per spec.md §4.4 steps 4-7.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Duplicate
	SameHerdStall
	CrossTagCollision
)

type bucket struct {
	spin    int32
	entries []Entry
}

func (b *bucket) lock() {
	for !atomic.CompareAndSwapInt32(&b.spin, 0, 1) {
		runtime.Gosched()
	}
}

func (b *bucket) unlock() {
	atomic.StoreInt32(&b.spin, 0)
}

// Table is the sharded DP store.
type Table struct {
	shardBits int
	softCap   int
	buckets   []bucket

	overflow *overflowStore
	stalls   uint64 // atomic: count of SameHerdStall outcomes, spec.md §4.4 step 6
}

// New creates a table with 2^shardBits buckets.
func New(shardBits, softCap int) *Table {
	if shardBits <= 0 {
		shardBits = DefaultShardBits
	}
	if softCap <= 0 {
		softCap = DefaultBucketSoftCap
	}
	return &Table{
		shardBits: shardBits,
		softCap:   softCap,
		buckets:   make([]bucket, 1<<uint(shardBits)),
		overflow:  newOverflowStore(),
	}
}

// ShardBits reports h.
func (t *Table) ShardBits() int { return t.shardBits }

// ShardOf returns the bucket index for a full x-coordinate: the low
// shardBits bits.
func (t *Table) ShardOf(x [32]byte) uint32 {
	mask := uint32(1)<<uint(t.shardBits) - 1
	// x is big-endian; the low bits live in the last 4 bytes.
	v := uint32(x[31]) | uint32(x[30])<<8 | uint32(x[29])<<16 | uint32(x[28])<<24
	return v & mask
}

func splitX(x [32]byte, shardBits int) (hi [16]byte) {
	// XHi stores the *upper* 128 bits of x; the bucket index supplies the
	// low shardBits bits of the low half, but the stored XHi is always the
	// fixed high half regardless of shardBits (shardBits <= 32 in practice,
	// well inside the low 16 bytes), matching spec.md §3's entry layout.
	copy(hi[:], x[0:16])
	return hi
}

// PackDist exposes the table's internal (distance, tag) -> 16-byte packing
// for callers that need to produce the same wire representation without
// going through Insert — namely a networked client forwarding raw DPs
// upstream via internal/wire's DPEntry.DistTag field.
func PackDist(dist [32]byte, tag herd.Tag) ([16]byte, bool) {
	tagBits, ok := TagBits(tag)
	if !ok {
		return [16]byte{}, false
	}
	return packDist(dist, tagBits), true
}

func packDist(dist [32]byte, tagBits byte) [16]byte {
	// dist is reduced to 126 bits by taking the low 126 bits of the 256-bit
	// scalar (tractable widths keep true distances well under 2^125 per
	// spec.md §3); the top 2 bits of the 16-byte field carry the tag.
	var out [16]byte
	copy(out[:], dist[16:32])
	out[0] &= 0x3F // clear top 2 bits to make room for the tag
	out[0] |= tagBits << 6
	return out
}

func unpackTag(d [16]byte) byte {
	return (d[0] >> 6) & 0x3
}

// TagFromDistTag recovers the herd.Tag a packed 16-byte distance field
// carries in its top 2 bits — the inverse of PackDist's tagging, for
// callers (the coordination server) that receive an already-packed
// distance/tag pair over the wire and must not guess the tag some other
// way (e.g. from connection metadata).
func TagFromDistTag(d [16]byte) herd.Tag {
	return TagFromBits(unpackTag(d))
}

// Insert attempts to insert a distinguished point into the table. It
// implements spec.md §4.4's steps 1-7 in order: shard, lock, binary search,
// then classify.
func (t *Table) Insert(x [32]byte, dist [32]byte, tag herd.Tag) (InsertOutcome, *Collision) {
	tagBits, ok := TagBits(tag)
	if !ok {
		// Sub-herd counts beyond what the 2-bit tag can represent fall back
		// to the overflow store keyed by the full tag, never silently
		// dropped.
		return t.overflow.insert(x, dist, tag)
	}
	shard := t.ShardOf(x)
	b := &t.buckets[shard]
	hi := splitX(x, t.shardBits)
	d := packDist(dist, tagBits)

	b.lock()
	defer b.unlock()

	entries := b.entries
	i := sort.Search(len(entries), func(i int) bool {
		return bytesCompare(entries[i].XHi[:], hi[:]) >= 0
	})
	if i < len(entries) && entries[i].XHi == hi {
		existing := entries[i]
		existingTag := unpackTag(existing.Dist)
		if existingTag != tagBits {
			// cross-tag: a real collision.
			return CrossTagCollision, &Collision{
				X:     x,
				DistA: existing.Dist,
				TagA:  TagFromBits(existingTag),
				DistB: d,
				TagB:  tag,
			}
		}
		if existing.Dist == d {
			return Duplicate, nil
		}
		atomic.AddUint64(&t.stalls, 1)
		return SameHerdStall, nil
	}

	if len(entries) >= t.softCap {
		return t.overflow.insert(x, dist, tag)
	}

	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = Entry{XHi: hi, Dist: d}
	b.entries = entries
	return Inserted, nil
}

// Len returns the total number of entries across all buckets plus the
// overflow store, an O(buckets) operation intended for info/stats reporting.
func (t *Table) Len() int {
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].entries)
	}
	return n + t.overflow.len()
}

// Stalls reports how many SameHerdStall outcomes Insert has returned: a
// same-herd kangaroo revisiting an x-coordinate it (or a same-tagged
// sibling) already marked distinguished, with a different distance —
// expected occasionally as the herd grows, but a persistently climbing rate
// relative to Len signals the jump table or dp filter isn't behaving like
// spec.md §4.4 expects.
func (t *Table) Stalls() uint64 { return atomic.LoadUint64(&t.stalls) }

// LargestBucket returns the size of the fullest bucket, for info reporting.
func (t *Table) LargestBucket() int {
	max := 0
	for i := range t.buckets {
		if l := len(t.buckets[i].entries); l > max {
			max = l
		}
	}
	return max
}

// Snapshot returns a deep, order-preserving copy of one bucket's entries,
// used by the work-file codec to serialize a consistent view during the
// save barrier.
func (t *Table) Snapshot(shard uint32) []Entry {
	b := &t.buckets[shard]
	b.lock()
	defer b.unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// LoadBucket replaces a bucket's contents wholesale — used when loading a
// work file. Entries must already be sorted by XHi.
func (t *Table) LoadBucket(shard uint32, entries []Entry) {
	b := &t.buckets[shard]
	b.lock()
	b.entries = entries
	b.unlock()
}

func bytesCompare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
