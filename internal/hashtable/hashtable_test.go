package hashtable

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/kangaroo-ecdlp/kangaroo/internal/herd"
)

func randX(r *rand.Rand) [32]byte {
	var x [32]byte
	r.Read(x[:])
	return x
}

func TestInsertThenDuplicateThenStall(t *testing.T) {
	tbl := New(8, 16)
	r := rand.New(rand.NewSource(1))
	x := randX(r)
	var d1, d2 [32]byte
	r.Read(d1[:])
	r.Read(d2[:])

	outcome, _ := tbl.Insert(x, d1, herd.Tame)
	if outcome != Inserted {
		t.Fatalf("first insert: got %v, want Inserted", outcome)
	}
	outcome, _ = tbl.Insert(x, d1, herd.Tame)
	if outcome != Duplicate {
		t.Fatalf("re-insert same dist: got %v, want Duplicate", outcome)
	}
	outcome, _ = tbl.Insert(x, d2, herd.Tame)
	if outcome != SameHerdStall {
		t.Fatalf("same tag different dist: got %v, want SameHerdStall", outcome)
	}
}

func TestCrossTagCollisionDetected(t *testing.T) {
	tbl := New(8, 16)
	r := rand.New(rand.NewSource(2))
	x := randX(r)
	var dTame, dWild [32]byte
	r.Read(dTame[:])
	r.Read(dWild[:])

	outcome, _ := tbl.Insert(x, dTame, herd.Tame)
	if outcome != Inserted {
		t.Fatalf("tame insert: got %v", outcome)
	}
	outcome, col := tbl.Insert(x, dWild, herd.WildOffset(0))
	if outcome != CrossTagCollision {
		t.Fatalf("wild insert after tame: got %v, want CrossTagCollision", outcome)
	}
	if col == nil {
		t.Fatalf("expected a collision record")
	}
	if col.X != x {
		t.Fatalf("collision recorded wrong x")
	}
}

func TestNoFalsePositiveCollision(t *testing.T) {
	// Insert is keyed by shard plus XHi (the upper 128 bits of x); the bits
	// of x between those two are not stored, so only x values that agree on
	// both share a bucket slot. Random distinct x values never do here, and
	// any collision record must carry the x that was just inserted.
	tbl := New(4, 64)
	r := rand.New(rand.NewSource(3))
	seen := make(map[[32]byte]bool)
	for i := 0; i < 500; i++ {
		x := randX(r)
		if seen[x] {
			continue
		}
		seen[x] = true
		var d [32]byte
		r.Read(d[:])
		outcome, col := tbl.Insert(x, d, herd.Tame)
		if outcome == CrossTagCollision && col.X != x {
			t.Fatalf("collision x mismatch: stored %x inserted %x", col.X, x)
		}
	}
}

func TestConcurrentInsertsNoRace(t *testing.T) {
	tbl := New(6, 16)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				var d [32]byte
				r.Read(d[:])
				tbl.Insert(randX(r), d, herd.Tame)
			}
		}(int64(w))
	}
	wg.Wait()
	if tbl.Len() == 0 {
		t.Fatalf("expected some entries after concurrent inserts")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tbl := New(4, 64)
	r := rand.New(rand.NewSource(4))
	x := randX(r)
	var d [32]byte
	r.Read(d[:])
	tbl.Insert(x, d, herd.Tame)
	shard := tbl.ShardOf(x)
	snap := tbl.Snapshot(shard)
	if len(snap) == 0 {
		t.Fatalf("expected snapshot to contain the inserted entry")
	}
	tbl2 := New(4, 64)
	tbl2.LoadBucket(shard, snap)
	if tbl2.Len() != len(snap) {
		t.Fatalf("LoadBucket did not preserve entry count")
	}
}
