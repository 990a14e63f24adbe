package hashtable

import (
	"sync"

	"github.com/kangaroo-ecdlp/kangaroo/internal/herd"
)

// overflowStore backs the rare paths spec.md §4.4 calls out explicitly:
// buckets that exceed the soft cap, and (in this implementation) tags that
// don't fit the 2-bit packed representation. It trades the bucket arena's
// speed for a plain mutex-protected map, since by construction these paths
// are taken far less than once per million inserts.
type overflowStore struct {
	mu      sync.Mutex
	entries map[[32]byte]overflowEntry
}

type overflowEntry struct {
	dist [32]byte
	tag  herd.Tag
}

func newOverflowStore() *overflowStore {
	return &overflowStore{entries: make(map[[32]byte]overflowEntry)}
}

func (o *overflowStore) insert(x [32]byte, dist [32]byte, tag herd.Tag) (InsertOutcome, *Collision) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.entries[x]; ok {
		if existing.tag != tag {
			var da, db [16]byte
			copy(da[:], existing.dist[16:])
			copy(db[:], dist[16:])
			return CrossTagCollision, &Collision{X: x, DistA: da, TagA: existing.tag, DistB: db, TagB: tag}
		}
		if existing.dist == dist {
			return Duplicate, nil
		}
		return SameHerdStall, nil
	}
	o.entries[x] = overflowEntry{dist: dist, tag: tag}
	return Inserted, nil
}

func (o *overflowStore) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
