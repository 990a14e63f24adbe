package workfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/kangaroo-ecdlp/kangaroo/internal/hashtable"
)

// PartitionFileName returns "part_XX.kng" for shard-byte b, per spec.md §6's
// partitioned variant naming.
func PartitionFileName(b byte) string {
	return fmt.Sprintf("part_%02x.kng", b)
}

// shardByteOf returns the top byte of a full x-coordinate, the address used
// to route a bucket to its partition file.
func shardByteOf(x [32]byte) byte { return x[0] }

// CreateEmptyPartitioned creates a directory of 256 empty partition files,
// each carrying KindServerPartitionMember and the given header template
// (kmin/kmax/pubkey/dp/jump_seed), per spec.md §4.7's
// create_empty_partitioned.
func CreateEmptyPartitioned(dir string, template Header) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "workfile: creating partition directory")
	}
	for i := 0; i < 256; i++ {
		hdr := template
		hdr.Kind = KindServerPartitionMember
		hdr.Partitioned = true
		f := &File{Header: hdr, Buckets: make(map[uint32][]hashtable.Entry)}
		path := filepath.Join(dir, PartitionFileName(byte(i)))
		if err := f.Save(path); err != nil {
			return errors.Wrapf(err, "workfile: writing empty partition %02x", i)
		}
	}
	return nil
}

// SplitAndReset writes a monolithic work file's bucket set into a
// partitioned directory, keyed by each entry's top x byte, per spec.md
// §4.8's "-wsplit": the server hashtable is written out to disk while the
// herd stays live. Each partition file is saved atomically; the directory
// as a whole is not. This function operates on an already-captured
// in-memory snapshot (the caller is responsible for taking the save-barrier
// snapshot per spec.md §6's linearizability invariant); it does not itself
// pause any workers, and it does not empty or otherwise modify the table
// the snapshot was taken from.
func SplitAndReset(snapshot *File, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "workfile: creating partition directory")
	}

	perShardByte := make(map[byte]*File)
	for i := 0; i < 256; i++ {
		hdr := snapshot.Header
		hdr.Kind = KindServerPartitionMember
		hdr.Partitioned = true
		perShardByte[byte(i)] = &File{Header: hdr, Buckets: make(map[uint32][]hashtable.Entry)}
	}

	for shard, entries := range snapshot.Buckets {
		for _, e := range entries {
			var full [32]byte
			copy(full[:16], e.XHi[:])
			sb := shardByteOf(full)
			pf := perShardByte[sb]
			pf.Buckets[shard] = append(pf.Buckets[shard], e)
		}
	}

	for b, pf := range perShardByte {
		path := filepath.Join(dir, PartitionFileName(b))
		if err := pf.Save(path); err != nil {
			return errors.Wrapf(err, "workfile: writing partition %02x", b)
		}
	}
	return nil
}
