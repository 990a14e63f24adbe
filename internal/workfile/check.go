package workfile

import (
	"encoding/binary"
	"math/bits"
	"os"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/kangaroo-ecdlp/kangaroo/internal/jump"
)

// CheckResult reports what -wcheck found, per spec.md §4.7's check
// operation and §8 scenario S6.
type CheckResult struct {
	OK              bool
	Reason          string
	EntriesScanned  uint64
	DeepDigest      [32]byte // double-SHA256 over the verified bucket data
}

// Check walks a work file verifying magic, header checksum, that the
// per-bucket entry counts sum to the header's entry_count, every DP's dp
// trailing-zero-bit property (only when dp <= h, see below), the file
// trailer checksum, and the absence of in-bucket duplicate x_hi. On success it also returns a double-SHA256 digest over the
// verified bytes (SPEC_FULL.md's chainhash-backed deep-check digest), handy
// for comparing two files known to have passed Check without a full byte
// diff.
func Check(path string) CheckResult {
	raw, err := os.ReadFile(path)
	if err != nil {
		return CheckResult{OK: false, Reason: errors.Wrap(err, "reading file").Error()}
	}

	hdr, err := Unmarshal(raw)
	if err != nil {
		return CheckResult{OK: false, Reason: err.Error()}
	}

	off := HeaderSize
	if len(raw) < off+int(hdr.BucketCount)*8 {
		return CheckResult{OK: false, Reason: "truncated bucket index"}
	}
	offsets := make([]uint64, hdr.BucketCount)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(raw[off : off+8])
		off += 8
	}
	dataStart := off

	var total uint64
	digest := chainhash.HashB(raw[:HeaderSize])

	for shard := uint32(0); shard < hdr.BucketCount; shard++ {
		start := dataStart + int(offsets[shard])
		entries, consumed, err := decodeBucketAt(raw, start, hdr.Compressed)
		if err != nil {
			return CheckResult{OK: false, Reason: errors.Wrapf(err, "bucket %d", shard).Error()}
		}

		seen := make(map[[16]byte]bool, len(entries))
		for _, e := range entries {
			if seen[e.XHi] {
				return CheckResult{OK: false, Reason: "duplicate x_hi within a bucket"}
			}
			seen[e.XHi] = true

			var full [32]byte
			copy(full[:16], e.XHi[:])
			// x_hi (the stored high 128 bits) plus the shard index (the
			// low h bits) together is the entry's whole recoverable
			// fingerprint — spec.md §3 deliberately truncates the middle
			// bits as a fingerprint-compression tradeoff, the same
			// approximation real kangaroo implementations make (storing a
			// full 256-bit point per DP would dominate memory at scale).
			// The dp trailing-zero-bit property only constrains the low
			// end of x, so it is fully checkable here whenever dp <= h;
			// when a run's dp exceeds the shard width h, every
			// distinguished point collapses into shard 0 by construction
			// (its low h bits are forced to all zero), and the property is
			// not checked at all.
			lowBits := shardIndexToLowBits(shard, hdr.BucketCount)
			copy(full[28:], lowBits[:])
			if jump.TrailingZeroBits(full) < int(hdr.DP) && int(hdr.DP) <= bits.Len32(hdr.BucketCount-1) {
				return CheckResult{OK: false, Reason: "stored point does not satisfy the dp trailing-zero-bit property"}
			}
		}
		total += uint64(len(entries))
		digest = chainhash.HashB(append(digest, raw[start:start+consumed]...))
	}

	wantTrailer := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	gotTrailer := fileCRC32(raw[:len(raw)-4])
	if wantTrailer != gotTrailer {
		return CheckResult{OK: false, Reason: "file checksum (trailer CRC32) mismatch"}
	}

	if total != hdr.EntryCount {
		return CheckResult{OK: false, Reason: "bucket entry sum does not match header entry_count"}
	}

	var out [32]byte
	copy(out[:], digest)
	return CheckResult{OK: true, EntriesScanned: total, DeepDigest: out}
}

// shardIndexToLowBits reconstructs the low 4 bytes of x implied by a shard
// index, given bucketCount = 2^h.
func shardIndexToLowBits(shard, bucketCount uint32) [4]byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], shard)
	_ = bucketCount
	return out
}
