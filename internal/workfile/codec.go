package workfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/kangaroo-ecdlp/kangaroo/internal/hashtable"
)

// HerdSnapshotEntry is one serialized kangaroo: px, py, dist, tag, offset —
// 129 bytes per spec.md §6.
type HerdSnapshotEntry struct {
	PX, PY [32]byte
	Dist   [32]byte
	Tag    byte
	Offset [32]byte
}

// File is an in-memory representation of one (possibly partitioned-member)
// work file: header, bucket contents keyed by shard index, and an optional
// herd snapshot.
type File struct {
	Header  Header
	Buckets map[uint32][]hashtable.Entry
	Herd    []HerdSnapshotEntry

	// Compress enables snappy-compressed bucket payloads on Save, mirroring
	// kcptun's optional stream compression (std/comp.go / generic/comp.go).
	Compress bool
}

// Save writes f atomically: a temp file in the same directory, then a
// rename, matching spec.md §4.7's "the file is written atomically (temp +
// rename)".
func (f *File) Save(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".workfile-*")
	if err != nil {
		return errors.Wrap(err, "workfile: creating temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	w := bufio.NewWriter(tmp)
	if err := f.encode(w); err != nil {
		tmp.Close()
		return errors.Wrap(err, "workfile: encoding")
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "workfile: flushing")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "workfile: fsync")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "workfile: closing temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "workfile: renaming into place")
	}
	return nil
}

func (f *File) encode(w io.Writer) error {
	// Bucket index + data are built in memory first since bucket offsets
	// must be known before the index can be written. The whole body is
	// then assembled in memory too, so the trailing file_crc32 can be
	// computed over every preceding byte per spec.md §6.
	//
	// Every bucket in [0, BucketCount) gets its own encoded record, even
	// when empty (entry_count=0, no entry bytes) — offsets are only
	// unambiguous on decode if each one actually points at distinct written
	// bytes. Leaving empty buckets unwritten with a zero-valued offset
	// would make them alias whatever bucket happens to start at byte 0.
	var dataBuf bytes.Buffer
	offsets := make([]uint64, f.Header.BucketCount)

	for shard := uint32(0); shard < f.Header.BucketCount; shard++ {
		offsets[shard] = uint64(dataBuf.Len())
		entries := f.Buckets[shard] // nil when absent; encodeBucket writes a 0-count record
		if err := encodeBucket(&dataBuf, entries, f.Compress); err != nil {
			return err
		}
	}

	hdr := f.Header
	hdr.EntryCount = f.totalEntries()
	hdr.HerdCount = uint32(len(f.Herd))
	hdr.HasHerdSnapshot = len(f.Herd) > 0
	hdr.Compressed = f.Compress

	var body bytes.Buffer
	body.Write(hdr.Marshal())
	for _, off := range offsets {
		binary.Write(&body, binary.LittleEndian, off)
	}
	body.Write(dataBuf.Bytes())
	if hdr.HasHerdSnapshot {
		for _, k := range f.Herd {
			body.Write(k.PX[:])
			body.Write(k.PY[:])
			body.Write(k.Dist[:])
			body.Write([]byte{k.Tag})
			body.Write(k.Offset[:])
		}
	}

	trailer := fileCRC32(body.Bytes())
	if _, err := w.Write(body.Bytes()); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, trailer)
}

func (f *File) totalEntries() uint64 {
	n := uint64(0)
	for _, e := range f.Buckets {
		n += uint64(len(e))
	}
	return n
}

// encodeBucket writes one bucket's entry_count + entries, optionally
// snappy-compressed.
func encodeBucket(w io.Writer, entries []hashtable.Entry, compress bool) error {
	var body bytes.Buffer
	for _, e := range entries {
		body.Write(e.XHi[:])
		body.Write(e.Dist[:])
	}
	payload := body.Bytes()
	if compress {
		payload = snappy.Encode(nil, payload)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entries))); err != nil {
		return err
	}
	if compress {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(payload))); err != nil {
			return err
		}
	}
	_, err := w.Write(payload)
	return err
}

// Load reads and decodes a work file, refusing to load anything that fails
// the header/magic/CRC checks spec.md §7 requires.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "workfile: reading file")
	}
	return decode(raw)
}

func decode(raw []byte) (*File, error) {
	hdr, err := Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	off := HeaderSize
	if len(raw) < off+int(hdr.BucketCount)*8 {
		return nil, errors.New("workfile: truncated bucket index")
	}
	offsets := make([]uint64, hdr.BucketCount)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(raw[off : off+8])
		off += 8
	}
	dataStart := off

	f := &File{Header: *hdr, Buckets: make(map[uint32][]hashtable.Entry), Compress: hdr.Compressed}
	dataEnd := dataStart
	for shard := uint32(0); shard < hdr.BucketCount; shard++ {
		start := dataStart + int(offsets[shard])
		entries, consumed, err := decodeBucketAt(raw, start, f.Compress)
		if err != nil {
			return nil, errors.Wrapf(err, "workfile: decoding bucket %d", shard)
		}
		if len(entries) > 0 {
			f.Buckets[shard] = entries
		}
		if end := start + consumed; end > dataEnd {
			dataEnd = end
		}
	}

	pos := dataEnd
	if hdr.HasHerdSnapshot {
		const herdEntrySize = 32 + 32 + 32 + 1 + 32
		for i := uint32(0); i < hdr.HerdCount; i++ {
			if pos+herdEntrySize > len(raw) {
				return nil, errors.New("workfile: truncated herd snapshot")
			}
			var k HerdSnapshotEntry
			copy(k.PX[:], raw[pos:pos+32])
			pos += 32
			copy(k.PY[:], raw[pos:pos+32])
			pos += 32
			copy(k.Dist[:], raw[pos:pos+32])
			pos += 32
			k.Tag = raw[pos]
			pos++
			copy(k.Offset[:], raw[pos:pos+32])
			pos += 32
			f.Herd = append(f.Herd, k)
		}
	}

	if pos+4 > len(raw) {
		return nil, errors.New("workfile: missing trailer checksum")
	}
	wantTrailer := binary.LittleEndian.Uint32(raw[pos : pos+4])
	gotTrailer := fileCRC32(raw[:pos])
	if wantTrailer != gotTrailer {
		return nil, errors.Errorf("workfile: file checksum mismatch: have %08x, want %08x", gotTrailer, wantTrailer)
	}

	return f, nil
}

// decodeBucketAt decodes one bucket starting at byte offset start in raw,
// returning the entries and the number of bytes consumed.
func decodeBucketAt(raw []byte, start int, compress bool) ([]hashtable.Entry, int, error) {
	if start+4 > len(raw) {
		return nil, 0, errors.New("workfile: truncated bucket count")
	}
	count := binary.LittleEndian.Uint32(raw[start : start+4])
	pos := start + 4

	var body []byte
	if compress {
		if pos+4 > len(raw) {
			return nil, 0, errors.New("workfile: truncated compressed length")
		}
		plen := int(binary.LittleEndian.Uint32(raw[pos : pos+4]))
		pos += 4
		if pos+plen > len(raw) {
			return nil, 0, errors.New("workfile: truncated compressed payload")
		}
		decoded, err := snappy.Decode(nil, raw[pos:pos+plen])
		if err != nil {
			return nil, 0, errors.Wrap(err, "workfile: snappy decode")
		}
		body = decoded
		pos += plen
	} else {
		need := int(count) * 32
		if pos+need > len(raw) {
			return nil, 0, errors.New("workfile: truncated bucket entries")
		}
		body = raw[pos : pos+need]
		pos += need
	}

	entries := make([]hashtable.Entry, count)
	for i := range entries {
		copy(entries[i].XHi[:], body[i*32:i*32+16])
		copy(entries[i].Dist[:], body[i*32+16:i*32+32])
	}
	return entries, pos - start, nil
}

// fileCRC32 computes the trailer checksum over every preceding byte,
// per spec.md §6's trailer.
func fileCRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
