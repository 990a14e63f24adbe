// Package wire implements the length-prefixed framed protocol spec.md §6
// defines between client and server: a u32 big-endian length, a u8 opcode,
// and an opcode-specific payload. The frame reader/writer below use plain
// io.Writer.Write and io.ReadFull calls; they do not use io.ReaderFrom or
// io.WriterTo.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Opcode identifies a frame's payload shape, per spec.md §6.
type Opcode byte

const (
	OpHello     Opcode = 0x01
	OpSetTarget Opcode = 0x02
	OpAssign    Opcode = 0x03
	OpDPBatch   Opcode = 0x04
	OpAck       Opcode = 0x05
	OpFound     Opcode = 0x06
	OpPing      Opcode = 0x07
	OpPong      Opcode = 0x08
	OpBye       Opcode = 0xFF
)

// MaxFrameSize bounds a single frame's payload to guard against the
// "oversized frame" network error kind in spec.md §7.
const MaxFrameSize = 16 << 20 // 16 MiB; comfortably above a 1024-entry DP_BATCH

// Frame is one decoded protocol message.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// WriteFrame writes length-prefix + opcode + payload to w.
func WriteFrame(w io.Writer, op Opcode, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errors.Errorf("wire: payload too large: %d bytes", len(payload))
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+1))
	header[4] = byte(op)
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "wire: writing frame header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errors.Wrap(err, "wire: writing frame payload")
		}
	}
	return nil
}

// ReadFrame reads one frame from r, enforcing MaxFrameSize.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "wire: reading frame header")
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 {
		return nil, errors.New("wire: zero-length frame (missing opcode)")
	}
	if length-1 > MaxFrameSize {
		return nil, errors.Errorf("wire: oversized frame: %d bytes", length-1)
	}
	op := Opcode(header[4])
	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, errors.Wrap(err, "wire: reading frame payload")
		}
	}
	return &Frame{Opcode: op, Payload: payload}, nil
}

// DPEntry is one wire-format distinguished point inside a DP_BATCH payload:
// x (32 bytes) + dist_tag (16 bytes) = 48 bytes, per spec.md §6.
type DPEntry struct {
	X        [32]byte
	DistTag  [16]byte
}

const dpEntrySize = 48

// EncodeDPBatch builds a DP_BATCH payload: u32 count + count*48-byte
// entries.
func EncodeDPBatch(entries []DPEntry) []byte {
	out := make([]byte, 4+len(entries)*dpEntrySize)
	binary.BigEndian.PutUint32(out[:4], uint32(len(entries)))
	pos := 4
	for _, e := range entries {
		copy(out[pos:pos+32], e.X[:])
		copy(out[pos+32:pos+48], e.DistTag[:])
		pos += dpEntrySize
	}
	return out
}

// DecodeDPBatch parses a DP_BATCH payload.
func DecodeDPBatch(payload []byte) ([]DPEntry, error) {
	if len(payload) < 4 {
		return nil, errors.New("wire: DP_BATCH payload too short for count")
	}
	count := binary.BigEndian.Uint32(payload[:4])
	need := 4 + int(count)*dpEntrySize
	if len(payload) < need {
		return nil, errors.Errorf("wire: DP_BATCH truncated: have %d bytes, want %d", len(payload), need)
	}
	out := make([]DPEntry, count)
	pos := 4
	for i := range out {
		copy(out[i].X[:], payload[pos:pos+32])
		copy(out[i].DistTag[:], payload[pos+32:pos+48])
		pos += dpEntrySize
	}
	return out, nil
}

// HelloPayload is opcode 0x01's payload: client version and feature bits.
type HelloPayload struct {
	Version     uint16
	FeatureBits uint32
}

func EncodeHello(h HelloPayload) []byte {
	out := make([]byte, 6)
	binary.BigEndian.PutUint16(out[:2], h.Version)
	binary.BigEndian.PutUint32(out[2:], h.FeatureBits)
	return out
}

func DecodeHello(payload []byte) (HelloPayload, error) {
	if len(payload) < 6 {
		return HelloPayload{}, errors.New("wire: HELLO payload too short")
	}
	return HelloPayload{
		Version:     binary.BigEndian.Uint16(payload[:2]),
		FeatureBits: binary.BigEndian.Uint32(payload[2:6]),
	}, nil
}

// SetTargetPayload is opcode 0x02's payload.
type SetTargetPayload struct {
	KMin, KMax [32]byte
	PX, PY     [32]byte
	DP         uint8
	JumpSeed   [8]byte
}

func EncodeSetTarget(p SetTargetPayload) []byte {
	out := make([]byte, 32*4+1+8)
	pos := 0
	for _, b := range [][]byte{p.KMin[:], p.KMax[:], p.PX[:], p.PY[:]} {
		copy(out[pos:], b)
		pos += 32
	}
	out[pos] = p.DP
	pos++
	copy(out[pos:], p.JumpSeed[:])
	return out
}

func DecodeSetTarget(payload []byte) (SetTargetPayload, error) {
	if len(payload) < 32*4+1+8 {
		return SetTargetPayload{}, errors.New("wire: SET_TARGET payload too short")
	}
	var p SetTargetPayload
	pos := 0
	for _, dst := range [][]byte{p.KMin[:], p.KMax[:], p.PX[:], p.PY[:]} {
		copy(dst, payload[pos:pos+32])
		pos += 32
	}
	p.DP = payload[pos]
	pos++
	copy(p.JumpSeed[:], payload[pos:pos+8])
	return p, nil
}

// AssignPayload is opcode 0x03's payload.
type AssignPayload struct {
	WildOffset uint8
	HerdCount  uint32
}

func EncodeAssign(p AssignPayload) []byte {
	out := make([]byte, 5)
	out[0] = p.WildOffset
	binary.BigEndian.PutUint32(out[1:], p.HerdCount)
	return out
}

func DecodeAssign(payload []byte) (AssignPayload, error) {
	if len(payload) < 5 {
		return AssignPayload{}, errors.New("wire: ASSIGN payload too short")
	}
	return AssignPayload{WildOffset: payload[0], HerdCount: binary.BigEndian.Uint32(payload[1:5])}, nil
}

// AckPayload is opcode 0x05's payload.
type AckPayload struct {
	Found       bool
	ServerEpoch uint32
}

func EncodeAck(p AckPayload) []byte {
	out := make([]byte, 5)
	if p.Found {
		out[0] = 1
	}
	binary.BigEndian.PutUint32(out[1:], p.ServerEpoch)
	return out
}

func DecodeAck(payload []byte) (AckPayload, error) {
	if len(payload) < 5 {
		return AckPayload{}, errors.New("wire: ACK payload too short")
	}
	return AckPayload{Found: payload[0] != 0, ServerEpoch: binary.BigEndian.Uint32(payload[1:5])}, nil
}
