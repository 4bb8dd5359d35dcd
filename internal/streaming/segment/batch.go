package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/iggy-run/iggy/internal/streaming/message"
)

// batchHeaderSize is the 24-byte on-disk batch header (spec §3/§6):
// u64 base_offset | u32 length | u32 last_offset_delta | u64 max_timestamp.
const batchHeaderSize = 24

// indexEntrySize is one on-disk index record: u32 relative_offset | u32
// position | u64 timestamp.
const indexEntrySize = 16

// Batch is the on-disk append unit: a contiguous run of messages sharing
// a base offset, encoded as the concatenation of their wire forms.
type Batch struct {
	BaseOffset      uint64
	LastOffsetDelta uint32
	MaxTimestamp    int64
	Payload         []byte // concatenated message.Encode() output

	// Corrupted marks a batch whose trailing CRC-32 didn't match its
	// on-disk bytes (segment.ReadMessages sets this rather than
	// aborting the read; spec §4.1/§7 poison the batch and continue).
	Corrupted bool
}

// Length is the on-disk payload length field.
func (b *Batch) Length() uint32 { return uint32(len(b.Payload)) }

// Encode writes the 24-byte header followed by the payload.
func (b *Batch) Encode() []byte {
	out := make([]byte, batchHeaderSize+len(b.Payload))
	binary.LittleEndian.PutUint64(out[0:8], b.BaseOffset)
	binary.LittleEndian.PutUint32(out[8:12], b.Length())
	binary.LittleEndian.PutUint32(out[12:16], b.LastOffsetDelta)
	binary.LittleEndian.PutUint64(out[16:24], uint64(b.MaxTimestamp))
	copy(out[batchHeaderSize:], b.Payload)
	return out
}

// DecodeBatchHeader reads just the 24-byte header, used to validate a
// batch position without materializing its payload.
func DecodeBatchHeader(buf []byte) (base uint64, length uint32, lastOffsetDelta uint32, maxTimestamp int64, err error) {
	if len(buf) < batchHeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("segment: truncated batch header")
	}
	base = binary.LittleEndian.Uint64(buf[0:8])
	length = binary.LittleEndian.Uint32(buf[8:12])
	lastOffsetDelta = binary.LittleEndian.Uint32(buf[12:16])
	maxTimestamp = int64(binary.LittleEndian.Uint64(buf[16:24]))
	return
}

// Messages decodes every message.Message encoded in the batch payload,
// assigning each its absolute offset from BaseOffset. A batch whose
// on-disk bytes failed CRC validation (Corrupted) can't be trusted
// enough to decode at all, so it yields a single synthetic Poisoned
// placeholder spanning the batch (spec §4.1/§7). Within an otherwise
// intact batch, a message whose own per-message checksum doesn't match
// its payload is individually marked Poisoned but decoding continues.
func (b *Batch) Messages() ([]*message.Message, error) {
	if b.Corrupted {
		return []*message.Message{{
			Offset: b.BaseOffset,
			State:  message.StatePoisoned,
		}}, nil
	}

	var out []*message.Message
	offset := 0
	relOffset := uint64(0)
	for offset < len(b.Payload) {
		m, consumed, err := message.Decode(b.Payload[offset:])
		if err != nil {
			return nil, fmt.Errorf("segment: decode message at relative offset %d: %w", relOffset, err)
		}
		m.Offset = b.BaseOffset + relOffset
		if !m.VerifyChecksum() {
			m.State = message.StatePoisoned
		}
		out = append(out, m)
		offset += consumed
		relOffset++
	}
	return out, nil
}

// IndexEntry is one on-disk index record pointing at a batch's start.
type IndexEntry struct {
	RelativeOffset uint32
	Position       uint32
	Timestamp      int64
}

func (e IndexEntry) encode() []byte {
	out := make([]byte, indexEntrySize)
	binary.LittleEndian.PutUint32(out[0:4], e.RelativeOffset)
	binary.LittleEndian.PutUint32(out[4:8], e.Position)
	binary.LittleEndian.PutUint64(out[8:16], uint64(e.Timestamp))
	return out
}

func decodeIndexEntry(buf []byte) (IndexEntry, error) {
	if len(buf) < indexEntrySize {
		return IndexEntry{}, fmt.Errorf("segment: truncated index entry")
	}
	return IndexEntry{
		RelativeOffset: binary.LittleEndian.Uint32(buf[0:4]),
		Position:       binary.LittleEndian.Uint32(buf[4:8]),
		Timestamp:      int64(binary.LittleEndian.Uint64(buf[8:16])),
	}, nil
}
