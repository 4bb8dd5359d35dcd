package wire

import (
	"encoding/binary"
	"fmt"
)

// PartitioningKind tags how a producer wants its messages routed to a
// partition (spec §4.4, §6).
type PartitioningKind uint8

const (
	PartitioningBalanced    PartitioningKind = 1
	PartitioningPartitionID PartitioningKind = 2
	PartitioningMessagesKey PartitioningKind = 3
)

// Partitioning is the decoded producer routing directive.
type Partitioning struct {
	Kind        PartitioningKind
	PartitionID uint32 // valid when Kind == PartitioningPartitionID
	Key         []byte // valid when Kind == PartitioningMessagesKey
}

// EncodePartitioning writes: u8 kind | u8 length | bytes.
func EncodePartitioning(p Partitioning) []byte {
	switch p.Kind {
	case PartitioningPartitionID:
		out := make([]byte, 2, 6)
		out[0] = byte(p.Kind)
		out[1] = 4
		var num [4]byte
		binary.LittleEndian.PutUint32(num[:], p.PartitionID)
		return append(out, num[:]...)
	case PartitioningMessagesKey:
		out := make([]byte, 2, 2+len(p.Key))
		out[0] = byte(p.Kind)
		out[1] = byte(len(p.Key))
		return append(out, p.Key...)
	default:
		return []byte{byte(PartitioningBalanced), 0}
	}
}

// DecodePartitioning reads a Partitioning directive, returning the value
// and bytes consumed.
func DecodePartitioning(buf []byte) (Partitioning, int, error) {
	if len(buf) < 2 {
		return Partitioning{}, 0, fmt.Errorf("wire: partitioning header truncated")
	}
	kind := PartitioningKind(buf[0])
	length := int(buf[1])
	if len(buf) < 2+length {
		return Partitioning{}, 0, fmt.Errorf("wire: partitioning body truncated")
	}
	body := buf[2 : 2+length]
	switch kind {
	case PartitioningBalanced:
		return Partitioning{Kind: PartitioningBalanced}, 2 + length, nil
	case PartitioningPartitionID:
		if length != 4 {
			return Partitioning{}, 0, fmt.Errorf("wire: partition id partitioning must be 4 bytes")
		}
		return Partitioning{Kind: PartitioningPartitionID, PartitionID: binary.LittleEndian.Uint32(body)}, 2 + length, nil
	case PartitioningMessagesKey:
		key := make([]byte, length)
		copy(key, body)
		return Partitioning{Kind: PartitioningMessagesKey, Key: key}, 2 + length, nil
	default:
		return Partitioning{}, 0, fmt.Errorf("wire: unknown partitioning kind %d", kind)
	}
}
