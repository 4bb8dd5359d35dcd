package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/iggy-run/iggy/internal/identifier"
)

// EncodeIdentifier writes: u8 kind (1=numeric, 2=string) | u8 length | bytes.
// Numeric values are 4 little-endian bytes; strings are UTF-8.
func EncodeIdentifier(id identifier.Identifier) []byte {
	if id.IsNumeric() {
		out := make([]byte, 2, 6)
		out[0] = byte(identifier.KindNumeric)
		out[1] = 4
		var num [4]byte
		binary.LittleEndian.PutUint32(num[:], id.Number())
		return append(out, num[:]...)
	}
	text := []byte(id.Text())
	out := make([]byte, 2, 2+len(text))
	out[0] = byte(identifier.KindString)
	out[1] = byte(len(text))
	return append(out, text...)
}

// DecodeIdentifier reads an encoded identifier from buf, returning the
// identifier and the number of bytes consumed.
func DecodeIdentifier(buf []byte) (identifier.Identifier, int, error) {
	if len(buf) < 2 {
		return identifier.Identifier{}, 0, fmt.Errorf("wire: identifier header truncated")
	}
	kind := identifier.Kind(buf[0])
	length := int(buf[1])
	if len(buf) < 2+length {
		return identifier.Identifier{}, 0, fmt.Errorf("wire: identifier body truncated")
	}
	body := buf[2 : 2+length]
	switch kind {
	case identifier.KindNumeric:
		if length != 4 {
			return identifier.Identifier{}, 0, fmt.Errorf("wire: numeric identifier must be 4 bytes, got %d", length)
		}
		id, err := identifier.Numeric(binary.LittleEndian.Uint32(body))
		return id, 2 + length, err
	case identifier.KindString:
		id, err := identifier.String(string(body))
		return id, 2 + length, err
	default:
		return identifier.Identifier{}, 0, fmt.Errorf("wire: unknown identifier kind %d", kind)
	}
}
