// Package wire implements the binary encodings named in spec §6: the
// TCP/QUIC request/response frame and the Identifier, Partitioning and
// read-strategy encodings. A Message's own encoding lives in
// internal/streaming/message. It has no dependency on any
// particular transport — per the design note in spec §9, transports are
// thin adapters that decode a frame into these shapes and hand them to
// System.Dispatch.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Request is a decoded frame: a command code plus its raw payload. The
// 4-byte length prefix on the wire is consumed by ReadRequest and is not
// part of this struct.
type Request struct {
	CommandCode uint32
	Payload     []byte
}

// Response is the wire shape returned for every request: a zero status
// means OK and Payload carries the result; a non-zero status is one of
// the codes in internal/iggyerr and Payload is empty.
type Response struct {
	Status  uint32
	Payload []byte
}

// ReadRequest reads one length-prefixed request frame:
// u32 length | u32 command_code | payload[length-4].
func ReadRequest(r io.Reader) (Request, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return Request{}, err
	}
	length := binary.LittleEndian.Uint32(lengthBuf[:])
	if length < 4 {
		return Request{}, fmt.Errorf("wire: frame length %d shorter than command code", length)
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Request{}, err
	}
	return Request{
		CommandCode: binary.LittleEndian.Uint32(rest[:4]),
		Payload:     rest[4:],
	}, nil
}

// WriteResponse writes a response frame: u32 status | u32 payload_length | payload.
func WriteResponse(w io.Writer, resp Response) error {
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], resp.Status)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(resp.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(resp.Payload) == 0 {
		return nil
	}
	_, err := w.Write(resp.Payload)
	return err
}
