// Package statelog implements spec §5.4: the durable, append-only log
// of every metadata mutation the System aggregate applies. It is the
// broker's single source of truth on restart — streams, topics, users
// and permissions are all rebuilt by replaying it from offset zero.
package statelog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind tags what a StateEntry mutated, mirroring the System command set
// (spec §5.3) that produced it.
type Kind uint32

const (
	KindCreateStream Kind = iota + 1
	KindDeleteStream
	KindCreateTopic
	KindDeleteTopic
	KindCreateUser
	KindDeleteUser
	KindCreatePAT
	KindDeletePAT
	KindCreateConsumerGroup
	KindDeleteConsumerGroup
	KindUpdatePermissions
)

// entryHeaderSize is the fixed portion of an on-disk StateEntry:
// u64 index | u64 timestamp | u32 kind | u32 context_length | u32 payload_length.
const entryHeaderSize = 8 + 8 + 4 + 4 + 4

// Entry is one durable mutation record.
type Entry struct {
	Index     uint64
	Timestamp int64
	Kind      Kind
	Context   []byte // free-form metadata (e.g. acting user id), kind-specific
	Payload   []byte // kind-specific encoded command body
}

func (e *Entry) encode() []byte {
	out := make([]byte, entryHeaderSize+len(e.Context)+len(e.Payload))
	binary.LittleEndian.PutUint64(out[0:8], e.Index)
	binary.LittleEndian.PutUint64(out[8:16], uint64(e.Timestamp))
	binary.LittleEndian.PutUint32(out[16:20], uint32(e.Kind))
	binary.LittleEndian.PutUint32(out[20:24], uint32(len(e.Context)))
	binary.LittleEndian.PutUint32(out[24:28], uint32(len(e.Payload)))
	offset := entryHeaderSize
	offset += copy(out[offset:], e.Context)
	copy(out[offset:], e.Payload)
	return out
}

func decodeEntry(r io.Reader) (*Entry, error) {
	header := make([]byte, entryHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	e := &Entry{
		Index:     binary.LittleEndian.Uint64(header[0:8]),
		Timestamp: int64(binary.LittleEndian.Uint64(header[8:16])),
		Kind:      Kind(binary.LittleEndian.Uint32(header[16:20])),
	}
	ctxLen := binary.LittleEndian.Uint32(header[20:24])
	payloadLen := binary.LittleEndian.Uint32(header[24:28])
	if ctxLen > 0 {
		e.Context = make([]byte, ctxLen)
		if _, err := io.ReadFull(r, e.Context); err != nil {
			return nil, fmt.Errorf("statelog: truncated context at index %d: %w", e.Index, err)
		}
	}
	if payloadLen > 0 {
		e.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, e.Payload); err != nil {
			return nil, fmt.Errorf("statelog: truncated payload at index %d: %w", e.Index, err)
		}
	}
	return e, nil
}

// Log is the append-only durable mutation record for the whole broker.
// There is exactly one per running server.
type Log struct {
	mu sync.Mutex

	file   *os.File
	writer *bufio.Writer
	logger *zap.Logger

	nextIndex uint64
}

// Open creates or appends to the state log file at path.
func Open(path string, logger *zap.Logger) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("statelog: open %s: %w", path, err)
	}
	l := &Log{
		file:   f,
		writer: bufio.NewWriterSize(f, 64*1024),
		logger: logger,
	}
	last, err := l.scanLastIndex()
	if err != nil {
		f.Close()
		return nil, err
	}
	l.nextIndex = last + 1
	return l, nil
}

func (l *Log) scanLastIndex() (uint64, error) {
	if _, err := l.file.Seek(0, 0); err != nil {
		return 0, err
	}
	var last uint64
	found := false
	for {
		e, err := decodeEntry(l.file)
		if err != nil {
			break
		}
		last = e.Index
		found = true
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return last, nil
}

// Append writes one entry durably, stamping it with the next sequential
// index and the current time, and returns the assigned index.
func (l *Log) Append(kind Kind, context, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := &Entry{
		Index:     l.nextIndex,
		Timestamp: time.Now().UnixMicro(),
		Kind:      kind,
		Context:   context,
		Payload:   payload,
	}
	if _, err := l.writer.Write(e.encode()); err != nil {
		return 0, fmt.Errorf("statelog: write entry %d: %w", e.Index, err)
	}
	if err := l.writer.Flush(); err != nil {
		return 0, fmt.Errorf("statelog: flush entry %d: %w", e.Index, err)
	}
	if err := l.file.Sync(); err != nil {
		return 0, fmt.Errorf("statelog: fsync entry %d: %w", e.Index, err)
	}
	l.nextIndex++
	return e.Index, nil
}

// Replay invokes apply for every entry in the log, in index order, from
// the very start of the file. Used at startup to rebuild the System
// aggregate before accepting traffic.
func (l *Log) Replay(apply func(*Entry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, 0); err != nil {
		return fmt.Errorf("statelog: seek to start: %w", err)
	}
	defer l.file.Seek(0, io.SeekEnd)

	count := 0
	for {
		e, err := decodeEntry(l.file)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("statelog: decode entry: %w", err)
		}
		if err := apply(e); err != nil {
			return fmt.Errorf("statelog: apply entry %d: %w", e.Index, err)
		}
		count++
	}
	l.logger.Info("state log replay complete", zap.Int("entries", count))
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
