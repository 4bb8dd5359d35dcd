// Package segment implements the Segment component of spec §4.1: a
// bounded pair of files (log + index) holding a contiguous run of batches
// for one partition. Segments are append-only while open and immutable
// once closed; the partition owns rotation between them.
package segment

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/iggy-run/iggy/internal/drivers"
)

// CompressionKind is the on-disk payload compression applied per batch,
// matching the producer-selectable {None, Gzip} enum.
type CompressionKind uint8

const (
	CompressionNone CompressionKind = iota
	CompressionGzip
)

// Config controls size-based rotation (MaxSizeBytes), the expiry age
// IsExpired checks (MaxAge), compression and checksum validation.
type Config struct {
	MaxSizeBytes   int64
	MaxAge         time.Duration
	Compression    CompressionKind
	ValidateCRC    bool
}

// Segment owns one log file and its matching index file for a single
// base offset range within a partition.
type Segment struct {
	mu sync.Mutex

	dir           string
	baseOffset    uint64
	cfg           Config
	logger        *zap.Logger

	logFile   *os.File
	indexFile *os.File
	writer    *bufio.Writer

	sizeBytes   int64
	createdAt   time.Time
	lastOffset  uint64
	closed      bool
	fullSignal  bool
}

// openWithRetry opens path with a short bounded backoff, absorbing the
// transient EMFILE/EINTR a busy broker can hit under fd pressure rather
// than failing a segment rotation outright.
func openWithRetry(path string, flag int, perm os.FileMode) (*os.File, error) {
	policy := drivers.NewRetryPolicy(
		drivers.WithMaxAttempts(3),
		drivers.WithInitialDelay(10*time.Millisecond),
		drivers.WithMaxDelay(100*time.Millisecond),
	)
	var f *os.File
	err := policy.Execute(context.Background(), func() error {
		var openErr error
		f, openErr = os.OpenFile(path, flag, perm)
		return openErr
	})
	return f, err
}

func logPath(dir string, baseOffset uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.log", baseOffset))
}

func indexPath(dir string, baseOffset uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.index", baseOffset))
}

// Create opens a brand new segment starting at baseOffset.
func Create(dir string, baseOffset uint64, cfg Config, logger *zap.Logger) (*Segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create dir: %w", err)
	}
	logFile, err := openWithRetry(logPath(dir, baseOffset), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: create log file: %w", err)
	}
	indexFile, err := openWithRetry(indexPath(dir, baseOffset), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("segment: create index file: %w", err)
	}
	return &Segment{
		dir:        dir,
		baseOffset: baseOffset,
		cfg:        cfg,
		logger:     logger,
		logFile:    logFile,
		indexFile:  indexFile,
		writer:     bufio.NewWriterSize(logFile, 64*1024),
		createdAt:  time.Now(),
		lastOffset: baseOffset,
	}, nil
}

// Load reopens an existing segment for reading and, if it is still the
// active tail segment, further appends.
func Load(dir string, baseOffset uint64, cfg Config, logger *zap.Logger) (*Segment, error) {
	logFile, err := openWithRetry(logPath(dir, baseOffset), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open log file: %w", err)
	}
	indexFile, err := openWithRetry(indexPath(dir, baseOffset), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("segment: open index file: %w", err)
	}
	info, err := logFile.Stat()
	if err != nil {
		logFile.Close()
		indexFile.Close()
		return nil, fmt.Errorf("segment: stat log file: %w", err)
	}
	s := &Segment{
		dir:        dir,
		baseOffset: baseOffset,
		cfg:        cfg,
		logger:     logger,
		logFile:    logFile,
		indexFile:  indexFile,
		writer:     bufio.NewWriterSize(logFile, 64*1024),
		sizeBytes:  info.Size(),
		createdAt:  info.ModTime(),
	}
	last, err := scanLastOffset(logFile, baseOffset)
	if err != nil {
		logFile.Close()
		indexFile.Close()
		return nil, err
	}
	s.lastOffset = last
	return s, nil
}

func scanLastOffset(f *os.File, baseOffset uint64) (uint64, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return baseOffset, err
	}
	last := baseOffset
	buf := make([]byte, batchHeaderSize)
	var pos int64
	for {
		if _, err := f.ReadAt(buf, pos); err != nil {
			break
		}
		base, length, lastDelta, _, err := DecodeBatchHeader(buf)
		if err != nil {
			break
		}
		last = base + uint64(lastDelta)
		pos += int64(batchHeaderSize) + int64(length)
	}
	if _, err := f.Seek(0, 2); err != nil {
		return last, err
	}
	return last, nil
}

// BaseOffset returns the first offset this segment can hold.
func (s *Segment) BaseOffset() uint64 {
	return s.baseOffset
}

// LastOffset returns the highest offset appended so far.
func (s *Segment) LastOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOffset
}

// IsFull reports whether the segment has reached its configured size
// ceiling and rotation should happen before the next append.
func (s *Segment) IsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxSizeBytes <= 0 {
		return false
	}
	return s.sizeBytes >= s.cfg.MaxSizeBytes || s.fullSignal
}

// IsExpired reports whether the segment has outlived its retention age,
// measured from creation.
func (s *Segment) IsExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxAge <= 0 {
		return false
	}
	return now.Sub(s.createdAt) >= s.cfg.MaxAge
}

// AppendBatch writes one batch, compressing its payload per cfg, and
// records an index entry pointing at its start position.
func (s *Segment) AppendBatch(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("segment: append to closed segment")
	}

	payload := b.Payload
	if s.cfg.Compression == CompressionGzip {
		compressed, err := gzipCompress(payload)
		if err != nil {
			return fmt.Errorf("segment: compress batch: %w", err)
		}
		payload = compressed
	}
	if s.cfg.ValidateCRC {
		var sum [4]byte
		binary.LittleEndian.PutUint32(sum[:], checksum(payload))
		payload = append(payload, sum[:]...)
	}
	onDisk := &Batch{
		BaseOffset:      b.BaseOffset,
		LastOffsetDelta: b.LastOffsetDelta,
		MaxTimestamp:    b.MaxTimestamp,
		Payload:         payload,
	}
	encoded := onDisk.Encode()

	position := s.sizeBytes
	if _, err := s.writer.Write(encoded); err != nil {
		return fmt.Errorf("segment: write batch: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("segment: flush batch: %w", err)
	}

	entry := IndexEntry{
		RelativeOffset: uint32(b.BaseOffset - s.baseOffset),
		Position:       uint32(position),
		Timestamp:      b.MaxTimestamp,
	}
	if _, err := s.indexFile.Write(entry.encode()); err != nil {
		return fmt.Errorf("segment: write index entry: %w", err)
	}

	s.sizeBytes += int64(len(encoded))
	s.lastOffset = b.BaseOffset + uint64(b.LastOffsetDelta)
	if s.cfg.MaxSizeBytes > 0 && s.sizeBytes >= s.cfg.MaxSizeBytes {
		s.fullSignal = true
	}
	return nil
}

// ReadMessages returns every batch from the one containing fromOffset
// onward (so the first batch may start below fromOffset), up to
// maxBytes of on-disk (compressed) payload, decompressing and
// validating each as it is read.
func (s *Segment) ReadMessages(fromOffset uint64, maxBytes int) ([]*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		// Close released the write handles; read through read-only ones.
		logFile, err := os.Open(logPath(s.dir, s.baseOffset))
		if err != nil {
			return nil, fmt.Errorf("segment: open closed log file: %w", err)
		}
		defer logFile.Close()
		indexFile, err := os.Open(indexPath(s.dir, s.baseOffset))
		if err != nil {
			return nil, fmt.Errorf("segment: open closed index file: %w", err)
		}
		defer indexFile.Close()
		s.logFile, s.indexFile = logFile, indexFile
	}

	pos, err := s.findPosition(fromOffset)
	if err != nil {
		return nil, err
	}

	var batches []*Batch
	var consumed int
	for {
		header := make([]byte, batchHeaderSize)
		n, err := s.logFile.ReadAt(header, pos)
		if n < batchHeaderSize || err != nil {
			break
		}
		base, length, lastDelta, maxTs, err := DecodeBatchHeader(header)
		if err != nil {
			return nil, fmt.Errorf("segment: corrupt batch header at position %d: %w", pos, err)
		}
		body := make([]byte, length)
		if _, err := s.logFile.ReadAt(body, pos+int64(batchHeaderSize)); err != nil {
			return nil, fmt.Errorf("segment: read batch body at position %d: %w", pos, err)
		}

		var corrupted bool
		if s.cfg.ValidateCRC {
			if len(body) < 4 {
				corrupted = true
				body = nil
			} else {
				split := len(body) - 4
				want := binary.LittleEndian.Uint32(body[split:])
				candidate := body[:split]
				if got := checksum(candidate); got != want {
					corrupted = true
					body = nil
				} else {
					body = candidate
				}
			}
		}

		if corrupted {
			s.logger.Warn("segment: batch failed CRC validation, marking poisoned",
				zap.Int64("position", pos), zap.Uint64("base_offset", base))
			batches = append(batches, &Batch{
				BaseOffset:      base,
				LastOffsetDelta: lastDelta,
				MaxTimestamp:    maxTs,
				Corrupted:       true,
			})
			consumed += batchHeaderSize + int(length)
			pos += int64(batchHeaderSize) + int64(length)
			if maxBytes > 0 && consumed >= maxBytes {
				break
			}
			continue
		}

		if s.cfg.Compression == CompressionGzip {
			body, err = gzipDecompress(body)
			if err != nil {
				return nil, fmt.Errorf("segment: decompress batch at position %d: %w", pos, err)
			}
		}
		batches = append(batches, &Batch{
			BaseOffset:      base,
			LastOffsetDelta: lastDelta,
			MaxTimestamp:    maxTs,
			Payload:         body,
		})
		consumed += batchHeaderSize + int(length)
		pos += int64(batchHeaderSize) + int64(length)
		if maxBytes > 0 && consumed >= maxBytes {
			break
		}
	}
	return batches, nil
}

// findPosition locates the log-file byte offset of the last index entry
// whose relative offset is <= fromOffset, falling back to the start of
// the file when the index has no entries yet.
func (s *Segment) findPosition(fromOffset uint64) (int64, error) {
	if fromOffset <= s.baseOffset {
		return 0, nil
	}
	target := uint32(fromOffset - s.baseOffset)

	info, err := s.indexFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("segment: stat index file: %w", err)
	}
	count := int(info.Size() / indexEntrySize)
	if count == 0 {
		return 0, nil
	}

	best := int64(0)
	buf := make([]byte, indexEntrySize)
	for i := 0; i < count; i++ {
		if _, err := s.indexFile.ReadAt(buf, int64(i)*indexEntrySize); err != nil {
			break
		}
		entry, err := decodeIndexEntry(buf)
		if err != nil {
			break
		}
		if entry.RelativeOffset > target {
			break
		}
		best = int64(entry.Position)
	}
	return best, nil
}

// Sync flushes the buffered writer and fsyncs both the log and index
// files, giving the caller a durability point to call after a batch it
// cannot afford to lose on a crash.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("segment: sync closed segment")
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("segment: flush before sync: %w", err)
	}
	if err := s.logFile.Sync(); err != nil {
		return fmt.Errorf("segment: fsync log file: %w", err)
	}
	if err := s.indexFile.Sync(); err != nil {
		return fmt.Errorf("segment: fsync index file: %w", err)
	}
	return nil
}

// Close flushes and closes both files. A closed segment can still be
// reopened with Load.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("segment: flush on close: %w", err)
	}
	if err := s.logFile.Close(); err != nil {
		return fmt.Errorf("segment: close log file: %w", err)
	}
	if err := s.indexFile.Close(); err != nil {
		return fmt.Errorf("segment: close index file: %w", err)
	}
	return nil
}

// Delete removes both files of a closed segment.
func (s *Segment) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return fmt.Errorf("segment: cannot delete an open segment")
	}
	if err := os.Remove(logPath(s.dir, s.baseOffset)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(indexPath(s.dir, s.baseOffset)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// checksum computes the CRC-32 appended to a batch payload on write and
// validated on read when cfg.ValidateCRC is set.
func checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
