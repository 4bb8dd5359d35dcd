// Package partition implements spec §4.3: the append/read unit within a
// topic. A Partition owns an ordered sequence of segments, an in-memory
// accumulator for not-yet-persisted messages, a bounded cache of recently
// appended messages (filled on append; Read does not consult it),
// per-consumer committed offsets, and a retention sweep.
package partition

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iggy-run/iggy/internal/iggyerr"
	"github.com/iggy-run/iggy/internal/streaming/message"
	"github.com/iggy-run/iggy/internal/streaming/segment"
	"github.com/iggy-run/iggy/internal/streamcrypto"
	"github.com/iggy-run/iggy/internal/wire"
)

// ErrDuplicateMessage is returned by Append when a message's id was
// already seen within the dedup window (spec §4.3 step 2) and was
// dropped rather than stored. Callers should treat this as "not an
// error the producer needs to see", not a failed send.
var ErrDuplicateMessage = errors.New("partition: duplicate message id dropped")

// defaultDedupCapacity bounds the recent-id window when dedup is
// enabled but no explicit capacity is configured.
const defaultDedupCapacity = 10000

// RetentionPolicy configures the retention sweep. A positive MaxAge
// becomes the segments' expiry age, and closed segments older than it
// are deleted; zero disables age-based deletion. A positive
// MaxTotalSize enables the sweep but is not compared against the
// partition's size: no segment is deleted for size.
type RetentionPolicy struct {
	MaxAge       time.Duration
	MaxTotalSize int64
}

// DedupConfig enables the bounded recent-id dedup window (spec §4.3
// step 2), disabled by default.
type DedupConfig struct {
	Enabled  bool
	Capacity int
}

// Config configures a partition's segment rotation, accumulator
// thresholds, read cache size, retention, optional append-time dedup,
// and optional payload encryption.
type Config struct {
	Dir              string
	SegmentConfig    segment.Config
	Accumulator      AccumulatorConfig
	ReadCacheEntries int
	Retention        RetentionPolicy
	Dedup            DedupConfig

	// Encryptor, when non-nil, seals every appended payload with
	// AES-256-GCM (spec §4.3 step 3) and opens it again on read.
	Encryptor *streamcrypto.Encryptor
}

// Partition is one ordered, append-only log within a topic.
type Partition struct {
	mu sync.RWMutex

	id     uint32
	dir    string
	cfg    Config
	logger *zap.Logger

	segments []*segment.Segment // ordered by BaseOffset ascending; last is active
	acc      *BatchAccumulator
	cache    *readCache
	dedup    *dedupWindow
	crypt    *streamcrypto.Encryptor

	consumerOffsets map[uint32]uint64 // consumerID -> last committed offset

	persister *LogPersisterTask
}

// New creates a fresh partition starting at offset 0 with a single
// active segment.
func New(id uint32, cfg Config, logger *zap.Logger) (*Partition, error) {
	if cfg.Retention.MaxAge > 0 && cfg.SegmentConfig.MaxAge <= 0 {
		// Segments measure their own expiry against the retention age.
		cfg.SegmentConfig.MaxAge = cfg.Retention.MaxAge
	}
	dir := filepath.Join(cfg.Dir, fmt.Sprintf("partition_%d", id))
	seg, err := segment.Create(dir, 0, cfg.SegmentConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("partition: create initial segment: %w", err)
	}
	var dw *dedupWindow
	if cfg.Dedup.Enabled {
		capacity := cfg.Dedup.Capacity
		if capacity <= 0 {
			capacity = defaultDedupCapacity
		}
		dw = newDedupWindow(capacity)
	}
	p := &Partition{
		id:              id,
		dir:             dir,
		cfg:             cfg,
		logger:          logger,
		segments:        []*segment.Segment{seg},
		acc:             newBatchAccumulator(cfg.Accumulator, 0),
		cache:           newReadCache(cfg.ReadCacheEntries),
		dedup:           dw,
		crypt:           cfg.Encryptor,
		consumerOffsets: make(map[uint32]uint64),
	}
	p.persister = NewLogPersisterTask(p.flush, logger)
	return p, nil
}

// ID returns the partition's 1-based index within its topic.
func (p *Partition) ID() uint32 { return p.id }

// StartPersister launches the background flush loop; callers should
// call this once after New and cancel ctx (or call StopPersister) on
// shutdown.
func (p *Partition) StartPersister(ctx context.Context) {
	go p.persister.Run(ctx)
}

// StopPersister requests a final flush and blocks until it completes.
func (p *Partition) StopPersister() {
	p.persister.Stop()
}

// Append buffers m in the accumulator, assigning it the next offset,
// and returns that offset. The message becomes visible to Read
// immediately, served from the accumulator until it reaches disk.
//
// Follows spec §4.3's append path: generate an id if the caller left
// one unset, drop the message (ErrDuplicateMessage) if its id was seen
// recently and dedup is enabled, optionally encrypt the payload, then
// push into the accumulator and flush if a threshold was crossed.
func (p *Partition) Append(m *message.Message) (uint64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	if m.ID == ([16]byte{}) {
		m.ID = uuid.New()
	}
	if p.dedup.SeenOrRemember(m.ID) {
		return p.acc.NextOffset(), ErrDuplicateMessage
	}
	if p.crypt != nil {
		sealed, err := p.crypt.Seal(m.Payload)
		if err != nil {
			return 0, fmt.Errorf("partition: encrypt payload: %w", err)
		}
		m.Payload = sealed
	}

	p.mu.Lock()
	offset, due := p.acc.Append(m)
	p.cache.Put(m)
	p.mu.Unlock()

	if due {
		if err := p.flush(context.Background()); err != nil {
			return offset, err
		}
	}
	return offset, nil
}

// Flush forces any buffered messages to persist immediately, without
// waiting for the accumulator's size/count/age thresholds. Used by the
// FlushUnsavedBuffer command for a read-your-writes guarantee.
func (p *Partition) Flush() error {
	return p.flush(context.Background())
}

// flush drains the accumulator and writes it as one batch to the
// active segment, rotating to a new segment first if the active one is
// full.
func (p *Partition) flush(ctx context.Context) error {
	p.mu.Lock()
	messages := p.acc.Drain()
	if len(messages) == 0 {
		p.mu.Unlock()
		return nil
	}
	active := p.segments[len(p.segments)-1]
	p.mu.Unlock()

	if active.IsFull() {
		if err := p.rotate(active); err != nil {
			return err
		}
		p.mu.Lock()
		active = p.segments[len(p.segments)-1]
		p.mu.Unlock()
	}

	var payload []byte
	base := messages[0].Offset
	maxTs := int64(0)
	for _, m := range messages {
		if m.Timestamp == 0 {
			m.Timestamp = time.Now().UnixMicro()
		}
		if m.Timestamp > maxTs {
			maxTs = m.Timestamp
		}
		payload = append(payload, m.Encode()...)
	}
	batch := &segment.Batch{
		BaseOffset:      base,
		LastOffsetDelta: uint32(len(messages) - 1),
		MaxTimestamp:    maxTs,
		Payload:         payload,
	}
	if err := active.AppendBatch(batch); err != nil {
		return err
	}
	return active.Sync()
}

// rotate closes the given segment and opens a new active one starting
// just past its last offset.
func (p *Partition) rotate(full *segment.Segment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	nextBase := full.LastOffset() + 1
	if err := full.Close(); err != nil {
		return fmt.Errorf("partition: close full segment: %w", err)
	}
	seg, err := segment.Create(p.dir, nextBase, p.cfg.SegmentConfig, p.logger)
	if err != nil {
		return fmt.Errorf("partition: create rotated segment: %w", err)
	}
	p.segments = append(p.segments, seg)
	return nil
}

// Read dispatches to one of the five poll strategies spec §4.3 names
// and returns up to count messages (count <= 0 means unbounded).
func (p *Partition) Read(strategy wire.ReadStrategy, count int) ([]*message.Message, error) {
	switch strategy.Kind {
	case wire.StrategyOffset:
		return p.decrypt(p.readFromOffset(strategy.Offset, count))
	case wire.StrategyFirst:
		return p.decrypt(p.readFromOffset(0, count))
	case wire.StrategyLast:
		return p.decrypt(p.readLast(count))
	case wire.StrategyTimestamp:
		return p.decrypt(p.readFromTimestamp(strategy.Timestamp, count))
	case wire.StrategyNext:
		return p.readNext(strategy, count)
	default:
		return nil, fmt.Errorf("partition: unsupported read strategy %d", strategy.Kind)
	}
}

// readFromOffset returns up to count messages starting at fromOffset,
// scanning forward across segments (spec §4.3's Offset(o); a fromOffset
// past the current offset simply yields zero messages, per spec §8).
func (p *Partition) readFromOffset(fromOffset uint64, count int) ([]*message.Message, error) {
	p.mu.RLock()
	segments := append([]*segment.Segment(nil), p.segments...)
	p.mu.RUnlock()

	var out []*message.Message
	for _, seg := range segments {
		if seg.LastOffset() < fromOffset && seg != segments[len(segments)-1] {
			continue
		}
		batches, err := seg.ReadMessages(fromOffset, 0)
		if err != nil {
			return nil, fmt.Errorf("partition: read segment at base %d: %w", seg.BaseOffset(), err)
		}
		for _, b := range batches {
			msgs, err := b.Messages()
			if err != nil {
				return nil, err
			}
			for _, m := range msgs {
				if m.Offset < fromOffset {
					continue
				}
				out = append(out, m)
				if count > 0 && len(out) >= count {
					return out, nil
				}
			}
		}
	}

	// Messages still buffered in the accumulator have not reached a
	// segment yet; serve them from memory.
	p.acc.mu.Lock()
	pending := append([]*message.Message(nil), p.acc.messages...)
	p.acc.mu.Unlock()
	for _, m := range pending {
		if m.Offset < fromOffset || (len(out) > 0 && m.Offset <= out[len(out)-1].Offset) {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) >= count {
			return out, nil
		}
	}
	return out, nil
}

// readLast returns the last count messages ending at the current
// offset (spec §4.3's Last(count)).
func (p *Partition) readLast(count int) ([]*message.Message, error) {
	next := p.acc.NextOffset()
	if next == 0 {
		return nil, nil
	}
	current := next - 1

	start := uint64(0)
	if count > 0 && current+1 > uint64(count) {
		start = current + 1 - uint64(count)
	}
	out, err := p.readFromOffset(start, 0)
	if err != nil {
		return nil, err
	}
	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return out, nil
}

// readFromTimestamp scans every batch in offset order and returns
// messages from the first batch whose MaxTimestamp is >= ts onward,
// filtering out any individual message still older than ts (spec
// §4.3's Timestamp(t)). This is a linear scan, not an indexed lookup.
func (p *Partition) readFromTimestamp(ts int64, count int) ([]*message.Message, error) {
	p.mu.RLock()
	segments := append([]*segment.Segment(nil), p.segments...)
	p.mu.RUnlock()

	var out []*message.Message
	for _, seg := range segments {
		batches, err := seg.ReadMessages(0, 0)
		if err != nil {
			return nil, fmt.Errorf("partition: read segment at base %d: %w", seg.BaseOffset(), err)
		}
		for _, b := range batches {
			if b.MaxTimestamp < ts {
				continue
			}
			msgs, err := b.Messages()
			if err != nil {
				return nil, err
			}
			for _, m := range msgs {
				if m.Timestamp < ts {
					continue
				}
				out = append(out, m)
				if count > 0 && len(out) >= count {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

// readNext implements StrategyNext: read from the consumer's stored
// offset + 1 (or 0 if the consumer has never committed), optionally
// auto-committing the last offset returned.
func (p *Partition) readNext(strategy wire.ReadStrategy, count int) ([]*message.Message, error) {
	start := uint64(0)
	if committed, ok := p.CommittedOffset(strategy.ConsumerID); ok {
		start = committed + 1
	}
	msgs, err := p.decrypt(p.readFromOffset(start, count))
	if err != nil {
		return nil, err
	}
	if strategy.AutoCommit && len(msgs) > 0 {
		p.CommitOffset(strategy.ConsumerID, msgs[len(msgs)-1].Offset)
	}
	return msgs, nil
}

// decrypt reverses the optional AES-256-GCM seal applied by Append,
// returning cloned messages so the shared accumulator/cache copies are
// never mutated in place. Poisoned messages carry no meaningful
// payload and are passed through unchanged.
func (p *Partition) decrypt(msgs []*message.Message, err error) ([]*message.Message, error) {
	if err != nil || p.crypt == nil {
		return msgs, err
	}
	out := make([]*message.Message, len(msgs))
	for i, m := range msgs {
		if m.State == message.StatePoisoned {
			out[i] = m
			continue
		}
		c := m.Clone()
		plain, derr := p.crypt.Open(c.Payload)
		if derr != nil {
			return nil, iggyerr.Wrap(iggyerr.CodeCannotDecryptData,
				fmt.Sprintf("partition: decrypt payload at offset %d", c.Offset), derr)
		}
		c.Payload = plain
		out[i] = c
	}
	return out, nil
}

// NextOffset returns the offset that will be assigned to the next
// appended message.
func (p *Partition) NextOffset() uint64 {
	return p.acc.NextOffset()
}

// CommitOffset records the last offset a consumer has processed.
func (p *Partition) CommitOffset(consumerID uint32, offset uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumerOffsets[consumerID] = offset
}

// CommittedOffset returns the last offset committed by a consumer, and
// whether one has been committed at all.
func (p *Partition) CommittedOffset(consumerID uint32) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	off, ok := p.consumerOffsets[consumerID]
	return off, ok
}

// CacheStats exposes read-cache hit/miss counters for the admin API.
func (p *Partition) CacheStats() CacheStats {
	return p.cache.Stats()
}

// SweepRetention closes and deletes segments that are expired
// (segment.IsExpired), never touching the active (last) segment. It
// does nothing unless the policy sets MaxAge or MaxTotalSize, and it
// never deletes a segment because of the partition's total size.
func (p *Partition) SweepRetention(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.segments) <= 1 {
		return nil
	}
	if p.cfg.Retention.MaxAge <= 0 && p.cfg.Retention.MaxTotalSize <= 0 {
		return nil
	}

	kept := p.segments[:0:0]
	kept = append(kept, p.segments...)
	sort.Slice(kept, func(i, j int) bool { return kept[i].BaseOffset() < kept[j].BaseOffset() })

	var removed []int
	for i, seg := range kept {
		if i == len(kept)-1 {
			break // never evict the active segment
		}
		if p.cfg.Retention.MaxAge > 0 && seg.IsExpired(now) {
			removed = append(removed, i)
		}
	}

	var survivors []*segment.Segment
	removedSet := make(map[int]bool, len(removed))
	for _, i := range removed {
		removedSet[i] = true
	}
	for i, seg := range kept {
		if removedSet[i] {
			if err := seg.Close(); err != nil {
				return fmt.Errorf("partition: close expired segment: %w", err)
			}
			if err := seg.Delete(); err != nil {
				return fmt.Errorf("partition: delete expired segment: %w", err)
			}
			continue
		}
		survivors = append(survivors, seg)
	}
	p.segments = survivors
	return nil
}
