// Package topic implements spec §4.4: a named collection of partitions
// within a stream, plus the routing rule that picks a partition for an
// incoming batch of messages.
package topic

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iggy-run/iggy/internal/iggyerr"
	"github.com/iggy-run/iggy/internal/streaming/message"
	"github.com/iggy-run/iggy/internal/streaming/partition"
	"github.com/iggy-run/iggy/internal/streaming/segment"
	"github.com/iggy-run/iggy/internal/wire"
)

// MinPartitionsCount and MaxPartitionsCount bound a topic's partition
// count (spec §8: "Creating a topic with partitions_count=0 or >1000
// fails").
const (
	MinPartitionsCount = 1
	MaxPartitionsCount = 1000
)

// Topic owns a fixed number of partitions and routes appended messages
// to one of them per spec §4.4's Balanced/PartitionId/MessagesKey rule.
type Topic struct {
	mu sync.RWMutex

	id         uint32
	name       string
	partitions []*partition.Partition

	roundRobin uint64 // atomic counter backing Balanced routing

	compression       segment.CompressionKind
	messageExpiry     time.Duration // 0 = unlimited
	maxTopicSize      uint64        // 0 = unlimited, in bytes
	replicationFactor uint32
	createdAt         time.Time
}

// Config bounds how a topic's partitions are created and carries the
// spec §3 topic-level settings (compression, expiry, size ceiling,
// replication) that get derived into each partition's segment/retention
// configuration.
type Config struct {
	PartitionCount  int
	BaseDir         string
	PartitionConfig partition.Config

	Compression       segment.CompressionKind
	MessageExpiry     time.Duration // 0 = unlimited
	MaxTopicSize      uint64        // 0 = unlimited, in bytes
	ReplicationFactor uint32
}

// New creates a topic with the given partition count, each partition
// rooted under its own subdirectory of cfg.BaseDir. A topic-level
// MaxTopicSize is divided evenly across partitions as each partition's
// retention ceiling; MessageExpiry becomes each partition's retention
// max age.
func New(id uint32, name string, cfg Config, logger *zap.Logger) (*Topic, error) {
	if cfg.PartitionCount < MinPartitionsCount || cfg.PartitionCount > MaxPartitionsCount {
		return nil, iggyerr.New(iggyerr.CodeInvalidPartitionsCount,
			fmt.Sprintf("topic: partitions_count must be between %d and %d, got %d", MinPartitionsCount, MaxPartitionsCount, cfg.PartitionCount))
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 1
	}

	t := &Topic{
		id:                id,
		name:              name,
		compression:       cfg.Compression,
		messageExpiry:     cfg.MessageExpiry,
		maxTopicSize:       cfg.MaxTopicSize,
		replicationFactor: cfg.ReplicationFactor,
		createdAt:         time.Now(),
	}
	pCfgTemplate := cfg.PartitionConfig
	pCfgTemplate.SegmentConfig.Compression = cfg.Compression
	pCfgTemplate.Retention.MaxAge = cfg.MessageExpiry
	if cfg.MaxTopicSize > 0 {
		pCfgTemplate.Retention.MaxTotalSize = int64(cfg.MaxTopicSize) / int64(cfg.PartitionCount)
	}

	for i := 0; i < cfg.PartitionCount; i++ {
		pCfg := pCfgTemplate
		pCfg.Dir = cfg.BaseDir
		p, err := partition.New(uint32(i+1), pCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("topic: create partition %d: %w", i+1, err)
		}
		t.partitions = append(t.partitions, p)
	}
	return t, nil
}

func (t *Topic) ID() uint32     { return t.id }
func (t *Topic) Name() string   { return t.name }

// Compression returns the topic's configured payload compression.
func (t *Topic) Compression() segment.CompressionKind { return t.compression }

// MessageExpiry returns the topic's retention age, or 0 if unlimited.
func (t *Topic) MessageExpiry() time.Duration { return t.messageExpiry }

// MaxTopicSize returns the topic's total size ceiling in bytes, or 0
// if unlimited.
func (t *Topic) MaxTopicSize() uint64 { return t.maxTopicSize }

// ReplicationFactor returns the topic's configured replication factor.
func (t *Topic) ReplicationFactor() uint32 { return t.replicationFactor }

// CreatedAt returns when the topic was created.
func (t *Topic) CreatedAt() time.Time { return t.createdAt }

// PartitionCount returns how many partitions this topic owns.
func (t *Topic) PartitionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.partitions)
}

// Partition returns the partition with the given 1-based id.
func (t *Topic) Partition(id uint32) (*partition.Partition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id == 0 || int(id) > len(t.partitions) {
		return nil, fmt.Errorf("topic: partition %d not found", id)
	}
	return t.partitions[id-1], nil
}

// AddPartitions grows the topic by n new partitions.
func (t *Topic) AddPartitions(n int, cfg partition.Config, logger *zap.Logger) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := len(t.partitions)
	for i := 0; i < n; i++ {
		p, err := partition.New(uint32(start+i+1), cfg, logger)
		if err != nil {
			return fmt.Errorf("topic: add partition %d: %w", start+i+1, err)
		}
		t.partitions = append(t.partitions, p)
	}
	return nil
}

// Route picks the partition an append with the given routing directive
// should land on (spec §4.4):
//   - Balanced: round robin across all partitions.
//   - PartitionId: the explicitly named partition.
//   - MessagesKey: a stable hash of the key, so the same key always
//     lands on the same partition.
func (t *Topic) Route(p wire.Partitioning) (*partition.Partition, error) {
	t.mu.RLock()
	n := len(t.partitions)
	t.mu.RUnlock()
	if n == 0 {
		return nil, fmt.Errorf("topic: no partitions")
	}

	switch p.Kind {
	case wire.PartitioningPartitionID:
		return t.Partition(p.PartitionID)
	case wire.PartitioningMessagesKey:
		h := fnv.New32a()
		_, _ = h.Write(p.Key)
		idx := h.Sum32()%uint32(n) + 1
		return t.Partition(idx)
	default:
		idx := uint32(atomic.AddUint64(&t.roundRobin, 1)-1)%uint32(n) + 1
		return t.Partition(idx)
	}
}

// Append routes msgs to the right partition and appends them,
// returning the offset assigned to the first message.
func (t *Topic) Append(p wire.Partitioning, msgs []*message.Message) (uint64, error) {
	target, err := t.Route(p)
	if err != nil {
		return 0, err
	}
	var first uint64
	for i, m := range msgs {
		offset, err := target.Append(m)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			first = offset
		}
	}
	return first, nil
}
