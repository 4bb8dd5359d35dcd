package partition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggy-run/iggy/internal/streaming/message"
	"github.com/iggy-run/iggy/internal/streaming/segment"
	"github.com/iggy-run/iggy/internal/streamcrypto"
	"github.com/iggy-run/iggy/internal/wire"
)

func offsetStrategy(o uint64) wire.ReadStrategy {
	return wire.ReadStrategy{Kind: wire.StrategyOffset, Offset: o}
}

func newTestPartition(t *testing.T, cfg Config) *Partition {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	p, err := New(1, cfg, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestPartition_AppendAssignsSequentialOffsets(t *testing.T) {
	p := newTestPartition(t, Config{Accumulator: AccumulatorConfig{MaxMessages: 100}})

	for i := 0; i < 5; i++ {
		offset, err := p.Append(&message.Message{Payload: []byte("msg")})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), offset)
	}
}

func TestPartition_ReadAfterImplicitFlush(t *testing.T) {
	p := newTestPartition(t, Config{Accumulator: AccumulatorConfig{MaxMessages: 2}})

	for i := 0; i < 4; i++ {
		_, err := p.Append(&message.Message{Payload: []byte("msg")})
		require.NoError(t, err)
	}

	msgs, err := p.Read(offsetStrategy(0), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, uint64(i), m.Offset)
	}
}

func TestPartition_ReadFromMiddle(t *testing.T) {
	p := newTestPartition(t, Config{Accumulator: AccumulatorConfig{MaxMessages: 1}})
	for i := 0; i < 5; i++ {
		_, err := p.Append(&message.Message{Payload: []byte("x")})
		require.NoError(t, err)
	}
	msgs, err := p.Read(offsetStrategy(2), 0)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, uint64(2), msgs[0].Offset)
}

func TestPartition_ConsumerOffsets(t *testing.T) {
	p := newTestPartition(t, Config{})
	_, ok := p.CommittedOffset(7)
	assert.False(t, ok)

	p.CommitOffset(7, 42)
	off, ok := p.CommittedOffset(7)
	require.True(t, ok)
	assert.Equal(t, uint64(42), off)
}

func TestPartition_RotatesOnSegmentFull(t *testing.T) {
	p := newTestPartition(t, Config{
		SegmentConfig: segment.Config{MaxSizeBytes: 64},
		Accumulator:   AccumulatorConfig{MaxMessages: 1},
	})
	for i := 0; i < 20; i++ {
		_, err := p.Append(&message.Message{Payload: []byte("0123456789")})
		require.NoError(t, err)
	}
	p.mu.RLock()
	numSegments := len(p.segments)
	p.mu.RUnlock()
	assert.Greater(t, numSegments, 1)

	msgs, err := p.Read(offsetStrategy(0), 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 20)
}

func TestPartition_PersisterFlushesOnStop(t *testing.T) {
	p := newTestPartition(t, Config{Accumulator: AccumulatorConfig{MaxMessages: 1000}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartPersister(ctx)

	_, err := p.Append(&message.Message{Payload: []byte("queued")})
	require.NoError(t, err)

	p.StopPersister()

	msgs, err := p.Read(offsetStrategy(0), 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPartition_SweepRetentionKeepsActiveSegment(t *testing.T) {
	p := newTestPartition(t, Config{
		SegmentConfig: segment.Config{MaxSizeBytes: 32},
		Accumulator:   AccumulatorConfig{MaxMessages: 1},
		Retention:     RetentionPolicy{MaxAge: time.Nanosecond},
	})
	for i := 0; i < 10; i++ {
		_, err := p.Append(&message.Message{Payload: []byte("0123456789")})
		require.NoError(t, err)
	}
	time.Sleep(time.Millisecond)
	require.NoError(t, p.SweepRetention(time.Now()))

	p.mu.RLock()
	numSegments := len(p.segments)
	p.mu.RUnlock()
	assert.GreaterOrEqual(t, numSegments, 1)
}

func TestPartition_DedupDropsRepeatedID(t *testing.T) {
	p := newTestPartition(t, Config{Dedup: DedupConfig{Enabled: true}})
	id := [16]byte{1, 2, 3}

	_, err := p.Append(&message.Message{ID: id, Payload: []byte("first")})
	require.NoError(t, err)

	_, err = p.Append(&message.Message{ID: id, Payload: []byte("dup")})
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	msgs, err := p.Read(offsetStrategy(0), 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPartition_EncryptionRoundTrip(t *testing.T) {
	enc, err := streamcrypto.New(make([]byte, 32))
	require.NoError(t, err)
	p := newTestPartition(t, Config{Encryptor: enc})

	_, err = p.Append(&message.Message{Payload: []byte("secret")})
	require.NoError(t, err)

	msgs, err := p.Read(offsetStrategy(0), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("secret"), msgs[0].Payload)
}

func TestPartition_ReadLastReturnsTail(t *testing.T) {
	p := newTestPartition(t, Config{Accumulator: AccumulatorConfig{MaxMessages: 100}})
	for i := 0; i < 5; i++ {
		_, err := p.Append(&message.Message{Payload: []byte("x")})
		require.NoError(t, err)
	}
	msgs, err := p.Read(wire.ReadStrategy{Kind: wire.StrategyLast}, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(3), msgs[0].Offset)
	assert.Equal(t, uint64(4), msgs[1].Offset)
}

func TestPartition_ReadNextAdvancesWithAutoCommit(t *testing.T) {
	p := newTestPartition(t, Config{Accumulator: AccumulatorConfig{MaxMessages: 100}})
	for i := 0; i < 3; i++ {
		_, err := p.Append(&message.Message{Payload: []byte("x")})
		require.NoError(t, err)
	}
	strategy := wire.ReadStrategy{Kind: wire.StrategyNext, ConsumerID: 1, AutoCommit: true}

	msgs, err := p.Read(strategy, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(0), msgs[0].Offset)

	msgs, err = p.Read(strategy, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(1), msgs[0].Offset)
}
