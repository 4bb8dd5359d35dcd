package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggy-run/iggy/internal/streaming/message"
)

func testBatch(base uint64, n int) *Batch {
	var payload []byte
	for i := 0; i < n; i++ {
		m := &message.Message{
			ID:      [16]byte{byte(i)},
			Payload: []byte("hello"),
		}
		payload = append(payload, m.Encode()...)
	}
	return &Batch{
		BaseOffset:      base,
		LastOffsetDelta: uint32(n - 1),
		MaxTimestamp:    time.Now().UnixMicro(),
		Payload:         payload,
	}
}

func TestSegment_AppendAndReadRoundTrip(t *testing.T) {
	t.Run("uncompressed, unvalidated", func(t *testing.T) {
		dir := t.TempDir()
		seg, err := Create(dir, 0, Config{}, zap.NewNop())
		require.NoError(t, err)
		defer seg.Close()

		require.NoError(t, seg.AppendBatch(testBatch(0, 3)))
		require.NoError(t, seg.AppendBatch(testBatch(3, 2)))

		batches, err := seg.ReadMessages(0, 0)
		require.NoError(t, err)
		require.Len(t, batches, 2)
		assert.Equal(t, uint64(0), batches[0].BaseOffset)
		assert.Equal(t, uint64(3), batches[1].BaseOffset)

		msgs, err := batches[0].Messages()
		require.NoError(t, err)
		assert.Len(t, msgs, 3)
		assert.Equal(t, uint64(2), msgs[2].Offset)
	})

	t.Run("gzip compression with checksum validation", func(t *testing.T) {
		dir := t.TempDir()
		cfg := Config{Compression: CompressionGzip, ValidateCRC: true}
		seg, err := Create(dir, 0, cfg, zap.NewNop())
		require.NoError(t, err)
		defer seg.Close()

		require.NoError(t, seg.AppendBatch(testBatch(0, 5)))

		batches, err := seg.ReadMessages(0, 0)
		require.NoError(t, err)
		require.Len(t, batches, 1)
		msgs, err := batches[0].Messages()
		require.NoError(t, err)
		assert.Len(t, msgs, 5)
	})
}

func TestSegment_ReadFromMiddleOffset(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, Config{}, zap.NewNop())
	require.NoError(t, err)
	defer seg.Close()

	require.NoError(t, seg.AppendBatch(testBatch(0, 3)))
	require.NoError(t, seg.AppendBatch(testBatch(3, 3)))
	require.NoError(t, seg.AppendBatch(testBatch(6, 3)))

	batches, err := seg.ReadMessages(4, 0)
	require.NoError(t, err)
	require.NotEmpty(t, batches)
	assert.LessOrEqual(t, batches[0].BaseOffset, uint64(4))
}

func TestSegment_IsFull(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, Config{MaxSizeBytes: 64}, zap.NewNop())
	require.NoError(t, err)
	defer seg.Close()

	assert.False(t, seg.IsFull())
	require.NoError(t, seg.AppendBatch(testBatch(0, 10)))
	assert.True(t, seg.IsFull())
}

func TestSegment_IsExpired(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, Config{MaxAge: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	defer seg.Close()

	assert.False(t, seg.IsExpired(time.Now()))
	assert.True(t, seg.IsExpired(time.Now().Add(time.Second)))
}

func TestSegment_CloseThenLoad(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, seg.AppendBatch(testBatch(0, 4)))
	require.NoError(t, seg.Close())

	reloaded, err := Load(dir, 0, Config{}, zap.NewNop())
	require.NoError(t, err)
	defer reloaded.Close()

	assert.Equal(t, uint64(3), reloaded.LastOffset())
	batches, err := reloaded.ReadMessages(0, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
}

func TestSegment_SyncAfterAppend(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, Config{}, zap.NewNop())
	require.NoError(t, err)
	defer seg.Close()

	require.NoError(t, seg.AppendBatch(testBatch(0, 2)))
	assert.NoError(t, seg.Sync())
}

func TestSegment_SyncOnClosedSegmentFails(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	assert.Error(t, seg.Sync())
}

func TestSegment_AppendAfterClose(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	err = seg.AppendBatch(testBatch(0, 1))
	assert.Error(t, err)
}

func TestSegment_DeleteRequiresClose(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, Config{}, zap.NewNop())
	require.NoError(t, err)

	assert.Error(t, seg.Delete())

	require.NoError(t, seg.Close())
	assert.NoError(t, seg.Delete())
}

func TestBatch_EncodeDecodeHeader(t *testing.T) {
	b := testBatch(100, 2)
	encoded := b.Encode()

	base, length, lastDelta, maxTs, err := DecodeBatchHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), base)
	assert.Equal(t, b.Length(), length)
	assert.Equal(t, uint32(1), lastDelta)
	assert.Equal(t, b.MaxTimestamp, maxTs)
}
