package partition

import (
	"sync"
	"time"

	"github.com/iggy-run/iggy/internal/streaming/message"
)

// AccumulatorConfig bounds how large a batch is allowed to grow before
// it is handed off for persistence.
type AccumulatorConfig struct {
	MaxMessages int
	MaxBytes    int
	MaxAge      time.Duration
}

// BatchAccumulator buffers appended messages in memory, assigning them
// offsets immediately so readers can observe them before the batch
// reaches disk, and signals the owning partition when a flush is due.
type BatchAccumulator struct {
	mu sync.Mutex

	cfg AccumulatorConfig

	nextOffset uint64
	messages   []*message.Message
	bytes      int
	openedAt   time.Time
}

func newBatchAccumulator(cfg AccumulatorConfig, startOffset uint64) *BatchAccumulator {
	return &BatchAccumulator{
		cfg:        cfg,
		nextOffset: startOffset,
		openedAt:   time.Now(),
	}
}

// Append assigns m the next offset in the partition and buffers it,
// returning the assigned offset and whether the accumulator is now due
// for a flush.
func (a *BatchAccumulator) Append(m *message.Message) (offset uint64, shouldFlush bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.messages) == 0 {
		a.openedAt = time.Now()
	}
	m.Offset = a.nextOffset
	a.nextOffset++
	a.messages = append(a.messages, m)
	a.bytes += len(m.Encode())

	return m.Offset, a.dueLocked()
}

func (a *BatchAccumulator) dueLocked() bool {
	if a.cfg.MaxMessages > 0 && len(a.messages) >= a.cfg.MaxMessages {
		return true
	}
	if a.cfg.MaxBytes > 0 && a.bytes >= a.cfg.MaxBytes {
		return true
	}
	if a.cfg.MaxAge > 0 && len(a.messages) > 0 && time.Since(a.openedAt) >= a.cfg.MaxAge {
		return true
	}
	return false
}

// Due reports whether the accumulator should be flushed even absent a
// new append, used by the partition's periodic flush ticker.
func (a *BatchAccumulator) Due() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dueLocked()
}

// Drain removes and returns every buffered message, resetting the
// accumulator's window.
func (a *BatchAccumulator) Drain() []*message.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.messages) == 0 {
		return nil
	}
	out := a.messages
	a.messages = nil
	a.bytes = 0
	a.openedAt = time.Now()
	return out
}

// NextOffset returns the offset that will be assigned to the next
// appended message.
func (a *BatchAccumulator) NextOffset() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextOffset
}
