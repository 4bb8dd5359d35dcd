package partition

import (
	"container/list"
	"sync"

	"github.com/iggy-run/iggy/internal/streaming/message"
)

// readCache is a bounded ring buffer of the most recently appended
// messages for a partition, keyed by absolute offset. Unlike an LRU it
// never promotes on read: eviction order is strictly insertion order.
// The partition fills it on append and reports its counters through
// CacheStats; Partition.Read does not look messages up in it.
type readCache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[uint64]*list.Element
	order    *list.List

	hits   int64
	misses int64
}

func newReadCache(capacity int) *readCache {
	return &readCache{
		capacity: capacity,
		entries:  make(map[uint64]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached message at offset, if present.
func (c *readCache) Get(offset uint64) (*message.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	elem, ok := c.entries[offset]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return elem.Value.(*message.Message), true
}

// Put inserts a freshly appended message, evicting the oldest entry if
// the cache is at capacity.
func (c *readCache) Put(m *message.Message) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[m.Offset]; exists {
		return
	}
	elem := c.order.PushBack(m)
	c.entries[m.Offset] = elem
	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*message.Message).Offset)
		}
	}
}

// Stats reports hit/miss counters for observability.
type CacheStats struct {
	Hits, Misses int64
	Size         int
}

func (c *readCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: c.order.Len()}
}
