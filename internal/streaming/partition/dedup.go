package partition

import "sync"

// dedupWindow is a bounded set of recently-seen message ids, used to
// drop duplicate appends (spec §4.3 step 2: "maintain a bounded recent
// id set; drop messages whose id is already present"). Eviction is
// FIFO by insertion order once the window is full.
type dedupWindow struct {
	mu       sync.Mutex
	capacity int
	order    [][16]byte
	seen     map[[16]byte]struct{}
}

func newDedupWindow(capacity int) *dedupWindow {
	if capacity <= 0 {
		return nil
	}
	return &dedupWindow{
		capacity: capacity,
		seen:     make(map[[16]byte]struct{}, capacity),
	}
}

// SeenOrRemember reports whether id was already in the window; if not,
// it's recorded and false is returned.
func (d *dedupWindow) SeenOrRemember(id [16]byte) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.order = append(d.order, id)
	d.seen[id] = struct{}{}
	return false
}
