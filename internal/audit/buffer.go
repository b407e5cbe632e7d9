package audit

import "sync"

// DefaultCapacity is the ring buffer size used when none is configured.
const DefaultCapacity = 1000

// ring is a fixed-capacity FIFO of records guarded by one mutex.
type ring struct {
	mu    sync.Mutex
	items []Record
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ring{items: make([]Record, capacity)}
}

// push appends rec, evicting the oldest record when full. It returns the
// occupancy after the push.
func (r *ring) push(rec Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.size) % len(r.items)
	r.items[idx] = rec
	if r.size < len(r.items) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.items)
	}
	return r.size
}

// snapshot copies the records oldest first.
func (r *ring) snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *ring) capacity() int {
	return len(r.items)
}
