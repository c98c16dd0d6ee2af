package objtable

import (
	"sync"

	"github.com/IMCG/nvm-malloc/internal/persist"
)

// ring is the bounded freed-slot FIFO of object_table.c's
// slot_buffer: up to SlotRingSize recently freed slot numbers, reused
// before minting a brand-new slot off the end of the chunk chain.
//
// The original implementation threads this through
// __sync_fetch_and_add / a spin-wait compare-and-swap on the tail
// index to keep concurrent producers from racing each other's writes
// out of FIFO order; a single mutex gets the same exclusion with far
// less code; the ring is never the hot path (it's bounded by how many
// frees happen between reserves, not by allocation volume).
type ring struct {
	mu   sync.Mutex
	buf  [persist.SlotRingSize]uint64
	head int
	n    int
}

// push returns slot to the ring, dropping the oldest entry if full —
// matching the bounded-buffer behavior implied by SlotRingSize: a
// burst of frees beyond the ring's capacity simply falls back to
// minting fresh slots, never blocks.
func (r *ring) push(slot uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.n) % len(r.buf)
	r.buf[tail] = slot
	if r.n < len(r.buf) {
		r.n++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// pop removes and returns the oldest freed slot, if any.
func (r *ring) pop() (slot uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n == 0 {
		return 0, false
	}
	slot = r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return slot, true
}
