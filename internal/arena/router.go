package arena

import (
	"sync"
	"sync/atomic"

	"github.com/timandy/routine"

	"github.com/IMCG/nvm-malloc/internal/xsync"
)

// Router maps the calling goroutine to an arena index, matching §4.4's
// thread->arena routing: a goroutine's first allocation picks an arena
// round-robin and reuses it for every later allocation. Free never
// consults the router — it recovers the owning arena from the
// persistent block header's ArenaID — so Router only needs to be
// "advisory, for locality", exactly as spec.md requires.
//
// Go goroutines are not OS threads, but github.com/timandy/routine
// (already part of this module's lineage, used there to tag debug log
// lines) gives a stable per-goroutine id that plays the same role as
// the reference implementation's gettid(2). The routing table itself
// is read on every single allocation and written only once per
// goroutine's lifetime, the exact read-mostly shape xsync.Map (this
// lineage's strongly-typed sync.Map wrapper) is built for, so it
// replaces a plain map guarded by a mutex here.
type Router struct {
	tids xsync.Map[int64, uint32]
	mu   sync.Mutex // serializes the read-miss -> assign -> store sequence only
	next atomic.Uint32
	n    uint32
}

// NewRouter builds a router that round-robins across n arenas.
func NewRouter(n uint32) *Router {
	return &Router{n: n}
}

// Route returns the arena index for the calling goroutine, assigning
// one on first use.
func (r *Router) Route() uint32 {
	gid := routine.Goid()

	if idx, ok := r.tids.Load(gid); ok {
		return idx
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.tids.Load(gid); ok {
		return idx
	}

	idx := r.next.Add(1) - 1
	idx %= r.n
	r.tids.Store(gid, idx)
	return idx
}
