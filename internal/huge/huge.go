// Package huge implements the whole-chunk allocator for requests too
// large for any arena bin or block: one or more entire chunks, tagged
// USAGE_HUGE, tracked in a single process-wide free-chunk index keyed
// by chunk count.
package huge

import (
	"sort"
	"sync"

	"github.com/IMCG/nvm-malloc/internal/persist"
)

// GrowFunc asks the store for n raw, as-yet-untyped chunks and returns
// the relative offset of the first one.
type GrowFunc func(n uint64) persist.RelPtr

// freeRun is one entry in the free-chunk index: nChunks consecutive
// free chunks starting at off.
type freeRun struct {
	off     persist.RelPtr
	nChunks uint64
}

// Allocator owns the global free-chunk tree: there is exactly one of
// these per store, shared by every arena, mirroring the original's
// single static free_chunks tree.
type Allocator struct {
	mu   sync.Mutex
	base []byte
	grow GrowFunc
	free []freeRun // sorted by (nChunks, off), same rationale as arena's pageRunTree
}

// New returns an Allocator operating against base, pulling additional
// chunks through grow as needed.
func New(base []byte, grow GrowFunc) *Allocator {
	return &Allocator{base: base, grow: grow}
}

// AdoptFreeChunks registers a free chunk-run discovered by recovery.
func (a *Allocator) AdoptFreeChunks(off persist.RelPtr, nChunks uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.insert(freeRun{off: off, nChunks: nChunks})
}

// Reserve reserves nBytes worth of huge storage (nBytes excluding the
// HugeHeader, which is added on top), rounding up to whole chunks, and returns the relative
// offset of the HugeHeader. The header is left in (HUGE, INITIALIZING)
// exactly as nvm_reserve_huge / the upper half of nvm_reserve leaves
// it; the caller (pkg/nvmalloc) is responsible for the activate step.
func (a *Allocator) Reserve(nBytes uint64) persist.RelPtr {
	need := (nBytes + persist.HugeHeaderSize + persist.ChunkSize - 1) / persist.ChunkSize

	a.mu.Lock()
	run, ok := a.upperBound(need)
	if !ok {
		a.mu.Unlock()
		off := a.grow(need)
		hdr := persist.Huge(a.base, off)
		*hdr = persist.HugeHeader{}
		hdr.Tag.Make(persist.UsageHuge, persist.StateInitializing)
		hdr.NChunks = need
		persist.Flush(hdr)
		persist.Fence()
		return off
	}

	if run.nChunks > need {
		tailOff := run.off + persist.RelPtr(run.nChunks-need)*persist.ChunkSize
		tail := persist.Huge(a.base, tailOff)
		*tail = persist.HugeHeader{}
		tail.Tag.Make(persist.UsageFree, persist.StateInitialized)
		tail.NChunks = need
		persist.Flush(tail)
		persist.Fence()

		run.nChunks -= need
		head := persist.Huge(a.base, run.off)
		head.NChunks = run.nChunks
		persist.Flush(head)
		persist.Fence()
		a.insert(run)
		a.mu.Unlock()

		hdr := persist.Huge(a.base, tailOff)
		hdr.Tag.Make(persist.UsageHuge, persist.StateInitializing)
		persist.Flush(hdr)
		persist.Fence()
		return tailOff
	}

	a.mu.Unlock()
	hdr := persist.Huge(a.base, run.off)
	hdr.Tag.Make(persist.UsageHuge, persist.StateInitializing)
	persist.Flush(hdr)
	persist.Fence()
	return run.off
}

// Activate finishes the reserve/activate protocol for a huge object at
// off, splicing in up to two link updates atomically with the tag
// flip to INITIALIZED, per §4.6.
func (a *Allocator) Activate(off persist.RelPtr, link1, val1, link2, val2 persist.RelPtr) {
	hdr := persist.Huge(a.base, off)
	persist.SpliceActivate(a.base, hdr, persist.UsageHuge, link1, val1, link2, val2)
}

// Free releases the huge object at off back to the free-chunk index,
// splicing in up to two link updates atomically with the tag flip.
func (a *Allocator) Free(off persist.RelPtr, link1, val1, link2, val2 persist.RelPtr) {
	hdr := persist.Huge(a.base, off)
	nChunks := hdr.NChunks

	persist.SpliceFree(a.base, hdr, persist.UsageHuge, persist.UsageFree, link1, val1, link2, val2)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.insert(freeRun{off: off, nChunks: nChunks})
}

func (a *Allocator) less(x, y freeRun) bool {
	if x.nChunks != y.nChunks {
		return x.nChunks < y.nChunks
	}
	return x.off < y.off
}

func (a *Allocator) insert(r freeRun) {
	i := sort.Search(len(a.free), func(i int) bool { return !a.less(a.free[i], r) })
	a.free = append(a.free, freeRun{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = r
}

func (a *Allocator) upperBound(req uint64) (r freeRun, ok bool) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].nChunks >= req })
	if i == len(a.free) {
		return freeRun{}, false
	}
	r = a.free[i]
	a.free = append(a.free[:i], a.free[i+1:]...)
	return r, true
}
