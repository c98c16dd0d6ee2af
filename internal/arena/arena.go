// Package arena implements the per-arena segregated-fit allocator:
// small objects served from slab "runs" grouped into size-class
// "bins", large objects served page-granularly from a per-arena free
// tree, and the chunk chain both live on.
package arena

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/IMCG/nvm-malloc/internal/persist"
	gutilarena "github.com/IMCG/nvm-malloc/pkg/arena"
)

// GrowFunc asks the owning store for n more chunks and returns the
// relative offset of the first one, still raw. Arena itself is
// responsible for turning that raw chunk into an
// (ARENA, INITIALIZED) chunk header plus its initial free block — the
// split mirrors §4.1 (mapper hands out raw chunks) vs §4.2 (arena
// structures them).
type GrowFunc func(n uint64) persist.RelPtr

// Arena owns a singly-linked chain of chunks and the small/large
// allocators over them: 31 bins (one per 64-byte size class up to
// SClassSmallMax) and one free-page-run tree for large allocations.
type Arena struct {
	ID   uint32
	base []byte
	grow GrowFunc

	version *atomic.Uint64 // shared process-wide "current_version"

	mu      sync.Mutex // guards chunks + free, per §5's lock hierarchy
	chunks  []persist.RelPtr
	free    pageRunTree

	bins [persist.SClassBinCount]*Bin

	shadowMu sync.Mutex
	shadows  []*Run // volatile shadow-run table; VData is 1+index into this

	// onNewChunk, if set, is notified every time this arena finishes
	// activating a new ARENA chunk (InitFresh or addChunk), so the
	// store can chain the chunk's inline object-table strip onto the
	// table's NextOTChunk list (§4.5) — the arena package itself knows
	// nothing about the object table.
	onNewChunk func(persist.RelPtr)

	// vol is a lightweight GC-light allocator for the volatile Run
	// descriptors this package mints constantly; wiring this module's
	// own arena package here means recovery of a large object table
	// doesn't generate one GC-tracked object per run the way a plain
	// `new(Run)` would.
	vol gutilarena.Recycled
}

// Bin is one small-object size class within an arena.
type Bin struct {
	mu         sync.Mutex
	elemSize   int
	currentRun *Run
	nonFull    []*Run
	nFree      int
	nRuns      int
}

// Run is the volatile shadow of a persistent RunHeader: its bitmap
// copy, free-slot count, and the bin it belongs to.
type Run struct {
	off      persist.RelPtr
	hdr      *persist.RunHeader
	elemSize int
	nMax     int
	nFree    int
	bin      *Bin
	bitmap   [8]byte
}

// New creates an empty arena with no chunks yet; the caller must call
// either InitFresh or adopt chunks discovered by recovery before any
// allocation is attempted.
func New(id uint32, base []byte, grow GrowFunc, version *atomic.Uint64) *Arena {
	a := &Arena{ID: id, base: base, grow: grow, version: version}
	for i := range a.bins {
		a.bins[i] = &Bin{elemSize: (i + 1) * persist.SClassStep}
	}
	return a
}

// InitFresh installs the first chunk for a brand-new arena: chunk is
// the relative offset of a freshly activated, as-yet-uninitialized
// chunk. It writes the ARENA chunk header and the initial
// whole-chunk free block.
func (a *Arena) InitFresh(chunk persist.RelPtr) {
	hdr := persist.Chunk(a.base, chunk)
	clearChunkHeader(hdr)
	hdr.Tag.Make(persist.UsageArena, persist.StateInitializing)
	copy(hdr.Signature[:], persist.Signature)
	persist.Flush(hdr)
	persist.Fence()

	blockOff := chunk + persist.ChunkHeaderSize
	block := persist.Block(a.base, blockOff)
	*block = persist.BlockHeader{}
	block.Tag.Make(persist.UsageFree, persist.StateInitialized)
	block.NPages = uint32(persist.ChunkSize/persist.BlockSize) - 1
	block.ArenaID = a.ID
	persist.Flush(block)
	persist.Fence()

	hdr.Tag.Make(persist.UsageArena, persist.StateInitialized)
	persist.Flush(hdr)
	persist.Fence()

	a.mu.Lock()
	a.chunks = append(a.chunks, chunk)
	a.free.insert(pageRun{off: blockOff, nPages: block.NPages})
	a.mu.Unlock()

	if a.onNewChunk != nil {
		a.onNewChunk(chunk)
	}
}

// SetChunkHook installs fn to be called with the offset of every new
// ARENA chunk this arena activates from here on, for the store to wire
// into the object table's chunk chain. Must be called before any
// allocation can trigger growth; recovery-discovered chunks do not go
// through this hook, since their object-table linkage already exists
// on NVM.
func (a *Arena) SetChunkHook(fn func(persist.RelPtr)) {
	a.onNewChunk = fn
}

// AdoptChunk registers an already-initialized chunk discovered by
// recovery (see internal/recovery), without touching the persistent
// store.
func (a *Arena) AdoptChunk(chunk persist.RelPtr) {
	a.mu.Lock()
	a.chunks = append(a.chunks, chunk)
	a.mu.Unlock()
}

// AdoptFreeRun registers a free page-run discovered by recovery.
func (a *Arena) AdoptFreeRun(off persist.RelPtr, nPages uint32) {
	a.mu.Lock()
	a.free.insert(pageRun{off: off, nPages: nPages})
	a.mu.Unlock()
}

// AdoptRun registers a live run discovered by recovery into its bin,
// as the bin's current run if it has none yet, else onto the
// non-full list — matching §4.7(2)'s recovery classification.
func (a *Arena) AdoptRun(off persist.RelPtr, hdr *persist.RunHeader, nFree int) {
	bin := a.bins[hdr.NBytes/persist.SClassStep-1]
	run := a.newRun()
	run.off, run.hdr, run.elemSize = off, hdr, int(hdr.NBytes)
	run.nMax, run.nFree, run.bin = runSlots(int(hdr.NBytes)), nFree, bin
	copy(run.bitmap[:], hdr.Bitmap[:])
	hdr.VData = a.registerShadow(run)

	bin.mu.Lock()
	defer bin.mu.Unlock()
	if bin.currentRun == nil {
		bin.currentRun = run
	} else {
		bin.nonFull = append(bin.nonFull, run)
	}
	bin.nFree += nFree
	bin.nRuns++
}

// newRun mints a volatile Run descriptor from the arena's recycling
// allocator rather than a plain new(Run), so the many short-lived
// descriptors a hot allocation path produces don't each become a
// separately GC-tracked object.
func (a *Arena) newRun() *Run {
	p := a.vol.Alloc(int(unsafe.Sizeof(Run{})))
	run := (*Run)(unsafe.Pointer(p))
	*run = Run{}
	return run
}

func runSlots(elemSize int) int {
	return (persist.BlockSize - persist.RunHeaderSize) / elemSize
}

func clearChunkHeader(hdr *persist.ChunkHeader) {
	*hdr = persist.ChunkHeader{}
}

func (a *Arena) registerShadow(r *Run) uint64 {
	a.shadowMu.Lock()
	defer a.shadowMu.Unlock()
	a.shadows = append(a.shadows, r)
	return uint64(len(a.shadows))
}

func (a *Arena) resolveShadow(handle uint64) *Run {
	a.shadowMu.Lock()
	defer a.shadowMu.Unlock()
	if handle == 0 || handle > uint64(len(a.shadows)) {
		return nil
	}
	return a.shadows[handle-1]
}

// shadowRun returns the volatile shadow for hdr, refreshing it first if
// hdr's persisted version has fallen behind the arena's current_version
// — the version/shadow protocol of §4.2: "a free operation that
// observes run.version < current_version allocates a new volatile
// shadow run, CAS-installs it into vdata, and updates version after an
// ordering fence", guaranteeing exactly one shadow is ever observed for
// a persistent run across a version bump.
func (a *Arena) shadowRun(hdr *persist.RunHeader) *Run {
	cur := a.version.Load()
	if atomic.LoadUint64(&hdr.Version) >= cur {
		if run := a.resolveShadow(atomic.LoadUint64(&hdr.VData)); run != nil {
			return run
		}
	}
	return a.refreshShadow(hdr, cur)
}

// refreshShadow rebuilds a run's volatile shadow straight from its
// persistent bitmap (the durable source of truth across a version
// boundary) and CAS-installs it into hdr.VData.
func (a *Arena) refreshShadow(hdr *persist.RunHeader, cur uint64) *Run {
	bin := a.bins[hdr.NBytes/persist.SClassStep-1]
	run := a.newRun()
	run.hdr = hdr
	run.elemSize = int(hdr.NBytes)
	run.nMax = runSlots(int(hdr.NBytes))
	run.bin = bin
	copy(run.bitmap[:], hdr.Bitmap[:])
	run.nFree = run.nMax - countBits(run.bitmap[:], run.nMax)

	handle := a.registerShadow(run)
	for {
		old := atomic.LoadUint64(&hdr.VData)
		if atomic.CompareAndSwapUint64(&hdr.VData, old, handle) {
			break
		}
		if resolved := a.resolveShadow(atomic.LoadUint64(&hdr.VData)); resolved != nil && atomic.LoadUint64(&hdr.Version) >= cur {
			return resolved
		}
	}
	persist.Fence()
	atomic.StoreUint64(&hdr.Version, cur)
	persist.Fence()
	return run
}

func countBits(bitmap []byte, max int) int {
	n := 0
	for i := 0; i < max; i++ {
		if testBit(bitmap, i) {
			n++
		}
	}
	return n
}

// AllocSmall serves a request of n bytes (n <= SClassSmallMax) from
// this arena's bins, per §4.2 "Allocate (small)".
func (a *Arena) AllocSmall(n int) (persist.RelPtr, error) {
	n = roundUp(n, persist.SClassStep)
	bin := a.bins[n/persist.SClassStep-1]

	bin.mu.Lock()
	defer bin.mu.Unlock()

	var run *Run
	switch {
	case bin.nFree == 0:
		r, err := a.createRun(bin, n)
		if err != nil {
			return 0, err
		}
		bin.currentRun = r
		bin.nFree += r.nMax
		bin.nRuns++
		run = r
	case bin.currentRun == nil || bin.currentRun.nFree == 0:
		run = bin.nonFull[len(bin.nonFull)-1]
		bin.nonFull = bin.nonFull[:len(bin.nonFull)-1]
		bin.currentRun = run
	default:
		run = bin.currentRun
	}

	idx := firstZeroBit(run.bitmap[:], run.nMax)
	setBit(run.bitmap[:], idx)
	setBit(run.hdr.Bitmap[:], idx)
	persist.Flush(run.hdr)
	persist.Fence()

	run.nFree--
	bin.nFree--

	return run.off + persist.RunHeaderSize + persist.RelPtr(idx*run.elemSize), nil
}

// AllocLarge serves a request of n bytes (SClassSmallMax < n <=
// SClassLargeMax) via the page-block allocator, per §4.2 "Allocate
// (large)".
func (a *Arena) AllocLarge(n int) (persist.RelPtr, error) {
	pages := uint32(roundUp(n, persist.BlockSize) / persist.BlockSize)

	block, err := a.createBlock(pages)
	if err != nil {
		return 0, err
	}

	return block + persist.BlockHeaderSize, nil
}

// createRun finds (or carves) one free page and installs a run header
// on it, following arena_create_run in the original.
func (a *Arena) createRun(bin *Bin, nBytes int) (*Run, error) {
	a.mu.Lock()

	free, ok := a.free.upperBound(1)
	if !ok {
		chunkOff, err := a.addChunk()
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		free, ok = a.free.upperBound(1)
		if !ok {
			// addChunk always yields at least one free page; this would
			// indicate a logic error, not a runtime condition.
			a.mu.Unlock()
			return nil, fmt.Errorf("arena: new chunk %d produced no free pages", chunkOff)
		}
	}

	run := a.newRun()
	run.elemSize = nBytes
	run.nMax = runSlots(nBytes)
	run.bin = bin
	run.nFree = run.nMax

	if free.nPages > 1 {
		runOff := free.off + persist.RelPtr(free.nPages-1)*persist.BlockSize
		hdr := persist.Run(a.base, runOff)
		*hdr = persist.RunHeader{}
		hdr.Tag.Make(persist.UsageRun, persist.StateInitialized)
		hdr.NBytes = uint32(nBytes)
		hdr.ArenaID = a.ID
		hdr.Version = a.version.Load()
		persist.Flush(hdr)
		persist.Fence()

		free.nPages--
		shrunk := persist.Block(a.base, free.off)
		shrunk.NPages = free.nPages
		persist.Flush(shrunk)
		persist.Fence()
		a.free.insert(free)

		a.mu.Unlock()
		run.off = runOff
		run.hdr = hdr
	} else {
		a.mu.Unlock()

		hdr := persist.Run(a.base, free.off)
		*hdr = persist.RunHeader{}
		hdr.ArenaID = a.ID
		hdr.Version = a.version.Load()
		persist.Fence()
		hdr.Tag.Make(persist.UsageRun, persist.StateInitialized)
		hdr.NBytes = uint32(nBytes)
		persist.Flush(hdr)
		persist.Fence()

		run.off = free.off
		run.hdr = hdr
	}

	hdr := run.hdr
	hdr.VData = a.registerShadow(run)

	return run, nil
}

// createBlock finds (or carves) a page-run of exactly pages blocks and
// returns its offset, following arena_create_block.
func (a *Arena) createBlock(pages uint32) (persist.RelPtr, error) {
	a.mu.Lock()

	free, ok := a.free.upperBound(pages)
	if !ok {
		if _, err := a.addChunk(); err != nil {
			a.mu.Unlock()
			return 0, err
		}
		free, ok = a.free.upperBound(pages)
		if !ok {
			a.mu.Unlock()
			return 0, fmt.Errorf("arena: new chunk produced no run of %d pages", pages)
		}
	}

	if free.nPages > pages {
		blockOff := free.off + persist.RelPtr(free.nPages-pages)*persist.BlockSize
		block := persist.Block(a.base, blockOff)
		*block = persist.BlockHeader{}
		block.Tag.Make(persist.UsageBlock, persist.StateInitializing)
		block.NPages = pages
		block.ArenaID = a.ID
		persist.Flush(block)
		persist.Fence()

		free.nPages -= pages
		shrunk := persist.Block(a.base, free.off)
		shrunk.NPages = free.nPages
		persist.Flush(shrunk)
		persist.Fence()
		a.free.insert(free)

		a.mu.Unlock()
		return blockOff, nil
	}

	a.mu.Unlock()
	block := persist.Block(a.base, free.off)
	block.Tag.Make(persist.UsageBlock, persist.StateInitializing)
	block.ArenaID = a.ID
	persist.Flush(block)
	persist.Fence()
	return free.off, nil
}

// ActivateLarge finishes the reserve/activate protocol for a block
// returned by AllocLarge, optionally splicing in up to two link
// updates (e.g. wiring an object-table entry's Ptr field) atomically
// with the tag flip, per §4.6.
func (a *Arena) ActivateLarge(blockOff persist.RelPtr, link1, val1, link2, val2 persist.RelPtr) {
	block := persist.Block(a.base, blockOff)
	persist.SpliceActivate(a.base, block, persist.UsageBlock, link1, val1, link2, val2)
}

// ActivateSmall finishes the reserve/activate protocol for a slot
// returned by AllocSmall. A small slot's "used" marker is its bitmap
// bit, already set at reserve time, so with no linkage requested this
// is a no-op; with linkage, the CAS to (RUN,ACTIVATING) excludes every
// other concurrent free or activate on the same run, the same exclusion
// FreeSmall uses, since the run header's on[]/bit_idx scratch space is
// shared by every slot in the run and only one splice may use it at a
// time (§5).
func (a *Arena) ActivateSmall(off persist.RelPtr, link1, val1, link2, val2 persist.RelPtr) {
	if link1 == 0 {
		return
	}

	_, _, run := a.findRun(off)
	hdr := run.hdr

	initialized := persist.Pack(persist.UsageRun, persist.StateInitialized)
	activating := persist.Pack(persist.UsageRun, persist.StateActivating)
	for !atomic.CompareAndSwapUint32(&hdr.Tag.Word, initialized, activating) {
		runtime.Gosched()
	}

	persist.SpliceActivate(a.base, hdr, persist.UsageRun, link1, val1, link2, val2)
}

// addChunk grows the arena by one chunk; caller must hold a.mu.
func (a *Arena) addChunk() (persist.RelPtr, error) {
	chunk := a.grow(1)

	hdr := persist.Chunk(a.base, chunk)
	clearChunkHeader(hdr)
	hdr.Tag.Make(persist.UsageArena, persist.StateInitializing)
	copy(hdr.Signature[:], persist.Signature)
	persist.Flush(hdr)
	persist.Fence()

	last := persist.Chunk(a.base, a.chunks[len(a.chunks)-1])
	last.NextArenaChunk = chunk
	persist.Flush(last)
	persist.Fence()

	blockOff := chunk + persist.ChunkHeaderSize
	block := persist.Block(a.base, blockOff)
	*block = persist.BlockHeader{}
	block.Tag.Make(persist.UsageFree, persist.StateInitialized)
	block.NPages = uint32(persist.ChunkSize/persist.BlockSize) - 1
	block.ArenaID = a.ID
	persist.Flush(block)
	persist.Fence()

	hdr.Tag.Make(persist.UsageArena, persist.StateInitialized)
	persist.Flush(hdr)
	persist.Fence()

	a.chunks = append(a.chunks, chunk)
	a.free.insert(pageRun{off: blockOff, nPages: block.NPages})

	if a.onNewChunk != nil {
		a.onNewChunk(chunk)
	}

	return chunk, nil
}

func roundUp(n, multiple int) int {
	if n%multiple == 0 {
		return n
	}
	return n + multiple - n%multiple
}

func firstZeroBit(bitmap []byte, max int) int {
	for i := 0; i < max; i++ {
		if bitmap[i/8]&(1<<(i%8)) == 0 {
			return i
		}
	}
	panic("arena: run reported free slots but bitmap is full")
}

func setBit(bitmap []byte, i int)   { bitmap[i/8] |= 1 << (i % 8) }
func clearBit(bitmap []byte, i int) { bitmap[i/8] &^= 1 << (i % 8) }
func testBit(bitmap []byte, i int) bool {
	return bitmap[i/8]&(1<<(i%8)) != 0
}
