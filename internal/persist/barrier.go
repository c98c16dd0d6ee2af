package persist

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// fenceCounter is the word Fence performs its atomic operation on.
//
// A real NVM platform makes Flush a CLFLUSH(OPT)/CLWB loop over the
// range and Fence an SFENCE; on ordinary DRAM-backed mmap, the nearest
// equivalent durability operation the OS gives us is msync(MS_SYNC),
// which is what FlushRange issues. sync/atomic's acquire/release
// fences stand in for SFENCE, matching §5's "store fence with
// acquire/release semantics over regular stores".
var fenceCounter atomic.Uint64

// Fence issues a store fence: every regular store program-ordered before
// this call is guaranteed visible to any goroutine that subsequently
// observes the result of the atomic operation Fence performs.
//
// sync/atomic is the only portable fence primitive the standard library
// exposes; an Add (rather than a bare Load/Store) is used so the
// compiler cannot fold the fence away as dead code.
func Fence() {
	fenceCounter.Add(1)
}

// FlushRange flushes the cachelines covering data to durable media and
// issues a trailing store fence, matching the "persist X" contract of
// §3: after FlushRange returns, data's contents are guaranteed visible
// to any post-crash observer.
//
// data must be a sub-slice of a mapping obtained from the chunk mapper.
// Calling FlushRange twice on the same range is idempotent (§8,
// "Idempotent persist"): msync of an already-synced range is a cheap
// no-op at the OS level.
func FlushRange(data []byte) {
	if len(data) == 0 {
		return
	}

	if err := unix.Msync(alignToPage(data), unix.MS_SYNC); err != nil {
		// msync failing on a live mapping means the backing store itself
		// is broken; per §7(6) this is a fatal I/O error, not something
		// an allocation caller can meaningfully recover from.
		panic("persist: msync failed: " + err.Error())
	}

	Fence()
}

// Flush is FlushRange over the bytes backing a single struct value,
// found via its address. It is the entry point arena/huge/objtable use
// to persist a header or object-table entry; the 8-byte link-target
// words of a splice go through FlushRange directly.
func Flush[T any](hdr *T) {
	FlushRange(bytesOf(hdr))
}

const pageSize = 4096

// alignToPage widens data to whole OS pages, since msync operates on
// page granularity and a struct's cacheline range may straddle a page
// boundary only partially.
func alignToPage(data []byte) []byte {
	base := addrOf(data)
	start := base &^ (pageSize - 1)
	end := (base + uintptr(len(data)) + pageSize - 1) &^ (pageSize - 1)
	return ptrToSlice(start, int(end-start))
}
