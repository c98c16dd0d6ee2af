// Package recovery implements the crash-recovery walk: given every
// chunk the mapper already has backing for, classify each chunk by
// its usage tag, rebuild the volatile arena/huge/objtable structures
// over whatever was left by a clean shutdown or a mid-operation crash,
// and repair any link-restoration record still in flight.
package recovery

import (
	"fmt"
	"sync/atomic"

	"github.com/IMCG/nvm-malloc/internal/arena"
	"github.com/IMCG/nvm-malloc/internal/huge"
	"github.com/IMCG/nvm-malloc/internal/objtable"
	"github.com/IMCG/nvm-malloc/internal/persist"
)

// Result is what the store needs to resume operation after a walk.
type Result struct {
	Arenas      []*arena.Arena
	Huge        *huge.Allocator
	ObjectTable *objtable.Table
}

// Walk classifies every chunk in base[0 : nChunks*ChunkSize), repairs
// any torn link-restoration record it finds, and returns the rebuilt
// volatile state. nArenas is the number of initial arenas the store
// was opened with originally: the first nArenas chunks are always
// arena chunk 0 of one arena each, per the fixed initial-arena layout
// every fresh Open lays down (spec.md's "byte 0 of chunk 0 begins a
// chunk header; INITIAL_ARENAS chunks are reserved at boot as arena
// #0..#(K-1)").
//
// Ownership of every later chunk an arena grows into is NOT derivable
// from its physical position — addChunk hands out whichever chunk the
// mapper's nextUnmapped cursor is on next, interleaved arbitrarily
// across arenas and the huge allocator — so each arena's full chunk
// set is discovered by following its own NextArenaChunk chain from its
// fixed first chunk, exactly as spec.md §4.7(1) describes. Any
// physical chunk not reached by one of those K chains is either a huge
// region (never chained to an arena) or a leftover free/transient
// chunk from a crash mid-grow.
func Walk(base []byte, nChunks uint64, nArenas uint32, grow arena.GrowFunc, hugeGrow huge.GrowFunc, version *atomic.Uint64) (*Result, error) {
	res := &Result{}
	res.Huge = huge.New(base, hugeGrow)
	res.ObjectTable = objtable.New(base)
	res.Arenas = make([]*arena.Arena, nArenas)
	for i := uint32(0); i < nArenas; i++ {
		res.Arenas[i] = arena.New(i, base, grow, version)
	}

	visited := make([]bool, nChunks)

	for k := uint32(0); k < nArenas && uint64(k) < nChunks; k++ {
		off := persist.RelPtr(k) * persist.ChunkSize
		a := res.Arenas[k]

		for {
			idx := uint64(off) / persist.ChunkSize
			if idx >= nChunks || visited[idx] {
				break
			}
			hdr := persist.Chunk(base, off)
			if hdr.Tag.Usage() != persist.UsageArena {
				break
			}
			if hdr.Tag.State() != persist.StateInitialized {
				return nil, fmt.Errorf("recovery: arena %d chunk %d left in state %v, never completed initialization", k, idx, hdr.Tag.State())
			}
			if string(hdr.Signature[:len(persist.Signature)]) != persist.Signature {
				return nil, fmt.Errorf("recovery: chunk %d claims USAGE_ARENA but signature mismatch", idx)
			}

			visited[idx] = true
			a.AdoptChunk(off)
			res.ObjectTable.AdoptChunk(off)
			walkChunkBody(base, a, off)

			if hdr.NextArenaChunk == 0 {
				break
			}
			off = hdr.NextArenaChunk
		}
	}

	var i uint64
	for i = 0; i < nChunks; i++ {
		if visited[i] {
			continue
		}
		off := persist.RelPtr(i) * persist.ChunkSize
		hdr := persist.Chunk(base, off)

		switch hdr.Tag.Usage() {
		case persist.UsageHuge, persist.UsageFree:
			if hdr.Tag.Usage() == persist.UsageFree && (hdr.Tag.State() != persist.StateInitialized || persist.Huge(base, off).NChunks == 0) {
				// Free or transient chunk left over from a crash mid-grow;
				// nothing to reclaim at chunk granularity.
				continue
			}
			nChunksHuge := persist.Huge(base, off).NChunks
			if nChunksHuge == 0 {
				nChunksHuge = 1
			}
			repairHugeSplice(base, off)
			if !persist.Huge(base, off).Tag.Is(persist.UsageHuge, persist.StateInitialized) {
				// a freed huge region, or a torn reserve just rolled back
				res.Huge.AdoptFreeChunks(off, nChunksHuge)
			}
			for j := uint64(0); j < nChunksHuge && i+j < nChunks; j++ {
				visited[i+j] = true
			}
			i += nChunksHuge - 1

		default:
			// An arena chunk no chain reaches, left over from a crash
			// mid-grow; nothing to reclaim at chunk granularity, arenas
			// reclaim individual free blocks inside their own chunks
			// instead.
		}
	}

	res.ObjectTable.Recover()

	return res, nil
}

func walkChunkBody(base []byte, a *arena.Arena, chunkOff persist.RelPtr) {
	off := chunkOff + persist.ChunkHeaderSize
	end := chunkOff + persist.ChunkSize

	for off < end {
		block := persist.Block(base, off)

		switch block.Tag.Usage() {
		case persist.UsageRun:
			run := persist.Run(base, off)
			repairRunSplice(base, run)

			nFree := countFreeSlots(run)
			a.AdoptRun(off, run, nFree)
			off += persist.BlockSize

		case persist.UsageBlock:
			repairBlockSplice(base, block)
			if block.Tag.Usage() == persist.UsageFree {
				a.AdoptFreeRun(off, block.NPages)
			}
			off += persist.RelPtr(block.NPages) * persist.BlockSize

		default:
			nPages := block.NPages
			if nPages == 0 {
				off += persist.BlockSize
				continue
			}
			block.Tag.Make(persist.UsageFree, persist.StateInitialized)
			persist.Flush(block)
			persist.Fence()
			a.AdoptFreeRun(off, nPages)
			off += persist.RelPtr(nPages) * persist.BlockSize
		}
	}
}

func countFreeSlots(run *persist.RunHeader) int {
	nMax := (persist.BlockSize - persist.RunHeaderSize) / int(run.NBytes)
	nFree := nMax
	for i := 0; i < nMax; i++ {
		if run.Bitmap[i/8]&(1<<(i%8)) != 0 {
			nFree--
		}
	}
	return nFree
}

// pendingLinks reads back the link-restoration records a crashed
// activate/free left behind, so recovery can replay exactly the writes
// the original call was in the middle of — never a guess, since every
// caller writes on[] (followed by a fence) before it writes any link
// target (§4.6 step 1-2).
func pendingLinks(on persist.Links) (l1, v1, l2, v2 persist.RelPtr) {
	return on[0].Ptr, on[0].Value, on[1].Ptr, on[1].Value
}

// repairBlockSplice finishes a torn reserve/activate/free on a large
// block left mid-transition by a crash.
func repairBlockSplice(base []byte, block *persist.BlockHeader) {
	switch block.Tag.State() {
	case persist.StateInitializing:
		// reserve() was called and never followed by activate(): no
		// splice was ever attempted, so the reservation is simply
		// reclaimed.
		block.Tag.Make(persist.UsageFree, persist.StateInitialized)
		persist.Flush(block)
		persist.Fence()
	case persist.StateActivating:
		l1, v1, l2, v2 := pendingLinks(block.On)
		persist.SpliceActivate(base, block, persist.UsageBlock, l1, v1, l2, v2)
	case persist.StateFreeing:
		l1, v1, l2, v2 := pendingLinks(block.On)
		persist.SpliceFree(base, block, persist.UsageBlock, persist.UsageFree, l1, v1, l2, v2)
	}
}

// repairRunSplice is repairBlockSplice's run-specific twin: a run's
// free terminal tag is (RUN, INITIALIZED), not (FREE, INITIALIZED),
// since an emptied run's page returns to the free tree as a distinct
// step (see internal/arena's retireRun), not by the run header itself
// becoming a free block in place. Runs never sit in StateInitializing
// (the run header itself is written fully INITIALIZED at creation
// time; only individual slots are reserved/activated, tracked purely
// by the bitmap) so that case doesn't arise here.
func repairRunSplice(base []byte, run *persist.RunHeader) {
	switch run.Tag.State() {
	case persist.StateActivating:
		l1, v1, l2, v2 := pendingLinks(run.On)
		persist.SpliceActivate(base, run, persist.UsageRun, l1, v1, l2, v2)
	case persist.StateFreeing:
		// FreeSmall clears the slot's bitmap bit only after the tag has
		// already flipped to FREEING (§4.2 Free/RUN), so a crash here
		// needs the same bit cleared in addition to replaying the link
		// writes SpliceFree itself would redo.
		l1, v1, l2, v2 := pendingLinks(run.On)
		if l1 != 0 {
			*persist.Deref(base, l1) = v1
			persist.FlushRange(base[l1 : l1+8])
			if l2 != 0 {
				*persist.Deref(base, l2) = v2
				persist.FlushRange(base[l2 : l2+8])
			}
			persist.Fence()
		}
		if run.BitIdx >= 0 {
			clearRunBit(run, int(run.BitIdx))
		}
		run.Tag.Make(persist.UsageRun, persist.StateInitialized)
		run.BitIdx = -1
		run.On.Clear()
		persist.Flush(run)
		persist.Fence()
	case persist.StatePrefree:
		// crash after the exclusion CAS (RUN,INITIALIZED) ->
		// (RUN,PREFREE) but before the flip to FREEING: bit_idx and the
		// link records may already be written, but no link target and
		// no bitmap bit was touched yet, so the operation is undone by
		// resetting bit_idx and on[] and flipping the tag straight back.
		run.Tag.Make(persist.UsageRun, persist.StateInitialized)
		run.BitIdx = -1
		run.On.Clear()
		persist.Flush(run)
		persist.Fence()
	}
}

func clearRunBit(run *persist.RunHeader, i int) {
	run.Bitmap[i/8] &^= 1 << (i % 8)
}

func repairHugeSplice(base []byte, off persist.RelPtr) {
	hdr := persist.Huge(base, off)
	switch hdr.Tag.State() {
	case persist.StateInitializing:
		hdr.Tag.Make(persist.UsageFree, persist.StateInitialized)
		persist.Flush(hdr)
		persist.Fence()
	case persist.StateActivating:
		l1, v1, l2, v2 := pendingLinks(hdr.On)
		persist.SpliceActivate(base, hdr, persist.UsageHuge, l1, v1, l2, v2)
	case persist.StateFreeing:
		l1, v1, l2, v2 := pendingLinks(hdr.On)
		persist.SpliceFree(base, hdr, persist.UsageHuge, persist.UsageFree, l1, v1, l2, v2)
	}
}
