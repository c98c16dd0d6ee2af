package arena

import (
	"runtime"
	"sync/atomic"

	"github.com/IMCG/nvm-malloc/internal/persist"
	"github.com/IMCG/nvm-malloc/internal/xdebug"
)

// FreeSmall releases the slot at off within its run, following §4.2's
// Free/RUN sequence exactly: a CAS from (RUN,INITIALIZED) to
// (RUN,PREFREE) excludes every other concurrent free or activate on
// this run (§5), which wait for it; a slot whose bitmap bit is already
// clear is a double free and is left alone. bit_idx names the slot
// for recovery, then the
// optional link-restoration pair is spliced in atomically with the
// FREEING/INITIALIZED tag flip, the bitmap bit itself being cleared
// while the run is still FREEING.
func (a *Arena) FreeSmall(off persist.RelPtr, link1, val1, link2, val2 persist.RelPtr) {
	runOff, idx, run := a.findRun(off)
	hdr := run.hdr

	initialized := persist.Pack(persist.UsageRun, persist.StateInitialized)
	prefree := persist.Pack(persist.UsageRun, persist.StatePrefree)
	for !atomic.CompareAndSwapUint32(&hdr.Tag.Word, initialized, prefree) {
		runtime.Gosched()
	}
	if !testBit(hdr.Bitmap[:], idx) {
		// Double free (§7(5)): the slot is not allocated. Defined
		// behaviour is a logged no-op, not a crash.
		atomic.StoreUint32(&hdr.Tag.Word, initialized)
		xdebug.Log(nil, "FreeSmall", "free of already-freed slot at %d", off)
		return
	}

	hdr.BitIdx = int32(idx)
	persist.Flush(hdr)
	persist.Fence()

	if link1 != 0 {
		hdr.On[0] = persist.LinkRecord{Ptr: link1, Value: val1}
		if link2 != 0 {
			hdr.On[1] = persist.LinkRecord{Ptr: link2, Value: val2}
		}
		persist.Fence()
	}

	atomic.StoreUint32(&hdr.Tag.Word, persist.Pack(persist.UsageRun, persist.StateFreeing))
	persist.Fence()

	if link1 != 0 {
		*persist.Deref(a.base, link1) = val1
		persist.FlushRange(a.base[link1 : link1+8])
		if link2 != 0 {
			*persist.Deref(a.base, link2) = val2
			persist.FlushRange(a.base[link2 : link2+8])
		}
		persist.Fence()
	}

	clearBit(hdr.Bitmap[:], idx)

	atomic.StoreUint32(&hdr.Tag.Word, initialized)
	hdr.BitIdx = -1
	hdr.On.Clear()
	persist.Flush(hdr)
	persist.Fence()

	run.bin.mu.Lock()
	clearBit(run.bitmap[:], idx)

	wasFull := run.nFree == 0
	run.nFree++
	run.bin.nFree++
	if wasFull && run.bin.currentRun != run {
		run.bin.nonFull = append(run.bin.nonFull, run)
	}

	if run.nFree == run.nMax {
		a.retireRun(run, runOff)
	}
	run.bin.mu.Unlock()
}

// retireRun returns an empty run's page back to the free-page tree.
// Caller must hold run.bin.mu.
func (a *Arena) retireRun(run *Run, runOff persist.RelPtr) {
	removeRun(&run.bin.nonFull, run)
	if run.bin.currentRun == run {
		run.bin.currentRun = nil
	}
	run.bin.nRuns--
	run.bin.nFree -= run.nFree

	block := persist.Block(a.base, runOff)
	*block = persist.BlockHeader{}
	block.Tag.Make(persist.UsageFree, persist.StateInitialized)
	block.NPages = 1
	block.ArenaID = a.ID
	persist.Flush(block)
	persist.Fence()

	a.mu.Lock()
	a.free.insert(pageRun{off: runOff, nPages: 1})
	a.mu.Unlock()
}

func removeRun(list *[]*Run, target *Run) {
	for i, r := range *list {
		if r == target {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// findRun locates the run and in-run slot index owning off, by walking
// back to the run header: off always falls within
// [runOff+RunHeaderSize, runOff+BlockSize) for some runOff that is a
// multiple of BlockSize measured from its chunk's base.
func (a *Arena) findRun(off persist.RelPtr) (runOff persist.RelPtr, idx int, run *Run) {
	chunkBase := a.chunkOf(off)
	rel := off - chunkBase - persist.ChunkHeaderSize
	blockIdx := rel / persist.BlockSize
	runOff = chunkBase + persist.ChunkHeaderSize + blockIdx*persist.BlockSize

	hdr := persist.Run(a.base, runOff)
	run = a.shadowRun(hdr)
	idx = int(off-runOff-persist.RunHeaderSize) / run.elemSize
	return runOff, idx, run
}

// chunkOf returns the base offset of the chunk containing off.
func (a *Arena) chunkOf(off persist.RelPtr) persist.RelPtr {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		if off >= c && off < c+persist.ChunkSize {
			return c
		}
	}
	panic("arena: offset does not belong to any owned chunk")
}

// FreeLarge releases the block at blockOff back to the free-page tree,
// splicing in up to two link updates atomically with the tag flip.
func (a *Arena) FreeLarge(blockOff persist.RelPtr, link1, val1, link2, val2 persist.RelPtr) {
	block := persist.Block(a.base, blockOff)
	nPages := block.NPages

	persist.SpliceFree(a.base, block, persist.UsageBlock, persist.UsageFree, link1, val1, link2, val2)

	a.mu.Lock()
	a.free.insert(pageRun{off: blockOff, nPages: nPages})
	a.mu.Unlock()
}
