// Package objtable implements the persistent object-naming table:
// inline per-chunk entry strips chained across an arena's chunks,
// backed by a volatile hash map from id to entry plus a bounded
// freed-slot ring for reuse, mirroring object_table.c's ot_insert /
// ot_get / ot_remove / ot_recover.
package objtable

import (
	"fmt"
	"sync"

	gutil "github.com/IMCG/nvm-malloc/pkg/arena"
	"github.com/IMCG/nvm-malloc/pkg/arena/swiss"

	"github.com/IMCG/nvm-malloc/internal/persist"
)

// Entry is the volatile mirror of one live object-table slot.
type Entry struct {
	ID   string
	Slot uint64
	Ptr  persist.RelPtr // data pointer, relative
	NVM  *persist.OTEntry
}

// Table owns the chunk strip chain and the volatile index over it.
// There is exactly one Table per store; its chunk chain piggybacks on
// the same chunks the arenas allocate (every ARENA chunk header
// carries both NextArenaChunk and NextOTChunk), per §4.5.
type Table struct {
	base []byte

	mu          sync.Mutex
	chunks      []persist.RelPtr // OT-chain order, parallel to slot numbering
	totalSlots  uint64
	nextSlot    uint64

	ring ring

	idxMu sync.Mutex
	index *swiss.Map[string, *Entry]
	vol   gutil.Arena
}

// New returns an empty Table with no slots; Reserve has no slot to hand
// out until AdoptChunk or Grow has added a chunk (the store installs
// Grow as every arena's chunk hook).
func New(base []byte) *Table {
	t := &Table{base: base}
	t.index = swiss.NewMap[string, *Entry](&t.vol, 128)
	return t
}

// AdoptChunk appends chunk to the OT chain, making its 63 inline slots
// available. The caller is responsible for persisting
// prevChunk.NextOTChunk = chunk before calling this, or for having
// discovered the chain via recovery.
func (t *Table) AdoptChunk(chunk persist.RelPtr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks = append(t.chunks, chunk)
	t.totalSlots += persist.OTEntriesPerChunk
}

// Grow extends the OT chain with a brand-new chunk that has never
// carried object-table slots before, persisting the previous tail
// chunk's NextOTChunk link before making the new chunk's slots
// available. This is the forward-operation twin of AdoptChunk: it is
// wired as every arena's chunk-growth hook (see internal/arena.Arena.
// SetChunkHook), so every new ARENA chunk gets linked into the table's
// chain the moment it is activated, not just the ones discovered by a
// later recovery walk.
func (t *Table) Grow(chunk persist.RelPtr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.chunks) > 0 {
		last := t.chunks[len(t.chunks)-1]
		hdr := persist.Chunk(t.base, last)
		hdr.NextOTChunk = chunk
		persist.Flush(hdr)
		persist.Fence()
	}

	t.chunks = append(t.chunks, chunk)
	t.totalSlots += persist.OTEntriesPerChunk
}

// entryAt returns the persistent OTEntry for slot.
func (t *Table) entryAt(slot uint64) *persist.OTEntry {
	chunkIdx := slot / persist.OTEntriesPerChunk
	slotInChunk := slot % persist.OTEntriesPerChunk
	hdr := persist.Chunk(t.base, t.chunks[chunkIdx])
	return &hdr.ObjectTable[slotInChunk]
}

// Recover rebuilds the volatile index and ring from the persistent
// entries already on NVM, walking every adopted chunk in chain order,
// mirroring ot_recover.
func (t *Table) Recover() {
	var nextFree uint64 // first slot not yet accounted for, live or ringed
	var highestLive uint64
	sawLive := false

	for slot := uint64(0); slot < t.totalSlots; slot++ {
		e := t.entryAt(slot)
		if e.State != persist.StateInitialized {
			continue
		}

		entry := &Entry{ID: e.GetID(), Slot: slot, Ptr: e.Ptr, NVM: e}
		t.idxMu.Lock()
		t.index.Put(entry.ID, entry)
		t.idxMu.Unlock()

		for n := nextFree; n < slot; n++ {
			t.ring.push(n)
		}
		nextFree = slot + 1
		highestLive = slot
		sawLive = true
	}

	if sawLive {
		t.nextSlot = highestLive + 1
	}
}

// Get returns the live entry named id, if any.
func (t *Table) Get(id string) (*Entry, bool) {
	t.idxMu.Lock()
	defer t.idxMu.Unlock()
	return t.index.Get(id)
}

// Reserve allocates a slot for id (failing if id is already in use),
// returning the volatile Entry the caller should finish persisting via
// the Store's reserve/activate protocol. The entry is NOT yet visible
// to Get until Activate is called.
func (t *Table) Reserve(id string, dataPtr persist.RelPtr) (*Entry, error) {
	t.idxMu.Lock()
	if _, ok := t.index.Get(id); ok {
		t.idxMu.Unlock()
		return nil, fmt.Errorf("objtable: id %q already in use", id)
	}
	t.idxMu.Unlock()

	slot, ok := t.ring.pop()
	if !ok {
		t.mu.Lock()
		if t.nextSlot >= t.totalSlots {
			t.mu.Unlock()
			return nil, fmt.Errorf("objtable: no free slots (have %d)", t.totalSlots)
		}
		slot = t.nextSlot
		t.nextSlot++
		t.mu.Unlock()
	}

	entry := &Entry{ID: id, Slot: slot, Ptr: dataPtr, NVM: t.entryAt(slot)}
	return entry, nil
}

// Activate persists entry in the three-step sequence of
// nvm_activate_id: write (INITIALIZING, id, ptr), flush+fence, then
// (after the caller has activated the underlying data allocation)
// flip to INITIALIZED, flush+fence. Finish must be called once the
// caller's data allocation has itself been activated.
func (t *Table) Activate(entry *Entry) func() {
	e := entry.NVM
	e.State = persist.StateInitializing
	e.SetID(entry.ID)
	e.Ptr = entry.Ptr
	persist.Flush(e)
	persist.Fence()

	return func() {
		e.State = persist.StateInitialized
		persist.Flush(e)
		persist.Fence()

		t.idxMu.Lock()
		t.index.Put(entry.ID, entry)
		t.idxMu.Unlock()
	}
}

// BeginFree marks entry's persistent slot FREEING ahead of freeing its
// underlying data allocation, mirroring nvm_free_id's ordering.
func (t *Table) BeginFree(entry *Entry) {
	entry.NVM.State = persist.StateFreeing
	persist.Flush(entry.NVM)
	persist.Fence()
}

// Remove drops id from the volatile index and returns its slot to the
// ring, once the caller has freed the underlying data allocation.
func (t *Table) Remove(entry *Entry) {
	t.idxMu.Lock()
	t.index.Delete(entry.ID)
	t.idxMu.Unlock()

	t.ring.push(entry.Slot)
}
