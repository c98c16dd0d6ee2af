package nvmalloc

import (
	"fmt"

	"github.com/IMCG/nvm-malloc/internal/persist"
	"github.com/IMCG/nvm-malloc/internal/xdebug"
)

// kind classifies a live Ptr by re-deriving, from the chunk and block
// headers it falls within, which allocator owns it — the same
// technique Free already uses internally (§4.2's ArenaID field exists
// precisely so a free doesn't need to remember which arena served the
// allocation). stale covers a header whose usage tag is not one a live
// allocation carries: a pointer this Store never handed out, or a
// double free once the first free has retagged the header. A double
// free of a small slot whose run is still in use classifies as small;
// FreeSmall detects it from the run's bitmap.
type kind int

const (
	kindSmall kind = iota
	kindLarge
	kindHuge
	kindStale
)

// classify returns the allocator kind owning off, the arena index for
// small/large allocations, and the offset of the owning header: off
// itself for small (FreeSmall/ActivateSmall re-derive the run from the
// slot address), the BlockHeader's offset for large, the HugeHeader's
// offset for huge.
func (s *Store) classify(off persist.RelPtr) (k kind, arenaIdx uint32, headerOff persist.RelPtr) {
	chunkBase := off &^ (persist.RelPtr(persist.ChunkSize) - 1)
	chunk := persist.Chunk(s.base, chunkBase)

	switch chunk.Tag.Usage() {
	case persist.UsageHuge:
		return kindHuge, 0, chunkBase
	case persist.UsageArena:
		// fall through to block-level classification below
	default:
		return kindStale, 0, chunkBase
	}

	rel := off - chunkBase - persist.ChunkHeaderSize
	blockIdx := rel / persist.BlockSize
	blockOff := chunkBase + persist.ChunkHeaderSize + blockIdx*persist.BlockSize
	block := persist.Block(s.base, blockOff)

	switch block.Tag.Usage() {
	case persist.UsageRun:
		return kindSmall, block.ArenaID, blockOff
	case persist.UsageBlock:
		return kindLarge, block.ArenaID, blockOff
	default:
		return kindStale, block.ArenaID, blockOff
	}
}

func splitLinks(links []Link) (l1, v1, l2, v2 persist.RelPtr, err error) {
	if len(links) > 2 {
		return 0, 0, 0, 0, ErrTooManyLinks
	}
	if len(links) >= 1 {
		l1, v1 = persist.RelPtr(links[0].At), persist.RelPtr(links[0].Target)
	}
	if len(links) == 2 {
		l2, v2 = persist.RelPtr(links[1].At), persist.RelPtr(links[1].Target)
	}
	return l1, v1, l2, v2, nil
}

// Reserve allocates n bytes, routed by size to the small-bin, large-
// block, or huge path, and returns the not-yet-activated allocation's
// address. The caller must call Activate (or Free, to abandon it)
// before the allocation is considered part of the durable object graph
// — a crash between Reserve and Activate leaves it reclaimable by
// recovery, never half-visible (§4.6).
func (s *Store) Reserve(n int) (Ptr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("nvmalloc: reserve size must be positive, got %d", n)
	}

	arenaIdx := s.router.Route()

	switch {
	case n <= persist.SClassSmallMax:
		off, err := s.arenas[arenaIdx].AllocSmall(n)
		if err != nil {
			return 0, wrapExhausted("reserve", err)
		}
		return Ptr(off), nil

	case n <= persist.SClassLargeMax:
		off, err := s.arenas[arenaIdx].AllocLarge(n)
		if err != nil {
			return 0, wrapExhausted("reserve", err)
		}
		return Ptr(off), nil

	default:
		hdrOff := s.huge.Reserve(uint64(n))
		return Ptr(hdrOff + persist.HugeHeaderSize), nil
	}
}

// Activate completes the reserve/activate protocol for p, optionally
// splicing in up to two link-restoration writes atomically with the
// state transition to INITIALIZED.
func (s *Store) Activate(p Ptr, links ...Link) error {
	l1, v1, l2, v2, err := splitLinks(links)
	if err != nil {
		return err
	}

	off := persist.RelPtr(p)
	k, arenaIdx, headerOff := s.classify(off)
	switch k {
	case kindSmall:
		s.arenas[arenaIdx].ActivateSmall(off, l1, v1, l2, v2)
	case kindLarge:
		s.arenas[arenaIdx].ActivateLarge(headerOff, l1, v1, l2, v2)
	case kindHuge:
		s.huge.Activate(headerOff, l1, v1, l2, v2)
	default:
		xdebug.Log(nil, "Activate", "activate of foreign or already-activated pointer %d", off)
	}
	return nil
}

// Free releases p, optionally splicing in up to two link-restoration
// writes atomically with the transition back to free. A double free or
// a pointer this Store never handed out is a logged no-op, never a
// crash (§7(5)).
func (s *Store) Free(p Ptr, links ...Link) error {
	l1, v1, l2, v2, err := splitLinks(links)
	if err != nil {
		return err
	}

	off := persist.RelPtr(p)
	k, arenaIdx, headerOff := s.classify(off)
	switch k {
	case kindSmall:
		s.arenas[arenaIdx].FreeSmall(off, l1, v1, l2, v2)
	case kindLarge:
		s.arenas[arenaIdx].FreeLarge(headerOff, l1, v1, l2, v2)
	case kindHuge:
		s.huge.Free(headerOff, l1, v1, l2, v2)
	default:
		xdebug.Log(nil, "Free", "free of foreign or already-freed pointer %d", off)
	}
	return nil
}
