package nvmalloc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/IMCG/nvm-malloc/internal/arena"
	"github.com/IMCG/nvm-malloc/internal/huge"
	"github.com/IMCG/nvm-malloc/internal/mapper"
	"github.com/IMCG/nvm-malloc/internal/objtable"
	"github.com/IMCG/nvm-malloc/internal/persist"
	"github.com/IMCG/nvm-malloc/internal/recovery"
	"github.com/IMCG/nvm-malloc/internal/xsync"
)

// Ptr is a relative offset into a Store's mapped region: the only
// address form this package ever hands back to a caller, matching
// every persistent pointer's own encoding. The zero Ptr never denotes
// a live allocation (byte 0 of chunk 0 is always the first chunk's
// header, never user data).
type Ptr uint64

// Link is one splice target for Activate/Free: the relative address At
// should be overwritten with Target once the operation completes,
// atomically with the allocation's own state transition (§4.6).
type Link struct {
	At     Ptr
	Target Ptr
}

// Store is a single mapped workspace: the chunk mapper, the arenas
// routed across it, the huge allocator, and the object-naming table,
// all wired together. The zero Store is not usable; construct one with
// Open.
type Store struct {
	m        *mapper.Mapper
	base     []byte
	arenas   []*arena.Arena
	huge     *huge.Allocator
	objtable *objtable.Table
	router   *arena.Router
	version  atomic.Uint64

	pending xsync.Map[string, *objtable.Entry] // reserved-but-not-yet-activated named objects
}

// Open maps workspace, either initializing it fresh (an empty or
// nonexistent directory) or recovering it (chunks already backed from
// a prior run), and returns a Store ready for Reserve/Activate/Free.
func Open(workspace string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	m, err := mapper.Open(workspace, opts.MaxChunks, opts.Backing)
	if err != nil {
		return nil, err
	}

	nPresent, err := m.Recover()
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("nvmalloc: recover workspace %q: %w", workspace, err)
	}

	s := &Store{
		m:    m,
		base: m.Base(),
	}
	s.version.Store(1)

	growArena := func(n uint64) persist.RelPtr { return m.ActivateMoreOffset(n) }
	growHuge := func(n uint64) persist.RelPtr { return m.ActivateMoreOffset(n) }

	if nPresent == 0 {
		nArenas := opts.InitialArenas
		if nArenas == 0 {
			nArenas = persist.InitialArenasDefault
		}

		s.huge = huge.New(s.base, growHuge)
		s.objtable = objtable.New(s.base)
		s.arenas = make([]*arena.Arena, nArenas)

		off := m.ActivateMoreOffset(uint64(nArenas))
		for i := uint32(0); i < nArenas; i++ {
			a := arena.New(i, s.base, growArena, &s.version)
			a.SetChunkHook(s.objtable.Grow)
			chunkOff := off + persist.RelPtr(i)*persist.ChunkSize
			a.InitFresh(chunkOff)
			s.arenas[i] = a
		}
	} else {
		nArenas := opts.InitialArenas
		if nArenas == 0 {
			nArenas = persist.InitialArenasDefault
		}

		res, err := recovery.Walk(s.base, nPresent, nArenas, growArena, growHuge, &s.version)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("nvmalloc: recover workspace %q: %w", workspace, err)
		}
		s.arenas = res.Arenas
		s.huge = res.Huge
		s.objtable = res.ObjectTable
		for _, a := range s.arenas {
			a.SetChunkHook(s.objtable.Grow)
		}
	}

	s.router = arena.NewRouter(uint32(len(s.arenas)))
	return s, nil
}

// Persist flushes n bytes starting at p to durable media and fences,
// for an application that has just written its own payload into an
// already-activated allocation and needs it durable before continuing
// (§3 "persist X").
func (s *Store) Persist(p Ptr, n int) {
	off := persist.RelPtr(p)
	persist.FlushRange(s.base[off : off+persist.RelPtr(n)])
}

// Abs returns the live address rel currently maps to within this
// Store's region.
func (s *Store) Abs(rel Ptr) unsafe.Pointer {
	return unsafe.Pointer(&s.base[rel])
}

// Rel returns abs's offset relative to this Store's base, the inverse
// of Abs. abs must point somewhere within s's mapped region.
func (s *Store) Rel(abs unsafe.Pointer) Ptr {
	base := uintptr(unsafe.Pointer(&s.base[0]))
	return Ptr(uintptr(abs) - base)
}

// Close unmaps the workspace and releases its backing descriptors.
func (s *Store) Close() error {
	return s.m.Close()
}
