// Package nvmalloc is the thin embedding façade over this module's
// internal allocator packages: one Store per mapped workspace, wiring
// the chunk mapper, per-arena segregated-fit allocators, the huge
// allocator, and the object-naming table behind the reserve/activate/
// free protocol described in this repository's design notes.
//
// There is deliberately no package-level state: every operation hangs
// off a *Store value the caller owns, so a process can open more than
// one workspace (or close and reopen one) without any global carrying
// state across calls.
package nvmalloc

import (
	"errors"
	"fmt"

	"github.com/IMCG/nvm-malloc/internal/mapper"
)

// Backing selects which on-disk layout a workspace uses. See
// internal/mapper.Backing for the two strategies; this is a re-export
// so callers never need to import internal/mapper themselves.
type Backing = mapper.Backing

const (
	BackingDir  = mapper.BackingDir
	BackingFile = mapper.BackingFile
)

var (
	// ErrTooManyLinks is returned by Activate/Free when called with
	// more than two links: the on-disk link-restoration record only
	// ever carries two slots (§4.6).
	ErrTooManyLinks = errors.New("nvmalloc: at most two links may be spliced per operation")

	// ErrExhausted wraps an allocation failure reported by an arena that
	// could not carve a run or block out of a new chunk, or by
	// ReserveNamed when the object table has no free slot. Reaching the
	// workspace's MaxChunks, or a backing I/O failure while growing, is
	// not returned as an error: the chunk mapper panics.
	ErrExhausted = errors.New("nvmalloc: allocator exhausted")

	// ErrDuplicateName is returned by ReserveNamed when id is already
	// live in the object table or reserved and not yet activated.
	ErrDuplicateName = errors.New("nvmalloc: name already in use")

	// ErrNotFound is returned by operations on a name the object table
	// has no live entry for.
	ErrNotFound = errors.New("nvmalloc: name not found")

	// ErrLocked is returned by Open when another process already holds
	// the workspace's advisory lock.
	ErrLocked = mapper.ErrLocked
)

// Options configures a fresh Open. The zero value is a usable default:
// InitialArenasDefault arenas, a 128 GiB virtual reservation, directory
// backing.
type Options struct {
	// InitialArenas is the number of arenas created at a fresh Open.
	// When recovering an existing workspace it is the number of arenas
	// the recovery walk rebuilds. Zero means persist.InitialArenasDefault
	// in both cases.
	InitialArenas uint32

	// MaxChunks bounds the virtual address space reserved up front;
	// exceeding it is a fatal, unrecoverable condition per §7(6). Zero
	// means a 128 GiB default (65536 chunks of ChunkSize each).
	MaxChunks uint64

	// Backing selects the on-disk layout. Zero value is BackingDir.
	Backing Backing
}

const defaultMaxChunks = 1 << 16 // 65536 * 2 MiB == 128 GiB

func (o Options) withDefaults() Options {
	if o.MaxChunks == 0 {
		o.MaxChunks = defaultMaxChunks
	}
	return o
}

func wrapExhausted(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("nvmalloc: %s: %w: %v", op, ErrExhausted, err)
}
