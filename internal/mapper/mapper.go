// Package mapper reserves the fixed virtual region nvm-malloc's
// persistent structures live in, and grows or recovers the backing
// store behind it.
//
// This is the "file-backed NVM mapping layer" spec.md §1 treats as an
// external collaborator: a fixed virtual base, the ability to activate
// additional chunks, and recovery of previously mapped chunks. Nothing
// here understands arenas, runs, or object tables — that is
// internal/arena, internal/huge, and internal/objtable's job.
package mapper

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/IMCG/nvm-malloc/internal/persist"
	"github.com/IMCG/nvm-malloc/pkg/xerrors"
)

// ErrLocked is returned by Open when another process already holds the
// workspace's advisory lock — two processes mapping the same backing
// store at once would corrupt it, since every offset is relative to a
// base each process picks independently.
var ErrLocked = fmt.Errorf("mapper: workspace already locked by another process")

// Backing selects which of the two backing-store strategies spec.md §6
// allows a workspace to use.
type Backing int

const (
	// BackingDir backs each chunk with its own file,
	// <workspace>/mapNNNNNNNNN (9-digit zero-padded), matching the
	// reference implementation's naming exactly.
	BackingDir Backing = iota

	// BackingFile backs the whole region with one growable file,
	// <workspace>/backing, truncated to size in ChunkSize increments.
	BackingFile
)

// Mapper reserves a contiguous virtual region of MaxChunks*ChunkSize at
// process start, with no backing, and lets the caller grow the backing
// store into it one or more chunks at a time. All operations are
// serialized by mu, matching §4.1/§5's single chunk-mapper lock.
type Mapper struct {
	mu sync.Mutex

	region  []byte // the full PROT_NONE reservation, len == maxChunks*ChunkSize
	backing backingStore
	lockFd  int

	nextUnmapped uint64 // first chunk index not yet backed
	maxChunks    uint64
}

// backingStore is the seam between the two backing-store strategies;
// both just need to be able to hand back an fd-equivalent mapping for a
// given chunk index.
type backingStore interface {
	// mapChunk maps chunk index i read/write at addr, creating backing
	// storage for it if it does not already exist.
	mapChunk(addr uintptr, i uint64) error

	// probeChunk reports whether chunk index i already has backing
	// storage, without creating it.
	probeChunk(i uint64) bool

	// close releases any open descriptors.
	close() error
}

// Open reserves a MaxChunks*ChunkSize virtual region with no backing,
// at an OS-chosen base (never a fixed address the caller names: ASLR
// means "fixed" here means "fixed relative to the store's own base",
// not a literal absolute address).
func Open(workspacePath string, maxChunks uint64, kind Backing) (*Mapper, error) {
	if maxChunks == 0 {
		return nil, fmt.Errorf("mapper: maxChunks must be > 0")
	}

	if err := os.MkdirAll(workspacePath, 0o755); err != nil {
		return nil, fmt.Errorf("mapper: create workspace %q: %w", workspacePath, err)
	}

	lockFd, err := lockWorkspace(workspacePath)
	if err != nil {
		return nil, err
	}

	size := int(maxChunks) * persist.ChunkSize
	region, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		_ = unix.Close(lockFd)
		return nil, fmt.Errorf("mapper: reserve %d chunks: %w", maxChunks, err)
	}

	var backing backingStore
	switch kind {
	case BackingDir:
		backing, err = newDirBacking(workspacePath)
	case BackingFile:
		backing, err = newFileBacking(workspacePath)
	default:
		err = fmt.Errorf("mapper: unknown backing kind %d", kind)
	}
	if err != nil {
		_ = unix.Munmap(region)
		_ = unix.Close(lockFd)
		return nil, err
	}

	return &Mapper{region: region, backing: backing, lockFd: lockFd, maxChunks: maxChunks}, nil
}

// lockWorkspace takes a non-blocking exclusive advisory lock on
// <workspace>/.lock, using the same golang.org/x/sys/unix the rest of
// this package maps and truncates chunk files with.
func lockWorkspace(workspacePath string) (int, error) {
	path := filepath.Join(workspacePath, ".lock")
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return -1, fmt.Errorf("mapper: open lock file %q: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return -1, ErrLocked
		}
		return -1, fmt.Errorf("mapper: lock %q: %w", path, err)
	}

	return fd, nil
}

// Base returns the address of byte 0 of chunk 0: the NVM base every
// RelPtr is relative to.
func (m *Mapper) Base() []byte {
	return m.region
}

// Recover remaps every chunk the backing store already holds, in
// order starting from chunk 0, and returns how many are now live. It
// is the caller's (pkg/nvmalloc.Open's) job to decide whether those
// chunks describe a consistent store; the mapper only answers "how
// much backing storage already exists".
func (m *Mapper) Recover() (nPresent uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.nextUnmapped < m.maxChunks && m.backing.probeChunk(m.nextUnmapped) {
		addr := regionBase(m.region) + uintptr(m.nextUnmapped)*persist.ChunkSize
		if err := m.backing.mapChunk(addr, m.nextUnmapped); err != nil {
			return m.nextUnmapped, fmt.Errorf("mapper: remap chunk %d: %w", m.nextUnmapped, err)
		}
		m.nextUnmapped++
	}

	return m.nextUnmapped, nil
}

// ActivateMore extends the backing store by n chunks, maps them
// read/write at the next free slot, and returns the address of the
// first new chunk. Exhausting MaxChunks or any I/O error is fatal per
// §7(6): the caller has no recovery path short of a larger workspace.
func (m *Mapper) ActivateMore(n uint64) []byte {
	first, _ := m.activateMore(n)
	start := int(first) * persist.ChunkSize
	end := start + int(n)*persist.ChunkSize
	return m.region[start:end]
}

// ActivateMoreOffset is ActivateMore but returns the RelPtr offset of
// the first new chunk instead of a slice, for callers (internal/arena,
// internal/huge) that only ever address this region through RelPtr
// arithmetic against Base().
func (m *Mapper) ActivateMoreOffset(n uint64) persist.RelPtr {
	first, _ := m.activateMore(n)
	return persist.RelPtr(first) * persist.ChunkSize
}

func (m *Mapper) activateMore(n uint64) (first uint64, last uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	first = m.nextUnmapped
	if n > m.maxChunks-first {
		panic(fmt.Sprintf("mapper: requested %d chunks, only %d remain of %d", n, m.maxChunks-first, m.maxChunks))
	}

	for i := uint64(0); i < n; i++ {
		idx := first + i
		addr := regionBase(m.region) + uintptr(idx)*persist.ChunkSize
		if err := m.backing.mapChunk(addr, idx); err != nil {
			panic(fmt.Sprintf("mapper: map chunk %d: %v", idx, describeErrno(err)))
		}
	}
	m.nextUnmapped = first + n
	return first, m.nextUnmapped
}

// NumMapped returns how many chunks currently have live backing.
func (m *Mapper) NumMapped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextUnmapped
}

// Close unmaps the whole reservation and releases the backing store's
// descriptors.
func (m *Mapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.backing.close()
	if uerr := unix.Munmap(m.region); uerr != nil && err == nil {
		err = uerr
	}
	if uerr := unix.Flock(m.lockFd, unix.LOCK_UN); uerr != nil && err == nil {
		err = uerr
	}
	if uerr := unix.Close(m.lockFd); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// describeErrno enriches a backing-store error with its raw errno, when
// one is present in the chain: x/sys/unix calls return a bare
// syscall.Errno, which the backing stores wrap with fmt.Errorf context
// before it reaches here, so the numeric errno a crash report benefits
// from is no longer the error itself. xerrors.AsA (this module's
// generic errors.As wrapper) digs it back out regardless of how deep
// the wrapping goes.
func describeErrno(err error) string {
	if errno, ok := xerrors.AsA[syscall.Errno](err); ok {
		return fmt.Sprintf("%v (errno %d)", err, int(errno))
	}
	return err.Error()
}
