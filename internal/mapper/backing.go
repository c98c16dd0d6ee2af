package mapper

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/IMCG/nvm-malloc/internal/persist"
)

// dirBacking backs the region with one file per chunk,
// <workspace>/mapNNNNNNNNN, 9-digit zero-padded — bit-for-bit the
// original implementation's chunk.c naming, so a workspace directory
// produced by either tool is interchangeable.
type dirBacking struct {
	mu   sync.Mutex
	dir  string
	fds  map[uint64]int
}

func newDirBacking(workspace string) (*dirBacking, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("mapper: create workspace %q: %w", workspace, err)
	}
	return &dirBacking{dir: workspace, fds: make(map[uint64]int)}, nil
}

func (b *dirBacking) chunkPath(i uint64) string {
	return filepath.Join(b.dir, fmt.Sprintf("map%09d", i))
}

func (b *dirBacking) probeChunk(i uint64) bool {
	_, err := os.Stat(b.chunkPath(i))
	return err == nil
}

func (b *dirBacking) mapChunk(addr uintptr, i uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.chunkPath(i)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o666)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}

	if err := unix.Ftruncate(fd, persist.ChunkSize); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("truncate %q to %d: %w", path, persist.ChunkSize, err)
	}

	if err := mmapFixed(addr, persist.ChunkSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_NORESERVE, fd, 0); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("map %q: %w", path, err)
	}

	b.fds[i] = fd
	return nil
}

func (b *dirBacking) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var first error
	for i, fd := range b.fds {
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}
		delete(b.fds, i)
	}
	return first
}

// fileBacking backs the whole region with a single growable file,
// <workspace>/backing, grown in ChunkSize increments via ftruncate as
// each new chunk is activated.
type fileBacking struct {
	mu   sync.Mutex
	fd   int
	size int64
}

func newFileBacking(workspace string) (*fileBacking, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("mapper: create workspace %q: %w", workspace, err)
	}

	path := filepath.Join(workspace, "backing")
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}

	return &fileBacking{fd: fd, size: st.Size}, nil
}

func (b *fileBacking) probeChunk(i uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(i+1)*persist.ChunkSize <= b.size
}

func (b *fileBacking) mapChunk(addr uintptr, i uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := int64(i+1) * persist.ChunkSize
	if want > b.size {
		if err := unix.Ftruncate(b.fd, want); err != nil {
			return fmt.Errorf("grow backing file to %d: %w", want, err)
		}
		b.size = want
	}

	off := int64(i) * persist.ChunkSize
	if err := mmapFixed(addr, persist.ChunkSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_NORESERVE, b.fd, off); err != nil {
		return fmt.Errorf("map chunk %d at offset %d: %w", i, off, err)
	}

	return nil
}

func (b *fileBacking) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return unix.Close(b.fd)
}
