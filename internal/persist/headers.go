package persist

import "unsafe"

// RelPtr is an address relative to the NVM base: the only pointer form
// ever written into the persistent store. 0 is reserved to mean "no
// pointer" (the base address itself is always chunk 0's ChunkHeader,
// never a valid pointee).
type RelPtr uint64

// LinkRecord is one half of a link-restoration record: a destination
// word and the relative value that must end up stored there. Two of
// these live inline in every block/run/huge header as `on[0], on[1]`
// (see §4.6).
type LinkRecord struct {
	Ptr   RelPtr
	Value RelPtr
}

// Links is the link-restoration record pair embedded in every
// allocation header. A zero Links (both Ptr fields 0) means "no
// linkage in flight".
type Links [2]LinkRecord

// Clear zeroes both link records.
func (l *Links) Clear() {
	l[0] = LinkRecord{}
	l[1] = LinkRecord{}
}

const (
	// BlockHeaderSize is the fixed size of BlockHeader: exactly one
	// cacheline.
	BlockHeaderSize = 64

	// RunHeaderSize is the fixed size of RunHeader: the block-header
	// cacheline plus the slab bookkeeping fields, rounded up to two
	// cachelines.
	RunHeaderSize = 128

	// HugeHeaderSize is the fixed size of HugeHeader, sharing the first
	// 64 bytes of a HUGE chunk.
	HugeHeaderSize = 64

	// ChunkHeaderSize is the fixed size of ChunkHeader: one cacheline of
	// bookkeeping plus the inline object-table strip. It is exactly
	// BlockSize, so the first block of an arena chunk always starts at
	// chunkBase+ChunkHeaderSize with no rounding.
	ChunkHeaderSize = BlockSize

	// OTEntrySize is the fixed size of one object-table entry.
	OTEntrySize = 64

	// SignatureSize is the length of the sanity-check ASCII token written
	// into every arena chunk header. 44, not the 47 the wire-layout note
	// in spec.md §6 names, because that note assumes a 1-byte tag; this
	// module keeps Tag a 4-byte atomic word (see Tag's doc comment), so
	// Signature gives up 3 bytes to keep ChunkHeader's fixed prefix at
	// exactly 64 bytes ahead of the object-table strip.
	SignatureSize = 44
)

// Signature is the fixed ASCII token every arena ChunkHeader carries, so
// recovery can detect a chunk that isn't what its usage tag claims.
const Signature = "NVM-MALLOC-CHUNK-V1 github.com/IMCG/nvm"

// OTEntry is one persistent object-table slot: 64 bytes, holding a
// lifecycle state, a NUL-terminated id, and the relative pointer to the
// named object.
type OTEntry struct {
	State State
	ID    [MaxIDLength + 1]byte // NUL-terminated
	Ptr   RelPtr
	_     [64 - 1 - (MaxIDLength + 1) - 8]byte
}

var _ [OTEntrySize]byte = [unsafe.Sizeof(OTEntry{})]byte{}

// SetID copies id into e.ID, truncating to MaxIDLength and NUL-terminating.
func (e *OTEntry) SetID(id string) {
	if len(id) > MaxIDLength {
		id = id[:MaxIDLength]
	}
	clear(e.ID[:])
	copy(e.ID[:], id)
}

// GetID returns the NUL-terminated id stored in e.
func (e *OTEntry) GetID() string {
	n := 0
	for n < len(e.ID) && e.ID[n] != 0 {
		n++
	}
	return string(e.ID[:n])
}

// ChunkHeader begins every chunk. An ARENA chunk's header carries the
// inline object-table strip and the arena/object-table chain links; a
// HUGE chunk's first 64 bytes are instead reinterpreted as a HugeHeader,
// and a FREE chunk's header is meaningless until reused.
type ChunkHeader struct {
	Tag            Tag
	Signature      [SignatureSize]byte
	NextArenaChunk RelPtr
	NextOTChunk    RelPtr
	ObjectTable    [OTEntriesPerChunk]OTEntry
}

var _ [ChunkHeaderSize]byte = [unsafe.Sizeof(ChunkHeader{})]byte{}

// BlockHeader begins every page-granular allocation unit inside an
// arena chunk: 64 bytes, one cacheline.
type BlockHeader struct {
	Tag     Tag
	NPages  uint32
	ArenaID uint32
	_       [4]byte // align On to the 8-byte RelPtr fields it carries
	On      Links
	_       [BlockHeaderSize - 4 - 4 - 4 - 4 - 32]byte
}

var _ [BlockHeaderSize]byte = [unsafe.Sizeof(BlockHeader{})]byte{}

// RunHeader is a block specialised as a slab for one small size class.
// Its first 48 bytes mirror BlockHeader's layout (NPages is unused for
// a run and always reads 0); the slab bookkeeping fields follow, with
// NBytes, Bitmap and BitIdx filling the rest of the first cacheline and
// Version and VData opening the second.
type RunHeader struct {
	Tag     Tag
	NPages  uint32 // always 0; kept for layout parity with BlockHeader
	ArenaID uint32
	_       [4]byte // align On to the 8-byte RelPtr fields it carries
	On      Links
	NBytes  uint32
	Bitmap  [8]byte
	BitIdx  int32
	Version uint64
	VData   uint64
	_       [RunHeaderSize - 4 - 4 - 4 - 4 - 32 - 4 - 8 - 4 - 8 - 8]byte
}

var _ [RunHeaderSize]byte = [unsafe.Sizeof(RunHeader{})]byte{}

// HugeHeader sits at the start of a HUGE chunk.
type HugeHeader struct {
	Tag     Tag
	_       [4]byte
	NChunks uint64
	On      Links
	_       [HugeHeaderSize - 4 - 4 - 8 - 32]byte
}

var _ [HugeHeaderSize]byte = [unsafe.Sizeof(HugeHeader{})]byte{}

// Chunk casts the bytes at off within base to a *ChunkHeader.
func Chunk(base []byte, off RelPtr) *ChunkHeader {
	return (*ChunkHeader)(unsafe.Pointer(&base[off]))
}

// Block casts the bytes at off within base to a *BlockHeader.
func Block(base []byte, off RelPtr) *BlockHeader {
	return (*BlockHeader)(unsafe.Pointer(&base[off]))
}

// Run casts the bytes at off within base to a *RunHeader.
func Run(base []byte, off RelPtr) *RunHeader {
	return (*RunHeader)(unsafe.Pointer(&base[off]))
}

// Huge casts the bytes at off within base to a *HugeHeader.
func Huge(base []byte, off RelPtr) *HugeHeader {
	return (*HugeHeader)(unsafe.Pointer(&base[off]))
}
