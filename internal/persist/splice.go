package persist

import "unsafe"

// Spliced is a persistent header that carries a (Tag, Links) pair at a
// known offset: block, run, and huge headers all qualify.
// SpliceActivate and SpliceFree are written once against this
// interface so block activate/free, run activate, huge activate/free
// and their recovery repairs share one implementation of the four-step
// protocol in §4.6, rather than the near-but-not-quite-identical copies
// the original C carries (see DESIGN.md, internal/recovery). Run free
// (internal/arena's FreeSmall) and its recovery repair keep their own
// copy of the sequence, since they also clear the slot's bitmap bit
// while the run is FREEING.
type Spliced interface {
	linksPtr() *Links
	tagPtr() *Tag
	flush()
}

func (h *BlockHeader) linksPtr() *Links { return &h.On }
func (h *BlockHeader) tagPtr() *Tag     { return &h.Tag }
func (h *BlockHeader) flush()           { Flush(h) }

func (h *RunHeader) linksPtr() *Links { return &h.On }
func (h *RunHeader) tagPtr() *Tag     { return &h.Tag }
func (h *RunHeader) flush()           { Flush(h) }

func (h *HugeHeader) linksPtr() *Links { return &h.On }
func (h *HugeHeader) tagPtr() *Tag     { return &h.Tag }
func (h *HugeHeader) flush()           { Flush(h) }

// Deref turns a relative offset back into a live pointer to the
// RelPtr-sized word at that offset within base. Exported so
// internal/arena and internal/recovery can run the same splice-target
// write §4.6 describes without duplicating the unsafe cast: every link
// target named by a caller, or recovered from an on[] record, is itself
// a RelPtr word living somewhere in the mapped region.
func Deref(base []byte, at RelPtr) *RelPtr {
	return (*RelPtr)(unsafe.Pointer(&base[at]))
}

// SpliceActivate runs the activate half of §4.6's four-step protocol:
// write the link-restoration records, fence, flip to ACTIVATING, write
// and persist the spliced pointers, fence, flip to INITIALIZED, clear
// the records.
//
// link1/link2 are base-relative offsets (RelPtr) of the destination words;
// val1/val2 are the relative values to store there. A zero link1 means
// "no linkage requested" and the whole splice collapses to a plain tag
// flip.
func SpliceActivate(base []byte, h Spliced, usage Usage, link1 RelPtr, val1 RelPtr, link2 RelPtr, val2 RelPtr) {
	tag := h.tagPtr()
	links := h.linksPtr()

	if link1 != 0 {
		links[0] = LinkRecord{Ptr: link1, Value: val1}
		if link2 != 0 {
			links[1] = LinkRecord{Ptr: link2, Value: val2}
		}

		Fence()
		tag.Word = Pack(usage, StateActivating)
		Fence()

		*Deref(base, link1) = val1
		FlushRange(base[link1 : link1+8])
		if link2 != 0 {
			*Deref(base, link2) = val2
			FlushRange(base[link2 : link2+8])
		}

		Fence()
	}

	tag.Word = Pack(usage, StateInitialized)
	Fence()
	links.Clear()
	h.flush()
	Fence()
}

// SpliceFree runs the mirror-image free half of §4.6: write the
// link-restoration records, fence, flip to FREEING, write and persist
// the spliced pointers, fence, flip to the object's terminal free tag
// (FREE for blocks/huge, INITIALIZED for runs, via finalUsage), clear
// the records.
func SpliceFree(base []byte, h Spliced, freeingUsage, finalUsage Usage, link1 RelPtr, val1 RelPtr, link2 RelPtr, val2 RelPtr) {
	tag := h.tagPtr()
	links := h.linksPtr()

	if link1 != 0 {
		links[0] = LinkRecord{Ptr: link1, Value: val1}
		if link2 != 0 {
			links[1] = LinkRecord{Ptr: link2, Value: val2}
		}

		Fence()
		tag.Word = Pack(freeingUsage, StateFreeing)
		Fence()

		*Deref(base, link1) = val1
		FlushRange(base[link1 : link1+8])
		if link2 != 0 {
			*Deref(base, link2) = val2
			FlushRange(base[link2 : link2+8])
		}

		Fence()
	}

	tag.Word = Pack(finalUsage, StateInitialized)
	Fence()
	links.Clear()
	h.flush()
	Fence()
}
