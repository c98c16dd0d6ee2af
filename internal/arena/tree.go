package arena

import (
	"sort"

	"github.com/IMCG/nvm-malloc/internal/persist"
)

// pageRun is one entry in an arena's free-page-run index: a span of
// nPages free blocks starting at off.
type pageRun struct {
	off    persist.RelPtr
	nPages uint32
}

// pageRunTree is the "tree keyed by n_pages" of §4.2, realized as an
// ordered slice kept sorted by (nPages, off). No ordered-map or B-tree
// library appears anywhere in the retrieved corpus (see DESIGN.md), so
// this is the justified stdlib-only part of the arena: sort.Search
// gives the same upper-bound-by-size query the original's intrusive
// red-black tree does, at the cost of O(n) insert/delete instead of
// O(log n) — acceptable since the number of distinct free runs per
// arena is small relative to the number of allocations.
type pageRunTree struct {
	runs []pageRun
}

func (t *pageRunTree) less(a, b pageRun) bool {
	if a.nPages != b.nPages {
		return a.nPages < b.nPages
	}
	return a.off < b.off
}

// insert adds r to the tree, keeping runs sorted.
func (t *pageRunTree) insert(r pageRun) {
	i := sort.Search(len(t.runs), func(i int) bool { return !t.less(t.runs[i], r) })
	t.runs = append(t.runs, pageRun{})
	copy(t.runs[i+1:], t.runs[i:])
	t.runs[i] = r
}

// upperBound returns the smallest free run with nPages >= req, removing
// it from the tree. ok is false if no run is large enough.
func (t *pageRunTree) upperBound(req uint32) (r pageRun, ok bool) {
	i := sort.Search(len(t.runs), func(i int) bool { return t.runs[i].nPages >= req })
	if i == len(t.runs) {
		return pageRun{}, false
	}
	r = t.runs[i]
	t.runs = append(t.runs[:i], t.runs[i+1:]...)
	return r, true
}
