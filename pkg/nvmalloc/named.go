package nvmalloc

import (
	"fmt"

	"github.com/IMCG/nvm-malloc/internal/persist"
)

// ReserveNamed reserves n bytes and a slot for id in one call, failing
// with ErrDuplicateName if id is already live or is held by an earlier
// ReserveNamed not yet activated, and with an error wrapping
// ErrExhausted if the object table has no free slot. Two concurrent
// calls for the same id can both pass the check before either records
// its reservation. The returned Ptr is in the same
// reserved-not-activated state Reserve leaves a plain allocation in;
// ActivateNamed must be called before id is visible to GetNamed.
func (s *Store) ReserveNamed(id string, n int) (Ptr, error) {
	if _, ok := s.objtable.Get(id); ok {
		return 0, ErrDuplicateName
	}
	if _, ok := s.pending.Load(id); ok {
		return 0, ErrDuplicateName
	}

	p, err := s.Reserve(n)
	if err != nil {
		return 0, err
	}

	entry, err := s.objtable.Reserve(id, persist.RelPtr(p))
	if err != nil {
		// The data allocation above is left reserved and never
		// activated: this package has no call that cancels a
		// reservation.
		if _, ok := s.objtable.Get(id); ok {
			return 0, ErrDuplicateName
		}
		return 0, wrapExhausted("reserve named", err)
	}

	s.pending.Store(id, entry)

	return p, nil
}

// ActivateNamed finishes the three-step named-object protocol of §4.5
// for a name previously passed to ReserveNamed: persist the object
// table slot as INITIALIZING, activate the underlying data allocation,
// then flip the slot to INITIALIZED and index it for GetNamed.
func (s *Store) ActivateNamed(id string) error {
	entry, ok := s.pending.Load(id)
	if !ok {
		return fmt.Errorf("nvmalloc: activate %q: %w", id, ErrNotFound)
	}

	finish := s.objtable.Activate(entry)

	if err := s.Activate(Ptr(entry.Ptr)); err != nil {
		return err
	}

	finish()

	s.pending.Delete(id)

	return nil
}

// GetNamed returns the live address bound to id, if any.
func (s *Store) GetNamed(id string) (Ptr, bool) {
	entry, ok := s.objtable.Get(id)
	if !ok {
		return 0, false
	}
	return Ptr(entry.Ptr), true
}

// FreeNamed releases the allocation named id and its object-table
// slot, in the FREEING-then-remove order §4.5 requires: the slot is
// marked FREEING (so a crash mid-free is recognized as "this name's
// data is going away, not live") before the underlying allocation is
// actually freed.
func (s *Store) FreeNamed(id string) error {
	entry, ok := s.objtable.Get(id)
	if !ok {
		return fmt.Errorf("nvmalloc: free %q: %w", id, ErrNotFound)
	}

	s.objtable.BeginFree(entry)

	if err := s.Free(Ptr(entry.Ptr)); err != nil {
		return err
	}

	s.objtable.Remove(entry)
	return nil
}
