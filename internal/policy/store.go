package policy

import (
	"fmt"
	"sync/atomic"

	"github.com/mlevins/cleargate/internal/model"
)

// Store holds the active policy Set behind a single swappable reference.
// Readers capture one snapshot per decision and keep it for the whole
// evaluation; Reload replaces the reference atomically, so a reader
// never observes a half-updated set.
type Store struct {
	active atomic.Pointer[Set]
}

// NewStore creates a Store with the given initial set.
func NewStore(initial *Set) *Store {
	s := &Store{}
	s.active.Store(initial)
	return s
}

// Snapshot returns the currently active Set. The returned Set is
// immutable and remains valid after any number of subsequent reloads.
func (s *Store) Snapshot() *Set {
	return s.active.Load()
}

// Version returns the version of the currently active Set.
func (s *Store) Version() int {
	return s.active.Load().Version
}

// Reload parses and validates the policy file at path, then swaps it in
// as the active Set. On any failure the previously active Set stays in
// place untouched. Versions must strictly increase across reloads.
//
// The swap is a compare-and-swap loop: the version check and the swap
// are validated against the same observed Set, so two reloads racing
// (the HTTP endpoint against the file watcher) cannot regress the
// active version.
func (s *Store) Reload(path string) error {
	next, err := Load(path)
	if err != nil {
		return err
	}

	for {
		cur := s.active.Load()
		if next.Version <= cur.Version && next.SourceHash != cur.SourceHash {
			return fmt.Errorf("%w: version %d does not advance active version %d",
				model.ErrPolicyReloadRejected, next.Version, cur.Version)
		}
		if s.active.CompareAndSwap(cur, next) {
			return nil
		}
	}
}
