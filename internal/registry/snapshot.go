package registry

import (
	"fmt"
	"sync"

	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
)

// Snapshot pins a fixed list of locations until Close.
type Snapshot struct {
	r         *Registry
	locations []*location.Registered
	ids       []int64
	once      sync.Once
}

// NewSnapshot pins locs, deduplicated by id in the given order. It fails with
// ErrStaleLocation when any location is outdated or unknown.
func (r *Registry) NewSnapshot(locs []*location.Registered) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	s := &Snapshot{r: r}
	seen := make(map[int64]bool, len(locs))
	for _, l := range locs {
		if seen[l.ID] {
			continue
		}
		e, ok := r.entries[l.ID]
		if !ok || e.state == store.StateOutdated {
			return nil, fmt.Errorf("%s: %w", l, ErrStaleLocation)
		}
		seen[l.ID] = true
		s.locations = append(s.locations, e.loc)
		s.ids = append(s.ids, l.ID)
	}
	for _, id := range s.ids {
		r.entries[id].refs++
	}
	return s, nil
}

// Locations returns the pinned locations. The slice must not be modified.
func (s *Snapshot) Locations() []*location.Registered { return s.locations }

// IDs returns the pinned location ids in snapshot order.
func (s *Snapshot) IDs() []int64 { return s.ids }

// Close releases the pins. It is safe to call more than once.
func (s *Snapshot) Close() {
	s.once.Do(func() {
		s.r.mu.Lock()
		defer s.r.mu.Unlock()
		for _, id := range s.ids {
			if e, ok := s.r.entries[id]; ok && e.refs > 0 {
				e.refs--
			}
		}
	})
}
