// Package vfs is the in-memory class symbol cache shared by every classpath of
// one database. Classes are held per location; each location's table is
// replaced wholesale, so readers see either the old or the new table.
package vfs

import (
	"strings"
	"sync"

	"github.com/DeusData/classpath-memory-mcp/internal/location"
)

type table map[string]*location.ClassSource

// VFS maps location id -> class name -> source.
type VFS struct {
	mu     sync.RWMutex
	tables map[int64]table
	closed bool
}

// New returns an empty cache.
func New() *VFS {
	return &VFS{tables: make(map[int64]table)}
}

// AddLocation publishes the classes of one location, replacing any earlier
// table for it. The first source wins when a name repeats.
func (v *VFS) AddLocation(loc *location.Registered, sources []*location.ClassSource) {
	t := make(table, len(sources))
	for _, s := range sources {
		if _, dup := t[s.Name]; !dup {
			t[s.Name] = s
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.tables[loc.ID] = t
}

// RemoveLocations drops the in-memory classes of the given locations, except
// those whose name starts with one of keepPrefixes. A location left without
// classes is forgotten entirely.
func (v *VFS) RemoveLocations(locs []*location.Registered, keepPrefixes []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, loc := range locs {
		old, ok := v.tables[loc.ID]
		if !ok {
			continue
		}
		kept := table{}
		if len(keepPrefixes) > 0 {
			for name, s := range old {
				if hasAnyPrefix(name, keepPrefixes) {
					kept[name] = s
				}
			}
		}
		if len(kept) == 0 {
			delete(v.tables, loc.ID)
			continue
		}
		v.tables[loc.ID] = kept
	}
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Find returns the source of name from the first of locationIDs that holds it.
func (v *VFS) Find(name string, locationIDs []int64) (*location.ClassSource, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, id := range locationIDs {
		if s, ok := v.tables[id][name]; ok {
			return s, true
		}
	}
	return nil, false
}

// Len returns how many classes are cached for a location.
func (v *VFS) Len(locationID int64) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.tables[locationID])
}

// Close releases every table. Later additions are ignored.
func (v *VFS) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.tables = make(map[int64]table)
}
