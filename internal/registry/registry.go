// Package registry tracks the set of registered locations, persists their
// lifecycle state and pins them for the lifetime of classpath snapshots.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/DeusData/classpath-memory-mcp/internal/features"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("locations registry is closed")
	// ErrStaleLocation is returned when a snapshot is requested for a
	// location that is outdated or unknown to the registry.
	ErrStaleLocation = errors.New("location is outdated or not registered")
)

// RegisterResult is the outcome of registering a batch of locations.
type RegisterResult struct {
	// New holds locations seen for the first time, pending processing.
	New []*location.Registered
	// Registered is the full resulting set in request order, duplicates
	// collapsed by identity.
	Registered []*location.Registered
}

// RefreshResult is the outcome of re-reading registered locations from disk.
type RefreshResult struct {
	New      []*location.Registered
	Outdated []*location.Registered
}

type entry struct {
	loc   *location.Registered
	state string
	refs  int
}

// Registry is the single source of truth for which locations are valid.
type Registry struct {
	st       *store.Store
	features *features.Registry

	mu         sync.Mutex
	entries    map[int64]*entry
	byIdentity map[location.Identity]int64
	closed     bool
}

// New returns an empty registry backed by st. Removal signals are delivered
// through fr.
func New(st *store.Store, fr *features.Registry) *Registry {
	return &Registry{
		st:         st,
		features:   fr,
		entries:    make(map[int64]*entry),
		byIdentity: make(map[location.Identity]int64),
	}
}

// Restore loads the locations persisted by an earlier session.
func (r *Registry) Restore() error {
	rows, err := r.st.ListLocations()
	if err != nil {
		return fmt.Errorf("restore locations: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for _, row := range rows {
		loc := location.Restore(row.Path, location.Kind(row.Kind), row.Fingerprint, row.Runtime)
		reg := &location.Registered{ID: row.ID, Location: loc}
		r.entries[row.ID] = &entry{loc: reg, state: row.State}
		if row.State != store.StateOutdated {
			r.byIdentity[reg.Identity()] = row.ID
		}
	}
	slog.Info("registry.restore", "locations", len(rows))
	return nil
}

// Setup registers the runtime locations. Previously registered runtime
// locations absent from runtime are marked outdated.
func (r *Registry) Setup(runtime []location.Location) (RegisterResult, error) {
	keep := make(map[location.Identity]bool, len(runtime))
	for _, l := range runtime {
		keep[location.IdentityOf(l)] = true
	}
	r.mu.Lock()
	var stale []int64
	for id, e := range r.entries {
		if e.loc.IsRuntime() && e.state != store.StateOutdated && !keep[e.loc.Identity()] {
			stale = append(stale, id)
		}
	}
	err := r.markOutdatedLocked(stale)
	r.mu.Unlock()
	if err != nil {
		return RegisterResult{}, err
	}
	return r.RegisterIfNeeded(runtime)
}

// RegisterIfNeeded registers locations not yet known by identity. Concurrent
// callers registering the same identity observe exactly one New entry.
func (r *Registry) RegisterIfNeeded(locs []location.Location) (RegisterResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return RegisterResult{}, ErrClosed
	}
	var res RegisterResult
	seen := make(map[int64]bool, len(locs))
	for _, l := range locs {
		reg, created, err := r.registerLocked(l)
		if err != nil {
			return res, err
		}
		if seen[reg.ID] {
			continue
		}
		seen[reg.ID] = true
		if created {
			res.New = append(res.New, reg)
		}
		res.Registered = append(res.Registered, reg)
	}
	if len(res.New) > 0 {
		slog.Info("registry.register", "new", len(res.New), "registered", len(res.Registered))
	}
	return res, nil
}

func (r *Registry) registerLocked(l location.Location) (*location.Registered, bool, error) {
	id := location.IdentityOf(l)
	if existing, ok := r.byIdentity[id]; ok {
		return r.entries[existing].loc, false, nil
	}
	rowID, _, err := r.st.InsertLocation(l.Path(), l.Fingerprint(), string(l.Kind()), l.IsRuntime())
	if err != nil {
		return nil, false, fmt.Errorf("register %s: %w", l.Path(), err)
	}
	reg := &location.Registered{ID: rowID, Location: l}
	r.entries[rowID] = &entry{loc: reg, state: store.StateRegistered}
	r.byIdentity[id] = rowID
	return reg, true, nil
}

func (r *Registry) markOutdatedLocked(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.st.SetLocationState(store.StateOutdated, ids...); err != nil {
		return err
	}
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		e.state = store.StateOutdated
		if r.byIdentity[e.loc.Identity()] == id {
			delete(r.byIdentity, e.loc.Identity())
		}
	}
	return nil
}

// Refresh re-reads every live location from disk. Locations whose content
// changed or vanished become outdated; changed ones are registered again
// under their new fingerprint and returned in New.
func (r *Registry) Refresh() (RefreshResult, error) {
	live := r.ActualLocations()
	var (
		res      RefreshResult
		outdated []int64
		fresh    []location.Location
	)
	for _, reg := range live {
		next, exists, err := reg.Refreshed()
		if err != nil {
			slog.Warn("registry.refresh.err", "location", reg.Path(), "err", err)
			continue
		}
		if exists && next.Fingerprint() == reg.Fingerprint() {
			continue
		}
		outdated = append(outdated, reg.ID)
		res.Outdated = append(res.Outdated, reg)
		if exists {
			fresh = append(fresh, next)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return RefreshResult{}, ErrClosed
	}
	err := r.markOutdatedLocked(outdated)
	r.mu.Unlock()
	if err != nil {
		return RefreshResult{}, err
	}

	reg, err := r.RegisterIfNeeded(fresh)
	if err != nil {
		return RefreshResult{}, err
	}
	res.New = reg.New
	if len(res.Outdated) > 0 {
		slog.Info("registry.refresh", "outdated", len(res.Outdated), "new", len(res.New))
	}
	return res, nil
}

// Cleanup drops outdated locations that no snapshot references: their rows
// are deleted and LocationRemoved is broadcast for each. It returns the
// locations actually dropped.
func (r *Registry) Cleanup() ([]*location.Registered, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	var dropped []*location.Registered
	for id, e := range r.entries {
		if e.state == store.StateOutdated && e.refs == 0 {
			dropped = append(dropped, e.loc)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	sort.Slice(dropped, func(i, j int) bool { return dropped[i].ID < dropped[j].ID })
	var errs []error
	for _, loc := range dropped {
		if err := r.st.DeleteLocation(loc.ID); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", loc, err))
			continue
		}
		if err := r.features.Broadcast(features.Signal{Kind: features.LocationRemoved, Location: loc}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(dropped) > 0 {
		slog.Info("registry.cleanup", "dropped", len(dropped))
	}
	return dropped, errors.Join(errs...)
}

// AfterProcessing marks locations as fully persisted and indexed. Locations
// outdated in the meantime are left alone.
func (r *Registry) AfterProcessing(locs []*location.Registered) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	var ids []int64
	for _, l := range locs {
		if e, ok := r.entries[l.ID]; ok && e.state == store.StateRegistered {
			ids = append(ids, l.ID)
		}
	}
	if err := r.st.SetLocationState(store.StateIndexed, ids...); err != nil {
		return err
	}
	for _, id := range ids {
		r.entries[id].state = store.StateIndexed
	}
	return nil
}

// State returns the lifecycle state of a location, or "" when unknown.
func (r *Registry) State(id int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.state
	}
	return ""
}

// Refs returns how many live snapshots pin the location.
func (r *Registry) Refs(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.refs
	}
	return 0
}

func (r *Registry) collect(match func(*entry) bool) []*location.Registered {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*location.Registered
	for _, e := range r.entries {
		if match(e) {
			out = append(out, e.loc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActualLocations returns every location that is not outdated, ordered by id.
func (r *Registry) ActualLocations() []*location.Registered {
	return r.collect(func(e *entry) bool { return e.state != store.StateOutdated })
}

// IndexedLocations returns the locations marked by AfterProcessing.
func (r *Registry) IndexedLocations() []*location.Registered {
	return r.collect(func(e *entry) bool { return e.state == store.StateIndexed })
}

// RuntimeLocations returns the live runtime locations.
func (r *Registry) RuntimeLocations() []*location.Registered {
	return r.collect(func(e *entry) bool { return e.state != store.StateOutdated && e.loc.IsRuntime() })
}

// Pending returns live locations registered but never fully processed, for
// example after a crash mid-indexing.
func (r *Registry) Pending() []*location.Registered {
	return r.collect(func(e *entry) bool { return e.state == store.StateRegistered })
}

// Close invalidates the registry. Snapshots may still be closed afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
