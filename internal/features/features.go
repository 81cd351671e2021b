// Package features runs pluggable indexers over newly discovered classes and
// delivers lifecycle signals to them.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
)

// SignalKind enumerates lifecycle events.
type SignalKind int

const (
	BeforeIndexing SignalKind = iota
	AfterIndexing
	Drop
	Closed
	LocationRemoved
)

func (k SignalKind) String() string {
	switch k {
	case BeforeIndexing:
		return "before_indexing"
	case AfterIndexing:
		return "after_indexing"
	case Drop:
		return "drop"
	case Closed:
		return "closed"
	case LocationRemoved:
		return "location_removed"
	}
	return fmt.Sprintf("signal(%d)", int(k))
}

// Signal is a lifecycle event. ClearOnStart is set on BeforeIndexing when the
// database starts from scratch; Location is set on LocationRemoved.
type Signal struct {
	Kind         SignalKind
	ClearOnStart bool
	Location     *location.Registered
}

// Feature contributes derived, persisted facts about classes.
type Feature interface {
	Name() string
	// Setup creates the feature's tables. It runs once when the feature is bound.
	Setup(st *store.Store) error
	// NewIndexer returns a fresh accumulator for one location.
	NewIndexer(loc *location.Registered) Indexer
	OnSignal(st *store.Store, sig Signal) error
}

// Indexer accumulates facts for one location. Index is called sequentially
// for each class of the location; Flush writes the result inside a
// transaction and must replace any earlier result for the same location.
type Indexer interface {
	Index(cf *classfile.ClassFile) error
	Flush(tx *store.Store) error
}

// Registry holds the bound features in registration order.
type Registry struct {
	st       *store.Store
	mu       sync.RWMutex
	features []Feature
}

// NewRegistry returns an empty registry writing to st.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{st: st}
}

// Bind sets up and registers features. Binding a name twice is a no-op.
func (r *Registry) Bind(fs ...Feature) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range fs {
		if r.indexOf(f.Name()) >= 0 {
			continue
		}
		if err := f.Setup(r.st); err != nil {
			return fmt.Errorf("setup feature %s: %w", f.Name(), err)
		}
		r.features = append(r.features, f)
	}
	return nil
}

func (r *Registry) indexOf(name string) int {
	for i, f := range r.features {
		if f.Name() == name {
			return i
		}
	}
	return -1
}

// Has reports whether a feature with the given name is bound.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexOf(name) >= 0
}

// Get returns the bound feature with the given name.
func (r *Registry) Get(name string) (Feature, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(name); i >= 0 {
		return r.features[i], true
	}
	return nil, false
}

// Features returns a copy of the bound features in registration order.
func (r *Registry) Features() []Feature {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Feature(nil), r.features...)
}

// ForEach calls fn for every bound feature in registration order.
func (r *Registry) ForEach(fn func(Feature)) {
	for _, f := range r.Features() {
		fn(f)
	}
}

// Index feeds every class of a location through a fresh indexer per feature
// and flushes each feature in its own transaction, so one feature's failure
// leaves the others' committed data intact. Classes that fail to decode are
// skipped with a warning.
func (r *Registry) Index(ctx context.Context, loc *location.Registered, sources []*location.ClassSource) error {
	fs := r.Features()
	if len(fs) == 0 {
		return nil
	}
	start := time.Now()
	indexers := make([]Indexer, len(fs))
	for i, f := range fs {
		indexers[i] = f.NewIndexer(loc)
	}
	failed := make([]error, len(fs))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		node, err := src.Node()
		if err != nil {
			slog.Warn("features.index.class.err", "location", loc.Path(), "class", src.Name, "err", err)
			continue
		}
		for i, ix := range indexers {
			if failed[i] != nil {
				continue
			}
			if err := ix.Index(node); err != nil {
				failed[i] = fmt.Errorf("feature %s: index %s: %w", fs[i].Name(), src.Name, err)
			}
		}
	}

	var errs []error
	for i, ix := range indexers {
		if failed[i] != nil {
			errs = append(errs, failed[i])
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.st.WithTransaction(ix.Flush); err != nil {
			errs = append(errs, fmt.Errorf("feature %s: flush: %w", fs[i].Name(), err))
		}
	}
	slog.Debug("features.index", "location", loc.Path(), "classes", len(sources), "features", len(fs), "elapsed", time.Since(start))
	return errors.Join(errs...)
}

// Broadcast delivers sig to every feature synchronously in registration order.
func (r *Registry) Broadcast(sig Signal) error {
	var errs []error
	for _, f := range r.Features() {
		if err := f.OnSignal(r.st, sig); err != nil {
			errs = append(errs, fmt.Errorf("feature %s: %s: %w", f.Name(), sig.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// Builtin returns a new instance of a built-in feature by name.
func Builtin(name string) (Feature, bool) {
	switch name {
	case HierarchyName:
		return NewHierarchy(), true
	case UsagesName:
		return NewUsages(), true
	}
	return nil, false
}

// BuiltinNames lists the built-in indexing features.
func BuiltinNames() []string {
	return []string{HierarchyName, UsagesName}
}
