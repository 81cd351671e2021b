// Package classpath resolves classes over a pinned snapshot of locations and
// builds method graphs for them.
package classpath

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/DeusData/classpath-memory-mcp/internal/cfg"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/registry"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
	"github.com/DeusData/classpath-memory-mcp/internal/vfs"
)

var (
	// ErrClosed is returned by every operation on a closed classpath.
	ErrClosed = errors.New("classpath is closed")
	// ErrFeatureMissing is returned by queries whose feature is not enabled
	// on the classpath or not installed in the database.
	ErrFeatureMissing = errors.New("feature not enabled")
)

// Host is the database a classpath reads from.
type Host interface {
	Store() *store.Store
	VFS() *vfs.VFS
	// IsInstalled reports whether an indexing feature is bound.
	IsInstalled(name string) bool
	// Pin takes a new snapshot of the given locations.
	Pin(locs []*location.Registered) (*registry.Snapshot, error)
	// Alive returns a non-nil error once the host is closed.
	Alive() error
}

// Classpath is an immutable view over a fixed, ordered set of locations.
// It is safe for concurrent use.
type Classpath struct {
	ID uuid.UUID

	host     Host
	snapshot *registry.Snapshot
	features []Feature

	classes *lru.Cache[string, *Class]
	graphs  *lru.Cache[string, *cfg.Graph]
	loads   singleflight.Group

	mu     sync.RWMutex
	closed bool
}

// New wraps a pinned snapshot. The classpath owns snap and releases it on
// Close.
func New(host Host, snap *registry.Snapshot, features []Feature) (*Classpath, error) {
	cp := &Classpath{
		ID:       uuid.New(),
		host:     host,
		snapshot: snap,
		features: slices.Clone(features),
	}
	if f, ok := cp.feature(ClassCache); ok {
		f = Cache(f.Classes, f.Graphs)
		var err error
		if cp.classes, err = lru.New[string, *Class](f.Classes); err != nil {
			return nil, fmt.Errorf("class cache: %w", err)
		}
		if cp.graphs, err = lru.New[string, *cfg.Graph](f.Graphs); err != nil {
			return nil, fmt.Errorf("graph cache: %w", err)
		}
	}
	slog.Debug("classpath.open", "id", cp.ID, "locations", len(snap.IDs()), "features", len(cp.features))
	return cp, nil
}

func (cp *Classpath) feature(kind FeatureKind) (Feature, bool) {
	for _, f := range cp.features {
		if f.Kind == kind {
			return f, true
		}
	}
	return Feature{}, false
}

// Has reports whether the feature kind is enabled.
func (cp *Classpath) Has(kind FeatureKind) bool {
	_, ok := cp.feature(kind)
	return ok
}

// Features returns the enabled features in order.
func (cp *Classpath) Features() []Feature { return slices.Clone(cp.features) }

// Locations returns the pinned locations in lookup order.
func (cp *Classpath) Locations() []*location.Registered { return cp.snapshot.Locations() }

func (cp *Classpath) alive() error {
	cp.mu.RLock()
	closed := cp.closed
	cp.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return cp.host.Alive()
}

// FindClassOrNil resolves a class by dotted name. A miss returns (nil, nil).
func (cp *Classpath) FindClassOrNil(name string) (*Class, error) {
	if err := cp.alive(); err != nil {
		return nil, err
	}
	if cp.classes != nil {
		if c, ok := cp.classes.Get(name); ok {
			return c, nil
		}
	}
	v, err, _ := cp.loads.Do(name, func() (any, error) {
		if cp.classes != nil {
			if c, ok := cp.classes.Get(name); ok {
				return c, nil
			}
		}
		c, err := cp.load(name)
		if err != nil || c == nil {
			return c, err
		}
		if cp.classes != nil {
			cp.classes.Add(name, c)
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("find class %s: %w", name, err)
	}
	c, _ := v.(*Class)
	return c, nil
}

// load resolves a class from the shared symbol cache first and falls back
// to persisted bytecode, honouring location order.
func (cp *Classpath) load(name string) (*Class, error) {
	ids := cp.snapshot.IDs()
	src, ok := cp.host.VFS().Find(name, ids)
	if !ok {
		found, err := cp.host.Store().FindClassBytecode(name, ids)
		if err != nil {
			return nil, err
		}
		for _, loc := range cp.snapshot.Locations() {
			if code, ok := found[loc.ID]; ok {
				src = location.NewClassSource(loc, name, code)
				break
			}
		}
	}
	if src == nil {
		return nil, nil
	}
	cf, err := src.Node()
	if err != nil {
		return nil, err
	}
	return newClass(cf, src.Location, cp.Has(SourceMetadata)), nil
}

// FindClass resolves a class by dotted name or fails with a NotFoundError.
func (cp *Classpath) FindClass(name string) (*Class, error) {
	c, err := cp.FindClassOrNil(name)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &NotFoundError{Kind: "class", Name: name}
	}
	return c, nil
}

// FindMethod resolves owner.name with the given descriptor, searching
// superclasses and then superinterfaces.
func (cp *Classpath) FindMethod(owner, name, desc string) (*Method, error) {
	m, err := cp.resolveMethod(owner, name, desc)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &NotFoundError{Kind: "method", Name: owner + "." + name + desc}
	}
	return m, nil
}

// FindField resolves owner.name, searching superclasses and interfaces.
func (cp *Classpath) FindField(owner, name string) (*Field, error) {
	f, err := cp.resolveField(owner, name)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, &NotFoundError{Kind: "field", Name: owner + "." + name}
	}
	return f, nil
}

// ClassNames lists class names matching a glob pattern.
func (cp *Classpath) ClassNames(pattern string, limit int) ([]string, error) {
	if err := cp.alive(); err != nil {
		return nil, err
	}
	return cp.host.Store().ClassNames(cp.snapshot.IDs(), pattern, limit)
}

// FlowGraph returns the validated instruction graph of m.
func (cp *Classpath) FlowGraph(m *Method) (*cfg.Graph, error) {
	if err := cp.alive(); err != nil {
		return nil, err
	}
	if !cp.Has(MethodInstructions) {
		return nil, fmt.Errorf("flow graph of %s: %s: %w", m, MethodInstructions, ErrFeatureMissing)
	}
	key := m.String()
	if cp.graphs != nil {
		if g, ok := cp.graphs.Get(key); ok {
			return g, nil
		}
	}
	g, err := cfg.Build(m.raw, m.Class.Name)
	if err != nil {
		return nil, err
	}
	if cp.graphs != nil {
		cp.graphs.Add(key, g)
	}
	return g, nil
}

// BlockGraph returns the validated basic-block graph of m.
func (cp *Classpath) BlockGraph(m *Method) (*cfg.BlockGraph, error) {
	g, err := cp.FlowGraph(m)
	if err != nil {
		return nil, err
	}
	bg := g.Blocks()
	if err := bg.Check(); err != nil {
		return nil, &cfg.GraphError{Method: m.String(), Cause: err}
	}
	return bg, nil
}

// New returns a fresh classpath over the same locations and features.
func (cp *Classpath) New() (*Classpath, error) {
	if err := cp.alive(); err != nil {
		return nil, err
	}
	snap, err := cp.host.Pin(cp.snapshot.Locations())
	if err != nil {
		return nil, fmt.Errorf("clone classpath: %w", err)
	}
	clone, err := New(cp.host, snap, cp.features)
	if err != nil {
		snap.Close()
		return nil, err
	}
	return clone, nil
}

// Close releases the location pins. It is safe to call more than once.
func (cp *Classpath) Close() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.closed = true
	cp.mu.Unlock()
	cp.snapshot.Close()
	if cp.classes != nil {
		cp.classes.Purge()
		cp.graphs.Purge()
	}
	slog.Debug("classpath.close", "id", cp.ID)
}

func (cp *Classpath) requireIndex(kind FeatureKind, installed string) error {
	if !cp.Has(kind) {
		return fmt.Errorf("%s: %w", kind, ErrFeatureMissing)
	}
	if !cp.host.IsInstalled(installed) {
		return fmt.Errorf("indexing feature %s not installed: %w", installed, ErrFeatureMissing)
	}
	return nil
}

