// Package classdb is the database orchestrator: it registers bytecode
// locations, parses them into the shared symbol cache, persists and indexes
// them in background jobs and hands out classpaths over consistent
// snapshots.
package classdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
	"github.com/DeusData/classpath-memory-mcp/internal/discover"
	"github.com/DeusData/classpath-memory-mcp/internal/features"
	"github.com/DeusData/classpath-memory-mcp/internal/jobs"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/registry"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
	"github.com/DeusData/classpath-memory-mcp/internal/vfs"
)

// Hook observes the database lifecycle. Either function may be nil.
type Hook struct {
	AfterStart func(ctx context.Context, db *Database) error
	AfterStop  func()
}

// Settings configure a database.
type Settings struct {
	// JRE is the Java home whose runtime classes are always on the classpath.
	// Empty means no runtime locations.
	JRE string
	// Predefined jars and class directories loaded on start. Missing paths
	// are skipped.
	Predefined []string
	// Persistence is the SQLite file; empty keeps everything in memory.
	Persistence string
	// Driver selects store.DriverModernc (default) or store.DriverCGO.
	Driver string
	// ClearOnStart wipes persisted locations before restoring.
	ClearOnStart bool
	// Features are the indexing features bound on open.
	Features []features.Feature
	// Cache is the class cache appended to classpaths that bring none.
	Cache classpath.Feature
	// KeepInMemory lists class name prefixes kept in the symbol cache after
	// their location is persisted.
	KeepInMemory []string
	// Workers bounds parallel location parsing. Zero means one per CPU.
	Workers int
	// WatchInterval is the polling tick of WatchFileSystemChanges.
	WatchInterval time.Duration
	// WatchRate caps refreshes per second triggered by the watcher. Zero
	// means unlimited.
	WatchRate float64
	Hooks     []Hook
}

func (s Settings) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return runtime.NumCPU()
}

// Database owns the persistence handle, the location registry, the indexing
// features and the shared symbol cache.
type Database struct {
	settings Settings

	st       *store.Store
	features *features.Registry
	registry *registry.Registry
	vfs      *vfs.VFS
	jobs     *jobs.Group

	runtimeVersion string

	// maintenance serializes registration with Refresh and RebuildFeatures
	// so a rebuild never overlaps the background job of a concurrent load.
	maintenance sync.Mutex

	inflightMu sync.Mutex
	inflight   map[int64]chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// Open creates a database and runs its start sequence.
func Open(ctx context.Context, s Settings) (*Database, error) {
	db, err := New(s)
	if err != nil {
		return nil, err
	}
	if err := db.Restore(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// New opens persistence and binds the indexing features without loading
// anything. Call Restore before use.
func New(s Settings) (*Database, error) {
	if s.Cache.Kind == classpath.ClassCache {
		s.Cache = classpath.Cache(s.Cache.Classes, s.Cache.Graphs)
	} else {
		s.Cache = classpath.Cache(0, 0)
	}
	var (
		st  *store.Store
		err error
	)
	if s.Persistence == "" {
		st, err = store.OpenMemory()
	} else {
		st, err = store.OpenWith(s.Driver, s.Persistence)
	}
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}
	fr := features.NewRegistry(st)
	if err := fr.Bind(s.Features...); err != nil {
		st.Close()
		return nil, err
	}
	return &Database{
		settings: s,
		st:       st,
		features: fr,
		registry: registry.New(st, fr),
		vfs:      vfs.New(),
		jobs:     jobs.NewGroup(context.Background()),
		inflight: make(map[int64]chan struct{}),
	}, nil
}

// Restore runs the start sequence: persistence setup, cleanup of locations
// left outdated by an earlier session, runtime locations (without
// persistence indexes), unfinished and predefined locations (with indexes)
// and finally the AfterStart hooks.
func (db *Database) Restore(ctx context.Context) error {
	if err := db.alive(); err != nil {
		return err
	}
	start := time.Now()
	if err := db.st.Setup(); err != nil {
		return fmt.Errorf("persistence setup: %w", err)
	}
	if db.settings.ClearOnStart {
		if err := db.clear(); err != nil {
			return err
		}
	}
	if err := db.features.Broadcast(features.Signal{Kind: features.BeforeIndexing, ClearOnStart: db.settings.ClearOnStart}); err != nil {
		return err
	}
	if err := db.registry.Restore(); err != nil {
		return err
	}
	if _, err := db.registry.Cleanup(); err != nil {
		return err
	}

	var errs []error
	if db.settings.JRE != "" {
		if err := db.setupRuntime(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if pending := db.registry.Pending(); len(pending) > 0 {
		slog.Info("classdb.restore.pending", "locations", len(pending))
		if _, err := db.process(ctx, pending, true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.Load(ctx, db.settings.Predefined); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	for _, h := range db.settings.Hooks {
		if h.AfterStart == nil {
			continue
		}
		if err := h.AfterStart(ctx, db); err != nil {
			return fmt.Errorf("after start hook: %w", err)
		}
	}
	slog.Info("classdb.restore.done", "locations", len(db.registry.ActualLocations()), "elapsed", time.Since(start))
	return nil
}

func (db *Database) clear() error {
	rows, err := db.st.ListLocations()
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := db.st.DeleteLocation(row.ID); err != nil {
			return fmt.Errorf("clear location %s: %w", row.Path, err)
		}
	}
	slog.Info("classdb.clear", "locations", len(rows))
	return nil
}

func (db *Database) setupRuntime(ctx context.Context) error {
	paths, err := discover.Runtime(db.settings.JRE)
	if err != nil {
		return err
	}
	if v, err := discover.RuntimeVersion(db.settings.JRE); err == nil {
		db.runtimeVersion = v
	}
	locs, err := openLocations(paths, true)
	if err != nil {
		return err
	}
	db.maintenance.Lock()
	defer db.maintenance.Unlock()
	res, err := db.registry.Setup(locs)
	if err != nil {
		return db.check(err)
	}
	_, err = db.process(ctx, res.New, false)
	return err
}

// openLocations wraps the existing paths. Missing paths are skipped.
func openLocations(paths []string, runtime bool) ([]location.Location, error) {
	var out []location.Location
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			slog.Debug("classdb.location.missing", "path", p)
			continue
		}
		loc, err := location.FromPath(p, runtime)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, nil
}

// Store returns the persistence handle.
func (db *Database) Store() *store.Store { return db.st }

// VFS returns the shared symbol cache.
func (db *Database) VFS() *vfs.VFS { return db.vfs }

// IsInstalled reports whether the named indexing feature is bound.
func (db *Database) IsInstalled(name string) bool { return db.features.Has(name) }

// Pin takes a snapshot of locs for a classpath. Every location must be
// indexed: outdated or unknown ones fail with ErrStaleLocation, ones still
// registered with ErrNotIndexed.
func (db *Database) Pin(locs []*location.Registered) (*registry.Snapshot, error) {
	if err := db.alive(); err != nil {
		return nil, err
	}
	for _, l := range locs {
		if db.registry.State(l.ID) == store.StateRegistered {
			return nil, fmt.Errorf("%s: %w", l, ErrNotIndexed)
		}
	}
	snap, err := db.registry.NewSnapshot(locs)
	return snap, db.check(err)
}

// Alive returns ErrClosed once Close has been called.
func (db *Database) Alive() error { return db.alive() }

func (db *Database) alive() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return nil
}

// check maps failures caused by a concurrent Close to ErrClosed.
func (db *Database) check(err error) error {
	if err != nil && db.closed.Load() && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// Locations returns the live locations ordered by id.
func (db *Database) Locations() []*location.Registered { return db.registry.ActualLocations() }

// IndexedLocations returns the live locations whose processing completed.
func (db *Database) IndexedLocations() []*location.Registered {
	return db.registry.IndexedLocations()
}

// RuntimeLocations returns the live runtime locations.
func (db *Database) RuntimeLocations() []*location.Registered { return db.registry.RuntimeLocations() }

// RuntimeVersion is the version reported by the JRE's release file, or ""
// when no runtime is configured.
func (db *Database) RuntimeVersion() string { return db.runtimeVersion }

// State returns the lifecycle state of a location.
func (db *Database) State(loc *location.Registered) string { return db.registry.State(loc.ID) }

// Close stops the watcher, cancels and joins background jobs, releases the
// registry, the symbol cache and persistence, then runs the AfterStop hooks.
// It is idempotent.
func (db *Database) Close() error {
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		db.stopWatching()
		db.registry.Close()
		db.jobs.Cancel()
		var errs []error
		if err := db.jobs.Wait(context.Background()); err != nil {
			slog.Debug("classdb.close.jobs", "err", err)
		}
		if err := db.features.Broadcast(features.Signal{Kind: features.Closed}); err != nil {
			errs = append(errs, err)
		}
		db.vfs.Close()
		if err := db.st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close persistence: %w", err))
		}
		for _, h := range db.settings.Hooks {
			if h.AfterStop != nil {
				h.AfterStop()
			}
		}
		db.closeErr = errors.Join(errs...)
		slog.Info("classdb.closed")
	})
	return db.closeErr
}
