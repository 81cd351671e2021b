package classdb

import (
	"context"
	"fmt"

	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
)

// Classpath registers the given jars and class directories, waits until
// they are persisted and indexed, and returns a classpath over them
// followed by the indexed runtime locations. Locations processed by an
// earlier, still running Load are waited for as well.
func (db *Database) Classpath(ctx context.Context, paths []string, fs []classpath.Feature) (*classpath.Classpath, error) {
	if err := db.alive(); err != nil {
		return nil, err
	}
	locs, err := openLocations(paths, false)
	if err != nil {
		return nil, err
	}
	registered, err := db.register(ctx, locs)
	if err != nil {
		return nil, err
	}
	runtime := db.registry.RuntimeLocations()
	if err := db.awaitProcessed(ctx, runtime); err != nil {
		return nil, err
	}
	for _, l := range runtime {
		if db.registry.State(l.ID) == store.StateIndexed {
			registered = append(registered, l)
		}
	}
	return db.ClasspathOf(ctx, registered, fs)
}

// ClasspathOf returns a classpath over already registered locations once
// none of them is still being processed. It fails with ErrStaleLocation
// when one of them is outdated or unknown and with ErrNotIndexed when its
// processing failed. Built-in features are appended to fs; the configured
// cache only when fs brings no cache of its own.
func (db *Database) ClasspathOf(ctx context.Context, locs []*location.Registered, fs []classpath.Feature) (*classpath.Classpath, error) {
	if err := db.alive(); err != nil {
		return nil, err
	}
	if err := db.awaitProcessed(ctx, locs); err != nil {
		return nil, err
	}
	snap, err := db.Pin(locs)
	if err != nil {
		return nil, fmt.Errorf("classpath: %w", err)
	}
	cp, err := classpath.New(db, snap, classpath.WithBuiltins(fs, db.settings.Cache))
	if err != nil {
		snap.Close()
		return nil, err
	}
	return cp, nil
}
