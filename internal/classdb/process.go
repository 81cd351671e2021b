package classdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
	"github.com/DeusData/classpath-memory-mcp/internal/features"
	"github.com/DeusData/classpath-memory-mcp/internal/jobs"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
)

// Load registers jars and class directories and starts processing the new
// ones. Missing paths are skipped. It returns once the classes are in the
// symbol cache; persistence and indexing continue in the background.
func (db *Database) Load(ctx context.Context, paths []string) error {
	if err := db.alive(); err != nil {
		return err
	}
	locs, err := openLocations(paths, false)
	if err != nil {
		return err
	}
	return db.LoadLocations(ctx, locs)
}

// LoadLocations is Load for already opened locations.
func (db *Database) LoadLocations(ctx context.Context, locs []location.Location) error {
	_, err := db.register(ctx, locs)
	return err
}

// register adds locs to the registry and processes the new ones. It returns
// the full registration result in request order.
func (db *Database) register(ctx context.Context, locs []location.Location) ([]*location.Registered, error) {
	if err := db.alive(); err != nil {
		return nil, err
	}
	db.maintenance.Lock()
	defer db.maintenance.Unlock()
	res, err := db.registry.RegisterIfNeeded(locs)
	if err != nil {
		return nil, db.check(err)
	}
	_, err = db.process(ctx, res.New, true)
	return res.Registered, err
}

// process parses locs into the symbol cache, then launches one background
// job that persists and indexes every location of the batch. Per location
// the order is persist, evict from the symbol cache, index; locations run
// independently. Locations that fail to parse are reported and left out of
// the job.
func (db *Database) process(ctx context.Context, locs []*location.Registered, createIndexes bool) (*jobs.Job, error) {
	if len(locs) == 0 {
		return nil, nil
	}
	if err := db.alive(); err != nil {
		return nil, err
	}
	db.track(locs)
	launched := false
	defer func() {
		if !launched {
			db.untrack(locs)
		}
	}()
	start := time.Now()
	sources := make([][]*location.ClassSource, len(locs))
	parseErrs := make([]error, len(locs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(db.settings.workers())
	for i, loc := range locs {
		g.Go(func() error {
			srcs, err := loc.Sources(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				parseErrs[i] = &LocationError{Location: loc, Op: "parse", Err: err}
				return nil
			}
			sources[i] = srcs
			db.vfs.AddLocation(loc, srcs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var batch []*location.Registered
	var batchSources [][]*location.ClassSource
	for i, loc := range locs {
		if parseErrs[i] != nil {
			slog.Warn("classdb.parse.err", "location", loc.Path(), "err", parseErrs[i])
			db.untrack([]*location.Registered{loc})
			continue
		}
		batch = append(batch, loc)
		batchSources = append(batchSources, sources[i])
	}
	slog.Info("classdb.parse.done", "locations", len(batch), "failed", len(locs)-len(batch), "elapsed", time.Since(start))
	parseErr := errors.Join(parseErrs...)
	if len(batch) == 0 {
		return nil, parseErr
	}

	job, err := db.jobs.Launch("process", func(jctx context.Context) error {
		defer db.untrack(batch)
		return db.persistBatch(jctx, batch, batchSources, createIndexes)
	})
	if err != nil {
		return nil, errors.Join(parseErr, fmt.Errorf("%w: %v", ErrClosed, err))
	}
	launched = true
	slog.Debug("classdb.process.launched", "job", job.ID, "locations", len(batch))
	return job, parseErr
}

func (db *Database) persistBatch(ctx context.Context, locs []*location.Registered, sources [][]*location.ClassSource, createIndexes bool) error {
	start := time.Now()
	var (
		mu     sync.Mutex
		failed []error
		done   []*location.Registered
	)
	var g errgroup.Group
	for i, loc := range locs {
		g.Go(func() error {
			if err := db.persistLocation(ctx, loc, sources[i]); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("classdb.location.err", "location", loc.Path(), "err", err)
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			done = append(done, loc)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if createIndexes {
		if err := db.st.CreateIndexes(); err != nil {
			return fmt.Errorf("create indexes: %w", err)
		}
		if err := db.features.Broadcast(features.Signal{Kind: features.AfterIndexing}); err != nil {
			failed = append(failed, err)
		}
	}
	if err := db.registry.AfterProcessing(done); err != nil {
		return err
	}
	slog.Info("classdb.process.done", "locations", len(done), "failed", len(failed), "elapsed", time.Since(start))
	return errors.Join(failed...)
}

// persistLocation runs the side effects for one location, re-checking that
// the job is still live before each of them.
func (db *Database) persistLocation(ctx context.Context, loc *location.Registered, sources []*location.ClassSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	classes := storedClasses(loc, sources)
	err := db.st.WithTransaction(func(tx *store.Store) error {
		return tx.Persist(loc.ID, classes)
	})
	if err != nil {
		return &LocationError{Location: loc, Op: "persist", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	db.vfs.RemoveLocations([]*location.Registered{loc}, db.settings.KeepInMemory)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := db.features.Index(ctx, loc, sources); err != nil {
		return &LocationError{Location: loc, Op: "index", Err: err}
	}
	return nil
}

// storedClasses converts parsed sources to persistence rows. Classes whose
// header cannot be decoded are skipped.
func storedClasses(loc *location.Registered, sources []*location.ClassSource) []*store.Class {
	out := make([]*store.Class, 0, len(sources))
	for _, src := range sources {
		cf, err := src.Info()
		if err != nil {
			slog.Warn("classdb.persist.class.err", "location", loc.Path(), "class", src.Name, "err", err)
			continue
		}
		c := &store.Class{
			Name:       src.Name,
			Access:     int(cf.Access),
			SourceFile: cf.SourceFile,
			Bytecode:   src.Bytecode(),
		}
		if cf.SuperName != "" {
			c.SuperName = classfile.ClassName(cf.SuperName)
		}
		for _, m := range cf.Methods {
			c.Methods = append(c.Methods, store.Member{Name: m.Name, Descriptor: m.Descriptor, Access: int(m.Access)})
		}
		for _, f := range cf.Fields {
			c.Fields = append(c.Fields, store.Member{Name: f.Name, Descriptor: f.Descriptor, Access: int(f.Access)})
		}
		out = append(out, c)
	}
	return out
}

// AwaitBackgroundJobs joins every outstanding job and returns their errors.
func (db *Database) AwaitBackgroundJobs(ctx context.Context) error {
	return db.jobs.Wait(ctx)
}

// Refresh joins outstanding jobs, re-reads registered locations from disk,
// processes changed ones and drops outdated locations no classpath pins.
// Errors of earlier background jobs are returned alongside its own.
func (db *Database) Refresh(ctx context.Context) error {
	if err := db.alive(); err != nil {
		return err
	}
	db.maintenance.Lock()
	defer db.maintenance.Unlock()

	prev := db.AwaitBackgroundJobs(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	res, err := db.registry.Refresh()
	if err != nil {
		return errors.Join(prev, db.check(err))
	}
	job, err := db.process(ctx, res.New, true)
	if err != nil {
		return errors.Join(prev, err)
	}
	if job != nil {
		if err := job.Wait(ctx); err != nil {
			return errors.Join(prev, db.check(err))
		}
	}
	dropped, err := db.registry.Cleanup()
	db.vfs.RemoveLocations(dropped, nil)
	if len(res.Outdated) > 0 || len(dropped) > 0 {
		slog.Info("classdb.refresh", "outdated", len(res.Outdated), "new", len(res.New), "dropped", len(dropped))
	}
	return errors.Join(prev, db.check(err))
}

// RebuildFeatures joins outstanding jobs, drops every feature's data and
// re-indexes the live locations from persisted bytecode. Locations are
// re-indexed independently; their failures are joined into the result.
func (db *Database) RebuildFeatures(ctx context.Context) error {
	if err := db.alive(); err != nil {
		return err
	}
	db.maintenance.Lock()
	defer db.maintenance.Unlock()

	prev := db.AwaitBackgroundJobs(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	start := time.Now()
	if err := db.features.Broadcast(features.Signal{Kind: features.Drop}); err != nil {
		return errors.Join(prev, db.check(err))
	}
	locs := db.registry.ActualLocations()
	var (
		mu     sync.Mutex
		failed []error
	)
	var g errgroup.Group
	g.SetLimit(db.settings.workers())
	for _, loc := range locs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := db.reindexLocation(ctx, loc); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("classdb.rebuild.location.err", "location", loc.Path(), "err", err)
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return errors.Join(prev, err)
	}
	slog.Info("classdb.rebuild.done", "locations", len(locs), "failed", len(failed), "elapsed", time.Since(start))
	return errors.Join(prev, db.check(errors.Join(failed...)))
}

func (db *Database) reindexLocation(ctx context.Context, loc *location.Registered) error {
	rows, err := db.st.FindClassSources(loc.ID)
	if err != nil {
		return &LocationError{Location: loc, Op: "persist", Err: err}
	}
	sources := make([]*location.ClassSource, len(rows))
	for i, r := range rows {
		sources[i] = location.NewClassSource(loc, r.Name, r.Bytecode)
	}
	if err := db.features.Index(ctx, loc, sources); err != nil {
		return &LocationError{Location: loc, Op: "index", Err: err}
	}
	return nil
}
