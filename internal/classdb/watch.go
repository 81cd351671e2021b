package classdb

import (
	"context"
	"log/slog"

	"github.com/DeusData/classpath-memory-mcp/internal/watcher"
)

// WatchFileSystemChanges polls the registered locations in the background
// and calls Refresh when any of them changed on disk. The watcher runs
// outside the job group since Refresh joins that group. Calling it again
// while watching is a no-op; Close stops it.
func (db *Database) WatchFileSystemChanges() error {
	if err := db.alive(); err != nil {
		return err
	}
	db.watchMu.Lock()
	defer db.watchMu.Unlock()
	if db.watchCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	db.watchCancel, db.watchDone = cancel, done

	w := watcher.New(db, db.Refresh, watcher.Options{
		Tick:               db.settings.WatchInterval,
		RefreshesPerSecond: db.settings.WatchRate,
	})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	slog.Info("classdb.watch.start", "interval", db.settings.WatchInterval, "rate", db.settings.WatchRate)
	return nil
}

func (db *Database) stopWatching() {
	db.watchMu.Lock()
	cancel, done := db.watchCancel, db.watchDone
	db.watchMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
