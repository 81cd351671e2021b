package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/DeusData/classpath-memory-mcp/internal/location"
)

const (
	baseInterval = 1 * time.Second
	maxInterval  = 60 * time.Second
)

type fileSnapshot struct {
	modTime time.Time
	size    int64
}

type locationState struct {
	snapshot map[string]fileSnapshot
	interval time.Duration
	nextPoll time.Time
}

// Source lists the locations to watch.
type Source interface {
	Locations() []*location.Registered
}

// RefreshFunc re-reads every registered location.
type RefreshFunc func(ctx context.Context) error

// Options tune the polling loop.
type Options struct {
	// Tick is the loop period; each location is polled on its own adaptive
	// interval, never more often than Tick. Zero means one second.
	Tick time.Duration
	// RefreshesPerSecond caps how often RefreshFunc runs. Zero means no cap.
	RefreshesPerSecond float64
}

// Watcher polls registered jars and class directories for changes and
// triggers a refresh when any of them changed.
type Watcher struct {
	src       Source
	refreshFn RefreshFunc
	limiter   *rate.Limiter
	tick      time.Duration
	locations map[string]*locationState
}

// New creates a Watcher. refreshFn is called when changes are detected.
func New(src Source, refreshFn RefreshFunc, opts Options) *Watcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RefreshesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RefreshesPerSecond), 1)
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = baseInterval
	}
	return &Watcher{
		src:       src,
		refreshFn: refreshFn,
		limiter:   limiter,
		tick:      tick,
		locations: make(map[string]*locationState),
	}
}

// Run blocks until ctx is cancelled. Ticks at the configured period, polling
// each location only when its adaptive interval has elapsed.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollAll(ctx)
		}
	}
}

type change struct {
	state    *locationState
	snapshot map[string]fileSnapshot
}

// pollAll polls every due location and refreshes once if any changed. It
// reports whether a refresh ran.
func (w *Watcher) pollAll(ctx context.Context) bool {
	now := time.Now()
	live := make(map[string]bool)
	var changes []change
	for _, loc := range w.src.Locations() {
		path := loc.Path()
		live[path] = true
		state, exists := w.locations[path]
		if !exists {
			state = &locationState{}
			w.locations[path] = state
		}
		if exists && now.Before(state.nextPoll) {
			continue // not due yet
		}
		if c, ok := w.pollLocation(path, state); ok {
			changes = append(changes, c)
		}
	}
	for path := range w.locations {
		if !live[path] {
			delete(w.locations, path)
		}
	}
	if len(changes) == 0 {
		return false
	}

	slog.Info("watcher.changed", "locations", len(changes))
	if err := w.limiter.Wait(ctx); err != nil {
		return false
	}
	if err := w.refreshFn(ctx); err != nil {
		slog.Warn("watcher.refresh", "err", err)
		// Keep old snapshots so we retry next cycle
		for _, c := range changes {
			c.state.nextPoll = time.Now().Add(c.state.interval)
		}
		return true
	}
	for _, c := range changes {
		c.state.snapshot = c.snapshot
		c.state.interval = pollInterval(len(c.snapshot))
		c.state.nextPoll = time.Now().Add(c.state.interval)
	}
	return true
}

// pollLocation captures the current snapshot of a location and compares it
// with the previous one. The first poll only records a baseline.
func (w *Watcher) pollLocation(path string, state *locationState) (change, bool) {
	snap, err := captureSnapshot(path)
	if err != nil {
		slog.Warn("watcher.snapshot", "path", path, "err", err)
		state.nextPoll = time.Now().Add(maxInterval)
		return change{}, false
	}
	interval := pollInterval(len(snap))

	if state.snapshot == nil {
		slog.Debug("watcher.baseline", "path", path, "files", len(snap))
		state.snapshot = snap
		state.interval = interval
		state.nextPoll = time.Now().Add(interval)
		return change{}, false
	}
	if snapshotsEqual(state.snapshot, snap) {
		state.interval = interval
		state.nextPoll = time.Now().Add(interval)
		return change{}, false
	}
	return change{state: state, snapshot: snap}, true
}

// captureSnapshot records mtime+size of an archive, or of every class file
// under a directory. A vanished path yields an empty snapshot.
func captureSnapshot(path string) (map[string]fileSnapshot, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]fileSnapshot{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return map[string]fileSnapshot{"": {modTime: info.ModTime(), size: info.Size()}}, nil
	}

	snap := make(map[string]fileSnapshot)
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".class") {
			return nil
		}
		fi, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		rel, _ := filepath.Rel(path, p)
		snap[rel] = fileSnapshot{modTime: fi.ModTime(), size: fi.Size()}
		return nil
	})
	return snap, err
}

// snapshotsEqual returns true if two snapshots have identical files with same mtime+size.
func snapshotsEqual(a, b map[string]fileSnapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for path, aSnap := range a {
		bSnap, ok := b[path]
		if !ok {
			return false
		}
		if !aSnap.modTime.Equal(bSnap.modTime) || aSnap.size != bSnap.size {
			return false
		}
	}
	return true
}

// pollInterval computes the adaptive interval from file count.
// 1s base + 1s per 500 files, capped at 60s.
func pollInterval(fileCount int) time.Duration {
	ms := 1000 + (fileCount/500)*1000
	if ms > 60000 {
		ms = 60000
	}
	return time.Duration(ms) * time.Millisecond
}
