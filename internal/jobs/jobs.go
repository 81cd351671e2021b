// Package jobs runs background work as a structured group: every job is
// owned by a group that can be joined or cancelled as a whole.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// ErrCancelled is returned by Launch after the group was cancelled.
var ErrCancelled = errors.New("job group cancelled")

// Job is one background unit of work.
type Job struct {
	ID   int64
	Name string

	g    *Group
	done chan struct{}
	err  error
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done. An error returned here
// is consumed: Group.Wait no longer reports it.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		if j.err != nil {
			j.g.consume(j.ID)
		}
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Group owns background jobs keyed by a monotonically increasing id.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*Job
	errs   []jobError
}

type jobError struct {
	id  int64
	err error
}

// NewGroup returns a group whose jobs observe a context derived from parent.
func NewGroup(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel, jobs: make(map[int64]*Job)}
}

// Context is the group's context; it is done once the group is cancelled.
func (g *Group) Context() context.Context { return g.ctx }

// Active reports whether the group still accepts and runs work.
func (g *Group) Active() bool { return g.ctx.Err() == nil }

// Launch starts fn in the background. An error returned by fn is kept for
// Wait unless the group was cancelled by the time fn returned.
func (g *Group) Launch(name string, fn func(ctx context.Context) error) (*Job, error) {
	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("launch %s: %w", name, ErrCancelled)
	}
	g.nextID++
	j := &Job{ID: g.nextID, Name: name, g: g, done: make(chan struct{})}
	g.jobs[j.ID] = j
	g.mu.Unlock()

	go g.run(j, fn)
	return j, nil
}

func (g *Group) run(j *Job, fn func(ctx context.Context) error) {
	start := time.Now()
	err := fn(g.ctx)
	if err != nil && g.ctx.Err() != nil {
		slog.Debug("jobs.swallowed", "job", j.ID, "name", j.Name, "err", err)
		err = nil
	}
	g.mu.Lock()
	j.err = err
	delete(g.jobs, j.ID)
	if err != nil {
		g.errs = append(g.errs, jobError{id: j.ID, err: fmt.Errorf("job %d %s: %w", j.ID, j.Name, err)})
	}
	g.mu.Unlock()
	close(j.done)
	slog.Debug("jobs.done", "job", j.ID, "name", j.Name, "elapsed", time.Since(start), "err", err)
}

func (g *Group) consume(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs = slices.DeleteFunc(g.errs, func(e jobError) bool { return e.id == id })
}

// Pending returns the jobs still running, ordered by id.
func (g *Group) Pending() []*Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Job, 0, len(g.jobs))
	for _, j := range g.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Wait joins every job, including jobs launched while waiting, and returns
// the errors collected since the previous Wait that were not already
// consumed through Job.Wait.
func (g *Group) Wait(ctx context.Context) error {
	for {
		pending := g.Pending()
		if len(pending) == 0 {
			break
		}
		for _, j := range pending {
			select {
			case <-j.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	g.mu.Lock()
	errs := make([]error, len(g.errs))
	for i, e := range g.errs {
		errs[i] = e.err
	}
	g.errs = nil
	g.mu.Unlock()
	return errors.Join(errs...)
}

// Cancel stops accepting jobs and cancels the running ones. Call Wait to
// join them.
func (g *Group) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancel()
}
