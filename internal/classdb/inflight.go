package classdb

import (
	"context"

	"github.com/DeusData/classpath-memory-mcp/internal/location"
)

// track marks locs as being processed. Each one stays tracked until untrack,
// which runs once the location's background job finished or the location
// dropped out of the batch.
func (db *Database) track(locs []*location.Registered) {
	db.inflightMu.Lock()
	defer db.inflightMu.Unlock()
	for _, l := range locs {
		if _, ok := db.inflight[l.ID]; !ok {
			db.inflight[l.ID] = make(chan struct{})
		}
	}
}

func (db *Database) untrack(locs []*location.Registered) {
	db.inflightMu.Lock()
	defer db.inflightMu.Unlock()
	for _, l := range locs {
		if done, ok := db.inflight[l.ID]; ok {
			close(done)
			delete(db.inflight, l.ID)
		}
	}
}

// awaitProcessed blocks until none of locs is being parsed, persisted or
// indexed.
func (db *Database) awaitProcessed(ctx context.Context, locs []*location.Registered) error {
	for _, l := range locs {
		db.inflightMu.Lock()
		done := db.inflight[l.ID]
		db.inflightMu.Unlock()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
