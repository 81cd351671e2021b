package classdb

import (
	"errors"
	"fmt"

	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/registry"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("database is already closed")
	// ErrStaleLocation is returned by ClasspathOf for outdated or unknown
	// locations.
	ErrStaleLocation = registry.ErrStaleLocation
	// ErrNotIndexed is returned by ClasspathOf for locations whose
	// processing failed and is retried on the next start.
	ErrNotIndexed = errors.New("location is not indexed")
)

// LocationError reports a failure scoped to one location of a batch. The
// other locations of the batch are processed regardless.
type LocationError struct {
	Location *location.Registered
	Op       string // "parse", "persist" or "index"
	Err      error
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Location.Path(), e.Err)
}

func (e *LocationError) Unwrap() error { return e.Err }
