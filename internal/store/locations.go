package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Location states.
const (
	StateRegistered = "registered"
	StateIndexed    = "indexed"
	StateOutdated   = "outdated"
)

// LocationRow is a persisted location.
type LocationRow struct {
	ID           int64
	Path         string
	Fingerprint  string
	Kind         string
	Runtime      bool
	State        string
	RegisteredAt string
}

// InsertLocation registers a location, returning its id. Inserting an
// existing (path, fingerprint) pair returns the existing id and created=false.
func (s *Store) InsertLocation(path, fingerprint, kind string, runtime bool) (id int64, created bool, err error) {
	res, err := s.q.Exec(`
		INSERT INTO locations (path, fingerprint, kind, runtime, state, registered_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path, fingerprint) DO NOTHING`,
		path, fingerprint, kind, runtime, StateRegistered, Now())
	if err != nil {
		return 0, false, fmt.Errorf("insert location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		created = true
	}
	err = s.q.QueryRow("SELECT id FROM locations WHERE path=? AND fingerprint=?", path, fingerprint).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("location id: %w", err)
	}
	return id, created, nil
}

// GetLocation returns a location by id, or nil when absent.
func (s *Store) GetLocation(id int64) (*LocationRow, error) {
	var l LocationRow
	err := s.q.QueryRow("SELECT id, path, fingerprint, kind, runtime, state, registered_at FROM locations WHERE id=?", id).
		Scan(&l.ID, &l.Path, &l.Fingerprint, &l.Kind, &l.Runtime, &l.State, &l.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLocations returns all persisted locations ordered by id.
func (s *Store) ListLocations() ([]*LocationRow, error) {
	rows, err := s.q.Query("SELECT id, path, fingerprint, kind, runtime, state, registered_at FROM locations ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*LocationRow
	for rows.Next() {
		var l LocationRow
		if err := rows.Scan(&l.ID, &l.Path, &l.Fingerprint, &l.Kind, &l.Runtime, &l.State, &l.RegisteredAt); err != nil {
			return nil, err
		}
		result = append(result, &l)
	}
	return result, rows.Err()
}

// SetLocationState updates the lifecycle state of the given locations.
func (s *Store) SetLocationState(state string, ids ...int64) error {
	for _, id := range ids {
		if _, err := s.q.Exec("UPDATE locations SET state=? WHERE id=?", state, id); err != nil {
			return fmt.Errorf("set location %d state: %w", id, err)
		}
	}
	return nil
}

// DeleteLocation deletes a location and all of its classes (CASCADE).
// Feature tables keyed by location id are cleaned by their owners.
func (s *Store) DeleteLocation(id int64) error {
	_, err := s.q.Exec("DELETE FROM locations WHERE id=?", id)
	return err
}
