package store

import (
	"fmt"
	"log/slog"
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 2

// migrations upgrade a database created by an older build. Each entry moves
// the schema from version-1 to version. A fresh database starts at 0 and
// runs all of them on top of the base schema.
var migrations = []struct {
	version int
	stmts   []string
}{
	{1, nil}, // base schema
	{2, []string{`ALTER TABLE classes ADD COLUMN source_file TEXT NOT NULL DEFAULT ''`}},
}

// migrate brings the schema to schemaVersion. It is a no-op when the
// database is current and refuses databases written by a newer build.
func (s *Store) migrate() error {
	var current int
	if err := s.q.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current == schemaVersion {
		return nil
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, schemaVersion)
	}

	slog.Info("migrate.start", "db", s.dbPath, "from", current, "to", schemaVersion)
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := s.q.Exec(stmt); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		// PRAGMA does not accept bound parameters.
		if _, err := s.q.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			return fmt.Errorf("migration %d: set version: %w", m.version, err)
		}
		slog.Info("migrate.step", "version", m.version)
	}
	return nil
}
