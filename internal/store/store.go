package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers accepted by OpenWith.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCGO     = "sqlite3" // github.com/mattn/go-sqlite3
)

// Querier abstracts *sql.DB and *sql.Tx so store methods work in both contexts.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store wraps a SQLite connection holding locations, persisted class
// sources and feature index tables.
type Store struct {
	db     *sql.DB
	q      Querier // active querier: db or tx
	inTx   bool
	dbPath string
	driver string

	// writeMu serializes write transactions; SQLite admits one writer at a time.
	writeMu *sync.Mutex
	shared  *shared
}

// shared is state common to a Store and the transaction-scoped copies it hands out.
type shared struct {
	mu      sync.Mutex
	indexes []string
}

// DefaultPath returns the path of the named database in the user cache
// directory, creating the directory if needed.
func DefaultPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	dir := filepath.Join(home, ".cache", "classpath-memory-mcp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir cache: %w", err)
	}
	return filepath.Join(dir, name+".db"), nil
}

// OpenPath opens a SQLite database at the given path with the default driver.
func OpenPath(dbPath string) (*Store, error) {
	return OpenWith(DriverModernc, dbPath)
}

// OpenWith opens a SQLite database at dbPath using the named driver.
func OpenWith(driver, dbPath string) (*Store, error) {
	var dsn string
	switch driver {
	case DriverModernc, "":
		driver = DriverModernc
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	case DriverCGO:
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := newStore(db, dbPath, driver)
	if err := s.Setup(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory SQLite database (for testing and ephemeral
// databases). The pool is pinned to one connection since every new
// connection to :memory: would see an empty database.
func OpenMemory() (*Store, error) {
	db, err := sql.Open(DriverModernc, ":memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := newStore(db, ":memory:", DriverModernc)
	if err := s.Setup(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func newStore(db *sql.DB, dbPath, driver string) *Store {
	s := &Store{db: db, dbPath: dbPath, driver: driver, writeMu: &sync.Mutex{}, shared: &shared{}}
	s.q = s.db
	return s
}

// WithTransaction executes fn within a single SQLite write transaction.
// The callback receives a transaction-scoped Store; all store methods called on
// txStore use the transaction. Calling WithTransaction on a txStore runs fn
// in the enclosing transaction.
func (s *Store) WithTransaction(fn func(txStore *Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &Store{db: s.db, q: tx, inTx: true, dbPath: s.dbPath, driver: s.driver, writeMu: s.writeMu, shared: s.shared}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB (for advanced queries).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path, or ":memory:".
func (s *Store) Path() string { return s.dbPath }

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

// Exec runs a statement on the active querier. Features use it for their own tables.
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	return s.q.Exec(query, args...)
}

// Query runs a query on the active querier.
func (s *Store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.q.Query(query, args...)
}

// QueryRow runs a single-row query on the active querier.
func (s *Store) QueryRow(query string, args ...any) *sql.Row {
	return s.q.QueryRow(query, args...)
}

// Setup creates the core schema. It is idempotent.
func (s *Store) Setup() error {
	schema := `
	CREATE TABLE IF NOT EXISTS locations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		kind TEXT NOT NULL,
		runtime INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'registered',
		registered_at TEXT NOT NULL,
		UNIQUE(path, fingerprint)
	);

	CREATE TABLE IF NOT EXISTS classes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		location_id INTEGER NOT NULL REFERENCES locations(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		super_name TEXT NOT NULL DEFAULT '',
		access INTEGER NOT NULL DEFAULT 0,
		bytecode BLOB NOT NULL,
		UNIQUE(location_id, name)
	);

	CREATE TABLE IF NOT EXISTS methods (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		class_id INTEGER NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		descriptor TEXT NOT NULL,
		access INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS fields (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		class_id INTEGER NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		descriptor TEXT NOT NULL,
		access INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.q.Exec(schema); err != nil {
		return err
	}
	return s.migrate()
}

// AddIndex registers a CREATE INDEX statement run by CreateIndexes. Features
// call it from their Setup so their tables are indexed after bulk loads.
func (s *Store) AddIndex(stmt string) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	for _, existing := range s.shared.indexes {
		if existing == stmt {
			return
		}
	}
	s.shared.indexes = append(s.shared.indexes, stmt)
}

var coreIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_classes_name ON classes(name)`,
	`CREATE INDEX IF NOT EXISTS idx_classes_super ON classes(super_name)`,
	`CREATE INDEX IF NOT EXISTS idx_methods_class ON methods(class_id)`,
	`CREATE INDEX IF NOT EXISTS idx_methods_name ON methods(name)`,
	`CREATE INDEX IF NOT EXISTS idx_fields_class ON fields(class_id)`,
}

// CreateIndexes builds the lookup indexes. Bulk loads run it once after a
// batch of locations has been persisted rather than maintaining indexes per row.
func (s *Store) CreateIndexes() error {
	s.shared.mu.Lock()
	stmts := append(append([]string(nil), coreIndexes...), s.shared.indexes...)
	s.shared.mu.Unlock()

	start := time.Now()
	err := s.WithTransaction(func(tx *Store) error {
		for _, stmt := range stmts {
			if _, err := tx.q.Exec(stmt); err != nil {
				return fmt.Errorf("create index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("store.indexes", "count", len(stmts), "elapsed", time.Since(start))
	return nil
}

// Now returns the current time in ISO 8601 format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
