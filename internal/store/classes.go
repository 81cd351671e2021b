package store

import (
	"fmt"
	"strings"
)

// Member is a persisted method or field signature.
type Member struct {
	Name       string
	Descriptor string
	Access     int
}

// Class is one class persisted for a location.
type Class struct {
	ID         int64
	LocationID int64
	Name       string // dotted
	SuperName  string // dotted, empty for java.lang.Object
	Access     int
	SourceFile string
	Bytecode   []byte
	Methods    []Member
	Fields     []Member
}

// Formula-derived batch size: SQLite has a 999 bind variable limit.
const numMemberCols = 4
const membersBatchSize = 999 / numMemberCols

// Persist replaces the persisted classes of a location. Deleting first makes
// re-persisting the same location idempotent. Call it inside WithTransaction
// so a failure leaves the previous content in place.
func (s *Store) Persist(locationID int64, classes []*Class) error {
	if _, err := s.q.Exec("DELETE FROM classes WHERE location_id=?", locationID); err != nil {
		return fmt.Errorf("clear classes: %w", err)
	}
	for _, c := range classes {
		res, err := s.q.Exec(`INSERT INTO classes (location_id, name, super_name, access, source_file, bytecode)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(location_id, name) DO NOTHING`,
			locationID, c.Name, c.SuperName, c.Access, c.SourceFile, c.Bytecode)
		if err != nil {
			return fmt.Errorf("insert class %s: %w", c.Name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // duplicate entry in the same container; first wins
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("class id %s: %w", c.Name, err)
		}
		c.ID, c.LocationID = id, locationID
		if err := s.insertMembers("methods", id, c.Methods); err != nil {
			return err
		}
		if err := s.insertMembers("fields", id, c.Fields); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertMembers(table string, classID int64, members []Member) error {
	for i := 0; i < len(members); i += membersBatchSize {
		end := i + membersBatchSize
		if end > len(members) {
			end = len(members)
		}
		batch := members[i:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO " + table + " (class_id, name, descriptor, access) VALUES ")
		args := make([]any, 0, len(batch)*numMemberCols)
		for j, m := range batch {
			if j > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString("(?,?,?,?)")
			args = append(args, classID, m.Name, m.Descriptor, m.Access)
		}
		if _, err := s.q.Exec(sb.String(), args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

// FindClassSources returns the persisted bytecode of every class in a location.
func (s *Store) FindClassSources(locationID int64) ([]*Class, error) {
	rows, err := s.q.Query(`SELECT id, location_id, name, super_name, access, source_file, bytecode
		FROM classes WHERE location_id=? ORDER BY name`, locationID)
	if err != nil {
		return nil, fmt.Errorf("find class sources: %w", err)
	}
	defer rows.Close()
	var result []*Class
	for rows.Next() {
		var c Class
		if err := rows.Scan(&c.ID, &c.LocationID, &c.Name, &c.SuperName, &c.Access, &c.SourceFile, &c.Bytecode); err != nil {
			return nil, err
		}
		result = append(result, &c)
	}
	return result, rows.Err()
}

// FindClassBytecode returns the bytecode of a class keyed by location id,
// restricted to the given locations. Callers pick by their own location order.
func (s *Store) FindClassBytecode(name string, locationIDs []int64) (map[int64][]byte, error) {
	result := map[int64][]byte{}
	if len(locationIDs) == 0 {
		return result, nil
	}
	query := fmt.Sprintf("SELECT location_id, bytecode FROM classes WHERE name=? AND location_id IN (%s)", placeholders(len(locationIDs)))
	args := append([]any{name}, int64Args(locationIDs)...)
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find class %s: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var code []byte
		if err := rows.Scan(&id, &code); err != nil {
			return nil, err
		}
		result[id] = code
	}
	return result, rows.Err()
}

// ClassNames lists class names in the given locations matching a glob
// pattern (* and ?), sorted and capped at limit (0 = no cap).
func (s *Store) ClassNames(locationIDs []int64, pattern string, limit int) ([]string, error) {
	if len(locationIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT DISTINCT name FROM classes WHERE location_id IN (%s)", placeholders(len(locationIDs)))
	args := int64Args(locationIDs)
	if pattern != "" {
		query += " AND name LIKE ?"
		args = append(args, globToLike(pattern))
	}
	query += " ORDER BY name"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("class names: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// MemberHit is a method or field found by name.
type MemberHit struct {
	LocationID int64
	ClassName  string
	Member
}

// FindMethodsByName returns methods with the given name in the given locations.
func (s *Store) FindMethodsByName(name string, locationIDs []int64) ([]MemberHit, error) {
	if len(locationIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT c.location_id, c.name, m.name, m.descriptor, m.access
		FROM methods m JOIN classes c ON c.id = m.class_id
		WHERE m.name=? AND c.location_id IN (%s) ORDER BY c.name, m.descriptor`, placeholders(len(locationIDs)))
	rows, err := s.q.Query(query, append([]any{name}, int64Args(locationIDs)...)...)
	if err != nil {
		return nil, fmt.Errorf("find methods %s: %w", name, err)
	}
	defer rows.Close()
	var hits []MemberHit
	for rows.Next() {
		var h MemberHit
		if err := rows.Scan(&h.LocationID, &h.ClassName, &h.Name, &h.Descriptor, &h.Access); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// CountClasses returns the number of persisted classes per location.
func (s *Store) CountClasses() (map[int64]int, error) {
	rows, err := s.q.Query("SELECT location_id, COUNT(*) FROM classes GROUP BY location_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := map[int64]int{}
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		result[id] = n
	}
	return result, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// globToLike converts a glob pattern to a SQL LIKE pattern.
func globToLike(pattern string) string {
	// Replace ** with % and * with %
	result := strings.ReplaceAll(pattern, "**", "%")
	result = strings.ReplaceAll(result, "*", "%")
	result = strings.ReplaceAll(result, "?", "_")
	return result
}

// InClause returns the placeholder list and arguments for "IN (...)" over ids.
func InClause(ids []int64) (string, []any) {
	return placeholders(len(ids)), int64Args(ids)
}
