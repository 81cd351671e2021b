package features

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
)

// HierarchyName is the name of the hierarchy feature.
const HierarchyName = "hierarchy"

// Hierarchy records extends/implements edges so subclasses and overriding
// methods can be found without loading every class.
type Hierarchy struct{}

// NewHierarchy returns the hierarchy feature.
func NewHierarchy() *Hierarchy { return &Hierarchy{} }

func (*Hierarchy) Name() string { return HierarchyName }

func (*Hierarchy) Setup(st *store.Store) error {
	_, err := st.Exec(`
	CREATE TABLE IF NOT EXISTS hierarchy (
		location_id INTEGER NOT NULL,
		class_name TEXT NOT NULL,
		super_name TEXT NOT NULL,
		is_interface INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_hierarchy_location ON hierarchy(location_id);`)
	st.AddIndex(`CREATE INDEX IF NOT EXISTS idx_hierarchy_super ON hierarchy(super_name)`)
	return err
}

func (*Hierarchy) OnSignal(st *store.Store, sig Signal) error {
	switch sig.Kind {
	case BeforeIndexing:
		if sig.ClearOnStart {
			_, err := st.Exec("DELETE FROM hierarchy")
			return err
		}
	case Drop:
		_, err := st.Exec("DELETE FROM hierarchy")
		return err
	case LocationRemoved:
		_, err := st.Exec("DELETE FROM hierarchy WHERE location_id=?", sig.Location.ID)
		return err
	}
	return nil
}

type hierarchyEdge struct {
	class, super string
	iface        bool
}

type hierarchyIndexer struct {
	loc   *location.Registered
	edges []hierarchyEdge
}

func (*Hierarchy) NewIndexer(loc *location.Registered) Indexer {
	return &hierarchyIndexer{loc: loc}
}

func (ix *hierarchyIndexer) Index(cf *classfile.ClassFile) error {
	name := cf.ClassName()
	if cf.SuperName != "" {
		ix.edges = append(ix.edges, hierarchyEdge{class: name, super: classfile.ClassName(cf.SuperName)})
	}
	for _, i := range cf.Interfaces {
		ix.edges = append(ix.edges, hierarchyEdge{class: name, super: classfile.ClassName(i), iface: true})
	}
	return nil
}

const hierarchyBatchSize = 999 / 4

func (ix *hierarchyIndexer) Flush(tx *store.Store) error {
	if _, err := tx.Exec("DELETE FROM hierarchy WHERE location_id=?", ix.loc.ID); err != nil {
		return err
	}
	for i := 0; i < len(ix.edges); i += hierarchyBatchSize {
		end := min(i+hierarchyBatchSize, len(ix.edges))
		var sb strings.Builder
		sb.WriteString("INSERT INTO hierarchy (location_id, class_name, super_name, is_interface) VALUES ")
		args := make([]any, 0, (end-i)*4)
		for j, e := range ix.edges[i:end] {
			if j > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString("(?,?,?,?)")
			args = append(args, ix.loc.ID, e.class, e.super, e.iface)
		}
		if _, err := tx.Exec(sb.String(), args...); err != nil {
			return fmt.Errorf("insert hierarchy: %w", err)
		}
	}
	return nil
}

// SubClasses returns the names of classes extending or implementing name
// within the given locations. With transitive set, the whole subtree is
// returned. The result is sorted.
func SubClasses(st *store.Store, name string, locationIDs []int64, transitive bool) ([]string, error) {
	if len(locationIDs) == 0 {
		return nil, nil
	}
	in, inArgs := store.InClause(locationIDs)
	query := fmt.Sprintf("SELECT DISTINCT class_name FROM hierarchy WHERE super_name=? AND location_id IN (%s)", in)

	seen := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		direct, err := queryStrings(st, query, append([]any{cur}, inArgs...)...)
		if err != nil {
			return nil, fmt.Errorf("subclasses of %s: %w", cur, err)
		}
		for _, d := range direct {
			if seen[d] || d == name {
				continue
			}
			seen[d] = true
			if transitive {
				queue = append(queue, d)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// SuperTypes returns the direct supertypes (superclass and interfaces) of name.
func SuperTypes(st *store.Store, name string, locationIDs []int64) ([]string, error) {
	if len(locationIDs) == 0 {
		return nil, nil
	}
	in, inArgs := store.InClause(locationIDs)
	query := fmt.Sprintf("SELECT DISTINCT super_name FROM hierarchy WHERE class_name=? AND location_id IN (%s) ORDER BY is_interface, super_name", in)
	return queryStrings(st, query, append([]any{name}, inArgs...)...)
}

func queryStrings(st *store.Store, query string, args ...any) ([]string, error) {
	rows, err := st.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
