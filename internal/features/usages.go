package features

import (
	"fmt"
	"strings"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
)

// UsagesName is the name of the usages feature.
const UsagesName = "usages"

// Usage kinds.
const (
	UsageCall  = "call"
	UsageRead  = "read"
	UsageWrite = "write"
)

// Usage is one reference from a method body to a method or field.
type Usage struct {
	LocationID   int64
	CallerClass  string
	CallerMethod string
	CallerDesc   string
	Owner        string
	Name         string
	Descriptor   string
	Kind         string
}

// Usages records call sites and field accesses per method.
type Usages struct{}

// NewUsages returns the usages feature.
func NewUsages() *Usages { return &Usages{} }

func (*Usages) Name() string { return UsagesName }

func (*Usages) Setup(st *store.Store) error {
	_, err := st.Exec(`
	CREATE TABLE IF NOT EXISTS usages (
		location_id INTEGER NOT NULL,
		caller_class TEXT NOT NULL,
		caller_method TEXT NOT NULL,
		caller_desc TEXT NOT NULL,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		descriptor TEXT NOT NULL,
		kind TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usages_location ON usages(location_id);`)
	st.AddIndex(`CREATE INDEX IF NOT EXISTS idx_usages_target ON usages(owner, name)`)
	return err
}

func (*Usages) OnSignal(st *store.Store, sig Signal) error {
	switch sig.Kind {
	case BeforeIndexing:
		if sig.ClearOnStart {
			_, err := st.Exec("DELETE FROM usages")
			return err
		}
	case Drop:
		_, err := st.Exec("DELETE FROM usages")
		return err
	case LocationRemoved:
		_, err := st.Exec("DELETE FROM usages WHERE location_id=?", sig.Location.ID)
		return err
	}
	return nil
}

type usagesIndexer struct {
	loc  *location.Registered
	rows []Usage
}

func (*Usages) NewIndexer(loc *location.Registered) Indexer {
	return &usagesIndexer{loc: loc}
}

func (ix *usagesIndexer) Index(cf *classfile.ClassFile) error {
	seen := map[Usage]bool{}
	for _, m := range cf.Methods {
		if m.Code == nil {
			continue
		}
		insts, err := classfile.DecodeCode(m.Code.Bytecode)
		if err != nil {
			return fmt.Errorf("%s%s: %w", m.Name, m.Descriptor, err)
		}
		for _, in := range insts {
			kind := usageKind(in.Opcode)
			if kind == "" {
				continue
			}
			ref, err := cf.Pool.Member(uint16(in.Index))
			if err != nil {
				return fmt.Errorf("%s%s at %d: %w", m.Name, m.Descriptor, in.Offset, err)
			}
			u := Usage{
				LocationID:   ix.loc.ID,
				CallerClass:  cf.ClassName(),
				CallerMethod: m.Name,
				CallerDesc:   m.Descriptor,
				Owner:        ref.OwnerClassName(),
				Name:         ref.Name,
				Descriptor:   ref.Descriptor,
				Kind:         kind,
			}
			if !seen[u] {
				seen[u] = true
				ix.rows = append(ix.rows, u)
			}
		}
	}
	return nil
}

// usageKind classifies member-referencing opcodes. invokedynamic is skipped:
// its call site has no static owner.
func usageKind(op classfile.Opcode) string {
	switch op {
	case classfile.Invokevirtual, classfile.Invokespecial, classfile.Invokestatic, classfile.Invokeinterface:
		return UsageCall
	case classfile.Getfield, classfile.Getstatic:
		return UsageRead
	case classfile.Putfield, classfile.Putstatic:
		return UsageWrite
	}
	return ""
}

const usageCols = 8
const usagesBatchSize = 999 / usageCols

func (ix *usagesIndexer) Flush(tx *store.Store) error {
	if _, err := tx.Exec("DELETE FROM usages WHERE location_id=?", ix.loc.ID); err != nil {
		return err
	}
	for i := 0; i < len(ix.rows); i += usagesBatchSize {
		end := min(i+usagesBatchSize, len(ix.rows))
		var sb strings.Builder
		sb.WriteString("INSERT INTO usages (location_id, caller_class, caller_method, caller_desc, owner, name, descriptor, kind) VALUES ")
		args := make([]any, 0, (end-i)*usageCols)
		for j, u := range ix.rows[i:end] {
			if j > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString("(?,?,?,?,?,?,?,?)")
			args = append(args, u.LocationID, u.CallerClass, u.CallerMethod, u.CallerDesc, u.Owner, u.Name, u.Descriptor, u.Kind)
		}
		if _, err := tx.Exec(sb.String(), args...); err != nil {
			return fmt.Errorf("insert usages: %w", err)
		}
	}
	return nil
}

// FindUsages returns references to owner.name (any descriptor when name is
// set, every member of owner when name is empty) within the given locations.
func FindUsages(st *store.Store, owner, name string, locationIDs []int64) ([]Usage, error) {
	if len(locationIDs) == 0 {
		return nil, nil
	}
	in, inArgs := store.InClause(locationIDs)
	query := `SELECT location_id, caller_class, caller_method, caller_desc, owner, name, descriptor, kind
		FROM usages WHERE owner=?`
	args := []any{owner}
	if name != "" {
		query += " AND name=?"
		args = append(args, name)
	}
	query += fmt.Sprintf(" AND location_id IN (%s) ORDER BY caller_class, caller_method, caller_desc, name, kind", in)
	rows, err := st.Query(query, append(args, inArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("find usages of %s.%s: %w", owner, name, err)
	}
	defer rows.Close()
	var out []Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.LocationID, &u.CallerClass, &u.CallerMethod, &u.CallerDesc, &u.Owner, &u.Name, &u.Descriptor, &u.Kind); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
