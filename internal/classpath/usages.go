package classpath

import (
	"fmt"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
	"github.com/DeusData/classpath-memory-mcp/internal/features"
)

// FindUsages returns the persisted references to owner.name, or to every
// member of owner when name is empty. Needs the Usages feature.
func (cp *Classpath) FindUsages(owner, name string) ([]features.Usage, error) {
	if err := cp.alive(); err != nil {
		return nil, err
	}
	if err := cp.requireIndex(Usages, features.UsagesName); err != nil {
		return nil, err
	}
	return features.FindUsages(cp.host.Store(), owner, name, cp.snapshot.IDs())
}

// FieldUsages splits the fields a method touches by access direction.
type FieldUsages struct {
	Reads  []*Field
	Writes []*Field
}

// FindMethodsUsedIn returns the methods m invokes, resolved on the
// classpath, in first-use order. Unresolvable callees are skipped.
func (cp *Classpath) FindMethodsUsedIn(m *Method) ([]*Method, error) {
	var out []*Method
	seen := map[*Method]bool{}
	err := cp.walkRefs(m, func(op classfile.Opcode, ref classfile.MemberRef) error {
		if !op.IsInvoke() {
			return nil
		}
		callee, err := cp.resolveMethod(ref.OwnerClassName(), ref.Name, ref.Descriptor)
		if err != nil {
			return err
		}
		if callee != nil && !seen[callee] {
			seen[callee] = true
			out = append(out, callee)
		}
		return nil
	})
	return out, err
}

// FindFieldsUsedIn returns the fields m reads and writes.
func (cp *Classpath) FindFieldsUsedIn(m *Method) (FieldUsages, error) {
	var fu FieldUsages
	read, written := map[*Field]bool{}, map[*Field]bool{}
	err := cp.walkRefs(m, func(op classfile.Opcode, ref classfile.MemberRef) error {
		if op < classfile.Getstatic || op > classfile.Putfield {
			return nil
		}
		f, err := cp.resolveField(ref.OwnerClassName(), ref.Name)
		if err != nil || f == nil {
			return err
		}
		switch op {
		case classfile.Getstatic, classfile.Getfield:
			if !read[f] {
				read[f] = true
				fu.Reads = append(fu.Reads, f)
			}
		default:
			if !written[f] {
				written[f] = true
				fu.Writes = append(fu.Writes, f)
			}
		}
		return nil
	})
	return fu, err
}

// walkRefs calls fn for every field access and non-dynamic invoke in m.
func (cp *Classpath) walkRefs(m *Method, fn func(op classfile.Opcode, ref classfile.MemberRef) error) error {
	if err := cp.alive(); err != nil {
		return err
	}
	if !m.HasBody() {
		return nil
	}
	insts, err := classfile.DecodeCode(m.raw.Code.Bytecode)
	if err != nil {
		return fmt.Errorf("decode %s: %w", m, err)
	}
	pool := m.raw.Pool()
	for _, in := range insts {
		isField := in.Opcode >= classfile.Getstatic && in.Opcode <= classfile.Putfield
		if !isField && (!in.Opcode.IsInvoke() || in.Opcode == classfile.Invokedynamic) {
			continue
		}
		ref, err := pool.Member(uint16(in.Index))
		if err != nil {
			return fmt.Errorf("%s at %d: %w", m, in.Offset, err)
		}
		if err := fn(in.Opcode, ref); err != nil {
			return err
		}
	}
	return nil
}
