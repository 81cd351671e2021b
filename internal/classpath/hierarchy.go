package classpath

import (
	"fmt"

	"github.com/DeusData/classpath-memory-mcp/internal/cfg"
	"github.com/DeusData/classpath-memory-mcp/internal/features"
)

// supertypes walks owner and its ancestors breadth first: the superclass
// chain before interfaces. Unresolvable ancestors are skipped.
func (cp *Classpath) supertypes(owner string, visit func(c *Class) bool) error {
	seen := map[string]bool{}
	queue := []string{owner}
	var ifaces []string
	for len(queue) > 0 || len(ifaces) > 0 {
		var name string
		if len(queue) > 0 {
			name, queue = queue[0], queue[1:]
		} else {
			name, ifaces = ifaces[0], ifaces[1:]
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		c, err := cp.FindClassOrNil(name)
		if err != nil {
			return err
		}
		if c == nil {
			continue
		}
		if !visit(c) {
			return nil
		}
		queue = append(queue, c.SuperName)
		ifaces = append(ifaces, c.Interfaces...)
	}
	return nil
}

func (cp *Classpath) resolveMethod(owner, name, desc string) (*Method, error) {
	var found *Method
	err := cp.supertypes(owner, func(c *Class) bool {
		found = c.findMethod(name, desc)
		return found == nil
	})
	return found, err
}

func (cp *Classpath) resolveField(owner, name string) (*Field, error) {
	var found *Field
	err := cp.supertypes(owner, func(c *Class) bool {
		if f, err := c.Field(name); err == nil {
			found = f
		}
		return found == nil
	})
	return found, err
}

// FindSubClasses returns the classes extending or implementing name; with
// all set the whole subtree is returned. Needs the Hierarchy feature.
func (cp *Classpath) FindSubClasses(name string, all bool) ([]*Class, error) {
	if err := cp.alive(); err != nil {
		return nil, err
	}
	if err := cp.requireIndex(Hierarchy, features.HierarchyName); err != nil {
		return nil, err
	}
	names, err := features.SubClasses(cp.host.Store(), name, cp.snapshot.IDs(), all)
	if err != nil {
		return nil, err
	}
	out := make([]*Class, 0, len(names))
	for _, n := range names {
		c, err := cp.FindClassOrNil(n)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// FindOverrides returns the methods of subclasses that override m.
// Static, private and constructor methods have none.
func (cp *Classpath) FindOverrides(m *Method) ([]*Method, error) {
	if m.IsStatic() || m.IsPrivate() || m.IsConstructor() {
		return nil, nil
	}
	subs, err := cp.FindSubClasses(m.Class.Name, true)
	if err != nil {
		return nil, fmt.Errorf("overrides of %s: %w", m, err)
	}
	var out []*Method
	for _, c := range subs {
		if o := c.findMethod(m.Name, m.Descriptor); o != nil && !o.IsStatic() {
			out = append(out, o)
		}
	}
	return out, nil
}

// CallTargets returns the methods a call may dispatch to: the resolved
// method, plus its overrides for virtual and interface calls when the
// Hierarchy feature is available.
func (cp *Classpath) CallTargets(call *cfg.CallExpr) ([]*Method, error) {
	if call.Kind == cfg.CallDynamic {
		return nil, nil
	}
	m, err := cp.resolveMethod(call.Owner, call.Name, call.Descriptor)
	if err != nil || m == nil {
		return nil, err
	}
	out := []*Method{m}
	if call.Kind == cfg.CallStatic || call.Kind == cfg.CallSpecial {
		return out, nil
	}
	if cp.requireIndex(Hierarchy, features.HierarchyName) != nil {
		return out, nil
	}
	overrides, err := cp.FindOverrides(m)
	if err != nil {
		return nil, err
	}
	return append(out, overrides...), nil
}
