package analysis

import (
	"fmt"
	"strings"

	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
)

// Unit names a group of methods analysed together by one runner.
type Unit string

// UnitResolver assigns methods to units.
type UnitResolver interface {
	Resolve(m *classpath.Method) Unit
}

// UnitResolverFunc adapts a function to UnitResolver.
type UnitResolverFunc func(m *classpath.Method) Unit

func (f UnitResolverFunc) Resolve(m *classpath.Method) Unit { return f(m) }

var (
	// MethodUnits puts every method in its own unit.
	MethodUnits = UnitResolverFunc(func(m *classpath.Method) Unit { return Unit(m.String()) })
	// ClassUnits groups methods by top-level class; nested classes join
	// their outer class.
	ClassUnits = UnitResolverFunc(func(m *classpath.Method) Unit {
		name, _, _ := strings.Cut(m.Class.Name, "$")
		return Unit(name)
	})
	// PackageUnits groups methods by package.
	PackageUnits = UnitResolverFunc(func(m *classpath.Method) Unit {
		if i := strings.LastIndexByte(m.Class.Name, '.'); i >= 0 {
			return Unit(m.Class.Name[:i])
		}
		return ""
	})
	// SingletonUnit puts everything in one unit.
	SingletonUnit = UnitResolverFunc(func(*classpath.Method) Unit { return "" })
)

// ParseUnitResolver resolves "method", "class", "package" or "singleton".
func ParseUnitResolver(name string) (UnitResolver, error) {
	switch name {
	case "method", "":
		return MethodUnits, nil
	case "class":
		return ClassUnits, nil
	case "package":
		return PackageUnits, nil
	case "singleton":
		return SingletonUnit, nil
	}
	return nil, fmt.Errorf("unknown unit resolver %q", name)
}
