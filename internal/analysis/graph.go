// Package analysis is the contract dataflow analyses consume from the graph
// layer: an application-wide graph over a classpath, resolvers that split
// methods into analysis units, and runner factories driven per unit.
package analysis

import (
	"fmt"

	"github.com/DeusData/classpath-memory-mcp/internal/cfg"
	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
	"github.com/DeusData/classpath-memory-mcp/internal/features"
)

// ApplicationGraph joins per-method instruction graphs with call edges.
type ApplicationGraph struct {
	cp *classpath.Classpath
}

// NewApplicationGraph wraps a classpath. Graphs are cached by the classpath.
func NewApplicationGraph(cp *classpath.Classpath) *ApplicationGraph {
	return &ApplicationGraph{cp: cp}
}

// Classpath returns the underlying classpath.
func (g *ApplicationGraph) Classpath() *classpath.Classpath { return g.cp }

// FlowGraph returns the instruction graph of m.
func (g *ApplicationGraph) FlowGraph(m *classpath.Method) (*cfg.Graph, error) {
	return g.cp.FlowGraph(m)
}

// EntryPoint returns the first instruction of m.
func (g *ApplicationGraph) EntryPoint(m *classpath.Method) (cfg.Inst, error) {
	fg, err := g.FlowGraph(m)
	if err != nil {
		return nil, err
	}
	return fg.Entry(), nil
}

// ExitPoints returns the returns and throws of m.
func (g *ApplicationGraph) ExitPoints(m *classpath.Method) ([]cfg.Inst, error) {
	fg, err := g.FlowGraph(m)
	if err != nil {
		return nil, err
	}
	return fg.Exits(), nil
}

// CallOf returns the call made by inst, or nil.
func CallOf(inst cfg.Inst) *cfg.CallExpr {
	switch i := inst.(type) {
	case *cfg.CallInst:
		return i.Call
	case *cfg.AssignInst:
		if c, ok := i.RHS.(*cfg.CallExpr); ok {
			return c
		}
	}
	return nil
}

// Callees returns the methods the call in inst may dispatch to. Overrides
// are included when the classpath has the hierarchy feature.
func (g *ApplicationGraph) Callees(inst cfg.Inst) ([]*classpath.Method, error) {
	call := CallOf(inst)
	if call == nil {
		return nil, nil
	}
	return g.cp.CallTargets(call)
}

// Callers returns the methods calling m directly. It needs the usages
// feature on the classpath.
func (g *ApplicationGraph) Callers(m *classpath.Method) ([]*classpath.Method, error) {
	usages, err := g.cp.FindUsages(m.Class.Name, m.Name)
	if err != nil {
		return nil, fmt.Errorf("callers of %s: %w", m, err)
	}
	var out []*classpath.Method
	seen := map[*classpath.Method]bool{}
	for _, u := range usages {
		if u.Kind != features.UsageCall || u.Descriptor != m.Descriptor {
			continue
		}
		caller, err := g.cp.FindMethod(u.CallerClass, u.CallerMethod, u.CallerDesc)
		if err != nil {
			return nil, err
		}
		if !seen[caller] {
			seen[caller] = true
			out = append(out, caller)
		}
	}
	return out, nil
}
