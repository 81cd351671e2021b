// Package cfg lowers JVM method bytecode to a three-address instruction
// graph and groups it into basic blocks. Every graph returned by Build has
// passed its invariant check.
package cfg

import (
	"fmt"
	"slices"
	"strings"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
)

// Graph is the instruction-level control flow graph of one method.
// Refs index Insts; the entry is always ref 0.
type Graph struct {
	Method string

	insts    []Inst
	refs     map[Inst]Ref
	succs    [][]Ref
	preds    [][]Ref
	catchers [][]Ref
	throwers [][]Ref
	exits    []Ref
}

// Build translates the body of m, declared by class (dotted name), and
// validates the resulting graph. Failures come back as *GraphError.
func Build(m *classfile.Method, class string) (*Graph, error) {
	name := class + "." + m.Name + m.Descriptor
	if m.Code == nil || len(m.Code.Bytecode) == 0 {
		return nil, &GraphError{Method: name, Cause: ErrNoCode}
	}
	g, err := build(m, class)
	if err == nil {
		g.Method = name
		err = g.Check()
	}
	if err != nil {
		return nil, &GraphError{Method: name, Cause: err}
	}
	return g, nil
}

func build(m *classfile.Method, class string) (*Graph, error) {
	insts, catchers, err := newTranslator(m, class).run()
	if err != nil {
		return nil, err
	}
	b := &body{insts: insts, catchers: catchers}
	if err := b.foldTemps(); err != nil {
		return nil, err
	}
	b.threadJumps()
	if err := b.removeUnreachable(); err != nil {
		return nil, err
	}
	b.renumberTemps()
	b.padEntry()
	return freeze(b)
}

// freeze derives every edge list from the final instruction order.
func freeze(b *body) (*Graph, error) {
	n := len(b.insts)
	g := &Graph{
		insts:    b.insts,
		refs:     make(map[Inst]Ref, n),
		succs:    make([][]Ref, n),
		preds:    make([][]Ref, n),
		catchers: b.catchers,
		throwers: make([][]Ref, n),
	}
	for i, inst := range g.insts {
		ref := Ref(i)
		g.refs[inst] = ref
		for _, s := range b.successorsOf(ref) {
			if s < 0 || int(s) >= n {
				return nil, fmt.Errorf("%w: #%d jumps to #%d", ErrUnresolvedTarget, i, s)
			}
			if !slices.Contains(g.succs[i], s) {
				g.succs[i] = append(g.succs[i], s)
				g.preds[s] = append(g.preds[s], ref)
			}
		}
		if !IsTerminating(inst) && !IsBranching(inst) && i == n-1 {
			return nil, fmt.Errorf("%w: %s", ErrFallOffEnd, inst)
		}
		if IsTerminating(inst) {
			g.exits = append(g.exits, ref)
		}
		for _, c := range g.catchers[i] {
			g.throwers[c] = append(g.throwers[c], ref)
		}
	}
	for i, inst := range g.insts {
		if c, ok := inst.(*CatchInst); ok {
			c.Throwers = slices.Clone(g.throwers[i])
		}
	}
	return g, nil
}

// Insts returns the instructions in order.
func (g *Graph) Insts() []Inst { return g.insts }

// Len is the number of instructions.
func (g *Graph) Len() int { return len(g.insts) }

// Inst returns the instruction at ref.
func (g *Graph) Inst(ref Ref) Inst { return g.insts[ref] }

// Ref returns the position of inst in the graph.
func (g *Graph) Ref(inst Inst) (Ref, bool) {
	r, ok := g.refs[inst]
	return r, ok
}

// Entry is the first instruction.
func (g *Graph) Entry() Inst { return g.insts[0] }

// Exits returns the return and throw instructions.
func (g *Graph) Exits() []Inst {
	out := make([]Inst, len(g.exits))
	for i, r := range g.exits {
		out[i] = g.insts[r]
	}
	return out
}

// Next returns the instruction following ref in list order.
func (g *Graph) Next(ref Ref) (Ref, bool) {
	if int(ref)+1 < len(g.insts) {
		return ref + 1, true
	}
	return 0, false
}

func (g *Graph) Successors(ref Ref) []Ref   { return g.succs[ref] }
func (g *Graph) Predecessors(ref Ref) []Ref { return g.preds[ref] }

// Catchers returns the handlers that receive exceptions thrown at ref.
func (g *Graph) Catchers(ref Ref) []Ref { return g.catchers[ref] }

// Throwers returns, for a catch instruction, every instruction it covers.
func (g *Graph) Throwers(ref Ref) []Ref { return g.throwers[ref] }

// String renders the graph one instruction per line.
func (g *Graph) String() string {
	var sb strings.Builder
	for i, inst := range g.insts {
		fmt.Fprintf(&sb, "%3d: %s", i, inst)
		if cs := g.catchers[i]; len(cs) > 0 {
			fmt.Fprintf(&sb, "  catch %v", cs)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Check validates the structural invariants of the graph.
func (g *Graph) Check() error {
	n := len(g.insts)
	if n == 0 {
		return invariant("empty graph")
	}
	if len(g.preds[0]) != 0 {
		return invariant("entry has predecessors %v", g.preds[0])
	}
	if _, ok := g.insts[0].(*CatchInst); ok {
		return invariant("entry is a catch")
	}
	for i, inst := range g.insts {
		ref := Ref(i)
		succs := g.succs[i]
		if _, ok := inst.(*CatchInst); !ok {
			if i != 0 && len(g.preds[i]) == 0 {
				return invariant("#%d %s has no predecessors", i, inst)
			}
			if len(g.throwers[i]) != 0 {
				return invariant("#%d %s is not a catch but has throwers", i, inst)
			}
		}
		var want []Ref
		switch inst := inst.(type) {
		case *AssignInst, *CallInst, *EnterMonitorInst, *ExitMonitorInst:
			next, ok := g.Next(ref)
			if !ok {
				return invariant("#%d %s falls off the end", i, inst)
			}
			want = []Ref{next}
		case *ReturnInst, *ThrowInst:
		case *GotoInst:
			want = []Ref{inst.Target}
		case *IfInst:
			want = []Ref{inst.True, inst.False}
		case *SwitchInst:
			want = append(slices.Clone(inst.Targets), inst.Default)
		case *CatchInst:
			if len(g.preds[i]) != 0 {
				return invariant("catch #%d has predecessors %v", i, g.preds[i])
			}
			if len(succs) == 0 {
				return invariant("catch #%d has no successors", i)
			}
			if len(g.throwers[i]) == 0 {
				return invariant("catch #%d has no throwers", i)
			}
			for _, t := range g.throwers[i] {
				if !slices.Contains(g.catchers[t], ref) {
					return invariant("catch #%d lists thrower #%d which does not list it", i, t)
				}
			}
			next, ok := g.Next(ref)
			if !ok {
				return invariant("catch #%d is last", i)
			}
			want = []Ref{next}
		default:
			return invariant("#%d: unknown instruction %T", i, inst)
		}
		if !sameSet(succs, want) {
			return invariant("#%d %s has successors %v, want %v", i, inst, succs, want)
		}
		for _, c := range g.catchers[i] {
			if _, ok := g.insts[c].(*CatchInst); !ok {
				return invariant("#%d is caught by #%d which is not a catch", i, c)
			}
			if !slices.Contains(g.throwers[c], ref) {
				return invariant("#%d is caught by #%d which does not list it", i, c)
			}
		}
	}
	for _, r := range g.exits {
		if !IsTerminating(g.insts[r]) {
			return invariant("exit #%d is not terminating", r)
		}
	}
	return nil
}

func sameSet(a, b []Ref) bool {
	for _, x := range a {
		if !slices.Contains(b, x) {
			return false
		}
	}
	for _, x := range b {
		if !slices.Contains(a, x) {
			return false
		}
	}
	return true
}
