package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DeusData/classpath-memory-mcp/internal/cfg"
	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
)

// UnusedVariables reports assignments to locals whose value is never read.
var UnusedVariables RunnerFactory = unusedVariables{}

type unusedVariables struct{}

func (unusedVariables) Name() string { return "unused-variable" }

func (unusedVariables) NewRunner(g *ApplicationGraph, _ Unit, methods []*classpath.Method) Runner {
	return &unusedRunner{g: g, methods: methods}
}

type unusedRunner struct {
	g       *ApplicationGraph
	methods []*classpath.Method
}

// Run skips methods without bytecode and methods whose graph cannot be
// built; the latter are logged.
func (r *unusedRunner) Run(ctx context.Context) ([]Finding, error) {
	var out []Finding
	for _, m := range r.methods {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !m.HasBody() {
			continue
		}
		fg, err := r.g.FlowGraph(m)
		var ge *cfg.GraphError
		if errors.As(err, &ge) {
			slog.Warn("analysis.unused.skip", "method", m.String(), "err", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, ref := range DeadStores(fg) {
			inst := fg.Inst(ref).(*cfg.AssignInst)
			name := inst.LHS.String()
			out = append(out, Finding{
				Rule:    UnusedVariables.Name(),
				Method:  m.String(),
				Ref:     ref,
				Line:    inst.Pos().Line,
				Inst:    inst.String(),
				Message: fmt.Sprintf("value assigned to %s is never used", name),
			})
		}
	}
	return out, nil
}

// DeadStores returns the assignments to named locals that no path reads
// before the next write or the method exit. Exceptional edges count as
// paths. Builder temporaries are ignored.
func DeadStores(g *cfg.Graph) []cfg.Ref {
	n := g.Len()
	liveIn := make([]map[string]bool, n)
	for i := range liveIn {
		liveIn[i] = map[string]bool{}
	}
	liveOut := func(ref cfg.Ref) map[string]bool {
		out := map[string]bool{}
		for _, s := range g.Successors(ref) {
			for v := range liveIn[s] {
				out[v] = true
			}
		}
		for _, c := range g.Catchers(ref) {
			for v := range liveIn[c] {
				out[v] = true
			}
		}
		return out
	}

	for changed := true; changed; {
		changed = false
		for ref := cfg.Ref(n - 1); ref >= 0; ref-- {
			inst := g.Inst(ref)
			in := liveOut(ref)
			if d := cfg.Def(inst); d != nil {
				delete(in, d.Name)
			}
			for _, u := range cfg.Uses(inst) {
				in[u.Name] = true
			}
			if len(in) != len(liveIn[ref]) {
				liveIn[ref] = in
				changed = true
			}
		}
	}

	var dead []cfg.Ref
	for ref := cfg.Ref(0); ref < cfg.Ref(n); ref++ {
		a, ok := g.Inst(ref).(*cfg.AssignInst)
		if !ok {
			continue
		}
		l, ok := a.LHS.(*cfg.Local)
		if !ok || strings.HasPrefix(l.Name, "$") {
			continue
		}
		if !liveOut(ref)[l.Name] {
			dead = append(dead, ref)
		}
	}
	return dead
}
