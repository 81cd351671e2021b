package cfg

import (
	"fmt"
	"slices"
	"strconv"
)

// body is the mutable instruction list the passes rewrite before the graph
// is frozen. catchers[i] holds the refs of the catch instructions that
// handle exceptions thrown by insts[i].
type body struct {
	insts    []Inst
	catchers [][]Ref
}

func isTemp(l *Local) bool {
	return len(l.Name) > 1 && l.Name[0] == '$' && l.Name[1] >= '0' && l.Name[1] <= '9'
}

// jumpTargets marks every instruction some branch jumps to.
func (b *body) jumpTargets() []bool {
	marked := make([]bool, len(b.insts))
	for _, inst := range b.insts {
		for _, p := range targets(inst) {
			if int(*p) >= 0 && int(*p) < len(marked) {
				marked[*p] = true
			}
		}
	}
	return marked
}

// foldTemps rewrites "$t = e; x = $t" into "x = e" when $t is read nowhere
// else and both instructions share their handlers.
func (b *body) foldTemps() error {
	uses := map[*Local]int{}
	for _, inst := range b.insts {
		for _, l := range Uses(inst) {
			uses[l]++
		}
	}
	jumped := b.jumpTargets()
	keep := make([]bool, len(b.insts))
	for i := range keep {
		keep[i] = true
	}
	for i := 0; i+1 < len(b.insts); i++ {
		def, ok := b.insts[i].(*AssignInst)
		if !ok {
			continue
		}
		tmp, ok := def.LHS.(*Local)
		if !ok || !isTemp(tmp) || uses[tmp] != 1 {
			continue
		}
		copyInst, ok := b.insts[i+1].(*AssignInst)
		if !ok || jumped[i+1] || !slices.Equal(b.catchers[i], b.catchers[i+1]) {
			continue
		}
		src, ok := copyInst.RHS.(*Local)
		dst, isLocal := copyInst.LHS.(*Local)
		if !ok || src != tmp || !isLocal {
			continue
		}
		def.LHS = dst
		keep[i+1] = false
		i++
	}
	return b.compact(keep)
}

// renumberTemps names the surviving temporaries $0, $1, ... in order of
// definition.
func (b *body) renumberTemps() {
	seen := map[*Local]bool{}
	n := 0
	for _, inst := range b.insts {
		if l := Def(inst); l != nil && isTemp(l) && !seen[l] {
			seen[l] = true
			l.Name = "$" + strconv.Itoa(n)
			n++
		}
	}
}

// threadJumps points branches at the final destination of goto chains.
func (b *body) threadJumps() {
	for _, inst := range b.insts {
		for _, p := range targets(inst) {
			for steps := 0; steps < len(b.insts); steps++ {
				g, ok := b.insts[*p].(*GotoInst)
				if !ok || g == inst || g.Target == *p {
					break
				}
				*p = g.Target
			}
		}
	}
}

// successorsOf follows control transfer without exceptional edges.
func (b *body) successorsOf(ref Ref) []Ref {
	inst := b.insts[ref]
	switch {
	case IsTerminating(inst):
		return nil
	case IsBranching(inst):
		var out []Ref
		for _, p := range targets(inst) {
			out = append(out, *p)
		}
		return out
	}
	if int(ref)+1 < len(b.insts) {
		return []Ref{ref + 1}
	}
	return nil
}

// removeUnreachable drops instructions no path from the entry reaches,
// counting a handler as reached once one of its throwers is.
func (b *body) removeUnreachable() error {
	reached := make([]bool, len(b.insts))
	queue := []Ref{0}
	reached[0] = true
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		next := append(b.successorsOf(ref), b.catchers[ref]...)
		for _, s := range next {
			if !reached[s] {
				reached[s] = true
				queue = append(queue, s)
			}
		}
	}
	return b.compact(reached)
}

// compact removes the instructions not kept and remaps every reference.
// A jump to a removed instruction lands on the next kept one.
func (b *body) compact(keep []bool) error {
	newRef := make([]Ref, len(b.insts))
	n := Ref(0)
	for i, k := range keep {
		if k {
			newRef[i] = n
			n++
		}
	}
	if int(n) == len(b.insts) {
		return nil
	}
	remap := make([]Ref, len(b.insts))
	follow := Ref(-1)
	for i := len(b.insts) - 1; i >= 0; i-- {
		if keep[i] {
			follow = newRef[i]
		}
		remap[i] = follow
	}

	insts := make([]Inst, 0, n)
	catchers := make([][]Ref, 0, n)
	for i, inst := range b.insts {
		if !keep[i] {
			continue
		}
		for _, p := range targets(inst) {
			if remap[*p] < 0 {
				return fmt.Errorf("%w: jump past the last instruction", ErrFallOffEnd)
			}
			*p = remap[*p]
		}
		var cs []Ref
		for _, c := range b.catchers[i] {
			if keep[c] {
				cs = append(cs, newRef[c])
			}
		}
		insts = append(insts, inst)
		catchers = append(catchers, cs)
	}
	b.insts, b.catchers = insts, catchers
	return nil
}

// padEntry prepends a goto when something jumps back to the first
// instruction, so the entry never has predecessors.
func (b *body) padEntry() {
	jumped := b.jumpTargets()
	if len(jumped) == 0 || !jumped[0] {
		return
	}
	for _, inst := range b.insts {
		for _, p := range targets(inst) {
			*p++
		}
	}
	for _, cs := range b.catchers {
		for k := range cs {
			cs[k]++
		}
	}
	pad := &GotoInst{At: Pos{Offset: -1, Line: b.insts[0].Pos().Line}, Target: 1}
	b.insts = append([]Inst{pad}, b.insts...)
	b.catchers = append([][]Ref{nil}, b.catchers...)
}
