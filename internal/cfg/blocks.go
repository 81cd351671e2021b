package cfg

import (
	"fmt"
	"slices"
	"strings"
)

// Block is a maximal run of instructions with one entry point, one
// exception context and control leaving only at its last instruction.
// Start and End are inclusive instruction refs.
type Block struct {
	ID         int
	Start, End Ref
}

// BlockGraph groups a Graph into basic blocks. Block edges are the
// projection of the instruction edges.
type BlockGraph struct {
	g        *Graph
	blocks   []Block
	of       []int
	succs    [][]int
	preds    [][]int
	catchers [][]int
	throwers [][]int
	exits    []int
}

// Blocks groups g into basic blocks.
func (g *Graph) Blocks() *BlockGraph { return NewBlockGraph(g) }

// NewBlockGraph splits g where an instruction is a jump target, starts a
// handler, follows a branch or exit, or changes the set of handlers.
func NewBlockGraph(g *Graph) *BlockGraph {
	n := g.Len()
	bg := &BlockGraph{g: g, of: make([]int, n)}
	for i := 0; i < n; i++ {
		if i == 0 || bg.startsBlock(Ref(i)) {
			bg.blocks = append(bg.blocks, Block{ID: len(bg.blocks), Start: Ref(i)})
		}
		id := len(bg.blocks) - 1
		bg.blocks[id].End = Ref(i)
		bg.of[i] = id
	}

	k := len(bg.blocks)
	bg.succs = make([][]int, k)
	bg.preds = make([][]int, k)
	bg.catchers = make([][]int, k)
	bg.throwers = make([][]int, k)
	for _, b := range bg.blocks {
		for _, s := range g.Successors(b.End) {
			to := bg.of[s]
			if !slices.Contains(bg.succs[b.ID], to) {
				bg.succs[b.ID] = append(bg.succs[b.ID], to)
				bg.preds[to] = append(bg.preds[to], b.ID)
			}
		}
		for _, c := range g.Catchers(b.Start) {
			bg.catchers[b.ID] = append(bg.catchers[b.ID], bg.of[c])
		}
		if _, ok := g.Inst(b.Start).(*CatchInst); ok {
			for _, t := range g.Throwers(b.Start) {
				if from := bg.of[t]; !slices.Contains(bg.throwers[b.ID], from) {
					bg.throwers[b.ID] = append(bg.throwers[b.ID], from)
				}
			}
		}
		if IsTerminating(g.Inst(b.End)) {
			bg.exits = append(bg.exits, b.ID)
		}
	}
	return bg
}

func (bg *BlockGraph) startsBlock(ref Ref) bool {
	g := bg.g
	prev := g.Inst(ref - 1)
	if IsBranching(prev) || IsTerminating(prev) {
		return true
	}
	if _, ok := g.Inst(ref).(*CatchInst); ok {
		return true
	}
	if !slices.Equal(g.Catchers(ref), g.Catchers(ref-1)) {
		return true
	}
	preds := g.Predecessors(ref)
	return len(preds) != 1 || preds[0] != ref-1
}

// Graph returns the underlying instruction graph.
func (bg *BlockGraph) Graph() *Graph { return bg.g }

// Blocks returns the blocks in instruction order.
func (bg *BlockGraph) Blocks() []Block { return bg.blocks }

// Entry is the block holding the first instruction.
func (bg *BlockGraph) Entry() Block { return bg.blocks[0] }

// Exits returns the blocks ending in a return or throw.
func (bg *BlockGraph) Exits() []Block {
	out := make([]Block, len(bg.exits))
	for i, id := range bg.exits {
		out[i] = bg.blocks[id]
	}
	return out
}

// BlockOf returns the block containing ref.
func (bg *BlockGraph) BlockOf(ref Ref) Block { return bg.blocks[bg.of[ref]] }

// Instructions returns the instructions of b in order.
func (bg *BlockGraph) Instructions(b Block) []Inst {
	return bg.g.insts[b.Start : b.End+1]
}

func (bg *BlockGraph) Successors(b Block) []Block   { return bg.pick(bg.succs[b.ID]) }
func (bg *BlockGraph) Predecessors(b Block) []Block { return bg.pick(bg.preds[b.ID]) }
func (bg *BlockGraph) Catchers(b Block) []Block     { return bg.pick(bg.catchers[b.ID]) }
func (bg *BlockGraph) Throwers(b Block) []Block     { return bg.pick(bg.throwers[b.ID]) }

func (bg *BlockGraph) pick(ids []int) []Block {
	out := make([]Block, len(ids))
	for i, id := range ids {
		out[i] = bg.blocks[id]
	}
	return out
}

func (bg *BlockGraph) String() string {
	var sb strings.Builder
	for _, b := range bg.blocks {
		fmt.Fprintf(&sb, "block %d [#%d..#%d] -> %v", b.ID, b.Start, b.End, bg.succs[b.ID])
		if cs := bg.catchers[b.ID]; len(cs) > 0 {
			fmt.Fprintf(&sb, " catch %v", cs)
		}
		sb.WriteByte('\n')
		for _, inst := range bg.Instructions(b) {
			fmt.Fprintf(&sb, "    %s\n", inst)
		}
	}
	return sb.String()
}

// Check validates the block-level invariants.
func (bg *BlockGraph) Check() error {
	if len(bg.blocks) == 0 {
		return invariant("no blocks")
	}
	for _, b := range bg.blocks {
		_, isCatch := bg.g.Inst(b.Start).(*CatchInst)
		switch {
		case b.ID == 0:
			if len(bg.preds[0]) != 0 {
				return invariant("entry block has predecessors %v", bg.preds[0])
			}
		case isCatch:
			if len(bg.preds[b.ID]) != 0 {
				return invariant("handler block %d has predecessors %v", b.ID, bg.preds[b.ID])
			}
			if len(bg.throwers[b.ID]) == 0 {
				return invariant("handler block %d has no throwers", b.ID)
			}
		default:
			if len(bg.preds[b.ID]) == 0 {
				return invariant("block %d has no predecessors", b.ID)
			}
			if len(bg.throwers[b.ID]) != 0 {
				return invariant("block %d is not a handler but has throwers", b.ID)
			}
		}
		first := bg.g.Catchers(b.Start)
		for r := b.Start + 1; r <= b.End; r++ {
			if !slices.Equal(bg.g.Catchers(r), first) {
				return invariant("block %d mixes handler sets at #%d", b.ID, r)
			}
		}
		if !IsTerminating(bg.g.Inst(b.End)) && len(bg.succs[b.ID]) == 0 {
			return invariant("block %d ends without successors", b.ID)
		}
		for _, s := range bg.succs[b.ID] {
			if !slices.Contains(bg.preds[s], b.ID) {
				return invariant("edge %d -> %d missing its reverse", b.ID, s)
			}
		}
	}
	return nil
}
