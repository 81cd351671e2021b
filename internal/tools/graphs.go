package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/classpath-memory-mcp/internal/cfg"
	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
)

type instInfo struct {
	Ref        cfg.Ref   `json:"ref"`
	Line       int       `json:"line,omitempty"`
	Inst       string    `json:"inst"`
	Successors []cfg.Ref `json:"successors,omitempty"`
	Catchers   []cfg.Ref `json:"catchers,omitempty"`
}

type blockInfo struct {
	ID           int      `json:"id"`
	Start        cfg.Ref  `json:"start"`
	End          cfg.Ref  `json:"end"`
	Instructions []string `json:"instructions"`
	Successors   []int    `json:"successors,omitempty"`
	Catchers     []int    `json:"catchers,omitempty"`
}

func blockIDs(bs []cfg.Block) []int {
	if len(bs) == 0 {
		return nil
	}
	out := make([]int, len(bs))
	for i, b := range bs {
		out[i] = b.ID
	}
	return out
}

// withMethod opens the classpath, resolves the method argument and calls fn.
func (s *Server) withMethod(ctx context.Context, req *mcp.CallToolRequest, fn func(cp *classpath.Classpath, m *classpath.Method) (*mcp.CallToolResult, error)) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	cp, err := s.openClasspath(ctx, args)
	if err != nil {
		return errResult(fmt.Sprintf("classpath: %v", err)), nil
	}
	defer cp.Close()

	m, err := findMethod(cp, args)
	if err != nil {
		return errResult(err.Error()), nil
	}
	if !m.HasBody() {
		return errResult(fmt.Sprintf("method %s has no bytecode", m)), nil
	}
	return fn(cp, m)
}

func (s *Server) handleFlowGraph(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withMethod(ctx, req, func(cp *classpath.Classpath, m *classpath.Method) (*mcp.CallToolResult, error) {
		g, err := cp.FlowGraph(m)
		if err != nil {
			return errResult(err.Error()), nil
		}
		insts := make([]instInfo, 0, g.Len())
		for i, inst := range g.Insts() {
			ref := cfg.Ref(i)
			insts = append(insts, instInfo{
				Ref:        ref,
				Line:       inst.Pos().Line,
				Inst:       inst.String(),
				Successors: g.Successors(ref),
				Catchers:   g.Catchers(ref),
			})
		}
		return jsonResult(map[string]any{
			"method":       m.String(),
			"instructions": insts,
		}), nil
	})
}

func (s *Server) handleBlockGraph(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withMethod(ctx, req, func(cp *classpath.Classpath, m *classpath.Method) (*mcp.CallToolResult, error) {
		bg, err := cp.BlockGraph(m)
		if err != nil {
			return errResult(err.Error()), nil
		}
		blocks := make([]blockInfo, 0, len(bg.Blocks()))
		for _, b := range bg.Blocks() {
			insts := bg.Instructions(b)
			text := make([]string, len(insts))
			for i, inst := range insts {
				text[i] = inst.String()
			}
			blocks = append(blocks, blockInfo{
				ID:           b.ID,
				Start:        b.Start,
				End:          b.End,
				Instructions: text,
				Successors:   blockIDs(bg.Successors(b)),
				Catchers:     blockIDs(bg.Catchers(b)),
			})
		}
		return jsonResult(map[string]any{
			"method": m.String(),
			"blocks": blocks,
			"exits":  blockIDs(bg.Exits()),
		}), nil
	})
}
