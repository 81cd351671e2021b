package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/classpath-memory-mcp/internal/analysis"
	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
)

func (s *Server) handleUnusedVariables(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	class := getStringArg(args, "class")
	if class == "" {
		return errResult("class is required"), nil
	}
	resolver, err := analysis.ParseUnitResolver(getStringArg(args, "unit"))
	if err != nil {
		return errResult(err.Error()), nil
	}

	cp, err := s.openClasspath(ctx, args)
	if err != nil {
		return errResult(fmt.Sprintf("classpath: %v", err)), nil
	}
	defer cp.Close()

	names := []string{class}
	if isPattern(class) {
		if names, err = cp.ClassNames(class, clampLimit(getIntArg(args, "limit", 50))); err != nil {
			return errResult(fmt.Sprintf("search: %v", err)), nil
		}
	}
	var methods []*classpath.Method
	for _, n := range names {
		c, err := cp.FindClass(n)
		if err != nil {
			return errResult(err.Error()), nil
		}
		methods = append(methods, c.Methods...)
	}

	findings, err := analysis.Run(ctx, analysis.NewApplicationGraph(cp), analysis.UnusedVariables, resolver, methods, 0)
	if err != nil {
		return errResult(fmt.Sprintf("analysis failed: %v", err)), nil
	}
	if findings == nil {
		findings = []analysis.Finding{}
	}
	return jsonResult(map[string]any{
		"classes":  len(names),
		"methods":  len(methods),
		"findings": findings,
	}), nil
}
