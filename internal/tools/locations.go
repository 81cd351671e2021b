package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/classpath-memory-mcp/internal/discover"
)

type locationInfo struct {
	ID      int64  `json:"id"`
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Runtime bool   `json:"runtime,omitempty"`
	State   string `json:"state"`
	Classes int    `json:"classes"`
}

func (s *Server) locationInfos() ([]locationInfo, error) {
	counts, err := s.db.Store().CountClasses()
	if err != nil {
		return nil, fmt.Errorf("count classes: %w", err)
	}
	locs := s.db.Locations()
	result := make([]locationInfo, 0, len(locs))
	for _, l := range locs {
		result = append(result, locationInfo{
			ID:      l.ID,
			Path:    l.Path(),
			Kind:    string(l.Kind()),
			Runtime: l.IsRuntime(),
			State:   s.db.State(l),
			Classes: counts[l.ID],
		})
	}
	return result, nil
}

func (s *Server) handleLoadLocations(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	paths := getStringsArg(args, "paths")
	if root := getStringArg(args, "root"); root != "" {
		found, err := discover.Discover(ctx, root, nil)
		if err != nil {
			return errResult(fmt.Sprintf("discover %s: %v", root, err)), nil
		}
		for _, f := range found {
			paths = append(paths, f.Path)
		}
	}
	if len(paths) == 0 {
		return errResult("paths or root is required"), nil
	}
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return errResult(fmt.Sprintf("invalid path: %v", err)), nil
		}
		paths[i] = abs
	}

	start := time.Now()
	if err := s.db.Load(ctx, paths); err != nil {
		return errResult(fmt.Sprintf("load failed: %v", err)), nil
	}
	// Per-location failures do not abort the batch; report them with the result.
	var warning string
	if err := s.db.AwaitBackgroundJobs(ctx); err != nil {
		slog.Warn("tools.load.partial", "err", err)
		warning = err.Error()
	}

	locs, err := s.locationInfos()
	if err != nil {
		return errResult(err.Error()), nil
	}
	result := map[string]any{
		"requested": len(paths),
		"locations": locs,
		"elapsed":   time.Since(start).Round(time.Millisecond).String(),
	}
	if warning != "" {
		result["errors"] = warning
	}
	return jsonResult(result), nil
}

func (s *Server) handleListLocations(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	locs, err := s.locationInfos()
	if err != nil {
		return errResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"runtime_version": s.db.RuntimeVersion(),
		"locations":       locs,
	}), nil
}

func (s *Server) handleRefresh(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	before := len(s.db.Locations())
	if err := s.db.Refresh(ctx); err != nil {
		return errResult(fmt.Sprintf("refresh failed: %v", err)), nil
	}
	locs, err := s.locationInfos()
	if err != nil {
		return errResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"before":    before,
		"locations": locs,
		"status":    "ok",
	}), nil
}

func (s *Server) handleRebuildFeatures(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	if err := s.db.RebuildFeatures(ctx); err != nil {
		return errResult(fmt.Sprintf("rebuild failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"status":  "ok",
		"elapsed": time.Since(start).Round(time.Millisecond).String(),
	}), nil
}
