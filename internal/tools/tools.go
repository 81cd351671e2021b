package tools

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/classpath-memory-mcp/internal/classdb"
)

// Server wraps the MCP server with tool handlers.
type Server struct {
	mcp *mcp.Server
	db  *classdb.Database
}

// NewServer creates a new MCP server with all tools registered.
func NewServer(db *classdb.Database, version string) *Server {
	srv := &Server{
		db: db,
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    "classpath-memory-mcp",
				Version: version,
			},
			nil,
		),
	}
	srv.registerTools()
	return srv
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

const classpathProp = `"classpath": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Jars and class directories forming the classpath. They are loaded if needed. If omitted, every loaded location is used."
				}`

const methodProps = `"class": {
					"type": "string",
					"description": "Fully qualified class name (e.g. 'com.acme.OrderService')"
				},
				"method": {
					"type": "string",
					"description": "Method name (e.g. 'process', '<init>')"
				},
				"descriptor": {
					"type": "string",
					"description": "JVM method descriptor (e.g. '(Ljava/lang/String;)V'). Required when the name is overloaded."
				},
				` + classpathProp

func (s *Server) registerTools() {
	s.mcp.AddTool(&mcp.Tool{
		Name:        "load_locations",
		Description: "Load jars and class directories into the classpath database. Classes are parsed, persisted and indexed (class hierarchy, member usages). Locations already loaded with the same content are reused. Pass 'root' to discover every jar/jmod and class directory under a directory.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"paths": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Absolute paths of jars, jmods or class directories"
				},
				"root": {
					"type": "string",
					"description": "Directory to scan for jars and class directories (honors .cpmignore)"
				}
			}
		}`),
	}, s.handleLoadLocations)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "list_locations",
		Description: "List loaded locations with their id, path, kind, runtime flag, processing state and persisted class count. Also reports the runtime version.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}, s.handleListLocations)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "refresh",
		Description: "Re-check every loaded location on disk. Changed locations are reloaded and reindexed; locations no longer used by any open classpath are dropped.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}, s.handleRefresh)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "rebuild_features",
		Description: "Drop and rebuild all indexes (class hierarchy, member usages) from the persisted bytecode.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}, s.handleRebuildFeatures)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "find_class",
		Description: "Resolve a class on a classpath. Returns its super class, interfaces, source file, declaring location, methods (with descriptors) and fields. Supports glob patterns ('com.acme.*Service') to list matching class names instead.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {
					"type": "string",
					"description": "Fully qualified class name or glob pattern"
				},
				"subclasses": {
					"type": "boolean",
					"description": "Include direct subclasses and implementors (needs the hierarchy index)"
				},
				"limit": {
					"type": "integer",
					"description": "Max names returned for a pattern (default 50, max 500)"
				},
				` + classpathProp + `
			},
			"required": ["name"]
		}`),
	}, s.handleFindClass)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "flow_graph",
		Description: "Build the instruction flow graph of a method: three-address instructions with their source line, normal successors and exception catchers.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				` + methodProps + `
			},
			"required": ["class", "method"]
		}`),
	}, s.handleFlowGraph)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "block_graph",
		Description: "Build the basic block graph of a method: blocks with their instructions, successor blocks, catcher blocks and exit blocks.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				` + methodProps + `
			},
			"required": ["class", "method"]
		}`),
	}, s.handleBlockGraph)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "find_overrides",
		Description: "List the methods of subclasses and implementors overriding a method (needs the hierarchy index).",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				` + methodProps + `
			},
			"required": ["class", "method"]
		}`),
	}, s.handleFindOverrides)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "unused_variables",
		Description: "Report assignments to local variables whose value is never read, for one class or every class matching a glob pattern.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"class": {
					"type": "string",
					"description": "Fully qualified class name or glob pattern (e.g. 'com.acme.*')"
				},
				"unit": {
					"type": "string",
					"description": "How methods are grouped for analysis: method, class, package or singleton",
					"enum": ["method", "class", "package", "singleton"]
				},
				"limit": {
					"type": "integer",
					"description": "Max classes analysed for a pattern (default 50, max 500)"
				},
				` + classpathProp + `
			},
			"required": ["class"]
		}`),
	}, s.handleUnusedVariables)
}

// jsonResult marshals data to JSON and returns as tool result.
func jsonResult(data any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errResult("json marshal err=" + err.Error())
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(b)},
		},
	}
}

// errResult returns a tool result indicating an error.
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}

// parseArgs unmarshals the raw JSON arguments into a map.
func parseArgs(req *mcp.CallToolRequest) (map[string]any, error) {
	if req.Params == nil || len(req.Params.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &m); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return m, nil
}

// getStringArg extracts a string argument from parsed args.
func getStringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// getStringsArg extracts a string array argument. Non-string items are skipped.
func getStringsArg(args map[string]any, key string) []string {
	items, _ := args[key].([]any)
	out := make([]string, 0, len(items))
	for _, v := range items {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getIntArg extracts an integer argument with a default value.
func getIntArg(args map[string]any, key string, defaultVal int) int {
	f, ok := args[key].(float64) // JSON numbers decode as float64
	if !ok {
		return defaultVal
	}
	return int(f)
}

// getBoolArg extracts a boolean argument from parsed args.
func getBoolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return min(limit, 500)
}
