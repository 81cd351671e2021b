package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
	"github.com/DeusData/classpath-memory-mcp/internal/features"
)

// openClasspath returns a classpath over the "classpath" argument, or over
// every indexed location when it is absent. Index-backed features are
// enabled when the database has them installed.
func (s *Server) openClasspath(ctx context.Context, args map[string]any) (*classpath.Classpath, error) {
	var fs []classpath.Feature
	if s.db.IsInstalled(features.HierarchyName) {
		fs = append(fs, classpath.Of(classpath.Hierarchy))
	}
	if s.db.IsInstalled(features.UsagesName) {
		fs = append(fs, classpath.Of(classpath.Usages))
	}
	if paths := getStringsArg(args, "classpath"); len(paths) > 0 {
		return s.db.Classpath(ctx, paths, fs)
	}
	return s.db.ClasspathOf(ctx, s.db.IndexedLocations(), fs)
}

func isPattern(name string) bool {
	return strings.ContainsAny(name, "*?")
}

// findMethod resolves the class/method/descriptor arguments. Without a
// descriptor the name must be unambiguous.
func findMethod(cp *classpath.Classpath, args map[string]any) (*classpath.Method, error) {
	className := getStringArg(args, "class")
	name := getStringArg(args, "method")
	if className == "" || name == "" {
		return nil, fmt.Errorf("class and method are required")
	}
	c, err := cp.FindClass(className)
	if err != nil {
		return nil, err
	}
	if desc := getStringArg(args, "descriptor"); desc != "" {
		return c.Method(name, desc)
	}
	var matches []*classpath.Method
	for _, m := range c.Methods {
		if m.Name == name {
			matches = append(matches, m)
		}
	}
	switch len(matches) {
	case 0:
		return nil, &classpath.NotFoundError{Kind: "method", Name: className + "." + name}
	case 1:
		return matches[0], nil
	}
	descs := make([]string, len(matches))
	for i, m := range matches {
		descs[i] = m.Descriptor
	}
	return nil, fmt.Errorf("method %s.%s is overloaded, pass a descriptor: %s", className, name, strings.Join(descs, ", "))
}

type methodInfo struct {
	Name       string `json:"name"`
	Descriptor string `json:"descriptor"`
	Access     uint16 `json:"access"`
	Static     bool   `json:"static,omitempty"`
	Abstract   bool   `json:"abstract,omitempty"`
}

type fieldInfo struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Access uint16 `json:"access"`
	Static bool   `json:"static,omitempty"`
}

func describeClass(c *classpath.Class) map[string]any {
	methods := make([]methodInfo, 0, len(c.Methods))
	for _, m := range c.Methods {
		methods = append(methods, methodInfo{
			Name:       m.Name,
			Descriptor: m.Descriptor,
			Access:     m.Access,
			Static:     m.IsStatic(),
			Abstract:   m.IsAbstract(),
		})
	}
	fields := make([]fieldInfo, 0, len(c.Fields))
	for _, f := range c.Fields {
		fields = append(fields, fieldInfo{Name: f.Name, Type: f.Type, Access: f.Access, Static: f.IsStatic()})
	}
	out := map[string]any{
		"name":      c.Name,
		"interface": c.IsInterface(),
		"methods":   methods,
		"fields":    fields,
	}
	if c.SuperName != "" {
		out["super"] = c.SuperName
	}
	if len(c.Interfaces) > 0 {
		out["interfaces"] = c.Interfaces
	}
	if c.SourceFile != "" {
		out["source_file"] = c.SourceFile
	}
	if c.Signature != "" {
		out["signature"] = c.Signature
	}
	if c.Deprecated {
		out["deprecated"] = true
	}
	if c.Location != nil {
		out["location"] = c.Location.Path()
	}
	return out
}

func classNames(cs []*classpath.Class) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

func methodNames(ms []*classpath.Method) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.String()
	}
	return out
}

func (s *Server) handleFindClass(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	name := getStringArg(args, "name")
	if name == "" {
		return errResult("name is required"), nil
	}

	cp, err := s.openClasspath(ctx, args)
	if err != nil {
		return errResult(fmt.Sprintf("classpath: %v", err)), nil
	}
	defer cp.Close()

	if isPattern(name) {
		names, err := cp.ClassNames(name, clampLimit(getIntArg(args, "limit", 50)))
		if err != nil {
			return errResult(fmt.Sprintf("search: %v", err)), nil
		}
		return jsonResult(map[string]any{
			"pattern": name,
			"classes": names,
		}), nil
	}

	c, err := cp.FindClass(name)
	if err != nil {
		return errResult(err.Error()), nil
	}
	out := describeClass(c)
	if getBoolArg(args, "subclasses") {
		subs, err := cp.FindSubClasses(c.Name, false)
		if err != nil {
			return errResult(fmt.Sprintf("subclasses: %v", err)), nil
		}
		out["subclasses"] = classNames(subs)
	}
	return jsonResult(out), nil
}

func (s *Server) handleFindOverrides(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
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
	overrides, err := cp.FindOverrides(m)
	if err != nil {
		return errResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"method":    m.String(),
		"overrides": methodNames(overrides),
	}), nil
}
