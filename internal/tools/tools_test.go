package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/classpath-memory-mcp/internal/classdb"
	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
	"github.com/DeusData/classpath-memory-mcp/internal/classfile/classgen"
	"github.com/DeusData/classpath-memory-mcp/internal/features"
)

func newServer(t *testing.T) (*Server, string) {
	t.Helper()
	db, err := classdb.Open(context.Background(), classdb.Settings{
		Features: []features.Feature{features.NewHierarchy(), features.NewUsages()},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ret := func() *classgen.Code { return classgen.NewCode(0, 1).Emit(classfile.Return) }
	base := classgen.Simple("app/Base", "")
	base.AddMethod(classfile.AccPublic, "helper", "()V", ret())
	child := classgen.Simple("app/Child", "app/Base")
	child.AddMethod(classfile.AccPublic, "helper", "()V", ret())
	child.AddMethod(classfile.AccPublic, "over", "(I)V", classgen.NewCode(0, 2).Emit(classfile.Return))
	child.AddMethod(classfile.AccPublic, "over", "(J)V", classgen.NewCode(0, 3).Emit(classfile.Return))
	vars := classgen.New("app/Vars", "")
	vars.AddMethod(classfile.AccPublic|classfile.AccStatic, "dead", "(I)I", classgen.NewCode(1, 2).
		Emit(classfile.Iconst5).Emit(classfile.Istore1).
		Emit(classfile.Iload0).Emit(classfile.Ireturn))

	jar := filepath.Join(t.TempDir(), "app.jar")
	if err := classgen.WriteJar(jar, base, child, vars); err != nil {
		t.Fatal(err)
	}
	return NewServer(db, "test"), jar
}

func call(t *testing.T, h mcp.ToolHandler, args map[string]any) (map[string]any, bool) {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	res, err := h(context.Background(), &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Arguments: raw}})
	if err != nil {
		t.Fatal(err)
	}
	text := res.Content[0].(*mcp.TextContent).Text
	if res.IsError {
		return map[string]any{"error": text}, true
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("result is not a JSON object: %v\n%s", err, text)
	}
	return out, false
}

func strs(v any) []string {
	items, _ := v.([]any)
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestLoadAndListLocations(t *testing.T) {
	s, jar := newServer(t)
	out, isErr := call(t, s.handleLoadLocations, map[string]any{"paths": []string{jar}})
	if isErr {
		t.Fatalf("load: %v", out["error"])
	}
	out, _ = call(t, s.handleListLocations, nil)
	locs := out["locations"].([]any)
	if len(locs) != 1 {
		t.Fatalf("expected 1 location, got %d", len(locs))
	}
	loc := locs[0].(map[string]any)
	if loc["path"] != jar || loc["state"] != "indexed" || loc["classes"] != float64(3) {
		t.Errorf("unexpected location: %v", loc)
	}

	if out, isErr := call(t, s.handleLoadLocations, nil); !isErr {
		t.Errorf("expected error without paths, got %v", out)
	}
}

func TestLoadLocationsFromRoot(t *testing.T) {
	s, jar := newServer(t)
	out, isErr := call(t, s.handleLoadLocations, map[string]any{"root": filepath.Dir(jar)})
	if isErr {
		t.Fatalf("load: %v", out["error"])
	}
	if n := out["requested"]; n != float64(1) {
		t.Errorf("expected 1 discovered location, got %v", n)
	}
}

func TestFindClass(t *testing.T) {
	s, jar := newServer(t)
	out, isErr := call(t, s.handleFindClass, map[string]any{"name": "app.Base", "classpath": []string{jar}, "subclasses": true})
	if isErr {
		t.Fatalf("find_class: %v", out["error"])
	}
	if out["super"] != "java.lang.Object" || out["location"] != jar {
		t.Errorf("unexpected class: %v", out)
	}
	if diff := cmp.Diff([]string{"app.Child"}, strs(out["subclasses"])); diff != "" {
		t.Errorf("subclasses (-want +got):\n%s", diff)
	}

	out, _ = call(t, s.handleFindClass, map[string]any{"name": "app.*"})
	if diff := cmp.Diff([]string{"app.Base", "app.Child", "app.Vars"}, strs(out["classes"])); diff != "" {
		t.Errorf("pattern (-want +got):\n%s", diff)
	}

	out, isErr = call(t, s.handleFindClass, map[string]any{"name": "app.Missing"})
	if !isErr || !strings.Contains(out["error"].(string), "not found") {
		t.Errorf("expected not found error, got %v", out)
	}
}

func TestFindOverrides(t *testing.T) {
	s, jar := newServer(t)
	out, isErr := call(t, s.handleFindOverrides, map[string]any{"class": "app.Base", "method": "helper", "classpath": []string{jar}})
	if isErr {
		t.Fatalf("find_overrides: %v", out["error"])
	}
	if diff := cmp.Diff([]string{"app.Child.helper()V"}, strs(out["overrides"])); diff != "" {
		t.Errorf("overrides (-want +got):\n%s", diff)
	}
}

func TestGraphTools(t *testing.T) {
	s, jar := newServer(t)
	args := map[string]any{"class": "app.Vars", "method": "dead", "classpath": []string{jar}}

	out, isErr := call(t, s.handleFlowGraph, args)
	if isErr {
		t.Fatalf("flow_graph: %v", out["error"])
	}
	var insts []string
	for _, it := range out["instructions"].([]any) {
		insts = append(insts, it.(map[string]any)["inst"].(string))
	}
	if diff := cmp.Diff([]string{"%1 = 5", "return arg$0"}, insts); diff != "" {
		t.Errorf("instructions (-want +got):\n%s", diff)
	}

	out, isErr = call(t, s.handleBlockGraph, args)
	if isErr {
		t.Fatalf("block_graph: %v", out["error"])
	}
	blocks := out["blocks"].([]any)
	if len(blocks) != 1 || len(out["exits"].([]any)) != 1 {
		t.Errorf("expected one block that exits, got %v", out)
	}
}

func TestOverloadNeedsDescriptor(t *testing.T) {
	s, jar := newServer(t)
	out, isErr := call(t, s.handleFlowGraph, map[string]any{"class": "app.Child", "method": "over", "classpath": []string{jar}})
	if !isErr || !strings.Contains(out["error"].(string), "(I)V, (J)V") {
		t.Errorf("expected overload error, got %v", out)
	}
	out, isErr = call(t, s.handleFlowGraph, map[string]any{"class": "app.Child", "method": "over", "descriptor": "(J)V"})
	if isErr {
		t.Errorf("flow_graph with descriptor: %v", out["error"])
	}
}

func TestUnusedVariablesTool(t *testing.T) {
	s, jar := newServer(t)
	out, isErr := call(t, s.handleUnusedVariables, map[string]any{"class": "app.*", "unit": "class", "classpath": []string{jar}})
	if isErr {
		t.Fatalf("unused_variables: %v", out["error"])
	}
	findings := out["findings"].([]any)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %v", findings)
	}
	f := findings[0].(map[string]any)
	if f["method"] != "app.Vars.dead(I)I" || f["rule"] != "unused-variable" {
		t.Errorf("unexpected finding: %v", f)
	}

	if out, isErr := call(t, s.handleUnusedVariables, map[string]any{"class": "app.Vars", "unit": "module"}); !isErr {
		t.Errorf("expected unit error, got %v", out)
	}
}

func TestToolsOverMCP(t *testing.T) {
	ctx := context.Background()
	s, jar := newServer(t)

	st, ct := mcp.NewInMemoryTransports()
	ss, err := s.MCPServer().Connect(ctx, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ss.Close()
	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	list, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	want := []string{"block_graph", "find_class", "find_overrides", "flow_graph", "list_locations", "load_locations", "rebuild_features", "refresh", "unused_variables"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("tools (-want +got):\n%s", diff)
	}

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "load_locations", Arguments: map[string]any{"paths": []string{jar}}})
	if err != nil || res.IsError {
		t.Fatalf("load_locations: %v %v", err, res)
	}
	for _, name := range []string{"refresh", "rebuild_features"} {
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: name})
		if err != nil || res.IsError {
			t.Errorf("%s: %v %v", name, err, res)
		}
	}
}
