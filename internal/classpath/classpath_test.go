package classpath

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/DeusData/classpath-memory-mcp/internal/cfg"
	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
	"github.com/DeusData/classpath-memory-mcp/internal/classfile/classgen"
	"github.com/DeusData/classpath-memory-mcp/internal/features"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/registry"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
	"github.com/DeusData/classpath-memory-mcp/internal/vfs"
)

type host struct {
	st   *store.Store
	vfs  *vfs.VFS
	fr   *features.Registry
	reg  *registry.Registry
	dead error

	app, lib *location.Registered
}

func (h *host) Store() *store.Store          { return h.st }
func (h *host) VFS() *vfs.VFS                { return h.vfs }
func (h *host) IsInstalled(name string) bool { return h.fr.Has(name) }
func (h *host) Alive() error                 { return h.dead }

func (h *host) Pin(locs []*location.Registered) (*registry.Snapshot, error) {
	return h.reg.NewSnapshot(locs)
}

// newHost registers app.jar (published in the symbol cache and indexed) and
// lib.jar (only persisted).
func newHost(t *testing.T, indexing ...features.Feature) *host {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	h := &host{st: st, vfs: vfs.New(), fr: features.NewRegistry(st)}
	if err := h.fr.Bind(indexing...); err != nil {
		t.Fatal(err)
	}
	h.reg = registry.New(st, h.fr)

	ret := func() *classgen.Code { return classgen.NewCode(0, 1).Emit(classfile.Return) }
	base := classgen.Simple("app/Base", "")
	base.AddMethod(classfile.AccPublic, "helper", "()V", ret())
	base.AddMethod(classfile.AccPublic|classfile.AccStatic, "util", "()I",
		classgen.NewCode(1, 0).Emit(classfile.Iconst1).Emit(classfile.Ireturn))
	child := classgen.Simple("app/Child", "app/Base")
	child.AddMethod(classfile.AccPublic, "helper", "()V", ret())
	child.AddMethod(classfile.AccPublic, "run", "()V", classgen.NewCode(2, 1).
		Emit(classfile.Aload0).
		U2(classfile.Invokevirtual, child.MethodRef("app/Base", "helper", "()V")).
		Emit(classfile.Aload0).
		U2(classfile.Getfield, child.FieldRef("app/Base", "value", "I")).
		Emit(classfile.Pop).
		Emit(classfile.Aload0).
		Emit(classfile.Iconst1).
		U2(classfile.Putfield, child.FieldRef("app/Child", "value", "I")).
		Emit(classfile.Return))
	util := classgen.Simple("lib/Util", "")

	dir := t.TempDir()
	appPath, libPath := filepath.Join(dir, "app.jar"), filepath.Join(dir, "lib.jar")
	if err := classgen.WriteJar(appPath, base, child); err != nil {
		t.Fatal(err)
	}
	if err := classgen.WriteJar(libPath, util); err != nil {
		t.Fatal(err)
	}
	var locs []location.Location
	for _, p := range []string{appPath, libPath} {
		loc, err := location.FromPath(p, false)
		if err != nil {
			t.Fatal(err)
		}
		locs = append(locs, loc)
	}
	res, err := h.reg.RegisterIfNeeded(locs)
	if err != nil {
		t.Fatal(err)
	}
	h.app, h.lib = res.Registered[0], res.Registered[1]

	ctx := context.Background()
	appSources, err := h.app.Sources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	h.vfs.AddLocation(h.app, appSources)
	if err := h.fr.Index(ctx, h.app, appSources); err != nil {
		t.Fatal(err)
	}
	libSources, err := h.lib.Sources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	err = st.WithTransaction(func(tx *store.Store) error {
		return tx.Persist(h.lib.ID, []*store.Class{{Name: "lib.Util", Bytecode: libSources[0].Bytecode()}})
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.reg.AfterProcessing(res.Registered); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *host) classpath(t *testing.T, fs ...Feature) *Classpath {
	t.Helper()
	snap, err := h.reg.NewSnapshot([]*location.Registered{h.app, h.lib})
	if err != nil {
		t.Fatal(err)
	}
	cp, err := New(h, snap, fs)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cp.Close)
	return cp
}

func builtins(extra ...Feature) []Feature { return WithBuiltins(extra, Cache(0, 0)) }

func names[T interface{ String() string }](items []T) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.String())
	}
	return out
}

func TestWithBuiltins(t *testing.T) {
	custom := Cache(5, 6)
	tests := []struct {
		name string
		in   []Feature
		want []Feature
	}{
		{"empty", nil, []Feature{Cache(0, 0), Of(SourceMetadata), Of(MethodInstructions)}},
		{"own cache kept", []Feature{custom}, []Feature{custom, Of(SourceMetadata), Of(MethodInstructions)}},
		{
			"extension first",
			[]Feature{Of(Hierarchy), Of(MethodInstructions)},
			[]Feature{Of(Hierarchy), Of(MethodInstructions), Cache(0, 0), Of(SourceMetadata)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, WithBuiltins(tt.in, Cache(0, 0))); diff != "" {
				t.Errorf("WithBuiltins (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnsizedCacheUsesDefaults(t *testing.T) {
	var zero Feature
	if zero.Kind == ClassCache {
		t.Fatal("zero feature is a class cache")
	}
	h := newHost(t)
	cp := h.classpath(t, Feature{Kind: ClassCache, Classes: -1})
	a, err := cp.FindClass("app.Base")
	if err != nil {
		t.Fatal(err)
	}
	if b, _ := cp.FindClass("app.Base"); a != b {
		t.Error("unsized cache returned two instances")
	}
}

func TestFindClass(t *testing.T) {
	h := newHost(t)
	cp := h.classpath(t, builtins()...)

	child, err := cp.FindClass("app.Child")
	if err != nil {
		t.Fatal(err)
	}
	if child.SuperName != "app.Base" || child.Location.ID != h.app.ID || child.SourceFile != "Child.java" {
		t.Errorf("child = %+v", child)
	}
	if diff := cmp.Diff([]string{"app.Child.<init>()V", "app.Child.helper()V", "app.Child.run()V"}, names(child.Methods)); diff != "" {
		t.Errorf("methods (-want +got):\n%s", diff)
	}
	if len(child.Fields) != 1 || child.Fields[0].Type != "int" {
		t.Errorf("fields = %v", names(child.Fields))
	}

	util, err := cp.FindClass("lib.Util")
	if err != nil {
		t.Fatalf("persisted class: %v", err)
	}
	if util.Location.ID != h.lib.ID {
		t.Errorf("lib.Util from location %d", util.Location.ID)
	}

	if c, err := cp.FindClassOrNil("app.Missing"); c != nil || err != nil {
		t.Errorf("FindClassOrNil = %v, %v", c, err)
	}
	_, err = cp.FindClass("app.Missing")
	var nf *NotFoundError
	if !errors.Is(err, ErrNotFound) || !errors.As(err, &nf) || nf.Kind != "class" {
		t.Errorf("FindClass(missing) = %v", err)
	}
}

func TestFeaturesShapeLookups(t *testing.T) {
	h := newHost(t)
	cached := h.classpath(t, builtins()...)
	a, _ := cached.FindClass("app.Base")
	b, _ := cached.FindClass("app.Base")
	if a != b {
		t.Error("cached classpath returned two instances")
	}

	bare := h.classpath(t, Of(MethodInstructions))
	a, _ = bare.FindClass("app.Base")
	b, _ = bare.FindClass("app.Base")
	if a == b {
		t.Error("uncached classpath reused an instance")
	}
	if a.SourceFile != "" {
		t.Errorf("SourceFile = %q without source metadata", a.SourceFile)
	}

	noGraphs := h.classpath(t, Of(ClassCache))
	m, err := noGraphs.FindMethod("app.Base", "helper", "()V")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := noGraphs.FlowGraph(m); !errors.Is(err, ErrFeatureMissing) {
		t.Errorf("FlowGraph without instructions = %v", err)
	}
}

func TestFindMethodAndField(t *testing.T) {
	cp := newHost(t).classpath(t, builtins()...)
	tests := []struct {
		owner, name, desc string
		want              string
	}{
		{"app.Child", "helper", "()V", "app.Child.helper()V"},
		{"app.Child", "util", "()I", "app.Base.util()I"},
		{"app.Base", "helper", "", "app.Base.helper()V"},
	}
	for _, tt := range tests {
		m, err := cp.FindMethod(tt.owner, tt.name, tt.desc)
		if err != nil {
			t.Errorf("FindMethod(%s.%s%s): %v", tt.owner, tt.name, tt.desc, err)
			continue
		}
		if m.String() != tt.want {
			t.Errorf("FindMethod(%s.%s%s) = %s, want %s", tt.owner, tt.name, tt.desc, m, tt.want)
		}
	}
	if _, err := cp.FindMethod("app.Child", "missing", "()V"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing method: %v", err)
	}
	f, err := cp.FindField("app.Child", "value")
	if err != nil || f.String() != "app.Child.value" {
		t.Errorf("FindField = %v, %v", f, err)
	}
	if _, err := cp.FindField("app.Child", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing field: %v", err)
	}
}

func TestGraphs(t *testing.T) {
	cp := newHost(t).classpath(t, builtins()...)
	run, err := cp.FindMethod("app.Child", "run", "()V")
	if err != nil {
		t.Fatal(err)
	}
	g, err := cp.FlowGraph(run)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"this.helper()", "$0 = this.value", "this.value = 1", "return"}
	var got []string
	for _, inst := range g.Insts() {
		got = append(got, inst.String())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flow graph (-want +got):\n%s", diff)
	}
	again, _ := cp.FlowGraph(run)
	if again != g {
		t.Error("graph not cached")
	}
	bg, err := cp.BlockGraph(run)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(bg.Blocks()); n != 1 {
		t.Errorf("blocks = %d, want 1", n)
	}
}

func TestHierarchyQueries(t *testing.T) {
	h := newHost(t, features.NewHierarchy())
	cp := h.classpath(t, builtins(Of(Hierarchy))...)

	subs, err := cp.FindSubClasses("app.Base", true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"app.Child"}, names(subs)); diff != "" {
		t.Errorf("subclasses (-want +got):\n%s", diff)
	}
	helper, _ := cp.FindMethod("app.Base", "helper", "()V")
	overrides, err := cp.FindOverrides(helper)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"app.Child.helper()V"}, names(overrides)); diff != "" {
		t.Errorf("overrides (-want +got):\n%s", diff)
	}
	targets, err := cp.CallTargets(&cfg.CallExpr{Kind: cfg.CallVirtual, Owner: "app.Base", Name: "helper", Descriptor: "()V"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"app.Base.helper()V", "app.Child.helper()V"}, names(targets)); diff != "" {
		t.Errorf("virtual targets (-want +got):\n%s", diff)
	}
	special, _ := cp.CallTargets(&cfg.CallExpr{Kind: cfg.CallSpecial, Owner: "app.Base", Name: "helper", Descriptor: "()V"})
	if diff := cmp.Diff([]string{"app.Base.helper()V"}, names(special)); diff != "" {
		t.Errorf("special targets (-want +got):\n%s", diff)
	}

	plain := h.classpath(t, builtins()...)
	if _, err := plain.FindSubClasses("app.Base", false); !errors.Is(err, ErrFeatureMissing) {
		t.Errorf("without Hierarchy feature: %v", err)
	}
	notIndexed := newHost(t).classpath(t, builtins(Of(Hierarchy))...)
	if _, err := notIndexed.FindSubClasses("app.Base", false); !errors.Is(err, ErrFeatureMissing) {
		t.Errorf("without hierarchy index: %v", err)
	}
}

func TestUsedIn(t *testing.T) {
	h := newHost(t, features.NewUsages())
	cp := h.classpath(t, builtins(Of(Usages))...)
	run, _ := cp.FindMethod("app.Child", "run", "()V")

	methods, err := cp.FindMethodsUsedIn(run)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"app.Base.helper()V"}, names(methods)); diff != "" {
		t.Errorf("methods used (-want +got):\n%s", diff)
	}
	fields, err := cp.FindFieldsUsedIn(run)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"app.Base.value"}, names(fields.Reads)); diff != "" {
		t.Errorf("reads (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"app.Child.value"}, names(fields.Writes)); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}

	usages, err := cp.FindUsages("app.Base", "helper")
	if err != nil {
		t.Fatal(err)
	}
	if len(usages) != 1 || usages[0].CallerClass != "app.Child" || usages[0].CallerMethod != "run" || usages[0].Kind != features.UsageCall {
		t.Errorf("usages = %+v", usages)
	}
}

func TestCloseAndClone(t *testing.T) {
	h := newHost(t)
	cp := h.classpath(t, builtins()...)
	if n := h.reg.Refs(h.app.ID); n != 1 {
		t.Fatalf("refs = %d, want 1", n)
	}

	clone, err := cp.New()
	if err != nil {
		t.Fatal(err)
	}
	if clone.ID == cp.ID {
		t.Error("clone shares the id")
	}
	if n := h.reg.Refs(h.app.ID); n != 2 {
		t.Errorf("refs with clone = %d, want 2", n)
	}
	if diff := cmp.Diff(cp.Features(), clone.Features()); diff != "" {
		t.Errorf("clone features (-want +got):\n%s", diff)
	}

	cp.Close()
	cp.Close()
	if _, err := cp.FindClass("app.Base"); !errors.Is(err, ErrClosed) {
		t.Errorf("after Close: %v", err)
	}
	if n := h.reg.Refs(h.app.ID); n != 1 {
		t.Errorf("refs after close = %d, want 1", n)
	}
	if _, err := clone.FindClass("app.Base"); err != nil {
		t.Errorf("clone after original closed: %v", err)
	}

	gone := errors.New("database closed")
	h.dead = gone
	if _, err := clone.FindClass("app.Base"); !errors.Is(err, gone) {
		t.Errorf("with dead host: %v", err)
	}
	clone.Close()
}
