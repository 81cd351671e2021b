package classdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
	"github.com/DeusData/classpath-memory-mcp/internal/classfile/classgen"
	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
	"github.com/DeusData/classpath-memory-mcp/internal/features"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
)

func openDB(t *testing.T, s Settings) *Database {
	t.Helper()
	db, err := Open(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func single(name string) *classgen.Class {
	c := classgen.Simple(name, "")
	c.AddField(classfile.AccPrivate, "count", "J")
	c.AddMethod(classfile.AccPublic, "run", "()V", classgen.NewCode(0, 1).Emit(classfile.Return))
	return c
}

func writeJar(t *testing.T, dir, name string, classes ...*classgen.Class) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := classgen.WriteJar(path, classes...); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClasspathResolvesLoadedClass(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, Settings{})
	jar := writeJar(t, t.TempDir(), "single.jar", single("app/Single"))

	cp, err := db.Classpath(ctx, []string{jar}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cp.Close()

	c, err := cp.FindClass("app.Single")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Methods) != 2 || len(c.Fields) != 2 {
		t.Errorf("methods = %d, fields = %d, want 2 and 2", len(c.Methods), len(c.Fields))
	}
	loc := cp.Locations()[0]
	if got := db.State(loc); got != store.StateIndexed {
		t.Errorf("state = %q, want indexed", got)
	}
	if n := db.VFS().Len(loc.ID); n != 0 {
		t.Errorf("symbol cache still holds %d classes after persisting", n)
	}
}

func TestKeepInMemoryPrefixes(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, Settings{KeepInMemory: []string{"app.keep."}})
	jar := writeJar(t, t.TempDir(), "mixed.jar", single("app/keep/Hot"), single("app/Cold"))
	if err := db.Load(ctx, []string{jar}); err != nil {
		t.Fatal(err)
	}
	if err := db.AwaitBackgroundJobs(ctx); err != nil {
		t.Fatal(err)
	}
	loc := db.Locations()[0]
	if n := db.VFS().Len(loc.ID); n != 1 {
		t.Errorf("cached classes = %d, want 1", n)
	}
	if _, ok := db.VFS().Find("app.keep.Hot", []int64{loc.ID}); !ok {
		t.Error("app.keep.Hot evicted")
	}
}

func TestClasspathFeatures(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, Settings{Cache: classpath.Cache(10, 5)})
	jar := writeJar(t, t.TempDir(), "single.jar", single("app/Single"))

	tests := []struct {
		name string
		in   []classpath.Feature
		want []classpath.Feature
	}{
		{
			"defaults",
			nil,
			[]classpath.Feature{classpath.Cache(10, 5), classpath.Of(classpath.SourceMetadata), classpath.Of(classpath.MethodInstructions)},
		},
		{
			"own cache",
			[]classpath.Feature{classpath.Cache(1, 1)},
			[]classpath.Feature{classpath.Cache(1, 1), classpath.Of(classpath.SourceMetadata), classpath.Of(classpath.MethodInstructions)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, err := db.Classpath(ctx, []string{jar}, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			defer cp.Close()
			if diff := cmp.Diff(tt.want, cp.Features()); diff != "" {
				t.Errorf("features (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBrokenLocationDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, Settings{})
	dir := t.TempDir()
	good := writeJar(t, dir, "good.jar", single("app/Good"))
	bad := filepath.Join(dir, "bad.jar")
	if err := os.WriteFile(bad, []byte("not a zip"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := db.Load(ctx, []string{bad, good})
	var le *LocationError
	if !errors.As(err, &le) || le.Op != "parse" || le.Location.Path() != bad {
		t.Fatalf("Load = %v, want parse error for bad.jar", err)
	}
	if err := db.AwaitBackgroundJobs(ctx); err != nil {
		t.Fatal(err)
	}
	states := map[string]string{}
	for _, loc := range db.Locations() {
		states[filepath.Base(loc.Path())] = db.State(loc)
	}
	want := map[string]string{"bad.jar": store.StateRegistered, "good.jar": store.StateIndexed}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, Settings{})
	jar := writeJar(t, t.TempDir(), "single.jar", single("app/Single"))
	cp, err := db.Classpath(ctx, []string{jar}, nil)
	if err != nil {
		t.Fatal(err)
	}
	locs := db.Locations()
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	ops := map[string]func() error{
		"Load":            func() error { return db.Load(ctx, []string{jar}) },
		"Refresh":         func() error { return db.Refresh(ctx) },
		"RebuildFeatures": func() error { return db.RebuildFeatures(ctx) },
		"Watch":           db.WatchFileSystemChanges,
		"Classpath": func() error {
			_, err := db.Classpath(ctx, []string{jar}, nil)
			return err
		},
		"ClasspathOf": func() error {
			_, err := db.ClasspathOf(ctx, locs, nil)
			return err
		},
		"FindClass": func() error {
			_, err := cp.FindClass("app.Single")
			return err
		},
	}
	for name, op := range ops {
		done := make(chan error, 1)
		go func() { done <- op() }()
		select {
		case err := <-done:
			if !errors.Is(err, ErrClosed) {
				t.Errorf("%s after Close = %v, want ErrClosed", name, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s after Close hangs", name)
		}
	}
	cp.Close()
	if err := db.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestRefreshKeepsPinnedLocations(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, Settings{})
	dir := filepath.Join(t.TempDir(), "classes")
	if err := classgen.WriteDir(dir, single("app/Single")); err != nil {
		t.Fatal(err)
	}
	cp, err := db.Classpath(ctx, []string{dir}, nil)
	if err != nil {
		t.Fatal(err)
	}
	old := cp.Locations()[0]

	if err := classgen.WriteDir(dir, single("app/Other")); err != nil {
		t.Fatal(err)
	}
	if err := db.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if got := db.State(old); got != store.StateOutdated {
		t.Errorf("old state = %q, want outdated", got)
	}
	live := db.Locations()
	if len(live) != 1 || live[0].ID == old.ID {
		t.Fatalf("live locations = %v", live)
	}
	if _, err := cp.FindClass("app.Single"); err != nil {
		t.Errorf("pinned classpath lost its class: %v", err)
	}
	if _, err := db.ClasspathOf(ctx, cp.Locations(), nil); !errors.Is(err, ErrStaleLocation) {
		t.Errorf("ClasspathOf(outdated) = %v, want ErrStaleLocation", err)
	}

	cp.Close()
	if err := db.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if got := db.State(old); got != "" {
		t.Errorf("released outdated location still tracked as %q", got)
	}

	fresh, err := db.Classpath(ctx, []string{dir}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Close()
	if fresh.Locations()[0].ID != live[0].ID {
		t.Error("re-registering an unchanged directory created a new location")
	}
	if _, err := fresh.FindClass("app.Other"); err != nil {
		t.Errorf("refreshed class missing: %v", err)
	}
}

func TestRestoreFromPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := Settings{Persistence: filepath.Join(dir, "classes.db"), Features: []features.Feature{features.NewHierarchy()}}
	jar := writeJar(t, dir, "single.jar", single("app/Single"))

	first, err := Open(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Load(ctx, []string{jar}); err != nil {
		t.Fatal(err)
	}
	if err := first.AwaitBackgroundJobs(ctx); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	db := openDB(t, s)
	locs := db.Locations()
	if len(locs) != 1 || db.State(locs[0]) != store.StateIndexed {
		t.Fatalf("restored locations = %v", locs)
	}
	if !db.IsInstalled(features.HierarchyName) {
		t.Error("hierarchy feature not installed")
	}
	cp, err := db.ClasspathOf(ctx, locs, []classpath.Feature{classpath.Of(classpath.Hierarchy)})
	if err != nil {
		t.Fatal(err)
	}
	defer cp.Close()
	if _, err := cp.FindClass("app.Single"); err != nil {
		t.Errorf("restored class: %v", err)
	}
	subs, err := cp.FindSubClasses("java.lang.Object", false)
	if err != nil || len(subs) != 1 || subs[0].Name != "app.Single" {
		t.Errorf("FindSubClasses(Object) = %v, %v; want the persisted hierarchy", subs, err)
	}
}

func TestHooks(t *testing.T) {
	var events []string
	var seen *Database
	db, err := Open(context.Background(), Settings{Hooks: []Hook{{
		AfterStart: func(_ context.Context, db *Database) error {
			seen = db
			events = append(events, "start")
			return nil
		},
		AfterStop: func() { events = append(events, "stop") },
	}}})
	if err != nil {
		t.Fatal(err)
	}
	if seen != db {
		t.Error("AfterStart got a different database")
	}
	db.Close()
	db.Close()
	if diff := cmp.Diff([]string{"start", "stop"}, events); diff != "" {
		t.Errorf("hook events (-want +got):\n%s", diff)
	}
}

func TestHookFailureAbortsOpen(t *testing.T) {
	boom := errors.New("boom")
	stopped := false
	_, err := Open(context.Background(), Settings{Hooks: []Hook{{
		AfterStart: func(context.Context, *Database) error { return boom },
		AfterStop:  func() { stopped = true },
	}}})
	if !errors.Is(err, boom) {
		t.Errorf("Open = %v", err)
	}
	if !stopped {
		t.Error("database not closed after a failed start")
	}
}

func indexRows(t *testing.T, db *Database, table string) map[int64]int {
	t.Helper()
	rows, err := db.Store().Query(fmt.Sprintf("SELECT location_id, COUNT(*) FROM %s GROUP BY location_id", table))
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	out := map[int64]int{}
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			t.Fatal(err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRebuildFeaturesDuringLoad(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, Settings{Features: []features.Feature{features.NewHierarchy(), features.NewUsages()}})
	dir := t.TempDir()
	var jars []string
	for i := 0; i < 4; i++ {
		var classes []*classgen.Class
		for j := 0; j < 3; j++ {
			classes = append(classes, single(fmt.Sprintf("p%d/C%d", i, j)))
		}
		jars = append(jars, writeJar(t, dir, fmt.Sprintf("lib%d.jar", i), classes...))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(jars)+3)
	for _, jar := range jars {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.Load(ctx, []string{jar})
		}()
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.RebuildFeatures(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := db.AwaitBackgroundJobs(ctx); err != nil {
		t.Fatal(err)
	}

	want := map[int64]int{}
	for _, loc := range db.Locations() {
		want[loc.ID] = 3
	}
	if len(want) != len(jars) {
		t.Fatalf("locations = %d, want %d", len(want), len(jars))
	}
	// One superclass edge and one constructor call per class.
	for _, table := range []string{"hierarchy", "usages"} {
		if diff := cmp.Diff(want, indexRows(t, db, table)); diff != "" {
			t.Errorf("%s rows per location (-want +got):\n%s", table, diff)
		}
	}

	if err := db.RebuildFeatures(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, indexRows(t, db, "hierarchy")); diff != "" {
		t.Errorf("hierarchy after rebuild (-want +got):\n%s", diff)
	}
}

func TestClasspathWaitsForRunningLoad(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, Settings{Features: []features.Feature{features.NewHierarchy()}})
	dir := t.TempDir()
	classes := []*classgen.Class{classgen.Simple("app/Base", "")}
	for i := 0; i < 300; i++ {
		classes = append(classes, classgen.Simple(fmt.Sprintf("app/Sub%d", i), "app/Base"))
	}
	jar := writeJar(t, dir, "app.jar", classes...)
	other := writeJar(t, dir, "other.jar", classgen.Simple("other/Sub", "app/Base"))
	hierarchy := []classpath.Feature{classpath.Of(classpath.Hierarchy)}

	if err := db.Load(ctx, []string{jar}); err != nil {
		t.Fatal(err)
	}
	cp, err := db.Classpath(ctx, []string{jar}, hierarchy)
	if err != nil {
		t.Fatal(err)
	}
	defer cp.Close()
	if got := db.State(cp.Locations()[0]); got != store.StateIndexed {
		t.Errorf("state = %q, want indexed", got)
	}
	subs, err := cp.FindSubClasses("app.Base", false)
	if err != nil || len(subs) != 300 {
		t.Errorf("FindSubClasses = %d, %v; want 300", len(subs), err)
	}

	if err := db.Load(ctx, []string{other}); err != nil {
		t.Fatal(err)
	}
	all, err := db.ClasspathOf(ctx, db.Locations(), hierarchy)
	if err != nil {
		t.Fatal(err)
	}
	defer all.Close()
	subs, err = all.FindSubClasses("app.Base", false)
	if err != nil || len(subs) != 301 {
		t.Errorf("FindSubClasses over both = %d, %v; want 301", len(subs), err)
	}
}

var errFlushRefused = errors.New("flush refused")

// refusingFeature fails to flush locations whose file name is fail while
// armed.
type refusingFeature struct {
	fail  string
	armed *atomic.Bool
}

func (f refusingFeature) Name() string                                 { return "refusing" }
func (f refusingFeature) Setup(*store.Store) error                     { return nil }
func (f refusingFeature) OnSignal(*store.Store, features.Signal) error { return nil }

func (f refusingFeature) NewIndexer(loc *location.Registered) features.Indexer {
	return refusingIndexer{refuse: f.armed.Load() && filepath.Base(loc.Path()) == f.fail}
}

type refusingIndexer struct{ refuse bool }

func (ix refusingIndexer) Index(*classfile.ClassFile) error { return nil }

func (ix refusingIndexer) Flush(*store.Store) error {
	if ix.refuse {
		return errFlushRefused
	}
	return nil
}

func TestClasspathOfRejectsFailedLocation(t *testing.T) {
	ctx := context.Background()
	armed := &atomic.Bool{}
	armed.Store(true)
	db := openDB(t, Settings{Features: []features.Feature{refusingFeature{fail: "bad.jar", armed: armed}}})
	dir := t.TempDir()
	bad := writeJar(t, dir, "bad.jar", single("app/Bad"))
	good := writeJar(t, dir, "good.jar", single("app/Good"))

	if err := db.Load(ctx, []string{bad, good}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClasspathOf(ctx, db.Locations(), nil); !errors.Is(err, ErrNotIndexed) {
		t.Errorf("ClasspathOf(failed) = %v, want ErrNotIndexed", err)
	}
	if err := db.AwaitBackgroundJobs(ctx); !errors.Is(err, errFlushRefused) {
		t.Errorf("AwaitBackgroundJobs = %v, want the flush failure", err)
	}
	if err := db.Refresh(ctx); err != nil {
		t.Errorf("Refresh reported an already delivered failure: %v", err)
	}

	indexed := db.IndexedLocations()
	if len(indexed) != 1 || indexed[0].Path() != good {
		t.Fatalf("indexed locations = %v", indexed)
	}
	cp, err := db.Classpath(ctx, []string{good}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cp.Close()
	if _, err := cp.FindClass("app.Good"); err != nil {
		t.Error(err)
	}
}

func TestRebuildFeaturesIsolatesLocations(t *testing.T) {
	ctx := context.Background()
	armed := &atomic.Bool{}
	db := openDB(t, Settings{
		Workers:  1,
		Features: []features.Feature{features.NewHierarchy(), refusingFeature{fail: "a.jar", armed: armed}},
	})
	dir := t.TempDir()
	a := writeJar(t, dir, "a.jar", single("app/A"))
	b := writeJar(t, dir, "b.jar", single("app/B"))
	if err := db.Load(ctx, []string{a, b}); err != nil {
		t.Fatal(err)
	}
	if err := db.AwaitBackgroundJobs(ctx); err != nil {
		t.Fatal(err)
	}
	before := indexRows(t, db, "hierarchy")
	if len(before) != 2 {
		t.Fatalf("hierarchy rows before rebuild = %v", before)
	}

	armed.Store(true)
	err := db.RebuildFeatures(ctx)
	var le *LocationError
	if !errors.As(err, &le) || le.Op != "index" || le.Location.Path() != a || !errors.Is(err, errFlushRefused) {
		t.Fatalf("RebuildFeatures = %v, want an index error for a.jar", err)
	}
	if diff := cmp.Diff(before, indexRows(t, db, "hierarchy")); diff != "" {
		t.Errorf("hierarchy rows after a failed rebuild (-want +got):\n%s", diff)
	}
}

func TestWatchFileSystemChanges(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, Settings{WatchInterval: 10 * time.Millisecond})
	dir := filepath.Join(t.TempDir(), "classes")
	if err := classgen.WriteDir(dir, single("app/Single")); err != nil {
		t.Fatal(err)
	}
	if err := db.Load(ctx, []string{dir}); err != nil {
		t.Fatal(err)
	}
	if err := db.AwaitBackgroundJobs(ctx); err != nil {
		t.Fatal(err)
	}
	old := db.Locations()[0].ID
	if err := db.WatchFileSystemChanges(); err != nil {
		t.Fatal(err)
	}
	if err := db.WatchFileSystemChanges(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond) // let the first poll record a baseline
	if err := classgen.WriteDir(dir, single("app/Added")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if locs := db.Locations(); len(locs) == 1 && locs[0].ID != old {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not refresh the changed directory")
}
