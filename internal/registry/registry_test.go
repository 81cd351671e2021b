package registry

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile/classgen"
	"github.com/DeusData/classpath-memory-mcp/internal/features"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
)

func newRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, features.NewRegistry(st)), st
}

func writeJar(t *testing.T, path string, names ...string) {
	t.Helper()
	var classes []*classgen.Class
	for _, n := range names {
		classes = append(classes, classgen.Simple(n, ""))
	}
	if err := classgen.WriteJar(path, classes...); err != nil {
		t.Fatal(err)
	}
}

func open(t *testing.T, path string, runtime bool) location.Location {
	t.Helper()
	loc, err := location.FromPath(path, runtime)
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func ids(locs []*location.Registered) []int64 {
	var out []int64
	for _, l := range locs {
		out = append(out, l.ID)
	}
	return out
}

func TestRegisterIfNeeded(t *testing.T) {
	r, _ := newRegistry(t)
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.jar"), filepath.Join(dir, "b.jar")
	writeJar(t, a, "p/A")
	writeJar(t, b, "p/B")

	res, err := r.RegisterIfNeeded([]location.Location{open(t, a, false), open(t, b, false), open(t, a, false)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.New) != 2 || len(res.Registered) != 2 {
		t.Fatalf("new=%d registered=%d", len(res.New), len(res.Registered))
	}
	again, err := r.RegisterIfNeeded([]location.Location{open(t, b, false)})
	if err != nil {
		t.Fatal(err)
	}
	if len(again.New) != 0 || again.Registered[0].ID != res.New[1].ID {
		t.Errorf("re-register: %+v", again)
	}
	if got := r.State(res.New[0].ID); got != store.StateRegistered {
		t.Errorf("state = %q", got)
	}
	if diff := cmp.Diff(ids(res.New), ids(r.Pending())); diff != "" {
		t.Errorf("pending (-want +got):\n%s", diff)
	}
}

func TestRegisterConcurrentDedup(t *testing.T) {
	r, _ := newRegistry(t)
	path := filepath.Join(t.TempDir(), "a.jar")
	writeJar(t, path, "p/A")

	const n = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loc, err := location.FromPath(path, false)
			if err != nil {
				t.Error(err)
				return
			}
			res, err := r.RegisterIfNeeded([]location.Location{loc})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			fresh += len(res.New)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if fresh != 1 {
		t.Errorf("new notifications = %d, want 1", fresh)
	}
	if got := len(r.ActualLocations()); got != 1 {
		t.Errorf("locations = %d, want 1", got)
	}
}

func TestRefreshAndCleanupRespectSnapshots(t *testing.T) {
	r, st := newRegistry(t)
	path := filepath.Join(t.TempDir(), "a.jar")
	writeJar(t, path, "p/A")
	res, err := r.RegisterIfNeeded([]location.Location{open(t, path, false)})
	if err != nil {
		t.Fatal(err)
	}
	old := res.New[0]
	if err := r.AfterProcessing(res.New); err != nil {
		t.Fatal(err)
	}
	snap, err := r.NewSnapshot(res.Registered)
	if err != nil {
		t.Fatal(err)
	}
	if r.Refs(old.ID) != 1 {
		t.Fatalf("refs = %d", r.Refs(old.ID))
	}

	writeJar(t, path, "p/A", "p/B")
	ref, err := r.Refresh()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{old.ID}, ids(ref.Outdated)); diff != "" {
		t.Errorf("outdated (-want +got):\n%s", diff)
	}
	if len(ref.New) != 1 || ref.New[0].ID == old.ID {
		t.Fatalf("new = %v", ref.New)
	}
	if _, err := r.NewSnapshot([]*location.Registered{old}); !errors.Is(err, ErrStaleLocation) {
		t.Errorf("snapshot of outdated location: err = %v", err)
	}

	dropped, err := r.Cleanup()
	if err != nil {
		t.Fatal(err)
	}
	if len(dropped) != 0 {
		t.Fatalf("pinned location dropped: %v", dropped)
	}
	if row, _ := st.GetLocation(old.ID); row == nil {
		t.Fatal("pinned location row deleted")
	}

	snap.Close()
	snap.Close()
	dropped, err = r.Cleanup()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{old.ID}, ids(dropped)); diff != "" {
		t.Errorf("dropped (-want +got):\n%s", diff)
	}
	if row, _ := st.GetLocation(old.ID); row != nil {
		t.Error("dropped location row still present")
	}
	if diff := cmp.Diff(ids(ref.New), ids(r.ActualLocations())); diff != "" {
		t.Errorf("actual (-want +got):\n%s", diff)
	}
}

func TestRefreshVanished(t *testing.T) {
	r, _ := newRegistry(t)
	path := filepath.Join(t.TempDir(), "a.jar")
	writeJar(t, path, "p/A")
	if _, err := r.RegisterIfNeeded([]location.Location{open(t, path, false)}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	res, err := r.Refresh()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Outdated) != 1 || len(res.New) != 0 {
		t.Errorf("outdated=%d new=%d", len(res.Outdated), len(res.New))
	}
	if len(r.ActualLocations()) != 0 {
		t.Error("vanished location still actual")
	}
}

func TestSetupReplacesRuntime(t *testing.T) {
	r, _ := newRegistry(t)
	dir := t.TempDir()
	rt1, rt2 := filepath.Join(dir, "rt1.jar"), filepath.Join(dir, "rt2.jar")
	writeJar(t, rt1, "java/lang/Object")
	writeJar(t, rt2, "java/lang/String")

	first, err := r.Setup([]location.Location{open(t, rt1, true)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Setup([]location.Location{open(t, rt2, true)})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.State(first.New[0].ID); got != store.StateOutdated {
		t.Errorf("old runtime state = %q", got)
	}
	if diff := cmp.Diff(ids(second.New), ids(r.RuntimeLocations())); diff != "" {
		t.Errorf("runtime (-want +got):\n%s", diff)
	}
}

func TestRestore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cp.db")
	jar := filepath.Join(t.TempDir(), "a.jar")
	writeJar(t, jar, "p/A")

	st, err := store.OpenPath(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	r := New(st, features.NewRegistry(st))
	res, err := r.RegisterIfNeeded([]location.Location{open(t, jar, false)})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.AfterProcessing(res.New); err != nil {
		t.Fatal(err)
	}
	st.Close()

	st, err = store.OpenPath(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	r = New(st, features.NewRegistry(st))
	if err := r.Restore(); err != nil {
		t.Fatal(err)
	}
	actual := r.ActualLocations()
	if len(actual) != 1 || actual[0].Path() != res.New[0].Path() || actual[0].Fingerprint() != res.New[0].Fingerprint() {
		t.Fatalf("restored = %v", actual)
	}
	if r.State(actual[0].ID) != store.StateIndexed || len(r.Pending()) != 0 {
		t.Errorf("state = %q pending = %d", r.State(actual[0].ID), len(r.Pending()))
	}
	again, err := r.RegisterIfNeeded([]location.Location{open(t, jar, false)})
	if err != nil {
		t.Fatal(err)
	}
	if len(again.New) != 0 {
		t.Error("restored identity registered twice")
	}
}

func TestClosed(t *testing.T) {
	r, _ := newRegistry(t)
	r.Close()
	if _, err := r.RegisterIfNeeded(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("RegisterIfNeeded: %v", err)
	}
	if _, err := r.NewSnapshot(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("NewSnapshot: %v", err)
	}
	if _, err := r.Cleanup(); !errors.Is(err, ErrClosed) {
		t.Errorf("Cleanup: %v", err)
	}
}

func TestMarkOutdatedAfterCleanup(t *testing.T) {
	r, _ := newRegistry(t)
	path := filepath.Join(t.TempDir(), "a.jar")
	writeJar(t, path, "p/A")
	res, err := r.RegisterIfNeeded([]location.Location{open(t, path, false)})
	if err != nil {
		t.Fatal(err)
	}
	old := res.New[0]
	writeJar(t, path, "p/A", "p/B")
	ref, err := r.Refresh()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Cleanup(); err != nil {
		t.Fatal(err)
	}

	// A refresh that read the live set before the cleanup marks the
	// dropped location again.
	r.mu.Lock()
	err = r.markOutdatedLocked([]int64{old.ID})
	r.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if got := r.State(old.ID); got != "" {
		t.Errorf("dropped location state = %q", got)
	}
	if got := r.State(ref.New[0].ID); got != store.StateRegistered {
		t.Errorf("fresh location state = %q, want registered", got)
	}
}
