package vfs

import (
	"fmt"
	"sync"
	"testing"

	"github.com/DeusData/classpath-memory-mcp/internal/location"
)

func sources(loc *location.Registered, names ...string) []*location.ClassSource {
	var out []*location.ClassSource
	for _, n := range names {
		out = append(out, location.NewClassSource(loc, n, []byte(n)))
	}
	return out
}

func TestFindOrder(t *testing.T) {
	v := New()
	a := &location.Registered{ID: 1}
	b := &location.Registered{ID: 2}
	v.AddLocation(a, sources(a, "p.A", "p.Shared"))
	v.AddLocation(b, sources(b, "p.B", "p.Shared"))

	if s, ok := v.Find("p.Shared", []int64{2, 1}); !ok || s.Location != b {
		t.Errorf("Find(2,1) = %v %v", s, ok)
	}
	if s, ok := v.Find("p.Shared", []int64{1, 2}); !ok || s.Location != a {
		t.Errorf("Find(1,2) = %v %v", s, ok)
	}
	if _, ok := v.Find("p.A", []int64{2}); ok {
		t.Error("found class outside requested locations")
	}
}

func TestRemoveLocationsKeepsPrefixes(t *testing.T) {
	v := New()
	rt := &location.Registered{ID: 1}
	app := &location.Registered{ID: 2}
	v.AddLocation(rt, sources(rt, "java.lang.Object", "java.lang.String", "sun.misc.Unsafe"))
	v.AddLocation(app, sources(app, "app.Main"))

	v.RemoveLocations([]*location.Registered{rt, app}, []string{"java."})
	if v.Len(1) != 2 {
		t.Errorf("runtime classes kept = %d, want 2", v.Len(1))
	}
	if _, ok := v.Find("sun.misc.Unsafe", []int64{1}); ok {
		t.Error("non-kept class survived")
	}
	if v.Len(2) != 0 {
		t.Errorf("app classes kept = %d", v.Len(2))
	}
}

func TestConcurrentReadersSeeWholeTables(t *testing.T) {
	v := New()
	loc := &location.Registered{ID: 7}
	names := make([]string, 100)
	for i := range names {
		names[i] = fmt.Sprintf("p.C%d", i)
	}
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			v.AddLocation(loc, sources(loc, names...))
			v.RemoveLocations([]*location.Registered{loc}, nil)
		}
	}()
	for i := 0; i < 1000; i++ {
		if n := v.Len(7); n != 0 && n != len(names) {
			t.Fatalf("torn table with %d classes", n)
		}
	}
	close(stop)
	wg.Wait()
}

func TestClose(t *testing.T) {
	v := New()
	loc := &location.Registered{ID: 1}
	v.AddLocation(loc, sources(loc, "p.A"))
	v.Close()
	v.AddLocation(loc, sources(loc, "p.A"))
	if _, ok := v.Find("p.A", []int64{1}); ok {
		t.Error("closed cache still serves classes")
	}
}
