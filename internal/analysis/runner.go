package analysis

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DeusData/classpath-memory-mcp/internal/cfg"
	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
)

// Finding is one reported fact about an instruction.
type Finding struct {
	Rule    string  `json:"rule"`
	Method  string  `json:"method"`
	Ref     cfg.Ref `json:"ref"`
	Line    int     `json:"line,omitempty"`
	Inst    string  `json:"inst"`
	Message string  `json:"message"`
}

// Runner analyses the methods of one unit.
type Runner interface {
	Run(ctx context.Context) ([]Finding, error)
}

// RunnerFactory creates a runner per unit.
type RunnerFactory interface {
	Name() string
	NewRunner(g *ApplicationGraph, unit Unit, methods []*classpath.Method) Runner
}

// Run groups methods into units, runs one runner per unit on at most
// workers goroutines (zero means one per CPU) and returns the findings
// sorted by method and instruction.
func Run(ctx context.Context, g *ApplicationGraph, factory RunnerFactory, resolver UnitResolver, methods []*classpath.Method, workers int) ([]Finding, error) {
	var units []Unit
	byUnit := map[Unit][]*classpath.Method{}
	for _, m := range methods {
		u := resolver.Resolve(m)
		if _, ok := byUnit[u]; !ok {
			units = append(units, u)
		}
		byUnit[u] = append(byUnit[u], m)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	start := time.Now()
	results := make([][]Finding, len(units))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i, u := range units {
		eg.Go(func() error {
			if err := ectx.Err(); err != nil {
				return err
			}
			found, err := factory.NewRunner(g, u, byUnit[u]).Run(ectx)
			if err != nil {
				return fmt.Errorf("%s: unit %q: %w", factory.Name(), u, err)
			}
			results[i] = found
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var out []Finding
	for _, r := range results {
		out = append(out, r...)
	}
	slices.SortStableFunc(out, func(a, b Finding) int {
		if c := cmp.Compare(a.Method, b.Method); c != 0 {
			return c
		}
		return cmp.Compare(a.Ref, b.Ref)
	})
	slog.Info("analysis.done", "runner", factory.Name(), "units", len(units), "methods", len(methods), "findings", len(out), "elapsed", time.Since(start))
	return out, nil
}
