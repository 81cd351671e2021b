package location

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
)

// Registered is a location known to the registry under a persistent id.
type Registered struct {
	ID int64
	Location
}

func (r *Registered) String() string {
	return fmt.Sprintf("#%d %s", r.ID, IdentityOf(r.Location))
}

// Identity returns the dedup key of the wrapped location.
func (r *Registered) Identity() Identity { return IdentityOf(r.Location) }

// Sources reads every class in the location.
func (r *Registered) Sources(ctx context.Context) ([]*ClassSource, error) {
	var out []*ClassSource
	err := r.Walk(ctx, func(name string, data []byte) error {
		out = append(out, NewClassSource(r, name, data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sources of %s: %w", r.Path(), err)
	}
	return out, nil
}

// ClassSource is one class's bytecode plus lazily parsed views. The parsed
// views are filled compute-once: concurrent callers may parse in parallel and
// all but the first result are discarded.
type ClassSource struct {
	Location *Registered
	Name     string // dotted

	bytecode []byte
	info     atomic.Pointer[classfile.ClassFile]
	node     atomic.Pointer[classfile.ClassFile]
}

// NewClassSource wraps raw bytecode. The slice must not be modified afterwards.
func NewClassSource(loc *Registered, name string, bytecode []byte) *ClassSource {
	return &ClassSource{Location: loc, Name: name, bytecode: bytecode}
}

// Bytecode returns the raw class bytes.
func (s *ClassSource) Bytecode() []byte { return s.bytecode }

// Info returns the class header and member signatures without method bodies.
func (s *ClassSource) Info() (*classfile.ClassFile, error) {
	if n := s.node.Load(); n != nil {
		return n, nil
	}
	if v := s.info.Load(); v != nil {
		return v, nil
	}
	cf, err := classfile.ParseInfo(s.bytecode)
	if err != nil {
		return nil, fmt.Errorf("class %s: %w", s.Name, err)
	}
	s.info.CompareAndSwap(nil, cf)
	return s.info.Load(), nil
}

// Node returns the fully decoded class including method bodies.
func (s *ClassSource) Node() (*classfile.ClassFile, error) {
	if n := s.node.Load(); n != nil {
		return n, nil
	}
	cf, err := classfile.Parse(s.bytecode)
	if err != nil {
		return nil, fmt.Errorf("class %s: %w", s.Name, err)
	}
	s.node.CompareAndSwap(nil, cf)
	return s.node.Load(), nil
}
