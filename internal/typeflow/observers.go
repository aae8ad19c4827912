package typeflow

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/715d/pointsto/internal/universe"
)

// FieldLoad reads an instance field of the objects of its receiver flow.
// Loads read the shared field flow, so the first receiver object assignable
// to the declaring type links it.
type FieldLoad struct {
	Field  *universe.Field
	Result *Flow

	linked atomic.Bool
}

func (l *FieldLoad) ObservedType() *universe.Type { return l.Field.Owner() }

func (l *FieldLoad) Observe(e *Engine, objs []*Object) error {
	for _, o := range objs {
		if !l.Field.Owner().IsAssignableFrom(o.typ) {
			continue
		}
		if l.linked.CompareAndSwap(false, true) {
			e.u.RegisterFieldAccess(l.Field, true, false)
			e.AddUse(e.FieldFlow(l.Field), l.Result)
		}
		return nil
	}
	return nil
}

// FieldStore writes Value into an instance field of the objects of its
// receiver flow.
type FieldStore struct {
	Field *universe.Field
	Value *Flow

	written atomic.Bool
	mu      sync.Mutex
	linked  map[*Flow]bool
}

func (s *FieldStore) ObservedType() *universe.Type { return s.Field.Owner() }

func (s *FieldStore) Observe(e *Engine, objs []*Object) error {
	for _, o := range objs {
		if !s.Field.Owner().IsAssignableFrom(o.typ) {
			continue
		}
		if s.written.CompareAndSwap(false, true) {
			e.u.RegisterFieldAccess(s.Field, false, true)
		}
		target := e.ObjectFieldFlow(o, s.Field)
		s.mu.Lock()
		if s.linked == nil {
			s.linked = make(map[*Flow]bool)
		}
		seen := s.linked[target]
		s.linked[target] = true
		s.mu.Unlock()
		if !seen {
			e.AddUse(s.Value, target)
		}
	}
	return nil
}

// ArrayLoad reads the elements of the arrays of its array flow.
type ArrayLoad struct {
	Result *Flow
	arrays typeSet
}

func (l *ArrayLoad) ObservedType() *universe.Type { return nil }

func (l *ArrayLoad) Observe(e *Engine, objs []*Object) error {
	for _, o := range objs {
		if o.typ.IsArray() && l.arrays.add(o.typ) {
			e.AddUse(e.ElementFlow(o.typ), l.Result)
		}
	}
	return nil
}

// ArrayStore writes Value into the arrays of its array flow.
type ArrayStore struct {
	Value  *Flow
	arrays typeSet
}

func (s *ArrayStore) ObservedType() *universe.Type { return nil }

func (s *ArrayStore) Observe(e *Engine, objs []*Object) error {
	for _, o := range objs {
		if o.typ.IsArray() && s.arrays.add(o.typ) {
			e.AddUse(s.Value, e.ElementFlow(o.typ))
		}
	}
	return nil
}

type typeSet struct {
	mu  sync.Mutex
	set map[*universe.Type]bool
}

func (s *typeSet) add(t *universe.Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set[t] {
		return false
	}
	if s.set == nil {
		s.set = make(map[*universe.Type]bool)
	}
	s.set[t] = true
	return true
}

func sortMethods(ms []*universe.Method) {
	slices.SortFunc(ms, func(a, b *universe.Method) int { return cmp.Compare(a.String(), b.String()) })
}
