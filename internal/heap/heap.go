// Package heap models the constant objects that exist before the analyzed
// program runs: strings and class literals embedded in method bodies,
// constant objects declared by classes, and the values of static fields
// that are known at analysis time.
//
// The scanner registers the types of those objects in heap and injects the
// objects into the flows of the fields and arrays that hold them. Only
// objects of types loaded by an allowed loader are scanned.
package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/pointsto/internal/typeflow"
	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/internal/unsupported"
	"github.com/715d/pointsto/pkg/classpath"
	"github.com/715d/pointsto/pkg/ir"
)

// ErrUnknownConstant is returned for references to undeclared constant objects.
var ErrUnknownConstant = errors.New("unknown constant object")

// Object is one scanned constant. It is immutable once created.
type Object struct {
	// Key identifies the object: "str:<value>", "class:<name>" or
	// "<declaring class>#<id>".
	Key      string
	Type     *universe.Type
	Abstract *typeflow.Object
}

// ImageHeap holds the scanned objects by identity.
type ImageHeap struct {
	objects *xsync.Map[string, *Object]
}

func NewImageHeap() *ImageHeap {
	return &ImageHeap{objects: xsync.NewMap[string, *Object]()}
}

// Object returns the object with the given key, or nil.
func (h *ImageHeap) Object(key string) *Object {
	o, _ := h.objects.Load(key)
	return o
}

// Len returns the number of scanned objects.
func (h *ImageHeap) Len() int { return h.objects.Size() }

// Objects returns the scanned objects sorted by key.
func (h *ImageHeap) Objects() []*Object {
	var out []*Object
	h.objects.Range(func(_ string, o *Object) bool {
		out = append(out, o)
		return true
	})
	slices.SortFunc(out, func(a, b *Object) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Scanner walks constant object graphs into the image heap.
type Scanner struct {
	u          *universe.Universe
	e          *typeflow.Engine
	heap       *ImageHeap
	features   *unsupported.Features
	reflection ConstantReflection
	allowed    map[string]bool
}

// NewScanner returns a scanner that only scans objects of types loaded by
// the given loader domains; none given means the application and platform
// loaders.
func NewScanner(e *typeflow.Engine, heap *ImageHeap, loaders ...string) *Scanner {
	if len(loaders) == 0 {
		loaders = []string{classpath.LoaderApp, classpath.LoaderPlatform}
	}
	s := &Scanner{
		u:        e.Universe(),
		e:        e,
		heap:     heap,
		features: e.Features(),
		allowed:  make(map[string]bool, len(loaders)),
	}
	for _, l := range loaders {
		s.allowed[l] = true
	}
	return s
}

// Heap returns the image heap the scanner fills.
func (s *Scanner) Heap() *ImageHeap { return s.heap }

type constant struct {
	key   string
	typ   *universe.Type
	decl  *classpath.ObjectDecl
	owner *universe.Type // class declaring decl; resolves relative refs
}

// resolve returns nil for values that are not references.
func (s *Scanner) resolve(owner *universe.Type, v ir.Value) (*constant, error) {
	switch {
	case v.String != nil:
		t, err := s.u.LookupType(classpath.StringName)
		if err != nil {
			return nil, err
		}
		return &constant{key: "str:" + *v.String, typ: t}, nil

	case v.Class != "":
		named, err := s.u.LookupType(v.Class)
		if err != nil {
			return nil, fmt.Errorf("class literal: %w", err)
		}
		s.u.RegisterAsReachable(named, "class literal")
		t, err := s.u.LookupType(classpath.ClassName)
		if err != nil {
			return nil, err
		}
		return &constant{key: "class:" + named.Name(), typ: t}, nil

	case v.Ref != "":
		declName, id, ok := strings.Cut(v.Ref, "#")
		if !ok {
			if owner == nil {
				return nil, fmt.Errorf("%w: %s has no declaring class", ErrUnknownConstant, v.Ref)
			}
			declName, id = owner.Name(), v.Ref
		}
		declType, err := s.u.LookupType(declName)
		if err != nil {
			return nil, err
		}
		if declType.Decl() == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownConstant, v.Ref)
		}
		od := declType.Decl().Object(id)
		if od == nil {
			return nil, fmt.Errorf("%w: %s#%s", ErrUnknownConstant, declType.Name(), id)
		}
		t, err := s.u.LookupType(od.Type)
		if err != nil {
			return nil, err
		}
		return &constant{key: declType.Name() + "#" + id, typ: t, decl: od, owner: declType}, nil
	}
	return nil, nil
}

func (s *Scanner) isAllowed(t *universe.Type) bool {
	return s.allowed[t.Loader()]
}

// visit adds c to the heap and reports whether it was new.
func (s *Scanner) visit(c *constant) (*Object, bool) {
	if o := s.heap.Object(c.key); o != nil {
		return o, false
	}
	abstract := s.e.NewObject(c.typ, "heap "+c.key)
	o, loaded := s.heap.objects.LoadOrCompute(c.key, func() (*Object, bool) {
		return &Object{Key: c.key, Type: c.typ, Abstract: abstract}, false
	})
	return o, !loaded
}

// ScanEmbeddedRoot scans a constant embedded in code at pos and returns its
// abstract object. It returns nil for non-reference values and for objects
// of types whose loader is not allowed.
func (s *Scanner) ScanEmbeddedRoot(owner *universe.Type, v ir.Value, pos string) (*typeflow.Object, error) {
	root, err := s.resolve(owner, v)
	if err != nil || root == nil {
		return nil, err
	}
	if !s.isAllowed(root.typ) {
		slog.Debug("constant not scanned", "constant", root.key, "loader", root.typ.Loader(), "pos", pos)
		return nil, nil
	}

	obj, isNew := s.visit(root)
	if isNew {
		s.scan(root, pos)
	}
	return obj.Abstract, nil
}

// scan walks the object graph below root with an explicit stack.
func (s *Scanner) scan(root *constant, pos string) {
	stack := []*constant{root}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if c.decl == nil {
			continue
		}
		parent := s.heap.Object(c.key)

		for _, name := range slices.Sorted(maps.Keys(c.decl.Fields)) {
			f, err := s.u.LookupField(c.typ, name)
			if err != nil {
				s.features.Add(fmt.Sprintf("constant %s: %v", c.key, err), pos, 0)
				continue
			}
			child, ok := s.child(c, c.decl.Fields[name], pos)
			if !ok {
				continue
			}
			obj, isNew := s.visit(child)
			s.e.Add(s.e.ObjectFieldFlow(parent.Abstract, f), obj.Abstract)
			if isNew {
				stack = append(stack, child)
			}
		}

		if len(c.decl.Elements) > 0 && !c.typ.IsArray() {
			s.features.Add(fmt.Sprintf("constant %s: elements given for non-array type %s", c.key, c.typ.Name()), pos, 0)
			continue
		}
		for _, v := range c.decl.Elements {
			child, ok := s.child(c, v, pos)
			if !ok {
				continue
			}
			obj, isNew := s.visit(child)
			s.e.Add(s.e.ElementFlow(c.typ), obj.Abstract)
			if isNew {
				stack = append(stack, child)
			}
		}
	}
}

func (s *Scanner) child(parent *constant, v ir.Value, pos string) (*constant, bool) {
	child, err := s.resolve(parent.owner, v)
	if err != nil {
		s.features.Add(fmt.Sprintf("constant %s: %v", parent.key, err), pos, 0)
		return nil, false
	}
	if child == nil || !s.isAllowed(child.typ) {
		return nil, false
	}
	return child, true
}

// OnFieldRead scans the analysis-time value of a static field into the
// field's flow. Fields of classes from disallowed loaders are skipped.
func (s *Scanner) OnFieldRead(f *universe.Field) {
	if !f.IsStatic() || !s.isAllowed(f.Owner()) {
		return
	}
	v := s.reflection.ReadStaticValue(f)
	if v == nil || !v.IsReference() {
		return
	}
	obj, err := s.ScanEmbeddedRoot(f.Owner(), *v, "static "+f.String())
	if err != nil {
		s.features.Add(fmt.Sprintf("static value of %s: %v", f, err), "", 0)
		return
	}
	if obj != nil {
		s.e.Add(s.e.FieldFlow(f), obj)
	}
}

// Verifier rescans the static state of reachable types between rounds.
type Verifier struct {
	s *Scanner
}

func NewVerifier(s *Scanner) *Verifier {
	return &Verifier{s: s}
}

// Verify scans the static fields of every reachable type and reports whether
// objects were added to the heap.
func (v *Verifier) Verify() bool {
	before := v.s.heap.Len()
	for _, t := range v.s.u.Types() {
		if !t.IsReachable() {
			continue
		}
		for _, f := range t.Fields() {
			if f.IsStatic() && f.IsReference() {
				v.s.OnFieldRead(f)
			}
		}
	}
	added := v.s.heap.Len() - before
	if added > 0 {
		slog.Debug("heap verification found new objects", "added", added)
	}
	return added > 0
}
