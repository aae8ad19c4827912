// Package universe is the canonical registry of analysis types, methods and
// fields.
//
// Every lookup is insert-if-absent: concurrent lookups of the same name
// observe one instance. Types are created lazily from the declarations of a
// classpath.DeclarationResolver and carry monotone reachability flags.
package universe

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/pointsto/pkg/classpath"
)

var (
	// ErrClassNotFound is returned for names no loader declares.
	ErrClassNotFound = errors.New("class not found")
	// ErrMemberNotFound is returned when a method or field reference does not resolve.
	ErrMemberNotFound = errors.New("member not found")
	// ErrMalformedClass is returned for declarations that cannot form a type.
	ErrMalformedClass = errors.New("malformed class")
)

// IncompatibleClassError reports a class file newer than the analysis supports.
type IncompatibleClassError struct {
	Class   string
	Version int
	Max     int
}

func (e *IncompatibleClassError) Error() string {
	return fmt.Sprintf("class %s has class-file version %d, newer than the supported %d", e.Class, e.Version, e.Max)
}

// Listener observes reachability transitions. Callbacks run on the goroutine
// making the transition and must be safe for concurrent use.
type Listener interface {
	TypeCreated(t *Type)
	TypeReachable(t *Type)
	TypeInHeap(t *Type)
}

// Options configures a Universe.
type Options struct {
	// MaxClassVersion is the newest supported class-file version.
	MaxClassVersion int
}

// Universe owns all Types, Methods and Fields of one analysis run.
type Universe struct {
	resolver   classpath.DeclarationResolver
	maxVersion int
	listener   Listener
	names      *NameCache

	types    *xsync.Map[string, *Type]
	failures *xsync.Map[string, error]
	methods  *xsync.Map[string, *Method]
	fields   *xsync.Map[string, *Field]

	mu   sync.RWMutex
	byID []*Type
}

// New returns an empty universe resolving declarations through resolver.
func New(resolver classpath.DeclarationResolver, opts Options) *Universe {
	if opts.MaxClassVersion == 0 {
		opts.MaxClassVersion = classpath.Version21
	}
	return &Universe{
		resolver:   resolver,
		maxVersion: opts.MaxClassVersion,
		names:      NewNameCache(),
		types:      xsync.NewMap[string, *Type](),
		failures:   xsync.NewMap[string, error](),
		methods:    xsync.NewMap[string, *Method](),
		fields:     xsync.NewMap[string, *Field](),
	}
}

// SetListener installs the reachability listener. It must be called before
// the universe is shared between goroutines.
func (u *Universe) SetListener(l Listener) {
	u.listener = l
}

// LookupType returns the canonical type for name.
func (u *Universe) LookupType(name string) (*Type, error) {
	return u.lookupType(classpath.Canonicalize(name), nil)
}

// MustLookupType is LookupType for names that are known to exist, such as
// the platform library's java.lang.Object.
func (u *Universe) MustLookupType(name string) *Type {
	t, err := u.LookupType(name)
	if err != nil {
		panic(fmt.Sprintf("lookup %s: %v", name, err))
	}
	return t
}

// TypeByID returns the type with the given id, or nil.
func (u *Universe) TypeByID(id int) *Type {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if id < 0 || id >= len(u.byID) {
		return nil
	}
	return u.byID[id]
}

func (u *Universe) lookupType(name string, chain []string) (*Type, error) {
	if t, ok := u.types.Load(name); ok {
		return t, nil
	}
	if err, ok := u.failures.Load(name); ok {
		return nil, err
	}
	if slices.Contains(chain, name) {
		return nil, fmt.Errorf("%w: cyclic inheritance through %s", ErrMalformedClass, name)
	}
	chain = append(chain, name)

	t, err := u.createType(name, chain)
	if err != nil {
		actual, _ := u.failures.LoadOrStore(name, err)
		return nil, actual
	}
	return t, nil
}

// createType resolves everything a type links to before publishing it, so
// the compute function of the insert-if-absent only allocates.
func (u *Universe) createType(name string, chain []string) (*Type, error) {
	var (
		decl       *classpath.ClassDecl
		super      *Type
		interfaces []*Type
		elem       *Type
		extra      []*Type // additional supertypes of array types
	)

	switch {
	case classpath.IsPrimitive(name):
	case classpath.IsArray(name):
		var err error
		elem, err = u.lookupType(classpath.ElementName(name), chain)
		if err != nil {
			return nil, err
		}
		if name == "void[]" {
			return nil, fmt.Errorf("%w: array of void", ErrMalformedClass)
		}
		if super, err = u.lookupType(classpath.ObjectName, chain); err != nil {
			return nil, err
		}
		if elem.IsReference() {
			// S[] is assignable to T[] when S is assignable to T.
			for _, id := range elem.supers.AppendTo(nil) {
				if id == elem.id {
					continue
				}
				st := u.TypeByID(id)
				arr, err := u.lookupType(st.name+"[]", chain)
				if err != nil {
					return nil, err
				}
				extra = append(extra, arr)
			}
		}
	default:
		var err error
		decl, err = u.resolver.ResolveType(name)
		if err != nil {
			if errors.Is(err, classpath.ErrNotFound) {
				return nil, fmt.Errorf("%s: %w", name, ErrClassNotFound)
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedClass, err)
		}
		if v := decl.ClassVersion(); v > u.maxVersion {
			return nil, &IncompatibleClassError{Class: name, Version: v, Max: u.maxVersion}
		}
		superName := decl.Super
		if superName == "" && name != classpath.ObjectName {
			superName = classpath.ObjectName
		}
		if superName != "" {
			if super, err = u.lookupType(superName, chain); err != nil {
				return nil, fmt.Errorf("superclass of %s: %w", name, err)
			}
			if super.IsInterface() && !decl.Interface {
				return nil, fmt.Errorf("%w: %s extends interface %s", ErrMalformedClass, name, super.name)
			}
		}
		for _, in := range decl.Interfaces {
			it, err := u.lookupType(in, chain)
			if err != nil {
				return nil, fmt.Errorf("interface of %s: %w", name, err)
			}
			if !it.IsInterface() {
				return nil, fmt.Errorf("%w: %s implements class %s", ErrMalformedClass, name, it.name)
			}
			interfaces = append(interfaces, it)
		}
	}

	t, loaded := u.types.LoadOrCompute(name, func() (*Type, bool) {
		return u.newType(name, decl, super, interfaces, elem, extra), false
	})
	if loaded {
		return t, nil
	}
	for _, m := range t.methods {
		u.methods.Store(m.qualified, m)
	}
	for _, f := range t.fields {
		u.fields.Store(f.qualified, f)
	}
	slog.Debug("created type", "type", name, "id", t.id)
	if u.listener != nil {
		u.listener.TypeCreated(t)
	}
	return t, nil
}

func (u *Universe) newType(name string, decl *classpath.ClassDecl, super *Type, interfaces []*Type, elem *Type, extra []*Type) *Type {
	t := &Type{
		name:       name,
		decl:       decl,
		super:      super,
		interfaces: interfaces,
		elem:       elem,
		dispatch:   xsync.NewMap[*Method, *Method](),
	}

	switch {
	case classpath.IsPrimitive(name):
		t.flags |= flagPrimitive | flagFinal
		t.loader = classpath.LoaderPlatform
	case elem != nil:
		t.flags |= flagArray | flagFinal
		t.loader = elem.loader
	default:
		t.loader = decl.Loader
		if decl.Interface {
			t.flags |= flagInterface | flagAbstract
		}
		if decl.Abstract {
			t.flags |= flagAbstract
		}
		if decl.Final {
			t.flags |= flagFinal
		}
		for i := range decl.Fields {
			fd := &decl.Fields[i]
			t.fields = append(t.fields, &Field{owner: t, decl: fd, qualified: name + "." + fd.Name})
		}
		for i := range decl.Methods {
			m := newMethod(t, &decl.Methods[i])
			t.methods = append(t.methods, m)
			if m.IsClassInitializer() {
				t.clinit = m
			}
		}
	}

	u.mu.Lock()
	t.id = len(u.byID)
	u.byID = append(u.byID, t)
	u.mu.Unlock()

	t.supers.Insert(t.id)
	for _, s := range append([]*Type{super}, interfaces...) {
		if s != nil {
			t.supers.UnionWith(&s.supers)
		}
	}
	for _, s := range extra {
		t.supers.UnionWith(&s.supers)
	}
	return t
}

// Types returns every created type sorted by name.
func (u *Universe) Types() []*Type {
	u.mu.RLock()
	out := slices.Clone(u.byID)
	u.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Type) int { return strings.Compare(a.name, b.name) })
	return out
}

// Supertypes returns every type t is assignable to, t included.
func (u *Universe) Supertypes(t *Type) []*Type {
	ids := t.supers.AppendTo(nil)
	out := make([]*Type, 0, len(ids))
	for _, id := range ids {
		out = append(out, u.TypeByID(id))
	}
	return out
}

// Methods returns every method of every created type sorted by name.
func (u *Universe) Methods() []*Method {
	var out []*Method
	u.methods.Range(func(_ string, m *Method) bool {
		out = append(out, m)
		return true
	})
	slices.SortFunc(out, compareMethods)
	return out
}

// Fields returns every field of every created type sorted by name.
func (u *Universe) Fields() []*Field {
	var out []*Field
	u.fields.Range(func(_ string, f *Field) bool {
		out = append(out, f)
		return true
	})
	slices.SortFunc(out, func(a, b *Field) int { return strings.Compare(a.qualified, b.qualified) })
	return out
}

// RegisterAsReachable marks t and everything it links to reachable.
func (u *Universe) RegisterAsReachable(t *Type, reason string) {
	stack := []*Type{t}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == nil || !cur.reachable.CompareAndSwap(false, true) {
			continue
		}
		cur.reason.CompareAndSwap(nil, &reason)
		slog.Debug("type reachable", "type", cur.name, "reason", reason)
		stack = append(stack, cur.super, cur.elem)
		stack = append(stack, cur.interfaces...)
		if u.listener != nil {
			u.listener.TypeReachable(cur)
		}
		reason = "supertype of " + cur.name
	}
}

// RegisterAsInHeap marks t instantiated. In-heap types are reachable.
func (u *Universe) RegisterAsInHeap(t *Type, reason string) {
	u.RegisterAsReachable(t, reason)
	if t.inHeap.CompareAndSwap(false, true) {
		slog.Debug("type in heap", "type", t.name, "reason", reason)
		if u.listener != nil {
			u.listener.TypeInHeap(t)
		}
	}
}

// RegisterAsAssignable records that t takes part in subtype checks.
func (u *Universe) RegisterAsAssignable(t *Type) {
	u.RegisterAsReachable(t, "assignability check")
	t.assignable.Store(true)
}

// RegisterFieldAccess marks f reachable and read or written.
func (u *Universe) RegisterFieldAccess(f *Field, read, written bool) {
	f.reachable.Store(true)
	if read {
		f.read.Store(true)
	}
	if written {
		f.written.Store(true)
	}
	u.RegisterAsReachable(f.owner, "field "+f.qualified+" accessed")
}

// CleanUp releases method graphs and the lookup tables. Types, methods and
// fields already handed out keep their metadata.
func (u *Universe) CleanUp() {
	u.methods.Range(func(_ string, m *Method) bool {
		m.detach()
		return true
	})
	u.types.Clear()
	u.failures.Clear()
	u.methods.Clear()
	u.fields.Clear()
	u.names.Clear()
}
