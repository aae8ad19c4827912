package universe

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/tools/container/intsets"

	"github.com/715d/pointsto/pkg/classpath"
	"github.com/715d/pointsto/pkg/ir"
)

type typeFlags uint8

const (
	flagArray typeFlags = 1 << iota
	flagInterface
	flagAbstract
	flagPrimitive
	flagFinal
)

// Type is the analysis view of a class, interface, array or primitive type.
// Exactly one Type exists per name within a Universe.
type Type struct {
	id         int
	name       string
	decl       *classpath.ClassDecl
	loader     string
	super      *Type
	interfaces []*Type
	elem       *Type
	flags      typeFlags

	// supers holds the ids of every type this type is assignable to, itself
	// included. Immutable once the type is published.
	supers intsets.Sparse

	fields  []*Field
	methods []*Method
	clinit  *Method

	reachable  atomic.Bool
	inHeap     atomic.Bool
	assignable atomic.Bool
	reason     atomic.Pointer[string]

	dispatch *xsync.Map[*Method, *Method]
}

func (t *Type) ID() int                      { return t.id }
func (t *Type) Name() string                 { return t.name }
func (t *Type) String() string               { return t.name }
func (t *Type) Decl() *classpath.ClassDecl   { return t.decl }
func (t *Type) Loader() string               { return t.loader }
func (t *Type) Super() *Type                 { return t.super }
func (t *Type) Interfaces() []*Type          { return t.interfaces }
func (t *Type) Elem() *Type                  { return t.elem }
func (t *Type) IsArray() bool                { return t.flags&flagArray != 0 }
func (t *Type) IsInterface() bool            { return t.flags&flagInterface != 0 }
func (t *Type) IsAbstract() bool             { return t.flags&flagAbstract != 0 }
func (t *Type) IsPrimitive() bool            { return t.flags&flagPrimitive != 0 }
func (t *Type) IsFinal() bool                { return t.flags&flagFinal != 0 }
func (t *Type) Fields() []*Field             { return t.fields }
func (t *Type) Methods() []*Method           { return t.methods }
func (t *Type) ClassInitializer() *Method    { return t.clinit }
func (t *Type) IsReachable() bool            { return t.reachable.Load() }
func (t *Type) IsInHeap() bool               { return t.inHeap.Load() }
func (t *Type) IsRegisteredAssignable() bool { return t.assignable.Load() }
func (t *Type) IsInstantiable() bool         { return !t.IsAbstract() && !t.IsInterface() && !t.IsPrimitive() }
func (t *Type) IsReference() bool            { return !t.IsPrimitive() }

// ReachableReason returns why the type first became reachable.
func (t *Type) ReachableReason() string {
	if r := t.reason.Load(); r != nil {
		return *r
	}
	return ""
}

// IsAssignableFrom reports whether a value of type s may be stored in a
// location of type t.
func (t *Type) IsAssignableFrom(s *Type) bool {
	return s != nil && s.supers.Has(t.id)
}

// DeclaredMethod returns the method with the given signature declared by t.
func (t *Type) DeclaredMethod(sig string) *Method {
	for _, m := range t.methods {
		if m.sig == sig {
			return m
		}
	}
	return nil
}

// DeclaredField returns the field declared by t with the given name.
func (t *Type) DeclaredField(name string) *Field {
	for _, f := range t.fields {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

// NullaryConstructor returns the <init>() method, or nil.
func (t *Type) NullaryConstructor() *Method {
	return t.DeclaredMethod("<init>()")
}

// Method is the analysis view of a method, constructor or class initializer.
type Method struct {
	owner     *Type
	decl      *classpath.MethodDecl
	sig       string
	qualified string

	invoked atomic.Bool
	root    atomic.Bool

	once     sync.Once
	graph    any
	buildErr error
	builds   atomic.Int32

	mu      sync.Mutex
	callers map[*Method]struct{}
	callees map[*Method]struct{}
}

func newMethod(owner *Type, decl *classpath.MethodDecl) *Method {
	sig := decl.Signature()
	return &Method{
		owner:     owner,
		decl:      decl,
		sig:       sig,
		qualified: owner.name + "." + sig,
	}
}

func (m *Method) Owner() *Type                  { return m.owner }
func (m *Method) Decl() *classpath.MethodDecl   { return m.decl }
func (m *Method) Name() string                  { return m.decl.Name }
func (m *Method) Signature() string             { return m.sig }
func (m *Method) String() string                { return m.qualified }
func (m *Method) Params() []string              { return m.decl.Params }
func (m *Method) Returns() string               { return m.decl.Returns }
func (m *Method) IsStatic() bool                { return m.decl.Static }
func (m *Method) IsFinal() bool                 { return m.decl.Final || m.owner.IsFinal() }
func (m *Method) IsAbstract() bool              { return m.decl.Abstract }
func (m *Method) IsPrivate() bool               { return m.decl.Private }
func (m *Method) IsProtected() bool             { return m.decl.Protected }
func (m *Method) IsPublic() bool                { return m.decl.Public }
func (m *Method) IsConstructor() bool           { return m.decl.Name == "<init>" }
func (m *Method) IsClassInitializer() bool      { return m.decl.Name == "<clinit>" }
func (m *Method) HasBody() bool                 { return len(m.decl.Body) > 0 }
func (m *Method) IsImplementationInvoked() bool { return m.invoked.Load() }
func (m *Method) IsRoot() bool                  { return m.root.Load() }

// ParamCount returns the number of formal parameters including the receiver.
func (m *Method) ParamCount() int {
	if m.IsStatic() {
		return len(m.decl.Params)
	}
	return len(m.decl.Params) + 1
}

// ParamType returns the declared type name of formal parameter i, where
// parameter 0 of an instance method is the receiver.
func (m *Method) ParamType(i int) string {
	if !m.IsStatic() {
		if i == 0 {
			return m.owner.name
		}
		i--
	}
	if i < 0 || i >= len(m.decl.Params) {
		return ""
	}
	return m.decl.Params[i]
}

// RegisterAsImplementationInvoked marks m invoked and reports whether this
// call made the transition.
func (m *Method) RegisterAsImplementationInvoked() bool {
	return m.invoked.CompareAndSwap(false, true)
}

// RegisterAsRoot marks m as a root and reports whether this call made the transition.
func (m *Method) RegisterAsRoot() bool {
	return m.root.CompareAndSwap(false, true)
}

// Graph returns the analysis graph of m, running build the first time.
// Concurrent callers wait for the first build and share its result.
func (m *Method) Graph(build func(*Method) (any, error)) (any, error) {
	m.once.Do(func() {
		m.builds.Add(1)
		m.graph, m.buildErr = build(m)
	})
	return m.graph, m.buildErr
}

// GraphBuilds returns how many times the graph of m was built.
func (m *Method) GraphBuilds() int { return int(m.builds.Load()) }

// AddCallee records the call edge m -> callee on both methods. It reports
// whether the edge is new.
func (m *Method) AddCallee(callee *Method) bool {
	m.mu.Lock()
	if m.callees == nil {
		m.callees = make(map[*Method]struct{})
	}
	_, seen := m.callees[callee]
	m.callees[callee] = struct{}{}
	m.mu.Unlock()
	if seen {
		return false
	}

	callee.mu.Lock()
	if callee.callers == nil {
		callee.callers = make(map[*Method]struct{})
	}
	callee.callers[m] = struct{}{}
	callee.mu.Unlock()
	return true
}

// Callers returns the methods with a call edge to m, sorted by name.
func (m *Method) Callers() []*Method {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedMethods(m.callers)
}

// Callees returns the methods m has a call edge to, sorted by name.
func (m *Method) Callees() []*Method {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedMethods(m.callees)
}

func (m *Method) detach() {
	m.graph = nil
}

func sortedMethods(set map[*Method]struct{}) []*Method {
	out := make([]*Method, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.SortFunc(out, compareMethods)
	return out
}

func compareMethods(a, b *Method) int {
	return strings.Compare(a.qualified, b.qualified)
}

// Field is the analysis view of a field.
type Field struct {
	owner     *Type
	decl      *classpath.FieldDecl
	qualified string

	reachable atomic.Bool
	read      atomic.Bool
	written   atomic.Bool
}

func (f *Field) Owner() *Type               { return f.owner }
func (f *Field) Decl() *classpath.FieldDecl { return f.decl }
func (f *Field) Name() string               { return f.decl.Name }
func (f *Field) TypeName() string           { return f.decl.Type }
func (f *Field) String() string             { return f.qualified }
func (f *Field) IsStatic() bool             { return f.decl.Static }
func (f *Field) IsFinal() bool              { return f.decl.Final }
func (f *Field) IsPublic() bool             { return f.decl.Public }
func (f *Field) Constant() *ir.Value        { return f.decl.Constant }
func (f *Field) IsReachable() bool          { return f.reachable.Load() }
func (f *Field) IsRead() bool               { return f.read.Load() }
func (f *Field) IsWritten() bool            { return f.written.Load() }
func (f *Field) IsReference() bool          { return classpath.IsReference(f.decl.Type) }
