package typeflow

import (
	"sync"

	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/pkg/ir"
)

// Invoke is a call site. Static and special invokes are linked to their
// target when the calling method is activated. Virtual and interface invokes
// observe their receiver and link one callee per distinct dispatch result.
type Invoke struct {
	// Caller is nil for root invocations.
	Caller *universe.Method
	Target *universe.Method
	Kind   ir.InvokeKind
	// Actuals are the actual arguments, the receiver first for calls of
	// instance methods.
	Actuals []*Flow
	// Result receives the formal returns of the callees; nil when unused.
	Result *Flow
	Label  string
	Pos    int

	mu      sync.Mutex
	callees map[*universe.Method]struct{}
}

var _ Observer = (*Invoke)(nil)

func (inv *Invoke) isVirtual() bool {
	return inv.Kind == ir.InvokeVirtual || inv.Kind == ir.InvokeInterface
}

func (inv *Invoke) activate(e *Engine) error {
	if inv.isVirtual() {
		if len(inv.Actuals) == 0 {
			return nil
		}
		return e.AddObserver(inv.Actuals[0], inv)
	}
	_, err := inv.link(e, inv.Target)
	return err
}

// Callees returns the methods linked to the call site, sorted by name.
func (inv *Invoke) Callees() []*universe.Method {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]*universe.Method, 0, len(inv.callees))
	for m := range inv.callees {
		out = append(out, m)
	}
	sortMethods(out)
	return out
}

// ObservedType returns the declaring type of the target.
func (inv *Invoke) ObservedType() *universe.Type {
	return inv.Target.Owner()
}

// Observe resolves the call for each receiver object and passes the object
// to the resolved callee's receiver.
func (inv *Invoke) Observe(e *Engine, objs []*Object) error {
	byCallee := make(map[*universe.Method][]*Object)
	var order []*universe.Method
	for _, o := range objs {
		callee := e.u.ResolveConcreteMethod(o.typ, inv.Target)
		if callee == nil || callee.IsAbstract() {
			continue
		}
		if _, ok := byCallee[callee]; !ok {
			order = append(order, callee)
		}
		byCallee[callee] = append(byCallee[callee], o)
	}
	for _, callee := range order {
		g, err := inv.link(e, callee)
		if err != nil {
			return err
		}
		if g != nil && len(g.Formals) > 0 && !callee.IsStatic() {
			e.Add(g.Formals[0], byCallee[callee]...)
		}
	}
	return nil
}

// link connects the call site to callee once and returns the callee's graph.
func (inv *Invoke) link(e *Engine, callee *universe.Method) (*MethodGraph, error) {
	if callee.IsAbstract() {
		return nil, nil
	}
	inv.mu.Lock()
	if _, ok := inv.callees[callee]; ok {
		inv.mu.Unlock()
		// Linked by another worker; its graph may still be building.
		return e.Graph(callee)
	}
	if inv.callees == nil {
		inv.callees = make(map[*universe.Method]struct{})
	}
	inv.callees[callee] = struct{}{}
	inv.mu.Unlock()

	if inv.Caller != nil {
		inv.Caller.AddCallee(callee)
	}
	e.edges.Store(Edge{Caller: inv.Caller, Callee: callee, Kind: inv.Kind}, struct{}{})

	g, err := e.Invoked(callee)
	if err != nil || g == nil {
		return nil, err
	}

	first := 0
	if inv.isVirtual() && !callee.IsStatic() {
		// The receiver is passed per object by Observe.
		first = 1
	}
	for i := first; i < min(len(inv.Actuals), len(g.Formals)); i++ {
		e.AddUse(inv.Actuals[i], g.Formals[i])
	}
	if inv.Result != nil && g.Return != nil {
		e.AddUse(g.Return, inv.Result)
	}
	return g, nil
}
