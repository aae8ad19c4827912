// Package builder lowers method bodies into type-flow graphs.
//
// A graph is built at most once per method, the first time the method is
// invoked. Building only creates flows and wires local uses; everything that
// registers types, allocates objects or invokes other methods is recorded as
// an activation action and runs when the engine activates the graph.
package builder

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/715d/pointsto/internal/heap"
	"github.com/715d/pointsto/internal/typeflow"
	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/pkg/classpath"
	"github.com/715d/pointsto/pkg/ir"
)

// Options configures a Builder.
type Options struct {
	// MethodHandleFallback invokes every direct target of a handle chain that
	// does not reduce to a single call, instead of reporting the call site.
	MethodHandleFallback bool
}

const newInstanceSignature = "java.lang.reflect.Array.newInstance(java.lang.Class,int)"

// Builder implements typeflow.Builder.
type Builder struct {
	u         *universe.Universe
	scanner   *heap.Scanner
	constants heap.ConstantFieldProvider
	fallback  bool
}

var _ typeflow.Builder = (*Builder)(nil)

func New(u *universe.Universe, opts Options) *Builder {
	return &Builder{u: u, fallback: opts.MethodHandleFallback}
}

// SetScanner sets the scanner embedded constants are scanned with. It must
// be called before the first graph is activated.
func (b *Builder) SetScanner(s *heap.Scanner) {
	b.scanner = s
}

// Build lowers the body of m. A body that does not parse yields a graph with
// formals only. A reference to a class with an unsupported class-file version
// yields an empty graph. Both are recorded as unsupported features.
func (b *Builder) Build(e *typeflow.Engine, m *universe.Method) (*typeflow.MethodGraph, error) {
	g := &typeflow.MethodGraph{Method: m}
	for i := range m.ParamCount() {
		g.Formals = append(g.Formals, e.NewFlow(typeflow.KindFormal, e.FilterType(m.ParamType(i)), fmt.Sprintf("formal %d of %s", i, m)))
	}
	if classpath.IsReference(m.Returns()) {
		g.Return = e.NewFlow(typeflow.KindFormal, e.FilterType(m.Returns()), "return of "+m.String())
	}

	body, err := ir.Parse(m.Decl().Body)
	if err != nil {
		e.Features().Add(fmt.Sprintf("unparsable method body: %v", err), m.String(), 0)
		return g, nil
	}

	l := &lowering{
		b:      b,
		e:      e,
		m:      m,
		g:      g,
		body:   body,
		values: make(map[int]*typeflow.Flow),
	}
	if err := l.run(); err != nil {
		var incompatible *universe.IncompatibleClassError
		if errors.As(err, &incompatible) {
			e.Features().Add(fmt.Sprintf("incompatible class: %v", err), m.String(), 0)
			slog.Debug("method graph dropped", "method", m.String(), "error", err)
			return &typeflow.MethodGraph{Method: m}, nil
		}
		return nil, err
	}
	return g, nil
}

type lowering struct {
	b      *Builder
	e      *typeflow.Engine
	m      *universe.Method
	g      *typeflow.MethodGraph
	body   *ir.Graph
	values map[int]*typeflow.Flow
}

func (l *lowering) run() error {
	var phis []*ir.Op
	for _, op := range l.body.Ops {
		if op.Code == ir.Phi {
			l.values[op.ID] = l.flow(typeflow.KindTransfer, nil, op)
			phis = append(phis, op)
		}
	}

	for _, op := range l.body.Ops {
		if err := l.lower(op); err != nil {
			return err
		}
	}

	for _, op := range phis {
		for _, a := range op.Args {
			l.e.AddUse(l.operand(a), l.values[op.ID])
		}
	}
	return nil
}

func (l *lowering) flow(kind typeflow.Kind, filter *universe.Type, op *ir.Op) *typeflow.Flow {
	f := l.e.NewFlow(kind, filter, fmt.Sprintf("%s in %s", op, l.m))
	l.g.Flows = append(l.g.Flows, f)
	return f
}

// operand returns the flow of value id. Values without objects, such as
// primitives and null, get an empty flow.
func (l *lowering) operand(id int) *typeflow.Flow {
	if f := l.values[id]; f != nil {
		return f
	}
	f := l.flow(typeflow.KindTransfer, nil, l.body.Def(id))
	l.values[id] = f
	return f
}

// fail records err as an unsupported feature of the operation, which then
// produces no flow. Incompatible classes are returned and drop the graph.
func (l *lowering) fail(op *ir.Op, err error) error {
	var incompatible *universe.IncompatibleClassError
	if errors.As(err, &incompatible) {
		return err
	}
	msg := fmt.Sprintf("%s: %v", op, err)
	if errors.Is(err, universe.ErrClassNotFound) {
		msg = fmt.Sprintf("missing class in %s: %v", op, err)
	}
	l.e.Features().Add(msg, l.m.String(), op.Line)
	return nil
}

func (l *lowering) site(op *ir.Op) string {
	return fmt.Sprintf("%s@v%d", l.m, op.ID)
}

func (l *lowering) lower(op *ir.Op) error {
	switch op.Code {
	case ir.Param:
		if op.Index >= len(l.g.Formals) {
			return l.fail(op, fmt.Errorf("parameter %d out of range", op.Index))
		}
		l.values[op.ID] = l.g.Formals[op.Index]

	case ir.Const:
		if !op.Value.IsReference() {
			return nil
		}
		l.constant(op, *op.Value)

	case ir.New, ir.NewArray:
		t, err := l.b.u.LookupType(op.Type)
		if err != nil {
			return l.fail(op, err)
		}
		if op.Code == ir.NewArray && !t.IsArray() {
			return l.fail(op, fmt.Errorf("%s is not an array type", t))
		}
		if !t.IsInstantiable() || (op.Code == ir.New && t.IsArray()) {
			return l.fail(op, fmt.Errorf("%s cannot be instantiated", t))
		}
		l.alloc(op, t)

	case ir.Load:
		f, err := l.b.u.LookupFieldRef(op.Field)
		if err != nil {
			return l.fail(op, err)
		}
		return l.load(op, f, op.Args)

	case ir.Store:
		f, err := l.b.u.LookupFieldRef(op.Field)
		if err != nil {
			return l.fail(op, err)
		}
		return l.store(op, f, op.Args)

	case ir.ArrayLoad:
		result := l.flow(typeflow.KindTransfer, nil, op)
		l.values[op.ID] = result
		arr := l.operand(op.Args[0])
		l.g.OnActivate(func() error {
			return l.e.AddObserver(arr, &typeflow.ArrayLoad{Result: result})
		})

	case ir.ArrayStore:
		arr, value := l.operand(op.Args[0]), l.operand(op.Args[1])
		l.g.OnActivate(func() error {
			return l.e.AddObserver(arr, &typeflow.ArrayStore{Value: value})
		})

	case ir.Invoke:
		kind := ir.InvokeKind(op.Kind)
		if kind == ir.InvokeHandle {
			return l.handleInvoke(op)
		}
		target, err := l.b.u.LookupMethodRef(op.Method)
		if err != nil {
			return l.fail(op, err)
		}
		if target.String() == newInstanceSignature {
			return l.arrayNewInstance(op)
		}
		return l.invoke(op, target, kind, l.operands(op.Args))

	case ir.Handle:
		// Handles are consumed by the invokes that call them.

	case ir.Cast:
		t, err := l.b.u.LookupType(op.Type)
		if err != nil {
			return l.fail(op, err)
		}
		out := l.flow(typeflow.KindTransfer, t, op)
		l.values[op.ID] = out
		l.e.AddUse(l.operand(op.Args[0]), out)
		l.g.OnActivate(func() error {
			l.b.u.RegisterAsAssignable(t)
			return nil
		})

	case ir.InstanceOf:
		t, err := l.b.u.LookupType(op.Type)
		if err != nil {
			return l.fail(op, err)
		}
		l.g.OnActivate(func() error {
			l.b.u.RegisterAsAssignable(t)
			return nil
		})

	case ir.Phi:
		// Created up front; inputs are wired once every value exists.

	case ir.Return:
		if l.g.Return != nil && len(op.Args) == 1 {
			l.e.AddUse(l.operand(op.Args[0]), l.g.Return)
		}
	}
	return nil
}

func (l *lowering) constant(op *ir.Op, v ir.Value) {
	out := l.flow(typeflow.KindSource, nil, op)
	l.values[op.ID] = out
	owner, pos := l.m.Owner(), fmt.Sprintf("%s line %d", l.m, op.Line)
	l.g.OnActivate(func() error {
		if l.b.scanner == nil {
			return fmt.Errorf("%w: no heap scanner for constant %s", typeflow.ErrInvariant, v.Format())
		}
		obj, err := l.b.scanner.ScanEmbeddedRoot(owner, v, pos)
		if err != nil {
			l.e.Features().Add(fmt.Sprintf("constant %s: %v", v.Format(), err), l.m.String(), op.Line)
			return nil
		}
		if obj != nil {
			l.e.Add(out, obj)
		}
		return nil
	})
}

func (l *lowering) alloc(op *ir.Op, t *universe.Type) *typeflow.Flow {
	out := l.flow(typeflow.KindSource, t, op)
	l.values[op.ID] = out
	site := l.site(op)
	l.g.OnActivate(func() error {
		l.e.Add(out, l.e.NewObject(t, site))
		return nil
	})
	return out
}

// arrayNewInstance lowers a reflective array allocation whose component
// type is a class literal into an allocation of the array type.
func (l *lowering) arrayNewInstance(op *ir.Op) error {
	if len(op.Args) != 2 {
		return l.fail(op, fmt.Errorf("%s takes 2 arguments, got %d", newInstanceSignature, len(op.Args)))
	}
	c := l.body.Def(op.Args[0])
	if c == nil || c.Code != ir.Const || c.Value == nil || c.Value.Class == "" {
		l.e.Features().Add("reflective array allocation with a non-constant component type", l.m.String(), op.Line)
		return nil
	}
	elem, err := l.b.u.LookupType(c.Value.Class)
	if err != nil {
		return l.fail(op, err)
	}
	t, err := l.b.u.LookupType(elem.Name() + "[]")
	if err != nil {
		return l.fail(op, err)
	}
	if !t.IsInstantiable() {
		return l.fail(op, fmt.Errorf("%s cannot be instantiated", t))
	}
	l.alloc(op, t)
	return nil
}

func (l *lowering) load(op *ir.Op, f *universe.Field, args []int) error {
	if l.b.constants.IsFoldable(f) {
		if v := f.Constant(); v != nil {
			if v.IsReference() {
				l.constant(op, *v)
			}
			return nil
		}
	}

	result := l.flow(typeflow.KindTransfer, l.e.FilterType(f.TypeName()), op)
	if op.ID != 0 {
		l.values[op.ID] = result
	}
	if f.IsStatic() {
		l.g.OnActivate(func() error {
			l.b.u.RegisterFieldAccess(f, true, false)
			l.e.AddUse(l.e.FieldFlow(f), result)
			l.e.StaticRead(f)
			return nil
		})
		return nil
	}
	if len(args) == 0 {
		return l.fail(op, fmt.Errorf("load of instance field %s without receiver", f))
	}
	recv := l.operand(args[0])
	l.g.OnActivate(func() error {
		return l.e.AddObserver(recv, &typeflow.FieldLoad{Field: f, Result: result})
	})
	return nil
}

func (l *lowering) store(op *ir.Op, f *universe.Field, args []int) error {
	if f.IsStatic() {
		if len(args) == 0 {
			return l.fail(op, fmt.Errorf("store to %s without value", f))
		}
		value := l.operand(args[len(args)-1])
		l.g.OnActivate(func() error {
			l.b.u.RegisterFieldAccess(f, false, true)
			l.e.AddUse(value, l.e.FieldFlow(f))
			return nil
		})
		return nil
	}
	if len(args) != 2 {
		return l.fail(op, fmt.Errorf("store to instance field %s needs a receiver and a value", f))
	}
	recv, value := l.operand(args[0]), l.operand(args[1])
	l.g.OnActivate(func() error {
		return l.e.AddObserver(recv, &typeflow.FieldStore{Field: f, Value: value})
	})
	return nil
}

func (l *lowering) operands(ids []int) []*typeflow.Flow {
	out := make([]*typeflow.Flow, len(ids))
	for i, id := range ids {
		out[i] = l.operand(id)
	}
	return out
}

func (l *lowering) invoke(op *ir.Op, target *universe.Method, kind ir.InvokeKind, actuals []*typeflow.Flow) error {
	if (kind == ir.InvokeStatic) != target.IsStatic() {
		return l.fail(op, fmt.Errorf("%s invoke of %s", kind, target))
	}
	if len(actuals) != target.ParamCount() {
		return l.fail(op, fmt.Errorf("%s takes %d arguments, got %d", target, target.ParamCount(), len(actuals)))
	}
	inv := &typeflow.Invoke{
		Caller:  l.m,
		Target:  target,
		Kind:    kind,
		Actuals: actuals,
		Label:   op.String(),
		Pos:     op.Line,
	}
	if op.ID != 0 && classpath.IsReference(target.Returns()) {
		inv.Result = l.flow(typeflow.KindActual, l.e.FilterType(target.Returns()), op)
		l.values[op.ID] = inv.Result
	}
	l.g.Invokes = append(l.g.Invokes, inv)
	return nil
}

// handleInvoke lowers a call through a method handle. Chains that reduce
// are spliced in as the direct access they denote.
func (l *lowering) handleInvoke(op *ir.Op) error {
	splice, reason := l.b.Transplant(l.body, op.Args[0])
	if reason != "" {
		return l.handleFallback(op, reason)
	}
	args := append(append([]int(nil), splice.Bound...), op.Args[1:]...)

	switch splice.Kind {
	case ir.HandleStatic:
		return l.invoke(op, splice.Method, ir.InvokeStatic, l.operands(args))
	case ir.HandleVirtual:
		kind := ir.InvokeVirtual
		if splice.Method.Owner().IsInterface() {
			kind = ir.InvokeInterface
		}
		return l.invoke(op, splice.Method, kind, l.operands(args))
	case ir.HandleSpecial:
		return l.invoke(op, splice.Method, ir.InvokeSpecial, l.operands(args))
	case ir.HandleConstructor:
		owner := splice.Method.Owner()
		if !owner.IsInstantiable() {
			return l.fail(op, fmt.Errorf("%s cannot be instantiated", owner))
		}
		// The allocation is the result; the constructor returns nothing.
		recv := l.alloc(op, owner)
		ctor := *op
		ctor.ID = 0
		return l.invoke(&ctor, splice.Method, ir.InvokeSpecial, append([]*typeflow.Flow{recv}, l.operands(args)...))
	case ir.HandleGetField, ir.HandleGetStatic:
		return l.load(op, splice.Field, args)
	case ir.HandlePutField, ir.HandlePutStatic:
		return l.store(op, splice.Field, args)
	}
	return l.fail(op, fmt.Errorf("%w: handle kind %s reached splice", typeflow.ErrInvariant, splice.Kind))
}

// handleFallback approximates a handle call that does not reduce by calling
// every direct target with arguments fed from the all-instantiated flows of
// the parameter types. Without the fallback, or when a target is not a
// constant direct method handle, the call site is reported and produces no
// flow.
func (l *lowering) handleFallback(op *ir.Op, reason AbortReason) error {
	var leaves []*universe.Method
	ok := false
	if l.b.fallback {
		leaves, ok = l.b.directLeaves(l.body, op.Args[0], make(map[int]bool))
	}
	if !ok || len(leaves) == 0 {
		l.e.Features().Add("unreducible method handle invocation: "+string(reason), l.m.String(), op.Line)
		return nil
	}

	var result *typeflow.Flow
	if op.ID != 0 {
		result = l.flow(typeflow.KindActual, nil, op)
		l.values[op.ID] = result
	}
	for _, target := range leaves {
		kind := ir.InvokeSpecial
		if target.IsStatic() {
			kind = ir.InvokeStatic
		}
		inv := &typeflow.Invoke{
			Caller: l.m,
			Target: target,
			Kind:   kind,
			Label:  fmt.Sprintf("%s approximated as %s", op, target),
			Pos:    op.Line,
		}
		for i := range target.ParamCount() {
			if t := l.e.FilterType(target.ParamType(i)); t != nil && t.IsReference() {
				inv.Actuals = append(inv.Actuals, l.e.AllInstantiated(t))
			} else {
				inv.Actuals = append(inv.Actuals, l.flow(typeflow.KindActual, nil, op))
			}
		}
		if result != nil && classpath.IsReference(target.Returns()) {
			inv.Result = result
		}
		l.g.Invokes = append(l.g.Invokes, inv)
	}
	slog.Debug("method handle invocation approximated", "method", l.m.String(), "reason", reason, "targets", len(leaves))
	return nil
}
