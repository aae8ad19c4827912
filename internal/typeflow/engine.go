// Package typeflow is the fixpoint propagation engine of the points-to
// analysis.
//
// Every program point that may hold a reference is a Flow. Flows hold sets of
// abstract objects and push the objects they gain (the delta) to their uses,
// and notify their observers. Observers resolve virtual calls, wire instance
// field and array accesses, and build the graphs of newly invoked methods
// lazily, which in turn creates new flows. A round drains the worklist of
// flows with pending deltas with a bounded pool of workers.
//
// A flow whose state grows past the policy's saturation threshold stops
// propagating. Its filtered uses read the all-instantiated flow of their
// filter type instead, its unfiltered uses saturate in turn, and its
// observers observe the all-instantiated flow of their declared type.
package typeflow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/container/intsets"

	"github.com/715d/pointsto/internal/policy"
	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/internal/unsupported"
	"github.com/715d/pointsto/pkg/classpath"
	"github.com/715d/pointsto/pkg/ir"
)

// ErrInvariant is wrapped by errors that indicate a defect of the analysis
// rather than a property of the analyzed program. They abort the run.
var ErrInvariant = errors.New("analysis invariant violated")

// MaxWorkers caps the default worker count.
const MaxWorkers = 32

// Builder lowers a method into its type-flow graph. Build must only create
// flows and record activation actions; it must not invoke methods or
// register types.
type Builder interface {
	Build(e *Engine, m *universe.Method) (*MethodGraph, error)
}

// Options configures an Engine.
type Options struct {
	Policy  policy.Policy
	Builder Builder
	// Workers bounds the worker pool; zero selects min(NumCPU, MaxWorkers).
	Workers int
	// Features collects unsupported features; a fresh set is used when nil.
	Features *unsupported.Features
	// OnStaticRead is called when a static field is first read.
	OnStaticRead func(f *universe.Field)
}

type objectKey struct {
	typ *universe.Type
	key string
}

// Edge is a call graph edge. Root invocations have a nil Caller.
type Edge struct {
	Caller *universe.Method
	Callee *universe.Method
	Kind   ir.InvokeKind
}

// Engine owns all flows and abstract objects of one analysis run.
type Engine struct {
	u            *universe.Universe
	policy       policy.Policy
	builder      Builder
	features     *unsupported.Features
	workers      int
	threshold    int
	onStaticRead func(f *universe.Field)

	nextFlow    atomic.Int64
	builds      atomic.Int64
	saturations atomic.Int64

	// objMu serializes object creation against all-instantiated flow
	// creation so that no object misses a flow it belongs to.
	objMu   sync.RWMutex
	objects map[objectKey]*Object
	objByID []*Object
	allInst map[*universe.Type]*Flow

	fields   *xsync.Map[*universe.Field, *Flow]
	elements *xsync.Map[*universe.Type, *Flow]
	edges    *xsync.Map[Edge, struct{}]

	work struct {
		sync.Mutex
		flows []*Flow
		tasks []func() error
	}
}

// New returns an engine over u.
func New(u *universe.Universe, opts Options) *Engine {
	if opts.Policy == nil {
		opts.Policy = policy.ContextInsensitive{Threshold: policy.DefaultSaturationThreshold}
	}
	if opts.Workers <= 0 {
		opts.Workers = min(runtime.NumCPU(), MaxWorkers)
	}
	if opts.Features == nil {
		opts.Features = &unsupported.Features{}
	}
	return &Engine{
		u:            u,
		policy:       opts.Policy,
		builder:      opts.Builder,
		features:     opts.Features,
		workers:      opts.Workers,
		threshold:    opts.Policy.SaturationThreshold(),
		onStaticRead: opts.OnStaticRead,
		objects:      make(map[objectKey]*Object),
		allInst:      make(map[*universe.Type]*Flow),
		fields:       xsync.NewMap[*universe.Field, *Flow](),
		elements:     xsync.NewMap[*universe.Type, *Flow](),
		edges:        xsync.NewMap[Edge, struct{}](),
	}
}

func (e *Engine) Universe() *universe.Universe    { return e.u }
func (e *Engine) Policy() policy.Policy           { return e.policy }
func (e *Engine) Features() *unsupported.Features { return e.features }
func (e *Engine) Workers() int                    { return e.workers }

// GraphBuilds returns how many method graphs were built.
func (e *Engine) GraphBuilds() int { return int(e.builds.Load()) }

// NewFlow creates a flow. Objects not assignable to filter never enter it; a
// nil filter accepts every object.
func (e *Engine) NewFlow(kind Kind, filter *universe.Type, label string) *Flow {
	return &Flow{
		id:     int(e.nextFlow.Add(1)),
		kind:   kind,
		label:  label,
		filter: filter,
	}
}

// FilterType returns the type named by a declared type name for use as a
// flow filter. Names that do not resolve yield nil, which accepts every
// object.
func (e *Engine) FilterType(name string) *universe.Type {
	if name == "" {
		return nil
	}
	t, err := e.u.LookupType(name)
	if err != nil {
		return nil
	}
	return t
}

// Add merges objs into f.
func (e *Engine) Add(f *Flow, objs ...*Object) {
	schedule, saturated := f.add(objs, e.threshold)
	switch {
	case saturated:
		e.schedTask(func() error { return e.saturate(f) })
	case schedule:
		e.schedule(f)
	}
}

// AddUse makes to receive every object of from, now and later.
func (e *Engine) AddUse(from, to *Flow) {
	if from == to {
		return
	}
	from.mu.Lock()
	if from.saturated {
		from.mu.Unlock()
		e.saturatedUse(to)
		return
	}
	from.uses = append(from.uses, to)
	var s intsets.Sparse
	s.Copy(&from.state)
	from.mu.Unlock()
	e.Add(to, e.objectsOf(&s)...)
}

// AddObserver makes obs observe every object of f, now and later.
func (e *Engine) AddObserver(f *Flow, obs Observer) error {
	f.mu.Lock()
	if f.saturated {
		f.mu.Unlock()
		return e.AddObserver(e.AllInstantiated(e.observedType(obs)), obs)
	}
	f.observers = append(f.observers, obs)
	var s intsets.Sparse
	s.Copy(&f.state)
	f.mu.Unlock()
	if s.IsEmpty() {
		return nil
	}
	return obs.Observe(e, e.objectsOf(&s))
}

// Objects returns the current state of f ordered by object id.
func (e *Engine) Objects(f *Flow) []*Object {
	return e.objectsOf(f.snapshot())
}

// Types returns the distinct types in the current state of f sorted by name.
func (e *Engine) Types(f *Flow) []*universe.Type {
	seen := make(map[*universe.Type]bool)
	var out []*universe.Type
	for _, o := range e.Objects(f) {
		if !seen[o.typ] {
			seen[o.typ] = true
			out = append(out, o.typ)
		}
	}
	slices.SortFunc(out, func(a, b *universe.Type) int { return cmp.Compare(a.Name(), b.Name()) })
	return out
}

func (e *Engine) objectsOf(s *intsets.Sparse) []*Object {
	if s.IsEmpty() {
		return nil
	}
	ids := s.AppendTo(make([]int, 0, s.Len()))
	out := make([]*Object, len(ids))
	e.objMu.RLock()
	defer e.objMu.RUnlock()
	for i, id := range ids {
		out[i] = e.objByID[id]
	}
	return out
}

func (e *Engine) observedType(obs Observer) *universe.Type {
	if t := obs.ObservedType(); t != nil {
		return t
	}
	return e.u.MustLookupType(classpath.ObjectName)
}

// NewObject registers t in heap and returns the abstract object for an
// allocation of t at site.
func (e *Engine) NewObject(t *universe.Type, site string) *Object {
	e.u.RegisterAsInHeap(t, "allocated at "+site)
	e.TypeInHeap(t)
	return e.object(t, e.policy.SiteKey(site))
}

// TypeInHeap creates the type's canonical object. It is called for every type
// registered in heap, however it was registered.
func (e *Engine) TypeInHeap(t *universe.Type) {
	e.object(t, "")
}

func (e *Engine) object(t *universe.Type, key string) *Object {
	k := objectKey{typ: t, key: key}
	e.objMu.RLock()
	o := e.objects[k]
	e.objMu.RUnlock()
	if o != nil {
		return o
	}

	e.objMu.Lock()
	if o := e.objects[k]; o != nil {
		e.objMu.Unlock()
		return o
	}
	o = &Object{id: len(e.objByID), typ: t, site: key}
	if e.policy.PerObjectFields() {
		o.fields = xsync.NewMap[*universe.Field, *Flow]()
	}
	e.objects[k] = o
	e.objByID = append(e.objByID, o)
	var targets []*Flow
	for at, f := range e.allInst {
		if at.IsAssignableFrom(t) {
			targets = append(targets, f)
		}
	}
	e.objMu.Unlock()

	for _, f := range targets {
		e.Add(f, o)
	}
	return o
}

// AllObjects returns every abstract object ordered by id.
func (e *Engine) AllObjects() []*Object {
	e.objMu.RLock()
	defer e.objMu.RUnlock()
	return slices.Clone(e.objByID)
}

// AllInstantiated returns the flow holding every object whose type is
// assignable to t. It never saturates.
func (e *Engine) AllInstantiated(t *universe.Type) *Flow {
	e.objMu.RLock()
	f := e.allInst[t]
	e.objMu.RUnlock()
	if f != nil {
		return f
	}

	e.objMu.Lock()
	if f := e.allInst[t]; f != nil {
		e.objMu.Unlock()
		return f
	}
	f = e.NewFlow(KindSource, t, "all instantiated "+t.Name())
	f.global = true
	e.allInst[t] = f
	var seed []*Object
	for _, o := range e.objByID {
		if t.IsAssignableFrom(o.typ) {
			seed = append(seed, o)
		}
	}
	e.objMu.Unlock()

	e.Add(f, seed...)
	return f
}

// FieldFlow returns the flow holding every value stored into f.
func (e *Engine) FieldFlow(f *universe.Field) *Flow {
	if flow, ok := e.fields.Load(f); ok {
		return flow
	}
	filter := e.FilterType(f.TypeName())
	flow, _ := e.fields.LoadOrCompute(f, func() (*Flow, bool) {
		return e.NewFlow(KindTransfer, filter, "field "+f.String()), false
	})
	return flow
}

// ObjectFieldFlow returns the flow of field f of object o. Without per-object
// fields it is the shared field flow. Per-object flows feed the shared flow.
func (e *Engine) ObjectFieldFlow(o *Object, f *universe.Field) *Flow {
	if o.fields == nil || f.IsStatic() {
		return e.FieldFlow(f)
	}
	if flow, ok := o.fields.Load(f); ok {
		return flow
	}
	filter := e.FilterType(f.TypeName())
	flow, loaded := o.fields.LoadOrCompute(f, func() (*Flow, bool) {
		return e.NewFlow(KindTransfer, filter, "field "+f.String()+" of "+o.String()), false
	})
	if !loaded {
		e.AddUse(flow, e.FieldFlow(f))
	}
	return flow
}

// ElementFlow returns the flow holding every element stored into arrays of
// type arr.
func (e *Engine) ElementFlow(arr *universe.Type) *Flow {
	if flow, ok := e.elements.Load(arr); ok {
		return flow
	}
	flow, _ := e.elements.LoadOrCompute(arr, func() (*Flow, bool) {
		return e.NewFlow(KindTransfer, arr.Elem(), "elements of "+arr.Name()), false
	})
	return flow
}

func (e *Engine) saturatedUse(to *Flow) {
	if to.filter != nil {
		e.AddUse(e.AllInstantiated(to.filter), to)
		return
	}
	if to.markSaturated() {
		e.schedTask(func() error { return e.saturate(to) })
	}
}

// saturate rewires the uses and observers of a flow already marked
// saturated.
func (e *Engine) saturate(f *Flow) error {
	stack := []*Flow{f}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e.saturations.Add(1)
		slog.Debug("flow saturated", "flow", cur.String())

		cur.mu.Lock()
		uses, observers := slices.Clone(cur.uses), slices.Clone(cur.observers)
		cur.mu.Unlock()
		for _, use := range uses {
			if use.filter != nil {
				e.AddUse(e.AllInstantiated(use.filter), use)
			} else if use.markSaturated() {
				stack = append(stack, use)
			}
		}
		for _, obs := range observers {
			if err := e.AddObserver(e.AllInstantiated(e.observedType(obs)), obs); err != nil {
				return err
			}
		}
	}
	return nil
}

// Saturations returns the number of saturated flows.
func (e *Engine) Saturations() int { return int(e.saturations.Load()) }

// FlowCount returns the number of flows created so far.
func (e *Engine) FlowCount() int { return int(e.nextFlow.Load()) }

func (e *Engine) schedule(f *Flow) {
	if !f.pending.CompareAndSwap(false, true) {
		return
	}
	e.work.Lock()
	e.work.flows = append(e.work.flows, f)
	e.work.Unlock()
}

func (e *Engine) schedTask(task func() error) {
	e.work.Lock()
	e.work.tasks = append(e.work.tasks, task)
	e.work.Unlock()
}

// Defer queues task for the next drain. Listeners use it to act on
// transitions that happen while a graph is being built.
func (e *Engine) Defer(task func() error) {
	e.schedTask(task)
}

// Pending reports whether the worklist holds work.
func (e *Engine) Pending() bool {
	e.work.Lock()
	defer e.work.Unlock()
	return len(e.work.flows) > 0 || len(e.work.tasks) > 0
}

// Drain processes the worklist until it is empty. The first error cancels
// the remaining work; the engine must not be used afterwards.
func (e *Engine) Drain(ctx context.Context) error {
	var (
		flows []*Flow
		tasks []func() error
	)
	// Double-buffering: workers append to the live lists while the previous
	// batch is processed.
	for {
		e.work.Lock()
		flows, e.work.flows = e.work.flows, flows[:0]
		tasks, e.work.tasks = e.work.tasks, tasks[:0]
		e.work.Unlock()
		if len(flows) == 0 && len(tasks) == 0 {
			return ctx.Err()
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for _, task := range tasks {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return task()
			})
		}
		for _, f := range flows {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return e.process(f)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		clear(tasks)
		clear(flows)
	}
}

func (e *Engine) process(f *Flow) error {
	f.pending.Store(false)
	delta, uses, observers := f.take()
	if delta == nil {
		return nil
	}
	objs := e.objectsOf(delta)
	for _, use := range uses {
		e.Add(use, objs...)
	}
	for _, obs := range observers {
		if err := obs.Observe(e, objs); err != nil {
			return err
		}
	}
	return nil
}

// Edges returns the call graph edges sorted by caller, callee and kind.
func (e *Engine) Edges() []Edge {
	var out []Edge
	e.edges.Range(func(edge Edge, _ struct{}) bool {
		out = append(out, edge)
		return true
	})
	name := func(m *universe.Method) string {
		if m == nil {
			return ""
		}
		return m.String()
	}
	slices.SortFunc(out, func(a, b Edge) int {
		return cmp.Or(
			cmp.Compare(name(a.Caller), name(b.Caller)),
			cmp.Compare(name(a.Callee), name(b.Callee)),
			cmp.Compare(a.Kind, b.Kind),
		)
	})
	return out
}

// Graph returns the graph of m, building it if needed. Methods without a body
// have no graph.
func (e *Engine) Graph(m *universe.Method) (*MethodGraph, error) {
	if !m.HasBody() || e.builder == nil {
		return nil, nil
	}
	v, err := m.Graph(e.build)
	if err != nil {
		return nil, err
	}
	g, _ := v.(*MethodGraph)
	return g, nil
}

func (e *Engine) build(m *universe.Method) (any, error) {
	e.builds.Add(1)
	g, err := e.builder.Build(e, m)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", m, err)
	}
	if g != nil && g.Method != m {
		return nil, fmt.Errorf("%w: graph of %s built for %s", ErrInvariant, g.Method, m)
	}
	return g, nil
}

// Invoked marks m invoked, builds its graph and, the first time, schedules
// its activation.
func (e *Engine) Invoked(m *universe.Method) (*MethodGraph, error) {
	first := m.RegisterAsImplementationInvoked()
	if first {
		e.u.RegisterAsReachable(m.Owner(), "method "+m.String()+" invoked")
		slog.Debug("method invoked", "method", m.String())
	}
	g, err := e.Graph(m)
	if err != nil {
		return nil, err
	}
	if first && g != nil {
		e.schedTask(func() error { return g.activate(e) })
	}
	return g, nil
}

// AddRoot registers m as a root. Special roots are invoked directly with each
// parameter fed from the all-instantiated flow of its declared type. Other
// roots dispatch on every instantiated subtype of the declaring type. It
// reports whether m was not a root before.
func (e *Engine) AddRoot(m *universe.Method, invokeSpecially bool) (bool, error) {
	if !m.RegisterAsRoot() {
		return false, nil
	}
	kind := ir.InvokeVirtual
	if invokeSpecially || m.IsStatic() || m.IsConstructor() || m.IsClassInitializer() {
		kind = ir.InvokeSpecial
		if m.IsStatic() {
			kind = ir.InvokeStatic
		}
	}
	inv := &Invoke{Target: m, Kind: kind, Label: "root " + m.String()}
	for i := range m.ParamCount() {
		if t := e.FilterType(m.ParamType(i)); t != nil && t.IsReference() {
			inv.Actuals = append(inv.Actuals, e.AllInstantiated(t))
		} else {
			inv.Actuals = append(inv.Actuals, e.NewFlow(KindActual, nil, "root argument"))
		}
	}
	slog.Debug("root method", "method", m.String(), "special", kind != ir.InvokeVirtual)
	return true, inv.activate(e)
}

// MethodGraph is the type-flow graph of one method.
type MethodGraph struct {
	Method *universe.Method
	// Formals are the formal parameters, the receiver first for instance
	// methods.
	Formals []*Flow
	// Return is the formal return, nil for methods without a reference result.
	Return  *Flow
	Invokes []*Invoke
	Flows   []*Flow

	actions []func() error
}

// OnActivate records an action run once when the method is first invoked.
func (g *MethodGraph) OnActivate(fn func() error) {
	g.actions = append(g.actions, fn)
}

func (g *MethodGraph) activate(e *Engine) error {
	for _, fn := range g.actions {
		if err := fn(); err != nil {
			return fmt.Errorf("activate %s: %w", g.Method, err)
		}
	}
	for _, inv := range g.Invokes {
		if err := inv.activate(e); err != nil {
			return err
		}
	}
	return nil
}

// StaticRead reports the first read of a static field to the heap scanner.
func (e *Engine) StaticRead(f *universe.Field) {
	if e.onStaticRead != nil {
		e.onStaticRead(f)
	}
}
