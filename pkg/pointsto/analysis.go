// Package pointsto runs a whole-program points-to analysis.
//
// An Analysis is the context of one run: it owns the universe of types,
// methods and fields, the type-flow engine, the image heap and the
// registered features. Roots are added with AddRootMethod, AddRootClass and
// AddRootField, then Run iterates propagation rounds until a round adds
// nothing. Between rounds the image heap is verified and the features'
// DuringAnalysis hooks may add more roots.
package pointsto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/715d/pointsto/internal/builder"
	"github.com/715d/pointsto/internal/heap"
	"github.com/715d/pointsto/internal/policy"
	"github.com/715d/pointsto/internal/typeflow"
	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/internal/unsupported"
	"github.com/715d/pointsto/pkg/classpath"
	"github.com/715d/pointsto/pkg/ir"
)

// TracerName is the instrumentation scope of the analysis spans.
const TracerName = "github.com/715d/pointsto"

// ErrAlreadyRun is returned by Run when called a second time.
var ErrAlreadyRun = errors.New("analysis already run")

// Classpath resolves class declarations and classpath resources.
type Classpath interface {
	classpath.DeclarationResolver
	classpath.ResourceFinder
}

// Options configures an Analysis.
type Options struct {
	Classpath Classpath
	// Policy defaults to the context-insensitive policy with the default
	// saturation threshold.
	Policy policy.Policy
	// Workers bounds the propagation worker pool; zero selects the default.
	Workers int
	// MaxClassVersion is the newest class-file version accepted; zero
	// selects the newest supported one.
	MaxClassVersion int
	// MethodHandleFallback invokes every direct target of an unreducible
	// method handle chain instead of only recording it.
	MethodHandleFallback bool
	// HeapLoaders lists the loader domains whose constant objects are
	// scanned; empty means the application and platform loaders.
	HeapLoaders []string
	Features    []Feature
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Analysis is one points-to analysis run.
type Analysis struct {
	u        *universe.Universe
	e        *typeflow.Engine
	b        *builder.Builder
	scanner  *heap.Scanner
	verifier *heap.Verifier
	cp       Classpath
	features []Feature
	records  *unsupported.Features
	tracer   trace.Tracer

	subclassRoots struct {
		sync.RWMutex
		types []*universe.Type
	}

	iterate atomic.Bool
	ran     atomic.Bool
	rounds  int
	result  *Result
}

var _ Access = (*Analysis)(nil)

// New returns an analysis over opts.Classpath with the initial roots every
// program needs already registered.
func New(opts Options) (*Analysis, error) {
	if opts.Classpath == nil {
		return nil, errors.New("no classpath")
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("workers must not be negative, got %d", opts.Workers)
	}
	if opts.Policy == nil {
		opts.Policy = policy.ContextInsensitive{Threshold: policy.DefaultSaturationThreshold}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(TracerName)
	}

	a := &Analysis{
		cp:       opts.Classpath,
		features: opts.Features,
		records:  &unsupported.Features{},
		tracer:   opts.Tracer,
	}
	a.u = universe.New(opts.Classpath, universe.Options{MaxClassVersion: opts.MaxClassVersion})
	a.u.SetListener((*listener)(a))
	a.b = builder.New(a.u, builder.Options{MethodHandleFallback: opts.MethodHandleFallback})
	a.e = typeflow.New(a.u, typeflow.Options{
		Policy:   opts.Policy,
		Builder:  a.b,
		Workers:  opts.Workers,
		Features: a.records,
		OnStaticRead: func(f *universe.Field) {
			a.scanner.OnFieldRead(f)
		},
	})
	a.scanner = heap.NewScanner(a.e, heap.NewImageHeap(), opts.HeapLoaders...)
	a.b.SetScanner(a.scanner)
	a.verifier = heap.NewVerifier(a.scanner)

	if err := a.addInitialRoots(); err != nil {
		return nil, fmt.Errorf("initial roots: %w", err)
	}
	return a, nil
}

// addInitialRoots registers the types and members every program relies on
// whether or not its code mentions them.
func (a *Analysis) addInitialRoots() error {
	for _, name := range []string{
		classpath.ObjectName,
		classpath.StringName,
		classpath.StringName + "[]",
		"long[]",
		"byte[]",
		"byte[][]",
		classpath.ObjectName + "[]",
	} {
		t, err := a.AddRootClass(name, false, false)
		if err != nil {
			return err
		}
		a.RegisterAsInHeap(t, "root class")
	}
	if _, err := a.AddRootField(classpath.StringName, "value"); err != nil {
		return err
	}
	object := a.u.MustLookupType(classpath.ObjectName)
	getClass, err := a.u.LookupMethod(object, "getClass()")
	if err != nil {
		return err
	}
	if err := a.AddRootMethod(getClass, true); err != nil {
		return err
	}

	for prim, box := range classpath.Boxes {
		if _, err := a.AddRootClass(prim, false, true); err != nil {
			return err
		}
		t, err := a.AddRootClass(box, false, false)
		if err != nil {
			return err
		}
		if _, err := a.AddRootField(box, "value"); err != nil {
			return err
		}
		for _, sig := range []string{
			ir.Signature("valueOf", []string{prim}),
			ir.Signature(prim+"Value", nil),
		} {
			m, err := a.u.LookupMethod(t, sig)
			if err != nil {
				slog.Debug("box method missing", "type", box, "method", sig)
				continue
			}
			if err := a.AddRootMethod(m, true); err != nil {
				return err
			}
		}
	}
	if _, err := a.AddRootClass("void", false, true); err != nil {
		return err
	}
	return nil
}

// Universe returns the analysis universe.
func (a *Analysis) Universe() *universe.Universe { return a.u }

// Engine returns the propagation engine.
func (a *Analysis) Engine() *typeflow.Engine { return a.e }

// Heap returns the image heap filled by the heap scanner.
func (a *Analysis) Heap() *heap.ImageHeap { return a.scanner.Heap() }

// Unsupported returns the unsupported features recorded so far.
func (a *Analysis) Unsupported() *unsupported.Features { return a.records }

// FindClassByName returns the type with the given name.
func (a *Analysis) FindClassByName(name string) (*universe.Type, error) {
	return a.u.LookupType(name)
}

// ReachableTypes returns every reachable type sorted by name.
func (a *Analysis) ReachableTypes() []*universe.Type {
	var out []*universe.Type
	for _, t := range a.u.Types() {
		if t.IsReachable() {
			out = append(out, t)
		}
	}
	return out
}

// Resources returns the contents of the named resource in every classpath
// root that has it.
func (a *Analysis) Resources(name string) ([]classpath.Resource, error) {
	return a.cp.Resources(name)
}

// RequireAnalysisIteration asks for another round after the current one.
func (a *Analysis) RequireAnalysisIteration() {
	a.iterate.Store(true)
}

// AddRootMethod registers m as an entry point. A special root is invoked
// directly; otherwise every instantiated subtype of the declaring type
// dispatches it. Adding a root twice has no effect.
func (a *Analysis) AddRootMethod(m *universe.Method, invokeSpecially bool) error {
	if m == nil {
		return errors.New("nil root method")
	}
	if _, err := a.e.AddRoot(m, invokeSpecially); err != nil {
		return fmt.Errorf("root %s: %w", m, err)
	}
	return nil
}

// RegisterAsInvoked registers m as invoked directly, as a reflective or
// service-loader instantiation would invoke it.
func (a *Analysis) RegisterAsInvoked(m *universe.Method) error {
	return a.AddRootMethod(m, true)
}

// RegisterAsInHeap registers t as instantiated.
func (a *Analysis) RegisterAsInHeap(t *universe.Type, reason string) {
	a.u.RegisterAsInHeap(t, reason)
}

// AddRootClass registers the named type reachable and assignable. With
// includeSubclasses every current and future subtype becomes reachable as
// well. Primitive types are rejected unless allowPrimitive is set.
func (a *Analysis) AddRootClass(name string, includeSubclasses, allowPrimitive bool) (*universe.Type, error) {
	t, err := a.u.LookupType(name)
	if err != nil {
		return nil, fmt.Errorf("root class %s: %w", name, err)
	}
	if t.IsPrimitive() && !allowPrimitive {
		return nil, fmt.Errorf("root class %s: primitive type", name)
	}
	a.u.RegisterAsAssignable(t)
	a.u.RegisterAsReachable(t, "root class")
	if !includeSubclasses {
		return t, nil
	}

	a.subclassRoots.Lock()
	a.subclassRoots.types = append(a.subclassRoots.types, t)
	a.subclassRoots.Unlock()
	for _, s := range a.u.Types() {
		if s != t && t.IsAssignableFrom(s) {
			a.u.RegisterAsReachable(s, "subtype of root class "+t.Name())
		}
	}
	return t, nil
}

// AddRootField registers the named field of the named type reachable, read
// and written. A reference field receives every instantiated object of its
// declared type.
func (a *Analysis) AddRootField(typeName, name string) (*universe.Field, error) {
	t, err := a.u.LookupType(typeName)
	if err != nil {
		return nil, fmt.Errorf("root field %s.%s: %w", typeName, name, err)
	}
	f, err := a.u.LookupField(t, name)
	if err != nil {
		return nil, fmt.Errorf("root field: %w", err)
	}
	a.u.RegisterFieldAccess(f, true, true)
	if ft := a.e.FilterType(f.TypeName()); ft != nil && ft.IsReference() {
		a.e.AddUse(a.e.AllInstantiated(ft), a.e.FieldFlow(f))
	}
	return f, nil
}

// AddEntryPoint registers main(java.lang.String[]) of the named class as a
// special root.
func (a *Analysis) AddEntryPoint(className string) error {
	t, err := a.u.LookupType(className)
	if err != nil {
		return fmt.Errorf("entry class: %w", err)
	}
	m, err := a.u.LookupMethod(t, ir.Signature("main", []string{classpath.StringName + "[]"}))
	if err != nil {
		return fmt.Errorf("entry class %s: %w", className, err)
	}
	return a.AddRootMethod(m, true)
}

// Run iterates propagation rounds until a round neither leaves work behind,
// grows the image heap nor has a feature request another iteration. An
// error aborts the run with StatusCrashed.
func (a *Analysis) Run(ctx context.Context) (Status, error) {
	if !a.ran.CompareAndSwap(false, true) {
		return StatusCrashed, ErrAlreadyRun
	}
	ctx, span := a.tracer.Start(ctx, "pointsto.Run", trace.WithAttributes(
		attribute.String("policy", a.e.Policy().Name()),
		attribute.Int("workers", a.e.Workers()),
	))
	defer span.End()

	status, err := a.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("analysis crashed", "status", status.String(), "rounds", a.rounds, "error", err)
		return status, err
	}
	span.SetAttributes(attribute.String("status", status.String()), attribute.Int("rounds", a.rounds))
	slog.Info("analysis finished",
		"status", status.String(),
		"rounds", a.rounds,
		"types", len(a.result.ReachableTypes),
		"methods", len(a.result.Methods),
		"unsupported", len(a.result.Unsupported))
	return status, nil
}

func (a *Analysis) run(ctx context.Context) (Status, error) {
	for _, f := range a.features {
		if err := a.hook(ctx, f, "BeforeAnalysis", f.BeforeAnalysis); err != nil {
			return StatusCrashed, err
		}
	}

	for {
		a.rounds++
		again, err := a.round(ctx)
		if err != nil {
			return StatusCrashed, err
		}
		if !again {
			break
		}
	}

	for _, f := range a.features {
		if err := a.hook(ctx, f, "OnAnalysisExit", f.OnAnalysisExit); err != nil {
			return StatusCrashed, err
		}
	}

	status := StatusOK
	if a.records.Len() > 0 {
		status = StatusDegraded
	}
	a.result = a.snapshot(status)
	return status, nil
}

// round drains the worklist, then runs the heap verifier and the features'
// DuringAnalysis hooks. It reports whether another round is needed.
func (a *Analysis) round(ctx context.Context) (bool, error) {
	ctx, span := a.tracer.Start(ctx, "pointsto.Round", trace.WithAttributes(attribute.Int("round", a.rounds)))
	defer span.End()

	if err := a.e.Drain(ctx); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("round %d: %w", a.rounds, err)
	}
	grew := a.verifier.Verify()
	for _, f := range a.features {
		_, fspan := a.tracer.Start(ctx, "pointsto.DuringAnalysis", trace.WithAttributes(attribute.String("feature", f.Name())))
		more, err := f.DuringAnalysis(a)
		fspan.End()
		if err != nil {
			return false, fmt.Errorf("feature %s: %w", f.Name(), err)
		}
		if more {
			a.iterate.Store(true)
		}
	}
	// Requests from any hook since the previous round, BeforeAnalysis
	// included, are consumed here.
	requested := a.iterate.Swap(false)
	again := a.e.Pending() || grew || requested
	span.SetAttributes(
		attribute.Int("flows", a.e.FlowCount()),
		attribute.Bool("heap-grew", grew),
		attribute.Bool("again", again),
	)
	slog.Debug("round finished", "round", a.rounds, "flows", a.e.FlowCount(), "again", again)
	return again, nil
}

func (a *Analysis) hook(ctx context.Context, f Feature, name string, fn func(Access) error) error {
	_, span := a.tracer.Start(ctx, "pointsto."+name, trace.WithAttributes(attribute.String("feature", f.Name())))
	defer span.End()
	if err := fn(a); err != nil {
		span.RecordError(err)
		return fmt.Errorf("feature %s: %w", f.Name(), err)
	}
	return nil
}

// Result returns the snapshot taken when Run finished, or nil before.
func (a *Analysis) Result() *Result { return a.result }

// CleanUp releases method graphs and the universe's lookup tables. The
// result snapshot stays valid.
func (a *Analysis) CleanUp() {
	a.u.CleanUp()
}

// listener forwards universe transitions to the analysis.
type listener Analysis

func (l *listener) TypeCreated(t *universe.Type) {
	a := (*Analysis)(l)
	a.subclassRoots.RLock()
	var root *universe.Type
	for _, r := range a.subclassRoots.types {
		if r != t && r.IsAssignableFrom(t) {
			root = r
			break
		}
	}
	a.subclassRoots.RUnlock()
	if root != nil {
		a.u.RegisterAsReachable(t, "subtype of root class "+root.Name())
	}
}

// TypeReachable roots the class initializer. The root is deferred because
// types become reachable while method graphs are built.
func (l *listener) TypeReachable(t *universe.Type) {
	clinit := t.ClassInitializer()
	if clinit == nil {
		return
	}
	a := (*Analysis)(l)
	a.e.Defer(func() error {
		_, err := a.e.AddRoot(clinit, true)
		return err
	})
}

func (l *listener) TypeInHeap(t *universe.Type) {
	(*Analysis)(l).e.TypeInHeap(t)
}
