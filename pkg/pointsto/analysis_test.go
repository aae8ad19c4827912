package pointsto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/715d/pointsto/internal/policy"
	"github.com/715d/pointsto/pkg/classpath"
)

const program = `
-- p/Main.yaml --
name: p.Main
methods:
  - name: main
    static: true
    public: true
    params: ["java.lang.String[]"]
    body:
      - {op: invoke, kind: static, method: "p.Main.doFoo()"}
      - {op: return}
  - name: doFoo
    static: true
    private: true
    body:
      - {id: 1, op: load, field: p.Consts.COUNT}
      - {id: 2, op: new, type: p.Worker}
      - {op: invoke, kind: special, method: "p.Worker.<init>()", args: [2]}
      - {op: invoke, kind: virtual, method: "p.Worker.work()", args: [2]}
      - {op: return}
  - name: doBar
    static: true
    private: true
    body:
      - {id: 1, op: new, type: p.Unused}
      - {op: return}
-- p/Worker.yaml --
name: p.Worker
methods:
  - name: <init>
    body:
      - {id: 1, op: param, index: 0}
      - {op: invoke, kind: special, method: "java.lang.Object.<init>()", args: [1]}
      - {op: return}
  - name: work
    body:
      - {id: 1, op: param, index: 0}
      - {op: invoke, kind: virtual, method: "p.Worker.work()", args: [1]}
      - {op: invoke, kind: special, method: "p.Worker.helper()", args: [1]}
      - {op: return}
  - name: helper
    private: true
    body:
      - {id: 1, op: param, index: 0}
      - {op: invoke, kind: virtual, method: "p.Worker.work()", args: [1]}
      - {op: return}
-- p/Consts.yaml --
name: p.Consts
fields:
  - {name: COUNT, type: int, static: true, final: true, constant: {int: 3}}
  - {name: LABEL, type: p.Label, static: true}
methods:
  - name: <clinit>
    static: true
    body:
      - {id: 1, op: new, type: p.Label}
      - {op: invoke, kind: special, method: "p.Label.<init>()", args: [1]}
      - {op: store, field: p.Consts.LABEL, args: [1]}
      - {op: return}
-- p/Label.yaml --
name: p.Label
methods:
  - name: <init>
    body:
      - {op: return}
-- p/Unused.yaml --
name: p.Unused
-- p/Base.yaml --
name: p.Base
abstract: true
-- p/Sub.yaml --
name: p.Sub
super: p.Base
`

const mixedVersions = `
-- q/Old.yaml --
name: q.Old
version: 52
methods:
  - name: use
    static: true
    body:
      - {id: 1, op: new, type: q.Future}
      - {op: return}
-- q/Future.yaml --
name: q.Future
version: 70
-- q/Fine.yaml --
name: q.Fine
version: 61
methods:
  - name: run
    static: true
    body:
      - {id: 1, op: new, type: q.Fine}
      - {op: return}
`

func testClasspath(archive string) *classpath.Resolver {
	return classpath.NewResolver(
		classpath.PlatformLoader(),
		classpath.NewLoader(classpath.LoaderApp, "test", classpath.ArchiveFS([]byte(archive))),
	)
}

func newTestAnalysis(t *testing.T, archive string, opts Options) *Analysis {
	t.Helper()
	opts.Classpath = testClasspath(archive)
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func runMain(t *testing.T, opts Options) *Result {
	t.Helper()
	a := newTestAnalysis(t, program, opts)
	require.NoError(t, a.AddEntryPoint("p.Main"))
	status, err := a.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	return a.Result()
}

func TestNew(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Classpath: testClasspath(program), Workers: -1})
	require.Error(t, err)

	a := newTestAnalysis(t, program, Options{})
	assert.True(t, a.Universe().MustLookupType("java.lang.String").IsInHeap())
	assert.True(t, a.Universe().MustLookupType("byte[][]").IsInHeap())
	assert.True(t, a.Universe().MustLookupType("void").IsReachable())
	assert.True(t, a.Universe().MustLookupType("java.lang.Integer").IsReachable())
}

func TestRun_EntryPoint(t *testing.T) {
	r := runMain(t, Options{})

	assert.True(t, r.Reachable("p.Main.main(java.lang.String[])"))
	assert.True(t, r.Reachable("p.Main.doFoo()"))
	assert.False(t, r.Reachable("p.Main.doBar()"))
	assert.False(t, r.InHeap("p.Unused"))
	assert.True(t, r.Reachable("p.Worker.work()"))
	assert.True(t, r.Reachable("p.Worker.helper()"))
	assert.Contains(t, r.Roots, "p.Main.main(java.lang.String[])")

	assert.True(t, r.Reachable("java.lang.Integer.valueOf(int)"))
	assert.True(t, r.Reachable("java.lang.Object.getClass()"))
	assert.True(t, r.InHeap("java.lang.Integer"))
	value, ok := r.Field("java.lang.String.value")
	require.True(t, ok)
	assert.True(t, value.Read)
	assert.True(t, value.Written)
	assert.Empty(t, r.Unsupported)
}

func TestRun_ConstantFieldIsNotFolded(t *testing.T) {
	r := runMain(t, Options{})

	count, ok := r.Field("p.Consts.COUNT")
	require.True(t, ok)
	assert.True(t, count.Read)
	assert.True(t, r.Reachable("p.Consts.<clinit>()"), "the class initializer runs as a normal method")
	assert.True(t, r.InHeap("p.Label"))
	label, ok := r.Field("p.Consts.LABEL")
	require.True(t, ok)
	assert.True(t, label.Written)
}

func TestRun_IncompatibleClassVersion(t *testing.T) {
	a := newTestAnalysis(t, mixedVersions, Options{})
	for _, ref := range []string{"q.Old.use()", "q.Fine.run()"} {
		m, err := a.Universe().LookupMethodRef(ref)
		require.NoError(t, err)
		require.NoError(t, a.AddRootMethod(m, true))
	}

	status, err := a.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, status)

	r := a.Result()
	assert.Equal(t, StatusDegraded, r.Status)
	assert.True(t, r.InHeap("q.Fine"))
	assert.False(t, r.InHeap("q.Future"))
	require.Len(t, r.Unsupported, 1)
	assert.Equal(t, "q.Old.use()", r.Unsupported[0].Method)
	assert.Contains(t, r.Unsupported[0].Message, "incompatible class")
}

func TestRun_IdempotentRoots(t *testing.T) {
	once := runMain(t, Options{})

	a := newTestAnalysis(t, program, Options{})
	require.NoError(t, a.AddEntryPoint("p.Main"))
	require.NoError(t, a.AddEntryPoint("p.Main"))
	_, err := a.Run(t.Context())
	require.NoError(t, err)
	twice := a.Result()

	assert.Equal(t, once.Methods, twice.Methods)
	assert.Equal(t, once.Roots, twice.Roots)
	assert.Equal(t, once.InHeapTypes, twice.InHeapTypes)
}

func TestRun_DeterministicAcrossWorkers(t *testing.T) {
	want := runMain(t, Options{Workers: 1})
	for _, workers := range []int{2, 8, 32} {
		got := runMain(t, Options{Workers: workers})
		assert.Equal(t, want.Methods, got.Methods, "workers=%d", workers)
		assert.Equal(t, want.ReachableTypes, got.ReachableTypes, "workers=%d", workers)
		assert.Equal(t, want.Fields, got.Fields, "workers=%d", workers)
		assert.Equal(t, want.Edges, got.Edges, "workers=%d", workers)
	}
}

func TestRun_InsensitiveWithinSensitive(t *testing.T) {
	ci := runMain(t, Options{Policy: policy.ContextInsensitive{Threshold: 20}})
	cs := runMain(t, Options{Policy: policy.AllocationSiteSensitive{Threshold: 20}})

	assert.Equal(t, "context-insensitive", ci.Policy)
	assert.Equal(t, "allocation-site-sensitive", cs.Policy)
	assert.Subset(t, cs.Methods, ci.Methods)
	assert.Subset(t, cs.InHeapTypes, ci.InHeapTypes)
	assert.Subset(t, cs.ReachableTypes, ci.ReachableTypes)
}

type stubFeature struct {
	BaseFeature
	before, during, exit int
	onBefore             func(a Access) error
	onDuring             func(a Access) (bool, error)
}

func (f *stubFeature) Name() string { return "stub" }

func (f *stubFeature) BeforeAnalysis(a Access) error {
	f.before++
	if f.onBefore == nil {
		return nil
	}
	return f.onBefore(a)
}

func (f *stubFeature) DuringAnalysis(a Access) (bool, error) {
	f.during++
	if f.onDuring == nil {
		return false, nil
	}
	return f.onDuring(a)
}

func (f *stubFeature) OnAnalysisExit(Access) error {
	f.exit++
	return nil
}

func TestRun_Features(t *testing.T) {
	f := &stubFeature{}
	f.onDuring = func(a Access) (bool, error) {
		if f.during > 1 {
			return false, nil
		}
		m, err := a.Universe().LookupMethodRef("p.Main.doBar()")
		if err != nil {
			return false, err
		}
		return true, a.AddRootMethod(m, true)
	}
	r := runMain(t, Options{Features: []Feature{f}})

	assert.Equal(t, 1, f.before)
	assert.Equal(t, 2, f.during)
	assert.Equal(t, 1, f.exit)
	assert.True(t, r.Reachable("p.Main.doBar()"))
	assert.True(t, r.InHeap("p.Unused"))
	assert.Equal(t, 2, r.Stats.Rounds)
}

func TestRun_IterationRequestedBeforeAnalysis(t *testing.T) {
	base := &stubFeature{}
	baseline := runMain(t, Options{Features: []Feature{base}})

	f := &stubFeature{onBefore: func(a Access) error {
		a.RequireAnalysisIteration()
		return nil
	}}
	r := runMain(t, Options{Features: []Feature{f}})

	assert.Equal(t, baseline.Stats.Rounds+1, r.Stats.Rounds)
	assert.Equal(t, base.during+1, f.during)
}

func TestAddRootClass(t *testing.T) {
	a := newTestAnalysis(t, program, Options{})

	_, err := a.AddRootClass("int", false, false)
	require.Error(t, err)
	prim, err := a.AddRootClass("int", false, true)
	require.NoError(t, err)
	assert.True(t, prim.IsReachable())

	_, err = a.AddRootClass("p.Missing", false, false)
	require.Error(t, err)

	base, err := a.AddRootClass("p.Base", true, false)
	require.NoError(t, err)
	assert.True(t, base.IsReachable())
	assert.True(t, base.IsRegisteredAssignable())
	sub, err := a.FindClassByName("p.Sub")
	require.NoError(t, err)
	assert.True(t, sub.IsReachable(), "subtypes created later are reachable")
}

func TestAddRootField(t *testing.T) {
	a := newTestAnalysis(t, program, Options{})

	f, err := a.AddRootField("p.Consts", "LABEL")
	require.NoError(t, err)
	assert.True(t, f.IsRead())
	assert.True(t, f.IsWritten())
	a.RegisterAsInHeap(a.Universe().MustLookupType("p.Label"), "test")
	require.NoError(t, a.Engine().Drain(t.Context()))
	assert.Len(t, a.Engine().Objects(a.Engine().FieldFlow(f)), 1)

	_, err = a.AddRootField("p.Consts", "missing")
	require.Error(t, err)
}

func TestRun_Errors(t *testing.T) {
	a := newTestAnalysis(t, program, Options{})
	require.NoError(t, a.AddEntryPoint("p.Main"))
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	status, err := a.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCrashed, status)
	assert.Nil(t, a.Result())

	_, err = a.Run(t.Context())
	require.ErrorIs(t, err, ErrAlreadyRun)

	require.Error(t, newTestAnalysis(t, program, Options{}).AddEntryPoint("p.Worker"))
}

func TestRun_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	runMain(t, Options{Tracer: tp.Tracer("test"), Features: []Feature{&stubFeature{}}})

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["pointsto.Run"])
	assert.Equal(t, 1, names["pointsto.Round"])
	assert.Equal(t, 1, names["pointsto.BeforeAnalysis"])
	assert.Equal(t, 1, names["pointsto.DuringAnalysis"])
	assert.Equal(t, 1, names["pointsto.OnAnalysisExit"])
}

func TestCleanUp(t *testing.T) {
	a := newTestAnalysis(t, program, Options{})
	require.NoError(t, a.AddEntryPoint("p.Main"))
	_, err := a.Run(t.Context())
	require.NoError(t, err)
	methods := a.Result().Methods

	a.CleanUp()
	assert.Empty(t, a.Universe().Methods())
	assert.Equal(t, methods, a.Result().Methods)
	assert.Equal(t, []string{"p.Main.main(java.lang.String[])", "p.Main.doFoo()", "p.Worker.work()"},
		a.Result().CallGraph.PathTo("p.Worker.work()"))
}
