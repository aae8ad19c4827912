package typeflow

import (
	"fmt"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/pointsto/internal/policy"
	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/pkg/classpath"
	"github.com/715d/pointsto/pkg/ir"
)

var hierarchy = map[string]string{
	"f/Base.yaml": `
name: f.Base
abstract: true
methods:
  - name: name
    returns: java.lang.Object
    body:
      - {op: return}
  - {name: size, returns: int, abstract: true}
`,
	"f/A.yaml": `
name: f.A
super: f.Base
methods:
  - name: name
    returns: java.lang.Object
    body:
      - {op: return}
`,
	"f/B.yaml": "name: f.B\nsuper: f.Base\n",
	"f/C.yaml": "name: f.C\nsuper: f.Base\n",
	"f/D.yaml": "name: f.D\nsuper: f.Base\n",
	"f/E.yaml": "name: f.E\nsuper: f.Base\n",
	"f/Main.yaml": `
name: f.Main
methods:
  - name: main
    static: true
    params: [f.Base]
    body:
      - {op: return}
`,
}

// builderFunc adapts a function to Builder.
type builderFunc func(e *Engine, m *universe.Method) (*MethodGraph, error)

func (fn builderFunc) Build(e *Engine, m *universe.Method) (*MethodGraph, error) { return fn(e, m) }

// formalsOnly builds graphs with one unfiltered formal per parameter and a
// return flow.
func formalsOnly(e *Engine, m *universe.Method) (*MethodGraph, error) {
	g := &MethodGraph{Method: m, Return: e.NewFlow(KindFormal, nil, "return of "+m.String())}
	for i := range m.ParamCount() {
		g.Formals = append(g.Formals, e.NewFlow(KindFormal, nil, fmt.Sprintf("formal %d", i)))
	}
	return g, nil
}

func newTestUniverse(t *testing.T) *universe.Universe {
	t.Helper()
	fsys := fstest.MapFS{}
	for name, data := range hierarchy {
		fsys[name] = &fstest.MapFile{Data: []byte(data)}
	}
	r := classpath.NewResolver(classpath.PlatformLoader(), classpath.NewLoader(classpath.LoaderApp, "test", fsys))
	return universe.New(r, universe.Options{})
}

func newTestEngine(t *testing.T, p policy.Policy, workers int) *Engine {
	t.Helper()
	return New(newTestUniverse(t), Options{Policy: p, Workers: workers, Builder: builderFunc(formalsOnly)})
}

func typeNames(ts []*universe.Type) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Name())
	}
	return out
}

func TestEngine_Propagation(t *testing.T) {
	e := newTestEngine(t, nil, 4)
	u := e.Universe()
	base := u.MustLookupType("f.Base")

	src := e.NewFlow(KindSource, nil, "src")
	mid := e.NewFlow(KindTransfer, nil, "mid")
	onlyBase := e.NewFlow(KindTransfer, base, "base")
	e.AddUse(src, mid)
	e.AddUse(mid, onlyBase)
	e.AddUse(onlyBase, mid) // cycle

	e.Add(src, e.NewObject(u.MustLookupType("f.A"), "s1"), e.NewObject(u.MustLookupType(classpath.StringName), "s2"))
	require.NoError(t, e.Drain(t.Context()))

	assert.Equal(t, []string{"f.A", classpath.StringName}, typeNames(e.Types(mid)))
	assert.Equal(t, []string{"f.A"}, typeNames(e.Types(onlyBase)))
	assert.False(t, e.Pending())

	// Uses added late see the current state.
	late := e.NewFlow(KindTransfer, nil, "late")
	e.AddUse(mid, late)
	require.NoError(t, e.Drain(t.Context()))
	assert.Equal(t, typeNames(e.Types(mid)), typeNames(e.Types(late)))
}

// recorder remembers every object it observed.
type recorder struct {
	mu   sync.Mutex
	seen map[*Object]int
}

func (r *recorder) ObservedType() *universe.Type { return nil }

func (r *recorder) Observe(_ *Engine, objs []*Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[*Object]int)
	}
	for _, o := range objs {
		r.seen[o]++
	}
	return nil
}

func TestEngine_ObserversSeeDeltas(t *testing.T) {
	e := newTestEngine(t, nil, 8)
	u := e.Universe()
	f := e.NewFlow(KindTransfer, nil, "observed")
	rec := &recorder{}
	require.NoError(t, e.AddObserver(f, rec))

	var all []*Object
	for _, name := range []string{"f.A", "f.B", "f.C"} {
		o := e.NewObject(u.MustLookupType(name), "")
		all = append(all, o)
		e.Add(f, o)
		e.Add(f, o)
		require.NoError(t, e.Drain(t.Context()))
	}

	assert.Len(t, rec.seen, len(all))
	for _, o := range all {
		assert.Equal(t, 1, rec.seen[o], "object %s delivered once", o)
	}
	assert.ElementsMatch(t, all, e.Objects(f))
}

func TestEngine_Saturation(t *testing.T) {
	e := newTestEngine(t, policy.ContextInsensitive{Threshold: 3}, 4)
	u := e.Universe()
	base := u.MustLookupType("f.Base")

	f := e.NewFlow(KindTransfer, nil, "hot")
	filtered := e.NewFlow(KindTransfer, base, "filtered")
	unfiltered := e.NewFlow(KindTransfer, nil, "unfiltered")
	e.AddUse(f, filtered)
	e.AddUse(f, unfiltered)

	for _, name := range []string{"f.A", "f.B", "f.C", classpath.StringName} {
		e.Add(f, e.NewObject(u.MustLookupType(name), ""))
	}
	require.NoError(t, e.Drain(t.Context()))

	assert.True(t, f.IsSaturated())
	assert.True(t, unfiltered.IsSaturated())
	assert.False(t, filtered.IsSaturated())
	assert.Equal(t, []string{"f.A", "f.B", "f.C"}, typeNames(e.Types(filtered)))
	assert.GreaterOrEqual(t, e.Saturations(), 2)

	// Objects created after saturation still reach filtered uses.
	e.NewObject(u.MustLookupType("f.D"), "")
	require.NoError(t, e.Drain(t.Context()))
	assert.Equal(t, []string{"f.A", "f.B", "f.C", "f.D"}, typeNames(e.Types(filtered)))

	// Uses added to a saturated flow are rewired as well.
	late := e.NewFlow(KindTransfer, base, "late")
	e.AddUse(f, late)
	require.NoError(t, e.Drain(t.Context()))
	assert.Equal(t, typeNames(e.Types(filtered)), typeNames(e.Types(late)))

	rec := &recorder{}
	require.NoError(t, e.AddObserver(f, rec))
	require.NoError(t, e.Drain(t.Context()))
	assert.Len(t, rec.seen, 5, "observers of saturated flows observe all instantiated objects")
}

func TestEngine_AllInstantiated(t *testing.T) {
	e := newTestEngine(t, policy.ContextInsensitive{Threshold: 1}, 4)
	u := e.Universe()

	e.NewObject(u.MustLookupType("f.A"), "")
	ai := e.AllInstantiated(u.MustLookupType("f.Base"))
	e.NewObject(u.MustLookupType("f.B"), "")
	e.NewObject(u.MustLookupType(classpath.StringName), "")
	require.NoError(t, e.Drain(t.Context()))

	assert.Equal(t, []string{"f.A", "f.B"}, typeNames(e.Types(ai)))
	assert.False(t, ai.IsSaturated())
	assert.Same(t, ai, e.AllInstantiated(u.MustLookupType("f.Base")))
	assert.True(t, u.MustLookupType("f.B").IsInHeap())
}

func TestEngine_Policies(t *testing.T) {
	tests := []struct {
		policy  policy.Policy
		objects int
	}{
		{policy.ContextInsensitive{}, 1},
		{policy.AllocationSiteSensitive{}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.policy.Name(), func(t *testing.T) {
			e := newTestEngine(t, tt.policy, 2)
			a := e.Universe().MustLookupType("f.A")
			o1 := e.NewObject(a, "m@v1")
			o2 := e.NewObject(a, "m@v2")
			require.Same(t, o1, e.NewObject(a, "m@v1"))

			f := e.NewFlow(KindTransfer, nil, "f")
			e.Add(f, o1, o2)
			require.NoError(t, e.Drain(t.Context()))
			assert.Len(t, e.Objects(f), tt.objects)
			assert.Equal(t, []string{"f.A"}, typeNames(e.Types(f)))
		})
	}
}

// buildGraph wires a fixed pseudo-random flow graph and returns the flows in
// creation order.
func buildGraph(t *testing.T, e *Engine) []*Flow {
	t.Helper()
	u := e.Universe()
	base := u.MustLookupType("f.Base")
	flows := make([]*Flow, 40)
	for i := range flows {
		var filter *universe.Type
		if i%5 == 0 {
			filter = base
		}
		flows[i] = e.NewFlow(KindTransfer, filter, fmt.Sprint(i))
	}
	for i := range flows {
		e.AddUse(flows[i], flows[(i*7+3)%len(flows)])
		e.AddUse(flows[i], flows[(i*13+1)%len(flows)])
	}
	names := []string{"f.A", "f.B", "f.C", "f.D", "f.E", classpath.StringName}
	for i, name := range names {
		e.Add(flows[i*6], e.NewObject(u.MustLookupType(name), fmt.Sprint("site", i)))
	}
	return flows
}

func TestEngine_DeterministicAcrossWorkers(t *testing.T) {
	for _, p := range []policy.Policy{
		policy.ContextInsensitive{Threshold: 3},
		policy.AllocationSiteSensitive{Threshold: 3},
		policy.ContextInsensitive{},
	} {
		t.Run(p.Name(), func(t *testing.T) {
			var want [][]string
			for _, workers := range []int{1, 2, 8, 32} {
				e := newTestEngine(t, p, workers)
				flows := buildGraph(t, e)
				require.NoError(t, e.Drain(t.Context()))

				got := make([][]string, len(flows))
				for i, f := range flows {
					got[i] = typeNames(e.Types(f))
					if f.IsSaturated() {
						got[i] = []string{"saturated"}
					}
				}
				if want == nil {
					want = got
					continue
				}
				assert.Equal(t, want, got, "workers=%d", workers)
			}
		})
	}
}

// snapshotter records the state of every flow of a graph each time it
// observes objects.
type snapshotter struct {
	flows []*Flow

	mu    sync.Mutex
	snaps [][]flowState
}

type flowState struct {
	objects   []*Object
	saturated bool
}

func (s *snapshotter) ObservedType() *universe.Type { return nil }

func (s *snapshotter) Observe(e *Engine, _ []*Object) error {
	s.take(e)
	return nil
}

func (s *snapshotter) take(e *Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make([]flowState, len(s.flows))
	for i, f := range s.flows {
		snap[i] = flowState{objects: e.Objects(f), saturated: f.IsSaturated()}
	}
	s.snaps = append(s.snaps, snap)
}

func TestEngine_Monotonic(t *testing.T) {
	for _, p := range []policy.Policy{
		policy.ContextInsensitive{Threshold: 3},
		policy.AllocationSiteSensitive{Threshold: 3},
	} {
		t.Run(p.Name(), func(t *testing.T) {
			e := newTestEngine(t, p, 8)
			flows := buildGraph(t, e)
			snap := &snapshotter{flows: flows}
			for _, f := range flows {
				require.NoError(t, e.AddObserver(f, snap))
			}
			require.NoError(t, e.Drain(t.Context()))
			snap.take(e)

			require.Greater(t, len(snap.snaps), 2)
			require.Positive(t, e.Saturations())
			for i := 1; i < len(snap.snaps); i++ {
				prev, next := snap.snaps[i-1], snap.snaps[i]
				for j, f := range flows {
					if !assert.Subset(t, next[j].objects, prev[j].objects, "flow %s shrank at snapshot %d", f, i) {
						return
					}
					if prev[j].saturated && !assert.True(t, next[j].saturated, "flow %s left saturation at snapshot %d", f, i) {
						return
					}
				}
			}
		})
	}
}

func TestEngine_GraphBuiltOnce(t *testing.T) {
	e := newTestEngine(t, nil, 8)
	m, err := e.Universe().LookupMethodRef("f.Main.main(f.Base)")
	require.NoError(t, err)

	const sites = 64
	graphs := make([]*MethodGraph, sites)
	var wg sync.WaitGroup
	for i := range sites {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := e.Invoked(m)
			assert.NoError(t, err)
			graphs[i] = g
		}()
	}
	wg.Wait()
	require.NoError(t, e.Drain(t.Context()))

	for _, g := range graphs[1:] {
		require.Same(t, graphs[0], g)
	}
	assert.Equal(t, 1, e.GraphBuilds())
	assert.Equal(t, 1, m.GraphBuilds())
	assert.True(t, m.IsImplementationInvoked())
	assert.True(t, m.Owner().IsReachable())
}

func TestEngine_AddRoot(t *testing.T) {
	e := newTestEngine(t, nil, 4)
	u := e.Universe()

	name, err := u.LookupMethodRef("f.Base.name()")
	require.NoError(t, err)
	added, err := e.AddRoot(name, false)
	require.NoError(t, err)
	require.True(t, added)
	added, err = e.AddRoot(name, false)
	require.NoError(t, err)
	assert.False(t, added, "roots are idempotent")

	e.NewObject(u.MustLookupType("f.A"), "")
	e.NewObject(u.MustLookupType("f.B"), "")
	require.NoError(t, e.Drain(t.Context()))

	override, err := u.LookupMethodRef("f.A.name()")
	require.NoError(t, err)
	assert.True(t, override.IsImplementationInvoked())
	assert.True(t, name.IsImplementationInvoked(), "inherited by f.B")
	assert.Equal(t, []Edge{
		{Callee: override, Kind: ir.InvokeVirtual},
		{Callee: name, Kind: ir.InvokeVirtual},
	}, e.Edges())

	g, err := e.Graph(override)
	require.NoError(t, err)
	assert.Equal(t, []string{"f.A"}, typeNames(e.Types(g.Formals[0])))

	main, err := u.LookupMethodRef("f.Main.main(f.Base)")
	require.NoError(t, err)
	_, err = e.AddRoot(main, true)
	require.NoError(t, err)
	require.NoError(t, e.Drain(t.Context()))
	g, err = e.Graph(main)
	require.NoError(t, err)
	assert.Equal(t, []string{"f.A", "f.B"}, typeNames(e.Types(g.Formals[0])), "root parameters see all instantiated subtypes")
}

func TestEngine_BuildInvariant(t *testing.T) {
	u := newTestUniverse(t)
	other, err := u.LookupMethodRef("f.A.name()")
	require.NoError(t, err)
	e := New(u, Options{Builder: builderFunc(func(e *Engine, _ *universe.Method) (*MethodGraph, error) {
		return formalsOnly(e, other)
	})})

	m, err := u.LookupMethodRef("f.Main.main(f.Base)")
	require.NoError(t, err)
	_, err = e.Invoked(m)
	require.ErrorIs(t, err, ErrInvariant)
}
