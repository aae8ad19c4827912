package pointsto

import (
	"github.com/715d/pointsto/internal/unsupported"
)

// Status is the outcome of a run.
type Status int

const (
	// StatusOK means the fixpoint was reached and every construct was
	// modeled.
	StatusOK Status = iota
	// StatusDegraded means the fixpoint was reached but unsupported features
	// were recorded.
	StatusDegraded
	// StatusCrashed means the run aborted.
	StatusCrashed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	case StatusCrashed:
		return "crashed"
	}
	return "unknown"
}

// Result is the snapshot of a finished run. It stays valid after CleanUp.
type Result struct {
	Status         Status               `yaml:"-" json:"-"`
	Policy         string               `yaml:"policy" json:"policy"`
	ReachableTypes []string             `yaml:"reachable_types" json:"reachable_types"`
	InHeapTypes    []string             `yaml:"in_heap_types" json:"in_heap_types"`
	Methods        []string             `yaml:"methods" json:"methods"`
	Roots          []string             `yaml:"roots" json:"roots"`
	Fields         []FieldAccess        `yaml:"fields" json:"fields"`
	Edges          []Edge               `yaml:"edges,omitempty" json:"edges,omitempty"`
	Unsupported    []unsupported.Record `yaml:"unsupported,omitempty" json:"unsupported,omitempty"`
	Stats          Stats                `yaml:"stats" json:"stats"`

	CallGraph *CallGraph `yaml:"-" json:"-"`
}

// FieldAccess is a reachable field and how it is accessed.
type FieldAccess struct {
	Name    string `yaml:"name" json:"name"`
	Read    bool   `yaml:"read" json:"read"`
	Written bool   `yaml:"written" json:"written"`
}

// Edge is a call graph edge. Root invocations have an empty Caller.
type Edge struct {
	Caller string `yaml:"caller,omitempty" json:"caller,omitempty"`
	Callee string `yaml:"callee" json:"callee"`
	Kind   string `yaml:"kind" json:"kind"`
}

// Stats summarizes the work of a run.
type Stats struct {
	Rounds      int `yaml:"rounds" json:"rounds"`
	Flows       int `yaml:"flows" json:"flows"`
	Objects     int `yaml:"objects" json:"objects"`
	HeapObjects int `yaml:"heap_objects" json:"heap_objects"`
	GraphBuilds int `yaml:"graph_builds" json:"graph_builds"`
	Saturations int `yaml:"saturations" json:"saturations"`
}

// Reachable reports whether the named method was invoked.
func (r *Result) Reachable(method string) bool {
	return contains(r.Methods, method)
}

// InHeap reports whether the named type was instantiated.
func (r *Result) InHeap(typ string) bool {
	return contains(r.InHeapTypes, typ)
}

// Field returns the access of the named field and whether it is reachable.
func (r *Result) Field(name string) (FieldAccess, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldAccess{}, false
}

func contains(sorted []string, s string) bool {
	for _, v := range sorted {
		if v == s {
			return true
		}
	}
	return false
}

func (a *Analysis) snapshot(status Status) *Result {
	r := &Result{
		Status:      status,
		Policy:      a.e.Policy().Name(),
		Unsupported: a.records.Records(),
		Stats: Stats{
			Rounds:      a.rounds,
			Flows:       a.e.FlowCount(),
			Objects:     len(a.e.AllObjects()),
			HeapObjects: a.scanner.Heap().Len(),
			GraphBuilds: a.e.GraphBuilds(),
			Saturations: a.e.Saturations(),
		},
	}
	for _, t := range a.u.Types() {
		if t.IsReachable() {
			r.ReachableTypes = append(r.ReachableTypes, t.Name())
		}
		if t.IsInHeap() {
			r.InHeapTypes = append(r.InHeapTypes, t.Name())
		}
	}
	for _, m := range a.u.Methods() {
		if m.IsImplementationInvoked() {
			r.Methods = append(r.Methods, m.String())
		}
		if m.IsRoot() {
			r.Roots = append(r.Roots, m.String())
		}
	}
	for _, f := range a.u.Fields() {
		if f.IsReachable() {
			r.Fields = append(r.Fields, FieldAccess{Name: f.String(), Read: f.IsRead(), Written: f.IsWritten()})
		}
	}
	for _, e := range a.e.Edges() {
		edge := Edge{Callee: e.Callee.String(), Kind: string(e.Kind)}
		if e.Caller != nil {
			edge.Caller = e.Caller.String()
		}
		r.Edges = append(r.Edges, edge)
	}
	r.CallGraph = NewCallGraph(r.Edges)
	return r
}
