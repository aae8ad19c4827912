package typeflow

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/tools/container/intsets"

	"github.com/715d/pointsto/internal/universe"
)

// Kind classifies flows for diagnostics.
type Kind uint8

const (
	// KindSource produces objects: allocations, constants, all-instantiated flows.
	KindSource Kind = iota
	// KindFormal is a formal parameter or the formal return of a method.
	KindFormal
	// KindTransfer moves objects between program points: fields, phis, casts.
	KindTransfer
	// KindActual is an actual argument or the result of an invoke.
	KindActual
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindFormal:
		return "formal"
	case KindTransfer:
		return "transfer"
	case KindActual:
		return "actual"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Object is an abstract heap object: a type and, under an allocation-site
// sensitive policy, the site it was allocated at.
type Object struct {
	id     int
	typ    *universe.Type
	site   string
	fields *xsync.Map[*universe.Field, *Flow]
}

func (o *Object) ID() int              { return o.id }
func (o *Object) Type() *universe.Type { return o.typ }
func (o *Object) Site() string         { return o.site }

func (o *Object) String() string {
	if o.site == "" {
		return o.typ.Name()
	}
	return o.typ.Name() + "@" + o.site
}

// Flow is a node of the type-flow graph. Its state is the set of abstract
// objects that may reach the program point and only ever grows.
type Flow struct {
	id     int
	kind   Kind
	label  string
	filter *universe.Type
	global bool

	pending atomic.Bool

	mu        sync.Mutex
	state     intsets.Sparse
	delta     intsets.Sparse
	uses      []*Flow
	observers []Observer
	saturated bool
}

func (f *Flow) ID() int    { return f.id }
func (f *Flow) Kind() Kind { return f.kind }
func (f *Flow) String() string {
	return fmt.Sprintf("%s#%d %s", f.kind, f.id, f.label)
}

// Filter returns the declared type objects must be assignable to, or nil.
func (f *Flow) Filter() *universe.Type { return f.filter }

// IsSaturated reports whether the flow stopped tracking objects precisely.
func (f *Flow) IsSaturated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saturated
}

// Size returns the number of objects in the state.
func (f *Flow) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Len()
}

func (f *Flow) snapshot() *intsets.Sparse {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s intsets.Sparse
	s.Copy(&f.state)
	return &s
}

// add merges objs into the state and reports whether f must be scheduled
// and whether it just saturated.
func (f *Flow) add(objs []*Object, threshold int) (schedule, saturated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := false
	for _, o := range objs {
		if f.filter != nil && !f.filter.IsAssignableFrom(o.typ) {
			continue
		}
		if f.state.Insert(o.id) {
			f.delta.Insert(o.id)
			changed = true
		}
	}
	if !changed || f.saturated {
		return false, false
	}
	if !f.global && threshold > 0 && f.state.Len() > threshold {
		f.saturated = true
		return false, true
	}
	return true, false
}

// take removes the pending delta. It returns nil when there is nothing to
// propagate.
func (f *Flow) take() (*intsets.Sparse, []*Flow, []Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saturated || f.delta.IsEmpty() {
		return nil, nil, nil
	}
	var d intsets.Sparse
	d.Copy(&f.delta)
	f.delta.Clear()
	return &d, slices.Clone(f.uses), slices.Clone(f.observers)
}

func (f *Flow) markSaturated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saturated || f.global {
		return false
	}
	f.saturated = true
	return true
}

// Observer reacts to objects arriving at a flow without being a use of it:
// invoke resolution and instance field or array accesses.
type Observer interface {
	// Observe is called with every object of the observed flow, at least once
	// per object. It must be idempotent.
	Observe(e *Engine, objs []*Object) error
	// ObservedType is the declared type of the objects the observer cares
	// about. Once the observed flow saturates, the observer observes every
	// instantiated subtype of it instead.
	ObservedType() *universe.Type
}
