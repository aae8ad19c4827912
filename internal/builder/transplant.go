package builder

import (
	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/pkg/ir"
)

// AbortReason explains why a method handle chain could not be spliced into
// the calling graph. The empty reason means the splice succeeded.
type AbortReason string

const (
	AbortMerge       AbortReason = "control-flow merge in method handle chain"
	AbortNonConstant AbortReason = "method handle is not a constant"
	AbortVarHandle   AbortReason = "var handle access"
	AbortUnresolved  AbortReason = "method handle target does not resolve"
)

// Splice is a method handle chain reduced to a single direct access.
type Splice struct {
	// Kind is the direct handle kind at the end of the chain.
	Kind   ir.HandleKind
	Method *universe.Method
	Field  *universe.Field
	// Bound are the value ids bound to the leading parameters, in order.
	Bound []int
}

// Transplant reduces the handle defined by id in g to a direct call or field
// access. Only straight-line chains of bind adapters over one constant
// direct handle reduce; everything else returns a reason to fall back.
func (b *Builder) Transplant(g *ir.Graph, id int) (Splice, AbortReason) {
	return b.transplant(g, id, make(map[int]bool))
}

func (b *Builder) transplant(g *ir.Graph, id int, seen map[int]bool) (Splice, AbortReason) {
	op, reason := constantHandle(g, id, seen)
	if reason != "" {
		return Splice{}, reason
	}

	switch kind := ir.HandleKind(op.Kind); kind {
	case ir.HandleBind:
		inner, reason := b.transplant(g, op.Args[0], seen)
		if reason != "" {
			return Splice{}, reason
		}
		inner.Bound = append(inner.Bound, op.Args[1:]...)
		return inner, ""
	case ir.HandleGuard:
		return Splice{}, AbortMerge
	case ir.HandleVar:
		return Splice{}, AbortVarHandle
	case ir.HandleGetField, ir.HandlePutField, ir.HandleGetStatic, ir.HandlePutStatic:
		f, err := b.u.LookupFieldRef(op.Field)
		if err != nil {
			return Splice{}, AbortUnresolved
		}
		return Splice{Kind: kind, Field: f}, ""
	default:
		m, err := b.u.LookupMethodRef(op.Method)
		if err != nil {
			return Splice{}, AbortUnresolved
		}
		return Splice{Kind: kind, Method: m}, ""
	}
}

// constantHandle returns the handle operation defining id. A phi whose
// inputs are all null constants but one stands for that input. Merges of
// several handles and values reached twice through seen are AbortMerge.
func constantHandle(g *ir.Graph, id int, seen map[int]bool) (*ir.Op, AbortReason) {
	op := g.Def(id)
	for op != nil {
		if seen[op.ID] {
			return nil, AbortMerge
		}
		seen[op.ID] = true
		if op.Code != ir.Phi {
			break
		}
		var live *ir.Op
		for _, a := range op.Args {
			in := g.Def(a)
			if isNull(in) {
				continue
			}
			if live != nil || in == nil {
				return nil, AbortMerge
			}
			live = in
		}
		op = live
	}
	if op == nil || op.Code != ir.Handle {
		return nil, AbortNonConstant
	}
	return op, ""
}

func isNull(op *ir.Op) bool {
	return op != nil && op.Code == ir.Const && op.Value != nil && op.Value.Null
}

// directLeaves collects the direct method handles the handle id may
// evaluate to. ok is false when a leaf is not a constant direct method
// handle.
func (b *Builder) directLeaves(g *ir.Graph, id int, seen map[int]bool) (leaves []*universe.Method, ok bool) {
	if seen[id] {
		return nil, true
	}
	seen[id] = true
	op := g.Def(id)
	if op == nil {
		return nil, false
	}
	switch op.Code {
	case ir.Phi:
		for _, a := range op.Args {
			if isNull(g.Def(a)) {
				continue
			}
			l, ok := b.directLeaves(g, a, seen)
			if !ok {
				return nil, false
			}
			leaves = append(leaves, l...)
		}
		return leaves, true
	case ir.Handle:
	default:
		return nil, false
	}

	switch ir.HandleKind(op.Kind) {
	case ir.HandleBind:
		return b.directLeaves(g, op.Args[0], seen)
	case ir.HandleGuard:
		for _, a := range op.Args {
			l, ok := b.directLeaves(g, a, seen)
			if !ok {
				return nil, false
			}
			leaves = append(leaves, l...)
		}
		return leaves, true
	case ir.HandleStatic, ir.HandleVirtual, ir.HandleSpecial, ir.HandleConstructor:
		m, err := b.u.LookupMethodRef(op.Method)
		if err != nil {
			return nil, false
		}
		return []*universe.Method{m}, true
	}
	return nil, false
}
