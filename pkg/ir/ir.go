// Package ir defines the typed operation graph a method body is lowered from.
//
// A method body is a list of operations. Value-producing operations carry a
// non-zero ID which later operations reference through Args. The graph is the
// contract between the bytecode parsing front end and the analysis: the
// analysis never sees instructions, only these abstract data-flow operations.
package ir

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies the kind of an operation.
type Code string

const (
	Param      Code = "param"      // formal parameter Index (0 is the receiver of instance methods)
	Const      Code = "const"      // embedded constant Value
	New        Code = "new"        // instance allocation of Type
	NewArray   Code = "newarray"   // array allocation, Type is the array type
	Load       Code = "load"       // field load; Args[0] is the receiver unless the field is static
	Store      Code = "store"      // field store; Args is [receiver, value] or [value]
	ArrayLoad  Code = "aload"      // Args[0] is the array
	ArrayStore Code = "astore"     // Args is [array, value]
	Invoke     Code = "invoke"     // call of Method with Kind; Args are receiver (if any) and arguments
	Handle     Code = "handle"     // method handle constant or adapter, see HandleKind
	Cast       Code = "cast"       // checked cast of Args[0] to Type
	InstanceOf Code = "instanceof" // type test of Args[0] against Type
	Phi        Code = "phi"        // merge of Args
	Return     Code = "return"     // method exit, optional Args[0]
)

// InvokeKind is the dispatch mode of an invoke operation.
type InvokeKind string

const (
	InvokeStatic    InvokeKind = "static"
	InvokeSpecial   InvokeKind = "special"
	InvokeVirtual   InvokeKind = "virtual"
	InvokeInterface InvokeKind = "interface"
	// InvokeHandle calls through the method handle in Args[0].
	InvokeHandle InvokeKind = "handle"
)

// HandleKind is the shape of a handle operation.
type HandleKind string

const (
	HandleStatic      HandleKind = "static"
	HandleVirtual     HandleKind = "virtual"
	HandleSpecial     HandleKind = "special"
	HandleConstructor HandleKind = "constructor"
	HandleGetField    HandleKind = "getfield"
	HandlePutField    HandleKind = "putfield"
	HandleGetStatic   HandleKind = "getstatic"
	HandlePutStatic   HandleKind = "putstatic"
	// HandleBind prepends Args[1:] to the arguments of the handle in Args[0].
	HandleBind HandleKind = "bind"
	// HandleGuard selects between the handles Args[0] and Args[1] at run time.
	HandleGuard HandleKind = "guard"
	// HandleVar is a VarHandle over Field.
	HandleVar HandleKind = "varhandle"
)

// Value is a constant literal. Exactly one member is set.
type Value struct {
	Null   bool    `yaml:"null,omitempty"`
	Int    *int64  `yaml:"int,omitempty"`
	String *string `yaml:"string,omitempty"`
	// Class is a class literal naming a type.
	Class string `yaml:"class,omitempty"`
	// Ref names a constant object declared by a class, either "id" for the
	// declaring class or "pkg.Class#id".
	Ref string `yaml:"ref,omitempty"`
}

// IsReference reports whether the value denotes an object.
func (v *Value) IsReference() bool {
	return v != nil && (v.String != nil || v.Class != "" || v.Ref != "")
}

// Format renders the value for diagnostics.
func (v *Value) Format() string {
	switch {
	case v == nil:
		return "<nil>"
	case v.Null:
		return "null"
	case v.Int != nil:
		return fmt.Sprint(*v.Int)
	case v.String != nil:
		return fmt.Sprintf("%q", *v.String)
	case v.Class != "":
		return v.Class + ".class"
	case v.Ref != "":
		return "@" + v.Ref
	}
	return "<invalid>"
}

// Op is one operation of a method body.
type Op struct {
	ID     int    `yaml:"id,omitempty"`
	Code   Code   `yaml:"op"`
	Type   string `yaml:"type,omitempty"`
	Field  string `yaml:"field,omitempty"`
	Method string `yaml:"method,omitempty"`
	Kind   string `yaml:"kind,omitempty"`
	Args   []int  `yaml:"args,omitempty"`
	Index  int    `yaml:"index,omitempty"`
	Value  *Value `yaml:"value,omitempty"`
	Line   int    `yaml:"line,omitempty"`
}

func (op *Op) String() string {
	var sb strings.Builder
	if op.ID != 0 {
		fmt.Fprintf(&sb, "v%d = ", op.ID)
	}
	sb.WriteString(string(op.Code))
	if op.Kind != "" {
		sb.WriteString(" " + op.Kind)
	}
	for _, s := range []string{op.Type, op.Field, op.Method} {
		if s != "" {
			sb.WriteString(" " + s)
		}
	}
	if op.Value != nil {
		sb.WriteString(" " + op.Value.Format())
	}
	for i, a := range op.Args {
		if i == 0 {
			sb.WriteString(" (")
		} else {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "v%d", a)
		if i == len(op.Args)-1 {
			sb.WriteString(")")
		}
	}
	return sb.String()
}

// ErrMalformed is wrapped by every validation failure of Parse.
var ErrMalformed = errors.New("malformed operation graph")

// Graph is a validated operation graph.
type Graph struct {
	Ops  []*Op
	byID map[int]*Op
}

// Def returns the operation defining id, or nil.
func (g *Graph) Def(id int) *Op {
	return g.byID[id]
}

// Params returns the param operations indexed by parameter position.
func (g *Graph) Params() map[int]*Op {
	params := make(map[int]*Op)
	for _, op := range g.Ops {
		if op.Code == Param {
			params[op.Index] = op
		}
	}
	return params
}

// Parse validates a method body and returns its graph.
func Parse(body []Op) (*Graph, error) {
	g := &Graph{
		Ops:  make([]*Op, 0, len(body)),
		byID: make(map[int]*Op, len(body)),
	}
	for i := range body {
		op := &body[i]
		if op.ID < 0 {
			return nil, fmt.Errorf("%w: op %d has negative id", ErrMalformed, i)
		}
		if op.ID != 0 {
			if _, dup := g.byID[op.ID]; dup {
				return nil, fmt.Errorf("%w: duplicate id v%d", ErrMalformed, op.ID)
			}
			g.byID[op.ID] = op
		}
		g.Ops = append(g.Ops, op)
	}

	defined := make(map[int]bool, len(g.byID))
	for i, op := range g.Ops {
		if err := checkShape(op); err != nil {
			return nil, fmt.Errorf("%w: op %d (%s): %v", ErrMalformed, i, op, err)
		}
		for _, a := range op.Args {
			if _, ok := g.byID[a]; !ok {
				return nil, fmt.Errorf("%w: op %d (%s) uses undefined v%d", ErrMalformed, i, op, a)
			}
			// Phis may refer to values defined later on a back edge.
			if op.Code != Phi && !defined[a] {
				return nil, fmt.Errorf("%w: op %d (%s) uses v%d before its definition", ErrMalformed, i, op, a)
			}
		}
		if op.ID != 0 {
			defined[op.ID] = true
		}
	}
	return g, nil
}

func checkShape(op *Op) error {
	need := func(cond bool, msg string) error {
		if !cond {
			return errors.New(msg)
		}
		return nil
	}
	switch op.Code {
	case Param:
		return need(op.ID != 0 && op.Index >= 0, "param needs an id and a non-negative index")
	case Const:
		return need(op.ID != 0 && op.Value != nil, "const needs an id and a value")
	case New, NewArray:
		return need(op.ID != 0 && op.Type != "", "allocation needs an id and a type")
	case Load:
		return need(op.ID != 0 && op.Field != "" && len(op.Args) <= 1, "load needs an id, a field and at most one receiver")
	case Store:
		return need(op.Field != "" && (len(op.Args) == 1 || len(op.Args) == 2), "store needs a field and one or two operands")
	case ArrayLoad:
		return need(op.ID != 0 && len(op.Args) == 1, "aload needs an id and an array operand")
	case ArrayStore:
		return need(len(op.Args) == 2, "astore needs an array and a value")
	case Invoke:
		switch InvokeKind(op.Kind) {
		case InvokeStatic, InvokeSpecial, InvokeVirtual, InvokeInterface:
			if op.Method == "" {
				return errors.New("invoke needs a method")
			}
			if InvokeKind(op.Kind) != InvokeStatic && len(op.Args) == 0 {
				return errors.New("instance invoke needs a receiver")
			}
			return nil
		case InvokeHandle:
			return need(len(op.Args) >= 1, "handle invoke needs a handle operand")
		}
		return fmt.Errorf("unknown invoke kind %q", op.Kind)
	case Handle:
		if op.ID == 0 {
			return errors.New("handle needs an id")
		}
		switch HandleKind(op.Kind) {
		case HandleStatic, HandleVirtual, HandleSpecial, HandleConstructor:
			return need(op.Method != "", "method handle needs a method")
		case HandleGetField, HandlePutField, HandleGetStatic, HandlePutStatic, HandleVar:
			return need(op.Field != "", "field handle needs a field")
		case HandleBind:
			return need(len(op.Args) >= 1, "bind needs a target handle")
		case HandleGuard:
			return need(len(op.Args) == 2, "guard needs two handles")
		}
		return fmt.Errorf("unknown handle kind %q", op.Kind)
	case Cast, InstanceOf:
		return need(op.ID != 0 && op.Type != "" && len(op.Args) == 1, "type check needs an id, a type and one operand")
	case Phi:
		return need(op.ID != 0 && len(op.Args) > 0, "phi needs an id and inputs")
	case Return:
		return need(len(op.Args) <= 1, "return takes at most one operand")
	}
	return fmt.Errorf("unknown op %q", op.Code)
}
