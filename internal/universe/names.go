package universe

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/pointsto/pkg/classpath"
	"github.com/715d/pointsto/pkg/ir"
)

// NameCache memoizes the parsing of symbolic member references. Method
// bodies repeat the same references many times, and every method graph of a
// run resolves against the same cache.
type NameCache struct {
	methods *xsync.Map[string, ir.MethodRef]
	fields  *xsync.Map[string, ir.FieldRef]
}

func NewNameCache() *NameCache {
	return &NameCache{
		methods: xsync.NewMap[string, ir.MethodRef](),
		fields:  xsync.NewMap[string, ir.FieldRef](),
	}
}

// MethodRef parses "pkg.Class.name(P1,P2)" with canonical type names.
func (c *NameCache) MethodRef(s string) (ir.MethodRef, error) {
	if ref, ok := c.methods.Load(s); ok {
		return ref, nil
	}
	ref, err := ir.ParseMethodRef(s)
	if err != nil {
		return ir.MethodRef{}, err
	}
	ref.Class = classpath.Canonicalize(ref.Class)
	for i, p := range ref.Params {
		ref.Params[i] = classpath.Canonicalize(p)
	}
	c.methods.Store(s, ref)
	return ref, nil
}

// FieldRef parses "pkg.Class.name".
func (c *NameCache) FieldRef(s string) (ir.FieldRef, error) {
	if ref, ok := c.fields.Load(s); ok {
		return ref, nil
	}
	ref, err := ir.ParseFieldRef(s)
	if err != nil {
		return ir.FieldRef{}, err
	}
	ref.Class = classpath.Canonicalize(ref.Class)
	c.fields.Store(s, ref)
	return ref, nil
}

// Len returns the number of cached references.
func (c *NameCache) Len() int {
	return c.methods.Size() + c.fields.Size()
}

func (c *NameCache) Clear() {
	c.methods.Clear()
	c.fields.Clear()
}
