package heap

import (
	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/pkg/classpath"
	"github.com/715d/pointsto/pkg/ir"
)

// ConstantReflection reads the values static fields have before any class
// initializer of the analyzed program ran.
type ConstantReflection struct{}

// ReadStaticValue returns the value of a static field. Only static final
// fields of primitive or String type have a value at analysis time, taken
// from their ConstantValue attribute; every other field reads as its
// default, which is nil here.
func (ConstantReflection) ReadStaticValue(f *universe.Field) *ir.Value {
	if !f.IsStatic() || !f.IsFinal() {
		return nil
	}
	if t := f.TypeName(); t != classpath.StringName && !classpath.IsPrimitive(t) {
		return nil
	}
	return f.Constant()
}

// ConstantFieldProvider decides which field loads may be folded into
// constants. None may: the static state observed at analysis time is not
// the state the program will see after its initializers ran.
type ConstantFieldProvider struct{}

func (ConstantFieldProvider) IsFoldable(*universe.Field) bool { return false }
