package classpath

import (
	"strings"
)

// Well-known type names.
const (
	ObjectName = "java.lang.Object"
	StringName = "java.lang.String"
	ClassName  = "java.lang.Class"
)

var primitives = map[string]string{
	"boolean": "Z",
	"byte":    "B",
	"char":    "C",
	"short":   "S",
	"int":     "I",
	"long":    "J",
	"float":   "F",
	"double":  "D",
	"void":    "V",
}

// Boxes maps each primitive to its box class.
var Boxes = map[string]string{
	"boolean": "java.lang.Boolean",
	"byte":    "java.lang.Byte",
	"char":    "java.lang.Character",
	"short":   "java.lang.Short",
	"int":     "java.lang.Integer",
	"long":    "java.lang.Long",
	"float":   "java.lang.Float",
	"double":  "java.lang.Double",
}

// IsPrimitive reports whether name is a primitive type name (void included).
func IsPrimitive(name string) bool {
	_, ok := primitives[name]
	return ok
}

// IsArray reports whether name is an array type name.
func IsArray(name string) bool {
	return strings.HasSuffix(name, "[]")
}

// ElementName returns the component type name of an array type name.
func ElementName(name string) string {
	return strings.TrimSuffix(name, "[]")
}

// IsReference reports whether values of the named type are objects.
func IsReference(name string) bool {
	return name != "" && !IsPrimitive(name)
}

// Canonicalize accepts source-style ("int[][]", "a.B[]") and descriptor-style
// ("[[I", "[La.B;") type names and returns the source-style form.
func Canonicalize(name string) string {
	name = strings.TrimSpace(name)
	if !strings.HasPrefix(name, "[") {
		return strings.ReplaceAll(name, "/", ".")
	}
	dims := 0
	for dims < len(name) && name[dims] == '[' {
		dims++
	}
	elem := name[dims:]
	switch {
	case strings.HasPrefix(elem, "L") && strings.HasSuffix(elem, ";"):
		elem = strings.ReplaceAll(elem[1:len(elem)-1], "/", ".")
	case len(elem) == 1:
		for p, code := range primitives {
			if code == elem {
				elem = p
				break
			}
		}
	}
	return elem + strings.Repeat("[]", dims)
}

// resourcePath maps a class name to its declaration file.
func resourcePath(name string) string {
	return strings.ReplaceAll(name, ".", "/") + ".yaml"
}
