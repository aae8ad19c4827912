package ir

import (
	"fmt"
	"strings"
)

// MethodRef is a symbolic reference "pkg.Class.name(P1,P2)".
type MethodRef struct {
	Class  string
	Name   string
	Params []string
}

// Signature returns "name(P1,P2)".
func (r MethodRef) Signature() string {
	return Signature(r.Name, r.Params)
}

func (r MethodRef) String() string {
	return r.Class + "." + r.Signature()
}

// FieldRef is a symbolic reference "pkg.Class.name".
type FieldRef struct {
	Class string
	Name  string
}

func (r FieldRef) String() string {
	return r.Class + "." + r.Name
}

// Signature formats a method name and its parameter type names.
func Signature(name string, params []string) string {
	return name + "(" + strings.Join(params, ",") + ")"
}

// ParseMethodRef parses "pkg.Class.name(P1,P2)". The class part is everything
// before the last '.' that precedes the parameter list.
func ParseMethodRef(s string) (MethodRef, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return MethodRef{}, fmt.Errorf("method reference %q: missing parameter list", s)
	}
	dot := strings.LastIndexByte(s[:open], '.')
	if dot <= 0 || dot == open-1 {
		return MethodRef{}, fmt.Errorf("method reference %q: missing declaring class", s)
	}
	ref := MethodRef{
		Class: s[:dot],
		Name:  s[dot+1 : open],
	}
	if params := strings.TrimSpace(s[open+1 : len(s)-1]); params != "" {
		for _, p := range strings.Split(params, ",") {
			ref.Params = append(ref.Params, strings.TrimSpace(p))
		}
	}
	return ref, nil
}

// ParseFieldRef parses "pkg.Class.name".
func ParseFieldRef(s string) (FieldRef, error) {
	s = strings.TrimSpace(s)
	dot := strings.LastIndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return FieldRef{}, fmt.Errorf("field reference %q: expected Class.field", s)
	}
	return FieldRef{Class: s[:dot], Name: s[dot+1:]}, nil
}
