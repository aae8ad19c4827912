package universe

import (
	"fmt"
	"strings"
)

// LookupMethod returns the method with signature sig declared by t or
// inherited from its supertypes.
func (u *Universe) LookupMethod(t *Type, sig string) (*Method, error) {
	for c := t; c != nil; c = c.super {
		if m := c.DeclaredMethod(sig); m != nil {
			return m, nil
		}
	}
	for _, s := range u.Supertypes(t) {
		if s.IsInterface() {
			if m := s.DeclaredMethod(sig); m != nil {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("%s.%s: %w", t.name, sig, ErrMemberNotFound)
}

// LookupField returns the field name declared by t or inherited from its
// supertypes. Superinterfaces of a class are searched before its superclass.
func (u *Universe) LookupField(t *Type, name string) (*Field, error) {
	for c := t; c != nil; c = c.super {
		if f := c.DeclaredField(name); f != nil {
			return f, nil
		}
		for _, in := range c.interfaces {
			for _, s := range u.Supertypes(in) {
				if f := s.DeclaredField(name); f != nil {
					return f, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("%s.%s: %w", t.name, name, ErrMemberNotFound)
}

// LookupMethodRef resolves a symbolic method reference.
func (u *Universe) LookupMethodRef(s string) (*Method, error) {
	ref, err := u.names.MethodRef(s)
	if err != nil {
		return nil, err
	}
	t, err := u.LookupType(ref.Class)
	if err != nil {
		return nil, err
	}
	return u.LookupMethod(t, ref.Signature())
}

// LookupFieldRef resolves a symbolic field reference.
func (u *Universe) LookupFieldRef(s string) (*Field, error) {
	ref, err := u.names.FieldRef(s)
	if err != nil {
		return nil, err
	}
	t, err := u.LookupType(ref.Class)
	if err != nil {
		return nil, err
	}
	return u.LookupField(t, ref.Name)
}

// ResolveConcreteMethod returns the implementation a call of declared runs
// for a receiver of type receiver, or nil when there is none: the receiver is
// not a subtype of the declaring type, the most specific declaration is
// abstract, or several unrelated default methods apply.
func (u *Universe) ResolveConcreteMethod(receiver *Type, declared *Method) *Method {
	if declared.IsStatic() || declared.IsPrivate() || declared.IsConstructor() || declared.IsClassInitializer() {
		return declared
	}
	if !declared.owner.IsAssignableFrom(receiver) {
		return nil
	}
	if m, ok := receiver.dispatch.Load(declared); ok {
		return m
	}
	m := u.dispatch(receiver, declared)
	actual, _ := receiver.dispatch.LoadOrStore(declared, m)
	return actual
}

func (u *Universe) dispatch(receiver *Type, declared *Method) *Method {
	sig := declared.sig
	for c := receiver; c != nil; c = c.super {
		if c.IsInterface() {
			break
		}
		m := c.DeclaredMethod(sig)
		if m == nil || m.IsStatic() || !overrides(m, declared) {
			continue
		}
		if m.IsAbstract() {
			return nil
		}
		return m
	}

	// Maximally specific interface declarations.
	var candidates []*Method
	for _, s := range u.Supertypes(receiver) {
		if !s.IsInterface() {
			continue
		}
		if m := s.DeclaredMethod(sig); m != nil && !m.IsStatic() && !m.IsPrivate() {
			candidates = append(candidates, m)
		}
	}
	var specific []*Method
	for _, c := range candidates {
		shadowed := false
		for _, d := range candidates {
			if d != c && c.owner.IsAssignableFrom(d.owner) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			specific = append(specific, c)
		}
	}
	if len(specific) != 1 || specific[0].IsAbstract() {
		return nil
	}
	return specific[0]
}

// overrides reports whether m, declared on the superclass chain of a
// receiver, overrides declared. Private methods override nothing and a
// package-private method is only overridden from its own package, directly
// or through an accessible override in between.
func overrides(m, declared *Method) bool {
	switch {
	case m == declared:
		return true
	case m.IsPrivate():
		return false
	case declared.IsPublic() || declared.IsProtected() || declared.owner.IsInterface():
		return true
	case samePackage(m.owner, declared.owner):
		return true
	}
	for c := m.owner.super; c != nil && c != declared.owner; c = c.super {
		mid := c.DeclaredMethod(declared.sig)
		if mid == nil || mid.IsStatic() || mid.IsPrivate() {
			continue
		}
		if (mid.IsPublic() || mid.IsProtected()) && overrides(mid, declared) {
			return true
		}
	}
	return false
}

func samePackage(a, b *Type) bool {
	return packageOf(a.name) == packageOf(b.name)
}

func packageOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return ""
}
