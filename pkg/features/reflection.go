package features

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/pkg/classpath"
	"github.com/715d/pointsto/pkg/pointsto"
)

// ReflectionEntry is one element of a reflection configuration file in the
// native-image JSON format.
type ReflectionEntry struct {
	Name      string `yaml:"name"`
	Condition struct {
		TypeReachable string `yaml:"typeReachable"`
	} `yaml:"condition"`
	Fields                  []ReflectionField  `yaml:"fields"`
	Methods                 []ReflectionMethod `yaml:"methods"`
	AllDeclaredConstructors bool               `yaml:"allDeclaredConstructors"`
	AllPublicConstructors   bool               `yaml:"allPublicConstructors"`
	AllDeclaredMethods      bool               `yaml:"allDeclaredMethods"`
	AllPublicMethods        bool               `yaml:"allPublicMethods"`
	AllDeclaredFields       bool               `yaml:"allDeclaredFields"`
	AllPublicFields         bool               `yaml:"allPublicFields"`
}

type ReflectionField struct {
	Name string `yaml:"name"`
}

type ReflectionMethod struct {
	Name string `yaml:"name"`
	// ParameterTypes nil matches every overload.
	ParameterTypes []string `yaml:"parameterTypes"`
}

// ParseReflectionConfig parses a reflection configuration. JSON documents
// are accepted as the YAML subset they are.
func ParseReflectionConfig(data []byte) ([]ReflectionEntry, error) {
	var entries []ReflectionEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse reflection configuration: %w", err)
	}
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("reflection configuration entry %d has no name", i)
		}
	}
	return entries, nil
}

// ReadReflectionConfigs parses and concatenates the configuration files.
func ReadReflectionConfigs(paths ...string) ([]ReflectionEntry, error) {
	var all []ReflectionEntry
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		entries, err := ParseReflectionConfig(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		all = append(all, entries...)
	}
	return all, nil
}

// Reflection registers the types, fields and methods of a reflection
// configuration. Entries with a reachability condition are applied once the
// condition type is reachable.
type Reflection struct {
	pointsto.BaseFeature

	mu      sync.Mutex
	pending []ReflectionEntry
}

var _ pointsto.Feature = (*Reflection)(nil)

func NewReflection(entries []ReflectionEntry) *Reflection {
	return &Reflection{pending: slices.Clone(entries)}
}

func (r *Reflection) Name() string { return "reflection" }

func (r *Reflection) BeforeAnalysis(a pointsto.Access) error {
	_, err := r.apply(a)
	return err
}

func (r *Reflection) DuringAnalysis(a pointsto.Access) (bool, error) {
	return r.apply(a)
}

// apply registers every pending entry whose condition holds.
func (r *Reflection) apply(a pointsto.Access) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied := false
	remaining := r.pending[:0]
	for _, e := range r.pending {
		if cond := e.Condition.TypeReachable; cond != "" {
			t, err := a.FindClassByName(cond)
			if err != nil || !t.IsReachable() {
				remaining = append(remaining, e)
				continue
			}
		}
		if err := r.register(a, e); err != nil {
			return false, err
		}
		applied = true
	}
	r.pending = remaining
	return applied, nil
}

func (r *Reflection) register(a pointsto.Access, e ReflectionEntry) error {
	t, err := a.AddRootClass(e.Name, false, true)
	if err != nil {
		if errors.Is(err, universe.ErrClassNotFound) {
			slog.Warn("reflection configuration names a missing type", "type", e.Name)
			return nil
		}
		return err
	}
	slog.Debug("reflection registration", "type", t.Name())
	if t.IsPrimitive() || t.IsArray() {
		return nil
	}

	u := a.Universe()
	var fields []string
	for _, f := range t.Fields() {
		if e.AllDeclaredFields || (e.AllPublicFields && f.IsPublic()) {
			fields = append(fields, f.Name())
		}
	}
	for _, ef := range e.Fields {
		fields = append(fields, ef.Name)
	}
	slices.Sort(fields)
	for _, name := range slices.Compact(fields) {
		if err := registerField(a, t, name); err != nil {
			return err
		}
	}

	var methods []*universe.Method
	for _, m := range t.Methods() {
		switch {
		case m.IsClassInitializer():
		case m.IsConstructor():
			if e.AllDeclaredConstructors || (e.AllPublicConstructors && m.IsPublic()) {
				methods = append(methods, m)
			}
		case e.AllDeclaredMethods:
			methods = append(methods, m)
		}
	}
	if e.AllPublicMethods {
		for _, s := range u.Supertypes(t) {
			for _, m := range s.Methods() {
				if m.IsPublic() && !m.IsConstructor() && !m.IsClassInitializer() {
					methods = append(methods, m)
				}
			}
		}
	}
	for _, em := range e.Methods {
		found := false
		for _, m := range t.Methods() {
			if m.Name() != em.Name {
				continue
			}
			if em.ParameterTypes != nil && !slices.Equal(canonical(em.ParameterTypes), m.Params()) {
				continue
			}
			methods = append(methods, m)
			found = true
		}
		if !found {
			slog.Warn("reflection configuration names a missing method", "type", t.Name(), "method", em.Name)
		}
	}

	for _, m := range methods {
		if m.IsAbstract() {
			continue
		}
		if m.IsConstructor() && t.IsInstantiable() {
			a.RegisterAsInHeap(t, "reflectively instantiated")
		}
		if err := a.AddRootMethod(m, m.IsStatic() || m.IsConstructor()); err != nil {
			return err
		}
	}
	return nil
}

func registerField(a pointsto.Access, t *universe.Type, name string) error {
	f, err := a.AddRootField(t.Name(), name)
	if err != nil {
		if errors.Is(err, universe.ErrMemberNotFound) {
			slog.Warn("reflection configuration names a missing field", "type", t.Name(), "field", name)
			return nil
		}
		return err
	}
	if ft, err := a.FindClassByName(f.TypeName()); err == nil {
		a.Universe().RegisterAsReachable(ft, "type of reflective field "+f.String())
	}
	return nil
}

func canonical(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = classpath.Canonicalize(n)
	}
	return out
}
