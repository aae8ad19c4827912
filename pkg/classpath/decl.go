// Package classpath loads class declarations from classpath roots.
//
// A class is declared by one YAML document at the path mirroring its name
// (a.b.C lives in a/b/C.yaml). Each root belongs to a loader domain: the
// analysis target ("app") or the shared platform library ("platform"). A
// minimal platform library is embedded and always resolvable.
package classpath

import (
	"fmt"

	"github.com/715d/pointsto/pkg/ir"
)

// Loader domains.
const (
	LoaderApp      = "app"
	LoaderPlatform = "platform"
)

// Class-file major versions.
const (
	Version8  = 52
	Version11 = 55
	Version17 = 61
	Version21 = 65

	// DefaultVersion is assumed for declarations without a version.
	DefaultVersion = Version8
)

// ClassDecl declares a class or interface.
type ClassDecl struct {
	Name       string       `yaml:"name"`
	Version    int          `yaml:"version,omitempty"`
	Super      string       `yaml:"super,omitempty"`
	Interfaces []string     `yaml:"interfaces,omitempty"`
	Interface  bool         `yaml:"interface,omitempty"`
	Abstract   bool         `yaml:"abstract,omitempty"`
	Final      bool         `yaml:"final,omitempty"`
	Fields     []FieldDecl  `yaml:"fields,omitempty"`
	Methods    []MethodDecl `yaml:"methods,omitempty"`
	Objects    []ObjectDecl `yaml:"objects,omitempty"`

	// Loader is the domain the declaration was found in.
	Loader string `yaml:"-"`
	// Source is the file the declaration was read from.
	Source string `yaml:"-"`
}

// FieldDecl declares a field.
type FieldDecl struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Static bool   `yaml:"static,omitempty"`
	Final  bool   `yaml:"final,omitempty"`
	Public bool   `yaml:"public,omitempty"`
	// Constant is the ConstantValue attribute of a static final field.
	Constant *ir.Value `yaml:"constant,omitempty"`
}

// MethodDecl declares a method, constructor (<init>) or class initializer (<clinit>).
type MethodDecl struct {
	Name      string   `yaml:"name"`
	Params    []string `yaml:"params,omitempty"`
	Returns   string   `yaml:"returns,omitempty"`
	Static    bool     `yaml:"static,omitempty"`
	Final     bool     `yaml:"final,omitempty"`
	Abstract  bool     `yaml:"abstract,omitempty"`
	Private   bool     `yaml:"private,omitempty"`
	Protected bool     `yaml:"protected,omitempty"`
	Public    bool     `yaml:"public,omitempty"`
	Body      []ir.Op  `yaml:"body,omitempty"`
}

// Signature returns "name(P1,P2)".
func (m *MethodDecl) Signature() string {
	return ir.Signature(m.Name, m.Params)
}

// ObjectDecl declares a constant object owned by a class. Constant objects
// model static state that exists before the program runs, such as values the
// front end embeds into method bodies.
type ObjectDecl struct {
	ID       string              `yaml:"id"`
	Type     string              `yaml:"type"`
	Fields   map[string]ir.Value `yaml:"fields,omitempty"`
	Elements []ir.Value          `yaml:"elements,omitempty"`
}

// Object returns the constant object with the given id.
func (c *ClassDecl) Object(id string) *ObjectDecl {
	for i := range c.Objects {
		if c.Objects[i].ID == id {
			return &c.Objects[i]
		}
	}
	return nil
}

// ClassVersion returns the declared class-file version.
func (c *ClassDecl) ClassVersion() int {
	if c.Version == 0 {
		return DefaultVersion
	}
	return c.Version
}

func (c *ClassDecl) validate() error {
	if c.Name == "" {
		return fmt.Errorf("missing class name")
	}
	seen := make(map[string]bool, len(c.Methods))
	for i := range c.Methods {
		sig := c.Methods[i].Signature()
		if seen[sig] {
			return fmt.Errorf("duplicate method %s", sig)
		}
		seen[sig] = true
	}
	fields := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if f.Name == "" || f.Type == "" {
			return fmt.Errorf("field needs a name and a type")
		}
		if fields[f.Name] {
			return fmt.Errorf("duplicate field %s", f.Name)
		}
		fields[f.Name] = true
	}
	objects := make(map[string]bool, len(c.Objects))
	for _, o := range c.Objects {
		if o.ID == "" || o.Type == "" {
			return fmt.Errorf("constant object needs an id and a type")
		}
		if objects[o.ID] {
			return fmt.Errorf("duplicate constant object %s", o.ID)
		}
		objects[o.ID] = true
	}
	return nil
}
