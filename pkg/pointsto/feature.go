package pointsto

import (
	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/pkg/classpath"
)

// Feature extends an analysis run with hooks around and between rounds.
type Feature interface {
	Name() string
	// BeforeAnalysis runs once before the first round.
	BeforeAnalysis(a Access) error
	// DuringAnalysis runs after every round and reports whether it changed
	// the analysis so that another round is required.
	DuringAnalysis(a Access) (bool, error)
	// OnAnalysisExit runs once after the fixpoint is reached.
	OnAnalysisExit(a Access) error
}

// Access is the view of a running analysis handed to features.
type Access interface {
	Universe() *universe.Universe
	FindClassByName(name string) (*universe.Type, error)
	ReachableTypes() []*universe.Type
	Resources(name string) ([]classpath.Resource, error)

	RequireAnalysisIteration()
	RegisterAsInHeap(t *universe.Type, reason string)
	RegisterAsInvoked(m *universe.Method) error
	AddRootMethod(m *universe.Method, invokeSpecially bool) error
	AddRootClass(name string, includeSubclasses, allowPrimitive bool) (*universe.Type, error)
	AddRootField(typeName, name string) (*universe.Field, error)
}

// BaseFeature implements every hook as a no-op.
type BaseFeature struct{}

func (BaseFeature) BeforeAnalysis(Access) error         { return nil }
func (BaseFeature) DuringAnalysis(Access) (bool, error) { return false, nil }
func (BaseFeature) OnAnalysisExit(Access) error         { return nil }
