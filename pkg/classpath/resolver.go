package classpath

import (
	"errors"
	"fmt"
)

// DeclarationResolver resolves class names to declarations. It is the only
// way the analysis reaches class files.
type DeclarationResolver interface {
	ResolveType(name string) (*ClassDecl, error)
}

// ResourceFinder finds non-class files on the classpath.
type ResourceFinder interface {
	Resources(name string) ([]Resource, error)
}

// Resolver delegates to its loaders in order; the first loader declaring a
// class wins, so platform loaders come before application loaders.
type Resolver struct {
	loaders []*Loader
}

var (
	_ DeclarationResolver = (*Resolver)(nil)
	_ ResourceFinder      = (*Resolver)(nil)
)

// NewResolver returns a resolver over the loaders.
func NewResolver(loaders ...*Loader) *Resolver {
	return &Resolver{loaders: loaders}
}

// Options configures Open.
type Options struct {
	// Classpath are the application roots.
	Classpath []string
	// PlatformPath are extra platform roots searched after the embedded library.
	PlatformPath []string
}

// Open builds a resolver over the embedded platform library, the platform
// roots and the application roots.
func Open(opts Options) (*Resolver, error) {
	if len(opts.Classpath) == 0 {
		return nil, errors.New("no classpath entries")
	}
	loaders := []*Loader{PlatformLoader()}
	for _, root := range opts.PlatformPath {
		l, err := OpenRoot(LoaderPlatform, root)
		if err != nil {
			return nil, err
		}
		loaders = append(loaders, l)
	}
	for _, root := range opts.Classpath {
		l, err := OpenRoot(LoaderApp, root)
		if err != nil {
			return nil, err
		}
		loaders = append(loaders, l)
	}
	return NewResolver(loaders...), nil
}

// Loaders returns the loaders in delegation order.
func (r *Resolver) Loaders() []*Loader { return r.loaders }

// ResolveType returns the first declaration of name.
func (r *Resolver) ResolveType(name string) (*ClassDecl, error) {
	for _, l := range r.loaders {
		decl, err := l.Find(name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return decl, err
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Resources returns the named resource from every loader that has it.
func (r *Resolver) Resources(name string) ([]Resource, error) {
	var out []Resource
	for _, l := range r.loaders {
		res, err := l.Resource(name)
		if err != nil {
			return nil, err
		}
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, nil
}
