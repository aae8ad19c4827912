package classpath

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"testing/fstest"

	"golang.org/x/tools/txtar"
	yaml "gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no loader declares a class.
var ErrNotFound = errors.New("class not found")

//go:embed platform
var platformFS embed.FS

// Loader reads declarations from one classpath root.
type Loader struct {
	domain string
	root   string
	fsys   fs.FS
}

// NewLoader returns a loader for the root fsys in the given domain. The root
// string is used in diagnostics only.
func NewLoader(domain, root string, fsys fs.FS) *Loader {
	return &Loader{domain: domain, root: root, fsys: fsys}
}

// PlatformLoader returns the loader of the embedded platform library.
func PlatformLoader() *Loader {
	sub, err := fs.Sub(platformFS, "platform")
	if err != nil {
		panic(fmt.Sprintf("embedded platform library: %v", err))
	}
	return NewLoader(LoaderPlatform, "<embedded>", sub)
}

// Domain returns the loader domain.
func (l *Loader) Domain() string { return l.domain }

func (l *Loader) String() string { return l.domain + ":" + l.root }

// Find reads the declaration of the named class.
func (l *Loader) Find(name string) (*ClassDecl, error) {
	p := resourcePath(name)
	data, err := fs.ReadFile(l.fsys, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s in %s: %w", name, l, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", p, err)
	}

	var decl ClassDecl
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return nil, fmt.Errorf("parse %s in %s: %w", p, l, err)
	}
	if decl.Name != name {
		return nil, fmt.Errorf("%s in %s declares %q", p, l, decl.Name)
	}
	if err := decl.validate(); err != nil {
		return nil, fmt.Errorf("%s in %s: %w", p, l, err)
	}
	decl.Loader = l.domain
	decl.Source = path.Join(l.root, p)
	return &decl, nil
}

// Resource is the content of a non-class file found on the classpath.
type Resource struct {
	Loader string
	Path   string
	Data   []byte
}

// Resource returns the named file, or nil when the root does not have it.
func (l *Loader) Resource(name string) (*Resource, error) {
	data, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read resource %s in %s: %w", name, l, err)
	}
	return &Resource{Loader: l.domain, Path: path.Join(l.root, name), Data: data}, nil
}

// OpenRoot returns a loader for a classpath entry on disk. Directories are
// used as is; files ending in .txtar are read as archives.
func OpenRoot(domain, root string) (*Loader, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("classpath entry: %w", err)
	}
	if info.IsDir() {
		return NewLoader(domain, root, os.DirFS(root)), nil
	}
	if !strings.HasSuffix(root, ".txtar") {
		return nil, fmt.Errorf("classpath entry %s: not a directory or .txtar archive", root)
	}
	data, err := os.ReadFile(root)
	if err != nil {
		return nil, fmt.Errorf("classpath entry: %w", err)
	}
	return NewLoader(domain, root, ArchiveFS(data)), nil
}

// ArchiveFS returns the files of a txtar archive as a file system.
func ArchiveFS(data []byte) fs.FS {
	ar := txtar.Parse(data)
	fsys := make(fstest.MapFS, len(ar.Files))
	for _, f := range ar.Files {
		name := strings.TrimPrefix(path.Clean(f.Name), "/")
		fsys[name] = &fstest.MapFile{Data: bytes.Clone(f.Data)}
	}
	return fsys
}
