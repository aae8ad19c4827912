package classpath

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Find(t *testing.T) {
	fsys := fstest.MapFS{
		"a/b/Main.yaml": {Data: []byte(`
name: a.b.Main
version: 55
fields:
  - {name: LIMIT, type: int, static: true, final: true, constant: {int: 5}}
methods:
  - name: main
    params: ["java.lang.String[]"]
    static: true
    body:
      - {op: return}
objects:
  - {id: cfg, type: a.b.Main}
`)},
		"a/b/Wrong.yaml": {Data: []byte("name: a.b.Other\n")},
		"a/b/Dup.yaml": {Data: []byte(`
name: a.b.Dup
methods:
  - {name: m}
  - {name: m}
`)},
		"a/b/Bad.yaml": {Data: []byte("name: [unterminated\n")},
	}
	l := NewLoader(LoaderApp, "mem", fsys)

	decl, err := l.Find("a.b.Main")
	require.NoError(t, err)
	assert.Equal(t, LoaderApp, decl.Loader)
	assert.Equal(t, "mem/a/b/Main.yaml", decl.Source)
	assert.Equal(t, Version11, decl.ClassVersion())
	require.Len(t, decl.Methods, 1)
	assert.Equal(t, "main(java.lang.String[])", decl.Methods[0].Signature())
	require.NotNil(t, decl.Fields[0].Constant)
	assert.EqualValues(t, 5, *decl.Fields[0].Constant.Int)
	assert.NotNil(t, decl.Object("cfg"))
	assert.Nil(t, decl.Object("missing"))

	tests := []struct {
		name    string
		wantErr string
	}{
		{name: "a.b.Missing", wantErr: "class not found"},
		{name: "a.b.Wrong", wantErr: `declares "a.b.Other"`},
		{name: "a.b.Dup", wantErr: "duplicate method m()"},
		{name: "a.b.Bad", wantErr: "parse a/b/Bad.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Find(tt.name)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPlatformLibraryParses(t *testing.T) {
	l := PlatformLoader()
	var names []string
	err := fs.WalkDir(platformFS, "platform", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := strings.TrimSuffix(strings.TrimPrefix(p, "platform/"), ".yaml")
		names = append(names, strings.ReplaceAll(name, "/", "."))
		return nil
	})
	require.NoError(t, err)
	require.Contains(t, names, ObjectName)
	require.Contains(t, names, StringName)

	for _, name := range names {
		decl, err := l.Find(name)
		require.NoError(t, err, name)
		assert.Equal(t, LoaderPlatform, decl.Loader)
	}
	for _, box := range Boxes {
		assert.Contains(t, names, box)
	}
}

func TestResolver_Delegation(t *testing.T) {
	app := NewLoader(LoaderApp, "app", fstest.MapFS{
		"java/lang/Object.yaml":          {Data: []byte("name: java.lang.Object\n")},
		"a/Main.yaml":                    {Data: []byte("name: a.Main\n")},
		"META-INF/services/a.Service":    {Data: []byte("a.Impl\n")},
		"META-INF/services/other.Unused": {Data: []byte("x.Y\n")},
	})
	lib := NewLoader(LoaderPlatform, "lib", fstest.MapFS{
		"META-INF/services/a.Service": {Data: []byte("a.LibImpl\n")},
	})
	r := NewResolver(PlatformLoader(), lib, app)

	obj, err := r.ResolveType(ObjectName)
	require.NoError(t, err)
	assert.Equal(t, LoaderPlatform, obj.Loader, "platform declarations shadow application ones")

	main, err := r.ResolveType("a.Main")
	require.NoError(t, err)
	assert.Equal(t, LoaderApp, main.Loader)

	_, err = r.ResolveType("a.Nope")
	require.ErrorIs(t, err, ErrNotFound)

	res, err := r.Resources("META-INF/services/a.Service")
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a.LibImpl\n", string(res[0].Data))
	assert.Equal(t, "a.Impl\n", string(res[1].Data))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cp", "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cp", "a", "Main.yaml"), []byte("name: a.Main\n"), 0o644))
	archive := filepath.Join(dir, "lib.txtar")
	require.NoError(t, os.WriteFile(archive, []byte(`-- b/Lib.yaml --
name: b.Lib
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.jar"), []byte("x"), 0o644))

	_, err := Open(Options{})
	require.Error(t, err)

	_, err = Open(Options{Classpath: []string{filepath.Join(dir, "missing")}})
	require.Error(t, err)

	_, err = Open(Options{Classpath: []string{filepath.Join(dir, "plain.jar")}})
	require.ErrorContains(t, err, "not a directory or .txtar archive")

	r, err := Open(Options{
		Classpath:    []string{filepath.Join(dir, "cp")},
		PlatformPath: []string{archive},
	})
	require.NoError(t, err)
	require.Len(t, r.Loaders(), 3)

	lib, err := r.ResolveType("b.Lib")
	require.NoError(t, err)
	assert.Equal(t, LoaderPlatform, lib.Loader)
	main, err := r.ResolveType("a.Main")
	require.NoError(t, err)
	assert.Equal(t, LoaderApp, main.Loader)
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"int", "int"},
		{"int[][]", "int[][]"},
		{"[[I", "int[][]"},
		{"[Ljava.lang.String;", "java.lang.String[]"},
		{"[Ljava/lang/String;", "java.lang.String[]"},
		{"java/lang/Object", "java.lang.Object"},
		{" a.B ", "a.B"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Canonicalize(tt.in))
		})
	}

	assert.True(t, IsPrimitive("void"))
	assert.False(t, IsReference("long"))
	assert.True(t, IsArray("a.B[]"))
	assert.Equal(t, "a.B[]", ElementName("a.B[][]"))
}
