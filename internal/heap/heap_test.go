package heap

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/pointsto/internal/typeflow"
	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/pkg/classpath"
	"github.com/715d/pointsto/pkg/ir"
)

const config = `
name: h.Config
fields:
  - {name: NAME, type: java.lang.String, static: true, final: true, constant: {string: cfg}}
  - {name: COUNT, type: int, static: true, final: true, constant: {int: 3}}
  - {name: CURRENT, type: h.Config, static: true}
  - {name: next, type: h.Config}
  - {name: items, type: "java.lang.Object[]"}
  - {name: plugin, type: java.lang.Object}
objects:
  - id: root
    type: h.Config
    fields:
      next: {ref: other}
      items: {ref: arr}
      plugin: {ref: "x.Ext#ext"}
  - id: other
    type: h.Config
    fields:
      next: {ref: root}
  - id: arr
    type: "java.lang.Object[]"
    elements: [{string: a}, {class: h.Config}, {null: true}]
`

const ext = `
name: x.Ext
objects:
  - {id: ext, type: x.Ext}
`

func newTestEngine(t *testing.T) *typeflow.Engine {
	t.Helper()
	app := fstest.MapFS{"h/Config.yaml": &fstest.MapFile{Data: []byte(config)}}
	extFS := fstest.MapFS{"x/Ext.yaml": &fstest.MapFile{Data: []byte(ext)}}
	r := classpath.NewResolver(
		classpath.PlatformLoader(),
		classpath.NewLoader(classpath.LoaderApp, "app", app),
		classpath.NewLoader("ext", "ext", extFS),
	)
	return typeflow.New(universe.New(r, universe.Options{}), typeflow.Options{Workers: 2})
}

func keys(h *ImageHeap) []string {
	var out []string
	for _, o := range h.Objects() {
		out = append(out, o.Key)
	}
	return out
}

func typeNames(ts []*universe.Type) []string {
	var out []string
	for _, t := range ts {
		out = append(out, t.Name())
	}
	return out
}

func field(t *testing.T, e *typeflow.Engine, ref string) *universe.Field {
	t.Helper()
	f, err := e.Universe().LookupFieldRef(ref)
	require.NoError(t, err)
	return f
}

func TestScanEmbeddedRoot(t *testing.T) {
	e := newTestEngine(t)
	s := NewScanner(e, NewImageHeap())
	owner := e.Universe().MustLookupType("h.Config")

	obj, err := s.ScanEmbeddedRoot(owner, ir.Value{Ref: "root"}, "test")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "h.Config", obj.Type().Name())
	require.NoError(t, e.Drain(t.Context()))

	assert.Equal(t, []string{"class:h.Config", "h.Config#arr", "h.Config#other", "h.Config#root", "str:a"}, keys(s.Heap()))
	assert.Equal(t, []string{"h.Config"}, typeNames(e.Types(e.FieldFlow(field(t, e, "h.Config.next")))))
	assert.Equal(t, []string{"java.lang.Class", "java.lang.String"}, typeNames(e.Types(e.ElementFlow(e.Universe().MustLookupType("java.lang.Object[]")))))
	assert.Empty(t, e.Objects(e.FieldFlow(field(t, e, "h.Config.plugin"))), "objects of disallowed loaders are not scanned")
	assert.True(t, owner.IsInHeap())
	assert.False(t, e.Universe().MustLookupType("x.Ext").IsInHeap())

	again, err := s.ScanEmbeddedRoot(owner, ir.Value{Ref: "h.Config#root"}, "test")
	require.NoError(t, err)
	assert.Same(t, obj, again)
	assert.Equal(t, 5, s.Heap().Len())
}

func TestScanEmbeddedRoot_Values(t *testing.T) {
	e := newTestEngine(t)
	owner := e.Universe().MustLookupType("h.Config")
	three := int64(3)

	tests := []struct {
		name    string
		loaders []string
		value   ir.Value
		want    string
		wantErr error
	}{
		{name: "primitive", value: ir.Value{Int: &three}},
		{name: "null", value: ir.Value{Null: true}},
		{name: "class literal", value: ir.Value{Class: "h.Config"}, want: "class:h.Config"},
		{name: "unknown object", value: ir.Value{Ref: "missing"}, wantErr: ErrUnknownConstant},
		{name: "disallowed loader", value: ir.Value{Ref: "x.Ext#ext"}},
		{
			name:    "allowed loader",
			loaders: []string{classpath.LoaderApp, classpath.LoaderPlatform, "ext"},
			value:   ir.Value{Ref: "x.Ext#ext"},
			want:    "x.Ext#ext",
		},
		{name: "missing class", value: ir.Value{Class: "h.Nope"}, wantErr: universe.ErrClassNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScanner(e, NewImageHeap(), tt.loaders...)
			obj, err := s.ScanEmbeddedRoot(owner, tt.value, "test")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, obj)
				assert.Zero(t, s.Heap().Len())
				return
			}
			require.NotNil(t, obj)
			require.NotNil(t, s.Heap().Object(tt.want))
			assert.Same(t, obj, s.Heap().Object(tt.want).Abstract)
		})
	}
}

func TestOnFieldRead(t *testing.T) {
	e := newTestEngine(t)
	s := NewScanner(e, NewImageHeap())

	name := field(t, e, "h.Config.NAME")
	s.OnFieldRead(name)
	s.OnFieldRead(field(t, e, "h.Config.COUNT"))
	s.OnFieldRead(field(t, e, "h.Config.CURRENT"))
	s.OnFieldRead(field(t, e, "h.Config.next"))
	require.NoError(t, e.Drain(t.Context()))

	assert.Equal(t, []string{"str:cfg"}, keys(s.Heap()))
	assert.Equal(t, []string{"java.lang.String"}, typeNames(e.Types(e.FieldFlow(name))))
	assert.Empty(t, e.Objects(e.FieldFlow(field(t, e, "h.Config.CURRENT"))))

	var folding ConstantFieldProvider
	assert.False(t, folding.IsFoldable(name))
}

func TestVerifier(t *testing.T) {
	e := newTestEngine(t)
	s := NewScanner(e, NewImageHeap())
	v := NewVerifier(s)

	assert.False(t, v.Verify(), "nothing reachable")

	e.Universe().RegisterAsReachable(e.Universe().MustLookupType("h.Config"), "test")
	assert.True(t, v.Verify())
	assert.Equal(t, []string{"str:cfg"}, keys(s.Heap()))
	assert.False(t, v.Verify(), "a second pass finds nothing new")
}
