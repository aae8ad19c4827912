package pointsto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallGraph(t *testing.T) {
	g := NewCallGraph([]Edge{
		{Callee: "a.main()", Kind: "static"},
		{Caller: "a.main()", Callee: "a.left()", Kind: "static"},
		{Caller: "a.main()", Callee: "a.right()", Kind: "static"},
		{Caller: "a.left()", Callee: "a.leaf()", Kind: "virtual"},
		{Caller: "a.left()", Callee: "a.leaf()", Kind: "special"},
		{Caller: "a.right()", Callee: "a.leaf()", Kind: "virtual"},
		{Caller: "a.leaf()", Callee: "a.loop()", Kind: "virtual"},
		{Caller: "a.loop()", Callee: "a.leaf()", Kind: "virtual"},
		{Caller: "a.self()", Callee: "a.self()", Kind: "virtual"},
		{Caller: "a.orphan()", Callee: "a.self()", Kind: "static"},
	})

	assert.Equal(t, []string{"a.leaf()", "a.left()", "a.loop()", "a.main()", "a.orphan()", "a.right()", "a.self()"}, g.Methods())
	assert.Equal(t, []string{"a.left()", "a.right()"}, g.Callees("a.main()"))
	assert.Equal(t, []string{"a.leaf()"}, g.Callees("a.left()"))
	assert.Equal(t, []string{"a.self()"}, g.Callees("a.self()"))
	assert.Nil(t, g.Callees("a.unknown()"))

	assert.Equal(t, [][]string{{"a.leaf()", "a.loop()"}, {"a.self()"}}, g.Cycles())

	tests := []struct {
		method string
		want   []string
	}{
		{"a.main()", []string{"a.main()"}},
		{"a.leaf()", []string{"a.main()", "a.left()", "a.leaf()"}},
		{"a.loop()", []string{"a.main()", "a.left()", "a.leaf()", "a.loop()"}},
		{"a.self()", nil},
		{"a.unknown()", nil},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, g.PathTo(tt.method))
		})
	}
}
