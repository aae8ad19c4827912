package unsupported

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatures(t *testing.T) {
	var f Features
	require.Zero(t, f.Len())
	require.Empty(t, f.Records())

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Add("var handle access", "a.Main.run()", 7)
			f.Add(fmt.Sprintf("missing class c%d", i%2), "a.Main.main(java.lang.String[])", 0)
		}()
	}
	wg.Wait()
	f.Add("service provider file unreadable", "", 0)

	got := f.Records()
	require.Len(t, got, 4)
	assert.Equal(t, 4, f.Len())
	assert.Equal(t, Record{Message: "service provider file unreadable"}, got[0])
	assert.Equal(t, "missing class c0 (in a.Main.main(java.lang.String[]))", got[1].String())
	assert.Equal(t, "var handle access (in a.Main.run() at line 7)", got[3].String())
}
