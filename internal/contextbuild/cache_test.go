package contextbuild

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCachePutGet(t *testing.T) {
	c := NewMemoryCache()
	c.Put(Context{ID: "ctx_1", Assembled: "text"})

	got, ok := c.Get("ctx_1")
	require.True(t, ok)
	assert.Equal(t, "text", got.Assembled)

	_, ok = c.Get("ctx_missing")
	assert.False(t, ok)
}

func TestMemoryCacheIgnoresEmptyID(t *testing.T) {
	c := NewMemoryCache()
	c.Put(Context{Assembled: "text"})
	_, ok := c.Get("")
	assert.False(t, ok)
}

func TestMemoryCacheEvictsOldest(t *testing.T) {
	c := NewMemoryCache()
	c.capacity = 2
	c.Put(Context{ID: "a"})
	c.Put(Context{ID: "b"})

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put(Context{ID: "c"})
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestMemoryCacheUpdateKeepsSingleEntry(t *testing.T) {
	c := NewMemoryCache()
	c.capacity = 2
	for i := range 5 {
		c.Put(Context{ID: "same", Assembled: fmt.Sprintf("v%d", i)})
	}
	got, ok := c.Get("same")
	require.True(t, ok)
	assert.Equal(t, "v4", got.Assembled)
	assert.Equal(t, 1, c.order.Len())
}
