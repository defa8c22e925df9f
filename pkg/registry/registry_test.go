package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := New[int]()
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = r.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Count())
}

func TestRegisterRejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.Register("x", "one"))

	err := r.Register("x", "two")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	require.Error(t, r.Register("", "anon"))
}

func TestPutReplaces(t *testing.T) {
	r := New[string]()
	r.Put("x", "one")
	r.Put("x", "two")

	v, ok := r.Get("x")
	require.True(t, ok)
	assert.Equal(t, "two", v)
	assert.Equal(t, 1, r.Count())
}

func TestNamesSorted(t *testing.T) {
	r := New[int]()
	r.Put("zeta", 1)
	r.Put("alpha", 2)
	r.Put("mid", 3)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestRemoveAndClear(t *testing.T) {
	r := New[int]()
	r.Put("a", 1)

	require.NoError(t, r.Remove("a"))
	require.Error(t, r.Remove("a"))

	r.Put("b", 2)
	r.Clear()
	assert.Equal(t, 0, r.Count())
}
