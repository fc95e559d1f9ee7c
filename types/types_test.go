package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := MakeSet[string]()
	require.Empty(t, s)
	s.Insert("buf0", "buf1")
	assert.True(t, s.Has("buf0"))
	assert.True(t, s.Has("buf1"))
	assert.False(t, s.Has("buf2"))

	s2 := SetWith("buf1", "buf0")
	assert.True(t, s.Equal(s2))
	s2.Insert("buf2")
	assert.False(t, s.Equal(s2))
}

func TestSorted(t *testing.T) {
	s := SetWith("c", "a", "b")
	assert.Equal(t, []string{"a", "b", "c"}, Sorted(s))
	assert.Empty(t, Sorted(MakeSet[int]()))
}
