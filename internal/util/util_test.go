package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
	assert.True(t, r.Any(func(v int) bool { return v == 4 }))
	assert.False(t, r.Any(func(v int) bool { return v == 1 }))

	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "", NormalizeURL("  "))
	assert.Equal(t, "http://api.local:8080", NormalizeURL("api.local:8080/"))
	assert.Equal(t, "https://x.example/api", NormalizeURL(" https://x.example/api// "))
}

func TestWriteJSONFileCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"n": 1}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(StripBOM(b)))
}
