package fsutil

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteJSONAtomic_RoundTripAndNoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "r.json")

	require.NoError(t, WriteJSONAtomic(path, record{Name: "a", Count: 1}))
	require.NoError(t, WriteJSONAtomic(path, record{Name: "b", Count: 2}))

	var got record
	require.NoError(t, ReadJSONStrict(path, &got))
	assert.Equal(t, record{Name: "b", Count: 2}, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r.json", entries[0].Name())
}

func TestReadJSONStrict_RejectsUnknownFieldsAndTrailingContent(t *testing.T) {
	dir := t.TempDir()

	unknown := filepath.Join(dir, "unknown.json")
	require.NoError(t, os.WriteFile(unknown, []byte(`{"name":"a","count":1,"cuont":2}`), 0o644))
	var r record
	assert.Error(t, ReadJSONStrict(unknown, &r))

	trailing := filepath.Join(dir, "trailing.json")
	require.NoError(t, os.WriteFile(trailing, []byte(`{"name":"a","count":1} {}`), 0o644))
	assert.Error(t, ReadJSONStrict(trailing, &r))
}

func TestWriteFileExclusive_OnlyOneWriterWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := WriteFileExclusive(path, []byte("x"), 0o644)
			assert.NoError(t, err)
			if created {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestExistsAndRemoveDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")

	ok, err := Exists(path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, WriteFileAtomic(path, []byte("1"), 0o600))
	ok, err = Exists(path)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, RemoveDurable(path))
	require.NoError(t, RemoveDurable(path))
	ok, err = Exists(path)
	require.NoError(t, err)
	assert.False(t, ok)
}
