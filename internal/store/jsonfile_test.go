package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestReadWriteRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write("models.json", doc{Name: "a", Count: 3}))

	var got doc
	require.NoError(t, s.Read("models.json", &got))
	assert.Equal(t, doc{Name: "a", Count: 3}, got)
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var got doc
	assert.ErrorIs(t, s.Read("absent.json", &got), ErrNotFound)
}

func TestWriteNestedCreatesDirectories(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write("jobs/01HZX.json", doc{Name: "job"}))

	var got doc
	require.NoError(t, s.Read("jobs/01HZX.json", &got))
	assert.Equal(t, "job", got.Name)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write("a.json", doc{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestWriteAllIsAllOrNothing(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Write("routings.json", doc{Name: "old"}))

	// Unmarshalable value forces a staging failure; the original must survive.
	err = s.WriteAll(map[string]any{
		"routings.json": doc{Name: "new"},
		"bad.json":      make(chan int),
	})
	require.Error(t, err)

	var got doc
	require.NoError(t, s.Read("routings.json", &got))
	assert.Equal(t, "old", got.Name)
	var bad doc
	assert.ErrorIs(t, s.Read("bad.json", &bad), ErrNotFound)
}

func TestListSkipsHiddenAndDirs(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write("jobs/a.json", doc{}))
	require.NoError(t, s.Write("jobs/b.json", doc{}))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "jobs", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jobs", ".hidden"), []byte("x"), 0o644))

	names, err := s.List("jobs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"jobs/a.json", "jobs/b.json"}, names)
}

func TestDeleteMissingIsNoError(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, s.Delete("nope.json"))
}
