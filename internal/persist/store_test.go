package persist_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabiq/collabiq/internal/persist"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "doc.json")

	require.NoError(t, persist.WriteJSON(path, doc{Name: "한화", Count: 3}))

	var got doc
	require.NoError(t, persist.ReadJSON(path, &got))
	assert.Equal(t, doc{Name: "한화", Count: 3}, got)
}

func TestWriteJSON_NoHTMLEscaping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, persist.WriteJSON(path, doc{Name: "a&b <co>"}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "a&b <co>")
}

func TestWriteJSON_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, persist.WriteJSON(filepath.Join(dir, "doc.json"), doc{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.json", entries[0].Name())
}

func TestReadJSON_MissingFile(t *testing.T) {
	err := persist.ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &doc{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadOrInit_ToleratesMissingAndCorrupt(t *testing.T) {
	d := doc{Name: "initial"}
	persist.LoadOrInit(filepath.Join(t.TempDir(), "absent.json"), &d)
	assert.Equal(t, "initial", d.Name)

	path := filepath.Join(t.TempDir(), "corrupt.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	d = doc{Name: "initial"}
	persist.LoadOrInit(path, &d)
	assert.Equal(t, "initial", d.Name)
}
