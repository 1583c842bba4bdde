package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFlow(t *testing.T, path, name string) {
	t.Helper()

	doc := "name: " + name + "\nsteps:\n  - task:\n      name: log\n"

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
}

func TestResolveDirectFileMatch(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, filepath.Join(dir, "child.yaml"), "child")

	l := NewFileLoader(nil)

	doc, identity, err := l.Resolve("child", dir)
	require.NoError(t, err)
	assert.Equal(t, "child", doc.Name)
	assert.True(t, filepath.IsAbs(identity))

	// An explicit extension resolves to the same identity.
	_, identity2, err := l.Resolve("child.yaml", dir)
	require.NoError(t, err)
	assert.Equal(t, identity, identity2)
}

func TestResolveSubdirectoryCanonicalFile(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, filepath.Join(dir, "billing", "flow.yaml"), "billing")

	l := NewFileLoader(nil)

	doc, _, err := l.Resolve("billing", dir)
	require.NoError(t, err)
	assert.Equal(t, "billing", doc.Name)
}

func TestResolveSiblingDirectory(t *testing.T) {
	root := t.TempDir()
	caller := filepath.Join(root, "orders")
	require.NoError(t, os.MkdirAll(caller, 0o755))
	writeFlow(t, filepath.Join(root, "shared", "notify.yaml"), "notify")

	l := NewFileLoader(nil)

	doc, _, err := l.Resolve("notify", filepath.Join(root, "shared"))
	require.NoError(t, err)
	assert.Equal(t, "notify", doc.Name)

	// From the sibling's perspective the file lives one directory over.
	doc, _, err = l.Resolve("notify", caller)
	require.NoError(t, err)
	assert.Equal(t, "notify", doc.Name)
}

func TestResolveAncestorBoundedDepth(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	writeFlow(t, filepath.Join(root, "top.yaml"), "top")

	l := NewFileLoader(nil)

	doc, _, err := l.Resolve("top", deep)
	require.NoError(t, err)
	assert.Equal(t, "top", doc.Name)

	// Four levels down exceeds the default depth of three.
	deeper := filepath.Join(deep, "d")
	require.NoError(t, os.MkdirAll(deeper, 0o755))

	_, _, err = l.Resolve("top", deeper)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestResolveNotFoundListsSearchedPaths(t *testing.T) {
	l := NewFileLoader(nil)

	_, _, err := l.Resolve("ghost", t.TempDir())
	require.Error(t, err)

	var notFound *NotFoundError

	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.Reference)
	assert.NotEmpty(t, notFound.Searched)
}

func TestResolveMemoizesParsedDocuments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cached.yaml")
	writeFlow(t, path, "cached")

	l := NewFileLoader(nil)

	first, _, err := l.Resolve("cached", dir)
	require.NoError(t, err)

	// Corrupt the file; the cached document must still be served.
	require.NoError(t, os.WriteFile(path, []byte("::: not yaml"), 0o644))

	second, _, err := l.Resolve("cached", dir)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestResolveRejectsInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("steps: []\n"), 0o644))

	l := NewFileLoader(nil)

	_, _, err := l.Resolve("bad", dir)
	require.Error(t, err)
}
