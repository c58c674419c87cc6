package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func TestFileRegistryShareListUnshare(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", 10)
	b := writeFile(t, dir, "b.bin", 0)

	reg := NewFileRegistry(filepath.Join(dir, "cfg", "shared.txt"))

	paths, err := reg.ListPaths()
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = reg.Share(a)
	require.NoError(t, err)
	_, err = reg.Share(b)
	require.NoError(t, err)
	_, err = reg.Share(a)
	require.NoError(t, err)

	paths, err = reg.ListPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, paths)

	raw, err := os.ReadFile(reg.Location())
	require.NoError(t, err)
	assert.Equal(t, a+"\n"+b, string(raw))

	removed, err := reg.Unshare(0)
	require.NoError(t, err)
	assert.Equal(t, a, removed)

	paths, err = reg.ListPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{b}, paths)

	_, err = reg.Unshare(5)
	assert.ErrorIs(t, err, ErrBadIndex)
}

func TestFileRegistryStatRereadsSize(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", 10)
	reg := NewFileRegistry(filepath.Join(dir, "shared.txt"))
	_, err := reg.Share(a)
	require.NoError(t, err)

	size, err := reg.Stat(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), size)

	require.NoError(t, os.WriteFile(a, make([]byte, 25), 0644))
	size, err = reg.Stat(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), size)
}

func TestFileRegistryStatUnsharedPath(t *testing.T) {
	dir := t.TempDir()
	other := writeFile(t, dir, "secret", 4)
	reg := NewFileRegistry(filepath.Join(dir, "shared.txt"))

	_, err := reg.Stat(other)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileRegistryDropsVanishedFiles(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", 1)
	b := writeFile(t, dir, "b.txt", 1)
	reg := NewFileRegistry(filepath.Join(dir, "shared.txt"))
	_, err := reg.Share(a)
	require.NoError(t, err)
	_, err = reg.Share(b)
	require.NoError(t, err)

	require.NoError(t, os.Remove(a))

	paths, err := reg.ListPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{b}, paths)

	_, err = reg.Stat(a)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileRegistryShareRejectsDirectory(t *testing.T) {
	reg := NewFileRegistry(filepath.Join(t.TempDir(), "shared.txt"))
	_, err := reg.Share(t.TempDir())
	assert.ErrorIs(t, err, ErrUnreadable)

	_, err = reg.Share(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry(Entry{Path: "/a.txt", Size: 10}, Entry{Path: "/b.bin", Size: 0})

	entries, err := Entries(reg)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Path: "/a.txt", Size: 10}, {Path: "/b.bin", Size: 0}}, entries)

	reg.Set("/a.txt", 3)
	size, err := reg.Stat("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), size)

	reg.Remove("/a.txt")
	_, err = reg.Stat("/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskRegistry(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a", 7)
	reg := NewDiskRegistry(a)

	size, err := reg.Stat(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), size)

	require.NoError(t, os.Remove(a))
	_, err = reg.Stat(a)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.Stat(filepath.Join(dir, "other"))
	assert.ErrorIs(t, err, ErrNotFound)
}

type flakyProvider struct {
	*MemoryRegistry
}

func (f flakyProvider) ListPaths() ([]string, error) {
	return []string{"/gone", "/here"}, nil
}

func TestEntriesKeepIndexOfUnreadablePaths(t *testing.T) {
	reg := flakyProvider{NewMemoryRegistry(Entry{Path: "/here", Size: 4})}

	entries, err := Entries(reg)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "/gone", entries[0].Path)
	assert.ErrorIs(t, entries[0].Err, ErrNotFound)
	assert.Zero(t, entries[0].Size)

	assert.Equal(t, "/here", entries[1].Path)
	assert.NoError(t, entries[1].Err)
	assert.Equal(t, uint64(4), entries[1].Size)
}
