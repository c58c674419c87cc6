package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound   = errors.New("shared file not found")
	ErrUnreadable = errors.New("shared file unreadable")
	ErrBadIndex   = errors.New("no shared file at index")
)

// Provider is what the transfer core needs from the list of shared files.
// Implementations must read current state on every call.
type Provider interface {
	// ListPaths returns the shared paths in registry order.
	ListPaths() ([]string, error)
	// Stat returns the current size of a shared path.
	Stat(path string) (uint64, error)
}

// Entry is a shared path and its size at the time it was read. Err is set
// when the path could not be sized; Size is zero then.
type Entry struct {
	Path string
	Size uint64
	Err  error
}

// Entries resolves every shared path with its current size. The result lines
// up with ListPaths, so a path that fails to stat keeps its index and
// carries the error instead of being dropped.
func Entries(p Provider) ([]Entry, error) {
	paths, err := p.ListPaths()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(paths))
	for i, path := range paths {
		size, err := p.Stat(path)
		entries[i] = Entry{Path: path, Size: size, Err: err}
		if err != nil {
			entries[i].Size = 0
		}
	}
	return entries, nil
}

// FileRegistry persists shared paths as a newline separated list in a single file.
type FileRegistry struct {
	path string
	mu   sync.Mutex
}

// NewFileRegistry returns a registry backed by the list file at path. The file
// is created lazily on the first Share.
func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

// Location returns the path of the backing list file.
func (r *FileRegistry) Location() string {
	return r.path
}

// ListPaths re-reads the list file and drops entries that are no longer regular files.
func (r *FileRegistry) ListPaths() ([]string, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if info, err := os.Stat(line); err != nil || !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, line)
	}
	return paths, nil
}

// Stat returns the current on-disk size of path. Paths that are not in the
// shared list are reported as ErrNotFound.
func (r *FileRegistry) Stat(path string) (uint64, error) {
	paths, err := r.ListPaths()
	if err != nil {
		return 0, err
	}
	if !contains(paths, path) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return statFile(path)
}

// Share appends path to the list. Relative paths are made absolute; sharing a
// path twice is a no-op.
func (r *FileRegistry) Share(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrUnreadable, abs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	paths, err := r.ListPaths()
	if err != nil {
		return "", err
	}
	if contains(paths, abs) {
		return abs, nil
	}
	return abs, r.write(append(paths, abs))
}

// Unshare removes the entry at index and returns its path.
func (r *FileRegistry) Unshare(index int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths, err := r.ListPaths()
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(paths) {
		return "", fmt.Errorf("%w %d (have %d)", ErrBadIndex, index, len(paths))
	}
	removed := paths[index]
	paths = append(paths[:index], paths[index+1:]...)
	return removed, r.write(paths)
}

func (r *FileRegistry) write(paths []string) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := os.WriteFile(r.path, []byte(strings.Join(paths, "\n")), 0644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return nil
}

// MemoryRegistry is an in-memory Provider. Sizes are held explicitly so tests
// can mutate them between calls.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryRegistry(entries ...Entry) *MemoryRegistry {
	return &MemoryRegistry{entries: append([]Entry(nil), entries...)}
}

func (m *MemoryRegistry) ListPaths() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, len(m.entries))
	for i, e := range m.entries {
		paths[i] = e.Path
	}
	return paths, nil
}

func (m *MemoryRegistry) Stat(path string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if e.Path == path {
			return e.Size, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// Set adds path or updates its size.
func (m *MemoryRegistry) Set(path string, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.entries {
		if m.entries[i].Path == path {
			m.entries[i].Size = size
			return
		}
	}
	m.entries = append(m.entries, Entry{Path: path, Size: size})
}

// Remove drops path from the registry.
func (m *MemoryRegistry) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.entries {
		if m.entries[i].Path == path {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

// DiskRegistry serves a fixed list of paths, sizing them from disk on every
// Stat. It backs tests and one-off hosting without a list file.
type DiskRegistry struct {
	paths []string
}

func NewDiskRegistry(paths ...string) *DiskRegistry {
	return &DiskRegistry{paths: append([]string(nil), paths...)}
}

func (d *DiskRegistry) ListPaths() ([]string, error) {
	return append([]string(nil), d.paths...), nil
}

func (d *DiskRegistry) Stat(path string) (uint64, error) {
	if !contains(d.paths, path) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return statFile(path)
}

func statFile(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", ErrUnreadable, path)
	}
	return uint64(info.Size()), nil
}

func contains(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}
