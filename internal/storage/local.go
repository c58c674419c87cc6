package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage resolves download destinations inside a base directory.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// GetPath returns the on-disk path for name. Absolute names are used as they are.
func (s *LocalStorage) GetPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.basePath, name)
}

// Destination returns the download target for name.
func (s *LocalStorage) Destination(name string) *File {
	return NewFile(s.GetPath(name))
}

// File is a download target that only ever grows. A missing file has size zero.
type File struct {
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the file's location on disk.
func (f *File) Path() string {
	return f.path
}

// Size reads the current on-disk size.
func (f *File) Size() (uint64, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat %s: %w", f.path, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("destination %s is not a regular file", f.path)
	}
	return uint64(info.Size()), nil
}

// OpenAppend opens the file for appending, creating it and its directory if needed.
func (f *File) OpenAppend() (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}
	return file, nil
}

// Truncate empties the file so the next download starts from zero.
func (f *File) Truncate() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	file, err := os.Create(f.path)
	if err != nil {
		return fmt.Errorf("failed to truncate destination: %w", err)
	}
	return file.Close()
}
