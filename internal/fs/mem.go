package fs

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotExist is returned when a file does not exist
var ErrNotExist = errors.New("file does not exist")

// MemFileSystem is an in-memory filesystem for testing
type MemFileSystem struct {
	mu    sync.RWMutex
	files map[string][]byte // path -> content
	dirs  map[string]bool   // path -> exists
}

// NewMemFileSystem creates a new in-memory filesystem
func NewMemFileSystem() *MemFileSystem {
	return &MemFileSystem{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

// MkdirAll creates a directory and all necessary parents
func (f *MemFileSystem) MkdirAll(path string, _ fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(filepath.Clean(path), string(filepath.Separator))
	current := ""
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		if current == "" {
			current = part
		} else {
			current = filepath.Join(current, part)
		}
		f.dirs[current] = true
	}
	return nil
}

// ReadFile reads the entire file
func (f *MemFileSystem) ReadFile(name string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, ok := f.files[filepath.Clean(name)]
	if !ok {
		return nil, ErrNotExist
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// WriteFile writes data to a file
func (f *MemFileSystem) WriteFile(name string, data []byte, _ fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	f.files[filepath.Clean(name)] = stored
	return nil
}

// Remove deletes a file. Removing an absent file is not an error.
func (f *MemFileSystem) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, filepath.Clean(name))
	return nil
}

// ReadDir lists regular files directly under path
func (f *MemFileSystem) ReadDir(path string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dir := filepath.Clean(path)
	var names []string
	for name := range f.files {
		if filepath.Dir(name) == dir {
			names = append(names, name)
		}
	}
	return names, nil
}
