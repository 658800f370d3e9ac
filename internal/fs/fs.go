// Package fs abstracts the filesystem operations the storage driver
// layer needs, so cloud blob stores and in-memory fakes can stand in for
// a local directory.
package fs

import (
	"io/fs"
	"os"
	"path/filepath"
)

// FileSystem is the minimal surface used by the driver storage adapter.
type FileSystem interface {
	MkdirAll(path string, perm fs.FileMode) error
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	Remove(name string) error
	// ReadDir lists the names of regular files directly under path.
	ReadDir(path string) ([]string, error)
}

// OSFileSystem uses the real operating-system filesystem.
type OSFileSystem struct{}

// NewOSFileSystem creates a filesystem backed by the OS.
func NewOSFileSystem() *OSFileSystem {
	return &OSFileSystem{}
}

// MkdirAll creates a directory and all necessary parents.
func (*OSFileSystem) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

// ReadFile reads the entire file.
func (*OSFileSystem) ReadFile(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return data, nil
}

// WriteFile writes data to a file, creating it if necessary. The write
// goes through a temp file and rename so readers never see a torn write.
func (*OSFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

// Remove deletes a file. Removing an absent file is not an error.
func (*OSFileSystem) Remove(name string) error {
	err := os.Remove(name)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadDir lists regular files directly under path.
func (*OSFileSystem) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, filepath.Join(path, e.Name()))
		}
	}
	return names, nil
}
