package firmware

import (
	"errors"
	"fmt"
	"os"
)

var (
	ErrNotRegularFile = errors.New("not a regular file")
)

// Store is a read-only view of the firmware tree. Names are slash or OS
// separated paths relative to the store root.
type Store interface {
	// Probe returns nil when name is an existing, readable, regular file.
	Probe(name string) error
	// Open opens name for reading.
	Open(name string) (*os.File, error)
}

// DirStore serves firmware from a directory. Lookups go through an os.Root,
// so a name can never resolve outside the directory, symlinks included.
type DirStore struct {
	dir  string
	root *os.Root
}

// OpenDirStore opens dir as the firmware root.
func OpenDirStore(dir string) (*DirStore, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening firmware dir %q: %w", dir, err)
	}
	return &DirStore{dir: dir, root: root}, nil
}

// Dir returns the directory the store was opened on.
func (s *DirStore) Dir() string {
	return s.dir
}

func (s *DirStore) Open(name string) (*os.File, error) {
	f, err := s.root.Open(name)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s: %w", name, ErrNotRegularFile)
	}
	return f, nil
}

func (s *DirStore) Probe(name string) error {
	f, err := s.Open(name)
	if err != nil {
		return err
	}
	return f.Close()
}

// Close releases the root directory handle.
func (s *DirStore) Close() error {
	return s.root.Close()
}
