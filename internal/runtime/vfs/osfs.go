package vfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// OSFS serves files from a directory on the host.
type OSFS struct {
	root string
}

// NewOS roots a FileSystem at dir, which must exist.
func NewOS(dir string) (*OSFS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("vfs: root is not a directory")
	}
	return &OSFS{root: abs}, nil
}

// Root returns the host directory backing the file system.
func (fsys *OSFS) Root() string { return fsys.root }

// resolve maps name into the root. Cleaning against "/" first keeps ".."
// from escaping it.
func (fsys *OSFS) resolve(name string) string {
	return filepath.Join(fsys.root, filepath.FromSlash(Clean("/"+name)))
}

func (fsys *OSFS) Create(name string, size int64) error {
	if err := ValidName(name); err != nil {
		return err
	}
	if size < 0 {
		return fs.ErrInvalid
	}
	f, err := os.OpenFile(fsys.resolve(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}
	return f.Close()
}

// file resolves name to a host path that is never the root itself.
func (fsys *OSFS) file(name string) (string, error) {
	p := fsys.resolve(name)
	if p == fsys.root {
		return "", fs.ErrNotExist
	}
	return p, nil
}

func (fsys *OSFS) Open(name string) (File, error) {
	p, err := fsys.file(name)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_RDWR, 0)
}

func (fsys *OSFS) Remove(name string) error {
	p, err := fsys.file(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

func (fsys *OSFS) Stat(name string) (fs.FileInfo, error) {
	p, err := fsys.file(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}
