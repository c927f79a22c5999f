package vfs

import (
	"errors"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"
)

type memInode struct {
	mu   sync.RWMutex
	name string
	data []byte
	mod  time.Time
}

// memFile is one open instance of an inode. The inode outlives Remove for
// as long as some memFile still refers to it.
type memFile struct {
	ino    *memInode
	closed bool
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	f.ino.mu.RLock()
	defer f.ino.mu.RUnlock()
	if off >= int64(len(f.ino.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.ino.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()
	end := int(off) + len(p)
	if end > len(f.ino.data) {
		tmp := make([]byte, end)
		copy(tmp, f.ino.data)
		f.ino.data = tmp
	}
	copy(f.ino.data[off:], p)
	f.ino.mod = time.Now()
	return len(p), nil
}

func (f *memFile) Close() error {
	if f.closed {
		return fs.ErrClosed
	}
	f.closed = true
	return nil
}

func (f *memFile) Stat() (fs.FileInfo, error) {
	f.ino.mu.RLock()
	defer f.ino.mu.RUnlock()
	return fileInfo{name: f.ino.name, size: int64(len(f.ino.data)), mode: 0o644, mod: f.ino.mod}, nil
}

type fileInfo struct {
	name string
	size int64
	mode fs.FileMode
	mod  time.Time
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi fileInfo) ModTime() time.Time { return fi.mod }
func (fi fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi fileInfo) Sys() any           { return nil }

// MemFS is a flat in-memory FileSystem.
type MemFS struct {
	mu   sync.RWMutex
	ents map[string]*memInode
}

func NewMem() *MemFS { return &MemFS{ents: make(map[string]*memInode)} }

func norm(p string) string {
	return strings.TrimPrefix(Clean("/"+p), "/")
}

func (m *MemFS) Create(name string, size int64) error {
	if err := ValidName(name); err != nil {
		return err
	}
	if size < 0 {
		return fs.ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := norm(name)
	if _, ok := m.ents[key]; ok {
		return fs.ErrExist
	}
	m.ents[key] = &memInode{name: path.Base(key), data: make([]byte, size), mod: time.Now()}
	return nil
}

func (m *MemFS) Open(name string) (File, error) {
	m.mu.RLock()
	ino := m.ents[norm(name)]
	m.mu.RUnlock()
	if ino == nil {
		return nil, fs.ErrNotExist
	}
	return &memFile{ino: ino}, nil
}

func (m *MemFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := norm(name)
	if _, ok := m.ents[key]; !ok {
		return fs.ErrNotExist
	}
	delete(m.ents, key)
	return nil
}

func (m *MemFS) Stat(name string) (fs.FileInfo, error) {
	m.mu.RLock()
	ino := m.ents[norm(name)]
	m.mu.RUnlock()
	if ino == nil {
		return nil, fs.ErrNotExist
	}
	return (&memFile{ino: ino}).Stat()
}
