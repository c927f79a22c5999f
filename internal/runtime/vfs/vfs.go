// Package vfs provides the file storage that user programs reach through
// the kernel's descriptor table.
package vfs

import (
	"errors"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"
)

// NameMax is the longest file name accepted by Create.
const NameMax = 14

// ErrBadName reports an empty, overlong or directory-qualified name.
var ErrBadName = errors.New("vfs: invalid file name")

// File represents an open file within a FileSystem. Files have a fixed
// length set at creation; readers clamp at Stat().Size().
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Stat() (fs.FileInfo, error)
}

// FileSystem abstracts the flat file store used by the kernel.
type FileSystem interface {
	Create(name string, size int64) error
	Open(name string) (File, error)
	Remove(name string) error
	Stat(name string) (fs.FileInfo, error)
}

// ValidName reports whether name may be created.
func ValidName(name string) error {
	n := strings.TrimPrefix(Clean(name), "/")
	if n == "" || n == "." || len(n) > NameMax || strings.Contains(n, "/") {
		return ErrBadName
	}
	return nil
}

// WatchOp indicates a change operation in the filesystem.
type WatchOp uint32

const (
	OpCreate WatchOp = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

func (op WatchOp) String() string {
	var parts []string
	for _, p := range []struct {
		op   WatchOp
		name string
	}{{OpCreate, "CREATE"}, {OpWrite, "WRITE"}, {OpRemove, "REMOVE"}, {OpRename, "RENAME"}, {OpChmod, "CHMOD"}} {
		if op&p.op != 0 {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Event describes a filesystem change event.
type Event struct {
	Path string
	Op   WatchOp
	Time time.Time
}

// Watcher provides a platform-independent file watching API.
type Watcher interface {
	Events() <-chan Event
	Errors() <-chan error
	Add(name string) error
	Remove(name string) error
	Close() error
}

// Clean returns the shortest path name equivalent to path by purely lexical processing.
func Clean(p string) string { return path.Clean(p) }
