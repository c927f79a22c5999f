package vfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func roundTrip(t *testing.T, fsys FileSystem) {
	t.Helper()
	if err := fsys.Create("a.txt", 8); err != nil {
		t.Fatal(err)
	}
	if err := fsys.Create("a.txt", 8); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("second create: expected ErrExist, got %v", err)
	}
	f, err := fsys.Open("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteAt([]byte("hello"), 2); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if n != 8 || string(buf[2:7]) != "hello" || buf[0] != 0 {
		t.Fatalf("got %d %q", n, buf)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 8 {
		t.Fatalf("size = %d", info.Size())
	}
}

func TestMemFS_CreateReadWrite(t *testing.T) {
	roundTrip(t, NewMem())
}

func TestOSFS_CreateReadWrite(t *testing.T) {
	fsys, err := NewOS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	roundTrip(t, fsys)
}

func TestOSFS_StaysInsideRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(parent, "secret"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	fsys, err := NewOS(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fsys.Open("../secret"); err == nil {
		t.Fatal("path escaped the root")
	}
}

func TestOSFS_RootIsNotAFile(t *testing.T) {
	root := t.TempDir()
	fsys, err := NewOS(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", ".", "/"} {
		if err := fsys.Remove(name); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("Remove(%q) = %v, want ErrNotExist", name, err)
		}
		if _, err := fsys.Stat(name); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("Stat(%q) = %v, want ErrNotExist", name, err)
		}
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Fatalf("root directory gone: %v", err)
	}
}

func TestMemFS_RemoveKeepsOpenFile(t *testing.T) {
	m := NewMem()
	if err := m.Create("b", 4); err != nil {
		t.Fatal(err)
	}
	f, err := m.Open("b")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte("data"), 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open("b"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist after remove, got %v", err)
	}
	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "data" {
		t.Fatalf("got %q", buf)
	}
	if err := m.Remove("b"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("double remove: %v", err)
	}
}

func TestValidName(t *testing.T) {
	for _, bad := range []string{"", "/", "dir/file", strings.Repeat("x", NameMax+1)} {
		if ValidName(bad) == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
	if err := ValidName(strings.Repeat("x", NameMax)); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_Polling(t *testing.T) {
	m := NewMem()
	w := NewSimpleWatcher(m)
	_ = w.Add("w.txt")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.StartPolling(ctx, 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	// trigger change
	go func() { _ = m.Create("w.txt", 1) }()
	select {
	case ev := <-w.Events():
		if ev.Op != OpCreate {
			t.Fatalf("op = %v", ev.Op)
		}
	case <-ctx.Done():
		t.Fatal("timeout")
	}
}

func TestWatcher_FSNotify(t *testing.T) {
	fsys, err := NewOS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fw, err := WatchRoot(fsys)
	if err != nil {
		t.Skip("fsnotify not supported: ", err)
	}
	defer fw.Close()
	go func() { _ = fsys.Create("f.txt", 1) }()
	select {
	case ev := <-fw.Events():
		if ev.Path == "" {
			t.Fatal("empty path")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fsnotify event")
	}
}

func TestWatchOp_String(t *testing.T) {
	if s := (OpCreate | OpWrite).String(); s != "CREATE|WRITE" {
		t.Fatalf("got %q", s)
	}
}
