package vfs

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"
)

// SimpleWatcher is a polling-based watcher portable across FileSystems.
// It reports creation, size or mtime changes, and removal of watched names.
type SimpleWatcher struct {
	fs    FileSystem
	evCh  chan Event
	erCh  chan error
	mu    sync.Mutex
	names map[string]struct{}
	stop  context.CancelFunc
	done  chan struct{}
}

func NewSimpleWatcher(fs FileSystem) *SimpleWatcher {
	return &SimpleWatcher{
		fs:    fs,
		evCh:  make(chan Event, 64),
		erCh:  make(chan error, 1),
		names: make(map[string]struct{}),
	}
}

func (w *SimpleWatcher) Events() <-chan Event { return w.evCh }
func (w *SimpleWatcher) Errors() <-chan error { return w.erCh }

func (w *SimpleWatcher) Add(name string) error {
	w.mu.Lock()
	w.names[name] = struct{}{}
	w.mu.Unlock()
	return nil
}

func (w *SimpleWatcher) Remove(name string) error {
	w.mu.Lock()
	delete(w.names, name)
	w.mu.Unlock()
	return nil
}

func (w *SimpleWatcher) Close() error {
	if w.stop != nil {
		w.stop()
		<-w.done
	}
	close(w.evCh)
	return nil
}

type pollState struct {
	exists bool
	size   int64
	mod    time.Time
}

// StartPolling begins a stat-based change poll at the given interval.
func (w *SimpleWatcher) StartPolling(ctx context.Context, interval time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if w.stop != nil {
		return errors.New("vfs: watcher already polling")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	w.done = make(chan struct{})
	last := make(map[string]pollState)
	w.scan(last, false)
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.scan(last, true)
			}
		}
	}()
	return nil
}

func (w *SimpleWatcher) scan(last map[string]pollState, emit bool) {
	w.mu.Lock()
	names := make([]string, 0, len(w.names))
	for n := range w.names {
		names = append(names, n)
	}
	w.mu.Unlock()

	for _, n := range names {
		var cur pollState
		info, err := w.fs.Stat(n)
		switch {
		case err == nil:
			cur = pollState{exists: true, size: info.Size(), mod: info.ModTime()}
		case !errors.Is(err, fs.ErrNotExist):
			select {
			case w.erCh <- err:
			default:
			}
			continue
		}
		prev := last[n]
		last[n] = cur
		if !emit {
			continue
		}
		var op WatchOp
		switch {
		case cur.exists && !prev.exists:
			op = OpCreate
		case !cur.exists && prev.exists:
			op = OpRemove
		case cur.exists && (cur.size != prev.size || !cur.mod.Equal(prev.mod)):
			op = OpWrite
		default:
			continue
		}
		select {
		case w.evCh <- Event{Path: n, Op: op, Time: time.Now()}:
		default:
		}
	}
}
