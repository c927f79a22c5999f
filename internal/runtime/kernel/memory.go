package kernel

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	kerrors "github.com/orizon-lang/tinykern/internal/errors"
)

// PageSize represents common page sizes
const (
	PageSize4KB     = 4096
	DefaultPageSize = PageSize4KB
)

// Frame is one page-sized slice of physical memory.
type Frame struct {
	Number int
	KVA    []byte
	Page   *Page

	inUse bool
}

// FrameTable hands out frames from a fixed arena and tracks the ones in
// use. Choosing a victim when the arena runs dry is left to callers.
type FrameTable struct {
	mu       sync.Mutex
	arena    []byte
	frames   []Frame
	free     []int
	inUse    int
	pageSize int
	unmap    func() error
	log      hclog.Logger
}

// NewFrameTable maps an arena of count frames of pageSize bytes.
func NewFrameTable(count, pageSize int, log hclog.Logger) (*FrameTable, error) {
	if count <= 0 || pageSize <= 0 {
		return nil, fmt.Errorf("invalid frame table geometry: %d x %d", count, pageSize)
	}
	arena, unmap, err := mapArena(count * pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to map frame arena: %w", err)
	}
	ft := &FrameTable{
		arena:    arena,
		frames:   make([]Frame, count),
		free:     make([]int, 0, count),
		pageSize: pageSize,
		unmap:    unmap,
		log:      log,
	}
	for i := range ft.frames {
		ft.frames[i] = Frame{Number: i, KVA: arena[i*pageSize : (i+1)*pageSize : (i+1)*pageSize]}
	}
	// Pop from the tail so frame 0 goes out first.
	for i := count - 1; i >= 0; i-- {
		ft.free = append(ft.free, i)
	}
	return ft, nil
}

// Allocate takes a free frame and starts tracking it.
func (ft *FrameTable) Allocate() (*Frame, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.free) == 0 {
		return nil, kerrors.ErrNoFrame
	}
	n := ft.free[len(ft.free)-1]
	ft.free = ft.free[:len(ft.free)-1]
	f := &ft.frames[n]
	f.inUse = true
	ft.inUse++
	ft.log.Trace("frame allocated", "frame", n)
	return f, nil
}

// Release stops tracking f, clears it, and returns it to the free pool.
func (ft *FrameTable) Release(f *Frame) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if f == nil || f.Number < 0 || f.Number >= len(ft.frames) || &ft.frames[f.Number] != f {
		return fmt.Errorf("frame not owned by this table")
	}
	if !f.inUse {
		return fmt.Errorf("frame %d not allocated", f.Number)
	}
	clear(f.KVA)
	f.Page = nil
	f.inUse = false
	ft.inUse--
	ft.free = append(ft.free, f.Number)
	ft.log.Trace("frame released", "frame", f.Number)
	return nil
}

// Tracked reports whether f is currently allocated.
func (ft *FrameTable) Tracked(f *Frame) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return f != nil && f.inUse
}

// Get returns frame n for page-table translation.
func (ft *FrameTable) Get(n int) *Frame {
	if n < 0 || n >= len(ft.frames) {
		return nil
	}
	return &ft.frames[n]
}

// InUse returns the number of allocated frames.
func (ft *FrameTable) InUse() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.inUse
}

// Free returns the number of frames available to Allocate.
func (ft *FrameTable) Free() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.free)
}

// FrameStats summarises arena usage.
type FrameStats struct {
	Total    int `json:"total"`
	InUse    int `json:"in_use"`
	PageSize int `json:"page_size"`
}

// Stats returns memory statistics
func (ft *FrameTable) Stats() FrameStats {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return FrameStats{Total: len(ft.frames), InUse: ft.inUse, PageSize: ft.pageSize}
}

// Close unmaps the arena. Frames must not be used afterwards.
func (ft *FrameTable) Close() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.unmap == nil {
		return nil
	}
	err := ft.unmap()
	ft.unmap = nil
	ft.arena = nil
	return err
}
