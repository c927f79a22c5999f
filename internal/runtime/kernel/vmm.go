package kernel

import (
	"sync"
)

// ============================================================================
// Per-process page tables
// ============================================================================

// PageTableEntry represents a page table entry. The frame number lives in
// the bits above PageShift.
type PageTableEntry uint64

const (
	PTE_PRESENT  PageTableEntry = 1 << 0
	PTE_WRITABLE PageTableEntry = 1 << 1
	PTE_USER     PageTableEntry = 1 << 2
	PTE_ACCESSED PageTableEntry = 1 << 5
	PTE_DIRTY    PageTableEntry = 1 << 6

	pteFlagMask PageTableEntry = 1<<PageShift - 1
)

const (
	// PageShift is log2 of the address granularity used to index page tables.
	PageShift = 12
	// KernBase is the first kernel virtual address. User addresses lie below it.
	KernBase uintptr = 0x8004000000
)

// Frame returns the frame number stored in the entry.
func (e PageTableEntry) Frame() int { return int(e >> PageShift) }

// Present reports whether the entry maps a frame.
func (e PageTableEntry) Present() bool { return e&PTE_PRESENT != 0 }

// IsUserVaddr reports whether va lies in the user half of the address space.
func IsUserVaddr(va uintptr) bool { return va < KernBase }

// PageTable maps page-aligned user addresses to frames for one process.
type PageTable struct {
	pageSize uintptr
	entries  map[uintptr]PageTableEntry
	mutex    sync.RWMutex
}

// NewPageTable creates an empty table for pages of the given size.
func NewPageTable(pageSize int) *PageTable {
	return &PageTable{pageSize: uintptr(pageSize), entries: make(map[uintptr]PageTableEntry)}
}

// PageRoundDown returns the base address of the page containing va.
func (pt *PageTable) PageRoundDown(va uintptr) uintptr { return va &^ (pt.pageSize - 1) }

// Map installs a user mapping from va to frame.
func (pt *PageTable) Map(va uintptr, frame int, writable bool) {
	flags := PTE_PRESENT | PTE_USER
	if writable {
		flags |= PTE_WRITABLE
	}
	pt.mutex.Lock()
	pt.entries[pt.PageRoundDown(va)] = PageTableEntry(frame)<<PageShift | flags
	pt.mutex.Unlock()
}

// Unmap clears the mapping for the page containing va. Later lookups of
// that page report not present.
func (pt *PageTable) Unmap(va uintptr) {
	pt.mutex.Lock()
	delete(pt.entries, pt.PageRoundDown(va))
	pt.mutex.Unlock()
}

// Lookup returns the entry for the page containing va.
func (pt *PageTable) Lookup(va uintptr) (PageTableEntry, bool) {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	e, ok := pt.entries[pt.PageRoundDown(va)]
	if !ok || !e.Present() {
		return 0, false
	}
	return e, true
}

func (pt *PageTable) setFlag(va uintptr, flag PageTableEntry, on bool) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	key := pt.PageRoundDown(va)
	e, ok := pt.entries[key]
	if !ok {
		return
	}
	if on {
		e |= flag
	} else {
		e &^= flag
	}
	pt.entries[key] = e
}

// IsDirty reports whether the page containing va was written since the
// dirty bit was last cleared.
func (pt *PageTable) IsDirty(va uintptr) bool {
	e, ok := pt.Lookup(va)
	return ok && e&PTE_DIRTY != 0
}

// SetDirty sets or clears the dirty bit. Unmapped pages are ignored.
func (pt *PageTable) SetDirty(va uintptr, dirty bool) { pt.setFlag(va, PTE_DIRTY, dirty) }

// SetAccessed sets or clears the accessed bit. Unmapped pages are ignored.
func (pt *PageTable) SetAccessed(va uintptr, accessed bool) { pt.setFlag(va, PTE_ACCESSED, accessed) }

// Len returns the number of present mappings.
func (pt *PageTable) Len() int {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	return len(pt.entries)
}
