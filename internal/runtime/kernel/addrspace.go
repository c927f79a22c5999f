package kernel

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	kerrors "github.com/orizon-lang/tinykern/internal/errors"
)

// AddressSpace is one process's page table plus the supplemental table of
// pages it owns.
type AddressSpace struct {
	mu        sync.Mutex
	pt        *PageTable
	pages     map[uintptr]*Page
	frames    *FrameTable
	swap      *SwapTable
	anon      *anonOps
	anonStack *anonOps
	pageSize  uintptr
	log       hclog.Logger
}

type access uint8

const (
	accessNone access = iota
	accessRead
	accessWrite
)

func newAddressSpace(k *Kernel) *AddressSpace {
	return &AddressSpace{
		pt:        NewPageTable(k.pageSize),
		pages:     make(map[uintptr]*Page),
		frames:    k.frames,
		swap:      k.swap,
		anon:      k.anonOps,
		anonStack: k.anonStackOps,
		pageSize:  uintptr(k.pageSize),
		log:       k.log.Named("vm"),
	}
}

// PageTable exposes the hardware-visible mappings.
func (as *AddressSpace) PageTable() *PageTable { return as.pt }

func (as *AddressSpace) roundDown(va uintptr) uintptr { return va &^ (as.pageSize - 1) }

// Page looks up the page covering va.
func (as *AddressSpace) Page(va uintptr) *Page {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pages[as.roundDown(va)]
}

// AllocAnon creates an anonymous page at va and makes it resident.
func (as *AddressSpace) AllocAnon(va uintptr, writable, stack bool) (*Page, error) {
	if va == 0 || !IsUserVaddr(va) {
		return nil, kerrors.BadAddress(va, "not a user address")
	}
	va = as.roundDown(va)

	as.mu.Lock()
	defer as.mu.Unlock()
	if _, ok := as.pages[va]; ok {
		return nil, fmt.Errorf("page 0x%x already allocated", va)
	}
	p := &Page{VA: va, Writable: writable}
	ops := as.anon
	if stack {
		ops = as.anonStack
	}
	anonInitializer(p, as, ops)

	f, err := as.frames.Allocate()
	if err != nil {
		return nil, fmt.Errorf("alloc 0x%x: %w", va, err)
	}
	clear(f.KVA)
	p.Frame = f
	f.Page = p
	as.pt.Map(va, f.Number, writable)
	as.pages[va] = p
	return p, nil
}

// Claim brings the page at va back into memory if it was swapped out.
func (as *AddressSpace) Claim(va uintptr) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	p := as.pages[as.roundDown(va)]
	if p == nil {
		return kerrors.BadAddress(va, "no page")
	}
	return as.claimLocked(p)
}

func (as *AddressSpace) claimLocked(p *Page) error {
	if p.Frame != nil {
		return nil
	}
	f, err := as.frames.Allocate()
	if err != nil {
		return fmt.Errorf("claim 0x%x: %w", p.VA, err)
	}
	if err := p.SwapIn(f); err != nil {
		_ = as.frames.Release(f)
		return err
	}
	as.pt.Map(p.VA, f.Number, p.Writable)
	return nil
}

// Evict swaps the page at va out and returns its frame to the frame table.
func (as *AddressSpace) Evict(va uintptr) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	p := as.pages[as.roundDown(va)]
	if p == nil {
		return kerrors.BadAddress(va, "no page")
	}
	f := p.Frame
	if err := p.SwapOut(); err != nil {
		return err
	}
	return as.frames.Release(f)
}

// Destroy tears down every page, releasing frames and slots.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for va, p := range as.pages {
		p.Destroy()
		delete(as.pages, va)
	}
}

// resolveLocked translates va to the kernel view of the rest of its page.
// A page that is known but swapped out is faulted back in first.
func (as *AddressSpace) resolveLocked(va uintptr, acc access) ([]byte, error) {
	if va == 0 {
		return nil, kerrors.BadAddress(va, "null pointer")
	}
	if !IsUserVaddr(va) {
		return nil, kerrors.BadAddress(va, "kernel address")
	}
	e, ok := as.pt.Lookup(va)
	if !ok {
		p := as.pages[as.roundDown(va)]
		if p == nil {
			return nil, kerrors.BadAddress(va, "unmapped")
		}
		if err := as.claimLocked(p); err != nil {
			return nil, err
		}
		e, _ = as.pt.Lookup(va)
	}
	switch acc {
	case accessWrite:
		if e&PTE_WRITABLE == 0 {
			return nil, kerrors.BadAddress(va, "read-only page")
		}
		as.pt.SetAccessed(va, true)
		as.pt.SetDirty(va, true)
	case accessRead:
		as.pt.SetAccessed(va, true)
	}
	f := as.frames.Get(e.Frame())
	return f.KVA[va-as.roundDown(va):], nil
}

// Validate checks that ptr is a non-null user address backed by a mapping.
func (as *AddressSpace) Validate(ptr uintptr) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	_, err := as.resolveLocked(ptr, accessNone)
	return err
}

// CopyIn copies n bytes of user memory starting at ptr.
func (as *AddressSpace) CopyIn(ptr uintptr, n int) ([]byte, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if n == 0 {
		_, err := as.resolveLocked(ptr, accessNone)
		return []byte{}, err
	}
	out := make([]byte, 0, min(n, 4*int(as.pageSize)))
	for va := ptr; len(out) < n; {
		chunk, err := as.resolveLocked(va, accessRead)
		if err != nil {
			return nil, err
		}
		c := min(len(chunk), n-len(out))
		out = append(out, chunk[:c]...)
		va += uintptr(c)
	}
	return out, nil
}

// CopyOut writes data into user memory at ptr. Every page touched must be
// writable.
func (as *AddressSpace) CopyOut(ptr uintptr, data []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if len(data) == 0 {
		_, err := as.resolveLocked(ptr, accessNone)
		return err
	}
	for va, done := ptr, 0; done < len(data); {
		chunk, err := as.resolveLocked(va, accessWrite)
		if err != nil {
			return err
		}
		c := copy(chunk, data[done:])
		done += c
		va += uintptr(c)
	}
	return nil
}

// CopyInString reads a NUL-terminated string of at most limit bytes.
func (as *AddressSpace) CopyInString(ptr uintptr, limit int) (string, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	var sb []byte
	for va := ptr; ; {
		chunk, err := as.resolveLocked(va, accessRead)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			if len(sb)+i > limit {
				break
			}
			return string(append(sb, chunk[:i]...)), nil
		}
		sb = append(sb, chunk...)
		if len(sb) > limit {
			break
		}
		va += uintptr(len(chunk))
	}
	return "", kerrors.BadAddress(ptr, "unterminated string")
}

// copyInto duplicates every page into child, reading swapped pages
// straight from their slots.
func (as *AddressSpace) copyInto(child *AddressSpace) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	vas := make([]uintptr, 0, len(as.pages))
	for va := range as.pages {
		vas = append(vas, va)
	}
	sort.Slice(vas, func(i, j int) bool { return vas[i] < vas[j] })
	for _, va := range vas {
		p := as.pages[va]
		cp, err := child.AllocAnon(va, p.Writable, p.Type().IsStack())
		if err != nil {
			return err
		}
		if p.Frame != nil {
			copy(cp.Frame.KVA, p.Frame.KVA)
			continue
		}
		if p.anon.slot != InvalidSlot {
			if err := as.swap.ReadSlot(p.anon.slot, cp.Frame.KVA); err != nil {
				return err
			}
		}
	}
	return nil
}

// MemoryStats counts pages by state.
type MemoryStats struct {
	Pages    int `json:"pages"`
	Resident int `json:"resident"`
	Swapped  int `json:"swapped"`
}

// Stats returns page counts for this address space.
func (as *AddressSpace) Stats() MemoryStats {
	as.mu.Lock()
	defer as.mu.Unlock()
	st := MemoryStats{Pages: len(as.pages)}
	for _, p := range as.pages {
		switch {
		case p.Frame != nil:
			st.Resident++
		case p.anon.slot != InvalidSlot:
			st.Swapped++
		}
	}
	return st
}

// Resident lists the addresses of resident pages in ascending order. Stack
// pages are included only when withStack is set.
func (as *AddressSpace) Resident(withStack bool) []uintptr {
	as.mu.Lock()
	defer as.mu.Unlock()
	var out []uintptr
	for va, p := range as.pages {
		if p.Frame == nil || (!withStack && p.Type().IsStack()) {
			continue
		}
		out = append(out, va)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
