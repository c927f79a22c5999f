package kernel

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	kerrors "github.com/orizon-lang/tinykern/internal/errors"
)

// PageType tags a page with its backing kind plus marker bits.
type PageType uint8

const (
	VMAnon PageType = 1
	// VMMarker0 marks anonymous pages that belong to a user stack.
	VMMarker0 PageType = 1 << 3

	vmTypeMask PageType = 7
)

// Base strips the marker bits.
func (t PageType) Base() PageType { return t & vmTypeMask }

// IsStack reports whether the stack marker is set.
func (t PageType) IsStack() bool { return t&VMMarker0 != 0 }

func (t PageType) String() string {
	if t.Base() == VMAnon {
		if t.IsStack() {
			return "anon-stack"
		}
		return "anon"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// PageOperations moves one kind of page between memory and its backing store.
type PageOperations interface {
	SwapIn(p *Page, f *Frame) error
	SwapOut(p *Page) error
	Destroy(p *Page)
	Type() PageType
}

// Page is one page of a process's virtual address space. An anonymous page
// is either Resident (Frame set, slot invalid) or Swapped (slot set, no
// Frame).
type Page struct {
	VA       uintptr
	Writable bool
	Frame    *Frame

	ops  PageOperations
	anon anonPage
}

type anonPage struct {
	owner *AddressSpace
	slot  SlotID
}

func (p *Page) Type() PageType        { return p.ops.Type() }
func (p *Page) SwapIn(f *Frame) error { return p.ops.SwapIn(p, f) }
func (p *Page) SwapOut() error        { return p.ops.SwapOut(p) }
func (p *Page) Destroy()              { p.ops.Destroy(p) }
func (p *Page) Slot() SlotID          { return p.anon.slot }
func (p *Page) Resident() bool        { return p.Frame != nil }
func (p *Page) Owner() *AddressSpace  { return p.anon.owner }

// anonOps implements PageOperations for pages with no file behind them.
type anonOps struct {
	typ    PageType
	swap   *SwapTable
	frames *FrameTable
	log    hclog.Logger
}

func newAnonOps(typ PageType, swap *SwapTable, frames *FrameTable, log hclog.Logger) *anonOps {
	return &anonOps{typ: typ, swap: swap, frames: frames, log: log}
}

func (o *anonOps) Type() PageType { return o.typ }

// anonInitializer attaches anonymous operations and records the owner whose
// page table is edited on swap-out.
func anonInitializer(p *Page, owner *AddressSpace, ops *anonOps) {
	p.ops = ops
	p.anon = anonPage{owner: owner, slot: InvalidSlot}
}

// SwapIn reads the page's slot into f, releases the slot and links f.
func (o *anonOps) SwapIn(p *Page, f *Frame) error {
	if p.anon.slot == InvalidSlot {
		return kerrors.ErrNotSwapped
	}
	if f == nil {
		return kerrors.ErrNoFrame
	}
	slot := p.anon.slot
	if err := o.swap.ReadSlot(slot, f.KVA); err != nil {
		return fmt.Errorf("swap in 0x%x: %w", p.VA, err)
	}
	if err := o.swap.Free(slot); err != nil {
		return fmt.Errorf("swap in 0x%x: %w", p.VA, err)
	}
	p.anon.slot = InvalidSlot
	p.Frame = f
	f.Page = p
	o.log.Debug("swapped in", "va", fmt.Sprintf("0x%x", p.VA), "slot", slot, "frame", f.Number)
	return nil
}

// SwapOut writes the resident page to a fresh slot and detaches its frame.
// The frame stays allocated; the caller decides what to do with it.
func (o *anonOps) SwapOut(p *Page) error {
	if p == nil || p.Frame == nil || p.Frame.KVA == nil {
		return kerrors.ErrNotResident
	}
	slot, err := o.swap.Allocate()
	if err != nil {
		return fmt.Errorf("swap out 0x%x: %w", p.VA, err)
	}
	if err := o.swap.WriteSlot(slot, p.Frame.KVA); err != nil {
		_ = o.swap.Free(slot)
		return fmt.Errorf("swap out 0x%x: %w", p.VA, err)
	}
	p.anon.slot = slot

	pt := p.anon.owner.pt
	pt.SetDirty(p.VA, false)
	pt.Unmap(p.VA)

	o.log.Debug("swapped out", "va", fmt.Sprintf("0x%x", p.VA), "slot", slot, "frame", p.Frame.Number)
	p.Frame.Page = nil
	p.Frame = nil
	return nil
}

// Destroy releases whichever resource the page holds. The Page itself is
// dropped by the caller.
func (o *anonOps) Destroy(p *Page) {
	if p.Frame != nil {
		p.anon.owner.pt.Unmap(p.VA)
		f := p.Frame
		p.Frame = nil
		if err := o.frames.Release(f); err != nil {
			o.log.Error("destroy: frame release failed", "va", fmt.Sprintf("0x%x", p.VA), "error", err)
		}
		return
	}
	if p.anon.slot != InvalidSlot {
		if err := o.swap.Free(p.anon.slot); err != nil {
			o.log.Error("destroy: slot release failed", "va", fmt.Sprintf("0x%x", p.VA), "error", err)
		}
		p.anon.slot = InvalidSlot
	}
}
