package kernel

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	kerrors "github.com/orizon-lang/tinykern/internal/errors"
	"github.com/orizon-lang/tinykern/internal/runtime/block"
)

const testVA uintptr = 0x10000

func newTestAS(t *testing.T, swapSectors block.Sector) (*Kernel, *AddressSpace) {
	t.Helper()
	k, _ := bootTest(t, func(c *Config) {
		c.MemoryFrames = 8
		c.SwapDevice = block.NewMemDisk(swapSectors)
	})
	as := newAddressSpace(k)
	t.Cleanup(as.Destroy)
	return k, as
}

func TestAnonPageTypes(t *testing.T) {
	_, as := newTestAS(t, 64)
	p, err := as.AllocAnon(testVA, true, false)
	if err != nil {
		t.Fatal(err)
	}
	s, err := as.AllocAnon(testVA+DefaultPageSize, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Type() != VMAnon || p.Type().IsStack() || p.Type().String() != "anon" {
		t.Fatalf("unexpected plain type %v", p.Type())
	}
	if s.Type() != VMAnon|VMMarker0 || s.Type().Base() != VMAnon || s.Type().String() != "anon-stack" {
		t.Fatalf("unexpected stack type %v", s.Type())
	}
	if p.Owner() != as || p.Slot() != InvalidSlot || !p.Resident() {
		t.Fatal("new page should be resident with no slot")
	}
	if _, err := as.AllocAnon(testVA, true, false); err == nil {
		t.Fatal("double allocation should fail")
	}
}

func TestAnonSwapRoundTrip(t *testing.T) {
	k, as := newTestAS(t, 64)
	p, err := as.AllocAnon(testVA, true, false)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, DefaultPageSize)
	rand.New(rand.NewSource(42)).Read(want)
	copy(p.Frame.KVA, want)

	f := p.Frame
	if err := p.SwapOut(); err != nil {
		t.Fatal(err)
	}
	slot := p.Slot()
	if slot == InvalidSlot || p.Resident() || !k.swap.InUse(slot) {
		t.Fatal("swapped page should hold exactly a slot")
	}
	if f.Page != nil {
		t.Fatal("frame should be detached from the page")
	}
	if _, ok := as.pt.Lookup(testVA); ok {
		t.Fatal("swapped page must be unmapped")
	}
	if err := k.frames.Release(f); err != nil {
		t.Fatal(err)
	}

	fresh, err := k.frames.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SwapIn(fresh); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fresh.KVA, want) {
		t.Fatal("content changed across swap")
	}
	if p.Slot() != InvalidSlot || k.swap.InUse(slot) || k.swap.Used() != 0 {
		t.Fatal("slot should be released after swap in")
	}
	if p.Frame != fresh || fresh.Page != p {
		t.Fatal("frame and page should be linked")
	}
}

func TestAnonSwapInWhileResident(t *testing.T) {
	k, as := newTestAS(t, 64)
	p, _ := as.AllocAnon(testVA, true, false)
	f, _ := k.frames.Allocate()
	defer k.frames.Release(f)
	if err := p.SwapIn(f); !errors.Is(err, kerrors.ErrNotSwapped) {
		t.Fatalf("expected ErrNotSwapped, got %v", err)
	}
}

func TestAnonSwapOutWhileSwapped(t *testing.T) {
	k, as := newTestAS(t, 64)
	as.AllocAnon(testVA, true, false)
	if err := as.Evict(testVA); err != nil {
		t.Fatal(err)
	}
	p := as.Page(testVA)
	if err := p.SwapOut(); !errors.Is(err, kerrors.ErrNotResident) {
		t.Fatalf("expected ErrNotResident, got %v", err)
	}
	if k.swap.Used() != 1 {
		t.Fatal("failed swap out must not allocate a slot")
	}
}

func TestAnonSwapOutClearsDirty(t *testing.T) {
	_, as := newTestAS(t, 64)
	as.AllocAnon(testVA, true, false)
	if err := as.CopyOut(testVA, []byte("dirty")); err != nil {
		t.Fatal(err)
	}
	if !as.pt.IsDirty(testVA) {
		t.Fatal("write should set the dirty bit")
	}
	if err := as.Evict(testVA); err != nil {
		t.Fatal(err)
	}
	if err := as.Claim(testVA); err != nil {
		t.Fatal(err)
	}
	if as.pt.IsDirty(testVA) {
		t.Fatal("dirty bit should be clear after a swap round trip")
	}
	got, _ := as.CopyIn(testVA, 5)
	if string(got) != "dirty" {
		t.Fatalf("got %q", got)
	}
}

func TestAnonDestroyResident(t *testing.T) {
	k, as := newTestAS(t, 64)
	as.AllocAnon(testVA, true, false)
	as.AllocAnon(testVA+DefaultPageSize, true, false)
	as.Evict(testVA + DefaultPageSize)

	used := k.swap.Used()
	inUse := k.frames.InUse()
	p := as.Page(testVA)
	p.Destroy()
	if k.swap.Used() != used {
		t.Fatal("destroying a resident page must not touch the bitmap")
	}
	if k.frames.InUse() != inUse-1 || p.Frame != nil {
		t.Fatal("resident page should release its frame")
	}
	if _, ok := as.pt.Lookup(testVA); ok {
		t.Fatal("mapping should be cleared")
	}
}

func TestAnonDestroySwapped(t *testing.T) {
	k, as := newTestAS(t, 64)
	as.AllocAnon(testVA, true, false)
	as.AllocAnon(testVA+DefaultPageSize, true, false)
	as.Evict(testVA)
	as.Evict(testVA + DefaultPageSize)

	inUse := k.frames.InUse()
	p := as.Page(testVA)
	slot := p.Slot()
	p.Destroy()
	if k.frames.InUse() != inUse {
		t.Fatal("destroying a swapped page must not touch frames")
	}
	if k.swap.Used() != 1 || k.swap.InUse(slot) || p.Slot() != InvalidSlot {
		t.Fatal("exactly the page's slot should be freed")
	}
}

func TestAnonSwapOutExhaustedStaysResident(t *testing.T) {
	k, as := newTestAS(t, 8)
	as.AllocAnon(testVA, true, false)
	p, _ := as.AllocAnon(testVA+DefaultPageSize, true, false)
	if err := as.Evict(testVA); err != nil {
		t.Fatal(err)
	}
	f := p.Frame
	err := p.SwapOut()
	if !kerrors.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if p.Frame != f || p.Slot() != InvalidSlot || f.Page != p {
		t.Fatal("page should keep its frame")
	}
	if _, ok := as.pt.Lookup(p.VA); !ok {
		t.Fatal("mapping should survive a failed swap out")
	}
	if k.swap.Used() != 1 {
		t.Fatal("bitmap should be unchanged")
	}
}

func TestSwapUsedMatchesSwappedPages(t *testing.T) {
	k, as := newTestAS(t, 64)
	for i := uintptr(0); i < 5; i++ {
		as.AllocAnon(testVA+i*DefaultPageSize, true, false)
	}
	as.Evict(testVA)
	as.Evict(testVA + 2*DefaultPageSize)
	as.Evict(testVA + 4*DefaultPageSize)
	as.Claim(testVA + 2*DefaultPageSize)
	if got, want := k.Status().Swap.Used, uint(as.Stats().Swapped); got != want || got != 2 {
		t.Fatalf("slots in use %d, swapped pages %d", got, want)
	}
}

func TestForkCopiesSwappedPages(t *testing.T) {
	k, as := newTestAS(t, 64)
	as.AllocAnon(testVA, true, false)
	as.CopyOut(testVA, []byte("hello"))
	as.Evict(testVA)

	child := newAddressSpace(k)
	defer child.Destroy()
	if err := as.copyInto(child); err != nil {
		t.Fatal(err)
	}
	got, err := child.CopyIn(testVA, 5)
	if err != nil || string(got) != "hello" {
		t.Fatalf("child copy: %q %v", got, err)
	}
	if as.Page(testVA).Resident() {
		t.Fatal("fork should not fault in the parent's page")
	}
}
