package kernel

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/hashicorp/go-hclog"

	kerrors "github.com/orizon-lang/tinykern/internal/errors"
	"github.com/orizon-lang/tinykern/internal/runtime/block"
)

// SlotID indexes one page-sized slot of the swap device.
type SlotID int

// InvalidSlot marks a page that holds no swap slot.
const InvalidSlot SlotID = -1

// SwapTable allocates page-sized slots on the swap device. One bit per
// slot; a set bit is owned by exactly one swapped page.
type SwapTable struct {
	mu             sync.Mutex
	dev            block.Device
	slots          *bitset.BitSet
	capacity       uint
	pageSize       int
	sectorsPerPage int
	log            hclog.Logger
}

// SectorsPerPage returns how many sectors one page spans, rounded up.
func SectorsPerPage(pageSize int) int {
	return (pageSize + block.SectorSize - 1) / block.SectorSize
}

// NewSwapTable sizes the slot bitmap from the device capacity.
func NewSwapTable(dev block.Device, pageSize int, log hclog.Logger) (*SwapTable, error) {
	if dev == nil {
		return nil, fmt.Errorf("swap device is required")
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", pageSize)
	}
	spp := SectorsPerPage(pageSize)
	capacity := uint(dev.Size()) / uint(spp)
	log.Debug("swap table initialised", "sectors", dev.Size(), "sectors_per_page", spp, "slots", capacity)
	return &SwapTable{
		dev:            dev,
		slots:          bitset.New(capacity),
		capacity:       capacity,
		pageSize:       pageSize,
		sectorsPerPage: spp,
		log:            log,
	}, nil
}

// Allocate claims the first free slot. Running out is fatal: there is no
// secondary backing store to fall back to.
func (st *SwapTable) Allocate() (SlotID, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	i, ok := st.slots.NextClear(0)
	if !ok || i >= st.capacity {
		return InvalidSlot, kerrors.SwapExhausted(st.capacity)
	}
	st.slots.Set(i)
	st.log.Trace("slot allocated", "slot", i)
	return SlotID(i), nil
}

// Free returns slot to the pool.
func (st *SwapTable) Free(slot SlotID) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if slot < 0 || uint(slot) >= st.capacity || !st.slots.Test(uint(slot)) {
		return kerrors.BadSlot(int(slot))
	}
	st.slots.Clear(uint(slot))
	st.log.Trace("slot freed", "slot", slot)
	return nil
}

// InUse reports whether slot is allocated.
func (st *SwapTable) InUse(slot SlotID) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return slot >= 0 && uint(slot) < st.capacity && st.slots.Test(uint(slot))
}

// Used returns the number of allocated slots.
func (st *SwapTable) Used() uint {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.slots.Count()
}

// Capacity returns the total number of slots.
func (st *SwapTable) Capacity() uint { return st.capacity }

// FirstSector returns the sector where slot begins.
func (st *SwapTable) FirstSector(slot SlotID) block.Sector {
	return block.Sector(int(slot) * st.sectorsPerPage)
}

// WriteSlot stores one page across the slot's sectors.
func (st *SwapTable) WriteSlot(slot SlotID, page []byte) error {
	var sec [block.SectorSize]byte
	base := st.FirstSector(slot)
	for i := 0; i < st.sectorsPerPage; i++ {
		off := i * block.SectorSize
		n := copy(sec[:], page[off:min(off+block.SectorSize, len(page))])
		clear(sec[n:])
		if err := st.dev.WriteSector(base+block.Sector(i), sec[:]); err != nil {
			return kerrors.Device("write", uint32(base)+uint32(i), err)
		}
	}
	return nil
}

// ReadSlot loads the slot's sectors into page.
func (st *SwapTable) ReadSlot(slot SlotID, page []byte) error {
	var sec [block.SectorSize]byte
	base := st.FirstSector(slot)
	for i := 0; i < st.sectorsPerPage; i++ {
		if err := st.dev.ReadSector(base+block.Sector(i), sec[:]); err != nil {
			return kerrors.Device("read", uint32(base)+uint32(i), err)
		}
		off := i * block.SectorSize
		copy(page[off:min(off+block.SectorSize, len(page))], sec[:])
	}
	return nil
}

// SwapStats summarises slot usage.
type SwapStats struct {
	Capacity       uint        `json:"capacity"`
	Used           uint        `json:"used"`
	SectorsPerPage int         `json:"sectors_per_page"`
	Device         block.Stats `json:"device"`
}

// Stats returns slot and device counters.
func (st *SwapTable) Stats() SwapStats {
	return SwapStats{
		Capacity:       st.capacity,
		Used:           st.Used(),
		SectorsPerPage: st.sectorsPerPage,
		Device:         st.dev.Stats(),
	}
}
