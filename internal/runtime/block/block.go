// Package block provides sector-addressed block devices backing the swap area.
package block

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// SectorSize is the fixed size of one disk sector in bytes.
const SectorSize = 512

// Sector is a sector number on a Device.
type Sector uint32

var (
	ErrSectorRange = errors.New("block: sector out of range")
	ErrBufferSize  = errors.New("block: buffer must be exactly one sector")
)

// Device is a fixed-capacity disk addressed by sector number.
type Device interface {
	Size() Sector
	ReadSector(sec Sector, buf []byte) error
	WriteSector(sec Sector, buf []byte) error
	Stats() Stats
	Close() error
}

// Stats counts completed sector transfers.
type Stats struct {
	Reads  uint64 `json:"reads"`
	Writes uint64 `json:"writes"`
}

type counters struct {
	reads  atomic.Uint64
	writes atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{Reads: c.reads.Load(), Writes: c.writes.Load()}
}

func check(size, sec Sector, buf []byte) error {
	if sec >= size {
		return fmt.Errorf("%w: %d >= %d", ErrSectorRange, sec, size)
	}
	if len(buf) != SectorSize {
		return fmt.Errorf("%w: got %d bytes", ErrBufferSize, len(buf))
	}
	return nil
}

// MemDisk is a Device held entirely in memory.
type MemDisk struct {
	data []byte
	size Sector
	counters
}

// NewMemDisk creates a zeroed in-memory disk of the given sector count.
func NewMemDisk(sectors Sector) *MemDisk {
	return &MemDisk{data: make([]byte, int(sectors)*SectorSize), size: sectors}
}

func (d *MemDisk) Size() Sector { return d.size }

func (d *MemDisk) ReadSector(sec Sector, buf []byte) error {
	if err := check(d.size, sec, buf); err != nil {
		return err
	}
	off := int(sec) * SectorSize
	copy(buf, d.data[off:off+SectorSize])
	d.reads.Add(1)
	return nil
}

func (d *MemDisk) WriteSector(sec Sector, buf []byte) error {
	if err := check(d.size, sec, buf); err != nil {
		return err
	}
	off := int(sec) * SectorSize
	copy(d.data[off:off+SectorSize], buf)
	d.writes.Add(1)
	return nil
}

func (d *MemDisk) Stats() Stats { return d.snapshot() }
func (d *MemDisk) Close() error { return nil }
