package block

import (
	"fmt"
	"os"
)

// FileDisk is a Device backed by a host image file.
type FileDisk struct {
	f    *os.File
	size Sector
	counters
}

// OpenFileDisk opens or creates the image at path and extends it to hold
// the requested number of sectors. An existing larger image keeps its size.
func OpenFileDisk(path string, sectors Sector) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open swap image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat swap image: %w", err)
	}
	want := int64(sectors) * SectorSize
	if info.Size() < want {
		if err := f.Truncate(want); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("extend swap image: %w", err)
		}
	} else {
		sectors = Sector(info.Size() / SectorSize)
	}
	return &FileDisk{f: f, size: sectors}, nil
}

func (d *FileDisk) Size() Sector { return d.size }

func (d *FileDisk) ReadSector(sec Sector, buf []byte) error {
	if err := check(d.size, sec, buf); err != nil {
		return err
	}
	if err := d.pread(buf, int64(sec)*SectorSize); err != nil {
		return err
	}
	d.reads.Add(1)
	return nil
}

func (d *FileDisk) WriteSector(sec Sector, buf []byte) error {
	if err := check(d.size, sec, buf); err != nil {
		return err
	}
	if err := d.pwrite(buf, int64(sec)*SectorSize); err != nil {
		return err
	}
	d.writes.Add(1)
	return nil
}

func (d *FileDisk) Stats() Stats { return d.snapshot() }

func (d *FileDisk) Close() error { return d.f.Close() }
