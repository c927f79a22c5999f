package block

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func sector(fill byte) []byte { return bytes.Repeat([]byte{fill}, SectorSize) }

func exercise(t *testing.T, d Device) {
	t.Helper()
	if err := d.WriteSector(3, sector(0xAB)); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, SectorSize)
	if err := d.ReadSector(3, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, sector(0xAB)) {
		t.Fatal("sector content mismatch")
	}
	if err := d.ReadSector(2, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, sector(0)) {
		t.Fatal("untouched sector must read back zero")
	}
	if err := d.ReadSector(d.Size(), got); !errors.Is(err, ErrSectorRange) {
		t.Fatalf("expected ErrSectorRange, got %v", err)
	}
	if err := d.WriteSector(0, make([]byte, 10)); !errors.Is(err, ErrBufferSize) {
		t.Fatalf("expected ErrBufferSize, got %v", err)
	}
	st := d.Stats()
	if st.Reads != 2 || st.Writes != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMemDisk(t *testing.T) {
	d := NewMemDisk(16)
	if d.Size() != 16 {
		t.Fatalf("size = %d", d.Size())
	}
	exercise(t, d)
}

func TestFileDisk(t *testing.T) {
	p := filepath.Join(t.TempDir(), "swap.img")
	d, err := OpenFileDisk(p, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	exercise(t, d)
}

func TestFileDisk_Persists(t *testing.T) {
	p := filepath.Join(t.TempDir(), "swap.img")
	d, err := OpenFileDisk(p, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WriteSector(7, sector(0x5A)); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d, err = OpenFileDisk(p, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if d.Size() != 8 {
		t.Fatalf("existing image must keep its size, got %d", d.Size())
	}
	got := make([]byte, SectorSize)
	if err := d.ReadSector(7, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, sector(0x5A)) {
		t.Fatal("content lost across reopen")
	}
}
