//go:build !unix

package block

func (d *FileDisk) pread(buf []byte, off int64) error {
	_, err := d.f.ReadAt(buf, off)
	return err
}

func (d *FileDisk) pwrite(buf []byte, off int64) error {
	_, err := d.f.WriteAt(buf, off)
	return err
}
