//go:build unix

package block

import (
	"io"

	"golang.org/x/sys/unix"
)

func (d *FileDisk) pread(buf []byte, off int64) error {
	for done := 0; done < len(buf); {
		n, err := unix.Pread(int(d.f.Fd()), buf[done:], off+int64(done))
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		done += n
	}
	return nil
}

func (d *FileDisk) pwrite(buf []byte, off int64) error {
	for done := 0; done < len(buf); {
		n, err := unix.Pwrite(int(d.f.Fd()), buf[done:], off+int64(done))
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}
