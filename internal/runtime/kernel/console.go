package kernel

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// Console is the keyboard and display shared by every process. Output is
// serialised by its own lock, independent of the filesystem lock.
type Console struct {
	inMu sync.Mutex
	in   *bufio.Reader

	outMu sync.Mutex
	out   io.Writer
}

// NewConsole wraps the given input and output. A nil reader behaves as an
// input that is already at end of file.
func NewConsole(in io.Reader, out io.Writer) *Console {
	c := &Console{out: out}
	if in != nil {
		c.in = bufio.NewReader(in)
	}
	if c.out == nil {
		c.out = io.Discard
	}
	return c
}

// Getc blocks until a key is available. ok is false once input is exhausted.
func (c *Console) Getc() (b byte, ok bool) {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if c.in == nil {
		return 0, false
	}
	b, err := c.in.ReadByte()
	if err != nil {
		return 0, false
	}
	return b, true
}

// Putbuf writes buf as one unit so output from different processes does not
// interleave within a single write.
func (c *Console) Putbuf(buf []byte) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = c.out.Write(buf)
}

// Printf formats onto the console.
func (c *Console) Printf(format string, args ...interface{}) {
	c.Putbuf([]byte(fmt.Sprintf(format, args...)))
}
