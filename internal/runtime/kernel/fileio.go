package kernel

import (
	"math"
)

// ============================================================================
// File I/O gate
// ============================================================================

func (k *Kernel) sysCreate(p *Process, pathPtr uintptr, size uint64) int64 {
	name := k.userString(p, pathPtr)
	if size > math.MaxInt64 {
		return 0
	}
	k.fsLock.Lock()
	defer k.fsLock.Unlock()
	if err := k.fs.Create(name, int64(size)); err != nil {
		k.sysLog.Debug("create failed", "name", name, "error", err)
		return 0
	}
	return 1
}

func (k *Kernel) sysRemove(p *Process, pathPtr uintptr) int64 {
	name := k.userString(p, pathPtr)
	k.fsLock.Lock()
	defer k.fsLock.Unlock()
	if err := k.fs.Remove(name); err != nil {
		return 0
	}
	return 1
}

func (k *Kernel) sysOpen(p *Process, pathPtr uintptr) int64 {
	name := k.userString(p, pathPtr)
	h, err := k.openHandle(name)
	if err != nil {
		k.sysLog.Debug("open failed", "name", name, "error", err)
		return -1
	}
	fd, err := p.files.Add(h)
	if err != nil {
		p.files.release(h)
		return -1
	}
	return int64(fd)
}

func (k *Kernel) openHandle(name string) (*Handle, error) {
	k.fsLock.Lock()
	defer k.fsLock.Unlock()
	f, err := k.fs.Open(name)
	if err != nil {
		return nil, err
	}
	h, err := NewHandle(name, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return h, nil
}

func (k *Kernel) sysFilesize(p *Process, fd int) int64 {
	h := p.files.Get(fd).Handle()
	if h == nil {
		return -1
	}
	return h.Length()
}

func (k *Kernel) sysRead(p *Process, fd int, buf uintptr, n int) int64 {
	if err := p.as.Validate(buf); err != nil {
		k.fault(p, err)
	}
	tgt := p.files.Get(fd)
	switch {
	case tgt.Stream() == StreamStdin:
		if p.files.StreamCount(StreamStdin) == 0 {
			return -1
		}
		return k.readConsole(p, buf, n)
	case tgt.Stream() == StreamStdout, tgt.IsEmpty():
		return -1
	}
	return k.readFile(p, tgt.Handle(), buf, n)
}

// readConsole takes keys until n bytes, a NUL, or the end of input. The NUL
// is stored but not counted.
func (k *Kernel) readConsole(p *Process, buf uintptr, n int) int64 {
	var got []byte
	count := 0
	for count < n {
		c, ok := k.console.Getc()
		if !ok {
			break
		}
		got = append(got, c)
		if c == 0 {
			break
		}
		count++
	}
	if err := p.as.CopyOut(buf, got); err != nil {
		k.fault(p, err)
	}
	return int64(count)
}

func (k *Kernel) readFile(p *Process, h *Handle, buf uintptr, n int) int64 {
	k.fsLock.Lock()
	defer k.fsLock.Unlock()
	rem := max(h.Length()-h.Tell(), 0)
	data := make([]byte, min(int64(n), rem))
	got, err := h.read(data)
	if err != nil {
		k.sysLog.Warn("read failed", "file", h.Name(), "error", err)
		return -1
	}
	if err := p.as.CopyOut(buf, data[:got]); err != nil {
		k.fault(p, err)
	}
	return int64(got)
}

func (k *Kernel) sysWrite(p *Process, fd int, buf uintptr, n int) int64 {
	if err := p.as.Validate(buf); err != nil {
		k.fault(p, err)
	}
	tgt := p.files.Get(fd)
	switch {
	case tgt.Stream() == StreamStdout:
		if p.files.StreamCount(StreamStdout) == 0 {
			return -1
		}
		data, err := p.as.CopyIn(buf, n)
		if err != nil {
			k.fault(p, err)
		}
		k.console.Putbuf(data)
		return int64(n)
	case tgt.Stream() == StreamStdin, tgt.IsEmpty():
		return -1
	}
	h := tgt.Handle()
	rem := max(h.Length()-h.Tell(), 0)
	data, err := p.as.CopyIn(buf, int(min(int64(n), rem)))
	if err != nil {
		k.fault(p, err)
	}
	return k.writeFile(h, data)
}

func (k *Kernel) writeFile(h *Handle, data []byte) int64 {
	k.fsLock.Lock()
	defer k.fsLock.Unlock()
	n, err := h.write(data)
	if err != nil {
		k.sysLog.Warn("write failed", "file", h.Name(), "error", err)
		return -1
	}
	return int64(n)
}

func (k *Kernel) sysSeek(p *Process, fd int, pos uint64) {
	h := p.files.Get(fd).Handle()
	if h == nil {
		return
	}
	h.Seek(int64(min(pos, math.MaxInt64)))
}

func (k *Kernel) sysTell(p *Process, fd int) int64 {
	h := p.files.Get(fd).Handle()
	if h == nil {
		return 0
	}
	return h.Tell()
}

func (k *Kernel) sysDup2(p *Process, oldfd, newfd int) int64 {
	fd, err := p.files.Dup2(oldfd, newfd)
	if err != nil {
		return -1
	}
	return int64(fd)
}
