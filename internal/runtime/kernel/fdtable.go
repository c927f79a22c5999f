package kernel

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	kerrors "github.com/orizon-lang/tinykern/internal/errors"
	"github.com/orizon-lang/tinykern/internal/runtime/vfs"
)

// ============================================================================
// Open files
// ============================================================================

// openFile counts the handles sharing one vfs.File. A forked child gets
// its own Handle (and cursor) over the same openFile.
type openFile struct {
	mu    sync.Mutex
	file  vfs.File
	opens int
}

func (o *openFile) reopen() *openFile {
	o.mu.Lock()
	o.opens++
	o.mu.Unlock()
	return o
}

func (o *openFile) close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens--
	if o.opens > 0 {
		return nil
	}
	return o.file.Close()
}

// Handle is an open file as seen by a process: a cursor over a fixed-length
// file plus the count of extra descriptors aliasing it. The cursor is
// atomic because Snapshot reads it from outside the owning process.
type Handle struct {
	name    string
	of      *openFile
	pos     atomic.Int64
	length  int64
	aliases int
}

// NewHandle wraps f, recording its current length.
func NewHandle(name string, f vfs.File) (*Handle, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &Handle{name: name, of: &openFile{file: f, opens: 1}, length: info.Size()}, nil
}

func (h *Handle) Name() string { return h.name }

// Length returns the file length recorded at open.
func (h *Handle) Length() int64 { return h.length }

// Tell returns the cursor.
func (h *Handle) Tell() int64 { return h.pos.Load() }

// Seek moves the cursor. Positions past the end are allowed; reads there
// return zero bytes.
func (h *Handle) Seek(pos int64) { h.pos.Store(pos) }

// Aliases returns how many descriptors beyond the first refer to h.
func (h *Handle) Aliases() int { return h.aliases }

func (h *Handle) read(buf []byte) (int, error) {
	pos := h.pos.Load()
	if pos >= h.length {
		return 0, nil
	}
	if rem := h.length - pos; int64(len(buf)) > rem {
		buf = buf[:rem]
	}
	n, err := h.of.file.ReadAt(buf, pos)
	h.pos.Add(int64(n))
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// write never extends the file; bytes past the end are dropped.
func (h *Handle) write(data []byte) (int, error) {
	pos := h.pos.Load()
	if pos >= h.length {
		return 0, nil
	}
	if rem := h.length - pos; int64(len(data)) > rem {
		data = data[:rem]
	}
	n, err := h.of.file.WriteAt(data, pos)
	h.pos.Add(int64(n))
	return n, err
}

func (h *Handle) duplicate() *Handle {
	d := &Handle{name: h.name, of: h.of.reopen(), length: h.length, aliases: h.aliases}
	d.pos.Store(h.pos.Load())
	return d
}

// dropAlias removes one reference to h and returns h once the last one is
// gone.
func (h *Handle) dropAlias() *Handle {
	if h.aliases == 0 {
		return h
	}
	h.aliases--
	return nil
}

func (h *Handle) release() error { return h.of.close() }

// ============================================================================
// Descriptor table
// ============================================================================

// Stream names a console direction a descriptor can refer to.
type Stream uint8

const (
	StreamNone Stream = iota
	StreamStdin
	StreamStdout
)

func (s Stream) String() string {
	switch s {
	case StreamStdin:
		return "stdin"
	case StreamStdout:
		return "stdout"
	default:
		return "none"
	}
}

// Target is what a descriptor slot refers to: nothing, a console stream,
// or a file handle. The zero value is an empty slot.
type Target struct {
	stream Stream
	handle *Handle
}

func StreamTarget(s Stream) Target  { return Target{stream: s} }
func HandleTarget(h *Handle) Target { return Target{handle: h} }

func (t Target) IsEmpty() bool   { return t.stream == StreamNone && t.handle == nil }
func (t Target) IsStream() bool  { return t.stream != StreamNone }
func (t Target) Stream() Stream  { return t.stream }
func (t Target) Handle() *Handle { return t.handle }

// ReusePolicy selects how Add finds a free slot.
type ReusePolicy uint8

const (
	// ReuseLowest rewinds the scan start whenever a lower slot is cleared,
	// so Add always returns the lowest free descriptor above the streams.
	ReuseLowest ReusePolicy = iota
	// ReuseAdvanceOnly never rewinds: slots freed below the scan start stay
	// unused for the life of the table.
	ReuseAdvanceOnly
)

// FileTable is one process's descriptor table. Add, Remove, Dup2 and Close
// each run as a single critical section.
type FileTable struct {
	mu     sync.Mutex
	slots  []Target
	next   int
	stdin  int
	stdout int
	policy ReusePolicy
	log    hclog.Logger
}

// NewFileTable creates a table with stdin on 0 and stdout on 1.
func NewFileTable(limit int, policy ReusePolicy, log hclog.Logger) *FileTable {
	if limit < 2 {
		limit = 2
	}
	t := &FileTable{
		slots:  make([]Target, limit),
		next:   2,
		stdin:  1,
		stdout: 1,
		policy: policy,
		log:    log,
	}
	t.slots[0] = StreamTarget(StreamStdin)
	t.slots[1] = StreamTarget(StreamStdout)
	return t
}

// Limit returns the number of slots.
func (t *FileTable) Limit() int { return len(t.slots) }

func (t *FileTable) inRange(fd int) bool { return fd >= 0 && fd < len(t.slots) }

// Add stores h in the first empty slot at or above the scan start.
func (t *FileTable) Add(h *Handle) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.next < len(t.slots) && !t.slots[t.next].IsEmpty() {
		t.next++
	}
	if t.next >= len(t.slots) {
		t.log.Warn("descriptor table full", "limit", len(t.slots))
		return -1, kerrors.TableFull(len(t.slots))
	}
	fd := t.next
	t.slots[fd] = HandleTarget(h)
	t.log.Trace("descriptor added", "fd", fd, "file", h.name)
	return fd, nil
}

// Get returns what fd refers to; out-of-range descriptors are empty.
func (t *FileTable) Get(fd int) Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inRange(fd) {
		return Target{}
	}
	return t.slots[fd]
}

// Remove clears fd without touching counters or handles.
func (t *FileTable) Remove(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked(fd)
}

func (t *FileTable) clearLocked(fd int) {
	if !t.inRange(fd) {
		return
	}
	t.slots[fd] = Target{}
	if t.policy == ReuseLowest && fd >= 2 && fd < t.next {
		t.next = fd
	}
}

func (t *FileTable) decLocked(s Stream) {
	switch s {
	case StreamStdin:
		if t.stdin > 0 {
			t.stdin--
		}
	case StreamStdout:
		if t.stdout > 0 {
			t.stdout--
		}
	}
}

// StreamCount returns how many slots refer to stream s.
func (t *FileTable) StreamCount(s Stream) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch s {
	case StreamStdin:
		return t.stdin
	case StreamStdout:
		return t.stdout
	}
	return 0
}

// closeLocked applies close to fd. A stream slot, or anything at fd 0 or 1,
// only decrements the matching stream counter and stays in place. A file
// slot is cleared; the handle is returned for release once its last alias
// is gone.
func (t *FileTable) closeLocked(fd int) *Handle {
	if !t.inRange(fd) {
		return nil
	}
	tgt := t.slots[fd]
	switch {
	case tgt.IsEmpty():
		return nil
	case tgt.IsStream():
		t.decLocked(tgt.stream)
		return nil
	case fd == 0:
		t.decLocked(StreamStdin)
		return nil
	case fd == 1:
		t.decLocked(StreamStdout)
		return nil
	}
	t.clearLocked(fd)
	return tgt.handle.dropAlias()
}

// dropLocked clears fd whatever it holds, giving up the reference the slot
// owned. Dup2 uses it before overwriting a slot and CloseAll on teardown.
func (t *FileTable) dropLocked(fd int) *Handle {
	tgt := t.slots[fd]
	if tgt.IsEmpty() {
		return nil
	}
	t.clearLocked(fd)
	if tgt.IsStream() {
		t.decLocked(tgt.stream)
		return nil
	}
	return tgt.handle.dropAlias()
}

func (t *FileTable) release(h *Handle) {
	if h == nil {
		return
	}
	if err := h.release(); err != nil {
		t.log.Warn("closing file failed", "file", h.name, "error", err)
	}
	t.log.Trace("handle released", "file", h.name)
}

// Close closes fd. Streams and descriptors 0 and 1 only lose a counter; a
// file slot drops one alias and releases the handle after its last one.
func (t *FileTable) Close(fd int) {
	t.mu.Lock()
	h := t.closeLocked(fd)
	t.mu.Unlock()
	t.release(h)
}

// Dup2 makes newfd refer to whatever oldfd refers to. Whatever newfd held
// loses the reference the slot owned: a stream counter or a handle alias.
func (t *FileTable) Dup2(oldfd, newfd int) (int, error) {
	t.mu.Lock()
	if !t.inRange(oldfd) || t.slots[oldfd].IsEmpty() {
		t.mu.Unlock()
		return -1, kerrors.BadDescriptor(oldfd)
	}
	if oldfd == newfd {
		t.mu.Unlock()
		return newfd, nil
	}
	if !t.inRange(newfd) {
		t.mu.Unlock()
		return -1, kerrors.BadDescriptor(newfd)
	}
	src := t.slots[oldfd]
	switch src.stream {
	case StreamStdin:
		t.stdin++
	case StreamStdout:
		t.stdout++
	default:
		src.handle.aliases++
	}
	h := t.dropLocked(newfd)
	t.slots[newfd] = src
	t.mu.Unlock()

	t.log.Debug("dup2", "old", oldfd, "new", newfd)
	t.release(h)
	return newfd, nil
}

// CloseAll closes every descriptor, as on process exit.
func (t *FileTable) CloseAll() {
	t.mu.Lock()
	var released []*Handle
	for fd := range t.slots {
		if h := t.dropLocked(fd); h != nil {
			released = append(released, h)
		}
	}
	t.mu.Unlock()
	for _, h := range released {
		t.release(h)
	}
}

// Fork copies the table for a child process. Each handle is duplicated
// once and every alias of it in the parent points at the same duplicate.
func (t *FileTable) Fork(log hclog.Logger) *FileTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := &FileTable{
		slots:  make([]Target, len(t.slots)),
		next:   t.next,
		stdin:  t.stdin,
		stdout: t.stdout,
		policy: t.policy,
		log:    log,
	}
	dups := make(map[*Handle]*Handle)
	for fd, tgt := range t.slots {
		if tgt.handle == nil {
			child.slots[fd] = tgt
			continue
		}
		d, ok := dups[tgt.handle]
		if !ok {
			d = tgt.handle.duplicate()
			dups[tgt.handle] = d
		}
		child.slots[fd] = HandleTarget(d)
	}
	return child
}

// DescriptorInfo describes one occupied slot.
type DescriptorInfo struct {
	FD      int    `json:"fd"`
	Kind    string `json:"kind"`
	Name    string `json:"name,omitempty"`
	Pos     int64  `json:"pos,omitempty"`
	Length  int64  `json:"length,omitempty"`
	Aliases int    `json:"aliases,omitempty"`
}

// Snapshot lists occupied slots in descriptor order.
func (t *FileTable) Snapshot() []DescriptorInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []DescriptorInfo
	for fd, tgt := range t.slots {
		switch {
		case tgt.IsEmpty():
		case tgt.IsStream():
			out = append(out, DescriptorInfo{FD: fd, Kind: tgt.stream.String()})
		default:
			h := tgt.handle
			out = append(out, DescriptorInfo{FD: fd, Kind: "file", Name: h.name, Pos: h.pos.Load(), Length: h.length, Aliases: h.aliases})
		}
	}
	return out
}
