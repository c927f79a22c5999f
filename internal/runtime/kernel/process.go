package kernel

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// ============================================================================
// Processes
// ============================================================================

// Program is the body of a user process. Its return value is the exit
// status unless it calls Exit, faults, or the kernel halts first.
type Program func(p *Process) int

const (
	// userBase is where Alloc starts handing out user memory.
	userBase uintptr = 0x400000
	// userStack is the top of the user stack; one page below it is mapped
	// at process start.
	userStack uintptr = 0x47480000
)

// Process is one user program with its own descriptor table and address
// space.
type Process struct {
	PID  int
	Name string
	Args []string

	k           *Kernel
	files       *FileTable
	as          *AddressSpace
	brk         uintptr
	parent      *Process
	forkHandler Program
	log         hclog.Logger

	// mu guards children, and Name and as against readers outside the
	// process goroutine.
	mu       sync.Mutex
	children map[int]*Process

	status int
	done   chan struct{}
}

// unwinding values carried by panic out of a running program.
type (
	exitUnwind struct{ status int }
	haltUnwind struct{}
	execUnwind struct {
		name string
		args []string
		prog Program
	}
)

func (k *Kernel) newProcess(name string, args []string, parent *Process) *Process {
	k.mu.Lock()
	k.nextPID++
	pid := k.nextPID
	k.mu.Unlock()
	return &Process{
		PID:      pid,
		Name:     name,
		Args:     args,
		k:        k,
		brk:      userBase,
		parent:   parent,
		log:      k.log.Named("proc").With("pid", pid),
		children: make(map[int]*Process),
		done:     make(chan struct{}),
	}
}

// Spawn starts prog as a new top-level process.
func (k *Kernel) Spawn(name string, args []string, prog Program) (*Process, error) {
	if k.halted.Load() {
		return nil, fmt.Errorf("kernel halted")
	}
	p := k.newProcess(name, args, nil)
	p.files = NewFileTable(k.fdLimit, k.reuse, k.log.Named("fdtable").With("pid", p.PID))
	p.as = newAddressSpace(k)
	if err := p.setupStack(); err != nil {
		p.as.Destroy()
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	k.start(p, prog)
	return p, nil
}

// Start looks up the program named by the first word of cmdline and
// spawns it with the remaining words as arguments.
func (k *Kernel) Start(cmdline string) (*Process, error) {
	name, args, prog, err := k.lookup(cmdline)
	if err != nil {
		return nil, err
	}
	return k.Spawn(name, args, prog)
}

func (k *Kernel) lookup(cmdline string) (string, []string, Program, error) {
	words := strings.Fields(cmdline)
	if len(words) == 0 {
		return "", nil, nil, fmt.Errorf("empty command line")
	}
	k.mu.Lock()
	prog := k.programs[words[0]]
	k.mu.Unlock()
	if prog == nil {
		return "", nil, nil, fmt.Errorf("program %q not found", words[0])
	}
	return words[0], words[1:], prog, nil
}

func (k *Kernel) start(p *Process, prog Program) {
	k.mu.Lock()
	k.procs[p.PID] = p
	k.mu.Unlock()
	k.wg.Add(1)
	p.log.Info("process started", "name", p.Name)
	go func() {
		defer k.wg.Done()
		p.finish(p.execute(prog))
	}()
}

// execute runs prog, and whatever it execs into, until the process ends.
// reported is false when the kernel halted underneath it.
func (p *Process) execute(prog Program) (status int, reported bool) {
	for {
		u := p.runOnce(prog)
		switch v := u.(type) {
		case exitUnwind:
			return v.status, true
		case haltUnwind:
			return -1, false
		case execUnwind:
			p.log.Debug("exec", "program", v.name, "args", v.args)
			p.as.Destroy()
			p.mu.Lock()
			p.as = newAddressSpace(p.k)
			p.Name, p.Args = v.name, v.args
			p.mu.Unlock()
			p.brk = userBase
			if err := p.setupStack(); err != nil {
				p.log.Error("exec: stack setup failed", "error", err)
				return -1, true
			}
			prog = v.prog
		}
	}
}

func (p *Process) runOnce(prog Program) (u interface{}) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch r.(type) {
		case exitUnwind, haltUnwind, execUnwind:
			u = r
		default:
			p.log.Error("program crashed", "panic", r)
			u = exitUnwind{status: -1}
		}
	}()
	return exitUnwind{status: prog(p)}
}

func (p *Process) finish(status int, reported bool) {
	if reported {
		p.k.console.Printf("%s: exit(%d)\n", p.Name, status)
	}
	p.files.CloseAll()
	p.as.Destroy()

	p.k.mu.Lock()
	delete(p.k.procs, p.PID)
	p.k.mu.Unlock()

	p.status = status
	close(p.done)
	p.log.Info("process exited", "status", status)
}

func (p *Process) setupStack() error {
	_, err := p.as.AllocAnon(userStack-p.as.pageSize, true, true)
	return err
}

// Exit terminates the calling process immediately. It must be called from
// the process's own goroutine and does not return.
func (p *Process) Exit(status int) {
	panic(exitUnwind{status: status})
}

// Halt powers the machine off. Every process stops at its next system call.
func (p *Process) Halt() {
	p.k.powerOff()
	panic(haltUnwind{})
}

// SetForkHandler sets the program a forked child of p runs. Children
// inherit the handler.
func (p *Process) SetForkHandler(h Program) { p.forkHandler = h }

// Fork starts a child named name with a copy of p's memory and descriptor
// table. It returns the child pid.
func (p *Process) Fork(name string) (int, error) {
	k := p.k
	child := k.newProcess(name, p.Args, p)
	child.files = p.files.Fork(k.log.Named("fdtable").With("pid", child.PID))
	child.as = newAddressSpace(k)
	child.brk = p.brk
	child.forkHandler = p.forkHandler
	if err := p.as.copyInto(child.as); err != nil {
		child.files.CloseAll()
		child.as.Destroy()
		return -1, fmt.Errorf("fork %s: %w", name, err)
	}

	p.mu.Lock()
	p.children[child.PID] = child
	p.mu.Unlock()

	prog := child.forkHandler
	if prog == nil {
		prog = func(*Process) int { return 0 }
	}
	k.start(child, prog)
	return child.PID, nil
}

// Exec replaces the running program with the one cmdline names. The
// descriptor table is kept; memory is not. On success it does not return.
func (p *Process) Exec(cmdline string) error {
	name, args, prog, err := p.k.lookup(cmdline)
	if err != nil {
		return err
	}
	panic(execUnwind{name: name, args: args, prog: prog})
}

// Wait blocks until the direct child pid exits and returns its status. A
// child can be waited for once; anything else returns -1.
func (p *Process) Wait(pid int) int {
	p.mu.Lock()
	child := p.children[pid]
	delete(p.children, pid)
	p.mu.Unlock()
	if child == nil {
		return -1
	}
	<-child.done
	return child.status
}

// Done is closed once the process has exited and released its resources.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitStatus is valid after Done is closed.
func (p *Process) ExitStatus() int { return p.status }

func (p *Process) Files() *FileTable           { return p.files }
func (p *Process) AddressSpace() *AddressSpace { return p.as }

// ============================================================================
// User memory helpers
// ============================================================================

// Alloc maps fresh writable anonymous pages covering n bytes and returns
// the first address.
func (p *Process) Alloc(n int) (uintptr, error) {
	if n <= 0 {
		n = 1
	}
	ps := p.as.pageSize
	base := p.brk
	end := (base + uintptr(n) + ps - 1) &^ (ps - 1)
	for va := base; va < end; va += ps {
		if _, err := p.as.AllocAnon(va, true, false); err != nil {
			return 0, err
		}
	}
	p.brk = end
	return base, nil
}

// PutBytes copies b into newly allocated user memory.
func (p *Process) PutBytes(b []byte) (uintptr, error) {
	va, err := p.Alloc(len(b))
	if err != nil {
		return 0, err
	}
	if err := p.as.CopyOut(va, b); err != nil {
		return 0, err
	}
	return va, nil
}

// PutString copies s plus a terminating NUL into user memory.
func (p *Process) PutString(s string) (uintptr, error) {
	return p.PutBytes(append([]byte(s), 0))
}

// ReadBytes copies n bytes of user memory at va.
func (p *Process) ReadBytes(va uintptr, n int) ([]byte, error) { return p.as.CopyIn(va, n) }

// ProcessInfo is a point-in-time view of one process.
type ProcessInfo struct {
	PID         int              `json:"pid"`
	Name        string           `json:"name"`
	Parent      int              `json:"parent,omitempty"`
	Descriptors []DescriptorInfo `json:"descriptors"`
	Stdin       int              `json:"stdin_open"`
	Stdout      int              `json:"stdout_open"`
	Memory      MemoryStats      `json:"memory"`
}

// Info snapshots p.
func (p *Process) Info() ProcessInfo {
	p.mu.Lock()
	name, as := p.Name, p.as
	p.mu.Unlock()
	info := ProcessInfo{
		PID:         p.PID,
		Name:        name,
		Descriptors: p.files.Snapshot(),
		Stdin:       p.files.StreamCount(StreamStdin),
		Stdout:      p.files.StreamCount(StreamStdout),
		Memory:      as.Stats(),
	}
	if p.parent != nil {
		info.Parent = p.parent.PID
	}
	return info
}
