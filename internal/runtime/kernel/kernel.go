// Package kernel implements the user-program boundary of a small teaching
// kernel: descriptor tables, the file I/O gate, anonymous memory backed by
// a swap device, and the system calls that reach them.
package kernel

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	kerrors "github.com/orizon-lang/tinykern/internal/errors"
	"github.com/orizon-lang/tinykern/internal/runtime/block"
	"github.com/orizon-lang/tinykern/internal/runtime/vfs"
)

// ============================================================================
// Kernel configuration
// ============================================================================

const (
	DefaultMemoryFrames = 256
	DefaultSwapSectors  = 8192
	DefaultFDLimit      = 128
)

// Config represents kernel configuration
type Config struct {
	// Memory configuration
	PageSize     int
	MemoryFrames int
	SwapDevice   block.Device

	// File system configuration
	FS      vfs.FileSystem
	FDLimit int
	Reuse   ReusePolicy

	// Console; nil means the host's stdin and stdout.
	ConsoleIn  io.Reader
	ConsoleOut io.Writer

	Logger hclog.Logger

	// OnFatal receives unrecoverable kernel errors such as swap exhaustion.
	// The default logs the error and powers off.
	OnFatal func(error)
	// OnHalt runs once when the kernel powers off.
	OnHalt func()
}

func (c *Config) setDefaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MemoryFrames == 0 {
		c.MemoryFrames = DefaultMemoryFrames
	}
	if c.FDLimit == 0 {
		c.FDLimit = DefaultFDLimit
	}
	if c.SwapDevice == nil {
		c.SwapDevice = block.NewMemDisk(DefaultSwapSectors)
	}
	if c.FS == nil {
		c.FS = vfs.NewMem()
	}
	if c.ConsoleIn == nil {
		c.ConsoleIn = os.Stdin
	}
	if c.ConsoleOut == nil {
		c.ConsoleOut = os.Stdout
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
}

func (c *Config) validate() error {
	if c.PageSize < block.SectorSize || c.PageSize&(c.PageSize-1) != 0 {
		return kerrors.InvalidConfig("page size", fmt.Sprintf("%d is not a power of two of at least %d", c.PageSize, block.SectorSize))
	}
	if c.MemoryFrames < 0 {
		return kerrors.InvalidConfig("memory frames", "must be positive")
	}
	if c.FDLimit < 3 {
		return kerrors.InvalidConfig("fd limit", "must leave room beyond the standard streams")
	}
	if int(c.SwapDevice.Size()) < SectorsPerPage(c.PageSize) {
		return kerrors.InvalidConfig("swap device", "smaller than one page")
	}
	return nil
}

// ============================================================================
// Kernel
// ============================================================================

// Kernel owns the state shared by every process: physical frames, the swap
// table, the filesystem and its lock, and the console.
type Kernel struct {
	pageSize     int
	frames       *FrameTable
	swap         *SwapTable
	swapDev      block.Device
	anonOps      *anonOps
	anonStackOps *anonOps

	fs      vfs.FileSystem
	fsLock  sync.Mutex
	fdLimit int
	reuse   ReusePolicy

	console *Console

	mu       sync.Mutex
	programs map[string]Program
	procs    map[int]*Process
	nextPID  int
	wg       sync.WaitGroup

	halted   atomic.Bool
	haltOnce sync.Once
	onHalt   func()
	onFatal  func(error)

	log    hclog.Logger
	sysLog hclog.Logger
}

// Boot brings the kernel up: frames first, then swap, the filesystem lock,
// the console and the process registry.
func Boot(cfg Config) (*Kernel, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger

	frames, err := NewFrameTable(cfg.MemoryFrames, cfg.PageSize, log.Named("frames"))
	if err != nil {
		return nil, err
	}
	swapLog := log.Named("swap")
	swap, err := NewSwapTable(cfg.SwapDevice, cfg.PageSize, swapLog)
	if err != nil {
		_ = frames.Close()
		return nil, err
	}

	k := &Kernel{
		pageSize:     cfg.PageSize,
		frames:       frames,
		swap:         swap,
		swapDev:      cfg.SwapDevice,
		anonOps:      newAnonOps(VMAnon, swap, frames, swapLog),
		anonStackOps: newAnonOps(VMAnon|VMMarker0, swap, frames, swapLog),
		fs:           cfg.FS,
		fdLimit:      cfg.FDLimit,
		reuse:        cfg.Reuse,
		console:      NewConsole(cfg.ConsoleIn, cfg.ConsoleOut),
		programs:     make(map[string]Program),
		procs:        make(map[int]*Process),
		onHalt:       cfg.OnHalt,
		onFatal:      cfg.OnFatal,
		log:          log,
		sysLog:       log.Named("syscall"),
	}
	if k.onFatal == nil {
		k.onFatal = func(err error) {
			k.log.Error("fatal kernel error", "error", err)
			k.powerOff()
		}
	}
	log.Info("kernel booted",
		"page_size", cfg.PageSize,
		"frames", cfg.MemoryFrames,
		"swap_slots", swap.Capacity(),
		"fd_limit", cfg.FDLimit)
	return k, nil
}

// Register makes prog available to Start and exec under name.
func (k *Kernel) Register(name string, prog Program) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.programs[name] = prog
}

// Wait blocks until every process has exited.
func (k *Kernel) Wait() { k.wg.Wait() }

// Halted reports whether the kernel has powered off.
func (k *Kernel) Halted() bool { return k.halted.Load() }

// Halt powers the machine off from outside any process. Running processes
// unwind at their next system call.
func (k *Kernel) Halt() { k.powerOff() }

func (k *Kernel) powerOff() {
	k.haltOnce.Do(func() {
		k.halted.Store(true)
		k.log.Info("powering off")
		if k.onHalt != nil {
			k.onHalt()
		}
	})
}

// EvictPage swaps out the page of p at va and returns its frame to the
// pool. A fatal error is routed through Config.OnFatal before it is
// returned.
func (k *Kernel) EvictPage(p *Process, va uintptr) error {
	p.mu.Lock()
	as := p.as
	p.mu.Unlock()
	err := as.Evict(va)
	if kerrors.IsFatal(err) {
		k.onFatal(err)
	}
	return err
}

// Console returns the console shared by all processes.
func (k *Kernel) Console() *Console { return k.console }

// FS returns the filesystem user programs see.
func (k *Kernel) FS() vfs.FileSystem { return k.fs }

// Swap returns the swap slot table.
func (k *Kernel) Swap() *SwapTable { return k.swap }

// Frames returns the physical frame table.
func (k *Kernel) Frames() *FrameTable { return k.frames }

// Shutdown releases the frame arena and closes the swap device. Processes
// must have exited.
func (k *Kernel) Shutdown() error {
	k.powerOff()
	err := k.frames.Close()
	if cerr := k.swapDev.Close(); err == nil {
		err = cerr
	}
	return err
}

// Status is a point-in-time view of kernel resources.
type Status struct {
	Halted    bool          `json:"halted"`
	Frames    FrameStats    `json:"frames"`
	Swap      SwapStats     `json:"swap"`
	Processes []ProcessInfo `json:"processes"`
}

// Status snapshots frames, swap and live processes ordered by pid.
func (k *Kernel) Status() Status {
	k.mu.Lock()
	procs := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		procs = append(procs, p)
	}
	k.mu.Unlock()
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })

	st := Status{
		Halted:    k.Halted(),
		Frames:    k.frames.Stats(),
		Swap:      k.swap.Stats(),
		Processes: make([]ProcessInfo, 0, len(procs)),
	}
	for _, p := range procs {
		st.Processes = append(st.Processes, p.Info())
	}
	return st
}
