package kernel

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kerrors "github.com/orizon-lang/tinykern/internal/errors"
	"github.com/orizon-lang/tinykern/internal/runtime/block"
)

// lockedBuffer collects console output written from process goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bootTest(t *testing.T, mod func(*Config)) (*Kernel, *lockedBuffer) {
	t.Helper()
	out := &lockedBuffer{}
	cfg := Config{
		MemoryFrames: 32,
		SwapDevice:   block.NewMemDisk(256),
		FDLimit:      16,
		ConsoleIn:    strings.NewReader(""),
		ConsoleOut:   out,
	}
	if mod != nil {
		mod(&cfg)
	}
	k, err := Boot(cfg)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(func() {
		k.Wait()
		_ = k.Shutdown()
	})
	return k, out
}

func run(t *testing.T, k *Kernel, prog Program) *Process {
	t.Helper()
	p, err := k.Spawn("test", nil, prog)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	return p
}

func TestBootDefaults(t *testing.T) {
	k, _ := bootTest(t, nil)
	st := k.Status()
	if st.Frames.Total != 32 || st.Frames.PageSize != DefaultPageSize {
		t.Fatalf("unexpected frames: %+v", st.Frames)
	}
	if st.Swap.Capacity != 32 || st.Swap.SectorsPerPage != 8 {
		t.Fatalf("unexpected swap: %+v", st.Swap)
	}
	if st.Halted || len(st.Processes) != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestBootRejectsBadConfig(t *testing.T) {
	cases := []Config{
		{PageSize: 3000},
		{PageSize: 256},
		{FDLimit: 2},
		{SwapDevice: block.NewMemDisk(4)},
	}
	for i, cfg := range cases {
		cfg.ConsoleIn = strings.NewReader("")
		if _, err := Boot(cfg); !errors.Is(err, kerrors.ErrInvalidConfig) {
			t.Fatalf("case %d: expected invalid config, got %v", i, err)
		}
	}
}

func TestStatusListsProcesses(t *testing.T) {
	k, _ := bootTest(t, nil)
	release := make(chan struct{})
	ready := make(chan struct{})
	p, err := k.Spawn("sleeper", nil, func(p *Process) int {
		close(ready)
		<-release
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}
	<-ready
	st := k.Status()
	close(release)
	<-p.Done()

	if len(st.Processes) != 1 {
		t.Fatalf("expected one process, got %d", len(st.Processes))
	}
	info := st.Processes[0]
	if info.Name != "sleeper" || info.Stdin != 1 || info.Stdout != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if len(info.Descriptors) != 2 || info.Descriptors[0].Kind != "stdin" || info.Descriptors[1].Kind != "stdout" {
		t.Fatalf("unexpected descriptors: %+v", info.Descriptors)
	}
	if info.Memory.Resident != 1 {
		t.Fatalf("expected the stack page to be resident: %+v", info.Memory)
	}
}

func TestTeardownReleasesEverything(t *testing.T) {
	k, _ := bootTest(t, nil)
	p := run(t, k, func(p *Process) int {
		va, err := p.Alloc(3 * DefaultPageSize)
		if err != nil {
			t.Errorf("alloc: %v", err)
			return 1
		}
		if err := k.EvictPage(p, va); err != nil {
			t.Errorf("evict: %v", err)
		}
		return 0
	})
	if p.ExitStatus() != 0 {
		t.Fatalf("status %d", p.ExitStatus())
	}
	if k.Swap().Used() != 0 {
		t.Fatalf("slots still allocated: %d", k.Swap().Used())
	}
	if k.Frames().InUse() != 0 {
		t.Fatalf("frames still allocated: %d", k.Frames().InUse())
	}
}

func TestSwapExhaustionRoutesToOnFatal(t *testing.T) {
	var fatal error
	k, _ := bootTest(t, func(c *Config) {
		c.SwapDevice = block.NewMemDisk(8)
		c.OnFatal = func(err error) { fatal = err }
	})
	var second uintptr
	var evictErr error
	var resident bool
	run(t, k, func(p *Process) int {
		first, err := p.Alloc(DefaultPageSize)
		if err != nil {
			return 1
		}
		second, _ = p.Alloc(DefaultPageSize)
		if err := k.EvictPage(p, first); err != nil {
			t.Errorf("first eviction: %v", err)
		}
		evictErr = k.EvictPage(p, second)
		pg := p.AddressSpace().Page(second)
		resident = pg.Resident() && pg.Slot() == InvalidSlot
		return 0
	})
	if !errors.Is(evictErr, kerrors.ErrSwapExhausted) || !kerrors.IsFatal(evictErr) {
		t.Fatalf("expected fatal exhaustion, got %v", evictErr)
	}
	if fatal == nil {
		t.Fatal("OnFatal was not called")
	}
	if !resident {
		t.Fatal("page should stay resident after exhaustion")
	}
	if k.Halted() {
		t.Fatal("custom OnFatal should not halt")
	}
}

func TestDefaultOnFatalHalts(t *testing.T) {
	k, _ := bootTest(t, func(c *Config) { c.SwapDevice = block.NewMemDisk(8) })
	p := run(t, k, func(p *Process) int {
		a, _ := p.Alloc(DefaultPageSize)
		b, _ := p.Alloc(DefaultPageSize)
		_ = k.EvictPage(p, a)
		_ = k.EvictPage(p, b)
		p.Syscall(SysTell, 1)
		return 0
	})
	if !k.Halted() {
		t.Fatal("kernel should be halted")
	}
	if p.ExitStatus() != -1 {
		t.Fatalf("halted process status %d", p.ExitStatus())
	}
}
