package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"

	kerrors "github.com/orizon-lang/tinykern/internal/errors"
	"github.com/orizon-lang/tinykern/internal/runtime/block"
	"github.com/orizon-lang/tinykern/internal/runtime/kernel"
	"github.com/orizon-lang/tinykern/internal/runtime/vfs"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *KernelConfig){
		"bad version":      func(c *KernelConfig) { c.Version = "one" },
		"future version":   func(c *KernelConfig) { c.Version = "2.1.0" },
		"odd page size":    func(c *KernelConfig) { c.PageSize = 1000 },
		"non power of two": func(c *KernelConfig) { c.PageSize = 3 * 512 },
		"no frames":        func(c *KernelConfig) { c.MemoryFrames = 0 },
		"tiny swap":        func(c *KernelConfig) { c.SwapSectors = 7 },
		"fd limit":         func(c *KernelConfig) { c.FDLimit = 2 },
		"reuse policy":     func(c *KernelConfig) { c.FDReuse = "random" },
		"log level":        func(c *KernelConfig) { c.LogLevel = "loud" },
		"monitor addr":     func(c *KernelConfig) { c.Monitor.Enabled = true; c.Monitor.Addr = "" },
		"half a cert pair": func(c *KernelConfig) { c.Monitor.CertFile = "cert.pem" },
	}
	for name, mutate := range cases {
		c := Default()
		mutate(c)
		if err := c.Validate(); !errors.Is(err, kerrors.ErrInvalidConfig) {
			t.Errorf("%s: expected invalid config, got %v", name, err)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kernel.json")
	c := Default()
	c.FDLimit = 32
	c.FDReuse = "advance"
	c.Monitor.Enabled = true
	if err := c.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.FDLimit != 32 || got.FDReuse != "advance" || !got.Monitor.Enabled || got.Monitor.Addr != c.Monitor.Addr {
		t.Fatalf("unexpected config %+v", got)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.json")
	if err := os.WriteFile(path, []byte(`{"version": "1.2.0", "fd_limit": 8}`), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.FDLimit != 8 || c.PageSize != kernel.DefaultPageSize || c.Level() != hclog.Warn {
		t.Fatalf("unexpected config %+v", c)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.json")
	os.WriteFile(path, []byte(`{"version": "0.9.0"}`), 0644)
	if _, err := Load(path); !errors.Is(err, kerrors.ErrInvalidConfig) {
		t.Fatalf("expected version rejection, got %v", err)
	}
	os.WriteFile(path, []byte(`{`), 0644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestToKernelMemoryBacked(t *testing.T) {
	c := Default()
	c.FDReuse = "advance"
	kc, err := c.ToKernel(hclog.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := kc.FS.(*vfs.MemFS); !ok {
		t.Fatalf("expected MemFS, got %T", kc.FS)
	}
	if _, ok := kc.SwapDevice.(*block.MemDisk); !ok || kc.SwapDevice.Size() != block.Sector(c.SwapSectors) {
		t.Fatalf("unexpected swap device %T", kc.SwapDevice)
	}
	if kc.Reuse != kernel.ReuseAdvanceOnly || kc.FDLimit != c.FDLimit {
		t.Fatalf("unexpected kernel config %+v", kc)
	}
}

func TestToKernelHostBacked(t *testing.T) {
	dir := t.TempDir()
	c := Default()
	c.RootDir = dir
	c.SwapImage = filepath.Join(dir, "swap.img")
	c.SwapSectors = 64
	kc, err := c.ToKernel(hclog.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer kc.SwapDevice.Close()
	if _, ok := kc.FS.(*vfs.OSFS); !ok {
		t.Fatalf("expected OSFS, got %T", kc.FS)
	}
	info, err := os.Stat(c.SwapImage)
	if err != nil || info.Size() != 64*block.SectorSize {
		t.Fatalf("swap image not sized: %v", err)
	}
}
