// Package config loads and validates kernel configuration files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	semver "github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-hclog"

	kerrors "github.com/orizon-lang/tinykern/internal/errors"
	"github.com/orizon-lang/tinykern/internal/runtime/block"
	"github.com/orizon-lang/tinykern/internal/runtime/kernel"
	"github.com/orizon-lang/tinykern/internal/runtime/vfs"
)

// CurrentVersion is written by Default.
const CurrentVersion = "1.0.0"

// SupportedVersions is the range of config versions this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

type KernelConfig struct {
	Version      string        `json:"version"`
	PageSize     int           `json:"page_size"`
	MemoryFrames int           `json:"memory_frames"`
	SwapSectors  uint32        `json:"swap_sectors"`
	SwapImage    string        `json:"swap_image,omitempty"`
	FDLimit      int           `json:"fd_limit"`
	FDReuse      string        `json:"fd_reuse"`
	RootDir      string        `json:"root_dir,omitempty"`
	LogLevel     string        `json:"log_level"`
	Monitor      MonitorConfig `json:"monitor"`
}

type MonitorConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// Default returns a configuration that boots with an in-memory swap disk
// and filesystem.
func Default() *KernelConfig {
	return &KernelConfig{
		Version:      CurrentVersion,
		PageSize:     kernel.DefaultPageSize,
		MemoryFrames: kernel.DefaultMemoryFrames,
		SwapSectors:  kernel.DefaultSwapSectors,
		FDLimit:      kernel.DefaultFDLimit,
		FDReuse:      "lowest",
		LogLevel:     "warn",
		Monitor: MonitorConfig{
			Addr: "127.0.0.1:4433",
		},
	}
}

// Load reads path and fills unset fields from Default.
func Load(path string) (*KernelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON, creating parent directories.
func (c *KernelConfig) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks every field the kernel depends on.
func (c *KernelConfig) Validate() error {
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return kerrors.InvalidConfig("version", err.Error())
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return kerrors.InvalidConfig("version", fmt.Sprintf("%s does not satisfy %s", c.Version, SupportedVersions))
	}

	if c.PageSize <= 0 || c.PageSize%block.SectorSize != 0 {
		return kerrors.InvalidConfig("page_size", fmt.Sprintf("%d is not a multiple of %d", c.PageSize, block.SectorSize))
	}
	if c.PageSize&(c.PageSize-1) != 0 {
		return kerrors.InvalidConfig("page_size", fmt.Sprintf("%d is not a power of two", c.PageSize))
	}
	if c.MemoryFrames <= 0 {
		return kerrors.InvalidConfig("memory_frames", "must be positive")
	}
	if int(c.SwapSectors) < kernel.SectorsPerPage(c.PageSize) {
		return kerrors.InvalidConfig("swap_sectors", "swap area is smaller than one page")
	}
	if c.FDLimit < 3 {
		return kerrors.InvalidConfig("fd_limit", "must be at least 3")
	}
	if _, err := c.reusePolicy(); err != nil {
		return err
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return kerrors.InvalidConfig("log_level", fmt.Sprintf("unknown level %q", c.LogLevel))
	}
	if c.Monitor.Enabled && c.Monitor.Addr == "" {
		return kerrors.InvalidConfig("monitor.addr", "required when the monitor is enabled")
	}
	if (c.Monitor.CertFile == "") != (c.Monitor.KeyFile == "") {
		return kerrors.InvalidConfig("monitor", "cert_file and key_file must be set together")
	}
	return nil
}

func (c *KernelConfig) reusePolicy() (kernel.ReusePolicy, error) {
	switch c.FDReuse {
	case "", "lowest":
		return kernel.ReuseLowest, nil
	case "advance":
		return kernel.ReuseAdvanceOnly, nil
	}
	return 0, kerrors.InvalidConfig("fd_reuse", fmt.Sprintf("unknown policy %q", c.FDReuse))
}

// Level returns the configured log level.
func (c *KernelConfig) Level() hclog.Level { return hclog.LevelFromString(c.LogLevel) }

// ToKernel opens the swap device and filesystem the configuration names
// and returns the kernel configuration built from them. The swap device is
// owned by the kernel once booted.
func (c *KernelConfig) ToKernel(log hclog.Logger) (kernel.Config, error) {
	policy, err := c.reusePolicy()
	if err != nil {
		return kernel.Config{}, err
	}
	kc := kernel.Config{
		PageSize:     c.PageSize,
		MemoryFrames: c.MemoryFrames,
		FDLimit:      c.FDLimit,
		Reuse:        policy,
		Logger:       log,
	}
	if c.RootDir != "" {
		fsys, err := vfs.NewOS(c.RootDir)
		if err != nil {
			return kernel.Config{}, fmt.Errorf("opening root %s: %w", c.RootDir, err)
		}
		kc.FS = fsys
	} else {
		kc.FS = vfs.NewMem()
	}
	if c.SwapImage != "" {
		disk, err := block.OpenFileDisk(c.SwapImage, block.Sector(c.SwapSectors))
		if err != nil {
			return kernel.Config{}, fmt.Errorf("opening swap image: %w", err)
		}
		kc.SwapDevice = disk
	} else {
		kc.SwapDevice = block.NewMemDisk(block.Sector(c.SwapSectors))
	}
	return kc, nil
}
