package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/orizon-lang/tinykern/internal/cli"
	"github.com/orizon-lang/tinykern/internal/config"
	"github.com/orizon-lang/tinykern/internal/runtime/kernel"
	"github.com/orizon-lang/tinykern/internal/runtime/monitor"
	"github.com/orizon-lang/tinykern/internal/runtime/vfs"
)

type options struct {
	configFile  string
	scriptFile  string
	monitorAddr string
	watch       bool
	hold        bool
}

func main() {
	var (
		opts        options
		showVersion bool
		showHelp    bool
		jsonOutput  bool
		verbose     bool
		debug       bool
	)

	flag.StringVar(&opts.configFile, "config", "tinykern.json", "kernel configuration file")
	flag.StringVar(&opts.scriptFile, "script", "-", "shell script to run (- for stdin)")
	flag.StringVar(&opts.monitorAddr, "monitor", "", "serve the HTTP/3 status monitor on this address")
	flag.BoolVar(&opts.watch, "watch", false, "log changes to the backing filesystem")
	flag.BoolVar(&opts.hold, "hold", false, "keep the monitor running after the script exits")
	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&showHelp, "help", false, "show help information")
	flag.BoolVar(&jsonOutput, "json", false, "output version information in JSON format")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose output")
	flag.BoolVar(&debug, "debug", false, "enable debug output")
	flag.Parse()

	if showVersion {
		cli.PrintVersion(os.Stdout, "tinykern", jsonOutput)
		return
	}
	if showHelp {
		printUsage()
		return
	}

	logger := cli.NewLogger("tinykern", verbose, debug)
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	if !verbose && !debug {
		logger.HCLog().SetLevel(cfg.Level())
	}
	if opts.monitorAddr != "" {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Addr = opts.monitorAddr
	}

	script, err := readScript(opts.scriptFile)
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	var stdin io.Reader = os.Stdin
	if opts.scriptFile == "-" {
		stdin = strings.NewReader("")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	status, err := run(ctx, cfg, opts, script, stdin, os.Stdout, logger)
	cli.HandleError(err, logger)
	stop()
	os.Exit(exitCode(status))
}

func printUsage() {
	fmt.Println("tinykern - teaching kernel with a scriptable shell")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tinykern [options] [-script FILE]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Print(helpText)
}

// loadConfig reads path when it exists and falls back to defaults.
func loadConfig(path string) (*config.KernelConfig, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func readScript(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(b), nil
}

// exitCode maps a process status onto a shell exit code.
func exitCode(status int) int {
	if status < 0 || status > 255 {
		return 1
	}
	return status
}

// run boots a kernel from cfg, runs script in the shell process and returns
// the shell's exit status.
func run(ctx context.Context, cfg *config.KernelConfig, opts options, script string,
	stdin io.Reader, stdout io.Writer, logger *cli.Logger) (int, error) {
	kc, err := cfg.ToKernel(logger.HCLog())
	if err != nil {
		return 0, err
	}
	kc.ConsoleIn = stdin
	kc.ConsoleOut = stdout
	kc.OnHalt = func() { logger.Info("power off") }

	k, err := kernel.Boot(kc)
	if err != nil {
		return 0, err
	}
	clean := true
	defer func() {
		if clean {
			k.Shutdown()
		}
	}()

	sh := newShell(k, script)
	if opts.watch {
		w, err := startWatch(ctx, k.FS(), logger)
		if err != nil {
			return 0, err
		}
		defer w.Close()
		if sw, ok := w.(*vfs.SimpleWatcher); ok {
			sh.onCreate = func(name string) { _ = sw.Add(name) }
		}
	}

	var srv *monitor.Server
	if cfg.Monitor.Enabled {
		if srv, err = startMonitor(cfg, k, logger); err != nil {
			return 0, err
		}
		defer srv.Stop()
	}

	k.Register("shell", sh.run)
	k.Register("echo", echo)
	p, err := k.Start("shell")
	if err != nil {
		return 0, err
	}
	select {
	case <-p.Done():
	case <-ctx.Done():
		logger.Warn("interrupted, halting")
		k.Halt()
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			// Blocked on console input; its frames stay mapped.
			clean = false
			return -1, errors.New("shell did not stop after halt")
		}
	}
	k.Wait()

	if srv != nil && opts.hold {
		logger.Info("shell finished, monitor still serving")
		<-ctx.Done()
	}
	return p.ExitStatus(), nil
}

// echo prints its arguments. It is the stock target for exec.
func echo(p *kernel.Process) int {
	msg := strings.Join(p.Args, " ") + "\n"
	ptr, err := p.PutBytes([]byte(msg))
	if err != nil {
		return -1
	}
	p.Syscall(kernel.SysWrite, 1, uint64(ptr), uint64(len(msg)))
	return 0
}

func startMonitor(cfg *config.KernelConfig, k *kernel.Kernel, logger *cli.Logger) (*monitor.Server, error) {
	var (
		tc  *tls.Config
		err error
	)
	if cfg.Monitor.CertFile != "" {
		tc, err = monitor.LoadTLSConfig(cfg.Monitor.CertFile, cfg.Monitor.KeyFile)
	} else {
		tc, err = monitor.GenerateSelfSignedTLS([]string{"localhost", "127.0.0.1"}, 24*time.Hour)
	}
	if err != nil {
		return nil, err
	}
	srv := monitor.NewServer(cfg.Monitor.Addr, tc, k, logger.HCLog().Named("monitor"))
	addr, err := srv.Start()
	if err != nil {
		return nil, err
	}
	logger.Info("monitor listening on https://%s", addr)
	return srv, nil
}

// startWatch logs changes to the filesystem backing the kernel. A host
// directory is watched through inotify; anything else is polled.
func startWatch(ctx context.Context, fsys vfs.FileSystem, logger *cli.Logger) (vfs.Watcher, error) {
	var w vfs.Watcher
	if osfs, ok := fsys.(*vfs.OSFS); ok {
		fw, err := vfs.WatchRoot(osfs)
		if err != nil {
			return nil, err
		}
		w = fw
	} else {
		sw := vfs.NewSimpleWatcher(fsys)
		if err := sw.StartPolling(ctx, 200*time.Millisecond); err != nil {
			return nil, err
		}
		w = sw
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events():
				if !ok {
					return
				}
				logger.Info("fs %s %s", ev.Op, ev.Path)
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				logger.Warn("watch: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return w, nil
}
