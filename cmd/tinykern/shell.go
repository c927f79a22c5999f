package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/orizon-lang/tinykern/internal/runtime/kernel"
)

const (
	nameArea = 512
	dataArea = 16 * 1024
)

// shell runs a script of system calls inside a user process. Every command
// passes its arguments through user memory and the kernel's dispatcher.
type shell struct {
	k        *kernel.Kernel
	lines    []string
	onCreate func(name string)

	name uintptr
	data uintptr
}

func newShell(k *kernel.Kernel, script string) *shell {
	return &shell{k: k, lines: strings.Split(script, "\n")}
}

// run is the shell's kernel.Program.
func (s *shell) run(p *kernel.Process) int {
	var err error
	if s.name, err = p.Alloc(nameArea); err != nil {
		return -1
	}
	if s.data, err = p.Alloc(dataArea); err != nil {
		return -1
	}
	for _, line := range s.lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s.print(p, s.execute(p, line))
	}
	return 0
}

// print writes msg to whatever descriptor 1 currently refers to.
func (s *shell) print(p *kernel.Process, msg string) {
	if len(msg) > dataArea {
		msg = msg[:dataArea]
	}
	if err := p.AddressSpace().CopyOut(s.data, []byte(msg)); err != nil {
		return
	}
	p.Syscall(kernel.SysWrite, 1, uint64(s.data), uint64(len(msg)))
}

func (s *shell) putName(p *kernel.Process, name string) (uint64, error) {
	if len(name) >= nameArea {
		return 0, fmt.Errorf("name too long")
	}
	if err := p.AddressSpace().CopyOut(s.name, append([]byte(name), 0)); err != nil {
		return 0, err
	}
	return uint64(s.name), nil
}

func (s *shell) execute(p *kernel.Process, line string) string {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	ints := func(n int) ([]uint64, bool) {
		if len(args) < n {
			return nil, false
		}
		out := make([]uint64, n)
		for i := 0; i < n; i++ {
			v, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil {
				return nil, false
			}
			out[i] = uint64(v)
		}
		return out, true
	}
	result := func(r int64) string { return fmt.Sprintf("%s = %d\n", line, r) }
	usage := func(u string) string { return fmt.Sprintf("usage: %s %s\n", cmd, u) }

	switch cmd {
	case "help":
		return helpText

	case "create":
		if len(args) != 2 {
			return usage("NAME SIZE")
		}
		size, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return usage("NAME SIZE")
		}
		ptr, err := s.putName(p, args[0])
		if err != nil {
			return fmt.Sprintf("%s: %v\n", line, err)
		}
		r := p.Syscall(kernel.SysCreate, ptr, size)
		if r == 1 && s.onCreate != nil {
			s.onCreate(args[0])
		}
		return result(r)

	case "remove", "open":
		if len(args) != 1 {
			return usage("NAME")
		}
		ptr, err := s.putName(p, args[0])
		if err != nil {
			return fmt.Sprintf("%s: %v\n", line, err)
		}
		num := kernel.SysOpen
		if cmd == "remove" {
			num = kernel.SysRemove
		}
		return result(p.Syscall(num, ptr))

	case "write":
		v, ok := ints(1)
		if !ok || len(args) < 2 {
			return usage("FD TEXT")
		}
		text := strings.Join(args[1:], " ")
		if strings.HasPrefix(text, `"`) {
			uq, err := strconv.Unquote(text)
			if err != nil {
				return usage("FD TEXT")
			}
			text = uq
		}
		if len(text) > dataArea {
			text = text[:dataArea]
		}
		if err := p.AddressSpace().CopyOut(s.data, []byte(text)); err != nil {
			return fmt.Sprintf("%s: %v\n", line, err)
		}
		return result(p.Syscall(kernel.SysWrite, v[0], uint64(s.data), uint64(len(text))))

	case "read":
		v, ok := ints(2)
		if !ok {
			return usage("FD N")
		}
		n := int64(v[1])
		if n < 0 || n > dataArea {
			n = dataArea
		}
		r := p.Syscall(kernel.SysRead, v[0], uint64(s.data), uint64(n))
		if r <= 0 {
			return result(r)
		}
		got, err := p.ReadBytes(s.data, int(r))
		if err != nil {
			return result(r)
		}
		return fmt.Sprintf("%s = %d %q\n", line, r, got)

	case "seek":
		v, ok := ints(2)
		if !ok {
			return usage("FD POS")
		}
		p.Syscall(kernel.SysSeek, v[0], v[1])
		return fmt.Sprintf("%s\n", line)

	case "tell", "close", "filesize":
		v, ok := ints(1)
		if !ok {
			return usage("FD")
		}
		num := map[string]kernel.SystemCallNumber{
			"tell":     kernel.SysTell,
			"close":    kernel.SysClose,
			"filesize": kernel.SysFilesize,
		}[cmd]
		r := p.Syscall(num, v[0])
		if cmd == "close" {
			return fmt.Sprintf("%s\n", line)
		}
		return result(r)

	case "dup2":
		v, ok := ints(2)
		if !ok {
			return usage("OLD NEW")
		}
		return result(p.Syscall(kernel.SysDup2, v[0], v[1]))

	case "evict":
		evicted := 0
		for _, va := range p.AddressSpace().Resident(false) {
			if err := s.k.EvictPage(p, va); err != nil {
				return fmt.Sprintf("%s: %v\n", line, err)
			}
			evicted++
		}
		return result(int64(evicted))

	case "exec":
		if len(args) == 0 {
			return usage("PROGRAM [ARGS...]")
		}
		ptr, err := s.putName(p, strings.Join(args, " "))
		if err != nil {
			return fmt.Sprintf("%s: %v\n", line, err)
		}
		p.Syscall(kernel.SysExec, ptr)
		return ""

	case "exit":
		v, ok := ints(1)
		if !ok {
			return usage("STATUS")
		}
		p.Syscall(kernel.SysExit, v[0])
		return ""

	case "halt":
		p.Syscall(kernel.SysHalt)
		return ""

	default:
		return fmt.Sprintf("unknown command: %s\n", cmd)
	}
}

const helpText = `commands:
  create NAME SIZE   create a file of SIZE bytes
  remove NAME        remove a file
  open NAME          open a file, prints the descriptor
  read FD N          read up to N bytes
  write FD TEXT      write TEXT (Go-quoted strings allowed)
  seek FD POS        move the file position
  tell FD            print the file position
  filesize FD        print the file length
  close FD           close a descriptor
  dup2 OLD NEW       make NEW refer to what OLD refers to
  evict              swap out the shell's resident pages
  exec PROG [ARGS]   replace the shell with a registered program
  exit STATUS        exit with STATUS
  halt               power off
`
