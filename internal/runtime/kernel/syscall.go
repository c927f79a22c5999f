package kernel

import (
	"math"
)

// ============================================================================
// System call interface
// ============================================================================

// InterruptContext holds the registers a system call reads its number and
// arguments from.
type InterruptContext struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
}

// SystemCallNumber represents different system calls
type SystemCallNumber uint64

const (
	SysHalt     SystemCallNumber = 0
	SysExit     SystemCallNumber = 1
	SysFork     SystemCallNumber = 2
	SysExec     SystemCallNumber = 3
	SysWait     SystemCallNumber = 4
	SysCreate   SystemCallNumber = 5
	SysRemove   SystemCallNumber = 6
	SysOpen     SystemCallNumber = 7
	SysFilesize SystemCallNumber = 8
	SysRead     SystemCallNumber = 9
	SysWrite    SystemCallNumber = 10
	SysSeek     SystemCallNumber = 11
	SysTell     SystemCallNumber = 12
	SysClose    SystemCallNumber = 13
	SysDup2     SystemCallNumber = 22
)

var syscallNames = map[SystemCallNumber]string{
	SysHalt: "halt", SysExit: "exit", SysFork: "fork", SysExec: "exec",
	SysWait: "wait", SysCreate: "create", SysRemove: "remove", SysOpen: "open",
	SysFilesize: "filesize", SysRead: "read", SysWrite: "write", SysSeek: "seek",
	SysTell: "tell", SysClose: "close", SysDup2: "dup2",
}

func (n SystemCallNumber) String() string {
	if s, ok := syscallNames[n]; ok {
		return s
	}
	return "unknown"
}

// pathMax bounds path and command-line strings copied from user memory.
const pathMax = 512

// SystemCallHandler decodes the call in ctx for p and stores the result in
// RAX. Calls that end the process do not return.
func (k *Kernel) SystemCallHandler(p *Process, ctx *InterruptContext) {
	if k.halted.Load() {
		panic(haltUnwind{})
	}
	num := SystemCallNumber(ctx.RAX)
	// Arguments are in RDI, RSI, RDX
	result := k.dispatchSystemCall(p, num, ctx.RDI, ctx.RSI, ctx.RDX)
	ctx.RAX = uint64(result)
}

func (k *Kernel) dispatchSystemCall(p *Process, num SystemCallNumber, arg1, arg2, arg3 uint64) int64 {
	k.sysLog.Trace("syscall", "pid", p.PID, "call", num.String(), "arg1", arg1, "arg2", arg2, "arg3", arg3)
	switch num {
	case SysHalt:
		p.Halt()
	case SysExit:
		p.Exit(int(int64(arg1)))
	case SysFork:
		return k.sysFork(p, uintptr(arg1))
	case SysExec:
		k.sysExec(p, uintptr(arg1))
	case SysWait:
		return int64(p.Wait(int(int64(arg1))))
	case SysCreate:
		return k.sysCreate(p, uintptr(arg1), arg2)
	case SysRemove:
		return k.sysRemove(p, uintptr(arg1))
	case SysOpen:
		return k.sysOpen(p, uintptr(arg1))
	case SysFilesize:
		return k.sysFilesize(p, fdArg(arg1))
	case SysRead:
		return k.sysRead(p, fdArg(arg1), uintptr(arg2), lenArg(arg3))
	case SysWrite:
		return k.sysWrite(p, fdArg(arg1), uintptr(arg2), lenArg(arg3))
	case SysSeek:
		k.sysSeek(p, fdArg(arg1), arg2)
	case SysTell:
		return k.sysTell(p, fdArg(arg1))
	case SysClose:
		p.files.Close(fdArg(arg1))
	case SysDup2:
		return k.sysDup2(p, fdArg(arg1), fdArg(arg2))
	default:
		k.sysLog.Warn("unknown system call", "pid", p.PID, "number", uint64(num))
		p.Exit(-1)
	}
	return 0
}

func fdArg(v uint64) int { return int(int64(v)) }

func lenArg(v uint64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

// Syscall is the user-side stub: it loads the registers and traps into the
// kernel. The -1 failure value comes back as a negative number.
func (p *Process) Syscall(num SystemCallNumber, args ...uint64) int64 {
	ctx := &InterruptContext{RAX: uint64(num)}
	regs := []*uint64{&ctx.RDI, &ctx.RSI, &ctx.RDX}
	for i, a := range args {
		if i < len(regs) {
			*regs[i] = a
		}
	}
	p.k.SystemCallHandler(p, ctx)
	return int64(ctx.RAX)
}

// fault terminates p for touching memory it does not own.
func (k *Kernel) fault(p *Process, err error) {
	k.sysLog.Debug("user fault", "pid", p.PID, "error", err)
	p.Exit(-1)
}

func (k *Kernel) userString(p *Process, ptr uintptr) string {
	if err := p.as.Validate(ptr); err != nil {
		k.fault(p, err)
	}
	s, err := p.as.CopyInString(ptr, pathMax)
	if err != nil {
		k.fault(p, err)
	}
	return s
}

func (k *Kernel) sysFork(p *Process, namePtr uintptr) int64 {
	name := k.userString(p, namePtr)
	pid, err := p.Fork(name)
	if err != nil {
		k.sysLog.Debug("fork failed", "pid", p.PID, "error", err)
		return -1
	}
	return int64(pid)
}

func (k *Kernel) sysExec(p *Process, cmdPtr uintptr) {
	cmd := k.userString(p, cmdPtr)
	if err := p.Exec(cmd); err != nil {
		k.sysLog.Debug("exec failed", "pid", p.PID, "error", err)
		p.Exit(-1)
	}
}
