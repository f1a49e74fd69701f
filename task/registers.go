package task

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/proc"
	"github.com/mihkeltiks/rec-replay/utils"
)

// Registers is the cached register file of a stopped task, in the kernel's
// ptrace layout for the native architecture.
type Registers = unix.PtraceRegs

// Regs returns the cached register file, refreshing the cache from the
// kernel if it was invalidated by a resume.
func (t *Task) Regs() *Registers {
	if !t.regsValid {
		err := unix.PtraceGetRegs(t.tid, &t.regs)
		if err != nil {
			logger.Error("error getting registers of %d: %v", t.tid, err)
			utils.Must(err)
		}
		t.regsValid = true
	}
	return &t.regs
}

func (t *Task) SetRegs(regs *Registers) {
	t.regs = *regs
	t.regsValid = true
	err := unix.PtraceSetRegs(t.tid, regs)
	utils.Must(err)
}

func (t *Task) IP() uint64 {
	return t.Regs().Rip
}

func (t *Task) SetIP(ip uint64) {
	regs := *t.Regs()
	regs.Rip = ip
	t.SetRegs(&regs)
}

// MoveIPBackOverTrap rewinds the instruction pointer over a just-executed
// trap instruction.
func (t *Task) MoveIPBackOverTrap() {
	regs := *t.Regs()
	regs.Rip -= 1
	t.SetRegs(&regs)
}

// the syscall number register at entry, and the result register at exit
func (t *Task) SyscallNo() int64 {
	return int64(t.Regs().Orig_rax)
}

func (t *Task) SyscallResult() int64 {
	return int64(t.Regs().Rax)
}

func (t *Task) SyscallArgs() [6]uint64 {
	regs := t.Regs()
	return [6]uint64{regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9}
}

// Siginfo mirrors the kernel siginfo_t prefix plus the fd field used by
// counter overflow delivery.
type Siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	// union payload; Band/Fd layout of the SIGPOLL case. Padded to the
	// kernel's 128-byte siginfo_t, which PTRACE_GETSIGINFO fills whole.
	Band int64
	Fd   int32
	_    [100]byte
}

func (t *Task) GetSiginfo() Siginfo {
	var si Siginfo
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO,
		uintptr(t.tid), 0, uintptr(unsafe.Pointer(&si)), 0, 0)
	if errno != 0 {
		logger.Fatal("PTRACE_GETSIGINFO on %d: %v", t.tid, errno)
	}
	return si
}

// offset of u_debugreg in struct user on x86-64
const debugRegUserOffset = 848

// SetDebugRegs programs the task's hardware debug registers from the given
// watch configs. Returns false when the configs exceed the hardware budget.
func (t *Task) SetDebugRegs(configs []proc.WatchConfig) bool {
	dr7, ok := proc.DebugControl(configs)
	if !ok {
		return false
	}
	// disable everything before touching addresses
	if err := t.pokeUser(debugRegUserOffset+7*8, 0); err != nil {
		return false
	}
	for slot, conf := range configs {
		if err := t.pokeUser(uintptr(debugRegUserOffset+slot*8), conf.Addr); err != nil {
			return false
		}
	}
	if err := t.pokeUser(debugRegUserOffset+6*8, 0); err != nil {
		return false
	}
	return t.pokeUser(debugRegUserOffset+7*8, dr7) == nil
}

func (t *Task) pokeUser(off uintptr, val uint64) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_POKEUSR,
		uintptr(t.tid), off, uintptr(val), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
