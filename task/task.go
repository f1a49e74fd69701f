package task

import (
	"encoding/binary"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/proc"
	"github.com/mihkeltiks/rec-replay/utils"
)

// ResumeMode selects how the tracee advances.
type ResumeMode int

const (
	ResumeCont ResumeMode = iota
	ResumeSinglestep
	ResumeSyscall
	ResumeSysemu
	ResumeSysemuSinglestep
)

// x86 sysemu requests; not exported by the unix package
const (
	ptraceSysemu           = 31
	ptraceSysemuSinglestep = 32
)

type WaitMode int

const (
	WaitBlocking WaitMode = iota
	WaitNonblocking
)

// CloneFlags select which parent state a new task shares.
type CloneFlags int

const (
	ShareSighandlers CloneFlags = 1 << iota
	ShareTaskGroup
	ShareVM
)

// watchdog budget before a runaway tracee gets a PTRACE_INTERRUPT; a
// recovery mechanism, not a scheduling primitive
const waitInterruptTimeout = 3 * time.Second

// Owner is the session-side bookkeeping a task notifies as it changes.
type Owner interface {
	proc.DestroyListener
	OnTaskDestroy(t *Task)
	NextAnonymousInode() uint64
}

// Task is the ptrace stub over one tracee thread.
type Task struct {
	tid    int // OS thread id
	recTid int // stable identifier used in the trace

	AS          *proc.AddressSpace
	TG          *TaskGroup
	Sighandlers *Sighandlers

	Status WaitStatus

	regs      Registers
	regsValid bool

	stashedStatus  WaitStatus
	stashedSiginfo Siginfo
	hasStashed     bool

	Priority    int
	BlockedSigs uint64

	// pending events, innermost last
	pendingEvents []Event

	Hpc *PerfCounter

	// ticks at the start of the current time slice
	TicksBase uint64

	// syscall buffer bindings established at preload init
	SyscallbufHdr   uint64
	SyscallbufChild uint64
	SyscallbufSize  uint64
	DeschedFd       int

	ScratchPtr  uint64
	ScratchSize uint64

	TidFutex uint64

	// set while the exit handshake has hijacked SYS_exit
	hijackedExitIP uint64

	// toggles between syscall entry and exit stops
	inSyscall bool

	EnableWaitInterrupt bool

	owner Owner
}

func New(tid, recTid int, owner Owner) *Task {
	return &Task{
		tid:       tid,
		recTid:    recTid,
		Hpc:       NewPerfCounter(tid),
		DeschedFd: -1,
		owner:     owner,
	}
}

func (t *Task) Pid() int {
	return t.tid
}

func (t *Task) RecTid() int {
	return t.recTid
}

// Attach configures the ptrace options the stop classifier depends on. The
// tracee must already be in a ptrace stop.
func (t *Task) Attach() {
	err := unix.PtraceSetOptions(t.tid,
		unix.PTRACE_O_TRACESYSGOOD|unix.PTRACE_O_TRACEFORK|
			unix.PTRACE_O_TRACEVFORK|unix.PTRACE_O_TRACECLONE|
			unix.PTRACE_O_TRACEEXEC|unix.PTRACE_O_TRACEVFORKDONE|
			unix.PTRACE_O_TRACEEXIT|unix.PTRACE_O_TRACESECCOMP)
	utils.Must(err)
}

// Resume advances the tracee and, per waitMode, waits for the next stop.
// The register cache is invalidated. With WaitNonblocking a false return
// means the tracee is still running.
func (t *Task) Resume(mode ResumeMode, waitMode WaitMode, deliverSignal unix.Signal) bool {
	t.regsValid = false

	sig := int(deliverSignal)
	var err error
	switch mode {
	case ResumeCont:
		err = unix.PtraceCont(t.tid, sig)
	case ResumeSinglestep:
		err = t.ptraceRequest(unix.PTRACE_SINGLESTEP, sig)
	case ResumeSyscall:
		err = unix.PtraceSyscall(t.tid, sig)
	case ResumeSysemu:
		err = t.ptraceRequest(ptraceSysemu, sig)
	case ResumeSysemuSinglestep:
		err = t.ptraceRequest(ptraceSysemuSinglestep, sig)
	}
	utils.Must(err)

	if waitMode == WaitBlocking {
		return t.Wait()
	}
	return t.TryWait()
}

func (t *Task) ptraceRequest(req int, sig int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(req), uintptr(t.tid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Wait blocks until the tracee stops. During recording a watchdog applies a
// PTRACE_INTERRUPT after three seconds so a runaway tracee (stuck spinning
// in userspace) comes back under control; an interrupt that races with a
// real stop lets the real stop win.
func (t *Task) Wait() bool {
	logger.Debug("going into blocking waitpid(%d) ...", t.tid)

	interrupted := false
	deadline := time.Now().Add(waitInterruptTimeout)

	for {
		var ws unix.WaitStatus
		ret, err := unix.Wait4(t.tid, &ws, unix.WNOHANG|unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			logger.Fatal("waitpid(%d) failed: %v", t.tid, err)
		}
		if ret == t.tid {
			t.Status = WaitStatus{ws}
			break
		}

		if t.EnableWaitInterrupt && !interrupted && time.Now().After(deadline) {
			logger.Warn("forced to PTRACE_INTERRUPT tracee %d", t.tid)
			unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_INTERRUPT, uintptr(t.tid), 0, 0, 0, 0)
			interrupted = true
		}
		time.Sleep(100 * time.Microsecond)
	}

	logger.Debug("  waitpid(%d) returns status %v", t.tid, t.Status)

	if interrupted && t.Status.PtraceEvent() == PtraceEventStop &&
		(t.Status.StopSig() == unix.SIGTRAP || t.Status.StopSig() == unix.SIGSTOP) {
		// The interrupt landed. Treat this as if the tick counter had
		// fired: stash a synthetic time-slice signal so the scheduler
		// preempts this task through the normal pipeline.
		t.Status = TimeSliceStatus()
		t.stashedStatus = t.Status
		t.stashedSiginfo = Siginfo{
			Signo: int32(TimeSliceSignal),
			Code:  1, // POLL_IN
			Fd:    int32(t.Hpc.Fd()),
		}
		t.hasStashed = true
	} else if interrupted {
		logger.Debug("  PTRACE_INTERRUPT raced with another event %v", t.Status)
	}
	return true
}

// TryWait polls for a stop without blocking.
func (t *Task) TryWait() bool {
	var ws unix.WaitStatus
	ret, err := unix.Wait4(t.tid, &ws, unix.WNOHANG|unix.WALL|unix.WSTOPPED, nil)
	if err != nil || ret < 0 {
		logger.Fatal("waitpid(%d, NOHANG) failed: %v", t.tid, err)
	}
	if ret != t.tid {
		return false
	}
	t.Status = WaitStatus{ws}
	return true
}

// StashSig defers the currently pending signal so another event can be
// processed first. At most one signal may be stashed.
func (t *Task) StashSig() {
	if t.hasStashed {
		logger.Fatal("tried to stash signal %d when %d was already stashed",
			t.Status.StopSig(), t.stashedSiginfo.Signo)
	}
	t.stashedStatus = t.Status
	t.stashedSiginfo = t.GetSiginfo()
	t.hasStashed = true
}

// StashSynthetic records a signal the kernel never delivered, as the wait
// reconciliation does for forced interrupts.
func (t *Task) StashSynthetic(status WaitStatus, si Siginfo) {
	if t.hasStashed {
		logger.Fatal("tried to stash synthetic signal over an existing stash")
	}
	t.stashedStatus = status
	t.stashedSiginfo = si
	t.hasStashed = true
}

func (t *Task) HasStashedSig() bool {
	return t.hasStashed
}

// PopStashSig restores the stashed wait status and returns the deferred
// siginfo.
func (t *Task) PopStashSig() Siginfo {
	if !t.hasStashed {
		logger.Fatal("no stashed signal to pop")
	}
	t.Status = t.stashedStatus
	t.hasStashed = false
	return t.stashedSiginfo
}

// PushEvent/PopEvent maintain the stack of events being processed for this
// task, innermost last.
func (t *Task) PushEvent(ev Event) {
	t.pendingEvents = append(t.pendingEvents, ev)
}

func (t *Task) PopEvent() Event {
	if len(t.pendingEvents) == 0 {
		logger.Fatal("popping from empty event stack of %d", t.tid)
	}
	ev := t.pendingEvents[len(t.pendingEvents)-1]
	t.pendingEvents = t.pendingEvents[:len(t.pendingEvents)-1]
	return ev
}

func (t *Task) CurrentEvent() *Event {
	if len(t.pendingEvents) == 0 {
		return nil
	}
	return &t.pendingEvents[len(t.pendingEvents)-1]
}

// EnteringSyscall flips the entry/exit toggle for syscall stops and reports
// whether this stop is an entry.
func (t *Task) EnteringSyscall() bool {
	t.inSyscall = !t.inSyscall
	return t.inSyscall
}

func (t *Task) InSyscall() bool {
	return t.inSyscall
}

// Ticks reads the retired-branch count for the current slice.
func (t *Task) Ticks() uint64 {
	return t.TicksBase + t.Hpc.Read()
}

// ReadMemFallible reads tracee memory through the address space's mem fd,
// returning a short count instead of failing hard. Right after exec the
// first read can return zero bytes with no error; the fd is then silently
// reopened and the read retried exactly once.
func (t *Task) ReadMemFallible(addr uint64, buf []byte) (int, error) {
	file := t.memFile()
	n, err := file.ReadAt(buf, int64(addr))
	if n == 0 && err == nil {
		if reopenErr := t.reopenMemFd(); reopenErr != nil {
			return 0, reopenErr
		}
		return t.memFile().ReadAt(buf, int64(addr))
	}
	return n, err
}

// ReadMem reads exactly len(buf) bytes or dies.
func (t *Task) ReadMem(addr uint64, buf []byte) {
	n, err := t.ReadMemFallible(addr, buf)
	if n != len(buf) {
		logger.Fatal("read %d of %d bytes at %#x of %d: %v", n, len(buf), addr, t.tid, err)
	}
}

// WriteMem writes through the mem fd, retrying once after a reopen.
func (t *Task) WriteMem(addr uint64, buf []byte) error {
	file := t.memFile()
	n, err := file.WriteAt(buf, int64(addr))
	if n == len(buf) {
		return nil
	}
	if reopenErr := t.reopenMemFd(); reopenErr != nil {
		return reopenErr
	}
	_, err = t.memFile().WriteAt(buf, int64(addr))
	return err
}

func (t *Task) memFile() *os.File {
	if t.AS.MemFile == nil {
		file, err := proc.OpenMemFile(t.tid)
		utils.Must(err)
		t.AS.MemFile = file
	}
	return t.AS.MemFile
}

func (t *Task) reopenMemFd() error {
	if t.AS.MemFile != nil {
		t.AS.MemFile.Close()
		t.AS.MemFile = nil
	}
	file, err := proc.OpenMemFile(t.tid)
	if err != nil {
		return err
	}
	t.AS.MemFile = file
	return nil
}

// Clone creates the task-side state for a child the tracee just spawned.
// Sharing follows the clone flags: signal handler table and address space
// are each either shared or copied; the task group is either shared or a new
// one led by the child.
func (t *Task) Clone(flags CloneFlags, cleartidAddr uint64, newTid, newRecTid int) *Task {
	child := New(newTid, newRecTid, t.owner)
	child.EnableWaitInterrupt = t.EnableWaitInterrupt
	child.Priority = t.Priority
	child.BlockedSigs = t.BlockedSigs

	if flags&ShareSighandlers != 0 {
		child.Sighandlers = t.Sighandlers
	} else {
		child.Sighandlers = t.Sighandlers.Clone()
	}

	if flags&ShareTaskGroup != 0 {
		child.TG = t.TG
	} else {
		child.TG = NewTaskGroup(newTid, newRecTid)
	}
	child.TG.Add(child)

	if flags&ShareVM != 0 {
		child.AS = t.AS
	} else {
		child.AS = t.AS.Clone(t.owner)
	}
	child.AS.AddTask(child)

	child.TidFutex = cleartidAddr

	return child
}

// PostExec rebuilds per-address-space state after a successful execve: user
// signal handlers reset, a fresh address space is populated from the
// kernel's view, and the old space is detached.
func (t *Task) PostExec(exe string) {
	t.Sighandlers.ResetOnExec()

	oldAS := t.AS
	t.AS = proc.NewAddressSpace(exe, t.owner)
	t.AS.PopulateFromKernel(t.tid)
	t.AS.AddTask(t)

	if oldAS != nil {
		// detaching the last task closes the old VM's mem fd; the
		// successor opens its own lazily
		oldAS.RemoveTask(t)
	}

	// the execve's own exit stop is still pending; the entry/exit toggle
	// must survive the address space swap
	t.SyscallbufHdr = 0
	t.SyscallbufChild = 0
	t.SyscallbufSize = 0
	t.ScratchPtr = 0
	t.ScratchSize = 0
}

// HijackExitSyscall redirects a SYS_exit entry to a benign syscall so
// cleanup can run while the tracee is still alive. The original IP is
// remembered, backed up by the length of the syscall instruction, so the
// real exit can be re-issued afterwards.
func (t *Task) HijackExitSyscall() {
	regs := *t.Regs()
	t.hijackedExitIP = regs.Rip - uint64(len(proc.SyscallInsn))
	regs.Orig_rax = unix.SYS_GETTID
	t.SetRegs(&regs)
}

// RestoreHijackedExit re-arms the original SYS_exit after cleanup ran.
func (t *Task) RestoreHijackedExit(exitCode uint64) {
	if t.hijackedExitIP == 0 {
		logger.Fatal("restoring exit that was never hijacked on %d", t.tid)
	}
	regs := *t.Regs()
	regs.Rax = unix.SYS_EXIT
	regs.Rdi = exitCode
	regs.Rip = t.hijackedExitIP
	t.SetRegs(&regs)
	t.hijackedExitIP = 0
}

// Destroy detaches the task from its shared structures and reaps it. When
// the task group is unstable the wait synchronization is skipped; a dying
// group cannot be trusted to report each member.
func (t *Task) Destroy() {
	t.Hpc.Stop()
	if t.DeschedFd >= 0 {
		unix.Close(t.DeschedFd)
		t.DeschedFd = -1
	}

	if t.TidFutex != 0 && !t.TG.Unstable() {
		// the kernel clears the child-tid futex as the task dies and
		// wakes joiners; reaping before that races pthread_join
		buf := make([]byte, 4)
		for i := 0; i < 1000; i++ {
			n, _ := t.ReadMemFallible(t.TidFutex, buf)
			if n != 4 || binary.LittleEndian.Uint32(buf) == 0 {
				break
			}
			time.Sleep(100 * time.Microsecond)
		}
	}

	if !t.TG.Unstable() {
		unix.Kill(t.tid, unix.SIGKILL)
		var ws unix.WaitStatus
		for {
			ret, err := unix.Wait4(t.tid, &ws, unix.WALL, nil)
			if err == unix.EINTR {
				continue
			}
			if err != nil || ret == t.tid {
				break
			}
		}
	}

	t.TG.Remove(t)
	if t.AS != nil {
		t.AS.RemoveTask(t)
	}
	t.owner.OnTaskDestroy(t)
}
