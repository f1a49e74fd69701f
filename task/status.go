package task

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// TimeSliceSignal is delivered when the retired-branch counter overflows the
// scheduling budget; the only legitimate source of preemption.
const TimeSliceSignal = unix.SIGSTKFLT

// DeschedSignal is raised in the tracee when a buffered syscall blocks.
const DeschedSignal = unix.SIGSYS

// ptrace event codes carried in the upper bits of a wait status
const (
	PtraceEventFork      = unix.PTRACE_EVENT_FORK
	PtraceEventVfork     = unix.PTRACE_EVENT_VFORK
	PtraceEventClone     = unix.PTRACE_EVENT_CLONE
	PtraceEventExec      = unix.PTRACE_EVENT_EXEC
	PtraceEventVforkDone = unix.PTRACE_EVENT_VFORK_DONE
	PtraceEventExit      = unix.PTRACE_EVENT_EXIT
	PtraceEventSeccomp   = unix.PTRACE_EVENT_SECCOMP
	PtraceEventStop      = 128 // group-stop marker under PTRACE_SEIZE
)

// StopKind classifies why a wait returned.
type StopKind int

const (
	StopNotStopped StopKind = iota
	StopExited
	StopFatalSignal
	StopSyscall // sysgood bit set: syscall entry or exit
	StopPtraceEvent
	StopGroupStop
	StopSignal
)

func (k StopKind) String() string {
	return map[StopKind]string{
		StopNotStopped:  "not-stopped",
		StopExited:      "exited",
		StopFatalSignal: "fatal-signal",
		StopSyscall:     "syscall",
		StopPtraceEvent: "ptrace-event",
		StopGroupStop:   "group-stop",
		StopSignal:      "signal",
	}[k]
}

// WaitStatus wraps a raw wait status with the classification helpers the
// scheduler needs.
type WaitStatus struct {
	unix.WaitStatus
}

func (ws WaitStatus) PtraceEvent() int {
	return int(ws.WaitStatus) >> 16 & 0xff
}

// StopSig is the stopping signal with the sysgood bit masked away.
func (ws WaitStatus) StopSig() unix.Signal {
	return ws.StopSignal() &^ 0x80
}

// SyscallStop reports a stop at syscall entry or exit. PTRACE_O_TRACESYSGOOD
// makes these distinguishable from a plain SIGTRAP.
func (ws WaitStatus) SyscallStop() bool {
	return ws.Stopped() && ws.StopSignal() == unix.SIGTRAP|0x80
}

func (ws WaitStatus) Classify() StopKind {
	switch {
	case ws.Exited():
		return StopExited
	case ws.Signaled():
		return StopFatalSignal
	case !ws.Stopped():
		return StopNotStopped
	case ws.SyscallStop():
		return StopSyscall
	case ws.PtraceEvent() == PtraceEventStop:
		return StopGroupStop
	case ws.PtraceEvent() != 0:
		return StopPtraceEvent
	default:
		return StopSignal
	}
}

func (ws WaitStatus) String() string {
	return fmt.Sprintf("%#x (%v)", uint32(ws.WaitStatus), ws.Classify())
}

// TimeSliceStatus synthesizes the wait status a time-slice overflow delivery
// produces, for reconciling a PTRACE_INTERRUPT with a racing stop.
func TimeSliceStatus() WaitStatus {
	return WaitStatus{unix.WaitStatus(uint32(TimeSliceSignal)<<8 | 0x7f)}
}
