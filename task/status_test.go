package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func status(raw uint32) WaitStatus {
	return WaitStatus{unix.WaitStatus(raw)}
}

func TestClassifyExit(t *testing.T) {
	assert.Equal(t, StopExited, status(0x0000).Classify())
	assert.Equal(t, StopExited, status(0x0100).Classify())
}

func TestClassifyFatalSignal(t *testing.T) {
	assert.Equal(t, StopFatalSignal, status(uint32(unix.SIGKILL)).Classify())
	assert.Equal(t, StopFatalSignal, status(uint32(unix.SIGSEGV)).Classify())
}

func TestClassifySyscallStop(t *testing.T) {
	// sysgood bit distinguishes syscall stops from a plain SIGTRAP
	raw := uint32(unix.SIGTRAP|0x80)<<8 | 0x7f
	assert.Equal(t, StopSyscall, status(raw).Classify())
	assert.True(t, status(raw).SyscallStop())
	assert.Equal(t, unix.SIGTRAP, status(raw).StopSig())
}

func TestClassifyPlainSigtrapIsSignal(t *testing.T) {
	raw := uint32(unix.SIGTRAP)<<8 | 0x7f
	assert.Equal(t, StopSignal, status(raw).Classify())
}

func TestClassifyPtraceEvent(t *testing.T) {
	raw := uint32(unix.SIGTRAP)<<8 | 0x7f | uint32(PtraceEventClone)<<16
	assert.Equal(t, StopPtraceEvent, status(raw).Classify())
	assert.Equal(t, PtraceEventClone, status(raw).PtraceEvent())
}

func TestClassifyGroupStop(t *testing.T) {
	raw := uint32(unix.SIGSTOP)<<8 | 0x7f | uint32(PtraceEventStop)<<16
	assert.Equal(t, StopGroupStop, status(raw).Classify())
}

func TestTimeSliceStatus(t *testing.T) {
	ws := TimeSliceStatus()
	assert.Equal(t, StopSignal, ws.Classify())
	assert.Equal(t, TimeSliceSignal, ws.StopSig())
}

func TestStashPopRestoresWaitStatus(t *testing.T) {
	tsk := New(0, 1, nil)
	tsk.Status = TimeSliceStatus()

	tsk.StashSynthetic(tsk.Status, Siginfo{Signo: int32(TimeSliceSignal)})
	tsk.Status = status(uint32(unix.SIGUSR1)<<8 | 0x7f)

	si := tsk.PopStashSig()
	assert.Equal(t, int32(TimeSliceSignal), si.Signo)
	assert.Equal(t, TimeSliceStatus(), tsk.Status)
	assert.False(t, tsk.HasStashedSig())
}

func TestDoubleStashPanics(t *testing.T) {
	tsk := New(0, 1, nil)
	tsk.StashSynthetic(TimeSliceStatus(), Siginfo{})

	assert.Panics(t, func() {
		tsk.StashSynthetic(TimeSliceStatus(), Siginfo{})
	})
}

func TestPopWithoutStashPanics(t *testing.T) {
	tsk := New(0, 1, nil)
	assert.Panics(t, func() { tsk.PopStashSig() })
}

func TestEventStack(t *testing.T) {
	tsk := New(0, 1, nil)
	assert.Nil(t, tsk.CurrentEvent())

	tsk.PushEvent(Event{Data: 1})
	tsk.PushEvent(Event{Data: 2})
	assert.Equal(t, int32(2), tsk.CurrentEvent().Data)
	assert.Equal(t, int32(2), tsk.PopEvent().Data)
	assert.Equal(t, int32(1), tsk.PopEvent().Data)
	assert.Panics(t, func() { tsk.PopEvent() })
}

func TestEnteringSyscallToggles(t *testing.T) {
	tsk := New(0, 1, nil)
	assert.True(t, tsk.EnteringSyscall())
	assert.False(t, tsk.EnteringSyscall())
	assert.True(t, tsk.EnteringSyscall())
}
