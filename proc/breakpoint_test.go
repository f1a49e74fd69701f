package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeTracee backs AddressSpace memory operations with a plain byte map.
type fakeTracee struct {
	mem       map[uint64]byte
	maxSlots  int
	lastRegs  []WatchConfig
	readFails bool
}

func newFakeTracee() *fakeTracee {
	return &fakeTracee{mem: make(map[uint64]byte), maxSlots: NumDebugRegisters}
}

func (f *fakeTracee) Pid() int { return 1234 }

func (f *fakeTracee) ReadMemFallible(addr uint64, buf []byte) (int, error) {
	if f.readFails {
		return 0, unix.EIO
	}
	for i := range buf {
		buf[i] = f.mem[addr+uint64(i)]
	}
	return len(buf), nil
}

func (f *fakeTracee) WriteMem(addr uint64, buf []byte) error {
	for i, b := range buf {
		f.mem[addr+uint64(i)] = b
	}
	return nil
}

func (f *fakeTracee) SetDebugRegs(configs []WatchConfig) bool {
	f.lastRegs = configs
	return len(configs) <= f.maxSlots
}

func spaceWithTracee() (*AddressSpace, *fakeTracee) {
	as := NewAddressSpace("/bin/test", nil)
	ft := newFakeTracee()
	as.AddTask(ft)
	return as, ft
}

func TestSetBreakpointWritesTrapAndSavesByte(t *testing.T) {
	as, ft := spaceWithTracee()
	ft.mem[0x1000] = 0x55

	require.True(t, as.SetBreakpoint(0x1000, TrapInternal))
	assert.Equal(t, BreakpointInsn, ft.mem[0x1000])

	saved, ok := as.OverwrittenByteAt(0x1000)
	require.True(t, ok)
	assert.Equal(t, byte(0x55), saved)
}

func TestRemoveBreakpointRestoresByteAtZeroRefcount(t *testing.T) {
	as, ft := spaceWithTracee()
	ft.mem[0x1000] = 0x55

	require.True(t, as.SetBreakpoint(0x1000, TrapInternal))
	require.True(t, as.SetBreakpoint(0x1000, TrapInternal))

	as.RemoveBreakpoint(0x1000, TrapInternal)
	assert.Equal(t, BreakpointInsn, ft.mem[0x1000], "refcount still positive")

	as.RemoveBreakpoint(0x1000, TrapInternal)
	assert.Equal(t, byte(0x55), ft.mem[0x1000], "original byte restored")
	assert.Equal(t, TrapNone, as.GetBreakpointTypeAt(0x1000))
}

func TestBreakpointDebuggerWins(t *testing.T) {
	as, ft := spaceWithTracee()
	ft.mem[0x1000] = 0x55

	require.True(t, as.SetBreakpoint(0x1000, TrapInternal))
	require.True(t, as.SetBreakpoint(0x1000, TrapUser))

	// the debugger gets to see the stop before internal machinery
	assert.Equal(t, TrapUser, as.GetBreakpointTypeAt(0x1000))

	as.RemoveBreakpoint(0x1000, TrapUser)
	assert.Equal(t, TrapInternal, as.GetBreakpointTypeAt(0x1000))
}

func TestSetBreakpointFailsWhenUnreadable(t *testing.T) {
	as, ft := spaceWithTracee()
	ft.readFails = true

	assert.False(t, as.SetBreakpoint(0x1000, TrapInternal))
	assert.Equal(t, TrapNone, as.GetBreakpointTypeAt(0x1000))
}

func TestRemoveUnknownBreakpointIsIgnored(t *testing.T) {
	as, _ := spaceWithTracee()
	as.RemoveBreakpoint(0xdead000, TrapInternal)
}

func TestBreakpointTypeForRetiredInsn(t *testing.T) {
	as, ft := spaceWithTracee()
	ft.mem[0x1000] = 0x55

	require.True(t, as.SetBreakpoint(0x1000, TrapUser))
	assert.Equal(t, TrapUser, as.GetBreakpointTypeForRetiredInsn(0x1001))
}

func TestCloneCopiesBreakpointsWithPrivateRefcounts(t *testing.T) {
	as, ft := spaceWithTracee()
	ft.mem[0x1000] = 0x55
	require.True(t, as.SetBreakpoint(0x1000, TrapInternal))

	clone := as.Clone(nil)
	cloneTracee := newFakeTracee()
	cloneTracee.mem[0x1000] = BreakpointInsn
	clone.AddTask(cloneTracee)

	// dropping the clone's reference must not disturb the original
	clone.RemoveBreakpoint(0x1000, TrapInternal)
	assert.Equal(t, TrapNone, clone.GetBreakpointTypeAt(0x1000))
	assert.Equal(t, TrapInternal, as.GetBreakpointTypeAt(0x1000))
	assert.Equal(t, BreakpointInsn, ft.mem[0x1000])
}

func TestSnapshotRestoreBreakpoints(t *testing.T) {
	as, ft := spaceWithTracee()
	ft.mem[0x1000] = 0x55
	require.True(t, as.SetBreakpoint(0x1000, TrapUser))

	snap := as.SnapshotBreakpoints()

	// mutations after the snapshot are undone by the restore
	as.RemoveBreakpoint(0x1000, TrapUser)
	ft.mem[0x2000] = 0x66
	require.True(t, as.SetBreakpoint(0x2000, TrapInternal))

	as.RestoreBreakpoints(snap)
	assert.Equal(t, TrapUser, as.GetBreakpointTypeAt(0x1000))
	assert.Equal(t, TrapNone, as.GetBreakpointTypeAt(0x2000))

	saved, ok := as.OverwrittenByteAt(0x1000)
	require.True(t, ok)
	assert.Equal(t, byte(0x55), saved)

	// the snapshot's refcounts stay private; restoring twice from the
	// same snapshot behaves the same
	as.RemoveBreakpoint(0x1000, TrapUser)
	as.RestoreBreakpoints(snap)
	assert.Equal(t, TrapUser, as.GetBreakpointTypeAt(0x1000))
}

func TestSetWatchpointProgramsEveryTask(t *testing.T) {
	as, ft := spaceWithTracee()

	require.True(t, as.SetWatchpoint(0x2000, 4, WatchWrite))
	require.Len(t, ft.lastRegs, 1)
	assert.Equal(t, WatchWrite, ft.lastRegs[0].Type)
	assert.Equal(t, uint64(0x2000), ft.lastRegs[0].Addr)
}

func TestWatchpointReadImpliesReadWriteSlot(t *testing.T) {
	as, ft := spaceWithTracee()

	require.True(t, as.SetWatchpoint(0x2000, 4, WatchReadWrite))
	require.Len(t, ft.lastRegs, 1)
	assert.Equal(t, WatchReadWrite, ft.lastRegs[0].Type)
}

func TestWatchpointSlotExhaustion(t *testing.T) {
	as, _ := spaceWithTracee()

	for i := 0; i < NumDebugRegisters; i++ {
		require.True(t, as.SetWatchpoint(uint64(0x2000+i*0x100), 4, WatchWrite))
	}
	assert.False(t, as.SetWatchpoint(0x9000, 4, WatchWrite))

	// the logical entry is kept, so removal stays balanced
	as.RemoveWatchpoint(0x9000, 4, WatchWrite)
	assert.True(t, as.SetWatchpoint(0x2000, 4, WatchWrite))
}

func TestRemoveWatchpointDropsSlot(t *testing.T) {
	as, ft := spaceWithTracee()

	require.True(t, as.SetWatchpoint(0x2000, 4, WatchWrite))
	as.RemoveWatchpoint(0x2000, 4, WatchWrite)
	assert.Len(t, ft.lastRegs, 0)
}
