package trace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testWriter(t *testing.T) *Writer {
	t.Setenv("_RR_TRACE_DIR", t.TempDir())
	w, err := NewWriter("/bin/true")
	require.NoError(t, err)
	return w
}

func reopen(t *testing.T, w *Writer) *Reader {
	r, err := NewReader(w.Dir())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func syscallFrame(tid int32, no int64, state SyscallState, ticks uint64) Frame {
	f := Frame{
		Tid:          tid,
		Event:        SyscallEvent(no, state),
		Ticks:        ticks,
		MonotonicSec: 0.25,
		Arch:         ArchX8664,
	}
	f.Regs.Orig_rax = uint64(no)
	f.Regs.Rip = 0x7f0000001000
	return f
}

func TestFrameRoundTrip(t *testing.T) {
	w := testWriter(t)

	in := []Frame{
		syscallFrame(1, unix.SYS_WRITE, EnteringSyscall, 10),
		syscallFrame(1, unix.SYS_WRITE, ExitingSyscall, 12),
		{Tid: 1, Event: Event{Type: EventSched}, Ticks: 5000, Arch: ArchX8664},
		{Tid: 2, Event: SignalEvent(unix.SIGALRM), Ticks: 7000, Arch: ArchX8664},
	}
	for i := range in {
		w.WriteFrame(&in[i])
	}
	w.Close()

	r := reopen(t, w)
	for i := range in {
		f, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), f.GlobalTime, "global times are 1,2,3,... with no gaps")
		assert.Equal(t, in[i].Tid, f.Tid)
		assert.Equal(t, in[i].Event, f.Event)
		assert.Equal(t, in[i].Ticks, f.Ticks)
		if f.HasExecInfo() {
			assert.Equal(t, in[i].Regs, f.Regs)
		}
	}

	last, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, EventTraceTermination, last.Event.Type)
}

func TestPeekFrameIsIdempotent(t *testing.T) {
	w := testWriter(t)
	f := syscallFrame(1, unix.SYS_READ, EnteringSyscall, 1)
	w.WriteFrame(&f)
	w.Close()

	r := reopen(t, w)
	p1, err := r.PeekFrame()
	require.NoError(t, err)
	p2, err := r.PeekFrame()
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	read, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, p1, read)
}

func TestRewind(t *testing.T) {
	w := testWriter(t)
	f1 := syscallFrame(1, unix.SYS_READ, EnteringSyscall, 1)
	f2 := syscallFrame(1, unix.SYS_READ, ExitingSyscall, 2)
	w.WriteFrame(&f1)
	w.WriteFrame(&f2)
	w.WriteRawData(1, 0x5000, []byte("abc"))
	w.Close()

	r := reopen(t, w)
	first, err := r.ReadFrame()
	require.NoError(t, err)
	_, err = r.ReadFrame()
	require.NoError(t, err)

	r.Rewind()
	again, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, uint64(1), again.GlobalTime)
}

func TestRawDataPairing(t *testing.T) {
	w := testWriter(t)

	f1 := syscallFrame(1, unix.SYS_WRITE, ExitingSyscall, 1)
	w.WriteRawData(1, 0x5000, []byte("hi\n"))
	w.WriteFrame(&f1)

	f2 := syscallFrame(1, unix.SYS_READ, ExitingSyscall, 2)
	w.WriteRawData(1, 0x6000, []byte{1, 2, 3, 4})
	w.WriteFrame(&f2)
	w.Close()

	r := reopen(t, w)
	frame1, err := r.ReadFrame()
	require.NoError(t, err)

	rd, ok := r.ReadRawDataForFrame(&frame1)
	require.True(t, ok)
	assert.Equal(t, int32(1), rd.RecTid)
	assert.Equal(t, uint64(0x5000), rd.Addr)
	assert.Equal(t, []byte("hi\n"), rd.Data)

	// the second record belongs to a later frame; peek must not consume
	_, ok = r.ReadRawDataForFrame(&frame1)
	assert.False(t, ok)

	frame2, err := r.ReadFrame()
	require.NoError(t, err)
	rd, ok = r.ReadRawDataForFrame(&frame2)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, rd.Data)
}

func TestMappedRegionRoundTrip(t *testing.T) {
	w := testWriter(t)

	mr := MappedRegion{
		Tid:    1,
		Start:  0x7f0000000000,
		End:    0x7f0000002000,
		Prot:   int32(unix.PROT_READ),
		Flags:  int32(unix.MAP_PRIVATE),
		Offset: 0x1000,
	}
	recordInTrace := w.WriteMappedRegion(&mr, RegionAnonymous, "")
	assert.False(t, recordInTrace)

	f := syscallFrame(1, unix.SYS_MMAP, ExitingSyscall, 1)
	w.WriteFrame(&f)
	w.Close()

	r := reopen(t, w)
	frame, err := r.ReadFrame()
	require.NoError(t, err)

	got, ok := r.ReadMappedRegionForFrame(&frame)
	require.True(t, ok)
	assert.Equal(t, SourceZero, got.Source)
	assert.Equal(t, mr.Start, got.Start)
	assert.Equal(t, mr.End, got.End)

	_, ok = r.ReadMappedRegionForFrame(&frame)
	assert.False(t, ok)
}

func TestSysVRegionsAreCopiedIntoTrace(t *testing.T) {
	w := testWriter(t)
	mr := MappedRegion{Tid: 1, Start: 0x1000, End: 0x2000, Fsname: "/SYSV00000001"}
	assert.True(t, w.WriteMappedRegion(&mr, RegionSysV, ""))
	assert.Equal(t, SourceTrace, mr.Source)
	w.Close()
}

func TestTaskEventRoundTrip(t *testing.T) {
	w := testWriter(t)
	w.WriteTaskEvent(&TaskEvent{Type: TaskEventClone, Tid: 2, ParentTid: 1, CloneFlags: 0x11})
	w.WriteTaskEvent(&TaskEvent{Type: TaskEventExec, Tid: 1, ExePath: "/bin/true"})
	w.WriteTaskEvent(&TaskEvent{Type: TaskEventExit, Tid: 2, ExitStatus: 7})
	w.Close()

	r := reopen(t, w)
	clone, err := r.ReadTaskEvent()
	require.NoError(t, err)
	assert.Equal(t, TaskEventClone, clone.Type)
	assert.Equal(t, int32(2), clone.Tid)
	assert.Equal(t, int32(1), clone.ParentTid)
	assert.Equal(t, int32(0x11), clone.CloneFlags)

	exec, err := r.ReadTaskEvent()
	require.NoError(t, err)
	assert.Equal(t, "/bin/true", exec.ExePath)

	exit, err := r.ReadTaskEvent()
	require.NoError(t, err)
	assert.Equal(t, int32(7), exit.ExitStatus)
}

func TestGenericRoundTrip(t *testing.T) {
	w := testWriter(t)
	w.WriteGeneric([]byte(`{"exe":"/bin/true"}`))
	w.Close()

	r := reopen(t, w)
	data, err := r.ReadGeneric()
	require.NoError(t, err)
	assert.Equal(t, `{"exe":"/bin/true"}`, string(data))
}

func TestVersionMismatchRefused(t *testing.T) {
	w := testWriter(t)
	w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(w.Dir(), "version"), []byte("9999\nabcd\n"), 0600))
	_, err := NewReader(w.Dir())
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestLatestTraceSymlink(t *testing.T) {
	w := testWriter(t)
	w.Close()

	target, err := os.Readlink(LatestTraceSymlink())
	require.NoError(t, err)
	assert.Equal(t, w.Dir(), target)

	// a second recording wins the symlink
	w2, err := NewWriter("/bin/true")
	require.NoError(t, err)
	w2.Close()
	target, err = os.Readlink(LatestTraceSymlink())
	require.NoError(t, err)
	assert.Equal(t, w2.Dir(), target)
}

func TestTraceDirNamesAreFresh(t *testing.T) {
	t.Setenv("_RR_TRACE_DIR", t.TempDir())
	w1, err := NewWriter("/bin/true")
	require.NoError(t, err)
	w2, err := NewWriter("/bin/true")
	require.NoError(t, err)
	assert.NotEqual(t, w1.Dir(), w2.Dir())
	w1.Close()
	w2.Close()
}

func TestLargePayloadSpansBlocks(t *testing.T) {
	w := testWriter(t)

	big := make([]byte, 3*1024*1024)
	for i := range big {
		big[i] = byte(i * 31)
	}
	w.WriteRawData(1, 0x5000, big)
	f := syscallFrame(1, unix.SYS_READ, ExitingSyscall, 1)
	w.WriteFrame(&f)
	w.Close()

	r := reopen(t, w)
	frame, err := r.ReadFrame()
	require.NoError(t, err)
	rd, ok := r.ReadRawDataForFrame(&frame)
	require.True(t, ok)
	assert.Equal(t, big, rd.Data)
}
