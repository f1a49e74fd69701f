package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/task"
	"github.com/mihkeltiks/rec-replay/trace"
)

func sessionWithTasks(priorities map[int]int) *Session {
	s := newSession(KindRecord, Config{})
	for recTid, priority := range priorities {
		t := task.New(1000+recTid, recTid, s)
		t.Priority = priority
		s.tasks[recTid] = t
	}
	return s
}

func TestSchedulingNextRoundRobins(t *testing.T) {
	s := sessionWithTasks(map[int]int{1: 0, 2: 0, 3: 0})

	seen := map[int]int{}
	for i := 0; i < 6; i++ {
		next := s.SchedulingNext()
		require.NotNil(t, next)
		seen[next.RecTid()]++
	}
	assert.Equal(t, map[int]int{1: 2, 2: 2, 3: 2}, seen)
}

func TestSchedulingNextPrefersHighPriority(t *testing.T) {
	s := sessionWithTasks(map[int]int{1: 0, 2: 5, 3: 0})

	for i := 0; i < 4; i++ {
		next := s.SchedulingNext()
		require.NotNil(t, next)
		assert.Equal(t, 2, next.RecTid())
	}
}

func TestSchedulingNextEmpty(t *testing.T) {
	s := newSession(KindRecord, Config{})
	assert.Nil(t, s.SchedulingNext())
}

func TestAnonymousInodesAreDistinct(t *testing.T) {
	s := newSession(KindRecord, Config{})
	a := s.NextAnonymousInode()
	b := s.NextAnonymousInode()
	assert.NotEqual(t, a, b)

	// counters are per-session, not process-wide
	other := newSession(KindReplay, Config{})
	assert.Equal(t, a, other.NextAnonymousInode())
}

func TestRecTidsAreStable(t *testing.T) {
	s := newSession(KindRecord, Config{})
	assert.Equal(t, 1, s.NextRecTid())
	assert.Equal(t, 2, s.NextRecTid())
}

func TestChecksumOf(t *testing.T) {
	// additive sum over 32-bit little-endian words; the trailing partial
	// word is ignored
	data := []byte{1, 0, 0, 0, 2, 0, 0, 0, 0xff}
	assert.Equal(t, uint32(3), checksumOf(data))
	assert.Equal(t, uint32(0), checksumOf(nil))
}

func TestShouldChecksumModes(t *testing.T) {
	syscallExit := trace.SyscallEvent(unix.SYS_WRITE, trace.ExitingSyscall)
	sched := trace.Event{Type: trace.EventSched}

	none := newSession(KindRecord, Config{ChecksumMode: ChecksumNone})
	assert.False(t, none.shouldChecksum(5, syscallExit))

	all := newSession(KindRecord, Config{ChecksumMode: ChecksumAll})
	assert.True(t, all.shouldChecksum(5, sched))

	bySyscall := newSession(KindRecord, Config{ChecksumMode: ChecksumSyscall})
	assert.True(t, bySyscall.shouldChecksum(5, syscallExit))
	assert.False(t, bySyscall.shouldChecksum(5, sched))
	assert.False(t, bySyscall.shouldChecksum(5, trace.SyscallEvent(unix.SYS_WRITE, trace.EnteringSyscall)))

	from := newSession(KindRecord, Config{ChecksumMode: ChecksumFrom, ChecksumAt: 10})
	assert.False(t, from.shouldChecksum(9, sched))
	assert.True(t, from.shouldChecksum(10, sched))
	assert.True(t, from.shouldChecksum(11, sched))
}

func TestExecutedForReal(t *testing.T) {
	// mmap and exit really run; write, read and clock_gettime are emulated
	assert.True(t, executedForReal(unix.SYS_MMAP))
	assert.True(t, executedForReal(unix.SYS_EXIT))
	assert.False(t, executedForReal(unix.SYS_WRITE))
	assert.False(t, executedForReal(unix.SYS_READ))
	assert.False(t, executedForReal(unix.SYS_CLOCK_GETTIME))
}
