package task

import (
	"encoding/binary"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
)

// raw event encoding for retired conditional branches on Intel cores
// (BR_INST_RETIRED.COND), the replay clock. Counted for user mode only so
// kernel work doesn't perturb the tick stream.
const rbcEventConfig = 0x5101c4

// PerfCounter drives one hardware performance counter on a tracee thread.
// During recording the counter is programmed to overflow at the time-slice
// budget; overflow delivers TimeSliceSignal to the tracee, which ptrace
// routes to the scheduler. During replay it is programmed to overflow at the
// recorded tick count.
type PerfCounter struct {
	tid     int
	fd      int
	started bool
}

func NewPerfCounter(tid int) *PerfCounter {
	return &PerfCounter{tid: tid, fd: -1}
}

func (pc *PerfCounter) attr(samplePeriod uint64) *unix.PerfEventAttr {
	return &unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_RAW,
		Size:        uint32(unix.PERF_ATTR_SIZE_VER1),
		Config:      rbcEventConfig,
		Sample:      samplePeriod,
		Bits:        unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
		Wakeup:      1,
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED,
	}
}

// Start opens and enables the counter, overflowing after samplePeriod ticks.
// A zero period counts without overflow delivery.
func (pc *PerfCounter) Start(samplePeriod uint64) error {
	if pc.started {
		pc.Stop()
	}

	fd, err := unix.PerfEventOpen(pc.attr(samplePeriod), pc.tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return err
	}
	pc.fd = fd

	if samplePeriod != 0 {
		// overflow notification goes to the tracee itself as the
		// time-slice signal
		if err := unix.SetNonblock(fd, true); err != nil {
			pc.Stop()
			return err
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETOWN, pc.tid); err != nil {
			pc.Stop()
			return err
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETSIG, int(TimeSliceSignal)); err != nil {
			pc.Stop()
			return err
		}
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			pc.Stop()
			return err
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_ASYNC); err != nil {
			pc.Stop()
			return err
		}
	}

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		pc.Stop()
		return err
	}
	pc.started = true
	return nil
}

// Read returns the ticks counted since Start.
func (pc *PerfCounter) Read() uint64 {
	if !pc.started {
		return 0
	}
	// value, then time_enabled per the read format
	var buf [16]byte
	n, err := unix.Read(pc.fd, buf[:])
	if err != nil || n < 8 {
		logger.Fatal("reading tick counter of %d: n=%d %v", pc.tid, n, err)
	}
	return binary.LittleEndian.Uint64(buf[:8])
}

func (pc *PerfCounter) Stop() {
	if pc.fd >= 0 {
		unix.IoctlSetInt(pc.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
		unix.Close(pc.fd)
	}
	pc.fd = -1
	pc.started = false
}

func (pc *PerfCounter) Fd() int {
	return pc.fd
}

func (pc *PerfCounter) Started() bool {
	return pc.started
}

// DefaultTicksBudget is the recording time slice, sized so that a busy loop
// is preempted a few hundred times a second on current cores.
const DefaultTicksBudget = 50000

func init() {
	if runtime.GOARCH != "amd64" {
		logger.Fatal("only native x86-64 tracing is supported")
	}
}
