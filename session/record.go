package session

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/patcher"
	"github.com/mihkeltiks/rec-replay/proc"
	"github.com/mihkeltiks/rec-replay/task"
	"github.com/mihkeltiks/rec-replay/trace"
	"github.com/mihkeltiks/rec-replay/utils"
)

// rendezvous syscall numbers the preload library uses to talk to the
// engine; picked from the unused range so a real kernel rejects them with
// ENOSYS when run outside the engine
const (
	RRCallInitPreload = 442
	RRCallInitBuffers = 443
)

// SyscallDispatcher is the hook point for the full per-syscall argument
// dispatcher, which lives outside the core. Return false to fall back to
// the core's built-in handling of mmap-class and demo syscalls.
type SyscallDispatcher interface {
	RecordSyscallExit(t *task.Task, w *trace.Writer) bool
}

// Recorder drives a tracee tree and writes the trace.
type Recorder struct {
	*Session

	writer *trace.Writer

	dispatcher SyscallDispatcher

	startTime time.Time
	cmd       *exec.Cmd
}

// NewRecorder spawns the target under ptrace and prepares the trace
// directory.
func NewRecorder(exe string, args []string, config Config) (*Recorder, error) {
	writer, err := trace.NewWriter(exe)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		Session:   newSession(KindRecord, config),
		writer:    writer,
		startTime: time.Now(),
	}

	if err := r.spawnTracee(exe, args); err != nil {
		return nil, err
	}
	return r, nil
}

// spawnTracee launches the target under ptrace and builds the initial task
// around its first stop, the trap delivered right after the target's exec.
func (r *Recorder) spawnTracee(exe string, args []string) error {
	// ptrace calls depend on per-thread state; the whole record loop
	// stays on one OS thread
	runtime.LockOSThread()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start %s: %w", exe, err)
	}
	r.cmd = cmd
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WALL, nil); err != nil {
		return err
	}

	t := task.New(pid, r.NextRecTid(), r.Session)
	t.EnableWaitInterrupt = true
	t.Sighandlers = task.NewSighandlers()
	t.TG = task.NewTaskGroup(pid, t.RecTid())
	t.TG.Add(t)
	t.AS = proc.NewAddressSpace(exe, r.Session)
	t.AS.AddTask(t)
	t.Status = task.WaitStatus{WaitStatus: ws}
	t.Attach()

	// the spawn trap fires after the target's exec, so the kernel's view
	// is authoritative from the first stop
	t.AS.PopulateFromKernel(pid)
	r.canValidate = true
	t.FindVdsoSyscallIP()

	r.registerTask(t)
	r.patcherFor(t.AS).PatchAfterExec(t)
	t.MapRRPage()

	r.writeSpawnMetadata(exe, args)
	r.writer.WriteTaskEvent(&trace.TaskEvent{
		Type:    trace.TaskEventExec,
		Tid:     int32(t.RecTid()),
		ExePath: exe,
	})

	utils.Must(t.Hpc.Start(task.DefaultTicksBudget))

	logger.Info("recording %s (pid %d)", exe, pid)
	return nil
}

// SetDispatcher attaches the full per-syscall dispatcher. Without one, the
// core's built-in handling covers the mmap class and the demo syscalls.
func (r *Recorder) SetDispatcher(d SyscallDispatcher) {
	r.dispatcher = d
}

func (r *Recorder) writeSpawnMetadata(exe string, args []string) {
	meta, err := json.Marshal(map[string]interface{}{
		"exe":     exe,
		"args":    args,
		"cpuArch": runtime.GOARCH,
	})
	utils.Must(err)
	r.writer.WriteGeneric(meta)
}

// Record runs the tracee tree to completion.
func (r *Recorder) Record() error {
	defer r.writer.Close()

	for r.TaskCount() > 0 {
		t := r.SchedulingNext()
		r.recordStep(t)
	}

	logger.Info("recording finished after %v", time.Since(r.startTime).Round(time.Millisecond))
	return nil
}

// recordStep advances one task to its next event and records it.
func (r *Recorder) recordStep(t *task.Task) {
	if t.HasStashedSig() {
		si := t.PopStashSig()
		r.handleSignalStop(t, unix.Signal(si.Signo))
		return
	}

	if !t.Resume(task.ResumeSyscall, task.WaitBlocking, 0) {
		return
	}
	if t.HasStashedSig() {
		// the wait reconciliation stashed a synthetic time-slice signal
		si := t.PopStashSig()
		r.handleSignalStop(t, unix.Signal(si.Signo))
		return
	}
	r.dispatchStop(t)
}

func (r *Recorder) dispatchStop(t *task.Task) {
	switch t.Status.Classify() {
	case task.StopExited:
		r.handleExit(t, int32(t.Status.ExitStatus()))
	case task.StopFatalSignal:
		r.handleFatalSignal(t)
	case task.StopSyscall:
		r.handleSyscallStop(t)
	case task.StopPtraceEvent:
		r.handlePtraceEvent(t)
	case task.StopGroupStop:
		// nothing to record; the group stop resolves when the stopping
		// signal is delivered or cleared
		logger.Debug("group stop of %d", t.Pid())
	case task.StopSignal:
		r.handleSignalStop(t, t.Status.StopSig())
	default:
		logger.Fatal("unhandled stop %v of %d", t.Status, t.Pid())
	}
}

func (r *Recorder) writeFrame(t *task.Task, ev trace.Event) {
	f := trace.Frame{
		Tid:          int32(t.RecTid()),
		Event:        ev,
		Ticks:        t.Ticks(),
		MonotonicSec: time.Since(r.startTime).Seconds(),
	}
	if ev.HasExecInfo() {
		f.Arch = trace.ArchX8664
		f.Regs = *t.Regs()
		f.ExtraRegFormat = trace.ExtraRegFormatNone
	}
	frameTime := r.writer.Time()
	r.writer.WriteFrame(&f)

	r.maybeChecksum(t, frameTime, ev)
	r.maybeDump(t, frameTime)
	r.pushStatus("recording", frameTime)
}

func (r *Recorder) handleSyscallStop(t *task.Task) {
	if t.EnteringSyscall() {
		r.handleSyscallEntry(t)
	} else {
		r.handleSyscallExit(t)
	}
}

// maybeFlushSyscallbuf commits the records the preload library batched in
// the tracee-side buffer since the last traced event.
func (r *Recorder) maybeFlushSyscallbuf(t *task.Task) {
	if t.SyscallbufHdr == 0 {
		return
	}
	hdr := make([]byte, 4)
	t.ReadMem(t.SyscallbufHdr, hdr)
	numRecBytes := binary.LittleEndian.Uint32(hdr)
	if numRecBytes == 0 {
		return
	}
	data := make([]byte, syscallbufHdrSize+uint64(numRecBytes))
	t.ReadMem(t.SyscallbufHdr, data)
	r.writer.WriteRawData(int32(t.RecTid()), t.SyscallbufHdr, data)
	r.writeFrame(t, trace.Event{Type: trace.EventSyscallbufFlush})
}

func (r *Recorder) handleSyscallEntry(t *task.Task) {
	sysno := t.SyscallNo()
	r.maybeFlushSyscallbuf(t)

	switch sysno {
	case RRCallInitPreload:
		params := patcher.ReadPreloadInitParams(t, t.SyscallArgs()[0])
		if r.config.UseSyscallBuffer != params.SyscallbufEnabled {
			logger.Fatal("tracee thinks syscallbuf is %v, tracer thinks %v",
				params.SyscallbufEnabled, r.config.UseSyscallBuffer)
		}
		r.patcherFor(t.AS).PatchAtPreloadInit(t, params)
	case RRCallInitBuffers:
		args := t.SyscallArgs()
		t.SyscallbufChild = args[0]
		t.SyscallbufHdr = args[0]
		t.SyscallbufSize = args[1]
		t.DeschedFd = int(args[2])
		logger.Debug("task %d bound syscallbuf at %#x (%d bytes)", t.RecTid(), args[0], args[1])
	case unix.SYS_EXIT, unix.SYS_EXIT_GROUP:
		r.handleExitSyscall(t, sysno)
		return
	}

	t.PushEvent(trace.SyscallEvent(sysno, trace.EnteringSyscall))
	r.writeFrame(t, trace.SyscallEvent(sysno, trace.EnteringSyscall))
}

func (r *Recorder) handleSyscallExit(t *task.Task) {
	ev := t.PopEvent()
	if ev.Type != trace.EventSyscall {
		logger.Fatal("syscall exit of %d while processing %v", t.Pid(), ev)
	}
	sysno := int64(ev.Data)

	// effects first: raw data and mmaps entries written now share the
	// global time of the frame that follows
	r.recordSyscallExitEffects(t, sysno)
	r.writeFrame(t, trace.SyscallEvent(sysno, trace.ExitingSyscall))
}

// handleExitSyscall runs the exit handshake: the syscall number is hijacked
// to a benign one so the task stays alive while the engine finishes its
// bookkeeping, then the real exit is re-issued.
func (r *Recorder) handleExitSyscall(t *task.Task, sysno int64) {
	exitCode := t.SyscallArgs()[0]

	t.HijackExitSyscall()
	t.Resume(task.ResumeSyscall, task.WaitBlocking, 0) // gettid completes
	t.EnteringSyscall()                                // keep the toggle balanced

	r.writeFrame(t, trace.Event{Type: trace.EventExit, Data: int32(exitCode)})
	r.writer.WriteTaskEvent(&trace.TaskEvent{
		Type:       trace.TaskEventExit,
		Tid:        int32(t.RecTid()),
		ExitStatus: int32(exitCode),
	})

	if sysno == unix.SYS_EXIT_GROUP {
		t.TG.Destabilize()
	}

	t.RestoreHijackedExit(exitCode)
	t.Resume(task.ResumeCont, task.WaitBlocking, 0)
	t.Destroy()
}

func (r *Recorder) handleExit(t *task.Task, status int32) {
	r.writer.WriteTaskEvent(&trace.TaskEvent{
		Type:       trace.TaskEventExit,
		Tid:        int32(t.RecTid()),
		ExitStatus: status,
	})
	t.Destroy()
}

func (r *Recorder) handleFatalSignal(t *task.Task) {
	sig := unix.Signal(t.Status.Signal())
	logger.Info("task %d killed by %v", t.RecTid(), sig)

	// reaping a group whose members are dying of a fatal signal must not
	// wait for each one; they may never report
	t.TG.Destabilize()

	r.writer.WriteTaskEvent(&trace.TaskEvent{
		Type:       trace.TaskEventExit,
		Tid:        int32(t.RecTid()),
		ExitStatus: int32(sig),
	})
	t.Destroy()
}

func (r *Recorder) handleSignalStop(t *task.Task, sig unix.Signal) {
	if sig == task.TimeSliceSignal {
		// the tick counter fired: this is a preemption opportunity
		r.writeFrame(t, trace.Event{Type: trace.EventSched})
		t.TicksBase = t.Ticks()
		utils.Must(t.Hpc.Start(task.DefaultTicksBudget))
		return
	}

	si := t.GetSiginfo()
	siBytes := make([]byte, 16)
	binary.LittleEndian.PutUint32(siBytes[0:], uint32(si.Signo))
	binary.LittleEndian.PutUint32(siBytes[4:], uint32(si.Errno))
	binary.LittleEndian.PutUint32(siBytes[8:], uint32(si.Code))
	binary.LittleEndian.PutUint32(siBytes[12:], uint32(si.Fd))
	r.writer.WriteRawData(int32(t.RecTid()), 0, siBytes)
	r.writeFrame(t, trace.SignalEvent(sig))

	// deliver on the next resume
	if !t.Resume(task.ResumeSyscall, task.WaitBlocking, sig) {
		return
	}
	r.dispatchStop(t)
}

func (r *Recorder) handlePtraceEvent(t *task.Task) {
	switch t.Status.PtraceEvent() {
	case task.PtraceEventFork, task.PtraceEventVfork, task.PtraceEventClone:
		r.handleCloneEvent(t)
	case task.PtraceEventExec:
		r.handleExecEvent(t)
	case task.PtraceEventExit:
		// the exit itself was recorded at the syscall entry; let the
		// task finish dying
		logger.Debug("exit event of %d", t.Pid())
	case task.PtraceEventSeccomp, task.PtraceEventVforkDone:
		logger.Debug("ptrace event %d of %d", t.Status.PtraceEvent(), t.Pid())
	default:
		logger.Fatal("unhandled ptrace event %d of %d", t.Status.PtraceEvent(), t.Pid())
	}
}

func (r *Recorder) handleCloneEvent(t *task.Task) {
	newTidMsg, err := unix.PtraceGetEventMsg(t.Pid())
	utils.Must(err)
	newTid := int(newTidMsg)

	// sharing bits come from the clone arguments still in the registers
	var shareBits task.CloneFlags
	var cleartid uint64
	rawFlags := uint64(0)
	if t.Status.PtraceEvent() == task.PtraceEventClone {
		args := t.SyscallArgs()
		rawFlags = args[0]
		cleartid = args[3]
		if rawFlags&unix.CLONE_SIGHAND != 0 {
			shareBits |= task.ShareSighandlers
		}
		if rawFlags&unix.CLONE_THREAD != 0 {
			shareBits |= task.ShareTaskGroup
		}
		if rawFlags&unix.CLONE_VM != 0 {
			shareBits |= task.ShareVM
		}
	}

	// the child arrives in a SIGSTOP; collect it before touching it
	var ws unix.WaitStatus
	for {
		ret, err := unix.Wait4(newTid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		utils.Must(err)
		if ret == newTid {
			break
		}
	}

	child := t.Clone(shareBits, cleartid, newTid, r.NextRecTid())
	child.Status = task.WaitStatus{WaitStatus: ws}
	r.registerTask(child)
	utils.Must(child.Hpc.Start(task.DefaultTicksBudget))

	r.writer.WriteTaskEvent(&trace.TaskEvent{
		Type:       trace.TaskEventClone,
		Tid:        int32(child.RecTid()),
		ParentTid:  int32(t.RecTid()),
		CloneFlags: int32(rawFlags),
	})
	logger.Debug("task %d cloned to %d (tid %d)", t.RecTid(), child.RecTid(), newTid)
}

func (r *Recorder) handleExecEvent(t *task.Task) {
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", t.Pid()))
	if err != nil {
		exe = t.AS.Exe
	}

	t.PostExec(exe)
	r.spaces[t.AS] = true
	r.canValidate = true

	t.FindVdsoSyscallIP()
	r.patcherFor(t.AS).PatchAfterExec(t)
	t.MapRRPage()

	r.writer.WriteTaskEvent(&trace.TaskEvent{
		Type:    trace.TaskEventExec,
		Tid:     int32(t.RecTid()),
		ExePath: exe,
	})
	r.writeFrame(t, trace.Event{Type: trace.EventExec})
	logger.Debug("task %d execed %s", t.RecTid(), exe)
}

// recordSyscallExitEffects applies the memory and address-space effects of
// the syscalls the core understands. Everything else goes through the
// external dispatcher when one is attached.
func (r *Recorder) recordSyscallExitEffects(t *task.Task, sysno int64) {
	if r.dispatcher != nil && r.dispatcher.RecordSyscallExit(t, r.writer) {
		return
	}

	result := t.SyscallResult()
	args := t.SyscallArgs()

	switch sysno {
	case unix.SYS_MMAP:
		if result >= 0 || result < -4096 {
			r.recordMmap(t, uint64(result), args)
		}
	case unix.SYS_MUNMAP:
		if result == 0 {
			t.AS.Unmap(args[0], utils.CeilPageSize(args[1]))
			r.verifyIfEnabled(t)
		}
	case unix.SYS_MPROTECT:
		if result == 0 {
			t.AS.Protect(args[0], utils.CeilPageSize(args[1]), int(args[2]))
			r.verifyIfEnabled(t)
		}
	case unix.SYS_MREMAP:
		if result >= 0 || result < -4096 {
			t.AS.Remap(args[0], args[1], uint64(result), args[2])
			r.recordRemapRegion(t, uint64(result), args[2])
			r.verifyIfEnabled(t)
		}
	case unix.SYS_BRK:
		r.recordBrk(t, uint64(result))
	case unix.SYS_WRITE:
		if result > 0 {
			data := make([]byte, result)
			t.ReadMem(args[1], data)
			r.writer.WriteRawData(int32(t.RecTid()), args[1], data)
		}
	case unix.SYS_READ:
		if result > 0 {
			data := make([]byte, result)
			t.ReadMem(args[1], data)
			r.writer.WriteRawData(int32(t.RecTid()), args[1], data)
		}
	case unix.SYS_CLOCK_GETTIME:
		r.recordOutStruct(t, args[1], 16)
	case unix.SYS_GETTIMEOFDAY:
		r.recordOutStruct(t, args[0], 16)
	case unix.SYS_TIME:
		r.recordOutStruct(t, args[0], 8)
	}
}

func (r *Recorder) recordOutStruct(t *task.Task, addr uint64, size int) {
	if addr == 0 || t.SyscallResult() < 0 {
		return
	}
	data := make([]byte, size)
	t.ReadMem(addr, data)
	r.writer.WriteRawData(int32(t.RecTid()), addr, data)
}

// recordMmap updates the cache and writes the mmaps entry for a successful
// mmap.
func (r *Recorder) recordMmap(t *task.Task, addr uint64, args [6]uint64) {
	length := utils.CeilPageSize(args[1])
	prot := int(args[2])
	flags := int(args[3])
	fd := int(int32(args[4]))
	offset := int64(args[5])

	mr := trace.MappedRegion{
		Tid:    int32(t.RecTid()),
		Start:  addr,
		End:    addr + length,
		Prot:   int32(prot),
		Flags:  int32(flags),
		Offset: offset,
	}

	var res proc.Resource
	class := trace.RegionFileBacked
	srcPath := ""

	if flags&unix.MAP_ANONYMOUS != 0 {
		res = proc.AnonymousResource(r.NextAnonymousInode())
		class = trace.RegionAnonymous
		offset = 0
	} else {
		srcPath, _ = os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", t.Pid(), fd))
		info := trace.StatFile(srcPath)
		res = proc.Resource{
			Id:     proc.RealDeviceId(info.DevMajor, info.DevMinor, info.Inode),
			Fsname: srcPath,
		}
		mr.DevMajor = info.DevMajor
		mr.DevMinor = info.DevMinor
		mr.Inode = info.Inode
		mr.Fsname = srcPath
		switch {
		case strings.HasPrefix(srcPath, "/SYSV"):
			class = trace.RegionSysV
		case info.Size == 0 && strings.Contains(srcPath, "/dev/zero"):
			class = trace.RegionDevZero
		}
	}

	t.AS.Map(addr, length, prot, flags, offset, res)
	r.verifyIfEnabled(t)

	if r.writer.WriteMappedRegion(&mr, class, srcPath) {
		data := make([]byte, length)
		if n, _ := t.ReadMemFallible(addr, data); n > 0 {
			r.writer.WriteRawData(int32(t.RecTid()), addr, data[:n])
		}
	}
}

// recordRemapRegion notes the moved mapping; contents are reproduced by
// recorded writes, so replay zero-fills it.
func (r *Recorder) recordRemapRegion(t *task.Task, addr uint64, length uint64) {
	mr := trace.MappedRegion{
		Tid:   int32(t.RecTid()),
		Start: addr,
		End:   addr + utils.CeilPageSize(length),
	}
	r.writer.WriteMappedRegion(&mr, trace.RegionRemap, "")
}

func (r *Recorder) recordBrk(t *task.Task, newEnd uint64) {
	if newEnd == 0 {
		return
	}
	if t.AS.Heap().NumBytes() == 0 {
		start := utils.FloorPageSize(newEnd)
		heap := proc.NewMapping(start, utils.CeilPageSize(newEnd),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, 0)
		t.AS.UpdateHeap(heap, proc.PseudoResource(proc.DeviceHeap, "[heap]"))
		if heap.NumBytes() > 0 {
			t.AS.Map(heap.Start, heap.NumBytes(), heap.Prot, heap.Flags, 0,
				proc.PseudoResource(proc.DeviceHeap, "[heap]"))
		}
		return
	}
	if utils.CeilPageSize(newEnd) != t.AS.Heap().End {
		t.AS.Brk(newEnd)
	}
}
