package session

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/proc"
	"github.com/mihkeltiks/rec-replay/task"
	"github.com/mihkeltiks/rec-replay/trace"
	"github.com/mihkeltiks/rec-replay/utils"
)

// Replayer re-executes a recorded trace, driving the tracee to the same
// instruction boundaries and injecting the recorded effects.
type Replayer struct {
	*Session

	reader *trace.Reader

	exe  string
	args []string

	cmd *exec.Cmd

	checkpoints checkpointData

	// how many tasks-substream entries have been consumed; checkpoints
	// snapshot this so a rewind can fast-forward the substream
	taskEventsRead int
}

// NewReplayer opens the trace and spawns a fresh tracee of the recorded
// executable.
func NewReplayer(dir string, config Config) (*Replayer, error) {
	reader, err := trace.NewReader(dir)
	if err != nil {
		return nil, err
	}

	r := &Replayer{
		Session:     newSession(KindReplay, config),
		reader:      reader,
		checkpoints: checkpointData{}.New(),
	}

	if err := r.readSpawnMetadata(); err != nil {
		return nil, err
	}
	if err := r.spawnTracee(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Replayer) readSpawnMetadata() error {
	raw, err := r.reader.ReadGeneric()
	if err != nil {
		return fmt.Errorf("trace has no spawn metadata: %w", err)
	}
	var meta struct {
		Exe     string   `json:"exe"`
		Args    []string `json:"args"`
		CpuArch string   `json:"cpuArch"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return err
	}
	if meta.CpuArch != runtime.GOARCH {
		return fmt.Errorf("trace was recorded on %s, this host is %s", meta.CpuArch, runtime.GOARCH)
	}
	r.exe = meta.Exe
	r.args = meta.Args
	return nil
}

// readTaskEvent reads the next tasks-substream entry and tracks how many
// have been consumed so checkpoints can fast-forward the substream on restore.
func (r *Replayer) readTaskEvent() (trace.TaskEvent, error) {
	te, err := r.reader.ReadTaskEvent()
	if err != nil {
		return te, err
	}
	r.taskEventsRead++
	return te, nil
}

func (r *Replayer) spawnTracee() error {
	runtime.LockOSThread()

	cmd := exec.Command(r.exe, r.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start %s: %w", r.exe, err)
	}
	r.cmd = cmd
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WALL, nil); err != nil {
		return err
	}

	t := task.New(pid, r.NextRecTid(), r.Session)
	t.Sighandlers = task.NewSighandlers()
	t.TG = task.NewTaskGroup(pid, t.RecTid())
	t.TG.Add(t)
	t.AS = proc.NewAddressSpace(r.exe, r.Session)
	t.AS.AddTask(t)
	t.Status = task.WaitStatus{WaitStatus: ws}
	t.Attach()

	t.AS.PopulateFromKernel(pid)
	r.canValidate = true
	t.FindVdsoSyscallIP()

	r.registerTask(t)
	r.patcherFor(t.AS).PatchAfterExec(t)
	t.MapRRPage()

	// consume the spawn exec entry of the tasks substream
	if te, err := r.readTaskEvent(); err != nil || te.Type != trace.TaskEventExec {
		logger.Fatal("trace does not open with the spawn exec task event")
	}

	logger.Info("replaying %s (pid %d)", r.exe, pid)
	return nil
}

// Replay consumes the whole trace.
func (r *Replayer) Replay() error {
	defer r.reader.Close()

	for {
		frame, err := r.reader.ReadFrame()
		if err != nil {
			// a trace that doesn't end in a termination frame was cut
			// off mid-write
			logger.Fatal("truncated trace: %v", err)
		}
		if frame.Event.Type == trace.EventTraceTermination {
			break
		}
		r.replayFrame(&frame)
	}

	logger.Info("replay finished")
	r.KillAll()
	return nil
}

func (r *Replayer) replayFrame(frame *trace.Frame) {
	t := r.FindTask(int(frame.Tid))
	if t == nil {
		logger.Fatal("frame %d names unknown task %d", frame.GlobalTime, frame.Tid)
	}

	switch frame.Event.Type {
	case trace.EventSyscall:
		if frame.Event.State == trace.EnteringSyscall {
			r.replaySyscallEntry(t, frame)
		} else {
			r.replaySyscallExit(t, frame)
		}
	case trace.EventExec:
		r.replayExec(t)
	case trace.EventSched:
		r.replayPreemption(t, frame)
	case trace.EventSignal:
		r.replaySignal(t, frame)
	case trace.EventExit:
		// no memory work after the exit; the task is gone
		r.replayExit(t)
		return
	default:
		logger.Debug("frame %d: event %d needs no tracee work", frame.GlobalTime, frame.Event.Type)
	}

	r.drainRawData(t, frame)
	r.maybeChecksum(t, frame)
	r.maybeDump(t, frame.GlobalTime)
}

// executedForReal lists the syscalls replay re-executes in the tracee
// instead of emulating: calls that must really change kernel state the
// engine depends on.
func executedForReal(sysno int64) bool {
	switch sysno {
	case unix.SYS_MMAP, unix.SYS_MUNMAP, unix.SYS_MPROTECT, unix.SYS_MREMAP,
		unix.SYS_BRK, unix.SYS_CLONE, unix.SYS_FORK, unix.SYS_VFORK,
		unix.SYS_EXECVE, unix.SYS_EXIT, unix.SYS_EXIT_GROUP:
		return true
	}
	return false
}

// advanceToSyscallEntry resumes with sysemu until the tracee reaches its
// next syscall entry, so emulated syscalls never execute.
func (r *Replayer) advanceToSyscallEntry(t *task.Task) {
	for {
		t.Resume(task.ResumeSysemu, task.WaitBlocking, 0)
		switch t.Status.Classify() {
		case task.StopSyscall:
			return
		case task.StopSignal:
			sig := t.Status.StopSig()
			logger.Fatal("unexpected %v in %d during replay; divergence", sig, t.Pid())
		case task.StopExited:
			logger.Fatal("tracee %d exited before the trace did; divergence", t.Pid())
		default:
			logger.Debug("skipping stop %v while advancing %d", t.Status, t.Pid())
		}
	}
}

func (r *Replayer) replaySyscallEntry(t *task.Task, frame *trace.Frame) {
	r.advanceToSyscallEntry(t)

	recorded := int64(frame.Event.Data)
	got := t.SyscallNo()
	if got != recorded {
		logger.Fatal("replay diverged at time %d: tracee %d entered syscall %d, trace has %d",
			frame.GlobalTime, t.Pid(), got, recorded)
	}
	t.PushEvent(frame.Event)
}

func (r *Replayer) replaySyscallExit(t *task.Task, frame *trace.Frame) {
	entry := t.PopEvent()
	sysno := int64(entry.Data)

	if executedForReal(sysno) {
		r.executeSyscall(t, sysno, frame)
		return
	}

	// skip the syscall, then impose the recorded register file so the
	// result and clobbers match exactly
	t.Resume(task.ResumeSysemuSinglestep, task.WaitBlocking, 0)
	regs := frame.Regs
	t.SetRegs(&regs)

	r.emulateStdio(t, sysno, frame)
}

// executeSyscall lets a kernel-state-changing syscall really run, then
// reconciles the cache with the mmaps entries recorded for this frame.
func (r *Replayer) executeSyscall(t *task.Task, sysno int64, frame *trace.Frame) {
	t.Resume(task.ResumeSyscall, task.WaitBlocking, 0)

	switch t.Status.Classify() {
	case task.StopSyscall:
		// the exit stop; balance the entry/exit toggle state
	case task.StopPtraceEvent:
		r.handleReplayPtraceEvent(t)
		// collect the exit stop that follows the event stop
		t.Resume(task.ResumeSyscall, task.WaitBlocking, 0)
	case task.StopExited:
		t.Destroy()
		return
	default:
		logger.Fatal("unexpected stop %v executing syscall %d in %d", t.Status, sysno, t.Pid())
	}

	result := t.SyscallResult()
	recorded := int64(frame.Regs.Rax)
	if result != recorded {
		logger.Fatal("replay diverged at time %d: syscall %d returned %#x, trace has %#x",
			frame.GlobalTime, sysno, result, recorded)
	}

	r.applyAddressSpaceEffects(t, sysno, frame)
}

func (r *Replayer) applyAddressSpaceEffects(t *task.Task, sysno int64, frame *trace.Frame) {
	args := t.SyscallArgs()
	result := uint64(frame.Regs.Rax)

	switch sysno {
	case unix.SYS_MMAP:
		for {
			mr, ok := r.reader.ReadMappedRegionForFrame(frame)
			if !ok {
				break
			}
			r.applyMappedRegion(t, &mr)
		}
	case unix.SYS_MUNMAP:
		t.AS.Unmap(args[0], utils.CeilPageSize(args[1]))
	case unix.SYS_MPROTECT:
		t.AS.Protect(args[0], utils.CeilPageSize(args[1]), int(args[2]))
	case unix.SYS_MREMAP:
		t.AS.Remap(args[0], args[1], result, args[2])
	case unix.SYS_BRK:
		if t.AS.Heap().NumBytes() > 0 && result != 0 && utils.CeilPageSize(result) != t.AS.Heap().End {
			t.AS.Brk(result)
		}
	}
	r.verifyIfEnabled(t)
}

// applyMappedRegion brings one recorded mapping into the replay tracee's
// cache. The mapping itself was just created by the re-executed mmap; what
// varies is where its bytes come from.
func (r *Replayer) applyMappedRegion(t *task.Task, mr *trace.MappedRegion) {
	var res proc.Resource
	switch {
	case mr.Inode != 0:
		res = proc.Resource{
			Id:     proc.RealDeviceId(mr.DevMajor, mr.DevMinor, mr.Inode),
			Fsname: mr.Fsname,
		}
	default:
		res = proc.AnonymousResource(r.NextAnonymousInode())
	}
	t.AS.Map(mr.Start, mr.End-mr.Start, int(mr.Prot), int(mr.Flags), mr.Offset, res)

	// SourceTrace contents arrive through this frame's raw data records;
	// SourceFile mappings were re-created from the backing path by the
	// re-executed mmap; SourceZero needs nothing
	if mr.Source == trace.SourceFile && mr.BackingPath != "" {
		logger.Debug("mapping %#x-%#x backed by %s", mr.Start, mr.End, mr.BackingPath)
	}
}

func (r *Replayer) handleReplayPtraceEvent(t *task.Task) {
	switch t.Status.PtraceEvent() {
	case task.PtraceEventFork, task.PtraceEventVfork, task.PtraceEventClone:
		r.replayCloneEvent(t)
	case task.PtraceEventExec:
		// handled by replayExec
	default:
		logger.Debug("replay ptrace event %d of %d", t.Status.PtraceEvent(), t.Pid())
	}
}

// replayCloneEvent mirrors the recorder's child bookkeeping, pairing the
// new tracee thread with the rec tid assigned during recording.
func (r *Replayer) replayCloneEvent(t *task.Task) {
	newTidMsg, err := unix.PtraceGetEventMsg(t.Pid())
	utils.Must(err)
	newTid := int(newTidMsg)

	te, err := r.readTaskEvent()
	if err != nil || te.Type != trace.TaskEventClone {
		logger.Fatal("trace has no clone entry for new tracee %d", newTid)
	}

	var shareBits task.CloneFlags
	if te.CloneFlags&unix.CLONE_SIGHAND != 0 {
		shareBits |= task.ShareSighandlers
	}
	if te.CloneFlags&unix.CLONE_THREAD != 0 {
		shareBits |= task.ShareTaskGroup
	}
	if te.CloneFlags&unix.CLONE_VM != 0 {
		shareBits |= task.ShareVM
	}

	var ws unix.WaitStatus
	for {
		ret, waitErr := unix.Wait4(newTid, &ws, unix.WALL, nil)
		if waitErr == unix.EINTR {
			continue
		}
		utils.Must(waitErr)
		if ret == newTid {
			break
		}
	}

	child := t.Clone(shareBits, 0, newTid, int(te.Tid))
	child.Status = task.WaitStatus{WaitStatus: ws}
	r.registerTask(child)
	logger.Debug("replayed clone: task %d (tid %d)", te.Tid, newTid)
}

// replayExec drives the tracee through its real exec and rebuilds the
// address space, rr page and VDSO patches exactly as the recorder did.
func (r *Replayer) replayExec(t *task.Task) {
	for {
		t.Resume(task.ResumeSyscall, task.WaitBlocking, 0)
		if t.Status.Classify() == task.StopPtraceEvent &&
			t.Status.PtraceEvent() == task.PtraceEventExec {
			break
		}
		if t.Status.Classify() == task.StopExited {
			logger.Fatal("tracee %d died before exec during replay", t.Pid())
		}
	}

	te, err := r.readTaskEvent()
	if err != nil || te.Type != trace.TaskEventExec {
		logger.Fatal("trace has no exec entry at exec event")
	}

	t.PostExec(te.ExePath)
	r.spaces[t.AS] = true
	r.canValidate = true

	t.FindVdsoSyscallIP()
	r.patcherFor(t.AS).PatchAfterExec(t)
	t.MapRRPage()

	// the tracee stays at the exec event stop; the execve exit frame that
	// follows collects the exit stop
	logger.Debug("replayed exec of %s", te.ExePath)
}

// replayPreemption advances the tracee until the retired-branch counter
// reaches the recorded tick count, reproducing the recorded time slice.
func (r *Replayer) replayPreemption(t *task.Task, frame *trace.Frame) {
	r.runToTicks(t, frame.Ticks)
}

func (r *Replayer) runToTicks(t *task.Task, target uint64) {
	current := t.Ticks()
	if target <= current {
		return
	}
	remaining := target - current

	// restarting the counter zeroes its reading, so re-anchor the base
	// first; Ticks() stays cumulative the way the recorder keeps it at
	// every preemption
	t.TicksBase = current
	utils.Must(t.Hpc.Start(remaining))
	for {
		t.Resume(task.ResumeCont, task.WaitBlocking, 0)
		if t.Status.Classify() == task.StopSignal && t.Status.StopSig() == task.TimeSliceSignal {
			return
		}
		if t.Status.Classify() == task.StopExited {
			logger.Fatal("tracee %d exited while running to tick target %d", t.Pid(), target)
		}
		logger.Debug("stop %v before tick target; continuing", t.Status)
	}
}

// replaySignal delivers a recorded asynchronous signal at the recorded tick
// count.
func (r *Replayer) replaySignal(t *task.Task, frame *trace.Frame) {
	sig := unix.Signal(frame.Event.Data)
	r.runToTicks(t, frame.Ticks)

	t.Resume(task.ResumeSinglestep, task.WaitBlocking, sig)
	logger.Debug("delivered %v to %d at ticks %d", sig, t.Pid(), frame.Ticks)
}

func (r *Replayer) replayExit(t *task.Task) {
	r.advanceToSyscallEntry(t)
	t.TG.Destabilize()
	t.Resume(task.ResumeCont, task.WaitBlocking, 0)
	t.Destroy()
}

// drainRawData pokes every raw-data record of this frame back into the
// tracee. Records addressed at zero carry metadata (siginfo), not memory.
func (r *Replayer) drainRawData(t *task.Task, frame *trace.Frame) {
	for {
		rd, ok := r.reader.ReadRawDataForFrame(frame)
		if !ok {
			return
		}
		if rd.Addr == 0 {
			continue
		}
		target := r.FindTask(int(rd.RecTid))
		if target == nil || !targetAlive(target) {
			continue
		}
		utils.Must(target.WriteMem(rd.Addr, rd.Data))
	}
}

func targetAlive(t *task.Task) bool {
	return unix.Kill(t.Pid(), 0) == nil
}

// emulateStdio reproduces the observable output of emulated writes to
// stdout and stderr.
func (r *Replayer) emulateStdio(t *task.Task, sysno int64, frame *trace.Frame) {
	if sysno != unix.SYS_WRITE {
		return
	}
	fd := int(frame.Regs.Rdi)
	if fd != 1 && fd != 2 {
		return
	}
	length := int64(frame.Regs.Rax)
	if length <= 0 {
		return
	}
	data := make([]byte, length)
	t.ReadMem(frame.Regs.Rsi, data)

	out := os.Stdout
	if fd == 2 {
		out = os.Stderr
	}
	if r.config.MarkStdio {
		fmt.Fprintf(out, "[rr %d %d]", t.RecTid(), frame.GlobalTime)
	}
	out.Write(data)
}

