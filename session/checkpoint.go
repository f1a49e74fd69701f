package session

import (
	"fmt"
	"os"
	"strconv"

	"github.com/checkpoint-restore/go-criu/v7"
	criurpc "github.com/checkpoint-restore/go-criu/v7/rpc"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/proto"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/proc"
	"github.com/mihkeltiks/rec-replay/task"
	"github.com/mihkeltiks/rec-replay/utils"
)

// CheckpointMode selects how replay checkpoints capture tracee state.
type CheckpointMode int

const (
	// fork a stopped twin of the tracee; memory is snapshotted by COW
	ForkMode CheckpointMode = iota
	// dump via CRIU, leaving the tracee running
	CRIUMode
)

type checkpointData []cPoint

type cPoint struct {
	id             string // unique id of the checkpoint
	globalTime     uint64 // trace position at checkpoint
	taskEventsRead int
	regs           task.Registers
	bpoints        proc.BreakpointMap // breakpoints at checkpoint time

	// fork mode
	pid          int // process id of the fork at checkpoint
	writableData [][]byte
	writableMaps []proc.Mapping

	// CRIU mode
	imageDir string
}

func (c checkpointData) New() checkpointData {
	return make([]cPoint, 0)
}

func (cp cPoint) String() string {
	return fmt.Sprintf("{%s @ %d}", cp.id, cp.globalTime)
}

// CreateCheckpoint snapshots the current replay position so it can be
// rolled back to.
func (r *Replayer) CreateCheckpoint(t *task.Task, mode CheckpointMode) string {
	logger.Verbose("creating new checkpoint at time %d", r.reader.Time())

	var checkpoint cPoint
	if mode == CRIUMode {
		checkpoint = r.createCRIUCheckpoint(t)
	} else {
		checkpoint = r.createForkCheckpoint(t)
	}

	checkpoint.id = utils.RandomId()
	checkpoint.globalTime = r.reader.Time()
	checkpoint.taskEventsRead = r.taskEventsRead
	checkpoint.regs = *t.Regs()
	checkpoint.bpoints = t.AS.SnapshotBreakpoints()

	r.checkpoints = append(r.checkpoints, checkpoint)
	return checkpoint.id
}

// createForkCheckpoint forks a stopped twin via a remote fork syscall and
// copies the writable mappings of t itself into the checkpoint.
func (r *Replayer) createForkCheckpoint(t *task.Task) cPoint {
	remote := task.NewAutoRemoteSyscalls(t)
	childPid := int(remote.SyscallChecked(unix.SYS_FORK))
	remote.Restore()

	// stop the twin immediately; it exists only as a memory snapshot
	utils.Must(unix.Kill(childPid, unix.SIGSTOP))

	checkpoint := cPoint{pid: childPid}
	for _, e := range t.AS.Mem().Entries() {
		if e.Map.Prot&unix.PROT_WRITE == 0 {
			continue
		}
		data := make([]byte, e.Map.NumBytes())
		if n, _ := t.ReadMemFallible(e.Map.Start, data); n > 0 {
			checkpoint.writableMaps = append(checkpoint.writableMaps, e.Map)
			checkpoint.writableData = append(checkpoint.writableData, data[:n])
		}
	}
	return checkpoint
}

func (r *Replayer) createCRIUCheckpoint(t *task.Task) cPoint {
	logger.Debug("executing CRIU checkpoint on %d", t.Pid())
	c := criu.MakeCriu()

	imageDir, err := os.MkdirTemp(r.reader.Dir(), "checkpoint-*")
	if err != nil {
		logger.Error("error creating checkpoint dir: %v", err)
		return cPoint{}
	}

	// CRIU wants the process out from under ptrace while it dumps
	err = unix.PtraceDetach(t.Pid())
	if err != nil {
		logger.Debug("error detaching from process: %v", err)
	}

	criuDump(c, strconv.Itoa(t.Pid()), imageDir)

	err = unix.PtraceAttach(t.Pid())
	if err != nil {
		logger.Debug("error attaching to process: %v", err)
	}
	var ws unix.WaitStatus
	unix.Wait4(t.Pid(), &ws, unix.WALL, nil)

	return cPoint{imageDir: imageDir}
}

func criuDump(c *criu.Criu, pidS string, imgDir string) {
	pid, err := strconv.ParseInt(pidS, 10, 32)
	if err != nil {
		logger.Error("can't parse pid: %v", err)
		return
	}
	img, err := os.Open(imgDir)
	if err != nil {
		logger.Error("can't open image dir: %v", err)
		return
	}
	defer img.Close()

	opts := &criurpc.CriuOpts{
		Pid:          proto.Int32(int32(pid)),
		ImagesDirFd:  proto.Int32(int32(img.Fd())),
		LogLevel:     proto.Int32(4),
		ShellJob:     proto.Bool(true),
		LogToStderr:  proto.Bool(true),
		LeaveRunning: proto.Bool(true),
		LogFile:      proto.String("dump.log"),
		ExtUnixSk:    proto.Bool(true),
	}

	if err := c.Dump(opts, criu.NoNotify{}); err != nil {
		logger.Error("CRIU error during checkpoint: %v", err)
	}
}

// RestoreCheckpoint rolls the replay tracee back to a checkpoint,
// restoring registers, breakpoints and the reader position, and memory for
// fork checkpoints; a CRIU checkpoint leaves memory as it is. Later
// checkpoints are discarded.
func (r *Replayer) RestoreCheckpoint(t *task.Task, checkpointId string) error {
	var checkpoint *cPoint
	var checkpointIndex int

	for index := range r.checkpoints {
		if r.checkpoints[index].id == checkpointId {
			checkpoint = &r.checkpoints[index]
			checkpointIndex = index
			break
		}
	}

	if checkpoint == nil {
		err := fmt.Errorf("checkpoint with id %v not found", checkpointId)
		logger.Error("%v", err)
		return err
	}

	logger.Info("restoring checkpoint %v", checkpoint)

	if checkpoint.pid != 0 {
		r.restoreForkCheckpoint(t, *checkpoint)
	} else {
		logger.Warn("CRIU restore replaces the tracee process; images in %s", checkpoint.imageDir)
	}

	logger.Debug("restoring registers state")
	t.SetRegs(&checkpoint.regs)

	logger.Debug("reverting breakpoints state")
	t.AS.RestoreBreakpoints(checkpoint.bpoints)

	// rewind the trace and fast-forward every substream back to the
	// checkpoint position
	r.reader.Rewind()
	r.taskEventsRead = 0
	for r.reader.Time() < checkpoint.globalTime {
		frame, err := r.reader.ReadFrame()
		if err != nil {
			logger.Fatal("trace ended before checkpoint position %d", checkpoint.globalTime)
		}
		for {
			if _, ok := r.reader.ReadRawDataForFrame(&frame); !ok {
				break
			}
		}
		for {
			if _, ok := r.reader.ReadMappedRegionForFrame(&frame); !ok {
				break
			}
		}
	}
	for r.taskEventsRead < checkpoint.taskEventsRead {
		if _, err := r.readTaskEvent(); err != nil {
			logger.Fatal("tasks substream ended before checkpoint position")
		}
	}

	// discard checkpoints taken after this one
	for _, later := range r.checkpoints[checkpointIndex+1:] {
		later.discard()
	}
	r.checkpoints = r.checkpoints[:checkpointIndex+1]

	logger.Debug("checkpoint restore finished")
	return nil
}

func (r *Replayer) restoreForkCheckpoint(t *task.Task, checkpoint cPoint) {
	logger.Debug("restoring memory state saved with fork twin %d", checkpoint.pid)

	for index, m := range checkpoint.writableMaps {
		utils.Must(t.WriteMem(m.Start, checkpoint.writableData[index]))
	}
}

func (cp cPoint) discard() {
	if cp.pid != 0 {
		unix.Kill(cp.pid, unix.SIGKILL)
		var ws unix.WaitStatus
		unix.Wait4(cp.pid, &ws, unix.WALL, nil)
	}
	if cp.imageDir != "" {
		os.RemoveAll(cp.imageDir)
	}
}
