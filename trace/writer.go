package trace

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
)

// RegionClass is the recorder's classification of an mmap-class call, which
// drives where the mapping's bytes come from at replay.
type RegionClass int

const (
	// the result of a remap or an in-place patch; contents arrive via
	// recorded writes
	RegionRemap RegionClass = iota
	// System V shared memory
	RegionSysV
	// a mapping of the empty /dev/zero-style file
	RegionDevZero
	// engine-internal mappings (syscallbuf, scratch, rr page)
	RegionInternal
	// plain anonymous memory; starts zeroed
	RegionAnonymous
	// an ordinary file-backed mapping
	RegionFileBacked
)

type devInode struct {
	dev   uint64
	inode uint64
}

// Writer produces one trace directory.
type Writer struct {
	TraceStream

	writers [SubstreamCount]*compressedWriter

	// probed at construction; enables the reflink fast path
	supportsFileClones bool

	cloneCount    int
	hardlinkCount int

	// inodes referenced by path from the trace and assumed not to change
	// for the rest of the recording
	assumedImmutable map[devInode]bool
}

// NewWriter creates the trace directory, its substreams and version file,
// and updates the latest-trace symlink.
func NewWriter(exePath string) (*Writer, error) {
	dir, err := newTraceDirName(exePath)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		TraceStream:      TraceStream{dir: dir, globalTime: 1},
		assumedImmutable: make(map[devInode]bool),
	}

	for s := Substream(0); s < SubstreamCount; s++ {
		conf := substreamConfig(s)
		cw, err := newCompressedWriter(w.path(s), conf.blockSize, conf.threads)
		if err != nil {
			return nil, err
		}
		w.writers[s] = cw
	}

	if err := w.writeVersionFile(); err != nil {
		return nil, err
	}
	w.probeFileClones()
	makeLatestTrace(dir)

	logger.Info("recording trace to %s", dir)
	return w, nil
}

func (w *Writer) writeVersionFile() error {
	id := uuid.New()
	content := fmt.Sprintf("%d\n%x\n", TraceVersion, id[:])
	return os.WriteFile(w.versionPath(), []byte(content), 0600)
}

// probeFileClones attempts a reflink of the version file; filesystems
// without the ioctl fail here once instead of per-mapping.
func (w *Writer) probeFileClones() {
	src, err := os.Open(w.versionPath())
	if err != nil {
		return
	}
	defer src.Close()

	clonePath := filepath.Join(w.dir, "tmp_clone")
	dst, err := os.OpenFile(clonePath, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return
	}
	defer dst.Close()
	defer os.Remove(clonePath)

	w.supportsFileClones = unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())) == nil
	logger.Debug("trace dir %s file clones: %v", w.dir, w.supportsFileClones)
}

// WriteFrame stamps the frame with the current global time and appends it
// to the events substream.
func (w *Writer) WriteFrame(f *Frame) {
	f.GlobalTime = w.globalTime
	var buf bytes.Buffer
	f.encode(&buf)
	w.writers[SubstreamEvents].Write(buf.Bytes())
	w.TickTime()
}

// WriteRawData records bytes observed in tracee memory, paired to the frame
// being written.
func (w *Writer) WriteRawData(recTid int32, addr uint64, data []byte) {
	header := RawDataHeader{
		GlobalTime: w.globalTime,
		RecTid:     recTid,
		Addr:       addr,
		Size:       uint64(len(data)),
	}
	w.writers[SubstreamRawDataHeader].Write(header.encode())
	w.writers[SubstreamRawData].Write(data)
}

// WriteMappedRegion records one mmap-class event. Returns true when the
// caller must also store the mapping's bytes in the trace as raw data.
func (w *Writer) WriteMappedRegion(mr *MappedRegion, class RegionClass, srcPath string) bool {
	mr.GlobalTime = w.globalTime
	recordInTrace := false

	switch class {
	case RegionRemap, RegionDevZero, RegionInternal, RegionAnonymous:
		mr.Source = SourceZero
	case RegionSysV:
		mr.Source = SourceTrace
		recordInTrace = true
	case RegionFileBacked:
		recordInTrace = w.planFileBackedRegion(mr, srcPath)
	}

	w.writers[SubstreamMmaps].Write(mr.encode())
	return recordInTrace
}

func (w *Writer) planFileBackedRegion(mr *MappedRegion, srcPath string) bool {
	info := StatFile(srcPath)
	mr.FileSize = info.Size
	mr.FileMtime = info.Mtime
	key := devInode{info.DevMajor<<32 | info.DevMinor, info.Inode}

	private := mr.Flags&unix.MAP_PRIVATE != 0

	if private {
		if clone, ok := w.tryClone(srcPath); ok {
			mr.Source = SourceFile
			mr.BackingPath = clone
			return false
		}
	}

	if ShouldCopyRegion(mr.Fsname, info, int(mr.Prot), int(mr.Flags), true) && !w.assumedImmutable[key] {
		mr.Source = SourceTrace
		return true
	}

	if clone, ok := w.tryClone(srcPath); ok {
		mr.BackingPath = clone
	} else if link, ok := w.tryHardlink(srcPath); ok {
		mr.BackingPath = link
	} else {
		mr.BackingPath = srcPath
	}
	mr.Source = SourceFile
	w.assumedImmutable[key] = true
	return false
}

func (w *Writer) tryClone(srcPath string) (string, bool) {
	if !w.supportsFileClones {
		return "", false
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return "", false
	}
	defer src.Close()

	name := fmt.Sprintf("mmap_clone_%d_%s", w.cloneCount, filepath.Base(srcPath))
	dest := filepath.Join(w.dir, name)
	dst, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", false
	}
	defer dst.Close()

	if err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())); err != nil {
		os.Remove(dest)
		return "", false
	}
	w.cloneCount++
	return dest, true
}

func (w *Writer) tryHardlink(srcPath string) (string, bool) {
	name := fmt.Sprintf("mmap_hardlink_%d_%s", w.hardlinkCount, filepath.Base(srcPath))
	dest := filepath.Join(w.dir, name)
	if err := os.Link(srcPath, dest); err != nil {
		return "", false
	}
	w.hardlinkCount++
	return dest, true
}

// CloneFileData reflinks a file a tracee read into the trace directory,
// keyed by the reading task. Returns false when cloning isn't available.
func (w *Writer) CloneFileData(recTid int32, serial int, srcPath string) (string, bool) {
	if !w.supportsFileClones {
		return "", false
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return "", false
	}
	defer src.Close()

	dest := filepath.Join(w.dir, fmt.Sprintf("cloned_data_%d_%d", recTid, serial))
	dst, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", false
	}
	defer dst.Close()

	if err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())); err != nil {
		os.Remove(dest)
		return "", false
	}
	return dest, true
}

// WriteTaskEvent appends a task lifecycle entry to the tasks substream.
func (w *Writer) WriteTaskEvent(te *TaskEvent) {
	te.GlobalTime = w.globalTime
	var buf bytes.Buffer
	var fixed [21]byte
	le := binary.LittleEndian
	le.PutUint64(fixed[0:], te.GlobalTime)
	fixed[8] = uint8(te.Type)
	le.PutUint32(fixed[9:], uint32(te.Tid))
	le.PutUint32(fixed[13:], uint32(te.ParentTid))
	le.PutUint32(fixed[17:], uint32(te.CloneFlags))
	buf.Write(fixed[:])
	writeString(&buf, te.ExePath)
	var exit [4]byte
	le.PutUint32(exit[:], uint32(te.ExitStatus))
	buf.Write(exit[:])
	w.writers[SubstreamTasks].Write(buf.Bytes())
}

// WriteGeneric appends an opaque record (CPU feature layout, engine
// metadata) to the generic substream.
func (w *Writer) WriteGeneric(data []byte) {
	var buf bytes.Buffer
	writeString(&buf, string(data))
	w.writers[SubstreamGeneric].Write(buf.Bytes())
}

// Close finalizes every substream. A trace missing its termination frame is
// detectably truncated.
func (w *Writer) Close() {
	term := Frame{Event: Event{Type: EventTraceTermination}, Tid: 0}
	w.WriteFrame(&term)
	for s := Substream(0); s < SubstreamCount; s++ {
		w.writers[s].Close()
	}
	logger.Info("trace written to %s (%d frames)", w.dir, w.globalTime-1)
}

// BytesWritten reports the uncompressed event-substream volume, for the
// monitor.
func (w *Writer) BytesWritten() uint64 {
	return w.writers[SubstreamEvents].BytesWritten()
}
