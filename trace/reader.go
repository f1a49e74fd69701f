package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mihkeltiks/rec-replay/logger"
)

// Reader replays one trace directory.
type Reader struct {
	readers [SubstreamCount]*compressedReader

	TraceStream
	Uuid string
}

// NewReader opens the trace at dir (following the latest-trace symlink when
// dir is empty) and validates its version.
func NewReader(dir string) (*Reader, error) {
	r := &Reader{TraceStream: TraceStream{dir: ResolveTraceDir(dir), globalTime: 1}}

	if err := r.checkVersion(); err != nil {
		return nil, err
	}

	for s := Substream(0); s < SubstreamCount; s++ {
		cr, err := newCompressedReader(r.path(s))
		if err != nil {
			return nil, fmt.Errorf("opening trace substream: %w", err)
		}
		r.readers[s] = cr
	}
	return r, nil
}

func (r *Reader) checkVersion() error {
	file, err := os.Open(r.versionPath())
	if err != nil {
		return fmt.Errorf("%s does not look like a trace directory: %w", r.dir, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return ErrVersionMismatch
	}
	version, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || version != TraceVersion {
		return ErrVersionMismatch
	}
	if scanner.Scan() {
		r.Uuid = strings.TrimSpace(scanner.Text())
	}
	return nil
}

// ReadFrame consumes the next frame. The reader's global time follows the
// frames it has consumed.
func (r *Reader) ReadFrame() (Frame, error) {
	f, err := decodeFrame(r.readers[SubstreamEvents].Read)
	if err != nil {
		return f, err
	}
	r.globalTime = f.GlobalTime
	return f, nil
}

// PeekFrame returns the next frame without consuming it. Idempotent: two
// consecutive peeks see the same frame and leave reader state unchanged.
func (r *Reader) PeekFrame() (Frame, error) {
	events := r.readers[SubstreamEvents]
	pos := events.pos
	f, err := decodeFrame(events.Read)
	events.pos = pos
	return f, err
}

// AtEnd reports whether every frame has been consumed.
func (r *Reader) AtEnd() bool {
	return r.readers[SubstreamEvents].AtEnd()
}

// Rewind resets every substream to the beginning of the trace.
func (r *Reader) Rewind() {
	for s := Substream(0); s < SubstreamCount; s++ {
		r.readers[s].Rewind()
	}
	r.globalTime = 1
}

// RawData is one recorded memory write, addressed in the tracee.
type RawData struct {
	RecTid int32
	Addr   uint64
	Data   []byte
}

// ReadRawDataForFrame peeks the next raw-data header; if it belongs to a
// later frame than f, nothing is consumed and ok is false. Frames can carry
// any number of raw-data records, so callers loop until false.
func (r *Reader) ReadRawDataForFrame(f *Frame) (RawData, bool) {
	var headerBuf [rawDataHeaderSize]byte
	if err := r.readers[SubstreamRawDataHeader].Peek(headerBuf[:]); err != nil {
		return RawData{}, false
	}
	header := decodeRawDataHeader(headerBuf[:])
	if header.GlobalTime > f.GlobalTime {
		return RawData{}, false
	}

	if err := r.readers[SubstreamRawDataHeader].Read(headerBuf[:]); err != nil {
		logger.Fatal("truncated raw data header stream: %v", err)
	}
	data := make([]byte, header.Size)
	if err := r.readers[SubstreamRawData].Read(data); err != nil {
		logger.Fatal("truncated raw data stream: %v", err)
	}
	return RawData{RecTid: header.RecTid, Addr: header.Addr, Data: data}, true
}

// ReadMappedRegionForFrame peeks the next mmaps entry, consuming it only if
// it belongs to f or an earlier frame.
func (r *Reader) ReadMappedRegionForFrame(f *Frame) (MappedRegion, bool) {
	mmaps := r.readers[SubstreamMmaps]
	pos := mmaps.pos
	mr, err := decodeMappedRegion(mmaps.Read)
	if err != nil {
		mmaps.pos = pos
		return MappedRegion{}, false
	}
	if mr.GlobalTime > f.GlobalTime {
		mmaps.pos = pos
		return MappedRegion{}, false
	}
	return mr, true
}

// ReadTaskEvent consumes the next entry of the tasks substream.
func (r *Reader) ReadTaskEvent() (TaskEvent, error) {
	tasks := r.readers[SubstreamTasks]
	le := binary.LittleEndian

	var fixed [21]byte
	if err := tasks.Read(fixed[:]); err != nil {
		return TaskEvent{}, err
	}
	te := TaskEvent{
		GlobalTime: le.Uint64(fixed[0:]),
		Type:       TaskEventType(fixed[8]),
		Tid:        int32(le.Uint32(fixed[9:])),
		ParentTid:  int32(le.Uint32(fixed[13:])),
		CloneFlags: int32(le.Uint32(fixed[17:])),
	}
	var err error
	if te.ExePath, err = readString(tasks.Read); err != nil {
		return te, err
	}
	var exit [4]byte
	if err := tasks.Read(exit[:]); err != nil {
		return te, err
	}
	te.ExitStatus = int32(le.Uint32(exit[:]))
	return te, nil
}

// ReadGeneric consumes the next opaque record of the generic substream.
func (r *Reader) ReadGeneric() ([]byte, error) {
	s, err := readString(r.readers[SubstreamGeneric].Read)
	return []byte(s), err
}

func (r *Reader) Close() {
	for s := Substream(0); s < SubstreamCount; s++ {
		if r.readers[s] != nil {
			r.readers[s].Close()
		}
	}
}
