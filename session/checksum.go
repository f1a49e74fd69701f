package session

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/proc"
	"github.com/mihkeltiks/rec-replay/task"
	"github.com/mihkeltiks/rec-replay/trace"
)

// ChecksumMode controls when memory checksums are taken.
type ChecksumMode int

const (
	ChecksumNone ChecksumMode = iota
	ChecksumSyscall
	ChecksumAll
	// from a given global time onward
	ChecksumFrom
)

func (s *Session) shouldChecksum(globalTime uint64, ev trace.Event) bool {
	switch s.config.ChecksumMode {
	case ChecksumNone:
		return false
	case ChecksumAll:
		return true
	case ChecksumSyscall:
		return ev.Type == trace.EventSyscall && ev.State == trace.ExitingSyscall
	case ChecksumFrom:
		return globalTime >= s.config.ChecksumAt
	}
	return false
}

func (r *Recorder) maybeChecksum(t *task.Task, globalTime uint64, ev trace.Event) {
	if r.shouldChecksum(globalTime, ev) {
		iterateChecksums(t, r.writer.Dir(), globalTime, true)
	}
}

func (r *Recorder) maybeDump(t *task.Task, globalTime uint64) {
	if r.config.DumpAt != 0 && r.config.DumpAt == globalTime {
		dumpProcessMemory(t, r.writer.Dir(), globalTime)
	}
}

func (r *Replayer) maybeChecksum(t *task.Task, frame *trace.Frame) {
	if r.shouldChecksum(frame.GlobalTime, frame.Event) {
		iterateChecksums(t, r.reader.Dir(), frame.GlobalTime, false)
	}
}

func (r *Replayer) maybeDump(t *task.Task, globalTime uint64) {
	if r.config.DumpAt != 0 && r.config.DumpAt == globalTime {
		dumpProcessMemory(t, r.reader.Dir(), globalTime)
	}
}

// checksumSegmentFilter skips mappings whose contents can't legitimately
// diverge: immutable file backings that aren't writable. The filter shares
// the copy policy with the mmap recorder; record and replay only compare
// equal if the two sites agree on what was stored.
func checksumSegmentFilter(m proc.Mapping, res proc.Resource) bool {
	if strings.Contains(res.Fsname, "scratch") {
		// scratch state is allowed to diverge
		return false
	}
	info := trace.StatFile(res.Fsname)
	if info.Exists {
		return trace.ShouldCopyRegion(res.Fsname, info, m.Prot, m.Flags, false) ||
			m.Prot&unix.PROT_WRITE != 0
	}
	return true
}

// checksumOf sums the readable bytes as 32-bit words.
func checksumOf(data []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(data); i += 4 {
		sum += binary.LittleEndian.Uint32(data[i:])
	}
	return sum
}

// iterateChecksums either stores one checksum line per mapping or validates
// against the stored lines, mirroring the record-side walk exactly.
func iterateChecksums(t *task.Task, traceDir string, globalTime uint64, store bool) {
	filename := filepath.Join(traceDir, fmt.Sprintf("%d_%d", globalTime, t.RecTid()))

	if store {
		file, err := os.Create(filename)
		if err != nil {
			logger.Fatal("failed to open checksum file %s: %v", filename, err)
		}
		defer file.Close()
		for _, line := range checksumLines(t) {
			fmt.Fprintln(file, line)
		}
		return
	}

	file, err := os.Open(filename)
	if err != nil {
		logger.Fatal("failed to open checksum file %s: %v", filename, err)
	}
	defer file.Close()

	lines := checksumLines(t)
	scanner := bufio.NewScanner(file)
	for i := 0; scanner.Scan(); i++ {
		if i >= len(lines) {
			logger.Fatal("checksum file %s has more mappings than the tracee", filename)
		}
		if scanner.Text() != lines[i] {
			logger.Fatal("replay diverged at time %d:\n  recorded %s\n  replayed %s\n"+
				"memory dumps (if any) are next to the trace; diff them with cmp",
				globalTime, scanner.Text(), lines[i])
		}
	}
}

// checksumLines walks the address space producing one line per mapping:
// (checksum) start-end.
func checksumLines(t *task.Task) []string {
	lines := make([]string, 0, t.AS.Mem().Len())

	for _, e := range t.AS.Mem().Entries() {
		var data []byte
		if checksumSegmentFilter(e.Map, e.Res) {
			data = make([]byte, e.Map.NumBytes())
			n, _ := t.ReadMemFallible(e.Map.Start, data)
			if n < 0 {
				n = 0
			}
			data = data[:n]
		}

		// only the deterministic prefix of the syscallbuf participates:
		// committed records plus the pending record header
		if t.SyscallbufHdr != 0 && e.Map.Contains(t.SyscallbufHdr) && data != nil {
			numRecBytes := make([]byte, 4)
			t.ReadMem(t.SyscallbufHdr, numRecBytes)
			prefix := syscallbufHdrSize + uint64(binary.LittleEndian.Uint32(numRecBytes)) + syscallbufRecordSize
			if prefix < uint64(len(data)) {
				data = data[:prefix]
			}
		}

		lines = append(lines, fmt.Sprintf("(%x) %#x-%#x", checksumOf(data), e.Map.Start, e.Map.End))
	}
	return lines
}

// layout constants of the preload library's syscallbuf header
const (
	syscallbufHdrSize    = 16
	syscallbufRecordSize = 24
)

// dumpProcessMemory writes a hex dump of each mapping for post-mortem
// diffing of divergences.
func dumpProcessMemory(t *task.Task, traceDir string, globalTime uint64) {
	filename := filepath.Join(traceDir, fmt.Sprintf("dump_%d_%d", globalTime, t.RecTid()))
	file, err := os.Create(filename)
	if err != nil {
		logger.Fatal("failed to open dump file %s: %v", filename, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	defer w.Flush()

	for _, e := range t.AS.Mem().Entries() {
		fmt.Fprintf(w, "%v %v\n", e.Map, e.Res)
		data := make([]byte, e.Map.NumBytes())
		n, _ := t.ReadMemFallible(e.Map.Start, data)
		if n <= 0 {
			continue
		}
		for off := 0; off < n; off += 16 {
			end := off + 16
			if end > n {
				end = n
			}
			fmt.Fprintf(w, "%#x: %x\n", e.Map.Start+uint64(off), data[off:end])
		}
	}
	logger.Info("dumped memory of task %d at time %d to %s", t.RecTid(), globalTime, filename)
}
