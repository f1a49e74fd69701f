package trace

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
)

// FileInfo is the slice of stat output the copy policy consumes, separated
// out so the policy is testable without files on disk.
type FileInfo struct {
	Exists   bool
	Mode     uint32
	Uid      uint32
	Size     uint64
	Mtime    int64
	OnTmpfs  bool
	Writable bool // can this process write the file
	DevMajor uint64
	DevMinor uint64
	Inode    uint64
}

func StatFile(path string) FileInfo {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return FileInfo{}
	}
	var fs unix.Statfs_t
	onTmpfs := unix.Statfs(path, &fs) == nil && fs.Type == unix.TMPFS_MAGIC
	return FileInfo{
		Exists:   true,
		Mode:     st.Mode,
		Uid:      st.Uid,
		Size:     uint64(st.Size),
		Mtime:    st.Mtim.Sec,
		OnTmpfs:  onTmpfs,
		Writable: unix.Access(path, unix.W_OK) == nil,
		DevMajor: uint64(unix.Major(st.Dev)),
		DevMinor: uint64(unix.Minor(st.Dev)),
		Inode:    st.Ino,
	}
}

// ShouldCopyRegion decides whether a file-backed mapping's bytes must be
// stored in the trace, or whether re-opening the backing file at replay will
// reproduce them. The checksum filter uses the same function; the two call
// sites sharing one policy is what keeps recorded checksums comparable at
// replay.
func ShouldCopyRegion(fsname string, info FileInfo, prot, flags int, warnSharedWritable bool) bool {
	privateMapping := flags&unix.MAP_PRIVATE != 0

	if !info.Exists || strings.Contains(fsname, "(deleted)") {
		logger.Debug("  copying unlinked file %s", fsname)
		return true
	}
	if info.OnTmpfs {
		logger.Debug("  copying file on tmpfs %s", fsname)
		return true
	}
	if privateMapping && prot&unix.PROT_EXEC != 0 {
		// executable images aren't copied; shared libraries get the
		// same optimism
		return false
	}
	if privateMapping && info.Mode&0111 != 0 {
		// a private mapping of an executable file is usually a data
		// section; those change as rarely as the image
		return false
	}
	if !info.Writable && info.Uid == 0 {
		// root-owned and unwritable: effectively immutable during a
		// recording unless a system update races us
		return false
	}
	if privateMapping {
		// private mappings of ordinary files may be caches that get
		// rewritten at shutdown; store them
		logger.Debug("  copying private mapping of %s", fsname)
		return true
	}
	if info.Mode&0222 == 0 {
		// read-only but not a system file; could be temporary
		logger.Debug("  copying read-only, non-system file %s", fsname)
		return true
	}
	if !info.Writable {
		logger.Fatal("unhandled mmap of another user's file %s (prot:%#x flags:%#x)", fsname, prot, flags)
	}
	if warnSharedWritable && flags&unix.MAP_SHARED != 0 && prot&unix.PROT_WRITE != 0 {
		logger.Warn("%s is SHARED|WRITEABLE; hoping it's only written by the tracee tree", fsname)
	}
	return true
}
