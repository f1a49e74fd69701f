package trace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// The trace format version. Changing anything about the wire layout of the
// substreams MUST bump this, or old traces become unreplayable with no
// explanation to their owner.
const TraceVersion = 1

// ErrVersionMismatch is surfaced to the CLI, which maps it to a dedicated
// exit code (EX_DATAERR).
var ErrVersionMismatch = errors.New("trace was recorded by an incompatible version")

// TraceStream is the state shared by the writer and reader: the directory
// and the global time counter.
type TraceStream struct {
	dir        string
	globalTime uint64
}

func (ts *TraceStream) Dir() string {
	return ts.dir
}

// Time is the current global time: for the writer, the time the next frame
// is stamped with; for the reader, the time of the frame read last (1 before
// the first read).
func (ts *TraceStream) Time() uint64 {
	return ts.globalTime
}

// TickTime advances the global event counter; called after each frame.
func (ts *TraceStream) TickTime() {
	ts.globalTime++
}

func (ts *TraceStream) path(s Substream) string {
	return filepath.Join(ts.dir, substreams[s].name)
}

func (ts *TraceStream) versionPath() string {
	return filepath.Join(ts.dir, "version")
}

// DefaultTraceDir resolves the trace root: the override env var, then the
// XDG data dir when it exists, then ~/.rr when it exists, then the XDG data
// dir when it can be created, then /tmp/rr.
func DefaultTraceDir() string {
	if dir := os.Getenv("_RR_TRACE_DIR"); dir != "" {
		return dir
	}

	home := os.Getenv("HOME")
	dotDir := ""
	if home != "" {
		dotDir = filepath.Join(home, ".rr")
	}
	xdgDir := ""
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		xdgDir = filepath.Join(xdg, "rr")
	} else if home != "" {
		xdgDir = filepath.Join(home, ".local", "share", "rr")
	}

	if dirExists(xdgDir) {
		return xdgDir
	}
	if dirExists(dotDir) {
		return dotDir
	}
	if xdgDir != "" && os.MkdirAll(xdgDir, 0700) == nil {
		return xdgDir
	}
	return "/tmp/rr"
}

func LatestTraceSymlink() string {
	return filepath.Join(DefaultTraceDir(), "latest-trace")
}

func dirExists(dir string) bool {
	if dir == "" {
		return false
	}
	st, err := os.Stat(dir)
	return err == nil && st.IsDir()
}

// newTraceDirName picks a fresh directory under the trace root named after
// the recorded executable.
func newTraceDirName(exePath string) (string, error) {
	root := DefaultTraceDir()
	if err := os.MkdirAll(root, 0700); err != nil {
		return "", fmt.Errorf("cannot create trace root %s: %w", root, err)
	}

	base := filepath.Base(exePath)
	base = strings.ReplaceAll(base, string(os.PathSeparator), "_")
	for i := 0; ; i++ {
		dir := filepath.Join(root, fmt.Sprintf("%s-%d", base, i))
		err := os.Mkdir(dir, 0700)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("cannot create trace directory %s: %w", dir, err)
		}
	}
}

// makeLatestTrace points the latest-trace symlink at dir. A concurrent
// recorder racing the unlink/symlink pair is benign; the winner's link
// stands.
func makeLatestTrace(dir string) {
	link := LatestTraceSymlink()
	os.Remove(link)
	err := os.Symlink(dir, link)
	if err != nil && !os.IsExist(err) {
		panic(err)
	}
}

// ResolveTraceDir maps a CLI trace-dir argument (possibly empty) to the
// directory to replay.
func ResolveTraceDir(arg string) string {
	if arg != "" {
		return arg
	}
	return LatestTraceSymlink()
}
