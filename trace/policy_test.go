package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestShouldCopyUnlinkedFile(t *testing.T) {
	assert.True(t, ShouldCopyRegion("/tmp/gone (deleted)", FileInfo{Exists: true, Writable: true},
		unix.PROT_READ, unix.MAP_PRIVATE, false))
	assert.True(t, ShouldCopyRegion("/tmp/gone", FileInfo{Exists: false},
		unix.PROT_READ, unix.MAP_PRIVATE, false))
}

func TestShouldCopyTmpfsFile(t *testing.T) {
	info := FileInfo{Exists: true, OnTmpfs: true, Writable: true}
	assert.True(t, ShouldCopyRegion("/dev/shm/thing", info, unix.PROT_READ, unix.MAP_SHARED, false))
}

func TestNoCopyForExecutableImage(t *testing.T) {
	info := FileInfo{Exists: true, Mode: 0755, Uid: 0}
	assert.False(t, ShouldCopyRegion("/usr/lib/libc.so", info,
		unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE, false))
}

func TestNoCopyForDataSectionOfExecutable(t *testing.T) {
	// private r/w mapping of a +x file: a data section
	info := FileInfo{Exists: true, Mode: 0755, Uid: 1000, Writable: true}
	assert.False(t, ShouldCopyRegion("/usr/lib/libfoo.so", info,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE, false))
}

func TestNoCopyForRootOwnedUnwritable(t *testing.T) {
	info := FileInfo{Exists: true, Mode: 0644, Uid: 0, Writable: false}
	assert.False(t, ShouldCopyRegion("/etc/ld.so.cache", info,
		unix.PROT_READ, unix.MAP_SHARED, false))
}

func TestCopyForPrivateOrdinaryFile(t *testing.T) {
	info := FileInfo{Exists: true, Mode: 0644, Uid: 1000, Writable: true}
	assert.True(t, ShouldCopyRegion("/home/u/cache.bin", info,
		unix.PROT_READ, unix.MAP_PRIVATE, false))
}

func TestCopyForWritableSharedMapping(t *testing.T) {
	info := FileInfo{Exists: true, Mode: 0666, Uid: 1000, Writable: true}
	assert.True(t, ShouldCopyRegion("/home/u/shared.dat", info,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, true))
}

func TestCopyForReadOnlyNonSystemFile(t *testing.T) {
	info := FileInfo{Exists: true, Mode: 0444, Uid: 1000, Writable: false}
	assert.True(t, ShouldCopyRegion("/home/u/ro.dat", info,
		unix.PROT_READ, unix.MAP_SHARED, false))
}
