package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseMapsLineFileBacked(t *testing.T) {
	km, err := parseMapsLine("7f2c31a00000-7f2c31bc2000 r-xp 00000000 08:01 1048602                    /usr/lib/libc-2.19.so")
	require.NoError(t, err)

	assert.Equal(t, uint64(0x7f2c31a00000), km.Map.Start)
	assert.Equal(t, uint64(0x7f2c31bc2000), km.Map.End)
	assert.Equal(t, unix.PROT_READ|unix.PROT_EXEC, km.Map.Prot)
	assert.Equal(t, MapPrivate, km.Map.Flags)
	assert.True(t, km.Res.Id.IsRealDevice())
	assert.Equal(t, uint64(8), km.Res.Id.DevMajor)
	assert.Equal(t, uint64(1), km.Res.Id.DevMinor)
	assert.Equal(t, uint64(1048602), km.Res.Id.Inode)
	assert.Equal(t, "/usr/lib/libc-2.19.so", km.Res.Fsname)
}

func TestParseMapsLinePseudoRegions(t *testing.T) {
	heap, err := parseMapsLine("01e05000-01e26000 rw-p 00000000 00:00 0                                  [heap]")
	require.NoError(t, err)
	assert.Equal(t, DeviceHeap, heap.Res.Id.Device)

	stack, err := parseMapsLine("7ffd3a000000-7ffd3a021000 rw-p 00000000 00:00 0                          [stack]")
	require.NoError(t, err)
	assert.Equal(t, DeviceStack, stack.Res.Id.Device)

	vdso, err := parseMapsLine("7ffd3a1fe000-7ffd3a200000 r-xp 00000000 00:00 0                          [vdso]")
	require.NoError(t, err)
	assert.Equal(t, DeviceVdso, vdso.Res.Id.Device)

	anon, err := parseMapsLine("7f2c31e00000-7f2c31e21000 rw-p 00000000 00:00 0")
	require.NoError(t, err)
	assert.Equal(t, DeviceAnonymous, anon.Res.Id.Device)
}

func TestParseMapsLineSharedFlag(t *testing.T) {
	km, err := parseMapsLine("7f2c31e00000-7f2c31e21000 rw-s 00000000 00:04 163840                     /SYSV00000000")
	require.NoError(t, err)
	assert.Equal(t, MapShared, km.Map.Flags)
}

func TestParseMapsLineRejectsGarbage(t *testing.T) {
	_, err := parseMapsLine("not a maps line")
	assert.Error(t, err)
}

func TestFileIdEquivalence(t *testing.T) {
	a := RealDeviceId(8, 1, 42)
	assert.True(t, a.Equivalent(RealDeviceId(8, 1, 42)))
	assert.False(t, a.Equivalent(RealDeviceId(8, 2, 42)))
	assert.False(t, a.Equivalent(RealDeviceId(8, 1, 43)))

	// zero major: minor is ignored, a concession to kernels that report
	// tmpfs minors inconsistently
	z := RealDeviceId(0, 1, 42)
	assert.True(t, z.Equivalent(RealDeviceId(0, 9, 42)))
	assert.False(t, z.Equivalent(RealDeviceId(0, 9, 43)))

	assert.True(t, PseudoDeviceId(DeviceHeap).Equivalent(PseudoDeviceId(DeviceHeap)))
	assert.False(t, PseudoDeviceId(DeviceHeap).Equivalent(PseudoDeviceId(DeviceStack)))
	assert.False(t, PseudoDeviceId(DeviceHeap).Equivalent(a))
}

func TestDebugControlEncoding(t *testing.T) {
	dr7, ok := DebugControl([]WatchConfig{{Addr: 0x1000, NumBytes: 4, Type: WatchWrite}})
	require.True(t, ok)
	// slot 0: local enable, write type, 4-byte length
	assert.Equal(t, uint64(1|0x1<<16|0x3<<18), dr7)
}

func TestDebugControlRejectsOverBudget(t *testing.T) {
	configs := make([]WatchConfig, NumDebugRegisters+1)
	for i := range configs {
		configs[i] = WatchConfig{Addr: uint64(0x1000 * (i + 1)), NumBytes: 4, Type: WatchWrite}
	}
	_, ok := DebugControl(configs)
	assert.False(t, ok)
}

func TestDebugControlRejectsUnencodableLength(t *testing.T) {
	_, ok := DebugControl([]WatchConfig{{Addr: 0x1000, NumBytes: 3, Type: WatchWrite}})
	assert.False(t, ok)
}
