package patcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestVdsoSyscallTemplate(t *testing.T) {
	tmpl := vdsoSyscallTemplate(unix.SYS_CLOCK_GETTIME)
	require.Len(t, tmpl, 8)
	assert.Equal(t, byte(0xb8), tmpl[0], "mov imm32 into eax")
	assert.Equal(t, byte(unix.SYS_CLOCK_GETTIME), tmpl[1])
	assert.Equal(t, []byte{0x0f, 0x05}, tmpl[5:7], "real syscall instruction")
	assert.Equal(t, byte(0xc3), tmpl[7], "ret")
}

func TestVdsoTrampolineTemplateEncodesRelativeCall(t *testing.T) {
	site := uint64(0x7fff00001000)
	trampoline := uint64(0x7fff00002000)
	tmpl, ok := vdsoTrampolineTemplate(unix.SYS_GETTIMEOFDAY, site, trampoline)
	require.True(t, ok)
	assert.Equal(t, byte(0xe8), tmpl[5])

	rel := int32(uint32(tmpl[6]) | uint32(tmpl[7])<<8 | uint32(tmpl[8])<<16 | uint32(tmpl[9])<<24)
	// call is relative to the instruction after the rel32
	assert.Equal(t, trampoline, site+vdsoTrampolineCallOffset+5+uint64(rel))
}

func TestTrampolineBeyondRangeIsRejected(t *testing.T) {
	site := uint64(0x1000)
	trampoline := site + (1 << 33)
	_, ok := vdsoTrampolineTemplate(unix.SYS_TIME, site, trampoline)
	assert.False(t, ok)

	_, ok = jumpTemplate(site, trampoline)
	assert.False(t, ok)

	_, ok = callTemplate(site, trampoline, 8)
	assert.False(t, ok)
}

func TestCallTemplateNopsTail(t *testing.T) {
	tmpl, ok := callTemplate(0x1000, 0x2000, 7)
	require.True(t, ok)
	require.Len(t, tmpl, 7)
	assert.Equal(t, byte(0xe8), tmpl[0])
	assert.Equal(t, []byte{0x90, 0x90}, tmpl[5:])
}

func TestCallTemplateNeedsFiveBytes(t *testing.T) {
	_, ok := callTemplate(0x1000, 0x2000, 4)
	assert.False(t, ok)
}

func TestHookMatching(t *testing.T) {
	hook := SyscallPatchHook{NextInsnBytes: []byte{0x48, 0x89, 0xc2}, HookAddr: 0x5000}

	assert.True(t, hook.Matches([]byte{0x48, 0x89, 0xc2, 0xff, 0xff}))
	assert.False(t, hook.Matches([]byte{0x48, 0x89}))
	assert.False(t, hook.Matches([]byte{0x49, 0x89, 0xc2}))
}

func TestPcRelativeLimits(t *testing.T) {
	rel, ok := pcRelative(0x1000, 0x2000)
	require.True(t, ok)
	assert.Equal(t, int32(0x1000), rel)

	rel, ok = pcRelative(0x2000, 0x1000)
	require.True(t, ok)
	assert.Equal(t, int32(-0x1000), rel)

	_, ok = pcRelative(0, 1<<31)
	assert.False(t, ok)
}

func TestKernelVsyscallSignature(t *testing.T) {
	// push ecx; push edx; push ebp; mov ebp, esp; sysenter
	assert.Equal(t, []byte{0x51, 0x52, 0x55, 0x89, 0xe5, 0x0f, 0x34}, kernelVsyscallSignature)
}
