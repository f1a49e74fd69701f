package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mihkeltiks/rec-replay/session"
)

func TestParseRecord(t *testing.T) {
	args := parseArgs([]string{"record", "/bin/ls", "-la", "/tmp"})
	assert.Equal(t, verbRecord, args.verb)
	assert.Equal(t, "/bin/ls", args.exe)
	assert.Equal(t, []string{"-la", "/tmp"}, args.exeArgs)
	assert.True(t, args.useSyscallBuffer)
}

func TestParseReplayWithDir(t *testing.T) {
	args := parseArgs([]string{"replay", "/tmp/trace-0"})
	assert.Equal(t, verbReplay, args.verb)
	assert.Equal(t, "/tmp/trace-0", args.traceDir)
}

func TestParseReplayDefaultsToLatest(t *testing.T) {
	args := parseArgs([]string{"replay"})
	assert.Equal(t, "", args.traceDir)
}

func TestParseFlags(t *testing.T) {
	args := parseArgs([]string{
		"--dump-at=100", "--checksum=syscall", "--mark-stdio",
		"--no-syscall-buffer", "--monitor=0.0.0.0:9999",
		"record", "/bin/true",
	})
	assert.Equal(t, uint64(100), args.dumpAt)
	assert.Equal(t, session.ChecksumSyscall, args.checksumMode)
	assert.True(t, args.markStdio)
	assert.False(t, args.useSyscallBuffer)
	assert.Equal(t, "0.0.0.0:9999", args.monitorAddr)
}

func TestParseChecksumFromTime(t *testing.T) {
	args := parseArgs([]string{"--checksum=500", "record", "/bin/true"})
	assert.Equal(t, session.ChecksumFrom, args.checksumMode)
	assert.Equal(t, uint64(500), args.checksumAt)
}

func TestTraceeFlagsStayWithTracee(t *testing.T) {
	args := parseArgs([]string{"record", "/bin/grep", "--color=auto", "-v", "x"})
	assert.Equal(t, []string{"--color=auto", "-v", "x"}, args.exeArgs)
}
