package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestSighandlersDefaults(t *testing.T) {
	s := NewSighandlers()
	assert.True(t, s.Get(unix.SIGUSR1).IsDefault())
}

func TestSighandlersCloneIsIndependent(t *testing.T) {
	s := NewSighandlers()
	s.Set(unix.SIGUSR1, Sighandler{Action: SigUserHandler, Fn: 0x1234})

	clone := s.Clone()
	clone.Set(unix.SIGUSR1, Sighandler{Action: SigIgnore})

	assert.True(t, s.Get(unix.SIGUSR1).IsUserHandler())
	assert.True(t, clone.Get(unix.SIGUSR1).IsIgnored())
}

func TestResetOnExec(t *testing.T) {
	s := NewSighandlers()
	s.Set(unix.SIGUSR1, Sighandler{Action: SigUserHandler, Fn: 0x1234, Resethand: true})
	s.Set(unix.SIGUSR2, Sighandler{Action: SigIgnore})

	s.ResetOnExec()

	// user handlers collapse to default; ignore dispositions survive
	assert.True(t, s.Get(unix.SIGUSR1).IsDefault())
	assert.True(t, s.Get(unix.SIGUSR2).IsIgnored())
}

func TestSighandlersSharedAcrossTasks(t *testing.T) {
	parent := New(0, 1, nil)
	parent.Sighandlers = NewSighandlers()
	parent.TG = NewTaskGroup(0, 1)
	parent.TG.Add(parent)

	// sharing is by pointer; a write through one task is seen by all
	child := New(0, 2, nil)
	child.Sighandlers = parent.Sighandlers
	child.Sighandlers.Set(unix.SIGALRM, Sighandler{Action: SigUserHandler, Fn: 0xabcd})
	assert.True(t, parent.Sighandlers.Get(unix.SIGALRM).IsUserHandler())
}

func TestTaskGroupDestabilize(t *testing.T) {
	tg := NewTaskGroup(100, 1)
	assert.False(t, tg.Unstable())
	tg.Destabilize()
	assert.True(t, tg.Unstable())
}
