package task

import "golang.org/x/sys/unix"

type SigAction int

const (
	SigDefault SigAction = iota
	SigIgnore
	SigUserHandler
)

// Sighandler is the disposition of one signal.
type Sighandler struct {
	Action    SigAction
	Resethand bool

	// user handler state
	Fn       uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}

func (h Sighandler) IsDefault() bool {
	return h.Action == SigDefault
}

func (h Sighandler) IsIgnored() bool {
	return h.Action == SigIgnore
}

func (h Sighandler) IsUserHandler() bool {
	return h.Action == SigUserHandler
}

const numSignals = 65

// Sighandlers is the signal disposition table of an address space, shared
// across tasks per CLONE_SIGHAND.
type Sighandlers struct {
	handlers [numSignals]Sighandler
}

func NewSighandlers() *Sighandlers {
	return &Sighandlers{}
}

func (s *Sighandlers) Get(sig unix.Signal) Sighandler {
	s.assertValid(sig)
	return s.handlers[sig]
}

func (s *Sighandlers) Set(sig unix.Signal, h Sighandler) {
	s.assertValid(sig)
	s.handlers[sig] = h
}

func (s *Sighandlers) assertValid(sig unix.Signal) {
	if sig <= 0 || int(sig) >= numSignals {
		panic("signal number out of range")
	}
}

// Clone copies the table for a fork.
func (s *Sighandlers) Clone() *Sighandlers {
	clone := *s
	return &clone
}

// ResetOnExec collapses user handlers to default; ignored signals stay
// ignored across exec.
func (s *Sighandlers) ResetOnExec() {
	for i := range s.handlers {
		if s.handlers[i].IsUserHandler() {
			s.handlers[i] = Sighandler{Action: SigDefault}
		}
	}
}
