package session

import (
	"sort"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/patcher"
	"github.com/mihkeltiks/rec-replay/proc"
	"github.com/mihkeltiks/rec-replay/task"
)

// Kind tags the session variant. Record and replay share the task and
// address space bookkeeping; their per-variant state lives in the recorder
// and replayer structs.
type Kind int

const (
	KindRecord Kind = iota
	KindReplay
)

// Config carries the CLI knobs the core consumes.
type Config struct {
	ChecksumMode     ChecksumMode
	ChecksumAt       uint64
	DumpAt           uint64
	MarkStdio        bool
	UseSyscallBuffer bool
	MonitorSink      StatusSink
}

// StatusSink receives live recorder progress; the websocket monitor
// implements it.
type StatusSink interface {
	PushStatus(status interface{})
}

// Session owns every task by its stable trace id, the address spaces, and
// the trace stream. All process-wide counters live here so concurrent
// sessions (tests) don't interfere.
type Session struct {
	kind Kind

	tasks  map[int]*task.Task
	spaces map[*proc.AddressSpace]bool

	// per-address-space patch state
	patchers map[*proc.AddressSpace]*patcher.Patcher

	config Config

	nextRecTid    int
	nextAnonInode uint64

	// rec tid handed out last; round-robin within the chosen priority
	// level resumes after it
	lastScheduled int

	// set on spawn and on exec; the spawned tracee is first seen after its
	// exec, so there is no pre-exec initialization path
	canValidate bool
}

func newSession(kind Kind, config Config) *Session {
	return &Session{
		kind:          kind,
		tasks:         make(map[int]*task.Task),
		spaces:        make(map[*proc.AddressSpace]bool),
		patchers:      make(map[*proc.AddressSpace]*patcher.Patcher),
		config:        config,
		nextRecTid:    1,
		nextAnonInode: 1,
	}
}

func (s *Session) Kind() Kind {
	return s.kind
}

// CanValidate says whether /proc/maps describes the final (post-exec)
// tracee, so address space caches may be populated from it and verified
// against it.
func (s *Session) CanValidate() bool {
	return s.canValidate
}

func (s *Session) FindTask(recTid int) *task.Task {
	return s.tasks[recTid]
}

func (s *Session) TaskCount() int {
	return len(s.tasks)
}

func (s *Session) registerTask(t *task.Task) {
	s.tasks[t.RecTid()] = t
	s.spaces[t.AS] = true
	if s.patchers[t.AS] == nil {
		s.patchers[t.AS] = patcher.New()
	}
}

func (s *Session) patcherFor(as *proc.AddressSpace) *patcher.Patcher {
	p := s.patchers[as]
	if p == nil {
		p = patcher.New()
		s.patchers[as] = p
	}
	return p
}

// NextRecTid hands out stable trace identifiers.
func (s *Session) NextRecTid() int {
	id := s.nextRecTid
	s.nextRecTid++
	return id
}

// NextAnonymousInode distinguishes anonymous pseudo-device allocations.
func (s *Session) NextAnonymousInode() uint64 {
	inode := s.nextAnonInode
	s.nextAnonInode++
	return inode
}

// SchedulingNext picks the task to run: the highest priority level wins,
// round-robin within it.
func (s *Session) SchedulingNext() *task.Task {
	if len(s.tasks) == 0 {
		return nil
	}

	recTids := make([]int, 0, len(s.tasks))
	for recTid := range s.tasks {
		recTids = append(recTids, recTid)
	}
	sort.Ints(recTids)

	best := s.tasks[recTids[0]].Priority
	for _, recTid := range recTids {
		if p := s.tasks[recTid].Priority; p > best {
			best = p
		}
	}

	candidates := make([]int, 0, len(recTids))
	for _, recTid := range recTids {
		if s.tasks[recTid].Priority == best {
			candidates = append(candidates, recTid)
		}
	}

	for _, recTid := range candidates {
		if recTid > s.lastScheduled {
			s.lastScheduled = recTid
			return s.tasks[recTid]
		}
	}
	s.lastScheduled = candidates[0]
	return s.tasks[candidates[0]]
}

// OnTaskDestroy unregisters a dying task; invoked from the task destructor.
func (s *Session) OnTaskDestroy(t *task.Task) {
	delete(s.tasks, t.RecTid())
}

// OnAddressSpaceDestroy drops an address space that lost its last task.
func (s *Session) OnAddressSpaceDestroy(as *proc.AddressSpace) {
	delete(s.spaces, as)
	delete(s.patchers, as)
}

// KillAll tears down every remaining task.
func (s *Session) KillAll() {
	for _, t := range tasksSnapshot(s.tasks) {
		t.Destroy()
	}
}

func tasksSnapshot(tasks map[int]*task.Task) []*task.Task {
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	return out
}

func (s *Session) pushStatus(phase string, globalTime uint64) {
	if s.config.MonitorSink == nil {
		return
	}
	tids := make([]int, 0, len(s.tasks))
	for recTid := range s.tasks {
		tids = append(tids, recTid)
	}
	sort.Ints(tids)
	s.config.MonitorSink.PushStatus(map[string]interface{}{
		"phase":      phase,
		"globalTime": globalTime,
		"tasks":      tids,
	})
}

// sanity check shared by both variants after mutating an address space
func (s *Session) verifyIfEnabled(t *task.Task) {
	if s.canValidate && logger.MAX_LOG_LEVEL >= logger.Levels.Debug {
		t.AS.Verify(t)
	}
}
