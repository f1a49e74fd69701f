package task

// TaskGroup is the set of tasks sharing a tgid.
type TaskGroup struct {
	Tgid    int
	RecTgid int

	tasks map[*Task]bool

	// set when a fatal signal is delivered to any member; reaping then
	// skips the waitpid synchronization that would deadlock on futex
	// joins of dying threads
	unstable bool
}

func NewTaskGroup(tgid, recTgid int) *TaskGroup {
	return &TaskGroup{
		Tgid:    tgid,
		RecTgid: recTgid,
		tasks:   make(map[*Task]bool),
	}
}

func (tg *TaskGroup) Add(t *Task) {
	tg.tasks[t] = true
}

func (tg *TaskGroup) Remove(t *Task) {
	delete(tg.tasks, t)
}

func (tg *TaskGroup) Tasks() map[*Task]bool {
	return tg.tasks
}

func (tg *TaskGroup) Destabilize() {
	tg.unstable = true
}

func (tg *TaskGroup) Unstable() bool {
	return tg.unstable
}
