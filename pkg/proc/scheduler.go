package proc

import (
	"time"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/klist"
)

// Clock is the wall clock the scheduler consults for SleepFor/SleepUntil,
// injected so tests can fake time instead of actually waiting.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Scheduler performs round-robin scheduling over a Table's run queue and
// implements the voluntary suspension points: sleep, wake, and process
// exit. Unlike the original, which reads an implicit "current process"
// global, Scheduler holds it as a field.
type Scheduler struct {
	Table *Table
	Clock Clock

	// ContextSwitch performs the actual CPU context switch from current to
	// next, e.g. by calling arch.Arch.SwitchProcess with their contexts.
	// current is nil the first time Tick ever switches in a process.
	ContextSwitch func(current, next *Process)

	current *Process
}

// NewScheduler constructs a Scheduler driving t, invoking contextSwitch on
// every head change.
func NewScheduler(t *Table, contextSwitch func(current, next *Process), clock Clock) *Scheduler {
	return &Scheduler{Table: t, Clock: clock, ContextSwitch: contextSwitch}
}

// Current returns the currently scheduled process, or nil before the first
// switch.
func (s *Scheduler) Current() *Process { return s.current }

// CurrentUID returns the uid of the current process, or 0 if there is none.
func (s *Scheduler) CurrentUID() uint32 {
	if s.current == nil {
		return 0
	}
	return s.current.UID
}

// CurrentGID returns the gid of the current process, or 0 if there is none.
func (s *Scheduler) CurrentGID() uint32 {
	if s.current == nil {
		return 0
	}
	return s.current.GID
}

// CurrentDefaultPerm returns the default file permission of the current
// process, or 0 if there is none.
func (s *Scheduler) CurrentDefaultPerm() uint32 {
	if s.current == nil {
		return 0
	}
	return s.current.DefaultPerm
}

// Tick performs one round-robin rotation of the run queue: the head moves
// to the tail, and a context switch happens only if the new head differs
// from the process currently running. Before any process has been
// switched in, nothing is rotated and the head itself is switched in
// first. This is the tick service's per-tick
// suspension point, and is also used directly as the voluntary-yield
// primitive by Sleep, SleepFor, SleepUntil, and Destroy.
func (s *Scheduler) Tick() {
	s.Table.guard.Section(func() {
		frontNode := s.Table.RunQueue.Front()
		if frontNode == nil {
			return
		}
		frontProc := frontNode.Value().(*Process)
		if s.current != nil {
			s.Table.RunQueue.MoveToBack(frontNode, frontProc)
		}

		newFrontNode := s.Table.RunQueue.Front()
		if newFrontNode == nil {
			return
		}
		next := newFrontNode.Value().(*Process)
		if next == s.current {
			return
		}
		prev := s.current
		s.current = next
		if s.ContextSwitch != nil {
			s.ContextSwitch(prev, next)
		}
	})
}

// Sleep moves the current process onto the sleep queue and yields. It
// returns once the process has been woken by Wake and rescheduled.
func (s *Scheduler) Sleep() {
	cur := s.current
	if cur == nil {
		return
	}
	s.Table.guard.Section(func() {
		cur.State = Sleeping
		s.Table.SleepQueue.MoveToBack(&cur.Node, cur)
	})
	s.Tick()
}

// SleepFor repeatedly yields until d has elapsed on the scheduler's clock.
// The process does not actually join the sleep queue during this time; it
// keeps its run-queue slot and busy-yields, per the documented
// simplification.
func (s *Scheduler) SleepFor(d time.Duration) {
	s.SleepUntil(s.Clock.Now().Add(d))
}

// SleepUntil repeatedly yields until t has passed on the scheduler's clock.
func (s *Scheduler) SleepUntil(t time.Time) {
	for s.Clock.Now().Before(t) {
		s.Tick()
	}
}

// Wake moves the process with the given id from the sleep queue back onto
// the run queue, if it is currently sleeping. It returns kernerr.ErrNotFound
// if no such process exists.
func (s *Scheduler) Wake(id uint64) error {
	p, ok := s.Table.Lookup(id)
	if !ok {
		return kernerr.ErrNotFound
	}
	s.Table.guard.Section(func() {
		if p.State == Sleeping {
			p.State = Runnable
			s.Table.RunQueue.MoveToBack(&p.Node, p)
		}
	})
	return nil
}

// Destroy records code as the current process's exit code, yields once,
// and then frees its stacks and loaded image and moves it onto the exited
// queue. The process never runs again: unlike the original, which resumes
// cleanup via an assembly-level trick that depends on the exiting
// process's own kernel stack still being valid after the switch, this
// cleanup simply runs synchronously in the same call, since nothing here
// depends on that stack remaining live.
func (s *Scheduler) Destroy(code int) {
	cur := s.current
	if cur == nil {
		return
	}
	cur.ExitCode = code
	s.Tick()

	s.Table.guard.Section(func() {
		klist.Remove(&cur.Node)
		cur.State = Exited
		s.Table.ExitedQueue.PushBack(&cur.Node, cur)
		delete(s.Table.byID, cur.ID)
	})
	cur.KernelStack = nil
	cur.UserStack = nil
	cur.Image = nil
}
