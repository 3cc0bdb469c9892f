package proc_test

import (
	"sync"
	"testing"
	"time"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/proc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually-advanced Clock for deterministic SleepFor/
// SleepUntil tests, safe to advance from a goroutine other than the one
// calling SleepFor/SleepUntil.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newProcess(t *testing.T, tbl *proc.Table, name string) *proc.Process {
	t.Helper()
	p, err := tbl.Create(proc.CreateParams{Name: name, Flags: proc.FlagKernel, Entry: func(any) {}})
	require.NoError(t, err)
	return p
}

func TestTickRotatesAndSwitchesOnlyOnHeadChange(t *testing.T) {
	tbl := newTable()
	a := newProcess(t, tbl, "a")
	b := newProcess(t, tbl, "b")

	var switches [][2]string
	label := func(p *proc.Process) string {
		if p == nil {
			return "<nil>"
		}
		return p.Name
	}
	sched := proc.NewScheduler(tbl, func(cur, next *proc.Process) {
		switches = append(switches, [2]string{label(cur), label(next)})
	}, proc.SystemClock{})

	sched.Tick()
	assert.Equal(t, a, sched.Current())
	assert.Equal(t, [][2]string{{"<nil>", "a"}}, switches)

	sched.Tick()
	assert.Equal(t, b, sched.Current())
	assert.Equal(t, [][2]string{{"<nil>", "a"}, {"a", "b"}}, switches)

	sched.Tick()
	assert.Equal(t, a, sched.Current())
	assert.Len(t, switches, 3)
}

func TestTickNoSwitchWithSingleRunnableProcess(t *testing.T) {
	tbl := newTable()
	newProcess(t, tbl, "solo")

	switches := 0
	sched := proc.NewScheduler(tbl, func(cur, next *proc.Process) { switches++ }, proc.SystemClock{})

	sched.Tick()
	sched.Tick()
	sched.Tick()
	assert.Equal(t, 1, switches)
}

func TestSleepAndWakeCycleProcessBetweenQueues(t *testing.T) {
	tbl := newTable()
	a := newProcess(t, tbl, "a")
	b := newProcess(t, tbl, "b")

	sched := proc.NewScheduler(tbl, func(cur, next *proc.Process) {}, proc.SystemClock{})
	sched.Tick() // current = a

	sched.Sleep()
	assert.Equal(t, proc.Sleeping, a.State)
	assert.Equal(t, 1, tbl.SleepQueue.Len())
	assert.Equal(t, 1, tbl.RunQueue.Len())
	assert.Equal(t, b, sched.Current())

	require.NoError(t, sched.Wake(a.ID))
	assert.Equal(t, proc.Runnable, a.State)
	assert.Equal(t, 0, tbl.SleepQueue.Len())
	assert.Equal(t, 2, tbl.RunQueue.Len())
}

func TestWakeUnknownIDReturnsNotFound(t *testing.T) {
	tbl := newTable()
	sched := proc.NewScheduler(tbl, nil, proc.SystemClock{})
	assert.ErrorIs(t, sched.Wake(999), kernerr.ErrNotFound)
}

func TestSleepForUsesInjectedClock(t *testing.T) {
	tbl := newTable()
	a := newProcess(t, tbl, "a")
	newProcess(t, tbl, "b")

	clock := &fakeClock{now: time.Unix(0, 0)}
	ticks := 0
	sched := proc.NewScheduler(tbl, func(cur, next *proc.Process) { ticks++ }, clock)
	sched.Tick()
	assert.Equal(t, a, sched.Current())

	done := make(chan struct{})
	go func() {
		sched.SleepFor(5 * time.Second)
		close(done)
	}()

	// advance the clock in small increments so SleepFor's busy-yield loop
	// observes it across several iterations before the deadline passes
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
	}
	<-done
	assert.GreaterOrEqual(t, ticks, 1)
}

func TestDestroyMovesProcessToExitedQueueAndFreesStacks(t *testing.T) {
	tbl := newTable()
	a := newProcess(t, tbl, "a")
	newProcess(t, tbl, "b")

	sched := proc.NewScheduler(tbl, func(cur, next *proc.Process) {}, proc.SystemClock{})
	sched.Tick() // current = a

	sched.Destroy(7)
	assert.Equal(t, proc.Exited, a.State)
	assert.Equal(t, 7, a.ExitCode)
	assert.Nil(t, a.KernelStack)
	assert.Nil(t, a.UserStack)
	assert.Equal(t, 1, tbl.ExitedQueue.Len())
	assert.Equal(t, 1, tbl.RunQueue.Len())

	_, ok := tbl.Lookup(a.ID)
	assert.False(t, ok)
}

func TestCurrentAccessorsReflectRunningProcess(t *testing.T) {
	tbl := newTable()
	p, err := tbl.Create(proc.CreateParams{UID: 42, GID: 7, Name: "a", Flags: proc.FlagKernel, Entry: func(any) {}})
	require.NoError(t, err)

	sched := proc.NewScheduler(tbl, func(cur, next *proc.Process) {}, proc.SystemClock{})
	assert.Equal(t, uint32(0), sched.CurrentUID())

	sched.Tick()
	assert.Equal(t, p, sched.Current())
	assert.Equal(t, uint32(42), sched.CurrentUID())
	assert.Equal(t, uint32(7), sched.CurrentGID())
	assert.Equal(t, uint32(proc.DefaultFilePerm), sched.CurrentDefaultPerm())
}
