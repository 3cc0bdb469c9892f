// Package preempt implements the counter-based critical-section guard that
// protects kernel data structures (run queues, device tree, mount table,
// tick callback list, IRQ handler chains, slab lists) from scheduler-induced
// context switches.
//
// A single-CPU kernel doesn't need a mutex here: Disable/Enable just need to
// stop the tick handler from driving a context switch mid-update. The
// counter makes the guard reentrant, matching preempt_disable()/
// preempt_enable() pairs that nest in the original C sources.
package preempt

import "sync/atomic"

// Guard is a reentrant preempt-disable counter.
type Guard struct {
	count atomic.Int32
}

// Disable increments the guard's nesting count.
func (g *Guard) Disable() {
	g.count.Add(1)
}

// Enable decrements the guard's nesting count. Enable without a matching
// Disable is a programming error but does not panic, since a scheduler tick
// must never panic.
func (g *Guard) Enable() {
	for {
		cur := g.count.Load()
		if cur == 0 {
			return
		}
		if g.count.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Disabled reports whether preemption is currently disabled.
func (g *Guard) Disabled() bool {
	return g.count.Load() > 0
}

// Section runs fn with preemption disabled, guaranteeing Enable is called
// even if fn panics.
func (g *Guard) Section(fn func()) {
	g.Disable()
	defer g.Enable()
	fn()
}
