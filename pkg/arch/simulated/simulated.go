// Package simulated provides a goroutine-based reference implementation of
// pkg/arch, so the boot flow, scheduler, and process model can be exercised
// end to end without real hardware. Each simulated process is a real
// goroutine; a context switch is a channel handoff between the switching-out
// goroutine and the switching-in one, which keeps exactly one process
// goroutine runnable at a time - the same single-CPU, one-thing-at-a-time
// discipline the real kernel enforces with preempt_disable/enable.
package simulated

import (
	"sync"
	"sync/atomic"

	"github.com/quarkkern/quark/pkg/arch"
)

// procContext is the concrete type behind arch.Context for this
// implementation.
type procContext struct {
	mu      sync.Mutex
	started bool
	resume  chan struct{}
	entry   func(arg any)
	arg     any
}

// Arch is a goroutine-backed implementation of arch.Arch. The zero value is
// ready to use.
type Arch struct {
	interruptsDisabled atomic.Bool
}

// New returns a ready-to-use simulated Arch.
func New() *Arch { return &Arch{} }

func (a *Arch) EnableInterrupts()  { a.interruptsDisabled.Store(false) }
func (a *Arch) DisableInterrupts() { a.interruptsDisabled.Store(true) }

// Halt blocks forever, standing in for a CPU stop instruction; it never
// returns.
func (a *Arch) Halt() {
	select {}
}

// SWI is a no-op in the simulated architecture: there is no real trap table
// to vector through. It exists so callers that model system-call-by-SWI can
// be exercised without a real CPU.
func (a *Arch) SWI(vector uint8) {}

// TAS atomically tests and sets the low bit of *addr, returning whether it
// was already set.
func (a *Arch) TAS(addr *uint32) bool {
	for {
		old := atomic.LoadUint32(addr)
		if old&1 != 0 {
			return true
		}
		if atomic.CompareAndSwapUint32(addr, old, old|1) {
			return false
		}
	}
}

// ProcInit builds a procContext that will invoke entry(arg) in its own
// goroutine on first switch-in. Stack slices are accepted to satisfy the
// arch.Arch contract but are otherwise unused: a goroutine's stack is
// managed by the Go runtime, not laid out by this package.
func (a *Arch) ProcInit(entry func(arg any), arg any, userStack, kernelStack []byte, kernelMode bool) (arch.Context, error) {
	return &procContext{
		resume: make(chan struct{}),
		entry:  entry,
		arg:    arg,
	}, nil
}

// SwitchProcess hands control to next, starting its goroutine on first
// switch-in or waking it from a prior suspension otherwise, then - if
// current is non-nil - blocks the calling goroutine (which must be current's
// own) until a later SwitchProcess call names current as next again.
func (a *Arch) SwitchProcess(current, next arch.Context) {
	nc := next.(*procContext)

	nc.mu.Lock()
	alreadyStarted := nc.started
	nc.started = true
	nc.mu.Unlock()

	if alreadyStarted {
		nc.resume <- struct{}{}
	} else {
		go nc.entry(nc.arg)
	}

	if current != nil {
		cc := current.(*procContext)
		<-cc.resume
	}
}
