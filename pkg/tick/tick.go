// Package tick implements the kernel's tick service: a periodic timer
// interrupt handler that maintains a global tick counter and drives a list
// of interval callbacks (the scheduler's round-robin rotation chief among
// them).
package tick

import (
	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/irq"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/klist"
	"github.com/quarkkern/quark/pkg/kutil"
	"github.com/quarkkern/quark/pkg/kutil/ringbuffer"
	"github.com/quarkkern/quark/pkg/preempt"
)

// recentFiringsLen bounds the rolling log of recently-fired callback ids
// kept for diagnostics; older entries are overwritten as new ones arrive.
const recentFiringsLen = 64

// Timer device control function codes, issued via device.Ops.Control.
const (
	// CtlSetFrequency programs the timer's tick rate. in is a 4-byte
	// little-endian Hz value; out is unused.
	CtlSetFrequency uint32 = iota
	// CtlEnable re-arms the timer after a tick has been serviced.
	CtlEnable
	// CtlDisable masks the timer while a tick is being serviced.
	CtlDisable
)

type callback struct {
	klist.Node
	id       uint64
	interval uint32
	counter  uint32
	fn       func(arg any)
	arg      any
}

// Service is the tick service: a process-wide singleton bound to exactly
// one timer device, driving a list of interval callbacks from that device's
// interrupt handler.
type Service struct {
	guard preempt.Guard

	irqs *irq.Table
	dev  *device.Device

	tickCount uint64
	nextID    uint64
	callbacks klist.List
	fired     *ringbuffer.RingBuffer[uint64]
}

// NewService constructs an unstarted tick service.
func NewService() *Service {
	s := &Service{}
	s.callbacks.Init()
	fired, err := ringbuffer.New[uint64](recentFiringsLen)
	if err != nil {
		// recentFiringsLen is a positive compile-time constant; New only
		// fails on a non-positive capacity.
		panic(err)
	}
	s.fired = fired
	return s
}

// RecentFirings returns the ids of the most recently fired callbacks,
// oldest first, up to recentFiringsLen entries.
func (s *Service) RecentFirings() []uint64 {
	var out []uint64
	s.guard.Section(func() { out = s.fired.GetAll() })
	return out
}

// Start locates the first timer device in tree, programs it to hz via
// device.Ops.Control(CtlSetFrequency, ...), and installs the service's
// interrupt handler at the device's IRQL. Fails with
// kernerr.ErrNoSuchDevice if tree contains no timer device.
func (s *Service) Start(tree *device.Tree, irqs *irq.Table, hz uint32) error {
	var found *device.Device
	for d := tree.Next(nil); d != nil; d = tree.Next(d) {
		if d.Type == device.Timer {
			found = d
			break
		}
	}
	if found == nil {
		return kernerr.ErrNoSuchDevice
	}

	buf := make([]byte, 4)
	kutil.PutLEUint32(buf, hz)
	if err := found.Ops.Control(CtlSetFrequency, buf, nil); err != nil {
		return err
	}

	s.dev = found
	s.irqs = irqs
	return irqs.AddHandler(found.IRQL, nil, s.onTick)
}

// TickCount returns the number of ticks serviced since Start.
func (s *Service) TickCount() uint64 {
	var n uint64
	s.guard.Section(func() { n = s.tickCount })
	return n
}

// RegisterCallback installs fn to be invoked with arg every intervalTicks
// ticks, returning an opaque increasing id that can be passed to
// UnregisterCallback. Fails with kernerr.ErrInvalidArgument if
// intervalTicks is zero.
func (s *Service) RegisterCallback(intervalTicks uint32, fn func(arg any), arg any) (uint64, error) {
	if intervalTicks == 0 {
		return 0, kernerr.ErrInvalidArgument
	}
	var id uint64
	s.guard.Section(func() {
		s.nextID++
		id = s.nextID
		cb := &callback{id: id, interval: intervalTicks, counter: intervalTicks, fn: fn, arg: arg}
		s.callbacks.PushBack(&cb.Node, cb)
	})
	return id, nil
}

// UnregisterCallback removes the callback identified by id. Fails with
// kernerr.ErrNotFound if no such callback is registered.
func (s *Service) UnregisterCallback(id uint64) error {
	found := false
	s.guard.Section(func() {
		for n := s.callbacks.Front(); n != nil; n = s.callbacks.Next(n) {
			if n.Value().(*callback).id == id {
				klist.Remove(n)
				found = true
				return
			}
		}
	})
	if !found {
		return kernerr.ErrNotFound
	}
	return nil
}

func (s *Service) onTick(irql uint8, data any) {
	_ = s.dev.Ops.Control(CtlDisable, nil, nil)

	s.guard.Section(func() {
		s.tickCount++
		s.callbacks.Each(func(v any) {
			cb := v.(*callback)
			cb.counter--
			if cb.counter == 0 {
				cb.counter = cb.interval
				s.fired.Push(cb.id)
				cb.fn(cb.arg)
			}
		})
	})

	_ = s.dev.Ops.Control(CtlEnable, nil, nil)
}
