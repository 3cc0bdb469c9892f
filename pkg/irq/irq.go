// Package irq implements the kernel's interrupt dispatch router: it routes
// every CPU exception and external interrupt to zero or more registered
// handlers, or to a safe default that reports the fault and halts.
package irq

import (
	"reflect"

	"github.com/go-logr/logr"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/preempt"
)

// IRQLMin and IRQLMax bound the valid interrupt request levels. Level 0 is
// reserved (never dispatched through the router) and above IRQLMax there is
// no vector.
const (
	IRQLMin uint8 = 1
	IRQLMax uint8 = 7
)

// HandlerFunc is a registered interrupt handler.
type HandlerFunc func(irql uint8, data any)

type node struct {
	fn   HandlerFunc
	data any
	next *node
}

// Table is the vector table: one handler chain per IRQL. A nil chain means
// the level is still wired to the default handler.
type Table struct {
	guard  preempt.Guard
	chains [IRQLMax + 1]*node

	log  logr.Logger
	halt func()

	// ArchInit, if set, is invoked once by Init after the vector table is
	// reset, to perform architecture-specific setup (trap vectors for
	// system calls, bus-error and address-error handlers, etc).
	ArchInit func() error

	// DumpContext, if set, is consulted by the default handler to render
	// register and stack state into the fault report.
	DumpContext func() string
}

// NewTable constructs a Table. log receives the default handler's fault
// report; halt is invoked after the report is logged, standing in for the
// architecture's stop instruction.
func NewTable(log logr.Logger, halt func()) *Table {
	return &Table{log: log, halt: halt}
}

// Init installs the default handler on every vector, then runs ArchInit if
// set.
func (t *Table) Init() error {
	var initErr error
	t.guard.Section(func() {
		for i := range t.chains {
			t.chains[i] = nil
		}
		if t.ArchInit != nil {
			initErr = t.ArchInit()
		}
	})
	return initErr
}

func sameHandler(a, b HandlerFunc) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// AddHandler registers fn for irql. If the slot currently holds only the
// default handler, fn replaces it; otherwise fn is appended to the chain in
// insertion order. Fails with kernerr.ErrInvalidArgument if irql is out of
// [IRQLMin, IRQLMax].
func (t *Table) AddHandler(irql uint8, data any, fn HandlerFunc) error {
	if irql < IRQLMin || irql > IRQLMax {
		return kernerr.ErrInvalidArgument
	}
	n := &node{fn: fn, data: data}
	t.guard.Section(func() {
		head := t.chains[irql]
		if head == nil {
			t.chains[irql] = n
			return
		}
		tail := head
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = n
	})
	return nil
}

// RemoveHandler finds the first node in irql's chain whose handler matches
// fn (and whose data matches, if data is non-nil) and splices it out. If the
// removed node was the sole custom handler, the level reverts to the
// default handler. Fails with kernerr.ErrNotFound if no match exists, or
// kernerr.ErrInvalidArgument if irql is out of range.
func (t *Table) RemoveHandler(irql uint8, fn HandlerFunc, data any) error {
	if irql < IRQLMin || irql > IRQLMax {
		return kernerr.ErrInvalidArgument
	}
	found := false
	t.guard.Section(func() {
		var prev *node
		cur := t.chains[irql]
		for cur != nil {
			if sameHandler(cur.fn, fn) && (data == nil || cur.data == data) {
				if prev == nil {
					t.chains[irql] = cur.next
				} else {
					prev.next = cur.next
				}
				found = true
				return
			}
			prev, cur = cur, cur.next
		}
	})
	if !found {
		return kernerr.ErrNotFound
	}
	return nil
}

// SetDefaultHandler frees any chain installed at irql and reverts it to the
// default handler. Fails with kernerr.ErrInvalidArgument if irql is out of
// range.
func (t *Table) SetDefaultHandler(irql uint8) error {
	if irql < IRQLMin || irql > IRQLMax {
		return kernerr.ErrInvalidArgument
	}
	t.guard.Section(func() {
		t.chains[irql] = nil
	})
	return nil
}

// Dispatch routes irql to its registered handler chain, invoking each
// handler in insertion order, or to the default handler if no custom
// handler is installed. Dispatch, like add/remove, runs with preemption
// disabled.
func (t *Table) Dispatch(irql uint8, data any) {
	t.guard.Section(func() {
		chain := t.chains[irql]
		if chain == nil {
			t.runDefault(irql)
			return
		}
		for n := chain; n != nil; n = n.next {
			n.fn(irql, n.data)
		}
	})
}

func (t *Table) runDefault(irql uint8) {
	report := "unhandled interrupt"
	if t.DumpContext != nil {
		report = t.DumpContext()
	}
	t.log.Error(kernerr.ErrNotSupported, "irq: unhandled vector, halting", "irql", irql, "context", report)
	if t.halt != nil {
		t.halt()
	}
}
