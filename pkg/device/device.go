// Package device implements the kernel's device tree: a single tree of
// named device nodes rooted at a synthetic root device, discovered and
// created during boot and sub-device enumeration (e.g. partition scanning).
package device

import (
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/klist"
	"github.com/quarkkern/quark/pkg/kutil/ringbuffer"
	"github.com/quarkkern/quark/pkg/preempt"
)

// pendingLogLen bounds the rolling log of "packets pending" counts an ISR
// hands off to a blocking reader; older entries are overwritten as new
// ones arrive.
const pendingLogLen = 32

// Type classifies what kind of device a node represents.
type Type uint8

const (
	None Type = iota
	Block
	Char
	Net
	Serial
	RTC
	Mem
	NVRAM
	Timer
	Multi
)

// State is a device's operational state.
type State uint8

const (
	Unknown State = iota
	Ready
	Error
)

// nameAlphabet is the fixed 62-character alphabet used to disambiguate
// sibling device names sharing a prefix.
const nameAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Ops is the device operation contract. Every method is fallible; drivers
// that do not support an operation should embed NotSupportedOps and leave it
// unoverridden rather than returning a driver-specific error for it.
type Ops interface {
	Read(offset uint64, buf []byte) (n int, err error)
	Write(offset uint64, buf []byte) (n int, err error)
	Control(fn uint32, in, out []byte) error
	Getc() (byte, error)
	Putc(b byte) error
	ShutDown() error
}

// NotSupportedOps is the default op-stub table: every method returns
// kernerr.ErrNotSupported. Drivers embed it and override only the methods
// their device actually implements.
type NotSupportedOps struct{}

func (NotSupportedOps) Read(offset uint64, buf []byte) (int, error) {
	return 0, kernerr.ErrNotSupported
}
func (NotSupportedOps) Write(offset uint64, buf []byte) (int, error) {
	return 0, kernerr.ErrNotSupported
}
func (NotSupportedOps) Control(fn uint32, in, out []byte) error { return kernerr.ErrNotSupported }
func (NotSupportedOps) Getc() (byte, error)                     { return 0, kernerr.ErrNotSupported }
func (NotSupportedOps) Putc(b byte) error                       { return kernerr.ErrNotSupported }
func (NotSupportedOps) ShutDown() error                         { return kernerr.ErrNotSupported }

// Device is a single node in the device tree. Siblings under the same
// parent are linked via an embedded klist.Node; the parent owns its
// children's lifetime, siblings are non-owning references.
type Device struct {
	klist.Node

	Name      string
	HumanName string
	Type      Type
	Subtype   uint16
	State     State
	IRQL      uint8
	BaseAddr  uint32

	Parent   *Device
	Children klist.List

	Ops  Ops
	Data any

	pending *ringbuffer.RingBuffer[uint64]
}

// NotePending records that an ISR has delivered count more units of
// pending work (e.g. packets waiting in an RX FIFO) for a blocking reader
// to observe, rolling off the oldest entry once pendingLogLen counts are
// queued.
func (d *Device) NotePending(count uint64) {
	d.pending.Push(count)
}

// PendingCounts returns the most recently recorded pending-work counts,
// oldest first.
func (d *Device) PendingCounts() []uint64 {
	return d.pending.GetAll()
}

// Tree is the kernel's device tree: a process-wide singleton rooted at a
// synthetic root device, with a global name registry enforcing uniqueness.
type Tree struct {
	guard preempt.Guard
	root  *Device
	names map[string]*Device
}

// NewTree constructs an empty device tree with its synthetic root device.
func NewTree() *Tree {
	root := &Device{Name: "root", Type: None, Ops: NotSupportedOps{}, pending: newPendingLog()}
	root.Children.Init()
	return &Tree{root: root, names: map[string]*Device{"root": root}}
}

func newPendingLog() *ringbuffer.RingBuffer[uint64] {
	r, err := ringbuffer.New[uint64](pendingLogLen)
	if err != nil {
		// pendingLogLen is a positive compile-time constant; New only
		// fails on a non-positive capacity.
		panic(err)
	}
	return r
}

// Root returns the tree's synthetic root device.
func (t *Tree) Root() *Device { return t.root }

// Create allocates a new device under parent (or the tree root, if parent is
// nil), picks a unique name by suffixing namePrefix with the first available
// character of the 62-character alphabet, installs default op stubs, and
// calls initFn(dev). If initFn returns an error, the device is detached and
// its name released before the error is returned.
//
// Fails with kernerr.ErrTooManyFiles if every suffix character is already
// taken for namePrefix.
func (t *Tree) Create(typ Type, subtype uint16, namePrefix string, irql uint8, baseAddr uint32,
	humanName string, parent *Device, initFn func(*Device) error) (*Device, error) {

	if parent == nil {
		parent = t.root
	}

	var d *Device
	var err error
	t.guard.Section(func() {
		name, ok := t.pickName(namePrefix)
		if !ok {
			err = kernerr.ErrTooManyFiles
			return
		}

		d = &Device{
			Name:      name,
			HumanName: humanName,
			Type:      typ,
			Subtype:   subtype,
			IRQL:      irql,
			BaseAddr:  baseAddr,
			Parent:    parent,
			Ops:       NotSupportedOps{},
			pending:   newPendingLog(),
		}
		d.Children.Init()
		parent.Children.PushBack(&d.Node, d)
		t.names[name] = d
	})
	if err != nil {
		return nil, err
	}

	if initErr := initFn(d); initErr != nil {
		t.guard.Section(func() {
			klist.Remove(&d.Node)
			delete(t.names, d.Name)
		})
		return nil, initErr
	}
	return d, nil
}

func (t *Tree) pickName(prefix string) (string, bool) {
	for _, c := range nameAlphabet {
		candidate := prefix + string(c)
		if _, taken := t.names[candidate]; !taken {
			return candidate, true
		}
	}
	return "", false
}

// Find looks up a device by its globally unique name.
func (t *Tree) Find(name string) (*Device, bool) {
	var d *Device
	var ok bool
	t.guard.Section(func() {
		d, ok = t.names[name]
	})
	return d, ok
}

// Next performs one step of a depth-first traversal starting at d (or the
// tree root if d is nil), visiting every node in creation order, matching
// the original dev_get_next() iterator contract. It returns nil once the
// traversal is exhausted.
func (t *Tree) Next(d *Device) *Device {
	if d == nil {
		return t.root
	}
	if child := d.Children.Front(); child != nil {
		return child.Value().(*Device)
	}
	for cur := d; cur != nil; cur = cur.Parent {
		if cur.Parent == nil {
			return nil
		}
		if sib := cur.Parent.Children.Next(&cur.Node); sib != nil {
			return sib.Value().(*Device)
		}
	}
	return nil
}
