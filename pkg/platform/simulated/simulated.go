// Package simulated provides an in-memory reference implementation of
// pkg/platform, so pkg/boot can be exercised end to end without a real
// board: memory extents are synthetic, the console is an in-memory buffer,
// and the enumerated devices (console, timer, disk) are backed by plain Go
// state rather than MMIO registers.
package simulated

import (
	"bytes"
	"sync"

	"github.com/go-logr/logr"
	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/kutil"
	"github.com/quarkkern/quark/pkg/mem/extent"
	"github.com/quarkkern/quark/pkg/tick"
)

// Platform is an in-memory implementation of platform.Platform.
type Platform struct {
	log logr.Logger

	mu     sync.Mutex
	leds   map[int]bool
	serial string
	clock  uint32

	Console *ConsoleOps
	Disk    *DiskOps
}

// New constructs a simulated platform. serial and clockHz are returned
// verbatim by SerialNumber and CPUClock; diskSize is the backing size, in
// bytes, of the simulated disk device.
func New(log logr.Logger, serial string, clockHz uint32, diskSize int) *Platform {
	return &Platform{
		log:     log,
		leds:    make(map[int]bool),
		serial:  serial,
		clock:   clockHz,
		Console: &ConsoleOps{},
		Disk:    &DiskOps{data: make([]byte, diskSize)},
	}
}

func (p *Platform) Init() error {
	p.log.Info("platform: init")
	return nil
}

func (p *Platform) MemDetect(tbl *extent.Table) error {
	if err := tbl.Add(extent.Extent{Base: 0x00000000, Length: 0x00010000, Privilege: extent.Kernel, Kind: extent.RAM}); err != nil {
		return err
	}
	if err := tbl.Add(extent.Extent{Base: 0x00010000, Length: 0x00100000, Privilege: extent.User, Kind: extent.RAM}); err != nil {
		return err
	}
	if err := tbl.Add(extent.Extent{Base: 0x00800000, Length: 0x00008000, Privilege: extent.Kernel, Kind: extent.ROM}); err != nil {
		return err
	}
	tbl.Seal()
	return nil
}

func (p *Platform) ConsoleInit() error {
	p.log.Info("platform: console ready")
	return nil
}

func (p *Platform) DevEnumerate(tree *device.Tree) error {
	if _, err := tree.Create(device.Serial, 0, "tty", 1, 0, "simulated console", nil, func(d *device.Device) error {
		d.Ops = p.Console
		d.State = device.Ready
		return nil
	}); err != nil {
		return err
	}

	if _, err := tree.Create(device.Timer, 0, "timer", 2, 0, "simulated timer", nil, func(d *device.Device) error {
		d.Ops = &timerOps{}
		d.State = device.Ready
		return nil
	}); err != nil {
		return err
	}

	if _, err := tree.Create(device.Block, 0, "sd", 3, 0, "simulated disk", nil, func(d *device.Device) error {
		d.Ops = p.Disk
		d.State = device.Ready
		return nil
	}); err != nil {
		return err
	}

	return nil
}

func (p *Platform) SerialNumber() (string, error) { return p.serial, nil }
func (p *Platform) CPUClock() (uint32, error)      { return p.clock, nil }

func (p *Platform) LEDOn(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leds[id] = true
	return nil
}

func (p *Platform) LEDOff(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leds[id] = false
	return nil
}

// LEDState reports whether the numbered LED is currently lit, for test
// assertions.
func (p *Platform) LEDState(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leds[id]
}

// Reset blocks forever, standing in for a board reset that never returns
// control to the caller.
func (p *Platform) Reset() {
	select {}
}

// ConsoleOps backs the simulated console device: Putc appends to an
// in-memory buffer, Getc is not supported (there is no simulated keyboard).
type ConsoleOps struct {
	device.NotSupportedOps
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *ConsoleOps) Putc(b byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteByte(b)
	return nil
}

func (c *ConsoleOps) Write(offset uint64, buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(buf)
}

// Written returns every byte written to the console so far.
func (c *ConsoleOps) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

// timerOps backs the simulated timer device, implementing the control
// protocol pkg/tick drives it with.
type timerOps struct {
	device.NotSupportedOps
	mu        sync.Mutex
	frequency uint32
	enabled   bool
}

func (t *timerOps) Control(fn uint32, in, out []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch fn {
	case tick.CtlSetFrequency:
		if len(in) < 4 {
			return kernerr.ErrInvalidArgument
		}
		t.frequency = kutil.LEUint32(in)
	case tick.CtlEnable:
		t.enabled = true
	case tick.CtlDisable:
		t.enabled = false
	default:
		return kernerr.ErrNotSupported
	}
	return nil
}

// DiskOps backs the simulated disk device with a flat in-memory byte array,
// treating offset as a byte offset into it.
type DiskOps struct {
	device.NotSupportedOps
	mu   sync.Mutex
	data []byte
}

func (d *DiskOps) Read(offset uint64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset >= uint64(len(d.data)) {
		return 0, nil
	}
	n := copy(buf, d.data[offset:])
	return n, nil
}

func (d *DiskOps) Write(offset uint64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset >= uint64(len(d.data)) {
		return 0, kernerr.ErrIO
	}
	n := copy(d.data[offset:], buf)
	return n, nil
}
