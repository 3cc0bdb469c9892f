// Package boot implements the kernel's boot sequence: the fixed order in
// which every subsystem collaborator is brought up, from preempt-disable
// through starting the network stack, with a hard line at "the scheduler
// is live" separating failures that abort boot from failures that are
// logged and survived.
package boot

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/quarkkern/quark/pkg/arch"
	"github.com/quarkkern/quark/pkg/blockcache"
	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/device/partition"
	"github.com/quarkkern/quark/pkg/irq"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/mem/extent"
	"github.com/quarkkern/quark/pkg/mem/heap"
	"github.com/quarkkern/quark/pkg/mem/slab"
	"github.com/quarkkern/quark/pkg/net/iface"
	"github.com/quarkkern/quark/pkg/net/packet"
	"github.com/quarkkern/quark/pkg/net/proto"
	"github.com/quarkkern/quark/pkg/net/proto/arp"
	"github.com/quarkkern/quark/pkg/net/proto/eth"
	"github.com/quarkkern/quark/pkg/net/proto/icmp"
	"github.com/quarkkern/quark/pkg/net/proto/ipv4"
	"github.com/quarkkern/quark/pkg/net/proto/tcp"
	"github.com/quarkkern/quark/pkg/net/proto/udp"
	"github.com/quarkkern/quark/pkg/net/port"
	"github.com/quarkkern/quark/pkg/net/route"
	"github.com/quarkkern/quark/pkg/platform"
	"github.com/quarkkern/quark/pkg/preempt"
	"github.com/quarkkern/quark/pkg/proc"
	"github.com/quarkkern/quark/pkg/tick"
	"github.com/quarkkern/quark/pkg/vfs"
)

// Config collects every collaborator and tunable the boot sequence needs.
// Arch and Platform are the only required fields; everything else has a
// workable default.
type Config struct {
	Arch     arch.Arch
	Platform platform.Platform
	Log      logr.Logger

	// Debug enables the slab allocator's double-free reporting via Log.
	Debug bool

	// KernelHeapLen and UserHeapLen size the backing buffers handed to
	// heap.New. Default to 1<<20 and 1<<22 respectively if zero.
	KernelHeapLen uint32
	UserHeapLen   uint32

	// BlockCacheSlots sizes the block cache. Defaults to 64 if zero.
	BlockCacheSlots int

	// NVRAMDeviceName names the device DiscoverRoot reads the
	// board-parameter block from. Defaults to "nvram".
	NVRAMDeviceName string

	// TickHz is the scheduler tick frequency. Defaults to 100 if zero.
	TickHz uint32

	// NetBufferLen sizes every interface's RX packet buffer. Defaults to
	// 1536 (room for a full Ethernet frame) if zero.
	NetBufferLen int

	// NativeProto tags frames arriving on every discovered network
	// interface. Defaults to packet.ProtoEthernet if zero (ProtoUnknown).
	NativeProto packet.ProtoTag

	// HWAddrOf derives a network interface's hardware address from its
	// device.Device. Defaults to returning a nil address for every device.
	HWAddrOf func(*device.Device) iface.HWAddr

	// StartMonitor is invoked as the final boot step. Nil is a no-op: the
	// monitor itself is out of scope here.
	StartMonitor func() error
}

func (c *Config) setDefaults() {
	if c.KernelHeapLen == 0 {
		c.KernelHeapLen = 1 << 20
	}
	if c.UserHeapLen == 0 {
		c.UserHeapLen = 1 << 22
	}
	if c.BlockCacheSlots == 0 {
		c.BlockCacheSlots = 64
	}
	if c.NVRAMDeviceName == "" {
		c.NVRAMDeviceName = "nvram"
	}
	if c.TickHz == 0 {
		c.TickHz = 100
	}
	if c.NetBufferLen == 0 {
		c.NetBufferLen = 1536
	}
	if c.NativeProto == packet.ProtoUnknown {
		c.NativeProto = packet.ProtoEthernet
	}
	if c.HWAddrOf == nil {
		c.HWAddrOf = func(*device.Device) iface.HWAddr { return nil }
	}
}

// earlyConsole is an in-memory stand-in for the real console, capturing
// the boot progress lines Run writes through line() until the real console
// device is enumerated and brought up, at which point Sequence flushes it
// there verbatim. Messages sent to Config.Log are not captured.
type earlyConsole struct {
	device.NotSupportedOps
	buf bytes.Buffer
}

func (c *earlyConsole) Write(offset uint64, b []byte) (int, error) { return c.buf.Write(b) }
func (c *earlyConsole) Putc(b byte) error                          { return c.buf.WriteByte(b) }

func (c *earlyConsole) line(format string, args ...any) {
	fmt.Fprintf(&c.buf, format+"\n", args...)
}

// Sequence holds every collaborator constructed along the way, so callers
// (cmd/quarkkern) can reach them after Run returns.
type Sequence struct {
	Log logr.Logger

	Extents    *extent.Table
	Slab       *slab.Allocator
	KernelHeap *heap.Heap
	UserHeap   *heap.Heap
	IRQs       *irq.Table
	Devices    *device.Tree

	ProcTable *proc.Table
	Scheduler *proc.Scheduler

	BlockCache      *blockcache.Cache
	PartitionsFound int

	VFSManager *vfs.Manager
	RootVFS    *vfs.VFS

	Tick *tick.Service

	Dispatcher   *proto.Dispatcher
	Routes       *route.Table
	ARPCache     *arp.Cache
	IfaceManager *iface.Manager
	Ports        *port.Bitmap

	earlyConsole *earlyConsole
}

func fatal(log logr.Logger, step string, err error) error {
	log.Error(err, "boot: fatal failure, aborting", "step", step)
	return fmt.Errorf("boot: %s: %w", step, err)
}

func warn(log logr.Logger, step string, err error) {
	log.Error(err, "boot: non-fatal failure, continuing", "step", step)
}

// Run performs the boot sequence against cfg, returning the fully wired
// Sequence once every step up through scheduler init has succeeded.
// Failures at or after block-cache init (block cache, partition scan, VFS
// mount, tick, network, monitor start) are logged and do not abort boot;
// the corresponding Sequence field is left at its zero value so callers
// can detect what didn't come up.
func Run(ctx context.Context, cfg Config) (*Sequence, error) {
	cfg.setDefaults()
	s := &Sequence{Log: cfg.Log, earlyConsole: &earlyConsole{}}

	var guard preempt.Guard
	guard.Disable()

	if err := cfg.Platform.Init(); err != nil {
		return nil, fatal(cfg.Log, "platform init", err)
	}

	s.Extents = &extent.Table{}
	if err := cfg.Platform.MemDetect(s.Extents); err != nil {
		return nil, fatal(cfg.Log, "memory detect", err)
	}

	s.Slab = slab.New()
	s.Slab.Debug = cfg.Debug
	s.Slab.Log = cfg.Log

	kernelHeapBuf := make([]byte, cfg.KernelHeapLen)
	kh, err := heap.New(kernelHeapBuf, cfg.Log)
	if err != nil {
		return nil, fatal(cfg.Log, "kernel heap init", err)
	}
	s.KernelHeap = kh

	userHeapBuf := make([]byte, cfg.UserHeapLen)
	uh, err := heap.New(userHeapBuf, cfg.Log)
	if err != nil {
		return nil, fatal(cfg.Log, "user heap init", err)
	}
	s.UserHeap = uh

	s.IRQs = irq.NewTable(cfg.Log, cfg.Arch.Halt)
	if err := s.IRQs.Init(); err != nil {
		return nil, fatal(cfg.Log, "irq table init", err)
	}

	s.Devices = device.NewTree()
	s.earlyConsole.line("boot: device tree ready")

	if err := cfg.Platform.DevEnumerate(s.Devices); err != nil {
		return nil, fatal(cfg.Log, "device enumeration", err)
	}
	s.earlyConsole.line("boot: devices enumerated")

	if err := cfg.Platform.ConsoleInit(); err != nil {
		return nil, fatal(cfg.Log, "console init", err)
	}

	s.ProcTable = proc.NewTable(cfg.Arch)
	s.Scheduler = proc.NewScheduler(s.ProcTable, func(current, next *proc.Process) {
		var curCtx arch.Context
		if current != nil {
			curCtx = current.Context
		}
		cfg.Arch.SwitchProcess(curCtx, next.Context)
	}, proc.SystemClock{})
	s.earlyConsole.line("boot: scheduler live")

	guard.Enable()

	flushEarlyConsole(s, cfg.Log)

	s.BlockCache = blockcache.New(cfg.BlockCacheSlots, blockcache.NewHasher())

	if n, err := partition.Scan(s.Devices); err != nil {
		warn(cfg.Log, "partition scan", err)
	} else {
		s.PartitionsFound = n
	}

	s.VFSManager = vfs.NewManager(vfs.NewRegistry())
	if rootVFS, err := s.VFSManager.DiscoverRoot(s.Devices, cfg.NVRAMDeviceName); err != nil {
		warn(cfg.Log, "vfs mount root", err)
	} else {
		s.RootVFS = rootVFS
	}

	s.Tick = tick.NewService()
	if err := s.Tick.Start(s.Devices, s.IRQs, cfg.TickHz); err != nil {
		warn(cfg.Log, "tick init", err)
	}

	if err := startNetwork(s, cfg); err != nil {
		warn(cfg.Log, "network init", err)
	}

	if cfg.StartMonitor != nil {
		if err := cfg.StartMonitor(); err != nil {
			warn(cfg.Log, "start monitor", err)
		}
	}

	return s, nil
}

// flushEarlyConsole writes the early boot console's buffered lines to the
// first serial device found in the tree, if any. A board with no serial
// console at all just drops them, matching "later-stage, best-effort"
// treatment -- the early console is cosmetic, never load-bearing.
func flushEarlyConsole(s *Sequence, log logr.Logger) {
	var consoleDev *device.Device
	for d := s.Devices.Next(nil); d != nil; d = s.Devices.Next(d) {
		if d.Type == device.Serial {
			consoleDev = d
			break
		}
	}
	if consoleDev == nil {
		return
	}
	if _, err := consoleDev.Ops.Write(0, s.earlyConsole.buf.Bytes()); err != nil {
		warn(log, "flush early console", err)
	}
}

// startNetwork wires the protocol dispatcher (Ethernet, ARP, IPv4, UDP,
// ICMP, TCP) and discovers every device.Net device in the tree as a
// network interface. It never blocks: callers decide when, and whether,
// to run each discovered interface's RXLoop.
func startNetwork(s *Sequence, cfg Config) error {
	s.Dispatcher = proto.NewDispatcher()
	s.Routes = route.NewTable()
	s.ARPCache = arp.NewCache(route.SystemClock{})
	s.Ports = port.NewBitmap()

	ethDriver := eth.New(s.Dispatcher)
	arpDriver := arp.New(s.ARPCache, s.Dispatcher)
	ipv4Driver := ipv4.New(s.Dispatcher, s.Routes, s.ARPCache)
	udpDriver := udp.New(s.Dispatcher)
	icmpDriver := icmp.New(s.Dispatcher)
	tcpDriver := tcp.New(s.Dispatcher)

	s.Dispatcher.Register(packet.ProtoEthernet, ethDriver)
	s.Dispatcher.Register(packet.ProtoARP, arpDriver)
	s.Dispatcher.Register(packet.ProtoIPv4, ipv4Driver)
	s.Dispatcher.Register(packet.ProtoUDP, udpDriver)
	s.Dispatcher.Register(packet.ProtoICMP, icmpDriver)
	s.Dispatcher.Register(packet.ProtoTCP, tcpDriver)

	s.IfaceManager = iface.Discover(s.Devices, cfg.NativeProto, cfg.NetBufferLen, s.Dispatcher, cfg.HWAddrOf)
	return nil
}

// ErrNoRootFS is the error for callers that require Sequence.RootVFS to be
// set when boot could not discover one. Run itself never returns it, and
// cmd/quarkkern continues without a root filesystem instead.
var ErrNoRootFS = kernerr.ErrNoSuchDevice
