// Package iface implements network interfaces: the binding between a
// device.Device and the protocol stack that drives frames in and out of
// it, with a dedicated RX loop per interface.
package iface

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/net/packet"
)

// HWAddr is a hardware (link-layer) address, stored as raw bytes (e.g. 6
// for Ethernet).
type HWAddr []byte

// ProtoAddr is a network-layer address, stored as raw bytes (e.g. 4 for
// IPv4). An interface with no configured protocol address has a nil
// ProtoAddr.
type ProtoAddr []byte

// Stats mirrors the kernel's per-interface counters exactly: successes and
// drop conditions are both counted, and nothing here ever halts the RX
// loop.
type Stats struct {
	RxPackets     uint64
	RxBytes       uint64
	TxPackets     uint64
	TxBytes       uint64
	RxChecksumErr uint64
	RxDropped     uint64
}

// Dispatcher is the subset of proto.Dispatcher that iface depends on, kept
// as a narrow interface here to avoid an import cycle with pkg/net/proto
// (which itself depends on iface.Interface via RouteAwareDriver).
type Dispatcher interface {
	Receive(iface *Interface, pkt *packet.Packet) error
}

// Interface binds a device to the protocol stack. HWAddr/ProtoAddr are
// mutable after construction (ARP/DHCP-style configuration sets
// ProtoAddr once link state is known).
type Interface struct {
	Device    *device.Device
	Proto     packet.ProtoTag
	HWAddr    HWAddr
	ProtoAddr ProtoAddr
	Stats     Stats

	bufferLen int
	disp      Dispatcher
}

// New constructs an interface over dev, tagging inbound frames with
// nativeProto (the interface's own link-layer protocol, e.g.
// packet.ProtoEthernet) and allocating RX packets of the given buffer
// capacity.
func New(dev *device.Device, nativeProto packet.ProtoTag, hwAddr HWAddr, bufferLen int, disp Dispatcher) *Interface {
	return &Interface{
		Device:    dev,
		Proto:     nativeProto,
		HWAddr:    hwAddr,
		bufferLen: bufferLen,
		disp:      disp,
	}
}

// RXLoop runs the interface's dedicated receive loop until ctx is
// cancelled: reset the packet, read a frame from the device, tag it with
// the interface and its native protocol, and hand it to the dispatcher.
// Checksum failures and other drop conditions are counted in Stats rather
// than terminating the loop; only ctx cancellation or a device read
// failure ends it.
func (i *Interface) RXLoop(ctx context.Context) error {
	pkt := packet.Alloc(i.bufferLen, i)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt.Reset()
		n, err := i.Device.Ops.Read(0, pkt.Buffer)
		if err != nil {
			return fmt.Errorf("iface %s: rx read: %w", i.Device.Name, err)
		}
		if err := pkt.SetLength(n); err != nil {
			i.Stats.RxDropped++
			continue
		}

		pkt.ProtoTag = i.Proto
		i.Stats.RxBytes += uint64(n)
		i.Device.NotePending(uint64(n))

		if err := i.disp.Receive(i, pkt); err != nil {
			if isChecksumErr(err) {
				i.Stats.RxChecksumErr++
			}
			i.Stats.RxDropped++
			continue
		}
		i.Stats.RxPackets++
	}
}

func isChecksumErr(err error) bool {
	type checksumError interface{ ChecksumError() bool }
	ce, ok := err.(checksumError)
	return ok && ce.ChecksumError()
}

// TXNote records a successful or failed transmit in Stats. Protocol TX
// paths call this after handing a frame to the device, the Go rendering
// of the original's net_interface_stats_* update calls scattered through
// the TX path.
func (i *Interface) TXNote(n int, err error) {
	if err != nil {
		return
	}
	i.Stats.TxPackets++
	i.Stats.TxBytes += uint64(n)
}

// Manager discovers network interfaces from a device tree and runs their
// RX loops under a single errgroup, the way the teacher runs its
// per-resource informer watchers.
type Manager struct {
	Ifaces []*Interface
}

// Discover walks tree and constructs an Interface for every device.Net
// node, tagging each with nativeProto and bufferLen. It mirrors the
// original's net_interface_init() device-tree scan.
func Discover(tree *device.Tree, nativeProto packet.ProtoTag, bufferLen int, disp Dispatcher, hwAddrOf func(*device.Device) HWAddr) *Manager {
	m := &Manager{}
	for d := tree.Next(nil); d != nil; d = tree.Next(d) {
		if d.Type != device.Net {
			continue
		}
		m.Ifaces = append(m.Ifaces, New(d, nativeProto, hwAddrOf(d), bufferLen, disp))
	}
	return m
}

// Run launches every interface's RXLoop as a goroutine under a shared
// errgroup.Group, returning once ctx is cancelled or any loop returns a
// non-context error, grounded on the teacher's errgroup.WithContext use for
// per-watcher goroutines in its Kubernetes agent controller.
func (m *Manager) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, i := range m.Ifaces {
		i := i
		g.Go(func() error { return i.RXLoop(gCtx) })
	}
	return g.Wait()
}
