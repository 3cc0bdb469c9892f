// Package proto implements the protocol dispatcher: the central registry
// of protocol drivers keyed by protocol tag, through which packets move up
// (RX) and down (TX) the stack.
package proto

import (
	"sync"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/net/iface"
	"github.com/quarkkern/quark/pkg/net/packet"
)

// Address is a protocol address: its Proto names the address family
// (packet.ProtoEthernet for a MAC, packet.ProtoIPv4 for an IPv4 address,
// and so on), Bytes the raw address value. A nil *Address, or one with
// Proto == packet.ProtoUnknown, represents an address not yet known -- the
// "unknown" addresses an RX loop starts every packet with.
type Address struct {
	Proto packet.ProtoTag
	Bytes []byte
}

// UnknownAddress returns a fresh unknown address, the starting point for
// both src and dest at the head of the RX path.
func UnknownAddress() *Address { return &Address{Proto: packet.ProtoUnknown} }

// IsUnknown reports whether a is unset.
func (a *Address) IsUnknown() bool { return a == nil || a.Proto == packet.ProtoUnknown }

// Driver is the protocol operation contract every registered protocol
// implements: a set of function pointers in the original, methods here.
type Driver interface {
	Name() string
	RX(src, dest *Address, pkt *packet.Packet) error
	TX(src, dest *Address, pkt *packet.Packet) error
	AddrCompare(a, b *Address) bool
	PacketAlloc(addr *Address, length int, i *iface.Interface) (*packet.Packet, error)
}

// RouteAwareDriver is implemented by protocols (IPv4) that can select an
// outgoing interface for a destination address via the routing table.
type RouteAwareDriver interface {
	Driver
	RouteGetIface(dest *Address) (*iface.Interface, error)
}

// Dispatcher is the protocol registry: Receive (satisfying
// iface.Dispatcher) is the RX loop's entry point, RX routes a packet to its
// tag's registered driver, and TX to the driver for its destination
// address's family.
type Dispatcher struct {
	mu      sync.Mutex
	drivers map[packet.ProtoTag]Driver
}

// NewDispatcher constructs an empty protocol dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{drivers: make(map[packet.ProtoTag]Driver)}
}

// Register adds drv under tag. Re-registering the same tag replaces the
// prior driver, matching the original's table-of-function-pointers
// registration, which has no duplicate-registration check.
func (d *Dispatcher) Register(tag packet.ProtoTag, drv Driver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drivers[tag] = drv
}

// ByTag returns the driver registered for tag.
func (d *Dispatcher) ByTag(tag packet.ProtoTag) (Driver, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.drivers[tag]
	return drv, ok
}

// Receive implements iface.Dispatcher: the entry point for a freshly
// received frame, with both addresses still unknown.
func (d *Dispatcher) Receive(i *iface.Interface, pkt *packet.Packet) error {
	return d.RX(UnknownAddress(), UnknownAddress(), pkt)
}

// RX dispatches pkt to the driver registered for its current protocol tag.
func (d *Dispatcher) RX(src, dest *Address, pkt *packet.Packet) error {
	drv, ok := d.ByTag(pkt.ProtoTag)
	if !ok {
		return kernerr.ErrProtocolUnsupported
	}
	return drv.RX(src, dest, pkt)
}

// TX dispatches pkt to the driver registered for dest's address family for
// transmission -- not pkt's own current protocol tag. Every driver above
// the link layer builds its own header and then hands the packet down to
// the *next* (lower) layer, addressed by dest; dispatching by pkt.ProtoTag
// instead would route the packet back into the very driver that just
// encapsulated it.
func (d *Dispatcher) TX(src, dest *Address, pkt *packet.Packet) error {
	tag := pkt.ProtoTag
	if !dest.IsUnknown() {
		tag = dest.Proto
	}
	drv, ok := d.ByTag(tag)
	if !ok {
		return kernerr.ErrProtocolUnsupported
	}
	return drv.TX(src, dest, pkt)
}

// PacketAlloc produces a packet sized for tag's header plus the requested
// payload, via that protocol's own PacketAlloc.
func (d *Dispatcher) PacketAlloc(tag packet.ProtoTag, addr *Address, length int, i *iface.Interface) (*packet.Packet, error) {
	drv, ok := d.ByTag(tag)
	if !ok {
		return nil, kernerr.ErrProtocolUnsupported
	}
	return drv.PacketAlloc(addr, length, i)
}
