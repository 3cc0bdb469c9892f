// Package ipv4 implements the IPv4 protocol driver: 20-byte header
// encode/decode, checksum, routing-aware outgoing-interface selection, and
// ARP-cache-backed next-hop resolution.
package ipv4

import (
	"encoding/binary"
	"math/rand/v2"
	"net"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/net/iface"
	"github.com/quarkkern/quark/pkg/net/packet"
	"github.com/quarkkern/quark/pkg/net/proto"
	"github.com/quarkkern/quark/pkg/net/proto/arp"
	"github.com/quarkkern/quark/pkg/net/proto/eth"
	"github.com/quarkkern/quark/pkg/net/route"
)

const (
	headerLen  = 20
	defaultTTL = 64
	flagDF     = 0x4000

	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17
)

// VerifyChecksum gates RX-side header checksum verification. The original
// leaves this compile-time gated and off by default, on the grounds that
// the link layer has usually already verified frame integrity; this port
// keeps the same default.
var VerifyChecksum = false

func protoFromIPProto(p byte) packet.ProtoTag {
	switch p {
	case protoTCP:
		return packet.ProtoTCP
	case protoUDP:
		return packet.ProtoUDP
	case protoICMP:
		return packet.ProtoICMP
	default:
		return packet.ProtoUnknown
	}
}

func ipProtoFromTag(tag packet.ProtoTag) (byte, bool) {
	switch tag {
	case packet.ProtoTCP:
		return protoTCP, true
	case packet.ProtoUDP:
		return protoUDP, true
	case packet.ProtoICMP:
		return protoICMP, true
	default:
		return 0, false
	}
}

// MakeAddr builds an IPv4 proto.Address from a 4-byte address.
func MakeAddr(ip [4]byte) *proto.Address {
	b := make([]byte, 4)
	copy(b, ip[:])
	return &proto.Address{Proto: packet.ProtoIPv4, Bytes: b}
}

// Broadcast is the IPv4 limited-broadcast address.
var Broadcast = [4]byte{255, 255, 255, 255}

// BroadcastAddr is the IPv4 broadcast proto.Address.
func BroadcastAddr() *proto.Address { return MakeAddr(Broadcast) }

func checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Driver is the IPv4 proto.Driver, also implementing proto.RouteAwareDriver
// via RouteGetIface.
type Driver struct {
	disp   *proto.Dispatcher
	routes *route.Table
	cache  *arp.Cache
}

// New constructs the IPv4 driver over routes (for outgoing-interface
// selection) and cache (for next-hop hardware address resolution),
// forwarding decapsulated packets through disp.
func New(disp *proto.Dispatcher, routes *route.Table, cache *arp.Cache) *Driver {
	return &Driver{disp: disp, routes: routes, cache: cache}
}

func (d *Driver) Name() string { return "IPv4" }

// RX verifies the checksum if VerifyChecksum is set, decapsulates the
// header, builds src/dest address objects, tags the packet by IP protocol,
// populates the ARP cache from a non-zero source, and dispatches.
func (d *Driver) RX(src, dest *proto.Address, pkt *packet.Packet) error {
	if pkt.Length < headerLen {
		return kernerr.ErrInvalidArgument
	}
	hdr := pkt.Payload()[:headerLen]

	ihl := int(hdr[0]&0x0f) * 4
	if VerifyChecksum {
		if ihl > len(hdr) {
			return kernerr.ErrInvalidArgument
		}
		if checksum(hdr[:ihl]) != 0 {
			return kernerr.ErrChecksumMismatch
		}
	}

	var srcIP, destIP [4]byte
	copy(srcIP[:], hdr[12:16])
	copy(destIP[:], hdr[16:20])
	ipProto := hdr[9]

	if err := pkt.Consume(headerLen); err != nil {
		return err
	}

	ipv4Src := MakeAddr(srcIP)
	ipv4Dest := MakeAddr(destIP)
	pkt.ProtoTag = protoFromIPProto(ipProto)

	if i, _ := pkt.Iface.(*iface.Interface); i != nil && srcIP != [4]byte{} {
		if hwAddr, ok := srcFromLinkAddr(src); ok {
			d.cache.Add(i, hwAddr, srcIP)
		}
	}

	return d.disp.RX(ipv4Src, ipv4Dest, pkt)
}

// addrFromIface builds the IPv4 proto.Address for i's own configured
// address, or 0.0.0.0 if i has none configured.
func addrFromIface(i *iface.Interface) *proto.Address {
	var ip [4]byte
	if len(i.ProtoAddr) == 4 {
		copy(ip[:], i.ProtoAddr)
	}
	return MakeAddr(ip)
}

func srcFromLinkAddr(a *proto.Address) ([eth.AddrLen]byte, bool) {
	if a.IsUnknown() || len(a.Bytes) != eth.AddrLen {
		return [eth.AddrLen]byte{}, false
	}
	return [eth.AddrLen]byte(a.Bytes), true
}

// TX builds and writes the 20-byte IPv4 header, selects the outgoing
// interface from the route table (or the packet's preselected interface),
// resolves the next-hop hardware address, and dispatches down to Ethernet.
// A caller that has no source address of its own to supply -- ICMP replies
// and unreachable notifications, chiefly -- passes src as nil or unknown;
// TX fills it in from the outgoing interface's configured address.
func (d *Driver) TX(src, dest *proto.Address, pkt *packet.Packet) error {
	i, _ := pkt.Iface.(*iface.Interface)
	if i == nil {
		selected, err := d.RouteGetIface(dest)
		if err != nil {
			return err
		}
		i = selected
	}
	if src.IsUnknown() {
		src = addrFromIface(i)
	}

	innerProto := pkt.ProtoTag
	totalLen := pkt.Length + headerLen
	if err := pkt.Encapsulate(packet.ProtoIPv4, headerLen); err != nil {
		return err
	}
	hdr := pkt.Payload()[:headerLen]

	hdr[0] = (4 << 4) | 5
	hdr[1] = 0
	binary.BigEndian.PutUint16(hdr[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(hdr[4:6], uint16(rand.IntN(1<<16)))
	binary.BigEndian.PutUint16(hdr[6:8], flagDF)
	hdr[8] = defaultTTL
	ipProto, ok := ipProtoFromTag(innerProto)
	if !ok {
		return kernerr.ErrProtocolUnsupported
	}
	hdr[9] = ipProto
	binary.BigEndian.PutUint16(hdr[10:12], 0)
	copy(hdr[12:16], src.Bytes)
	copy(hdr[16:20], dest.Bytes)
	binary.BigEndian.PutUint16(hdr[10:12], checksum(hdr))

	pkt.Iface = i

	var destIP [4]byte
	copy(destIP[:], dest.Bytes)
	linkSrc := eth.MakeAddr([eth.AddrLen]byte(i.HWAddr))
	linkDest, err := d.routeGetHWAddr(i, destIP)
	if err != nil {
		return err
	}

	return d.disp.TX(linkSrc, linkDest, pkt)
}

func (d *Driver) routeGetHWAddr(i *iface.Interface, destIP [4]byte) (*proto.Address, error) {
	if hw, ok := d.cache.Lookup(i, destIP); ok {
		return eth.MakeAddr(hw), nil
	}
	if destIP == Broadcast {
		return eth.BroadcastAddr(), nil
	}
	return nil, kernerr.ErrHostUnreachable
}

// RouteGetIface selects the outgoing interface for dest via the routing
// table, implementing proto.RouteAwareDriver.
func (d *Driver) RouteGetIface(dest *proto.Address) (*iface.Interface, error) {
	var ip [4]byte
	copy(ip[:], dest.Bytes)
	e, err := d.routes.Match(net.IPv4(ip[0], ip[1], ip[2], ip[3]))
	if err != nil {
		return nil, err
	}
	return e.Iface, nil
}

func (d *Driver) AddrCompare(a, b *proto.Address) bool {
	if a.IsUnknown() || b.IsUnknown() {
		return false
	}
	return len(a.Bytes) == 4 && len(b.Bytes) == 4 &&
		a.Bytes[0] == b.Bytes[0] && a.Bytes[1] == b.Bytes[1] &&
		a.Bytes[2] == b.Bytes[2] && a.Bytes[3] == b.Bytes[3]
}

// PacketAlloc allocates a packet sized for an IPv4 header plus length bytes
// of payload.
func (d *Driver) PacketAlloc(addr *proto.Address, length int, i *iface.Interface) (*packet.Packet, error) {
	pkt := packet.Alloc(headerLen+length, i)
	if err := pkt.SetLength(headerLen + length); err != nil {
		return nil, err
	}
	if err := pkt.Consume(headerLen); err != nil {
		return nil, err
	}
	return pkt, nil
}
