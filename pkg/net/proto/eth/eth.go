// Package eth implements the Ethernet protocol driver: the layer-2 driver
// usually first to see an incoming frame, and the last to touch an
// outgoing one.
package eth

import (
	"encoding/binary"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/net/iface"
	"github.com/quarkkern/quark/pkg/net/packet"
	"github.com/quarkkern/quark/pkg/net/proto"
)

const (
	headerLen = 14
	AddrLen   = 6
)

const (
	ethertypeIPv4    = 0x0800
	ethertypeARP     = 0x0806
	ethertypeUnknown = 0x0000
)

// Broadcast is the Ethernet broadcast address.
var Broadcast = [AddrLen]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func protoFromEthertype(et uint16) packet.ProtoTag {
	switch et {
	case ethertypeIPv4:
		return packet.ProtoIPv4
	case ethertypeARP:
		return packet.ProtoARP
	default:
		return packet.ProtoUnknown
	}
}

func ethertypeFromProto(tag packet.ProtoTag) uint16 {
	switch tag {
	case packet.ProtoIPv4:
		return ethertypeIPv4
	case packet.ProtoARP:
		return ethertypeARP
	default:
		return ethertypeUnknown
	}
}

// MakeAddr builds an Ethernet proto.Address from a 6-byte MAC.
func MakeAddr(mac [AddrLen]byte) *proto.Address {
	b := make([]byte, AddrLen)
	copy(b, mac[:])
	return &proto.Address{Proto: packet.ProtoEthernet, Bytes: b}
}

// BroadcastAddr is the Ethernet broadcast proto.Address.
func BroadcastAddr() *proto.Address { return MakeAddr(Broadcast) }

// Driver is the Ethernet proto.Driver. It forwards decapsulated frames
// back into disp for further dispatch by IP-layer protocol tag.
type Driver struct {
	disp *proto.Dispatcher
}

// New constructs the Ethernet driver, registered to forward decapsulated
// packets through disp.
func New(disp *proto.Dispatcher) *Driver {
	return &Driver{disp: disp}
}

func (d *Driver) Name() string { return "Ethernet" }

// RX parses the 14-byte Ethernet header, fills src/dest from the header's
// MACs if still unknown, tags the packet with the protocol the ethertype
// maps to, and forwards to the dispatcher.
func (d *Driver) RX(src, dest *proto.Address, pkt *packet.Packet) error {
	if pkt.Length < headerLen {
		return kernerr.ErrInvalidArgument
	}
	hdr := pkt.Payload()[:headerLen]
	var destMAC, srcMAC [AddrLen]byte
	copy(destMAC[:], hdr[0:6])
	copy(srcMAC[:], hdr[6:12])
	ethertype := binary.BigEndian.Uint16(hdr[12:14])

	if err := pkt.Consume(headerLen); err != nil {
		return err
	}

	if src.IsUnknown() {
		*src = *MakeAddr(srcMAC)
	}
	if dest.IsUnknown() {
		*dest = *MakeAddr(destMAC)
	}

	pkt.ProtoTag = protoFromEthertype(ethertype)
	return d.disp.RX(src, dest, pkt)
}

// TX prepends a 14-byte Ethernet header and transmits via the packet's
// interface. If src is nil, the interface's own hardware address is
// substituted. Both addresses must be Ethernet addresses.
func (d *Driver) TX(src, dest *proto.Address, pkt *packet.Packet) error {
	i, _ := pkt.Iface.(*iface.Interface)

	if src.IsUnknown() {
		if i == nil {
			return kernerr.ErrHostUnreachable
		}
		src = MakeAddr([AddrLen]byte(i.HWAddr))
	}
	if src.Proto != packet.ProtoEthernet || dest.Proto != packet.ProtoEthernet {
		return kernerr.ErrAddressFamilyUnsupport
	}

	innerProto := pkt.ProtoTag
	if err := pkt.Encapsulate(packet.ProtoEthernet, headerLen); err != nil {
		return err
	}
	hdr := pkt.Payload()[:headerLen]
	copy(hdr[0:6], dest.Bytes)
	copy(hdr[6:12], src.Bytes)
	ethertype := ethertypeFromProto(innerProto)
	if ethertype == ethertypeUnknown {
		return kernerr.ErrProtocolUnsupported
	}
	binary.BigEndian.PutUint16(hdr[12:14], ethertype)

	if i == nil {
		return kernerr.ErrHostUnreachable
	}
	n, err := i.Device.Ops.Write(0, pkt.Payload())
	i.TXNote(n, err)
	return err
}

func (d *Driver) AddrCompare(a, b *proto.Address) bool {
	if a.IsUnknown() || b.IsUnknown() {
		return false
	}
	if len(a.Bytes) != len(b.Bytes) {
		return false
	}
	for i := range a.Bytes {
		if a.Bytes[i] != b.Bytes[i] {
			return false
		}
	}
	return true
}

// PacketAlloc allocates a packet sized for an Ethernet header plus length
// bytes of payload.
func (d *Driver) PacketAlloc(addr *proto.Address, length int, i *iface.Interface) (*packet.Packet, error) {
	pkt := packet.Alloc(headerLen+length, i)
	pkt.Start = headerLen
	return pkt, nil
}
