package ipv4_test

import (
	"net"
	"testing"
	"time"

	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/net/iface"
	"github.com/quarkkern/quark/pkg/net/packet"
	"github.com/quarkkern/quark/pkg/net/proto"
	"github.com/quarkkern/quark/pkg/net/proto/arp"
	"github.com/quarkkern/quark/pkg/net/proto/ipv4"
	"github.com/quarkkern/quark/pkg/net/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestIface(t *testing.T, ip [4]byte) *iface.Interface {
	t.Helper()
	tree := device.NewTree()
	dev, err := tree.Create(device.Net, 0, "eth", 3, 0, "nic", nil, func(d *device.Device) error {
		d.Ops = &device.NotSupportedOps{}
		return nil
	})
	require.NoError(t, err)
	i := iface.New(dev, packet.ProtoEthernet, iface.HWAddr{1, 2, 3, 4, 5, 6}, 256, nil)
	i.ProtoAddr = iface.ProtoAddr(ip[:])
	return i
}

func buildIPv4Frame(t *testing.T, ipProto byte, src, dest [4]byte, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 20+len(payload))
	buf[0] = 0x45
	buf[9] = ipProto
	copy(buf[12:16], src[:])
	copy(buf[16:20], dest[:])
	copy(buf[20:], payload)
	return buf
}

type stubDriver struct {
	rx func(src, dest *proto.Address, pkt *packet.Packet) error
	tx func(src, dest *proto.Address, pkt *packet.Packet) error
}

func (s stubDriver) Name() string { return "stub" }
func (s stubDriver) RX(src, dest *proto.Address, pkt *packet.Packet) error {
	if s.rx == nil {
		return nil
	}
	return s.rx(src, dest, pkt)
}
func (s stubDriver) TX(src, dest *proto.Address, pkt *packet.Packet) error {
	if s.tx == nil {
		return nil
	}
	return s.tx(src, dest, pkt)
}
func (s stubDriver) AddrCompare(a, b *proto.Address) bool { return false }
func (s stubDriver) PacketAlloc(addr *proto.Address, length int, i *iface.Interface) (*packet.Packet, error) {
	return packet.Alloc(length, i), nil
}

func TestRXDecapsulatesAndDispatchesByProtocol(t *testing.T) {
	disp := proto.NewDispatcher()
	var gotSrc *proto.Address
	disp.Register(packet.ProtoUDP, stubDriver{rx: func(src, dest *proto.Address, pkt *packet.Packet) error {
		gotSrc = src
		return nil
	}})
	cache := arp.NewCache(&fakeClock{now: time.Unix(0, 0)})
	d := ipv4.New(disp, route.NewTable(), cache)

	i := newTestIface(t, [4]byte{10, 0, 0, 1})
	pkt := packet.Alloc(64, i)
	frame := buildIPv4Frame(t, 17, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, []byte{1, 2, 3, 4})
	require.NoError(t, pkt.SetLength(len(frame)))
	copy(pkt.Payload(), frame)

	linkSrc := &proto.Address{Proto: packet.ProtoEthernet, Bytes: []byte{9, 9, 9, 9, 9, 9}}
	err := d.RX(linkSrc, proto.UnknownAddress(), pkt)
	require.NoError(t, err)
	require.NotNil(t, gotSrc)
	assert.Equal(t, []byte{10, 0, 0, 5}, gotSrc.Bytes)

	hw, ok := cache.Lookup(i, [4]byte{10, 0, 0, 5})
	require.True(t, ok)
	assert.Equal(t, [6]byte{9, 9, 9, 9, 9, 9}, hw)
}

func TestRXRejectsShortPacket(t *testing.T) {
	d := ipv4.New(proto.NewDispatcher(), route.NewTable(), arp.NewCache(&fakeClock{now: time.Unix(0, 0)}))
	pkt := packet.Alloc(64, nil)
	require.NoError(t, pkt.SetLength(4))
	err := d.RX(proto.UnknownAddress(), proto.UnknownAddress(), pkt)
	assert.ErrorIs(t, err, kernerr.ErrInvalidArgument)
}

func TestTXBuildsHeaderAndResolvesBroadcast(t *testing.T) {
	disp := proto.NewDispatcher()
	var capturedHdr []byte
	disp.Register(packet.ProtoEthernet, stubDriver{tx: func(src, dest *proto.Address, pkt *packet.Packet) error {
		capturedHdr = append([]byte(nil), pkt.Payload()...)
		return nil
	}})
	cache := arp.NewCache(&fakeClock{now: time.Unix(0, 0)})
	d := ipv4.New(disp, route.NewTable(), cache)

	i := newTestIface(t, [4]byte{10, 0, 0, 1})
	pkt, err := d.PacketAlloc(nil, 4, i)
	require.NoError(t, err)
	copy(pkt.Payload(), []byte{9, 9, 9, 9})
	pkt.ProtoTag = packet.ProtoUDP

	srcAddr := ipv4.MakeAddr([4]byte{10, 0, 0, 1})
	destAddr := ipv4.BroadcastAddr()
	err = d.TX(srcAddr, destAddr, pkt)
	require.NoError(t, err)

	require.Len(t, capturedHdr, 24)
	assert.Equal(t, byte(0x45), capturedHdr[0])
	assert.Equal(t, byte(17), capturedHdr[9])
	assert.Equal(t, []byte{10, 0, 0, 1}, capturedHdr[12:16])
	assert.Equal(t, []byte{255, 255, 255, 255}, capturedHdr[16:20])
	assert.Equal(t, uint16(0), checksumOf(capturedHdr[:20]))
}

func checksumOf(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(hdr[i])<<8 | uint32(hdr[i+1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func TestTXFillsInSourceFromInterfaceWhenUnknown(t *testing.T) {
	disp := proto.NewDispatcher()
	var capturedHdr []byte
	disp.Register(packet.ProtoEthernet, stubDriver{tx: func(src, dest *proto.Address, pkt *packet.Packet) error {
		capturedHdr = append([]byte(nil), pkt.Payload()...)
		return nil
	}})
	cache := arp.NewCache(&fakeClock{now: time.Unix(0, 0)})
	d := ipv4.New(disp, route.NewTable(), cache)

	i := newTestIface(t, [4]byte{10, 0, 0, 1})
	pkt, err := d.PacketAlloc(nil, 4, i)
	require.NoError(t, err)
	pkt.ProtoTag = packet.ProtoICMP

	destAddr := ipv4.BroadcastAddr()
	err = d.TX(nil, destAddr, pkt)
	require.NoError(t, err)

	require.Len(t, capturedHdr, 24)
	assert.Equal(t, []byte{10, 0, 0, 1}, capturedHdr[12:16])
}

func TestTXFailsWhenNoRouteAndNoPreselectedInterface(t *testing.T) {
	disp := proto.NewDispatcher()
	cache := arp.NewCache(&fakeClock{now: time.Unix(0, 0)})
	d := ipv4.New(disp, route.NewTable(), cache)

	pkt := packet.Alloc(64, nil)
	require.NoError(t, pkt.SetLength(4))
	pkt.ProtoTag = packet.ProtoUDP

	err := d.TX(ipv4.MakeAddr([4]byte{10, 0, 0, 1}), ipv4.MakeAddr([4]byte{10, 0, 0, 2}), pkt)
	assert.ErrorIs(t, err, kernerr.ErrHostUnreachable)
}

func TestRouteGetIfaceUsesRoutingTable(t *testing.T) {
	tbl := route.NewTable()
	i := newTestIface(t, [4]byte{10, 0, 0, 1})
	_, ipnet, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	require.NoError(t, tbl.Add(&route.Entry{Iface: i, Dest: net.IPv4(10, 0, 0, 0), Mask: ipnet.Mask, Flags: route.Up}))

	d := ipv4.New(proto.NewDispatcher(), tbl, arp.NewCache(&fakeClock{now: time.Unix(0, 0)}))
	resolved, err := d.RouteGetIface(ipv4.MakeAddr([4]byte{10, 1, 2, 3}))
	require.NoError(t, err)
	assert.Same(t, i, resolved)
}
