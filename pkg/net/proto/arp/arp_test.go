package arp_test

import (
	"testing"
	"time"

	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/net/iface"
	"github.com/quarkkern/quark/pkg/net/packet"
	"github.com/quarkkern/quark/pkg/net/proto"
	"github.com/quarkkern/quark/pkg/net/proto/arp"
	"github.com/quarkkern/quark/pkg/net/proto/eth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestIface(t *testing.T, ip [4]byte) *iface.Interface {
	t.Helper()
	tree := device.NewTree()
	dev, err := tree.Create(device.Net, 0, "eth", 3, 0, "nic", nil, func(d *device.Device) error {
		d.Ops = &device.NotSupportedOps{}
		return nil
	})
	require.NoError(t, err)
	i := iface.New(dev, packet.ProtoEthernet, iface.HWAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, 128, nil)
	i.ProtoAddr = iface.ProtoAddr(ip[:])
	return i
}

func TestCacheLookupSucceedsBeforeExpiryAndFailsAfter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := arp.NewCache(clock)
	i := newTestIface(t, [4]byte{192, 0, 2, 10})

	cache.Add(i, [6]byte{1, 2, 3, 4, 5, 6}, [4]byte{192, 0, 2, 1})

	clock.now = time.Unix(1030, 0)
	hw, ok := cache.Lookup(i, [4]byte{192, 0, 2, 1})
	require.True(t, ok)
	assert.Equal(t, [6]byte{1, 2, 3, 4, 5, 6}, hw)

	clock.now = time.Unix(1120, 0)
	_, ok = cache.Lookup(i, [4]byte{192, 0, 2, 1})
	assert.False(t, ok)
}

func TestAddReapsExpiredEntriesOfOtherPeers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := arp.NewCache(clock)
	i := newTestIface(t, [4]byte{192, 0, 2, 10})

	cache.Add(i, [6]byte{1, 2, 3, 4, 5, 6}, [4]byte{192, 0, 2, 1})
	assert.Equal(t, 1, cache.Len())

	clock.now = clock.now.Add(arp.DefaultLifetime + time.Second)
	cache.Add(i, [6]byte{7, 8, 9, 10, 11, 12}, [4]byte{192, 0, 2, 2})

	assert.Equal(t, 1, cache.Len(), "the expired entry for 192.0.2.1 should have been swept out")
	_, ok := cache.Lookup(i, [4]byte{192, 0, 2, 2})
	assert.True(t, ok)
}

func TestResolveMissReturnsHostUnreachable(t *testing.T) {
	cache := arp.NewCache(&fakeClock{now: time.Unix(0, 0)})
	d := arp.New(cache, proto.NewDispatcher())
	i := newTestIface(t, [4]byte{10, 0, 0, 1})

	_, err := d.Resolve(i, [4]byte{10, 0, 0, 2})
	assert.ErrorIs(t, err, kernerr.ErrHostUnreachable)
}

func TestResolveHitReturnsCachedAddress(t *testing.T) {
	cache := arp.NewCache(&fakeClock{now: time.Unix(0, 0)})
	i := newTestIface(t, [4]byte{10, 0, 0, 1})
	cache.Add(i, [6]byte{9, 9, 9, 9, 9, 9}, [4]byte{10, 0, 0, 2})

	d := arp.New(cache, proto.NewDispatcher())
	hw, err := d.Resolve(i, [4]byte{10, 0, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, [6]byte{9, 9, 9, 9, 9, 9}, hw)
}

func buildARPFrame(opcode uint16, srcMAC [6]byte, srcIP [4]byte, dstMAC [6]byte, dstIP [4]byte) []byte {
	buf := make([]byte, 28)
	buf[0], buf[1] = 0x00, 0x01
	buf[2], buf[3] = 0x08, 0x00
	buf[4], buf[5] = 6, 4
	buf[6] = byte(opcode >> 8)
	buf[7] = byte(opcode)
	copy(buf[8:14], srcMAC[:])
	copy(buf[14:18], srcIP[:])
	copy(buf[18:24], dstMAC[:])
	copy(buf[24:28], dstIP[:])
	return buf
}

func TestRXRequestAddressedToUsPopulatesCacheAndReplies(t *testing.T) {
	cache := arp.NewCache(&fakeClock{now: time.Unix(0, 0)})
	disp := proto.NewDispatcher()
	var txCalled bool
	disp.Register(packet.ProtoEthernet, stubDriver{tx: func(src, dest *proto.Address, pkt *packet.Packet) error {
		txCalled = true
		return nil
	}})
	d := arp.New(cache, disp)
	disp.Register(packet.ProtoARP, d)

	i := newTestIface(t, [4]byte{192, 0, 2, 1})
	pkt := packet.Alloc(64, i)
	frame := buildARPFrame(1, [6]byte{1, 2, 3, 4, 5, 6}, [4]byte{192, 0, 2, 99}, [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, [4]byte{192, 0, 2, 1})
	require.NoError(t, pkt.SetLength(len(frame)))
	copy(pkt.Payload(), frame)

	err := d.RX(proto.UnknownAddress(), proto.UnknownAddress(), pkt)
	require.NoError(t, err)
	assert.True(t, txCalled)

	hw, ok := cache.Lookup(i, [4]byte{192, 0, 2, 99})
	require.True(t, ok)
	assert.Equal(t, [6]byte{1, 2, 3, 4, 5, 6}, hw)
}

func TestRXReplyPopulatesCacheWithoutTransmitting(t *testing.T) {
	cache := arp.NewCache(&fakeClock{now: time.Unix(0, 0)})
	disp := proto.NewDispatcher()
	txCalled := false
	disp.Register(packet.ProtoEthernet, stubDriver{tx: func(src, dest *proto.Address, pkt *packet.Packet) error {
		txCalled = true
		return nil
	}})
	d := arp.New(cache, disp)

	i := newTestIface(t, [4]byte{192, 0, 2, 1})
	pkt := packet.Alloc(64, i)
	frame := buildARPFrame(2, [6]byte{7, 7, 7, 7, 7, 7}, [4]byte{192, 0, 2, 50}, [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, [4]byte{192, 0, 2, 1})
	require.NoError(t, pkt.SetLength(len(frame)))
	copy(pkt.Payload(), frame)

	require.NoError(t, d.RX(proto.UnknownAddress(), proto.UnknownAddress(), pkt))
	assert.False(t, txCalled)

	hw, ok := cache.Lookup(i, [4]byte{192, 0, 2, 50})
	require.True(t, ok)
	assert.Equal(t, [6]byte{7, 7, 7, 7, 7, 7}, hw)
}

func TestRXDiscardsNonEthernetIPv4Packets(t *testing.T) {
	cache := arp.NewCache(&fakeClock{now: time.Unix(0, 0)})
	d := arp.New(cache, proto.NewDispatcher())
	i := newTestIface(t, [4]byte{192, 0, 2, 1})
	pkt := packet.Alloc(64, i)
	buf := make([]byte, 28)
	buf[0], buf[1] = 0x00, 0x06 // not Ethernet
	require.NoError(t, pkt.SetLength(len(buf)))
	copy(pkt.Payload(), buf)

	require.NoError(t, d.RX(proto.UnknownAddress(), proto.UnknownAddress(), pkt))
	_, ok := cache.Lookup(i, [4]byte{192, 0, 2, 99})
	assert.False(t, ok)
}

func TestRXDiscardsWhenInterfaceUnconfigured(t *testing.T) {
	cache := arp.NewCache(&fakeClock{now: time.Unix(0, 0)})
	d := arp.New(cache, proto.NewDispatcher())
	i := newTestIface(t, [4]byte{0, 0, 0, 0})
	pkt := packet.Alloc(64, i)
	frame := buildARPFrame(1, [6]byte{1, 2, 3, 4, 5, 6}, [4]byte{192, 0, 2, 99}, eth.Broadcast, [4]byte{192, 0, 2, 1})
	require.NoError(t, pkt.SetLength(len(frame)))
	copy(pkt.Payload(), frame)

	require.NoError(t, d.RX(proto.UnknownAddress(), proto.UnknownAddress(), pkt))
	_, ok := cache.Lookup(i, [4]byte{192, 0, 2, 99})
	assert.False(t, ok)
}

func TestRXShortPacketFails(t *testing.T) {
	d := arp.New(arp.NewCache(&fakeClock{now: time.Unix(0, 0)}), proto.NewDispatcher())
	pkt := packet.Alloc(64, nil)
	require.NoError(t, pkt.SetLength(4))
	err := d.RX(proto.UnknownAddress(), proto.UnknownAddress(), pkt)
	assert.ErrorIs(t, err, kernerr.ErrInvalidArgument)
}

type stubDriver struct {
	tx func(src, dest *proto.Address, pkt *packet.Packet) error
}

func (s stubDriver) Name() string { return "stub" }
func (s stubDriver) RX(src, dest *proto.Address, pkt *packet.Packet) error { return nil }
func (s stubDriver) TX(src, dest *proto.Address, pkt *packet.Packet) error {
	return s.tx(src, dest, pkt)
}
func (s stubDriver) AddrCompare(a, b *proto.Address) bool { return false }
func (s stubDriver) PacketAlloc(addr *proto.Address, length int, i *iface.Interface) (*packet.Packet, error) {
	return packet.Alloc(length, i), nil
}
