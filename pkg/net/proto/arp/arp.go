// Package arp implements the ARP cache and the Ethernet+IPv4 ARP protocol
// driver: request/reply handling and cache-backed resolution.
package arp

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/net/iface"
	"github.com/quarkkern/quark/pkg/net/packet"
	"github.com/quarkkern/quark/pkg/net/proto"
	"github.com/quarkkern/quark/pkg/net/proto/eth"
	"github.com/quarkkern/quark/pkg/net/route"
)

const (
	hwTypeEthernet = 1

	opRequest = 1
	opReply   = 2

	// headerLen covers hw_type, proto_type, hw_addr_len, proto_addr_len,
	// opcode; payloadLen covers src_mac, src_ip, dst_mac, dst_ip for the
	// Ethernet+IPv4 case this driver exclusively handles.
	headerLen  = 8
	payloadLen = 2*eth.AddrLen + 2*4
	packetLen  = headerLen + payloadLen

	// DefaultLifetime is how long a cache entry stays valid after insertion,
	// matching the original's ARP_CACHE_ITEM_LIFETIME.
	DefaultLifetime = 60 * time.Second
)

// entry is a single ARP cache record.
type entry struct {
	Iface     *iface.Interface
	ProtoAddr [4]byte
	HWAddr    [eth.AddrLen]byte
	Expiry    time.Time
}

// Cache is the ARP cache: {iface, proto_addr, hw_addr, expiry}, built over
// an injectable clock so lookups near expiry can be tested deterministically.
type Cache struct {
	mu      sync.Mutex
	clock   route.Clock
	entries []entry
}

// NewCache constructs an empty ARP cache using clock for expiry checks.
func NewCache(clock route.Clock) *Cache {
	if clock == nil {
		clock = route.SystemClock{}
	}
	return &Cache{clock: clock}
}

// Add inserts or refreshes a (iface, ip) -> hw_addr mapping with
// DefaultLifetime from now, sweeping out any entries (for any iface/ip) that
// have already expired so the cache does not grow without bound as peers
// come and go.
func (c *Cache) Add(i *iface.Interface, hwAddr [eth.AddrLen]byte, ip [4]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.reapExpiredLocked(now)
	for idx := range c.entries {
		if c.entries[idx].Iface == i && c.entries[idx].ProtoAddr == ip {
			c.entries[idx].HWAddr = hwAddr
			c.entries[idx].Expiry = now.Add(DefaultLifetime)
			return
		}
	}
	c.entries = append(c.entries, entry{Iface: i, ProtoAddr: ip, HWAddr: hwAddr, Expiry: now.Add(DefaultLifetime)})
}

// reapExpiredLocked drops every entry whose Expiry is at or before now.
// Caller must hold c.mu.
func (c *Cache) reapExpiredLocked(now time.Time) {
	live := c.entries[:0]
	for _, e := range c.entries {
		if e.Expiry.After(now) {
			live = append(live, e)
		}
	}
	c.entries = live
}

// Len returns the number of entries currently held, including any that have
// expired but have not yet been swept out by a subsequent Add.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Lookup returns the cached hardware address for (iface, ip), succeeding
// only if the entry has not expired.
func (c *Cache) Lookup(i *iface.Interface, ip [4]byte) ([eth.AddrLen]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for _, e := range c.entries {
		if e.Iface == i && e.ProtoAddr == ip && e.Expiry.After(now) {
			return e.HWAddr, true
		}
	}
	return [eth.AddrLen]byte{}, false
}

// Driver is the ARP proto.Driver: it handles incoming requests/replies over
// Ethernet+IPv4 and answers Resolve queries from the cache.
type Driver struct {
	cache *Cache
	disp  *proto.Dispatcher
}

// New constructs the ARP driver over cache, registered with disp for
// transmitting replies.
func New(cache *Cache, disp *proto.Dispatcher) *Driver {
	return &Driver{cache: cache, disp: disp}
}

func (d *Driver) Name() string { return "ARP" }

// Resolve looks up ip's hardware address on i. Per the original, a cache
// miss is not followed by sending a request -- that path was never
// implemented upstream, and this port deliberately does not guess past it.
func (d *Driver) Resolve(i *iface.Interface, ip [4]byte) ([eth.AddrLen]byte, error) {
	hw, ok := d.cache.Lookup(i, ip)
	if !ok {
		return [eth.AddrLen]byte{}, kernerr.ErrHostUnreachable
	}
	return hw, nil
}

// RX handles an incoming ARP packet. Only Ethernet+IPv4 request/reply
// packets are understood; anything else, or any packet addressed to an
// interface with no configured IPv4 address, is silently discarded exactly
// as the original does.
func (d *Driver) RX(src, dest *proto.Address, pkt *packet.Packet) error {
	if pkt.Length < headerLen {
		return kernerr.ErrInvalidArgument
	}
	buf := pkt.Payload()
	hwType := binary.BigEndian.Uint16(buf[0:2])
	protoType := binary.BigEndian.Uint16(buf[2:4])
	opcode := binary.BigEndian.Uint16(buf[6:8])

	if hwType != hwTypeEthernet || protoType != 0x0800 {
		return nil
	}

	i, _ := pkt.Iface.(*iface.Interface)
	if i == nil || len(i.ProtoAddr) != 4 || isZeroIPv4(i.ProtoAddr) {
		return nil
	}

	if pkt.Length < packetLen {
		return kernerr.ErrInvalidArgument
	}
	payload := buf[headerLen:packetLen]
	var srcMAC, dstMAC [eth.AddrLen]byte
	var srcIP, dstIP [4]byte
	copy(srcMAC[:], payload[0:6])
	copy(srcIP[:], payload[6:10])
	copy(dstMAC[:], payload[10:16])
	copy(dstIP[:], payload[16:20])

	var ifaceIP [4]byte
	copy(ifaceIP[:], i.ProtoAddr)

	switch opcode {
	case opRequest:
		if dstIP != ifaceIP {
			return nil
		}
		d.cache.Add(i, srcMAC, srcIP)
		return d.sendReply(i, srcMAC, srcIP, ifaceIP)
	case opReply:
		d.cache.Add(i, srcMAC, srcIP)
		return nil
	default:
		return nil
	}
}

func isZeroIPv4(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func (d *Driver) sendReply(i *iface.Interface, dstMAC [eth.AddrLen]byte, dstIP, srcIP [4]byte) error {
	pkt, err := d.PacketAlloc(nil, payloadLen, i)
	if err != nil {
		return err
	}
	encode(pkt.Payload(), opReply, [eth.AddrLen]byte(i.HWAddr), srcIP, dstMAC, dstIP)
	pkt.ProtoTag = packet.ProtoARP

	dest := eth.MakeAddr(dstMAC)
	return d.disp.TX(eth.MakeAddr([eth.AddrLen]byte(i.HWAddr)), dest, pkt)
}

// SendRequest broadcasts an ARP request for ip over i. Exposed for callers
// (e.g. IPv4 TX, once request-on-miss resolution is implemented) that want
// to trigger resolution explicitly; Resolve itself never calls this.
func (d *Driver) SendRequest(i *iface.Interface, ip [4]byte) error {
	pkt, err := d.PacketAlloc(nil, payloadLen, i)
	if err != nil {
		return err
	}
	var srcIP [4]byte
	copy(srcIP[:], i.ProtoAddr)
	encode(pkt.Payload(), opRequest, [eth.AddrLen]byte(i.HWAddr), srcIP, eth.Broadcast, ip)
	pkt.ProtoTag = packet.ProtoARP

	return d.disp.TX(eth.MakeAddr([eth.AddrLen]byte(i.HWAddr)), eth.BroadcastAddr(), pkt)
}

func encode(buf []byte, opcode uint16, srcMAC [eth.AddrLen]byte, srcIP [4]byte, dstMAC [eth.AddrLen]byte, dstIP [4]byte) {
	binary.BigEndian.PutUint16(buf[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(buf[2:4], 0x0800)
	buf[4] = eth.AddrLen
	buf[5] = 4
	binary.BigEndian.PutUint16(buf[6:8], opcode)
	copy(buf[8:14], srcMAC[:])
	copy(buf[14:18], srcIP[:])
	copy(buf[18:24], dstMAC[:])
	copy(buf[24:28], dstIP[:])
}

func (d *Driver) TX(src, dest *proto.Address, pkt *packet.Packet) error {
	return kernerr.ErrNotSupported
}

func (d *Driver) AddrCompare(a, b *proto.Address) bool { return false }

// PacketAlloc allocates a packet sized for a full ARP header+payload.
func (d *Driver) PacketAlloc(addr *proto.Address, length int, i *iface.Interface) (*packet.Packet, error) {
	pkt := packet.Alloc(headerLen+length, i)
	if err := pkt.SetLength(headerLen + length); err != nil {
		return nil, err
	}
	return pkt, nil
}
