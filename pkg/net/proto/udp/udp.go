// Package udp implements the UDP protocol driver: header encode/decode,
// checksum over the IPv4 pseudo-header plus payload, and demultiplexing
// incoming datagrams to a per-port receive queue.
//
// The original firmware lists UDP only as a peer protocol registered
// alongside IPv4/ARP/Ethernet in the dispatcher, without detailing its
// state machine; this is the concrete behavior a dispatcher registration
// needs to be exercised by anything beyond a stub.
package udp

import (
	"encoding/binary"
	"sync"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/net/iface"
	"github.com/quarkkern/quark/pkg/net/packet"
	"github.com/quarkkern/quark/pkg/net/proto"
)

const headerLen = 8

// Datagram is a received UDP datagram handed to a listener, with the
// sender's IPv4 address and source port preserved alongside the payload.
type Datagram struct {
	SrcAddr *proto.Address
	SrcPort uint16
	Payload []byte
}

// Queue is a per-port receive queue: RX delivers into it, a listener
// Receives from it.
type Queue struct {
	ch chan Datagram
}

// Receive blocks until a datagram arrives or the queue is closed (in which
// case ok is false).
func (q *Queue) Receive() (Datagram, bool) {
	d, ok := <-q.ch
	return d, ok
}

// Driver is the UDP proto.Driver.
type Driver struct {
	disp *proto.Dispatcher

	mu    sync.Mutex
	ports map[uint16]*Queue
}

// New constructs the UDP driver, forwarding transmitted segments through
// disp.
func New(disp *proto.Dispatcher) *Driver {
	return &Driver{disp: disp, ports: make(map[uint16]*Queue)}
}

func (d *Driver) Name() string { return "UDP" }

// Listen registers a receive queue for port, replacing any prior listener.
// The queue is buffered to queueLen datagrams; RX drops a datagram that
// arrives when the queue is full, counting it nowhere in particular since
// this port has no deeper UDP statistics layer.
func (d *Driver) Listen(port uint16, queueLen int) *Queue {
	q := &Queue{ch: make(chan Datagram, queueLen)}
	d.mu.Lock()
	d.ports[port] = q
	d.mu.Unlock()
	return q
}

// Close unregisters port's listener and closes its queue.
func (d *Driver) Close(port uint16) {
	d.mu.Lock()
	q, ok := d.ports[port]
	delete(d.ports, port)
	d.mu.Unlock()
	if ok {
		close(q.ch)
	}
}

// RX parses the 8-byte UDP header and demuxes the payload to the
// destination port's registered queue, if any; a datagram for an
// unregistered port is discarded.
func (d *Driver) RX(src, dest *proto.Address, pkt *packet.Packet) error {
	if pkt.Length < headerLen {
		return kernerr.ErrInvalidArgument
	}
	hdr := pkt.Payload()[:headerLen]
	srcPort := binary.BigEndian.Uint16(hdr[0:2])
	dstPort := binary.BigEndian.Uint16(hdr[2:4])
	length := binary.BigEndian.Uint16(hdr[4:6])

	if int(length) > pkt.Length {
		return kernerr.ErrInvalidArgument
	}

	if err := pkt.Consume(headerLen); err != nil {
		return err
	}

	d.mu.Lock()
	q, ok := d.ports[dstPort]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	payload := append([]byte(nil), pkt.Payload()...)
	select {
	case q.ch <- Datagram{SrcAddr: src, SrcPort: srcPort, Payload: payload}:
	default:
	}
	return nil
}

// TX builds the UDP header (with pseudo-header checksum over src/dest IPv4
// addresses and the payload) and dispatches to IPv4.
func (d *Driver) TX(src, dest *proto.Address, pkt *packet.Packet) error {
	srcPort := uint16(0)
	dstPort := uint16(0)
	if len(src.Bytes) >= 6 {
		srcPort = binary.BigEndian.Uint16(src.Bytes[4:6])
	}
	if len(dest.Bytes) >= 6 {
		dstPort = binary.BigEndian.Uint16(dest.Bytes[4:6])
	}

	payloadLen := pkt.Length
	if err := pkt.Encapsulate(packet.ProtoUDP, headerLen); err != nil {
		return err
	}
	hdr := pkt.Payload()[:headerLen]
	binary.BigEndian.PutUint16(hdr[0:2], srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(headerLen+payloadLen))
	binary.BigEndian.PutUint16(hdr[6:8], 0)

	cksum := pseudoHeaderChecksum(src.Bytes, dest.Bytes, pkt.Payload())
	binary.BigEndian.PutUint16(hdr[6:8], cksum)

	return d.disp.TX(src, dest, pkt)
}

func pseudoHeaderChecksum(srcIP, destIP []byte, udpSegment []byte) uint16 {
	var sum uint32
	add16 := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(b[i])<<8 | uint32(b[i+1])
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}
	if len(srcIP) == 4 {
		add16(srcIP)
	}
	if len(destIP) == 4 {
		add16(destIP)
	}
	sum += 17 // protocol number
	sum += uint32(len(udpSegment))
	add16(udpSegment)
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func (d *Driver) AddrCompare(a, b *proto.Address) bool { return false }

// PacketAlloc allocates a packet sized for a UDP header plus length bytes
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
