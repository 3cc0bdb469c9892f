// Package packet implements the network packet abstraction: a fixed-size
// byte buffer with a sliding payload window, used to move frames up and
// down the protocol stack without copying on every encapsulation or
// decapsulation step.
package packet

import (
	"github.com/quarkkern/quark/pkg/kernerr"
)

// ProtoTag identifies the protocol a packet currently carries, the way the
// dispatcher in pkg/net/proto keys its registry.
type ProtoTag uint16

const (
	ProtoUnknown ProtoTag = iota
	ProtoEthernet
	ProtoARP
	ProtoIPv4
	ProtoICMP
	ProtoUDP
	ProtoTCP
)

// Interface is the minimal view pkg/net/packet needs of a network
// interface: just enough to stamp a packet with where it arrived or will
// depart from. pkg/net/iface.Interface satisfies it.
type Interface any

// Packet is a fixed-capacity buffer with a payload window [Start, Start+
// Length) that slides within it as headers are prepended (Encapsulate) or
// stripped (Consume). Buffer is never reallocated after Alloc/Clone.
type Packet struct {
	Iface    Interface
	ProtoTag ProtoTag
	Buffer   []byte
	Start    int
	Length   int
}

// Alloc allocates a packet with a buffer of the given capacity, reset to
// an empty payload at buffer base.
func Alloc(bufLen int, iface Interface) *Packet {
	p := &Packet{Buffer: make([]byte, bufLen), Iface: iface}
	p.Reset()
	return p
}

// Reset repositions Start to the buffer base and zeroes Length, readying
// the packet for reuse (e.g. by an RX loop).
func (p *Packet) Reset() {
	p.Start = 0
	p.Length = 0
}

// Payload returns the packet's current payload window into Buffer.
func (p *Packet) Payload() []byte {
	return p.Buffer[p.Start : p.Start+p.Length]
}

// Capacity returns the size of the backing buffer.
func (p *Packet) Capacity() int {
	return len(p.Buffer)
}

// Encapsulate slides Start back by n bytes and grows Length by n,
// tagging the packet with proto. It fails with kernerr.ErrInvalidArgument
// if doing so would underflow the buffer (Start < 0).
func (p *Packet) Encapsulate(proto ProtoTag, n int) error {
	if err := p.insert(n); err != nil {
		return err
	}
	p.ProtoTag = proto
	return nil
}

// insert grows the payload window backwards by n bytes without changing
// the protocol tag; Encapsulate is insert plus a tag update, matching the
// original's net_packet_encapsulate/net_packet_insert split.
func (p *Packet) insert(n int) error {
	if p.Start-n < 0 {
		return kernerr.ErrInvalidArgument
	}
	p.Start -= n
	p.Length += n
	return nil
}

// Consume slides Start forward by n bytes and shrinks Length by n,
// failing with kernerr.ErrInvalidArgument if n exceeds the current
// payload length.
func (p *Packet) Consume(n int) error {
	if n > p.Length {
		return kernerr.ErrInvalidArgument
	}
	p.Start += n
	p.Length -= n
	return nil
}

// Clone produces an independent deep copy of packet: a fresh buffer of the
// same capacity, with Iface/ProtoTag/Start/Length copied verbatim.
func (p *Packet) Clone() *Packet {
	buf := make([]byte, len(p.Buffer))
	copy(buf, p.Buffer)
	return &Packet{
		Iface:    p.Iface,
		ProtoTag: p.ProtoTag,
		Buffer:   buf,
		Start:    p.Start,
		Length:   p.Length,
	}
}

// SetLength sets the payload length directly, e.g. after an RX read fills
// the buffer from the buffer base. It fails if newLen would extend past
// the buffer's end.
func (p *Packet) SetLength(newLen int) error {
	if p.Start+newLen > len(p.Buffer) {
		return kernerr.ErrInvalidArgument
	}
	p.Length = newLen
	return nil
}
