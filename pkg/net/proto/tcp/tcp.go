// Package tcp implements a deliberately partial TCP protocol driver:
// segment header encode/decode, connection bookkeeping through a reduced
// state set, and enough of a handshake/data-transfer/close path to listen,
// accept one connection, move data over it, and close it in order. The
// full state-machine transition table -- simultaneous opens, retransmission
// of data segments, window management, out-of-order reassembly -- is
// explicitly out of scope; this driver exists to exercise the dispatcher
// end to end, not to replace a production TCP stack.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/net/iface"
	"github.com/quarkkern/quark/pkg/net/packet"
	"github.com/quarkkern/quark/pkg/net/proto"
)

// State is a reduced TCP connection state.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	TimeWait
	Closing
	CloseWait
	LastAck
)

// Segment flag bits.
const (
	FlagFIN byte = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

const headerLen = 20

// retransmitInterval is how long a handshake/close step waits for its
// peer's response before resending. Dial and Close retry at this constant
// interval (backoff.ConstantBackOff) and give up after 10 tries.
var retransmitInterval = 20 * time.Millisecond

func encodeHeader(buf []byte, srcPort, dstPort uint16, seq, ack uint32, flags byte, window uint16) {
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], ack)
	buf[12] = 5 << 4 // data offset: 5 32-bit words, no options
	buf[13] = flags
	binary.BigEndian.PutUint16(buf[14:16], window)
	binary.BigEndian.PutUint16(buf[16:18], 0) // checksum, left unverified by this reduced driver
	binary.BigEndian.PutUint16(buf[18:20], 0) // urgent pointer, unused
}

type segment struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            byte
	payload          []byte
}

func decodeHeader(buf []byte) segment {
	return segment{
		srcPort: binary.BigEndian.Uint16(buf[0:2]),
		dstPort: binary.BigEndian.Uint16(buf[2:4]),
		seq:     binary.BigEndian.Uint32(buf[4:8]),
		ack:     binary.BigEndian.Uint32(buf[8:12]),
		flags:   buf[13],
	}
}

type connKey struct {
	localPort  uint16
	remotePort uint16
	remoteIP   [4]byte
}

func keyOf(localPort, remotePort uint16, remoteAddr *proto.Address) connKey {
	var ip [4]byte
	copy(ip[:], remoteAddr.Bytes)
	return connKey{localPort: localPort, remotePort: remotePort, remoteIP: ip}
}

// Conn is one TCP connection.
type Conn struct {
	driver *Driver

	mu         sync.Mutex
	state      State
	localPort  uint16
	remotePort uint16
	remoteAddr *proto.Address
	iface      *iface.Interface

	sendSeq uint32
	recvSeq uint32

	recvQueue chan []byte
	synAck    chan uint32
	finAcked  chan struct{}
	peerFin   chan struct{}
	closeOnce sync.Once
}

func newConn(d *Driver) *Conn {
	return &Conn{
		driver:    d,
		recvQueue: make(chan []byte, 64),
		synAck:    make(chan uint32, 1),
		finAcked:  make(chan struct{}, 1),
		peerFin:   make(chan struct{}, 1),
	}
}

// closeRecvQueue closes recvQueue at most once, since both an active and a
// passive close path may observe the connection tearing down.
func (c *Conn) closeRecvQueue() {
	c.closeOnce.Do(func() { close(c.recvQueue) })
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes data to an established connection.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	if c.state != Established {
		c.mu.Unlock()
		return kernerr.ErrInvalidArgument
	}
	seq := c.sendSeq
	c.sendSeq += uint32(len(data))
	ack := c.recvSeq
	c.mu.Unlock()

	return c.driver.send(c, FlagACK|FlagPSH, seq, ack, data)
}

// Receive blocks for the next chunk of received data. ok is false once the
// connection has been closed and no more data will arrive.
func (c *Conn) Receive() (data []byte, ok bool) {
	d, ok := <-c.recvQueue
	return d, ok
}

// Close performs an orderly active close: send FIN, wait for the peer's
// acknowledgment and its own answering FIN (handled by RX, which replies
// and tears the connection down), then mark the connection Closed locally.
// Retransmits the FIN via backoff until acknowledged or ctx is done.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.state = FinWait1
	seq := c.sendSeq
	c.sendSeq++
	ack := c.recvSeq
	c.mu.Unlock()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := c.driver.send(c, FlagFIN|FlagACK, seq, ack, nil); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		select {
		case <-c.finAcked:
			c.mu.Lock()
			// A fully synchronous peer may have already answered with its
			// own FIN (advancing state past FinWait1) before this select
			// runs; only advance FinWait1 -> FinWait2, never regress a
			// state that already reached Closed.
			if c.state == FinWait1 {
				c.state = FinWait2
			}
			c.mu.Unlock()
			return struct{}{}, nil
		case <-time.After(retransmitInterval):
			return struct{}{}, errRetry
		case <-ctx.Done():
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
	}, backoff.WithBackOff(&backoff.ConstantBackOff{Interval: retransmitInterval}), backoff.WithMaxTries(10))
	if err != nil {
		return err
	}

	select {
	case <-c.peerFin:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

var errRetry = errors.New("tcp: awaiting peer response")

// Listener accepts incoming connections on one local port.
type Listener struct {
	port    uint16
	backlog chan *Conn
}

// Accept blocks for the next established inbound connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.backlog:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Driver is the TCP proto.Driver.
type Driver struct {
	disp *proto.Dispatcher

	mu        sync.Mutex
	listeners map[uint16]*Listener
	conns     map[connKey]*Conn
}

// New constructs the TCP driver, dispatching segments through disp.
func New(disp *proto.Dispatcher) *Driver {
	return &Driver{disp: disp, listeners: make(map[uint16]*Listener), conns: make(map[connKey]*Conn)}
}

func (d *Driver) Name() string { return "TCP" }

// Listen registers port for passive opens; backlog bounds how many
// established-but-unaccepted connections may queue.
func (d *Driver) Listen(port uint16, backlog int) *Listener {
	l := &Listener{port: port, backlog: make(chan *Conn, backlog)}
	d.mu.Lock()
	d.listeners[port] = l
	d.mu.Unlock()
	return l
}

// Dial performs an active open to remoteAddr (an IPv4+port proto.Address,
// following the convention pkg/net/proto/udp also uses), retransmitting the
// initial SYN via backoff until a SYN-ACK arrives or ctx is done.
func (d *Driver) Dial(ctx context.Context, i *iface.Interface, localPort uint16, remoteAddr *proto.Address) (*Conn, error) {
	c := newConn(d)
	c.state = SynSent
	c.localPort = localPort
	c.remotePort = portOf(remoteAddr)
	c.remoteAddr = remoteAddr
	c.iface = i
	c.sendSeq = uint32(rand.Uint64())

	d.mu.Lock()
	d.conns[keyOf(localPort, c.remotePort, remoteAddr)] = c
	d.mu.Unlock()

	seq := c.sendSeq
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := d.send(c, FlagSYN, seq, 0, nil); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		select {
		case peerSeq := <-c.synAck:
			c.mu.Lock()
			c.recvSeq = peerSeq + 1
			c.sendSeq = seq + 1
			c.state = Established
			c.mu.Unlock()
			return struct{}{}, nil
		case <-time.After(retransmitInterval):
			return struct{}{}, errRetry
		case <-ctx.Done():
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
	}, backoff.WithBackOff(&backoff.ConstantBackOff{Interval: retransmitInterval}), backoff.WithMaxTries(10))
	if err != nil {
		d.forget(c)
		return nil, err
	}

	if err := d.send(c, FlagACK, c.sendSeq, c.recvSeq, nil); err != nil {
		d.forget(c)
		return nil, err
	}
	return c, nil
}

func portOf(addr *proto.Address) uint16 {
	if len(addr.Bytes) < 6 {
		return 0
	}
	return binary.BigEndian.Uint16(addr.Bytes[4:6])
}

func (d *Driver) forget(c *Conn) {
	d.mu.Lock()
	delete(d.conns, keyOf(c.localPort, c.remotePort, c.remoteAddr))
	d.mu.Unlock()
}

// RX handles an incoming TCP segment against the reduced state set:
// passive-open SYN, handshake-completing ACK, established data delivery,
// and the peer side of an orderly close.
func (d *Driver) RX(src, dest *proto.Address, pkt *packet.Packet) error {
	if pkt.Length < headerLen {
		return kernerr.ErrInvalidArgument
	}
	seg := decodeHeader(pkt.Payload()[:headerLen])
	seg.payload = append([]byte(nil), pkt.Payload()[headerLen:]...)

	key := keyOf(seg.dstPort, seg.srcPort, src)
	d.mu.Lock()
	c, ok := d.conns[key]
	d.mu.Unlock()

	if !ok {
		return d.handleNewConnection(src, seg)
	}
	return d.handleExisting(c, seg)
}

func (d *Driver) handleNewConnection(src *proto.Address, seg segment) error {
	if seg.flags&FlagSYN == 0 {
		return nil
	}
	d.mu.Lock()
	l, ok := d.listeners[seg.dstPort]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	c := newConn(d)
	c.state = SynReceived
	c.localPort = seg.dstPort
	c.remotePort = seg.srcPort
	c.remoteAddr = src
	c.recvSeq = seg.seq + 1
	c.sendSeq = uint32(rand.Uint64())

	d.mu.Lock()
	d.conns[keyOf(c.localPort, c.remotePort, src)] = c
	d.mu.Unlock()

	if err := d.send(c, FlagSYN|FlagACK, c.sendSeq, c.recvSeq, nil); err != nil {
		return err
	}
	c.sendSeq++
	select {
	case l.backlog <- c:
	default:
	}
	return nil
}

func (d *Driver) handleExisting(c *Conn, seg segment) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch {
	case state == SynReceived && seg.flags&FlagACK != 0:
		c.mu.Lock()
		c.state = Established
		c.mu.Unlock()
		return nil

	case state == SynSent && seg.flags&(FlagSYN|FlagACK) == (FlagSYN|FlagACK):
		select {
		case c.synAck <- seg.seq:
		default:
		}
		return nil

	case seg.flags&FlagFIN != 0:
		c.mu.Lock()
		c.recvSeq = seg.seq + 1
		wasActiveCloser := c.state == FinWait1 || c.state == FinWait2
		ack := c.recvSeq
		seq := c.sendSeq
		c.state = Closed
		c.mu.Unlock()

		c.closeRecvQueue()
		d.forget(c)

		if wasActiveCloser {
			// This FIN answers our own active close (Close already sent
			// FIN and saw it acknowledged) -- unblock Close's wait and
			// ack the peer's FIN. No FIN of our own to send back.
			select {
			case c.peerFin <- struct{}{}:
			default:
			}
			return d.send(c, FlagACK, seq, ack, nil)
		}

		// Passive close: acknowledge, then answer with our own FIN. This
		// driver does not wait for that FIN to be acknowledged in turn --
		// a full simultaneous-close handshake is the kind of transition-
		// table detail this reduced state set leaves out.
		if err := d.send(c, FlagACK, seq, ack, nil); err != nil {
			return err
		}
		return d.send(c, FlagFIN|FlagACK, seq, ack, nil)

	case seg.flags&FlagACK != 0 && state == FinWait1:
		select {
		case c.finAcked <- struct{}{}:
		default:
		}
		return nil

	case len(seg.payload) > 0:
		c.mu.Lock()
		c.recvSeq = seg.seq + uint32(len(seg.payload))
		ack := c.recvSeq
		seq := c.sendSeq
		c.mu.Unlock()
		select {
		case c.recvQueue <- seg.payload:
		default:
		}
		return d.send(c, FlagACK, seq, ack, nil)
	}
	return nil
}

func (d *Driver) send(c *Conn, flags byte, seq, ack uint32, payload []byte) error {
	pkt, err := d.PacketAlloc(nil, len(payload), c.iface)
	if err != nil {
		return err
	}
	hdr := pkt.Payload()[:headerLen]
	encodeHeader(hdr, c.localPort, c.remotePort, seq, ack, flags, 65535)
	copy(pkt.Payload()[headerLen:], payload)
	pkt.ProtoTag = packet.ProtoTCP

	localBytes := make([]byte, len(c.remoteAddr.Bytes))
	copy(localBytes, c.remoteAddr.Bytes)
	if len(localBytes) >= 6 {
		binary.BigEndian.PutUint16(localBytes[4:6], c.localPort)
	}
	src := &proto.Address{Proto: c.remoteAddr.Proto, Bytes: localBytes}
	return d.disp.TX(src, c.remoteAddr, pkt)
}

func (d *Driver) TX(src, dest *proto.Address, pkt *packet.Packet) error {
	return kernerr.ErrNotSupported
}

func (d *Driver) AddrCompare(a, b *proto.Address) bool { return false }

// PacketAlloc allocates a packet sized for a TCP header plus length bytes
// of payload.
func (d *Driver) PacketAlloc(addr *proto.Address, length int, i *iface.Interface) (*packet.Packet, error) {
	pkt := packet.Alloc(headerLen+length, i)
	if err := pkt.SetLength(headerLen + length); err != nil {
		return nil, err
	}
	return pkt, nil
}
