// Package port implements IPv4 port allocation: a bitmap covering
// 0..65535, one bit per port, with specific and ephemeral allocation
// modes.
package port

import (
	"sync"

	"github.com/quarkkern/quark/pkg/kernerr"
)

const (
	// PrivilegedEnd is one past the last privileged port; allocating a
	// port below this requires uid 0.
	PrivilegedEnd = 1024

	// EphemeralStart/EphemeralEnd bound the default ephemeral scan range.
	EphemeralStart = 49152
	EphemeralEnd   = 65536

	numPorts = 65536
	numBytes = numPorts / 8
)

// Mode selects specific-port vs. ephemeral allocation.
type Mode int

const (
	Specific Mode = iota
	Ephemeral
)

// Bitmap is the port allocation table. The original's doubly-indirect
// slab-of-bitmaps structure existed to defer memory commitment a byte at a
// time; this port allocates the whole 8KiB bitmap up front, since Go has no
// equivalent slab-allocator budget to conserve.
type Bitmap struct {
	mu             sync.Mutex
	bits           [numBytes]byte
	ephemeralStart uint32
	ephemeralEnd   uint32
}

// NewBitmap constructs an empty port bitmap with the default ephemeral
// range [EphemeralStart, EphemeralEnd).
func NewBitmap() *Bitmap {
	return &Bitmap{ephemeralStart: EphemeralStart, ephemeralEnd: EphemeralEnd}
}

// SetEphemeralRange overrides the ephemeral scan bounds.
func (b *Bitmap) SetEphemeralRange(start, end uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ephemeralStart = uint32(start)
	b.ephemeralEnd = uint32(end)
}

func (b *Bitmap) isSet(port uint16) bool {
	return b.bits[port/8]&(1<<(port%8)) != 0
}

func (b *Bitmap) set(port uint16) {
	b.bits[port/8] |= 1 << (port % 8)
}

// Alloc allocates a port. In Specific mode, port names the desired port
// number; fails with ErrAddressInUse if taken, or ErrPermissionDenied if
// port < PrivilegedEnd and isRoot is false. In Ephemeral mode, port is
// ignored and a free port is scanned for starting at the configured
// ephemeral start, skipping full bytes eight ports at a time and falling
// back to bit-by-bit within a byte, failing with ErrOutOfMemory (reused
// here as the "no ports available" sentinel) once the configured
// ephemeral end is reached.
func (b *Bitmap) Alloc(mode Mode, port uint16, isRoot bool) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch mode {
	case Specific:
		if port < PrivilegedEnd && !isRoot {
			return 0, kernerr.ErrPermissionDenied
		}
		if b.isSet(port) {
			return 0, kernerr.ErrAddressInUse
		}
		b.set(port)
		return port, nil

	case Ephemeral:
		search := b.ephemeralStart
		for search < b.ephemeralEnd {
			byteIdx := search / 8
			if b.bits[byteIdx] == 0xff {
				search += 8 - (search % 8)
				continue
			}
			bitStart := search % 8
			for bit := bitStart; bit < 8; bit++ {
				candidate := (byteIdx * 8) + bit
				if candidate >= b.ephemeralEnd {
					return 0, kernerr.ErrOutOfMemory
				}
				if b.bits[byteIdx]&(1<<bit) == 0 {
					b.bits[byteIdx] |= 1 << bit
					return uint16(candidate), nil
				}
			}
			search = (byteIdx + 1) * 8
		}
		return 0, kernerr.ErrOutOfMemory

	default:
		return 0, kernerr.ErrInvalidArgument
	}
}

// Free marks port as available again, failing with ErrNotFound if it was
// not currently allocated.
func (b *Bitmap) Free(port uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isSet(port) {
		return kernerr.ErrNotFound
	}
	b.bits[port/8] &^= 1 << (port % 8)
	return nil
}
