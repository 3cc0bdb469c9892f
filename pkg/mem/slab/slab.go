// Package slab implements the kernel's fixed-size small-object allocator.
//
// A slab is carved into objects whose size is a power of two; slabs holding
// objects of the same radix (log2 of object size) are chained together, and
// the allocator owns one chain head per radix. Unlike the original allocator,
// which returns a raw pointer whose low bits mask down to the owning slab's
// header, this port hands out a Handle (slab index plus object index): the
// Go runtime, not slab placement, owns memory safety, so there is no need to
// pack the header and allocation bitmap into the same address range as the
// objects they describe. That also means there is nothing to reserve "in
// use" for header/bitmap overhead, unlike the C original.
package slab

import (
	"errors"
	"math/bits"

	"github.com/go-logr/logr"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/preempt"
)

const (
	// MinRadix and MaxRadix bound the object sizes a slab can hold: 2^MinRadix
	// to 2^MaxRadix bytes.
	MinRadix = 2
	MaxRadix = 6

	// SizeLog2 is log2 of the fixed total size of a single slab.
	SizeLog2 = 12
	// Size is the fixed total size of a single slab, in the object-count
	// sense: a slab of radix r holds Size>>r objects.
	Size = 1 << SizeLog2
)

// Handle identifies a single allocated object. The zero Handle is never
// returned by Alloc and is treated as a no-op by Free, mirroring free(NULL).
type Handle struct {
	slab uint32
	obj  uint16
	set  bool
}

// Valid reports whether h refers to a live allocation.
func (h Handle) Valid() bool { return h.set }

type header struct {
	next   *header
	bitmap []byte
	data   []byte
	free   uint16
	nobjs  uint16
	radix  uint8
	idx    uint32
}

// Allocator is a slab allocator for one radix range [MinRadix, MaxRadix].
// All operations run inside a preemption-disabled section, matching the
// original's single-CPU locking discipline.
type Allocator struct {
	// Debug enables double-free reporting via Log. Left false (the
	// default), a double-free is silently ignored, matching the original
	// allocator's non-debug-build behavior.
	Debug bool
	Log   logr.Logger

	guard preempt.Guard
	heads [MaxRadix - MinRadix + 1]*header
	slabs []*header
}

// New returns an initialized, empty Allocator with debug reporting off.
// Set Debug and Log on the returned Allocator to enable it.
func New() *Allocator {
	return &Allocator{Log: logr.Discard()}
}

func radixForSize(size int) (uint8, error) {
	if size <= 0 {
		return 0, kernerr.ErrInvalidArgument
	}
	if size > 1<<MaxRadix {
		return 0, kernerr.ErrInvalidArgument
	}
	sz := size
	if sz < 1<<MinRadix {
		sz = 1 << MinRadix
	} else {
		sz = 1 << bits.Len(uint(sz-1))
	}
	radix := uint8(bits.Len(uint(sz)) - 1)
	return radix, nil
}

func newSlab(radix uint8) *header {
	nobjs := uint16(1 << (SizeLog2 - radix))
	bitmapLen := (nobjs + 7) / 8
	return &header{
		bitmap: make([]byte, bitmapLen),
		data:   make([]byte, int(nobjs)<<radix),
		free:   nobjs,
		nobjs:  nobjs,
		radix:  radix,
	}
}

// Alloc reserves an object large enough to hold size bytes, creating a new
// slab for the appropriate radix if every existing slab of that radix is
// full. It fails with kernerr.ErrInvalidArgument if size is zero or exceeds
// 1<<MaxRadix bytes.
func (a *Allocator) Alloc(size int) (Handle, error) {
	radix, err := radixForSize(size)
	if err != nil {
		return Handle{}, err
	}

	var h Handle
	a.guard.Section(func() {
		idx := radix - MinRadix
		s := a.heads[idx]
		if s == nil {
			s = newSlab(radix)
			s.idx = uint32(len(a.slabs))
			a.heads[idx] = s
			a.slabs = append(a.slabs, s)
		} else {
			for s.free == 0 {
				if s.next == nil {
					s.next = newSlab(radix)
					s.next.idx = uint32(len(a.slabs))
					a.slabs = append(a.slabs, s.next)
				}
				s = s.next
			}
		}

		obj := firstFreeBit(s.bitmap, s.nobjs)
		s.bitmap[obj/8] |= 1 << (obj % 8)
		s.free--

		h = Handle{slab: s.idx, obj: obj, set: true}
	})
	return h, nil
}

func firstFreeBit(bitmap []byte, nobjs uint16) uint16 {
	var obj uint16
	byteIdx := 0
	for byteIdx < len(bitmap) && bitmap[byteIdx] == 0xff {
		byteIdx++
		obj += 8
	}
	b := bitmap[byteIdx]
	for bit := byte(1); b&bit != 0; bit <<= 1 {
		obj++
	}
	return obj
}

// Bytes returns the backing storage for the object identified by h. The
// slice's length is exactly the object size (1 << radix); it is valid until
// the object is freed.
func (a *Allocator) Bytes(h Handle) []byte {
	if !h.Valid() {
		return nil
	}
	s := a.slabs[h.slab]
	off := int(h.obj) << s.radix
	return s.data[off : off+(1<<s.radix)]
}

// errDoubleFree is reported via Log when Debug is set; it is never returned.
var errDoubleFree = errors.New("slab: double free")

// Free releases the object identified by h. Freeing the zero Handle is a
// no-op. A double-free (the object's bit is already clear) is reported via
// Log when Debug is set, and silently ignored otherwise, matching the
// non-debug build behavior of the original.
func (a *Allocator) Free(h Handle) {
	if !h.Valid() {
		return
	}
	a.guard.Section(func() {
		s := a.slabs[h.slab]
		byteIdx := h.obj / 8
		bit := byte(1) << (h.obj % 8)
		if s.bitmap[byteIdx]&bit != 0 {
			s.bitmap[byteIdx] &^= bit
			s.free++
		} else if a.Debug {
			a.Log.Error(errDoubleFree, "slab: double free detected", "slab", h.slab, "obj", h.obj)
		}
	})
}

// Stats reports the total and free object counts across every slab of the
// given radix. It fails with kernerr.ErrInvalidArgument if radix is out of
// range.
func (a *Allocator) Stats(radix uint8) (total, free uint32, err error) {
	if radix < MinRadix || radix > MaxRadix {
		return 0, 0, kernerr.ErrInvalidArgument
	}
	a.guard.Section(func() {
		for s := a.heads[radix-MinRadix]; s != nil; s = s.next {
			total += uint32(s.nobjs)
			free += uint32(s.free)
		}
	})
	return total, free, nil
}
