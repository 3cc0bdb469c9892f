// Package heap implements the kernel's general-purpose heap allocator: a
// singly-linked list of variable-size blocks carved from one contiguous
// byte region, each prefixed by a header carrying a magic number (whose
// low bit doubles as the in-use flag) and a size. A zero-sized, permanently
// in-use block terminates the list.
//
// Unlike the slab allocator, the heap's blocks are genuinely laid out
// in-band in a single backing buffer: the data model calls for walking
// size-sized strides from the base to reach the sentinel, which only means
// something if the headers really live next to the data they describe.
// Allocations are therefore addressed by the byte offset of their data
// region within the buffer, not by a Handle; offset 0 is never a valid
// allocation (the first header occupies it) and doubles as the heap's NULL.
package heap

import (
	"encoding/binary"
	"math"

	"github.com/go-logr/logr"
	"github.com/quarkkern/quark/pkg/kernerr"
)

const (
	magic     uint32 = 0xc91d58be
	inUseBit  uint32 = 0x1
	align            = 2
	alignMask        = (1 << align) - 1
	// headerSize is the encoded size of a block header: a 4-byte magic
	// followed by a 4-byte size.
	headerSize uint32 = 8
)

// Heap is a single heap region backed by buf. The zero value is not usable;
// construct one with New.
type Heap struct {
	buf []byte
	log logr.Logger
}

// New initializes a heap over buf, which must be at least 2*headerSize
// bytes, and returns the heap. buf's length is rounded down to a multiple
// of two, matching the original allocator's alignment of the usable region.
func New(buf []byte, log logr.Logger) (*Heap, error) {
	size := uint32(len(buf)) &^ 1
	if size < 2*headerSize {
		return nil, kernerr.ErrInvalidArgument
	}
	h := &Heap{buf: buf[:size], log: log}

	blockSize := size - 2*headerSize
	h.writeHeader(0, magic, blockSize)
	h.writeHeader(headerSize+blockSize, magic|inUseBit, 0)
	return h, nil
}

func (h *Heap) readHeader(off uint32) (m, size uint32) {
	m = binary.LittleEndian.Uint32(h.buf[off:])
	size = binary.LittleEndian.Uint32(h.buf[off+4:])
	return
}

func (h *Heap) writeHeader(off uint32, m, size uint32) {
	binary.LittleEndian.PutUint32(h.buf[off:], m)
	binary.LittleEndian.PutUint32(h.buf[off+4:], size)
}

func alignUp(n uint32) uint32 {
	return (n + alignMask) &^ alignMask
}

// Alloc reserves size bytes and returns the offset of the usable region.
// Alloc(0) returns (0, nil), matching the original malloc(0) behavior.
// Fails with kernerr.ErrOutOfMemory if the heap has no sufficiently large
// free block, and kernerr.ErrCorruptData if a header's magic is invalid
// while walking the block list.
func (h *Heap) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		return 0, nil
	}
	size = alignUp(size)

	var p uint32
	for {
		m, blockSize := h.readHeader(p)
		if m&^inUseBit != magic {
			h.log.Error(kernerr.ErrCorruptData, "heap: corrupt block header", "offset", p)
			return 0, kernerr.ErrCorruptData
		}
		if blockSize == 0 {
			break // reached the sentinel
		}

		if m&inUseBit == 0 && size <= blockSize {
			if blockSize-size > headerSize+alignMask {
				splitOff := p + headerSize + size
				h.writeHeader(splitOff, magic, blockSize-(size+headerSize))
				h.writeHeader(p, magic, size)
				blockSize = size
			}
			h.writeHeader(p, magic|inUseBit, blockSize)
			return p + headerSize, nil
		}
		p += headerSize + blockSize
	}
	return 0, kernerr.ErrOutOfMemory
}

// Calloc allocates space for nmemb objects of size bytes each and zero-fills
// it. Fails with kernerr.ErrInvalidArgument if nmemb*size overflows uint32.
func (h *Heap) Calloc(nmemb, size uint32) (uint32, error) {
	total := uint64(nmemb) * uint64(size)
	if total > math.MaxUint32 {
		return 0, kernerr.ErrInvalidArgument
	}
	ptr, err := h.Alloc(uint32(total))
	if err != nil || ptr == 0 {
		return ptr, err
	}
	clear(h.Bytes(ptr))
	return ptr, nil
}

// Realloc resizes the allocation at ptr to size bytes, copying
// min(oldSize, size) bytes into the new location. Realloc(ptr, 0) is
// equivalent to Free(ptr); Realloc(0, size) is equivalent to Alloc(size).
func (h *Heap) Realloc(ptr, size uint32) (uint32, error) {
	if size == 0 {
		return 0, h.Free(ptr)
	}
	if ptr == 0 && size != 0 {
		return h.Alloc(size)
	}

	hdrOff := ptr - headerSize
	m, oldSize := h.readHeader(hdrOff)
	if m != magic|inUseBit {
		return 0, kernerr.ErrInvalidArgument
	}

	newPtr, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}

	copyLen := oldSize
	if size < copyLen {
		copyLen = size
	}
	copy(h.buf[newPtr:newPtr+copyLen], h.buf[ptr:ptr+copyLen])

	if err := h.Free(ptr); err != nil {
		return 0, err
	}
	return newPtr, nil
}

// Free releases the allocation at ptr, then coalesces it with any
// immediately following free blocks. Free(0) is a no-op. Freeing a pointer
// that is not a live allocation (already free, or never allocated) is
// silently ignored, matching the non-debug build behavior of the original.
func (h *Heap) Free(ptr uint32) error {
	if ptr == 0 {
		return nil
	}
	hdrOff := ptr - headerSize
	m, size := h.readHeader(hdrOff)
	if m != magic|inUseBit {
		return nil
	}
	h.writeHeader(hdrOff, magic, size)

	end := uint32(len(h.buf))
	next := hdrOff + headerSize + size
	for next < end {
		nm, nsize := h.readHeader(next)
		if nm&^inUseBit != magic {
			h.log.Error(kernerr.ErrCorruptData, "heap: corrupt block header during coalesce", "offset", next)
			return kernerr.ErrCorruptData
		}
		if nm&inUseBit != 0 {
			break
		}
		size += nsize + headerSize
		next += headerSize + nsize
	}
	h.writeHeader(hdrOff, magic, size)
	return nil
}

// Bytes returns the writable slice backing the allocation at ptr, sized to
// its current block size (which may be larger than the originally requested
// size, due to alignment and anti-fragmentation rules that keep a remainder
// too small to host another block folded into the allocation).
func (h *Heap) Bytes(ptr uint32) []byte {
	if ptr == 0 {
		return nil
	}
	_, size := h.readHeader(ptr - headerSize)
	return h.buf[ptr : ptr+size]
}

// FreeMem returns the total number of free bytes in the heap, excluding
// header overhead. Fragmentation may prevent allocating a single block of
// this size.
func (h *Heap) FreeMem() uint32 {
	var free uint32
	for p := uint32(0); p < uint32(len(h.buf)); {
		m, size := h.readHeader(p)
		if m == magic {
			free += size
		}
		if size == 0 {
			break
		}
		p += headerSize + size
	}
	return free
}

// UsedMem returns the total number of allocated bytes in the heap,
// excluding header overhead and the sentinel.
func (h *Heap) UsedMem() uint32 {
	var used uint32
	for p := uint32(0); p < uint32(len(h.buf)); {
		m, size := h.readHeader(p)
		if size == 0 {
			break
		}
		if m == magic|inUseBit {
			used += size
		}
		p += headerSize + size
	}
	return used
}

// Validate walks every block from the base of the heap and confirms that
// the walk reaches the sentinel and that every header's magic is intact.
func (h *Heap) Validate() error {
	p := uint32(0)
	end := uint32(len(h.buf))
	for p < end {
		m, size := h.readHeader(p)
		if m&^inUseBit != magic {
			h.log.Error(kernerr.ErrCorruptData, "heap: corrupt block header during validate", "offset", p)
			return kernerr.ErrCorruptData
		}
		if size == 0 {
			if p != end-headerSize {
				return kernerr.ErrCorruptData
			}
			return nil
		}
		p += headerSize + size
	}
	return kernerr.ErrCorruptData
}
