// Package blockcache implements a fixed-capacity read/write-through cache
// keyed by (device, block), sitting in front of every block device access.
package blockcache

import (
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"sync"

	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/kernerr"
)

// BlockSize is the fixed block size the cache reads and writes through, in
// bytes.
const BlockSize = 512

// Hasher maps a (device name, block) pair onto a slot index in [0, n).
// Injected so tests can pin a collision-free distribution instead of
// relying on hash/maphash's randomized per-process seed.
type Hasher interface {
	Slot(devName string, block uint32, n int) int
}

type maphashHasher struct {
	seed maphash.Seed
}

// NewHasher returns the default Hasher, backed by hash/maphash.
func NewHasher() Hasher {
	return maphashHasher{seed: maphash.MakeSeed()}
}

func (h maphashHasher) Slot(devName string, block uint32, n int) int {
	var hh maphash.Hash
	hh.SetSeed(h.seed)
	hh.WriteString(devName)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], block)
	hh.Write(b[:])
	return int(hh.Sum64() % uint64(n))
}

type slot struct {
	mu       sync.Mutex
	valid    bool
	dev      *device.Device
	block    uint32
	dirty    bool
	zeroFill bool
	data     []byte
}

// Stats are the cache's best-effort, unlocked counters: a snapshot may
// observe a torn update from a concurrent read or write, and that is an
// accepted tradeoff rather than a bug.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Reads     uint64
	Writes    uint64
	Evictions uint64
}

// Cache is a fixed-capacity block cache. Slot selection is
// hash(device name, block) mod N; a slot holding a different (device,
// block) than the one requested is evicted (writing it back first if
// dirty) before being reused.
type Cache struct {
	slots  []*slot
	hasher Hasher
	stats  Stats
}

// New constructs a cache with n slots. A nil hasher uses the default
// hash/maphash-backed distribution.
func New(n int, hasher Hasher) *Cache {
	if hasher == nil {
		hasher = NewHasher()
	}
	c := &Cache{slots: make([]*slot, n), hasher: hasher}
	for i := range c.slots {
		c.slots[i] = &slot{data: make([]byte, BlockSize)}
	}
	return c
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats { return c.stats }

func (c *Cache) slotFor(dev *device.Device, block uint32) *slot {
	idx := c.hasher.Slot(dev.Name, block, len(c.slots))
	return c.slots[idx]
}

// writeBackLocked writes s's cached data back to its current (dev, block)
// if it holds a valid, dirty mapping. Caller must hold s.mu.
func writeBackLocked(s *slot) error {
	if !s.valid || !s.dirty {
		return nil
	}
	var payload []byte
	if s.zeroFill {
		payload = make([]byte, BlockSize)
	} else {
		payload = s.data
	}
	n, err := s.dev.Ops.Write(uint64(s.block)*BlockSize, payload)
	if err != nil {
		return fmt.Errorf("block cache writeback: %w", err)
	}
	if n < BlockSize {
		return kernerr.ErrWrite
	}
	s.dirty = false
	return nil
}

// Read reads one block through the cache. buf must be BlockSize bytes.
func (c *Cache) Read(dev *device.Device, block uint32, buf []byte) error {
	if dev.Type != device.Block {
		return kernerr.ErrInvalidArgument
	}
	if len(buf) != BlockSize {
		return kernerr.ErrInvalidArgument
	}

	s := c.slotFor(dev, block)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid && s.dev == dev && s.block == block {
		if s.zeroFill {
			clear(buf)
		} else {
			copy(buf, s.data)
		}
		c.stats.Hits++
		c.stats.Reads++
		return nil
	}

	if s.valid && s.dirty {
		if err := writeBackLocked(s); err != nil {
			return err
		}
		c.stats.Evictions++
	}

	n, err := dev.Ops.Read(uint64(block)*BlockSize, s.data)
	if err != nil {
		return fmt.Errorf("block cache read: %w", err)
	}
	if n < BlockSize {
		return kernerr.ErrRead
	}

	s.dev = dev
	s.block = block
	s.valid = true
	s.dirty = false
	s.zeroFill = false

	copy(buf, s.data)
	c.stats.Misses++
	c.stats.Reads++
	return nil
}

// Write writes one block through the cache. A nil buf zero-fills the
// block: the device is written with zeros and the slot is flagged
// zero-fill, so a subsequent Read of it yields zeros without touching the
// cache buffer.
func (c *Cache) Write(dev *device.Device, block uint32, buf []byte) error {
	if dev.Type != device.Block {
		return kernerr.ErrInvalidArgument
	}
	if buf != nil && len(buf) != BlockSize {
		return kernerr.ErrInvalidArgument
	}

	s := c.slotFor(dev, block)
	s.mu.Lock()
	defer s.mu.Unlock()

	hit := s.valid && s.dev == dev && s.block == block
	if !hit && s.valid && s.dirty {
		if err := writeBackLocked(s); err != nil {
			return err
		}
		c.stats.Evictions++
	}
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}

	var payload []byte
	if buf == nil {
		payload = make([]byte, BlockSize)
	} else {
		payload = buf
	}
	n, err := dev.Ops.Write(uint64(block)*BlockSize, payload)
	if err != nil {
		return fmt.Errorf("block cache write: %w", err)
	}
	if n < BlockSize {
		return kernerr.ErrWrite
	}

	if buf == nil {
		clear(s.data)
		s.zeroFill = true
	} else {
		copy(s.data, buf)
		s.zeroFill = false
	}
	s.dev = dev
	s.block = block
	s.valid = true
	s.dirty = true

	c.stats.Writes++
	return nil
}

// ReadMulti reads count contiguous blocks starting at block into buf, which
// must be count*BlockSize bytes.
func (c *Cache) ReadMulti(dev *device.Device, block uint32, count uint32, buf []byte) error {
	for i := uint32(0); i < count; i++ {
		chunk := buf[i*BlockSize : (i+1)*BlockSize]
		if err := c.Read(dev, block+i, chunk); err != nil {
			return err
		}
	}
	return nil
}

// WriteMulti writes count contiguous blocks starting at block from buf. A
// nil buf zero-fills every block in the range.
func (c *Cache) WriteMulti(dev *device.Device, block uint32, count uint32, buf []byte) error {
	for i := uint32(0); i < count; i++ {
		if buf == nil {
			if err := c.Write(dev, block+i, nil); err != nil {
				return err
			}
			continue
		}
		chunk := buf[i*BlockSize : (i+1)*BlockSize]
		if err := c.Write(dev, block+i, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes every dirty slot back to its device.
func (c *Cache) Sync() error {
	for _, s := range c.slots {
		s.mu.Lock()
		err := writeBackLocked(s)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
