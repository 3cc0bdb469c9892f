// Package extent describes the memory extents (RAM/ROM/peripheral regions)
// discovered by platform detection at boot. The table is populated once,
// early in the boot sequence, and is immutable thereafter.
package extent

import "github.com/quarkkern/quark/pkg/kernerr"

// Privilege is the privilege classification of an extent.
type Privilege uint8

const (
	Kernel Privilege = iota
	User
)

// Kind is the memory-type classification of an extent.
type Kind uint8

const (
	RAM Kind = iota
	ROM
	Peripheral
	Vacant
)

// Extent describes a contiguous region of physical memory.
type Extent struct {
	Base      uint32
	Length    uint32
	Privilege Privilege
	Kind      Kind
}

// End returns the address one past the last byte of the extent.
func (e Extent) End() uint32 { return e.Base + e.Length }

// Contains reports whether [addr, addr+length) lies entirely within e.
func (e Extent) Contains(addr, length uint32) bool {
	if length == 0 {
		return addr >= e.Base && addr < e.End()
	}
	return addr >= e.Base && addr+length <= e.End()
}

// Table holds the extents discovered by the platform collaborator's memory
// detection routine. It is built once at boot and sealed before any other
// subsystem queries it, per the data model's "created once, immutable
// thereafter" invariant.
type Table struct {
	extents []Extent
	sealed  bool
}

// Add appends an extent to the table. It fails with kernerr.ErrInvalidArgument
// once the table has been sealed.
func (t *Table) Add(e Extent) error {
	if t.sealed {
		return kernerr.ErrInvalidArgument
	}
	t.extents = append(t.extents, e)
	return nil
}

// Seal freezes the table; further Add calls fail.
func (t *Table) Seal() { t.sealed = true }

// Sealed reports whether the table has been sealed.
func (t *Table) Sealed() bool { return t.sealed }

// All returns a copy of the extents currently in the table.
func (t *Table) All() []Extent {
	out := make([]Extent, len(t.extents))
	copy(out, t.extents)
	return out
}

// LargestUserRAM returns the largest RAM extent classified as User, used to
// site the user heap. ok is false if no such extent exists.
func (t *Table) LargestUserRAM() (ext Extent, ok bool) {
	for _, e := range t.extents {
		if e.Kind != RAM || e.Privilege != User {
			continue
		}
		if !ok || e.Length > ext.Length {
			ext, ok = e, true
		}
	}
	return
}

// KernelBounds returns the lowest base and highest end address across every
// Kernel-privilege RAM extent, used to site the kernel heap and validate
// that fault addresses and stack pointers lie within kernel RAM.
func (t *Table) KernelBounds() (base, end uint32, ok bool) {
	for _, e := range t.extents {
		if e.Kind != RAM || e.Privilege != Kernel {
			continue
		}
		if !ok {
			base, end, ok = e.Base, e.End(), true
			continue
		}
		if e.Base < base {
			base = e.Base
		}
		if e.End() > end {
			end = e.End()
		}
	}
	return
}

// Find returns the extent containing addr, if any.
func (t *Table) Find(addr uint32) (Extent, bool) {
	for _, e := range t.extents {
		if addr >= e.Base && addr < e.End() {
			return e, true
		}
	}
	return Extent{}, false
}
