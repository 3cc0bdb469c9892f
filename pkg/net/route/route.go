// Package route implements the IPv4 routing table: a linear-search
// longest-prefix-then-metric match over a flat list of entries, exactly as
// the original's route_add/route_delete/route_get_entry did.
package route

import (
	"net"
	"sync"
	"time"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/net/iface"
)

// Clock is the wall clock consulted by anything in the net stack that needs
// to reason about time (route entries carry no expiry themselves, but the
// ARP cache built alongside this package shares this abstraction so tests
// can fake expiry deterministically).
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Flags bits for a routing entry.
type Flags uint8

const (
	Up Flags = 1 << iota
	Host
	Gateway
	Reject
)

// Entry is a single IPv4 routing table entry.
type Entry struct {
	Iface    *iface.Interface
	Dest     net.IP
	Mask     net.IPMask
	Gateway  net.IP
	Metric   uint16
	Flags    Flags
	PrefixLen int
}

func maskLen(mask net.IPMask) int {
	ones, _ := mask.Size()
	return ones
}

func (e *Entry) matches(ip net.IP) bool {
	if e.Flags&Up == 0 {
		return false
	}
	return e.Dest.Mask(e.Mask).Equal(ip.Mask(e.Mask))
}

// Table is the IPv4 routing table.
type Table struct {
	mu      sync.Mutex
	entries []*Entry
}

// NewTable constructs an empty routing table.
func NewTable() *Table {
	return &Table{}
}

func sameMask(a, b net.IPMask) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Add inserts a new entry. Rejects a duplicate (dest, mask) pair and an
// invalid mask (one with set bits following a cleared bit).
func (t *Table) Add(e *Entry) error {
	if _, bits := e.Mask.Size(); bits == 0 {
		return kernerr.ErrInvalidArgument
	}
	e.PrefixLen = maskLen(e.Mask)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.entries {
		if existing.Dest.Equal(e.Dest) && sameMask(existing.Mask, e.Mask) {
			return kernerr.ErrExists
		}
	}
	t.entries = append(t.entries, e)
	return nil
}

// Delete removes the entry exactly matching (dest, mask).
func (t *Table) Delete(dest net.IP, mask net.IPMask) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.Dest.Equal(dest) && sameMask(e.Mask, mask) {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return nil
		}
	}
	return kernerr.ErrNotFound
}

// Iterate calls fn for every entry in table order (route_get_entry).
func (t *Table) Iterate(fn func(e *Entry)) {
	t.mu.Lock()
	entries := append([]*Entry(nil), t.entries...)
	t.mu.Unlock()
	for _, e := range entries {
		fn(e)
	}
}

// Match finds the best route for ip: longest prefix first, then highest
// metric breaks ties, falling back to the default route (0.0.0.0/0) when
// nothing else matches.
func (t *Table) Match(ip net.IP) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *Entry
	for _, e := range t.entries {
		if !e.matches(ip) {
			continue
		}
		if best == nil || e.PrefixLen > best.PrefixLen ||
			(e.PrefixLen == best.PrefixLen && e.Metric > best.Metric) {
			best = e
		}
	}
	if best == nil {
		return nil, kernerr.ErrHostUnreachable
	}
	return best, nil
}
