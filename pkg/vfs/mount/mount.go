// Package mount implements the mount table: the list of locations at which
// a filesystem is attached into the namespace. It is deliberately ignorant
// of what a VFS or a node actually are (they are opaque, comparable
// identities) so that pkg/vfs, which knows those concrete types, can
// depend on this package without a cycle.
package mount

import (
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/klist"
	"github.com/quarkkern/quark/pkg/preempt"
)

// Entry is one mount: a host location (host VFS and host node, both nil
// for the root mount) and the VFS attached there.
type Entry struct {
	klist.Node
	HostVFS  any
	HostNode any
	InnerVFS any
}

// Table is the kernel's mount table: at most one entry per host location,
// and (enforced by callers, which alone know device identity) at most one
// entry per backing device.
type Table struct {
	guard   preempt.Guard
	entries klist.List
}

// NewTable constructs an empty mount table.
func NewTable() *Table {
	t := &Table{}
	t.entries.Init()
	return t
}

func locationEqual(aVFS, aNode, bVFS, bNode any) bool {
	return aVFS == bVFS && aNode == bNode
}

// Add inserts a new mount at (hostVFS, hostNode). It fails with
// kernerr.ErrDeviceBusy if a mount already exists at that location.
func (t *Table) Add(hostVFS, hostNode, innerVFS any) error {
	var dup bool
	t.guard.Section(func() {
		t.entries.Each(func(v any) {
			e := v.(*Entry)
			if locationEqual(e.HostVFS, e.HostNode, hostVFS, hostNode) {
				dup = true
			}
		})
		if dup {
			return
		}
		e := &Entry{HostVFS: hostVFS, HostNode: hostNode, InnerVFS: innerVFS}
		t.entries.PushBack(&e.Node, e)
	})
	if dup {
		return kernerr.ErrDeviceBusy
	}
	return nil
}

// Find returns the VFS mounted at (hostVFS, hostNode), or
// kernerr.ErrNotFound if there is none.
func (t *Table) Find(hostVFS, hostNode any) (any, error) {
	var found any
	var ok bool
	t.guard.Section(func() {
		t.entries.Each(func(v any) {
			if ok {
				return
			}
			e := v.(*Entry)
			if locationEqual(e.HostVFS, e.HostNode, hostVFS, hostNode) {
				found = e.InnerVFS
				ok = true
			}
		})
	})
	if !ok {
		return nil, kernerr.ErrNotFound
	}
	return found, nil
}

// Remove splices out the mount at (hostVFS, hostNode), returning the VFS
// that was mounted there. Callers are responsible for unmounting and
// detaching it first; Remove only updates the table.
func (t *Table) Remove(hostVFS, hostNode any) (any, error) {
	var removed any
	var ok bool
	t.guard.Section(func() {
		var target *Entry
		t.entries.Each(func(v any) {
			if target != nil {
				return
			}
			e := v.(*Entry)
			if locationEqual(e.HostVFS, e.HostNode, hostVFS, hostNode) {
				target = e
			}
		})
		if target == nil {
			return
		}
		klist.Remove(&target.Node)
		removed = target.InnerVFS
		ok = true
	})
	if !ok {
		return nil, kernerr.ErrNotFound
	}
	return removed, nil
}

// Entries returns every current mount, for callers (pkg/vfs) that need to
// scan for device-level duplicates before adding a new one.
func (t *Table) Entries() []*Entry {
	var out []*Entry
	t.guard.Section(func() {
		t.entries.Each(func(v any) { out = append(out, v.(*Entry)) })
	})
	return out
}
