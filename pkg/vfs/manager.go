package vfs

import (
	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/vfs/mount"
)

// asVFS boxes v into an any, preserving untyped nil for a nil pointer so
// that mount.Table's == comparisons behave as intended. Boxing a nil
// *VFS directly would instead produce a non-nil any holding a typed nil,
// which never compares equal to a bare nil any.
func asVFS(v *VFS) any {
	if v == nil {
		return nil
	}
	return v
}

func asNode(n *Node) any {
	if n == nil {
		return nil
	}
	return n
}

// Manager ties a driver Registry to a mount Table, providing the
// higher-level operations (mounting, unmounting, and path resolution
// through mount points) that sit above both.
type Manager struct {
	Registry *Registry
	Mounts   *mount.Table
}

// NewManager constructs a Manager over the given registry, with a fresh
// mount table.
func NewManager(reg *Registry) *Manager {
	return &Manager{Registry: reg, Mounts: mount.NewTable()}
}

// MountAt attaches driver to dev and records the mount at
// (hostVFS, hostNode), which must be either both nil (the root mount) or
// both non-nil. It fails with kernerr.ErrDeviceBusy if the location is
// already occupied or dev is already mounted anywhere.
func (m *Manager) MountAt(hostVFS *VFS, hostNode *Node, driver Driver, dev *device.Device) (*VFS, error) {
	if (hostVFS == nil) != (hostNode == nil) {
		return nil, kernerr.ErrInvalidArgument
	}

	for _, e := range m.Mounts.Entries() {
		if hv, ok := e.HostVFS.(*VFS); ok && hv.Device == dev {
			return nil, kernerr.ErrDeviceBusy
		}
		if iv, ok := e.InnerVFS.(*VFS); ok && iv.Device == dev {
			return nil, kernerr.ErrDeviceBusy
		}
	}

	innerVFS, err := Attach(driver, dev)
	if err != nil {
		return nil, err
	}

	if err := m.Mounts.Add(asVFS(hostVFS), asNode(hostNode), innerVFS); err != nil {
		_ = Detach(innerVFS)
		return nil, err
	}

	return innerVFS, nil
}

// Unmount detaches the filesystem mounted at (hostVFS, hostNode). If dev
// is non-nil, it must match the mounted filesystem's device or
// kernerr.ErrNotFound is returned. If Detach fails, the mount is left
// intact.
func (m *Manager) Unmount(hostVFS *VFS, hostNode *Node, dev *device.Device) error {
	innerAny, err := m.Mounts.Find(asVFS(hostVFS), asNode(hostNode))
	if err != nil {
		return err
	}
	innerVFS := innerAny.(*VFS)

	if dev != nil && innerVFS.Device != dev {
		return kernerr.ErrNotFound
	}

	if err := Detach(innerVFS); err != nil {
		return err
	}

	_, err = m.Mounts.Remove(asVFS(hostVFS), asNode(hostNode))
	return err
}

// GetChildNode resolves child within parent on v, transparently crossing
// into the mounted filesystem if the resolved node is itself a mount
// point. v, parent, and child may be nil/empty in combination:
//
//	v==nil,  parent==nil, child=="": the root filesystem's root node
//	v!=nil,  parent==nil, child=="": v's root directory
//	v!=nil,  parent!=nil, child=="": invalid
//	anything else: resolved normally
func (m *Manager) GetChildNode(v *VFS, parent *Node, child string) (*VFS, *Node, error) {
	if v == nil {
		if parent != nil || child != "" {
			return nil, nil, kernerr.ErrInvalidArgument
		}
		innerAny, err := m.Mounts.Find(nil, nil)
		if err != nil {
			return nil, nil, err
		}
		rootVFS := innerAny.(*VFS)
		rootNode, err := rootVFS.Driver.GetRootNode(rootVFS)
		if err != nil {
			return nil, nil, err
		}
		return rootVFS, rootNode, nil
	}

	if parent == nil {
		root, err := v.Driver.GetRootNode(v)
		if err != nil {
			return nil, nil, err
		}
		if child == "" {
			return v, root, nil
		}
		parent = root
	} else if child == "" {
		return nil, nil, kernerr.ErrInvalidArgument
	}

	ctx, err := v.Driver.OpenDir(v, parent)
	if err != nil {
		return nil, nil, err
	}
	node, err := v.Driver.ReadDir(v, ctx, child)
	_ = v.Driver.CloseDir(v, ctx)
	if err != nil {
		return nil, nil, err
	}

	if innerAny, err := m.Mounts.Find(asVFS(v), asNode(node)); err == nil {
		innerVFS := innerAny.(*VFS)
		rootNode, err := innerVFS.Driver.GetRootNode(innerVFS)
		if err != nil {
			return nil, nil, err
		}
		return innerVFS, rootNode, nil
	} else if !kernerr.Is(err, kernerr.ErrNotFound) {
		return nil, nil, err
	}

	return v, node, nil
}
