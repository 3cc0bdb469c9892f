// Package vfs implements the virtual filesystem abstraction: a registry of
// filesystem drivers, VFS objects attached to block devices, and the
// directory-entry resolution (including transparent mount crossing) that
// sits above the mount table in pkg/vfs/mount.
package vfs

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/kernerr"
)

// NodeType distinguishes a file from a directory entry.
type NodeType uint8

const (
	File NodeType = iota
	Dir
)

// Times groups a node's access, modification, and creation timestamps.
type Times struct {
	Access, Modify, Create time.Time
}

// Node is a directory entry: a file or a directory, with the metadata a
// filesystem driver tracks about it.
type Node struct {
	Name       string
	Type       NodeType
	Perms      uint32
	UID, GID   uint32
	Size       uint64
	Times      Times
	FirstBlock uint32
}

// Stat summarizes a mounted filesystem's capacity.
type Stat struct {
	TotalBlocks, FreeBlocks uint64
	BlockSize               uint32
}

// DirContext is an opaque directory-iteration handle, owned entirely by
// the driver that produced it via OpenDir.
type DirContext any

// Driver is a filesystem driver. A concrete driver implements Name and
// Init itself and embeds NotSupportedDriver for whichever of the
// remaining operations it does not implement, so that an unimplemented
// operation returns kernerr.ErrNotSupported rather than a nil-pointer
// call, mirroring pkg/device's Ops/NotSupportedOps pattern.
type Driver interface {
	// Name identifies the driver for lookup by filesystem type name, e.g.
	// "fat" or "ext2".
	Name() string
	// Init performs one-time driver setup. Called once, at registration.
	Init() error

	Mount(v *VFS) error
	Unmount(v *VFS) error
	GetRootNode(v *VFS) (*Node, error)
	OpenDir(v *VFS, node *Node) (DirContext, error)
	ReadDir(v *VFS, ctx DirContext, name string) (*Node, error)
	CloseDir(v *VFS, ctx DirContext) error
	Read(v *VFS, node *Node, buf []byte) (int, error)
	Write(v *VFS, node *Node, buf []byte) (int, error)
	Stat(v *VFS) (Stat, error)
}

// NotSupportedDriver stubs every Driver operation except Name and Init,
// which a concrete driver must always provide itself.
type NotSupportedDriver struct{}

func (NotSupportedDriver) Mount(*VFS) error                            { return kernerr.ErrNotSupported }
func (NotSupportedDriver) Unmount(*VFS) error                          { return kernerr.ErrNotSupported }
func (NotSupportedDriver) GetRootNode(*VFS) (*Node, error)             { return nil, kernerr.ErrNotSupported }
func (NotSupportedDriver) OpenDir(*VFS, *Node) (DirContext, error)     { return nil, kernerr.ErrNotSupported }
func (NotSupportedDriver) ReadDir(*VFS, DirContext, string) (*Node, error) {
	return nil, kernerr.ErrNotSupported
}
func (NotSupportedDriver) CloseDir(*VFS, DirContext) error                 { return kernerr.ErrNotSupported }
func (NotSupportedDriver) Read(*VFS, *Node, []byte) (int, error)           { return 0, kernerr.ErrNotSupported }
func (NotSupportedDriver) Write(*VFS, *Node, []byte) (int, error)          { return 0, kernerr.ErrNotSupported }
func (NotSupportedDriver) Stat(*VFS) (Stat, error)                         { return Stat{}, kernerr.ErrNotSupported }

// VFS is a filesystem driver attached to a device.
type VFS struct {
	Driver Driver
	Device *device.Device
	Data   any
}

// Attach allocates a VFS for driver and dev and mounts it, cleaning up on
// failure.
func Attach(driver Driver, dev *device.Device) (*VFS, error) {
	v := &VFS{Driver: driver, Device: dev}
	if err := driver.Mount(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Detach unmounts v's filesystem.
func Detach(v *VFS) error {
	return v.Driver.Unmount(v)
}

// Registry is the set of filesystem drivers the build enables, indexed by
// name after a successful Init.
type Registry struct {
	mu      sync.Mutex
	drivers map[string]Driver
}

// NewRegistry constructs an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register calls driver.Init and, on success, makes it available for
// lookup by name. A failing driver is logged and left unavailable rather
// than aborting the rest of registration.
func (r *Registry) Register(log logr.Logger, driver Driver) error {
	if err := driver.Init(); err != nil {
		log.Error(err, "vfs: failed to initialise fs driver", "driver", driver.Name())
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[driver.Name()] = driver
	log.Info("vfs: initialised fs driver", "driver", driver.Name())
	return nil
}

// ByName returns the registered driver with the given name.
func (r *Registry) ByName(name string) (Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[name]
	return d, ok
}
