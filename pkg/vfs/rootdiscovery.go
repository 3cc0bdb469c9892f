package vfs

import (
	"bytes"

	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/kernerr"
)

// PartitionSubtype is the device.Subtype value a block device must carry
// to be eligible as a root filesystem: a block-partition device, as
// opposed to a whole-disk device. Chosen as an illustrative convention,
// the way other cross-cutting numeric constants in this kernel are.
const PartitionSubtype uint16 = 1

const bpbFieldLen = 32

// BPB is the board-parameter block identifying which device and
// filesystem type to mount as root.
type BPB struct {
	RootFS string
	FSType string
}

// ReadBPB reads and decodes a board-parameter block from an NVRAM-like
// device, which stores it as two fixed-width, NUL-terminated ASCII
// fields.
func ReadBPB(nvram device.Ops) (BPB, error) {
	buf := make([]byte, 2*bpbFieldLen)
	n, err := nvram.Read(0, buf)
	if err != nil {
		return BPB{}, err
	}
	if n < len(buf) {
		return BPB{}, kernerr.ErrRead
	}
	return BPB{
		RootFS: decodeCString(buf[:bpbFieldLen]),
		FSType: decodeCString(buf[bpbFieldLen:]),
	}, nil
}

func decodeCString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// DiscoverRoot reads the board-parameter block from the named NVRAM
// device, locates the named root filesystem partition and driver, and
// mounts it as the filesystem root.
func (m *Manager) DiscoverRoot(tree *device.Tree, nvramDeviceName string) (*VFS, error) {
	nvramDev, ok := tree.Find(nvramDeviceName)
	if !ok {
		return nil, kernerr.ErrNoSuchDevice
	}

	bpb, err := ReadBPB(nvramDev.Ops)
	if err != nil {
		return nil, err
	}

	rootDev, ok := tree.Find(bpb.RootFS)
	if !ok {
		return nil, kernerr.ErrNoSuchDevice
	}
	if rootDev.Type != device.Block || rootDev.Subtype != PartitionSubtype {
		return nil, kernerr.ErrInvalidArgument
	}

	driver, ok := m.Registry.ByName(bpb.FSType)
	if !ok {
		return nil, kernerr.ErrInvalidArgument
	}

	return m.MountAt(nil, nil, driver, rootDev)
}
