// Package partition scans block devices for an MBR-style partition table
// and registers a child device for each non-empty partition found, the way
// the original kernel's partition_init() walked the device tree for
// mass-storage devices and registered one partition device per table
// entry. A partition device's read/write simply offset onto the parent
// device by the partition's starting sector.
package partition

import (
	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/kutil"
	"github.com/quarkkern/quark/pkg/vfs"
)

const (
	sectorSize      = 512
	mbrSignature    = 0xaa55
	signatureOffset = 510
	tableOffset     = 446
	entrySize       = 16
	numTableEntries = 4

	// Subtype is the device.Subtype every partition device created by
	// Scan carries. It is vfs.PartitionSubtype, the same value the VFS
	// layer requires of a root-filesystem candidate.
	Subtype = vfs.PartitionSubtype
)

type tableEntry struct {
	typ        byte
	lbaFirst   uint32
	numSectors uint32
}

func readTable(dev *device.Device) ([numTableEntries]tableEntry, bool, error) {
	var entries [numTableEntries]tableEntry

	sector := make([]byte, sectorSize)
	n, err := dev.Ops.Read(0, sector)
	if err != nil {
		return entries, false, err
	}
	if n < sectorSize {
		return entries, false, nil
	}
	if kutil.LEUint16(sector[signatureOffset:signatureOffset+2]) != mbrSignature {
		return entries, false, nil
	}

	for i := 0; i < numTableEntries; i++ {
		raw := sector[tableOffset+i*entrySize : tableOffset+(i+1)*entrySize]
		entries[i] = tableEntry{
			typ:        raw[4],
			lbaFirst:   kutil.LEUint32(raw[8:12]),
			numSectors: kutil.LEUint32(raw[12:16]),
		}
	}
	return entries, true, nil
}

// partitionOps implements device.Ops for a single partition, offsetting
// every read/write onto the parent device by the partition's starting
// byte offset and bounding them to the partition's length.
type partitionOps struct {
	device.NotSupportedOps
	parent   device.Ops
	baseByte uint64
	length   uint64
}

func (p *partitionOps) Read(offset uint64, buf []byte) (int, error) {
	if offset >= p.length {
		return 0, nil
	}
	if uint64(len(buf)) > p.length-offset {
		buf = buf[:p.length-offset]
	}
	return p.parent.Read(p.baseByte+offset, buf)
}

func (p *partitionOps) Write(offset uint64, buf []byte) (int, error) {
	if offset >= p.length {
		return 0, kernerr.ErrInvalidArgument
	}
	if uint64(len(buf)) > p.length-offset {
		buf = buf[:p.length-offset]
	}
	return p.parent.Write(p.baseByte+offset, buf)
}

func (p *partitionOps) Control(fn uint32, in, out []byte) error {
	return p.parent.Control(fn, in, out)
}

func (p *partitionOps) ShutDown() error { return p.parent.ShutDown() }

// ScanDevice reads sector 0 of dev looking for an MBR. For every non-zero
// length partition table entry it creates a child device of dev, typed
// device.Block/partition.Subtype, whose Ops offset onto dev by the
// partition's LBA. It returns the number of partition devices created.
// A device with no MBR (no signature match) yields zero partitions, not
// an error.
func ScanDevice(tree *device.Tree, dev *device.Device) (int, error) {
	entries, found, err := readTable(dev)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}

	created := 0
	for _, e := range entries {
		if e.numSectors == 0 {
			continue
		}

		baseByte := uint64(e.lbaFirst) * sectorSize
		length := uint64(e.numSectors) * sectorSize

		_, err := tree.Create(device.Block, Subtype, dev.Name, dev.IRQL, 0, "partition", dev,
			func(d *device.Device) error {
				d.Ops = &partitionOps{parent: dev.Ops, baseByte: baseByte, length: length}
				d.State = device.Ready
				d.Data = e.typ
				return nil
			})
		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// Scan walks the whole device tree looking for block devices eligible for
// partition scanning -- anything of device.Block type that is not itself
// already a partition device and has no child devices yet -- and scans
// each one via ScanDevice. It returns the total number of partition
// devices created across every device scanned.
func Scan(tree *device.Tree) (int, error) {
	total := 0
	for d := tree.Next(nil); d != nil; d = tree.Next(d) {
		if d.Type != device.Block || d.Subtype == Subtype || d.Children.Len() > 0 {
			continue
		}
		n, err := ScanDevice(tree, d)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
