// Package memfs is an in-memory filesystem driver backed by an in-memory
// badger.DB. It needs no real block device, and exists so the VFS/mount
// layer and cmd/quarkkern's "-root=memfs" boot path have a concrete,
// exercised vfs.Driver to run against.
package memfs

import (
	"bytes"
	"encoding/gob"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/vfs"
)

const driverName = "memfs"

// record is the on-disk (in-memory-badger) representation of a vfs.Node,
// gob-encoded under the "n/"-prefixed key for its canonical path.
type record struct {
	Name       string
	Type       vfs.NodeType
	Perms      uint32
	UID, GID   uint32
	Size       uint64
	Times      vfs.Times
	FirstBlock uint32
}

func nodeKey(p string) []byte { return []byte("n/" + p) }
func dataKey(p string) []byte { return []byte("d/" + p) }

func toNode(r record) *vfs.Node {
	return &vfs.Node{
		Name: r.Name, Type: r.Type, Perms: r.Perms,
		UID: r.UID, GID: r.GID, Size: r.Size,
		Times: r.Times, FirstBlock: r.FirstBlock,
	}
}

// Driver is an in-memory vfs.Driver. It has no persistent state of its own:
// every mounted VFS gets its own badger.DB, stashed in VFS.Data by Mount.
type Driver struct {
	vfs.NotSupportedDriver
}

// New constructs the memfs driver. It requires no Init-time setup, since
// each VFS mount allocates its own independent store.
func New() *Driver { return &Driver{} }

func (d *Driver) Name() string { return driverName }
func (d *Driver) Init() error  { return nil }

// dbFor reaches into a mounted VFS's badger.DB, panicking if called on a VFS
// memfs did not mount itself -- a programmer error, not a runtime
// condition callers can usefully recover from.
func dbFor(v *vfs.VFS) *badger.DB {
	db, ok := v.Data.(*badger.DB)
	if !ok {
		panic("memfs: VFS was not mounted by memfs.Driver")
	}
	return db
}

func (d *Driver) Mount(v *vfs.VFS) error {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return err
	}
	v.Data = db

	now := time.Now()
	root := record{
		Name: "/", Type: vfs.Dir, Perms: 0755,
		Times: vfs.Times{Access: now, Modify: now, Create: now},
	}
	err = db.Update(func(txn *badger.Txn) error {
		return setRecord(txn, "/", root)
	})
	if err != nil {
		_ = db.Close()
		return err
	}
	return nil
}

func (d *Driver) Unmount(v *vfs.VFS) error {
	return dbFor(v).Close()
}

func (d *Driver) GetRootNode(v *vfs.VFS) (*vfs.Node, error) {
	r, err := getRecord(dbFor(v), "/")
	if err != nil {
		return nil, err
	}
	return toNode(r), nil
}

// dirHandle is the DirContext memfs hands back from OpenDir: the
// canonical path of the directory being iterated.
type dirHandle string

func (d *Driver) OpenDir(v *vfs.VFS, node *vfs.Node) (vfs.DirContext, error) {
	if node.Type != vfs.Dir {
		return nil, kernerr.ErrNotADirectory
	}
	return dirHandle(node.Name), nil
}

func (d *Driver) ReadDir(v *vfs.VFS, ctx vfs.DirContext, name string) (*vfs.Node, error) {
	dir := string(ctx.(dirHandle))
	childPath := joinPath(dir, name)
	r, err := getRecord(dbFor(v), childPath)
	if err != nil {
		return nil, err
	}
	return toNode(r), nil
}

func (d *Driver) CloseDir(v *vfs.VFS, ctx vfs.DirContext) error { return nil }

func (d *Driver) Read(v *vfs.VFS, node *vfs.Node, buf []byte) (int, error) {
	db := dbFor(v)
	var n int
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(node.Name))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			n = copy(buf, val)
			return nil
		})
	})
	if err != nil {
		return 0, kernerr.ErrRead
	}
	return n, nil
}

func (d *Driver) Write(v *vfs.VFS, node *vfs.Node, buf []byte) (int, error) {
	db := dbFor(v)
	err := db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(node.Name), bytes.Clone(buf)); err != nil {
			return err
		}
		r, err := lookupRecord(txn, node.Name)
		if err != nil {
			return err
		}
		r.Size = uint64(len(buf))
		r.Times.Modify = time.Now()
		return setRecord(txn, node.Name, r)
	})
	if err != nil {
		return 0, kernerr.ErrWrite
	}
	node.Size = uint64(len(buf))
	return len(buf), nil
}

func (d *Driver) Stat(v *vfs.VFS) (vfs.Stat, error) {
	return vfs.Stat{TotalBlocks: 0, FreeBlocks: 0, BlockSize: 0}, nil
}

// CreateFile creates a file node at the given canonical path within a
// memfs-mounted VFS and writes its initial contents. Not part of the
// vfs.Driver contract (the original interface has no create operation) --
// it is how a boot sequence or test populates a memfs tree before handing
// it to the VFS layer.
func (d *Driver) CreateFile(v *vfs.VFS, p string, perms uint32, contents []byte) error {
	return d.create(v, p, vfs.File, perms, contents)
}

// CreateDir creates a directory node at the given canonical path.
func (d *Driver) CreateDir(v *vfs.VFS, p string, perms uint32) error {
	return d.create(v, p, vfs.Dir, perms, nil)
}

// A memfs node's Name field holds its full canonical path, not its base
// name: OpenDir/ReadDir key every lookup off it directly rather than
// reconstructing ancestry.
func (d *Driver) create(v *vfs.VFS, p string, typ vfs.NodeType, perms uint32, contents []byte) error {
	db := dbFor(v)
	now := time.Now()
	return db.Update(func(txn *badger.Txn) error {
		if _, err := lookupRecord(txn, p); err == nil {
			return kernerr.ErrExists
		} else if err != kernerr.ErrNotFound {
			return err
		}
		r := record{
			Name: p, Type: typ, Perms: perms,
			Times: vfs.Times{Access: now, Modify: now, Create: now},
			Size:  uint64(len(contents)),
		}
		if err := setRecord(txn, p, r); err != nil {
			return err
		}
		if contents != nil {
			return txn.Set(dataKey(p), bytes.Clone(contents))
		}
		return nil
	})
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func setRecord(txn *badger.Txn, p string, r record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return err
	}
	return txn.Set(nodeKey(p), buf.Bytes())
}

func lookupRecord(txn *badger.Txn, p string) (record, error) {
	item, err := txn.Get(nodeKey(p))
	if err == badger.ErrKeyNotFound {
		return record{}, kernerr.ErrNotFound
	}
	if err != nil {
		return record{}, err
	}
	var r record
	err = item.Value(func(val []byte) error {
		return gob.NewDecoder(bytes.NewReader(val)).Decode(&r)
	})
	if err != nil {
		return record{}, err
	}
	return r, nil
}

func getRecord(db *badger.DB, p string) (record, error) {
	var r record
	err := db.View(func(txn *badger.Txn) error {
		var err error
		r, err = lookupRecord(txn, p)
		return err
	})
	return r, err
}

// NewDevice creates a block device in tree, named from namePrefix, whose
// every operation is unsupported, for callers (e.g. cmd/quarkkern) that
// want a uniform device.Device handle for a memfs mount even though memfs
// keeps no real block device underneath it.
func NewDevice(tree *device.Tree, namePrefix string) (*device.Device, error) {
	return tree.Create(device.Block, 0, namePrefix, 3, 0, "in-memory filesystem", nil,
		func(dev *device.Device) error {
			dev.Ops = device.NotSupportedOps{}
			return nil
		})
}
