package memfs_test

import (
	"testing"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/vfs"
	"github.com/quarkkern/quark/pkg/vfs/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mountMemfs(t *testing.T) (*memfs.Driver, *vfs.VFS) {
	t.Helper()
	d := memfs.New()
	v, err := vfs.Attach(d, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vfs.Detach(v) })
	return d, v
}

func TestMountCreatesRootDirectory(t *testing.T) {
	d, v := mountMemfs(t)

	root, err := d.GetRootNode(v)
	require.NoError(t, err)
	assert.Equal(t, "/", root.Name)
	assert.Equal(t, vfs.Dir, root.Type)
}

func TestCreateFileThenReadDirFindsIt(t *testing.T) {
	d, v := mountMemfs(t)
	require.NoError(t, d.CreateFile(v, "/greeting", 0644, []byte("hello")))

	root, err := d.GetRootNode(v)
	require.NoError(t, err)
	ctx, err := d.OpenDir(v, root)
	require.NoError(t, err)
	defer d.CloseDir(v, ctx)

	node, err := d.ReadDir(v, ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, vfs.File, node.Type)
	assert.EqualValues(t, 5, node.Size)
}

func TestReadDirMissingChildReturnsNotFound(t *testing.T) {
	d, v := mountMemfs(t)
	root, err := d.GetRootNode(v)
	require.NoError(t, err)
	ctx, err := d.OpenDir(v, root)
	require.NoError(t, err)
	defer d.CloseDir(v, ctx)

	_, err = d.ReadDir(v, ctx, "missing")
	assert.ErrorIs(t, err, kernerr.ErrNotFound)
}

func TestOpenDirOnFileNodeFails(t *testing.T) {
	d, v := mountMemfs(t)
	require.NoError(t, d.CreateFile(v, "/f", 0644, []byte("x")))
	root, err := d.GetRootNode(v)
	require.NoError(t, err)
	ctx, err := d.OpenDir(v, root)
	require.NoError(t, err)
	fileNode, err := d.ReadDir(v, ctx, "f")
	require.NoError(t, err)

	_, err = d.OpenDir(v, fileNode)
	assert.ErrorIs(t, err, kernerr.ErrNotADirectory)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	d, v := mountMemfs(t)
	require.NoError(t, d.CreateFile(v, "/data", 0644, nil))
	root, err := d.GetRootNode(v)
	require.NoError(t, err)
	ctx, err := d.OpenDir(v, root)
	require.NoError(t, err)
	node, err := d.ReadDir(v, ctx, "data")
	require.NoError(t, err)

	n, err := d.Write(v, node, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	buf := make([]byte, 32)
	n, err = d.Read(v, node, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestCreateDuplicatePathFails(t *testing.T) {
	d, v := mountMemfs(t)
	require.NoError(t, d.CreateDir(v, "/etc", 0755))
	err := d.CreateDir(v, "/etc", 0755)
	assert.ErrorIs(t, err, kernerr.ErrExists)
}

func TestNestedDirectoryResolution(t *testing.T) {
	d, v := mountMemfs(t)
	require.NoError(t, d.CreateDir(v, "/etc", 0755))
	require.NoError(t, d.CreateFile(v, "/etc/hosts", 0644, []byte("127.0.0.1 localhost")))

	root, err := d.GetRootNode(v)
	require.NoError(t, err)
	rootCtx, err := d.OpenDir(v, root)
	require.NoError(t, err)
	etcNode, err := d.ReadDir(v, rootCtx, "etc")
	require.NoError(t, err)
	require.Equal(t, vfs.Dir, etcNode.Type)

	etcCtx, err := d.OpenDir(v, etcNode)
	require.NoError(t, err)
	hostsNode, err := d.ReadDir(v, etcCtx, "hosts")
	require.NoError(t, err)
	assert.EqualValues(t, len("127.0.0.1 localhost"), hostsNode.Size)
}

func TestUnmountClosesStoreAndManagerIntegration(t *testing.T) {
	d := memfs.New()
	reg := vfs.NewRegistry()
	m := vfs.NewManager(reg)

	v, err := m.MountAt(nil, nil, d, nil)
	require.NoError(t, err)
	require.NoError(t, d.CreateFile(v, "/boot.cfg", 0644, []byte("root=memfs")))

	gotVFS, gotNode, err := m.GetChildNode(nil, nil, "")
	require.NoError(t, err)
	assert.Same(t, v, gotVFS)
	assert.Equal(t, "/", gotNode.Name)

	require.NoError(t, m.Unmount(nil, nil, nil))
}
