package mount_test

import (
	"testing"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/vfs/mount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVFS struct{ name string }
type fakeNode struct{ name string }

func TestAddAndFindRootMount(t *testing.T) {
	tbl := mount.NewTable()
	root := &fakeVFS{name: "root"}

	require.NoError(t, tbl.Add(nil, nil, root))

	found, err := tbl.Find(nil, nil)
	require.NoError(t, err)
	assert.Same(t, root, found)
}

func TestAddDuplicateLocationFailsBusy(t *testing.T) {
	tbl := mount.NewTable()
	require.NoError(t, tbl.Add(nil, nil, &fakeVFS{name: "a"}))
	err := tbl.Add(nil, nil, &fakeVFS{name: "b"})
	assert.ErrorIs(t, err, kernerr.ErrDeviceBusy)
}

func TestFindMissingReturnsNotFound(t *testing.T) {
	tbl := mount.NewTable()
	_, err := tbl.Find(&fakeVFS{name: "x"}, &fakeNode{name: "dir"})
	assert.ErrorIs(t, err, kernerr.ErrNotFound)
}

func TestRemoveSplicesEntryAndReturnsInnerVFS(t *testing.T) {
	tbl := mount.NewTable()
	hostVFS := &fakeVFS{name: "host"}
	hostNode := &fakeNode{name: "mnt"}
	inner := &fakeVFS{name: "inner"}
	require.NoError(t, tbl.Add(hostVFS, hostNode, inner))

	removed, err := tbl.Remove(hostVFS, hostNode)
	require.NoError(t, err)
	assert.Same(t, inner, removed)

	_, err = tbl.Find(hostVFS, hostNode)
	assert.ErrorIs(t, err, kernerr.ErrNotFound)
}

func TestRemoveMissingReturnsNotFound(t *testing.T) {
	tbl := mount.NewTable()
	_, err := tbl.Remove(nil, nil)
	assert.ErrorIs(t, err, kernerr.ErrNotFound)
}

func TestEntriesListsEverything(t *testing.T) {
	tbl := mount.NewTable()
	require.NoError(t, tbl.Add(nil, nil, &fakeVFS{name: "root"}))
	hostVFS := &fakeVFS{name: "host"}
	hostNode := &fakeNode{name: "mnt"}
	require.NoError(t, tbl.Add(hostVFS, hostNode, &fakeVFS{name: "inner"}))

	entries := tbl.Entries()
	assert.Len(t, entries, 2)
}
