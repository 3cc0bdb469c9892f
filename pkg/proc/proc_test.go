package proc_test

import (
	"testing"

	"github.com/quarkkern/quark/pkg/arch"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/proc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeArch is a minimal arch.Arch stub sufficient for exercising pkg/proc
// without any real CPU or goroutine semantics.
type fakeArch struct {
	procInitErr error
}

func (fakeArch) EnableInterrupts()  {}
func (fakeArch) DisableInterrupts() {}
func (fakeArch) Halt()              {}
func (fakeArch) SWI(uint8)          {}
func (fakeArch) TAS(*uint32) bool   { return false }

func (a fakeArch) ProcInit(entry func(arg any), arg any, userStack, kernelStack []byte, kernelMode bool) (arch.Context, error) {
	if a.procInitErr != nil {
		return nil, a.procInitErr
	}
	return entry, nil
}

func (fakeArch) SwitchProcess(current, next arch.Context) {}

func newTable() *proc.Table {
	return proc.NewTable(fakeArch{})
}

func TestCreateAssignsMonotonicIDsAndAppendsToRunQueue(t *testing.T) {
	tbl := newTable()

	p1, err := tbl.Create(proc.CreateParams{Name: "init", Flags: proc.FlagKernel, Entry: func(any) {}})
	require.NoError(t, err)
	p2, err := tbl.Create(proc.CreateParams{Name: "worker", Flags: proc.FlagKernel, Entry: func(any) {}})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), p1.ID)
	assert.Equal(t, uint64(1), p2.ID)
	assert.Equal(t, 2, tbl.RunQueue.Len())
	assert.Equal(t, proc.Runnable, p1.State)
	assert.Equal(t, proc.NotExited, p1.ExitCode)
}

func TestCreateRequiresUserStackForNonKernelProcess(t *testing.T) {
	tbl := newTable()
	_, err := tbl.Create(proc.CreateParams{Name: "user"})
	assert.ErrorIs(t, err, kernerr.ErrInvalidArgument)
}

func TestCreateRejectsNonAbsoluteWD(t *testing.T) {
	tbl := newTable()
	_, err := tbl.Create(proc.CreateParams{Name: "k", Flags: proc.FlagKernel, WD: "relative/dir"})
	assert.ErrorIs(t, err, kernerr.ErrInvalidArgument)
}

func TestCreateFailsWithNeitherEntryNorImage(t *testing.T) {
	tbl := newTable()
	_, err := tbl.Create(proc.CreateParams{Name: "k", Flags: proc.FlagKernel})
	assert.ErrorIs(t, err, kernerr.ErrBadExecutable)
}

func TestCreateInheritsParentCWD(t *testing.T) {
	tbl := newTable()
	parent, err := tbl.Create(proc.CreateParams{Name: "parent", Flags: proc.FlagKernel, WD: "/home/alice/", Entry: func(any) {}})
	require.NoError(t, err)
	assert.Equal(t, "/home/alice", parent.GetCWD())

	child, err := tbl.Create(proc.CreateParams{Name: "child", Flags: proc.FlagKernel, Parent: parent, Entry: func(any) {}})
	require.NoError(t, err)
	assert.Equal(t, "/home/alice", child.GetCWD())
}

func TestCreateWithNoParentDefaultsToRoot(t *testing.T) {
	tbl := newTable()
	p, err := tbl.Create(proc.CreateParams{Name: "orphan", Flags: proc.FlagKernel, Entry: func(any) {}})
	require.NoError(t, err)
	assert.Equal(t, "/", p.GetCWD())
}

func TestCreateCanonicalizesExplicitWD(t *testing.T) {
	tbl := newTable()
	p, err := tbl.Create(proc.CreateParams{Name: "p", Flags: proc.FlagKernel, WD: "/a//b/./c/../d/", Entry: func(any) {}})
	require.NoError(t, err)
	assert.Equal(t, "/a/b/d", p.GetCWD())
}

func TestCreatePropagatesProcInitFailure(t *testing.T) {
	tbl := proc.NewTable(fakeArch{procInitErr: kernerr.ErrOutOfMemory})
	_, err := tbl.Create(proc.CreateParams{Name: "k", Flags: proc.FlagKernel, Entry: func(any) {}})
	assert.ErrorIs(t, err, kernerr.ErrOutOfMemory)
}

func TestSetCWDValidatesAbsolute(t *testing.T) {
	tbl := newTable()
	p, err := tbl.Create(proc.CreateParams{Name: "p", Flags: proc.FlagKernel, Entry: func(any) {}})
	require.NoError(t, err)

	assert.ErrorIs(t, p.SetCWD("relative"), kernerr.ErrInvalidArgument)
	require.NoError(t, p.SetCWD("/var//log/"))
	assert.Equal(t, "/var/log", p.GetCWD())
}
