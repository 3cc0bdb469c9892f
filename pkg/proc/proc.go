// Package proc implements the process model: process records, the three
// intrusive run/sleep/exited queues, and process creation, following
// the same lifecycle as the kernel's process subsystem.
package proc

import (
	"fmt"
	"math"

	"github.com/quarkkern/quark/pkg/arch"
	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/quarkkern/quark/pkg/klist"
	"github.com/quarkkern/quark/pkg/preempt"
	"github.com/quarkkern/quark/pkg/vfs/path"
)

// State is a process's position in its lifecycle.
type State uint8

const (
	Runnable State = iota
	Sleeping
	Exited
)

// Flags modify process creation.
type Flags uint8

const (
	// FlagKernel marks a kernel-mode process, which shares the kernel
	// address space and may be created with no user stack.
	FlagKernel Flags = 1 << iota
)

// KernelStackLen is the fixed size of every process's kernel stack.
const KernelStackLen = 4096

// DefaultFilePerm is the default permission mask assigned to files a
// process creates, absent an explicit umask mechanism.
const DefaultFilePerm = 0644

// NotExited is the sentinel ExitCode of a process that has not yet called
// Destroy.
const NotExited = math.MinInt32

// Image is a preloaded executable image a process may be created from.
type Image struct {
	EntryPoint func(arg any)
	Data       []byte
}

// Process is a single schedulable unit: its own kernel stack and,
// optionally, its own user stack, a canonical working directory, and an
// opaque CPU context built by the architecture collaborator.
type Process struct {
	klist.Node

	ID       uint64
	State    State
	UID, GID uint32
	Name     string
	Parent   *Process
	ExitCode int

	KernelStack []byte
	UserStack   []byte

	cwd string

	DefaultPerm uint32
	Image       *Image
	Arg         any
	Context     arch.Context
	Flags       Flags
}

// GetCWD returns the process's current working directory, already
// canonical and absolute.
func (p *Process) GetCWD() string { return p.cwd }

// SetCWD canonicalizes and assigns dir as the process's working directory.
// An empty dir resets it to the root; a non-absolute dir is rejected.
func (p *Process) SetCWD(dir string) error {
	if dir == "" {
		p.cwd = path.Separator
		return nil
	}
	if !path.IsAbsolute(dir) {
		return kernerr.ErrInvalidArgument
	}
	p.cwd = path.Canonicalize(dir)
	return nil
}

// CreateParams are the inputs to Table.Create.
type CreateParams struct {
	UID, GID     uint32
	Name         string
	Image        *Image
	Entry        func(arg any)
	Arg          any
	UserStackLen int
	Flags        Flags
	// WD is the initial working directory. Empty means inherit the
	// parent's cwd (or the root, if there is no parent).
	WD     string
	Parent *Process
}

// Table is the process registry: it owns the run, sleep, and exited
// queues and assigns monotonically increasing process ids.
type Table struct {
	guard preempt.Guard

	Arch arch.Arch

	nextID uint64
	byID   map[uint64]*Process

	RunQueue    klist.List
	SleepQueue  klist.List
	ExitedQueue klist.List
}

// NewTable constructs an empty process table bound to the given
// architecture collaborator, used to build each process's initial context.
func NewTable(a arch.Arch) *Table {
	t := &Table{Arch: a, byID: make(map[uint64]*Process)}
	t.RunQueue.Init()
	t.SleepQueue.Init()
	t.ExitedQueue.Init()
	return t
}

// Lookup returns the process with the given id, if it still exists.
func (t *Table) Lookup(id uint64) (*Process, bool) {
	t.guard.Disable()
	defer t.guard.Enable()
	p, ok := t.byID[id]
	return p, ok
}

// Create allocates a new process and appends it to the run queue.
//
// A user-stack length of zero is only valid for kernel processes. The
// working directory is inherited (canonical copy of the parent's cwd, or
// the root if there is no parent) unless WD is given explicitly, in which
// case it must be absolute and is canonicalized. Entry falls back to
// Image.EntryPoint when nil; if neither is set, creation fails.
func (t *Table) Create(p CreateParams) (*Process, error) {
	if p.WD != "" && !path.IsAbsolute(p.WD) {
		return nil, kernerr.ErrInvalidArgument
	}

	kernelMode := p.Flags&FlagKernel != 0
	if p.UserStackLen == 0 && !kernelMode {
		return nil, kernerr.ErrInvalidArgument
	}

	entry := p.Entry
	if entry == nil {
		if p.Image == nil || p.Image.EntryPoint == nil {
			return nil, kernerr.ErrBadExecutable
		}
		entry = p.Image.EntryPoint
	}

	var userStack []byte
	if p.UserStackLen > 0 {
		userStack = make([]byte, p.UserStackLen)
	}
	kernelStack := make([]byte, KernelStackLen)

	var cwd string
	switch {
	case p.WD != "":
		cwd = path.Canonicalize(p.WD)
	case p.Parent != nil:
		cwd = p.Parent.GetCWD()
	default:
		cwd = path.Separator
	}

	ctx, err := t.Arch.ProcInit(entry, p.Arg, userStack, kernelStack, kernelMode)
	if err != nil {
		return nil, fmt.Errorf("initializing process context: %w", err)
	}

	proc := &Process{
		UID:         p.UID,
		GID:         p.GID,
		Name:        p.Name,
		Parent:      p.Parent,
		ExitCode:    NotExited,
		KernelStack: kernelStack,
		UserStack:   userStack,
		cwd:         cwd,
		DefaultPerm: DefaultFilePerm,
		Image:       p.Image,
		Arg:         p.Arg,
		Context:     ctx,
		Flags:       p.Flags,
		State:       Runnable,
	}

	t.guard.Section(func() {
		proc.ID = t.nextID
		t.nextID++
		t.byID[proc.ID] = proc
		t.RunQueue.PushBack(&proc.Node, proc)
	})

	return proc, nil
}
