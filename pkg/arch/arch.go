// Package arch defines the architecture collaborator: the thin contract
// through which the rest of the kernel reaches CPU-specific facilities
// (interrupt masking, halt, software interrupt, atomic test-and-set, and
// process context construction/switching) without naming a concrete CPU.
package arch

// Context is an opaque CPU context (register image, stack pointers) built
// by ProcInit and consumed by SwitchProcess. Its shape is entirely owned by
// the Arch implementation; the rest of the kernel never inspects it.
type Context any

// Arch is the architecture collaborator. A concrete implementation exists
// per target CPU; pkg/arch/simulated provides a goroutine-based reference
// implementation used for testing without real hardware.
type Arch interface {
	// EnableInterrupts unmasks interrupts at the current IRQL.
	EnableInterrupts()
	// DisableInterrupts masks all maskable interrupts.
	DisableInterrupts()
	// Halt stops the CPU. It never returns.
	Halt()
	// SWI raises a software interrupt identified by vector, e.g. for a
	// system call trap.
	SWI(vector uint8)
	// TAS atomically tests and sets the given word, returning whether it
	// was already set.
	TAS(addr *uint32) (wasSet bool)

	// ProcInit constructs the initial context for a new process: a context
	// such that resuming it invokes entry(arg) with the stacks it was given,
	// in kernel or user mode according to kernelMode.
	ProcInit(entry func(arg any), arg any, userStack, kernelStack []byte, kernelMode bool) (Context, error)

	// SwitchProcess performs a context switch from the currently running
	// context to next, returning once next is itself switched away from
	// and back to current. Unlike the original cpu_switch_process(), which
	// reads the current/next process from kernel globals, this takes them
	// explicitly: pkg/proc holds scheduler state as a value, not as
	// package-level globals.
	SwitchProcess(current, next Context)
}
