// Package platform defines the platform collaborator: board-specific boot
// services (memory detection, console init, device enumeration, identity,
// clocking, and the reset/LED pair used for visible liveness) that the boot
// sequence in pkg/boot depends on without naming a concrete board.
package platform

import (
	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/mem/extent"
)

// Platform is the platform collaborator. A concrete implementation exists
// per target board; pkg/platform/simulated provides an in-memory reference
// implementation for testing without real hardware.
type Platform interface {
	// Init performs early board bring-up: clock/bus configuration that must
	// happen before memory detection and console init are possible.
	Init() error

	// MemDetect populates tbl with every memory extent the board exposes,
	// then seals it. Called after Init, before the slab and heap allocators
	// are brought up.
	MemDetect(tbl *extent.Table) error

	// ConsoleInit brings up the board's default console device so early
	// boot logging has somewhere to go.
	ConsoleInit() error

	// DevEnumerate probes the board's buses and registers every device it
	// finds in tree, via tree.Create.
	DevEnumerate(tree *device.Tree) error

	// SerialNumber returns the board's persistent serial number.
	SerialNumber() (string, error)

	// CPUClock returns the CPU clock frequency in Hz.
	CPUClock() (uint32, error)

	// LEDOn and LEDOff drive the numbered indicator LED, if the board has
	// one.
	LEDOn(id int) error
	LEDOff(id int) error

	// Reset restarts the board. It never returns.
	Reset()
}
