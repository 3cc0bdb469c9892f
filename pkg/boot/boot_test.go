package boot_test

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	archsim "github.com/quarkkern/quark/pkg/arch/simulated"
	"github.com/quarkkern/quark/pkg/boot"
	"github.com/quarkkern/quark/pkg/device"
	"github.com/quarkkern/quark/pkg/mem/extent"
	platformsim "github.com/quarkkern/quark/pkg/platform/simulated"
)

func testConfig() boot.Config {
	return boot.Config{
		Arch:     archsim.New(),
		Platform: platformsim.New(logr.Discard(), "SIM-0001", 16_000_000, 64*1024),
		Log:      logr.Discard(),
	}
}

func TestRunSucceedsAgainstSimulatedCollaborators(t *testing.T) {
	seq, err := boot.Run(context.Background(), testConfig())
	require.NoError(t, err)
	require.NotNil(t, seq)

	assert.NotNil(t, seq.Extents)
	assert.True(t, seq.Extents.Sealed())
	assert.NotNil(t, seq.Slab)
	assert.NotNil(t, seq.KernelHeap)
	assert.NotNil(t, seq.UserHeap)
	assert.NotNil(t, seq.IRQs)
	assert.NotNil(t, seq.Devices)
	assert.NotNil(t, seq.ProcTable)
	assert.NotNil(t, seq.Scheduler)
	assert.NotNil(t, seq.BlockCache)
	assert.NotNil(t, seq.VFSManager)
	assert.NotNil(t, seq.Tick)
	assert.NotNil(t, seq.Dispatcher)
	assert.NotNil(t, seq.IfaceManager)
	assert.NotNil(t, seq.Ports)

	// The simulated platform enumerates no NVRAM device, so root discovery
	// is expected to fail and be logged, not aborted.
	assert.Nil(t, seq.RootVFS)
}

func TestRunEnumeratesSimulatedDevices(t *testing.T) {
	seq, err := boot.Run(context.Background(), testConfig())
	require.NoError(t, err)

	_, ok := seq.Devices.Find("tty0")
	assert.True(t, ok)
	_, ok = seq.Devices.Find("timer0")
	assert.True(t, ok)
	_, ok = seq.Devices.Find("sd0")
	assert.True(t, ok)
}

func TestRunFailsFastWhenPlatformInitErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Platform = failingPlatform{err: assert.AnError}

	_, err := boot.Run(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRunCallsStartMonitorLast(t *testing.T) {
	called := false
	cfg := testConfig()
	cfg.StartMonitor = func() error {
		called = true
		return nil
	}

	_, err := boot.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, called)
}

// failingPlatform fails Init unconditionally, to exercise the early-stage
// fatal path.
type failingPlatform struct {
	err error
}

func (f failingPlatform) Init() error                       { return f.err }
func (f failingPlatform) MemDetect(_ *extent.Table) error   { return nil }
func (f failingPlatform) ConsoleInit() error                { return nil }
func (f failingPlatform) DevEnumerate(_ *device.Tree) error { return nil }
func (f failingPlatform) SerialNumber() (string, error)     { return "", nil }
func (f failingPlatform) CPUClock() (uint32, error)         { return 0, nil }
func (f failingPlatform) LEDOn(id int) error                { return nil }
func (f failingPlatform) LEDOff(id int) error                { return nil }
func (f failingPlatform) Reset()                             {}
