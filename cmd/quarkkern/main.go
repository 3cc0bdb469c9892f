// Command quarkkern boots the kernel against the simulated architecture
// and platform collaborators: it runs pkg/boot's sequence to completion,
// mounts a root filesystem per -root, and then serves the network stack
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	zapcore "go.uber.org/zap"

	archsim "github.com/quarkkern/quark/pkg/arch/simulated"
	"github.com/quarkkern/quark/pkg/boot"
	"github.com/quarkkern/quark/pkg/vfs"
	"github.com/quarkkern/quark/pkg/vfs/memfs"

	platformsim "github.com/quarkkern/quark/pkg/platform/simulated"
)

func main() {
	var (
		root        = flag.String("root", "auto", `root filesystem to mount: "auto" (discover via NVRAM/partition scan) or "memfs" (in-memory, no real block device)`)
		serial      = flag.String("serial", "QUARK-0001", "simulated board serial number")
		clockHz     = flag.Uint("clock-hz", 16_000_000, "simulated CPU clock, in Hz")
		diskSizeKiB = flag.Uint("disk-kib", 1024, "simulated disk size, in KiB")
		tickHz      = flag.Uint("tick-hz", 100, "scheduler tick frequency, in Hz")
		verbose     = flag.Bool("verbose", false, "enable verbose (development) logging")
		debug       = flag.Bool("debug", false, "enable debug-mode allocator checks (e.g. slab double-free reporting)")
	)
	flag.Parse()

	var log logr.Logger
	if *verbose {
		zapLog, _ := zapcore.NewDevelopment()
		log = zapr.NewLogger(zapLog)
	} else {
		zapLog, _ := zapcore.NewProduction()
		log = zapr.NewLogger(zapLog)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("quarkkern: signal received, shutting down")
		cancel()
	}()

	if err := run(ctx, log, *root, *serial, uint32(*clockHz), int(*diskSizeKiB)*1024, uint32(*tickHz), *debug); err != nil {
		log.Error(err, "quarkkern: fatal")
		os.Exit(1)
	}
}

func run(ctx context.Context, log logr.Logger, root, serial string, clockHz uint32, diskSize int, tickHz uint32, debug bool) error {
	cfg := boot.Config{
		Arch:     archsim.New(),
		Platform: platformsim.New(log, serial, clockHz, diskSize),
		Log:      log,
		Debug:    debug,
		TickHz:   tickHz,
	}

	seq, err := boot.Run(ctx, cfg)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	log.Info("quarkkern: boot complete",
		"partitionsFound", seq.PartitionsFound,
		"rootMounted", seq.RootVFS != nil)

	rootVFS := seq.RootVFS
	if root == "memfs" {
		rootVFS, err = mountMemFS(seq)
		if err != nil {
			return fmt.Errorf("mount memfs root: %w", err)
		}
		log.Info("quarkkern: mounted in-memory root filesystem")
	}
	if rootVFS == nil {
		log.Info("quarkkern: no root filesystem mounted, continuing without one")
	}

	if seq.IfaceManager != nil {
		go func() {
			if err := seq.IfaceManager.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error(err, "quarkkern: network interface manager exited")
			}
		}()
	}

	log.Info("quarkkern: running, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("quarkkern: stopped")
	return nil
}

// mountMemFS gives cmd/quarkkern a root filesystem with no real block
// device behind it, for environments (tests, quick demos) where the
// simulated disk has no MBR/BPB to discover a root from.
func mountMemFS(seq *boot.Sequence) (*vfs.VFS, error) {
	driver := memfs.New()
	if err := seq.VFSManager.Registry.Register(seq.Log, driver); err != nil {
		return nil, err
	}

	dev, err := memfs.NewDevice(seq.Devices, "mem")
	if err != nil {
		return nil, err
	}

	return seq.VFSManager.MountAt(nil, nil, driver, dev)
}
