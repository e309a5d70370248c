// Package main provides the x64emu command, a user-mode x86-64 emulator
// with periodic snapshots and resume.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/x64emu/config"
	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
)

// Exit codes other than a guest exit status. They sit above the statuses
// programs normally use, in the range GNU timeout and env reserve for
// their own failures.
const (
	exitOK    = 0
	exitFault = 124
	exitUsage = 125
)

type options struct {
	image       string
	raw         config.Addr
	entry       config.Addr
	snapshotDir string
	configPath  string
	resume      bool
	interval    uint64
	maxTicks    uint64
	cache       int
	keep        int
	verbose     bool
	stats       bool
	cpuProfile  string
	memProfile  string
}

func newFlagSet(opts *options, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("x64emu", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.image, "image", "", "ELF file, raw image or directory of .section files")
	fs.Var(&opts.raw, "raw", "treat -image as a flat binary mapped at this address")
	fs.Var(&opts.entry, "entry", "entry point (required for raw images and sections)")
	fs.StringVar(&opts.snapshotDir, "snapshot-dir", "", "directory for periodic snapshots")
	fs.StringVar(&opts.configPath, "config", "", "YAML machine manifest")
	fs.BoolVar(&opts.resume, "resume", false, "resume from the latest snapshot in -snapshot-dir")
	fs.Uint64Var(&opts.interval, "interval", emu.DefaultSnapshotInterval, "ticks between snapshots")
	fs.Uint64Var(&opts.maxTicks, "max-ticks", 0, "stop after this many instructions (0 = no limit)")
	fs.IntVar(&opts.cache, "cache", insts.DefaultCacheCapacity, "decode cache capacity (0 disables caching)")
	fs.IntVar(&opts.keep, "keep", 0, "snapshots to retain (0 keeps all)")
	fs.BoolVar(&opts.verbose, "v", false, "log every instruction")
	fs.BoolVar(&opts.stats, "stats", false, "print run statistics on exit")
	fs.StringVar(&opts.cpuProfile, "cpuprofile", "", "write a CPU profile to this file")
	fs.StringVar(&opts.memProfile, "memprofile", "", "write a heap profile to this file")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: x64emu [options] -image <program>\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExit status is the guest's own on exit, %d on a fault and %d when the\n"+
			"program cannot be started.\n", exitFault, exitUsage)
	}
	return fs
}

// buildConfig layers explicitly set flags over the manifest, if any.
func buildConfig(fsys afero.Fs, fs *flag.FlagSet, opts *options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		var err error
		cfg, err = config.Load(fsys, opts.configPath)
		if err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "image":
			cfg.Image.Path = opts.image
			if info, err := fsys.Stat(opts.image); err == nil && info.IsDir() {
				cfg.Image.Format = config.FormatSections
			}
		case "raw":
			cfg.Image.Format = config.FormatRaw
			cfg.Image.Base = opts.raw
		case "entry":
			entry := opts.entry
			cfg.Image.Entry = &entry
		case "snapshot-dir":
			cfg.Snapshots.Dir = opts.snapshotDir
		case "interval":
			cfg.Snapshots.Interval = opts.interval
		case "keep":
			cfg.Snapshots.Keep = opts.keep
		case "max-ticks":
			cfg.MaxTicks = opts.maxTicks
		case "cache":
			cfg.CacheCapacity = opts.cache
		case "v":
			if opts.verbose {
				cfg.LogLevel = "debug"
			}
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// run executes the command and returns the process exit code.
func run(ctx context.Context, args []string, fsys afero.Fs, stdout, stderr io.Writer) int {
	var opts options
	fs := newFlagSet(&opts, stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := buildConfig(fsys, fs, &opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	prog, err := cfg.LoadProgram(fsys)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading program: %v\n", err)
		return exitUsage
	}
	bus, err := prog.NewBus()
	if err != nil {
		fmt.Fprintf(stderr, "Error mapping program: %v\n", err)
		return exitUsage
	}
	logger.Info("program loaded",
		"image", cfg.Image.Path,
		"entry", fmt.Sprintf("0x%x", prog.EntryPoint),
		"segments", len(prog.Segments))

	emuOpts := []emu.EmulatorOption{
		emu.WithLogger(logger),
		emu.WithMaxTicks(cfg.MaxTicks),
		emu.WithCacheCapacity(cfg.CacheCapacity),
		emu.WithStackPointer(prog.InitialSP),
		emu.WithStdout(stdout),
		emu.WithStderr(stderr),
	}
	if cfg.Snapshots.Dir != "" {
		store, err := emu.NewSnapshotStore(fsys, cfg.Snapshots.Dir)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitUsage
		}
		emuOpts = append(emuOpts,
			emu.WithSnapshotStore(store),
			emu.WithSnapshotInterval(cfg.Snapshots.Interval),
			emu.WithSnapshotRetention(cfg.Snapshots.Keep))
	}

	e := emu.NewEmulator(bus, prog.EntryPoint, emuOpts...)

	if opts.resume {
		_, err := e.ResumeLatest()
		switch {
		case errors.Is(err, emu.ErrNoSnapshot):
			logger.Warn("no snapshot to resume from, starting fresh", "err", err)
		case err != nil:
			reportFault(stderr, err, e.CPU())
			return exitFault
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			e.Stop()
		case <-done:
		}
	}()

	if opts.cpuProfile != "" {
		stopProfile, err := startCPUProfile(fsys, opts.cpuProfile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitUsage
		}
		defer stopProfile()
	}

	start := time.Now()
	halt, err := e.Run()
	elapsed := time.Since(start)

	if opts.memProfile != "" {
		if err := writeHeapProfile(fsys, opts.memProfile); err != nil {
			logger.Warn("memory profile not written", "err", err)
		}
	}
	if opts.stats {
		fmt.Fprintln(stderr, statsTable(e, elapsed))
	}

	if err != nil {
		reportFault(stderr, err, e.CPU())
		return exitFault
	}

	logger.Info("halted",
		"reason", halt.Reason,
		"rip", fmt.Sprintf("0x%x", halt.RIP),
		"ticks", e.Tick())

	if halt.Reason == emu.HaltExit {
		return int(halt.ExitCode)
	}
	return exitOK
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	atexit.Register(stop)

	atexit.Exit(run(ctx, os.Args[1:], afero.NewOsFs(), os.Stdout, os.Stderr))
}
