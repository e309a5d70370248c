package main

import (
	"fmt"
	"runtime/pprof"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"

	"github.com/sarchlab/x64emu/emu"
)

// startCPUProfile begins CPU profiling into path. The returned function
// stops profiling and closes the file.
func startCPUProfile(fsys afero.Fs, path string) (func(), error) {
	f, err := fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating CPU profile: %w", err)
	}

	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("starting CPU profile: %w", err)
	}

	return func() {
		pprof.StopCPUProfile()
		_ = f.Close()
	}, nil
}

func writeHeapProfile(fsys afero.Fs, path string) error {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("creating memory profile: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("writing memory profile: %w", err)
	}
	return nil
}

// statsTable summarizes a run: retired instructions, throughput and
// decode cache behavior.
func statsTable(e *emu.Emulator, elapsed time.Duration) string {
	t := table.NewWriter()
	t.SetTitle("Run Statistics")
	t.AppendHeader(table.Row{"Metric", "Value"})

	ticks := e.Tick()
	t.AppendRow(table.Row{"instructions", ticks})
	t.AppendRow(table.Row{"elapsed", elapsed.Round(time.Microsecond)})
	if secs := elapsed.Seconds(); secs > 0 {
		t.AppendRow(table.Row{"instructions/s", fmt.Sprintf("%.0f", float64(ticks)/secs)})
	}

	s := e.Decoder().Stats()
	t.AppendSeparator()
	t.AppendRow(table.Row{"cache hits", s.Hits})
	t.AppendRow(table.Row{"cache misses", s.Misses})
	t.AppendRow(table.Row{"cache evictions", s.Evictions})
	t.AppendRow(table.Row{"cache invalidations", s.Invalidations})
	if total := s.Hits + s.Misses; total > 0 {
		t.AppendRow(table.Row{"hit rate", fmt.Sprintf("%.1f%%", 100*float64(s.Hits)/float64(total))})
	}

	return t.Render()
}
