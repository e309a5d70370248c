package emu

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const (
	snapshotPrefix = "snapshot_"
	snapshotSuffix = ".snap"
)

// SnapshotStore keeps snapshots in one directory, one file per tick, named
// snapshot_<tick>.snap. The latest snapshot is the one with the highest
// tick.
type SnapshotStore struct {
	fs  afero.Fs
	dir string
}

// NewSnapshotStore opens dir on fs as a snapshot store, creating it if
// needed.
func NewSnapshotStore(fs afero.Fs, dir string) (*SnapshotStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, snapshotError("creating %s: %w", dir, err)
	}
	return &SnapshotStore{fs: fs, dir: dir}, nil
}

// Dir returns the store directory.
func (s *SnapshotStore) Dir() string {
	return s.dir
}

// Path returns the file a snapshot taken at tick is stored in.
func (s *SnapshotStore) Path(tick uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d%s", snapshotPrefix, tick, snapshotSuffix))
}

// Save writes snap as the snapshot for tick and returns its path.
func (s *SnapshotStore) Save(tick uint64, snap *Snapshot) (string, error) {
	path := s.Path(tick)
	if err := snap.SaveTo(s.fs, path); err != nil {
		return "", err
	}
	return path, nil
}

func parseSnapshotName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
	tick, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return tick, true
}

// List returns the ticks of all stored snapshots in ascending order.
func (s *SnapshotStore) List() ([]uint64, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, snapshotError("listing %s: %w", s.dir, err)
	}

	var ticks []uint64
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if tick, ok := parseSnapshotName(info.Name()); ok {
			ticks = append(ticks, tick)
		}
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })

	return ticks, nil
}

// Load reads the snapshot taken at tick.
func (s *SnapshotStore) Load(tick uint64) (*Snapshot, error) {
	return LoadSnapshotFrom(s.fs, s.Path(tick))
}

// Latest reads the snapshot with the highest tick. It fails with
// ErrNoSnapshot when the store is empty.
func (s *SnapshotStore) Latest() (*Snapshot, uint64, error) {
	ticks, err := s.List()
	if err != nil {
		return nil, 0, err
	}
	if len(ticks) == 0 {
		return nil, 0, fmt.Errorf("%w in %s", ErrNoSnapshot, s.dir)
	}

	tick := ticks[len(ticks)-1]
	snap, err := s.Load(tick)
	if err != nil {
		return nil, 0, err
	}
	return snap, tick, nil
}

// Prune removes all but the newest keep snapshots and returns how many
// were removed. A keep below one removes nothing.
func (s *SnapshotStore) Prune(keep int) (int, error) {
	if keep < 1 {
		return 0, nil
	}

	ticks, err := s.List()
	if err != nil {
		return 0, err
	}
	if len(ticks) <= keep {
		return 0, nil
	}

	removed := 0
	for _, tick := range ticks[:len(ticks)-keep] {
		if err := s.fs.Remove(s.Path(tick)); err != nil {
			return removed, snapshotError("removing snapshot %d: %w", tick, err)
		}
		removed++
	}
	return removed, nil
}
