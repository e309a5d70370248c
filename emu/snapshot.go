package emu

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/sarchlab/x64emu/insts"
)

// Snapshot file format constants.
const (
	SnapshotMagic   uint32 = 0x534E4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

// Snapshot is a complete capture of emulator state: enough to resume
// execution deterministically.
type Snapshot struct {
	Regions   []*MemoryRegion
	Registers [insts.NumSlots]uint64 // RAX..R15, CS, SS
	RIP       uint64
	RFlags    uint64
}

type snapshotHeader struct {
	Magic     uint32
	Version   uint32
	RIP       uint64
	RFlags    uint64
	Registers [insts.NumSlots]uint64
}

type regionHeader struct {
	Start   uint64
	End     uint64
	DataLen uint64
}

// WriteTo encodes the snapshot little-endian to w.
func (s *Snapshot) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	hdr := snapshotHeader{
		Magic:     SnapshotMagic,
		Version:   SnapshotVersion,
		RIP:       s.RIP,
		RFlags:    s.RFlags,
		Registers: s.Registers,
	}
	if err := binary.Write(cw, binary.LittleEndian, &hdr); err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(len(s.Regions))); err != nil {
		return cw.n, err
	}

	for _, r := range s.Regions {
		rh := regionHeader{Start: r.Start(), End: r.End(), DataLen: r.Size()}
		if err := binary.Write(cw, binary.LittleEndian, &rh); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write(r.data); err != nil {
			return cw.n, err
		}
	}

	return cw.n, bw.Flush()
}

// Encode returns the encoded snapshot.
func (s *Snapshot) Encode() []byte {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer cannot fail.
	_, _ = s.WriteTo(&buf)
	return buf.Bytes()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func snapshotError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrSnapshot}, args...)...)
}

// DecodeSnapshot reads one snapshot from r. It rejects a bad magic number,
// an unknown version, a region whose data length disagrees with its bounds
// and overlapping regions.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	br := bufio.NewReader(r)

	var hdr snapshotHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, snapshotError("reading header: %w", err)
	}
	if hdr.Magic != SnapshotMagic {
		return nil, snapshotError("bad magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != SnapshotVersion {
		return nil, snapshotError("unknown version %d", hdr.Version)
	}

	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, snapshotError("reading region count: %w", err)
	}

	s := &Snapshot{
		RIP:       hdr.RIP,
		RFlags:    hdr.RFlags,
		Registers: hdr.Registers,
	}

	for i := uint32(0); i < count; i++ {
		var rh regionHeader
		if err := binary.Read(br, binary.LittleEndian, &rh); err != nil {
			return nil, snapshotError("reading region %d: %w", i, err)
		}
		if rh.End < rh.Start || rh.DataLen != rh.End-rh.Start {
			return nil, snapshotError(
				"region %d: data length %d does not match [0x%x, 0x%x)",
				i, rh.DataLen, rh.Start, rh.End)
		}
		if rh.DataLen == 0 {
			return nil, snapshotError("region %d: empty region at 0x%x", i, rh.Start)
		}
		if rh.DataLen > math.MaxInt64 {
			return nil, snapshotError("region %d: data length %d too large", i, rh.DataLen)
		}

		var data bytes.Buffer
		if _, err := io.CopyN(&data, br, int64(rh.DataLen)); err != nil {
			return nil, snapshotError("reading region %d data: %w", i, err)
		}

		region, err := NewMemoryRegionFromBytes(rh.Start, data.Bytes())
		if err != nil {
			return nil, snapshotError("region %d: %w", i, err)
		}
		for _, prev := range s.Regions {
			if prev.Overlaps(region) {
				return nil, snapshotError("region %d: %w: [0x%x, 0x%x)",
					i, ErrOverlap, rh.Start, rh.End)
			}
		}
		s.Regions = append(s.Regions, region)
	}

	if _, err := br.ReadByte(); err != io.EOF {
		if err != nil {
			return nil, snapshotError("checking for trailing data: %w", err)
		}
		return nil, snapshotError("trailing data after %d regions", count)
	}

	return s, nil
}

// NewBus builds a bus holding copies of the snapshot's regions.
func (s *Snapshot) NewBus() (*Bus, error) {
	regions := make([]*MemoryRegion, len(s.Regions))
	for i, r := range s.Regions {
		regions[i] = r.Clone()
	}

	bus, err := NewBus(regions...)
	if err != nil {
		return nil, snapshotError("rebuilding bus: %w", err)
	}
	return bus, nil
}

// Equal reports whether two snapshots hold the same state.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.RIP != o.RIP || s.RFlags != o.RFlags || s.Registers != o.Registers ||
		len(s.Regions) != len(o.Regions) {
		return false
	}
	for i := range s.Regions {
		if !s.Regions[i].Equal(o.Regions[i]) {
			return false
		}
	}
	return true
}

// Save writes the snapshot to path on the host filesystem.
func (s *Snapshot) Save(path string) error {
	return s.SaveTo(afero.NewOsFs(), path)
}

// SaveTo writes the snapshot to path on fs atomically: it is written to a
// temporary file in the same directory and renamed over path. The
// temporary file is removed if anything fails.
func (s *Snapshot) SaveTo(fs afero.Fs, path string) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmp, err := afero.TempFile(fs, dir, "."+base+".tmp-*")
	if err != nil {
		return snapshotError("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = fs.Remove(tmpName)
		}
	}()

	if _, err = s.WriteTo(tmp); err != nil {
		return snapshotError("writing %s: %w", tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		return snapshotError("syncing %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return snapshotError("closing %s: %w", tmpName, err)
	}
	if err = fs.Rename(tmpName, path); err != nil {
		return snapshotError("renaming %s: %w", tmpName, err)
	}

	return nil
}

// LoadSnapshot reads a snapshot from path on the host filesystem.
func LoadSnapshot(path string) (*Snapshot, error) {
	return LoadSnapshotFrom(afero.NewOsFs(), path)
}

// LoadSnapshotFrom reads a snapshot from path on fs.
func LoadSnapshotFrom(fs afero.Fs, path string) (*Snapshot, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, snapshotError("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	s, err := DecodeSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
