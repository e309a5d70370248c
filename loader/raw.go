package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/spf13/afero"
)

// LoadRaw maps the bytes of a flat image file at base and starts execution
// at entry.
func LoadRaw(fs afero.Fs, path string, base, entry uint64) (*Program, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("raw image %s is empty", path)
	}

	prog := NewProgram(entry)
	prog.Segments = append(prog.Segments, Segment{
		VirtAddr: base,
		Data:     data,
		MemSize:  uint64(len(data)),
		Flags:    SegmentFlagRead | SegmentFlagWrite | SegmentFlagExecute,
		Label:    filepath.Base(path),
	})
	return prog, nil
}

var sectionName = regexp.MustCompile(`^0x([0-9a-fA-F]+)_([0-9]+)_(.+)\.section$`)

// SectionFile describes one memory section encoded in a file name of the
// form 0x<start>_<size>_<label>.section.
type SectionFile struct {
	Start uint64
	Size  uint64
	Label string
}

// ParseSectionName decodes a section file name.
func ParseSectionName(name string) (SectionFile, error) {
	m := sectionName.FindStringSubmatch(name)
	if m == nil {
		return SectionFile{}, fmt.Errorf("%q is not a section file name", name)
	}

	start, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return SectionFile{}, fmt.Errorf("section %q: bad start: %w", name, err)
	}
	size, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return SectionFile{}, fmt.Errorf("section %q: bad size: %w", name, err)
	}

	return SectionFile{Start: start, Size: size, Label: m[3]}, nil
}

// LoadSections builds a program from every section file in dir. Each
// region is Size bytes at Start, initialised with the file contents.
func LoadSections(fs afero.Fs, dir string, entry uint64) (*Program, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}

	prog := NewProgram(entry)
	for _, info := range infos {
		if info.IsDir() || filepath.Ext(info.Name()) != ".section" {
			continue
		}

		sec, err := ParseSectionName(info.Name())
		if err != nil {
			return nil, err
		}
		seg, err := loadSection(fs, filepath.Join(dir, info.Name()), sec)
		if err != nil {
			return nil, err
		}
		prog.Segments = append(prog.Segments, seg)
	}

	if len(prog.Segments) == 0 {
		return nil, fmt.Errorf("no section files in %s: %w", dir, os.ErrNotExist)
	}
	return prog, nil
}

func loadSection(fs afero.Fs, path string, sec SectionFile) (Segment, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Segment{}, fmt.Errorf("failed to read section %s: %w", sec.Label, err)
	}
	if uint64(len(data)) > sec.Size {
		return Segment{}, fmt.Errorf("section %s: file holds %d bytes, region is %d",
			sec.Label, len(data), sec.Size)
	}

	return Segment{
		VirtAddr: sec.Start,
		Data:     data,
		MemSize:  sec.Size,
		Flags:    SegmentFlagRead | SegmentFlagWrite | SegmentFlagExecute,
		Label:    sec.Label,
	}, nil
}
