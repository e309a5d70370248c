// Package config provides the YAML machine manifest for the emulator host.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/loader"
)

// Image formats.
const (
	FormatELF      = "elf"
	FormatRaw      = "raw"
	FormatSections = "sections"
)

// Addr is a guest address that reads and writes as hex ("0x401000"). It
// also accepts decimal input.
type Addr uint64

// ParseAddr parses a hex (0x-prefixed) or decimal address.
func ParseAddr(s string) (Addr, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Addr(v), nil
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Set implements flag.Value.
func (a *Addr) Set(s string) error {
	v, err := ParseAddr(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalYAML writes the address as a hex string.
func (a Addr) MarshalYAML() (any, error) {
	return a.String(), nil
}

// UnmarshalYAML reads a hex string or a plain integer.
func (a *Addr) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", node.Line)
	}
	v, err := ParseAddr(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*a = v
	return nil
}

// Image describes the program to load.
type Image struct {
	// Path is an ELF file, a raw image or a directory of section files.
	Path string `yaml:"path"`

	// Format is one of elf, raw or sections. Default: elf.
	Format string `yaml:"format"`

	// Base is where a raw image is mapped.
	Base Addr `yaml:"base,omitempty"`

	// Entry overrides the entry point. Raw images and section directories
	// require it.
	Entry *Addr `yaml:"entry,omitempty"`
}

// Stack describes the stack region mapped below Top.
type Stack struct {
	Top  Addr   `yaml:"top"`
	Size uint64 `yaml:"size"`
}

// Snapshots configures periodic snapshots.
type Snapshots struct {
	// Dir is the snapshot store directory. Empty disables snapshots.
	Dir string `yaml:"dir,omitempty"`

	// Interval is the number of ticks between snapshots. Default:
	// emu.DefaultSnapshotInterval.
	Interval uint64 `yaml:"interval"`

	// Keep is how many snapshots to retain. Zero keeps all.
	Keep int `yaml:"keep"`
}

// Config is the machine manifest.
type Config struct {
	Image     Image     `yaml:"image"`
	Stack     Stack     `yaml:"stack"`
	Snapshots Snapshots `yaml:"snapshots"`

	// CacheCapacity is the decode cache size. Zero disables caching.
	// Default: 10.
	CacheCapacity int `yaml:"cache_capacity"`

	// MaxTicks stops execution after this many instructions. Zero means
	// no limit.
	MaxTicks uint64 `yaml:"max_ticks"`

	// LogLevel is one of debug, info, warn or error. Default: info.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config with default values and no image.
func DefaultConfig() *Config {
	return &Config{
		Image: Image{Format: FormatELF},
		Stack: Stack{
			Top:  loader.DefaultStackTop,
			Size: loader.DefaultStackSize,
		},
		Snapshots:     Snapshots{Interval: emu.DefaultSnapshotInterval},
		CacheCapacity: insts.DefaultCacheCapacity,
		LogLevel:      "info",
	}
}

// Parse decodes a manifest on top of the defaults.
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

// Load reads a manifest from path on fs.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Save writes the manifest to path on fs.
func (c *Config) Save(fs afero.Fs, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that the manifest describes a runnable machine.
func (c *Config) Validate() error {
	var errs []error

	if c.Image.Path == "" {
		errs = append(errs, errors.New("image.path must be set"))
	}
	switch c.Image.Format {
	case FormatELF:
	case FormatRaw, FormatSections:
		if c.Image.Entry == nil {
			errs = append(errs, fmt.Errorf("image.entry is required for %s images", c.Image.Format))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown image.format %q", c.Image.Format))
	}
	if c.Stack.Size > uint64(c.Stack.Top) {
		errs = append(errs, fmt.Errorf("stack.size 0x%x does not fit below stack.top %v",
			c.Stack.Size, c.Stack.Top))
	}
	if c.Snapshots.Dir != "" && c.Snapshots.Interval == 0 {
		errs = append(errs, errors.New("snapshots.interval must be > 0 when snapshots.dir is set"))
	}
	if c.Snapshots.Keep < 0 {
		errs = append(errs, errors.New("snapshots.keep must be >= 0"))
	}
	if c.CacheCapacity < 0 {
		errs = append(errs, errors.New("cache_capacity must be >= 0"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}

	return errors.Join(errs...)
}

// Clone returns a deep copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Image.Entry != nil {
		entry := *c.Image.Entry
		clone.Image.Entry = &entry
	}
	return &clone
}

// LoadProgram loads the configured image from fs and applies the stack
// settings.
func (c *Config) LoadProgram(fs afero.Fs) (*loader.Program, error) {
	var entry uint64
	if c.Image.Entry != nil {
		entry = uint64(*c.Image.Entry)
	}

	var (
		prog *loader.Program
		err  error
	)
	switch c.Image.Format {
	case FormatRaw:
		prog, err = loader.LoadRaw(fs, c.Image.Path, uint64(c.Image.Base), entry)
	case FormatSections:
		prog, err = loader.LoadSections(fs, c.Image.Path, entry)
	default:
		prog, err = loader.LoadFrom(fs, c.Image.Path)
		if err == nil && c.Image.Entry != nil {
			prog.EntryPoint = entry
		}
	}
	if err != nil {
		return nil, err
	}

	prog.InitialSP = uint64(c.Stack.Top)
	prog.StackSize = c.Stack.Size
	return prog, nil
}
