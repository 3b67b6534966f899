package builder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"regexp"
	"slices"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

const ConfigFile = "Ftbind.toml"

const (
	GeneratorDirect = "direct"
	GeneratorNinja  = "ninja"
)

var defaultProfiles = map[string]ProfileSection{
	"release": {OptLevel: int64(2)},
	"debug":   {Debug: true}, // no -O
}

type Config struct {
	Package  PackageSection            `toml:"package"`
	Native   NativeSection             `toml:"native"`
	Bindings BindingsSection           `toml:"bindings"`
	Build    BuildSection              `toml:"build"`
	Profile  map[string]ProfileSection `toml:"profile"`
}

// Profiles returns the profile names, sorted
func (c Config) Profiles() []string {
	return slices.Sorted(maps.Keys(c.Profile))
}

// ProfileSection defines the [profile.*] section
type ProfileSection struct {
	OptLevel any  `toml:"opt-level"` // 0-3, or one of "s", "z", "g", "fast"
	Debug    bool `toml:"debug"`
}

// Opt returns the argument to -O, or "" when the profile sets no level
func (p ProfileSection) Opt() string {
	switch v := p.OptLevel.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	}
	return ""
}

func (p ProfileSection) check() error {
	switch v := p.OptLevel.(type) {
	case nil:
		return nil
	case int64:
		if v >= 0 && v <= 3 {
			return nil
		}
	case string:
		switch v {
		case "", "0", "1", "2", "3", "s", "z", "g", "fast":
			return nil
		}
	}
	return fmt.Errorf("opt-level %v is not one of 0-3, s, z, g or fast", p.OptLevel)
}

// PackageSection defines the [package] section
type PackageSection struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Authors     []string `toml:"authors"`
	Build       string   `toml:"build"` // expr script run before compiling
}

// NativeSection defines the [native(.*)] section: where the C library lives
// and how to compile it
type NativeSection struct {
	Path     string            `toml:"path"`   // bundle directory, project-relative
	Marker   string            `toml:"marker"` // file whose presence means the bundle is checked out
	Source   string            `toml:"source"` // empty for a git submodule
	Strip    int               `toml:"strip"`
	Sources  []string          `toml:"sources"` // bundle-relative, doublestar globs allowed
	Include  []string          `toml:"include"` // bundle-relative include directories
	Defines  map[string]string `toml:"defines"`
	Cflags   []string          `toml:"cflags"`
	Compiler string            `toml:"compiler"`
	Ar       string            `toml:"ar"`
}

// BindingsSection defines the [bindings(.*)] section
type BindingsSection struct {
	Header          string   `toml:"header"` // project-relative
	Output          string   `toml:"output"` // relative to the output directory
	Package         string   `toml:"package"`
	BuildTags       []string `toml:"build-tags"`
	ClangArgs       []string `toml:"clang-args"`
	PrependEnumName bool     `toml:"prepend-enum-name"`
}

// BuildSection defines the [build] section, fallbacks for command line flags
type BuildSection struct {
	OutDir    string `toml:"out-dir"`
	Target    string `toml:"target"`
	Generator string `toml:"generator"`
	Jobs      int    `toml:"jobs"`
}

// applyDefaults fills in what flanterm itself needs, so a bare [package]
// section is a complete manifest
func (c *Config) applyDefaults() {
	if c.Package.Name == "" {
		c.Package.Name = "flanterm"
	}
	n := &c.Native
	if n.Path == "" {
		n.Path = "flanterm"
	}
	if n.Marker == "" {
		n.Marker = "README.md"
	}
	if n.Sources == nil {
		n.Sources = []string{"src/flanterm.c", "src/flanterm_backends/fb.c"}
	}
	b := &c.Bindings
	if b.Header == "" {
		b.Header = "wrapper.h"
	}
	if b.Output == "" {
		b.Output = "bindings.go"
	}
	if b.Package == "" {
		b.Package = c.Package.Name
	}
	if c.Build.Generator == "" {
		c.Build.Generator = GeneratorDirect
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (c *Config) validate() error {
	var errs []error
	if !identRe.MatchString(c.Package.Name) {
		errs = append(errs, fmt.Errorf("package.name %q must be a C identifier", c.Package.Name))
	}
	if !identRe.MatchString(c.Bindings.Package) {
		errs = append(errs, fmt.Errorf("bindings.package %q must be a Go identifier", c.Bindings.Package))
	}
	if len(c.Native.Sources) == 0 {
		errs = append(errs, errors.New("native.sources is empty"))
	}
	if c.Native.Strip < 0 {
		errs = append(errs, errors.New("native.strip must not be negative"))
	}
	switch c.Build.Generator {
	case GeneratorDirect, GeneratorNinja:
	default:
		errs = append(errs, fmt.Errorf("unknown build.generator %q", c.Build.Generator))
	}
	for _, name := range c.Profiles() {
		if err := c.Profile[name].check(); err != nil {
			errs = append(errs, fmt.Errorf("profile.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ParseConfig decodes a manifest. Strings are interpolated first, then the
// conditional [native] and [bindings] subtables that hold under env are
// merged into their base sections.
func ParseConfig(r io.Reader, env ConfigEnv) (*Config, error) {
	var raw map[string]any
	if err := toml.NewDecoder(r).Decode(&raw); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			return nil, errors.New(derr.String())
		}
		return nil, err
	}
	if _, err := interpolateTree(raw, env); err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigFile, err)
	}

	cfg := &Config{Profile: maps.Clone(defaultProfiles)}
	plain := []struct {
		name string
		dst  any
	}{
		{"package", &cfg.Package},
		{"build", &cfg.Build},
		{"profile", &cfg.Profile},
	}
	for _, s := range plain {
		if v, ok := raw[s.name]; ok {
			if err := decodeTable(v, s.dst); err != nil {
				return nil, fmt.Errorf("[%s]: %w", s.name, err)
			}
		}
	}
	if err := decodeSection(raw, "native", &cfg.Native, env); err != nil {
		return nil, err
	}
	if err := decodeSection(raw, "bindings", &cfg.Bindings, env); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ConfigFile, err)
	}
	return cfg, nil
}

// ParseConfigFromFile parses and validates a config file from a filepath
func ParseConfigFromFile(path string, env ConfigEnv) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseConfig(bufio.NewReader(f), env)
}

// decodeTable re-encodes a generic TOML value and decodes it into dst
func decodeTable(v, dst any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	return toml.Unmarshal(data, dst)
}
