package builder

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/qobs-build/ftbind/internal/builder/gen"
	"github.com/qobs-build/ftbind/internal/fetch"
	"github.com/qobs-build/ftbind/internal/target"
	"lukechampine.com/blake3"
)

// UniversalFlags are passed to every translation unit regardless of target.
// The bump allocator is disabled, so consumers must hand flanterm_fb_init a
// working _malloc and _free.
var UniversalFlags = []string{
	"-nostdlib",
	"-ffreestanding",
	"-fno-stack-protector",
	"-fno-PIC",
	"-fno-PIE",
	"-DFLANTERM_FB_DISABLE_BUMP_ALLOC",
}

// fingerprintSpace namespaces compile unit fingerprints
var fingerprintSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/qobs-build/ftbind#compile-unit"))

// Manifest is the ordered list of absolute source paths of a bundle
type Manifest []string

// expandManifest resolves bundle-relative patterns. Each pattern expands in
// lexical order, patterns keep their relative order, and a path matched by
// more than one pattern is listed once.
func expandManifest(bundleDir string, patterns []string) (Manifest, error) {
	fsys := os.DirFS(bundleDir)
	seen := make(map[string]bool)
	var m Manifest

	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			m = append(m, p)
		}
	}

	for _, pat := range patterns {
		pat = filepath.ToSlash(pat)
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid source pattern %q", pat)
		}

		// literal paths must exist, there is nothing to glob
		if !strings.ContainsAny(pat, "*?[{") {
			full := filepath.Join(bundleDir, filepath.FromSlash(pat))
			stat, err := os.Stat(full)
			if err != nil || !stat.Mode().IsRegular() {
				return nil, fmt.Errorf("%w: source %s not found in %s", fetch.ErrMissingDependency, pat, bundleDir)
			}
			add(full)
			continue
		}

		matches, err := doublestar.Glob(fsys, pat, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("while globbing %q: %w", pat, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: pattern %s matches nothing in %s", fetch.ErrMissingDependency, pat, bundleDir)
		}
		slices.Sort(matches)
		for _, match := range matches {
			add(filepath.Join(bundleDir, filepath.FromSlash(match)))
		}
	}

	return m, nil
}

// CompileUnit is everything a compile driver needs to build one archive
type CompileUnit struct {
	Name     string
	BaseDir  string
	Manifest Manifest
	Flags    []string
	Target   target.Target
}

// Archive returns the archive file name of the unit
func (u *CompileUnit) Archive() string { return gen.ArchiveName(u.Name) }

// compileFlags assembles the flag list in a fixed order: target triple,
// profile, universal flags, defines, includes, target profile flags, extra
// cflags
func compileFlags(cfg *Config, prof ProfileSection, t target.Target, cc, bundleDir string) []string {
	var flags []string

	if triple := t.ClangTarget(); triple != "" && isClang(cc) {
		flags = append(flags, "--target="+triple)
	}

	if opt := prof.Opt(); opt != "" {
		flags = append(flags, "-O"+opt)
	}
	if prof.Debug {
		flags = append(flags, "-g")
	}

	flags = append(flags, UniversalFlags...)

	for _, name := range slices.Sorted(maps.Keys(cfg.Native.Defines)) {
		if v := cfg.Native.Defines[name]; v != "" {
			flags = append(flags, "-D"+name+"="+v)
		} else {
			flags = append(flags, "-D"+name)
		}
	}

	for _, inc := range cfg.Native.Include {
		flags = append(flags, "-I"+filepath.Join(bundleDir, filepath.FromSlash(inc)))
	}

	flags = append(flags, t.Flags()...)
	return append(flags, cfg.Native.Cflags...)
}

func isClang(cc string) bool {
	return strings.Contains(filepath.Base(cc), "clang")
}

// Digest is the hex BLAKE3-256 digest of a file
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Digests hashes every manifest entry, keyed by its path relative to base
func (u *CompileUnit) Digests() (map[string]string, error) {
	digests := make(map[string]string, len(u.Manifest))
	for _, src := range u.Manifest {
		sum, err := Digest(src)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(u.BaseDir, src)
		if err != nil {
			rel = src
		}
		digests[filepath.ToSlash(rel)] = sum
	}
	return digests, nil
}

// Fingerprint identifies the unit by its flags, target and source contents.
// Two units with the same fingerprint produce the same archive.
func (u *CompileUnit) Fingerprint(digests map[string]string) uuid.UUID {
	var sb strings.Builder
	sb.WriteString(u.Name)
	sb.WriteByte(0)
	sb.WriteString(u.Target.String())
	sb.WriteByte(0)
	for _, f := range u.Flags {
		sb.WriteString(f)
		sb.WriteByte(0)
	}
	for _, name := range slices.Sorted(maps.Keys(digests)) {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(digests[name])
		sb.WriteByte(0)
	}
	return uuid.NewSHA1(fingerprintSpace, []byte(sb.String()))
}
