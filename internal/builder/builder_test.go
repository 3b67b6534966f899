package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/qobs-build/ftbind/internal/bindgen"
	"github.com/qobs-build/ftbind/internal/builder/gen"
	"github.com/qobs-build/ftbind/internal/fetch"
	"github.com/qobs-build/ftbind/internal/target"
)

const testManifest = `
[package]
name = "flanterm"

[native]
compiler = "clang"
ar = "llvm-ar"
include = ["src"]
cflags = ["-Wall"]

[native.defines]
FLANTERM_IN_FLANTERM = ""

[build]
out-dir = "out"
`

const testPreprocessed = `# 1 "wrapper.h"
# 1 "<built-in>" 1
# 1 "<built-in>" 3
#define __STDC__ 1
# 1 "wrapper.h" 2
#define FLANTERM_CB_DEC 10
struct flanterm_context;
void flanterm_write(struct flanterm_context *ctx, const char *buf, unsigned long count);
`

type fakeGenerator struct {
	cc, ar  string
	name    string
	sources []string
	cflags  []string
	err     error
	invoked bool
}

func (g *fakeGenerator) SetToolchain(cc, ar string) { g.cc, g.ar = cc, ar }

func (g *fakeGenerator) AddTarget(name, basedir string, sources, cflags []string) {
	g.name, g.sources, g.cflags = name, sources, cflags
}

func (g *fakeGenerator) Generate() string  { return "" }
func (g *fakeGenerator) BuildFile() string { return "" }

func (g *fakeGenerator) Invoke(buildDir string) error {
	g.invoked = true
	if g.err != nil {
		return g.err
	}
	return os.WriteFile(filepath.Join(buildDir, gen.ArchiveName(g.name)), []byte("!<arch>\n"), 0644)
}

type fakePreprocessor struct {
	calls int
	args  []string
	out   string
}

func (p *fakePreprocessor) Preprocess(header string, args []string) ([]byte, error) {
	p.calls++
	p.args = args
	return []byte(p.out), nil
}

type markerFetcher struct{ calls int }

func (f *markerFetcher) Fetch(b fetch.Bundle) error {
	f.calls++
	if err := os.MkdirAll(b.Dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.Dir, b.Marker), []byte("# flanterm\n"), 0644)
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
}

// newProject lays out a project with a checked out flanterm bundle
func newProject(t *testing.T, manifest string) string {
	t.Helper()
	t.Setenv("FTBIND_TARGET", "")
	t.Setenv("TARGET", "")
	t.Setenv("OUT_DIR", "")

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFile), manifest)
	writeFile(t, filepath.Join(dir, "wrapper.h"), "#include \"flanterm/src/flanterm.h\"\n")
	writeFile(t, filepath.Join(dir, "flanterm", "README.md"), "# flanterm\n")
	writeFile(t, filepath.Join(dir, "flanterm", "src", "flanterm.c"), "int a;\n")
	writeFile(t, filepath.Join(dir, "flanterm", "src", "flanterm_backends", "fb.c"), "int b;\n")
	return dir
}

func TestBuildPipeline(t *testing.T) {
	dir := newProject(t, testManifest)
	g := &fakeGenerator{}
	pp := &fakePreprocessor{out: testPreprocessed}

	b, err := NewBuilderInDirectory(dir, Options{
		Target:       "x86_64-unknown-none",
		Generator:    g,
		Preprocessor: pp,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	bundle := filepath.Join(dir, "flanterm")
	wantSources := []string{
		filepath.Join(bundle, "src", "flanterm.c"),
		filepath.Join(bundle, "src", "flanterm_backends", "fb.c"),
	}
	if !slices.Equal(g.sources, wantSources) {
		t.Errorf("sources = %v, want %v", g.sources, wantSources)
	}
	if g.cc != "clang" || g.ar != "llvm-ar" {
		t.Errorf("toolchain = %s, %s", g.cc, g.ar)
	}

	wantFlags := []string{
		"--target=x86_64-unknown-none",
		"-O2",
		"-nostdlib", "-ffreestanding", "-fno-stack-protector", "-fno-PIC", "-fno-PIE",
		"-DFLANTERM_FB_DISABLE_BUMP_ALLOC",
		"-DFLANTERM_IN_FLANTERM",
		"-I" + filepath.Join(bundle, "src"),
		"-mno-red-zone", "-mcmodel=kernel", "-mgeneral-regs-only",
		"-Wall",
	}
	if !slices.Equal(g.cflags, wantFlags) {
		t.Errorf("cflags =\n%v\nwant\n%v", g.cflags, wantFlags)
	}

	out := filepath.Join(dir, "out")
	src, err := os.ReadFile(filepath.Join(out, "bindings.go"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"package flanterm", "FLANTERM_CB_DEC = 10", "func flanterm_write("} {
		if !strings.Contains(string(src), want) {
			t.Errorf("bindings lack %q:\n%s", want, src)
		}
	}
	if !slices.Contains(pp.args, "--target=x86_64-unknown-none") || !slices.Contains(pp.args, "-ffreestanding") {
		t.Errorf("preprocessor args = %v", pp.args)
	}

	data, err := os.ReadFile(filepath.Join(out, LinkRecordFile))
	if err != nil {
		t.Fatal(err)
	}
	var rec LinkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Archive != filepath.Join(out, "libflanterm.a") || rec.Target != "x86_64-unknown-none" || rec.Profile != "release" {
		t.Errorf("link record = %+v", rec)
	}
	if len(rec.Sources) != 2 || rec.Sources["src/flanterm.c"] == "" {
		t.Errorf("source digests = %v", rec.Sources)
	}
	if len(rec.Requires) != 2 || rec.Requires[0].Symbol != "_malloc" || rec.Requires[1].Symbol != "_free" {
		t.Errorf("requires = %+v", rec.Requires)
	}
	if rec.Fingerprint == "" {
		t.Error("empty fingerprint")
	}
}

func TestBuildBindingsStayInOutDir(t *testing.T) {
	dir := newProject(t, testManifest+"\n[bindings]\noutput = \"../../escape.go\"\n")
	b, err := NewBuilderInDirectory(dir, Options{
		Target:       "x86_64-unknown-none",
		Generator:    &fakeGenerator{},
		Preprocessor: &fakePreprocessor{out: testPreprocessed},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, outside := range []string{filepath.Join(dir, "escape.go"), filepath.Join(filepath.Dir(dir), "escape.go")} {
		if _, err := os.Stat(outside); err == nil {
			t.Errorf("bindings written outside the out dir: %s", outside)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "escape.go")); err != nil {
		t.Errorf("bindings not confined to the out dir: %v", err)
	}
}

func TestBuildStopsAfterCompileFailure(t *testing.T) {
	dir := newProject(t, testManifest)
	out := filepath.Join(dir, "out")

	// leftovers from an earlier successful run
	writeFile(t, filepath.Join(out, "bindings.go"), "package flanterm\n")
	writeFile(t, filepath.Join(out, "libflanterm.a"), "!<arch>\n")
	writeFile(t, filepath.Join(out, LinkRecordFile), "{}\n")

	g := &fakeGenerator{err: fmt.Errorf("%w: fb.c: exit status 1", gen.ErrCompile)}
	pp := &fakePreprocessor{out: testPreprocessed}
	b, err := NewBuilderInDirectory(dir, Options{Target: "riscv64", Generator: g, Preprocessor: pp})
	if err != nil {
		t.Fatal(err)
	}

	err = b.Build()
	if !errors.Is(err, gen.ErrCompile) {
		t.Fatalf("error = %v, want ErrCompile", err)
	}
	if pp.calls != 0 {
		t.Error("bindings were generated after a compile failure")
	}
	for _, name := range []string{"bindings.go", "libflanterm.a", LinkRecordFile} {
		if _, err := os.Stat(filepath.Join(out, name)); !os.IsNotExist(err) {
			t.Errorf("%s left behind after a failed build", name)
		}
	}
}

func TestBuildParseFailure(t *testing.T) {
	dir := newProject(t, testManifest)
	g := &fakeGenerator{}
	pp := &fakePreprocessor{out: "# 1 \"wrapper.h\"\nstruct flanterm_context {\n"}
	b, err := NewBuilderInDirectory(dir, Options{Target: "aarch64", Generator: g, Preprocessor: pp})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Build(); !errors.Is(err, bindgen.ErrParse) {
		t.Fatalf("error = %v, want ErrParse", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "bindings.go")); !os.IsNotExist(err) {
		t.Error("bindings written despite a parse failure")
	}
	if _, err := os.Stat(filepath.Join(dir, "out", LinkRecordFile)); !os.IsNotExist(err) {
		t.Error("link record written despite a parse failure")
	}
}

func TestBuildFetchesMissingBundle(t *testing.T) {
	dir := newProject(t, testManifest)
	if err := os.Remove(filepath.Join(dir, "flanterm", "README.md")); err != nil {
		t.Fatal(err)
	}

	f := &markerFetcher{}
	b, err := NewBuilderInDirectory(dir, Options{
		Target:       "x86_64",
		Fetcher:      f,
		Generator:    &fakeGenerator{},
		Preprocessor: &fakePreprocessor{out: testPreprocessed},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Build(); err != nil {
		t.Fatal(err)
	}
	if err := b.Build(); err != nil {
		t.Fatal(err)
	}
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", f.calls)
	}
}

func TestBuildMissingSource(t *testing.T) {
	dir := newProject(t, testManifest)
	if err := os.Remove(filepath.Join(dir, "flanterm", "src", "flanterm_backends", "fb.c")); err != nil {
		t.Fatal(err)
	}

	g := &fakeGenerator{}
	b, err := NewBuilderInDirectory(dir, Options{Target: "x86_64", Generator: g, Preprocessor: &fakePreprocessor{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Build(); !errors.Is(err, fetch.ErrMissingDependency) {
		t.Fatalf("error = %v, want ErrMissingDependency", err)
	}
	if g.invoked {
		t.Error("compiled with an incomplete manifest")
	}
}

func TestBuildEnvironment(t *testing.T) {
	t.Run("no target", func(t *testing.T) {
		dir := newProject(t, testManifest)
		b, err := NewBuilderInDirectory(dir, Options{})
		if err != nil {
			t.Fatal(err)
		}
		err = b.Build()
		if !errors.Is(err, ErrEnvironment) || !errors.Is(err, target.ErrNoTarget) {
			t.Fatalf("error = %v, want ErrEnvironment and ErrNoTarget", err)
		}
	})

	t.Run("no out dir", func(t *testing.T) {
		dir := newProject(t, "[package]\nname = \"flanterm\"\n")
		b, err := NewBuilderInDirectory(dir, Options{Target: "x86_64"})
		if err != nil {
			t.Fatal(err)
		}
		if err := b.Build(); !errors.Is(err, ErrEnvironment) {
			t.Fatalf("error = %v, want ErrEnvironment", err)
		}
	})

	t.Run("target from environment", func(t *testing.T) {
		dir := newProject(t, testManifest)
		t.Setenv("TARGET", "riscv64gc-unknown-none-elf")
		t.Setenv("FTBIND_TARGET", "aarch64-unknown-none")
		b, err := NewBuilderInDirectory(dir, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if got := b.Target().String(); got != "aarch64-unknown-none" {
			t.Errorf("target = %s, want the $FTBIND_TARGET one", got)
		}
	})

	t.Run("OUT_DIR", func(t *testing.T) {
		dir := newProject(t, testManifest)
		out := t.TempDir()
		t.Setenv("OUT_DIR", out)
		b, err := NewBuilderInDirectory(dir, Options{Target: "x86_64"})
		if err != nil {
			t.Fatal(err)
		}
		if b.OutDir() != out {
			t.Errorf("out dir = %s, want %s", b.OutDir(), out)
		}
	})
}

func TestTargetFromManifestSelectsSections(t *testing.T) {
	dir := newProject(t, testManifest+`target = "riscv64-unknown-none-elf"

[native.'target_family == "riscv64"']
cflags = ["-mcmodel=medany"]
`)
	g := &fakeGenerator{}
	b, err := NewBuilderInDirectory(dir, Options{Generator: g, Preprocessor: &fakePreprocessor{out: testPreprocessed}})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Build(); err != nil {
		t.Fatal(err)
	}

	n := len(g.cflags)
	if n < 4 || !slices.Equal(g.cflags[n-4:], []string{"-march=rv64gc", "-mabi=lp64d", "-Wall", "-mcmodel=medany"}) {
		t.Errorf("cflags = %v", g.cflags)
	}
	if slices.Contains(g.cflags, "-mgeneral-regs-only") {
		t.Error("riscv64 got -mgeneral-regs-only")
	}
}

func TestExpandManifest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"src/b.c", "src/a.c", "src/backends/fb.c", "src/flanterm.h"} {
		writeFile(t, filepath.Join(dir, name), "")
	}

	m, err := expandManifest(dir, []string{"src/backends/fb.c", "src/*.c", "src/**/*.c"})
	if err != nil {
		t.Fatal(err)
	}
	want := Manifest{
		filepath.Join(dir, "src", "backends", "fb.c"),
		filepath.Join(dir, "src", "a.c"),
		filepath.Join(dir, "src", "b.c"),
	}
	if !slices.Equal(m, want) {
		t.Errorf("manifest = %v, want %v", m, want)
	}

	if _, err := expandManifest(dir, []string{"src/missing.c"}); !errors.Is(err, fetch.ErrMissingDependency) {
		t.Errorf("missing literal: error = %v", err)
	}
	if _, err := expandManifest(dir, []string{"lib/*.c"}); !errors.Is(err, fetch.ErrMissingDependency) {
		t.Errorf("empty glob: error = %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	u := &CompileUnit{Name: "flanterm", Flags: []string{"-O2"}, Target: target.Target{Arch: "x86_64"}}
	digests := map[string]string{"src/flanterm.c": "aa", "src/fb.c": "bb"}

	a := u.Fingerprint(digests)
	if b := u.Fingerprint(map[string]string{"src/fb.c": "bb", "src/flanterm.c": "aa"}); a != b {
		t.Error("fingerprint depends on map order")
	}
	if a.Version() != 5 {
		t.Errorf("fingerprint version = %d, want 5", a.Version())
	}

	u.Flags = []string{"-O0"}
	if u.Fingerprint(digests) == a {
		t.Error("fingerprint ignores flags")
	}
}

func TestDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	writeFile(t, path, "")
	sum, err := Digest(path)
	if err != nil {
		t.Fatal(err)
	}
	// BLAKE3 of the empty input
	if sum != "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262" {
		t.Errorf("Digest = %s", sum)
	}
}
