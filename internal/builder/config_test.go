package builder

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/qobs-build/ftbind/internal/target"
)

func mustTarget(t *testing.T, s string) target.Target {
	t.Helper()
	tgt, err := target.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return tgt
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader("[package]\nname = \"flanterm\"\n"), NewConfigEnv(t.TempDir(), target.Target{}))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Native.Path != "flanterm" || cfg.Native.Marker != "README.md" {
		t.Errorf("bundle = %s/%s", cfg.Native.Path, cfg.Native.Marker)
	}
	if !slices.Equal(cfg.Native.Sources, []string{"src/flanterm.c", "src/flanterm_backends/fb.c"}) {
		t.Errorf("sources = %v", cfg.Native.Sources)
	}
	if cfg.Bindings.Header != "wrapper.h" || cfg.Bindings.Output != "bindings.go" || cfg.Bindings.Package != "flanterm" {
		t.Errorf("bindings = %+v", cfg.Bindings)
	}
	if cfg.Bindings.PrependEnumName {
		t.Error("enumerators are prefixed by default")
	}
	if cfg.Build.Generator != GeneratorDirect {
		t.Errorf("generator = %q", cfg.Build.Generator)
	}
	if !slices.Equal(cfg.Profiles(), []string{"debug", "release"}) {
		t.Errorf("profiles = %v", cfg.Profiles())
	}
}

func TestParseConfigProfiles(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(`
[profile.release]
opt-level = "s"

[profile.kernel]
opt-level = 3
debug = true
`), NewConfigEnv(t.TempDir(), target.Target{}))
	if err != nil {
		t.Fatal(err)
	}

	if got := cfg.Profile["release"].Opt(); got != "s" {
		t.Errorf("release opt-level = %q", got)
	}
	kernel := cfg.Profile["kernel"]
	if kernel.Opt() != "3" || !kernel.Debug {
		t.Errorf("kernel profile = %+v", kernel)
	}
	if debug := cfg.Profile["debug"]; !debug.Debug || debug.Opt() != "" {
		t.Errorf("builtin debug profile = %+v", debug)
	}
}

func TestConditionalSections(t *testing.T) {
	manifest := `
[native]
cflags = ["-Wall"]

[native.defines]
FLANTERM_IN_FLANTERM = ""

[native.'target_family == "riscv64"']
cflags = ["-mcmodel=medany"]

[native.'pointer_width == 32']
defines = { FLANTERM_32BIT = "1" }

[bindings.'target_family == "aarch64"']
build-tags = ["arm64"]
`
	tests := []struct {
		target  string
		cflags  []string
		defines []string
		tags    []string
	}{
		{"riscv64", []string{"-Wall", "-mcmodel=medany"}, []string{"FLANTERM_IN_FLANTERM"}, nil},
		{"i686-unknown-none", []string{"-Wall"}, []string{"FLANTERM_32BIT", "FLANTERM_IN_FLANTERM"}, nil},
		{"aarch64", []string{"-Wall"}, []string{"FLANTERM_IN_FLANTERM"}, []string{"arm64"}},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			cfg, err := ParseConfig(strings.NewReader(manifest), NewConfigEnv(t.TempDir(), mustTarget(t, tt.target)))
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(cfg.Native.Cflags, tt.cflags) {
				t.Errorf("cflags = %v, want %v", cfg.Native.Cflags, tt.cflags)
			}
			defines := make([]string, 0, len(cfg.Native.Defines))
			for k := range cfg.Native.Defines {
				defines = append(defines, k)
			}
			slices.Sort(defines)
			if !slices.Equal(defines, tt.defines) {
				t.Errorf("defines = %v, want %v", defines, tt.defines)
			}
			if !slices.Equal(cfg.Bindings.BuildTags, tt.tags) {
				t.Errorf("build tags = %v, want %v", cfg.Bindings.BuildTags, tt.tags)
			}
		})
	}
}

func TestInterpolation(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(`
[native]
cflags = ["-DFT_ARCH={{ target_arch }}", "-DFT_PTR={{ pointer_width }}"]
`), NewConfigEnv(t.TempDir(), mustTarget(t, "x86_64-unknown-none")))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(cfg.Native.Cflags, []string{"-DFT_ARCH=x86_64", "-DFT_PTR=64"}) {
		t.Errorf("cflags = %v", cfg.Native.Cflags)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	for name, manifest := range map[string]string{
		"syntax":       "[package\n",
		"package name": "[package]\nname = \"flan-term\"\n",
		"generator":    "[build]\ngenerator = \"vs2022\"\n",
		"strip":        "[native]\nstrip = -1\n",
		"opt-level":    "[profile.release]\nopt-level = 7\n",
		"section":      "native = \"flanterm\"\n",
		"expression":   "[native]\npath = \"{{ nope( }}\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig(strings.NewReader(manifest), NewConfigEnv(t.TempDir(), target.Target{})); err == nil {
				t.Error("invalid manifest accepted")
			}
		})
	}
}

func TestBuildScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "flanterm", "src", "flanterm.c"), "#define FLANTERM_SCROLL 1\n")

	cfg, err := ParseConfig(strings.NewReader(`
[package]
name = "flanterm"
build = '''
Exists("flanterm/src/flanterm.c") &&
Patch("flanterm/src/flanterm.c", "@@ -1,26 +1,26 @@\n #define FLANTERM_SCROLL \n-1\n+0\n %0A\n") &&
ReadFile("flanterm/src/flanterm.c") == "#define FLANTERM_SCROLL 0\n"
'''
`), NewConfigEnv(dir, target.Target{}))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.RunBuildScript(NewConfigEnv(dir, target.Target{})); err != nil {
		t.Fatalf("RunBuildScript: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "flanterm", "src", "flanterm.c"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "#define FLANTERM_SCROLL 0\n" {
		t.Errorf("patched source = %q", data)
	}
}

func TestBuildScriptFailures(t *testing.T) {
	dir := t.TempDir()
	for name, script := range map[string]string{
		"false":   `Exists("missing.c")`,
		"escape":  `ReadFile("../../etc/passwd") != ""`,
		"compile": `Exists(`,
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Config{Package: PackageSection{Name: "flanterm", Build: script}}
			if err := cfg.RunBuildScript(NewConfigEnv(dir, target.Target{})); err == nil {
				t.Error("build script succeeded")
			}
		})
	}
}
