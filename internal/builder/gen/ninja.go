package gen

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/qobs-build/ftbind/internal/msg"
)

type NinjaGen struct {
	cc, ar  string
	targets []libTarget
	jobs    int

	Stdout io.Writer
	Stderr io.Writer
}

func NewNinjaGen(jobs int) *NinjaGen {
	return &NinjaGen{jobs: jobs, Stdout: os.Stdout, Stderr: os.Stderr}
}

func (g *NinjaGen) SetToolchain(cc, ar string) {
	g.cc, g.ar = cc, ar
}

func (g *NinjaGen) BuildFile() string { return "build.ninja" }

var ninjaPathEscaper = strings.NewReplacer("$", "$$", ":", "$:", " ", "$ ", "\n", "$\n")

func quote(s string) string { return ninjaPathEscaper.Replace(s) }

// shellQuote quotes a single argument for the POSIX shell ninja runs
// commands through
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`*?[]#~;&|<>(){}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	// `$` must survive ninja's own variable expansion
	return strings.ReplaceAll(strings.Join(quoted, " "), "$", "$$")
}

// AddTarget adds a static library to the build graph
func (g *NinjaGen) AddTarget(name, basedir string, sources, cflags []string) {
	g.targets = append(g.targets, newLibTarget(name, basedir, sources, cflags))
}

// ninjaFile accumulates build.ninja statements
type ninjaFile struct {
	strings.Builder
}

func (f *ninjaFile) line(parts ...string) {
	for _, p := range parts {
		f.WriteString(p)
	}
	f.WriteByte('\n')
}

func (f *ninjaFile) rule(name, command, description string) {
	f.line("rule ", name)
	f.line("  command = ", command)
	f.line("  description = ", description)
}

func (g *NinjaGen) Generate() string {
	var f ninjaFile

	f.line("ninja_required_version = 1.3")
	f.line("cc = ", shellJoin([]string{g.cc}))
	f.line("ar = ", shellJoin([]string{g.ar}))
	f.line()

	f.rule("cc", "$cc $cflags -c $in -o $out", "CC $in")
	// D: zero timestamps in the archive
	f.rule("ar", "$ar crsD $out.tmp $in && mv -f $out.tmp $out", "AR $out")
	f.line()

	for _, target := range g.targets {
		objs := make([]string, len(target.sources))
		for i, source := range target.sources {
			objs[i] = quote(filepath.ToSlash(source.obj))
			f.line("build ", objs[i], ": cc ", quote(source.src))
			f.line("  cflags = ", shellJoin(target.cflags))
		}

		// archive in source order
		f.line("build ", quote(target.archive()), ": ar ", strings.Join(objs, " "))
		f.line()
	}

	if len(g.targets) > 0 {
		defaults := make([]string, len(g.targets))
		for i, target := range g.targets {
			defaults[i] = quote(target.archive())
		}
		f.line("default ", strings.Join(defaults, " "))
	}

	return f.String()
}

func (g *NinjaGen) Invoke(buildDir string) error {
	if err := writeCompileCommands(buildDir, g.cc, g.targets); err != nil {
		msg.Warn("failed to write compile_commands.json: %v", err)
	}

	ninja, err := exec.LookPath("ninja")
	if err != nil {
		return fmt.Errorf("%w: ninja not found on PATH", ErrCompile)
	}

	args := []string{"-C", buildDir}
	if g.jobs > 0 {
		args = append(args, fmt.Sprintf("-j%d", g.jobs))
	}
	cmd := exec.Command(ninja, args...)
	cmd.Env = deterministicEnv(os.Environ())
	cmd.Stdout = g.Stdout
	cmd.Stderr = g.Stderr

	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("%w: ninja: %v", ErrCompile, err)
	}
	return nil
}
