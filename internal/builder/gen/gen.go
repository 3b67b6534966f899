package gen

import (
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/qobs-build/ftbind/internal/msg"
)

var ErrCompile = errors.New("native compilation failed")

// Generator builds static libraries out of C sources, either directly or by
// emitting a build file for another tool
type Generator interface {
	SetToolchain(cc, ar string)
	AddTarget(name, basedir string, sources, cflags []string)
	Generate() string
	BuildFile() string
	Invoke(buildDir string) error
}

// sourceFile represents a single source file and its object file path,
// relative to the build directory
type sourceFile struct {
	src string
	obj string
}

// libTarget is one static archive, `lib<name>.a`
type libTarget struct {
	name    string
	basedir string
	sources []sourceFile
	cflags  []string
}

func (t *libTarget) archive() string { return ArchiveName(t.name) }

// ArchiveName returns the file name of the static archive for a library
func ArchiveName(name string) string { return "lib" + name + ".a" }

func newLibTarget(name, basedir string, sources, cflags []string) libTarget {
	t := libTarget{
		name:    name,
		basedir: basedir,
		sources: make([]sourceFile, 0, len(sources)),
		cflags:  cflags,
	}
	for _, src := range sources {
		rel, err := filepath.Rel(basedir, src)
		if err != nil || strings.HasPrefix(rel, "..") {
			rel = filepath.Base(src)
			msg.Warn("source file %s is outside of base directory %s", src, basedir)
		}
		t.sources = append(t.sources, sourceFile{
			src: src,
			obj: filepath.Join("obj", name, rel+".o"),
		})
	}
	return t
}

// runCommand runs a toolchain process; tests replace it
var runCommand = func(cmd *exec.Cmd) error { return cmd.Run() }

// deterministicEnv makes ar (and ld64-style archivers) write zero
// timestamps, uids and gids
func deterministicEnv(env []string) []string {
	return append(env, "ZERO_AR_DATE=1")
}
