package gen

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/qobs-build/ftbind/internal/msg"
	"golang.org/x/sync/errgroup"
)

// compileJob represents a single compilation job
type compileJob struct {
	src    string
	obj    string
	cflags []string
	cc     string
}

// archiveJob represents archiving one target's objects
type archiveJob struct {
	objs []string
	out  string
	ar   string
}

// DirectGen runs the toolchain itself: objects in parallel, then one
// deterministic `ar` per target. There is no incremental state; every
// invocation recompiles everything.
type DirectGen struct {
	cc, ar  string
	targets []libTarget
	jobs    int

	Stdout io.Writer
	Stderr io.Writer
}

func NewDirectGen(jobs int) *DirectGen {
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	return &DirectGen{jobs: jobs, Stdout: os.Stdout, Stderr: os.Stderr}
}

func (g *DirectGen) SetToolchain(cc, ar string) {
	g.cc, g.ar = cc, ar
}

func (g *DirectGen) BuildFile() string { return "" }

func (g *DirectGen) Generate() string {
	return "" // no build file needed
}

// AddTarget adds a static library to the build, keeping source order
func (g *DirectGen) AddTarget(name, basedir string, sources, cflags []string) {
	g.targets = append(g.targets, newLibTarget(name, basedir, sources, cflags))
}

// Invoke performs the actual build
func (g *DirectGen) Invoke(buildDir string) error {
	if err := writeCompileCommands(buildDir, g.cc, g.targets); err != nil {
		msg.Warn("failed to write compile_commands.json: %v", err)
	}

	for _, target := range g.targets {
		compileJobs, job := g.plan(buildDir, target)

		if err := runJobs(compileJobs, g.runCompileJob, g.jobs); err != nil {
			return err
		}
		if err := g.runArchiveJob(job); err != nil {
			return err
		}
	}
	return nil
}

func (g *DirectGen) plan(buildDir string, target libTarget) ([]compileJob, archiveJob) {
	jobs := make([]compileJob, len(target.sources))
	objs := make([]string, len(target.sources))
	for i, src := range target.sources {
		objs[i] = filepath.Join(buildDir, src.obj)
		jobs[i] = compileJob{src: src.src, obj: objs[i], cflags: target.cflags, cc: g.cc}
	}
	return jobs, archiveJob{objs: objs, out: filepath.Join(buildDir, target.archive()), ar: g.ar}
}

// runJobs runs jobs in parallel, stopping at the first failure
func runJobs[T any](jobs []T, jobfunc func(job T) error, limit int) error {
	if len(jobs) == 0 {
		return nil
	}

	eg, _ := errgroup.WithContext(context.Background())
	eg.SetLimit(limit)

	for _, job := range jobs {
		eg.Go(func() error {
			return jobfunc(job)
		})
	}

	return eg.Wait()
}

func compileArgs(job compileJob) []string {
	args := make([]string, 0, len(job.cflags)+4)
	args = append(args, job.cflags...)
	return append(args, "-c", job.src, "-o", job.obj)
}

// runCompileJob runs a single compilation job
func (g *DirectGen) runCompileJob(job compileJob) error {
	if err := os.MkdirAll(filepath.Dir(job.obj), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	cmd := exec.Command(job.cc, compileArgs(job)...)
	cmd.Stdout = g.Stdout
	cmd.Stderr = g.Stderr

	msg.Status("Compiling", "%s", job.src)
	if err := runCommand(cmd); err != nil {
		os.Remove(job.obj)
		return fmt.Errorf("%w: %s: %v", ErrCompile, job.src, err)
	}
	return nil
}

// runArchiveJob archives into a temporary file and renames it over the
// final path, so a failed run never leaves a half-written archive
func (g *DirectGen) runArchiveJob(job archiveJob) error {
	tmp := job.out + ".tmp"
	os.Remove(tmp)

	args := append([]string{"crsD", tmp}, job.objs...)
	cmd := exec.Command(job.ar, args...)
	cmd.Env = deterministicEnv(os.Environ())
	cmd.Stdout = g.Stdout
	cmd.Stderr = g.Stderr

	msg.Status("Archiving", "%s", filepath.Base(job.out))
	if err := runCommand(cmd); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %v", ErrCompile, filepath.Base(job.out), err)
	}
	if err := os.Rename(tmp, job.out); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
