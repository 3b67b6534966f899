package builder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/qobs-build/ftbind/internal/bindgen"
	"github.com/qobs-build/ftbind/internal/builder/gen"
	"github.com/qobs-build/ftbind/internal/fetch"
	"github.com/qobs-build/ftbind/internal/msg"
	"github.com/qobs-build/ftbind/internal/target"
)

var ErrEnvironment = errors.New("misconfigured build environment")

const DefaultProfile = "release"

// Options are the per-invocation settings; they take precedence over the
// environment and over Ftbind.toml
type Options struct {
	Target      string
	OutDir      string
	Profile     string
	Gen         string // generator name, overrides [build] generator
	FetcherKind string // fetch.KindGoGit or fetch.KindGit
	Jobs        int

	// Replacements for the real fetcher, compile driver and C preprocessor.
	// nil selects the one the manifest asks for.
	Fetcher      fetch.Fetcher
	Generator    gen.Generator
	Preprocessor bindgen.Preprocessor
}

type Builder struct {
	cfg     *Config
	basedir string
	env     ConfigEnv
	opts    Options

	target    target.Target
	targetErr error
	outDir    string
}

// lookupTarget returns the first target given on the command line or in the
// environment
func lookupTarget(opts Options) string {
	for _, t := range []string{opts.Target, os.Getenv("FTBIND_TARGET"), os.Getenv("TARGET")} {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return ""
}

// NewBuilderInDirectory loads the project at path. A missing target or output
// directory is only reported once something needs them, so the bundle can be
// fetched without either.
func NewBuilderInDirectory(path string, opts Options) (*Builder, error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfgPath := filepath.Join(path, ConfigFile)

	b := &Builder{basedir: path, opts: opts}

	targetStr := lookupTarget(opts)
	if targetStr != "" {
		if b.target, err = target.Parse(targetStr); err != nil {
			return nil, err
		}
	}

	b.env = NewConfigEnv(path, b.target)
	if b.cfg, err = ParseConfigFromFile(cfgPath, b.env); err != nil {
		return nil, err
	}

	// the manifest names the target, parse it again so conditional sections
	// see it
	if targetStr == "" && b.cfg.Build.Target != "" {
		if b.target, err = target.Parse(b.cfg.Build.Target); err != nil {
			return nil, err
		}
		b.env = NewConfigEnv(path, b.target)
		if b.cfg, err = ParseConfigFromFile(cfgPath, b.env); err != nil {
			return nil, err
		}
	}

	if b.target.Arch == "" {
		b.targetErr = fmt.Errorf("%w: set --target, $FTBIND_TARGET, $TARGET or [build] target: %w", ErrEnvironment, target.ErrNoTarget)
	}

	switch {
	case opts.OutDir != "":
		b.outDir, err = filepath.Abs(opts.OutDir)
	case os.Getenv("OUT_DIR") != "":
		b.outDir, err = filepath.Abs(os.Getenv("OUT_DIR"))
	case b.cfg.Build.OutDir != "":
		b.outDir, err = securejoin.SecureJoin(path, b.cfg.Build.OutDir)
	}
	if err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Builder) Config() *Config { return b.cfg }

func (b *Builder) Target() target.Target { return b.target }

// OutDir returns the absolute output directory, "" if none was configured
func (b *Builder) OutDir() string { return b.outDir }

func (b *Builder) ProjectDir() string { return b.basedir }

func (b *Builder) bundleDir() (string, error) {
	return securejoin.SecureJoin(b.basedir, b.cfg.Native.Path)
}

func (b *Builder) checkEnvironment() error {
	if b.targetErr != nil {
		return b.targetErr
	}
	if b.outDir == "" {
		return fmt.Errorf("%w: no output directory, set --out-dir, $OUT_DIR or [build] out-dir", ErrEnvironment)
	}
	return nil
}

func (b *Builder) profile(name string) (ProfileSection, error) {
	if prof, ok := b.cfg.Profile[name]; ok {
		return prof, nil
	}
	return ProfileSection{}, fmt.Errorf("unknown profile %q, known profiles: %s", name, strings.Join(b.cfg.Profiles(), ", "))
}

func createGenerator(generator string, jobs int) gen.Generator {
	switch generator {
	case GeneratorDirect:
		return gen.NewDirectGen(jobs)
	case GeneratorNinja:
		return gen.NewNinjaGen(jobs)
	default:
		panic("createGenerator: unreachable")
	}
}

// Fetch makes sure the native sources are present, reporting whether they
// had to be retrieved
func (b *Builder) Fetch() (bool, error) {
	dir, err := b.bundleDir()
	if err != nil {
		return false, err
	}
	bundle := fetch.Bundle{Root: b.basedir, Dir: dir, Marker: b.cfg.Native.Marker}

	f := b.opts.Fetcher
	if f == nil && !bundle.Present() {
		f, err = fetch.NewFetcher(b.opts.FetcherKind, b.cfg.Native.Source, b.cfg.Native.Strip)
		if err != nil {
			return false, err
		}
	}
	return fetch.Materialize(bundle, f)
}

// buildState is what stages hand to each other
type buildState struct {
	name      string
	profile   ProfileSection
	bundleDir string
	cc, ar    string
	unit      *CompileUnit
	bindings  string
}

type stage struct {
	name string
	run  func(st *buildState) error
}

func (b *Builder) stages() []stage {
	return []stage{
		{"materialize", b.materialize},
		{"resolve", b.resolve},
		{"compile", b.compile},
		{"bindgen", b.bindgen},
		{"record", b.record},
	}
}

// Build runs the whole pipeline. The first failing stage stops it; stale
// outputs of an earlier run are removed up front, so a failed build leaves
// no archive or bindings behind.
func (b *Builder) Build() error {
	if err := b.checkEnvironment(); err != nil {
		return err
	}

	profile := b.opts.Profile
	if profile == "" {
		profile = DefaultProfile
	}
	prof, err := b.profile(profile)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(b.outDir, 0755); err != nil {
		return err
	}
	if err := b.removeStale(); err != nil {
		return err
	}

	st := &buildState{name: profile, profile: prof}
	for _, s := range b.stages() {
		if err := s.run(st); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	msg.Status("Finished", "`%s` for %s [%s] in %s", b.cfg.Package.Name, b.target, profile, b.outDir)
	return nil
}

// bindingsPath resolves [bindings] output inside the out dir; `..` can't
// climb out of it
func (b *Builder) bindingsPath() (string, error) {
	return securejoin.SecureJoin(b.outDir, filepath.FromSlash(b.cfg.Bindings.Output))
}

func (b *Builder) removeStale() error {
	bindings, err := b.bindingsPath()
	if err != nil {
		return err
	}
	for _, p := range []string{
		filepath.Join(b.outDir, gen.ArchiveName(b.cfg.Package.Name)),
		bindings,
		filepath.Join(b.outDir, LinkRecordFile),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("could not remove stale %s: %w", p, err)
		}
	}
	return nil
}

func (b *Builder) materialize(st *buildState) error {
	fetched, err := b.Fetch()
	if err != nil {
		return err
	}
	if fetched {
		msg.Info("retrieved %s", b.cfg.Native.Path)
	}
	st.bundleDir, err = b.bundleDir()
	return err
}

func (b *Builder) resolve(st *buildState) error {
	if err := b.cfg.RunBuildScript(b.env); err != nil {
		return err
	}

	st.cc = findCompiler(b.cfg.Native.Compiler)
	if st.cc == "" {
		return fmt.Errorf("%w: no C compiler found, set native.compiler or $CC", ErrEnvironment)
	}
	st.ar = findArchiver(b.cfg.Native.Ar)
	if st.ar == "" {
		return fmt.Errorf("%w: no archiver found, set native.ar or $AR", ErrEnvironment)
	}

	manifest, err := expandManifest(st.bundleDir, b.cfg.Native.Sources)
	if err != nil {
		return err
	}

	st.unit = &CompileUnit{
		Name:     b.cfg.Package.Name,
		BaseDir:  st.bundleDir,
		Manifest: manifest,
		Flags:    compileFlags(b.cfg, st.profile, b.target, st.cc, st.bundleDir),
		Target:   b.target,
	}
	return nil
}

func (b *Builder) compile(st *buildState) error {
	jobs := b.opts.Jobs
	if jobs == 0 {
		jobs = b.cfg.Build.Jobs
	}

	g := b.opts.Generator
	if g == nil {
		name := b.cfg.Build.Generator
		if b.opts.Gen != "" {
			name = b.opts.Gen
		}
		if name != GeneratorDirect && name != GeneratorNinja {
			return fmt.Errorf("%w: unknown generator %q", ErrEnvironment, name)
		}
		g = createGenerator(name, jobs)
	}

	msg.Status("Building", "%s for %s (%d sources)", st.unit.Archive(), b.target, len(st.unit.Manifest))

	g.SetToolchain(st.cc, st.ar)
	g.AddTarget(st.unit.Name, st.unit.BaseDir, st.unit.Manifest, st.unit.Flags)

	if out := g.Generate(); out != "" {
		buildFile := filepath.Join(b.outDir, g.BuildFile())
		if err := os.WriteFile(buildFile, []byte(out), 0644); err != nil {
			return err
		}
	}

	return g.Invoke(b.outDir)
}

func (b *Builder) bindgenOptions(st *buildState) (bindgen.Options, error) {
	header, err := securejoin.SecureJoin(b.basedir, b.cfg.Bindings.Header)
	if err != nil {
		return bindgen.Options{}, err
	}

	includes := []string{b.basedir, st.bundleDir}
	for _, inc := range b.cfg.Native.Include {
		includes = append(includes, filepath.Join(st.bundleDir, filepath.FromSlash(inc)))
	}

	return bindgen.Options{
		Header:          header,
		IncludeDirs:     includes,
		ClangArgs:       b.cfg.Bindings.ClangArgs,
		Target:          b.target.ClangTarget(),
		Package:         b.cfg.Bindings.Package,
		BuildTags:       b.cfg.Bindings.BuildTags,
		PointerSize:     b.target.Family.PointerSize(),
		CharSigned:      b.target.Family.CharSigned(),
		PrependEnumName: b.cfg.Bindings.PrependEnumName,
	}, nil
}

func (b *Builder) bindgen(st *buildState) error {
	opts, err := b.bindgenOptions(st)
	if err != nil {
		return err
	}
	if _, err := os.Stat(opts.Header); err != nil {
		return fmt.Errorf("%w: header %s: %v", bindgen.ErrParse, b.cfg.Bindings.Header, err)
	}

	pp := b.opts.Preprocessor
	if pp == nil {
		pp = &bindgen.ClangPreprocessor{Compiler: st.cc}
	}

	msg.Status("Generating", "bindings from %s", b.cfg.Bindings.Header)
	src, err := bindgen.Generate(opts, pp)
	if err != nil {
		return err
	}

	if st.bindings, err = b.bindingsPath(); err != nil {
		return err
	}
	return bindgen.WriteFile(st.bindings, src)
}

func (b *Builder) record(st *buildState) error {
	rec, err := newLinkRecord(st.unit, st.name, b.outDir, st.bindings)
	if err != nil {
		return err
	}
	if err := rec.write(b.outDir); err != nil {
		return err
	}

	for _, req := range rec.Requires {
		msg.Info("consumer must provide %s (%s)", req.Symbol, req.Reason)
	}
	return nil
}
