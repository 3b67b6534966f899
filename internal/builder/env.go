package builder

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"runtime"
	"slices"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/expr-lang/expr"
	"github.com/qobs-build/ftbind/internal/target"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ConfigEnv is the environment manifest expressions are evaluated in
type ConfigEnv struct {
	TargetArch   string            `expr:"target_arch"`
	TargetFamily string            `expr:"target_family"`
	TargetTriple string            `expr:"target_triple"`
	PointerWidth int               `expr:"pointer_width"`
	HostOS       string            `expr:"host_os"`
	Environ      map[string]string `expr:"environ"`
	basedir      string
}

// NewConfigEnv creates the expression environment for a project. t may be
// the zero Target when no target is known yet.
func NewConfigEnv(basedir string, t target.Target) ConfigEnv {
	env := ConfigEnv{
		HostOS:  runtime.GOOS,
		Environ: make(map[string]string),
		basedir: basedir,
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env.Environ[k] = v
		}
	}
	if t.Arch != "" {
		env.TargetArch = t.Arch
		env.TargetFamily = t.Family.String()
		env.TargetTriple = t.Triple
		env.PointerWidth = t.Family.PointerSize() * 8
	}
	return env
}

//
// manifest expressions
//

var placeholderRe = regexp.MustCompile(`\{\{(.+?)\}\}`)

func (env ConfigEnv) eval(code string) (any, error) {
	program, err := expr.Compile(code, expr.Env(env))
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}

// interpolate replaces every {{ expr }} in s with the value of expr
func interpolate(s string, env ConfigEnv) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		if firstErr != nil {
			return m
		}
		code := strings.TrimSpace(m[2 : len(m)-2])
		v, err := env.eval(code)
		if err != nil {
			firstErr = fmt.Errorf("expression %q: %w", code, err)
			return m
		}
		return fmt.Sprint(v)
	})
	return out, firstErr
}

// interpolateTree interpolates every string in a decoded manifest, in place
func interpolateTree(v any, env ConfigEnv) (any, error) {
	var err error
	switch node := v.(type) {
	case string:
		return interpolate(node, env)
	case map[string]any:
		for k, child := range node {
			if node[k], err = interpolateTree(child, env); err != nil {
				return nil, err
			}
		}
	case []any:
		for i, child := range node {
			if node[i], err = interpolateTree(child, env); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

// isCondition tells a boolean expression key apart from a plain subtable
// such as [native.defines]
func isCondition(key string, env ConfigEnv) bool {
	_, err := expr.Compile(key, expr.Env(env), expr.AsBool())
	return err == nil
}

// decodeSection decodes the table raw[name] into dst. Subtables keyed by a
// boolean expression, e.g. [native.'target_family == "riscv64"'], are merged
// in sorted key order when the expression holds.
func decodeSection[T any](raw map[string]any, name string, dst *T, env ConfigEnv) error {
	v, ok := raw[name]
	if !ok {
		return nil
	}
	table, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("[%s] must be a table", name)
	}

	base := make(map[string]any, len(table))
	var conds []string
	for key, val := range table {
		if _, sub := val.(map[string]any); sub && isCondition(key, env) {
			conds = append(conds, key)
		} else {
			base[key] = val
		}
	}
	if err := decodeTable(base, dst); err != nil {
		return fmt.Errorf("[%s]: %w", name, err)
	}

	slices.Sort(conds)
	for _, cond := range conds {
		holds, err := env.eval(cond)
		if err != nil {
			return fmt.Errorf("[%s.'%s']: %w", name, cond, err)
		}
		if holds != true {
			continue
		}
		var extra T
		if err := decodeTable(table[cond], &extra); err != nil {
			return fmt.Errorf("[%s.'%s']: %w", name, cond, err)
		}
		overlay(dst, &extra)
	}
	return nil
}

// overlay merges a conditional section into its base. Lists are appended,
// maps are merged key by key and any other set field replaces the base one.
func overlay[T any](dst, src *T) {
	d := reflect.ValueOf(dst).Elem()
	s := reflect.ValueOf(src).Elem()
	for i := range d.NumField() {
		df, sf := d.Field(i), s.Field(i)
		if !df.CanSet() || sf.IsZero() {
			continue
		}
		switch df.Kind() {
		case reflect.Slice:
			df.Set(reflect.AppendSlice(df, sf))
		case reflect.Map:
			if df.IsNil() {
				df.Set(reflect.MakeMapWithSize(df.Type(), sf.Len()))
			}
			for it := sf.MapRange(); it.Next(); {
				df.SetMapIndex(it.Key(), it.Value())
			}
		default:
			df.Set(sf)
		}
	}
}

// RunBuildScript evaluates package.build, which has to yield true. The
// helpers below panic on I/O errors and expr reports those as errors.
func (cfg Config) RunBuildScript(env ConfigEnv) error {
	script := cfg.Package.Build
	if script == "" {
		return nil
	}

	program, err := expr.Compile(script, expr.Env(env), expr.AsBool())
	if err != nil {
		return fmt.Errorf("build script of %s: %w", cfg.Package.Name, err)
	}
	ok, err := expr.Run(program, env)
	if err != nil {
		return fmt.Errorf("build script of %s: %w", cfg.Package.Name, err)
	}
	if ok != true {
		return fmt.Errorf("build script of %s returned false", cfg.Package.Name)
	}
	return nil
}

//
// build script helpers
//

// path resolves a project-relative path without letting it escape the project
func (env ConfigEnv) path(p string) string {
	full, err := securejoin.SecureJoin(env.basedir, p)
	if err != nil {
		panic(err)
	}
	return full
}

// Patch applies a diff-match-patch patch to a project file, reporting
// whether any hunk applied
func (env ConfigEnv) Patch(path, patch string) bool {
	file := env.path(path)
	data, err := os.ReadFile(file)
	if err != nil {
		panic(err)
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patch)
	if err != nil {
		panic(err)
	}
	patched, applied := dmp.PatchApply(patches, string(data))
	if !slices.Contains(applied, true) {
		return false
	}
	if err := os.WriteFile(file, []byte(patched), 0o644); err != nil {
		panic(err)
	}
	return true
}

func (env ConfigEnv) ReadFile(path string) string {
	data, err := os.ReadFile(env.path(path))
	if err != nil {
		panic(err)
	}
	return string(data)
}

func (env ConfigEnv) Exists(path string) bool {
	_, err := os.Stat(env.path(path))
	return err == nil
}
