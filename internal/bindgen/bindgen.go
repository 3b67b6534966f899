// Package bindgen turns a C header into a Go declaration file that needs
// nothing but the compiler's builtin types, for freestanding consumers
// (TinyGo kernels, bare-metal runtimes) that link the native archive.
package bindgen

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrParse = errors.New("could not generate bindings")

// Options is the fixed parser and emitter configuration for one header
type Options struct {
	Header      string   // aggregating header, e.g. wrapper.h
	IncludeDirs []string // -I paths
	ClangArgs   []string // extra frontend arguments, appended last
	Target      string   // clang --target triple, may be empty
	Package     string   // Go package clause, defaults to "bindings"
	BuildTags   []string // joined with && into a //go:build line

	PointerSize int  // 4 or 8, sizes `long` and pointers; defaults to 8
	CharSigned  bool // whether plain `char` is signed on the target
	// PrependEnumName emits enumerators as <enum>_<name>. flanterm's
	// freestanding callers expect the flat names, so it is off by default.
	PrependEnumName bool
}

func (o Options) pkg() string {
	if o.Package == "" {
		return "bindings"
	}
	return o.Package
}

func (o Options) pointerSize() int {
	if o.PointerSize == 0 {
		return 8
	}
	return o.PointerSize
}

func (o Options) headerName() string {
	if o.Header == "" {
		return "<stdin>"
	}
	return filepath.Base(o.Header)
}

// Args returns the frontend arguments that the preprocessor is invoked with
func (o Options) Args() []string {
	args := []string{"-ffreestanding"}
	if o.Target != "" {
		args = append(args, "--target="+o.Target)
	}
	for _, dir := range o.IncludeDirs {
		args = append(args, "-I"+dir)
	}
	return append(args, o.ClangArgs...)
}

// Generate preprocesses and parses the header and returns the formatted Go
// source. Nothing is returned unless the whole header was understood.
func Generate(opts Options, pp Preprocessor) ([]byte, error) {
	out, err := pp.Preprocess(opts.Header, opts.Args())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return GenerateFrom(out, opts)
}

// GenerateFrom emits bindings from already preprocessed `-E -dD` output
func GenerateFrom(preprocessed []byte, opts Options) ([]byte, error) {
	h, err := Parse(preprocessed, opts.pointerSize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	src, err := newEmitter(h, opts).emit()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return src, nil
}

// WriteFile writes data next to path first and renames it into place, so a
// reader never sees a truncated bindings file
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
