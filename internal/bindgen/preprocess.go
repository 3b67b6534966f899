package bindgen

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Preprocessor expands a header into `-E -dD` output
type Preprocessor interface {
	Preprocess(header string, args []string) ([]byte, error)
}

// ClangPreprocessor runs a C compiler driver in preprocess-only mode
type ClangPreprocessor struct {
	Compiler string
}

func isClang(compiler string) bool {
	base := strings.TrimSuffix(filepath.Base(compiler), ".exe")
	return strings.Contains(base, "clang")
}

func (p *ClangPreprocessor) Preprocess(header string, args []string) ([]byte, error) {
	cc := p.Compiler
	if cc == "" {
		cc = "clang"
	}

	cmdArgs := []string{"-E", "-dD", "-x", "c"}
	if isClang(cc) {
		// only the compiler's own freestanding headers (stdint.h, stddef.h, ...)
		cmdArgs = append(cmdArgs, "-nostdlibinc")
	} else {
		// gcc rejects --target and has no -nostdlibinc
		args = withoutTarget(args)
	}
	cmdArgs = append(cmdArgs, args...)
	cmdArgs = append(cmdArgs, header)

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(cc, cmdArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %v\n%s", cc, strings.Join(cmdArgs, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func withoutTarget(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if !strings.HasPrefix(a, "--target=") {
			out = append(out, a)
		}
	}
	return out
}
