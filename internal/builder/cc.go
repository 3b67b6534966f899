package builder

import (
	"os"
	"os/exec"
)

// only GCC-style drivers understand the freestanding flag set
var (
	commonCCompilers = []string{"clang", "gcc"}
	commonArchivers  = []string{"llvm-ar", "ar"}
)

// findTool returns the configured tool, then $envVar, then the first of
// candidates found on PATH, or "" if there is none
func findTool(configured, envVar string, candidates []string) string {
	if configured != "" {
		return configured
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}

	for _, tool := range candidates {
		path, err := exec.LookPath(tool)
		if err == nil {
			return path
		}
	}

	return ""
}

// findCompiler attempts to find a suitable C compiler on the system
func findCompiler(configured string) string {
	return findTool(configured, "CC", commonCCompilers)
}

// findArchiver attempts to find an `ar` that understands the D modifier
func findArchiver(configured string) string {
	return findTool(configured, "AR", commonArchivers)
}
