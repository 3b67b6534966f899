package fetch

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/qobs-build/ftbind/internal/msg"
)

// CLIFetcher shells out to `git submodule update --init` inside the bundle
// directory, for setups where go-git can't handle the superproject
type CLIFetcher struct {
	// Git is the git executable, "git" if empty
	Git string
}

func (f *CLIFetcher) Fetch(b Bundle) error {
	gitBin := f.Git
	if gitBin == "" {
		gitBin = "git"
	}
	path, err := exec.LookPath(gitBin)
	if err != nil {
		return fmt.Errorf("%w: cannot retrieve %s, %s is not available: %v", ErrMissingDependency, b.name(), gitBin, err)
	}

	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}

	msg.Status("Fetching", "%s (git submodule update --init)", b.name())
	cmd := exec.Command(path, "submodule", "update", "--init", "--recursive")
	cmd.Dir = b.Dir
	cmd.Stdout = &msg.IndentWriter{Indent: "    ", W: os.Stdout}
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git submodule update in %s: %w", b.Dir, err)
	}
	return nil
}
