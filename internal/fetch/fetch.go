// Package fetch makes sure the native source bundle exists on disk before
// anything tries to compile it.
package fetch

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrMissingDependency = errors.New("missing native dependency")
	errIllegalSource     = errors.New("empty or illegal source string")
)

// Bundle describes where the native sources should live
type Bundle struct {
	Root   string // project root, the superproject for submodule fetches
	Dir    string // absolute bundle directory
	Marker string // file relative to Dir whose presence means "fetched"
}

func (b Bundle) markerPath() string { return filepath.Join(b.Dir, b.Marker) }

// Present reports whether the bundle's marker file exists
func (b Bundle) Present() bool {
	stat, err := os.Stat(b.markerPath())
	return err == nil && !stat.IsDir()
}

func (b Bundle) name() string { return filepath.Base(b.Dir) }

// Fetcher retrieves a bundle into b.Dir
type Fetcher interface {
	Fetch(b Bundle) error
}

// Materialize fetches the bundle unless its marker file already exists. It
// reports whether a fetch happened. There is no retry: a half-fetched tree
// can't be compiled safely, so every failure is ErrMissingDependency.
func Materialize(b Bundle, f Fetcher) (bool, error) {
	if b.Marker == "" {
		return false, fmt.Errorf("%w: no marker file configured for %s", ErrMissingDependency, b.Dir)
	}
	if b.Present() {
		return false, nil
	}
	if f == nil {
		return false, fmt.Errorf("%w: %s is absent and no fetcher is available", ErrMissingDependency, b.name())
	}

	if err := f.Fetch(b); err != nil {
		if errors.Is(err, ErrMissingDependency) {
			return true, err
		}
		return true, fmt.Errorf("%w: failed to retrieve %s: %v", ErrMissingDependency, b.name(), err)
	}

	if !b.Present() {
		return true, fmt.Errorf("%w: %s still lacks %s after fetching", ErrMissingDependency, b.name(), b.Marker)
	}
	return true, nil
}

// stage fills a fresh sibling of b.Dir and renames it into place only once
// fill succeeds. A failed fetch leaves nothing at b.Dir, so a later run
// can't mistake a truncated tree for a fetched one.
func stage(b Bundle, fill func(dir string) error) error {
	parent := filepath.Dir(b.Dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(parent, "."+b.name()+".fetch-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := fill(tmp); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		return err
	}
	// an uninitialized submodule leaves an empty directory in the way
	if err := os.Remove(b.Dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %s exists but has no %s; refusing to replace it", ErrMissingDependency, b.Dir, b.Marker)
	}
	return os.Rename(tmp, b.Dir)
}

const (
	KindGoGit = "go-git"
	KindGit   = "git"
)

var sourceShortcuts = map[string]string{
	"gh:": "https://github.com/",
	"gl:": "https://gitlab.com/",
	"bb:": "https://bitbucket.org/",
	"sr:": "https://sr.ht/",
	"cb:": "https://codeberg.org/",
}

const gitPrefix = "git:"

// NewFetcher picks a fetcher for a source string. An empty source means the
// bundle is a submodule of the project, retrieved with go-git or, for kind
// "git", the external git client. `git:` and shortcut prefixes clone a remote,
// e.g. gh:mintsuki/flanterm@trunk. Plain URLs are downloaded as archives.
func NewFetcher(kind, source string, strip int) (Fetcher, error) {
	if source == "" {
		switch kind {
		case KindGoGit, "":
			return &SubmoduleFetcher{}, nil
		case KindGit:
			return &CLIFetcher{}, nil
		default:
			return nil, fmt.Errorf("unknown fetcher %q", kind)
		}
	}

	if strings.HasPrefix(source, gitPrefix) {
		rest := source[len(gitPrefix):]
		if rest == "" {
			return nil, errIllegalSource
		}
		return &CloneFetcher{URL: rest}, nil
	}

	for shortcut, base := range sourceShortcuts {
		if strings.HasPrefix(source, shortcut) {
			return &CloneFetcher{URL: base + source[len(shortcut):]}, nil
		}
	}

	if isURL(source) {
		return &ArchiveFetcher{URL: source, Strip: strip}, nil
	}

	return nil, fmt.Errorf("%w: %q", errIllegalSource, source)
}

func isURL(maybeURL string) bool {
	u, err := url.Parse(maybeURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}
