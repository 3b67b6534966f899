package fetch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/qobs-build/ftbind/internal/msg"
)

// SubmoduleFetcher initializes and updates the bundle as a submodule of the
// repository enclosing the project root
type SubmoduleFetcher struct{}

func (SubmoduleFetcher) Fetch(b Bundle) error {
	repo, err := git.PlainOpenWithOptions(b.Root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fmt.Errorf("%w: %s is not inside a git repository (%v); set native.source to fetch it directly", ErrMissingDependency, b.Root, err)
	}

	w, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("could not get worktree: %w", err)
	}

	rel, err := filepath.Rel(w.Filesystem.Root(), b.Dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s is outside of repository %s", ErrMissingDependency, b.Dir, w.Filesystem.Root())
	}

	subs, err := w.Submodules()
	if err != nil {
		return fmt.Errorf("could not list submodules: %w", err)
	}

	for _, sub := range subs {
		if filepath.Clean(filepath.FromSlash(sub.Config().Path)) != rel {
			continue
		}

		msg.Status("Fetching", "submodule %s", filepath.ToSlash(rel))
		err := sub.Update(&git.SubmoduleUpdateOptions{
			Init:              true,
			RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
		})
		if err != nil {
			return fmt.Errorf("submodule update %s: %w", rel, err)
		}
		return nil
	}

	return fmt.Errorf("%w: %s is not a registered submodule of %s", ErrMissingDependency, filepath.ToSlash(rel), w.Filesystem.Root())
}

// CloneFetcher clones a remote repository into the bundle directory. The URL
// may carry a branch and a revision: someone/something@branch#rev
type CloneFetcher struct {
	URL string
}

type gitURL struct {
	cleanURL    string
	branch      string
	commitOrTag string
	remote      bool // false for a repository on the local filesystem
}

// someone/something@master#0.1.0
// someone/something@feature-branch#12345abc
// someone/something#12345abc
func parseGitURL(rawURL string) (res gitURL) {
	base, rev, _ := strings.Cut(rawURL, "#")
	res.commitOrTag = rev

	// only look for @branch after the host part, so ssh urls like
	// git@github.com:x/y keep their user
	schemeEnd := strings.Index(base, "://")
	searchFrom := 0
	if schemeEnd >= 0 {
		searchFrom = schemeEnd + 3
	}
	if i := strings.LastIndex(base[searchFrom:], "@"); i >= 0 && !strings.Contains(base[searchFrom+i:], "/") {
		res.cleanURL = base[:searchFrom+i]
		res.branch = base[searchFrom+i+1:]
	} else {
		res.cleanURL = base
	}

	// scheme://host/path or scp-like user@host:path
	res.remote = (schemeEnd >= 0 && !strings.HasPrefix(base, "file://")) || strings.Contains(res.cleanURL, "@")
	if res.remote && !strings.HasSuffix(res.cleanURL, ".git") {
		res.cleanURL += ".git"
	}
	return
}

func (f *CloneFetcher) Fetch(b Bundle) error {
	parsed := parseGitURL(f.URL)

	// an uninitialized submodule leaves an empty directory behind; anything
	// else in there is a conflict
	if entries, err := os.ReadDir(b.Dir); err == nil && len(entries) > 0 {
		return fmt.Errorf("%w: %s exists but has no %s; refusing to clone over it", ErrMissingDependency, b.Dir, b.Marker)
	}

	msg.Status("Cloning", "%s", parsed.cleanURL)
	opts := &git.CloneOptions{
		URL:               parsed.cleanURL,
		Progress:          &msg.IndentWriter{Indent: "    ", W: os.Stdout},
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	}
	if parsed.commitOrTag == "" && parsed.remote {
		opts.Depth = 1 // nothing pinned, the tip is enough
	}
	if parsed.branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(parsed.branch)
		opts.SingleBranch = true
	}

	return stage(b, func(dir string) error {
		repo, err := git.PlainClone(dir, opts)
		if err != nil {
			return fmt.Errorf("clone %s: %w", parsed.cleanURL, err)
		}
		if parsed.commitOrTag == "" {
			return nil
		}

		w, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("could not get worktree: %w", err)
		}
		hash, err := repo.ResolveRevision(plumbing.Revision(parsed.commitOrTag))
		if err != nil {
			return fmt.Errorf("could not resolve revision `%s`: %w", parsed.commitOrTag, err)
		}
		if err := w.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
			return fmt.Errorf("failed to checkout `%s`: %w", parsed.commitOrTag, err)
		}
		return nil
	})
}
