package fetch

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/filemode"
	"github.com/go-git/go-git/v6/plumbing/format/index"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/klauspost/pgzip"
)

type recordingFetcher struct {
	calls  int
	create bool // write the marker when called
	err    error
}

func (f *recordingFetcher) Fetch(b Bundle) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.create {
		if err := os.MkdirAll(b.Dir, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(b.Dir, b.Marker), []byte("# flanterm\n"), 0o644)
	}
	return nil
}

func newBundle(t *testing.T) Bundle {
	root := t.TempDir()
	return Bundle{Root: root, Dir: filepath.Join(root, "flanterm"), Marker: "README.md"}
}

func TestMaterializeSkipsWhenPresent(t *testing.T) {
	b := newBundle(t)
	os.MkdirAll(b.Dir, 0o755)
	os.WriteFile(filepath.Join(b.Dir, "README.md"), nil, 0o644)

	f := &recordingFetcher{}
	for range 3 {
		fetched, err := Materialize(b, f)
		if err != nil {
			t.Fatalf("Materialize: %v", err)
		}
		if fetched {
			t.Error("reported a fetch although the marker exists")
		}
	}
	if f.calls != 0 {
		t.Errorf("fetcher called %d times, want 0", f.calls)
	}
}

func TestMaterializeFetchesOnce(t *testing.T) {
	b := newBundle(t)
	f := &recordingFetcher{create: true}

	fetched, err := Materialize(b, f)
	if err != nil || !fetched {
		t.Fatalf("Materialize = %v, %v", fetched, err)
	}
	if _, err := Materialize(b, f); err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", f.calls)
	}
}

func TestMaterializeFailures(t *testing.T) {
	tests := []struct {
		name string
		f    Fetcher
	}{
		{"fetch error", &recordingFetcher{err: errors.New("network unreachable")}},
		{"marker still missing", &recordingFetcher{}},
		{"no fetcher", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBundle(t)
			_, err := Materialize(b, tt.f)
			if !errors.Is(err, ErrMissingDependency) {
				t.Fatalf("error = %v, want ErrMissingDependency", err)
			}
			if !strings.Contains(err.Error(), "flanterm") {
				t.Errorf("error should name the dependency: %v", err)
			}
		})
	}
}

func TestCLIFetcherWithoutGit(t *testing.T) {
	b := newBundle(t)
	f := &CLIFetcher{Git: "definitely-not-a-git-binary"}
	_, err := Materialize(b, f)
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("error = %v, want ErrMissingDependency", err)
	}
}

func TestNewFetcher(t *testing.T) {
	tests := []struct {
		kind, source string
		want         string
	}{
		{"", "", "*fetch.SubmoduleFetcher"},
		{KindGit, "", "*fetch.CLIFetcher"},
		{"", "gh:mintsuki/flanterm", "*fetch.CloneFetcher"},
		{"", "git:https://codeberg.org/mintsuki/flanterm", "*fetch.CloneFetcher"},
		{"", "https://example.com/flanterm-2.0.tar.xz", "*fetch.ArchiveFetcher"},
	}
	for _, tt := range tests {
		f, err := NewFetcher(tt.kind, tt.source, 1)
		if err != nil {
			t.Errorf("NewFetcher(%q, %q): %v", tt.kind, tt.source, err)
			continue
		}
		if got := typeName(f); got != tt.want {
			t.Errorf("NewFetcher(%q, %q) = %s, want %s", tt.kind, tt.source, got, tt.want)
		}
	}

	if f, _ := NewFetcher("", "gh:mintsuki/flanterm", 0); f.(*CloneFetcher).URL != "https://github.com/mintsuki/flanterm" {
		t.Errorf("shortcut not expanded: %+v", f)
	}
	if _, err := NewFetcher("svn", "", 0); err == nil {
		t.Error("expected error for unknown fetcher kind")
	}
	if _, err := NewFetcher("", "./vendor/flanterm", 0); err == nil {
		t.Error("expected error for a plain path source")
	}
}

func typeName(f Fetcher) string {
	switch f.(type) {
	case *SubmoduleFetcher:
		return "*fetch.SubmoduleFetcher"
	case *CLIFetcher:
		return "*fetch.CLIFetcher"
	case *CloneFetcher:
		return "*fetch.CloneFetcher"
	case *ArchiveFetcher:
		return "*fetch.ArchiveFetcher"
	}
	return "?"
}

func TestParseGitURL(t *testing.T) {
	tests := []struct {
		in                    string
		url, branch, revision string
		remote                bool
	}{
		{"https://github.com/mintsuki/flanterm", "https://github.com/mintsuki/flanterm.git", "", "", true},
		{"https://github.com/mintsuki/flanterm@trunk", "https://github.com/mintsuki/flanterm.git", "trunk", "", true},
		{"https://github.com/mintsuki/flanterm@trunk#v2.0.0", "https://github.com/mintsuki/flanterm.git", "trunk", "v2.0.0", true},
		{"https://github.com/mintsuki/flanterm.git#1234abc", "https://github.com/mintsuki/flanterm.git", "", "1234abc", true},
		{"git@github.com:mintsuki/flanterm", "git@github.com:mintsuki/flanterm.git", "", "", true},
		{"/srv/git/flanterm#1234abc", "/srv/git/flanterm", "", "1234abc", false},
		{"file:///srv/git/flanterm@trunk", "file:///srv/git/flanterm", "trunk", "", false},
	}
	for _, tt := range tests {
		got := parseGitURL(tt.in)
		if got.cleanURL != tt.url || got.branch != tt.branch || got.commitOrTag != tt.revision || got.remote != tt.remote {
			t.Errorf("parseGitURL(%q) = %+v", tt.in, got)
		}
	}
}

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte(body))
	}
	tw.Close()
	zw.Close()
	return buf.Bytes()
}

func TestExtractArchive(t *testing.T) {
	data := makeTarGz(t, map[string]string{
		"flanterm-2.0/README.md":                  "# flanterm\n",
		"flanterm-2.0/src/flanterm.c":             "int x;\n",
		"flanterm-2.0/../../escape.txt":           "nope\n",
		"flanterm-2.0/src/flanterm_backends/fb.c": "int y;\n",
	})

	dir := filepath.Join(t.TempDir(), "bundle")
	if err := extractArchive(bytes.NewReader(data), compressGzip, dir, 1); err != nil {
		t.Fatalf("extractArchive: %v", err)
	}

	for _, f := range []string{"README.md", "src/flanterm.c", "src/flanterm_backends/fb.c"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("missing %s: %v", f, err)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt")); err == nil {
		t.Error("archive entry escaped the bundle directory")
	}
}

func TestArchiveFetcher(t *testing.T) {
	data := makeTarGz(t, map[string]string{"flanterm/README.md": "# flanterm\n"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/flanterm.tar.gz" {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	b := newBundle(t)
	fetched, err := Materialize(b, &ArchiveFetcher{URL: srv.URL + "/flanterm.tar.gz", Strip: 1, Client: srv.Client()})
	if err != nil || !fetched {
		t.Fatalf("Materialize = %v, %v", fetched, err)
	}

	b2 := newBundle(t)
	_, err = Materialize(b2, &ArchiveFetcher{URL: srv.URL + "/missing.tar.gz", Client: srv.Client()})
	if !errors.Is(err, ErrMissingDependency) {
		t.Errorf("error = %v, want ErrMissingDependency", err)
	}
}

func TestCompressionFor(t *testing.T) {
	for name, want := range map[string]compression{
		"a.tar.gz": compressGzip, "a.tgz": compressGzip,
		"a.tar.xz": compressXz, "a.tar.zst": compressZstd, "a.tar": compressNone,
	} {
		got, err := compressionFor(name)
		if err != nil || got != want {
			t.Errorf("compressionFor(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := compressionFor("a.zip"); err == nil {
		t.Error("zip should be rejected")
	}
}

func makeTar(t *testing.T, entries ...[2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e[0], Mode: 0o644, Size: int64(len(e[1])), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte(e[1]))
	}
	tw.Close()
	return buf.Bytes()
}

// noStagingLeft fails if a temporary fetch directory survived next to b.Dir
func noStagingLeft(t *testing.T, b Bundle) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(b.Dir))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "."+b.name()+".fetch-") {
			t.Errorf("temporary directory %s left behind", e.Name())
		}
	}
}

func TestArchiveFetcherTruncatedDownload(t *testing.T) {
	data := makeTar(t,
		[2]string{"flanterm/README.md", "# flanterm\n"},
		[2]string{"flanterm/src/flanterm.c", strings.Repeat("int x;\n", 4000)},
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// promise the whole archive, then hang up halfway
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data[:len(data)/2])
	}))
	defer srv.Close()

	b := newBundle(t)
	f := &ArchiveFetcher{URL: srv.URL + "/flanterm.tar", Strip: 1, Client: srv.Client()}
	for attempt := range 2 {
		fetched, err := Materialize(b, f)
		if !errors.Is(err, ErrMissingDependency) || !fetched {
			t.Fatalf("attempt %d: Materialize = %v, %v", attempt, fetched, err)
		}
		if b.Present() {
			t.Fatalf("attempt %d: truncated archive left the marker in place", attempt)
		}
		if _, err := os.Stat(b.Dir); !os.IsNotExist(err) {
			t.Errorf("attempt %d: partial bundle left at %s", attempt, b.Dir)
		}
		noStagingLeft(t, b)
	}
}

func TestArchiveFetcherReplacesEmptyDir(t *testing.T) {
	data := makeTar(t, [2]string{"flanterm/README.md", "# flanterm\n"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	b := newBundle(t)
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	fetched, err := Materialize(b, &ArchiveFetcher{URL: srv.URL + "/flanterm.tar", Strip: 1, Client: srv.Client()})
	if err != nil || !fetched {
		t.Fatalf("Materialize = %v, %v", fetched, err)
	}
	noStagingLeft(t, b)
}

var testSignature = &object.Signature{Name: "flanterm", Email: "flanterm@example.com", When: time.Unix(1700000000, 0)}

// newUpstream creates a repository with two commits of README.md and
// returns its path and the first commit
func newUpstream(t *testing.T) (string, plumbing.Hash) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	w, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}

	commit := func(readme string) plumbing.Hash {
		if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(readme), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Add("README.md"); err != nil {
			t.Fatal(err)
		}
		h, err := w.Commit("update README", &git.CommitOptions{Author: testSignature})
		if err != nil {
			t.Fatal(err)
		}
		return h
	}
	first := commit("# flanterm v1\n")
	commit("# flanterm v2\n")
	return dir, first
}

func readMarker(t *testing.T, b Bundle) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(b.Dir, b.Marker))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestCloneFetcher(t *testing.T) {
	upstream, first := newUpstream(t)
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"tip", upstream, "# flanterm v2\n"},
		{"pinned revision", upstream + "#" + first.String(), "# flanterm v1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBundle(t)
			fetched, err := Materialize(b, &CloneFetcher{URL: tt.url})
			if err != nil || !fetched {
				t.Fatalf("Materialize = %v, %v", fetched, err)
			}
			if got := readMarker(t, b); got != tt.want {
				t.Errorf("README.md = %q, want %q", got, tt.want)
			}
			noStagingLeft(t, b)
		})
	}
}

func TestCloneFetcherUnknownRevision(t *testing.T) {
	upstream, _ := newUpstream(t)
	b := newBundle(t)

	_, err := Materialize(b, &CloneFetcher{URL: upstream + "#v9.9.9"})
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("error = %v, want ErrMissingDependency", err)
	}
	if _, err := os.Stat(b.Dir); !os.IsNotExist(err) {
		t.Errorf("clone at the wrong revision left at %s", b.Dir)
	}
	noStagingLeft(t, b)
}

func TestSubmoduleFetcher(t *testing.T) {
	upstream, first := newUpstream(t)

	root := t.TempDir()
	super, err := git.PlainInit(root, false)
	if err != nil {
		t.Fatal(err)
	}
	gitmodules := fmt.Sprintf("[submodule \"flanterm\"]\n\tpath = flanterm\n\turl = %s\n", upstream)
	if err := os.WriteFile(filepath.Join(root, ".gitmodules"), []byte(gitmodules), 0o644); err != nil {
		t.Fatal(err)
	}
	// pin the submodule to the first upstream commit
	idx, err := super.Storer.Index()
	if err != nil {
		t.Fatal(err)
	}
	idx.Entries = append(idx.Entries, &index.Entry{Name: "flanterm", Hash: first, Mode: filemode.Submodule})
	if err := super.Storer.SetIndex(idx); err != nil {
		t.Fatal(err)
	}

	b := Bundle{Root: root, Dir: filepath.Join(root, "flanterm"), Marker: "README.md"}
	fetched, err := Materialize(b, &SubmoduleFetcher{})
	if err != nil || !fetched {
		t.Fatalf("Materialize = %v, %v", fetched, err)
	}
	if got := readMarker(t, b); got != "# flanterm v1\n" {
		t.Errorf("README.md = %q, want the pinned revision", got)
	}

	other := Bundle{Root: root, Dir: filepath.Join(root, "vendor", "flanterm"), Marker: "README.md"}
	if _, err := Materialize(other, &SubmoduleFetcher{}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("unregistered path: error = %v, want ErrMissingDependency", err)
	}
}
