package fetch

import (
	"archive/tar"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/qobs-build/ftbind/internal/msg"
	"github.com/ulikunitz/xz"
)

// ArchiveFetcher downloads a (compressed) tarball and unpacks it into the
// bundle directory
type ArchiveFetcher struct {
	URL string
	// Strip drops this many leading path components from every entry, like
	// tar's --strip-components. Release tarballs usually need 1.
	Strip  int
	Client *http.Client
}

type compression int

const (
	compressNone compression = iota
	compressGzip
	compressXz
	compressZstd
)

func compressionFor(name string) (compression, error) {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return compressGzip, nil
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		return compressXz, nil
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		return compressZstd, nil
	case strings.HasSuffix(name, ".tar"):
		return compressNone, nil
	}
	return 0, fmt.Errorf("unsupported archive type: %s", name)
}

func (f *ArchiveFetcher) Fetch(b Bundle) error {
	kind, err := compressionFor(path.Base(strings.SplitN(f.URL, "?", 2)[0]))
	if err != nil {
		return err
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	msg.Status("Downloading", "%s", f.URL)
	resp, err := client.Get(f.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", f.URL, resp.Status)
	}

	pb := msg.NewProgressBar(resp.ContentLength, 4, os.Stdout)
	defer pb.Finish()

	return stage(b, func(dir string) error {
		return extractArchive(io.TeeReader(resp.Body, pb), kind, dir, f.Strip)
	})
}

func decompress(r io.Reader, kind compression) (io.ReadCloser, error) {
	switch kind {
	case compressGzip:
		return pgzip.NewReader(r)
	case compressXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case compressZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

// extractArchive unpacks a tar stream into dir. Entry paths are joined with
// securejoin, so nothing can land outside of dir.
func extractArchive(r io.Reader, kind compression, dir string, strip int) error {
	rc, err := decompress(r, kind)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer rc.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		name := stripComponents(hdr.Name, strip)
		if name == "" {
			continue
		}
		target, err := securejoin.SecureJoin(dir, name)
		if err != nil {
			return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
			}
		default:
			// links and devices aren't needed to compile C sources
			continue
		}
	}
}

func writeEntry(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func stripComponents(name string, n int) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	for range n {
		_, rest, ok := strings.Cut(name, "/")
		if !ok {
			return ""
		}
		name = rest
	}
	return name
}
