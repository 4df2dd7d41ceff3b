// archive/archive.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package archive packs collected files into a single compressed archive
// (zip, or a tar stream compressed with gzip, bzip2 or xz) and unpacks
// such archives again, choosing the format from the file name.
package archive

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/ulikunitz/xz"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported compression algorithm")
	ErrUnsafePath           = errors.New("archive entry escapes the destination directory")
)

type Algorithm int

const (
	Zip Algorithm = iota
	Gzip
	Bzip2
	Xz
)

var algorithms = []struct {
	name string
	ext  string
}{
	Zip:   {"zip", ".zip"},
	Gzip:  {"gzip", ".tar.gz"},
	Bzip2: {"bzip2", ".tar.bz2"},
	Xz:    {"xz", ".tar.xz"},
}

func ParseAlgorithm(s string) (Algorithm, error) {
	for i, a := range algorithms {
		if a.name == strings.ToLower(s) {
			return Algorithm(i), nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnsupportedAlgorithm)
}

func (a Algorithm) String() string {
	if a < 0 || int(a) >= len(algorithms) {
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
	return algorithms[a].name
}

// Extension returns the file name suffix for archives made with a.
func (a Algorithm) Extension() string {
	if a < 0 || int(a) >= len(algorithms) {
		return ""
	}
	return algorithms[a].ext
}

// Detect returns the algorithm that the given file name's suffix
// indicates.
func Detect(name string) (Algorithm, bool) {
	name = strings.ToLower(name)
	for i, a := range algorithms {
		if strings.HasSuffix(name, a.ext) {
			return Algorithm(i), true
		}
	}
	switch {
	case strings.HasSuffix(name, ".tgz"):
		return Gzip, true
	case strings.HasSuffix(name, ".tbz2"):
		return Bzip2, true
	}
	return 0, false
}

///////////////////////////////////////////////////////////////////////////
// Create

// Create writes the given files to a new archive at dst. If anything goes
// wrong, dst is removed.
func Create(dst string, algo Algorithm, entries []Entry) (err error) {
	if algo < 0 || int(algo) >= len(algorithms) {
		return fmt.Errorf("%s: %w", algo, ErrUnsupportedAlgorithm)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	bw := bufio.NewWriter(f)
	if algo == Zip {
		err = writeZip(bw, entries)
	} else {
		err = writeTar(bw, algo, entries)
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

func writeZip(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		err := withFile(e, func(f *os.File, fi os.FileInfo) error {
			hdr, err := zip.FileInfoHeader(fi)
			if err != nil {
				return err
			}
			hdr.Name = e.Name
			hdr.Method = zip.Deflate
			fw, err := zw.CreateHeader(hdr)
			if err != nil {
				return err
			}
			_, err = io.Copy(fw, f)
			return err
		})
		if err != nil {
			return err
		}
	}
	return zw.Close()
}

func compressor(w io.Writer, algo Algorithm) (io.WriteCloser, error) {
	switch algo {
	case Gzip:
		return gzip.NewWriter(w), nil
	case Bzip2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	case Xz:
		return xz.NewWriter(w)
	default:
		return nil, fmt.Errorf("%s: %w", algo, ErrUnsupportedAlgorithm)
	}
}

func writeTar(w io.Writer, algo Algorithm, entries []Entry) error {
	cw, err := compressor(w, algo)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)
	for _, e := range entries {
		err := withFile(e, func(f *os.File, fi os.FileInfo) error {
			hdr, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				return err
			}
			hdr.Name = e.Name
			// Zip keeps whole seconds; do the same here rather than
			// letting tar round.
			hdr.ModTime = fi.ModTime().Truncate(time.Second)
			hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
			if err = tw.WriteHeader(hdr); err != nil {
				return err
			}
			// Copy exactly what the header promised, in case the file is
			// growing underneath us.
			_, err = io.CopyN(tw, f, hdr.Size)
			return err
		})
		if err != nil {
			return err
		}
	}
	if err = tw.Close(); err != nil {
		return err
	}
	return cw.Close()
}

func withFile(e Entry, fn func(*os.File, os.FileInfo) error) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if err = fn(f, fi); err != nil {
		return fmt.Errorf("%s: %w", e.Path, err)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Extract

// Extract unpacks the archive src into dir, picking the format from src's
// name. It returns false (and does nothing) if the name doesn't indicate
// a known archive format.
func Extract(src, dir string) (bool, error) {
	algo, ok := Detect(src)
	if !ok {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return true, err
	}

	var err error
	if algo == Zip {
		err = extractZip(src, dir)
	} else {
		err = extractTar(src, algo, dir)
	}
	if err != nil {
		return true, fmt.Errorf("%s: %w", src, err)
	}
	return true, nil
}

// target returns where the archive entry name should go under dir.
func target(dir, name string) (string, error) {
	local := filepath.FromSlash(strings.TrimSuffix(name, "/"))
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%s: %w", name, ErrUnsafePath)
	}
	return filepath.Join(dir, local), nil
}

func extractZip(src, dir string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		path, err := target(dir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err = os.MkdirAll(path, 0755); err != nil {
				return err
			}
			continue
		}

		r, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(path, r, f.Mode(), f.Modified)
		r.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func decompressor(r io.Reader, algo Algorithm) (io.Reader, func() error, error) {
	nop := func() error { return nil }
	switch algo {
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case Bzip2:
		br, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, nil, err
		}
		return br, br.Close, nil
	case Xz:
		xr, err := xz.NewReader(r)
		return xr, nop, err
	default:
		return nil, nil, fmt.Errorf("%s: %w", algo, ErrUnsupportedAlgorithm)
	}
}

func extractTar(src string, algo Algorithm, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	r, closer, err := decompressor(bufio.NewReader(f), algo)
	if err != nil {
		return err
	}
	defer closer()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		path, err := target(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(path, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err = writeFile(path, tr, hdr.FileInfo().Mode(), hdr.ModTime); err != nil {
				return err
			}
		default:
			// Links and special files aren't something Create makes.
		}
	}
}

func writeFile(path string, r io.Reader, mode os.FileMode, mtime time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Chmod(path, mode.Perm()); err != nil {
		return err
	}
	if !mtime.IsZero() {
		return os.Chtimes(path, mtime, mtime)
	}
	return nil
}
