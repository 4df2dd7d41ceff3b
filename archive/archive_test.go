// archive/archive_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package archive

import (
	"archive/tar"
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/mmp/bkcrypt/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTree creates a small directory hierarchy under dir/name and returns
// the contents of its files, keyed by archive name.
func makeTree(t *testing.T, dir, name string) map[string][]byte {
	rng := rand.New(rand.NewSource(int64(len(name))))
	files := map[string][]byte{}
	for _, rel := range []string{"a.txt", "empty", "sub/b.bin", "sub/deeper/c.bin"} {
		var b []byte
		if rel != "empty" {
			b = make([]byte, rng.Intn(200000))
			_, _ = rng.Read(b)
		}
		path := filepath.Join(dir, name, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, b, 0640))
		files[name+"/"+rel] = b
	}
	return files
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	files := makeTree(t, dir, "photos")
	makeTree(t, dir, "docs")
	require.NoError(t, os.Symlink("a.txt", filepath.Join(dir, "photos", "link")))

	entries, err := Collect([]string{filepath.Join(dir, "photos"), filepath.Join(dir, "docs")},
		executor.NewParallel(2))
	require.NoError(t, err)
	require.Len(t, entries, 8)

	// The first root's files come first, sorted, and keep the root's name.
	assert.Equal(t, "photos/a.txt", entries[0].Name)
	assert.Equal(t, "photos/sub/deeper/c.bin", entries[3].Name)
	assert.Equal(t, "docs/a.txt", entries[4].Name)
	for _, e := range entries[:4] {
		_, ok := files[e.Name]
		assert.True(t, ok, e.Name)
	}
}

func TestCollectSingleFileAndMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "one.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	entries, err := Collect([]string{path}, nil)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Path: path, Name: "one.txt"}}, entries)

	_, err = Collect([]string{filepath.Join(dir, "nope")}, nil)
	assert.True(t, os.IsNotExist(err))
}

func TestRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{Zip, Gzip, Bzip2, Xz} {
		t.Run(algo.String(), func(t *testing.T) {
			dir := t.TempDir()
			files := makeTree(t, dir, "src")
			mtime := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
			require.NoError(t, os.Chtimes(filepath.Join(dir, "src", "a.txt"), mtime, mtime))

			entries, err := Collect([]string{filepath.Join(dir, "src")}, nil)
			require.NoError(t, err)

			ar := filepath.Join(dir, "backup"+algo.Extension())
			require.NoError(t, Create(ar, algo, entries))

			out := filepath.Join(dir, "out")
			ok, err := Extract(ar, out)
			require.NoError(t, err)
			require.True(t, ok)

			for name, contents := range files {
				got, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(name)))
				require.NoError(t, err, name)
				assert.True(t, bytes.Equal(contents, got), name)
			}

			fi, err := os.Stat(filepath.Join(out, "src", "a.txt"))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0640), fi.Mode().Perm())
			assert.True(t, mtime.Equal(fi.ModTime()), "mtime %s", fi.ModTime())
		})
	}
}

func TestDetect(t *testing.T) {
	for name, want := range map[string]Algorithm{
		"backup.zip":     Zip,
		"backup.tar.gz":  Gzip,
		"BACKUP.TGZ":     Gzip,
		"backup.tar.bz2": Bzip2,
		"backup.tbz2":    Bzip2,
		"backup.tar.xz":  Xz,
	} {
		got, ok := Detect(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := Detect("backup.zip.enc")
	assert.False(t, ok)
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("bzip2")
	require.NoError(t, err)
	assert.Equal(t, Bzip2, a)
	assert.Equal(t, ".tar.bz2", a.Extension())

	_, err = ParseAlgorithm("rar")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	assert.ErrorIs(t, Create(filepath.Join(t.TempDir(), "x"), Algorithm(17), nil),
		ErrUnsupportedAlgorithm)
}

func TestExtractUnknownSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))
	ok, err := Extract(path, filepath.Join(dir, "out"))
	assert.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, "out"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractRejectsUnsafePaths(t *testing.T) {
	dir := t.TempDir()
	ar := filepath.Join(dir, "evil.tar.gz")

	f, err := os.Create(ar)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)
	body := []byte("gotcha")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escaped", Mode: 0644,
		Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	out := filepath.Join(dir, "out")
	ok, err := Extract(ar, out)
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrUnsafePath)
	_, err = os.Stat(filepath.Join(dir, "escaped"))
	assert.True(t, os.IsNotExist(err))
}
