// backup/backup_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmp/bkcrypt/archive"
	"github.com/mmp/bkcrypt/executor"
	"github.com/mmp/bkcrypt/fragment"
	"github.com/mmp/bkcrypt/rdso"
	u "github.com/mmp/bkcrypt/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stamp = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newOrchestrator() *Orchestrator {
	return &Orchestrator{
		Executor:   executor.NewParallel(3),
		Now:        func() time.Time { return stamp },
		Iterations: 1000,
	}
}

// makeSource creates a directory tree of random files under dir/name and
// returns their contents keyed by path relative to dir.
func makeSource(t *testing.T, dir, name string, seed int64) map[string][]byte {
	rng := rand.New(rand.NewSource(seed))
	files := map[string][]byte{}
	for i := 0; i < 6; i++ {
		rel := filepath.Join(name, fmt.Sprintf("d%d", i%3), fmt.Sprintf("f%d.dat", i))
		b := make([]byte, rng.Intn(300*1024))
		_, _ = rng.Read(b)
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, b, 0644))
		files[rel] = b
	}
	return files
}

func checkRestored(t *testing.T, dir string, files map[string][]byte) {
	for rel, b := range files {
		got, err := os.ReadFile(filepath.Join(dir, rel))
		require.NoError(t, err, rel)
		assert.True(t, bytes.Equal(b, got), rel)
	}
}

// noTemps fails if anything under dir has the intermediate file prefix.
func noTemps(t *testing.T, dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		assert.False(t, strings.HasPrefix(d.Name(), TempPrefix), "leftover %s", path)
		return nil
	})
	require.NoError(t, err)
}

func TestBackupRestore(t *testing.T) {
	for _, algo := range []archive.Algorithm{archive.Zip, archive.Gzip, archive.Bzip2, archive.Xz} {
		for _, dest := range []DestType{HDD, USBSplit, Cloud} {
			for _, encrypt := range []bool{false, true} {
				name := fmt.Sprintf("%s/%s/encrypt=%v", algo, dest, encrypt)
				t.Run(name, func(t *testing.T) {
					testBackupRestore(t, algo, dest, encrypt)
				})
			}
		}
	}
}

func testBackupRestore(t *testing.T, algo archive.Algorithm, dest DestType, encrypt bool) {
	dir := t.TempDir()
	files := makeSource(t, dir, "photos", 1)
	for k, v := range makeSource(t, dir, "docs", 2) {
		files[k] = v
	}

	o := newOrchestrator()
	out := filepath.Join(dir, "out")
	a, err := o.Backup(BackupOptions{
		Sources:              []string{filepath.Join(dir, "photos"), filepath.Join(dir, "docs")},
		OutputDir:            out,
		Algorithm:            algo,
		Dest:                 dest,
		SplitChunkBytes:      100 * 1024,
		Encrypt:              encrypt,
		Passphrase:           StaticPassphrase("hunter2"),
		UploadBytesPerSecond: 1 << 30,
	})
	require.NoError(t, err)
	noTemps(t, out)

	want := "backup_20240102_030405" + algo.Extension()
	if encrypt {
		want += EncryptedSuffix
	}
	assert.Equal(t, want, a.BaseName)

	ropts := RestoreOptions{
		Source:     a.Path,
		RestoreTo:  filepath.Join(dir, "restored"),
		Passphrase: StaticPassphrase("hunter2"),
	}
	switch dest {
	case HDD:
		assert.Equal(t, filepath.Join(out, want), a.Path)
	case USBSplit:
		assert.Equal(t, filepath.Join(out, want+PartsDirSuffix), a.Path)
		require.NotEmpty(t, a.Parts)
		assert.Equal(t, filepath.Join(a.Path, fragment.PartName(want, 1)), a.Parts[0])
		ropts.IsSplit = true
		ropts.OriginalBaseFilename = a.BaseName
	case Cloud:
		assert.Equal(t, filepath.Join(out, CloudDir, want), a.Path)
	}

	restored, err := o.Restore(ropts)
	require.NoError(t, err)
	assert.Equal(t, ropts.RestoreTo, restored)
	checkRestored(t, restored, files)
	noTemps(t, restored)
}

func TestBackupNoFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "empty"), 0755))

	var logged bytes.Buffer
	o := newOrchestrator()
	o.Log = u.NewWriterLogger(&logged)
	a, err := o.Backup(BackupOptions{
		Sources:   []string{filepath.Join(dir, "empty")},
		OutputDir: filepath.Join(dir, "out"),
	})
	require.NoError(t, err)
	assert.Equal(t, Artifact{}, a)
	assert.Contains(t, logged.String(), "no files found")

	entries, err := os.ReadDir(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMissingOptions(t *testing.T) {
	dir := t.TempDir()
	o := newOrchestrator()

	for _, opts := range []BackupOptions{
		{OutputDir: dir},
		{Sources: []string{dir}},
		{Sources: []string{dir}, OutputDir: dir, Dest: USBSplit},
		{Sources: []string{dir}, OutputDir: dir, Encrypt: true},
	} {
		_, err := o.Backup(opts)
		assert.ErrorIs(t, err, ErrMissingRequiredOption, "%+v", opts)
	}

	_, err := o.Backup(BackupOptions{Sources: []string{dir}, OutputDir: dir, Dest: DestType(9)})
	assert.ErrorIs(t, err, archive.ErrUnsupportedAlgorithm)

	for _, opts := range []RestoreOptions{
		{RestoreTo: dir},
		{Source: dir},
		{Source: dir, RestoreTo: dir, IsSplit: true},
	} {
		_, err := o.Restore(opts)
		assert.ErrorIs(t, err, ErrMissingRequiredOption, "%+v", opts)
	}

	// An encrypted backup needs a passphrase to restore.
	enc := filepath.Join(dir, "x.zip.enc")
	require.NoError(t, os.WriteFile(enc, nil, 0644))
	_, err = o.Restore(RestoreOptions{Source: enc, RestoreTo: filepath.Join(dir, "r")})
	assert.ErrorIs(t, err, ErrMissingRequiredOption)
}

func TestParseDestType(t *testing.T) {
	d, err := ParseDestType("usb_split")
	require.NoError(t, err)
	assert.Equal(t, USBSplit, d)
	assert.Equal(t, "cloud", Cloud.String())

	_, err = ParseDestType("tape")
	assert.ErrorIs(t, err, archive.ErrUnsupportedAlgorithm)
}

func TestWrongPassphraseCleansUp(t *testing.T) {
	dir := t.TempDir()
	makeSource(t, dir, "src", 3)

	o := newOrchestrator()
	a, err := o.Backup(BackupOptions{
		Sources:         []string{filepath.Join(dir, "src")},
		OutputDir:       filepath.Join(dir, "out"),
		Algorithm:       archive.Gzip,
		Dest:            USBSplit,
		SplitChunkBytes: 64 * 1024,
		Encrypt:         true,
		Passphrase:      StaticPassphrase("right"),
	})
	require.NoError(t, err)

	restoreTo := filepath.Join(dir, "restored")
	_, err = o.Restore(RestoreOptions{
		Source:               a.Path,
		RestoreTo:            restoreTo,
		IsSplit:              true,
		OriginalBaseFilename: a.BaseName,
		Passphrase:           StaticPassphrase("wrong"),
	})
	// Almost always a padding error, but a wrong key can occasionally
	// produce valid-looking padding and garbage that fails to decompress.
	require.Error(t, err)
	noTemps(t, restoreTo)
}

func TestFailedBackupCleansUp(t *testing.T) {
	dir := t.TempDir()
	makeSource(t, dir, "src", 4)

	o := newOrchestrator()
	out := filepath.Join(dir, "out")
	failing := errors.New("no passphrase for you")
	_, err := o.Backup(BackupOptions{
		Sources:    []string{filepath.Join(dir, "src")},
		OutputDir:  out,
		Encrypt:    true,
		Passphrase: func() ([]byte, error) { return nil, failing },
	})
	assert.ErrorIs(t, err, failing)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBackupDoesntOverwrite(t *testing.T) {
	for _, dest := range []DestType{HDD, USBSplit, Cloud} {
		t.Run(dest.String(), func(t *testing.T) {
			dir := t.TempDir()
			makeSource(t, dir, "src", 5)

			// Both backups get the same timestamp and so the same name.
			o := newOrchestrator()
			opts := BackupOptions{
				Sources:              []string{filepath.Join(dir, "src")},
				OutputDir:            filepath.Join(dir, "out"),
				Dest:                 dest,
				SplitChunkBytes:      64 * 1024,
				UploadBytesPerSecond: 1 << 30,
			}
			first, err := o.Backup(opts)
			require.NoError(t, err)
			before := snapshot(t, first.Path)

			_, err = o.Backup(opts)
			assert.ErrorIs(t, err, fs.ErrExist)
			assert.Equal(t, before, snapshot(t, first.Path))
			noTemps(t, opts.OutputDir)
		})
	}
}

// snapshot returns the contents of path, or of every file under it if it
// is a directory, keyed by path.
func snapshot(t *testing.T, path string) map[string][]byte {
	m := map[string][]byte{}
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		m[p] = b
		return err
	})
	require.NoError(t, err)
	return m
}

func TestRestoreUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	contents := []byte("just some bytes, not an archive")
	plain := filepath.Join(dir, "notes.bin")
	require.NoError(t, os.WriteFile(plain, contents, 0644))

	o := newOrchestrator()
	restoreTo := filepath.Join(dir, "restored")
	got, err := o.Restore(RestoreOptions{Source: plain, RestoreTo: restoreTo})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(restoreTo, "notes.bin"), got)
	b, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, contents, b)

	// Encrypted, but still not an archive.
	enc := filepath.Join(dir, "secret.bin.enc")
	require.NoError(t, o.codec().EncodeFile(plain, enc, []byte("pw")))
	got, err = o.Restore(RestoreOptions{Source: enc, RestoreTo: restoreTo,
		Passphrase: StaticPassphrase("pw")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(restoreTo, "secret.bin"), got)
	b, err = os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, contents, b)
	noTemps(t, restoreTo)
}

func TestSplitParityRepair(t *testing.T) {
	dir := t.TempDir()
	files := makeSource(t, dir, "src", 5)

	o := newOrchestrator()
	a, err := o.Backup(BackupOptions{
		Sources:         []string{filepath.Join(dir, "src")},
		OutputDir:       filepath.Join(dir, "out"),
		Algorithm:       archive.Zip,
		Dest:            USBSplit,
		SplitChunkBytes: 128 * 1024,
		Parity:          rdso.DefaultParams,
	})
	require.NoError(t, err)
	for _, p := range a.Parts {
		_, err := os.Stat(rdso.SidecarPath(p))
		require.NoError(t, err, p)
	}

	b, err := os.ReadFile(a.Parts[0])
	require.NoError(t, err)
	b[100] ^= 0x5a
	require.NoError(t, os.WriteFile(a.Parts[0], b, 0644))

	ropts := RestoreOptions{
		Source:               a.Path,
		RestoreTo:            filepath.Join(dir, "restored"),
		IsSplit:              true,
		OriginalBaseFilename: a.BaseName,
	}
	_, err = o.Restore(ropts)
	assert.ErrorIs(t, err, rdso.ErrFileCorrupt)

	ropts.Repair = true
	restored, err := o.Restore(ropts)
	require.NoError(t, err)
	checkRestored(t, restored, files)
}

func TestLimiter(t *testing.T) {
	const rate = 64 * 1024
	l := NewLimiter(rate)

	// The first eighth of a second's worth is available immediately; the
	// remaining half second's worth has to wait.
	src := bytes.Repeat([]byte{1}, rate*5/8)
	start := time.Now()
	n, err := io.Copy(io.Discard, l.Reader(context.Background(), bytes.NewReader(src)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), n)
	assert.True(t, time.Since(start) >= 400*time.Millisecond, "took %s", time.Since(start))
}

func TestLimiterCanceled(t *testing.T) {
	l := NewLimiter(1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := bytes.Repeat([]byte{1}, 4096)
	_, err := io.Copy(io.Discard, l.Reader(ctx, bytes.NewReader(src)))
	assert.ErrorIs(t, err, context.Canceled)
}
