// backup/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup ties the pieces together: Backup collects files,
// compresses them into an archive, optionally encrypts it and stores the
// result at one of the supported destinations; Restore undoes all of that.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/bkcrypt/archive"
	"github.com/mmp/bkcrypt/container"
	"github.com/mmp/bkcrypt/executor"
	"github.com/mmp/bkcrypt/fragment"
	"github.com/mmp/bkcrypt/rdso"
	u "github.com/mmp/bkcrypt/util"
)

var ErrMissingRequiredOption = errors.New("missing required option")

const (
	// Suffix of encrypted backups.
	EncryptedSuffix = ".enc"
	// Suffix of the directory that holds a split backup's parts.
	PartsDirSuffix = "_parts"
	// Directory under the output directory that simulated cloud uploads
	// go to.
	CloudDir = "cloud_upload_mock"
)

// PassphraseFunc supplies the passphrase for encryption or decryption.
// It's only called if one is actually needed.
type PassphraseFunc func() ([]byte, error)

// StaticPassphrase returns a PassphraseFunc that always returns p.
func StaticPassphrase(p string) PassphraseFunc {
	return func() ([]byte, error) { return []byte(p), nil }
}

// Orchestrator runs backups and restores. The zero value is usable: work
// is done inline, with default key derivation cost and no logging.
type Orchestrator struct {
	Executor executor.Executor
	Log      *u.Logger
	// Time source for backup names; nil means time.Now.
	Now func() time.Time
	// PBKDF2 iterations; zero means container.Iterations. The count is
	// not recorded in the container, so restores must use the same value
	// the backup was made with.
	Iterations int
}

func (o *Orchestrator) executor() executor.Executor {
	if o.Executor == nil {
		return executor.Inline()
	}
	return o.Executor
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o *Orchestrator) codec() *container.Codec {
	return &container.Codec{Executor: o.executor(), Iterations: o.Iterations, Log: o.Log}
}

// stageError annotates err with the stage that failed.
func stageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", stage, err)
}

///////////////////////////////////////////////////////////////////////////
// Backup

type BackupOptions struct {
	// Directories (or files) to back up.
	Sources []string
	// Where the backup (and its intermediates) go.
	OutputDir string
	Algorithm archive.Algorithm
	Dest      DestType
	// Size of each part for USBSplit.
	SplitChunkBytes int64
	Encrypt         bool
	Passphrase      PassphraseFunc
	// Reed-Solomon sidecars for USBSplit parts; the zero value means none.
	Parity rdso.Params
	// Bandwidth limit for Cloud uploads; zero means unlimited.
	UploadBytesPerSecond int
}

// Artifact describes a finished backup.
type Artifact struct {
	// The backup file, or for USBSplit, the directory holding its parts.
	Path string
	// Logical name of the backup, e.g. backup_20240102_030405.tar.gz.enc.
	// For USBSplit, this is the base name to pass to Restore.
	BaseName string
	// Part files, for USBSplit.
	Parts []string
}

func (opts BackupOptions) validate() error {
	missing := func(what string) error {
		return fmt.Errorf("%s: %w", what, ErrMissingRequiredOption)
	}
	switch {
	case len(opts.Sources) == 0:
		return missing("source directories")
	case opts.OutputDir == "":
		return missing("output directory")
	case !opts.Dest.valid():
		return fmt.Errorf("%s: %w", opts.Dest, archive.ErrUnsupportedAlgorithm)
	case opts.Dest == USBSplit && opts.SplitChunkBytes <= 0:
		return missing("split chunk size")
	case opts.Encrypt && opts.Passphrase == nil:
		return missing("passphrase")
	}
	return nil
}

// Backup runs collect, compress, [encrypt] and store. Intermediate files
// are written to the output directory with a "temp_" prefix; whether or
// not Backup succeeds, none of them are left behind. If the sources hold
// no files, a warning is logged and an empty Artifact is returned.
func (o *Orchestrator) Backup(opts BackupOptions) (a Artifact, err error) {
	if err = opts.validate(); err != nil {
		return Artifact{}, err
	}
	if err = os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return Artifact{}, err
	}

	start := time.Now()
	entries, err := archive.Collect(opts.Sources, o.executor())
	if err != nil {
		return Artifact{}, stageError("collect", err)
	}
	if len(entries) == 0 {
		o.Log.Warning("%s: no files found to back up", strings.Join(opts.Sources, ", "))
		return Artifact{}, nil
	}
	o.Log.Verbose("collected %d files in %s", len(entries), time.Since(start))

	s := &scratch{log: o.Log}
	defer func() {
		if err != nil {
			s.cleanup()
		}
	}()

	// Compress
	name := "backup_" + o.now().Format("20060102_150405") + opts.Algorithm.Extension()
	current := s.temp(opts.OutputDir, name)
	start = time.Now()
	if err = archive.Create(current, opts.Algorithm, entries); err != nil {
		return Artifact{}, stageError("compress", err)
	}
	o.Log.Verbose("%s: compressed with %s in %s", current, opts.Algorithm, time.Since(start))

	// Encrypt
	if opts.Encrypt {
		pass, err := opts.Passphrase()
		if err != nil {
			return Artifact{}, stageError("encrypt", err)
		}
		name += EncryptedSuffix
		enc := s.temp(opts.OutputDir, name)
		start = time.Now()
		if err = o.codec().EncodeFile(current, enc, pass); err != nil {
			return Artifact{}, stageError("encrypt", err)
		}
		o.Log.Verbose("%s: encrypted in %s", enc, time.Since(start))
		s.remove(current)
		current = enc
	}

	// Store
	switch opts.Dest {
	case HDD:
		a, err = o.storeLocal(s, current, opts.OutputDir, name)
	case USBSplit:
		a, err = o.storeSplit(s, current, name, opts)
	case Cloud:
		a, err = o.storeCloud(s, current, name, opts)
	}
	if err != nil {
		return Artifact{}, stageError("store", err)
	}
	o.Log.Print("backup stored at %s", a.Path)
	return a, nil
}

func (o *Orchestrator) storeLocal(s *scratch, current, dir, name string) (Artifact, error) {
	final := filepath.Join(dir, name)
	if err := checkFree(final); err != nil {
		return Artifact{}, err
	}
	if err := os.Rename(current, final); err != nil {
		return Artifact{}, err
	}
	s.forget(current)
	return Artifact{Path: final, BaseName: name}, nil
}

func (o *Orchestrator) storeSplit(s *scratch, current, name string, opts BackupOptions) (Artifact, error) {
	dir := filepath.Join(opts.OutputDir, name+PartsDirSuffix)
	if err := checkFree(dir); err != nil {
		return Artifact{}, err
	}

	// Parts are written to a temporary directory that's renamed once
	// they're all there.
	tmpDir := s.temp(opts.OutputDir, name+PartsDirSuffix)
	parts, err := fragment.Split(current, opts.SplitChunkBytes, tmpDir, name,
		fragment.Options{Executor: o.executor(), Parity: opts.Parity, Log: o.Log})
	if err != nil {
		return Artifact{}, err
	}

	if err = checkFree(dir); err != nil {
		return Artifact{}, err
	}
	if err = os.Rename(tmpDir, dir); err != nil {
		return Artifact{}, err
	}
	s.forget(tmpDir)
	s.remove(current)

	for i, p := range parts {
		parts[i] = filepath.Join(dir, filepath.Base(p))
	}
	return Artifact{Path: dir, BaseName: name, Parts: parts}, nil
}

// storeCloud simulates uploading the backup: it's copied, subject to the
// bandwidth limit, into the CloudDir directory. No network I/O happens.
func (o *Orchestrator) storeCloud(s *scratch, current, name string, opts BackupOptions) (Artifact, error) {
	dir := filepath.Join(opts.OutputDir, CloudDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Artifact{}, err
	}
	final := filepath.Join(dir, name)
	if err := checkFree(final); err != nil {
		return Artifact{}, err
	}
	o.Log.Verbose("simulating upload of %s to %s", current, final)

	tmp := s.temp(dir, name)
	if err := o.upload(current, tmp, opts.UploadBytesPerSecond); err != nil {
		return Artifact{}, err
	}
	if err := checkFree(final); err != nil {
		return Artifact{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		return Artifact{}, err
	}
	s.forget(tmp)
	s.remove(current)
	return Artifact{Path: final, BaseName: name}, nil
}

func (o *Orchestrator) upload(src, dst string, bytesPerSecond int) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	var r io.Reader = in
	if bytesPerSecond > 0 {
		r = NewLimiter(bytesPerSecond).Reader(context.Background(), r)
	}
	rr := &u.ReportingReader{R: r, Msg: "uploaded", Log: o.Log}
	defer rr.Close()
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, rr); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

///////////////////////////////////////////////////////////////////////////
// Restore

type RestoreOptions struct {
	// The backup file, or for split backups, the directory of parts.
	Source    string
	RestoreTo string
	IsSplit   bool
	// For split backups, the name the parts were made from, e.g.
	// backup_20240102_030405.zip.enc.
	OriginalBaseFilename string
	// Called only if the backup is encrypted.
	Passphrase PassphraseFunc
	// Repair corrupt parts of split backups using their parity sidecars.
	Repair bool
}

func (opts RestoreOptions) validate() error {
	missing := func(what string) error {
		return fmt.Errorf("%s: %w", what, ErrMissingRequiredOption)
	}
	switch {
	case opts.Source == "":
		return missing("backup source")
	case opts.RestoreTo == "":
		return missing("restore directory")
	case opts.IsSplit && opts.OriginalBaseFilename == "":
		return missing("original base filename")
	}
	return nil
}

// Restore runs [merge], [decrypt] and decompress, putting the result in
// opts.RestoreTo. Whether the backup is encrypted and how it's compressed
// are determined by its name. A backup whose name doesn't indicate a known
// archive format is delivered as is under that name. Restore returns the
// path of what it restored: the restore directory for archives, or the
// delivered file otherwise.
func (o *Orchestrator) Restore(opts RestoreOptions) (restored string, err error) {
	if err = opts.validate(); err != nil {
		return "", err
	}
	if err = os.MkdirAll(opts.RestoreTo, 0755); err != nil {
		return "", err
	}

	s := &scratch{log: o.Log}
	defer func() {
		if err != nil {
			s.cleanup()
		}
	}()

	// Merge
	name := filepath.Base(opts.Source)
	current := opts.Source
	if opts.IsSplit {
		name = opts.OriginalBaseFilename
		merged := s.temp(opts.RestoreTo, "merged_"+name)
		start := time.Now()
		err = fragment.Merge(opts.Source, name, merged,
			fragment.MergeOptions{Repair: opts.Repair, Log: o.Log})
		if err != nil {
			return "", stageError("merge", err)
		}
		o.Log.Verbose("%s: merged in %s", merged, time.Since(start))
		current = merged
	}

	// Decrypt
	if strings.HasSuffix(name, EncryptedSuffix) {
		if opts.Passphrase == nil {
			return "", fmt.Errorf("passphrase: %w", ErrMissingRequiredOption)
		}
		pass, err := opts.Passphrase()
		if err != nil {
			return "", stageError("decrypt", err)
		}
		name = strings.TrimSuffix(name, EncryptedSuffix)
		dec := s.temp(opts.RestoreTo, "decrypted_"+name)
		start := time.Now()
		if err = o.codec().DecodeFile(current, dec, pass); err != nil {
			return "", stageError("decrypt", err)
		}
		o.Log.Verbose("%s: decrypted in %s", dec, time.Since(start))
		s.remove(current)
		current = dec
	}

	// Decompress
	if _, ok := archive.Detect(name); ok {
		start := time.Now()
		if _, err = archive.Extract(current, opts.RestoreTo); err != nil {
			return "", stageError("decompress", err)
		}
		o.Log.Verbose("%s: extracted in %s", opts.RestoreTo, time.Since(start))
		s.remove(current)
		o.Log.Print("restored to %s", opts.RestoreTo)
		return opts.RestoreTo, nil
	}

	o.Log.Warning("%s: unknown archive format; restoring it as is", name)
	final := filepath.Join(opts.RestoreTo, name)
	if s.tracked(current) {
		if err = os.Rename(current, final); err != nil {
			return "", stageError("deliver", err)
		}
		s.forget(current)
	} else if err = copyFile(current, final); err != nil {
		return "", stageError("deliver", err)
	}
	o.Log.Print("restored %s", final)
	return final, nil
}

// copyFile copies src to dst unless they're the same file.
// checkFree returns an error wrapping fs.ErrExist if something is already
// at path; backups never replace an earlier one.
func checkFree(path string) error {
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%s: %w", path, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	sfi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if dfi, err := os.Stat(dst); err == nil && os.SameFile(sfi, dfi) {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, sfi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
