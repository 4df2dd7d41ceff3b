// fragment/fragment.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package fragment splits a large file into fixed-size part files for
// media with limited capacity and merges them back together. Parts are
// named <base>.partNNN, with NNN a 1-based, zero-padded index; nothing
// else records how many parts there are, so merging relies on the names
// alone.
package fragment

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mmp/bkcrypt/executor"
	"github.com/mmp/bkcrypt/rdso"
	u "github.com/mmp/bkcrypt/util"
)

var (
	ErrNoFragmentsFound = errors.New("no fragments found")
	ErrInvalidPartSize  = errors.New("part size must be positive")
)

const partMarker = ".part"

// PartName returns the file name of the given (1-based) part.
func PartName(base string, index int) string {
	return fmt.Sprintf("%s%s%03d", base, partMarker, index)
}

// partIndex returns the index of the part with the given file name, or
// false if it isn't a part of base.
func partIndex(name, base string) (int, bool) {
	rest := strings.TrimPrefix(name, base+partMarker)
	if rest == name || rest == "" {
		return 0, false
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			// e.g. a Reed-Solomon sidecar file.
			return 0, false
		}
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 1 {
		return 0, false
	}
	return idx, true
}

///////////////////////////////////////////////////////////////////////////
// Split

// Options control Split.
type Options struct {
	// Executor runs the part writes; nil means inline.
	Executor executor.Executor
	// If enabled, a Reed-Solomon sidecar is written for each part.
	Parity rdso.Params
	Log    *u.Logger
}

// Split copies inPath to outDir/<base>.partNNN in windows of partSize
// bytes, returning the paths of the parts in order. An empty input still
// gives a single, empty, part so that Merge can always undo Split.
//
// Each part is written by its own executor task, which streams its window
// of the input; only parts that get a parity sidecar are held in memory.
func Split(inPath string, partSize int64, outDir, base string, opts Options) ([]string, error) {
	if partSize <= 0 {
		return nil, ErrInvalidPartSize
	}
	ex := opts.Executor
	if ex == nil {
		ex = executor.Inline()
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}

	f, err := os.Open(inPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()

	nParts := int((size + partSize - 1) / partSize)
	if nParts == 0 {
		nParts = 1
	}
	paths := make([]string, nParts)
	for i := range paths {
		paths[i] = filepath.Join(outDir, PartName(base, i+1))
	}

	err = ex.Run(nParts, func(i int) error {
		offset := int64(i) * partSize
		n := size - offset
		if n > partSize {
			n = partSize
		}
		return writePart(paths[i], io.NewSectionReader(f, offset, n), opts)
	})
	if err != nil {
		return nil, err
	}

	opts.Log.Verbose("%s: split into %d parts of up to %s", inPath, len(paths),
		u.FmtBytes(partSize))
	return paths, nil
}

func writePart(path string, r *io.SectionReader, opts Options) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	if !opts.Parity.Enabled() {
		if _, err = io.Copy(out, r); err != nil {
			return err
		}
		opts.Log.Debug("%s: wrote %s", path, u.FmtBytes(r.Size()))
		return nil
	}

	data := make([]byte, r.Size())
	if _, err = io.ReadFull(r, data); err != nil {
		return err
	}
	if _, err = out.Write(data); err != nil {
		return err
	}
	opts.Log.Debug("%s: wrote %s", path, u.FmtBytes(r.Size()))
	return rdso.EncodeBytes(path, data, opts.Parity)
}

///////////////////////////////////////////////////////////////////////////
// Merge

// Parts returns the paths of all of the parts of base in dir, ordered by
// part number. For three-digit indices this is the same as sorting by
// file name.
func Parts(dir, base string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type indexed struct {
		idx  int
		name string
	}
	var found []indexed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if idx, ok := partIndex(e.Name(), base); ok {
			found = append(found, indexed{idx, e.Name()})
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%s in %s: %w", base, dir, ErrNoFragmentsFound)
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].idx != found[j].idx {
			return found[i].idx < found[j].idx
		}
		return found[i].name < found[j].name
	})
	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = filepath.Join(dir, f.name)
	}
	return paths, nil
}

// MergeOptions control Merge.
type MergeOptions struct {
	// Repair parts that don't match their Reed-Solomon sidecar rather
	// than failing.
	Repair bool
	Log    *u.Logger
}

// Merge concatenates the parts of base found in dir, in order, into
// outPath. Parts that have a Reed-Solomon sidecar are verified first. On
// failure, outPath is removed.
func Merge(dir, base, outPath string, opts MergeOptions) (err error) {
	paths, err := Parts(dir, base)
	if err != nil {
		return err
	}
	opts.Log.Verbose("%s: merging %d parts", outPath, len(paths))

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(outPath)
		}
	}()

	w := bufio.NewWriter(out)
	for _, p := range paths {
		if err = appendPart(w, p, opts); err != nil {
			return err
		}
	}
	return w.Flush()
}

func appendPart(w io.Writer, path string, opts MergeOptions) error {
	if _, err := os.Stat(rdso.SidecarPath(path)); err == nil {
		data, err := rdso.ReadVerified(path, opts.Repair, opts.Log)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
