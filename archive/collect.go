// archive/collect.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package archive

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/mmp/bkcrypt/executor"
)

// Entry is a file to be stored in an archive.
type Entry struct {
	// Path of the file on disk.
	Path string
	// Name in the archive: the slash-separated path relative to the
	// parent of the root it was found under, so the root directory's own
	// name is kept.
	Name string
}

// Collect walks each of the given roots (one executor task per root) and
// returns the regular files found under them. Roots keep their argument
// order; the files of each root are sorted by name. A root that is itself
// a regular file contributes just that file.
func Collect(roots []string, ex executor.Executor) ([]Entry, error) {
	if ex == nil {
		ex = executor.Inline()
	}
	perRoot := make([][]Entry, len(roots))
	err := ex.Run(len(roots), func(i int) error {
		e, err := walk(roots[i])
		perRoot[i] = e
		return err
	})
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, e := range perRoot {
		entries = append(entries, e...)
	}
	return entries, nil
}

func walk(root string) ([]Entry, error) {
	root = filepath.Clean(root)
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if fi.Mode().IsRegular() {
		return []Entry{{Path: root, Name: filepath.Base(root)}}, nil
	}

	parent := filepath.Dir(root)
	var entries []Entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Symlinks, devices and the like are skipped.
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Path: path, Name: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
