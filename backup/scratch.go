// backup/scratch.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"os"
	"path/filepath"

	u "github.com/mmp/bkcrypt/util"
)

// TempPrefix starts the name of every intermediate file that Backup and
// Restore create; none of them outlive the call.
const TempPrefix = "temp_"

// scratch tracks the intermediate files and directories of a single
// backup or restore so that they can be cleaned up however it ends.
// Deletion is best-effort: failures are logged and otherwise ignored.
type scratch struct {
	log   *u.Logger
	paths []string
}

// temp returns the path of a new intermediate called name in dir and
// starts tracking it.
func (s *scratch) temp(dir, name string) string {
	p := filepath.Join(dir, TempPrefix+name)
	s.paths = append(s.paths, p)
	return p
}

func (s *scratch) tracked(p string) bool {
	for _, t := range s.paths {
		if t == p {
			return true
		}
	}
	return false
}

// forget stops tracking p, e.g. because it has been renamed into its
// final place.
func (s *scratch) forget(p string) {
	for i, t := range s.paths {
		if t == p {
			s.paths = append(s.paths[:i], s.paths[i+1:]...)
			return
		}
	}
}

// remove deletes p now if it's one of ours.
func (s *scratch) remove(p string) {
	if !s.tracked(p) {
		return
	}
	s.forget(p)
	if err := os.RemoveAll(p); err != nil {
		s.log.Warning("%s: %s", p, err)
	} else {
		s.log.Debug("%s: removed", p)
	}
}

// cleanup deletes everything still tracked.
func (s *scratch) cleanup() {
	for len(s.paths) > 0 {
		s.remove(s.paths[len(s.paths)-1])
	}
}
