// executor/executor.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package executor provides the worker pools used to run independent units
// of work (per-folder enumeration, per-chunk encryption, per-part writes).
// Callers fan work out with Run, which doesn't return until every task it
// started has finished.
package executor

import (
	"runtime"
	"sync/atomic"

	u "github.com/mmp/bkcrypt/util"
	"golang.org/x/sync/errgroup"
)

// Executor runs n independent tasks, each identified by its index in
// [0,n). Tasks may complete in any order; callers that need ordered output
// must index their results by i. Run returns the first error reported by
// a task.
type Executor interface {
	Run(n int, task func(i int) error) error

	// Workers returns the number of tasks that may run concurrently.
	Workers() int
}

// New returns the executor to use for a run given the requested number of
// workers; zero or fewer means one per CPU. If only one worker is
// available, the synchronous inline executor is returned.
func New(workers int, log *u.Logger) Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers == 1 {
		log.Verbose("using inline executor")
		return Inline()
	}
	log.Verbose("using parallel executor with %d workers", workers)
	return NewParallel(workers)
}

///////////////////////////////////////////////////////////////////////////
// inline

type inline struct{}

// Inline returns an Executor that runs tasks one at a time in index order
// on the calling goroutine.
func Inline() Executor {
	return inline{}
}

func (inline) Run(n int, task func(i int) error) error {
	for i := 0; i < n; i++ {
		if err := task(i); err != nil {
			return err
		}
	}
	return nil
}

func (inline) Workers() int { return 1 }

///////////////////////////////////////////////////////////////////////////
// parallel

type parallel struct {
	workers int
}

// NewParallel returns an Executor that runs up to the given number of
// tasks concurrently.
func NewParallel(workers int) Executor {
	if workers < 1 {
		workers = 1
	}
	return &parallel{workers: workers}
}

func (p *parallel) Workers() int { return p.workers }

func (p *parallel) Run(n int, task func(i int) error) error {
	var g errgroup.Group
	g.SetLimit(p.workers)

	// Once something has failed, there's no point starting the tasks
	// that haven't been scheduled yet; their results would be thrown
	// away.
	var failed atomic.Bool
	for i := 0; i < n; i++ {
		if failed.Load() {
			break
		}
		i := i
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			err := task(i)
			if err != nil {
				failed.Store(true)
			}
			return err
		})
	}
	return g.Wait()
}
