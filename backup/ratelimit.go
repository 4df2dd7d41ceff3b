// backup/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Limiter caps the rate at which the readers it wraps return data. Readers
// sharing a Limiter share the budget.
type Limiter struct {
	limiter *rate.Limiter
	// Largest single read; at most 1/8th of a second's worth of data.
	burst int
}

func NewLimiter(bytesPerSecond int) *Limiter {
	burst := bytesPerSecond / 8
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:   burst,
	}
}

// Reader returns an io.Reader that reads from r no faster than the
// Limiter allows. Waiting for bandwidth stops with an error if ctx is
// canceled.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &limitedReader{ctx: ctx, R: r, l: l}
}

type limitedReader struct {
	ctx context.Context
	R   io.Reader
	l   *Limiter
}

func (lr *limitedReader) Read(dst []byte) (int, error) {
	if len(dst) > lr.l.burst {
		dst = dst[:lr.l.burst]
	}
	n, err := lr.R.Read(dst)
	if n > 0 {
		// Pay for what was actually read.
		if werr := lr.l.limiter.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
