package pipeline

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps stream throughput to
// bytesPerSec. The burst is set to 1 MB to allow natural write-size
// chunks through without unnecessary blocking on small writes.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// rateLimitedWriter wraps an io.Writer and enforces a shared rate limit.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func newRateLimitedWriter(ctx context.Context, w io.Writer, limiter *rate.Limiter) *rateLimitedWriter {
	return &rateLimitedWriter{w: w, limiter: limiter, ctx: ctx}
}

// Write throttles in burst-sized pieces: WaitN rejects requests larger
// than the limiter's burst, and a single tar copy buffer can exceed a
// small --bwlimit's burst.
func (rw *rateLimitedWriter) Write(p []byte) (int, error) {
	burst := rw.limiter.Burst()
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > burst {
			n = burst
		}
		if err := rw.limiter.WaitN(rw.ctx, n); err != nil {
			return written, err
		}
		wrote, err := rw.w.Write(p[:n])
		written += wrote
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
