package file

import (
	"context"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps one transfer's throughput to
// bytesPerSec. The burst is 1 MB, or the rate itself when that is smaller, so
// a session never asks for more tokens than the bucket can hold. A
// non-positive rate returns nil, meaning unlimited.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// waitN blocks until limiter admits n bytes. A nil limiter admits everything.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil || n <= 0 {
		return nil
	}
	return limiter.WaitN(ctx, n)
}

// clampChunk keeps chunk within the limiter's burst so WaitN never fails
// with a request larger than the bucket.
func clampChunk(chunk int, limiter *rate.Limiter) int {
	if limiter == nil {
		return chunk
	}
	if burst := limiter.Burst(); burst > 0 && chunk > burst {
		return burst
	}
	return chunk
}
