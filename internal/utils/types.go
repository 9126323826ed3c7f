package utils

import (
	"context"
	"time"
)

// RetryPolicy is a linear backoff: the wait before attempt n+1 is Backoff*n.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

var (
	ProbeRetry = RetryPolicy{Attempts: 3, Backoff: time.Second}
	ChunkRetry = RetryPolicy{Attempts: 5, Backoff: 2 * time.Second}
)

// Wait sleeps for the backoff that follows the given failed attempt, or
// returns early with the context error.
func (p RetryPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Backoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
